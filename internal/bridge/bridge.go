// Package bridge is the local control plane that lets agent-spawned tool
// processes create, list and cancel scheduled tasks. Transport is
// newline-delimited JSON over a unix socket; trust is one random token
// living only in this process's memory.
package bridge

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hearthchat/hearth/internal/otel"
	"github.com/hearthchat/hearth/internal/scheduler"
	"github.com/hearthchat/hearth/internal/shared"
	"github.com/hearthchat/hearth/internal/store"
)

// errUnauthorized is the exact wire string for a bad token. No further
// detail is given to the caller.
const errUnauthorized = "Unauthorized"

// promptPreviewLimit bounds the prompt excerpt in list projections.
const promptPreviewLimit = 100

// maxLineBytes bounds one request line.
const maxLineBytes = 1 << 20

// request is one wire request line.
type request struct {
	Method string          `json:"method"`
	Token  string          `json:"token"`
	Params json.RawMessage `json:"params"`
	ID     json.RawMessage `json:"id"`
}

// response is one wire response line: result and error are exclusive.
type response struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Server owns the unix socket, the in-memory token and the method table.
type Server struct {
	service  *scheduler.Service
	otel     *otel.Provider
	metrics  *otel.Metrics
	schemas  *paramSchemas
	homeDir  string
	runtime  string // interpreter for the client script, e.g. "python3"
	clientSc string // materialized client script path, set by Start

	mu         sync.Mutex
	token      string
	socketPath string
	ln         net.Listener
	conns      sync.WaitGroup
}

func NewServer(service *scheduler.Service, provider *otel.Provider, metrics *otel.Metrics, homeDir, runtime string) (*Server, error) {
	schemas, err := compileParamSchemas()
	if err != nil {
		return nil, fmt.Errorf("compile bridge schemas: %w", err)
	}
	if runtime == "" {
		runtime = "python3"
	}
	return &Server{
		service: service,
		otel:    provider,
		metrics: metrics,
		schemas: schemas,
		homeDir: homeDir,
		runtime: runtime,
	}, nil
}

// SocketPath returns the per-process socket path, one socket per
// application instance.
func SocketPath() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, fmt.Sprintf("hearth-sched-%d.sock", os.Getpid()))
}

// Start generates the process-lifetime token, binds the socket and begins
// accepting connections. The listener closes when ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("generate bridge token: %w", err)
	}

	path := SocketPath()
	// A stale socket from a crashed previous run with the same pid blocks
	// the listen; remove it first.
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("restrict socket permissions: %w", err)
	}

	s.mu.Lock()
	s.token = hex.EncodeToString(raw)
	s.socketPath = path
	s.ln = ln
	s.mu.Unlock()

	if scriptPath, err := s.materializeClientScript(); err != nil {
		slog.Warn("bridge client script unavailable", "error", err)
	} else {
		s.clientSc = scriptPath
	}

	go s.acceptLoop(ctx)
	go func() {
		<-ctx.Done()
		s.Shutdown()
	}()

	slog.Info("bridge listening", "socket", path)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			// Listener closed on shutdown.
			return
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// handleConn serves one client: partial lines buffer across reads, each
// complete line dispatches independently. A parse failure answers an
// error response and keeps the connection open.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = enc.Encode(response{Error: "invalid request: not a JSON object"})
			continue
		}
		resp := s.dispatch(ctx, &req)
		if err := enc.Encode(resp); err != nil {
			slog.Debug("bridge write failed", "error", err)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		// An oversized line loses framing, so the connection closes — but
		// the client still hears why.
		if errors.Is(err, bufio.ErrTooLong) {
			_ = enc.Encode(response{Error: "request line too long"})
			return
		}
		slog.Debug("bridge read failed", "error", err)
	}
}

// dispatch authenticates and routes one request. The outer recover keeps a
// handler bug from crashing the process.
func (s *Server) dispatch(ctx context.Context, req *request) (resp response) {
	resp.ID = req.ID
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bridge handler panicked", "method", req.Method, "panic", r)
			resp.Result = nil
			resp.Error = "internal error"
		}
	}()

	started := time.Now()
	ctx, span := otel.StartServerSpan(ctx, s.otel.Tracer, "bridge.request",
		otel.AttrMethod.String(req.Method),
	)
	defer func() {
		span.End()
		if s.metrics != nil {
			s.metrics.BridgeDuration.Record(ctx, time.Since(started).Seconds())
		}
	}()

	// Token check comes first: a bad token never reaches the store.
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()
	if token == "" || subtle.ConstantTimeCompare([]byte(req.Token), []byte(token)) != 1 {
		if s.metrics != nil {
			s.metrics.BridgeRejects.Add(ctx, 1)
		}
		resp.Error = errUnauthorized
		return resp
	}

	var result any
	var err error
	switch req.Method {
	case "scheduler.create":
		result, err = s.handleCreate(ctx, req.Params)
	case "scheduler.list":
		result, err = s.handleList(ctx, req.Params)
	case "scheduler.cancel":
		result, err = s.handleCancel(ctx, req.Params)
	default:
		err = fmt.Errorf("unknown method %q", req.Method)
	}
	if err != nil {
		resp.Error = shared.Redact(err.Error())
		return resp
	}
	resp.Result = result
	return resp
}

type createParams struct {
	Name           string `json:"name"`
	Prompt         string `json:"prompt"`
	ConversationID string `json:"conversation_id"`
	IntervalValue  int    `json:"interval_value"`
	IntervalUnit   string `json:"interval_unit"`
	ScheduleTime   string `json:"schedule_time"`
	CatchUp        bool   `json:"catch_up"`
	OneShot        bool   `json:"one_shot"`
	NotifyDesktop  bool   `json:"notify_desktop"`
}

func (s *Server) handleCreate(ctx context.Context, raw json.RawMessage) (any, error) {
	if err := s.schemas.validate("scheduler.create", raw); err != nil {
		return nil, err
	}
	var p createParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	task, err := s.service.Create(ctx, scheduler.TaskInput{
		Name:          p.Name,
		Prompt:        p.Prompt,
		IntervalValue: p.IntervalValue,
		IntervalUnit:  store.IntervalUnit(p.IntervalUnit),
		ScheduleTime:  p.ScheduleTime,
		CatchUp:       p.CatchUp,
		OneShot:       p.OneShot,
		NotifyDesktop: p.NotifyDesktop,
	}, scheduler.CreateOptions{
		ConversationID:      p.ConversationID,
		RequireConversation: true,
	})
	if err != nil {
		return nil, err
	}
	return projectTask(*task), nil
}

type listParams struct {
	ConversationID string `json:"conversation_id"`
}

func (s *Server) handleList(ctx context.Context, raw json.RawMessage) (any, error) {
	if err := s.schemas.validate("scheduler.list", raw); err != nil {
		return nil, err
	}
	var p listParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	tasks, err := s.service.TasksByConversation(ctx, p.ConversationID)
	if err != nil {
		return nil, err
	}
	out := make([]taskProjection, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, projectTask(t))
	}
	return out, nil
}

type cancelParams struct {
	TaskID         string `json:"task_id"`
	ConversationID string `json:"conversation_id"`
}

func (s *Server) handleCancel(ctx context.Context, raw json.RawMessage) (any, error) {
	if err := s.schemas.validate("scheduler.cancel", raw); err != nil {
		return nil, err
	}
	var p cancelParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	task, err := s.service.Get(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	// The shared token carries no identity; the conversation id match is
	// the bridge's only per-caller isolation.
	if task.ConversationID != p.ConversationID {
		return nil, fmt.Errorf("task %s: %w", p.TaskID, store.ErrNotFound)
	}
	if err := s.service.Delete(ctx, p.TaskID); err != nil {
		return nil, err
	}
	return map[string]any{"cancelled": p.TaskID}, nil
}

// taskProjection is the truncated, sanitized view handed to bridge
// callers instead of full rows.
type taskProjection struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	PromptPreview string     `json:"prompt_preview"`
	Enabled       bool       `json:"enabled"`
	IntervalValue int        `json:"interval_value"`
	IntervalUnit  string     `json:"interval_unit"`
	ScheduleTime  string     `json:"schedule_time,omitempty"`
	OneShot       bool       `json:"one_shot"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastStatus    string     `json:"last_status,omitempty"`
	RunCount      int        `json:"run_count"`
}

func projectTask(t store.ScheduledTask) taskProjection {
	return taskProjection{
		ID:            t.ID,
		Name:          t.Name,
		PromptPreview: shared.Truncate(t.Prompt, promptPreviewLimit),
		Enabled:       t.Enabled,
		IntervalValue: t.IntervalValue,
		IntervalUnit:  string(t.IntervalUnit),
		ScheduleTime:  t.ScheduleTime,
		OneShot:       t.OneShot,
		NextRunAt:     t.NextRunAt,
		LastStatus:    string(t.LastStatus),
		RunCount:      t.RunCount,
	}
}

// Shutdown closes the listener, removes the socket file and clears the
// token. Safe to call more than once.
func (s *Server) Shutdown() {
	s.mu.Lock()
	ln := s.ln
	path := s.socketPath
	s.ln = nil
	s.token = ""
	s.socketPath = ""
	s.mu.Unlock()

	if ln == nil {
		return
	}
	_ = ln.Close()
	s.conns.Wait()
	if path != "" {
		_ = os.Remove(path)
	}
	slog.Info("bridge stopped")
}

// running reports whether the bridge is accepting connections.
func (s *Server) running() (path, token string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.socketPath, s.token, s.ln != nil
}
