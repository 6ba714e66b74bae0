package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hearthchat/hearth/internal/bus"
	"github.com/hearthchat/hearth/internal/otel"
	"github.com/hearthchat/hearth/internal/scheduler"
	"github.com/hearthchat/hearth/internal/store"
)

type bridgeRig struct {
	store  *store.Store
	server *Server
	token  string
}

func newBridgeRig(t *testing.T) *bridgeRig {
	t.Helper()
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())

	st, err := store.Open(filepath.Join(t.TempDir(), "hearth.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	provider, err := otel.Init(context.Background(), otel.Config{})
	if err != nil {
		t.Fatal(err)
	}
	service := scheduler.NewService(st, bus.New(), nil)

	srv, err := NewServer(service, provider, nil, t.TempDir(), "python3")
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start bridge: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	srv.mu.Lock()
	token := srv.token
	srv.mu.Unlock()
	return &bridgeRig{store: st, server: srv, token: token}
}

func (r *bridgeRig) mustConversation(t *testing.T) *store.Conversation {
	t.Helper()
	conv := &store.Conversation{Title: "t"}
	if err := r.store.CreateConversation(context.Background(), conv); err != nil {
		t.Fatal(err)
	}
	return conv
}

// call dials a fresh connection and performs one request/response.
func (r *bridgeRig) call(t *testing.T, method, token string, params any) response {
	t.Helper()
	path, _, ok := r.server.running()
	if !ok {
		t.Fatal("bridge not running")
	}
	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	return sendLine(t, conn, method, token, params)
}

func sendLine(t *testing.T, conn net.Conn, method, token string, params any) response {
	t.Helper()
	rawParams, err := json.Marshal(params)
	if err != nil {
		t.Fatal(err)
	}
	req := map[string]any{"method": method, "token": token, "params": json.RawMessage(rawParams), "id": "r1"}
	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		t.Fatalf("write: %v", err)
	}
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var resp response
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("decode response %q: %v", line, err)
	}
	return resp
}

func validCreateParams(conversationID string) map[string]any {
	return map[string]any{
		"name":            "briefing",
		"prompt":          "summarize",
		"conversation_id": conversationID,
		"interval_value":  30,
		"interval_unit":   "minutes",
	}
}

func TestWrongTokenRejectedOnEveryMethod(t *testing.T) {
	r := newBridgeRig(t)
	conv := r.mustConversation(t)

	methods := map[string]any{
		"scheduler.create": validCreateParams(conv.ID),
		"scheduler.list":   map[string]any{"conversation_id": conv.ID},
		"scheduler.cancel": map[string]any{"task_id": "x", "conversation_id": conv.ID},
	}
	for method, params := range methods {
		resp := r.call(t, method, "wrong-token", params)
		if resp.Error != "Unauthorized" {
			t.Errorf("%s: error = %q, want Unauthorized", method, resp.Error)
		}
		if resp.Result != nil {
			t.Errorf("%s: leaked a result on bad token", method)
		}
	}
	// A bad token must never create rows.
	tasks, err := r.store.ListTasks(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Errorf("store touched despite bad token: %d tasks", len(tasks))
	}
}

func TestCreateListCancelRoundTrip(t *testing.T) {
	r := newBridgeRig(t)
	conv := r.mustConversation(t)

	created := r.call(t, "scheduler.create", r.token, validCreateParams(conv.ID))
	if created.Error != "" {
		t.Fatalf("create: %s", created.Error)
	}
	task, ok := created.Result.(map[string]any)
	if !ok || task["id"] == "" {
		t.Fatalf("create result: %+v", created.Result)
	}

	listed := r.call(t, "scheduler.list", r.token, map[string]any{"conversation_id": conv.ID})
	if listed.Error != "" {
		t.Fatalf("list: %s", listed.Error)
	}
	items, ok := listed.Result.([]any)
	if !ok || len(items) != 1 {
		t.Fatalf("list result: %+v", listed.Result)
	}
	proj := items[0].(map[string]any)
	if _, exposed := proj["prompt"]; exposed {
		t.Error("list exposes the full prompt")
	}
	if proj["prompt_preview"] != "summarize" {
		t.Errorf("prompt_preview = %v", proj["prompt_preview"])
	}

	cancelled := r.call(t, "scheduler.cancel", r.token, map[string]any{
		"task_id": task["id"], "conversation_id": conv.ID,
	})
	if cancelled.Error != "" {
		t.Fatalf("cancel: %s", cancelled.Error)
	}
	tasks, err := r.store.ListTasks(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Errorf("task survived cancel: %d", len(tasks))
	}
}

func TestCancelCrossConversationRejected(t *testing.T) {
	r := newBridgeRig(t)
	owner := r.mustConversation(t)
	other := r.mustConversation(t)

	created := r.call(t, "scheduler.create", r.token, validCreateParams(owner.ID))
	if created.Error != "" {
		t.Fatal(created.Error)
	}
	taskID := created.Result.(map[string]any)["id"].(string)

	resp := r.call(t, "scheduler.cancel", r.token, map[string]any{
		"task_id": taskID, "conversation_id": other.ID,
	})
	if resp.Error == "" {
		t.Fatal("cross-conversation cancel accepted")
	}
	if _, err := r.store.GetTask(context.Background(), taskID); err != nil {
		t.Errorf("task deleted despite rejection: %v", err)
	}
}

func TestCreateRejectsUnknownConversation(t *testing.T) {
	r := newBridgeRig(t)
	resp := r.call(t, "scheduler.create", r.token, validCreateParams("ghost"))
	if resp.Error == "" {
		t.Error("create auto-created a conversation through the bridge")
	}
}

func TestCreateRejectsMalformedParams(t *testing.T) {
	r := newBridgeRig(t)
	conv := r.mustConversation(t)

	bad := validCreateParams(conv.ID)
	bad["interval_unit"] = "weeks"
	if resp := r.call(t, "scheduler.create", r.token, bad); resp.Error == "" {
		t.Error("bad interval_unit accepted")
	}

	missing := validCreateParams(conv.ID)
	delete(missing, "conversation_id")
	if resp := r.call(t, "scheduler.create", r.token, missing); resp.Error == "" {
		t.Error("missing conversation_id accepted")
	}
}

func TestMalformedLineKeepsConnectionOpen(t *testing.T) {
	r := newBridgeRig(t)
	conv := r.mustConversation(t)

	path, _, _ := r.server.running()
	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := fmt.Fprintf(conn, "this is not json\n"); err != nil {
		t.Fatal(err)
	}
	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		t.Fatalf("no error response for garbage line: %v", err)
	}
	var errResp response
	if err := json.Unmarshal(line, &errResp); err != nil || errResp.Error == "" {
		t.Errorf("garbage line response: %q", line)
	}

	// Same connection still serves valid requests.
	resp := sendLine(t, conn, "scheduler.list", r.token, map[string]any{"conversation_id": conv.ID})
	if resp.Error != "" {
		t.Errorf("connection unusable after parse error: %s", resp.Error)
	}
}

func TestOversizedLineAnsweredBeforeClose(t *testing.T) {
	r := newBridgeRig(t)

	path, _, _ := r.server.running()
	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	payload := append(bytes.Repeat([]byte("a"), maxLineBytes+1), '\n')
	if _, err := conn.Write(payload); err != nil {
		t.Fatal(err)
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		t.Fatalf("no response for oversized line: %v", err)
	}
	var errResp response
	if err := json.Unmarshal(line, &errResp); err != nil || errResp.Error != "request line too long" {
		t.Errorf("oversized line response: %q", line)
	}
	// Framing is lost past the limit, so the server hangs up afterwards.
	if _, err := reader.ReadBytes('\n'); err == nil {
		t.Error("connection stayed open after oversized line")
	}
}

func TestUnknownMethod(t *testing.T) {
	r := newBridgeRig(t)
	resp := r.call(t, "scheduler.explode", r.token, map[string]any{})
	if resp.Error == "" {
		t.Error("unknown method accepted")
	}
}

func TestShutdownRemovesSocketAndClearsToken(t *testing.T) {
	r := newBridgeRig(t)
	path, _, ok := r.server.running()
	if !ok {
		t.Fatal("not running")
	}

	r.server.Shutdown()

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("socket file survived shutdown: %v", err)
	}
	if _, token, ok := r.server.running(); ok || token != "" {
		t.Error("token not cleared on shutdown")
	}
	if spec := r.server.SpawnSpec("conv"); spec != nil {
		t.Error("SpawnSpec non-nil after shutdown")
	}
}

func TestSpawnSpecEnv(t *testing.T) {
	r := newBridgeRig(t)
	spec := r.server.SpawnSpec("conv-42")
	if spec == nil {
		t.Skip("client runtime not installed")
	}
	if spec.Env["SCHEDULER_CONVERSATION_ID"] != "conv-42" {
		t.Errorf("env: %+v", spec.Env)
	}
	if spec.Env["SCHEDULER_TOKEN"] != r.token {
		t.Error("token not passed through env")
	}
	if spec.Env["SCHEDULER_SOCKET"] == "" {
		t.Error("socket path missing from env")
	}
	if len(spec.Args) != 1 {
		t.Errorf("args: %v", spec.Args)
	}
	if _, err := os.Stat(spec.Args[0]); err != nil {
		t.Errorf("client script not materialized: %v", err)
	}
}
