package bridge

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/hearthchat/hearth/internal/shared"
)

//go:embed client/sched_client.py
var clientScript []byte

// Spawn is a ready-to-exec command/args/env triple for a bridge client
// acting on behalf of one conversation.
type Spawn struct {
	Command string
	Args    []string
	Env     map[string]string
}

// materializeClientScript writes the embedded client under the data dir
// so external runtimes can execute it.
func (s *Server) materializeClientScript() (string, error) {
	dir := filepath.Join(s.homeDir, "resources")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create resources dir: %w", err)
	}
	path := filepath.Join(dir, "sched_client.py")
	if err := os.WriteFile(path, clientScript, 0o755); err != nil {
		return "", fmt.Errorf("write client script: %w", err)
	}
	return path, nil
}

// SpawnSpec returns how to launch a bridge client bound to the given
// conversation, or nil when the feature is unavailable: bridge down,
// client runtime not installed, or the script missing. Callers treat nil
// as "no scheduler tooling", not an error.
func (s *Server) SpawnSpec(conversationID string) *Spawn {
	path, token, ok := s.running()
	if !ok {
		return nil
	}
	runtime, err := exec.LookPath(s.runtime)
	if err != nil {
		return nil
	}
	if s.clientSc == "" {
		return nil
	}
	if _, err := os.Stat(s.clientSc); err != nil {
		return nil
	}
	spec := &Spawn{
		Command: runtime,
		Args:    []string{s.clientSc},
		Env: map[string]string{
			"SCHEDULER_SOCKET":          path,
			"SCHEDULER_TOKEN":           token,
			"SCHEDULER_CONVERSATION_ID": conversationID,
		},
	}
	logged := make(map[string]string, len(spec.Env))
	for k, v := range spec.Env {
		logged[k] = shared.RedactEnvValue(k, v)
	}
	slog.Debug("bridge spawn resolved", "command", spec.Command, "env", logged)
	return spec
}
