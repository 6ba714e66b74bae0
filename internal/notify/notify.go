// Package notify delivers desktop notifications for completed task runs.
package notify

import (
	"log/slog"

	"github.com/gen2brain/beeep"

	"github.com/hearthchat/hearth/internal/shared"
)

// bodyLimit keeps notification popups readable across platforms.
const bodyLimit = 200

// Notifier posts desktop notifications. Delivery is best effort: a
// missing notification daemon must never fail a task run.
type Notifier struct {
	enabled  bool
	onFailed func() // optional metrics hook
}

func New(enabled bool, onFailed func()) *Notifier {
	return &Notifier{enabled: enabled, onFailed: onFailed}
}

// Desktop shows a notification titled with the task name. The body is
// truncated to the platform-safe limit.
func (n *Notifier) Desktop(title, body string) {
	if n == nil || !n.enabled {
		return
	}
	if err := beeep.Notify(title, shared.Truncate(body, bodyLimit), ""); err != nil {
		slog.Warn("desktop notification failed", "title", title, "error", err)
		if n.onFailed != nil {
			n.onFailed()
		}
	}
}
