package delivery

import (
	"context"

	"github.com/migadu/sieved/logger"
	"github.com/migadu/sieved/server/sieveexec"
)

// LogNotifier is the built-in notification method: it surfaces notify
// actions in the structured log, where an external log shipper can pick
// them up.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, n sieveexec.Notification) error {
	logger.Info("NOTIFY: Sieve notification",
		"method", n.Method,
		"priority", n.Priority,
		"message", n.Message,
		"filename", n.Filename,
		"options", n.Options)
	return nil
}
