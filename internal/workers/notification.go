package workers

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/quaestorhq/quaestor/internal/notify"
	"github.com/quaestorhq/quaestor/internal/queue"
)

// NotificationWorker dispatches one notification job through the channel
// router. The job succeeds when at least one channel delivered; a full miss
// is retried per queue policy.
type NotificationWorker struct {
	router *notify.Router
	logger *zap.Logger
}

// NewNotificationWorker creates the notification handler.
func NewNotificationWorker(router *notify.Router, logger *zap.Logger) *NotificationWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationWorker{
		router: router,
		logger: logger.Named("notifyworker"),
	}
}

// Handle delivers one notification.
func (w *NotificationWorker) Handle(ctx context.Context, job *queue.Job, progress func(int)) error {
	var n notify.Notification
	if err := decodePayload(job.Payload, &n); err != nil {
		return err
	}
	if n.Title == "" && n.Message == "" {
		return queue.Fatal(fmt.Errorf("empty notification"))
	}
	progress(10)

	res := w.router.Dispatch(ctx, n)
	progress(90)

	if res.Ok() {
		if len(res.Errors) > 0 {
			w.logger.Info("notification partially delivered",
				zap.String("title", n.Title),
				zap.Strings("delivered", res.Delivered),
				zap.Int("failed", len(res.Errors)))
		}
		return nil
	}
	return fmt.Errorf("no channel delivered: %s", joinErrors(res.Errors))
}

func joinErrors(errs map[string]error) string {
	names := make([]string, 0, len(errs))
	for name := range errs {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", name, errs[name]))
	}
	return strings.Join(parts, "; ")
}
