package workers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/quaestorhq/quaestor/internal/notify"
	"github.com/quaestorhq/quaestor/internal/queue"
)

type stubChannel struct {
	name string
	err  error
	sent int
}

func (c *stubChannel) Name() string { return c.name }

func (c *stubChannel) Send(ctx context.Context, n notify.Notification) error {
	c.sent++
	return c.err
}

func notifyJob(t *testing.T, n notify.Notification) *queue.Job {
	t.Helper()
	payload, err := json.Marshal(n)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &queue.Job{ID: "n1", Queue: QueueNotification, Payload: payload}
}

func TestNotificationDelivered(t *testing.T) {
	router := notify.NewRouter(nil, nil)
	ch := &stubChannel{name: "webhook"}
	router.Register(ch)
	worker := NewNotificationWorker(router, nil)

	job := notifyJob(t, notify.Notification{Title: "Transaction confirmed", Message: "0xabc mined"})
	if err := worker.Handle(context.Background(), job, noProgress); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if ch.sent != 1 {
		t.Fatalf("sent = %d, want 1", ch.sent)
	}
}

func TestNotificationPartialDeliveryIsSuccess(t *testing.T) {
	router := notify.NewRouter(nil, nil)
	router.Register(&stubChannel{name: "webhook", err: errors.New("503")})
	router.Register(&stubChannel{name: "push"})
	worker := NewNotificationWorker(router, nil)

	job := notifyJob(t, notify.Notification{Title: "Approval required"})
	if err := worker.Handle(context.Background(), job, noProgress); err != nil {
		t.Fatalf("one delivered channel should succeed the job: %v", err)
	}
}

func TestNotificationAllFailedRetries(t *testing.T) {
	router := notify.NewRouter(nil, nil)
	router.Register(&stubChannel{name: "webhook", err: errors.New("503")})
	router.Register(&stubChannel{name: "push", err: errors.New("timeout")})
	worker := NewNotificationWorker(router, nil)

	job := notifyJob(t, notify.Notification{Title: "Plan failed"})
	err := worker.Handle(context.Background(), job, noProgress)
	if err == nil || queue.IsFatal(err) {
		t.Fatalf("full miss must be retryable, got %v", err)
	}
	if !strings.Contains(err.Error(), "push") || !strings.Contains(err.Error(), "webhook") {
		t.Fatalf("error does not name failed channels: %v", err)
	}
}

func TestNotificationEmptyIsFatal(t *testing.T) {
	worker := NewNotificationWorker(notify.NewRouter(nil, nil), nil)

	job := notifyJob(t, notify.Notification{})
	err := worker.Handle(context.Background(), job, noProgress)
	if !queue.IsFatal(err) {
		t.Fatalf("want fatal error, got %v", err)
	}
}
