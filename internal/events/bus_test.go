package events

import (
	"testing"
	"time"
)

func TestPublishTypeFilter(t *testing.T) {
	bus := NewBus(8)

	sub, err := bus.Subscribe(Filter{Types: []Type{TransactionConfirmed}})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	bus.Publish(Event{Type: TransactionPending, Payload: TransactionPayload{TransactionID: "tx-1"}})
	bus.Publish(Event{Type: TransactionConfirmed, Payload: TransactionPayload{TransactionID: "tx-1"}})

	select {
	case evt := <-sub.C:
		if evt.Type != TransactionConfirmed {
			t.Errorf("type = %q, want %q", evt.Type, TransactionConfirmed)
		}
	default:
		t.Fatal("expected one delivered event")
	}
	select {
	case evt := <-sub.C:
		t.Fatalf("unexpected second event %q", evt.Type)
	default:
	}
}

func TestPublishIdentityFilter(t *testing.T) {
	bus := NewBus(8)

	alice, err := bus.Subscribe(Filter{UserID: "alice"})
	if err != nil {
		t.Fatalf("Subscribe alice: %v", err)
	}
	planSub, err := bus.Subscribe(Filter{PlanID: "plan-7"})
	if err != nil {
		t.Fatalf("Subscribe plan: %v", err)
	}

	bus.Publish(Event{Type: TransactionConfirmed, UserID: "alice", PlanID: "plan-9"})
	bus.Publish(Event{Type: TransactionConfirmed, UserID: "bob", PlanID: "plan-7"})

	if got := len(alice.ch); got != 1 {
		t.Errorf("alice received %d events, want 1", got)
	}
	if evt := <-alice.ch; evt.UserID != "alice" {
		t.Errorf("alice got event for %q", evt.UserID)
	}

	if got := len(planSub.ch); got != 1 {
		t.Errorf("plan subscriber received %d events, want 1", got)
	}
	if evt := <-planSub.ch; evt.PlanID != "plan-7" {
		t.Errorf("plan subscriber got event for %q", evt.PlanID)
	}
}

func TestSubscribeAllTypes(t *testing.T) {
	bus := NewBus(8)

	sub, err := bus.Subscribe(Filter{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	bus.Publish(Event{Type: PlanStarted})
	bus.Publish(Event{Type: ApprovalCreated})
	bus.Publish(Event{Type: SystemAlert})

	if got := len(sub.ch); got != 3 {
		t.Errorf("received %d events, want 3", got)
	}
}

func TestSubscribeUnknownType(t *testing.T) {
	bus := NewBus(8)

	if _, err := bus.Subscribe(Filter{Types: []Type{"transaction:teleported"}}); err == nil {
		t.Fatal("expected error for unknown event type")
	}
	if got := bus.SubscriberCount(); got != 0 {
		t.Errorf("subscriber count = %d, want 0", got)
	}
}

func TestHandlerOrderAndKeys(t *testing.T) {
	bus := NewBus(8)

	var calls []string
	bus.On(Wildcard, func(Event) { calls = append(calls, "wild") })
	bus.On(string(JobCompleted), func(Event) { calls = append(calls, "typed") })
	bus.On("transaction", func(Event) { calls = append(calls, "queue") })
	bus.On(string(JobFailed), func(Event) { calls = append(calls, "other") })

	bus.Publish(Event{Type: JobCompleted, Queue: "transaction"})

	want := []string{"wild", "typed", "queue"}
	if len(calls) != len(want) {
		t.Fatalf("handler calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call[%d] = %q, want %q", i, calls[i], want[i])
		}
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	bus := NewBus(1)

	sub, err := bus.Subscribe(Filter{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	bus.Publish(Event{Type: SystemAlert})
	bus.Publish(Event{Type: SystemAlert})
	bus.Publish(Event{Type: SystemAlert})

	if got := bus.Drops(sub.ID); got != 2 {
		t.Errorf("drops = %d, want 2", got)
	}
	if got := len(sub.ch); got != 1 {
		t.Errorf("buffered = %d, want 1", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(8)

	sub, err := bus.Subscribe(Filter{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	bus.Unsubscribe(sub.ID)

	if _, open := <-sub.C; open {
		t.Error("expected channel closed after unsubscribe")
	}
	if got := bus.SubscriberCount(); got != 0 {
		t.Errorf("subscriber count = %d, want 0", got)
	}

	// Publishing after removal must not panic.
	bus.Publish(Event{Type: SystemAlert})
}

func TestExpireSilentSubscribers(t *testing.T) {
	bus := NewBus(8)

	quiet, err := bus.Subscribe(Filter{})
	if err != nil {
		t.Fatalf("Subscribe quiet: %v", err)
	}
	live, err := bus.Subscribe(Filter{})
	if err != nil {
		t.Fatalf("Subscribe live: %v", err)
	}

	bus.mu.Lock()
	bus.subs[quiet.ID].seen = time.Now().UTC().Add(-2 * time.Minute)
	bus.mu.Unlock()
	bus.Touch(live.ID)

	expired := bus.Expire(time.Minute)
	if len(expired) != 1 || expired[0] != quiet.ID {
		t.Fatalf("expired = %v, want [%s]", expired, quiet.ID)
	}
	if got := bus.SubscriberCount(); got != 1 {
		t.Errorf("subscriber count = %d, want 1", got)
	}
	if _, open := <-quiet.C; open {
		t.Error("expected expired channel closed")
	}
}

func TestPublishSetsTimestamp(t *testing.T) {
	bus := NewBus(8)

	sub, err := bus.Subscribe(Filter{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	bus.Publish(Event{Type: SystemAlert})

	evt := <-sub.C
	if evt.Timestamp.IsZero() {
		t.Error("expected timestamp to be set on publish")
	}
}
