package queue

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustEnqueue(t *testing.T, store *Store, queue string, payload string, opts Options) string {
	t.Helper()
	id, err := store.Enqueue(queue, []byte(payload), opts)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return id
}

func TestEnqueueLeaseAck(t *testing.T) {
	store := newTestStore(t)

	id := mustEnqueue(t, store, "transaction", `{"n":1}`, Options{MaxAttempts: 3})

	job, err := store.LeaseNext("transaction", "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if job == nil {
		t.Fatal("expected a job")
	}
	if job.ID != id {
		t.Fatalf("leased %s, want %s", job.ID, id)
	}
	if job.Status != StatusActive {
		t.Fatalf("status = %s, want active", job.Status)
	}
	if job.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", job.Attempts)
	}
	if job.WorkerID != "worker-1" {
		t.Fatalf("worker = %q, want worker-1", job.WorkerID)
	}

	// Leased jobs are invisible to other workers until ack/fail.
	second, err := store.LeaseNext("transaction", "worker-2", time.Minute)
	if err != nil {
		t.Fatalf("second lease: %v", err)
	}
	if second != nil {
		t.Fatalf("expected no job for second worker, got %s", second.ID)
	}

	if err := store.Ack(job.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	done, err := store.Get(job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if done.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", done.Status)
	}
	if done.CompletedAt == nil {
		t.Fatal("expected completed_at set")
	}
}

func TestEnqueueEmptyPayload(t *testing.T) {
	store := newTestStore(t)

	// Control-signal jobs carry no body.
	id, err := store.Enqueue("notification", nil, Options{})
	if err != nil {
		t.Fatalf("enqueue nil payload: %v", err)
	}

	job, err := store.LeaseNext("notification", "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if job == nil || job.ID != id {
		t.Fatalf("leased %+v, want %s", job, id)
	}
	if len(job.Payload) != 0 {
		t.Fatalf("payload = %q, want empty", job.Payload)
	}

	if _, err := store.AddSchedule("notification", "*/5 * * * *", nil); err != nil {
		t.Fatalf("schedule with nil payload: %v", err)
	}
}

func TestLeaseOrderPriorityThenFIFO(t *testing.T) {
	store := newTestStore(t)

	lowFirst := mustEnqueue(t, store, "q", `{"n":1}`, Options{Priority: 1})
	high := mustEnqueue(t, store, "q", `{"n":2}`, Options{Priority: 5})
	lowSecond := mustEnqueue(t, store, "q", `{"n":3}`, Options{Priority: 1})

	want := []string{high, lowFirst, lowSecond}
	for i, expected := range want {
		job, err := store.LeaseNext("q", "w", time.Minute)
		if err != nil {
			t.Fatalf("lease %d: %v", i, err)
		}
		if job == nil {
			t.Fatalf("lease %d: expected a job", i)
		}
		if job.ID != expected {
			t.Fatalf("lease %d = %s, want %s", i, job.ID, expected)
		}
		if err := store.Ack(job.ID); err != nil {
			t.Fatalf("ack %d: %v", i, err)
		}
	}
}

func TestEnqueueIdempotent(t *testing.T) {
	store := newTestStore(t)

	first := mustEnqueue(t, store, "q", `{"n":1}`, Options{ID: "tx-42"})
	second := mustEnqueue(t, store, "q", `{"n":999}`, Options{ID: "tx-42"})
	if first != "tx-42" || second != "tx-42" {
		t.Fatalf("ids = %s, %s, want tx-42 twice", first, second)
	}

	counts, err := store.Counts("q")
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Pending != 1 {
		t.Fatalf("pending = %d, want 1 (duplicate ignored)", counts.Pending)
	}

	job, err := store.LeaseNext("q", "w", time.Minute)
	if err != nil || job == nil {
		t.Fatalf("lease: job=%v err=%v", job, err)
	}
	if string(job.Payload) != `{"n":1}` {
		t.Fatalf("payload = %s, want original payload", job.Payload)
	}
}

func TestDelayedJobNotDue(t *testing.T) {
	store := newTestStore(t)

	mustEnqueue(t, store, "q", `{}`, Options{Delay: time.Hour})

	job, err := store.LeaseNext("q", "w", time.Minute)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if job != nil {
		t.Fatalf("expected no due job, got %s", job.ID)
	}

	counts, err := store.Counts("q")
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Delayed != 1 || counts.Pending != 0 {
		t.Fatalf("counts = %+v, want 1 delayed and 0 pending", counts)
	}
}

func TestFailRetriesWithBackoffThenTerminal(t *testing.T) {
	store := newTestStore(t)

	id := mustEnqueue(t, store, "q", `{}`, Options{MaxAttempts: 2, Backoff: BackoffFixed, BackoffBase: 10 * time.Millisecond})

	job, err := store.LeaseNext("q", "w", time.Minute)
	if err != nil || job == nil {
		t.Fatalf("lease: job=%v err=%v", job, err)
	}

	retried, err := store.Fail(job.ID, errors.New("rpc timeout"))
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if retried.Status != StatusPending {
		t.Fatalf("status = %s, want pending after first failure", retried.Status)
	}
	if retried.LastError != "rpc timeout" {
		t.Fatalf("last_error = %q", retried.LastError)
	}
	if !retried.AvailableAt.After(time.Now().UTC().Add(-time.Second)) {
		t.Fatalf("available_at %v not pushed forward", retried.AvailableAt)
	}

	time.Sleep(20 * time.Millisecond)

	job, err = store.LeaseNext("q", "w", time.Minute)
	if err != nil || job == nil {
		t.Fatalf("second lease: job=%v err=%v", job, err)
	}
	if job.ID != id || job.Attempts != 2 {
		t.Fatalf("job %s attempts %d, want %s with attempts 2", job.ID, job.Attempts, id)
	}

	final, err := store.Fail(job.ID, errors.New("rpc timeout"))
	if err != nil {
		t.Fatalf("final fail: %v", err)
	}
	if final.Status != StatusFailed {
		t.Fatalf("status = %s, want failed at max attempts", final.Status)
	}
	if final.CompletedAt == nil {
		t.Fatal("expected completed_at on terminal failure")
	}
}

func TestFatalErrorSkipsRetries(t *testing.T) {
	store := newTestStore(t)

	mustEnqueue(t, store, "q", `{}`, Options{MaxAttempts: 5})

	job, err := store.LeaseNext("q", "w", time.Minute)
	if err != nil || job == nil {
		t.Fatalf("lease: job=%v err=%v", job, err)
	}

	failed, err := store.Fail(job.ID, Fatal(errors.New("insufficient balance")))
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.Status != StatusFailed {
		t.Fatalf("status = %s, want failed despite remaining attempts", failed.Status)
	}
	if failed.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", failed.Attempts)
	}
}

func TestPauseResume(t *testing.T) {
	store := newTestStore(t)

	mustEnqueue(t, store, "q", `{}`, Options{})

	if err := store.Pause("q"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	job, err := store.LeaseNext("q", "w", time.Minute)
	if err != nil {
		t.Fatalf("lease while paused: %v", err)
	}
	if job != nil {
		t.Fatalf("expected no lease while paused, got %s", job.ID)
	}

	counts, _ := store.Counts("q")
	if counts.Paused != 1 {
		t.Fatalf("paused = %d, want 1", counts.Paused)
	}

	// Enqueues during a pause park immediately.
	mustEnqueue(t, store, "q", `{"late":true}`, Options{})
	counts, _ = store.Counts("q")
	if counts.Paused != 2 {
		t.Fatalf("paused = %d, want 2 after enqueue during pause", counts.Paused)
	}

	if err := store.Resume("q"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	job, err = store.LeaseNext("q", "w", time.Minute)
	if err != nil || job == nil {
		t.Fatalf("lease after resume: job=%v err=%v", job, err)
	}
}

func TestRequeueStalled(t *testing.T) {
	store := newTestStore(t)

	id := mustEnqueue(t, store, "q", `{}`, Options{MaxAttempts: 3})

	job, err := store.LeaseNext("q", "w-dead", 10*time.Millisecond)
	if err != nil || job == nil {
		t.Fatalf("lease: job=%v err=%v", job, err)
	}

	time.Sleep(20 * time.Millisecond)

	stalled, err := store.RequeueStalled("q")
	if err != nil {
		t.Fatalf("requeue stalled: %v", err)
	}
	if len(stalled) != 1 || stalled[0].ID != id {
		t.Fatalf("stalled = %v, want [%s]", stalled, id)
	}

	requeued, err := store.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if requeued.Status != StatusPending {
		t.Fatalf("status = %s, want pending", requeued.Status)
	}
	if requeued.Attempts != 0 {
		t.Fatalf("attempts = %d, want 0 (stall does not consume an attempt)", requeued.Attempts)
	}
	if requeued.WorkerID != "" {
		t.Fatalf("worker = %q, want cleared", requeued.WorkerID)
	}
}

func TestSweepKeepsLastN(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 5; i++ {
		mustEnqueue(t, store, "q", fmt.Sprintf(`{"n":%d}`, i), Options{})
		job, err := store.LeaseNext("q", "w", time.Minute)
		if err != nil || job == nil {
			t.Fatalf("lease %d: job=%v err=%v", i, job, err)
		}
		if err := store.Ack(job.ID); err != nil {
			t.Fatalf("ack %d: %v", i, err)
		}
	}

	removed, err := store.Sweep("q", 2, 2)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 3 {
		t.Fatalf("removed = %d, want 3", removed)
	}

	counts, _ := store.Counts("q")
	if counts.Completed != 2 {
		t.Fatalf("completed = %d, want 2", counts.Completed)
	}
}

func TestProgressOnlyWhileActive(t *testing.T) {
	store := newTestStore(t)

	id := mustEnqueue(t, store, "q", `{}`, Options{})

	if err := store.Progress(id, 50); !IsNotFound(err) {
		t.Fatalf("expected not found for pending job, got %v", err)
	}

	job, err := store.LeaseNext("q", "w", time.Minute)
	if err != nil || job == nil {
		t.Fatalf("lease: job=%v err=%v", job, err)
	}
	if err := store.Progress(job.ID, 150); err != nil {
		t.Fatalf("progress: %v", err)
	}

	got, _ := store.Get(job.ID)
	if got.Progress != 100 {
		t.Fatalf("progress = %d, want clamped to 100", got.Progress)
	}
}

func TestSchedulesRoundTrip(t *testing.T) {
	store := newTestStore(t)

	sched, err := store.AddSchedule("notification", "*/5 * * * *", []byte(`{"kind":"digest"}`))
	if err != nil {
		t.Fatalf("add schedule: %v", err)
	}
	if sched.ID == "" {
		t.Fatal("expected generated schedule id")
	}

	list, err := store.ListSchedules()
	if err != nil {
		t.Fatalf("list schedules: %v", err)
	}
	if len(list) != 1 || list[0].Pattern != "*/5 * * * *" {
		t.Fatalf("schedules = %+v", list)
	}

	if err := store.MarkScheduleEnqueued(sched.ID); err != nil {
		t.Fatalf("mark enqueued: %v", err)
	}
	list, _ = store.ListSchedules()
	if list[0].LastEnqueuedAt == nil {
		t.Fatal("expected last_enqueued_at set")
	}

	if err := store.RemoveSchedule(sched.ID); err != nil {
		t.Fatalf("remove schedule: %v", err)
	}
	if err := store.RemoveSchedule(sched.ID); !IsNotFound(err) {
		t.Fatalf("expected not found on second remove, got %v", err)
	}
}

func TestDeadLetters(t *testing.T) {
	store := newTestStore(t)

	if err := store.DeadLetter("q", "job-9", []byte(`{"bad":true}`), "unknown payload shape"); err != nil {
		t.Fatalf("dead letter: %v", err)
	}

	letters, err := store.ListDeadLetters("q", 10)
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("got %d dead letters, want 1", len(letters))
	}
	if letters[0].JobID != "job-9" || letters[0].Reason != "unknown payload shape" {
		t.Fatalf("dead letter = %+v", letters[0])
	}
}
