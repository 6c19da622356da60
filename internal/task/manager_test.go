package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"atlas/internal/types"
)

func testConfig() Config {
	return Config{
		MaxConcurrent: 2,
		QueueCapacity: 64,
		MaxRetries:    2,
		BaseBackoff:   10 * time.Millisecond,
		MaxBackoff:    50 * time.Millisecond,
	}
}

func shutdown(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestSubmitAndComplete(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewManager(testConfig())
	defer shutdown(t, m)

	id, err := m.Submit("say hello", types.PriorityMedium, func(ctx context.Context, task *types.Task, mem MemoryScope) (string, error) {
		return "hello", nil
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := m.WaitFor(ctx, id)
	if err != nil {
		t.Fatalf("WaitFor failed: %v", err)
	}
	if final.Status != types.TaskCompleted {
		t.Errorf("status = %s, want completed", final.Status)
	}
	if final.Result != "hello" {
		t.Errorf("result = %q, want hello", final.Result)
	}
	if final.StartedAt == nil || final.CompletedAt == nil {
		t.Error("timestamps not recorded")
	}
}

func TestSubmitValidation(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewManager(testConfig())
	defer shutdown(t, m)

	if _, err := m.Submit("no handler", types.PriorityLow, nil); !errors.Is(err, ErrNilHandler) {
		t.Errorf("expected ErrNilHandler, got %v", err)
	}
}

func TestBoundedConcurrency(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig()
	cfg.MaxConcurrent = 3
	m := NewManager(cfg)
	defer shutdown(t, m)

	var current, peak int32
	var mu sync.Mutex
	release := make(chan struct{})

	handler := func(ctx context.Context, task *types.Task, mem MemoryScope) (string, error) {
		n := atomic.AddInt32(&current, 1)
		mu.Lock()
		if n > peak {
			peak = n
		}
		mu.Unlock()
		defer atomic.AddInt32(&current, -1)

		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return "done", nil
	}

	ids := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		id, err := m.Submit(fmt.Sprintf("job %d", i), types.PriorityMedium, handler)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	// Give the dispatcher time to saturate the slots.
	time.Sleep(200 * time.Millisecond)
	if got := atomic.LoadInt32(&current); got != 3 {
		t.Errorf("concurrent tasks = %d, want exactly 3", got)
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range ids {
		final, err := m.WaitFor(ctx, id)
		if err != nil {
			t.Fatalf("WaitFor(%s) failed: %v", id, err)
		}
		if final.Status != types.TaskCompleted {
			t.Errorf("task %s status = %s, want completed", id, final.Status)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if peak > 3 {
		t.Errorf("peak concurrency = %d, exceeds limit 3", peak)
	}
}

func TestPriorityOrdering(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig()
	cfg.MaxConcurrent = 1
	m := NewManager(cfg)
	defer shutdown(t, m)

	var order []string
	var mu sync.Mutex
	gate := make(chan struct{})

	record := func(label string) Handler {
		return func(ctx context.Context, task *types.Task, mem MemoryScope) (string, error) {
			mu.Lock()
			order = append(order, label)
			mu.Unlock()
			return "", nil
		}
	}

	// Block the single worker so the rest queue up.
	blockID, err := m.Submit("block", types.PriorityCritical, func(ctx context.Context, task *types.Task, mem MemoryScope) (string, error) {
		<-gate
		return "", nil
	})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	lowID, _ := m.Submit("low", types.PriorityLow, record("low"))
	highID, _ := m.Submit("high", types.PriorityHigh, record("high"))
	medID, _ := m.Submit("medium", types.PriorityMedium, record("medium"))
	close(gate)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range []string{blockID, lowID, highID, medID} {
		if _, err := m.WaitFor(ctx, id); err != nil {
			t.Fatal(err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"high", "medium", "low"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestRetryWithBackoffThenSuccess(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewManager(testConfig())
	defer shutdown(t, m)

	var attempts int32
	id, err := m.Submit("flaky", types.PriorityMedium, func(ctx context.Context, task *types.Task, mem MemoryScope) (string, error) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return "", errors.New("transient")
		}
		return "recovered", nil
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := m.WaitFor(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != types.TaskCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	if final.Result != "recovered" {
		t.Errorf("result = %q, want recovered", final.Result)
	}
	if final.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", final.RetryCount)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestRetriesExhausted(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewManager(testConfig())
	defer shutdown(t, m)

	var attempts int32
	id, err := m.Submit("doomed", types.PriorityMedium, func(ctx context.Context, task *types.Task, mem MemoryScope) (string, error) {
		atomic.AddInt32(&attempts, 1)
		return "", errors.New("permanent")
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := m.WaitFor(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != types.TaskFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if final.LastError != "permanent" {
		t.Errorf("last error = %q, want permanent", final.LastError)
	}
	// MaxRetries=2 means 3 attempts total.
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestPanicBecomesFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig()
	cfg.MaxRetries = 0
	m := NewManager(cfg)
	defer shutdown(t, m)

	id, err := m.Submit("panicky", types.PriorityMedium, func(ctx context.Context, task *types.Task, mem MemoryScope) (string, error) {
		panic("kaboom")
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := m.WaitFor(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != types.TaskFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
}

func TestCancelPending(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig()
	cfg.MaxConcurrent = 1
	m := NewManager(cfg)
	defer shutdown(t, m)

	gate := make(chan struct{})
	blockID, _ := m.Submit("block", types.PriorityHigh, func(ctx context.Context, task *types.Task, mem MemoryScope) (string, error) {
		<-gate
		return "", nil
	})
	time.Sleep(100 * time.Millisecond)

	pendingID, _ := m.Submit("never runs", types.PriorityLow, func(ctx context.Context, task *types.Task, mem MemoryScope) (string, error) {
		t.Error("cancelled pending task must not run")
		return "", nil
	})

	if err := m.Cancel(pendingID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	status, _ := m.Status(pendingID)
	if status.Status != types.TaskCancelled {
		t.Errorf("status = %s, want cancelled", status.Status)
	}

	// Cancelling a terminal task is an error.
	if err := m.Cancel(pendingID); !errors.Is(err, ErrTaskTerminal) {
		t.Errorf("expected ErrTaskTerminal, got %v", err)
	}

	close(gate)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := m.WaitFor(ctx, blockID); err != nil {
		t.Fatal(err)
	}
}

func TestCancelRunning(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewManager(testConfig())
	defer shutdown(t, m)

	started := make(chan struct{})
	id, _ := m.Submit("long haul", types.PriorityMedium, func(ctx context.Context, task *types.Task, mem MemoryScope) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task never started")
	}

	if err := m.Cancel(id); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := m.WaitFor(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != types.TaskCancelled {
		t.Errorf("status = %s, want cancelled (not retried)", final.Status)
	}
}

func TestLifecycleTransitionsEnforced(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewManager(testConfig())
	defer shutdown(t, m)

	id, err := m.Submit("done", types.PriorityMedium, func(ctx context.Context, task *types.Task, mem MemoryScope) (string, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := m.WaitFor(ctx, id); err != nil {
		t.Fatal(err)
	}

	// A terminal task refuses every further status change.
	m.mu.Lock()
	r := m.tasks[id]
	if terr := m.setStatusLocked(r, types.TaskRunning); !errors.Is(terr, ErrInvalidTransition) {
		t.Errorf("completed -> running: got %v, want ErrInvalidTransition", terr)
	}
	if terr := m.finishLocked(r, types.TaskCancelled, "", "too late"); !errors.Is(terr, ErrInvalidTransition) {
		t.Errorf("completed -> cancelled: got %v, want ErrInvalidTransition", terr)
	}
	if r.task.Status != types.TaskCompleted {
		t.Errorf("status mutated to %s by rejected transition", r.task.Status)
	}
	m.mu.Unlock()
}

func TestCancelUnknownTask(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewManager(testConfig())
	defer shutdown(t, m)

	if err := m.Cancel("no-such-id"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestQueueCapacity(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig()
	cfg.MaxConcurrent = 1
	cfg.QueueCapacity = 2
	m := NewManager(cfg)
	defer shutdown(t, m)

	gate := make(chan struct{})
	defer close(gate)

	block := func(ctx context.Context, task *types.Task, mem MemoryScope) (string, error) {
		select {
		case <-gate:
		case <-ctx.Done():
		}
		return "", nil
	}

	// One running + two queued fills capacity.
	if _, err := m.Submit("run", types.PriorityMedium, block); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if _, err := m.Submit("q1", types.PriorityMedium, block); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Submit("q2", types.PriorityMedium, block); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Submit("overflow", types.PriorityMedium, block); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestSubmitAfterShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewManager(testConfig())
	shutdown(t, m)

	if _, err := m.Submit("late", types.PriorityMedium, func(ctx context.Context, task *types.Task, mem MemoryScope) (string, error) {
		return "", nil
	}); !errors.Is(err, ErrManagerStopped) {
		t.Errorf("expected ErrManagerStopped, got %v", err)
	}
}

func TestShutdownCancelsRunning(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewManager(testConfig())

	started := make(chan struct{})
	id, _ := m.Submit("interrupted", types.PriorityMedium, func(ctx context.Context, task *types.Task, mem MemoryScope) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})
	<-started

	shutdown(t, m)

	status, err := m.Status(id)
	if err != nil {
		t.Fatal(err)
	}
	if status.Status != types.TaskCancelled {
		t.Errorf("status after shutdown = %s, want cancelled", status.Status)
	}
}

func TestMetrics(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewManager(testConfig())
	defer shutdown(t, m)

	okID, _ := m.Submit("ok", types.PriorityMedium, func(ctx context.Context, task *types.Task, mem MemoryScope) (string, error) {
		return "", nil
	})
	badID, _ := m.Submit("bad", types.PriorityMedium, func(ctx context.Context, task *types.Task, mem MemoryScope) (string, error) {
		return "", errors.New("nope")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := m.WaitFor(ctx, okID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.WaitFor(ctx, badID); err != nil {
		t.Fatal(err)
	}

	mx := m.Metrics()
	if mx.Submitted != 2 {
		t.Errorf("submitted = %d, want 2", mx.Submitted)
	}
	if mx.Completed != 1 {
		t.Errorf("completed = %d, want 1", mx.Completed)
	}
	if mx.Failed != 1 {
		t.Errorf("failed = %d, want 1", mx.Failed)
	}
	if mx.Retries != 2 {
		t.Errorf("retries = %d, want 2", mx.Retries)
	}
	if mx.String() == "" {
		t.Error("metrics String() should not be empty")
	}
}

// scopeRecorder is a ScopeProvider that records which scopes were requested
// and dropped.
type scopeRecorder struct {
	mu      sync.Mutex
	scoped  []string
	dropped []string
	store   map[string]map[string]string
}

func newScopeRecorder() *scopeRecorder {
	return &scopeRecorder{store: make(map[string]map[string]string)}
}

func (s *scopeRecorder) Scope(id string) MemoryScope {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scoped = append(s.scoped, id)
	if s.store[id] == nil {
		s.store[id] = make(map[string]string)
	}
	return &recorderScope{rec: s, id: id}
}

func (s *scopeRecorder) DropScope(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped = append(s.dropped, id)
	delete(s.store, id)
	return nil
}

type recorderScope struct {
	rec *scopeRecorder
	id  string
}

func (r *recorderScope) Set(key, value string) error {
	r.rec.mu.Lock()
	defer r.rec.mu.Unlock()
	r.rec.store[r.id][key] = value
	return nil
}

func (r *recorderScope) Get(key string) (string, bool, error) {
	r.rec.mu.Lock()
	defer r.rec.mu.Unlock()
	v, ok := r.rec.store[r.id][key]
	return v, ok, nil
}

func (r *recorderScope) Delete(key string) error {
	r.rec.mu.Lock()
	defer r.rec.mu.Unlock()
	delete(r.rec.store[r.id], key)
	return nil
}

func (r *recorderScope) Keys() ([]string, error) {
	r.rec.mu.Lock()
	defer r.rec.mu.Unlock()
	keys := make([]string, 0, len(r.rec.store[r.id]))
	for k := range r.rec.store[r.id] {
		keys = append(keys, k)
	}
	return keys, nil
}

func TestTaskMemoryScoping(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := newScopeRecorder()
	m := NewManager(testConfig(), WithScopes(rec))
	defer shutdown(t, m)

	id, err := m.Submit("remember", types.PriorityMedium, func(ctx context.Context, task *types.Task, mem MemoryScope) (string, error) {
		if mem == nil {
			return "", errors.New("no memory scope wired")
		}
		if err := mem.Set("note", "kept"); err != nil {
			return "", err
		}
		v, ok, err := mem.Get("note")
		if err != nil || !ok {
			return "", fmt.Errorf("readback failed: ok=%v err=%v", ok, err)
		}
		return v, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := m.WaitFor(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != types.TaskCompleted {
		t.Fatalf("status = %s, want completed (%s)", final.Status, final.LastError)
	}
	if final.Result != "kept" {
		t.Errorf("result = %q, want kept", final.Result)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.scoped) != 1 || rec.scoped[0] != id {
		t.Errorf("scoped = %v, want [%s]", rec.scoped, id)
	}
}

func TestListSortedByCreation(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewManager(testConfig())
	defer shutdown(t, m)

	noop := func(ctx context.Context, task *types.Task, mem MemoryScope) (string, error) { return "", nil }

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		id, err := m.Submit(fmt.Sprintf("t%d", i), types.PriorityMedium, noop)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
		time.Sleep(5 * time.Millisecond) // distinct CreatedAt
	}

	list := m.List()
	if len(list) != 3 {
		t.Fatalf("List returned %d tasks, want 3", len(list))
	}
	for i, id := range ids {
		if list[i].ID != id {
			t.Errorf("list[%d] = %s, want %s", i, list[i].ID, id)
		}
	}
}
