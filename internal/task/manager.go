// Package task implements the Atlas task manager: a bounded-concurrency
// scheduler with a priority queue, retry with capped exponential backoff,
// cancellation, and per-task memory scoping.
package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"atlas/internal/logging"
	"atlas/internal/types"
)

// Handler executes one task. It receives the task's cancellable context,
// a read-only copy of the task record, and the task's memory scope
// (nil when no memory store is wired).
type Handler func(ctx context.Context, task *types.Task, mem MemoryScope) (string, error)

// MemoryScope is the per-task view of the memory store.
// internal/memory's ScopedStore satisfies it.
type MemoryScope interface {
	Set(key, value string) error
	Get(key string) (string, bool, error)
	Delete(key string) error
	Keys() ([]string, error)
}

// ScopeProvider hands out task-scoped memory handles.
type ScopeProvider interface {
	Scope(id string) MemoryScope
	DropScope(id string) error
}

// Config configures the task manager.
type Config struct {
	MaxConcurrent int           // worker slots; simultaneous running tasks
	QueueCapacity int           // max pending tasks
	MaxRetries    int           // retries per task after the first attempt
	BaseBackoff   time.Duration // backoff for the first retry
	MaxBackoff    time.Duration // backoff cap
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 5,
		QueueCapacity: 256,
		MaxRetries:    3,
		BaseBackoff:   100 * time.Millisecond,
		MaxBackoff:    5 * time.Second,
	}
}

// record is the manager's internal state for one task.
type record struct {
	task    *types.Task
	handler Handler
	cancel  context.CancelFunc // set while running
	retryTn *time.Timer        // set while waiting out a backoff
}

// Manager schedules and tracks tasks. All exported methods are thread-safe.
type Manager struct {
	cfg    Config
	scopes ScopeProvider // optional

	mu     sync.Mutex
	tasks  map[string]*record
	queue  *priorityQueue
	seq    uint64
	closed bool

	slots  chan struct{} // worker semaphore
	notify chan struct{} // wakes the dispatcher
	stopCh chan struct{}
	doneCh chan struct{} // dispatcher exited
	wg     sync.WaitGroup

	// Metrics
	submitted int64
	completed int64
	failed    int64
	cancelled int64
	retries   int64
	running   int32
}

// Option configures optional manager behavior.
type Option func(*Manager)

// WithScopes wires a memory scope provider; each task gets Scope(taskID).
func WithScopes(p ScopeProvider) Option {
	return func(m *Manager) { m.scopes = p }
}

// NewManager creates and starts a task manager.
func NewManager(cfg Config, opts ...Option) *Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 256
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}

	m := &Manager{
		cfg:    cfg,
		tasks:  make(map[string]*record),
		queue:  newPriorityQueue(),
		slots:  make(chan struct{}, cfg.MaxConcurrent),
		notify: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	go m.dispatch()

	logging.Tasks("task manager started (workers=%d, queue=%d, retries=%d)",
		cfg.MaxConcurrent, cfg.QueueCapacity, cfg.MaxRetries)
	return m
}

// Submit queues a task and returns its ID.
func (m *Manager) Submit(goal string, priority types.TaskPriority, handler Handler) (string, error) {
	if handler == nil {
		return "", ErrNilHandler
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrManagerStopped
	}
	if m.queue.Len() >= m.cfg.QueueCapacity {
		m.mu.Unlock()
		return "", fmt.Errorf("%w (capacity %d)", ErrQueueFull, m.cfg.QueueCapacity)
	}

	t := types.NewTask(goal, priority)
	t.MaxRetries = m.cfg.MaxRetries
	m.tasks[t.ID] = &record{task: t, handler: handler}
	m.seq++
	m.queue.push(queueEntry{id: t.ID, priority: priority, seq: m.seq})
	m.mu.Unlock()

	atomic.AddInt64(&m.submitted, 1)
	logging.TasksDebug("submitted task %s (priority=%s): %s", t.ID, priority, goal)

	m.wake()
	return t.ID, nil
}

// Status returns a copy of the task record.
func (m *Manager) Status(id string) (*types.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return r.task.Clone(), nil
}

// List returns copies of all tracked tasks, oldest first.
func (m *Manager) List() []*types.Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*types.Task, 0, len(m.tasks))
	for _, r := range m.tasks {
		out = append(out, r.task.Clone())
	}
	sortTasksByCreation(out)
	return out
}

// Cancel cancels a task. Pending tasks are removed from the queue;
// running tasks get their context cancelled; retrying tasks have their
// backoff timer stopped. Terminal tasks return ErrTaskTerminal.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	r, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	switch r.task.Status {
	case types.TaskPending:
		m.queue.remove(id)
		if err := m.finishLocked(r, types.TaskCancelled, "", "cancelled while pending"); err != nil {
			m.mu.Unlock()
			return err
		}
		m.mu.Unlock()
		atomic.AddInt64(&m.cancelled, 1)
		return nil

	case types.TaskRetrying:
		if r.retryTn != nil {
			r.retryTn.Stop()
			r.retryTn = nil
		}
		m.queue.remove(id) // may already be re-enqueued
		if err := m.finishLocked(r, types.TaskCancelled, "", "cancelled while retrying"); err != nil {
			m.mu.Unlock()
			return err
		}
		m.mu.Unlock()
		atomic.AddInt64(&m.cancelled, 1)
		return nil

	case types.TaskRunning:
		cancel := r.cancel
		m.mu.Unlock()
		if cancel != nil {
			cancel() // worker observes ctx.Err() and records cancellation
		}
		return nil

	default:
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrTaskTerminal, id, r.task.Status)
	}
}

// WaitFor blocks until the task reaches a terminal state or ctx expires.
// Returns the final task record.
func (m *Manager) WaitFor(ctx context.Context, id string) (*types.Task, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		t, err := m.Status(id)
		if err != nil {
			return nil, err
		}
		if t.Status.Terminal() {
			return t, nil
		}

		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Metrics returns a snapshot of manager counters.
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	depth := m.queue.Len()
	m.mu.Unlock()

	return Metrics{
		Submitted:  atomic.LoadInt64(&m.submitted),
		Completed:  atomic.LoadInt64(&m.completed),
		Failed:     atomic.LoadInt64(&m.failed),
		Cancelled:  atomic.LoadInt64(&m.cancelled),
		Retries:    atomic.LoadInt64(&m.retries),
		Running:    int(atomic.LoadInt32(&m.running)),
		QueueDepth: depth,
		MaxWorkers: m.cfg.MaxConcurrent,
	}
}

// Shutdown stops intake, cancels running tasks, and waits for workers to
// drain, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		<-m.doneCh
		return nil
	}
	m.closed = true

	// Cancel everything still in flight.
	for _, r := range m.tasks {
		switch r.task.Status {
		case types.TaskPending:
			m.queue.remove(r.task.ID)
			m.finishLocked(r, types.TaskCancelled, "", "manager shutdown")
			atomic.AddInt64(&m.cancelled, 1)
		case types.TaskRetrying:
			if r.retryTn != nil {
				r.retryTn.Stop()
				r.retryTn = nil
			}
			m.queue.remove(r.task.ID)
			m.finishLocked(r, types.TaskCancelled, "", "manager shutdown")
			atomic.AddInt64(&m.cancelled, 1)
		case types.TaskRunning:
			if r.cancel != nil {
				r.cancel()
			}
		}
	}
	m.mu.Unlock()

	close(m.stopCh)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		<-m.doneCh
		close(done)
	}()

	select {
	case <-done:
		logging.Tasks("task manager stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("task manager shutdown timed out: %w", ctx.Err())
	}
}

// setStatusLocked validates a status change against the task lifecycle
// and applies it. Caller holds mu.
func (m *Manager) setStatusLocked(r *record, to types.TaskStatus) error {
	from := r.task.Status
	if !types.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	r.task.Status = to
	return nil
}

// wake nudges the dispatcher without blocking.
func (m *Manager) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// dispatch is the scheduler loop: acquire a worker slot, then run the
// highest-priority pending task. The slot is taken first so that tasks
// arriving while all workers are busy still compete on priority.
func (m *Manager) dispatch() {
	defer close(m.doneCh)

	for {
		select {
		case m.slots <- struct{}{}:
		case <-m.stopCh:
			return
		}

		entry, ok := m.nextEntry()
		if !ok {
			// Shutdown while waiting for work.
			<-m.slots
			return
		}

		m.mu.Lock()
		r, exists := m.tasks[entry.id]
		if !exists || m.setStatusLocked(r, types.TaskRunning) != nil {
			// Cancelled between pop and slot acquisition.
			m.mu.Unlock()
			<-m.slots
			continue
		}
		ctx, cancel := context.WithCancel(context.Background())
		r.cancel = cancel
		now := time.Now()
		r.task.StartedAt = &now
		task := r.task.Clone()
		handler := r.handler
		m.mu.Unlock()

		atomic.AddInt32(&m.running, 1)
		m.wg.Add(1)
		go m.runTask(ctx, task, handler)
	}
}

// nextEntry blocks until a pending task is available or shutdown begins.
func (m *Manager) nextEntry() (queueEntry, bool) {
	for {
		m.mu.Lock()
		entry, ok := m.queue.pop()
		m.mu.Unlock()
		if ok {
			return entry, true
		}

		select {
		case <-m.notify:
		case <-m.stopCh:
			return queueEntry{}, false
		}
	}
}

// runTask executes one attempt of a task and records the outcome.
func (m *Manager) runTask(ctx context.Context, task *types.Task, handler Handler) {
	defer m.wg.Done()
	defer func() { <-m.slots }()
	defer atomic.AddInt32(&m.running, -1)

	var mem MemoryScope
	if m.scopes != nil {
		mem = m.scopes.Scope(task.ID)
	}

	start := time.Now()
	result, err := m.invoke(ctx, task, handler, mem)
	elapsed := time.Since(start)

	m.mu.Lock()
	r, ok := m.tasks[task.ID]
	if !ok {
		m.mu.Unlock()
		return
	}
	r.cancel = nil

	switch {
	case err == nil:
		m.finishLocked(r, types.TaskCompleted, result, "")
		m.mu.Unlock()
		atomic.AddInt64(&m.completed, 1)
		logging.Tasks("task %s completed in %v", task.ID, elapsed)

	case ctx.Err() != nil:
		// Cancelled mid-run; cancellation always wins over retry.
		m.finishLocked(r, types.TaskCancelled, "", ctx.Err().Error())
		m.mu.Unlock()
		atomic.AddInt64(&m.cancelled, 1)
		logging.Tasks("task %s cancelled after %v", task.ID, elapsed)

	case r.task.RetryCount < r.task.MaxRetries:
		if terr := m.setStatusLocked(r, types.TaskRetrying); terr != nil {
			m.mu.Unlock()
			logging.TasksError("task %s: %v", task.ID, terr)
			return
		}
		r.task.RetryCount++
		r.task.LastError = err.Error()
		backoff := m.backoff(r.task.RetryCount)
		m.scheduleRetryLocked(r, backoff)
		m.mu.Unlock()
		atomic.AddInt64(&m.retries, 1)
		logging.TasksWarn("task %s failed (attempt %d/%d), retrying in %v: %v",
			task.ID, r.task.RetryCount, r.task.MaxRetries+1, backoff, err)

	default:
		m.finishLocked(r, types.TaskFailed, "", err.Error())
		m.mu.Unlock()
		atomic.AddInt64(&m.failed, 1)
		logging.TasksError("task %s failed permanently after %d attempts: %v",
			task.ID, r.task.RetryCount+1, err)
	}
}

// invoke runs the handler, converting panics into errors.
func (m *Manager) invoke(ctx context.Context, task *types.Task, handler Handler, mem MemoryScope) (result string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task handler panicked: %v", rec)
		}
	}()
	return handler(ctx, task, mem)
}

// scheduleRetryLocked re-enqueues the task after the backoff expires.
// Caller holds mu.
func (m *Manager) scheduleRetryLocked(r *record, backoff time.Duration) {
	id := r.task.ID
	priority := r.task.Priority
	r.retryTn = time.AfterFunc(backoff, func() {
		m.mu.Lock()
		rec, ok := m.tasks[id]
		if !ok || m.setStatusLocked(rec, types.TaskPending) != nil {
			// Cancelled while the backoff timer was pending.
			m.mu.Unlock()
			return
		}
		rec.retryTn = nil
		m.seq++
		m.queue.push(queueEntry{id: id, priority: priority, seq: m.seq})
		m.mu.Unlock()
		m.wake()
	})
}

// backoff computes capped exponential backoff for the given attempt.
func (m *Manager) backoff(attempt int) time.Duration {
	d := m.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= m.cfg.MaxBackoff {
			return m.cfg.MaxBackoff
		}
	}
	if d > m.cfg.MaxBackoff {
		return m.cfg.MaxBackoff
	}
	return d
}

// finishLocked moves a task to a terminal state. Caller holds mu.
func (m *Manager) finishLocked(r *record, status types.TaskStatus, result, errMsg string) error {
	if err := m.setStatusLocked(r, status); err != nil {
		return err
	}
	now := time.Now()
	r.task.Result = result
	if errMsg != "" {
		r.task.LastError = errMsg
	}
	r.task.CompletedAt = &now
	r.cancel = nil

	if m.scopes != nil && status == types.TaskCancelled {
		// Cancelled tasks never produced a useful scope; drop it.
		id := r.task.ID
		go func() {
			if err := m.scopes.DropScope(id); err != nil {
				logging.TasksDebug("drop scope %s: %v", id, err)
			}
		}()
	}
	return nil
}

// Metrics is a snapshot of manager counters.
type Metrics struct {
	Submitted  int64
	Completed  int64
	Failed     int64
	Cancelled  int64
	Retries    int64
	Running    int
	QueueDepth int
	MaxWorkers int
}

// String returns a human-readable summary.
func (mx Metrics) String() string {
	return fmt.Sprintf("submitted=%d completed=%d failed=%d cancelled=%d retries=%d running=%d/%d queued=%d",
		mx.Submitted, mx.Completed, mx.Failed, mx.Cancelled, mx.Retries, mx.Running, mx.MaxWorkers, mx.QueueDepth)
}

// sortTasksByCreation orders tasks oldest first, then by ID for stability.
func sortTasksByCreation(tasks []*types.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}
