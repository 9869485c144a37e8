// Package scheduler runs indexing tasks with bounded concurrency, paced
// dispatch and per-document ordering.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/dshills/knowledge-engine/pkg/types"
)

var tracer = otel.Tracer("github.com/dshills/knowledge-engine/internal/scheduler")

var (
	// ErrStopped is returned by Submit and WaitIdle after Stop.
	ErrStopped = errors.New("scheduler stopped")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("scheduler already started")
	// ErrInvalidTask is returned for tasks without a key or with an unknown kind.
	ErrInvalidTask = errors.New("invalid task")
)

// Handler executes one task. Return an error wrapped with types.Permanent
// (or types.ErrCorrupt / types.ErrRejected) to stop retries.
type Handler interface {
	Handle(ctx context.Context, task types.Task) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task types.Task) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, task types.Task) error { return f(ctx, task) }

// Result reports how a task attempt ended.
type Result struct {
	Task     types.Task
	State    types.TaskState
	Err      error
	Duration time.Duration
}

// Options configures a Scheduler.
type Options struct {
	MaxConcurrent     int
	MinInterTaskDelay time.Duration
	MaxQueue          int
	MaxAttempts       int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	// OnResult is called after every attempt, outside scheduler locks.
	OnResult func(Result)
	Logger   *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 1
	}
	if o.MaxQueue <= 0 {
		o.MaxQueue = 1024
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 1
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = time.Second
	}
	if o.RetryMaxDelay < o.RetryBaseDelay {
		o.RetryMaxDelay = o.RetryBaseDelay
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	Queued             int   `json:"queued"`
	Running            int   `json:"running"`
	RetryPending       int   `json:"retry_pending"`
	MaxObservedRunning int   `json:"max_observed_running"`
	Submitted          int64 `json:"submitted"`
	Deduplicated       int64 `json:"deduplicated"`
	Completed          int64 `json:"completed"`
	Failed             int64 `json:"failed"`
	Retried            int64 `json:"retried"`
	Cancelled          int64 `json:"cancelled"`
}

type queued struct {
	task types.Task
	slot bool // holds a queue slot
}

type running struct {
	task      types.Task
	cancel    context.CancelFunc
	cancelled bool // cancelled by a delete for the same document
}

// Scheduler is a bounded, deduplicating task queue drained by a worker pool.
// At most one task per document key is queued and at most one runs.
type Scheduler struct {
	handler Handler
	opts    Options
	logger  *slog.Logger
	limiter *rate.Limiter
	slots   *semaphore.Weighted

	mu      sync.Mutex
	order   []string
	pending map[string]*queued
	running map[string]*running
	retries map[string]*time.Timer
	waiters []chan struct{}
	stats   Stats
	started bool
	stopped bool

	wake   chan struct{}
	stopCh chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. Tasks may be submitted before Start.
func New(handler Handler, opts Options) *Scheduler {
	opts = opts.withDefaults()
	limit := rate.Inf
	if opts.MinInterTaskDelay > 0 {
		limit = rate.Every(opts.MinInterTaskDelay)
	}
	return &Scheduler{
		handler: handler,
		opts:    opts,
		logger:  opts.Logger,
		limiter: rate.NewLimiter(limit, 1),
		slots:   semaphore.NewWeighted(int64(opts.MaxQueue)),
		pending: make(map[string]*queued),
		running: make(map[string]*running),
		retries: make(map[string]*time.Timer),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the dispatcher. Running tasks inherit ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.dispatch(runCtx)
	return nil
}

// Stop cancels running tasks, drops pending retries and waits for workers.
// Queued tasks are discarded.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stopCh)
	if s.cancel != nil {
		s.cancel()
	}
	for key, t := range s.retries {
		t.Stop()
		delete(s.retries, key)
	}
	for _, w := range s.waiters {
		close(w)
	}
	s.waiters = nil
	s.mu.Unlock()

	s.wg.Wait()
}

// Submit queues task. A queued task for the same document is replaced by the
// newer one, keeping its place in line; a pending retry is superseded; a
// delete cancels a running index task of the same document. Submit blocks
// while the queue is full, until ctx ends or the scheduler stops.
func (s *Scheduler) Submit(ctx context.Context, task types.Task) error {
	if task.DocumentKey == "" || (task.Kind != types.TaskIndex && task.Kind != types.TaskDelete) {
		return fmt.Errorf("%w: key %q kind %q", ErrInvalidTask, task.DocumentKey, task.Kind)
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.SubmittedAt.IsZero() {
		task.SubmittedAt = time.Now()
	}
	task.Attempt = 0

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.stats.Submitted++
	if s.replaceLocked(task) {
		s.mu.Unlock()
		s.notify()
		return nil
	}
	s.mu.Unlock()

	if err := s.acquireSlot(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.slots.Release(1)
		return ErrStopped
	}
	if s.replaceLocked(task) {
		s.mu.Unlock()
		s.slots.Release(1)
		s.notify()
		return nil
	}
	s.pending[task.DocumentKey] = &queued{task: task, slot: true}
	s.order = append(s.order, task.DocumentKey)
	s.mu.Unlock()

	s.notify()
	return nil
}

// acquireSlot waits for queue room until ctx ends or the scheduler stops.
func (s *Scheduler) acquireSlot(ctx context.Context) error {
	if s.slots.TryAcquire(1) {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := s.slots.Acquire(ctx, 1); err != nil {
		select {
		case <-s.stopCh:
			return ErrStopped
		default:
			return err
		}
	}
	return nil
}

// replaceLocked applies the supersede rules for task and reports whether an
// existing queued entry absorbed it.
func (s *Scheduler) replaceLocked(task types.Task) bool {
	key := task.DocumentKey
	if t, ok := s.retries[key]; ok {
		t.Stop()
		delete(s.retries, key)
	}
	if r, ok := s.running[key]; ok && task.Kind == types.TaskDelete && r.task.Kind == types.TaskIndex && !r.cancelled {
		r.cancelled = true
		r.cancel()
	}
	if q, ok := s.pending[key]; ok {
		q.task = task
		s.stats.Deduplicated++
		return true
	}
	return false
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// dispatch hands eligible tasks to workers, pacing starts with the limiter.
func (s *Scheduler) dispatch(ctx context.Context) {
	defer s.wg.Done()
	for {
		if !s.hasEligible() {
			select {
			case <-s.wake:
				continue
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}

		if err := s.limiter.Wait(ctx); err != nil {
			return
		}

		s.mu.Lock()
		q := s.takeLocked()
		if q == nil {
			s.mu.Unlock()
			continue
		}
		taskCtx, cancel := context.WithCancel(ctx)
		s.running[q.task.DocumentKey] = &running{task: q.task, cancel: cancel}
		if n := len(s.running); n > s.stats.MaxObservedRunning {
			s.stats.MaxObservedRunning = n
		}
		s.wg.Add(1)
		s.mu.Unlock()

		if q.slot {
			s.slots.Release(1)
		}
		go s.run(taskCtx, cancel, q.task)
	}
}

func (s *Scheduler) hasEligible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.running) >= s.opts.MaxConcurrent {
		return false
	}
	for _, key := range s.order {
		if _, busy := s.running[key]; !busy {
			return true
		}
	}
	return false
}

// takeLocked removes and returns the oldest queued task whose document is not
// running, or nil.
func (s *Scheduler) takeLocked() *queued {
	if len(s.running) >= s.opts.MaxConcurrent {
		return nil
	}
	for i, key := range s.order {
		if _, busy := s.running[key]; busy {
			continue
		}
		q := s.pending[key]
		delete(s.pending, key)
		s.order = append(s.order[:i:i], s.order[i+1:]...)
		return q
	}
	return nil
}

func (s *Scheduler) run(ctx context.Context, cancel context.CancelFunc, task types.Task) {
	defer s.wg.Done()
	defer cancel()

	ctx, span := tracer.Start(ctx, "scheduler.task",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("task.kind", string(task.Kind)),
			attribute.String("document", task.DocumentKey),
			attribute.Int("attempt", task.Attempt),
		),
	)
	start := time.Now()
	err := s.handler.Handle(ctx, task)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	res := Result{Task: task, Err: err, Duration: time.Since(start)}

	s.mu.Lock()
	r := s.running[task.DocumentKey]
	delete(s.running, task.DocumentKey)
	switch {
	case err == nil:
		res.State = types.TaskCompleted
		s.stats.Completed++
	case (r != nil && r.cancelled) || s.stopped:
		res.State = types.TaskCancelled
		s.stats.Cancelled++
	case types.IsPermanent(err):
		res.State = types.TaskFailedPermanent
		s.stats.Failed++
	case task.Attempt+1 >= s.opts.MaxAttempts:
		res.State = types.TaskFailedPermanent
		res.Err = fmt.Errorf("giving up after %d attempts: %w", task.Attempt+1, err)
		s.stats.Failed++
	default:
		res.State = types.TaskFailedRetryable
		s.stats.Retried++
		if _, newer := s.pending[task.DocumentKey]; !newer {
			s.scheduleRetryLocked(task)
		}
	}
	s.notifyIdleLocked()
	s.mu.Unlock()

	s.logResult(res)
	if s.opts.OnResult != nil {
		s.opts.OnResult(res)
	}
	s.notify()
}

// scheduleRetryLocked re-queues task after an exponential backoff.
func (s *Scheduler) scheduleRetryLocked(task types.Task) {
	delay := s.backoff(task.Attempt)
	task.Attempt++
	key := task.DocumentKey
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.stopped || s.retries[key] != timer {
			// Stopped or superseded by a newer submission.
			s.mu.Unlock()
			return
		}
		delete(s.retries, key)
		if _, newer := s.pending[key]; !newer {
			s.pending[key] = &queued{task: task}
			s.order = append(s.order, key)
		}
		s.mu.Unlock()
		s.notify()
	})
	s.retries[key] = timer
}

// backoff returns base * 2^attempt, capped at the maximum delay.
func (s *Scheduler) backoff(attempt int) time.Duration {
	d := s.opts.RetryBaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= s.opts.RetryMaxDelay {
			return s.opts.RetryMaxDelay
		}
	}
	return d
}

func (s *Scheduler) logResult(res Result) {
	attrs := []any{
		"task", res.Task.ID,
		"kind", res.Task.Kind,
		"document", res.Task.DocumentKey,
		"attempt", res.Task.Attempt,
		"state", res.State,
		"duration", res.Duration,
	}
	switch res.State {
	case types.TaskCompleted, types.TaskCancelled:
		s.logger.Debug("task finished", attrs...)
	case types.TaskFailedRetryable:
		s.logger.Warn("task failed, will retry", append(attrs, "error", res.Err)...)
	default:
		s.logger.Error("task failed permanently", append(attrs, "error", res.Err)...)
	}
}

func (s *Scheduler) idleLocked() bool {
	return len(s.pending) == 0 && len(s.running) == 0 && len(s.retries) == 0
}

func (s *Scheduler) notifyIdleLocked() {
	if !s.idleLocked() {
		return
	}
	for _, w := range s.waiters {
		close(w)
	}
	s.waiters = nil
}

// WaitIdle blocks until nothing is queued, running or waiting to retry.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.idleLocked() {
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.waiters = append(s.waiters, ch)
	s.mu.Unlock()

	select {
	case <-ch:
		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return ErrStopped
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Queued = len(s.pending)
	st.Running = len(s.running)
	st.RetryPending = len(s.retries)
	return st
}
