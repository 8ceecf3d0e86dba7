// ABOUTME: Per-lane FIFO scheduler with independently bounded concurrency
// ABOUTME: Submit blocks until the job finishes; queued callers can bail out via context

package lanes

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Well-known lanes.
const (
	Main     = "main"
	Subagent = "subagent"
	Cron     = "cron"
	Nested   = "nested"
)

// DefaultWarnAfter is how long a job may wait in a queue before it is logged.
const DefaultWarnAfter = 2 * time.Second

// ErrClosed is returned for jobs submitted after Close.
var ErrClosed = errors.New("lane scheduler closed")

// DefaultConcurrency returns the built-in lane limits.
func DefaultConcurrency() map[string]int {
	return map[string]int{
		Main:     4,
		Subagent: 8,
		Cron:     1,
		Nested:   1,
	}
}

// Job is a unit of work run inside a lane.
type Job func(ctx context.Context) (any, error)

// Stats is a point-in-time view of one lane.
type Stats struct {
	Lane          string `json:"lane"`
	Active        int    `json:"active"`
	Queued        int    `json:"queued"`
	MaxConcurrent int    `json:"maxConcurrent"`
}

type result struct {
	value any
	err   error
}

type pending struct {
	ctx        context.Context
	job        Job
	enqueuedAt time.Time
	done       chan result
	elem       *list.Element
}

type lane struct {
	name          string
	queue         *list.List
	active        int
	maxConcurrent int
}

// Scheduler runs jobs in named lanes.
type Scheduler struct {
	mu        sync.Mutex
	lanes     map[string]*lane
	closed    bool
	warnAfter time.Duration
	metrics   *Metrics
	logger    *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithWarnAfter sets the queue wait that triggers a warning log.
func WithWarnAfter(d time.Duration) Option {
	return func(s *Scheduler) { s.warnAfter = d }
}

// New creates a scheduler with the given per-lane limits. Lanes missing from
// limits start at concurrency 1 when first used.
func New(limits map[string]int, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		lanes:     make(map[string]*lane),
		warnAfter: DefaultWarnAfter,
		logger:    logger.With("component", "lanes"),
	}
	for _, opt := range opts {
		opt(s)
	}
	for name, n := range limits {
		s.laneLocked(name).maxConcurrent = max(1, n)
	}
	return s
}

// laneLocked returns the named lane, creating it if needed. Must be called with mu held.
func (s *Scheduler) laneLocked(name string) *lane {
	l, ok := s.lanes[name]
	if !ok {
		l = &lane{name: name, queue: list.New(), maxConcurrent: 1}
		s.lanes[name] = l
	}
	return l
}

// Submit enqueues job on laneName and blocks until it has run. If ctx is
// cancelled while the job is still queued, the job is dropped and ctx.Err()
// is returned. Once started a job keeps its slot until it returns.
func (s *Scheduler) Submit(ctx context.Context, laneName string, job Job) (any, error) {
	if laneName == "" {
		laneName = Main
	}
	p := &pending{
		ctx:        ctx,
		job:        job,
		enqueuedAt: time.Now(),
		done:       make(chan result, 1),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	l := s.laneLocked(laneName)
	p.elem = l.queue.PushBack(p)
	s.logger.Debug("lane enqueue", "lane", laneName, "queue_size", l.queue.Len()+l.active)
	s.pumpLocked(l)
	s.mu.Unlock()

	select {
	case r := <-p.done:
		return r.value, r.err
	case <-ctx.Done():
	}

	s.mu.Lock()
	if p.elem != nil {
		l.queue.Remove(p.elem)
		p.elem = nil
		s.metrics.observe(l.name, l.active, l.queue.Len())
		s.mu.Unlock()
		return nil, ctx.Err()
	}
	s.mu.Unlock()

	// Already running.
	r := <-p.done
	return r.value, r.err
}

// Do is a typed wrapper around Submit.
func Do[T any](ctx context.Context, s *Scheduler, laneName string, fn func(ctx context.Context) (T, error)) (T, error) {
	v, err := s.Submit(ctx, laneName, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	typed, _ := v.(T)
	return typed, err
}

// pumpLocked starts queued jobs while the lane has free slots. Must be called with mu held.
func (s *Scheduler) pumpLocked(l *lane) {
	for l.active < l.maxConcurrent && l.queue.Len() > 0 {
		front := l.queue.Front()
		p, _ := l.queue.Remove(front).(*pending)
		p.elem = nil
		l.active++

		waited := time.Since(p.enqueuedAt)
		if waited >= s.warnAfter {
			s.logger.Warn("lane wait exceeded",
				"lane", l.name,
				"waited_ms", waited.Milliseconds(),
				"queue_ahead", l.queue.Len())
		}
		s.metrics.started(l.name, waited.Seconds())

		go s.run(l, p)
	}
	s.metrics.observe(l.name, l.active, l.queue.Len())
}

func (s *Scheduler) run(l *lane, p *pending) {
	start := time.Now()
	value, err := s.invoke(p)

	s.mu.Lock()
	l.active--
	s.pumpLocked(l)
	s.mu.Unlock()

	outcome := "ok"
	if err != nil {
		outcome = "error"
		s.logger.Debug("lane task error",
			"lane", l.name,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err)
	}
	s.metrics.finished(l.name, outcome)
	p.done <- result{value: value, err: err}
}

func (s *Scheduler) invoke(p *pending) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lane job panicked: %v", r)
		}
	}()
	return p.job(p.ctx)
}

// SetConcurrency changes the limit of laneName. Queued jobs are kept; raising
// the limit starts waiting jobs immediately.
func (s *Scheduler) SetConcurrency(laneName string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.laneLocked(laneName)
	l.maxConcurrent = max(1, n)
	s.pumpLocked(l)
}

// Stats reports the state of laneName.
func (s *Scheduler) Stats(laneName string) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lanes[laneName]
	if !ok {
		return Stats{Lane: laneName, MaxConcurrent: 1}
	}
	return Stats{Lane: l.name, Active: l.active, Queued: l.queue.Len(), MaxConcurrent: l.maxConcurrent}
}

// Lanes reports every known lane, sorted by name.
func (s *Scheduler) Lanes() []Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Stats, 0, len(s.lanes))
	for _, l := range s.lanes {
		out = append(out, Stats{Lane: l.name, Active: l.active, Queued: l.queue.Len(), MaxConcurrent: l.maxConcurrent})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Lane < out[j].Lane })
	return out
}

// Close rejects further submissions. Running and queued jobs are unaffected.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
