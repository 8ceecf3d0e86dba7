// ABOUTME: Subagent run registry: registration, cleanup gate, persistence and queries
// ABOUTME: All run state lives in one mutex-guarded map mirrored to a RunStore

package subagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/2389/agentrun-gateway/internal/events"
	"github.com/2389/agentrun-gateway/internal/protocol"
	"github.com/2389/agentrun-gateway/internal/store"
)

// Defaults for registry timings.
const (
	DefaultWaitTimeout     = 10 * time.Minute
	DefaultAnnounceTimeout = 30 * time.Second
	DefaultSweepSchedule   = "@every 1m"

	// ResumeAnnounceTimeout is used when a run interrupted by a restart
	// re-enters the announce flow, whatever the configured timeout.
	ResumeAnnounceTimeout = 30 * time.Second

	// SweepDeleteTimeout bounds the transcript delete issued for archived runs.
	SweepDeleteTimeout = 10 * time.Second

	// waitGrace is added to the poll path's RPC timeout so the server-side
	// wait expires first.
	waitGrace = 10 * time.Second
)

var (
	// ErrDuplicateRun is returned when registering a run id already tracked.
	ErrDuplicateRun = errors.New("subagent run already registered")
	// ErrInvalidRun is returned when required registration fields are missing.
	ErrInvalidRun = errors.New("invalid subagent run")
)

// Options configures a Registry.
type Options struct {
	Store     store.RunStore
	Gateway   Gateway
	Announcer Announcer
	Bus       *events.Bus

	// ArchiveAfter is how long after registration a run is archived.
	// Zero or negative disables archival.
	ArchiveAfter    time.Duration
	WaitTimeout     time.Duration
	AnnounceTimeout time.Duration
	SweepSchedule   string

	Now    func() time.Time
	Logger *slog.Logger
}

// RegisterParams describes a newly spawned run.
type RegisterParams struct {
	RunID               string
	ChildSessionKey     string
	RequesterSessionKey string
	RequesterDisplayKey string
	RequesterOrigin     *protocol.DeliveryContext
	Task                string
	Cleanup             store.CleanupMode
	Label               string
	// RunTimeout overrides the poll path's wait timeout when positive.
	RunTimeout time.Duration
}

// Registry tracks subagent runs.
type Registry struct {
	mu      sync.Mutex
	runs    map[string]*store.RunEntry
	resumed map[string]bool
	// closed is set by Close; no goroutine is started once it is true.
	closed bool

	// persistMu orders writes so disk never regresses to an older snapshot.
	persistMu sync.Mutex

	store     store.RunStore
	gateway   Gateway
	announcer Announcer
	bus       *events.Bus

	archiveAfter    time.Duration
	waitTimeout     time.Duration
	announceTimeout time.Duration
	sweepSchedule   string

	cron    *cron.Cron
	sweepID cron.EntryID

	// Lifecycle events are queued by a bus listener and applied in order
	// by one goroutine; the queue is unbounded so none are lost.
	evMu     sync.Mutex
	evQueue  []protocol.AgentEvent
	evSignal chan struct{}
	unlisten func()

	now    func() time.Time
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a registry and listens for lifecycle events on the bus.
// Call Resume to load persisted runs.
func New(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if opts.Store == nil {
		opts.Store = store.NewMemoryStore(nil)
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = DefaultWaitTimeout
	}
	if opts.AnnounceTimeout <= 0 {
		opts.AnnounceTimeout = DefaultAnnounceTimeout
	}
	if opts.SweepSchedule == "" {
		opts.SweepSchedule = DefaultSweepSchedule
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		runs:            make(map[string]*store.RunEntry),
		resumed:         make(map[string]bool),
		store:           opts.Store,
		gateway:         opts.Gateway,
		announcer:       opts.Announcer,
		bus:             opts.Bus,
		archiveAfter:    opts.ArchiveAfter,
		waitTimeout:     opts.WaitTimeout,
		announceTimeout: opts.AnnounceTimeout,
		sweepSchedule:   opts.SweepSchedule,
		cron:            cron.New(),
		now:             now,
		logger:          logger.With("component", "subagent"),
		ctx:             ctx,
		cancel:          cancel,
	}
	r.cron.Start()

	if r.bus != nil {
		r.evSignal = make(chan struct{}, 1)
		r.unlisten = r.bus.Listen(r.queueLifecycle)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.drainLifecycle()
		}()
	}
	return r
}

// queueLifecycle runs on the publisher's goroutine and never blocks.
func (r *Registry) queueLifecycle(ev protocol.AgentEvent) {
	if ev.Stream != protocol.StreamLifecycle {
		return
	}
	r.evMu.Lock()
	r.evQueue = append(r.evQueue, ev)
	r.evMu.Unlock()

	select {
	case r.evSignal <- struct{}{}:
	default:
	}
}

func (r *Registry) drainLifecycle() {
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.evSignal:
		}
		for {
			r.evMu.Lock()
			batch := r.evQueue
			r.evQueue = nil
			r.evMu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, ev := range batch {
				r.HandleLifecycle(ev)
			}
		}
	}
}

func (r *Registry) nowMs() int64 {
	return r.now().UnixMilli()
}

// Register starts tracking a run, persists it and begins the poll path.
func (r *Registry) Register(p RegisterParams) error {
	if p.RunID == "" || p.ChildSessionKey == "" || p.RequesterSessionKey == "" {
		return fmt.Errorf("%w: runId, childSessionKey and requesterSessionKey are required", ErrInvalidRun)
	}
	cleanup := p.Cleanup
	if cleanup != store.CleanupDelete {
		cleanup = store.CleanupKeep
	}

	now := r.nowMs()
	entry := &store.RunEntry{
		RunID:               p.RunID,
		ChildSessionKey:     p.ChildSessionKey,
		RequesterSessionKey: p.RequesterSessionKey,
		RequesterDisplayKey: p.RequesterDisplayKey,
		RequesterOrigin:     normalizeOrigin(p.RequesterOrigin),
		Task:                p.Task,
		Cleanup:             cleanup,
		Label:               p.Label,
		CreatedAt:           now,
		StartedAt:           now,
	}
	if r.archiveAfter > 0 {
		entry.ArchiveAtMs = now + r.archiveAfter.Milliseconds()
	}

	r.mu.Lock()
	if _, exists := r.runs[p.RunID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateRun, p.RunID)
	}
	r.runs[p.RunID] = entry
	r.ensureSweeperLocked()
	r.mu.Unlock()

	r.persist()
	r.logger.Info("subagent run registered",
		"run_id", p.RunID,
		"child_session_key", p.ChildSessionKey,
		"requester_session_key", p.RequesterSessionKey,
		"cleanup", cleanup)

	timeout := r.waitTimeout
	if p.RunTimeout > 0 {
		timeout = p.RunTimeout
	}
	r.startWait(p.RunID, timeout)
	return nil
}

func normalizeOrigin(o *protocol.DeliveryContext) *protocol.DeliveryContext {
	if o.IsZero() {
		return nil
	}
	c := *o
	return &c
}

// BeginCleanup is the gate in front of the announce flow. It returns true
// exactly once per run: false when the run is unknown, already completed or
// already being handled.
func (r *Registry) BeginCleanup(runID string) bool {
	r.mu.Lock()
	entry, ok := r.runs[runID]
	if !ok || entry.CleanupCompletedAt > 0 || entry.CleanupHandled {
		r.mu.Unlock()
		return false
	}
	entry.CleanupHandled = true
	r.mu.Unlock()

	r.persist()
	return true
}

// Get returns a copy of the run.
func (r *Registry) Get(runID string) (*store.RunEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.runs[runID]
	if !ok {
		return nil, false
	}
	return entry.Clone(), true
}

// List returns copies of tracked runs, oldest first. A non-empty
// requesterSessionKey restricts the list to that requester.
func (r *Registry) List(requesterSessionKey string) []*store.RunEntry {
	r.mu.Lock()
	out := make([]*store.RunEntry, 0, len(r.runs))
	for _, entry := range r.runs {
		if requesterSessionKey != "" && entry.RequesterSessionKey != requesterSessionKey {
			continue
		}
		out = append(out, entry.Clone())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].RunID < out[j].RunID
	})
	return out
}

// Len returns the number of tracked runs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

// persist writes the whole map. Failures are logged; the next mutation
// writes again.
func (r *Registry) persist() {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	r.mu.Lock()
	snapshot := store.CloneRuns(r.runs)
	r.mu.Unlock()

	if err := r.store.Save(context.Background(), snapshot); err != nil {
		r.logger.Warn("persisting subagent runs failed", "runs", len(snapshot), "error", err)
	}
}

// Close stops the sweeper, the event subscription and in-flight waits and
// announces. It does not close the store.
func (r *Registry) Close() {
	if r.unlisten != nil {
		r.unlisten()
	}
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	<-r.cron.Stop().Done()
	r.wg.Wait()
}
