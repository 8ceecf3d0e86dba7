// ABOUTME: In-memory fan-out bus for agent run events with per-run sequence numbers
// ABOUTME: Supports synchronous listeners and buffered channel subscribers keyed by run

package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/agentrun-gateway/internal/protocol"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// AllRuns subscribes to every run.
	AllRuns = "*"
)

// Listener is called synchronously for every published event, in publish
// order. Listeners must not block.
type Listener func(protocol.AgentEvent)

// Bus fans agent events out to listeners and subscribers.
type Bus struct {
	mu          sync.RWMutex
	listeners   map[string]Listener
	subscribers map[string]map[string]chan protocol.AgentEvent // runID -> subID -> ch
	seqByRun    map[string]int64
	closed      bool
	now         func() time.Time
	logger      *slog.Logger

	// emitMu serialises Publish so listeners observe one global order.
	emitMu sync.Mutex
}

// NewBus creates a bus. Pass nil logger for default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		listeners:   make(map[string]Listener),
		subscribers: make(map[string]map[string]chan protocol.AgentEvent),
		seqByRun:    make(map[string]int64),
		now:         time.Now,
		logger:      logger.With("component", "events"),
	}
}

// Listen registers fn and returns a function that removes it.
func (b *Bus) Listen(fn Listener) func() {
	id := uuid.New().String()

	b.mu.Lock()
	b.listeners[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

// Subscribe returns a channel receiving events for runID, or for every run
// when runID is AllRuns. The subscription ends when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, runID string) <-chan protocol.AgentEvent {
	subID := uuid.New().String()
	ch := make(chan protocol.AgentEvent, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch
	}
	if _, ok := b.subscribers[runID]; !ok {
		b.subscribers[runID] = make(map[string]chan protocol.AgentEvent)
	}
	b.subscribers[runID][subID] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.unsubscribe(runID, subID)
	}()

	return ch
}

// Publish stamps ev with the next sequence number for its run (and a
// timestamp if missing) and delivers it. Channel delivery is non-blocking;
// slow subscribers lose events.
func (b *Bus) Publish(ev protocol.AgentEvent) protocol.AgentEvent {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ev
	}
	b.seqByRun[ev.RunID]++
	ev.Seq = b.seqByRun[ev.RunID]
	if ev.Ts == 0 {
		ev.Ts = b.now().UnixMilli()
	}

	listeners := make([]Listener, 0, len(b.listeners))
	for _, fn := range b.listeners {
		listeners = append(listeners, fn)
	}
	b.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}

	// Channels are only closed under the write lock, so sending while
	// holding the read lock cannot hit a closed channel.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, key := range []string{ev.RunID, AllRuns} {
		for _, ch := range b.subscribers[key] {
			select {
			case ch <- ev:
			default:
				b.logger.Debug("dropped event for slow subscriber", "run_id", ev.RunID, "seq", ev.Seq)
			}
		}
	}
	return ev
}

// EmitLifecycle publishes a lifecycle event for runID.
func (b *Bus) EmitLifecycle(runID, sessionKey string, data protocol.LifecycleEvent) protocol.AgentEvent {
	return b.Publish(protocol.AgentEvent{
		RunID:      runID,
		Stream:     protocol.StreamLifecycle,
		SessionKey: sessionKey,
		Data:       data,
	})
}

// ForgetRun drops the sequence counter for runID.
func (b *Bus) ForgetRun(runID string) {
	b.mu.Lock()
	delete(b.seqByRun, runID)
	b.mu.Unlock()
}

func (b *Bus) unsubscribe(runID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[runID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}
	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, runID)
	}
}

// Close closes all subscriber channels and drops listeners.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for runID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, runID)
	}
	clear(b.listeners)
	b.logger.Debug("event bus closed")
}
