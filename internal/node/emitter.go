package node

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/veritel/veritel-node/internal/domain"
)

// ErrEventDropped means the gossip consumer did not take an event within the
// emit bound.
var ErrEventDropped = errors.New("network event dropped: consumer not keeping up")

// ErrEmitterClosed means the event stream was already shut down.
var ErrEmitterClosed = errors.New("network event dropped: emitter closed")

const (
	defaultEventBuffer = 64
	emitTimeout        = 5 * time.Second
)

// Emitter hands network events to the gossip layer. The stream has exactly
// one consumer; Emit blocks up to a bound so a stalled consumer shows up as
// dropped events instead of a wedged publisher.
type Emitter struct {
	log *slog.Logger

	// mu orders in-flight Emits before Close. Inbound frames can still
	// reach the verifier while the node shuts down, so Emit after Close
	// must drop the event rather than hit a closed channel.
	mu     sync.RWMutex
	events chan domain.NetworkEvent
	closed bool
}

func NewEmitter(buffer int, log *slog.Logger) *Emitter {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	if log == nil {
		log = slog.Default()
	}
	return &Emitter{
		events: make(chan domain.NetworkEvent, buffer),
		log:    log,
	}
}

// Events returns the stream the gossip layer drains.
func (e *Emitter) Events() <-chan domain.NetworkEvent {
	return e.events
}

// Emit queues an event, reporting false if the consumer is not keeping up
// or the stream is closed.
func (e *Emitter) Emit(ctx context.Context, ev domain.NetworkEvent) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.log.Warn("event dropped", "kind", ev.Kind(), "error", ErrEmitterClosed)
		return false
	}

	timer := time.NewTimer(emitTimeout)
	defer timer.Stop()

	select {
	case e.events <- ev:
		return true
	case <-ctx.Done():
		e.log.Warn("event dropped", "kind", ev.Kind(), "error", ctx.Err())
		return false
	case <-timer.C:
		e.log.Warn("event dropped", "kind", ev.Kind(), "error", ErrEventDropped)
		return false
	}
}

// Close ends the stream so the consumer can drain and exit. It waits for
// in-flight Emits; further Emits report the event dropped.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.events)
}
