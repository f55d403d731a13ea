// ABOUTME: Event queue shared by protocol adapters
// ABOUTME: Non-blocking emission, single EventClosed with a reserved slot, close reason kept

package protocol

import (
	"log/slog"
	"sync"
)

// DefaultEventBuffer is the events channel capacity used by NewEmitter.
const DefaultEventBuffer = 64

// Emitter owns a Conn's events channel. Emit never blocks, so adapters can
// emit while a coordinator holds locks that its event pump also needs.
// The last buffer slot is reserved for EventClosed.
type Emitter struct {
	mu          sync.Mutex
	ch          chan Event
	closed      bool
	closeReason Reason
	logger      *slog.Logger
}

// NewEmitter creates an Emitter with DefaultEventBuffer capacity.
func NewEmitter(logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		ch:     make(chan Event, DefaultEventBuffer),
		logger: logger,
	}
}

// Events returns the receive side of the channel.
func (e *Emitter) Events() <-chan Event {
	return e.ch
}

// Emit queues ev. It reports false if the emitter is closed or the buffer is full.
// EventClosed must go through Close instead.
func (e *Emitter) Emit(ev Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return false
	}
	if len(e.ch) >= cap(e.ch)-1 {
		e.logger.Warn("event buffer full, dropping event", "type", ev.Type)
		return false
	}
	e.ch <- ev
	return true
}

// Close emits EventClosed with reason and closes the channel. Only the first
// call has any effect; it reports whether this call closed the emitter.
func (e *Emitter) Close(reason Reason, err error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return false
	}
	e.closed = true
	e.closeReason = reason
	// Emit never fills the reserved slot and the reader only drains, so this
	// send cannot block.
	e.ch <- Event{Type: EventClosed, Reason: reason, Err: err}
	close(e.ch)
	return true
}

// Closed reports whether Close has been called.
func (e *Emitter) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// CloseReason returns the reason passed to Close, and false while still open.
func (e *Emitter) CloseReason() (Reason, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeReason, e.closed
}
