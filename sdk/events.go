package parlo

import (
	"log/slog"
	"sync"
)

// emitter is an ordered listener list with identity-based removal. Listener
// lists are snapshotted at emit time so a callback may unsubscribe itself (or
// register new listeners) without corrupting the in-progress emission.
type emitter[T any] struct {
	mu        sync.Mutex
	nextID    int
	listeners []registration[T]
}

type registration[T any] struct {
	id int
	fn T
}

// add registers fn and returns a function removing exactly that registration.
func (e *emitter[T]) add(fn T) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.listeners = append(e.listeners, registration[T]{id: id, fn: fn})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, reg := range e.listeners {
			if reg.id == id {
				e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
				return
			}
		}
	}
}

func (e *emitter[T]) snapshot() []T {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]T, len(e.listeners))
	for i, reg := range e.listeners {
		out[i] = reg.fn
	}
	return out
}

// safeInvoke isolates a listener callback: a panicking listener is logged and
// must not prevent later listeners from running.
func safeInvoke(logger *slog.Logger, event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event listener panicked", "event", event, "panic", r)
		}
	}()
	fn()
}

// OnState registers a listener for lifecycle state changes. The returned
// function unsubscribes the listener.
func (s *Session) OnState(fn func(State)) func() {
	return s.stateListeners.add(fn)
}

// OnOutput registers a listener for agent transcript output. The listener
// receives the accumulated pending text and whether it is final.
func (s *Session) OnOutput(fn func(text string, final bool)) func() {
	return s.outputListeners.add(fn)
}

// OnError registers a listener for transport and capture errors.
func (s *Session) OnError(fn func(error)) func() {
	return s.errorListeners.add(fn)
}

// OnEnded registers a listener invoked when the session socket closes.
func (s *Session) OnEnded(fn func()) func() {
	return s.endedListeners.add(fn)
}

func (s *Session) emitState(state State) {
	for _, fn := range s.stateListeners.snapshot() {
		fn := fn
		safeInvoke(s.logger, "state", func() { fn(state) })
	}
}

func (s *Session) emitOutput(text string, final bool) {
	for _, fn := range s.outputListeners.snapshot() {
		fn := fn
		safeInvoke(s.logger, "output", func() { fn(text, final) })
	}
}

func (s *Session) emitError(err error) {
	for _, fn := range s.errorListeners.snapshot() {
		fn := fn
		safeInvoke(s.logger, "error", func() { fn(err) })
	}
}

func (s *Session) emitEnded() {
	for _, fn := range s.endedListeners.snapshot() {
		fn := fn
		safeInvoke(s.logger, "ended", func() { fn() })
	}
}
