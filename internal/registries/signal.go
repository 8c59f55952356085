package registries

import "sync"

// Signal is a minimal synchronous event: observers connect a callback and
// get back a function that deterministically disconnects it again.
type Signal[T any] struct {
	mu       sync.Mutex
	nextID   int
	handlers map[int]func(T)
}

// Connect registers a callback and returns its disconnect function.
// Disconnecting twice is harmless.
func (s *Signal[T]) Connect(handler func(T)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handlers == nil {
		s.handlers = make(map[int]func(T))
	}
	id := s.nextID
	s.nextID++
	s.handlers[id] = handler

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers, id)
	}
}

// Emit invokes every connected callback with the given value. Callbacks
// run outside the signal lock so they may connect or disconnect observers.
func (s *Signal[T]) Emit(value T) {
	s.mu.Lock()
	snapshot := make([]func(T), 0, len(s.handlers))
	for _, handler := range s.handlers {
		snapshot = append(snapshot, handler)
	}
	s.mu.Unlock()

	for _, handler := range snapshot {
		handler(value)
	}
}
