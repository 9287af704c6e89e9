// Package cancel provides the one-shot cancellation latch shared by every
// in-flight send or connection.
package cancel

import "sync"

// Signal is a single-writer, multi-reader boolean latch. The zero value is
// not usable; construct with New. Trip transitions the latch exactly once;
// waiters block on Done and are woken, never polled.
type Signal struct {
	once sync.Once
	done chan struct{}
}

// New returns an untripped Signal.
func New() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Trip flips the latch. Calling it again is a no-op.
func (s *Signal) Trip() {
	s.once.Do(func() { close(s.done) })
}

// Done returns a channel that is closed once the latch has tripped. A latch
// that is already tripped yields an immediately-ready channel.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// Cancelled reports whether the latch has tripped.
func (s *Signal) Cancelled() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
