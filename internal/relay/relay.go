// Package relay carries caller-originated control signals into open gRPC
// connections. It is a pub/sub hub keyed by connection id: the UI (or CLI)
// publishes, the connection engine subscribes for the connection's lifetime
// and unsubscribes once the connection goes terminal.
package relay

import "sync"

// Kind classifies a relayed signal.
type Kind int

const (
	// KindMessage carries one payload message for the outbound stream half.
	KindMessage Kind = iota
	// KindCommit closes the outbound half; no further client messages follow.
	KindCommit
	// KindCancel trips the connection's cancellation signal.
	KindCancel
)

// Msg is one relayed control signal. Payload is set for KindMessage only.
type Msg struct {
	Kind    Kind
	Payload string
}

// Handler consumes relayed signals for one connection. Handlers are invoked
// synchronously on the publishing goroutine and must not block.
type Handler func(Msg)

// Hub fans caller signals out to per-connection handlers.
type Hub struct {
	mu       sync.Mutex
	handlers map[string]Handler
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{handlers: make(map[string]Handler)}
}

// Subscribe registers the handler for a connection id, replacing any previous
// one, and returns an unsubscribe func. Unsubscribing twice is a no-op.
func (h *Hub) Subscribe(connectionID string, fn Handler) func() {
	h.mu.Lock()
	h.handlers[connectionID] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.handlers, connectionID)
			h.mu.Unlock()
		})
	}
}

// Publish delivers a signal to the connection's handler, if one is
// registered. Signals for unknown connections are dropped.
func (h *Hub) Publish(connectionID string, msg Msg) {
	h.mu.Lock()
	fn := h.handlers[connectionID]
	h.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

// Subscribed reports whether a handler is registered for the connection.
func (h *Hub) Subscribed(connectionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.handlers[connectionID]
	return ok
}
