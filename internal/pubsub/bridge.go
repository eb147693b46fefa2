package pubsub

import "context"

// Handler consumes a chat broadcast that originated on another instance.
type Handler func(roomID string, payload []byte)

// Bridge is the cross-instance fan-out boundary. The relay's in-process
// broadcast stays the source of truth for local sockets; a bridge only
// mirrors chat_message frames between instances so every process can serve
// its own members of a room. Single-process deployments run without one.
type Bridge interface {
	// Publish mirrors a locally received broadcast to the other instances.
	Publish(ctx context.Context, roomID string, payload []byte) error
	// Subscribe registers the handler for broadcasts mirrored by other
	// instances. Implementations must not deliver an instance's own
	// publishes back to it.
	Subscribe(handler Handler)
	Close() error
}
