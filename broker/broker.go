// Package broker defines the per-session outbound queue that decouples the
// backend reader from client connections.
//
// Each session owns a namespace. The session's sink publishes every record
// routed to it; the goroutine serving the client connection subscribes to the
// namespace and writes frames at whatever pace the client accepts. Publishing
// never waits on a subscriber.
package broker

import (
	"context"
	"errors"

	"github.com/ggoodman/mcp-http-bridge/internal/jsonrpc"
)

// ErrNamespaceClosed is returned by Subscribe and Publish once the namespace
// has been cleaned up, including a Subscribe that starts after Cleanup.
var ErrNamespaceClosed = errors.New("broker namespace closed")

// Broker queues messages per namespace with ordered delivery.
type Broker interface {
	// Publish appends message to namespace and returns its event ID. Event IDs
	// increase monotonically within a namespace.
	Publish(ctx context.Context, namespace string, message jsonrpc.Message) (eventID string, err error)

	// Subscribe calls handler for each message in namespace, in publish order,
	// until ctx is done, handler returns an error, or the namespace is cleaned
	// up. An empty lastEventID starts from the oldest retained message;
	// otherwise delivery resumes after lastEventID.
	//
	// Subscribe returns ctx.Err() on cancellation, the handler's error, or
	// ErrNamespaceClosed after Cleanup.
	Subscribe(ctx context.Context, namespace string, lastEventID string, handler MessageHandler) error

	// Ack releases every retained message up to and including eventID. Later
	// subscriptions from an empty lastEventID start after it.
	Ack(ctx context.Context, namespace string, eventID string) error

	// Cleanup removes the namespace and everything retained in it, ending any
	// active subscriptions. The name stays closed afterwards: Publish and
	// Subscribe on it return ErrNamespaceClosed instead of recreating it.
	Cleanup(ctx context.Context, namespace string) error
}

// MessageHandler consumes one delivered message.
type MessageHandler func(ctx context.Context, envelope MessageEnvelope) error

// MessageEnvelope wraps a message with its event ID.
type MessageEnvelope struct {
	ID   string `json:"id"`
	Data []byte `json:"data"`
}
