package sessions

import (
	"context"
	"errors"

	"github.com/ggoodman/mcp-http-bridge/internal/jsonrpc"
)

var (
	// ErrSessionNotFound indicates no live session is registered under the ID.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidSession indicates a registration with an empty ID or nil sink.
	ErrInvalidSession = errors.New("invalid session")
	// ErrRegistryClosed indicates the registry no longer accepts sessions.
	ErrRegistryClosed = errors.New("registry closed")
	// ErrDuplicateRequest indicates the request ID already has a pending route.
	ErrDuplicateRequest = errors.New("request id already pending")
	// ErrInvalidRequestID indicates a nil or empty request ID.
	ErrInvalidRequestID = errors.New("invalid request id")
)

// Mode controls how long a session stays registered.
type Mode int

const (
	// ModePersistent sessions stay registered until the client disconnects.
	ModePersistent Mode = iota
	// ModeOneshot sessions are removed after their first delivery.
	ModeOneshot
)

func (m Mode) String() string {
	switch m {
	case ModePersistent:
		return "persistent"
	case ModeOneshot:
		return "oneshot"
	default:
		return "unknown"
	}
}

// Sink delivers serialized messages to the connection that owns a session.
// Framing is the sink's concern: the registry hands it the record exactly as
// the backend emitted it.
type Sink interface {
	Send(ctx context.Context, msg jsonrpc.Message) error
	Close() error
}

// SinkFunc adapts a function to a Sink whose Close is a no-op.
type SinkFunc func(ctx context.Context, msg jsonrpc.Message) error

func (f SinkFunc) Send(ctx context.Context, msg jsonrpc.Message) error { return f(ctx, msg) }
func (f SinkFunc) Close() error                                        { return nil }
