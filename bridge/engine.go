// Package bridge routes JSON-RPC traffic between HTTP client sessions and a
// single backend engine.
//
// Requests submitted by clients are forwarded to the backend, optionally
// recording which session should receive the response. Records the backend
// emits are routed back, one at a time and in emission order, to the session
// that issued the matching request. Anything that cannot be routed is logged
// and dropped; no routing failure is fatal.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ggoodman/mcp-http-bridge/backend"
	"github.com/ggoodman/mcp-http-bridge/internal/jsonrpc"
	"github.com/ggoodman/mcp-http-bridge/internal/logctx"
	"github.com/ggoodman/mcp-http-bridge/sessions"
)

// InitializedMethod is the handshake notification sent to every new session.
const InitializedMethod = "mcp/initialized"

var (
	// ErrParse indicates a client body that is not a JSON object.
	ErrParse = errors.New("parse error")

	// ErrSessionClosed ends a duplex pipe whose session was closed or
	// replaced.
	ErrSessionClosed = errors.New("session closed")
)

// Backend is the engine side of the bridge. *backend.Link implements it.
type Backend interface {
	Send(ctx context.Context, raw []byte) error
	Run(ctx context.Context, fn func(context.Context, *jsonrpc.Envelope) error) error
}

// NotificationPolicy decides what happens to backend records without an id.
type NotificationPolicy int

const (
	// NotificationsDrop discards backend notifications.
	NotificationsDrop NotificationPolicy = iota
	// NotificationsBroadcast delivers backend notifications to every
	// persistent session.
	NotificationsBroadcast
)

// ParseNotificationPolicy maps "drop" and "broadcast" to a policy.
func ParseNotificationPolicy(s string) (NotificationPolicy, error) {
	switch s {
	case "", "drop":
		return NotificationsDrop, nil
	case "broadcast":
		return NotificationsBroadcast, nil
	default:
		return NotificationsDrop, fmt.Errorf("unknown notification policy %q", s)
	}
}

func (p NotificationPolicy) String() string {
	if p == NotificationsBroadcast {
		return "broadcast"
	}
	return "drop"
}

// ServerInfo identifies the bridge in the handshake.
type ServerInfo struct {
	Name    string
	Version string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger. The registry logs through it too.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithServerInfo sets the identity advertised in the handshake.
func WithServerInfo(info ServerInfo) Option {
	return func(e *Engine) { e.info = info }
}

// WithNotificationPolicy sets how backend notifications are handled.
func WithNotificationPolicy(p NotificationPolicy) Option {
	return func(e *Engine) { e.notifications = p }
}

// WithClock overrides the clock used for generated identifiers and uptime.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine owns the session registry and request router for one backend.
type Engine struct {
	log           *slog.Logger
	backend       Backend
	reg           *sessions.Registry
	router        *sessions.Router
	info          ServerInfo
	notifications NotificationPolicy
	now           func() time.Time
	started       time.Time
}

// New returns an Engine bound to b.
func New(b Backend, opts ...Option) *Engine {
	e := &Engine{
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		backend: b,
		info:    ServerInfo{Name: "shopify-dev-mcp-http", Version: "1.0.0"},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.reg = sessions.NewRegistry(sessions.WithLogger(e.log))
	e.router = sessions.NewRouter(e.reg)
	e.started = e.now()
	return e
}

// Run routes backend output until the backend's stream ends or ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	return e.backend.Run(ctx, e.route)
}

func (e *Engine) route(ctx context.Context, env *jsonrpc.Envelope) error {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: env.Method,
		ID:     env.ID.String(),
		Type:   env.Type(),
	})

	if env.ID.IsNil() {
		if env.Method == "" {
			e.log.WarnContext(ctx, "route.unroutable", slog.String("reason", "response without id"))
			return nil
		}
		e.notify(ctx, env)
		return nil
	}

	sid, ok := e.router.ResolveAndConsume(env.ID)
	if !ok {
		e.log.WarnContext(ctx, "route.unroutable", slog.String("reason", "no pending request"))
		return nil
	}

	if err := e.reg.Deliver(ctx, sid, env.Raw); err != nil {
		e.log.WarnContext(ctx, "route.deliver.fail", slog.String("session_id", sid), slog.String("err", err.Error()))
		return nil
	}
	e.log.DebugContext(ctx, "route.deliver.ok", slog.String("session_id", sid))
	return nil
}

func (e *Engine) notify(ctx context.Context, env *jsonrpc.Envelope) {
	if e.notifications != NotificationsBroadcast {
		e.log.DebugContext(ctx, "route.notification.drop")
		return
	}
	n, err := e.reg.Broadcast(ctx, env.Raw)
	if err != nil {
		e.log.WarnContext(ctx, "route.notification.broadcast.fail", slog.Int("delivered", n), slog.String("err", err.Error()))
		return
	}
	e.log.DebugContext(ctx, "route.notification.broadcast", slog.Int("delivered", n))
}

// SessionOptions describes a session being opened.
type SessionOptions struct {
	// ID is the client-requested session ID. One is generated when empty.
	ID string
	// Prefix is used for generated IDs, e.g. "session" or "stream".
	Prefix string
	// Transport, when set, is advertised in the handshake's serverInfo.
	Transport string
}

// OpenSession registers sink as a persistent session and sends it the
// handshake notification.
func (e *Engine) OpenSession(ctx context.Context, sink sessions.Sink, opts SessionOptions) (*sessions.Session, error) {
	id := opts.ID
	if id == "" {
		prefix := opts.Prefix
		if prefix == "" {
			prefix = "session"
		}
		id = e.newID(prefix)
	}

	s, err := e.reg.Register(id, sink, sessions.ModePersistent)
	if err != nil {
		return nil, fmt.Errorf("register session: %w", err)
	}

	hs, err := e.handshake(id, opts.Transport)
	if err != nil {
		e.reg.Remove(s)
		return nil, err
	}
	if err := e.reg.Deliver(ctx, id, hs); err != nil {
		e.reg.Remove(s)
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	e.log.InfoContext(ctx, "session.open", slog.String("session_id", id), slog.String("transport", opts.Transport))
	return s, nil
}

type handshakeServerInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Transport string `json:"transport,omitempty"`
}

type handshakeParams struct {
	SessionID  string              `json:"sessionId"`
	ServerInfo handshakeServerInfo `json:"serverInfo"`
}

func (e *Engine) handshake(sessionID, transport string) (jsonrpc.Message, error) {
	note, err := jsonrpc.NewNotification(InitializedMethod, handshakeParams{
		SessionID: sessionID,
		ServerInfo: handshakeServerInfo{
			Name:      e.info.Name,
			Version:   e.info.Version,
			Transport: transport,
		},
	})
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(note)
	if err != nil {
		return nil, fmt.Errorf("marshal handshake: %w", err)
	}
	return b, nil
}

// CloseSession unregisters the session, purging its pending requests.
func (e *Engine) CloseSession(ctx context.Context, s *sessions.Session) {
	if e.reg.Remove(s) {
		e.log.InfoContext(ctx, "session.close", slog.String("session_id", s.ID()))
	}
}

// Submit forwards a client request to the backend. A body without a usable
// id gets one of the form req-<unixmillis>-<uuid>. When hint names a live
// session, the response is routed to it; otherwise the response will be
// dropped when it arrives. The returned id is the one forwarded.
func (e *Engine) Submit(ctx context.Context, body []byte, hint string) (*jsonrpc.RequestID, error) {
	obj, err := jsonrpc.ParseObject(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	var rec []byte
	id := obj.ID()
	if id.IsNil() {
		id = jsonrpc.NewRequestID(e.newID("req"))
		if err := obj.SetID(id); err != nil {
			return nil, err
		}
		if rec, err = obj.Marshal(); err != nil {
			return nil, err
		}
	} else {
		var buf bytes.Buffer
		if err := json.Compact(&buf, body); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		rec = buf.Bytes()
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{ID: id.String(), Type: "request"})
	routed := e.routeRequest(ctx, id, hint)

	if err := e.backend.Send(ctx, rec); err != nil {
		if routed {
			e.router.ResolveAndConsume(id)
		}
		return nil, fmt.Errorf("forward to backend: %w", err)
	}
	return id, nil
}

// routeRequest records the route and reports whether it did.
func (e *Engine) routeRequest(ctx context.Context, id *jsonrpc.RequestID, hint string) bool {
	if hint == "" {
		e.log.DebugContext(ctx, "route.request.unhinted")
		return false
	}
	err := e.router.RouteRequest(id, hint)
	switch {
	case err == nil:
		return true
	case errors.Is(err, sessions.ErrSessionNotFound):
		e.log.WarnContext(ctx, "route.request.no_session", slog.String("session_id", hint))
	case errors.Is(err, sessions.ErrDuplicateRequest):
		e.log.WarnContext(ctx, "route.request.duplicate", slog.String("session_id", hint))
	default:
		e.log.WarnContext(ctx, "route.request.fail", slog.String("session_id", hint), slog.String("err", err.Error()))
	}
	return false
}

// PipeDuplex forwards every complete line read from r to the backend until r
// is exhausted. Lines carrying an id are routed to s; ids are never
// synthesized for duplex lines. Malformed lines are logged and dropped.
//
// Once s is closed, including by a replacement registered under the same ID,
// PipeDuplex stops without forwarding and returns ErrSessionClosed.
func (e *Engine) PipeDuplex(ctx context.Context, s *sessions.Session, r io.Reader) error {
	in := backend.NewLink(io.Discard, r, backend.WithLinkLogger(e.log))
	return in.Run(ctx, func(ctx context.Context, env *jsonrpc.Envelope) error {
		if s.Closed() {
			return ErrSessionClosed
		}

		ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
			Method: env.Method,
			ID:     env.ID.String(),
			Type:   env.Type(),
		})

		routed := false
		if !env.ID.IsNil() && env.Method != "" {
			routed = e.routeRequest(ctx, env.ID, s.ID())
		}
		if err := e.backend.Send(ctx, env.Raw); err != nil {
			if routed {
				e.router.ResolveAndConsume(env.ID)
			}
			return fmt.Errorf("forward to backend: %w", err)
		}
		return nil
	})
}

// Stats is a point-in-time view of the engine for health reporting.
type Stats struct {
	Sessions int
	Pending  int
	Uptime   time.Duration
}

// Stats returns current counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Sessions: e.reg.Len(),
		Pending:  e.router.Pending(),
		Uptime:   e.now().Sub(e.started),
	}
}

// HasSession reports whether id names a live session.
func (e *Engine) HasSession(id string) bool {
	_, ok := e.reg.Lookup(id)
	return ok
}

// Close tears down every session.
func (e *Engine) Close() error {
	return e.reg.Close()
}

func (e *Engine) newID(prefix string) string {
	return prefix + "-" + strconv.FormatInt(e.now().UnixMilli(), 10) + "-" + uuid.NewString()
}
