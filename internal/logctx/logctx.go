package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with the request, session and rpc data carried by
// the context. Empty fields are left out.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		addGroup(&r, "req",
			"id", rd.RequestID,
			"method", rd.Method,
			"user_agent", rd.UserAgent,
			"remote_addr", rd.RemoteAddr,
			"path", rd.Path,
		)
	}
	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		addGroup(&r, "sess",
			"id", sd.SessionID,
			"user_id", sd.UserID,
			"transport", sd.Transport,
		)
	}
	if msg, ok := ctx.Value(rpcMessageKey{}).(*RPCMessage); ok {
		addGroup(&r, "rpc",
			"method", msg.Method,
			"id", msg.ID,
			"type", msg.Type,
		)
	}
	return h.Handler.Handle(ctx, r)
}

// WithAttrs and WithGroup keep the wrapper in place so derived loggers still
// pick up context data.
func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

// addGroup adds the non-empty key/value string pairs in kv as a group.
func addGroup(r *slog.Record, name string, kv ...string) {
	attrs := make([]any, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			attrs = append(attrs, slog.String(kv[i], kv[i+1]))
		}
	}
	if len(attrs) > 0 {
		r.AddAttrs(slog.Group(name, attrs...))
	}
}

// RequestData describes the inbound HTTP request.
type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

type requestDataKey struct{}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

// SessionData describes the client session a record belongs to.
type SessionData struct {
	SessionID string
	UserID    string
	Transport string
}

type sessionDataKey struct{}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

// RPCMessage describes the JSON-RPC message being handled.
type RPCMessage struct {
	Method string
	ID     string
	Type   string
}

type rpcMessageKey struct{}

func WithRPCMessage(ctx context.Context, msg *RPCMessage) context.Context {
	return context.WithValue(ctx, rpcMessageKey{}, msg)
}
