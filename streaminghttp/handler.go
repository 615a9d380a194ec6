package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-http-bridge/auth"
	"github.com/ggoodman/mcp-http-bridge/bridge"
	"github.com/ggoodman/mcp-http-bridge/broker"
	"github.com/ggoodman/mcp-http-bridge/internal/jsonrpc"
	"github.com/ggoodman/mcp-http-bridge/internal/logctx"
	"github.com/google/uuid"
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
	ndjsonMediaType       = contenttype.NewMediaType("application/x-ndjson")
	duplexMediaTypes      = []contenttype.MediaType{ndjsonMediaType, jsonMediaType}
)

const (
	mcpSessionIDHeader    = "Mcp-Session-Id"
	sessionIDHeader       = "X-Session-Id"
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"

	sessionIDParam = "sessionId"
	apiKeyParam    = "apiKey"

	transportSSE    = "sse"
	transportStream = "http-stream"

	// DefaultMaxBodyBytes bounds a /message request body.
	DefaultMaxBodyBytes = 4 << 20
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeRPCError(w http.ResponseWriter, status int, id *jsonrpc.RequestID, code jsonrpc.ErrorCode, msg string, data any) {
	writeJSON(w, status, jsonrpc.NewErrorResponse(id, code, msg, data))
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an optional context.
// It serializes concurrent writes/flushes and avoids writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// writeFrame writes one complete frame and flushes it.
func (l *lockedWriteFlusher) writeFrame(parts ...[]byte) error {
	if l.ctx != nil && l.ctx.Err() != nil {
		return l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return l.ctx.Err()
	}
	for _, p := range parts {
		if _, err := l.Writer.Write(p); err != nil {
			return err
		}
	}
	l.Flusher.Flush()
	return nil
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the handler's logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithAuthenticator requires every request except health checks and CORS
// preflights to carry a credential accepted by a. A nil authenticator leaves
// the bridge open.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(h *Handler) { h.auth = a }
}

// WithRealm sets the realm advertised in WWW-Authenticate challenges.
func WithRealm(realm string) Option {
	return func(h *Handler) {
		if realm != "" {
			h.realm = realm
		}
	}
}

// WithHeartbeat makes event streams emit a comment frame every d. Zero
// disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(h *Handler) { h.heartbeat = d }
}

// WithBackendAlive supplies the liveness probe reported by /health.
func WithBackendAlive(alive func() bool) Option {
	return func(h *Handler) {
		if alive != nil {
			h.backendAlive = alive
		}
	}
}

// WithMaxBodyBytes bounds the size of a /message body.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBodyBytes = n
		}
	}
}

// Handler is the bridge's HTTP front door. It opens event-stream and duplex
// sessions on the engine and submits client requests to the backend.
type Handler struct {
	mux    *http.ServeMux
	log    *slog.Logger
	eng    *bridge.Engine
	broker broker.Broker

	auth         auth.Authenticator
	realm        string
	heartbeat    time.Duration
	backendAlive func() bool
	maxBodyBytes int64
}

var _ http.Handler = (*Handler)(nil)

// New returns a Handler serving sessions of eng. Outbound frames for each
// connection are staged in b.
func New(eng *bridge.Engine, b broker.Broker, opts ...Option) (*Handler, error) {
	if eng == nil {
		return nil, errors.New("engine is required")
	}
	if b == nil {
		return nil, errors.New("broker is required")
	}

	h := &Handler{
		mux:          http.NewServeMux(),
		log:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		eng:          eng,
		broker:       b,
		realm:        auth.DefaultRealm,
		backendAlive: func() bool { return true },
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(h)
	}

	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /sse", h.handleSSE)
	h.mux.HandleFunc("GET /{$}", h.handleSSE)
	h.mux.HandleFunc("POST /message", h.handleMessage)
	h.mux.HandleFunc("PUT /stream", h.handleStream)
	h.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusNotFound, "Not Found")
	})

	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})

	hdr := w.Header()
	hdr.Set("Access-Control-Allow-Origin", "*")
	hdr.Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
	hdr.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	if r.URL.Path != "/health" && h.auth != nil {
		userID, ok := h.checkAuthentication(ctx, w, r)
		if !ok {
			return
		}
		ctx = withUserID(ctx, userID)
	}

	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

// checkAuthentication writes a challenge and returns false when the request
// does not carry an acceptable credential. Candidates are tried in order and
// the first accepted one wins.
func (h *Handler) checkAuthentication(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, bool) {
	creds := credentials(r)
	if len(creds) == 0 {
		h.log.WarnContext(ctx, "auth.check.missing")
		h.writeChallenge(w, auth.NewAuthenticationRequired(h.realm), "API key required")
		return "", false
	}

	var failure error
	for _, cred := range creds {
		user, err := h.auth.CheckAuthentication(ctx, cred)
		if err == nil {
			return user.UserID(), true
		}
		// A valid credential lacking scope says more than a rejected one.
		if failure == nil || !errors.Is(failure, auth.ErrInsufficientScope) {
			failure = err
		}
	}

	h.log.WarnContext(ctx, "auth.check.fail", slog.String("err", failure.Error()))
	challenge := auth.ChallengeFor(h.realm, failure)
	data := "API key required"
	if challenge.Status == http.StatusForbidden {
		data = "insufficient scope"
	}
	h.writeChallenge(w, challenge, data)
	return "", false
}

func (h *Handler) writeChallenge(w http.ResponseWriter, c auth.AuthenticationChallenge, data string) {
	w.Header().Set(wwwAuthenticateHeader, c.WWWAuthenticate)
	msg := "Unauthorized"
	if c.Status == http.StatusForbidden {
		msg = "Forbidden"
	}
	writeRPCError(w, c.Status, nil, jsonrpc.ErrorCodeUnauthorized, msg, data)
}

// credentials returns the presented credentials in the order they are tried:
// the Authorization header value, with any Bearer scheme stripped, then the
// apiKey query parameter.
func credentials(r *http.Request) []string {
	var creds []string
	if v := strings.TrimSpace(r.Header.Get(authorizationHeader)); v != "" {
		if len(v) > len("bearer ") && strings.EqualFold(v[:len("bearer ")], "bearer ") {
			v = strings.TrimSpace(v[len("bearer "):])
		}
		if v != "" {
			creds = append(creds, v)
		}
	}
	if q := r.URL.Query().Get(apiKeyParam); q != "" && !slices.Contains(creds, q) {
		creds = append(creds, q)
	}
	return creds
}

// requestedSessionID returns the session named by the client, if any.
func requestedSessionID(r *http.Request) string {
	if id := r.URL.Query().Get(sessionIDParam); id != "" {
		return id
	}
	return r.Header.Get(mcpSessionIDHeader)
}

type userIDKey struct{}

func withUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey{}, id)
}

func userIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey{}).(string)
	return id
}

type healthResponse struct {
	Status      string  `json:"status"`
	Uptime      float64 `json:"uptime"`
	Connections int     `json:"connections"`
	Pending     int     `json:"pending"`
	MCPAlive    bool    `json:"mcpAlive"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := h.eng.Stats()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "healthy",
		Uptime:      st.Uptime.Seconds(),
		Connections: st.Sessions,
		Pending:     st.Pending,
		MCPAlive:    h.backendAlive(),
	})
}

type acceptedResult struct {
	Accepted bool `json:"accepted"`
}

func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Header.Get("Content-Type") != "" {
		ctype, err := contenttype.GetMediaType(r)
		if err != nil || !ctype.Matches(jsonMediaType) {
			h.log.WarnContext(ctx, "content_type.unsupported", slog.String("content_type", r.Header.Get("Content-Type")))
			writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		h.log.WarnContext(ctx, "http.body.read.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	id, err := h.eng.Submit(ctx, body, requestedSessionID(r))
	if err != nil {
		if errors.Is(err, bridge.ErrParse) {
			h.log.WarnContext(ctx, "message.parse.fail", slog.String("err", err.Error()))
			writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeParseError, "Parse error", err.Error())
			return
		}
		h.log.ErrorContext(ctx, "message.forward.fail", slog.String("err", err.Error()))
		writeRPCError(w, http.StatusBadGateway, nil, jsonrpc.ErrorCodeInternalError, "Backend unavailable", err.Error())
		return
	}

	res, err := jsonrpc.NewResultResponse(id, acceptedResult{Accepted: true})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// connSink stages a connection's outbound messages in its own broker
// namespace. Closing it ends the connection's subscription.
type connSink struct {
	broker broker.Broker
	ns     string
	once   sync.Once
}

// Namespaces are per connection rather than per session ID, so a replaced
// connection's cleanup cannot discard its successor's messages.
func newConnSink(b broker.Broker) *connSink {
	return &connSink{broker: b, ns: "conn:" + uuid.NewString()}
}

func (s *connSink) Send(ctx context.Context, msg jsonrpc.Message) error {
	_, err := s.broker.Publish(ctx, s.ns, msg)
	return err
}

func (s *connSink) Close() error {
	var err error
	s.once.Do(func() {
		err = s.broker.Cleanup(context.Background(), s.ns)
	})
	return err
}

// pump writes every message staged for sink to wf until ctx ends or the sink
// is closed. Each message is acknowledged once written so the broker stops
// retaining it.
func (h *Handler) pump(ctx context.Context, sink *connSink, frame func(jsonrpc.Message) [][]byte, wf *lockedWriteFlusher) error {
	err := h.broker.Subscribe(ctx, sink.ns, "", func(ctx context.Context, env broker.MessageEnvelope) error {
		if err := wf.writeFrame(frame(env.Data)...); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
		if err := h.broker.Ack(ctx, sink.ns, env.ID); err != nil {
			h.log.WarnContext(ctx, "broker.ack.fail", slog.String("err", err.Error()))
		}
		return nil
	})
	if errors.Is(err, broker.ErrNamespaceClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

var (
	sseDataPrefix = []byte("data: ")
	sseTerminator = []byte("\n\n")
	ssePing       = []byte(": ping\n\n")
	newline       = []byte("\n")
)

func sseFrame(msg jsonrpc.Message) [][]byte {
	return [][]byte{sseDataPrefix, msg, sseTerminator}
}

func ndjsonFrame(msg jsonrpc.Message) [][]byte {
	return [][]byte{msg, newline}
}

func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
		writeJSONError(w, http.StatusNotAcceptable, "client must accept text/event-stream")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		h.log.ErrorContext(ctx, "flusher.missing")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	sink := newConnSink(h.broker)
	sess, err := h.eng.OpenSession(ctx, sink, bridge.SessionOptions{
		ID:     requestedSessionID(r),
		Prefix: "session",
	})
	if err != nil {
		h.log.ErrorContext(ctx, "session.open.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusServiceUnavailable, "failed to open session")
		return
	}
	defer h.eng.CloseSession(context.WithoutCancel(ctx), sess)

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sess.ID(),
		UserID:    userIDFrom(ctx),
		Transport: transportSSE,
	})

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set(sessionIDHeader, sess.ID())
	w.WriteHeader(http.StatusOK)
	f.Flush()

	start := time.Now()
	h.log.InfoContext(ctx, "sse.stream.start")
	defer func() {
		h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("duration", time.Since(start)))
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	if h.heartbeat > 0 {
		go h.heartbeatLoop(ctx, wf)
	}

	if err := h.pump(ctx, sink, sseFrame, wf); err != nil {
		h.log.WarnContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
	}
}

func (h *Handler) heartbeatLoop(ctx context.Context, wf *lockedWriteFlusher) {
	t := time.NewTicker(h.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := wf.writeFrame(ssePing); err != nil {
				return
			}
		}
	}
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Header.Get("Content-Type") != "" {
		ctype, err := contenttype.GetMediaType(r)
		if err != nil || !(ctype.Matches(ndjsonMediaType) || ctype.Matches(jsonMediaType)) {
			h.log.WarnContext(ctx, "content_type.unsupported", slog.String("content_type", r.Header.Get("Content-Type")))
			writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/x-ndjson")
			return
		}
	}
	if _, _, err := contenttype.GetAcceptableMediaType(r, duplexMediaTypes); err != nil {
		h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
		writeJSONError(w, http.StatusNotAcceptable, "client must accept application/x-ndjson")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		h.log.ErrorContext(ctx, "flusher.missing")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	// HTTP/1.x servers stop reading the body once the response starts
	// unless full duplex is enabled. HTTP/2 does not need it.
	if err := http.NewResponseController(w).EnableFullDuplex(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.log.DebugContext(ctx, "stream.full_duplex.fail", slog.String("err", err.Error()))
	}

	sink := newConnSink(h.broker)
	sess, err := h.eng.OpenSession(ctx, sink, bridge.SessionOptions{
		ID:        requestedSessionID(r),
		Prefix:    "stream",
		Transport: transportStream,
	})
	if err != nil {
		h.log.ErrorContext(ctx, "session.open.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusServiceUnavailable, "failed to open session")
		return
	}
	defer h.eng.CloseSession(context.WithoutCancel(ctx), sess)

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sess.ID(),
		UserID:    userIDFrom(ctx),
		Transport: transportStream,
	})

	w.Header().Set("Content-Type", ndjsonMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set(sessionIDHeader, sess.ID())
	w.WriteHeader(http.StatusOK)
	f.Flush()

	start := time.Now()
	h.log.InfoContext(ctx, "stream.start")
	defer func() {
		h.log.InfoContext(ctx, "stream.end", slog.Duration("duration", time.Since(start)))
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	// The inbound half may finish before the outbound half: responses keep
	// flowing until the client disconnects.
	inboundDone := make(chan struct{})
	go func() {
		defer close(inboundDone)
		err := h.eng.PipeDuplex(ctx, sess, r.Body)
		if err != nil && ctx.Err() == nil && !errors.Is(err, bridge.ErrSessionClosed) {
			h.log.WarnContext(ctx, "stream.inbound.fail", slog.String("err", err.Error()))
			return
		}
		h.log.DebugContext(ctx, "stream.inbound.end")
	}()

	if err := h.pump(ctx, sink, ndjsonFrame, wf); err != nil {
		h.log.WarnContext(ctx, "stream.outbound.fail", slog.String("err", err.Error()))
	}

	// Unblock the inbound read and wait for it: nothing may read the body
	// after the handler returns.
	cancel()
	if err := http.NewResponseController(w).SetReadDeadline(time.Now()); err != nil {
		h.log.DebugContext(ctx, "stream.read_deadline.fail", slog.String("err", err.Error()))
		_ = r.Body.Close()
	}
	<-inboundDone
}
