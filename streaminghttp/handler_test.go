package streaminghttp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/mcp-http-bridge/auth"
	"github.com/ggoodman/mcp-http-bridge/backend"
	"github.com/ggoodman/mcp-http-bridge/bridge"
	"github.com/ggoodman/mcp-http-bridge/broker/memorybroker"
	"github.com/ggoodman/mcp-http-bridge/streaminghttp"
)

// echoBackend answers every forwarded request with a result naming the
// request's method.
type echoBackend struct {
	forwarded chan string
}

func startEchoBackend(t *testing.T, in io.Reader, out io.Writer) *echoBackend {
	t.Helper()
	eb := &echoBackend{forwarded: make(chan string, 64)}
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			line := sc.Text()
			select {
			case eb.forwarded <- line:
			default:
			}
			var m struct {
				ID     json.RawMessage `json:"id"`
				Method string          `json:"method"`
			}
			if err := json.Unmarshal([]byte(line), &m); err != nil {
				continue
			}
			if len(m.ID) == 0 || string(m.ID) == "null" || m.Method == "" {
				continue
			}
			if _, err := fmt.Fprintf(out, `{"jsonrpc":"2.0","id":%s,"result":{"method":%q}}`+"\n", m.ID, m.Method); err != nil {
				return
			}
		}
	}()
	return eb
}

type testServer struct {
	url     string
	eng     *bridge.Engine
	broker  *memorybroker.Broker
	backend *echoBackend
	client  *http.Client
}

func newTestServer(t *testing.T, opts ...streaminghttp.Option) *testServer {
	t.Helper()

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	link := backend.NewLink(stdinW, stdoutR, backend.WithLinkLogger(log))
	eng := bridge.New(link, bridge.WithLogger(log), bridge.WithServerInfo(bridge.ServerInfo{Name: "bridge-test", Version: "0.0.1"}))
	eb := startEchoBackend(t, stdinR, stdoutW)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = eng.Run(ctx)
	}()

	brk := memorybroker.New()
	h, err := streaminghttp.New(eng, brk, append([]streaminghttp.Option{streaminghttp.WithLogger(log)}, opts...)...)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	srv := httptest.NewServer(h)

	// Cleanups run last-registered first: sessions end before the server
	// waits for its handlers.
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		_ = eng.Close()
		cancel()
		_ = stdoutW.Close()
		_ = stdinW.Close()
		<-runDone
	})

	return &testServer{
		url:     srv.URL,
		eng:     eng,
		broker:  brk,
		backend: eb,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *testServer) do(t *testing.T, method, path string, body io.Reader, hdr map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, s.url+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (s *testServer) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	return s.do(t, http.MethodPost, path, strings.NewReader(body), map[string]string{"Content-Type": "application/json"})
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return m
}

// sseStream reads event-stream frames from a response body.
type sseStream struct {
	resp *http.Response
	br   *bufio.Reader
}

func (s *testServer) openSSE(t *testing.T, path string) *sseStream {
	t.Helper()
	resp := s.do(t, http.MethodGet, path, nil, map[string]string{"Accept": "text/event-stream"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", path, resp.StatusCode)
	}
	return &sseStream{resp: resp, br: bufio.NewReader(resp.Body)}
}

// next returns the data of the next event, or the comment text when
// comments is set and a comment frame arrives first.
func (st *sseStream) next(t *testing.T, comments bool) string {
	t.Helper()
	var data []string
	for {
		line, err := st.br.ReadString('\n')
		if err != nil {
			t.Fatalf("read event: %v", err)
		}
		line = strings.TrimSuffix(line, "\n")
		switch {
		case line == "":
			if len(data) > 0 {
				return strings.Join(data, "\n")
			}
		case strings.HasPrefix(line, ":"):
			if comments {
				return line
			}
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		}
	}
}

type handshake struct {
	Method string `json:"method"`
	Params struct {
		SessionID  string `json:"sessionId"`
		ServerInfo struct {
			Name      string `json:"name"`
			Version   string `json:"version"`
			Transport string `json:"transport"`
		} `json:"serverInfo"`
	} `json:"params"`
}

func parseHandshake(t *testing.T, raw string) handshake {
	t.Helper()
	var hs handshake
	if err := json.Unmarshal([]byte(raw), &hs); err != nil {
		t.Fatalf("decode handshake %q: %v", raw, err)
	}
	if hs.Method != bridge.InitializedMethod {
		t.Fatalf("first frame is not the handshake: %s", raw)
	}
	return hs
}

func TestHealth(t *testing.T) {
	keys, err := auth.NewAPIKeyAuthenticator(auth.WithAPIKeys("secret"))
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}
	srv := newTestServer(t,
		streaminghttp.WithAuthenticator(keys),
		streaminghttp.WithBackendAlive(func() bool { return false }),
	)

	resp := srv.do(t, http.MethodGet, "/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health requires no credentials, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["status"] != "healthy" || body["mcpAlive"] != false || body["connections"] != float64(0) {
		t.Fatalf("unexpected health body: %v", body)
	}
	if _, ok := body["uptime"].(float64); !ok {
		t.Fatalf("uptime missing: %v", body)
	}
}

func TestPreflightAndCORS(t *testing.T) {
	keys, err := auth.NewAPIKeyAuthenticator(auth.WithAPIKeys("secret"))
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}
	srv := newTestServer(t, streaminghttp.WithAuthenticator(keys))

	resp := srv.do(t, http.MethodOptions, "/message", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("preflight status = %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	if len(b) != 0 {
		t.Fatalf("preflight body = %q", b)
	}
	for k, want := range map[string]string{
		"Access-Control-Allow-Origin":  "*",
		"Access-Control-Allow-Methods": "GET, POST, PUT, OPTIONS",
		"Access-Control-Allow-Headers": "Content-Type, Authorization",
	} {
		if got := resp.Header.Get(k); got != want {
			t.Fatalf("%s = %q, want %q", k, got, want)
		}
	}

	resp = srv.do(t, http.MethodGet, "/nope", nil, nil)
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("CORS headers missing on rejected request")
	}
}

func TestNotFound(t *testing.T) {
	srv := newTestServer(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/nope"},
		{http.MethodPost, "/sse"},
		{http.MethodGet, "/message"},
	} {
		resp := srv.do(t, tc.method, tc.path, nil, nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s %s: status %d", tc.method, tc.path, resp.StatusCode)
		}
		if body := decodeBody(t, resp); body["error"] != "Not Found" {
			t.Fatalf("%s %s: body %v", tc.method, tc.path, body)
		}
	}
}

func TestAuthentication(t *testing.T) {
	keys, err := auth.NewAPIKeyAuthenticator(auth.WithAPIKeys("secret"))
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}
	srv := newTestServer(t, streaminghttp.WithAuthenticator(keys))
	msg := `{"jsonrpc":"2.0","id":"a1","method":"ping"}`

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{name: "missing", path: "/message", want: http.StatusUnauthorized},
		{name: "wrong key", path: "/message", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "other scheme", path: "/message", header: "Basic secret", want: http.StatusUnauthorized},
		{name: "bearer", path: "/message", header: "Bearer secret", want: http.StatusOK},
		{name: "bearer any case", path: "/message", header: "bEaReR secret", want: http.StatusOK},
		{name: "bare header key", path: "/message", header: "secret", want: http.StatusOK},
		{name: "query key", path: "/message?apiKey=secret", want: http.StatusOK},
		{name: "query key after rejected header", path: "/message?apiKey=secret", header: "Bearer nope", want: http.StatusOK},
		{name: "header key with wrong query key", path: "/message?apiKey=nope", header: "Bearer secret", want: http.StatusOK},
		{name: "both wrong", path: "/message?apiKey=nope", header: "Bearer also-nope", want: http.StatusUnauthorized},
		{name: "unknown path still needs auth", path: "/nope", want: http.StatusUnauthorized},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			hdr := map[string]string{"Content-Type": "application/json"}
			if tc.header != "" {
				hdr["Authorization"] = tc.header
			}
			resp := srv.do(t, http.MethodPost, tc.path, strings.NewReader(msg), hdr)
			if resp.StatusCode != tc.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.want)
			}
			if tc.want != http.StatusUnauthorized {
				return
			}
			if got := resp.Header.Get("WWW-Authenticate"); got != `Bearer realm="MCP Server"` {
				t.Fatalf("WWW-Authenticate = %q", got)
			}
			body := decodeBody(t, resp)
			e, _ := body["error"].(map[string]any)
			if body["jsonrpc"] != "2.0" || e["code"] != float64(-32001) || e["message"] != "Unauthorized" || e["data"] != "API key required" {
				t.Fatalf("unexpected challenge body: %v", body)
			}
		})
	}
}

type scopedUser string

func (u scopedUser) UserID() string     { return string(u) }
func (scopedUser) Claims(ref any) error { return nil }

// scopedAuthenticator accepts "full" and reports "limited" as a valid
// credential without the required scope.
type scopedAuthenticator struct{}

func (scopedAuthenticator) CheckAuthentication(_ context.Context, cred string) (auth.UserInfo, error) {
	switch cred {
	case "full":
		return scopedUser("full-user"), nil
	case "limited":
		return nil, auth.ErrInsufficientScope
	default:
		return nil, auth.ErrUnauthorized
	}
}

func TestAuthentication_InsufficientScope(t *testing.T) {
	srv := newTestServer(t, streaminghttp.WithAuthenticator(scopedAuthenticator{}))
	msg := `{"jsonrpc":"2.0","id":"s1","method":"ping"}`

	for _, tc := range []struct {
		name, path, header string
	}{
		{name: "header", path: "/message", header: "Bearer limited"},
		{name: "rejected query after limited header", path: "/message?apiKey=nope", header: "Bearer limited"},
		{name: "limited query after rejected header", path: "/message?apiKey=limited", header: "Bearer nope"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			resp := srv.do(t, http.MethodPost, tc.path, strings.NewReader(msg), map[string]string{
				"Content-Type":  "application/json",
				"Authorization": tc.header,
			})
			if resp.StatusCode != http.StatusForbidden {
				t.Fatalf("status = %d, want 403", resp.StatusCode)
			}
			if got := resp.Header.Get("WWW-Authenticate"); got != `Bearer realm="MCP Server", error="insufficient_scope"` {
				t.Fatalf("WWW-Authenticate = %q", got)
			}
			body := decodeBody(t, resp)
			e, _ := body["error"].(map[string]any)
			if e["code"] != float64(-32001) || e["message"] != "Forbidden" || e["data"] != "insufficient scope" {
				t.Fatalf("unexpected challenge body: %v", body)
			}
		})
	}

	resp := srv.do(t, http.MethodPost, "/message", strings.NewReader(msg), map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer full",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("scoped credential rejected: %d", resp.StatusCode)
	}
}

func TestMessage_Errors(t *testing.T) {
	srv := newTestServer(t)

	resp := srv.post(t, "/message", `not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body: status %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	e, _ := body["error"].(map[string]any)
	if e["code"] != float64(-32700) || e["message"] != "Parse error" {
		t.Fatalf("unexpected parse error body: %v", body)
	}
	if _, ok := e["data"].(string); !ok {
		t.Fatalf("parse error carries no detail: %v", body)
	}

	resp = srv.post(t, "/message", `[1,2]`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("array body: status %d", resp.StatusCode)
	}

	resp = srv.do(t, http.MethodPost, "/message", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`), map[string]string{"Content-Type": "text/plain"})
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("text/plain body: status %d", resp.StatusCode)
	}
}

func TestMessage_AssignsMissingID(t *testing.T) {
	srv := newTestServer(t)

	resp := srv.post(t, "/message", `{"jsonrpc":"2.0","method":"tools/list"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	id, _ := body["id"].(string)
	if !strings.HasPrefix(id, "req-") {
		t.Fatalf("generated id = %v", body["id"])
	}
	if res, _ := body["result"].(map[string]any); res["accepted"] != true {
		t.Fatalf("missing acceptance: %v", body)
	}

	select {
	case fwd := <-srv.backend.forwarded:
		if !strings.Contains(fwd, `"id":"`+id+`"`) {
			t.Fatalf("backend saw %s, want id %s", fwd, id)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("nothing forwarded")
	}
}

func TestSSE_RoutesResponseToSession(t *testing.T) {
	srv := newTestServer(t)

	st := srv.openSSE(t, "/sse?sessionId=A")
	if got := st.resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("Content-Type = %q", got)
	}
	if got := st.resp.Header.Get("X-Session-Id"); got != "A" {
		t.Fatalf("X-Session-Id = %q", got)
	}
	hs := parseHandshake(t, st.next(t, false))
	if hs.Params.SessionID != "A" || hs.Params.ServerInfo.Name != "bridge-test" || hs.Params.ServerInfo.Transport != "" {
		t.Fatalf("unexpected handshake: %+v", hs)
	}

	resp := srv.post(t, "/message?sessionId=A", `{"jsonrpc":"2.0","id":"r1","method":"tools/list"}`)
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusOK || body["id"] != "r1" {
		t.Fatalf("submit: %d %v", resp.StatusCode, body)
	}

	if got, want := st.next(t, false), `{"jsonrpc":"2.0","id":"r1","result":{"method":"tools/list"}}`; got != want {
		t.Fatalf("routed frame = %s, want %s", got, want)
	}
}

func TestSSE_SessionHeaderHint(t *testing.T) {
	srv := newTestServer(t)

	st := srv.openSSE(t, "/")
	id := st.resp.Header.Get("X-Session-Id")
	if !strings.HasPrefix(id, "session-") {
		t.Fatalf("generated session id = %q", id)
	}
	if hs := parseHandshake(t, st.next(t, false)); hs.Params.SessionID != id {
		t.Fatalf("handshake names %q, header names %q", hs.Params.SessionID, id)
	}

	resp := srv.do(t, http.MethodPost, "/message", strings.NewReader(`{"jsonrpc":"2.0","id":5,"method":"ping"}`), map[string]string{
		"Content-Type":   "application/json",
		"Mcp-Session-Id": id,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit: %d", resp.StatusCode)
	}
	if got := st.next(t, false); !strings.Contains(got, `"id":5`) {
		t.Fatalf("routed frame = %s", got)
	}
}

func TestSSE_RequiresEventStreamAccept(t *testing.T) {
	srv := newTestServer(t)

	resp := srv.do(t, http.MethodGet, "/sse", nil, map[string]string{"Accept": "application/json"})
	if resp.StatusCode != http.StatusNotAcceptable {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestSSE_Heartbeat(t *testing.T) {
	srv := newTestServer(t, streaminghttp.WithHeartbeat(20*time.Millisecond))

	st := srv.openSSE(t, "/sse")
	parseHandshake(t, st.next(t, false))
	if got := st.next(t, true); got != ": ping" {
		t.Fatalf("heartbeat frame = %q", got)
	}
}

func TestSSE_ReplacementEndsPreviousStream(t *testing.T) {
	srv := newTestServer(t)

	first := srv.openSSE(t, "/sse?sessionId=dup")
	parseHandshake(t, first.next(t, false))

	second := srv.openSSE(t, "/sse?sessionId=dup")
	parseHandshake(t, second.next(t, false))

	if _, err := io.ReadAll(first.br); err != nil {
		t.Fatalf("replaced stream did not end cleanly: %v", err)
	}

	srv.post(t, "/message?sessionId=dup", `{"jsonrpc":"2.0","id":"after","method":"ping"}`)
	if got := second.next(t, false); !strings.Contains(got, `"id":"after"`) {
		t.Fatalf("replacement stream got %s", got)
	}
	if !srv.eng.HasSession("dup") {
		t.Fatalf("replaced connection tore down its successor")
	}
}

func TestSSE_DisconnectUnregisters(t *testing.T) {
	srv := newTestServer(t)

	st := srv.openSSE(t, "/sse?sessionId=gone")
	parseHandshake(t, st.next(t, false))
	if !srv.eng.HasSession("gone") {
		t.Fatalf("session not registered")
	}

	_ = st.resp.Body.Close()

	deadline := time.Now().Add(5 * time.Second)
	for srv.eng.HasSession("gone") {
		if time.Now().After(deadline) {
			t.Fatalf("session survived client disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStream_Duplex(t *testing.T) {
	srv := newTestServer(t)

	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })

	resp := srv.do(t, http.MethodPut, "/stream?sessionId=D", pr, map[string]string{"Content-Type": "application/x-ndjson"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "application/x-ndjson" {
		t.Fatalf("Content-Type = %q", got)
	}
	br := bufio.NewReader(resp.Body)

	readLine := func() string {
		t.Helper()
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read line: %v", err)
		}
		return strings.TrimSuffix(line, "\n")
	}

	hs := parseHandshake(t, readLine())
	if hs.Params.SessionID != "D" || hs.Params.ServerInfo.Transport != "http-stream" {
		t.Fatalf("unexpected handshake: %+v", hs)
	}

	// A request split across writes is reassembled before forwarding.
	if _, err := io.WriteString(pw, `{"jsonrpc":"2.0","id":7,`); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := io.WriteString(pw, `"method":"ping"}`+"\n"+"garbage\n"); err != nil {
		t.Fatalf("write: %v", err)
	}

	if got, want := readLine(), `{"jsonrpc":"2.0","id":7,"result":{"method":"ping"}}`; got != want {
		t.Fatalf("duplex response = %s, want %s", got, want)
	}

	// Responses keep flowing after the client finishes sending.
	if _, err := io.WriteString(pw, `{"jsonrpc":"2.0","id":8,"method":"last"}`+"\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = pw.Close()
	if got := readLine(); !strings.Contains(got, `"id":8`) {
		t.Fatalf("response after half-close = %s", got)
	}
}

func TestSSE_DeliveredMessagesAreReleased(t *testing.T) {
	srv := newTestServer(t)

	st := srv.openSSE(t, "/sse?sessionId=drain")
	parseHandshake(t, st.next(t, false))

	const n = 50
	for i := 0; i < n; i++ {
		resp := srv.post(t, "/message?sessionId=drain", fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"ping"}`, i))
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("submit %d: status %d", i, resp.StatusCode)
		}
	}
	for i := 0; i < n; i++ {
		if got := st.next(t, false); !strings.Contains(got, fmt.Sprintf(`"id":%d,`, i)) {
			t.Fatalf("frame %d = %s", i, got)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		msgs, bytes := srv.broker.Retained()
		if msgs == 0 && bytes == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("delivered frames still retained: %d messages, %d bytes", msgs, bytes)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStream_ReplacedStreamStopsForwarding(t *testing.T) {
	srv := newTestServer(t)

	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })

	resp := srv.do(t, http.MethodPut, "/stream?sessionId=R", pr, map[string]string{"Content-Type": "application/x-ndjson"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	br := bufio.NewReader(resp.Body)
	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read handshake: %v", err)
	}
	parseHandshake(t, strings.TrimSuffix(line, "\n"))

	next := srv.openSSE(t, "/sse?sessionId=R")
	parseHandshake(t, next.next(t, false))

	// The replaced stream's response only ends once it has stopped reading
	// its request body.
	if _, err := io.ReadAll(br); err != nil {
		t.Fatalf("replaced stream did not end cleanly: %v", err)
	}

	go func() { _, _ = io.WriteString(pw, `{"jsonrpc":"2.0","id":"stale","method":"ping"}`+"\n") }()
	time.Sleep(100 * time.Millisecond)

	srv.post(t, "/message?sessionId=R", `{"jsonrpc":"2.0","id":"fresh","method":"ping"}`)
	for fresh := false; !fresh; {
		select {
		case fwd := <-srv.backend.forwarded:
			if strings.Contains(fwd, `"stale"`) {
				t.Fatalf("replaced stream forwarded %s", fwd)
			}
			fresh = strings.Contains(fwd, `"fresh"`)
		case <-time.After(5 * time.Second):
			t.Fatalf("fresh request never forwarded")
		}
	}

	if got := next.next(t, false); !strings.Contains(got, `"id":"fresh"`) {
		t.Fatalf("successor received %s", got)
	}
}
