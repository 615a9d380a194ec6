// Package streaminghttp is the bridge's HTTP front door. It mounts as a
// standard net/http handler over a bridge.Engine.
//
// Endpoints
//   - GET /sse (and GET /): opens an event-stream session. The first frame is
//     the mcp/initialized handshake carrying the session ID; backend responses
//     routed to the session follow as `data: <json>` frames.
//   - POST /message: forwards one JSON-RPC request to the backend. The
//     response is delivered on the session named by the sessionId query
//     parameter or Mcp-Session-Id header; the HTTP reply only acknowledges
//     acceptance.
//   - PUT /stream: opens a duplex session. Request body lines are forwarded
//     to the backend and responses are written back as NDJSON.
//   - GET /health: unauthenticated liveness report.
//
// # Outbound staging
//
// Every connection owns a broker namespace. The engine's backend reader only
// publishes into it; the connection's own goroutine subscribes and writes
// frames, so a slow client never stalls routing for the others. Written
// frames are acknowledged so the broker releases them.
//
// # Authentication
//
// When an auth.Authenticator is configured, every request except health
// checks and CORS preflights must present a credential. The Authorization
// header value, with or without a Bearer scheme, is tried first and the apiKey
// query parameter second. Failures get a JSON-RPC error body and a Bearer
// challenge.
package streaminghttp
