package sessions

import (
	"github.com/ggoodman/mcp-http-bridge/internal/jsonrpc"
)

// Router correlates in-flight backend requests with the session that issued
// them. It shares the Registry's lock, so a route can only be recorded for a
// session that is live at that instant, and a session's teardown removes its
// routes atomically.
type Router struct {
	reg *Registry
}

// NewRouter returns a Router bound to reg.
func NewRouter(reg *Registry) *Router {
	return &Router{reg: reg}
}

// RouteRequest records that the response to requestID belongs to sessionID.
// It returns ErrSessionNotFound when the session is not live, in which case
// nothing is recorded. A request ID that is already pending keeps its first
// route and ErrDuplicateRequest is returned.
func (rt *Router) RouteRequest(requestID *jsonrpc.RequestID, sessionID string) error {
	if requestID.IsNil() {
		return ErrInvalidRequestID
	}
	key := requestID.Key()

	rt.reg.mu.Lock()
	defer rt.reg.mu.Unlock()

	if _, ok := rt.reg.sessions[sessionID]; !ok {
		return ErrSessionNotFound
	}
	if _, ok := rt.reg.pending[key]; ok {
		return ErrDuplicateRequest
	}
	rt.reg.pending[key] = sessionID
	return nil
}

// ResolveAndConsume removes and returns the session routed for requestID.
func (rt *Router) ResolveAndConsume(requestID *jsonrpc.RequestID) (string, bool) {
	if requestID.IsNil() {
		return "", false
	}
	key := requestID.Key()

	rt.reg.mu.Lock()
	defer rt.reg.mu.Unlock()

	sid, ok := rt.reg.pending[key]
	if ok {
		delete(rt.reg.pending, key)
	}
	return sid, ok
}

// PurgeSession removes every route owned by sessionID and returns how many
// were removed. Registry.Unregister calls this implicitly.
func (rt *Router) PurgeSession(sessionID string) int {
	rt.reg.mu.Lock()
	defer rt.reg.mu.Unlock()
	return rt.reg.purgeLocked(sessionID)
}

// Pending returns the number of routes awaiting a response.
func (rt *Router) Pending() int {
	rt.reg.mu.Lock()
	defer rt.reg.mu.Unlock()
	return len(rt.reg.pending)
}
