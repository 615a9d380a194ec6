package sessions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/ggoodman/mcp-http-bridge/internal/jsonrpc"
)

// Session is the registry's handle on one registered connection. The handle
// stays valid after the session is removed; it simply stops accepting writes.
type Session struct {
	id   string
	mode Mode
	sink Sink

	mu     sync.Mutex
	closed bool
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Mode returns the session's registration mode.
func (s *Session) Mode() Mode { return s.mode }

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) send(ctx context.Context, msg jsonrpc.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionNotFound
	}
	return s.sink.Send(ctx, msg)
}

func (s *Session) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.sink.Close()
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for replacement and teardown events.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// Registry maps session IDs to sinks. It is safe for concurrent use.
type Registry struct {
	log *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	pending  map[string]string // request key -> session ID, see Router
	closed   bool
}

// NewRegistry returns an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		sessions: make(map[string]*Session),
		pending:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register inserts a session. If the ID is already registered, the former
// sink is closed and every route pending for the former session is purged.
func (r *Registry) Register(id string, sink Sink, mode Mode) (*Session, error) {
	if id == "" || sink == nil {
		return nil, ErrInvalidSession
	}

	s := &Session{id: id, mode: mode, sink: sink}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	prev := r.sessions[id]
	var purged int
	if prev != nil {
		purged = r.purgeLocked(id)
	}
	r.sessions[id] = s
	r.mu.Unlock()

	if prev != nil {
		r.log.Warn("session.replace", slog.String("session_id", id), slog.Int("purged", purged))
		if err := prev.close(); err != nil {
			r.log.Warn("session.replace.close.fail", slog.String("session_id", id), slog.String("err", err.Error()))
		}
	}

	return s, nil
}

// Deliver writes msg to the session's sink. Oneshot sessions are removed as
// part of the delivery whether or not the write succeeds.
func (r *Registry) Deliver(ctx context.Context, id string, msg jsonrpc.Message) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok && s.mode == ModeOneshot {
		delete(r.sessions, id)
		r.purgeLocked(id)
	}
	r.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}

	err := s.send(ctx, msg)
	if s.mode == ModeOneshot {
		if cerr := s.close(); cerr != nil {
			r.log.Warn("session.oneshot.close.fail", slog.String("session_id", id), slog.String("err", cerr.Error()))
		}
	}
	if err != nil {
		return fmt.Errorf("deliver to session %q: %w", id, err)
	}
	return nil
}

// Broadcast writes msg to every persistent session and returns how many
// writes succeeded.
func (r *Registry) Broadcast(ctx context.Context, msg jsonrpc.Message) (int, error) {
	r.mu.Lock()
	targets := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.mode == ModePersistent {
			targets = append(targets, s)
		}
	}
	r.mu.Unlock()

	var (
		n    int
		errs []error
	)
	for _, s := range targets {
		if err := s.send(ctx, msg); err != nil {
			if !errors.Is(err, ErrSessionNotFound) {
				errs = append(errs, fmt.Errorf("session %q: %w", s.id, err))
			}
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// Unregister removes the session and purges its pending routes. It reports
// whether a session was removed.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		r.purgeLocked(id)
	}
	r.mu.Unlock()

	if ok {
		r.teardown(s)
	}
	return ok
}

// Remove unregisters s only if it is still the session registered under its
// ID. A connection that was replaced by a newer registration uses this on
// disconnect so that it cannot tear down its successor.
func (r *Registry) Remove(s *Session) bool {
	if s == nil {
		return false
	}

	r.mu.Lock()
	cur, ok := r.sessions[s.id]
	current := ok && cur == s
	if current {
		delete(r.sessions, s.id)
		r.purgeLocked(s.id)
	}
	r.mu.Unlock()

	if current {
		r.teardown(s)
		return true
	}
	// A replaced session was already closed by Register; make sure anyway.
	_ = s.close()
	return false
}

// Lookup returns the sink registered under id.
func (r *Registry) Lookup(id string) (Sink, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return s.sink, true
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// IDs returns the registered session IDs in lexical order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Close tears down every session and rejects further registrations.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	all := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		all = append(all, s)
		delete(r.sessions, id)
	}
	clear(r.pending)
	r.mu.Unlock()

	var errs []error
	for _, s := range all {
		if err := s.close(); err != nil {
			errs = append(errs, fmt.Errorf("session %q: %w", s.id, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) teardown(s *Session) {
	if err := s.close(); err != nil {
		r.log.Warn("session.close.fail", slog.String("session_id", s.id), slog.String("err", err.Error()))
	}
}

// purgeLocked removes every pending route owned by sessionID. r.mu must be held.
func (r *Registry) purgeLocked(sessionID string) int {
	var n int
	for key, sid := range r.pending {
		if sid == sessionID {
			delete(r.pending, key)
			n++
		}
	}
	return n
}
