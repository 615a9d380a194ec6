// Package sessionstest provides a recording Sink for tests that exercise the
// session registry and anything built on top of it.
package sessionstest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ggoodman/mcp-http-bridge/internal/jsonrpc"
)

// ErrSinkClosed is returned by Send after Close.
var ErrSinkClosed = errors.New("sink closed")

// Sink records every message it is sent. A Send after Close is recorded as a
// violation rather than silently accepted so tests can assert that no write
// happens after teardown.
type Sink struct {
	mu         sync.Mutex
	msgs       []jsonrpc.Message
	closed     bool
	closeCount int
	violations int
	sendErr    error
	notify     chan struct{}
}

// NewSink returns an open recording sink.
func NewSink() *Sink {
	return &Sink{notify: make(chan struct{}, 1)}
}

// FailWith makes subsequent Sends return err.
func (s *Sink) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

func (s *Sink) Send(ctx context.Context, msg jsonrpc.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.violations++
		return ErrSinkClosed
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	s.msgs = append(s.msgs, append(jsonrpc.Message(nil), msg...))
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closeCount++
	return nil
}

// Messages returns a copy of the recorded messages.
func (s *Sink) Messages() []jsonrpc.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]jsonrpc.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// Strings returns the recorded messages as strings.
func (s *Sink) Strings() []string {
	msgs := s.Messages()
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = string(m)
	}
	return out
}

// Closed reports whether Close has been called.
func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CloseCount returns how many times Close was called.
func (s *Sink) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

// Violations returns the number of Sends attempted after Close.
func (s *Sink) Violations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.violations
}

// WaitFor blocks until at least n messages have been recorded or the timeout
// elapses. It returns the recorded messages either way.
func (s *Sink) WaitFor(n int, timeout time.Duration) []jsonrpc.Message {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if msgs := s.Messages(); len(msgs) >= n {
			return msgs
		}
		select {
		case <-s.notify:
		case <-deadline.C:
			return s.Messages()
		}
	}
}
