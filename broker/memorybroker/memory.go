// Package memorybroker is an in-process broker.Broker. Each namespace keeps a
// bounded window of unacknowledged messages; when the window is full the
// oldest message is evicted, so a stalled subscriber loses history instead of
// blocking publishers.
package memorybroker

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/ggoodman/mcp-http-bridge/broker"
	"github.com/ggoodman/mcp-http-bridge/internal/jsonrpc"
)

const (
	// DefaultMaxLen is the default number of messages retained per namespace.
	DefaultMaxLen = 4096

	// DefaultMaxBytes is the default payload volume retained per namespace.
	DefaultMaxBytes = 64 << 20

	// DefaultClosedRetention is how long a cleaned-up name is remembered as
	// closed.
	DefaultClosedRetention = 10 * time.Minute
)

// Option configures a Broker.
type Option func(*Broker)

// WithMaxLen bounds the messages retained per namespace.
func WithMaxLen(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.maxLen = n
		}
	}
}

// WithMaxBytes bounds the payload bytes retained per namespace. The newest
// message is always kept, even when it alone exceeds the bound.
func WithMaxBytes(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.maxBytes = n
		}
	}
}

// WithClosedRetention sets how long Cleanup remembers a name as closed.
func WithClosedRetention(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.closedTTL = d
		}
	}
}

// Broker implements broker.Broker with in-memory state.
type Broker struct {
	maxLen    int
	maxBytes  int
	closedTTL time.Duration
	now       func() time.Time

	mu         sync.Mutex
	namespaces map[string]*namespace
	closed     map[string]time.Time // cleaned-up names and when
}

type namespace struct {
	mu     sync.Mutex
	msgs   []broker.MessageEnvelope
	bytes  int
	first  int64 // sequence number of msgs[0]
	next   int64 // sequence number of the next published message
	notify chan struct{}
	closed bool
}

// New returns an empty Broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		maxLen:     DefaultMaxLen,
		maxBytes:   DefaultMaxBytes,
		closedTTL:  DefaultClosedRetention,
		now:        time.Now,
		namespaces: make(map[string]*namespace),
		closed:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// namespace returns the live namespace for name, creating it unless the name
// was cleaned up.
func (b *Broker) namespace(name string) (*namespace, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.closed[name]; ok {
		return nil, broker.ErrNamespaceClosed
	}
	ns, ok := b.namespaces[name]
	if !ok {
		ns = &namespace{first: 1, next: 1, notify: make(chan struct{})}
		b.namespaces[name] = ns
	}
	return ns, nil
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, name string, message jsonrpc.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ns, err := b.namespace(name)
	if err != nil {
		return "", err
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()

	if ns.closed {
		return "", broker.ErrNamespaceClosed
	}

	seq := ns.next
	ns.next++
	env := broker.MessageEnvelope{
		ID:   strconv.FormatInt(seq, 10),
		Data: append([]byte(nil), message...),
	}
	ns.msgs = append(ns.msgs, env)
	ns.bytes += len(env.Data)

	drop := 0
	for bytes := ns.bytes; drop < len(ns.msgs)-1; drop++ {
		if len(ns.msgs)-drop <= b.maxLen && bytes <= b.maxBytes {
			break
		}
		bytes -= len(ns.msgs[drop].Data)
	}
	ns.release(drop)

	close(ns.notify)
	ns.notify = make(chan struct{})

	return env.ID, nil
}

// release drops the n oldest retained messages. Callers hold ns.mu.
func (ns *namespace) release(n int) {
	if n <= 0 {
		return
	}
	for _, env := range ns.msgs[:n] {
		ns.bytes -= len(env.Data)
	}
	ns.msgs = append(ns.msgs[:0:0], ns.msgs[n:]...)
	ns.first += int64(n)
}

// Subscribe implements broker.Broker.
func (b *Broker) Subscribe(ctx context.Context, name string, lastEventID string, handler broker.MessageHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ns, err := b.namespace(name)
	if err != nil {
		return err
	}

	var cursor int64 // next sequence number to deliver
	if lastEventID != "" {
		last, err := strconv.ParseInt(lastEventID, 10, 64)
		if err == nil {
			cursor = last + 1
		}
	}

	for {
		ns.mu.Lock()
		if ns.closed {
			ns.mu.Unlock()
			return broker.ErrNamespaceClosed
		}
		if cursor < ns.first {
			cursor = ns.first
		}
		var batch []broker.MessageEnvelope
		if cursor < ns.next {
			batch = append(batch, ns.msgs[cursor-ns.first:]...)
		}
		wait := ns.notify
		ns.mu.Unlock()

		for _, env := range batch {
			if err := handler(ctx, env); err != nil {
				return err
			}
			cursor++
		}

		if len(batch) > 0 {
			continue
		}

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Ack implements broker.Broker. Acknowledging an unknown or already released
// event is a no-op.
func (b *Broker) Ack(ctx context.Context, name string, eventID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	seq, err := strconv.ParseInt(eventID, 10, 64)
	if err != nil {
		return nil
	}

	b.mu.Lock()
	ns, ok := b.namespaces[name]
	b.mu.Unlock()
	if !ok {
		return nil
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.closed || seq < ns.first {
		return nil
	}
	ns.release(int(min(seq+1, ns.next) - ns.first))
	return nil
}

// Cleanup implements broker.Broker.
func (b *Broker) Cleanup(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	now := b.now()

	b.mu.Lock()
	ns, ok := b.namespaces[name]
	if ok {
		delete(b.namespaces, name)
	}
	for n, at := range b.closed {
		if now.Sub(at) > b.closedTTL {
			delete(b.closed, n)
		}
	}
	b.closed[name] = now
	b.mu.Unlock()

	if !ok {
		return nil
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()
	if !ns.closed {
		ns.closed = true
		ns.msgs = nil
		ns.bytes = 0
		close(ns.notify)
	}
	return nil
}

// Len returns the number of live namespaces.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.namespaces)
}

// Retained reports the messages and payload bytes held across all live
// namespaces.
func (b *Broker) Retained() (messages, bytes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ns := range b.namespaces {
		ns.mu.Lock()
		messages += len(ns.msgs)
		bytes += ns.bytes
		ns.mu.Unlock()
	}
	return messages, bytes
}

var _ broker.Broker = (*Broker)(nil)
