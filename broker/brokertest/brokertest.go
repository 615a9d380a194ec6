// Package brokertest is a conformance suite for broker.Broker implementations.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-http-bridge/broker"
	"github.com/ggoodman/mcp-http-bridge/internal/jsonrpc"
)

// BrokerFactory creates a new broker instance for testing.
type BrokerFactory func(t *testing.T) broker.Broker

// RunBrokerTests runs the complete broker test suite against the provided factory.
func RunBrokerTests(t *testing.T, factory BrokerFactory) {
	t.Run("PublishBeforeSubscribeIsDelivered", func(t *testing.T) { testPublishBeforeSubscribe(t, factory) })
	t.Run("OrderPreserved", func(t *testing.T) { testOrderPreserved(t, factory) })
	t.Run("ResumeAfterLastEventID", func(t *testing.T) { testResumeAfterLastEventID(t, factory) })
	t.Run("NamespaceIsolation", func(t *testing.T) { testNamespaceIsolation(t, factory) })
	t.Run("SubscriptionContextCancellation", func(t *testing.T) { testSubscriptionContextCancellation(t, factory) })
	t.Run("HandlerErrorStopsSubscription", func(t *testing.T) { testHandlerErrorStopsSubscription(t, factory) })
	t.Run("CleanupEndsSubscription", func(t *testing.T) { testCleanupEndsSubscription(t, factory) })
	t.Run("SubscribeAfterCleanupIsClosed", func(t *testing.T) { testSubscribeAfterCleanup(t, factory) })
	t.Run("PublishAfterCleanupIsClosed", func(t *testing.T) { testPublishAfterCleanup(t, factory) })
	t.Run("AckReleasesDelivered", func(t *testing.T) { testAckReleasesDelivered(t, factory) })
}

func uniqueNamespace(t *testing.T) string {
	return fmt.Sprintf("%s-%d", t.Name(), time.Now().UnixNano())
}

func message(i int) jsonrpc.Message {
	return jsonrpc.Message(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{}}`, i))
}

// collect subscribes until n messages have arrived.
func collect(ctx context.Context, t *testing.T, b broker.Broker, ns, lastEventID string, n int) []broker.MessageEnvelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var got []broker.MessageEnvelope
	errDone := errors.New("done")
	err := b.Subscribe(ctx, ns, lastEventID, func(ctx context.Context, env broker.MessageEnvelope) error {
		got = append(got, env)
		if len(got) >= n {
			return errDone
		}
		return nil
	})
	if !errors.Is(err, errDone) {
		t.Fatalf("subscribe ended early with %v after %d messages", err, len(got))
	}
	return got
}

func testPublishBeforeSubscribe(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx := t.Context()
	ns := uniqueNamespace(t)
	t.Cleanup(func() { _ = b.Cleanup(context.Background(), ns) })

	if _, err := b.Publish(ctx, ns, message(1)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := collect(ctx, t, b, ns, "", 1)
	if string(got[0].Data) != string(message(1)) {
		t.Fatalf("want %s, got %s", message(1), got[0].Data)
	}
}

func testOrderPreserved(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx := t.Context()
	ns := uniqueNamespace(t)
	t.Cleanup(func() { _ = b.Cleanup(context.Background(), ns) })

	const n = 20
	go func() {
		for i := 0; i < n; i++ {
			if _, err := b.Publish(ctx, ns, message(i)); err != nil {
				return
			}
		}
	}()

	got := collect(ctx, t, b, ns, "", n)
	for i, env := range got {
		if string(env.Data) != string(message(i)) {
			t.Fatalf("message %d out of order: %s", i, env.Data)
		}
	}
}

func testResumeAfterLastEventID(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx := t.Context()
	ns := uniqueNamespace(t)
	t.Cleanup(func() { _ = b.Cleanup(context.Background(), ns) })

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := b.Publish(ctx, ns, message(i))
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		ids = append(ids, id)
	}

	got := collect(ctx, t, b, ns, ids[0], 2)
	if got[0].ID != ids[1] || got[1].ID != ids[2] {
		t.Fatalf("want %v, got %s %s", ids[1:], got[0].ID, got[1].ID)
	}
}

func testNamespaceIsolation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx := t.Context()
	nsA, nsB := uniqueNamespace(t)+"-a", uniqueNamespace(t)+"-b"
	t.Cleanup(func() {
		_ = b.Cleanup(context.Background(), nsA)
		_ = b.Cleanup(context.Background(), nsB)
	})

	_, _ = b.Publish(ctx, nsA, message(1))
	_, _ = b.Publish(ctx, nsB, message(2))
	_, _ = b.Publish(ctx, nsA, message(3))

	got := collect(ctx, t, b, nsA, "", 2)
	if string(got[0].Data) != string(message(1)) || string(got[1].Data) != string(message(3)) {
		t.Fatalf("namespace A saw foreign messages: %s %s", got[0].Data, got[1].Data)
	}
}

func testSubscriptionContextCancellation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ns := uniqueNamespace(t)
	t.Cleanup(func() { _ = b.Cleanup(context.Background(), ns) })

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, ns, "", func(context.Context, broker.MessageEnvelope) error { return nil })
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("want context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("subscription did not stop on cancellation")
	}
}

func testHandlerErrorStopsSubscription(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx := t.Context()
	ns := uniqueNamespace(t)
	t.Cleanup(func() { _ = b.Cleanup(context.Background(), ns) })

	_, _ = b.Publish(ctx, ns, message(1))
	_, _ = b.Publish(ctx, ns, message(2))

	boom := errors.New("boom")
	var calls int
	err := b.Subscribe(ctx, ns, "", func(context.Context, broker.MessageEnvelope) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 1 {
		t.Fatalf("want boom after one call, got %v after %d", err, calls)
	}
}

func testCleanupEndsSubscription(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx := t.Context()
	ns := uniqueNamespace(t)

	_, _ = b.Publish(ctx, ns, message(1))

	var (
		mu       sync.Mutex
		received int
	)
	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, ns, "", func(context.Context, broker.MessageEnvelope) error {
			mu.Lock()
			received++
			mu.Unlock()
			return nil
		})
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := received
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("first message never delivered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := b.Cleanup(ctx, ns); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, broker.ErrNamespaceClosed) {
			t.Fatalf("want ErrNamespaceClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("subscription survived cleanup")
	}
}

func testSubscribeAfterCleanup(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ns := uniqueNamespace(t)

	if _, err := b.Publish(t.Context(), ns, message(1)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := b.Cleanup(t.Context(), ns); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	err := b.Subscribe(ctx, ns, "", func(context.Context, broker.MessageEnvelope) error {
		t.Errorf("delivery after cleanup")
		return nil
	})
	if !errors.Is(err, broker.ErrNamespaceClosed) {
		t.Fatalf("want ErrNamespaceClosed, got %v", err)
	}
}

func testPublishAfterCleanup(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx := t.Context()
	ns := uniqueNamespace(t)

	if err := b.Cleanup(ctx, ns); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := b.Publish(ctx, ns, message(1)); !errors.Is(err, broker.ErrNamespaceClosed) {
		t.Fatalf("want ErrNamespaceClosed, got %v", err)
	}
}

func testAckReleasesDelivered(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx := t.Context()
	ns := uniqueNamespace(t)
	t.Cleanup(func() { _ = b.Cleanup(context.Background(), ns) })

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := b.Publish(ctx, ns, message(i))
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		ids = append(ids, id)
	}

	if err := b.Ack(ctx, ns, ids[1]); err != nil {
		t.Fatalf("ack: %v", err)
	}

	got := collect(ctx, t, b, ns, "", 1)
	if got[0].ID != ids[2] {
		t.Fatalf("want delivery to resume at %s, got %s", ids[2], got[0].ID)
	}
}
