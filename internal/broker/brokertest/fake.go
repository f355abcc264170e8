// Package brokertest provides an in-memory broker.Broker double for
// tests in packages that depend on a broker (pump, connection) without
// pulling in a real Postgres/AMQP/MQTT connection.
package brokertest

import (
	"context"
	"sync"

	"github.com/taigaio/events-gateway/internal/broker"
)

// Fake is a broker.Broker whose subscriptions are fed by calling Emit.
// Safe for concurrent use.
type Fake struct {
	mu           sync.Mutex
	subs         map[*broker.Subscription]bool // true while open
	order        []*broker.Subscription
	SubscribeLog []string
	CloseLog     []string
	SubscribeErr error
}

// New returns a ready-to-use Fake.
func New() *Fake {
	return &Fake{subs: make(map[*broker.Subscription]bool)}
}

func (f *Fake) Subscribe(ctx context.Context, routingKey string) (*broker.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.SubscribeErr != nil {
		return nil, f.SubscribeErr
	}

	sub := broker.NewSubscription(routingKey, nil)
	f.subs[sub] = true
	f.order = append(f.order, sub)
	f.SubscribeLog = append(f.SubscribeLog, routingKey)

	sub.CloseFn = func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		if !f.subs[sub] {
			return nil // already closed, idempotent
		}
		f.subs[sub] = false
		f.CloseLog = append(f.CloseLog, routingKey)
		return nil
	}

	return sub, nil
}

func (f *Fake) Consume(ctx context.Context, sub *broker.Subscription) (*broker.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-sub.Buf:
		return msg, nil
	}
}

func (f *Fake) Close(sub *broker.Subscription) error {
	return sub.CloseFn()
}

// Emit pushes msg into sub's buffer, blocking if the buffer is full
// (matching the real adapters' backpressure behavior). Returns false
// if ctx is cancelled before the send completes.
func (f *Fake) Emit(ctx context.Context, sub *broker.Subscription, msg *broker.Message) bool {
	select {
	case sub.Buf <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// IsOpen reports whether sub has not yet been closed. Intended for
// assertions like "close(Subscription) is idempotent and the
// subscription is closed after connection teardown."
func (f *Fake) IsOpen(sub *broker.Subscription) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[sub]
}

// LastSub returns the most recently created subscription, or nil if
// none has been created yet. Useful for tests that need a handle to
// drive Emit on.
func (f *Fake) LastSub() *broker.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.order) == 0 {
		return nil
	}
	return f.order[len(f.order)-1]
}

// OpenCount returns the number of subscriptions currently open.
func (f *Fake) OpenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, open := range f.subs {
		if open {
			n++
		}
	}
	return n
}
