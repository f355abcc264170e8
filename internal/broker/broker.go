// Package broker defines the pluggable pub/sub backend that the
// gateway fans events in from, and provides Postgres, AMQP, and MQTT
// adapters implementing it.
package broker

import (
	"context"
	"fmt"
)

// bufferSize is the Subscription buffer's fixed capacity (spec: 10).
const bufferSize = 10

// Message is one broker-delivered event. RoutingKey is always set by
// the pump, never trusted from the payload; SessionID, if present, is
// used for self-echo suppression. Raw holds the full decoded JSON
// object so arbitrary payload fields are forwarded verbatim.
type Message struct {
	RoutingKey string
	SessionID  string
	Raw        map[string]any
}

// Subscription is the handle returned by Subscribe. To callers outside
// this package (the pump) it is opaque; Buf and CloseFn are exported
// only so adapters — including the brokertest fake used by other
// packages' tests — can construct and drive one without every variant
// living in this file.
type Subscription struct {
	RoutingKey string
	Buf        chan *Message
	CloseFn    func() error
}

// NewSubscription builds a Subscription with a freshly allocated,
// spec-mandated capacity-10 buffer. Adapters call this from Subscribe.
func NewSubscription(routingKey string, closeFn func() error) *Subscription {
	return &Subscription{
		RoutingKey: routingKey,
		Buf:        make(chan *Message, bufferSize),
		CloseFn:    closeFn,
	}
}

// Kind distinguishes recoverable broker hiccups (Transient) from a
// lost connection (Fatal). Both are handled identically by the pump
// today (spec §7: "Same as Transient; client may resubscribe") but are
// kept distinct so callers can discriminate if that changes.
type Kind int

const (
	Transient Kind = iota
	Fatal
)

// Error wraps a broker I/O failure with its Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("broker: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Broker is the capability set spec.md §4.A requires: subscribe,
// consume, close. Implementations must be safe for concurrent
// Subscribe/Close calls — one Broker instance is shared by every pump
// of a connection.
type Broker interface {
	// Subscribe opens a new consumer bound to routingKey.
	Subscribe(ctx context.Context, routingKey string) (*Subscription, error)
	// Consume blocks until a message is available on sub, ctx is
	// cancelled, or the broker reports a failure.
	Consume(ctx context.Context, sub *Subscription) (*Message, error)
	// Close releases sub's resources. Must be idempotent and safe to
	// call concurrently with a blocked Consume.
	Close(sub *Subscription) error
}

// Constructor builds a Broker from the kwargs map found under the
// matching broker_conf.name in configuration.
type Constructor func(kwargs map[string]any) (Broker, error)
