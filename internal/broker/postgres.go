package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

func init() {
	register("postgres", newPostgresBroker)
}

const (
	minReconnectInterval = 10 * time.Second
	maxReconnectInterval = time.Minute
)

// postgresBroker is the LISTEN/NOTIFY adapter (spec §4.A "Postgres
// variant"). It opens one pq.Listener connection per subscription;
// the listener's own background goroutine handles reconnection, so
// the reader loop here only needs to drain pq.Notification and feed
// the Subscription buffer.
type postgresBroker struct {
	dsn string
}

func newPostgresBroker(kwargs map[string]any) (Broker, error) {
	dsn, _ := kwargs["dsn"].(string)
	if dsn == "" {
		return nil, fmt.Errorf("broker/postgres: kwargs.dsn is required")
	}
	return &postgresBroker{dsn: dsn}, nil
}

// channelName replaces "." with "__" per spec §4.A/§6, since Postgres
// identifiers (and LISTEN/NOTIFY channel names) can't contain dots.
func channelName(routingKey string) string {
	return "events_" + strings.ReplaceAll(routingKey, ".", "__")
}

func (b *postgresBroker) Subscribe(ctx context.Context, routingKey string) (*Subscription, error) {
	channel := channelName(routingKey)

	listener := pq.NewListener(b.dsn, minReconnectInterval, maxReconnectInterval, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			slog.Warn("postgres listener event", "routing_key", routingKey, "event", ev, "error", err)
		}
	})
	if err := listener.Listen(channel); err != nil {
		listener.Close()
		return nil, &Error{Kind: Fatal, Err: fmt.Errorf("LISTEN %s: %w", channel, err)}
	}

	var closeOnce sync.Once
	sub := NewSubscription(routingKey, func() error {
		var err error
		closeOnce.Do(func() { err = listener.Close() })
		return err
	})

	go b.readLoop(ctx, listener, sub)
	return sub, nil
}

func (b *postgresBroker) readLoop(ctx context.Context, listener *pq.Listener, sub *Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// Connection was lost and re-established; pq.Listener
				// re-issues LISTEN automatically. Nothing to forward.
				continue
			}

			var raw map[string]any
			if err := json.Unmarshal([]byte(n.Extra), &raw); err != nil {
				slog.Warn("postgres notify payload not a JSON object", "routing_key", sub.RoutingKey, "error", err)
				continue
			}

			msg := &Message{Raw: raw}
			if sid, ok := raw["session_id"].(string); ok {
				msg.SessionID = sid
			}

			select {
			case sub.Buf <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (b *postgresBroker) Consume(ctx context.Context, sub *Subscription) (*Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-sub.Buf:
		return msg, nil
	}
}

func (b *postgresBroker) Close(sub *Subscription) error {
	return sub.CloseFn()
}
