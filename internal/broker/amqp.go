package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

func init() {
	register("amqp", newAMQPBroker)
}

const exchangeName = "events"

// amqpBroker is the topic-exchange adapter (spec §4.A "AMQP variant").
// Each subscription gets its own connection, channel, exclusive
// server-named queue, and binding — simpler than the source's
// singleton-connection variant and explicitly permitted by spec §9
// ("a per-connection broker instance is also acceptable and simpler").
type amqpBroker struct {
	url string
}

func newAMQPBroker(kwargs map[string]any) (Broker, error) {
	url, _ := kwargs["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("broker/amqp: kwargs.url is required")
	}
	return &amqpBroker{url: url}, nil
}

func (b *amqpBroker) Subscribe(ctx context.Context, routingKey string) (*Subscription, error) {
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return nil, &Error{Kind: Fatal, Err: fmt.Errorf("amqp dial: %w", err)}
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, &Error{Kind: Fatal, Err: fmt.Errorf("amqp channel: %w", err)}
	}

	if err := ch.ExchangeDeclare(exchangeName, "topic", false /*durable*/, true /*autoDelete*/, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, &Error{Kind: Fatal, Err: fmt.Errorf("exchange declare: %w", err)}
	}

	q, err := ch.QueueDeclare("", false /*durable*/, true /*autoDelete*/, true /*exclusive*/, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, &Error{Kind: Fatal, Err: fmt.Errorf("queue declare: %w", err)}
	}

	if err := ch.QueueBind(q.Name, routingKey, exchangeName, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, &Error{Kind: Fatal, Err: fmt.Errorf("queue bind: %w", err)}
	}

	deliveries, err := ch.Consume(q.Name, "" /*consumer*/, true /*autoAck*/, true /*exclusive*/, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, &Error{Kind: Fatal, Err: fmt.Errorf("consume: %w", err)}
	}

	var closeOnce sync.Once
	sub := NewSubscription(routingKey, func() error {
		var err error
		closeOnce.Do(func() {
			ch.Close()
			err = conn.Close()
		})
		return err
	})

	go b.readLoop(ctx, deliveries, sub)
	return sub, nil
}

func (b *amqpBroker) readLoop(ctx context.Context, deliveries <-chan amqp.Delivery, sub *Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}

			var raw map[string]any
			if err := json.Unmarshal(d.Body, &raw); err != nil {
				slog.Warn("amqp message body not a JSON object", "routing_key", sub.RoutingKey, "error", err)
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

func (b *amqpBroker) Consume(ctx context.Context, sub *Subscription) (*Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-sub.Buf:
		return msg, nil
	}
}

func (b *amqpBroker) Close(sub *Subscription) error {
	return sub.CloseFn()
}
