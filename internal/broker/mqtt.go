package broker

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
)

func init() {
	register("mqtt", newMQTTBroker)
}

// mqttBroker is a supplemental broker variant beyond spec §4.A's
// Postgres/AMQP pair (see SPEC_FULL.md DOMAIN STACK). Routing keys are
// used directly as MQTT topic filters: MQTT already treats "/" (and,
// for a subscriber, "."  has no special meaning) as a natural
// hierarchy, so unlike the Postgres adapter's "."->"__" transform, no
// rewriting is needed.
type mqttBroker struct {
	brokerURL string
	username  string
	password  string
}

func newMQTTBroker(kwargs map[string]any) (Broker, error) {
	brokerURL, _ := kwargs["url"].(string)
	if brokerURL == "" {
		return nil, fmt.Errorf("broker/mqtt: kwargs.url is required")
	}
	username, _ := kwargs["username"].(string)
	password, _ := kwargs["password"].(string)
	return &mqttBroker{brokerURL: brokerURL, username: username, password: password}, nil
}

func (b *mqttBroker) Subscribe(ctx context.Context, routingKey string) (*Subscription, error) {
	parsed, err := url.Parse(b.brokerURL)
	if err != nil {
		return nil, &Error{Kind: Fatal, Err: fmt.Errorf("parse mqtt broker url: %w", err)}
	}

	var closeOnce sync.Once
	sub := NewSubscription(routingKey, nil)

	clientID := "eventsgw-" + uuid.NewString()[:8]

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{parsed},
		KeepAlive:       30,
		ConnectUsername: b.username,
		ConnectPassword: []byte(b.password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: routingKey, QoS: 0}},
			}); err != nil {
				slog.Error("mqtt subscribe failed", "routing_key", routingKey, "error", err)
			}
		},
		OnConnectError: func(err error) {
			slog.Warn("mqtt connection error", "routing_key", routingKey, "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
		},
	}
	if parsed.Scheme == "mqtts" || parsed.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, &Error{Kind: Fatal, Err: fmt.Errorf("mqtt connect: %w", err)}
	}

	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		var raw map[string]any
		if err := json.Unmarshal(pr.Packet.Payload, &raw); err != nil {
			slog.Warn("mqtt payload not a JSON object", "routing_key", routingKey, "error", err)
			return true, nil
		}
		msg := &Message{Raw: raw}
		if sid, ok := raw["session_id"].(string); ok {
			msg.SessionID = sid
		}
		select {
		case sub.Buf <- msg:
		case <-ctx.Done():
		}
		return true, nil
	})

	sub.CloseFn = func() error {
		var err error
		closeOnce.Do(func() {
			disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err = cm.Disconnect(disconnectCtx)
		})
		return err
	}

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		slog.Warn("mqtt initial connection timed out, will retry in background", "routing_key", routingKey, "error", err)
	}

	return sub, nil
}

func (b *mqttBroker) Consume(ctx context.Context, sub *Subscription) (*Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-sub.Buf:
		return msg, nil
	}
}

func (b *mqttBroker) Close(sub *Subscription) error {
	return sub.CloseFn()
}
