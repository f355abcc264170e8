// Package pump implements the per-(connection, routing_key) task that
// forwards broker events into a client socket (spec §4.C).
package pump

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"runtime"

	"github.com/taigaio/events-gateway/internal/broker"
	"github.com/taigaio/events-gateway/internal/metrics"
	"github.com/taigaio/events-gateway/internal/socket"
)

// Pump consumes one broker Subscription and writes matching events to
// a socket, filtering frames that echo the connecting client's own
// session. One Pump exists per (connection, routing_key).
type Pump struct {
	RoutingKey string

	sessionID string
	b         broker.Broker
	sock      socket.Socket
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Pump bound to routingKey. parent is the connection's
// context; cancelling it (directly, or via the returned Pump's Stop)
// tears the pump down. sessionID is the identity the connection
// authenticated with, used to suppress self-originated events.
func New(parent context.Context, b broker.Broker, sock socket.Socket, routingKey, sessionID string, logger *slog.Logger) *Pump {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Pump{
		RoutingKey: routingKey,
		sessionID:  sessionID,
		b:          b,
		sock:       sock,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Start launches the pump's run loop on its own goroutine. Start must
// be called at most once.
func (p *Pump) Start() {
	go p.run()
}

// Stop requests cooperative termination and blocks until the pump has
// finished cleanup (its broker subscription, if any, is closed).
func (p *Pump) Stop() {
	p.cancel()
	<-p.done
}

func (p *Pump) run() {
	metrics.PumpsActive.Inc()
	defer metrics.PumpsActive.Dec()
	defer close(p.done)

	sub, err := p.b.Subscribe(p.ctx, p.RoutingKey)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.logger.Warn("pump: subscribe failed", "routing_key", p.RoutingKey, "error", err)
			metrics.BrokerErrorsTotal.WithLabelValues("subscribe").Inc()
		}
		return
	}
	defer func() {
		if err := p.b.Close(sub); err != nil {
			p.logger.Warn("pump: broker close failed", "routing_key", p.RoutingKey, "error", err)
		}
	}()

	for {
		msg, err := p.b.Consume(p.ctx, sub)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			p.logger.Error("pump: consume failed", "routing_key", p.RoutingKey, "error", err)
			metrics.BrokerErrorsTotal.WithLabelValues("consume").Inc()
			p.writeErrorFrame(err)
			if cerr := p.sock.Close(); cerr != nil {
				p.logger.Debug("pump: socket close after error also failed", "error", cerr)
			}
			return
		}

		if msg.SessionID != "" && msg.SessionID == p.sessionID {
			metrics.MessagesSuppressedTotal.WithLabelValues(p.RoutingKey).Inc()
			runtime.Gosched()
			continue
		}

		if err := p.write(msg); err != nil {
			p.logger.Debug("pump: write failed, peer likely gone", "routing_key", p.RoutingKey, "error", err)
			return
		}
		metrics.MessagesForwardedTotal.WithLabelValues(p.RoutingKey).Inc()
	}
}

// write serializes msg with its routing_key authoritatively set to the
// key this pump subscribed on (spec §4.C step 2's overwrite rule,
// rationale in spec §4.C): the broker payload's own routing_key field,
// if any, is discarded.
func (p *Pump) write(msg *broker.Message) error {
	out := make(map[string]any, len(msg.Raw)+1)
	for k, v := range msg.Raw {
		out[k] = v
	}
	out["routing_key"] = p.RoutingKey

	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return p.sock.Write(data)
}

func (p *Pump) writeErrorFrame(cause error) {
	data, err := json.Marshal(map[string]string{"error": cause.Error()})
	if err != nil {
		return
	}
	if err := p.sock.Write(data); err != nil {
		p.logger.Debug("pump: failed to deliver error frame", "error", err)
	}
}
