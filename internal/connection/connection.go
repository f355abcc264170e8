// Package connection implements the per-socket state machine that
// authenticates a client, manages its routing-key subscriptions, and
// tears everything down cleanly on disconnect (spec §4.D).
package connection

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/taigaio/events-gateway/internal/auth"
	"github.com/taigaio/events-gateway/internal/broker"
	"github.com/taigaio/events-gateway/internal/metrics"
	"github.com/taigaio/events-gateway/internal/pump"
	"github.com/taigaio/events-gateway/internal/socket"
)

// State is one of the four states in spec §4.D's table.
type State int

const (
	Unauth State = iota
	Auth
	Terminating
	Terminated
)

func (s State) String() string {
	switch s {
	case Unauth:
		return "unauth"
	case Auth:
		return "auth"
	case Terminating:
		return "terminating"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Command is the client->server wire shape (spec §3, §6).
type Command struct {
	Cmd        string    `json:"cmd"`
	Data       *authData `json:"data,omitempty"`
	RoutingKey string    `json:"routing_key,omitempty"`
}

type authData struct {
	Token     string `json:"token"`
	SessionID string `json:"sessionId"`
}

// MembershipChecker gates a subscribe command on project membership
// (spec §9's open question). A nil MembershipChecker disables the
// check entirely, matching the source's commented-out default.
type MembershipChecker interface {
	Allowed(ctx context.Context, userID int64, routingKey string) (bool, error)
}

// Handler owns one connection's ConnectionState (spec §3): identity,
// the routing_key -> Pump map, and the shared broker adapter. All
// command handling happens on the goroutine that calls Run, giving the
// command-serialization guarantee spec §5 requires without an explicit
// lock: a command only moves on to the next one after its own pump
// creation/teardown has already completed.
type Handler struct {
	sock       socket.Socket
	verifier   *auth.Verifier
	broker     broker.Broker
	membership MembershipChecker
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex // guards state/identity/pumps against concurrent State calls
	state     State
	identity  *auth.Identity
	pumps     map[string]*pump.Pump
}

// New builds a Handler for one accepted socket. b is the broker
// adapter instance this connection's pumps will share; New uses the
// instance it is given and does not create one per connection (the
// server passes the same instance to every Handler). membership may be
// nil.
func New(parent context.Context, sock socket.Socket, verifier *auth.Verifier, b broker.Broker, membership MembershipChecker, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Handler{
		sock:       sock,
		verifier:   verifier,
		broker:     b,
		membership: membership,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		state:      Unauth,
		pumps:      make(map[string]*pump.Pump),
	}
}

// Run reads and dispatches commands until the peer closes the socket,
// the connection is explicitly closed, or an unrecoverable auth error
// occurs. It always returns after tearing down every pump.
func (h *Handler) Run() {
	metrics.ConnectionsActive.Inc()
	metrics.ConnectionsTotal.Inc()
	defer metrics.ConnectionsActive.Dec()
	defer h.terminate()

	for {
		data, err := h.sock.ReadMessage()
		if err != nil {
			h.logger.Debug("connection: socket closed", "remote_addr", h.sock.RemoteAddr(), "error", err)
			return
		}
		if stop := h.dispatch(data); stop {
			return
		}
	}
}

// Close tears the connection down from outside Run's goroutine (e.g.
// server shutdown). Safe to call more than once.
func (h *Handler) Close() {
	h.cancel()
	h.sock.Close()
}

// State reports the current connection state. Exposed for tests and
// observability; callers must not use it to make dispatch decisions
// from another goroutine — only Run's goroutine mutates state.
func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handler) dispatch(raw []byte) (stop bool) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil || cmd.Cmd == "" {
		h.logger.Info("connection: malformed command, ignoring", "remote_addr", h.sock.RemoteAddr(), "error", err)
		return false
	}

	switch cmd.Cmd {
	case "auth":
		return h.handleAuth(cmd)
	case "subscribe":
		h.handleSubscribe(cmd)
		return false
	case "unsubscribe":
		h.handleUnsubscribe(cmd)
		return false
	default:
		h.logger.Warn("connection: unknown command", "cmd", cmd.Cmd, "remote_addr", h.sock.RemoteAddr())
		return false
	}
}

func (h *Handler) handleAuth(cmd Command) (stop bool) {
	h.mu.Lock()
	state := h.state
	h.mu.Unlock()

	if state != Unauth {
		// spec §9: a second auth command is undefined by the source;
		// this implementation rejects it as MalformedCommand rather
		// than silently re-authenticating.
		h.logger.Info("connection: rejecting auth in non-unauth state", "state", state, "remote_addr", h.sock.RemoteAddr())
		return false
	}

	if cmd.Data == nil || cmd.Data.Token == "" {
		h.logger.Info("connection: auth command missing token", "remote_addr", h.sock.RemoteAddr())
		return false
	}

	userID, err := h.verifier.Verify(cmd.Data.Token)
	if err != nil {
		h.logger.Warn("connection: auth failed", "remote_addr", h.sock.RemoteAddr(), "error", err)
		metrics.AuthFailuresTotal.Inc()
		h.sendError(err.Error())
		h.sock.Close()
		return true
	}

	h.mu.Lock()
	h.identity = &auth.Identity{Token: cmd.Data.Token, UserID: userID, SessionID: cmd.Data.SessionID}
	h.state = Auth
	h.mu.Unlock()

	return false
}

func (h *Handler) handleSubscribe(cmd Command) {
	h.mu.Lock()
	if h.state != Auth {
		h.mu.Unlock()
		h.logger.Info("connection: subscribe before auth, ignoring", "remote_addr", h.sock.RemoteAddr())
		return
	}
	if _, exists := h.pumps[cmd.RoutingKey]; exists {
		h.mu.Unlock()
		return // idempotent: already subscribed
	}
	identity := h.identity
	h.mu.Unlock()

	if h.membership != nil {
		allowed, err := h.membership.Allowed(h.ctx, identity.UserID, cmd.RoutingKey)
		if err != nil {
			h.logger.Warn("connection: membership check failed, denying subscribe", "routing_key", cmd.RoutingKey, "error", err)
			return
		}
		if !allowed {
			h.logger.Info("connection: subscribe denied by membership check", "user_id", identity.UserID, "routing_key", cmd.RoutingKey)
			return
		}
	}

	p := pump.New(h.ctx, h.broker, h.sock, cmd.RoutingKey, identity.SessionID, h.logger)

	h.mu.Lock()
	// Re-check under lock: another command dispatched between the
	// unlock above and here can't happen (single dispatcher
	// goroutine), but this keeps pumps consistent if that invariant
	// is ever relaxed.
	if _, exists := h.pumps[cmd.RoutingKey]; exists {
		h.mu.Unlock()
		return
	}
	h.pumps[cmd.RoutingKey] = p
	h.mu.Unlock()

	p.Start()
}

func (h *Handler) handleUnsubscribe(cmd Command) {
	h.mu.Lock()
	p, exists := h.pumps[cmd.RoutingKey]
	if exists {
		delete(h.pumps, cmd.RoutingKey)
	}
	h.mu.Unlock()

	if !exists {
		return // no-op, per spec §4.D
	}
	p.Stop()
}

// terminate stops every pump and marks the connection Terminated. It
// runs once, from Run's deferred call, regardless of why Run returned.
func (h *Handler) terminate() {
	h.mu.Lock()
	h.state = Terminating
	pumps := h.pumps
	h.pumps = make(map[string]*pump.Pump)
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range pumps {
		wg.Add(1)
		go func(p *pump.Pump) {
			defer wg.Done()
			p.Stop()
		}(p)
	}
	wg.Wait()

	h.cancel()
	h.sock.Close()

	h.mu.Lock()
	h.state = Terminated
	h.mu.Unlock()
}

func (h *Handler) sendError(message string) {
	data, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return
	}
	if err := h.sock.Write(data); err != nil {
		h.logger.Debug("connection: failed to deliver error frame", "error", err)
	}
}
