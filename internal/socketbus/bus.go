// Package socketbus maintains the set of live bot connections: hello on
// open, heartbeats, envelope dispatch with per-envelope acknowledgment, and
// the claim protocol that binds a registration request to exactly one
// unassociated socket.
package socketbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/slacksim/internal/state"
	"github.com/nextlevelbuilder/slacksim/pkg/protocol"
)

const (
	pingInterval = 30 * time.Second
	pongGrace    = 40 * time.Second
	ackTimeout   = 5 * time.Second
	dispatchWait = 10 * time.Second
)

// AckHandler receives a bot's acknowledgment of one envelope.
type AckHandler func(protocol.Ack)

// Bus owns all bot transport connections.
type Bus struct {
	st   *state.State
	host string

	mu      sync.Mutex // guards conns and the claim set
	conns   map[string]*Conn
	claimed map[string]bool

	ackMu sync.Mutex
	acks  map[ackKey]*pendingAck
}

type ackKey struct {
	connID     string
	envelopeID string
}

type pendingAck struct {
	timer *time.Timer
	done  chan struct{}
	once  sync.Once
	onAck AckHandler
}

func (p *pendingAck) resolve(ack *protocol.Ack) {
	p.once.Do(func() {
		p.timer.Stop()
		if ack != nil && p.onAck != nil {
			p.onAck(*ack)
		}
		close(p.done)
	})
}

func New(st *state.State, host string) *Bus {
	return &Bus{
		st:      st,
		host:    host,
		conns:   make(map[string]*Conn),
		claimed: make(map[string]bool),
		acks:    make(map[ackKey]*pendingAck),
	}
}

// HandleConnection runs a freshly upgraded socket until it dies: hello frame,
// reconnect probe, then the read loop consuming acks. Blocking.
func (b *Bus) HandleConnection(ws *websocket.Conn) {
	conn := newConn(uuid.NewString(), ws, time.Now())

	b.mu.Lock()
	b.conns[conn.ID] = conn
	n := len(b.conns)
	b.mu.Unlock()

	slog.Info("bot connection opened", "connection", conn.ID, "total", n)
	if err := conn.sendJSON(protocol.NewHello(b.host, n)); err != nil {
		slog.Warn("hello send failed", "connection", conn.ID, "error", err)
	}

	// A lone disconnected bot resumes quietly; registration will announce
	// it. Anything else is a brand-new connection.
	if !b.st.TryReconnectBot(conn.ID) {
		b.st.EmitBotConnecting(conn.ID)
	}

	b.readLoop(conn)
	b.teardown(conn)
}

func (b *Bus) readLoop(conn *Conn) {
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		var ack protocol.Ack
		if err := json.Unmarshal(data, &ack); err != nil || ack.EnvelopeID == "" {
			slog.Debug("ignoring non-ack frame", "connection", conn.ID)
			continue
		}
		b.resolveAck(conn.ID, &ack)
	}
}

func (b *Bus) resolveAck(connID string, ack *protocol.Ack) {
	key := ackKey{connID: connID, envelopeID: ack.EnvelopeID}
	b.ackMu.Lock()
	pending, ok := b.acks[key]
	delete(b.acks, key)
	b.ackMu.Unlock()
	if !ok {
		slog.Debug("ack for unknown envelope", "envelope", ack.EnvelopeID)
		return
	}
	pending.resolve(ack)
}

// teardown removes the connection, releases its claim, resolves every
// pending ack so no dispatcher leaks, and demotes the associated bot.
func (b *Bus) teardown(conn *Conn) {
	conn.closeWithReason(websocket.CloseNormalClosure, "")

	b.mu.Lock()
	delete(b.conns, conn.ID)
	delete(b.claimed, conn.ID)
	b.mu.Unlock()

	b.ackMu.Lock()
	for key, pending := range b.acks {
		if key.connID == conn.ID {
			delete(b.acks, key)
			pending.resolve(nil)
		}
	}
	b.ackMu.Unlock()

	if botID, ok := b.st.UnregisterBot(conn.ID); ok {
		slog.Info("bot disconnected", "bot", botID, "connection", conn.ID)
	} else {
		slog.Info("bot connection closed", "connection", conn.ID)
	}
}

// RunHeartbeat pings every live connection on a fixed interval and closes
// any that missed the pong grace window, then demotes orphaned bots. The
// heartbeat is the sole source of truth for connection liveness.
func (b *Bus) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}

func (b *Bus) sweep() {
	now := time.Now()
	b.mu.Lock()
	conns := make([]*Conn, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	active := make(map[string]bool, len(conns))
	for _, c := range conns {
		if now.Sub(c.lastPongTime()) > pongGrace {
			slog.Warn("heartbeat timeout, closing connection", "connection", c.ID)
			c.closeWithReason(websocket.CloseGoingAway, "heartbeat timeout")
			continue
		}
		active[c.ID] = true
		if err := c.ping(); err != nil {
			slog.Debug("ping failed", "connection", c.ID, "error", err)
		}
	}

	for _, botID := range b.st.DemoteOrphanedBots(active) {
		slog.Warn("demoted orphaned bot", "bot", botID)
	}
}

// DisconnectAll closes every connection with the given reason. Used when the
// shell pushes changed settings and bots must restart to pick them up.
func (b *Bus) DisconnectAll(reason string) {
	b.mu.Lock()
	conns := make([]*Conn, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()
	for _, c := range conns {
		c.closeWithReason(websocket.CloseServiceRestart, reason)
	}
}

// NumConnections reports the live connection count.
func (b *Bus) NumConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// GetUnassociatedConnectionID atomically picks the oldest connection that is
// neither associated with a bot nor already claimed, and adds it to the
// claim set. Two concurrent registrations can never win the same socket.
func (b *Bus) GetUnassociatedConnectionID() (string, bool) {
	associated := b.st.AssociatedConnectionIDs()
	b.mu.Lock()
	defer b.mu.Unlock()

	var free []*Conn
	for _, c := range b.conns {
		if !associated[c.ID] && !b.claimed[c.ID] {
			free = append(free, c)
		}
	}
	if len(free) == 0 {
		return "", false
	}
	sort.Slice(free, func(i, j int) bool { return free[i].ConnectedAt.Before(free[j].ConnectedAt) })
	id := free[0].ID
	b.claimed[id] = true
	return id, true
}

// ConfirmConnectionClaim releases the claim after a successful registration.
func (b *Bus) ConfirmConnectionClaim(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.claimed, connID)
}

// ReleaseConnectionClaim frees a claim whose registration failed.
func (b *Bus) ReleaseConnectionClaim(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.claimed, connID)
}

// Dispatch sends one envelope per target bot and waits for the acks, up to
// five seconds per ack inside a ten second overall race. Targeted dispatch
// reaches only targetBotID; otherwise every connected bot receives the
// envelope. Ack timeouts resolve silently: a slow bot is not a dead bot.
// Returns the number of envelopes actually written.
func (b *Bus) Dispatch(ctx context.Context, envType string, payload any, targetBotID string, onAck AckHandler) int {
	var targets []*state.ConnectedBot
	if targetBotID != "" {
		bot, ok := b.st.Bot(targetBotID)
		if !ok || bot.Status != state.BotConnected {
			slog.Warn("dispatch target not connected", "bot", targetBotID, "envelope_type", envType)
			return 0
		}
		targets = []*state.ConnectedBot{bot}
	} else {
		targets = b.st.ConnectedBots()
	}

	var waits []chan struct{}
	sent := 0
	for _, bot := range targets {
		b.mu.Lock()
		conn := b.conns[bot.ConnectionID]
		b.mu.Unlock()
		if conn == nil {
			slog.Warn("connected bot has no live socket", "bot", bot.ID)
			continue
		}

		env := protocol.Envelope{
			EnvelopeID:             uuid.NewString(),
			Type:                   envType,
			Payload:                payload,
			AcceptsResponsePayload: onAck != nil,
		}
		pending := &pendingAck{done: make(chan struct{}), onAck: onAck}
		key := ackKey{connID: conn.ID, envelopeID: env.EnvelopeID}
		pending.timer = time.AfterFunc(ackTimeout, func() {
			b.ackMu.Lock()
			delete(b.acks, key)
			b.ackMu.Unlock()
			slog.Warn("envelope ack timed out", "bot", bot.ID, "envelope", env.EnvelopeID)
			pending.resolve(nil)
		})
		b.ackMu.Lock()
		b.acks[key] = pending
		b.ackMu.Unlock()

		if err := conn.sendJSON(env); err != nil {
			slog.Warn("envelope send failed", "bot", bot.ID, "error", err)
			b.ackMu.Lock()
			delete(b.acks, key)
			b.ackMu.Unlock()
			pending.resolve(nil)
			continue
		}
		sent++
		waits = append(waits, pending.done)
	}

	if len(waits) == 0 {
		return sent
	}

	overall := time.NewTimer(dispatchWait)
	defer overall.Stop()
	for _, done := range waits {
		select {
		case <-done:
		case <-overall.C:
			return sent
		case <-ctx.Done():
			return sent
		}
	}
	return sent
}
