package state

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/slacksim/pkg/protocol"
)

// BotStatus is the lifecycle of a registered bot.
type BotStatus string

const (
	BotConnecting   BotStatus = "connecting"
	BotConnected    BotStatus = "connected"
	BotDisconnected BotStatus = "disconnected"
)

// ConnectedBot is one entry in the bot registry. Records survive disconnects
// so a returning bot keeps its identity and history.
type ConnectedBot struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	ConnectionID string             `json:"connection_id"`
	AppConfig    protocol.AppConfig `json:"app_config"`
	ConnectedAt  time.Time          `json:"connected_at"`
	Status       BotStatus          `json:"status"`
}

// RegisterBot runs the registration algorithm for a claimed connection:
// reuse a matching dormant record or create a new one, switch the DM
// persistence scope if the owning app changed, merge the bot's slash
// commands and emit bot_connected. The scope switch happens inside the same
// critical section so concurrent readers never observe partial DM state.
func (s *State) RegisterBot(connectionID string, cfg protocol.AppConfig) (*ConnectedBot, error) {
	if cfg.App.ID == "" && cfg.App.Name == "" {
		return nil, ErrInvalidConfig
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	bot := s.findReusableLocked(cfg)
	id := cfg.App.ID
	if bot != nil {
		id = bot.ID
	} else if id == "" {
		id = uuid.NewString()
	}

	// The scope switch runs before the registry mutates: a failed switch must
	// leave no half-registered record bound to the connection.
	if s.db != nil && id != s.scope {
		if err := s.switchScopeLocked(id); err != nil {
			return nil, fmt.Errorf("switch persistence scope: %w", err)
		}
	}

	if bot == nil {
		bot = &ConnectedBot{ID: id}
		s.bots[id] = bot
	}
	bot.Name = cfg.App.Name
	bot.ConnectionID = connectionID
	bot.AppConfig = cfg
	bot.ConnectedAt = s.now()
	bot.Status = BotConnected

	for _, c := range cfg.Commands {
		s.commands[c.Command] = bot.ID
	}
	s.ensureBotUserLocked(bot.ID, bot.Name)
	s.ensureDMChannelLocked(bot.ID, bot.Name)

	slog.Info("bot registered", "bot", bot.ID, "connection", connectionID)
	s.bus.Emit(protocol.NewEvent(protocol.EventBotConnected, toMap(bot)))
	return bot.clone(), nil
}

// findReusableLocked prefers an id match over a name match; only dormant
// records (disconnected or connecting) are eligible.
func (s *State) findReusableLocked(cfg protocol.AppConfig) *ConnectedBot {
	var byName *ConnectedBot
	for _, b := range s.bots {
		if b.Status == BotConnected {
			continue
		}
		if cfg.App.ID != "" && b.ID == cfg.App.ID {
			return b
		}
		if cfg.App.Name != "" && b.Name == cfg.App.Name && byName == nil {
			byName = b
		}
	}
	return byName
}

// switchScopeLocked swaps the in-memory DM messages and DM files for the new
// bot's persisted ones. Loads run first so a failure leaves the current scope
// fully intact. Channel data is untouched.
func (s *State) switchScopeLocked(newScope string) error {
	files, err := s.db.LoadDMFiles(newScope)
	if err != nil {
		return err
	}
	msgs, err := s.db.LoadDMMessages(newScope)
	if err != nil {
		return err
	}

	for ch := range s.messages {
		if strings.HasPrefix(ch, protocol.DMChannelPrefix) {
			delete(s.messages, ch)
		}
	}
	for id, f := range s.files {
		if len(f.Channels) > 0 && strings.HasPrefix(f.Channels[0], protocol.DMChannelPrefix) {
			delete(s.files, id)
		}
	}
	s.scope = newScope

	for _, f := range files {
		s.files[f.ID] = f
	}
	for _, m := range msgs {
		s.attachFile(m)
		s.messages[m.Channel] = append(s.messages[m.Channel], m)
	}
	slog.Debug("persistence scope switched", "scope", newScope, "dm_messages", len(msgs))
	return nil
}

// TryReconnectBot resumes a dormant record when exactly one bot is
// disconnected; the registration that follows finalizes the association.
// With zero or several disconnected bots nothing happens.
func (s *State) TryReconnectBot(connectionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	var only *ConnectedBot
	for _, b := range s.bots {
		if b.Status == BotDisconnected {
			if only != nil {
				return false
			}
			only = b
		}
	}
	if only == nil {
		return false
	}
	only.Status = BotConnecting
	slog.Debug("bot resuming", "bot", only.ID, "connection", connectionID)
	return true
}

// UnregisterBot marks the bot owning connectionID as disconnected, keeping
// its record and history, and emits bot_disconnected.
func (s *State) UnregisterBot(connectionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bots {
		if b.ConnectionID != connectionID || b.Status == BotDisconnected {
			continue
		}
		b.Status = BotDisconnected
		s.bus.Emit(protocol.NewEvent(protocol.EventBotDisconnected, toMap(b)))
		return b.ID, true
	}
	return "", false
}

// EmitBotConnecting announces a fresh, not-yet-registered connection.
func (s *State) EmitBotConnecting(connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bus.Emit(protocol.NewEvent(protocol.EventBotConnecting, map[string]any{
		"connection_id": connectionID,
	}))
}

// DemoteOrphanedBots marks bots connected to a connection id outside the
// active set as disconnected. The heartbeat sweep calls this after closing
// dead sockets.
func (s *State) DemoteOrphanedBots(active map[string]bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var demoted []string
	for _, b := range s.bots {
		if b.Status != BotConnected || active[b.ConnectionID] {
			continue
		}
		b.Status = BotDisconnected
		demoted = append(demoted, b.ID)
		s.bus.Emit(protocol.NewEvent(protocol.EventBotDisconnected, toMap(b)))
	}
	return demoted
}

// clone detaches a registry record for callers outside the lock. AppConfig
// slices are replaced wholesale on registration, never edited in place, so a
// shallow copy suffices.
func (b *ConnectedBot) clone() *ConnectedBot {
	c := *b
	return &c
}

// Bot returns a copy of the registry record for id.
func (s *State) Bot(id string) (*ConnectedBot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bots[id]
	if !ok {
		return nil, false
	}
	return b.clone(), true
}

// Bots snapshots the registry.
func (s *State) Bots() []*ConnectedBot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ConnectedBot, 0, len(s.bots))
	for _, b := range s.bots {
		out = append(out, b.clone())
	}
	return out
}

// ConnectedBots lists only bots with a live association.
func (s *State) ConnectedBots() []*ConnectedBot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ConnectedBot
	for _, b := range s.bots {
		if b.Status == BotConnected {
			out = append(out, b.clone())
		}
	}
	return out
}

// AssociatedConnectionIDs reports every connection currently bound to a
// non-disconnected bot. SocketBus consults this when claiming sockets.
func (s *State) AssociatedConnectionIDs() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool, len(s.bots))
	for _, b := range s.bots {
		if b.Status != BotDisconnected && b.ConnectionID != "" {
			out[b.ConnectionID] = true
		}
	}
	return out
}

// BotForCommand resolves the owner of a registered slash command.
func (s *State) BotForCommand(command string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.commands[command]
	return id, ok
}
