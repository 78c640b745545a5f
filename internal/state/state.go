// Package state owns the in-memory authoritative model of the simulated
// workspace: users, channels, messages, reactions, files, open views, the
// bot registry and simulator settings. Every externally visible change is
// emitted on the EventBus after the mutation completed and its persistence
// write was enqueued.
//
// All mutations are serialized by one mutex; emissions happen inside the
// critical section so subscribers observe events in mutation order. Event
// subscribers must therefore never call back into State. Read accessors
// return detached copies, safe to encode after the lock is released.
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/slacksim/internal/store"
	"github.com/nextlevelbuilder/slacksim/pkg/protocol"
)

const (
	triggerTTL = 30 * time.Second
	uploadTTL  = 5 * time.Minute
)

// State is the single authoritative model, constructed by the gateway and
// torn down with it.
type State struct {
	mu  sync.RWMutex
	bus *EventBus
	db  *store.Store // nil = persistence disabled
	ts  *tsSource
	now func() time.Time

	users     map[string]*protocol.User
	userOrder []string

	channels     map[string]*protocol.Channel
	channelOrder []string
	presets      map[string]bool

	messages map[string][]*protocol.Message // channel id -> insertion order

	files map[string]*protocol.File
	blobs map[string][]byte // file binaries when persistence is disabled

	bots     map[string]*ConnectedBot
	commands map[string]string // slash command -> owning bot id
	scope    string            // current persistence app scope

	views    map[string]*protocol.ViewState
	triggers map[string]*TriggerContext
	uploads  map[string]*PendingUpload

	settings       *SimulatorSettings
	settingsPushed bool
}

// New builds a State seeded with the given users and channels. db may be nil.
func New(db *store.Store, seedUsers []protocol.User, seedChannels []protocol.Channel) *State {
	s := &State{
		bus:      NewEventBus(),
		db:       db,
		ts:       newTsSource(),
		now:      time.Now,
		users:    make(map[string]*protocol.User),
		channels: make(map[string]*protocol.Channel),
		presets:  make(map[string]bool),
		messages: make(map[string][]*protocol.Message),
		files:    make(map[string]*protocol.File),
		blobs:    make(map[string][]byte),
		bots:     make(map[string]*ConnectedBot),
		commands: make(map[string]string),
		views:    make(map[string]*protocol.ViewState),
		triggers: make(map[string]*TriggerContext),
		uploads:  make(map[string]*PendingUpload),
		settings: NewSimulatorSettings(),
	}

	for i := range seedUsers {
		u := seedUsers[i]
		s.users[u.ID] = &u
		s.userOrder = append(s.userOrder, u.ID)
	}
	if _, ok := s.users[protocol.SimulatedUserID]; !ok {
		sim := &protocol.User{
			ID:       protocol.SimulatedUserID,
			Name:     "you",
			RealName: "Simulated User",
			Profile:  protocol.Profile{DisplayName: "you"},
		}
		s.users[sim.ID] = sim
		s.userOrder = append(s.userOrder, sim.ID)
	}

	for i := range seedChannels {
		c := seedChannels[i]
		s.channels[c.ID] = &c
		s.channelOrder = append(s.channelOrder, c.ID)
		s.presets[c.ID] = true
	}
	return s
}

// Bus exposes the event multiplexer for SSE sinks and tests.
func (s *State) Bus() *EventBus { return s.bus }

// NextTS allocates the next monotonic message timestamp.
func (s *State) NextTS() string { return s.ts.Next() }

// NewEventID allocates a platform-style Ev id for events_api payloads.
func (s *State) NewEventID() string { return newEventID() }

// Hydrate loads persisted state, files before messages so messages can
// re-attach their file metadata. Called once at startup, before any bot
// connects, with the initial empty scope.
func (s *State) Hydrate() error {
	if s.db == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := s.db.LoadFiles(s.scope)
	if err != nil {
		return fmt.Errorf("hydrate files: %w", err)
	}
	for _, f := range files {
		s.files[f.ID] = f
	}

	msgs, err := s.db.LoadMessages(s.scope)
	if err != nil {
		return fmt.Errorf("hydrate messages: %w", err)
	}
	for _, m := range msgs {
		s.attachFile(m)
		s.messages[m.Channel] = append(s.messages[m.Channel], m)
	}
	slog.Info("state hydrated", "files", len(files), "messages", len(msgs))
	return nil
}

// attachFile swaps a bare file-id placeholder for the full metadata record.
func (s *State) attachFile(m *protocol.Message) {
	if m.File == nil {
		return
	}
	if f, ok := s.files[m.File.ID]; ok {
		m.File = f
	}
}

// ---- users ----

func (s *State) User(id string) (*protocol.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	return u, ok
}

func (s *State) Users() []*protocol.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*protocol.User, 0, len(s.userOrder))
	for _, id := range s.userOrder {
		out = append(out, s.users[id])
	}
	return out
}

// EnsureBotUser creates the synthetic U_<botId> identity on first sight of a
// bot token or registration.
func (s *State) EnsureBotUser(botID, name string) *protocol.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureBotUserLocked(botID, name)
}

func (s *State) ensureBotUserLocked(botID, name string) *protocol.User {
	id := protocol.BotUserPrefix + botID
	if u, ok := s.users[id]; ok {
		return u
	}
	if name == "" {
		name = botID
	}
	u := &protocol.User{
		ID:       id,
		Name:     name,
		RealName: name,
		IsBot:    true,
		Profile:  protocol.Profile{DisplayName: name},
	}
	s.users[id] = u
	s.userOrder = append(s.userOrder, id)
	return u
}

// ---- channels ----

func (s *State) Channel(id string) (*protocol.Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.channels[id]
	return c, ok
}

// Channels lists presets in seed order, then user-created channels
// alphabetically, then DMs alphabetically.
func (s *State) Channels() []*protocol.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var presets, created, dms []*protocol.Channel
	for _, id := range s.channelOrder {
		c := s.channels[id]
		switch {
		case s.presets[id]:
			presets = append(presets, c)
		case c.IsIM:
			dms = append(dms, c)
		default:
			created = append(created, c)
		}
	}
	byName := func(cs []*protocol.Channel) {
		sort.Slice(cs, func(i, j int) bool { return cs[i].Name < cs[j].Name })
	}
	byName(created)
	byName(dms)

	out := make([]*protocol.Channel, 0, len(s.channelOrder))
	out = append(out, presets...)
	out = append(out, created...)
	out = append(out, dms...)
	return out
}

// CreateChannel normalizes the name into a C_ id and registers the channel.
func (s *State) CreateChannel(name string) (*protocol.Channel, error) {
	id := protocol.ChannelPrefix + strings.ToUpper(strings.TrimPrefix(name, "#"))
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[id]; ok {
		return nil, ErrChannelExists
	}
	c := &protocol.Channel{
		ID:        id,
		Name:      strings.ToLower(strings.TrimPrefix(name, "#")),
		IsChannel: true,
		IsMember:  true,
	}
	s.channels[id] = c
	s.channelOrder = append(s.channelOrder, id)
	return c, nil
}

// DeleteChannel removes a non-preset channel and its messages.
func (s *State) DeleteChannel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.presets[id] {
		return ErrCannotDeletePreset
	}
	if _, ok := s.channels[id]; !ok {
		return ErrChannelNotFound
	}
	delete(s.channels, id)
	for i, cid := range s.channelOrder {
		if cid == id {
			s.channelOrder = append(s.channelOrder[:i], s.channelOrder[i+1:]...)
			break
		}
	}
	delete(s.messages, id)
	if s.db != nil {
		s.db.DeleteChannelMessages(id)
	}
	return nil
}

func (s *State) ensureDMChannelLocked(botID, botName string) *protocol.Channel {
	id := protocol.DMChannelPrefix + botID
	if c, ok := s.channels[id]; ok {
		return c
	}
	if botName == "" {
		botName = botID
	}
	c := &protocol.Channel{ID: id, Name: botName, IsIM: true, IsMember: true}
	s.channels[id] = c
	s.channelOrder = append(s.channelOrder, id)
	return c
}

// EnsureDMChannel creates the per-bot DM channel D_<botId>.
func (s *State) EnsureDMChannel(botID, botName string) *protocol.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureDMChannelLocked(botID, botName)
}

// ---- messages ----

// AddMessage stores and persists m, then emits a message event. The stored
// record stays owned by State; the returned copy is the caller's to encode.
func (s *State) AddMessage(m *protocol.Message) *protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storeMessageLocked(m)
	s.bus.Emit(protocol.NewEvent(protocol.EventMessage, toMap(m)))
	return m.Clone()
}

// StoreMessageSilently stores and persists without the message emission.
// Used for file-carrier messages where the caller emits file_shared instead,
// so the UI does not render the message twice.
func (s *State) StoreMessageSilently(m *protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storeMessageLocked(m)
}

func (s *State) storeMessageLocked(m *protocol.Message) {
	if m.Type == "" {
		m.Type = "message"
	}
	s.messages[m.Channel] = append(s.messages[m.Channel], m)
	if s.db != nil {
		s.db.SaveMessage(m, s.scope)
	}
}

// ImportMessages bulk-loads messages without emissions, assigning timestamps
// where missing. A message whose ts already exists replaces the stored
// record, mirroring the store's upsert-by-ts.
func (s *State) ImportMessages(msgs []*protocol.Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		if m.Ts == "" {
			m.Ts = s.ts.Next()
		}
		s.removeByTsLocked(m.Ts)
		s.storeMessageLocked(m)
	}
	return len(msgs)
}

func (s *State) removeByTsLocked(ts string) {
	for ch, msgs := range s.messages {
		for i, m := range msgs {
			if m.Ts == ts {
				s.messages[ch] = append(msgs[:i], msgs[i+1:]...)
				return
			}
		}
	}
}

// GetMessage finds a message by channel and ts, returning a detached copy.
func (s *State) GetMessage(channel, ts string) (*protocol.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.findLocked(channel, ts)
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

func (s *State) findLocked(channel, ts string) (*protocol.Message, bool) {
	for _, m := range s.messages[channel] {
		if m.Ts == ts {
			return m, true
		}
	}
	return nil, false
}

// DeleteMessage removes the message with ts from whichever channel holds it
// and persists the deletion. Emission of message_delete is the caller's
// responsibility: not every deletion is user-visible.
func (s *State) DeleteMessage(ts string) (channel string, found bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch, msgs := range s.messages {
		for i, m := range msgs {
			if m.Ts == ts {
				s.messages[ch] = append(msgs[:i], msgs[i+1:]...)
				if s.db != nil {
					s.db.DeleteMessage(ts)
				}
				return ch, true
			}
		}
	}
	return "", false
}

// UpdateMessage replaces text and blocks in place and re-persists. The
// caller emits message_update.
func (s *State) UpdateMessage(channel, ts, text string, blocks []protocol.Block) (*protocol.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.findLocked(channel, ts)
	if !ok {
		return nil, false
	}
	if text != "" || blocks == nil {
		m.Text = text
	}
	if blocks != nil {
		m.Blocks = blocks
	}
	if s.db != nil {
		s.db.SaveMessage(m, s.scope)
	}
	return m.Clone(), true
}

// EmitMessageUpdated announces an in-place edit the caller already applied.
func (s *State) EmitMessageUpdated(m *protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bus.Emit(protocol.NewEvent(protocol.EventMessageUpdate, map[string]any{
		"channel": m.Channel,
		"ts":      m.Ts,
		"message": toMap(m),
	}))
}

// EmitMessageDeleted announces a user-visible deletion. Deletions that are
// mere bookkeeping (scope switches) never emit.
func (s *State) EmitMessageDeleted(channel, ts string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bus.Emit(protocol.NewEvent(protocol.EventMessageDelete, map[string]any{
		"channel": channel,
		"ts":      ts,
	}))
}

// History returns detached copies of the trailing limit messages of a channel.
func (s *State) History(channel string, limit int) []*protocol.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[channel]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*protocol.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// Replies returns the thread root plus its replies, in order.
func (s *State) Replies(channel, threadTS string) []*protocol.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*protocol.Message
	for _, m := range s.messages[channel] {
		if m.Ts == threadTS || m.ThreadTS == threadTS {
			out = append(out, m.Clone())
		}
	}
	return out
}

// AllMessages snapshots every channel's messages, channel order unspecified.
func (s *State) AllMessages() []*protocol.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*protocol.Message
	for _, msgs := range s.messages {
		for _, m := range msgs {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ts < out[j].Ts })
	return out
}

// ClearMessages drops every message, in memory and on disk.
func (s *State) ClearMessages() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = make(map[string][]*protocol.Message)
	if s.db != nil {
		s.db.DeleteAllMessages()
	}
}

// ClearChannelMessages drops one channel's messages.
func (s *State) ClearChannelMessages(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, channel)
	if s.db != nil {
		s.db.DeleteChannelMessages(channel)
	}
}

// ---- reactions ----

// AddReaction adds user under the named reaction, keeping count == len(users)
// and users duplicate-free. Adding twice is a no-op. Emits reaction_added.
func (s *State) AddReaction(channel, ts, name, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.findLocked(channel, ts)
	if !ok {
		return ErrMessageNotFound
	}
	for i := range m.Reactions {
		r := &m.Reactions[i]
		if r.Name != name {
			continue
		}
		for _, u := range r.Users {
			if u == user {
				return nil // already reacted
			}
		}
		r.Users = append(r.Users, user)
		r.Count = len(r.Users)
		s.persistAndEmitReaction(m, protocol.EventReactionAdded, name, user)
		return nil
	}
	m.Reactions = append(m.Reactions, protocol.Reaction{Name: name, Users: []string{user}, Count: 1})
	s.persistAndEmitReaction(m, protocol.EventReactionAdded, name, user)
	return nil
}

// RemoveReaction removes user from the named reaction, dropping the entry
// once empty. Emits reaction_removed.
func (s *State) RemoveReaction(channel, ts, name, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.findLocked(channel, ts)
	if !ok {
		return ErrMessageNotFound
	}
	for i := range m.Reactions {
		r := &m.Reactions[i]
		if r.Name != name {
			continue
		}
		for j, u := range r.Users {
			if u != user {
				continue
			}
			r.Users = append(r.Users[:j], r.Users[j+1:]...)
			r.Count = len(r.Users)
			if r.Count == 0 {
				m.Reactions = append(m.Reactions[:i], m.Reactions[i+1:]...)
			}
			s.persistAndEmitReaction(m, protocol.EventReactionRemoved, name, user)
			return nil
		}
		return ErrNoReaction
	}
	return ErrNoReaction
}

func (s *State) persistAndEmitReaction(m *protocol.Message, event, name, user string) {
	if s.db != nil {
		s.db.SaveMessage(m, s.scope)
	}
	s.bus.Emit(protocol.NewEvent(event, map[string]any{
		"channel":  m.Channel,
		"ts":       m.Ts,
		"reaction": name,
		"user":     user,
	}))
}

// toMap flattens a wire struct into the loose payload shape the event stream
// carries.
func toMap(v any) map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		slog.Error("event payload encode failed", "error", err)
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return map[string]any{}
	}
	return m
}
