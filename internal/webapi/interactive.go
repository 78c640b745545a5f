package webapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/slacksim/internal/state"
	"github.com/nextlevelbuilder/slacksim/pkg/protocol"
)

// handleUserMessage stores a message sent by the simulated user and pushes it
// to the bots: a broadcast `message` event, plus a targeted `app_mention` for
// every connected bot mentioned by name or id in a non-DM channel. Both
// envelopes carry the same ts.
func (s *Simulator) handleUserMessage(w http.ResponseWriter, r *http.Request) {
	body, err := parseBody(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, errInvalidJSON)
		return
	}
	channel := stringField(body, "channel")
	text := stringField(body, "text")
	if channel == "" || text == "" {
		writeErr(w, http.StatusBadRequest, errMissingRequiredField)
		return
	}
	user := stringField(body, "user")
	if user == "" {
		user = protocol.SimulatedUserID
	}

	m := &protocol.Message{
		Type:     "message",
		Ts:       s.st.NextTS(),
		Channel:  channel,
		User:     user,
		Text:     text,
		ThreadTS: stringField(body, "thread_ts"),
	}
	if blocks, ok := blocksFromAny(body["blocks"]); ok {
		autoAssignBlockIDs(blocks)
		m.Blocks = blocks
	}
	stored := s.st.AddMessage(m)

	sent := s.bus.Dispatch(r.Context(), protocol.EnvelopeEventsAPI,
		s.eventCallback(messageEvent(stored, "message")), "", nil)

	if !strings.HasPrefix(channel, protocol.DMChannelPrefix) {
		for _, bot := range s.mentionedBots(text) {
			s.bus.Dispatch(r.Context(), protocol.EnvelopeEventsAPI,
				s.eventCallback(messageEvent(stored, "app_mention")), bot.ID, nil)
		}
	}

	writeOK(w, map[string]any{"ts": stored.Ts, "message": stored, "dispatched": sent})
}

// mentionedBots returns the connected bots the text addresses, matching the
// UI's @name form and the platform's <@U_id> form.
func (s *Simulator) mentionedBots(text string) []*state.ConnectedBot {
	var out []*state.ConnectedBot
	for _, bot := range s.st.ConnectedBots() {
		switch {
		case bot.Name != "" && strings.Contains(text, "@"+bot.Name),
			strings.Contains(text, "@"+bot.ID),
			strings.Contains(text, "<"+protocol.BotUserPrefix+bot.ID+">"):
			out = append(out, bot)
		}
	}
	return out
}

// eventCallback wraps an inner event in the events-api callback frame.
func (s *Simulator) eventCallback(event map[string]any) map[string]any {
	return map[string]any{
		"token":      "simulator",
		"team_id":    protocol.TeamID,
		"api_app_id": "A_SIMULATOR",
		"type":       "event_callback",
		"event_id":   s.st.NewEventID(),
		"event_time": time.Now().Unix(),
		"event":      event,
	}
}

func messageEvent(m *protocol.Message, eventType string) map[string]any {
	ev := map[string]any{
		"type":    eventType,
		"user":    m.User,
		"text":    m.Text,
		"ts":      m.Ts,
		"channel": m.Channel,
	}
	if m.ThreadTS != "" {
		ev["thread_ts"] = m.ThreadTS
	}
	if strings.HasPrefix(m.Channel, protocol.DMChannelPrefix) {
		ev["channel_type"] = "im"
	} else {
		ev["channel_type"] = "channel"
	}
	return ev
}

// handleSlashCommand builds the slash-command payload with a fresh trigger_id
// and a synthetic response_url, dispatching to the owning bot when the
// command is registered, otherwise to everyone.
func (s *Simulator) handleSlashCommand(w http.ResponseWriter, r *http.Request) {
	body, err := parseBody(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, errInvalidJSON)
		return
	}
	command := stringField(body, "command")
	if command == "" {
		writeErr(w, http.StatusBadRequest, errMissingRequiredField)
		return
	}
	channel := stringField(body, "channel_id")
	if channel == "" {
		channel = stringField(body, "channel")
	}
	userID := stringField(body, "user_id")
	if userID == "" {
		userID = protocol.SimulatedUserID
	}
	userName := stringField(body, "user_name")
	channelName := s.channelName(channel)

	triggerID := s.st.CreateTrigger(userID, channel, userName, channelName)
	payload := map[string]any{
		"token":        "simulator",
		"team_id":      protocol.TeamID,
		"team_domain":  protocol.TeamDomain,
		"channel_id":   channel,
		"channel_name": channelName,
		"user_id":      userID,
		"user_name":    userName,
		"command":      command,
		"text":         stringField(body, "text"),
		"api_app_id":   "A_SIMULATOR",
		"trigger_id":   triggerID,
		"response_url": s.baseURL + "/api/simulator/response-url",
	}

	targetBotID, _ := s.st.BotForCommand(command)
	sent := s.bus.Dispatch(r.Context(), protocol.EnvelopeSlashCommands, payload, targetBotID, nil)
	if sent == 0 {
		writeErr(w, http.StatusServiceUnavailable, errNoWebsocketConnection)
		return
	}
	writeOK(w, map[string]any{"trigger_id": triggerID, "dispatched": sent})
}

func (s *Simulator) channelName(id string) string {
	if c, ok := s.st.Channel(id); ok {
		return c.Name
	}
	return ""
}

// handleShortcut dispatches a global or message shortcut with a fresh
// trigger_id to the owning bot, or broadcast when no app_id is given.
func (s *Simulator) handleShortcut(w http.ResponseWriter, r *http.Request) {
	body, err := parseBody(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, errInvalidJSON)
		return
	}
	callbackID := stringField(body, "callback_id")
	if callbackID == "" {
		writeErr(w, http.StatusBadRequest, errMissingRequiredField)
		return
	}
	userID := stringField(body, "user_id")
	if userID == "" {
		userID = protocol.SimulatedUserID
	}
	channel := stringField(body, "channel_id")
	triggerID := s.st.CreateTrigger(userID, channel, stringField(body, "user_name"), s.channelName(channel))

	shortcutType := stringField(body, "type")
	if shortcutType == "" {
		shortcutType = "shortcut"
	}
	payload := map[string]any{
		"type":        shortcutType,
		"token":       "simulator",
		"callback_id": callbackID,
		"trigger_id":  triggerID,
		"action_ts":   s.st.NextTS(),
		"team":        map[string]any{"id": protocol.TeamID, "domain": protocol.TeamDomain},
		"user":        s.userRef(userID),
	}

	sent := s.bus.Dispatch(r.Context(), protocol.EnvelopeInteractive, payload, stringField(body, "app_id"), nil)
	if sent == 0 {
		writeErr(w, http.StatusServiceUnavailable, errNoWebsocketConnection)
		return
	}
	writeOK(w, map[string]any{"trigger_id": triggerID, "dispatched": sent})
}

func (s *Simulator) userRef(userID string) map[string]any {
	ref := map[string]any{"id": userID, "team_id": protocol.TeamID}
	if u, ok := s.st.User(userID); ok {
		ref["username"] = u.Name
		ref["name"] = u.Name
	}
	return ref
}

// handleViewSubmit rewrites the submitted form values into their canonical
// platform shapes, dispatches view_submission to the owning bot, and leaves
// the view's fate to the bot's ack: update swaps it, errors keeps it open,
// clear or silence closes it.
func (s *Simulator) handleViewSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := parseBody(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, errInvalidJSON)
		return
	}
	viewID := stringField(body, "view_id")
	vs, ok := s.st.View(viewID)
	if !ok {
		writeStateErr(w, state.ErrViewNotFound)
		return
	}

	values := mapField(body, "values")
	if values == nil {
		if st := mapField(body, "state"); st != nil {
			values = mapField(st, "values")
		}
	}
	sink := func(filename, mimetype string, data []byte) (string, error) {
		f := &protocol.File{
			ID:       s.st.NewFileID(),
			Name:     filename,
			Title:    filename,
			Mimetype: mimetype,
			Size:     len(data),
			User:     vs.UserID,
		}
		f.URLPrivate = "/api/simulator/files/" + f.ID
		if err := s.st.AddFile(f, data); err != nil {
			return "", err
		}
		s.st.EmitFileShared(f, nil)
		return f.ID, nil
	}
	canonical := transformViewValues(vs.View, values, sink)

	view := viewWithID(vs)
	view["state"] = map[string]any{"values": canonical}
	payload := map[string]any{
		"type":       "view_submission",
		"token":      "simulator",
		"team":       map[string]any{"id": protocol.TeamID, "domain": protocol.TeamDomain},
		"user":       s.userRef(vs.UserID),
		"api_app_id": "A_SIMULATOR",
		"trigger_id": s.st.CreateTrigger(vs.UserID, vs.ChannelID, "", s.channelName(vs.ChannelID)),
		"view":       view,
	}

	sent := s.bus.Dispatch(r.Context(), protocol.EnvelopeInteractive, payload, vs.BotID,
		s.viewSubmissionAck(viewID))
	if sent == 0 {
		writeErr(w, http.StatusServiceUnavailable, errNoWebsocketConnection)
		return
	}
	writeOK(w, map[string]any{"dispatched": sent})
}

// viewSubmissionAck interprets the bot's response_action for one submission.
func (s *Simulator) viewSubmissionAck(viewID string) func(protocol.Ack) {
	return func(ack protocol.Ack) {
		var resp protocol.AckResponse
		if len(ack.Payload) > 0 {
			if err := json.Unmarshal(ack.Payload, &resp); err != nil {
				slog.Warn("undecodable view_submission ack", "view", viewID, "error", err)
			}
		}
		switch resp.ResponseAction {
		case "update":
			if resp.View != nil {
				if _, err := s.st.UpdateView(viewID, resp.View); err != nil {
					slog.Warn("ack update for missing view", "view", viewID)
				}
				return
			}
			s.st.CloseView(viewID)
		case "errors":
			// Validation failed; the modal stays open.
		default: // "clear" or no payload
			s.st.CloseView(viewID)
		}
	}
}

// handleViewClose tells the owning bot the user dismissed the modal, then
// destroys it.
func (s *Simulator) handleViewClose(w http.ResponseWriter, r *http.Request) {
	body, err := parseBody(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, errInvalidJSON)
		return
	}
	viewID := stringField(body, "view_id")
	vs, ok := s.st.View(viewID)
	if !ok {
		writeStateErr(w, state.ErrViewNotFound)
		return
	}

	payload := map[string]any{
		"type":       "view_closed",
		"token":      "simulator",
		"team":       map[string]any{"id": protocol.TeamID, "domain": protocol.TeamDomain},
		"user":       s.userRef(vs.UserID),
		"api_app_id": "A_SIMULATOR",
		"view":       viewWithID(vs),
		"is_cleared": boolField(body, "is_cleared"),
	}
	s.bus.Dispatch(r.Context(), protocol.EnvelopeInteractive, payload, vs.BotID, nil)
	s.st.CloseView(viewID)
	writeOK(w, nil)
}

// handleBlockAction dispatches a block_actions payload. Modal context needs
// view_id; message context needs message_ts and channel_id. The action
// record's shape follows the element type.
func (s *Simulator) handleBlockAction(w http.ResponseWriter, r *http.Request) {
	body, err := parseBody(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, errInvalidJSON)
		return
	}
	if stringField(body, "action_id") == "" {
		writeErr(w, http.StatusBadRequest, errMissingRequiredField)
		return
	}

	userID := stringField(body, "user_id")
	if userID == "" {
		userID = protocol.SimulatedUserID
	}

	if viewID := stringField(body, "view_id"); viewID != "" {
		s.blockActionInView(w, r, body, viewID, userID)
		return
	}
	s.blockActionOnMessage(w, r, body, userID)
}

func (s *Simulator) blockActionInView(w http.ResponseWriter, r *http.Request, body map[string]any, viewID, userID string) {
	vs, ok := s.st.View(viewID)
	if !ok {
		writeStateErr(w, state.ErrViewNotFound)
		return
	}
	actionTS := s.st.NextTS()
	action := buildActionRecord(body, viewBlocks(vs.View), actionTS)
	triggerID := s.st.CreateTrigger(userID, vs.ChannelID, "", s.channelName(vs.ChannelID))

	payload := map[string]any{
		"type":       "block_actions",
		"token":      "simulator",
		"team":       map[string]any{"id": protocol.TeamID, "domain": protocol.TeamDomain},
		"user":       s.userRef(userID),
		"api_app_id": "A_SIMULATOR",
		"trigger_id": triggerID,
		"container":  map[string]any{"type": "view", "view_id": viewID},
		"view":       viewWithID(vs),
		"actions":    []any{action},
	}
	sent := s.bus.Dispatch(r.Context(), protocol.EnvelopeInteractive, payload, vs.BotID, nil)
	if sent == 0 {
		writeErr(w, http.StatusServiceUnavailable, errNoWebsocketConnection)
		return
	}
	writeOK(w, map[string]any{"trigger_id": triggerID, "dispatched": sent})
}

func (s *Simulator) blockActionOnMessage(w http.ResponseWriter, r *http.Request, body map[string]any, userID string) {
	messageTS := stringField(body, "message_ts")
	channelID := stringField(body, "channel_id")
	if messageTS == "" || channelID == "" {
		writeErr(w, http.StatusBadRequest, errMissingRequiredField)
		return
	}
	m, ok := s.st.GetMessage(channelID, messageTS)
	if !ok {
		writeStateErr(w, state.ErrMessageNotFound)
		return
	}

	actionTS := s.st.NextTS()
	action := buildActionRecord(body, m.Blocks, actionTS)
	triggerID := s.st.CreateTrigger(userID, channelID, "", s.channelName(channelID))

	// The posting bot owns the interaction; U_<botID> is how it signed the
	// message.
	targetBotID := strings.TrimPrefix(m.User, protocol.BotUserPrefix)
	if targetBotID == m.User {
		targetBotID = ""
	}

	payload := map[string]any{
		"type":       "block_actions",
		"token":      "simulator",
		"team":       map[string]any{"id": protocol.TeamID, "domain": protocol.TeamDomain},
		"user":       s.userRef(userID),
		"api_app_id": "A_SIMULATOR",
		"trigger_id": triggerID,
		"container": map[string]any{
			"type":       "message",
			"message_ts": messageTS,
			"channel_id": channelID,
		},
		"channel":      map[string]any{"id": channelID, "name": s.channelName(channelID)},
		"message":      m,
		"actions":      []any{action},
		"response_url": s.baseURL + "/api/simulator/response-url",
	}
	sent := s.bus.Dispatch(r.Context(), protocol.EnvelopeInteractive, payload, targetBotID, nil)
	if sent == 0 {
		writeErr(w, http.StatusServiceUnavailable, errNoWebsocketConnection)
		return
	}
	writeOK(w, map[string]any{"trigger_id": triggerID, "dispatched": sent})
}
