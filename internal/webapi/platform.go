package webapi

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/slacksim/internal/state"
	"github.com/nextlevelbuilder/slacksim/pkg/protocol"
)

// Platform serves the platform-compatible Web API surface: /api/<method> and
// the root-level dotted compatibility shims.
type Platform struct {
	st      *state.State
	bus     Dispatcher
	baseURL string
	wsURL   string
	limiter *RateLimiter

	methods map[string]platformFunc
}

type platformFunc func(w http.ResponseWriter, r *http.Request, body map[string]any, botID string)

// noAuthMethods may be called without a bearer token.
var noAuthMethods = map[string]bool{
	"auth.test":             true,
	"apps.connections.open": true,
}

func NewPlatform(st *state.State, bus Dispatcher, baseURL, wsURL string, limiter *RateLimiter) *Platform {
	p := &Platform{st: st, bus: bus, baseURL: baseURL, wsURL: wsURL, limiter: limiter}
	p.methods = map[string]platformFunc{
		"auth.test":                    p.authTest,
		"chat.postMessage":             p.chatPostMessage,
		"chat.postEphemeral":           p.chatPostEphemeral,
		"chat.update":                  p.chatUpdate,
		"chat.delete":                  p.chatDelete,
		"reactions.add":                p.reactionsAdd,
		"reactions.remove":             p.reactionsRemove,
		"conversations.history":        p.conversationsHistory,
		"conversations.replies":        p.conversationsReplies,
		"conversations.list":           p.conversationsList,
		"users.info":                   p.usersInfo,
		"users.list":                   p.usersList,
		"apps.connections.open":        p.appsConnectionsOpen,
		"views.open":                   p.viewsOpen,
		"views.update":                 p.viewsUpdate,
		"views.push":                   p.viewsPush,
		"files.uploadV2":               p.filesUploadV2,
		"files.getUploadURLExternal":   p.filesGetUploadURLExternal,
		"files.completeUploadExternal": p.filesCompleteUploadExternal,
		"files.info":                   p.filesInfo,
	}
	return p
}

// HandleMethod resolves a platform method name to its handler, enforcing the
// token-prefix check on everything outside the allow-list.
func (p *Platform) HandleMethod(w http.ResponseWriter, r *http.Request, method string) {
	if r.Method == http.MethodOptions {
		applyCORS(w)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	fn, ok := p.methods[method]
	if !ok {
		writeErr(w, http.StatusNotFound, errUnknownMethod)
		return
	}

	// files.uploadV2 is multipart; its handler reads the request directly.
	var body map[string]any
	if method != "files.uploadV2" {
		var err error
		body, err = parseBody(r)
		if err != nil {
			writeErr(w, http.StatusBadRequest, errInvalidJSON)
			return
		}
	}

	token := extractToken(r, body)
	botID, tokenOK := botIDFromToken(token)
	if !noAuthMethods[method] && !tokenOK {
		writeErr(w, http.StatusOK, errInvalidAuth)
		return
	}
	if !p.limiter.Allow(token) {
		writeErr(w, http.StatusTooManyRequests, errRateLimited)
		return
	}
	if tokenOK {
		p.st.EnsureBotUser(botID, "")
	}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("platform handler panicked", "method", method, "panic", rec)
			writeErr(w, http.StatusInternalServerError, errInternalError)
		}
	}()
	fn(w, r, body, botID)
}

func (p *Platform) authTest(w http.ResponseWriter, _ *http.Request, _ map[string]any, botID string) {
	if botID == "" {
		botID = "unknown"
	}
	writeOK(w, map[string]any{
		"url":     p.baseURL + "/",
		"team":    protocol.TeamDomain,
		"team_id": protocol.TeamID,
		"user":    botID,
		"user_id": protocol.BotUserPrefix + botID,
		"bot_id":  "B_" + botID,
	})
}

func (p *Platform) chatPostMessage(w http.ResponseWriter, r *http.Request, body map[string]any, botID string) {
	p.postMessage(w, r, body, botID, stringField(body, "subtype"))
}

func (p *Platform) chatPostEphemeral(w http.ResponseWriter, r *http.Request, body map[string]any, botID string) {
	p.postMessage(w, r, body, botID, protocol.EphemeralSubtype)
}

func (p *Platform) postMessage(w http.ResponseWriter, _ *http.Request, body map[string]any, botID, subtype string) {
	channel := stringField(body, "channel")
	text := stringField(body, "text")
	blocks, hasBlocks := blocksFromAny(body["blocks"])
	if channel == "" {
		writeErr(w, http.StatusOK, errMissingArgument)
		return
	}
	if text == "" && !hasBlocks {
		writeErr(w, http.StatusOK, errMissingArgument)
		return
	}
	if hasBlocks {
		autoAssignBlockIDs(blocks)
	}

	m := &protocol.Message{
		Type:     "message",
		Ts:       p.st.NextTS(),
		Channel:  channel,
		User:     protocol.BotUserPrefix + botID,
		Text:     text,
		ThreadTS: stringField(body, "thread_ts"),
		Subtype:  subtype,
		Blocks:   blocks,
	}
	stored := p.st.AddMessage(m)
	writeOK(w, map[string]any{
		"channel": channel,
		"ts":      stored.Ts,
		"message": stored,
	})
}

func (p *Platform) chatUpdate(w http.ResponseWriter, _ *http.Request, body map[string]any, _ string) {
	channel := stringField(body, "channel")
	ts := stringField(body, "ts")
	if channel == "" || ts == "" {
		writeErr(w, http.StatusOK, errMissingArgument)
		return
	}
	blocks, hasBlocks := blocksFromAny(body["blocks"])
	if hasBlocks {
		autoAssignBlockIDs(blocks)
	} else {
		blocks = nil
	}
	m, ok := p.st.UpdateMessage(channel, ts, stringField(body, "text"), blocks)
	if !ok {
		writeStateErr(w, state.ErrMessageNotFound)
		return
	}
	p.st.EmitMessageUpdated(m)
	writeOK(w, map[string]any{"channel": channel, "ts": ts, "message": m})
}

func (p *Platform) chatDelete(w http.ResponseWriter, _ *http.Request, body map[string]any, _ string) {
	channel := stringField(body, "channel")
	ts := stringField(body, "ts")
	if channel == "" || ts == "" {
		writeErr(w, http.StatusOK, errMissingArgument)
		return
	}
	if _, found := p.st.DeleteMessage(ts); !found {
		writeStateErr(w, state.ErrMessageNotFound)
		return
	}
	p.st.EmitMessageDeleted(channel, ts)
	writeOK(w, map[string]any{"channel": channel, "ts": ts})
}

func (p *Platform) reactionsAdd(w http.ResponseWriter, _ *http.Request, body map[string]any, botID string) {
	channel, ts, name := reactionArgs(body)
	if channel == "" || ts == "" || name == "" {
		writeErr(w, http.StatusOK, errMissingArgument)
		return
	}
	if err := p.st.AddReaction(channel, ts, name, protocol.BotUserPrefix+botID); err != nil {
		writeStateErr(w, err)
		return
	}
	writeOK(w, nil)
}

func (p *Platform) reactionsRemove(w http.ResponseWriter, _ *http.Request, body map[string]any, botID string) {
	channel, ts, name := reactionArgs(body)
	if channel == "" || ts == "" || name == "" {
		writeErr(w, http.StatusOK, errMissingArgument)
		return
	}
	if err := p.st.RemoveReaction(channel, ts, name, protocol.BotUserPrefix+botID); err != nil {
		writeStateErr(w, err)
		return
	}
	writeOK(w, nil)
}

func reactionArgs(body map[string]any) (channel, ts, name string) {
	return stringField(body, "channel"), stringField(body, "timestamp"), stringField(body, "name")
}

func (p *Platform) conversationsHistory(w http.ResponseWriter, _ *http.Request, body map[string]any, _ string) {
	channel := stringField(body, "channel")
	if channel == "" {
		writeErr(w, http.StatusOK, errMissingArgument)
		return
	}
	limit := intField(body, "limit", 100)
	writeOK(w, map[string]any{
		"messages": p.st.History(channel, limit),
		"has_more": false,
	})
}

func (p *Platform) conversationsReplies(w http.ResponseWriter, _ *http.Request, body map[string]any, _ string) {
	channel := stringField(body, "channel")
	ts := stringField(body, "ts")
	if channel == "" || ts == "" {
		writeErr(w, http.StatusOK, errMissingArgument)
		return
	}
	writeOK(w, map[string]any{
		"messages": p.st.Replies(channel, ts),
		"has_more": false,
	})
}

func (p *Platform) conversationsList(w http.ResponseWriter, _ *http.Request, _ map[string]any, _ string) {
	writeOK(w, map[string]any{"channels": p.st.Channels()})
}

func (p *Platform) usersInfo(w http.ResponseWriter, _ *http.Request, body map[string]any, _ string) {
	id := stringField(body, "user")
	if id == "" {
		writeErr(w, http.StatusOK, errMissingArgument)
		return
	}
	u, ok := p.st.User(id)
	if !ok {
		writeStateErr(w, state.ErrUserNotFound)
		return
	}
	writeOK(w, map[string]any{"user": u})
}

func (p *Platform) usersList(w http.ResponseWriter, _ *http.Request, _ map[string]any, _ string) {
	writeOK(w, map[string]any{"members": p.st.Users()})
}

func (p *Platform) appsConnectionsOpen(w http.ResponseWriter, _ *http.Request, _ map[string]any, _ string) {
	writeOK(w, map[string]any{
		"url": fmt.Sprintf("%s?ticket=%s", p.wsURL, uuid.NewString()),
	})
}

func (p *Platform) viewsOpen(w http.ResponseWriter, _ *http.Request, body map[string]any, botID string) {
	triggerID := stringField(body, "trigger_id")
	view := mapField(body, "view")
	if triggerID == "" || view == nil {
		writeErr(w, http.StatusOK, errMissingArgument)
		return
	}
	vs, err := p.st.OpenView(botID, triggerID, view)
	if err != nil {
		writeStateErr(w, err)
		return
	}
	writeOK(w, map[string]any{"view": viewWithID(vs)})
}

func (p *Platform) viewsUpdate(w http.ResponseWriter, _ *http.Request, body map[string]any, _ string) {
	p.updateView(w, body)
}

// views.push shares update semantics in the simulator: there is one modal
// surface, no stack.
func (p *Platform) viewsPush(w http.ResponseWriter, _ *http.Request, body map[string]any, _ string) {
	p.updateView(w, body)
}

func (p *Platform) updateView(w http.ResponseWriter, body map[string]any) {
	viewID := stringField(body, "view_id")
	view := mapField(body, "view")
	if viewID == "" || view == nil {
		writeErr(w, http.StatusOK, errMissingArgument)
		return
	}
	vs, err := p.st.UpdateView(viewID, view)
	if err != nil {
		writeStateErr(w, err)
		return
	}
	writeOK(w, map[string]any{"view": viewWithID(vs)})
}

// viewWithID renders a stored view as the platform does: the bot-supplied
// document plus the assigned server id.
func viewWithID(vs *protocol.ViewState) map[string]any {
	out := make(map[string]any, len(vs.View)+1)
	for k, v := range vs.View {
		out[k] = v
	}
	out["id"] = vs.ID
	return out
}
