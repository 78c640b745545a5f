package webapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nextlevelbuilder/slacksim/internal/state"
	"github.com/nextlevelbuilder/slacksim/pkg/protocol"
)

// restartReason is sent in the close frame when pushed settings change.
const restartReason = "Settings changed — please restart"

// Simulator serves the /api/simulator surface used by the UI and the
// desktop shell. No token required.
type Simulator struct {
	st      *state.State
	bus     Dispatcher
	logs    *LogBus
	baseURL string
}

func NewSimulator(st *state.State, bus Dispatcher, logs *LogBus, baseURL string) *Simulator {
	return &Simulator{st: st, bus: bus, logs: logs, baseURL: baseURL}
}

// RegisterRoutes binds the simulator surface onto the gateway mux.
func (s *Simulator) RegisterRoutes(mux *http.ServeMux) {
	// Every concrete route below is method-qualified, so browser preflights
	// need their own subtree handler.
	mux.HandleFunc("OPTIONS /api/simulator/", s.handlePreflight)

	mux.HandleFunc("GET /api/simulator/events", s.handleEvents)
	mux.HandleFunc("GET /api/simulator/logs", s.handleLogStream)
	mux.HandleFunc("POST /api/simulator/logs", s.handleLogPush)
	mux.HandleFunc("GET /api/simulator/settings", s.handleGetSettings)
	mux.HandleFunc("POST /api/simulator/settings", s.handleSetSettings)
	mux.HandleFunc("POST /api/simulator/register", s.handleRegister)
	mux.HandleFunc("GET /api/simulator/bots", s.handleListBots)

	mux.HandleFunc("POST /api/simulator/user-message", s.handleUserMessage)
	mux.HandleFunc("GET /api/simulator/messages", s.handleListMessages)
	mux.HandleFunc("POST /api/simulator/messages", s.handleImportMessages)
	mux.HandleFunc("DELETE /api/simulator/messages", s.handleClearMessages)
	mux.HandleFunc("DELETE /api/simulator/messages/{ts}", s.handleDeleteMessage)
	mux.HandleFunc("DELETE /api/simulator/channels/{id}/messages", s.handleClearChannel)

	mux.HandleFunc("GET /api/simulator/channels", s.handleListChannels)
	mux.HandleFunc("POST /api/simulator/channels", s.handleCreateChannel)
	mux.HandleFunc("DELETE /api/simulator/channels/{id}", s.handleDeleteChannel)

	mux.HandleFunc("POST /api/simulator/slash-command", s.handleSlashCommand)
	mux.HandleFunc("POST /api/simulator/shortcut", s.handleShortcut)
	mux.HandleFunc("POST /api/simulator/view-submit", s.handleViewSubmit)
	mux.HandleFunc("POST /api/simulator/view-close", s.handleViewClose)
	mux.HandleFunc("POST /api/simulator/block-action", s.handleBlockAction)
	mux.HandleFunc("POST /api/simulator/response-url", s.handleResponseURL)

	mux.HandleFunc("POST /api/simulator/file-upload/{fileId}", s.handleFileUpload)
	mux.HandleFunc("PUT /api/simulator/file-upload/{fileId}", s.handleFileUpload)
	mux.HandleFunc("GET /api/simulator/files/{fileId}", s.handleGetFile)
	mux.HandleFunc("PATCH /api/simulator/files/{fileId}", s.handlePatchFile)
}

func (s *Simulator) handlePreflight(w http.ResponseWriter, _ *http.Request) {
	applyCORS(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleRegister claims an unassociated transport connection and binds the
// posted app config to it. 503 tells the bot to retry after opening its
// socket; failures release the claim so the socket stays usable.
func (s *Simulator) handleRegister(w http.ResponseWriter, r *http.Request) {
	var cfg protocol.AppConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeErr(w, http.StatusBadRequest, errInvalidJSON)
		return
	}
	if cfg.App.ID == "" && cfg.App.Name == "" {
		writeErr(w, http.StatusBadRequest, errInvalidConfig)
		return
	}

	connID, ok := s.bus.GetUnassociatedConnectionID()
	if !ok {
		writeErr(w, http.StatusServiceUnavailable, errNoWebsocketConnection)
		return
	}
	bot, err := s.st.RegisterBot(connID, cfg)
	if err != nil {
		s.bus.ReleaseConnectionClaim(connID)
		slog.Error("bot registration failed", "connection", connID, "error", err)
		writeErr(w, http.StatusInternalServerError, errRegistrationFailed)
		return
	}
	s.bus.ConfirmConnectionClaim(connID)

	writeOK(w, map[string]any{
		"app_id":   bot.ID,
		"settings": s.st.GetSettingsForBot(bot.ID),
	})
}

func (s *Simulator) handleListBots(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]any{"bots": s.st.Bots()})
}

func (s *Simulator) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	settings := s.st.Settings()
	out := make(map[string]any, len(settings.Global)+1)
	for k, v := range settings.Global {
		out[k] = v
	}
	out["_app_settings"] = settings.PerApp
	writeOK(w, map[string]any{"settings": out})
}

// handleSetSettings stores the pushed settings. Any change after the first
// push bounces every connected bot so they restart with fresh settings.
func (s *Simulator) handleSetSettings(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeErr(w, http.StatusBadRequest, errInvalidJSON)
		return
	}
	settings, err := state.DecodeSettings(raw)
	if err != nil {
		writeErr(w, http.StatusBadRequest, errInvalidJSON)
		return
	}
	if changed := s.st.SetSettings(settings); changed {
		slog.Info("settings changed, disconnecting bots")
		s.bus.DisconnectAll(restartReason)
	}
	writeOK(w, nil)
}

func (s *Simulator) handleListMessages(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]any{"messages": s.st.AllMessages()})
}

// handleImportMessages bulk-loads messages (UI session restore) without
// emitting per-message events. A duplicated ts replaces the stored record.
func (s *Simulator) handleImportMessages(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Messages []*protocol.Message `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, errInvalidJSON)
		return
	}
	imported := s.st.ImportMessages(body.Messages)
	writeOK(w, map[string]any{"imported": imported})
}

func (s *Simulator) handleClearMessages(w http.ResponseWriter, _ *http.Request) {
	s.st.ClearMessages()
	writeOK(w, nil)
}

func (s *Simulator) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	ts := r.PathValue("ts")
	channel, found := s.st.DeleteMessage(ts)
	if !found {
		writeStateErr(w, state.ErrMessageNotFound)
		return
	}
	s.st.EmitMessageDeleted(channel, ts)
	writeOK(w, nil)
}

func (s *Simulator) handleClearChannel(w http.ResponseWriter, r *http.Request) {
	s.st.ClearChannelMessages(r.PathValue("id"))
	writeOK(w, nil)
}

func (s *Simulator) handleListChannels(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]any{"channels": s.st.Channels()})
}

func (s *Simulator) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	body, err := parseBody(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, errInvalidJSON)
		return
	}
	name := strings.TrimSpace(stringField(body, "name"))
	if name == "" {
		writeErr(w, http.StatusBadRequest, errMissingRequiredField)
		return
	}
	c, err := s.st.CreateChannel(name)
	if err != nil {
		writeStateErr(w, err)
		return
	}
	writeOK(w, map[string]any{"channel": c})
}

func (s *Simulator) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	if err := s.st.DeleteChannel(r.PathValue("id")); err != nil {
		writeStateErr(w, err)
		return
	}
	writeOK(w, nil)
}

// handleFileUpload fills a pending upload slot with raw or multipart bytes.
func (s *Simulator) handleFileUpload(w http.ResponseWriter, r *http.Request) {
	fileID := r.PathValue("fileId")
	data, err := readUploadBody(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, errInvalidJSON)
		return
	}
	if err := s.st.FillPendingUpload(fileID, data); err != nil {
		writeStateErr(w, err)
		return
	}
	writeOK(w, nil)
}

func readUploadBody(r *http.Request) ([]byte, error) {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "multipart/form-data") {
		if err := r.ParseMultipartForm(maxBodyBytes); err != nil {
			return nil, err
		}
		for _, headers := range r.MultipartForm.File {
			for _, h := range headers {
				part, err := h.Open()
				if err != nil {
					return nil, err
				}
				defer part.Close()
				return io.ReadAll(io.LimitReader(part, maxBodyBytes))
			}
		}
	}
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}

func (s *Simulator) handleGetFile(w http.ResponseWriter, r *http.Request) {
	fileID := r.PathValue("fileId")
	f, ok := s.st.File(fileID)
	if !ok {
		writeStateErr(w, state.ErrFileNotFound)
		return
	}
	data, err := s.st.FileData(fileID)
	if err != nil {
		writeStateErr(w, err)
		return
	}
	applyCORS(w)
	w.Header().Set("Content-Type", f.Mimetype)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Simulator) handlePatchFile(w http.ResponseWriter, r *http.Request) {
	body, err := parseBody(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, errInvalidJSON)
		return
	}
	f, err := s.st.SetFileExpanded(r.PathValue("fileId"), boolField(body, "isExpanded"))
	if err != nil {
		writeStateErr(w, err)
		return
	}
	writeOK(w, map[string]any{"file": f})
}

// handleResponseURL swallows bot posts to the synthetic response_url handed
// out with slash commands.
func (s *Simulator) handleResponseURL(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, nil)
}
