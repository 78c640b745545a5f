// Package webapi implements the two HTTP surfaces of the emulator: the
// platform surface bots call (chat.*, reactions.*, views.*, files.*, ...)
// and the simulator surface the UI and desktop shell call.
package webapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/nextlevelbuilder/slacksim/internal/state"
)

// Error kinds surfaced as {ok:false, error:<kind>}.
const (
	errMissingArgument       = "missing_argument"
	errMissingRequiredField  = "missing_required_field"
	errInvalidAuth           = "invalid_auth"
	errInvalidConfig         = "invalid_config"
	errNoWebsocketConnection = "no_websocket_connection"
	errRegistrationFailed    = "registration_failed"
	errUnknownMethod         = "unknown_method"
	errInvalidJSON           = "invalid_json"
	errInternalError         = "internal_error"
	errRateLimited           = "rate_limited"
)

func applyCORS(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	applyCORS(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Debug("response write failed", "error", err)
	}
}

// writeOK renders the platform success shape, merging extra fields over
// {ok:true}.
func writeOK(w http.ResponseWriter, extra map[string]any) {
	body := make(map[string]any, len(extra)+1)
	for k, v := range extra {
		body[k] = v
	}
	body["ok"] = true
	writeJSON(w, http.StatusOK, body)
}

func writeErr(w http.ResponseWriter, status int, kind string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": kind})
}

// writeStateErr maps a state precondition failure onto the wire taxonomy.
// Platform-style lookup failures keep HTTP 200, matching the upstream API.
func writeStateErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, state.ErrMessageNotFound),
		errors.Is(err, state.ErrNoReaction),
		errors.Is(err, state.ErrChannelExists),
		errors.Is(err, state.ErrChannelNotFound),
		errors.Is(err, state.ErrCannotDeletePreset),
		errors.Is(err, state.ErrViewNotFound),
		errors.Is(err, state.ErrUserNotFound),
		errors.Is(err, state.ErrFileNotFound),
		errors.Is(err, state.ErrExpiredTriggerID):
		writeErr(w, http.StatusOK, err.Error())
	case errors.Is(err, state.ErrInvalidConfig):
		writeErr(w, http.StatusBadRequest, errInvalidConfig)
	case errors.Is(err, state.ErrUploadSizeMismatch):
		writeErr(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("handler failed", "error", err)
		writeErr(w, http.StatusInternalServerError, errInternalError)
	}
}
