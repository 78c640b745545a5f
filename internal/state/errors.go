package state

import "errors"

// Precondition failures surfaced to API callers. The webapi layer maps each
// to its {ok:false, error:<kind>} response.
var (
	ErrMessageNotFound    = errors.New("message_not_found")
	ErrNoReaction         = errors.New("no_reaction")
	ErrChannelExists      = errors.New("channel_exists")
	ErrChannelNotFound    = errors.New("channel_not_found")
	ErrCannotDeletePreset = errors.New("cannot_delete_preset")
	ErrViewNotFound       = errors.New("view_not_found")
	ErrUserNotFound       = errors.New("user_not_found")
	ErrFileNotFound       = errors.New("file_not_found")
	ErrExpiredTriggerID   = errors.New("expired_trigger_id")
	ErrInvalidConfig      = errors.New("invalid_config")
	ErrUploadSizeMismatch = errors.New("upload_size_mismatch")
)
