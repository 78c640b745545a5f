package state

import (
	"time"

	"github.com/nextlevelbuilder/slacksim/pkg/protocol"
)

// TriggerContext binds a freshly minted trigger_id to the user and channel
// an interactive action originated from. Contexts expire after 30 seconds
// and are consumed by the view open that answers them.
type TriggerContext struct {
	UserID      string `json:"user_id"`
	ChannelID   string `json:"channel_id"`
	UserName    string `json:"user_name,omitempty"`
	ChannelName string `json:"channel_name,omitempty"`
	created     time.Time
}

// PendingUpload is a slot reserved by files.getUploadURLExternal, filled by
// the upload endpoint and consumed by files.completeUploadExternal. Expires
// after five minutes.
type PendingUpload struct {
	FileID   string
	Filename string
	Length   int
	Data     []byte
	created  time.Time
}

// CreateTrigger mints a trigger_id bound to the given context.
func (s *State) CreateTrigger(userID, channelID, userName, channelName string) string {
	id := newTriggerID()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers[id] = &TriggerContext{
		UserID:      userID,
		ChannelID:   channelID,
		UserName:    userName,
		ChannelName: channelName,
		created:     s.now(),
	}
	return id
}

// ConsumeTrigger returns and removes the context for id. Expired or unknown
// ids fail; a trigger satisfies at most one consumer.
func (s *State) ConsumeTrigger(id string) (*TriggerContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tc, ok := s.triggers[id]
	if !ok {
		return nil, ErrExpiredTriggerID
	}
	delete(s.triggers, id)
	if s.now().Sub(tc.created) > triggerTTL {
		return nil, ErrExpiredTriggerID
	}
	return tc, nil
}

// OpenView consumes the trigger, assigns a fresh view id, stores the view
// and emits view_open.
func (s *State) OpenView(botID, triggerID string, view map[string]any) (*protocol.ViewState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tc, ok := s.triggers[triggerID]
	if !ok {
		return nil, ErrExpiredTriggerID
	}
	delete(s.triggers, triggerID)
	if s.now().Sub(tc.created) > triggerTTL {
		return nil, ErrExpiredTriggerID
	}
	vs := &protocol.ViewState{
		ID:        newViewID(),
		View:      view,
		TriggerID: triggerID,
		UserID:    tc.UserID,
		ChannelID: tc.ChannelID,
		BotID:     botID,
	}
	s.views[vs.ID] = vs
	s.bus.Emit(protocol.NewEvent(protocol.EventViewOpen, toMap(vs)))
	return cloneView(vs), nil
}

// cloneView detaches a view record. The inner document is replaced wholesale
// on update, never edited in place, so the map pointer can be shared.
func cloneView(vs *protocol.ViewState) *protocol.ViewState {
	c := *vs
	return &c
}

// UpdateView replaces the stored view document and emits view_update.
func (s *State) UpdateView(viewID string, view map[string]any) (*protocol.ViewState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vs, ok := s.views[viewID]
	if !ok {
		return nil, ErrViewNotFound
	}
	vs.View = view
	s.bus.Emit(protocol.NewEvent(protocol.EventViewUpdate, toMap(vs)))
	return cloneView(vs), nil
}

// CloseView destroys the view and emits view_close. Closing an unknown view
// is a no-op: an ack may race the UI's explicit close.
func (s *State) CloseView(viewID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.views[viewID]; !ok {
		return
	}
	delete(s.views, viewID)
	s.bus.Emit(protocol.NewEvent(protocol.EventViewClose, map[string]any{"id": viewID}))
}

// View returns a copy of the stored modal state.
func (s *State) View(viewID string) (*protocol.ViewState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vs, ok := s.views[viewID]
	if !ok {
		return nil, false
	}
	return cloneView(vs), true
}

// CreatePendingUpload reserves an upload slot and returns it.
func (s *State) CreatePendingUpload(filename string, length int) *PendingUpload {
	s.mu.Lock()
	defer s.mu.Unlock()
	up := &PendingUpload{
		FileID:   newFileID(),
		Filename: filename,
		Length:   length,
		created:  s.now(),
	}
	s.uploads[up.FileID] = up
	return up
}

// FillPendingUpload stores the uploaded bytes into the slot after checking
// them against the declared length. A rejected fill keeps the slot so the
// client can retry within the TTL.
func (s *State) FillPendingUpload(fileID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	up, ok := s.uploads[fileID]
	if !ok || s.now().Sub(up.created) > uploadTTL {
		delete(s.uploads, fileID)
		return ErrFileNotFound
	}
	if up.Length > 0 && len(data) != up.Length {
		return ErrUploadSizeMismatch
	}
	up.Data = data
	return nil
}

// ConsumePendingUpload removes and returns a filled slot.
func (s *State) ConsumePendingUpload(fileID string) (*PendingUpload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	up, ok := s.uploads[fileID]
	if !ok || s.now().Sub(up.created) > uploadTTL {
		delete(s.uploads, fileID)
		return nil, ErrFileNotFound
	}
	delete(s.uploads, fileID)
	return up, nil
}

// NewFileID mints an F-prefixed id for files created outside the pending
// upload path (multipart uploadV2, embedded view files).
func (s *State) NewFileID() string { return newFileID() }
