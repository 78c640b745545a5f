package state

import (
	"github.com/nextlevelbuilder/slacksim/internal/store"
	"github.com/nextlevelbuilder/slacksim/pkg/protocol"
)

// AddFile validates and writes the binary, then records the metadata. With
// persistence disabled the bytes live in memory for the session. Either both
// the metadata and the blob exist afterwards, or neither does.
func (s *State) AddFile(f *protocol.File, data []byte) error {
	if err := store.ValidateFileID(f.ID); err != nil {
		return ErrFileNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		if err := s.db.SaveFile(f, data, s.scope); err != nil {
			return err
		}
	} else {
		s.blobs[f.ID] = data
	}
	s.files[f.ID] = f
	return nil
}

// File returns a copy of the file metadata for id.
func (s *State) File(id string) (*protocol.File, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[id]
	if !ok {
		return nil, false
	}
	return f.Clone(), true
}

// FileData loads the binary for id, lazily from disk when persisted.
func (s *State) FileData(id string) ([]byte, error) {
	s.mu.RLock()
	_, known := s.files[id]
	blob, inMem := s.blobs[id]
	db := s.db
	s.mu.RUnlock()
	if !known {
		return nil, ErrFileNotFound
	}
	if db == nil {
		if !inMem {
			return nil, ErrFileNotFound
		}
		return blob, nil
	}
	data, err := db.ReadFileData(id)
	if err != nil {
		return nil, ErrFileNotFound
	}
	return data, nil
}

// SetFileExpanded flips the UI expansion flag and re-persists the metadata.
func (s *State) SetFileExpanded(id string, expanded bool) (*protocol.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return nil, ErrFileNotFound
	}
	f.IsExpanded = expanded
	if s.db != nil {
		s.db.SetFileExpanded(id, expanded)
	}
	return f.Clone(), nil
}

// EmitFileShared announces a newly shared file together with its carrier
// message. The carrier was stored silently, so this is the UI's only render
// signal for it.
func (s *State) EmitFileShared(f *protocol.File, carrier *protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload := map[string]any{"file": toMap(f)}
	if carrier != nil {
		payload["message"] = toMap(carrier)
		payload["channel"] = carrier.Channel
		payload["ts"] = carrier.Ts
	}
	s.bus.Emit(protocol.NewEvent(protocol.EventFileShared, payload))
}
