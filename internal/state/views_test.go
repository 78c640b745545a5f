package state

import (
	"testing"
	"time"

	"github.com/nextlevelbuilder/slacksim/pkg/protocol"
)

// advanceClock pins the state's clock and returns a function that moves it.
func advanceClock(s *State) func(d time.Duration) {
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	offset := time.Duration(0)
	s.now = func() time.Time { return base.Add(offset) }
	return func(d time.Duration) { offset += d }
}

func TestConsumeTriggerOnce(t *testing.T) {
	s := newTestState()
	id := s.CreateTrigger("U_ALICE", "C_GENERAL", "alice", "general")

	tc, err := s.ConsumeTrigger(id)
	if err != nil {
		t.Fatal(err)
	}
	if tc.UserID != "U_ALICE" || tc.ChannelID != "C_GENERAL" {
		t.Fatalf("context = %+v", tc)
	}
	if _, err := s.ConsumeTrigger(id); err != ErrExpiredTriggerID {
		t.Fatalf("second consume err = %v, want %v", err, ErrExpiredTriggerID)
	}
}

func TestTriggerExpiry(t *testing.T) {
	s := newTestState()
	advance := advanceClock(s)

	id := s.CreateTrigger("U_ALICE", "C_GENERAL", "", "")
	advance(triggerTTL + time.Second)
	if _, err := s.ConsumeTrigger(id); err != ErrExpiredTriggerID {
		t.Fatalf("expired consume err = %v, want %v", err, ErrExpiredTriggerID)
	}
}

func TestOpenViewConsumesTrigger(t *testing.T) {
	s := newTestState()
	events := recordEvents(s)
	id := s.CreateTrigger("U_ALICE", "C_GENERAL", "", "")

	view := map[string]any{"type": "modal", "blocks": []any{}}
	vs, err := s.OpenView("myBot", id, view)
	if err != nil {
		t.Fatal(err)
	}
	if vs.ID == "" || vs.BotID != "myBot" || vs.UserID != "U_ALICE" {
		t.Fatalf("view state = %+v", vs)
	}
	if len(*events) != 1 || (*events)[0].Type != "view_open" {
		t.Fatalf("events = %v", *events)
	}

	if _, err := s.OpenView("myBot", id, view); err != ErrExpiredTriggerID {
		t.Fatalf("reused trigger err = %v, want %v", err, ErrExpiredTriggerID)
	}
}

func TestUpdateAndCloseView(t *testing.T) {
	s := newTestState()
	id := s.CreateTrigger("U_ALICE", "", "", "")
	vs, err := s.OpenView("myBot", id, map[string]any{"type": "modal"})
	if err != nil {
		t.Fatal(err)
	}
	events := recordEvents(s)

	updated, err := s.UpdateView(vs.ID, map[string]any{"type": "modal", "title": "v2"})
	if err != nil {
		t.Fatal(err)
	}
	if updated.View["title"] != "v2" {
		t.Fatalf("updated view = %v", updated.View)
	}

	s.CloseView(vs.ID)
	if _, ok := s.View(vs.ID); ok {
		t.Fatal("view still present after close")
	}
	// Closing an unknown view is a silent no-op: acks race the UI.
	s.CloseView(vs.ID)

	if len(*events) != 2 {
		t.Fatalf("events = %v, want view_update then view_close", *events)
	}
	if (*events)[0].Type != "view_update" || (*events)[1].Type != "view_close" {
		t.Fatalf("events = %v", *events)
	}

	if _, err := s.UpdateView(vs.ID, nil); err != ErrViewNotFound {
		t.Fatalf("update closed view err = %v, want %v", err, ErrViewNotFound)
	}
}

func TestPendingUploadLifecycle(t *testing.T) {
	s := newTestState()
	up := s.CreatePendingUpload("report.pdf", 3)
	if up.FileID == "" || up.Filename != "report.pdf" {
		t.Fatalf("pending upload = %+v", up)
	}

	if err := s.FillPendingUpload(up.FileID, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	got, err := s.ConsumePendingUpload(up.FileID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Data) != 3 {
		t.Fatalf("consumed data = %v", got.Data)
	}
	if _, err := s.ConsumePendingUpload(up.FileID); err != ErrFileNotFound {
		t.Fatalf("second consume err = %v, want %v", err, ErrFileNotFound)
	}
}

func TestFillPendingUploadRejectsLengthMismatch(t *testing.T) {
	s := newTestState()
	up := s.CreatePendingUpload("report.pdf", 5)

	if err := s.FillPendingUpload(up.FileID, []byte("abc")); err != ErrUploadSizeMismatch {
		t.Fatalf("short fill err = %v, want %v", err, ErrUploadSizeMismatch)
	}
	// The slot survives a rejected fill so the client can retry.
	if err := s.FillPendingUpload(up.FileID, []byte("12345")); err != nil {
		t.Fatal(err)
	}
	got, err := s.ConsumePendingUpload(up.FileID)
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Data) != "12345" {
		t.Fatalf("data = %q", got.Data)
	}
}

func TestPendingUploadExpiry(t *testing.T) {
	s := newTestState()
	advance := advanceClock(s)

	up := s.CreatePendingUpload("old.bin", 1)
	advance(uploadTTL + time.Second)
	if err := s.FillPendingUpload(up.FileID, []byte{0}); err != ErrFileNotFound {
		t.Fatalf("fill expired err = %v, want %v", err, ErrFileNotFound)
	}
}

func TestAddFileWithoutPersistence(t *testing.T) {
	s := newTestState()
	f := &protocol.File{ID: s.NewFileID(), Name: "note.txt", Mimetype: "text/plain", Size: 5}
	if err := s.AddFile(f, []byte("hello")); err != nil {
		t.Fatal(err)
	}

	data, err := s.FileData(f.ID)
	if err != nil || string(data) != "hello" {
		t.Fatalf("FileData = %q, %v", data, err)
	}

	got, err := s.SetFileExpanded(f.ID, true)
	if err != nil || !got.IsExpanded {
		t.Fatalf("SetFileExpanded = %+v, %v", got, err)
	}

	if _, err := s.FileData("F_MISSING"); err != ErrFileNotFound {
		t.Fatalf("missing file err = %v, want %v", err, ErrFileNotFound)
	}
}

func TestAddFileRejectsPathTraversal(t *testing.T) {
	s := newTestState()
	f := &protocol.File{ID: "../evil", Name: "evil"}
	if err := s.AddFile(f, []byte{1}); err != ErrFileNotFound {
		t.Fatalf("traversal id err = %v, want %v", err, ErrFileNotFound)
	}
}
