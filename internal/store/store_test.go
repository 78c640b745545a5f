package store

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/slacksim/pkg/protocol"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// flush waits until every previously enqueued write has been applied.
func flush(s *Store) {
	done := make(chan struct{})
	s.enqueue(func(*sql.DB) { close(done) })
	<-done
}

func TestSaveLoadMessageRoundTrip(t *testing.T) {
	s := openTestStore(t)

	m := &protocol.Message{
		Ts:       "100.000001",
		Channel:  "C_GENERAL",
		User:     "U_ALICE",
		Text:     "hello",
		ThreadTS: "99.000000",
		Subtype:  "ephemeral",
		Blocks:   []protocol.Block{{"type": "section", "block_id": "block_0"}},
		Reactions: []protocol.Reaction{
			{Name: "eyes", Users: []string{"U_BOB"}, Count: 1},
		},
	}
	s.SaveMessage(m, "")
	flush(s)

	got, err := s.LoadMessages("")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("loaded %d messages, want 1", len(got))
	}
	l := got[0]
	if l.Ts != m.Ts || l.Channel != m.Channel || l.Text != m.Text || l.ThreadTS != m.ThreadTS {
		t.Fatalf("loaded = %+v", l)
	}
	if l.Subtype != "ephemeral" || len(l.Blocks) != 1 || len(l.Reactions) != 1 {
		t.Fatalf("payload fields lost: %+v", l)
	}
	if l.Reactions[0].Count != 1 || l.Reactions[0].Users[0] != "U_BOB" {
		t.Fatalf("reactions = %+v", l.Reactions)
	}
}

func TestSaveMessageUpsertsByTS(t *testing.T) {
	s := openTestStore(t)

	m := &protocol.Message{Ts: "1.000000", Channel: "C_GENERAL", User: "U_A", Text: "v1"}
	s.SaveMessage(m, "")
	m.Text = "v2"
	s.SaveMessage(m, "")
	flush(s)

	got, err := s.LoadMessages("")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Text != "v2" {
		t.Fatalf("loaded = %+v, want single row with v2", got)
	}
}

func TestDMScoping(t *testing.T) {
	s := openTestStore(t)

	s.SaveMessage(&protocol.Message{Ts: "1.000000", Channel: "C_GENERAL", User: "U_A", Text: "public"}, "botA")
	s.SaveMessage(&protocol.Message{Ts: "2.000000", Channel: "D_botA", User: "U_A", Text: "private A"}, "botA")
	s.SaveMessage(&protocol.Message{Ts: "3.000000", Channel: "D_botB", User: "U_A", Text: "private B"}, "botB")
	flush(s)

	asA, err := s.LoadMessages("botA")
	if err != nil {
		t.Fatal(err)
	}
	if len(asA) != 2 {
		t.Fatalf("scope botA sees %d messages, want channel + own DM", len(asA))
	}
	for _, m := range asA {
		if m.Channel == "D_botB" {
			t.Fatal("scope botA sees botB's DM")
		}
	}

	dmOnly, err := s.LoadDMMessages("botB")
	if err != nil {
		t.Fatal(err)
	}
	if len(dmOnly) != 1 || dmOnly[0].Channel != "D_botB" {
		t.Fatalf("LoadDMMessages(botB) = %+v", dmOnly)
	}
}

func TestDeleteOperations(t *testing.T) {
	s := openTestStore(t)
	s.SaveMessage(&protocol.Message{Ts: "1.000000", Channel: "C_A", User: "u", Text: "a"}, "")
	s.SaveMessage(&protocol.Message{Ts: "2.000000", Channel: "C_A", User: "u", Text: "b"}, "")
	s.SaveMessage(&protocol.Message{Ts: "3.000000", Channel: "C_B", User: "u", Text: "c"}, "")

	s.DeleteMessage("1.000000")
	flush(s)
	got, _ := s.LoadMessages("")
	if len(got) != 2 {
		t.Fatalf("after DeleteMessage: %d rows", len(got))
	}

	s.DeleteChannelMessages("C_A")
	flush(s)
	got, _ = s.LoadMessages("")
	if len(got) != 1 || got[0].Channel != "C_B" {
		t.Fatalf("after DeleteChannelMessages: %+v", got)
	}

	s.DeleteAllMessages()
	flush(s)
	got, _ = s.LoadMessages("")
	if len(got) != 0 {
		t.Fatalf("after DeleteAllMessages: %+v", got)
	}
}

func TestSaveFileWritesBinaryFirst(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	f := &protocol.File{ID: "F_ABC", Name: "pic.png", Title: "pic", Mimetype: "image/png", Size: 3, Channels: []string{"C_GENERAL"}, User: "U_bot"}
	if err := s.SaveFile(f, []byte{1, 2, 3}, ""); err != nil {
		t.Fatal(err)
	}
	// The binary must exist as soon as SaveFile returns, even before the
	// metadata row lands.
	if _, err := os.Stat(filepath.Join(dir, "uploads", "F_ABC")); err != nil {
		t.Fatalf("binary not on disk after SaveFile: %v", err)
	}
	flush(s)

	files, err := s.LoadFiles("")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].ID != "F_ABC" || files[0].Mimetype != "image/png" {
		t.Fatalf("loaded files = %+v", files)
	}
	if files[0].URLPrivate != "/api/simulator/files/F_ABC" {
		t.Fatalf("url_private = %q", files[0].URLPrivate)
	}

	data, err := s.ReadFileData("F_ABC")
	if err != nil || len(data) != 3 {
		t.Fatalf("ReadFileData = %v, %v", data, err)
	}
}

func TestSetFileExpandedPersists(t *testing.T) {
	s := openTestStore(t)
	f := &protocol.File{ID: "F_X", Name: "x"}
	if err := s.SaveFile(f, []byte{0}, ""); err != nil {
		t.Fatal(err)
	}
	s.SetFileExpanded("F_X", true)
	flush(s)

	files, _ := s.LoadFiles("")
	if len(files) != 1 || !files[0].IsExpanded {
		t.Fatalf("files = %+v, want is_expanded", files)
	}
}

func TestMessageFilePlaceholder(t *testing.T) {
	s := openTestStore(t)
	m := &protocol.Message{
		Ts: "1.000000", Channel: "C_GENERAL", User: "u", Text: "",
		Subtype: "file_share",
		File:    &protocol.File{ID: "F_Y", Name: "y", Size: 1},
	}
	s.SaveMessage(m, "")
	flush(s)

	got, _ := s.LoadMessages("")
	if len(got) != 1 || got[0].File == nil || got[0].File.ID != "F_Y" {
		t.Fatalf("loaded = %+v, want bare file placeholder", got)
	}
}

func TestValidateFileID(t *testing.T) {
	tests := []struct {
		id string
		ok bool
	}{
		{"F_ABC123", true},
		{"report.pdf", true},
		{"", false},
		{".", false},
		{"..", false},
		{"../etc/passwd", false},
		{"a/b", false},
	}
	for _, tt := range tests {
		err := ValidateFileID(tt.id)
		if (err == nil) != tt.ok {
			t.Errorf("ValidateFileID(%q) = %v, want ok=%v", tt.id, err, tt.ok)
		}
	}
}
