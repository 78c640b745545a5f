// Package store persists messages and files to a single SQLite database with
// a co-located directory for file binaries. All mutations funnel through one
// writer goroutine so on-disk order matches in-memory order; write errors are
// logged and swallowed because the in-memory state stays authoritative for
// the running session.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/slacksim/pkg/protocol"
)

const (
	dbFileName = "simulator.sqlite"
	uploadsDir = "uploads"

	writeQueueSize = 256
)

// Store owns the SQLite handle and the uploads directory.
type Store struct {
	db         *sql.DB
	dataDir    string
	uploadPath string

	writes chan func(*sql.DB)
	wg     sync.WaitGroup
	once   sync.Once
}

// Open prepares the data directory, opens the database in WAL mode, applies
// migrations and starts the writer goroutine.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	uploads := filepath.Join(dataDir, uploadsDir)
	if err := os.MkdirAll(uploads, 0o755); err != nil {
		return nil, fmt.Errorf("create uploads dir: %w", err)
	}

	dsn := filepath.Join(dataDir, dbFileName) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer by design; keep the pool from opening competing write conns.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s := &Store{
		db:         db,
		dataDir:    dataDir,
		uploadPath: uploads,
		writes:     make(chan func(*sql.DB), writeQueueSize),
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s, nil
}

// Close drains pending writes and closes the database.
func (s *Store) Close() error {
	s.once.Do(func() { close(s.writes) })
	s.wg.Wait()
	return s.db.Close()
}

func (s *Store) writeLoop() {
	defer s.wg.Done()
	for fn := range s.writes {
		fn(s.db)
	}
}

// enqueue hands a mutation to the writer goroutine. If the queue is full the
// caller blocks; mutation order is preserved either way.
func (s *Store) enqueue(fn func(*sql.DB)) {
	defer func() {
		// Writes racing Close are dropped, matching the swallow policy.
		_ = recover()
	}()
	s.writes <- fn
}

// appScopeFor implements the DM ownership rule: rows for DM channels are
// tagged with the owning bot, channel rows stay global.
func appScopeFor(channel, scope string) any {
	if strings.HasPrefix(channel, protocol.DMChannelPrefix) && scope != "" {
		return scope
	}
	return nil
}

// SaveMessage inserts or replaces the row for m.Ts. scope is the current
// persistence scope (the registered bot's app id).
func (s *Store) SaveMessage(m *protocol.Message, scope string) {
	row := messageRow(m, scope)
	s.enqueue(func(db *sql.DB) {
		_, err := db.Exec(`
			INSERT INTO simulator_messages (ts, channel, user, text, thread_ts, reactions, file_id, app_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(ts) DO UPDATE SET
				channel = excluded.channel,
				user = excluded.user,
				text = excluded.text,
				thread_ts = excluded.thread_ts,
				reactions = excluded.reactions,
				file_id = excluded.file_id,
				app_id = excluded.app_id`,
			row.ts, row.channel, row.user, row.text, row.threadTS, row.reactions, row.fileID, row.appID)
		if err != nil {
			slog.Error("persist message failed", "ts", row.ts, "error", err)
		}
	})
}

// DeleteMessage removes the row for ts.
func (s *Store) DeleteMessage(ts string) {
	s.enqueue(func(db *sql.DB) {
		if _, err := db.Exec(`DELETE FROM simulator_messages WHERE ts = ?`, ts); err != nil {
			slog.Error("delete message failed", "ts", ts, "error", err)
		}
	})
}

// DeleteAllMessages clears the message table.
func (s *Store) DeleteAllMessages() {
	s.enqueue(func(db *sql.DB) {
		if _, err := db.Exec(`DELETE FROM simulator_messages`); err != nil {
			slog.Error("clear messages failed", "error", err)
		}
	})
}

// DeleteChannelMessages clears one channel.
func (s *Store) DeleteChannelMessages(channel string) {
	s.enqueue(func(db *sql.DB) {
		if _, err := db.Exec(`DELETE FROM simulator_messages WHERE channel = ?`, channel); err != nil {
			slog.Error("clear channel failed", "channel", channel, "error", err)
		}
	})
}

// LoadMessages returns every visible message for the given scope: all channel
// messages plus the DMs owned by that scope, in insertion order.
func (s *Store) LoadMessages(scope string) ([]*protocol.Message, error) {
	rows, err := s.db.Query(`
		SELECT ts, channel, user, text, thread_ts, reactions, file_id
		FROM simulator_messages
		WHERE substr(channel, 1, 2) <> 'D_' OR app_id = ?
		ORDER BY id`, scope)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// LoadDMMessages returns only the DM messages owned by scope. Used when the
// persistence scope switches to a different bot.
func (s *Store) LoadDMMessages(scope string) ([]*protocol.Message, error) {
	rows, err := s.db.Query(`
		SELECT ts, channel, user, text, thread_ts, reactions, file_id
		FROM simulator_messages
		WHERE substr(channel, 1, 2) = 'D_' AND app_id = ?
		ORDER BY id`, scope)
	if err != nil {
		return nil, fmt.Errorf("load dm messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// SaveFile validates and writes the binary first; the metadata row is only
// enqueued once the bytes are safely on disk.
func (s *Store) SaveFile(f *protocol.File, data []byte, scope string) error {
	if err := s.WriteFileData(f.ID, data); err != nil {
		return err
	}
	s.SaveFileMeta(f, scope)
	return nil
}

// SaveFileMeta persists file metadata without touching the binary.
func (s *Store) SaveFileMeta(f *protocol.File, scope string) {
	channel := ""
	if len(f.Channels) > 0 {
		channel = f.Channels[0]
	}
	appID := appScopeFor(channel, scope)
	cp := *f
	s.enqueue(func(db *sql.DB) {
		_, err := db.Exec(`
			INSERT INTO simulator_files (id, name, title, mimetype, size, channel, user, app_id, is_expanded)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				title = excluded.title,
				mimetype = excluded.mimetype,
				size = excluded.size,
				channel = excluded.channel,
				user = excluded.user,
				app_id = excluded.app_id,
				is_expanded = excluded.is_expanded`,
			cp.ID, cp.Name, cp.Title, cp.Mimetype, cp.Size, channel, cp.User, appID, cp.IsExpanded)
		if err != nil {
			slog.Error("persist file failed", "id", cp.ID, "error", err)
		}
	})
}

// LoadFiles returns all file metadata visible to scope.
func (s *Store) LoadFiles(scope string) ([]*protocol.File, error) {
	rows, err := s.db.Query(`
		SELECT id, name, title, mimetype, size, channel, user, is_expanded
		FROM simulator_files
		WHERE channel IS NULL OR substr(channel, 1, 2) <> 'D_' OR app_id = ?
		ORDER BY created_at`, scope)
	if err != nil {
		return nil, fmt.Errorf("load files: %w", err)
	}
	defer rows.Close()
	return scanFiles(rows)
}

// LoadDMFiles returns only DM-scoped file metadata for scope.
func (s *Store) LoadDMFiles(scope string) ([]*protocol.File, error) {
	rows, err := s.db.Query(`
		SELECT id, name, title, mimetype, size, channel, user, is_expanded
		FROM simulator_files
		WHERE channel IS NOT NULL AND substr(channel, 1, 2) = 'D_' AND app_id = ?
		ORDER BY created_at`, scope)
	if err != nil {
		return nil, fmt.Errorf("load dm files: %w", err)
	}
	defer rows.Close()
	return scanFiles(rows)
}

// SetFileExpanded flips the UI expansion flag for a file.
func (s *Store) SetFileExpanded(id string, expanded bool) {
	s.enqueue(func(db *sql.DB) {
		if _, err := db.Exec(`UPDATE simulator_files SET is_expanded = ? WHERE id = ?`, expanded, id); err != nil {
			slog.Error("update file flag failed", "id", id, "error", err)
		}
	})
}

// WriteFileData stores a binary under uploads/<id>. The id must be a bare
// path segment; anything else is rejected to block traversal.
func (s *Store) WriteFileData(id string, data []byte) error {
	if err := ValidateFileID(id); err != nil {
		return err
	}
	path := filepath.Join(s.uploadPath, id)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write file binary: %w", err)
	}
	return nil
}

// ReadFileData loads a binary lazily by id.
func (s *Store) ReadFileData(id string) ([]byte, error) {
	if err := ValidateFileID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.uploadPath, id))
	if err != nil {
		return nil, fmt.Errorf("read file binary: %w", err)
	}
	return data, nil
}

// ValidateFileID accepts only ids that are their own basename.
func ValidateFileID(id string) error {
	if id == "" || id == "." || id == ".." || filepath.Base(id) != id {
		return fmt.Errorf("invalid file id %q", id)
	}
	return nil
}

type msgRow struct {
	ts, channel, user, text string
	threadTS                any
	reactions               string
	fileID                  any
	appID                   any
}

func messageRow(m *protocol.Message, scope string) msgRow {
	row := msgRow{
		ts:      m.Ts,
		channel: m.Channel,
		user:    m.User,
		text:    m.Text,
		appID:   appScopeFor(m.Channel, scope),
	}
	if m.ThreadTS != "" {
		row.threadTS = m.ThreadTS
	}
	if m.File != nil {
		row.fileID = m.File.ID
	}
	blob, err := json.Marshal(messagePayload{
		Subtype:   m.Subtype,
		Blocks:    m.Blocks,
		Reactions: m.Reactions,
	})
	if err != nil {
		slog.Error("encode message payload failed", "ts", m.Ts, "error", err)
		blob = []byte("{}")
	}
	row.reactions = string(blob)
	return row
}

// messagePayload carries the JSON-shaped parts of a message in one column.
type messagePayload struct {
	Subtype   string              `json:"subtype,omitempty"`
	Blocks    []protocol.Block    `json:"blocks,omitempty"`
	Reactions []protocol.Reaction `json:"reactions,omitempty"`
}

func scanMessages(rows *sql.Rows) ([]*protocol.Message, error) {
	var out []*protocol.Message
	for rows.Next() {
		var (
			m        protocol.Message
			threadTS sql.NullString
			payload  string
			fileID   sql.NullString
		)
		if err := rows.Scan(&m.Ts, &m.Channel, &m.User, &m.Text, &threadTS, &payload, &fileID); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Type = "message"
		m.ThreadTS = threadTS.String
		var extra messagePayload
		if err := json.Unmarshal([]byte(payload), &extra); err != nil {
			slog.Warn("corrupt message payload", "ts", m.Ts, "error", err)
		}
		m.Subtype = extra.Subtype
		m.Blocks = extra.Blocks
		m.Reactions = extra.Reactions
		if fileID.Valid {
			// The caller re-attaches full file metadata after files load.
			m.File = &protocol.File{ID: fileID.String}
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func scanFiles(rows *sql.Rows) ([]*protocol.File, error) {
	var out []*protocol.File
	for rows.Next() {
		var (
			f       protocol.File
			title   sql.NullString
			channel sql.NullString
			user    sql.NullString
		)
		if err := rows.Scan(&f.ID, &f.Name, &title, &f.Mimetype, &f.Size, &channel, &user, &f.IsExpanded); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		f.Title = title.String
		f.User = user.String
		if channel.Valid && channel.String != "" {
			f.Channels = []string{channel.String}
		}
		f.URLPrivate = "/api/simulator/files/" + f.ID
		out = append(out, &f)
	}
	return out, rows.Err()
}
