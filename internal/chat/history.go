// Package chat persists the in-call chat log. Messages arrive as server
// echoes, land in a SQLite store keyed by room, and are mirrored into a
// fixed-size ring buffer for cheap recent-history reads.
package chat

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/petervdpas/peercall/internal/session"
	"github.com/petervdpas/peercall/internal/util"
)

// History stores chat messages per room.
type History struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex

	recent *util.RingBuffer[session.ChatMessage]
}

// Open opens or creates the chat database at path. bufferSize caps the
// in-memory recent window.
func Open(path string, bufferSize int) (*History, error) {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create chat data dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open chat database: %w", err)
	}

	// WAL mode for concurrency between the append path and history reads.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure chat database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id          TEXT PRIMARY KEY,
			room_id     TEXT NOT NULL,
			user_id     TEXT NOT NULL,
			username    TEXT NOT NULL,
			message     TEXT NOT NULL,
			timestamp   TEXT NOT NULL,
			delivered   INTEGER NOT NULL DEFAULT 1,
			received_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_messages_room ON messages (room_id, received_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}

	return &History{
		db:     db,
		path:   path,
		recent: util.NewRingBuffer[session.ChatMessage](bufferSize),
	}, nil
}

// Path returns the database file path.
func (h *History) Path() string {
	return h.path
}

// Append records a server-echoed message. Messages without an id get one
// assigned. Re-delivery of an already stored id is ignored, so replays after
// a reconnect do not duplicate history. Returns the stored message.
func (h *History) Append(roomID string, msg session.ChatMessage) (session.ChatMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Delivered = true

	h.mu.Lock()
	res, err := h.db.Exec(`
		INSERT OR IGNORE INTO messages (id, room_id, user_id, username, message, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID, roomID, msg.UserID, msg.Username, msg.Message, msg.Timestamp)
	h.mu.Unlock()
	if err != nil {
		return msg, fmt.Errorf("store message: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		log.Printf("CHAT: duplicate message %s ignored", msg.ID)
		return msg, nil
	}
	h.recent.Push(msg)
	return msg, nil
}

// Recent returns the in-memory window, oldest first.
func (h *History) Recent() []session.ChatMessage {
	return h.recent.Snapshot()
}

// ClearRecent drops the in-memory window. Called when leaving a room; the
// database keeps the full log.
func (h *History) ClearRecent() {
	h.recent.Clear()
}

// Load returns up to limit messages for a room, oldest first.
func (h *History) Load(roomID string, limit int) ([]session.ChatMessage, error) {
	if limit <= 0 {
		limit = 100
	}

	h.mu.RLock()
	rows, err := h.db.Query(`
		SELECT id, user_id, username, message, timestamp, delivered
		FROM messages WHERE room_id = ?
		ORDER BY received_at DESC, id DESC LIMIT ?
	`, roomID, limit)
	h.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	var out []session.ChatMessage
	for rows.Next() {
		var m session.ChatMessage
		var delivered int
		if err := rows.Scan(&m.ID, &m.UserID, &m.Username, &m.Message, &m.Timestamp, &delivered); err != nil {
			return nil, err
		}
		m.Delivered = delivered != 0
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest-first from the query; flip to insertion order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Count returns the number of stored messages for a room.
func (h *History) Count(roomID string) (int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var n int
	if err := h.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE room_id = ?`, roomID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Close closes the database.
func (h *History) Close() error {
	return h.db.Close()
}
