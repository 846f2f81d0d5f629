// Package store is the local SQLite cache for conversations. It keeps the
// interests the agent knows about and every chat message seen on the wire, so
// history survives restarts and reads work offline.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// DB wraps the cache database. All writes take the lock; SQLite handles one
// writer at a time and the busy_timeout covers the rest.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Interest is one cached conversation thread between a client and a broker
// about a property.
type Interest struct {
	ID         int64  `json:"id"`
	PropertyID int64  `json:"property_id"`
	Property   string `json:"property"`
	Status     string `json:"status"`
	Unread     int    `json:"unread"`
}

// Message is one cached chat message.
type Message struct {
	ID         int64  `json:"id"`
	InterestID int64  `json:"interest_id"`
	Sender     string `json:"sender"`
	Body       string `json:"body"`
	SentAt     string `json:"sent_at"`
	IsRead     bool   `json:"is_read"`
}

// Open opens or creates the cache database in the given directory.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dir, "cache.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable foreign keys and WAL mode for better concurrency
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS interests (
			id          INTEGER PRIMARY KEY,
			property_id INTEGER NOT NULL DEFAULT 0,
			property    TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT 'pending',
			unread      INTEGER NOT NULL DEFAULT 0,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create interests table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id          INTEGER PRIMARY KEY,
			interest_id INTEGER NOT NULL,
			sender      TEXT NOT NULL DEFAULT '',
			body        TEXT NOT NULL DEFAULT '',
			sent_at     TEXT NOT NULL DEFAULT '',
			is_read     INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (interest_id) REFERENCES interests(id)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}

	// Migration: add property_id column if missing (existing databases)
	db.Exec(`ALTER TABLE interests ADD COLUMN property_id INTEGER NOT NULL DEFAULT 0`)

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_messages_interest
		ON messages(interest_id, id);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create message index: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

// UpsertInterest inserts or refreshes a cached interest.
func (d *DB) UpsertInterest(in Interest) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`
		INSERT INTO interests (id, property_id, property, status, unread, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			property_id = excluded.property_id,
			property    = excluded.property,
			status      = excluded.status,
			unread      = excluded.unread,
			updated_at  = CURRENT_TIMESTAMP
	`, in.ID, in.PropertyID, in.Property, in.Status, in.Unread)
	if err != nil {
		return fmt.Errorf("upsert interest %d: %w", in.ID, err)
	}
	return nil
}

// EnsureInterest creates a bare interest row if none exists. Unlike
// UpsertInterest it never overwrites cached details.
func (d *DB) EnsureInterest(id int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`INSERT OR IGNORE INTO interests (id) VALUES (?)`, id)
	if err != nil {
		return fmt.Errorf("ensure interest %d: %w", id, err)
	}
	return nil
}

// Interests lists cached interests, most recently updated first.
func (d *DB) Interests() ([]Interest, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`
		SELECT id, property_id, property, status, unread
		FROM interests ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Interest
	for rows.Next() {
		var in Interest
		if err := rows.Scan(&in.ID, &in.PropertyID, &in.Property, &in.Status, &in.Unread); err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// SetInterestStatus updates the status of a cached interest.
func (d *DB) SetInterestStatus(interestID int64, status string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.db.Exec(`
		UPDATE interests SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, status, interestID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("interest %d not cached", interestID)
	}
	return nil
}

// SaveMessage inserts a message, ignoring duplicates. Redelivered frames after
// a reconnect land here with the same id and must not multiply.
func (d *DB) SaveMessage(m Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`
		INSERT INTO messages (id, interest_id, sender, body, sent_at, is_read)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET is_read = excluded.is_read
	`, m.ID, m.InterestID, m.Sender, m.Body, m.SentAt, boolInt(m.IsRead))
	if err != nil {
		return fmt.Errorf("save message %d: %w", m.ID, err)
	}
	return nil
}

// Messages returns the cached messages of an interest in send order, capped at
// limit (0 means no cap).
func (d *DB) Messages(interestID int64, limit int) ([]Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	query := `
		SELECT id, interest_id, sender, body, sent_at, is_read
		FROM messages WHERE interest_id = ? ORDER BY id
	`
	args := []any{interestID}
	if limit > 0 {
		// Keep the newest rows when capping.
		query = `
			SELECT id, interest_id, sender, body, sent_at, is_read FROM (
				SELECT id, interest_id, sender, body, sent_at, is_read
				FROM messages WHERE interest_id = ? ORDER BY id DESC LIMIT ?
			) ORDER BY id
		`
		args = append(args, limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var read int
		if err := rows.Scan(&m.ID, &m.InterestID, &m.Sender, &m.Body, &m.SentAt, &read); err != nil {
			return nil, err
		}
		m.IsRead = read != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkRead flags the given message ids as read. Ids that are unknown or
// already read are skipped, so applying the same receipt twice is harmless.
func (d *DB) MarkRead(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`UPDATE messages SET is_read = 1 WHERE id = ?`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.Exec(id); err != nil {
			tx.Rollback()
			return fmt.Errorf("mark read %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// UnreadCount reports how many messages of an interest are still unread.
func (d *DB) UnreadCount(interestID int64) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var n int
	err := d.db.QueryRow(`
		SELECT COUNT(*) FROM messages WHERE interest_id = ? AND is_read = 0
	`, interestID).Scan(&n)
	return n, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
