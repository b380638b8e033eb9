// Package buffer is the station's durable crossing store. Every captured
// event is committed here before any network transmission, which is what
// makes delivery at-least-once across process crashes: on restart the
// unacknowledged rows are replayed.
package buffer

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/frawau/endurance-go-kart/internal/metrics"
)

// PendingMessage is an unacknowledged buffered crossing.
type PendingMessage struct {
	MessageID string
	Payload   []byte
}

// Stats summarizes buffer occupancy.
type Stats struct {
	Total   int `json:"total_messages"`
	Acked   int `json:"acked_messages"`
	Pending int `json:"pending_messages"`
}

// Buffer is a mutex-guarded single-writer SQLite store.
type Buffer struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates or opens the buffer database at path and prepares the schema.
func Open(path string) (*Buffer, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open buffer db: %w", err)
	}

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS crossings (
			message_id  TEXT PRIMARY KEY,
			payload     TEXT NOT NULL,
			created_at  REAL NOT NULL,
			acked       INTEGER NOT NULL DEFAULT 0,
			acked_at    REAL
		);
		CREATE INDEX IF NOT EXISTS idx_crossings_acked ON crossings(acked, created_at);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buffer schema: %w", err)
	}

	b := &Buffer{db: db}
	b.refreshPendingGauge()
	return b, nil
}

// Store persists a payload under a fresh message id. The row is committed
// before Store returns; callers must not transmit until it has.
func (b *Buffer) Store(payload []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	now := float64(time.Now().UnixNano()) / float64(time.Second)
	_, err := b.db.Exec(
		`INSERT INTO crossings (message_id, payload, created_at) VALUES (?, ?, ?)`,
		id, string(payload), now,
	)
	if err != nil {
		return "", fmt.Errorf("failed to store message: %w", err)
	}
	metrics.BufferPending.Inc()
	return id, nil
}

// Ack marks a message acknowledged. It is idempotent and reports whether a
// pending row actually flipped.
func (b *Buffer) Ack(messageID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := float64(time.Now().UnixNano()) / float64(time.Second)
	res, err := b.db.Exec(
		`UPDATE crossings SET acked = 1, acked_at = ? WHERE message_id = ? AND acked = 0`,
		now, messageID,
	)
	if err != nil {
		return false
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		metrics.BufferPending.Dec()
	}
	return n > 0
}

// Unacked returns all pending messages ordered oldest first, for replay.
func (b *Buffer) Unacked() ([]PendingMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rows, err := b.db.Query(
		`SELECT message_id, payload FROM crossings WHERE acked = 0 ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query unacked: %w", err)
	}
	defer rows.Close()

	var pending []PendingMessage
	for rows.Next() {
		var m PendingMessage
		var payload string
		if err := rows.Scan(&m.MessageID, &payload); err != nil {
			return nil, err
		}
		m.Payload = []byte(payload)
		pending = append(pending, m)
	}
	return pending, rows.Err()
}

// Cleanup deletes acked rows older than maxAckedAge and returns the count.
// Pending rows are never touched.
func (b *Buffer) Cleanup(maxAckedAge time.Duration) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := float64(time.Now().Add(-maxAckedAge).UnixNano()) / float64(time.Second)
	res, err := b.db.Exec(
		`DELETE FROM crossings WHERE acked = 1 AND acked_at < ?`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up buffer: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Stats reports row counts by acknowledgment state.
func (b *Buffer) Stats() (Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statsLocked()
}

func (b *Buffer) statsLocked() (Stats, error) {
	var s Stats
	err := b.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(acked), 0) FROM crossings`,
	).Scan(&s.Total, &s.Acked)
	if err != nil {
		return Stats{}, err
	}
	s.Pending = s.Total - s.Acked
	return s, nil
}

func (b *Buffer) refreshPendingGauge() {
	s, err := b.statsLocked()
	if err == nil {
		metrics.BufferPending.Set(float64(s.Pending))
	}
}

// Close closes the underlying database.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.db.Close()
}
