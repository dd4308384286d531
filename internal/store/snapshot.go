package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// LoadIndex reads the persisted snapshot index. Returns (nil, nil) when no
// index has ever been written. This is the only blocking read: bootstrap
// waits on it before first render.
func (db *DB) LoadIndex() (*Index, error) {
	var payload string
	err := db.QueryRow(`SELECT payload FROM snapshot_index WHERE id = 1`).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load index: %w", err)
	}

	var idx Index
	if err := json.Unmarshal([]byte(payload), &idx); err != nil {
		return nil, fmt.Errorf("decode index: %w", err)
	}
	return &idx, nil
}

// UpsertIndex replaces the persisted snapshot index.
func (db *DB) UpsertIndex(idx *Index) error {
	payload, err := json.Marshal(idx)
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO snapshot_index (id, schema_version, active_key, payload, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			schema_version = excluded.schema_version,
			active_key = excluded.active_key,
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		idx.SchemaVersion, idx.ActiveConversationKey, string(payload), now)
	if err != nil {
		return fmt.Errorf("upsert index: %w", err)
	}
	return nil
}

// AppendEvents appends events to a conversation's durable log in one
// transaction.
func (db *DB) AppendEvents(key string, events []LogEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, evt := range events {
		raw, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("encode log event: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO conversation_log (conv_key, event, created_at)
			VALUES (?, ?, ?)`,
			key, string(raw), now); err != nil {
			return fmt.Errorf("append event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// LoadConversationLog returns up to limit of the most recent log events for
// a conversation, oldest first.
func (db *DB) LoadConversationLog(key string, limit int) ([]LogEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT event FROM (
			SELECT id, event FROM conversation_log
			WHERE conv_key = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, key, limit)
	if err != nil {
		return nil, fmt.Errorf("load log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []LogEvent
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var evt LogEvent
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			return nil, fmt.Errorf("decode log event: %w", err)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// DeleteConversation removes a conversation's durable log. The index is
// rewritten separately by the next upsert.
func (db *DB) DeleteConversation(key string) error {
	_, err := db.Exec(`DELETE FROM conversation_log WHERE conv_key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete conversation log: %w", err)
	}
	return nil
}
