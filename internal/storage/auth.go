package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type ConversationRecord struct {
	RoomID   int64
	State    []byte    // encoded (and possibly sealed) conversation
	Sealed   bool      // whether State is sealed with the store passphrase
	LastUsed time.Time // last time this state was persisted
}

// MigrateConversations creates the group_conversations table and its index.
func (s *Store) MigrateConversations() error {
	const sqlStmt = `
CREATE TABLE IF NOT EXISTS group_conversations (
	room_id INTEGER PRIMARY KEY,
	state BLOB NOT NULL,
	sealed INTEGER NOT NULL DEFAULT 0, -- 0/1
	last_used INTEGER NOT NULL -- unix micro
);

CREATE INDEX IF NOT EXISTS idx_group_conversations_last_used ON group_conversations (last_used DESC);
`
	_, err := s.db.Exec(sqlStmt)
	return err
}

// SaveConversationState writes one room's state in a single upsert, so a
// reader sees either the previous or the new state.
func (s *Store) SaveConversationState(ctx context.Context, roomID int64, state []byte) error {
	sealed := 0
	if s.sealer != nil {
		var err error
		state, err = s.sealer.Seal(state)
		if err != nil {
			return fmt.Errorf("seal conversation: %w", err)
		}
		sealed = 1
	}
	const q = `
INSERT INTO group_conversations (room_id, state, sealed, last_used)
VALUES (?, ?, ?, ?)
ON CONFLICT(room_id) DO UPDATE SET
	state = excluded.state,
	sealed = excluded.sealed,
	last_used = excluded.last_used;
`
	_, err := s.db.ExecContext(ctx, q, roomID, state, sealed, time.Now().UnixMicro())
	if err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

// ConversationState returns the decoded state blob for a room. ErrNoRows if not found.
func (s *Store) ConversationState(ctx context.Context, roomID int64) ([]byte, error) {
	rec, err := s.conversationRecord(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !rec.Sealed {
		return rec.State, nil
	}
	if s.sealer == nil {
		return nil, ErrSealed
	}
	state, err := s.sealer.Open(rec.State)
	if err != nil {
		return nil, fmt.Errorf("open conversation %d: %w", roomID, err)
	}
	return state, nil
}

func (s *Store) conversationRecord(ctx context.Context, roomID int64) (*ConversationRecord, error) {
	const q = `
SELECT room_id, state, sealed, last_used
FROM group_conversations
WHERE room_id = ?
LIMIT 1;
`
	var (
		rec      ConversationRecord
		sealed   int64
		lastUsed int64
	)
	err := s.db.QueryRowContext(ctx, q, roomID).Scan(&rec.RoomID, &rec.State, &sealed, &lastUsed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoRows
		}
		return nil, fmt.Errorf("get conversation scan: %w", err)
	}
	rec.Sealed = sealed != 0
	rec.LastUsed = time.UnixMicro(lastUsed)
	return &rec, nil
}

// DeleteConversationState hard-deletes the state row for a room.
func (s *Store) DeleteConversationState(ctx context.Context, roomID int64) error {
	const q = `DELETE FROM group_conversations WHERE room_id = ?;`
	_, err := s.db.ExecContext(ctx, q, roomID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// ListConversations returns metadata for every stored room state, most
// recently used first. State blobs are left as stored.
func (s *Store) ListConversations(ctx context.Context) ([]*ConversationRecord, error) {
	const q = `
SELECT room_id, state, sealed, last_used
FROM group_conversations
ORDER BY last_used DESC;
`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()
	out := make([]*ConversationRecord, 0)
	for rows.Next() {
		var (
			rec      ConversationRecord
			sealed   int64
			lastUsed int64
		)
		if err := rows.Scan(&rec.RoomID, &rec.State, &sealed, &lastUsed); err != nil {
			return nil, fmt.Errorf("list conversations scan: %w", err)
		}
		rec.Sealed = sealed != 0
		rec.LastUsed = time.UnixMicro(lastUsed)
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// PurgeConversationsOlderThan deletes states with last_used < before.
// Returns number of rows deleted.
func (s *Store) PurgeConversationsOlderThan(ctx context.Context, before time.Time) (int64, error) {
	const q = `DELETE FROM group_conversations WHERE last_used < ?;`
	res, err := s.db.ExecContext(ctx, q, before.UnixMicro())
	if err != nil {
		return 0, fmt.Errorf("purge conversations older than: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
