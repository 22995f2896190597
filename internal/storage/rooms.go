package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chatsec/internal/models"
)

// SaveChatRoom caches a room. Members of 1:1 rooms are indexed by email so
// ChatRoomByEmail can find the pairwise room for a peer.
func (s *Store) SaveChatRoom(ctx context.Context, room *models.ChatRoom) error {
	members, err := json.Marshal(room.Members)
	if err != nil {
		return fmt.Errorf("encode members: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save room: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const q = `
INSERT INTO chat_rooms (id, name, is_group, distinct_id, members, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name,
	is_group = excluded.is_group,
	distinct_id = excluded.distinct_id,
	members = excluded.members,
	updated_at = excluded.updated_at;
`
	isGroup := 0
	if room.Group {
		isGroup = 1
	}
	if _, err := tx.ExecContext(ctx, q, room.ID, room.Name, isGroup, room.DistinctID, members, time.Now().UnixMicro()); err != nil {
		return fmt.Errorf("upsert room: %w", err)
	}
	if !room.Group {
		const tq = `
INSERT INTO room_targets (email, room_id) VALUES (?, ?)
ON CONFLICT(email) DO UPDATE SET room_id = excluded.room_id;
`
		for _, m := range room.Members {
			if m.Email == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, tq, m.Email, room.ID); err != nil {
				return fmt.Errorf("index room target: %w", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save room: %w", err)
	}
	return nil
}

// ChatRoom returns a cached room. ErrNoRows if not found.
func (s *Store) ChatRoom(ctx context.Context, roomID int64) (*models.ChatRoom, error) {
	const q = `SELECT id, name, is_group, distinct_id, members FROM chat_rooms WHERE id = ? LIMIT 1;`
	return scanRoom(s.db.QueryRowContext(ctx, q, roomID))
}

// ChatRoomByEmail returns the cached 1:1 room shared with email. ErrNoRows if not found.
func (s *Store) ChatRoomByEmail(ctx context.Context, email string) (*models.ChatRoom, error) {
	const q = `
SELECT r.id, r.name, r.is_group, r.distinct_id, r.members
FROM room_targets t
JOIN chat_rooms r ON r.id = t.room_id
WHERE t.email = ?
LIMIT 1;
`
	return scanRoom(s.db.QueryRowContext(ctx, q, email))
}

func scanRoom(row rowScanner) (*models.ChatRoom, error) {
	var (
		room       models.ChatRoom
		name       sql.NullString
		isGroup    int64
		distinctID sql.NullString
		members    []byte
	)
	if err := row.Scan(&room.ID, &name, &isGroup, &distinctID, &members); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoRows
		}
		return nil, fmt.Errorf("scan room: %w", err)
	}
	if err := json.Unmarshal(members, &room.Members); err != nil {
		return nil, fmt.Errorf("decode members: %w", err)
	}
	room.Name = name.String
	room.Group = isGroup != 0
	room.DistinctID = distinctID.String
	return &room, nil
}
