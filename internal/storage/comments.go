package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chatsec/internal/models"
)

const commentColumns = `unique_id, id, room_id, sender_email, sender_name, raw_type, message, payload, state, timestamp`

// wireColumns reads the delivered form of a comment in commentColumns order.
const wireColumns = `unique_id, id, room_id, sender_email, sender_name, raw_type,
	COALESCE(wire_message, message), COALESCE(wire_payload, payload), state, timestamp`

// AddOrUpdateComment upserts a comment keyed by its unique id. Storing a
// readable copy of an undecrypted comment clears its pending ciphertext.
func (s *Store) AddOrUpdateComment(ctx context.Context, c *models.Comment) error {
	if c.UniqueID == "" {
		return errors.New("comment unique id is required")
	}
	ts := c.Timestamp
	if ts == 0 {
		ts = time.Now().UnixNano()
	}
	const q = `
INSERT INTO comments (` + commentColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(unique_id) DO UPDATE SET
	id = CASE WHEN excluded.id > 0 THEN excluded.id ELSE comments.id END,
	room_id = excluded.room_id,
	sender_email = excluded.sender_email,
	sender_name = excluded.sender_name,
	raw_type = excluded.raw_type,
	message = excluded.message,
	payload = excluded.payload,
	state = excluded.state,
	wire_message = CASE WHEN comments.decrypt_pending = 1 THEN NULL ELSE comments.wire_message END,
	wire_payload = CASE WHEN comments.decrypt_pending = 1 THEN NULL ELSE comments.wire_payload END,
	decrypt_pending = 0;
`
	_, err := s.db.ExecContext(ctx, q,
		c.UniqueID,
		c.ID,
		c.RoomID,
		c.SenderEmail,
		c.SenderName,
		string(c.RawType),
		c.Message,
		c.ExtraPayload,
		int(c.State),
		ts,
	)
	if err != nil {
		return fmt.Errorf("upsert comment: %w", err)
	}
	return nil
}

// QueueOutgoing stores c as pending. c keeps the local, readable content;
// wireMessage and wirePayload are what PendingComments hands to delivery.
func (s *Store) QueueOutgoing(ctx context.Context, c *models.Comment, wireMessage, wirePayload string) error {
	if c.UniqueID == "" {
		return errors.New("comment unique id is required")
	}
	ts := c.Timestamp
	if ts == 0 {
		ts = time.Now().UnixNano()
	}
	const q = `
INSERT INTO comments (` + commentColumns + `, wire_message, wire_payload)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(unique_id) DO UPDATE SET
	message = excluded.message,
	payload = excluded.payload,
	state = excluded.state,
	wire_message = excluded.wire_message,
	wire_payload = excluded.wire_payload;
`
	_, err := s.db.ExecContext(ctx, q,
		c.UniqueID, c.ID, c.RoomID, c.SenderEmail, c.SenderName, string(c.RawType),
		c.Message, c.ExtraPayload, int(models.StatePending), ts,
		wireMessage, wirePayload,
	)
	if err != nil {
		return fmt.Errorf("queue comment: %w", err)
	}
	return nil
}

// SaveUndecrypted stores the display copy of an inbound comment that could
// not be decrypted, keeping its ciphertext for UndecryptedComments. A row
// that was already decrypted is left alone.
func (s *Store) SaveUndecrypted(ctx context.Context, c *models.Comment, wireMessage, wirePayload string) error {
	if c.UniqueID == "" {
		return errors.New("comment unique id is required")
	}
	ts := c.Timestamp
	if ts == 0 {
		ts = time.Now().UnixNano()
	}
	const q = `
INSERT INTO comments (` + commentColumns + `, wire_message, wire_payload, decrypt_pending)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
ON CONFLICT(unique_id) DO UPDATE SET
	message = excluded.message,
	payload = excluded.payload,
	state = excluded.state,
	wire_message = excluded.wire_message,
	wire_payload = excluded.wire_payload
WHERE comments.decrypt_pending = 1;
`
	_, err := s.db.ExecContext(ctx, q,
		c.UniqueID, c.ID, c.RoomID, c.SenderEmail, c.SenderName, string(c.RawType),
		c.Message, c.ExtraPayload, int(c.State), ts,
		wireMessage, wirePayload,
	)
	if err != nil {
		return fmt.Errorf("save undecrypted comment: %w", err)
	}
	return nil
}

// UndecryptedComments returns roomID's comments still waiting for a sender
// key, oldest first, with their ciphertext as message and payload.
func (s *Store) UndecryptedComments(ctx context.Context, roomID int64) ([]*models.Comment, error) {
	q := `SELECT ` + wireColumns + `, decrypt_pending FROM comments
WHERE room_id = ? AND decrypt_pending = 1 ORDER BY timestamp ASC;`
	rows, err := s.db.QueryContext(ctx, q, roomID)
	if err != nil {
		return nil, fmt.Errorf("select undecrypted comments: %w", err)
	}
	return scanComments(rows)
}

// Comment returns the comment with the given unique id. ErrNoRows if not found.
func (s *Store) Comment(ctx context.Context, uniqueID string) (*models.Comment, error) {
	q := `SELECT ` + commentColumns + `, decrypt_pending FROM comments WHERE unique_id = ? LIMIT 1;`
	return scanComment(s.db.QueryRowContext(ctx, q, uniqueID))
}

// CommentByID returns the comment with the given server id. ErrNoRows if not found.
func (s *Store) CommentByID(ctx context.Context, id int64) (*models.Comment, error) {
	if id <= 0 {
		return nil, ErrNoRows
	}
	q := `SELECT ` + commentColumns + `, decrypt_pending FROM comments WHERE id = ? LIMIT 1;`
	return scanComment(s.db.QueryRowContext(ctx, q, id))
}

// PendingComments returns up to limit comments in the pending state, oldest
// first, in their delivered form.
func (s *Store) PendingComments(ctx context.Context, limit int) ([]*models.Comment, error) {
	q := `SELECT ` + wireColumns + `, decrypt_pending FROM comments WHERE state = ? ORDER BY timestamp ASC, rowid ASC LIMIT ?;`
	rows, err := s.db.QueryContext(ctx, q, int(models.StatePending), limit)
	if err != nil {
		return nil, fmt.Errorf("select pending comments: %w", err)
	}
	return scanComments(rows)
}

func scanComments(rows *sql.Rows) ([]*models.Comment, error) {
	defer rows.Close()

	var out []*models.Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateCommentState sets the delivery state of a stored comment.
func (s *Store) UpdateCommentState(ctx context.Context, uniqueID string, state models.CommentState) error {
	const q = `UPDATE comments SET state = ? WHERE unique_id = ?;`
	res, err := s.db.ExecContext(ctx, q, int(state), uniqueID)
	if err != nil {
		return fmt.Errorf("update comment state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoRows
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanComment(row rowScanner) (*models.Comment, error) {
	var (
		c           models.Comment
		senderEmail sql.NullString
		senderName  sql.NullString
		rawType     string
		message     sql.NullString
		payload     sql.NullString
		state       int64
	)
	if err := row.Scan(&c.UniqueID, &c.ID, &c.RoomID, &senderEmail, &senderName, &rawType, &message, &payload, &state, &c.Timestamp, &c.DecryptPending); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoRows
		}
		return nil, fmt.Errorf("scan comment: %w", err)
	}
	c.SenderEmail = senderEmail.String
	c.SenderName = senderName.String
	c.RawType = models.RawType(rawType)
	c.Message = message.String
	c.ExtraPayload = payload.String
	c.State = models.CommentState(state)
	return &c, nil
}
