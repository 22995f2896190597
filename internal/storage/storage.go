// Package storage persists encryption state, comments and cached chat rooms in SQLite.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"chatsec/internal/crypto"
)

type Store struct {
	db     *sql.DB
	sealer *crypto.Sealer
}

// NewSQLiteStore opens (or creates) a sqlite DB file.
// dsn example: "file:chatsec.db?_foreign_keys=1".
func NewSQLiteStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set synchronous: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	return &Store{db: db}, nil
}

// Open creates the parent directory of path, opens the database and migrates
// it. A non-empty passphrase enables sealing of conversation state.
func Open(ctx context.Context, path, passphrase string) (*Store, error) {
	if path == "" {
		return nil, errors.New("storage path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := NewSQLiteStore(path)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, err
	}
	if passphrase != "" {
		if err := store.EnableSealing(ctx, passphrase); err != nil {
			store.Close()
			return nil, err
		}
	}
	return store, nil
}

func (s *Store) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

// Migrate creates all tables and indexes. This is idempotent.
func (s *Store) Migrate() error {
	if s.db == nil {
		return ErrDBNotConnected
	}
	const sqlStmt = `
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS comments (
	unique_id TEXT PRIMARY KEY,
	id INTEGER NOT NULL DEFAULT 0,
	room_id INTEGER NOT NULL,
	sender_email TEXT,
	sender_name TEXT,
	raw_type TEXT NOT NULL,
	message TEXT,
	payload TEXT,
	state INTEGER NOT NULL DEFAULT 0,
	timestamp INTEGER NOT NULL, -- unix nano
	wire_message TEXT, -- as delivered, when it differs from message
	wire_payload TEXT,
	decrypt_pending INTEGER NOT NULL DEFAULT 0 -- placeholder shown, wire_* awaits a sender key
);

CREATE INDEX IF NOT EXISTS idx_comments_id ON comments (id) WHERE id > 0;
CREATE INDEX IF NOT EXISTS idx_comments_state ON comments (state, timestamp);
CREATE INDEX IF NOT EXISTS idx_comments_undecrypted ON comments (room_id, timestamp) WHERE decrypt_pending = 1;

CREATE TABLE IF NOT EXISTS chat_rooms (
	id INTEGER PRIMARY KEY,
	name TEXT,
	is_group INTEGER NOT NULL DEFAULT 0,
	distinct_id TEXT,
	members BLOB NOT NULL, -- json encoded []RoomMember
	updated_at INTEGER NOT NULL -- unix micro
);

CREATE TABLE IF NOT EXISTS room_targets (
	email TEXT PRIMARY KEY COLLATE NOCASE,
	room_id INTEGER NOT NULL REFERENCES chat_rooms (id) ON DELETE CASCADE
);
`
	if _, err := s.db.Exec(sqlStmt); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return s.MigrateConversations()
}

// EnableSealing derives the at-rest key from passphrase. The salt is created
// on first use and kept in the meta table.
func (s *Store) EnableSealing(ctx context.Context, passphrase string) error {
	salt, err := s.meta(ctx, "seal_salt")
	if errors.Is(err, ErrNoRows) {
		salt, err = crypto.GenerateSalt()
		if err != nil {
			return err
		}
		if err := s.setMeta(ctx, "seal_salt", salt); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	sealer, err := crypto.NewSealer(crypto.DeriveStorageKey(passphrase, salt))
	if err != nil {
		return err
	}
	s.sealer = sealer
	return nil
}

func (s *Store) meta(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?;`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("get meta %s: %w", key, err)
	}
	return v, nil
}

func (s *Store) setMeta(ctx context.Context, key string, value []byte) error {
	const q = `INSERT INTO meta (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value;`
	if _, err := s.db.ExecContext(ctx, q, key, value); err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}
