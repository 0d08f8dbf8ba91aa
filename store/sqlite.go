// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/courier-foundation/courier/lib/sqlitepool"
)

// schema creates the four tables. Timestamps are Unix nanoseconds.
// The messages table keeps an autoincrement sequence so that FIFO
// order survives identical created_at values from concurrent sends.
const schema = `
	CREATE TABLE IF NOT EXISTS instances (
		id         TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		last_seen  INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		token_hash  TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL,
		issued_at   INTEGER NOT NULL,
		expires_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_instance ON sessions(instance_id);

	CREATE TABLE IF NOT EXISTS name_history (
		old_id     TEXT PRIMARY KEY,
		new_id     TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq             INTEGER PRIMARY KEY AUTOINCREMENT,
		id              TEXT NOT NULL,
		from_id         TEXT NOT NULL,
		to_id           TEXT NOT NULL,
		body            TEXT NOT NULL,
		data            TEXT,
		created_at      INTEGER NOT NULL,
		delivered       INTEGER NOT NULL DEFAULT 0,
		large_file_path TEXT NOT NULL DEFAULT '',
		original_size   INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_messages_queue ON messages(to_id, delivered, seq);
	CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(delivered, created_at);
`

// SQLite is the durable Store, backed by one database file with the
// four broker tables.
type SQLite struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// SQLiteConfig holds the parameters for opening the durable store.
type SQLiteConfig struct {
	// Path is the database file. The parent directory must exist.
	Path string

	// PoolSize is the connection pool size. Defaults to 4.
	PoolSize int

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
}

// OpenSQLite opens (creating if needed) the broker database.
func OpenSQLite(cfg SQLiteConfig) (*SQLite, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	return &SQLite{pool: pool, logger: logger}, nil
}

func (s *SQLite) Close() error { return s.pool.Close() }

func (s *SQLite) UpsertInstance(ctx context.Context, id string, now time.Time) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: upsert instance: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO instances (id, created_at, last_seen)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_seen = excluded.last_seen`,
		&sqlitex.ExecOptions{
			Args: []any{id, now.UnixNano(), now.UnixNano()},
		})
	if err != nil {
		return fmt.Errorf("store: upsert instance %s: %w", id, err)
	}
	return nil
}

func (s *SQLite) GetInstance(ctx context.Context, id string) (Instance, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Instance{}, false, fmt.Errorf("store: get instance: %w", err)
	}
	defer s.pool.Put(conn)

	var instance Instance
	found := false
	err = sqlitex.Execute(conn,
		"SELECT id, created_at, last_seen FROM instances WHERE id = ?",
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				instance = scanInstance(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return Instance{}, false, fmt.Errorf("store: get instance %s: %w", id, err)
	}
	return instance, found, nil
}

func (s *SQLite) ListInstances(ctx context.Context) ([]Instance, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list instances: %w", err)
	}
	defer s.pool.Put(conn)

	var instances []Instance
	err = sqlitex.Execute(conn,
		"SELECT id, created_at, last_seen FROM instances ORDER BY id",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				instances = append(instances, scanInstance(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: list instances: %w", err)
	}
	return instances, nil
}

func scanInstance(stmt *sqlite.Stmt) Instance {
	return Instance{
		ID:        stmt.ColumnText(0),
		CreatedAt: time.Unix(0, stmt.ColumnInt64(1)),
		LastSeen:  time.Unix(0, stmt.ColumnInt64(2)),
	}
}

func (s *SQLite) PutSession(ctx context.Context, session Session) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: put session: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: put session: begin: %w", err)
	}
	defer endTransaction(&err)

	// One live session per instance: the new session supersedes.
	err = sqlitex.Execute(conn, "DELETE FROM sessions WHERE instance_id = ?",
		&sqlitex.ExecOptions{Args: []any{session.InstanceID}})
	if err != nil {
		return fmt.Errorf("store: put session: supersede: %w", err)
	}

	err = sqlitex.Execute(conn, `INSERT INTO sessions
		(token_hash, instance_id, issued_at, expires_at) VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				session.TokenHash,
				session.InstanceID,
				session.IssuedAt.UnixNano(),
				session.ExpiresAt.UnixNano(),
			},
		})
	if err != nil {
		return fmt.Errorf("store: put session: insert: %w", err)
	}
	return nil
}

func (s *SQLite) GetSession(ctx context.Context, tokenHash string) (Session, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Session{}, false, fmt.Errorf("store: get session: %w", err)
	}
	defer s.pool.Put(conn)

	var session Session
	found := false
	err = sqlitex.Execute(conn, `SELECT token_hash, instance_id, issued_at, expires_at
		FROM sessions WHERE token_hash = ?`,
		&sqlitex.ExecOptions{
			Args: []any{tokenHash},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				session = scanSession(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return Session{}, false, fmt.Errorf("store: get session: %w", err)
	}
	return session, found, nil
}

func (s *SQLite) ListSessions(ctx context.Context) ([]Session, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer s.pool.Put(conn)

	var sessions []Session
	err = sqlitex.Execute(conn,
		"SELECT token_hash, instance_id, issued_at, expires_at FROM sessions",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				sessions = append(sessions, scanSession(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	return sessions, nil
}

func scanSession(stmt *sqlite.Stmt) Session {
	return Session{
		TokenHash:  stmt.ColumnText(0),
		InstanceID: stmt.ColumnText(1),
		IssuedAt:   time.Unix(0, stmt.ColumnInt64(2)),
		ExpiresAt:  time.Unix(0, stmt.ColumnInt64(3)),
	}
}

func (s *SQLite) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: delete expired sessions: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM sessions WHERE expires_at <= ?",
		&sqlitex.ExecOptions{Args: []any{now.UnixNano()}})
	if err != nil {
		return 0, fmt.Errorf("store: delete expired sessions: %w", err)
	}
	return conn.Changes(), nil
}

func (s *SQLite) PutForward(ctx context.Context, forward Forward) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: put forward: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT OR REPLACE INTO name_history
		(old_id, new_id, expires_at) VALUES (?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{forward.OldID, forward.NewID, forward.ExpiresAt.UnixNano()},
		})
	if err != nil {
		return fmt.Errorf("store: put forward %s: %w", forward.OldID, err)
	}
	return nil
}

func (s *SQLite) GetForward(ctx context.Context, oldID string, now time.Time) (Forward, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Forward{}, false, fmt.Errorf("store: get forward: %w", err)
	}
	defer s.pool.Put(conn)

	var forward Forward
	found := false
	err = sqlitex.Execute(conn, `SELECT old_id, new_id, expires_at FROM name_history
		WHERE old_id = ? AND expires_at > ?`,
		&sqlitex.ExecOptions{
			Args: []any{oldID, now.UnixNano()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				forward = scanForward(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return Forward{}, false, fmt.Errorf("store: get forward %s: %w", oldID, err)
	}
	return forward, found, nil
}

func (s *SQLite) ListForwards(ctx context.Context) ([]Forward, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list forwards: %w", err)
	}
	defer s.pool.Put(conn)

	var forwards []Forward
	err = sqlitex.Execute(conn,
		"SELECT old_id, new_id, expires_at FROM name_history",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				forwards = append(forwards, scanForward(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: list forwards: %w", err)
	}
	return forwards, nil
}

func scanForward(stmt *sqlite.Stmt) Forward {
	return Forward{
		OldID:     stmt.ColumnText(0),
		NewID:     stmt.ColumnText(1),
		ExpiresAt: time.Unix(0, stmt.ColumnInt64(2)),
	}
}

func (s *SQLite) DeleteExpiredForwards(ctx context.Context, now time.Time) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: delete expired forwards: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM name_history WHERE expires_at <= ?",
		&sqlitex.ExecOptions{Args: []any{now.UnixNano()}})
	if err != nil {
		return 0, fmt.Errorf("store: delete expired forwards: %w", err)
	}
	return conn.Changes(), nil
}

func (s *SQLite) AppendMessage(ctx context.Context, message Message) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: append message: %w", err)
	}
	defer s.pool.Put(conn)

	var dataJSON any
	if len(message.Data) > 0 {
		encoded, err := json.Marshal(message.Data)
		if err != nil {
			return fmt.Errorf("store: append message: marshal data: %w", err)
		}
		dataJSON = string(encoded)
	}

	err = sqlitex.Execute(conn, `INSERT INTO messages
		(id, from_id, to_id, body, data, created_at, delivered, large_file_path, original_size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				message.ID,
				message.From,
				message.To,
				message.Body,
				dataJSON,
				message.CreatedAt.UnixNano(),
				boolToInt(message.Delivered),
				message.LargeFilePath,
				message.OriginalSize,
			},
		})
	if err != nil {
		return fmt.Errorf("store: append message to %s: %w", message.To, err)
	}
	return nil
}

func (s *SQLite) QueueLength(ctx context.Context, id string) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: queue length: %w", err)
	}
	defer s.pool.Put(conn)

	count := 0
	err = sqlitex.Execute(conn,
		"SELECT COUNT(*) FROM messages WHERE to_id = ? AND delivered = 0",
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("store: queue length %s: %w", id, err)
	}
	return count, nil
}

// TakeQueue selects and marks delivered inside one IMMEDIATE
// transaction. A crash between the two statements rolls the whole
// step back: either the caller gets the messages and they are marked
// delivered, or neither happened.
func (s *SQLite) TakeQueue(ctx context.Context, id string) (messages []Message, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: take queue: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("store: take queue: begin: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn, `SELECT id, from_id, to_id, body, data, created_at,
		delivered, large_file_path, original_size
		FROM messages WHERE to_id = ? AND delivered = 0 ORDER BY seq`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				message, scanErr := scanMessage(stmt)
				if scanErr != nil {
					return scanErr
				}
				message.Delivered = true
				messages = append(messages, message)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: take queue %s: select: %w", id, err)
	}
	if len(messages) == 0 {
		return nil, nil
	}

	err = sqlitex.Execute(conn,
		"UPDATE messages SET delivered = 1 WHERE to_id = ? AND delivered = 0",
		&sqlitex.ExecOptions{Args: []any{id}})
	if err != nil {
		return nil, fmt.Errorf("store: take queue %s: mark: %w", id, err)
	}
	return messages, nil
}

func (s *SQLite) ListUndelivered(ctx context.Context) ([]Message, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list undelivered: %w", err)
	}
	defer s.pool.Put(conn)

	var messages []Message
	err = sqlitex.Execute(conn, `SELECT id, from_id, to_id, body, data, created_at,
		delivered, large_file_path, original_size
		FROM messages WHERE delivered = 0 ORDER BY seq`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				message, scanErr := scanMessage(stmt)
				if scanErr != nil {
					return scanErr
				}
				messages = append(messages, message)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: list undelivered: %w", err)
	}
	return messages, nil
}

// Rename moves the instance row, undelivered queue, and session
// binding to the new id and records the forward, all in one
// transaction.
func (s *SQLite) Rename(ctx context.Context, oldID, newID string, forward Forward) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: rename: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: rename: begin: %w", err)
	}
	defer endTransaction(&err)

	steps := []struct {
		query string
		args  []any
	}{
		{"UPDATE instances SET id = ? WHERE id = ?", []any{newID, oldID}},
		{"UPDATE messages SET to_id = ? WHERE to_id = ? AND delivered = 0", []any{newID, oldID}},
		{"UPDATE sessions SET instance_id = ? WHERE instance_id = ?", []any{newID, oldID}},
		{"INSERT OR REPLACE INTO name_history (old_id, new_id, expires_at) VALUES (?, ?, ?)",
			[]any{forward.OldID, forward.NewID, forward.ExpiresAt.UnixNano()}},
	}
	for _, step := range steps {
		err = sqlitex.Execute(conn, step.query, &sqlitex.ExecOptions{Args: step.args})
		if err != nil {
			return fmt.Errorf("store: rename %s to %s: %w", oldID, newID, err)
		}
	}
	return nil
}

func (s *SQLite) PurgeExpired(ctx context.Context, cutoff time.Time) (purged []Message, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: purge expired: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("store: purge expired: begin: %w", err)
	}
	defer endTransaction(&err)

	const condition = `delivered = 0 AND created_at < ?
		AND to_id NOT IN (SELECT id FROM instances)`

	err = sqlitex.Execute(conn, `SELECT id, from_id, to_id, body, data, created_at,
		delivered, large_file_path, original_size
		FROM messages WHERE `+condition+` ORDER BY seq`,
		&sqlitex.ExecOptions{
			Args: []any{cutoff.UnixNano()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				message, scanErr := scanMessage(stmt)
				if scanErr != nil {
					return scanErr
				}
				purged = append(purged, message)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: purge expired: select: %w", err)
	}
	if len(purged) == 0 {
		return nil, nil
	}

	err = sqlitex.Execute(conn, "DELETE FROM messages WHERE "+condition,
		&sqlitex.ExecOptions{Args: []any{cutoff.UnixNano()}})
	if err != nil {
		return nil, fmt.Errorf("store: purge expired: delete: %w", err)
	}
	return purged, nil
}

func (s *SQLite) DeleteDeliveredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: delete delivered: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM messages WHERE delivered = 1 AND created_at < ?",
		&sqlitex.ExecOptions{Args: []any{cutoff.UnixNano()}})
	if err != nil {
		return 0, fmt.Errorf("store: delete delivered: %w", err)
	}
	return conn.Changes(), nil
}

func scanMessage(stmt *sqlite.Stmt) (Message, error) {
	message := Message{
		ID:            stmt.ColumnText(0),
		From:          stmt.ColumnText(1),
		To:            stmt.ColumnText(2),
		Body:          stmt.ColumnText(3),
		CreatedAt:     time.Unix(0, stmt.ColumnInt64(5)),
		Delivered:     stmt.ColumnInt(6) != 0,
		LargeFilePath: stmt.ColumnText(7),
		OriginalSize:  stmt.ColumnInt64(8),
	}
	if !stmt.ColumnIsNull(4) {
		if err := json.Unmarshal([]byte(stmt.ColumnText(4)), &message.Data); err != nil {
			return message, fmt.Errorf("store: unmarshal message data: %w", err)
		}
	}
	return message, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
