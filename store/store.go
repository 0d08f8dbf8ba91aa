// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

// Package store persists the broker's four logical tables: messages,
// instances, sessions, and name history.
//
// The broker core depends only on the [Store] interface. [Memory] is a
// pure in-map implementation used in tests and for ephemeral brokers;
// [SQLite] is the durable implementation; [Shadowed] composes the two
// so that a persistence fault degrades a single operation to
// memory-only instead of failing it.
//
// Implementations are safe for concurrent use, but the broker
// additionally serializes all mutations behind one lock — the store's
// own locking exists for direct use in tests and background retention.
package store

import (
	"context"
	"time"
)

// Instance is a registered participant. Instances are renamed, never
// hard-deleted.
type Instance struct {
	ID        string
	CreatedAt time.Time
	LastSeen  time.Time
}

// Session is a live authentication epoch for one instance. Only the
// token's keyed hash is stored; the token itself exists only on the
// wire and in the client's state file.
type Session struct {
	TokenHash  string
	InstanceID string
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// Forward maps a renamed id to its successor for the forwarding
// window.
type Forward struct {
	OldID     string
	NewID     string
	ExpiresAt time.Time
}

// Message is one queued message. A body over the large-message
// threshold is replaced by a synopsis before it reaches the store;
// LargeFilePath then points at the side file holding the full content.
type Message struct {
	ID            string
	From          string
	To            string
	Body          string
	Data          map[string]any
	CreatedAt     time.Time
	Delivered     bool
	LargeFilePath string
	OriginalSize  int64
}

// Store is the persistence boundary for the broker. A recipient's
// queue is not stored as such — it is the undelivered messages
// addressed to that id, in append order.
type Store interface {
	// UpsertInstance creates the instance row if absent and refreshes
	// last_seen either way.
	UpsertInstance(ctx context.Context, id string, now time.Time) error

	// GetInstance reports whether id has ever registered.
	GetInstance(ctx context.Context, id string) (Instance, bool, error)

	// ListInstances returns all instances ordered by id.
	ListInstances(ctx context.Context) ([]Instance, error)

	// PutSession stores a session, removing any prior session for the
	// same instance: re-registration invalidates the old token.
	PutSession(ctx context.Context, session Session) error

	// GetSession looks a session up by token hash.
	GetSession(ctx context.Context, tokenHash string) (Session, bool, error)

	// ListSessions returns all sessions (expired ones included).
	ListSessions(ctx context.Context) ([]Session, error)

	// DeleteExpiredSessions removes sessions whose expiry has passed,
	// returning the count removed.
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error)

	// PutForward records a rename forward, replacing any prior
	// forward from the same old id.
	PutForward(ctx context.Context, forward Forward) error

	// GetForward returns the unexpired forward from oldID, if any.
	GetForward(ctx context.Context, oldID string, now time.Time) (Forward, bool, error)

	// ListForwards returns all forwards (expired ones included).
	ListForwards(ctx context.Context) ([]Forward, error)

	// DeleteExpiredForwards removes forwards whose window has closed.
	DeleteExpiredForwards(ctx context.Context, now time.Time) (int, error)

	// AppendMessage enqueues a message at the tail of the recipient's
	// queue.
	AppendMessage(ctx context.Context, message Message) error

	// QueueLength counts undelivered messages addressed to id.
	QueueLength(ctx context.Context, id string) (int, error)

	// TakeQueue returns all undelivered messages for id in FIFO order
	// and marks them delivered in the same atomic step. A message is
	// never returned twice, and a failure mid-operation delivers
	// either all of them or none.
	TakeQueue(ctx context.Context, id string) ([]Message, error)

	// ListUndelivered returns every undelivered message across all
	// queues in append order. Used to seed the memory mirror at
	// startup.
	ListUndelivered(ctx context.Context) ([]Message, error)

	// Rename atomically moves the instance row, its undelivered
	// queue, and its session binding from oldID to newID, and records
	// the forward. The caller has already checked rate limits and
	// conflicts.
	Rename(ctx context.Context, oldID, newID string, forward Forward) error

	// PurgeExpired removes undelivered messages created before cutoff
	// whose recipient never registered, returning the purged rows.
	PurgeExpired(ctx context.Context, cutoff time.Time) ([]Message, error)

	// DeleteDeliveredBefore removes delivered rows created before
	// cutoff. Delivered rows only exist as an audit trail; this keeps
	// the table bounded.
	DeleteDeliveredBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Close releases underlying resources.
	Close() error
}
