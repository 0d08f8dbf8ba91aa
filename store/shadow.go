// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Shadowed pairs a durable primary store with an in-memory mirror.
// Every mutation lands in both; reads come from the primary while it
// is healthy. The first primary failure flips the store into degraded
// mode permanently: the broker keeps serving from the mirror instead
// of refusing requests, and loses durability until restart.
type Shadowed struct {
	primary  Store
	mirror   *Memory
	logger   *slog.Logger
	degraded atomic.Bool
}

// NewShadowed builds the composite and seeds the mirror from the
// primary's current contents. Delivered messages are not mirrored;
// the mirror only needs what a live broker can still be asked about.
func NewShadowed(ctx context.Context, primary Store, logger *slog.Logger) (*Shadowed, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Shadowed{
		primary: primary,
		mirror:  NewMemory(),
		logger:  logger,
	}

	instances, err := primary.ListInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("shadow: seed instances: %w", err)
	}
	for _, instance := range instances {
		if err := s.mirror.UpsertInstance(ctx, instance.ID, instance.LastSeen); err != nil {
			return nil, fmt.Errorf("shadow: seed instances: %w", err)
		}
	}

	sessions, err := primary.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("shadow: seed sessions: %w", err)
	}
	for _, session := range sessions {
		if err := s.mirror.PutSession(ctx, session); err != nil {
			return nil, fmt.Errorf("shadow: seed sessions: %w", err)
		}
	}

	forwards, err := primary.ListForwards(ctx)
	if err != nil {
		return nil, fmt.Errorf("shadow: seed forwards: %w", err)
	}
	for _, forward := range forwards {
		if err := s.mirror.PutForward(ctx, forward); err != nil {
			return nil, fmt.Errorf("shadow: seed forwards: %w", err)
		}
	}

	undelivered, err := primary.ListUndelivered(ctx)
	if err != nil {
		return nil, fmt.Errorf("shadow: seed messages: %w", err)
	}
	for _, message := range undelivered {
		if err := s.mirror.AppendMessage(ctx, message); err != nil {
			return nil, fmt.Errorf("shadow: seed messages: %w", err)
		}
	}

	return s, nil
}

// Degraded reports whether the primary has failed and the store is
// running from the mirror alone.
func (s *Shadowed) Degraded() bool { return s.degraded.Load() }

// fail records the first primary failure and switches to the mirror.
func (s *Shadowed) fail(op string, err error) {
	if s.degraded.CompareAndSwap(false, true) {
		s.logger.Error("primary store failed, continuing from memory mirror",
			"op", op, "error", err)
	} else {
		s.logger.Warn("primary store still failing", "op", op, "error", err)
	}
}

func (s *Shadowed) UpsertInstance(ctx context.Context, id string, now time.Time) error {
	if !s.degraded.Load() {
		if err := s.primary.UpsertInstance(ctx, id, now); err != nil {
			s.fail("upsert_instance", err)
		}
	}
	return s.mirror.UpsertInstance(ctx, id, now)
}

func (s *Shadowed) GetInstance(ctx context.Context, id string) (Instance, bool, error) {
	if !s.degraded.Load() {
		instance, found, err := s.primary.GetInstance(ctx, id)
		if err == nil {
			return instance, found, nil
		}
		s.fail("get_instance", err)
	}
	return s.mirror.GetInstance(ctx, id)
}

func (s *Shadowed) ListInstances(ctx context.Context) ([]Instance, error) {
	if !s.degraded.Load() {
		instances, err := s.primary.ListInstances(ctx)
		if err == nil {
			return instances, nil
		}
		s.fail("list_instances", err)
	}
	return s.mirror.ListInstances(ctx)
}

func (s *Shadowed) PutSession(ctx context.Context, session Session) error {
	if !s.degraded.Load() {
		if err := s.primary.PutSession(ctx, session); err != nil {
			s.fail("put_session", err)
		}
	}
	return s.mirror.PutSession(ctx, session)
}

func (s *Shadowed) GetSession(ctx context.Context, tokenHash string) (Session, bool, error) {
	if !s.degraded.Load() {
		session, found, err := s.primary.GetSession(ctx, tokenHash)
		if err == nil {
			return session, found, nil
		}
		s.fail("get_session", err)
	}
	return s.mirror.GetSession(ctx, tokenHash)
}

func (s *Shadowed) ListSessions(ctx context.Context) ([]Session, error) {
	if !s.degraded.Load() {
		sessions, err := s.primary.ListSessions(ctx)
		if err == nil {
			return sessions, nil
		}
		s.fail("list_sessions", err)
	}
	return s.mirror.ListSessions(ctx)
}

func (s *Shadowed) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	if !s.degraded.Load() {
		if _, err := s.primary.DeleteExpiredSessions(ctx, now); err != nil {
			s.fail("delete_expired_sessions", err)
		}
	}
	return s.mirror.DeleteExpiredSessions(ctx, now)
}

func (s *Shadowed) PutForward(ctx context.Context, forward Forward) error {
	if !s.degraded.Load() {
		if err := s.primary.PutForward(ctx, forward); err != nil {
			s.fail("put_forward", err)
		}
	}
	return s.mirror.PutForward(ctx, forward)
}

func (s *Shadowed) GetForward(ctx context.Context, oldID string, now time.Time) (Forward, bool, error) {
	if !s.degraded.Load() {
		forward, found, err := s.primary.GetForward(ctx, oldID, now)
		if err == nil {
			return forward, found, nil
		}
		s.fail("get_forward", err)
	}
	return s.mirror.GetForward(ctx, oldID, now)
}

func (s *Shadowed) ListForwards(ctx context.Context) ([]Forward, error) {
	if !s.degraded.Load() {
		forwards, err := s.primary.ListForwards(ctx)
		if err == nil {
			return forwards, nil
		}
		s.fail("list_forwards", err)
	}
	return s.mirror.ListForwards(ctx)
}

func (s *Shadowed) DeleteExpiredForwards(ctx context.Context, now time.Time) (int, error) {
	if !s.degraded.Load() {
		if _, err := s.primary.DeleteExpiredForwards(ctx, now); err != nil {
			s.fail("delete_expired_forwards", err)
		}
	}
	return s.mirror.DeleteExpiredForwards(ctx, now)
}

func (s *Shadowed) AppendMessage(ctx context.Context, message Message) error {
	if !s.degraded.Load() {
		if err := s.primary.AppendMessage(ctx, message); err != nil {
			s.fail("append_message", err)
		}
	}
	return s.mirror.AppendMessage(ctx, message)
}

func (s *Shadowed) QueueLength(ctx context.Context, id string) (int, error) {
	if !s.degraded.Load() {
		length, err := s.primary.QueueLength(ctx, id)
		if err == nil {
			return length, nil
		}
		s.fail("queue_length", err)
	}
	return s.mirror.QueueLength(ctx, id)
}

// TakeQueue drains the mirror unconditionally so it tracks delivery
// marks, but returns the primary's result while healthy: the primary
// transaction is the one that survives a crash.
func (s *Shadowed) TakeQueue(ctx context.Context, id string) ([]Message, error) {
	if !s.degraded.Load() {
		messages, err := s.primary.TakeQueue(ctx, id)
		if err == nil {
			_, _ = s.mirror.TakeQueue(ctx, id)
			return messages, nil
		}
		s.fail("take_queue", err)
	}
	return s.mirror.TakeQueue(ctx, id)
}

func (s *Shadowed) ListUndelivered(ctx context.Context) ([]Message, error) {
	if !s.degraded.Load() {
		messages, err := s.primary.ListUndelivered(ctx)
		if err == nil {
			return messages, nil
		}
		s.fail("list_undelivered", err)
	}
	return s.mirror.ListUndelivered(ctx)
}

func (s *Shadowed) Rename(ctx context.Context, oldID, newID string, forward Forward) error {
	if !s.degraded.Load() {
		if err := s.primary.Rename(ctx, oldID, newID, forward); err != nil {
			s.fail("rename", err)
		}
	}
	return s.mirror.Rename(ctx, oldID, newID, forward)
}

func (s *Shadowed) PurgeExpired(ctx context.Context, cutoff time.Time) ([]Message, error) {
	if !s.degraded.Load() {
		purged, err := s.primary.PurgeExpired(ctx, cutoff)
		if err == nil {
			_, _ = s.mirror.PurgeExpired(ctx, cutoff)
			return purged, nil
		}
		s.fail("purge_expired", err)
	}
	return s.mirror.PurgeExpired(ctx, cutoff)
}

func (s *Shadowed) DeleteDeliveredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if !s.degraded.Load() {
		if _, err := s.primary.DeleteDeliveredBefore(ctx, cutoff); err != nil {
			s.fail("delete_delivered", err)
		}
	}
	return s.mirror.DeleteDeliveredBefore(ctx, cutoff)
}

// Close closes the primary. The mirror has nothing to release.
func (s *Shadowed) Close() error {
	if err := s.primary.Close(); err != nil {
		return fmt.Errorf("shadow: close primary: %w", err)
	}
	return nil
}
