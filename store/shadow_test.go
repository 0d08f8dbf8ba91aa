// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

// brokenStore wraps a Memory store and fails every call once tripped.
type brokenStore struct {
	*Memory
	broken bool
}

var errDiskGone = errors.New("disk gone")

func (b *brokenStore) UpsertInstance(ctx context.Context, id string, now time.Time) error {
	if b.broken {
		return errDiskGone
	}
	return b.Memory.UpsertInstance(ctx, id, now)
}

func (b *brokenStore) GetInstance(ctx context.Context, id string) (Instance, bool, error) {
	if b.broken {
		return Instance{}, false, errDiskGone
	}
	return b.Memory.GetInstance(ctx, id)
}

func (b *brokenStore) AppendMessage(ctx context.Context, message Message) error {
	if b.broken {
		return errDiskGone
	}
	return b.Memory.AppendMessage(ctx, message)
}

func (b *brokenStore) TakeQueue(ctx context.Context, id string) ([]Message, error) {
	if b.broken {
		return nil, errDiskGone
	}
	return b.Memory.TakeQueue(ctx, id)
}

func TestShadowedSeedsMirror(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	primary := NewMemory()
	if err := primary.UpsertInstance(ctx, "seeded", now); err != nil {
		t.Fatalf("UpsertInstance: %v", err)
	}
	if err := primary.AppendMessage(ctx, Message{ID: "m1", From: "x", To: "seeded", Body: "hello", CreatedAt: now}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	broken := &brokenStore{Memory: primary}
	shadowed, err := NewShadowed(ctx, broken, nil)
	if err != nil {
		t.Fatalf("NewShadowed: %v", err)
	}

	// Kill the primary. The mirror must already hold the seeded state.
	broken.broken = true

	if _, found, err := shadowed.GetInstance(ctx, "seeded"); err != nil || !found {
		t.Fatalf("GetInstance from mirror: found=%v err=%v", found, err)
	}
	taken, err := shadowed.TakeQueue(ctx, "seeded")
	if err != nil {
		t.Fatalf("TakeQueue from mirror: %v", err)
	}
	if len(taken) != 1 || taken[0].Body != "hello" {
		t.Fatalf("taken = %v, want the seeded message", taken)
	}
}

func TestShadowedDegradesOnPrimaryFailure(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	broken := &brokenStore{Memory: NewMemory()}
	shadowed, err := NewShadowed(ctx, broken, nil)
	if err != nil {
		t.Fatalf("NewShadowed: %v", err)
	}
	if shadowed.Degraded() {
		t.Fatal("degraded before any failure")
	}

	broken.broken = true

	// Mutations succeed against the mirror even with the primary down.
	if err := shadowed.UpsertInstance(ctx, "survivor", now); err != nil {
		t.Fatalf("UpsertInstance while degraded: %v", err)
	}
	if !shadowed.Degraded() {
		t.Error("not marked degraded after primary failure")
	}
	if _, found, err := shadowed.GetInstance(ctx, "survivor"); err != nil || !found {
		t.Fatalf("GetInstance: found=%v err=%v", found, err)
	}

	// Recovery is not attempted: the primary stays out even if it
	// would now succeed, since its state has diverged.
	broken.broken = false
	if err := shadowed.UpsertInstance(ctx, "later", now); err != nil {
		t.Fatalf("UpsertInstance: %v", err)
	}
	if _, found, _ := broken.Memory.GetInstance(ctx, "later"); found {
		t.Error("degraded store wrote to primary")
	}
}

func TestShadowedKeepsPrimaryAndMirrorInSync(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	primary := NewMemory()
	shadowed, err := NewShadowed(ctx, primary, nil)
	if err != nil {
		t.Fatalf("NewShadowed: %v", err)
	}

	if err := shadowed.AppendMessage(ctx, Message{ID: "m1", From: "x", To: "a", Body: "b", CreatedAt: now}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if length, _ := primary.QueueLength(ctx, "a"); length != 1 {
		t.Errorf("primary queue = %d, want 1", length)
	}

	// Taking through the composite marks delivery in both.
	if _, err := shadowed.TakeQueue(ctx, "a"); err != nil {
		t.Fatalf("TakeQueue: %v", err)
	}
	if length, _ := primary.QueueLength(ctx, "a"); length != 0 {
		t.Errorf("primary queue after take = %d, want 0", length)
	}
	if length, _ := shadowed.mirror.QueueLength(ctx, "a"); length != 0 {
		t.Errorf("mirror queue after take = %d, want 0", length)
	}
}
