// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/courier-foundation/courier/lib/clock"
	"github.com/courier-foundation/courier/store"
)

const (
	// renameLimit is the minimum interval between renames of one id.
	renameLimit = time.Hour

	// forwardWindow is how long a renamed id keeps forwarding.
	forwardWindow = 2 * time.Hour
)

var instanceIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,32}$`)

// ValidInstanceID reports whether id is a legal instance identifier.
func ValidInstanceID(id string) bool {
	return instanceIDPattern.MatchString(id)
}

// Registry owns instance presence and the rename lifecycle.
type Registry struct {
	store  store.Store
	clock  clock.Clock
	logger *slog.Logger

	// lastRename is deliberately memory-only: the limit is an abuse
	// guard, not an invariant worth persisting across restarts.
	lastRename map[string]time.Time
}

func NewRegistry(st store.Store, clk clock.Clock, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		store:      st,
		clock:      clk,
		logger:     logger,
		lastRename: make(map[string]time.Time),
	}
}

// Register creates or refreshes the instance row and reports how many
// messages were already queued for it.
func (r *Registry) Register(ctx context.Context, instanceID string) (int, error) {
	if !ValidInstanceID(instanceID) {
		return 0, errMalformed("Invalid instance ID format. Use 1-32 alphanumeric characters, hyphens, or underscores.")
	}
	if err := r.store.UpsertInstance(ctx, instanceID, r.clock.Now()); err != nil {
		return 0, errInternal(err)
	}
	queued, err := r.store.QueueLength(ctx, instanceID)
	if err != nil {
		return 0, errInternal(err)
	}
	return queued, nil
}

// Touch refreshes last_seen for an authenticated instance.
func (r *Registry) Touch(ctx context.Context, instanceID string) error {
	if err := r.store.UpsertInstance(ctx, instanceID, r.clock.Now()); err != nil {
		return errInternal(err)
	}
	return nil
}

// Resolve follows an unexpired forward one hop, else returns id
// unchanged.
func (r *Registry) Resolve(ctx context.Context, id string) (string, error) {
	forward, found, err := r.store.GetForward(ctx, id, r.clock.Now())
	if err != nil {
		return "", errInternal(err)
	}
	if found {
		return forward.NewID, nil
	}
	return id, nil
}

// List returns all known instances in stable (lexical) order.
func (r *Registry) List(ctx context.Context) ([]store.Instance, error) {
	instances, err := r.store.ListInstances(ctx)
	if err != nil {
		return nil, errInternal(err)
	}
	return instances, nil
}

// Rename moves oldID to newID: queue contents, instance row, and the
// live session follow atomically, and a forward keeps the old id
// resolving for the forwarding window.
func (r *Registry) Rename(ctx context.Context, oldID, newID string) error {
	if !ValidInstanceID(newID) {
		return errMalformed("Invalid new instance ID format")
	}

	now := r.clock.Now()
	if last, renamed := r.lastRename[oldID]; renamed {
		elapsed := now.Sub(last)
		if elapsed < renameLimit {
			minutesLeft := int((renameLimit - elapsed).Minutes())
			return errRateLimited(fmt.Sprintf("Rate limit: can rename again in %d minutes", minutesLeft))
		}
	}

	if _, found, err := r.store.GetInstance(ctx, oldID); err != nil {
		return errInternal(err)
	} else if !found {
		return errConflict(fmt.Sprintf("Instance %s not found", oldID))
	}
	if _, found, err := r.store.GetInstance(ctx, newID); err != nil {
		return errInternal(err)
	} else if found {
		return errConflict(fmt.Sprintf("Instance %s already exists", newID))
	}

	forward := store.Forward{
		OldID:     oldID,
		NewID:     newID,
		ExpiresAt: now.Add(forwardWindow),
	}
	if err := r.store.Rename(ctx, oldID, newID, forward); err != nil {
		return errInternal(err)
	}

	// The limit follows the identity to its new name.
	delete(r.lastRename, oldID)
	r.lastRename[newID] = now

	r.logger.Info("instance renamed", "old", oldID, "new", newID)
	return nil
}

// ExpireForwards drops forwards past their window. Called from gc and
// before resolution-heavy operations.
func (r *Registry) ExpireForwards(ctx context.Context) (int, error) {
	removed, err := r.store.DeleteExpiredForwards(ctx, r.clock.Now())
	if err != nil {
		return 0, errInternal(err)
	}
	return removed, nil
}
