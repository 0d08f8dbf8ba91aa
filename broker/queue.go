// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/courier-foundation/courier/lib/clock"
	"github.com/courier-foundation/courier/store"
)

const (
	// queueCap bounds one recipient's undelivered backlog.
	queueCap = 100

	// retention is how long undelivered messages to never-registered
	// recipients are kept before the gc purges them.
	retention = 7 * 24 * time.Hour
)

// Queues implements send, check, and broadcast over the store.
type Queues struct {
	store    store.Store
	clock    clock.Clock
	registry *Registry
	large    *largeFiles
	logger   *slog.Logger
}

func NewQueues(st store.Store, clk clock.Clock, registry *Registry, dataDir string, logger *slog.Logger) *Queues {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Queues{
		store:    st,
		clock:    clk,
		registry: registry,
		large:    newLargeFiles(dataDir, clk, logger),
		logger:   logger,
	}
}

// Send queues one message. The recipient id resolves through an
// unexpired forward; an unregistered recipient gets a pending queue
// delivered on registration.
func (q *Queues) Send(ctx context.Context, from, to string, payload Payload) (string, error) {
	if !ValidInstanceID(to) {
		return "", errMalformed("Invalid recipient ID format")
	}

	payload, largePath, originalSize, err := q.large.offload(from, to, payload)
	if err != nil {
		return "", errInternal(err)
	}

	resolved, err := q.registry.Resolve(ctx, to)
	if err != nil {
		return "", err
	}
	forwarded := resolved != to

	length, err := q.store.QueueLength(ctx, resolved)
	if err != nil {
		return "", errInternal(err)
	}
	if length >= queueCap {
		return "", errRateLimited(fmt.Sprintf("Message queue full for %s (%d message limit)", resolved, queueCap))
	}

	_, registered, err := q.store.GetInstance(ctx, resolved)
	if err != nil {
		return "", errInternal(err)
	}

	if err := q.append(ctx, from, resolved, payload, largePath, originalSize); err != nil {
		return "", err
	}

	switch {
	case forwarded:
		return fmt.Sprintf("Message forwarded from %s to %s", to, resolved), nil
	case !registered:
		return fmt.Sprintf("Message queued for %s (not yet registered)", resolved), nil
	default:
		return "Message sent", nil
	}
}

func (q *Queues) append(ctx context.Context, from, to string, payload Payload, largePath string, originalSize int64) error {
	message := store.Message{
		ID:            uuid.NewString(),
		From:          from,
		To:            to,
		Body:          payload.Content,
		Data:          payload.Data,
		CreatedAt:     q.clock.Now(),
		LargeFilePath: largePath,
		OriginalSize:  originalSize,
	}
	if err := q.store.AppendMessage(ctx, message); err != nil {
		return errInternal(err)
	}
	return nil
}

// Check atomically drains the caller's queue: the undelivered
// messages are selected and marked delivered in one store operation,
// so no message is returned twice or lost between the two steps.
func (q *Queues) Check(ctx context.Context, instanceID string) ([]DeliveredMessage, error) {
	resolved, err := q.registry.Resolve(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	taken, err := q.store.TakeQueue(ctx, resolved)
	if err != nil {
		return nil, errInternal(err)
	}

	delivered := make([]DeliveredMessage, len(taken))
	for i, message := range taken {
		delivered[i] = DeliveredMessage{
			From:      message.From,
			To:        message.To,
			Timestamp: message.CreatedAt.Format(time.RFC3339Nano),
			Message:   Payload{Content: message.Body, Data: message.Data},
		}
	}
	return delivered, nil
}

// Broadcast queues the payload for every known instance except the
// sender and returns the recipient count. Oversized content is
// offloaded once; all recipients share the side file.
func (q *Queues) Broadcast(ctx context.Context, from string, payload Payload) (int, error) {
	payload, largePath, originalSize, err := q.large.offload(from, "all", payload)
	if err != nil {
		return 0, errInternal(err)
	}

	instances, err := q.store.ListInstances(ctx)
	if err != nil {
		return 0, errInternal(err)
	}

	count := 0
	for _, instance := range instances {
		if instance.ID == from {
			continue
		}
		if err := q.append(ctx, from, instance.ID, payload, largePath, originalSize); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// SystemNotice queues a broker-originated message to every instance
// except the excluded one. Used for rename notifications.
func (q *Queues) SystemNotice(ctx context.Context, exclude, content string) error {
	instances, err := q.store.ListInstances(ctx)
	if err != nil {
		return errInternal(err)
	}
	for _, instance := range instances {
		if instance.ID == exclude {
			continue
		}
		payload := Payload{Content: content}
		if err := q.append(ctx, "system", instance.ID, payload, "", int64(len(content))); err != nil {
			return err
		}
	}
	return nil
}

// Purge removes undelivered messages past retention whose recipient
// never registered and returns them for archiving.
func (q *Queues) Purge(ctx context.Context) ([]store.Message, error) {
	cutoff := q.clock.Now().Add(-retention)
	purged, err := q.store.PurgeExpired(ctx, cutoff)
	if err != nil {
		return nil, errInternal(err)
	}
	return purged, nil
}

// DropDelivered clears delivered rows past retention. They were kept
// only for operational inspection.
func (q *Queues) DropDelivered(ctx context.Context) (int, error) {
	cutoff := q.clock.Now().Add(-retention)
	removed, err := q.store.DeleteDeliveredBefore(ctx, cutoff)
	if err != nil {
		return 0, errInternal(err)
	}
	return removed, nil
}
