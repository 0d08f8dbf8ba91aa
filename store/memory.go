// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-map Store. Operations never fail, which is exactly
// the property [Shadowed] relies on when the durable store is in
// trouble.
type Memory struct {
	mu        sync.Mutex
	instances map[string]Instance
	sessions  map[string]Session // token hash → session
	forwards  map[string]Forward // old id → forward
	messages  []Message          // append order across all queues
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		instances: make(map[string]Instance),
		sessions:  make(map[string]Session),
		forwards:  make(map[string]Forward),
	}
}

func (m *Memory) UpsertInstance(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	instance, exists := m.instances[id]
	if !exists {
		instance = Instance{ID: id, CreatedAt: now}
	}
	instance.LastSeen = now
	m.instances[id] = instance
	return nil
}

func (m *Memory) GetInstance(_ context.Context, id string) (Instance, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	instance, exists := m.instances[id]
	return instance, exists, nil
}

func (m *Memory) ListInstances(_ context.Context) ([]Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	instances := make([]Instance, 0, len(m.instances))
	for _, instance := range m.instances {
		instances = append(instances, instance)
	}
	sort.Slice(instances, func(i, j int) bool {
		return instances[i].ID < instances[j].ID
	})
	return instances, nil
}

func (m *Memory) PutSession(_ context.Context, session Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for hash, existing := range m.sessions {
		if existing.InstanceID == session.InstanceID {
			delete(m.sessions, hash)
		}
	}
	m.sessions[session.TokenHash] = session
	return nil
}

func (m *Memory) GetSession(_ context.Context, tokenHash string) (Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[tokenHash]
	return session, exists, nil
}

func (m *Memory) ListSessions(_ context.Context) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessions := make([]Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	return sessions, nil
}

func (m *Memory) DeleteExpiredSessions(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for hash, session := range m.sessions {
		if !now.Before(session.ExpiresAt) {
			delete(m.sessions, hash)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) PutForward(_ context.Context, forward Forward) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.forwards[forward.OldID] = forward
	return nil
}

func (m *Memory) GetForward(_ context.Context, oldID string, now time.Time) (Forward, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	forward, exists := m.forwards[oldID]
	if !exists || !now.Before(forward.ExpiresAt) {
		return Forward{}, false, nil
	}
	return forward, true, nil
}

func (m *Memory) ListForwards(_ context.Context) ([]Forward, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	forwards := make([]Forward, 0, len(m.forwards))
	for _, forward := range m.forwards {
		forwards = append(forwards, forward)
	}
	return forwards, nil
}

func (m *Memory) DeleteExpiredForwards(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for oldID, forward := range m.forwards {
		if !now.Before(forward.ExpiresAt) {
			delete(m.forwards, oldID)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) AppendMessage(_ context.Context, message Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.messages = append(m.messages, message)
	return nil
}

func (m *Memory) QueueLength(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, message := range m.messages {
		if message.To == id && !message.Delivered {
			count++
		}
	}
	return count, nil
}

func (m *Memory) TakeQueue(_ context.Context, id string) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var taken []Message
	for i := range m.messages {
		if m.messages[i].To == id && !m.messages[i].Delivered {
			m.messages[i].Delivered = true
			taken = append(taken, m.messages[i])
		}
	}
	return taken, nil
}

func (m *Memory) ListUndelivered(_ context.Context) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var undelivered []Message
	for _, message := range m.messages {
		if !message.Delivered {
			undelivered = append(undelivered, message)
		}
	}
	return undelivered, nil
}

func (m *Memory) Rename(_ context.Context, oldID, newID string, forward Forward) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if instance, exists := m.instances[oldID]; exists {
		delete(m.instances, oldID)
		instance.ID = newID
		m.instances[newID] = instance
	}
	for i := range m.messages {
		if m.messages[i].To == oldID && !m.messages[i].Delivered {
			m.messages[i].To = newID
		}
	}
	for hash, session := range m.sessions {
		if session.InstanceID == oldID {
			session.InstanceID = newID
			m.sessions[hash] = session
		}
	}
	m.forwards[forward.OldID] = forward
	return nil
}

func (m *Memory) PurgeExpired(_ context.Context, cutoff time.Time) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var purged []Message
	kept := m.messages[:0]
	for _, message := range m.messages {
		_, registered := m.instances[message.To]
		if !message.Delivered && !registered && message.CreatedAt.Before(cutoff) {
			purged = append(purged, message)
			continue
		}
		kept = append(kept, message)
	}
	m.messages = kept
	return purged, nil
}

func (m *Memory) DeleteDeliveredBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	kept := m.messages[:0]
	for _, message := range m.messages {
		if message.Delivered && message.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, message)
	}
	m.messages = kept
	return removed, nil
}

func (m *Memory) Close() error { return nil }
