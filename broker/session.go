// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/courier-foundation/courier/lib/clock"
	"github.com/courier-foundation/courier/store"
)

const (
	// sessionTTL is how long an issued token stays valid.
	sessionTTL = 24 * time.Hour

	// tokenBytes is the entropy of a session token.
	tokenBytes = 32

	// rateLimitMax requests per rateLimitWindow per instance.
	rateLimitMax    = 100
	rateLimitWindow = time.Minute
)

// sessionDomainKey separates session token hashes from any other
// BLAKE3 use. The bytes are the ASCII domain name zero-padded to 32,
// readable in hex dumps. Changing it invalidates all stored sessions.
var sessionDomainKey = [32]byte{
	'c', 'o', 'u', 'r', 'i', 'e', 'r', '.', 's', 'e', 's', 's', 'i', 'o', 'n', '.',
	't', 'o', 'k', 'e', 'n', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Proof computes the registration proof for an instance id: the
// hex-encoded HMAC-SHA256 of the id keyed by the shared secret.
// Clients compute it from the same environment secret the broker
// holds; with no secret configured the broker skips verification.
func Proof(instanceID, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(instanceID))
	return hex.EncodeToString(mac.Sum(nil))
}

// hashToken maps a wire token to its stored one-way hash. Only the
// hash ever touches the store, so a leaked database cannot mint
// usable tokens.
func hashToken(token string) string {
	hasher, err := blake3.NewKeyed(sessionDomainKey[:])
	if err != nil {
		panic("broker: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write([]byte(token))
	return hex.EncodeToString(hasher.Sum(nil))
}

// Sessions issues and validates session tokens and enforces the
// per-instance request rate limit.
type Sessions struct {
	store  store.Store
	clock  clock.Clock
	secret string
	logger *slog.Logger

	mu      sync.Mutex
	windows map[string][]time.Time
}

// NewSessions builds the session manager. An empty secret selects
// open mode: any registration proof is accepted.
func NewSessions(st store.Store, clk clock.Clock, secret string, logger *slog.Logger) *Sessions {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Sessions{
		store:   st,
		clock:   clk,
		secret:  secret,
		logger:  logger,
		windows: make(map[string][]time.Time),
	}
}

// Authenticate verifies the registration proof and issues a fresh
// token, superseding any live session for the instance.
func (s *Sessions) Authenticate(ctx context.Context, instanceID, proof string) (string, error) {
	if s.secret != "" {
		expected := Proof(instanceID, s.secret)
		if !hmac.Equal([]byte(proof), []byte(expected)) {
			s.logger.Warn("registration proof rejected", "instance", instanceID)
			return "", errAuth()
		}
	}

	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", errInternal(fmt.Errorf("generating token: %w", err))
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	now := s.clock.Now()
	session := store.Session{
		TokenHash:  hashToken(token),
		InstanceID: instanceID,
		IssuedAt:   now,
		ExpiresAt:  now.Add(sessionTTL),
	}
	if err := s.store.PutSession(ctx, session); err != nil {
		return "", errInternal(err)
	}
	return token, nil
}

// Validate resolves a token to its instance id. The resolved id is
// authoritative for the request; any client-claimed identity is
// ignored by callers.
func (s *Sessions) Validate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", errSessionMissing()
	}
	session, found, err := s.store.GetSession(ctx, hashToken(token))
	if err != nil {
		return "", errInternal(err)
	}
	if !found {
		return "", errSessionInvalid()
	}
	if !s.clock.Now().Before(session.ExpiresAt) {
		return "", errSessionExpired()
	}
	return session.InstanceID, nil
}

// EnforceRateLimit counts one request against the instance's sliding
// window.
func (s *Sessions) EnforceRateLimit(instanceID string) error {
	return s.RateLimitN(instanceID, 1)
}

// RateLimitN counts n requests at once. Broadcast charges one unit
// per recipient through this path.
func (s *Sessions) RateLimitN(instanceID string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	cutoff := now.Add(-rateLimitWindow)

	window := s.windows[instanceID]
	kept := window[:0]
	for _, at := range window {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}

	if len(kept)+n > rateLimitMax {
		s.windows[instanceID] = kept
		s.logger.Warn("rate limit exceeded", "instance", instanceID, "window", len(kept))
		return errRateLimited(fmt.Sprintf("Rate limit exceeded: %d requests per minute", rateLimitMax))
	}
	for i := 0; i < n; i++ {
		kept = append(kept, now)
	}
	s.windows[instanceID] = kept
	return nil
}

// ExpireSessions removes sessions past their expiry. Called from the
// periodic gc pass.
func (s *Sessions) ExpireSessions(ctx context.Context) (int, error) {
	return s.store.DeleteExpiredSessions(ctx, s.clock.Now())
}
