// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"testing"
	"time"

	"github.com/courier-foundation/courier/lib/clock"
	"github.com/courier-foundation/courier/store"
)

// testStart is an arbitrary frozen instant all broker tests share.
var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// newTestBroker builds a broker over a memory store with a fake
// clock, open mode unless secret is given.
func newTestBroker(t *testing.T, secret string) (*Broker, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(testStart)
	b := New(Config{
		Store:   store.NewMemory(),
		Clock:   clk,
		DataDir: t.TempDir(),
		Secret:  secret,
	})
	return b, clk
}

// register runs a register request and returns the session token.
func register(t *testing.T, b *Broker, id string) string {
	t.Helper()
	response := b.Dispatch(context.Background(), Request{Action: ActionRegister, InstanceID: id})
	if response.Status != StatusOK {
		t.Fatalf("register %s: %s (%s)", id, response.Message, response.Code)
	}
	if response.SessionToken == "" {
		t.Fatalf("register %s: no session token", id)
	}
	return response.SessionToken
}

func send(t *testing.T, b *Broker, token, to, content string) Response {
	t.Helper()
	return b.Dispatch(context.Background(), Request{
		Action:       ActionSend,
		SessionToken: token,
		ToID:         to,
		Message:      &Payload{Content: content},
	})
}

func check(t *testing.T, b *Broker, token string) []DeliveredMessage {
	t.Helper()
	response := b.Dispatch(context.Background(), Request{Action: ActionCheck, SessionToken: token})
	if response.Status != StatusOK {
		t.Fatalf("check: %s (%s)", response.Message, response.Code)
	}
	if response.Data == nil {
		return nil
	}
	return response.Data.Messages
}
