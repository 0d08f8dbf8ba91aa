// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

func TestSendCheckRoundTrip(t *testing.T) {
	b, _ := newTestBroker(t, "")
	senderToken := register(t, b, "sender")
	receiverToken := register(t, b, "receiver")

	response := send(t, b, senderToken, "receiver", "hello there")
	if response.Status != StatusOK || response.Message != "Message sent" {
		t.Fatalf("send: %s (%s)", response.Message, response.Code)
	}

	messages := check(t, b, receiverToken)
	if len(messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(messages))
	}
	if messages[0].From != "sender" || messages[0].Message.Content != "hello there" {
		t.Errorf("message = %+v", messages[0])
	}

	// Delivery is exactly-once: a second check is empty.
	if again := check(t, b, receiverToken); len(again) != 0 {
		t.Errorf("second check returned %d messages", len(again))
	}
}

func TestFutureMessagesDeliverInOrder(t *testing.T) {
	b, _ := newTestBroker(t, "")
	senderToken := register(t, b, "sender")

	for _, body := range []string{"A", "B", "C"} {
		response := send(t, b, senderToken, "latecomer", body)
		if response.Status != StatusOK {
			t.Fatalf("send %s: %s", body, response.Message)
		}
		if response.Message != "Message queued for latecomer (not yet registered)" {
			t.Errorf("send message = %q", response.Message)
		}
	}

	response := b.Dispatch(context.Background(), Request{Action: ActionRegister, InstanceID: "latecomer"})
	if response.Status != StatusOK {
		t.Fatalf("register: %s", response.Message)
	}
	if response.Message != "Registered latecomer with 3 queued messages" {
		t.Errorf("register message = %q", response.Message)
	}

	messages := check(t, b, response.SessionToken)
	if len(messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(messages))
	}
	for i, want := range []string{"A", "B", "C"} {
		if messages[i].Message.Content != want {
			t.Errorf("messages[%d] = %q, want %q", i, messages[i].Message.Content, want)
		}
	}
}

func TestQueueCap(t *testing.T) {
	b, clk := newTestBroker(t, "")
	senderToken := register(t, b, "sender")

	for i := 0; i < queueCap; i++ {
		// Stay under the request rate limit while filling the queue.
		clk.Advance(time.Second)
		response := send(t, b, senderToken, "hoarder", fmt.Sprintf("msg %d", i))
		if response.Status != StatusOK {
			t.Fatalf("send %d: %s (%s)", i, response.Message, response.Code)
		}
	}

	clk.Advance(time.Second)
	response := send(t, b, senderToken, "hoarder", "overflow")
	if response.Status != StatusError || response.Code != CodeRateLimited {
		t.Fatalf("send to full queue: status=%s code=%s", response.Status, response.Code)
	}
	if response.Message != "Message queue full for hoarder (100 message limit)" {
		t.Errorf("message = %q", response.Message)
	}
}

func TestLargeMessageOffload(t *testing.T) {
	b, _ := newTestBroker(t, "")
	senderToken := register(t, b, "sender")
	receiverToken := register(t, b, "receiver")

	large := "This is the opening sentence of a large message. This is the second one. " +
		strings.Repeat("filler ", 1600)
	if len(large) <= largeThreshold {
		t.Fatalf("test body too small: %d", len(large))
	}

	if response := send(t, b, senderToken, "receiver", large); response.Status != StatusOK {
		t.Fatalf("send: %s", response.Message)
	}

	messages := check(t, b, receiverToken)
	if len(messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(messages))
	}
	content := messages[0].Message.Content
	if !strings.Contains(content, "Full content saved to: ") {
		t.Fatalf("content missing file pointer: %q", content)
	}
	if !strings.HasPrefix(content, "This is the opening sentence of a large message. This is the second one.") {
		t.Errorf("content missing synopsis: %q", content)
	}

	path, ok := messages[0].Message.Data["large_message_file"].(string)
	if !ok {
		t.Fatalf("data missing large_message_file: %v", messages[0].Message.Data)
	}
	saved, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading side file: %v", err)
	}
	if !strings.Contains(string(saved), "filler") {
		t.Error("side file missing full content")
	}
	if !strings.Contains(string(saved), "From: sender") {
		t.Error("side file missing header")
	}
	if _, ok := messages[0].Message.Data["original_size_kb"]; !ok {
		t.Error("data missing original_size_kb")
	}
}

func TestSmallMessageStaysInline(t *testing.T) {
	b, _ := newTestBroker(t, "")
	senderToken := register(t, b, "sender")
	receiverToken := register(t, b, "receiver")

	body := strings.Repeat("x", 9000)
	if response := send(t, b, senderToken, "receiver", body); response.Status != StatusOK {
		t.Fatalf("send: %s", response.Message)
	}
	messages := check(t, b, receiverToken)
	if len(messages) != 1 || messages[0].Message.Content != body {
		t.Error("9KB body was not delivered unchanged")
	}
}

func TestSynopsis(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "two sentences",
			content: "The build is finally green. Ship the release today! And this third sentence is dropped.",
			want:    "The build is finally green. Ship the release today!",
		},
		{
			name:    "no sentence boundary",
			content: strings.Repeat("word ", 60),
			want:    strings.TrimSpace(strings.Repeat("word ", 60)[:synopsisMax]) + "...",
		},
		{
			name:    "short content unchanged",
			content: "just a note",
			want:    "just a note",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := Synopsis(test.content)
			if got != test.want {
				t.Errorf("Synopsis = %q, want %q", got, test.want)
			}
			if len(got) > synopsisMax+3 {
				t.Errorf("synopsis length %d exceeds bound", len(got))
			}
		})
	}
}

func TestBroadcast(t *testing.T) {
	b, _ := newTestBroker(t, "")
	senderToken := register(t, b, "announcer")
	aToken := register(t, b, "listener-a")
	bToken := register(t, b, "listener-b")

	response := b.Dispatch(context.Background(), Request{
		Action:       ActionBroadcast,
		SessionToken: senderToken,
		Message:      &Payload{Content: "all hands"},
	})
	if response.Status != StatusOK {
		t.Fatalf("broadcast: %s (%s)", response.Message, response.Code)
	}
	if response.Data == nil || response.Data.Count != 2 {
		t.Fatalf("broadcast count = %v, want 2", response.Data)
	}
	if response.Message != "Broadcast to 2 instances" {
		t.Errorf("broadcast message = %q", response.Message)
	}

	for _, token := range []string{aToken, bToken} {
		messages := check(t, b, token)
		if len(messages) != 1 || messages[0].Message.Content != "all hands" {
			t.Errorf("listener messages = %v", messages)
		}
	}
	// The sender does not receive its own broadcast.
	if messages := check(t, b, senderToken); len(messages) != 0 {
		t.Errorf("sender received own broadcast: %v", messages)
	}
}

func TestGCPurgesAndArchives(t *testing.T) {
	ctx := context.Background()
	b, clk := newTestBroker(t, "")
	senderToken := register(t, b, "sender")

	if response := send(t, b, senderToken, "never-shows", "doomed"); response.Status != StatusOK {
		t.Fatalf("send: %s", response.Message)
	}

	clk.Advance(8 * 24 * time.Hour)
	if err := b.GC(ctx); err != nil {
		t.Fatalf("GC: %v", err)
	}

	// A registration now finds nothing queued.
	response := b.Dispatch(ctx, Request{Action: ActionRegister, InstanceID: "never-shows"})
	if response.Status != StatusOK {
		t.Fatalf("register: %s", response.Message)
	}
	if response.Message != "Registered never-shows" {
		t.Errorf("register message = %q, queue not purged", response.Message)
	}

	// The purged message survives in the archive.
	entries, err := os.ReadDir(b.archive.dir)
	if err != nil {
		t.Fatalf("reading archive dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d archive files, want 1", len(entries))
	}
	archived, err := ReadArchive(b.archive.dir + "/" + entries[0].Name())
	if err != nil {
		t.Fatalf("ReadArchive: %v", err)
	}
	if len(archived) != 1 || archived[0].Body != "doomed" {
		t.Fatalf("archived = %v, want the purged message", archived)
	}
}

func TestGCKeepsRegisteredRecipients(t *testing.T) {
	ctx := context.Background()
	b, clk := newTestBroker(t, "")
	senderToken := register(t, b, "sender")
	register(t, b, "receiver")

	if response := send(t, b, senderToken, "receiver", "patient"); response.Status != StatusOK {
		t.Fatalf("send: %s", response.Message)
	}

	clk.Advance(8 * 24 * time.Hour)
	if err := b.GC(ctx); err != nil {
		t.Fatalf("GC: %v", err)
	}

	// Sessions lapsed over the gap; a fresh registration still finds
	// the queue intact because the recipient had registered.
	receiverToken := register(t, b, "receiver")
	messages := check(t, b, receiverToken)
	if len(messages) != 1 || messages[0].Message.Content != "patient" {
		t.Errorf("registered recipient lost its message: %v", messages)
	}
}
