// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/courier-foundation/courier/lib/clock"
	"github.com/courier-foundation/courier/lib/testutil"
	"github.com/courier-foundation/courier/store"
)

// startTestServer binds an ephemeral port and serves until the test
// ends, returning a client pointed at it.
func startTestServer(t *testing.T, b *Broker) *Client {
	t.Helper()
	if err := b.Bind("127.0.0.1:0"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- b.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		if err := testutil.RequireReceive(t, done, 5*time.Second, "server shutdown"); err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return &Client{Addr: b.Addr(), Timeout: 5 * time.Second}
}

func TestServerRoundTrip(t *testing.T) {
	b, _ := newTestBroker(t, "")
	client := startTestServer(t, b)

	registered, err := client.Do(Request{Action: ActionRegister, InstanceID: "wire-sender"})
	if err != nil {
		t.Fatalf("register over TCP: %v", err)
	}
	if registered.Status != StatusOK || registered.SessionToken == "" {
		t.Fatalf("register response = %+v", registered)
	}

	receiver, err := client.Do(Request{Action: ActionRegister, InstanceID: "wire-receiver"})
	if err != nil {
		t.Fatalf("register receiver: %v", err)
	}

	sent, err := client.Do(Request{
		Action:       ActionSend,
		SessionToken: registered.SessionToken,
		ToID:         "wire-receiver",
		Message:      &Payload{Content: "over the wire", Data: map[string]any{"k": "v"}},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if sent.Status != StatusOK {
		t.Fatalf("send response: %s (%s)", sent.Message, sent.Code)
	}

	checked, err := client.Do(Request{Action: ActionCheck, SessionToken: receiver.SessionToken})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if checked.Data == nil || len(checked.Data.Messages) != 1 {
		t.Fatalf("check response = %+v", checked)
	}
	message := checked.Data.Messages[0]
	if message.From != "wire-sender" || message.Message.Content != "over the wire" {
		t.Errorf("message = %+v", message)
	}
	if message.Message.Data["k"] != "v" {
		t.Errorf("data did not survive the wire: %v", message.Message.Data)
	}
}

func TestServerRejectsMalformedJSON(t *testing.T) {
	b, _ := newTestBroker(t, "")
	client := startTestServer(t, b)

	conn, err := net.Dial("tcp", client.Addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := conn.Write([]byte("{this is not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	response, err := ReadResponse(conn)
	if err != nil {
		t.Fatalf("reading error response: %v", err)
	}
	if response.Status != StatusError || response.Code != CodeMalformed {
		t.Errorf("response = %+v, want malformed error", response)
	}
}

func TestServerRejectsUnknownAction(t *testing.T) {
	b, _ := newTestBroker(t, "")
	token := register(t, b, "prober")

	response := b.Dispatch(context.Background(), Request{Action: "selfdestruct", SessionToken: token})
	if response.Status != StatusError || response.Code != CodeMalformed {
		t.Errorf("unknown action: status=%s code=%s", response.Status, response.Code)
	}
}

func TestSenderIdentityComesFromToken(t *testing.T) {
	b, _ := newTestBroker(t, "")
	honestToken := register(t, b, "honest")
	receiverToken := register(t, b, "receiver")

	// The claimed instance_id is ignored; the token decides.
	response := b.Dispatch(context.Background(), Request{
		Action:       ActionSend,
		SessionToken: honestToken,
		InstanceID:   "someone-else",
		ToID:         "receiver",
		Message:      &Payload{Content: "spoof attempt"},
	})
	if response.Status != StatusOK {
		t.Fatalf("send: %s", response.Message)
	}
	messages := check(t, b, receiverToken)
	if len(messages) != 1 || messages[0].From != "honest" {
		t.Errorf("message From = %v, want honest", messages)
	}
}

func TestConcurrentSendsDeliverExactlyOnce(t *testing.T) {
	b, _ := newTestBroker(t, "")
	const senders = 8
	const perSender = 5

	tokens := make([]string, senders)
	for i := range tokens {
		tokens[i] = register(t, b, testutil.UniqueID("sender"))
	}

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				response := send(t, b, tokens[i], "popular", fmt.Sprintf("from %d #%d", i, j))
				if response.Status != StatusOK {
					t.Errorf("send: %s", response.Message)
				}
			}
		}(i)
	}
	wg.Wait()

	token := register(t, b, "popular")
	messages := check(t, b, token)
	if len(messages) != senders*perSender {
		t.Fatalf("got %d messages, want %d", len(messages), senders*perSender)
	}
	seen := make(map[string]bool)
	for _, message := range messages {
		if seen[message.Message.Content] {
			t.Errorf("duplicate delivery: %q", message.Message.Content)
		}
		seen[message.Message.Content] = true
	}
	if again := check(t, b, token); len(again) != 0 {
		t.Errorf("second check returned %d messages", len(again))
	}
}

func TestBootstrapFirstBindWins(t *testing.T) {
	first, _ := newTestBroker(t, "")
	role, err := Bootstrap(first, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("first bootstrap: %v", err)
	}
	if role != RoleBroker {
		t.Fatalf("first role = %s, want broker", role)
	}
	defer first.Close()

	// A second process on the same port becomes a client, no error.
	second, _ := newTestBroker(t, "")
	role, err = Bootstrap(second, first.Addr())
	if err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
	if role != RoleClient {
		t.Errorf("second role = %s, want client", role)
	}
	if second.State() != StateUnbound {
		t.Errorf("second state = %s, want unbound", second.State())
	}
}

func TestBrokerStateMachine(t *testing.T) {
	b := New(Config{Store: store.NewMemory(), Clock: clock.Fake(testStart), DataDir: t.TempDir()})
	if b.State() != StateUnbound {
		t.Fatalf("initial state = %s", b.State())
	}
	if err := b.Serve(context.Background()); err == nil {
		t.Error("Serve before Bind did not fail")
	}
	if err := b.Bind("127.0.0.1:0"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if b.State() != StateBound {
		t.Errorf("state after bind = %s", b.State())
	}
	if err := b.Bind("127.0.0.1:0"); err == nil {
		t.Error("second Bind did not fail")
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if b.State() != StateStopped {
		t.Errorf("state after close = %s", b.State())
	}
}
