// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/courier-foundation/courier/lib/clock"
	"github.com/courier-foundation/courier/store"
)

// State is the broker lifecycle position.
type State int32

const (
	StateUnbound State = iota
	StateBinding
	StateBound
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateBinding:
		return "binding"
	case StateBound:
		return "bound"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// connTimeout bounds one request/response exchange.
const connTimeout = 30 * time.Second

// Config holds the broker's dependencies and settings.
type Config struct {
	Store   store.Store
	Clock   clock.Clock
	DataDir string

	// Secret is the shared registration secret. Empty selects open
	// mode.
	Secret string

	Logger *slog.Logger
}

// Broker owns all messaging state and serves the wire protocol.
// Handlers serialize under one mutex: connections are accepted and
// read in parallel, but registry, session, and queue mutations happen
// one request at a time, which is what makes check's select-and-mark
// and rename's multi-table move atomic with respect to each other.
type Broker struct {
	sessions *Sessions
	registry *Registry
	queues   *Queues
	archive  *Archive
	clock    clock.Clock
	logger   *slog.Logger

	mu sync.Mutex

	state    atomic.Int32
	listener net.Listener
}

func New(cfg Config) *Broker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	registry := NewRegistry(cfg.Store, cfg.Clock, logger)
	return &Broker{
		sessions: NewSessions(cfg.Store, cfg.Clock, cfg.Secret, logger),
		registry: registry,
		queues:   NewQueues(cfg.Store, cfg.Clock, registry, cfg.DataDir, logger),
		archive:  NewArchive(cfg.DataDir, cfg.Clock, logger),
		clock:    cfg.Clock,
		logger:   logger,
	}
}

// State reports the current lifecycle state.
func (b *Broker) State() State {
	return State(b.state.Load())
}

// Addr returns the bound listener address, or "" before Bind.
func (b *Broker) Addr() string {
	if b.listener == nil {
		return ""
	}
	return b.listener.Addr().String()
}

// Bind attempts the single bind. There is no retry: a bind failure
// means another broker owns the port and this process stays a client.
func (b *Broker) Bind(addr string) error {
	if !b.state.CompareAndSwap(int32(StateUnbound), int32(StateBinding)) {
		return fmt.Errorf("broker: bind from state %s", b.State())
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		b.state.Store(int32(StateUnbound))
		return fmt.Errorf("broker: binding %s: %w", addr, err)
	}
	b.listener = listener
	b.state.Store(int32(StateBound))
	b.logger.Info("broker bound", "addr", listener.Addr().String())
	return nil
}

// Serve accepts connections until ctx is cancelled. Each connection
// carries exactly one request and one response.
func (b *Broker) Serve(ctx context.Context) error {
	if b.State() != StateBound {
		return fmt.Errorf("broker: serve from state %s", b.State())
	}

	go func() {
		<-ctx.Done()
		b.state.Store(int32(StateStopped))
		b.listener.Close()
	}()

	var handlers sync.WaitGroup
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			handlers.Wait()
			if ctx.Err() != nil {
				b.logger.Info("broker stopped")
				return nil
			}
			return fmt.Errorf("broker: accept: %w", err)
		}
		handlers.Add(1)
		go func() {
			defer handlers.Done()
			b.handleConn(ctx, conn)
		}()
	}
}

func (b *Broker) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(connTimeout))

	request, err := ReadRequest(conn)
	if err != nil {
		// A best-effort structured error; the client may already be
		// gone.
		WriteResponse(conn, errorResponse(errMalformed("Malformed request: "+err.Error())))
		return
	}

	response := b.Dispatch(ctx, request)
	if err := WriteResponse(conn, response); err != nil {
		// The mutation already committed; the client re-issues check
		// rather than expecting redelivery.
		b.logger.Warn("response write failed", "action", request.Action, "error", err)
	}
}

// Dispatch runs one request against the broker state. Exported so
// in-process tests can drive the broker without a TCP connection.
func (b *Broker) Dispatch(ctx context.Context, request Request) Response {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch request.Action {
	case ActionRegister:
		return b.handleRegister(ctx, request)
	case ActionSend, ActionCheck, ActionList, ActionRename, ActionBroadcast:
		// The token-resolved identity is authoritative; any claimed
		// instance_id in the request is ignored.
		instanceID, err := b.sessions.Validate(ctx, request.SessionToken)
		if err != nil {
			return errorResponse(err)
		}
		if request.Action != ActionBroadcast {
			if err := b.sessions.EnforceRateLimit(instanceID); err != nil {
				return errorResponse(err)
			}
		}
		if err := b.registry.Touch(ctx, instanceID); err != nil {
			return errorResponse(err)
		}
		switch request.Action {
		case ActionSend:
			return b.handleSend(ctx, instanceID, request)
		case ActionCheck:
			return b.handleCheck(ctx, instanceID)
		case ActionList:
			return b.handleList(ctx)
		case ActionRename:
			return b.handleRename(ctx, instanceID, request)
		case ActionBroadcast:
			return b.handleBroadcast(ctx, instanceID, request)
		}
	}
	return errorResponse(errMalformed(fmt.Sprintf("Unknown action: %s", request.Action)))
}

func (b *Broker) handleRegister(ctx context.Context, request Request) Response {
	if !ValidInstanceID(request.InstanceID) {
		return errorResponse(errMalformed("Invalid instance ID format. Use 1-32 alphanumeric characters, hyphens, or underscores."))
	}
	token, err := b.sessions.Authenticate(ctx, request.InstanceID, request.AuthToken)
	if err != nil {
		return errorResponse(err)
	}
	queued, err := b.registry.Register(ctx, request.InstanceID)
	if err != nil {
		return errorResponse(err)
	}

	message := fmt.Sprintf("Registered %s", request.InstanceID)
	if queued > 0 {
		message = fmt.Sprintf("Registered %s with %d queued messages", request.InstanceID, queued)
	}
	b.logger.Info("instance registered", "instance", request.InstanceID, "queued", queued)
	return Response{Status: StatusOK, Message: message, SessionToken: token}
}

func (b *Broker) handleSend(ctx context.Context, from string, request Request) Response {
	if request.ToID == "" || request.Message == nil {
		return errorResponse(errMalformed("send requires to_id and message"))
	}
	message, err := b.queues.Send(ctx, from, request.ToID, *request.Message)
	if err != nil {
		return errorResponse(err)
	}
	return okResponse(message)
}

func (b *Broker) handleCheck(ctx context.Context, instanceID string) Response {
	messages, err := b.queues.Check(ctx, instanceID)
	if err != nil {
		return errorResponse(err)
	}
	return Response{
		Status:  StatusOK,
		Message: fmt.Sprintf("%d messages", len(messages)),
		Data:    &ResponseData{Messages: messages},
	}
}

func (b *Broker) handleList(ctx context.Context) Response {
	instances, err := b.registry.List(ctx)
	if err != nil {
		return errorResponse(err)
	}
	infos := make([]InstanceInfo, len(instances))
	for i, instance := range instances {
		infos[i] = InstanceInfo{
			ID:       instance.ID,
			LastSeen: instance.LastSeen.Format(time.RFC3339Nano),
		}
	}
	return Response{
		Status:  StatusOK,
		Message: fmt.Sprintf("%d instances", len(infos)),
		Data:    &ResponseData{Instances: infos},
	}
}

func (b *Broker) handleRename(ctx context.Context, oldID string, request Request) Response {
	if request.NewID == "" {
		return errorResponse(errMalformed("rename requires new_id"))
	}
	if err := b.registry.Rename(ctx, oldID, request.NewID); err != nil {
		return errorResponse(err)
	}
	notice := fmt.Sprintf("%s renamed to %s", oldID, request.NewID)
	if err := b.queues.SystemNotice(ctx, request.NewID, notice); err != nil {
		b.logger.Warn("rename notice failed", "old", oldID, "new", request.NewID, "error", err)
	}
	return okResponse(fmt.Sprintf("Renamed %s to %s", oldID, request.NewID))
}

func (b *Broker) handleBroadcast(ctx context.Context, from string, request Request) Response {
	if request.Message == nil {
		return errorResponse(errMalformed("broadcast requires message"))
	}

	// A broadcast charges one rate-limit unit per recipient.
	instances, err := b.registry.List(ctx)
	if err != nil {
		return errorResponse(err)
	}
	recipients := 0
	for _, instance := range instances {
		if instance.ID != from {
			recipients++
		}
	}
	units := recipients
	if units < 1 {
		units = 1
	}
	if err := b.sessions.RateLimitN(from, units); err != nil {
		return errorResponse(err)
	}

	count, err := b.queues.Broadcast(ctx, from, *request.Message)
	if err != nil {
		return errorResponse(err)
	}
	return Response{
		Status:  StatusOK,
		Message: fmt.Sprintf("Broadcast to %d instances", count),
		Data:    &ResponseData{Count: count},
	}
}

// GC runs one housekeeping pass: expired sessions and forwards drop,
// delivered rows past retention drop, and undelivered messages past
// retention to never-registered recipients are archived then purged.
func (b *Broker) GC(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	purged, err := b.queues.Purge(ctx)
	if err != nil {
		return err
	}
	if len(purged) > 0 {
		path, err := b.archive.WritePurged(purged)
		if err != nil {
			// Purge already committed; losing the archive is worth a
			// loud log but not a failed pass.
			b.logger.Error("purge archive failed", "count", len(purged), "error", err)
		} else {
			b.logger.Info("expired messages purged", "count", len(purged), "archive", path)
		}
	}

	dropped, err := b.queues.DropDelivered(ctx)
	if err != nil {
		return err
	}
	expiredSessions, err := b.sessions.ExpireSessions(ctx)
	if err != nil {
		return errInternal(err)
	}
	expiredForwards, err := b.registry.ExpireForwards(ctx)
	if err != nil {
		return err
	}

	if dropped > 0 || expiredSessions > 0 || expiredForwards > 0 {
		b.logger.Info("gc pass complete",
			"delivered_dropped", dropped,
			"sessions_expired", expiredSessions,
			"forwards_expired", expiredForwards)
	}
	return nil
}

// RunGC runs GC on the given interval until ctx is cancelled.
func (b *Broker) RunGC(ctx context.Context, interval time.Duration) {
	ticker := b.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.GC(ctx); err != nil {
				b.logger.Error("gc pass failed", "error", err)
			}
		}
	}
}

// Close releases the listener if bound. Releasing the port is the
// sole handoff mechanism to the next broker.
func (b *Broker) Close() error {
	b.state.Store(int32(StateStopped))
	if b.listener != nil {
		if err := b.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return fmt.Errorf("broker: close: %w", err)
		}
	}
	return nil
}
