// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"
	"syscall"
)

// Role is the outcome of the first-bind-wins election.
type Role int

const (
	// RoleBroker means this process won the bind and serves the port.
	RoleBroker Role = iota

	// RoleClient means another broker owns the port; this process
	// stays a client permanently. There is no retry or takeover; the
	// sole handoff mechanism is the broker releasing the port on
	// exit.
	RoleClient
)

func (r Role) String() string {
	if r == RoleBroker {
		return "broker"
	}
	return "client"
}

// Bootstrap runs the single bind attempt. An address-in-use failure
// is the normal client transition, not an error; anything else (bad
// address, permissions) is a real error.
func Bootstrap(b *Broker, addr string) (Role, error) {
	err := b.Bind(addr)
	if err == nil {
		return RoleBroker, nil
	}
	if errors.Is(err, syscall.EADDRINUSE) {
		b.logger.Info("port already owned, running as client", "addr", addr)
		return RoleClient, nil
	}
	return RoleClient, err
}
