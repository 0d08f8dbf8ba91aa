// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"fmt"
	"net"
	"time"
)

// DefaultAddr is the well-known loopback rendezvous point.
const DefaultAddr = "127.0.0.1:9876"

// Client issues one-shot requests: connect, one JSON request out, one
// JSON response in, close. Session state travels in the payload, so a
// Client is stateless and safe to share.
type Client struct {
	// Addr is the broker address. Empty means DefaultAddr.
	Addr string

	// Timeout bounds one exchange. Zero means connTimeout.
	Timeout time.Duration
}

// Do performs one request/response exchange.
func (c *Client) Do(request Request) (Response, error) {
	addr := c.Addr
	if addr == "" {
		addr = DefaultAddr
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = connTimeout
	}

	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return Response{}, fmt.Errorf("client: dialing %s: %w", addr, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	if err := WriteRequest(conn, request); err != nil {
		return Response{}, fmt.Errorf("client: %w", err)
	}
	response, err := ReadResponse(conn)
	if err != nil {
		return Response{}, fmt.Errorf("client: %w", err)
	}
	return response, nil
}
