// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

// Package broker implements the Courier message broker: identity
// registration with session tokens, per-recipient FIFO queues with
// atomic check-and-clear delivery, rename with a bounded forwarding
// window, future messages for not-yet-registered recipients, and
// large-message offloading to side files.
//
// Exactly one broker per port exists at a time. A process attempts a
// single bind of the well-known loopback port at startup; winning the
// bind makes it the broker, losing makes it a client for its whole
// lifetime (see Bootstrap). The wire protocol is one JSON request and
// one JSON response per TCP connection.
package broker
