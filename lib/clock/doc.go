// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable wall clock.
//
// The broker's behavior is dominated by time windows: 24 hour session
// expiry, one hour rename rate limits, two hour name forwarding, seven
// day message retention. Testing those against the real clock is not
// practical, so every component that reads time takes a [Clock] and
// tests use [Fake] with explicit Advance calls.
package clock
