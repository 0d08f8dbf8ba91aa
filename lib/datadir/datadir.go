// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

// Package datadir establishes the broker's private state directory.
//
// The broker persists messages, sessions, and large-message side files
// under a single directory that must be readable only by the owning
// user. Ensure creates the directory with 0700 and
// verifies both ownership and permission bits so that a broker pointed
// at a world-writable location (for example somewhere under /tmp
// shared across users) refuses to start instead of silently leaking
// message content.
package datadir

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Ensure creates directory (and parents) with owner-only permissions
// and verifies the result: the leaf must be a directory owned by the
// current user with no group or other access bits. Returns the cleaned
// absolute path.
func Ensure(directory string) (string, error) {
	if directory == "" {
		return "", fmt.Errorf("datadir: empty path")
	}

	absolute, err := filepath.Abs(directory)
	if err != nil {
		return "", fmt.Errorf("datadir: resolving %s: %w", directory, err)
	}

	if err := os.MkdirAll(absolute, 0o700); err != nil {
		return "", fmt.Errorf("datadir: creating %s: %w", absolute, err)
	}

	// MkdirAll does not tighten an existing directory's mode, so an
	// inherited 0755 directory is fixed up here.
	if err := os.Chmod(absolute, 0o700); err != nil {
		return "", fmt.Errorf("datadir: setting mode on %s: %w", absolute, err)
	}

	if err := verify(absolute); err != nil {
		return "", err
	}
	return absolute, nil
}

// verify checks ownership and permission bits on the leaf directory.
func verify(directory string) error {
	var stat unix.Stat_t
	if err := unix.Stat(directory, &stat); err != nil {
		return fmt.Errorf("datadir: stat %s: %w", directory, err)
	}

	if stat.Mode&unix.S_IFMT != unix.S_IFDIR {
		return fmt.Errorf("datadir: %s is not a directory", directory)
	}
	if int(stat.Uid) != os.Getuid() {
		return fmt.Errorf("datadir: %s is owned by uid %d, not the broker user (uid %d)",
			directory, stat.Uid, os.Getuid())
	}
	if stat.Mode&(unix.S_IRWXG|unix.S_IRWXO) != 0 {
		return fmt.Errorf("datadir: %s is accessible beyond its owner (mode %04o)",
			directory, stat.Mode&0o7777)
	}
	return nil
}
