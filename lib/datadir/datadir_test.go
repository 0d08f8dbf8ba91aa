// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

package datadir

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureCreates(t *testing.T) {
	target := filepath.Join(t.TempDir(), "courier", "state")

	got, err := Ensure(target)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	info, err := os.Stat(got)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("Ensure did not create a directory")
	}
	if mode := info.Mode().Perm(); mode != 0o700 {
		t.Errorf("mode = %04o, want 0700", mode)
	}
}

func TestEnsureTightensExisting(t *testing.T) {
	target := filepath.Join(t.TempDir(), "loose")
	if err := os.Mkdir(target, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if _, err := Ensure(target); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	info, err := os.Stat(target)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if mode := info.Mode().Perm(); mode != 0o700 {
		t.Errorf("mode after Ensure = %04o, want 0700", mode)
	}
}

func TestEnsureEmptyPath(t *testing.T) {
	if _, err := Ensure(""); err == nil {
		t.Fatal("Ensure(\"\") should fail")
	}
}

func TestEnsureRejectsFile(t *testing.T) {
	target := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(target, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Ensure(target); err == nil {
		t.Fatal("Ensure on a regular file should fail")
	}
}
