// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"testing"
	"time"

	"github.com/courier-foundation/courier/lib/clock"
	"github.com/courier-foundation/courier/store"
)

func TestArchiveRoundTrip(t *testing.T) {
	archive := NewArchive(t.TempDir(), clock.Fake(testStart), nil)

	messages := []store.Message{
		{
			ID:        "m1",
			From:      "a",
			To:        "gone",
			Body:      "first",
			Data:      map[string]any{"tag": "urgent"},
			CreatedAt: testStart,
		},
		{
			ID:            "m2",
			From:          "b",
			To:            "gone",
			Body:          "second",
			CreatedAt:     testStart.Add(time.Minute),
			LargeFilePath: "/data/large-messages/x.md",
			OriginalSize:  20480,
		},
	}

	path, err := archive.WritePurged(messages)
	if err != nil {
		t.Fatalf("WritePurged: %v", err)
	}
	if path == "" {
		t.Fatal("no archive path returned")
	}

	restored, err := ReadArchive(path)
	if err != nil {
		t.Fatalf("ReadArchive: %v", err)
	}
	if len(restored) != 2 {
		t.Fatalf("got %d records, want 2", len(restored))
	}
	if restored[0].Body != "first" || restored[1].Body != "second" {
		t.Errorf("bodies = %q, %q", restored[0].Body, restored[1].Body)
	}
	if restored[0].Data["tag"] != "urgent" {
		t.Errorf("data = %v", restored[0].Data)
	}
	if !restored[1].CreatedAt.Equal(testStart.Add(time.Minute)) {
		t.Errorf("CreatedAt = %v", restored[1].CreatedAt)
	}
	if restored[1].LargeFilePath != "/data/large-messages/x.md" || restored[1].OriginalSize != 20480 {
		t.Errorf("large file fields = %q, %d", restored[1].LargeFilePath, restored[1].OriginalSize)
	}
}

func TestArchiveEmptyWritesNothing(t *testing.T) {
	archive := NewArchive(t.TempDir(), clock.Fake(testStart), nil)
	path, err := archive.WritePurged(nil)
	if err != nil {
		t.Fatalf("WritePurged(nil): %v", err)
	}
	if path != "" {
		t.Errorf("path = %q, want empty", path)
	}
}
