// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/courier-foundation/courier/lib/clock"
)

const (
	// largeThreshold is the body size above which content moves to a
	// side file and the queue carries a synopsis.
	largeThreshold = 10 * 1024

	// synopsisMax bounds the in-queue synopsis.
	synopsisMax = 150
)

// Synopsis extracts up to two sentences from content, falling back to
// a truncation when no sentence boundary is found. The result never
// exceeds synopsisMax characters.
func Synopsis(content string) string {
	content = strings.TrimSpace(content)

	var sentences []string
	var current strings.Builder
	for _, r := range content {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			sentence := strings.TrimSpace(current.String())
			if len(sentence) > 10 {
				sentences = append(sentences, sentence)
				current.Reset()
				if len(sentences) == 2 {
					break
				}
			}
		}
	}

	summary := strings.Join(sentences, " ")
	if summary == "" {
		summary = content
	}
	if len(summary) > synopsisMax {
		summary = strings.TrimSpace(summary[:synopsisMax]) + "..."
	}
	return summary
}

// largeFiles writes oversized message bodies to the data directory.
type largeFiles struct {
	dir    string
	clock  clock.Clock
	logger *slog.Logger
}

func newLargeFiles(dataDir string, clk clock.Clock, logger *slog.Logger) *largeFiles {
	return &largeFiles{
		dir:    filepath.Join(dataDir, "large-messages"),
		clock:  clk,
		logger: logger,
	}
}

// sanitizeID strips anything that could escape the directory. The id
// format is validated upstream, so this only matters for defense in
// depth on the sender side.
func sanitizeID(id string) string {
	id = filepath.Base(id)
	id = strings.ReplaceAll(id, "/", "_")
	return strings.ReplaceAll(id, "\\", "_")
}

// save writes the full content to a timestamped side file and returns
// its path.
func (l *largeFiles) save(from, to, content string) (string, error) {
	now := l.clock.Now()
	name := fmt.Sprintf("%s_%s_%s_message.md",
		now.Format("20060102-150405"), sanitizeID(from), sanitizeID(to))
	path := filepath.Join(l.dir, name)

	sizeKB := float64(len(content)) / 1024

	var file strings.Builder
	fmt.Fprintf(&file, "# Courier Message\nFrom: %s\nTo: %s\nTime: %s\nSize: %.1fKB\n\n## Content\n%s\n",
		from, to, now.Format("2006-01-02T15:04:05"), sizeKB, content)

	if err := os.MkdirAll(l.dir, 0o700); err != nil {
		return "", fmt.Errorf("creating large-message directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(file.String()), 0o600); err != nil {
		return "", fmt.Errorf("writing large message: %w", err)
	}
	return path, nil
}

// offload replaces an oversized payload with its synopsis plus a
// pointer to the side file. Small payloads pass through unchanged;
// the second return is the side file path ("" when inline) and the
// third is the original body size.
func (l *largeFiles) offload(from, to string, payload Payload) (Payload, string, int64, error) {
	size := int64(len(payload.Content))
	if size <= largeThreshold {
		return payload, "", size, nil
	}

	path, err := l.save(from, to, payload.Content)
	if err != nil {
		// The message still goes through inline rather than being
		// dropped; the failure is operational, not the sender's.
		l.logger.Error("large message offload failed", "from", from, "to", to, "error", err)
		return payload, "", size, nil
	}

	data := payload.Data
	if data == nil {
		data = make(map[string]any)
	}
	data["large_message_file"] = path
	data["original_size_kb"] = math.Round(float64(size)/1024*10) / 10

	offloaded := Payload{
		Content: Synopsis(payload.Content) + " Full content saved to: " + path,
		Data:    data,
	}
	l.logger.Info("large message offloaded", "from", from, "to", to, "size", size, "path", path)
	return offloaded, path, size, nil
}
