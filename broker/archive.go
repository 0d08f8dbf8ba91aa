// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/courier-foundation/courier/lib/clock"
	"github.com/courier-foundation/courier/store"
)

// Purged messages are archived before deletion so retention never
// destroys the only copy of a message. The archive is a zstd stream
// of CBOR records, one per message.

// archiveRecord is the on-disk form of one purged message.
type archiveRecord struct {
	ID            string         `cbor:"id"`
	From          string         `cbor:"from"`
	To            string         `cbor:"to"`
	Body          string         `cbor:"body"`
	Data          map[string]any `cbor:"data,omitempty"`
	CreatedAt     int64          `cbor:"created_at"`
	LargeFilePath string         `cbor:"large_file_path,omitempty"`
	OriginalSize  int64          `cbor:"original_size,omitempty"`
}

var archiveDecMode cbor.DecMode

func init() {
	var err error
	archiveDecMode, err = cbor.DecOptions{
		// Data payloads decode into map[string]any so they stay
		// compatible with the JSON wire types.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("broker: CBOR decoder initialization failed: " + err.Error())
	}
}

// Archive writes purge archives under <datadir>/archive.
type Archive struct {
	dir    string
	clock  clock.Clock
	logger *slog.Logger
}

func NewArchive(dataDir string, clk clock.Clock, logger *slog.Logger) *Archive {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Archive{
		dir:    filepath.Join(dataDir, "archive"),
		clock:  clk,
		logger: logger,
	}
}

// WritePurged archives the given messages and returns the archive
// path. A nil or empty slice writes nothing and returns "".
func (a *Archive) WritePurged(messages []store.Message) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}
	if err := os.MkdirAll(a.dir, 0o700); err != nil {
		return "", fmt.Errorf("creating archive directory: %w", err)
	}

	name := fmt.Sprintf("purged-%s.cbor.zst", a.clock.Now().Format("20060102-150405"))
	path := filepath.Join(a.dir, name)

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("creating archive: %w", err)
	}
	defer file.Close()

	compressor, err := zstd.NewWriter(file, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return "", fmt.Errorf("initializing compressor: %w", err)
	}

	encoder := cbor.NewEncoder(compressor)
	for _, message := range messages {
		record := archiveRecord{
			ID:            message.ID,
			From:          message.From,
			To:            message.To,
			Body:          message.Body,
			Data:          message.Data,
			CreatedAt:     message.CreatedAt.UnixNano(),
			LargeFilePath: message.LargeFilePath,
			OriginalSize:  message.OriginalSize,
		}
		if err := encoder.Encode(record); err != nil {
			compressor.Close()
			return "", fmt.Errorf("encoding archive record: %w", err)
		}
	}
	if err := compressor.Close(); err != nil {
		return "", fmt.Errorf("flushing archive: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("closing archive: %w", err)
	}

	a.logger.Info("purged messages archived", "count", len(messages), "path", path)
	return path, nil
}

// ReadArchive loads every record of one archive file.
func ReadArchive(path string) ([]store.Message, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	defer file.Close()

	decompressor, err := zstd.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("initializing decompressor: %w", err)
	}
	defer decompressor.Close()

	var messages []store.Message
	decoder := archiveDecMode.NewDecoder(decompressor)
	for {
		var record archiveRecord
		if err := decoder.Decode(&record); err != nil {
			if errors.Is(err, io.EOF) {
				return messages, nil
			}
			return nil, fmt.Errorf("decoding archive record: %w", err)
		}
		messages = append(messages, store.Message{
			ID:            record.ID,
			From:          record.From,
			To:            record.To,
			Body:          record.Body,
			Data:          record.Data,
			CreatedAt:     time.Unix(0, record.CreatedAt),
			LargeFilePath: record.LargeFilePath,
			OriginalSize:  record.OriginalSize,
		})
	}
}
