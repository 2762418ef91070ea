package io

/*
oonict — feed TLS chains seen by OONI probes into Certificate Transparency logs
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultBufferSize is the default buffer size for disk I/O
	DefaultBufferSize = 64 * 1024 // 64KB

	// FlushInterval is how often a buffered log is flushed automatically
	FlushInterval = 2 * time.Second

	// tailChunk is how far back we look at a time when searching for the last newline.
	tailChunk = 4096
)

var (
	// ErrLogClosed is returned when appending to a closed log
	ErrLogClosed = errors.New("append log closed")

	// ErrNewlineInRecord is returned when a record would span more than one line
	ErrNewlineInRecord = errors.New("record contains a newline")
)

// LogMetrics holds counters for an AppendLog
type LogMetrics struct {
	BytesWritten  atomic.Int64
	AppendCount   atomic.Int64
	SyncCount     atomic.Int64
	ErrorCount    atomic.Int64
	TruncatedTail atomic.Int64 // Bytes of torn tail dropped on open
	LastSyncTime  atomic.Int64 // Unix timestamp in nanoseconds
	LastErrorTime atomic.Int64 // Unix timestamp in nanoseconds
}

// AppendLog is an append-only, newline-delimited text file.
//
// In Sync mode every Append is flushed and fsynced before it returns, so a record
// that was acknowledged survives a crash. Otherwise records are buffered and
// flushed by a background goroutine every FlushInterval and on Close.
type AppendLog struct {
	// Immutable after creation
	file          *os.File
	bufWriter     *bufio.Writer
	sync          bool
	flushInterval time.Duration
	identifier    string // For logging

	// Mutable state protected by mutex
	mu     sync.Mutex
	closed bool

	ctx     context.Context
	cancel  context.CancelFunc
	flusher sync.WaitGroup

	metrics LogMetrics
}

// AppendLogOptions configures an AppendLog
type AppendLogOptions struct {
	BufferSize    int
	FlushInterval time.Duration
	Sync          bool
	Identifier    string
}

// DefaultAppendLogOptions returns the default options for AppendLog
func DefaultAppendLogOptions() *AppendLogOptions {
	return &AppendLogOptions{
		BufferSize:    DefaultBufferSize,
		FlushInterval: FlushInterval,
		Sync:          false,
	}
}

// OpenAppendLog opens path for appending, creating it and its directory if needed.
// A final line without a terminating newline is a torn write; it is truncated away so
// the next record starts on a fresh line.
func OpenAppendLog(ctx context.Context, path string, options *AppendLogOptions) (*AppendLog, error) {
	if options == nil {
		options = DefaultAppendLogOptions()
	}
	if options.BufferSize <= 0 {
		options.BufferSize = DefaultBufferSize
	}
	if options.FlushInterval <= 0 {
		options.FlushInterval = FlushInterval
	}
	if options.Identifier == "" {
		options.Identifier = filepath.Base(path)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", path, err)
	}

	dropped, err := truncateTornTail(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to repair tail of %s: %w", path, err)
	}

	logCtx, logCancel := context.WithCancel(ctx)
	al := &AppendLog{
		file:          file,
		bufWriter:     bufio.NewWriterSize(file, options.BufferSize),
		sync:          options.Sync,
		flushInterval: options.FlushInterval,
		identifier:    options.Identifier,
		ctx:           logCtx,
		cancel:        logCancel,
	}
	if dropped > 0 {
		al.metrics.TruncatedTail.Store(dropped)
		log.Printf("Warning: %s: dropped %d bytes of incomplete final line", al.identifier, dropped)
	}

	if !al.sync {
		al.startBackgroundFlusher()
	}
	return al, nil
}

// truncateTornTail cuts everything after the last newline. Returns the bytes dropped.
func truncateTornTail(file *os.File) (int64, error) {
	info, err := file.Stat()
	if err != nil {
		return 0, err
	}
	size := info.Size()
	if size == 0 {
		return 0, nil
	}

	buf := make([]byte, tailChunk)
	end := size
	for end > 0 {
		start := end - tailChunk
		if start < 0 {
			start = 0
		}
		chunk := buf[:end-start]
		if _, err := file.ReadAt(chunk, start); err != nil {
			return 0, err
		}
		if i := bytes.LastIndexByte(chunk, '\n'); i >= 0 {
			keep := start + int64(i) + 1
			if keep == size {
				return 0, nil
			}
			return size - keep, file.Truncate(keep)
		}
		end = start
	}
	// No newline at all: the whole file is one torn line.
	return size, file.Truncate(0)
}

// startBackgroundFlusher starts a goroutine that periodically flushes the buffer
func (al *AppendLog) startBackgroundFlusher() {
	ticker := time.NewTicker(al.flushInterval)
	al.flusher.Add(1)

	go func() {
		defer al.flusher.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := al.Flush(); err != nil && !errors.Is(err, ErrLogClosed) {
					log.Printf("Warning: %s: background flush failed: %v", al.identifier, err)
				}
			case <-al.ctx.Done():
				return
			}
		}
	}()
}

// Append writes record followed by a newline. In Sync mode the record is on stable
// storage when Append returns nil.
func (al *AppendLog) Append(record []byte) error {
	if bytes.IndexByte(record, '\n') >= 0 {
		return ErrNewlineInRecord
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	if al.closed {
		return ErrLogClosed
	}

	n, err := al.bufWriter.Write(record)
	if err == nil {
		err = al.bufWriter.WriteByte('\n')
		n++
	}
	if err != nil {
		// Whatever reached the buffer is discarded; the caller must treat the record as unwritten.
		al.bufWriter.Reset(al.file)
		return al.fail(fmt.Errorf("failed to write to buffer: %w", err))
	}
	al.metrics.BytesWritten.Add(int64(n))
	al.metrics.AppendCount.Add(1)

	if al.sync {
		return al.flushLocked(true)
	}
	return nil
}

// Flush writes buffered records to the file and fsyncs it.
func (al *AppendLog) Flush() error {
	al.mu.Lock()
	defer al.mu.Unlock()

	if al.closed {
		return ErrLogClosed
	}
	return al.flushLocked(true)
}

func (al *AppendLog) flushLocked(fsync bool) error {
	if al.bufWriter.Buffered() > 0 {
		if err := al.bufWriter.Flush(); err != nil {
			return al.fail(fmt.Errorf("failed to flush buffer: %w", err))
		}
	} else if !al.sync {
		return nil
	}
	if fsync {
		if err := al.file.Sync(); err != nil {
			return al.fail(fmt.Errorf("failed to sync %s: %w", al.identifier, err))
		}
		al.metrics.SyncCount.Add(1)
		al.metrics.LastSyncTime.Store(time.Now().UnixNano())
	}
	return nil
}

func (al *AppendLog) fail(err error) error {
	al.metrics.ErrorCount.Add(1)
	al.metrics.LastErrorTime.Store(time.Now().UnixNano())
	return err
}

// Close flushes, syncs and closes the log. Calling Close twice is a no-op.
func (al *AppendLog) Close() error {
	al.mu.Lock()
	if al.closed {
		al.mu.Unlock()
		return nil
	}
	al.closed = true
	al.mu.Unlock()

	// Stop the flusher before the final flush so the two never race.
	al.cancel()
	al.flusher.Wait()

	if err := al.bufWriter.Flush(); err != nil {
		al.file.Close()
		return fmt.Errorf("failed to flush buffer on close: %w", err)
	}
	if err := al.file.Sync(); err != nil {
		al.file.Close()
		return fmt.Errorf("failed to sync on close: %w", err)
	}
	if err := al.file.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	return nil
}

// Identifier returns the name used for this log in log lines.
func (al *AppendLog) Identifier() string {
	return al.identifier
}

// GetMetrics returns the live counters for the log
func (al *AppendLog) GetMetrics() *LogMetrics {
	return &al.metrics
}
