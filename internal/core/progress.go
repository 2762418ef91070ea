package core

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
	"context"
	"log"
	"strings"
	"sync"

	oio "github.com/x-stp/oonict/internal/io"
)

// Progress remembers archives that were fully processed with nothing left to retry.
// It is only a cache: losing it costs a rescan, never a duplicate submission, because
// every chain is still checked against the ledger.
//
// The file holds the archive IDs, one per line.
type Progress struct {
	path string

	mu      sync.RWMutex
	done    map[string]struct{}
	appends *oio.AppendLog // nil when the cache is memory only.
}

// OpenProgress loads the cache at path. An empty path gives a cache that lives only for
// this process.
func OpenProgress(ctx context.Context, path string) (*Progress, error) {
	p := &Progress{
		path: path,
		done: make(map[string]struct{}),
	}
	if path == "" {
		return p, nil
	}

	rs, err := oio.ReadLines(path, func(_ int, line []byte) error {
		id := strings.TrimSpace(string(line))
		if id != "" {
			p.done[id] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, WrapError(err, "failed to load progress cache", false)
	}
	if len(rs.Torn) > 0 {
		log.Printf("Warning: progress cache %s ends with an incomplete line, ignoring it", path)
	}

	appends, err := oio.OpenAppendLog(ctx, path, &oio.AppendLogOptions{
		Identifier: "progress " + path,
	})
	if err != nil {
		return nil, WrapError(err, "failed to open progress cache", false)
	}
	p.appends = appends

	log.Printf("Progress cache %s: %d archives already complete", path, len(p.done))
	return p, nil
}

// IsComplete reports whether the archive with this ID was fully processed before.
func (p *Progress) IsComplete(id string) bool {
	p.mu.RLock()
	_, ok := p.done[id]
	p.mu.RUnlock()
	return ok
}

// MarkComplete records the archive as fully processed.
func (p *Progress) MarkComplete(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.done[id]; ok {
		return nil
	}
	if p.appends != nil {
		if err := p.appends.Append([]byte(id)); err != nil {
			return WrapError(err, "failed to record archive "+id, true)
		}
	}
	p.done[id] = struct{}{}
	return nil
}

// Len returns the number of archives known to be complete.
func (p *Progress) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.done)
}

// Close flushes the cache file.
func (p *Progress) Close() error {
	if p.appends == nil {
		return nil
	}
	return p.appends.Close()
}
