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
	"fmt"
	"log"
	"sync"

	"github.com/x-stp/oonict/internal/certlib"
	oio "github.com/x-stp/oonict/internal/io"
	"github.com/x-stp/oonict/internal/metrics"
)

// LedgerOptions tunes how a ledger file is loaded.
type LedgerOptions struct {
	// RecoverCorrupt skips lines that are not fingerprints instead of refusing to start.
	RecoverCorrupt bool
}

// LedgerStats summarises a loaded ledger.
type LedgerStats struct {
	Path       string `json:"path"`
	Entries    int    `json:"entries"`     // Distinct fingerprints.
	Lines      int    `json:"lines"`       // Complete lines on disk at load.
	Duplicates int    `json:"duplicates"`  // Lines repeating an earlier fingerprint.
	Blank      int    `json:"blank"`       // Empty lines.
	Recovered  int    `json:"recovered"`   // Invalid lines skipped under RecoverCorrupt.
	TornBytes  int    `json:"torn_bytes"`  // Incomplete final line ignored at load.
	NewEntries int    `json:"new_entries"` // Fingerprints added since load.
}

// Ledger is the durable set of chain fingerprints that reached a terminal outcome
// (accepted or rejected by the log). It never shrinks.
//
// On disk it is a text file with one lowercase hex fingerprint per line, appended and
// fsynced before a fingerprint becomes visible to Contains. Duplicate lines are harmless.
//
// Concurrency: Contains takes a read lock. MarkTerminal serialises writers on writeMu
// and only takes the write lock for the map insert, so lookups are not blocked on fsync.
// Claim/Release maintain an in-flight set so two workers never submit the same chain.
type Ledger struct {
	path string

	mu      sync.RWMutex
	known   map[certlib.Fingerprint]struct{}
	claimed map[certlib.Fingerprint]struct{} // In flight, guarded by mu.
	stats   LedgerStats

	writeMu sync.Mutex
	appends *oio.AppendLog
	closed  bool // Guarded by writeMu.
}

// OpenLedger loads path and opens it for appending. A missing file is an empty ledger.
// An invalid line yields an error wrapping ErrCorruptLedger unless opts.RecoverCorrupt
// is set. An incomplete final line is always ignored with a warning.
func OpenLedger(path string, opts LedgerOptions) (*Ledger, error) {
	l := &Ledger{
		path:    path,
		known:   make(map[certlib.Fingerprint]struct{}),
		claimed: make(map[certlib.Fingerprint]struct{}),
	}
	if err := l.load(opts); err != nil {
		return nil, err
	}

	appends, err := oio.OpenAppendLog(context.Background(), path, &oio.AppendLogOptions{
		Sync:       true,
		BufferSize: 4096,
		Identifier: "ledger " + path,
	})
	if err != nil {
		return nil, WrapError(err, "failed to open ledger for append", false)
	}
	l.appends = appends

	metrics.GetMetrics().SetLedgerSize(len(l.known))
	log.Printf("Ledger %s: %d fingerprints loaded (%d lines, %d duplicates, %d recovered)",
		path, l.stats.Entries, l.stats.Lines, l.stats.Duplicates, l.stats.Recovered)
	return l, nil
}

func (l *Ledger) load(opts LedgerOptions) error {
	rs, err := oio.ReadLines(l.path, func(lineNo int, line []byte) error {
		if len(line) == 0 {
			l.stats.Blank++
			return nil
		}
		fp, err := certlib.ParseFingerprint(string(line))
		if err != nil {
			if !opts.RecoverCorrupt {
				return fmt.Errorf("%w: %s line %d: %v", ErrCorruptLedger, l.path, lineNo, err)
			}
			l.stats.Recovered++
			log.Printf("Warning: ledger %s line %d skipped: %v", l.path, lineNo, err)
			return nil
		}
		if _, dup := l.known[fp]; dup {
			l.stats.Duplicates++
			return nil
		}
		l.known[fp] = struct{}{}
		return nil
	})
	if err != nil {
		return err
	}

	l.stats.Path = l.path
	l.stats.Lines = rs.Lines
	l.stats.Entries = len(l.known)
	if len(rs.Torn) > 0 {
		l.stats.TornBytes = len(rs.Torn)
		log.Printf("Warning: ledger %s ends with an incomplete line (%d bytes), ignoring it", l.path, len(rs.Torn))
	}
	if rs.Missing {
		log.Printf("Ledger %s does not exist yet, starting empty", l.path)
	}
	return nil
}

// Contains reports whether fp reached a terminal outcome in this or an earlier run.
func (l *Ledger) Contains(fp certlib.Fingerprint) bool {
	l.mu.RLock()
	_, ok := l.known[fp]
	l.mu.RUnlock()
	return ok
}

// MarkTerminal durably records fp. When it returns nil, fp is on stable storage and
// Contains(fp) is true. Marking a known fingerprint is a no-op.
func (l *Ledger) MarkTerminal(fp certlib.Fingerprint) error {
	if l.Contains(fp) {
		return nil
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.closed {
		return ErrLedgerClosed
	}
	// Another writer may have recorded it while we waited.
	if l.Contains(fp) {
		return nil
	}

	if err := l.appends.Append([]byte(fp.String())); err != nil {
		metrics.GetMetrics().ObserveLedgerWrite(err, 0)
		return WrapError(err, fmt.Sprintf("failed to record %s in ledger", fp), false)
	}

	l.mu.Lock()
	l.known[fp] = struct{}{}
	l.stats.NewEntries++
	size := len(l.known)
	l.mu.Unlock()

	metrics.GetMetrics().ObserveLedgerWrite(nil, size)
	return nil
}

// Claim reserves fp for submission by the caller. It fails if fp is terminal or
// already claimed. A successful Claim must be paired with Release.
func (l *Ledger) Claim(fp certlib.Fingerprint) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.known[fp]; ok {
		return false
	}
	if _, ok := l.claimed[fp]; ok {
		return false
	}
	l.claimed[fp] = struct{}{}
	return true
}

// Release drops a claim taken with Claim.
func (l *Ledger) Release(fp certlib.Fingerprint) {
	l.mu.Lock()
	delete(l.claimed, fp)
	l.mu.Unlock()
}

// Len returns the number of terminal fingerprints.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.known)
}

// Recovered returns how many invalid lines were skipped at load.
func (l *Ledger) Recovered() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stats.Recovered
}

// Stats returns a snapshot of the load statistics and additions since.
func (l *Ledger) Stats() LedgerStats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := l.stats
	s.Entries = len(l.known)
	return s
}

// Path returns the ledger file path.
func (l *Ledger) Path() string {
	return l.path
}

// Close flushes and closes the ledger file. Later MarkTerminal calls fail.
func (l *Ledger) Close() error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.appends == nil {
		return nil
	}
	return l.appends.Close()
}

// ReadLedger loads path without opening it for writing. The file is never created or
// truncated; MarkTerminal on the result fails with ErrLedgerClosed.
func ReadLedger(path string, opts LedgerOptions) (*Ledger, error) {
	l := &Ledger{
		path:    path,
		known:   make(map[certlib.Fingerprint]struct{}),
		claimed: make(map[certlib.Fingerprint]struct{}),
		closed:  true,
	}
	if err := l.load(opts); err != nil {
		return nil, err
	}
	return l, nil
}

// InspectLedger loads path read-only and returns its statistics. With recoverCorrupt
// unset, the first invalid line is returned as an error wrapping ErrCorruptLedger.
func InspectLedger(path string, recoverCorrupt bool) (LedgerStats, error) {
	l, err := ReadLedger(path, LedgerOptions{RecoverCorrupt: recoverCorrupt})
	if err != nil {
		return LedgerStats{}, err
	}
	return l.Stats(), nil
}
