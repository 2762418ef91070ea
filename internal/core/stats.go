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
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// RunStats holds runtime statistics for one pipeline run. Workers update it concurrently.
type RunStats struct {
	ArchivesTotal       atomic.Int64
	ArchivesProcessed   atomic.Int64 // Read to the end without a framing error.
	ArchivesCached      atomic.Int64 // Skipped because the progress cache lists them.
	ArchivesFailed      atomic.Int64 // Could not be opened, or the stream broke.
	ArchivesRetryable   atomic.Int64 // Subset of ArchivesFailed that may succeed on a later run.
	ArchivesInterrupted atomic.Int64 // Stopped by shutdown.
	ArchivesIncomplete  atomic.Int64 // Processed, but left out of the cache because of deferred chains.

	RecordsSeen        atomic.Int64
	RecordsSkipped     atomic.Int64
	CertificatesFailed atomic.Int64

	ChainsExtracted atomic.Int64
	ChainsKnown     atomic.Int64 // Already terminal, deferred earlier this run, or in flight elsewhere.
	ChainsAccepted  atomic.Int64
	ChainsRejected  atomic.Int64
	ChainsDeferred  atomic.Int64 // Transient outcome or ledger write failure; retried next run.

	StartTime time.Time
	endTime   atomic.Int64 // Unix nanoseconds, 0 while running.
}

// NewRunStats returns stats with the clock started.
func NewRunStats() *RunStats {
	return &RunStats{StartTime: time.Now()}
}

func (s *RunStats) finish() {
	s.endTime.CompareAndSwap(0, time.Now().UnixNano())
}

// Elapsed returns the run's duration so far, or its total once finished.
func (s *RunStats) Elapsed() time.Duration {
	if end := s.endTime.Load(); end != 0 {
		return time.Unix(0, end).Sub(s.StartTime)
	}
	return time.Since(s.StartTime)
}

// RunSummary is a point-in-time copy of RunStats, suitable for JSON.
type RunSummary struct {
	ArchivesTotal       int64 `json:"archives_total"`
	ArchivesProcessed   int64 `json:"archives_processed"`
	ArchivesCached      int64 `json:"archives_cached"`
	ArchivesFailed      int64 `json:"archives_failed"`
	ArchivesRetryable   int64 `json:"archives_failed_retryable"`
	ArchivesInterrupted int64 `json:"archives_interrupted"`
	ArchivesIncomplete  int64 `json:"archives_incomplete"`

	RecordsSeen        int64 `json:"records_seen"`
	RecordsSkipped     int64 `json:"records_skipped"`
	CertificatesFailed int64 `json:"certificates_failed"`

	ChainsExtracted int64 `json:"chains_extracted"`
	ChainsKnown     int64 `json:"chains_known"`
	ChainsAccepted  int64 `json:"chains_accepted"`
	ChainsRejected  int64 `json:"chains_rejected"`
	ChainsDeferred  int64 `json:"chains_deferred"`

	StartTime      time.Time `json:"start_time"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
	Interrupted    bool      `json:"interrupted"`
}

// Snapshot copies the counters.
func (s *RunStats) Snapshot() RunSummary {
	return RunSummary{
		ArchivesTotal:       s.ArchivesTotal.Load(),
		ArchivesProcessed:   s.ArchivesProcessed.Load(),
		ArchivesCached:      s.ArchivesCached.Load(),
		ArchivesFailed:      s.ArchivesFailed.Load(),
		ArchivesRetryable:   s.ArchivesRetryable.Load(),
		ArchivesInterrupted: s.ArchivesInterrupted.Load(),
		ArchivesIncomplete:  s.ArchivesIncomplete.Load(),
		RecordsSeen:         s.RecordsSeen.Load(),
		RecordsSkipped:      s.RecordsSkipped.Load(),
		CertificatesFailed:  s.CertificatesFailed.Load(),
		ChainsExtracted:     s.ChainsExtracted.Load(),
		ChainsKnown:         s.ChainsKnown.Load(),
		ChainsAccepted:      s.ChainsAccepted.Load(),
		ChainsRejected:      s.ChainsRejected.Load(),
		ChainsDeferred:      s.ChainsDeferred.Load(),
		StartTime:           s.StartTime,
		ElapsedSeconds:      s.Elapsed().Seconds(),
		Interrupted:         s.ArchivesInterrupted.Load() > 0,
	}
}

// ProgressLine is the one-line status logged periodically during a run.
func (s *RunStats) ProgressLine() string {
	done := s.ArchivesProcessed.Load() + s.ArchivesCached.Load() + s.ArchivesFailed.Load() + s.ArchivesInterrupted.Load()
	return fmt.Sprintf("Progress: archives %s/%s, records %s, chains %s (accepted %s, rejected %s, deferred %s, known %s)",
		humanize.Comma(done), humanize.Comma(s.ArchivesTotal.Load()),
		humanize.Comma(s.RecordsSeen.Load()), humanize.Comma(s.ChainsExtracted.Load()),
		humanize.Comma(s.ChainsAccepted.Load()), humanize.Comma(s.ChainsRejected.Load()),
		humanize.Comma(s.ChainsDeferred.Load()), humanize.Comma(s.ChainsKnown.Load()))
}

// String renders the summary block printed at the end of a run.
func (r RunSummary) String() string {
	var b strings.Builder
	row := func(label string, v int64) {
		fmt.Fprintf(&b, "  %-24s %12s\n", label, humanize.Comma(v))
	}
	b.WriteString("Run summary\n")
	row("Archives total", r.ArchivesTotal)
	row("  processed", r.ArchivesProcessed)
	row("  cached (skipped)", r.ArchivesCached)
	row("  failed", r.ArchivesFailed)
	row("    retryable", r.ArchivesRetryable)
	row("  interrupted", r.ArchivesInterrupted)
	row("  incomplete", r.ArchivesIncomplete)
	row("Records seen", r.RecordsSeen)
	row("  skipped (malformed)", r.RecordsSkipped)
	row("Certificates failed", r.CertificatesFailed)
	row("Chains extracted", r.ChainsExtracted)
	row("  already known", r.ChainsKnown)
	row("  accepted", r.ChainsAccepted)
	row("  rejected", r.ChainsRejected)
	row("  deferred", r.ChainsDeferred)
	elapsed := time.Duration(r.ElapsedSeconds * float64(time.Second)).Round(time.Millisecond)
	fmt.Fprintf(&b, "  %-24s %12s\n", "Elapsed", elapsed)
	if r.Interrupted {
		b.WriteString("  (run interrupted; remaining archives will be picked up next time)\n")
	}
	return b.String()
}
