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
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/x-stp/oonict/internal/certlib"
	"github.com/x-stp/oonict/internal/metrics"
	"github.com/x-stp/oonict/internal/source"
)

var (
	// errLedgerWrite stops an archive after a terminal outcome could not be recorded.
	errLedgerWrite = NewError("ledger write failed", false)
)

// PipelineConfig holds the knobs of a run.
type PipelineConfig struct {
	Workers       int
	DispatchRate  float64 // Archives per second per worker; <= 0 disables pacing.
	PinCPUs       bool
	ForceRescan   bool          // Ignore the progress cache.
	ReportEvery   time.Duration // Progress log interval; <= 0 uses StatsReportInterval.
	ProgressQuiet bool          // No periodic progress lines.
}

// Pipeline drives archives through decode, extraction, dedup and submission.
type Pipeline struct {
	ctx       context.Context
	config    PipelineConfig
	ledger    *Ledger
	submitter *Submitter
	progress  *Progress
	stats     *RunStats

	// deferred remembers fingerprints that got a transient answer during this run so
	// later sightings are not resubmitted before the next run.
	deferredMu sync.Mutex
	deferred   map[certlib.Fingerprint]struct{}
}

// NewPipeline wires a run together. progress may be nil, in which case a memory-only
// cache is used.
func NewPipeline(ctx context.Context, config PipelineConfig, ledger *Ledger, submitter *Submitter, progress *Progress) (*Pipeline, error) {
	if ledger == nil {
		return nil, fmt.Errorf("pipeline needs a ledger")
	}
	if submitter == nil {
		return nil, fmt.Errorf("pipeline needs a submitter")
	}
	if progress == nil {
		progress, _ = OpenProgress(ctx, "")
	}
	return &Pipeline{
		ctx:       ctx,
		config:    config,
		ledger:    ledger,
		submitter: submitter,
		progress:  progress,
		stats:     NewRunStats(),
		deferred:  make(map[certlib.Fingerprint]struct{}),
	}, nil
}

// Run processes archives and returns the run statistics. Cancelling the pipeline's
// context stops dispatch; archives already running stop before their next chain, and an
// in-flight submission is finished and recorded first. Interruption is reported in the
// stats, not as an error.
func (p *Pipeline) Run(archives []source.Archive) (*RunStats, error) {
	stats := p.stats
	stats.ArchivesTotal.Store(int64(len(archives)))
	defer stats.finish()

	sched, err := NewScheduler(p.ctx, SchedulerOptions{
		Workers:      p.config.Workers,
		DispatchRate: p.config.DispatchRate,
		PinCPUs:      p.config.PinCPUs,
	})
	if err != nil {
		return stats, err
	}

	stopReporter := p.startReporter()
	defer stopReporter()

	m := metrics.GetMetrics()
	dispatched := 0
	var dispatchErr error
	for i, archive := range archives {
		if p.ctx.Err() != nil {
			break
		}
		if !p.config.ForceRescan && p.progress.IsComplete(archive.ID()) {
			stats.ArchivesCached.Add(1)
			m.ObserveArchive("cached", 0)
			continue
		}
		if err := sched.Submit(p.ctx, archive, i, p.processArchive); err != nil {
			if p.ctx.Err() == nil && !errors.Is(err, ErrWorkerShutdown) {
				dispatchErr = fmt.Errorf("failed to dispatch archive %s: %w", archive.ID(), err)
			}
			break
		}
		dispatched++
	}

	sched.Wait()
	sched.Close()

	notDispatched := int64(len(archives)) - stats.ArchivesCached.Load() - int64(dispatched)
	if p.ctx.Err() != nil && notDispatched > 0 {
		stats.ArchivesInterrupted.Add(notDispatched)
	}
	return stats, dispatchErr
}

// Stats returns the live statistics of the run.
func (p *Pipeline) Stats() *RunStats {
	return p.stats
}

func (p *Pipeline) startReporter() func() {
	if p.config.ProgressQuiet {
		return func() {}
	}
	every := p.config.ReportEvery
	if every <= 0 {
		every = StatsReportInterval
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				log.Println(p.stats.ProgressLine())
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// archiveOutcome tracks what happened to the chains of one archive.
type archiveOutcome struct {
	chains   int
	accepted int
	rejected int
	deferred int
	known    int
}

// processArchive is the scheduler callback for one archive.
func (p *Pipeline) processArchive(job *ArchiveJob) error {
	ctx := job.Ctx
	id := job.Archive.ID()
	stats := p.stats
	m := metrics.GetMetrics()

	if ctx.Err() != nil {
		stats.ArchivesInterrupted.Add(1)
		return nil
	}

	start := time.Now()
	var out archiveOutcome
	scan, err := ScanArchive(ctx, job.Archive, func(_ *certlib.MeasurementRecord, chain *certlib.Chain) error {
		out.chains++
		return p.handleChain(ctx, chain, &out)
	})
	stats.RecordsSeen.Add(int64(scan.Records))
	stats.RecordsSkipped.Add(int64(scan.Skipped))
	stats.CertificatesFailed.Add(int64(scan.CertificatesFailed))
	m.AddRecords(scan.Records, scan.Skipped)
	m.AddCertificatesFailed(scan.CertificatesFailed)
	elapsed := time.Since(start)

	summary := fmt.Sprintf("%d records (%d skipped), %d chains: %d accepted, %d rejected, %d deferred, %d known",
		scan.Records, scan.Skipped, out.chains, out.accepted, out.rejected, out.deferred, out.known)

	switch {
	case err == nil:
		stats.ArchivesProcessed.Add(1)
		if out.deferred > 0 {
			stats.ArchivesIncomplete.Add(1)
			m.ObserveArchive("incomplete", elapsed)
			log.Printf("Archive %s done with deferred chains, will be rescanned next run: %s", id, summary)
			return nil
		}
		m.ObserveArchive("processed", elapsed)
		if perr := p.progress.MarkComplete(id); perr != nil {
			log.Printf("Warning: archive %s processed but not cached: %v", id, perr)
		}
		log.Printf("Archive %s done in %s: %s", id, elapsed.Round(time.Millisecond), summary)
		return nil

	case ctx.Err() != nil || errors.Is(err, ErrSubmissionAborted):
		stats.ArchivesInterrupted.Add(1)
		m.ObserveArchive("interrupted", elapsed)
		log.Printf("Archive %s interrupted: %s", id, summary)
		return nil

	case IsRetryable(err):
		stats.ArchivesFailed.Add(1)
		stats.ArchivesRetryable.Add(1)
		m.ObserveArchive("failed_retryable", elapsed)
		return fmt.Errorf("archive %s failed after %s, will retry next run: %w", id, summary, err)

	default:
		stats.ArchivesFailed.Add(1)
		m.ObserveArchive("failed", elapsed)
		return fmt.Errorf("archive %s failed after %s, not retryable: %w", id, summary, err)
	}
}

// handleChain runs dedup and submission for one chain.
func (p *Pipeline) handleChain(ctx context.Context, chain *certlib.Chain, out *archiveOutcome) error {
	stats := p.stats
	m := metrics.GetMetrics()
	stats.ChainsExtracted.Add(1)
	m.IncChain("extracted")

	if err := ctx.Err(); err != nil {
		return err
	}

	fp := chain.Fingerprint()
	if p.ledger.Contains(fp) || p.isDeferred(fp) || !p.ledger.Claim(fp) {
		out.known++
		stats.ChainsKnown.Add(1)
		m.IncChain("known")
		return nil
	}
	defer p.ledger.Release(fp)

	outcome, err := p.submitter.Submit(ctx, chain)
	if err != nil {
		return err
	}

	leaf := chain.Leaf()
	if !outcome.Terminal() {
		p.markDeferred(fp)
		out.deferred++
		stats.ChainsDeferred.Add(1)
		m.IncChain("deferred")
		log.Printf("Warning: chain %s (leaf %s) deferred: %s", fp, leaf.Subject(), outcome.Reason)
		return nil
	}

	if err := p.ledger.MarkTerminal(fp); err != nil {
		// The log has the chain but we could not write that down. Stop this archive
		// rather than keep submitting chains we cannot track.
		p.markDeferred(fp)
		out.deferred++
		stats.ChainsDeferred.Add(1)
		m.IncChain("deferred")
		return fmt.Errorf("%w: %v", errLedgerWrite, err)
	}

	switch outcome.Kind {
	case OutcomeAccepted:
		out.accepted++
		stats.ChainsAccepted.Add(1)
		m.IncChain("accepted")
		if outcome.SCT != nil {
			log.Printf("Chain %s (leaf %s, %d certs) accepted, SCT timestamp %d", fp, leaf.Subject(), chain.Len(), outcome.SCT.Timestamp)
		} else {
			log.Printf("Chain %s (leaf %s, %d certs) accepted", fp, leaf.Subject(), chain.Len())
		}
	case OutcomeRejected:
		out.rejected++
		stats.ChainsRejected.Add(1)
		m.IncChain("rejected")
		log.Printf("Chain %s (leaf %s) rejected: %s", fp, leaf.Subject(), outcome.Reason)
	}
	return nil
}

func (p *Pipeline) isDeferred(fp certlib.Fingerprint) bool {
	p.deferredMu.Lock()
	defer p.deferredMu.Unlock()
	_, ok := p.deferred[fp]
	return ok
}

func (p *Pipeline) markDeferred(fp certlib.Fingerprint) {
	p.deferredMu.Lock()
	p.deferred[fp] = struct{}{}
	p.deferredMu.Unlock()
}

// ScanStats counts what ScanArchive read.
type ScanStats struct {
	Records            int // Usable records decoded.
	Skipped            int // Malformed lines.
	CertificatesFailed int
	Chains             int
}

// ScanArchive opens archive and calls fn for every chain of every record, in order.
// Scanning stops at the first error from fn, a framing error or cancellation of ctx;
// that error is returned together with the counts so far.
func ScanArchive(ctx context.Context, archive source.Archive, fn func(rec *certlib.MeasurementRecord, chain *certlib.Chain) error) (stats ScanStats, err error) {
	rc, err := archive.Open(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		retryable := true
		var herr *source.HTTPError
		if errors.As(err, &herr) {
			retryable = herr.Temporary()
		}
		return stats, WrapError(err, "failed to open archive", retryable)
	}
	defer rc.Close()

	dec, err := certlib.NewRecordDecoder(rc, archive.ID())
	if err != nil {
		return stats, decodeFailure(err)
	}
	defer dec.Close()
	defer func() { stats.Skipped = dec.Skipped() }()

	for dec.Next() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		rec := dec.Record()
		stats.Records++

		chains, es := certlib.ExtractChains(rec)
		stats.CertificatesFailed += es.CertificatesFailed
		for _, chain := range chains {
			stats.Chains++
			if err := fn(rec, chain); err != nil {
				return stats, err
			}
		}
	}
	if err := dec.Err(); err != nil {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		return stats, decodeFailure(err)
	}
	return stats, nil
}

// decodeFailure marks a broken archive stream retryable unless the data is corrupt.
func decodeFailure(err error) error {
	var de *certlib.DecodeError
	if errors.As(err, &de) {
		return WrapError(err, "failed to decode archive", !de.Corrupt())
	}
	return err
}
