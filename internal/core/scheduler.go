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
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/x-stp/oonict/internal/metrics"
	"github.com/x-stp/oonict/internal/source"

	"github.com/zeebo/xxh3"
	"golang.org/x/time/rate"
)

// ArchiveJob is one archive waiting for a worker.
// It is pooled via sync.Pool to reduce allocations when a run covers many archives.
type ArchiveJob struct {
	Archive  source.Archive
	Index    int                       // Position in the run, for log lines.
	Callback func(job *ArchiveJob) error // Work to do; owns cancellation checks.
	Ctx      context.Context
	WorkerID int // Set by the worker running the job.
}

// SchedulerOptions configures the worker pool.
type SchedulerOptions struct {
	Workers       int     // Number of workers; clamped to [1, MaxWorkers].
	DispatchRate  float64 // Archives per second handed to each worker. <= 0 disables pacing.
	DispatchBurst int     // Per-worker burst for DispatchRate.
	PinCPUs       bool    // Bind each worker to a CPU core where supported.
}

// Scheduler manages a pool of worker goroutines and dispatches archive jobs to them
// based on a hash of the archive ID, so the same archive always lands on the same
// worker within a run.
type Scheduler struct {
	numWorkers int
	workers    []*worker
	ctx        context.Context    // Master context for shutdown signalling.
	cancel     context.CancelFunc // Function to trigger shutdown.
	shutdown   atomic.Bool        // Flag to prevent submitting work during/after shutdown.
	jobPool    sync.Pool          // Pool for reusing ArchiveJob structs.
	activeWork sync.WaitGroup     // Tracks submitted, unfinished jobs.
	running    sync.WaitGroup     // Tracks worker goroutines.

	// queueMu keeps Submit from sending on a queue Close is closing.
	queueMu sync.RWMutex
	closed  bool
}

// worker encapsulates a single worker goroutine and its state.
type worker struct {
	id          int
	cpuAffinity int
	pin         bool
	queue       chan *ArchiveJob
	scheduler   *Scheduler
	limiter     *rate.Limiter // Paces dispatch to this worker.
	processed   atomic.Uint64
}

// NewScheduler creates and starts the scheduler and its worker pool.
// Operation: Allocates worker/channel resources, starts goroutines.
func NewScheduler(parentCtx context.Context, opts SchedulerOptions) (*Scheduler, error) {
	numWorkers := opts.Workers
	if numWorkers <= 0 {
		numWorkers = DefaultWorkers
	}
	if numWorkers > MaxWorkers {
		return nil, fmt.Errorf("%d workers requested, maximum is %d", numWorkers, MaxWorkers)
	}

	limit := rate.Inf
	burst := opts.DispatchBurst
	if opts.DispatchRate > 0 {
		limit = rate.Limit(opts.DispatchRate)
	}
	if burst <= 0 {
		burst = DefaultDispatchBurst
	}

	sctx, cancel := context.WithCancel(parentCtx)
	s := &Scheduler{
		numWorkers: numWorkers,
		workers:    make([]*worker, numWorkers),
		ctx:        sctx,
		cancel:     cancel,
		jobPool: sync.Pool{
			New: func() interface{} {
				return &ArchiveJob{}
			},
		},
	}

	for i := 0; i < numWorkers; i++ {
		w := &worker{
			id:          i,
			cpuAffinity: i % runtime.NumCPU(),
			pin:         opts.PinCPUs,
			queue:       make(chan *ArchiveJob, WorkerQueueCapacity),
			scheduler:   s,
			limiter:     rate.NewLimiter(limit, burst),
		}
		s.workers[i] = w
		s.running.Add(1)
		go w.run()
	}

	log.Printf("Scheduler initialized with %d workers (CPU pinning %s).", numWorkers, affinityState(opts.PinCPUs))
	return s, nil
}

// run is the processing loop for a single worker goroutine. It drains its queue until
// the queue is closed; jobs are expected to notice cancellation themselves.
func (w *worker) run() {
	defer w.scheduler.running.Done()
	if w.pin {
		setAffinity(w.id, w.cpuAffinity)
	}

	m := metrics.GetMetrics()
	for job := range w.queue {
		m.SetWorkerBusy(w.id, true)
		w.execute(job)
		m.SetWorkerBusy(w.id, false)
		w.processed.Add(1)

		job.Archive = nil
		job.Callback = nil
		job.Ctx = nil
		w.scheduler.jobPool.Put(job)
	}
}

func (w *worker) execute(job *ArchiveJob) {
	defer w.scheduler.activeWork.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Panic recovered in worker %d processing archive %s: %v", w.id, job.Archive.ID(), r)
			metrics.GetMetrics().IncWorkerPanic(w.id)
		}
	}()

	job.WorkerID = w.id
	if err := job.Callback(job); err != nil {
		log.Printf("Error processing archive %s: %v", job.Archive.ID(), err)
	}
}

// Submit routes an archive to a worker chosen by hashing its ID. It blocks while the
// worker's dispatch limiter or queue is saturated, and returns early if ctx is done or
// the scheduler is shutting down.
func (s *Scheduler) Submit(ctx context.Context, archive source.Archive, index int, callback func(job *ArchiveJob) error) error {
	if s.shutdown.Load() {
		return ErrWorkerShutdown
	}
	shard := int(xxh3.HashString(archive.ID()) % uint64(s.numWorkers))
	target := s.workers[shard]

	if err := target.limiter.Wait(ctx); err != nil {
		return err
	}

	job := s.jobPool.Get().(*ArchiveJob)
	job.Archive = archive
	job.Index = index
	job.Callback = callback
	job.Ctx = ctx
	job.WorkerID = -1

	s.queueMu.RLock()
	defer s.queueMu.RUnlock()
	if s.closed {
		s.jobPool.Put(job)
		return ErrWorkerShutdown
	}

	s.activeWork.Add(1)
	select {
	case target.queue <- job:
		return nil
	case <-ctx.Done():
		s.activeWork.Done()
		s.jobPool.Put(job)
		return ctx.Err()
	case <-s.ctx.Done():
		s.activeWork.Done()
		s.jobPool.Put(job)
		return fmt.Errorf("worker %d for archive %s: %w", target.id, archive.ID(), ErrWorkerShutdown)
	}
}

// Wait waits until all submitted jobs have been processed.
func (s *Scheduler) Wait() {
	s.activeWork.Wait()
}

// Shutdown stops accepting new jobs. Queued jobs still run; they see their own
// context and are expected to return quickly once it is cancelled.
// Operation: Non-blocking signal.
func (s *Scheduler) Shutdown() {
	if s.shutdown.CompareAndSwap(false, true) {
		log.Println("Scheduler shutting down...")
		s.cancel()
	}
}

// Close shuts down, waits for queued jobs to finish and for every worker to exit.
func (s *Scheduler) Close() {
	s.Shutdown()

	s.queueMu.Lock()
	if !s.closed {
		s.closed = true
		for _, w := range s.workers {
			close(w.queue)
		}
	}
	s.queueMu.Unlock()

	s.running.Wait()
	log.Println("Scheduler workers stopped.")
}

// NumWorkers returns the size of the pool.
func (s *Scheduler) NumWorkers() int {
	return s.numWorkers
}

// GetStats returns per-worker job counts.
func (s *Scheduler) GetStats() map[string]interface{} {
	perWorker := make([]uint64, len(s.workers))
	for i, w := range s.workers {
		perWorker[i] = w.processed.Load()
	}
	return map[string]interface{}{
		"workers":   s.numWorkers,
		"processed": perWorker,
		"shutdown":  s.shutdown.Load(),
	}
}

func affinityState(pin bool) string {
	if pin && affinitySupported {
		return "enabled"
	}
	return "disabled"
}
