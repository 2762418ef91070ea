package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/x-stp/oonict/internal/source"
)

func TestSchedulerRunsEveryJobOnAStableWorker(t *testing.T) {
	t.Parallel()
	s, err := NewScheduler(context.Background(), SchedulerOptions{Workers: 4})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	var mu sync.Mutex
	workerOf := make(map[string]int)
	seen := 0
	cb := func(job *ArchiveJob) error {
		mu.Lock()
		defer mu.Unlock()
		seen++
		id := job.Archive.ID()
		if prev, ok := workerOf[id]; ok && prev != job.WorkerID {
			t.Errorf("archive %s ran on workers %d and %d", id, prev, job.WorkerID)
		}
		workerOf[id] = job.WorkerID
		return nil
	}

	ctx := context.Background()
	for round := 0; round < 2; round++ {
		for i := 0; i < 50; i++ {
			if err := s.Submit(ctx, source.File(fmt.Sprintf("archive-%d", i)), i, cb); err != nil {
				t.Fatalf("Submit: %v", err)
			}
		}
	}
	s.Wait()
	s.Close()

	if seen != 100 {
		t.Fatalf("expected 100 jobs, ran %d", seen)
	}
}

func TestSchedulerRecoversPanics(t *testing.T) {
	t.Parallel()
	s, err := NewScheduler(context.Background(), SchedulerOptions{Workers: 1})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	var ran atomic.Int32
	ctx := context.Background()
	if err := s.Submit(ctx, source.File("boom"), 0, func(*ArchiveJob) error { panic("boom") }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := s.Submit(ctx, source.File("after"), 1, func(*ArchiveJob) error { ran.Add(1); return nil }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	s.Wait()
	s.Close()
	if ran.Load() != 1 {
		t.Fatalf("worker did not survive a panic")
	}
}

func TestSchedulerRejectsAfterShutdown(t *testing.T) {
	t.Parallel()
	s, err := NewScheduler(context.Background(), SchedulerOptions{Workers: 2})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	s.Close()
	s.Close()
	err = s.Submit(context.Background(), source.File("late"), 0, func(*ArchiveJob) error { return nil })
	if !errors.Is(err, ErrWorkerShutdown) {
		t.Fatalf("expected ErrWorkerShutdown, got %v", err)
	}
}

func TestSchedulerWorkerBounds(t *testing.T) {
	t.Parallel()
	if _, err := NewScheduler(context.Background(), SchedulerOptions{Workers: MaxWorkers + 1}); err == nil {
		t.Fatalf("expected error above MaxWorkers")
	}
	s, err := NewScheduler(context.Background(), SchedulerOptions{})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	defer s.Close()
	if s.NumWorkers() != DefaultWorkers {
		t.Fatalf("default workers = %d, want %d", s.NumWorkers(), DefaultWorkers)
	}
}
