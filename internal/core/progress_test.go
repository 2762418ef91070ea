package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestProgressMemoryOnly(t *testing.T) {
	t.Parallel()
	p, err := OpenProgress(context.Background(), "")
	if err != nil {
		t.Fatalf("OpenProgress: %v", err)
	}
	if p.IsComplete("a") {
		t.Fatalf("fresh cache reports archive complete")
	}
	if err := p.MarkComplete("a"); err != nil {
		t.Fatalf("MarkComplete: %v", err)
	}
	if !p.IsComplete("a") || p.Len() != 1 {
		t.Fatalf("mark not visible")
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestProgressPersistsAcrossReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "progress.txt")
	ctx := context.Background()

	p, err := OpenProgress(ctx, path)
	if err != nil {
		t.Fatalf("OpenProgress: %v", err)
	}
	for _, id := range []string{"raw/a.jsonl.gz", "raw/b.jsonl.gz", "raw/a.jsonl.gz"} {
		if err := p.MarkComplete(id); err != nil {
			t.Fatalf("MarkComplete(%s): %v", id, err)
		}
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "raw/a.jsonl.gz\nraw/b.jsonl.gz\n" {
		t.Fatalf("unexpected cache file %q", data)
	}

	p2, err := OpenProgress(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p2.Close()
	if !p2.IsComplete("raw/a.jsonl.gz") || !p2.IsComplete("raw/b.jsonl.gz") || p2.IsComplete("raw/c.jsonl.gz") {
		t.Fatalf("reopened cache has wrong contents")
	}
}

func TestProgressIgnoresTornTail(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "progress.txt")
	if err := os.WriteFile(path, []byte("raw/a.jsonl.gz\nraw/b.js"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	p, err := OpenProgress(context.Background(), path)
	if err != nil {
		t.Fatalf("OpenProgress: %v", err)
	}
	defer p.Close()
	if !p.IsComplete("raw/a.jsonl.gz") || p.IsComplete("raw/b.js") || p.Len() != 1 {
		t.Fatalf("torn tail handled wrong, len=%d", p.Len())
	}
}

func TestProgressMatchesExactIDs(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "progress.txt")
	ctx := context.Background()
	p, err := OpenProgress(ctx, path)
	if err != nil {
		t.Fatalf("OpenProgress: %v", err)
	}
	if err := p.MarkComplete("raw/20240101/a.jsonl.gz"); err != nil {
		t.Fatalf("MarkComplete: %v", err)
	}
	p.Close()

	p2, err := OpenProgress(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p2.Close()
	for _, id := range []string{"raw/20240101/a.jsonl", "RAW/20240101/a.jsonl.gz", "raw/20240101/a.jsonl.gz.1", ""} {
		if p2.IsComplete(id) {
			t.Fatalf("%q reported complete", id)
		}
	}
	if !p2.IsComplete("raw/20240101/a.jsonl.gz") {
		t.Fatalf("stored ID not found after reopen")
	}
}
