package core

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/x-stp/oonict/internal/certlib"
)

func fpOf(s string) certlib.Fingerprint {
	return certlib.Fingerprint(sha256.Sum256([]byte(s)))
}

func openTestLedger(t *testing.T, path string) *Ledger {
	t.Helper()
	l, err := OpenLedger(path, LedgerOptions{})
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLedgerMissingFileIsEmpty(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state", "ledger.txt")
	l := openTestLedger(t, path)
	if l.Len() != 0 {
		t.Fatalf("expected empty ledger, got %d", l.Len())
	}
	if l.Contains(fpOf("a")) {
		t.Fatalf("empty ledger claims to contain a fingerprint")
	}
}

func TestLedgerMarkTerminalPersistsAcrossReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "ledger.txt")

	l, err := OpenLedger(path, LedgerOptions{})
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	a, b := fpOf("a"), fpOf("b")
	for _, fp := range []certlib.Fingerprint{a, b, a} {
		if err := l.MarkTerminal(fp); err != nil {
			t.Fatalf("MarkTerminal: %v", err)
		}
	}
	if !l.Contains(a) || !l.Contains(b) || l.Len() != 2 {
		t.Fatalf("ledger state wrong after marking: len=%d", l.Len())
	}
	if got := l.Stats().NewEntries; got != 2 {
		t.Fatalf("expected 2 new entries, got %d", got)
	}

	// Written before Close returns; no flush needed for durability.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := a.String() + "\n" + b.String() + "\n"
	if string(data) != want {
		t.Fatalf("ledger file = %q, want %q", data, want)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := openTestLedger(t, path)
	if !reopened.Contains(a) || !reopened.Contains(b) || reopened.Len() != 2 {
		t.Fatalf("reopened ledger lost entries: len=%d", reopened.Len())
	}
}

func TestLedgerDuplicateAndBlankLinesAreTolerated(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "ledger.txt")
	a := fpOf("a").String()
	content := a + "\n\n" + a + "\n" + strings.ToUpper(fpOf("b").String()) + "\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	l := openTestLedger(t, path)
	st := l.Stats()
	if st.Entries != 2 || st.Duplicates != 1 || st.Blank != 1 || st.Lines != 4 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if !l.Contains(fpOf("b")) {
		t.Fatalf("upper-case fingerprint not loaded")
	}
}

func TestLedgerCorruptLine(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "ledger.txt")
	content := fpOf("a").String() + "\nnot-a-fingerprint\n" + fpOf("b").String() + "\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := OpenLedger(path, LedgerOptions{}); !errors.Is(err, ErrCorruptLedger) {
		t.Fatalf("expected ErrCorruptLedger, got %v", err)
	} else if !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("error should name the line: %v", err)
	}

	l, err := OpenLedger(path, LedgerOptions{RecoverCorrupt: true})
	if err != nil {
		t.Fatalf("OpenLedger with recovery: %v", err)
	}
	defer l.Close()
	if l.Len() != 2 || l.Recovered() != 1 {
		t.Fatalf("recovery: len=%d recovered=%d", l.Len(), l.Recovered())
	}

	st, err := InspectLedger(path, true)
	if err != nil || st.Entries != 2 || st.Recovered != 1 {
		t.Fatalf("InspectLedger: %+v, %v", st, err)
	}
	if _, err := InspectLedger(path, false); !errors.Is(err, ErrCorruptLedger) {
		t.Fatalf("InspectLedger without recovery: %v", err)
	}
}

func TestLedgerTornTailIsDroppedAndOverwritten(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "ledger.txt")
	a, b := fpOf("a"), fpOf("b")
	torn := b.String()[:20]
	if err := os.WriteFile(path, []byte(a.String()+"\n"+torn), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	l, err := OpenLedger(path, LedgerOptions{})
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	if l.Len() != 1 || l.Contains(b) {
		t.Fatalf("torn line should be ignored, len=%d", l.Len())
	}
	if got := l.Stats().TornBytes; got != len(torn) {
		t.Fatalf("TornBytes = %d, want %d", got, len(torn))
	}
	if err := l.MarkTerminal(b); err != nil {
		t.Fatalf("MarkTerminal: %v", err)
	}
	l.Close()

	// The next open must not see a line glued onto the torn fragment.
	l2 := openTestLedger(t, path)
	if l2.Len() != 2 || !l2.Contains(b) {
		t.Fatalf("after append past torn tail: len=%d", l2.Len())
	}
	if l2.Stats().TornBytes != 0 {
		t.Fatalf("torn tail still present after reopen")
	}
}

func TestLedgerClaimRelease(t *testing.T) {
	t.Parallel()
	l := openTestLedger(t, filepath.Join(t.TempDir(), "ledger.txt"))
	a := fpOf("a")

	if !l.Claim(a) {
		t.Fatalf("first claim failed")
	}
	if l.Claim(a) {
		t.Fatalf("second claim on an in-flight fingerprint succeeded")
	}
	l.Release(a)
	if !l.Claim(a) {
		t.Fatalf("claim after release failed")
	}
	if err := l.MarkTerminal(a); err != nil {
		t.Fatalf("MarkTerminal: %v", err)
	}
	l.Release(a)
	if l.Claim(a) {
		t.Fatalf("claim on a terminal fingerprint succeeded")
	}
}

func TestLedgerConcurrentMarkTerminal(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "ledger.txt")
	l := openTestLedger(t, path)

	const distinct = 20
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < distinct; i++ {
				if err := l.MarkTerminal(fpOf(fmt.Sprint(i))); err != nil {
					t.Errorf("MarkTerminal: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	if l.Len() != distinct {
		t.Fatalf("expected %d entries, got %d", distinct, l.Len())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if n := strings.Count(string(data), "\n"); n != distinct {
		t.Fatalf("expected %d lines on disk, got %d", distinct, n)
	}
}

func TestLedgerMarkAfterClose(t *testing.T) {
	t.Parallel()
	l, err := OpenLedger(filepath.Join(t.TempDir(), "ledger.txt"), LedgerOptions{})
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := l.MarkTerminal(fpOf("a")); !errors.Is(err, ErrLedgerClosed) {
		t.Fatalf("expected ErrLedgerClosed, got %v", err)
	}
	if l.Contains(fpOf("a")) {
		t.Fatalf("failed mark became visible")
	}
}

func TestReadLedgerDoesNotTouchFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.txt")
	content := fpOf("a").String() + "\n" + fpOf("b").String()[:10]
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	l, err := ReadLedger(path, LedgerOptions{})
	if err != nil {
		t.Fatalf("ReadLedger: %v", err)
	}
	if !l.Contains(fpOf("a")) || l.Len() != 1 {
		t.Fatalf("read-only ledger has wrong contents")
	}
	if err := l.MarkTerminal(fpOf("c")); !errors.Is(err, ErrLedgerClosed) {
		t.Fatalf("expected ErrLedgerClosed from read-only ledger, got %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != content {
		t.Fatalf("read-only load modified the file")
	}

	missing := filepath.Join(dir, "missing.txt")
	if _, err := ReadLedger(missing, LedgerOptions{}); err != nil {
		t.Fatalf("ReadLedger on missing file: %v", err)
	}
	if _, err := os.Stat(missing); !os.IsNotExist(err) {
		t.Fatalf("read-only load created the file")
	}
}
