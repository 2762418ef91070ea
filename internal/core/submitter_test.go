package core

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/x-stp/oonict/internal/certlib"
	"github.com/x-stp/oonict/internal/certlib/certtest"
)

func testCertChain(t *testing.T, names ...string) *certlib.Chain {
	t.Helper()
	chain := &certlib.Chain{}
	for _, n := range names {
		c, err := certlib.ParseCertificateDER(certtest.DER(t, n))
		if err != nil {
			t.Fatalf("ParseCertificateDER: %v", err)
		}
		chain.Certificates = append(chain.Certificates, c)
	}
	return chain
}

func TestSubmitterClassifiesResponses(t *testing.T) {
	t.Parallel()
	chain := testCertChain(t, "leaf.example", "intermediate.example")

	tests := []struct {
		name     string
		status   int
		want     OutcomeKind
		terminal bool
	}{
		{"ok", http.StatusOK, OutcomeAccepted, true},
		{"bad request", http.StatusBadRequest, OutcomeRejected, true},
		{"too many requests", http.StatusTooManyRequests, OutcomeRejected, true},
		{"unavailable", http.StatusServiceUnavailable, OutcomeTransient, false},
		{"internal error", http.StatusInternalServerError, OutcomeTransient, false},
		{"redirect", http.StatusNotModified, OutcomeTransient, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fl := newFakeLog(t, tt.status)
			s := NewSubmitter(fl.URL, noLimit{}, fl.Client())

			out, err := s.Submit(context.Background(), chain)
			if err != nil {
				t.Fatalf("Submit: %v", err)
			}
			if out.Kind != tt.want || out.Terminal() != tt.terminal || out.StatusCode != tt.status {
				t.Fatalf("got %s (status %d, terminal %v), want %s", out.Kind, out.StatusCode, out.Terminal(), tt.want)
			}
			if fl.callsFor(chain.Fingerprint()) != 1 {
				t.Fatalf("log saw %d calls for the chain", fl.callCount())
			}
			if tt.want == OutcomeAccepted && (out.SCT == nil || out.SCT.Timestamp == 0) {
				t.Fatalf("accepted outcome without SCT")
			}
			if tt.want == OutcomeRejected && !strings.Contains(out.Reason, "chain rejected") {
				t.Fatalf("rejection reason lacks log body: %q", out.Reason)
			}
		})
	}
}

func TestSubmitterTransportErrorIsTransient(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	s := NewSubmitter(url, noLimit{}, &http.Client{Timeout: time.Second})
	out, err := s.Submit(context.Background(), testCertChain(t, "leaf.example"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Kind != OutcomeTransient || out.Err == nil || out.StatusCode != 0 {
		t.Fatalf("expected transient with transport error, got %+v", out)
	}
	if got := s.GetStats()["transient"].(uint64); got != 1 {
		t.Fatalf("transient counter = %d", got)
	}
}

func TestSubmitterAbortsDuringLimiterWait(t *testing.T) {
	t.Parallel()
	fl := newFakeLog(t, http.StatusOK)
	wl, err := NewWindowLimiter(1, time.Hour)
	if err != nil {
		t.Fatalf("NewWindowLimiter: %v", err)
	}
	s := NewSubmitter(fl.URL, wl, fl.Client())
	chain := testCertChain(t, "leaf.example")

	if _, err := s.Submit(context.Background(), chain); err != nil {
		t.Fatalf("first Submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = s.Submit(ctx, chain)
	if !errors.Is(err, ErrSubmissionAborted) || !IsRetryable(err) {
		t.Fatalf("expected retryable ErrSubmissionAborted, got %v", err)
	}
	if fl.callCount() != 1 {
		t.Fatalf("aborted submission reached the log: %d calls", fl.callCount())
	}
}

func TestSubmitterFinishesRequestAfterCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fl := newFakeLog(t, http.StatusOK)
	fl.hook = func(certlib.Fingerprint) {
		cancel()
		time.Sleep(20 * time.Millisecond)
	}
	s := NewSubmitter(fl.URL, noLimit{}, fl.Client())

	out, err := s.Submit(ctx, testCertChain(t, "leaf.example"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Kind != OutcomeAccepted {
		t.Fatalf("in-flight request was cut short: %+v", out)
	}
}
