package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsDisabledIsNoop(t *testing.T) {
	if IsMetricsEnabled() {
		t.Skip("metrics already enabled by another test")
	}
	m := GetMetrics()
	before := testutil.ToFloat64(m.ChainsTotal.WithLabelValues("accepted"))
	m.IncChain("accepted")
	if got := testutil.ToFloat64(m.ChainsTotal.WithLabelValues("accepted")); got != before {
		t.Fatalf("counter moved while disabled: %v -> %v", before, got)
	}
	if err := StartMetricsServer("127.0.0.1:0"); err != nil {
		t.Fatalf("StartMetricsServer while disabled: %v", err)
	}
}

func TestMetricsRecording(t *testing.T) {
	EnableMetrics()
	m := GetMetrics()

	accepted := testutil.ToFloat64(m.SubmissionsTotal.WithLabelValues("accepted", "200"))
	m.ObserveSubmission("accepted", 200, 30*time.Millisecond)
	if got := testutil.ToFloat64(m.SubmissionsTotal.WithLabelValues("accepted", "200")); got != accepted+1 {
		t.Fatalf("submissions counter = %v, want %v", got, accepted+1)
	}

	ok := testutil.ToFloat64(m.LedgerWrites.WithLabelValues("ok"))
	m.ObserveLedgerWrite(nil, 42)
	m.ObserveLedgerWrite(errors.New("disk full"), 0)
	if got := testutil.ToFloat64(m.LedgerWrites.WithLabelValues("ok")); got != ok+1 {
		t.Fatalf("ledger ok writes = %v, want %v", got, ok+1)
	}
	if got := testutil.ToFloat64(m.LedgerSize); got != 42 {
		t.Fatalf("ledger size = %v, want 42 (failed writes must not reset it)", got)
	}

	decoded := testutil.ToFloat64(m.RecordsTotal.WithLabelValues("decoded"))
	m.AddRecords(10, 2)
	if got := testutil.ToFloat64(m.RecordsTotal.WithLabelValues("decoded")); got != decoded+10 {
		t.Fatalf("decoded records = %v, want %v", got, decoded+10)
	}

	m.SetWorkerBusy(3, true)
	if got := testutil.ToFloat64(m.WorkerBusy.WithLabelValues("3")); got != 1 {
		t.Fatalf("worker 3 busy gauge = %v, want 1", got)
	}
}

func TestMetricsExposition(t *testing.T) {
	EnableMetrics()
	m := GetMetrics()
	m.ObserveLimiterWait("ct.example", time.Second)

	srv := httptest.NewServer(promhttp.HandlerFor(Registry(), promhttp.HandlerOpts{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, name := range []string{"oonict_limiter_wait_seconds", "oonict_ledger_fingerprints"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("exposition missing %s", name)
		}
	}
}

func TestMetricsServerLifecycle(t *testing.T) {
	EnableMetrics()
	if err := StartMetricsServer("127.0.0.1:0"); err != nil {
		t.Fatalf("StartMetricsServer: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ShutdownMetricsServer(ctx); err != nil {
		t.Fatalf("ShutdownMetricsServer: %v", err)
	}
	if err := ShutdownMetricsServer(ctx); err != nil {
		t.Fatalf("second ShutdownMetricsServer: %v", err)
	}
}
