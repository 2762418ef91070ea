package metrics

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
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry          = prometheus.NewRegistry()
	defaultRegisterer = promauto.With(registry)
	metricsEnabled    bool
	serverMu          sync.Mutex
	metricsServer     *http.Server
)

// Metrics contains all the Prometheus metrics for the application
type Metrics struct {
	// Archive metrics
	ArchivesTotal   *prometheus.CounterVec
	ArchiveDuration *prometheus.HistogramVec

	// Record and chain metrics
	RecordsTotal            *prometheus.CounterVec
	CertificatesFailedTotal prometheus.Counter
	ChainsTotal             *prometheus.CounterVec

	// Submission metrics
	SubmissionsTotal   *prometheus.CounterVec
	SubmissionDuration *prometheus.HistogramVec
	LimiterWait        *prometheus.HistogramVec

	// Ledger metrics
	LedgerSize   prometheus.Gauge
	LedgerWrites *prometheus.CounterVec

	// Worker metrics
	WorkerBusy   *prometheus.GaugeVec
	WorkerPanics *prometheus.CounterVec
}

// Global instance of metrics
var globalMetrics *Metrics
var metricsOnce sync.Once

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = newMetrics()
	})
	return globalMetrics
}

// EnableMetrics enables metrics collection
func EnableMetrics() {
	metricsEnabled = true
}

// IsMetricsEnabled returns whether metrics collection is enabled
func IsMetricsEnabled() bool {
	return metricsEnabled
}

// Registry exposes the registry all oonict metrics live in.
func Registry() *prometheus.Registry {
	return registry
}

// newMetrics creates and registers all metrics
func newMetrics() *Metrics {
	buckets := []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}
	waitBuckets := []float64{.01, .1, .5, 1, 2, 5, 10, 20, 30, 60, 120}

	return &Metrics{
		ArchivesTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oonict_archives_total",
				Help: "Archives handled, by result (processed, cached, incomplete, interrupted, failed, failed_retryable)",
			},
			[]string{"status"},
		),
		ArchiveDuration: defaultRegisterer.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "oonict_archive_duration_seconds",
				Help:    "Time spent on a single archive, submissions included",
				Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 300, 900, 3600},
			},
			[]string{"status"},
		),

		RecordsTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oonict_records_total",
				Help: "Measurement records read, by status (decoded, skipped)",
			},
			[]string{"status"},
		),
		CertificatesFailedTotal: defaultRegisterer.NewCounter(
			prometheus.CounterOpts{
				Name: "oonict_certificates_failed_total",
				Help: "Peer certificates dropped because they did not decode",
			},
		),
		ChainsTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oonict_chains_total",
				Help: "Chains seen, by result (extracted, known, accepted, rejected, deferred)",
			},
			[]string{"result"},
		),

		SubmissionsTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oonict_submissions_total",
				Help: "add-chain calls, by outcome and HTTP status code",
			},
			[]string{"outcome", "code"},
		),
		SubmissionDuration: defaultRegisterer.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "oonict_submission_duration_seconds",
				Help:    "Latency of add-chain calls, rate limiting excluded",
				Buckets: buckets,
			},
			[]string{"outcome"},
		),
		LimiterWait: defaultRegisterer.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "oonict_limiter_wait_seconds",
				Help:    "Time spent waiting for the shared submission rate limiter",
				Buckets: waitBuckets,
			},
			[]string{"log_url"},
		),

		LedgerSize: defaultRegisterer.NewGauge(
			prometheus.GaugeOpts{
				Name: "oonict_ledger_fingerprints",
				Help: "Number of terminal fingerprints in the dedup ledger",
			},
		),
		LedgerWrites: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oonict_ledger_writes_total",
				Help: "Durable ledger appends, by status (ok, error)",
			},
			[]string{"status"},
		),

		WorkerBusy: defaultRegisterer.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "oonict_worker_busy",
				Help: "Whether a worker is currently busy (1) or idle (0)",
			},
			[]string{"worker_id"},
		),
		WorkerPanics: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oonict_worker_panics_total",
				Help: "Total number of panics recovered by a worker",
			},
			[]string{"worker_id"},
		),
	}
}

// StartMetricsServer binds addr and serves /metrics in the background.
// It is a no-op when metrics are disabled. A bind failure is returned.
func StartMetricsServer(addr string) error {
	if !metricsEnabled {
		return nil
	}

	serverMu.Lock()
	defer serverMu.Unlock()
	if metricsServer != nil {
		return nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics server: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	srv := metricsServer
	go func() {
		log.Printf("Starting metrics server on %s", ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Metrics server error: %v", err)
		}
	}()
	return nil
}

// ShutdownMetricsServer gracefully shuts down the metrics server
func ShutdownMetricsServer(ctx context.Context) error {
	serverMu.Lock()
	srv := metricsServer
	metricsServer = nil
	serverMu.Unlock()

	if srv != nil {
		log.Println("Shutting down metrics server...")
		return srv.Shutdown(ctx)
	}
	return nil
}

// MeasureDuration is a helper to measure the duration of a function
func MeasureDuration(histogram *prometheus.HistogramVec, labels prometheus.Labels) func() {
	if !metricsEnabled {
		return func() {}
	}

	start := time.Now()
	return func() {
		histogram.With(labels).Observe(time.Since(start).Seconds())
	}
}

// ObserveSubmission records one add-chain call. code is 0 when no response arrived.
func (m *Metrics) ObserveSubmission(outcome string, code int, d time.Duration) {
	if !metricsEnabled {
		return
	}
	m.SubmissionsTotal.WithLabelValues(outcome, strconv.Itoa(code)).Inc()
	m.SubmissionDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveLimiterWait records time spent blocked on the submission limiter.
func (m *Metrics) ObserveLimiterWait(logURL string, d time.Duration) {
	if !metricsEnabled {
		return
	}
	m.LimiterWait.WithLabelValues(logURL).Observe(d.Seconds())
}

// AddRecords counts decoded and skipped records.
func (m *Metrics) AddRecords(decoded, skipped int) {
	if !metricsEnabled {
		return
	}
	m.RecordsTotal.WithLabelValues("decoded").Add(float64(decoded))
	m.RecordsTotal.WithLabelValues("skipped").Add(float64(skipped))
}

// AddCertificatesFailed counts peer certificates that did not decode.
func (m *Metrics) AddCertificatesFailed(n int) {
	if !metricsEnabled || n == 0 {
		return
	}
	m.CertificatesFailedTotal.Add(float64(n))
}

// IncChain counts one chain under result.
func (m *Metrics) IncChain(result string) {
	if !metricsEnabled {
		return
	}
	m.ChainsTotal.WithLabelValues(result).Inc()
}

// ObserveArchive records one finished archive.
func (m *Metrics) ObserveArchive(status string, d time.Duration) {
	if !metricsEnabled {
		return
	}
	m.ArchivesTotal.WithLabelValues(status).Inc()
	if d > 0 {
		m.ArchiveDuration.WithLabelValues(status).Observe(d.Seconds())
	}
}

// ObserveLedgerWrite records a ledger append and the ledger size after it.
func (m *Metrics) ObserveLedgerWrite(err error, size int) {
	if !metricsEnabled {
		return
	}
	if err != nil {
		m.LedgerWrites.WithLabelValues("error").Inc()
		return
	}
	m.LedgerWrites.WithLabelValues("ok").Inc()
	m.LedgerSize.Set(float64(size))
}

// SetLedgerSize sets the ledger size gauge, e.g. after loading.
func (m *Metrics) SetLedgerSize(size int) {
	if !metricsEnabled {
		return
	}
	m.LedgerSize.Set(float64(size))
}

// SetWorkerBusy flags a worker as busy or idle.
func (m *Metrics) SetWorkerBusy(workerID int, busy bool) {
	if !metricsEnabled {
		return
	}
	v := 0.0
	if busy {
		v = 1
	}
	m.WorkerBusy.WithLabelValues(strconv.Itoa(workerID)).Set(v)
}

// IncWorkerPanic counts a panic recovered in a worker.
func (m *Metrics) IncWorkerPanic(workerID int) {
	if !metricsEnabled {
		return
	}
	m.WorkerPanics.WithLabelValues(strconv.Itoa(workerID)).Inc()
}
