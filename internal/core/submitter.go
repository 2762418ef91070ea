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
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/x-stp/oonict/internal/certlib"
	"github.com/x-stp/oonict/internal/metrics"
)

// OutcomeKind classifies the log's answer to an add-chain call.
type OutcomeKind int

const (
	// OutcomeAccepted: 2xx. Terminal.
	OutcomeAccepted OutcomeKind = iota + 1
	// OutcomeRejected: 4xx. Terminal; resubmitting the same bytes will not help.
	OutcomeRejected
	// OutcomeTransient: 5xx, network failure or anything else. Not terminal.
	OutcomeTransient
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRejected:
		return "rejected"
	case OutcomeTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Outcome is the classified result of one submission.
type Outcome struct {
	Kind       OutcomeKind
	StatusCode int    // 0 when no HTTP response was received.
	Reason     string // Human readable; status line plus trimmed body, or the transport error.
	SCT        *certlib.AddChainResponse
	Err        error // Transport error behind a transient outcome, if any.
}

// Terminal reports whether the fingerprint should be recorded in the ledger.
func (o Outcome) Terminal() bool {
	return o.Kind == OutcomeAccepted || o.Kind == OutcomeRejected
}

// maxReasonLen bounds how much of a log's error body ends up in an Outcome.
const maxReasonLen = 256

// Submitter posts chains to one CT log, gated by a Limiter shared by every worker.
type Submitter struct {
	logURL         string
	limiter        Limiter
	httpClient     *http.Client
	requestTimeout time.Duration

	accepted  atomic.Uint64
	rejected  atomic.Uint64
	transient atomic.Uint64
}

// NewSubmitter creates a submitter for logURL. The same limiter must be passed to every
// submitter talking to that log.
func NewSubmitter(logURL string, limiter Limiter, httpClient *http.Client) *Submitter {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Submitter{
		logURL:         logURL,
		limiter:        limiter,
		httpClient:     httpClient,
		requestTimeout: DefaultSubmitTimeout,
	}
}

// SetRequestTimeout bounds a single add-chain request once it has been issued.
func (s *Submitter) SetRequestTimeout(d time.Duration) {
	if d > 0 {
		s.requestTimeout = d
	}
}

// LogURL returns the log this submitter talks to.
func (s *Submitter) LogURL() string {
	return s.logURL
}

// Submit waits for the limiter, then posts chain to the log's add-chain endpoint.
//
// The only error is one wrapping ErrSubmissionAborted, returned when ctx ends during the
// limiter wait; nothing was sent in that case. Once the request is issued it runs to
// completion (or its own timeout) even if ctx is cancelled, so the caller can always
// record a terminal answer. Log and transport failures are reported as Outcomes.
func (s *Submitter) Submit(ctx context.Context, chain *certlib.Chain) (Outcome, error) {
	waitStart := time.Now()
	if err := s.limiter.Wait(ctx); err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrSubmissionAborted, err)
	}
	m := metrics.GetMetrics()
	m.ObserveLimiterWait(s.logURL, time.Since(waitStart))

	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.requestTimeout)
	defer cancel()

	start := time.Now()
	res, err := certlib.PostAddChain(reqCtx, s.httpClient, s.logURL, chain)
	elapsed := time.Since(start)

	outcome := classify(res, err)
	if outcome.Kind == OutcomeAccepted && res.ParseErr != nil {
		log.Printf("Warning: %s accepted chain %s but returned an unreadable SCT: %v",
			s.logURL, chain.Fingerprint(), res.ParseErr)
	}

	switch outcome.Kind {
	case OutcomeAccepted:
		s.accepted.Add(1)
	case OutcomeRejected:
		s.rejected.Add(1)
	default:
		s.transient.Add(1)
	}
	m.ObserveSubmission(outcome.Kind.String(), outcome.StatusCode, elapsed)
	return outcome, nil
}

// classify maps a PostAddChain result onto an Outcome.
func classify(res *certlib.AddChainResult, err error) Outcome {
	if err != nil {
		return Outcome{Kind: OutcomeTransient, Reason: err.Error(), Err: err}
	}

	o := Outcome{StatusCode: res.StatusCode, Reason: res.Status}
	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		o.Kind = OutcomeAccepted
		o.SCT = res.SCT
	case res.StatusCode >= 400 && res.StatusCode < 500:
		o.Kind = OutcomeRejected
		if body := bytes.TrimSpace(res.Body); len(body) > 0 {
			if len(body) > maxReasonLen {
				body = body[:maxReasonLen]
			}
			o.Reason = fmt.Sprintf("%s: %s", res.Status, body)
		}
	default:
		o.Kind = OutcomeTransient
	}
	return o
}

// GetStats returns submission counters by outcome.
func (s *Submitter) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"log_url":   s.logURL,
		"accepted":  s.accepted.Load(),
		"rejected":  s.rejected.Load(),
		"transient": s.transient.Load(),
	}
}
