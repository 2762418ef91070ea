package core

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/x-stp/oonict/internal/certlib"
	"github.com/x-stp/oonict/internal/certlib/certtest"
)

// memArchive is an in-memory source.Archive.
type memArchive struct {
	id   string
	data []byte
}

func (a *memArchive) ID() string { return a.id }

func (a *memArchive) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(a.data)), nil
}

// noLimit admits every call immediately unless ctx is done.
type noLimit struct{}

func (noLimit) Wait(ctx context.Context) error { return ctx.Err() }

// fakeLog is an httptest CT log that records every add-chain call.
type fakeLog struct {
	*httptest.Server

	mu     sync.Mutex
	calls  []certlib.Fingerprint
	times  []time.Time // Arrival time of each call.
	status int
	hook   func(fp certlib.Fingerprint) // Called before answering.
}

func newFakeLog(t *testing.T, status int) *fakeLog {
	t.Helper()
	fl := &fakeLog{status: status}
	fl.Server = httptest.NewServer(http.HandlerFunc(fl.handle))
	t.Cleanup(fl.Close)
	return fl
}

func (fl *fakeLog) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != certlib.AddChainPath {
		http.NotFound(w, r)
		return
	}
	var req certlib.AddChainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h := sha256.New()
	for _, c := range req.Chain {
		der, err := base64.StdEncoding.DecodeString(c)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.Write(der)
	}
	var fp certlib.Fingerprint
	copy(fp[:], h.Sum(nil))

	fl.mu.Lock()
	fl.calls = append(fl.calls, fp)
	fl.times = append(fl.times, time.Now())
	status := fl.status
	hook := fl.hook
	fl.mu.Unlock()

	if hook != nil {
		hook(fp)
	}

	w.WriteHeader(status)
	switch {
	case status >= 200 && status < 300:
		json.NewEncoder(w).Encode(certlib.AddChainResponse{ID: "dGVzdA==", Timestamp: 1700000000000})
	case status >= 400 && status < 500:
		w.Write([]byte(`{"error":"chain rejected"}`))
	}
}

func (fl *fakeLog) setStatus(status int) {
	fl.mu.Lock()
	fl.status = status
	fl.mu.Unlock()
}

func (fl *fakeLog) callCount() int {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return len(fl.calls)
}

func (fl *fakeLog) callsFor(fp certlib.Fingerprint) int {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	n := 0
	for _, c := range fl.calls {
		if c == fp {
			n++
		}
	}
	return n
}

// callTimes returns the arrival times of all calls, sorted.
func (fl *fakeLog) callTimes() []time.Time {
	fl.mu.Lock()
	out := append([]time.Time(nil), fl.times...)
	fl.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// testChain is a chain together with the JSON handshake that carries it.
type testChain struct {
	handshake certtest.Handshake
	fp        certlib.Fingerprint
}

func newTestChain(t *testing.T, names ...string) testChain {
	t.Helper()
	h := sha256.New()
	var hs certtest.Handshake
	for _, n := range names {
		der := certtest.DER(t, n)
		h.Write(der)
		hs.PeerCertificates = append(hs.PeerCertificates, certtest.Peer(der))
	}
	var fp certlib.Fingerprint
	copy(fp[:], h.Sum(nil))
	return testChain{handshake: hs, fp: fp}
}

// archiveWith builds a web_connectivity archive with one record per chain.
func archiveWith(t *testing.T, id string, chains ...testChain) *memArchive {
	t.Helper()
	lines := make([][]byte, 0, len(chains))
	for _, c := range chains {
		lines = append(lines, certtest.Record(t, certlib.WebConnectivityTest, c.handshake))
	}
	return &memArchive{id: id, data: certtest.Archive(t, lines...)}
}
