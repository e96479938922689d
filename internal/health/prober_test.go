package health

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

type fakeTarget struct {
	name     string
	endpoint string
}

func (f *fakeTarget) Name() string           { return f.name }
func (f *fakeTarget) HealthEndpoint() string { return f.endpoint }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProbeHealthyEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := NewTracker(DefaultConfig())
	p := NewProber(DefaultProberConfig(), tr, []Probeable{&fakeTarget{"vllm", srv.URL + "/v1/models"}}, discardLogger())
	p.ProbeAll()

	if s := tr.GetStats("vllm"); s.State != StateHealthy || s.TotalCalls != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestProbeTreatsAuthChallengeAsUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tr := NewTracker(DefaultConfig())
	p := NewProber(DefaultProberConfig(), tr, []Probeable{&fakeTarget{"openai", srv.URL}}, discardLogger())
	p.ProbeAll()

	if s := tr.GetStats("openai"); s.TotalErrors != 0 {
		t.Errorf("401 should count as up, stats = %+v", s)
	}
}

func TestProbeServerErrorRecordsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := NewTracker(DefaultConfig())
	p := NewProber(DefaultProberConfig(), tr, []Probeable{&fakeTarget{"local", srv.URL}}, discardLogger())
	p.ProbeAll()

	if s := tr.GetStats("local"); s.TotalErrors != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestProbeSkipsEmptyEndpoint(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	p := NewProber(DefaultProberConfig(), tr, []Probeable{&fakeTarget{"mock", ""}}, discardLogger())
	p.ProbeAll()

	if s := tr.GetStats("mock"); s.TotalCalls != 0 {
		t.Errorf("empty endpoint should not be probed, stats = %+v", s)
	}
}

func TestAddAndRemoveTarget(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := NewTracker(DefaultConfig())
	p := NewProber(DefaultProberConfig(), tr, nil, discardLogger())
	p.AddTarget(&fakeTarget{"a", srv.URL})
	p.ProbeAll()
	p.RemoveTarget("a")
	p.ProbeAll()

	if hits.Load() != 1 {
		t.Errorf("hits = %d, want 1", hits.Load())
	}
}
