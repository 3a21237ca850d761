package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fennwick/sentinel-egress/internal/binding"
	"github.com/fennwick/sentinel-egress/internal/config"
	"github.com/fennwick/sentinel-egress/internal/engine"
	"github.com/fennwick/sentinel-egress/internal/fingerprint"
	"github.com/fennwick/sentinel-egress/internal/pool"
	"github.com/fennwick/sentinel-egress/internal/session"
	"github.com/fennwick/sentinel-egress/pkg/eventbus"
)

func newTestEngineFor(t *testing.T, srv *httptest.Server) (*engine.Engine, string) {
	t.Helper()
	host := strings.TrimPrefix(strings.TrimPrefix(srv.URL, "https://"), "http://")

	p := pool.New("2001:db8::", 1, 1, nil)
	bindings := binding.New(fingerprint.Default(), config.EngineConfig{RequestTimeout: time.Second})
	sessions := session.NewManager(config.SessionConfig{
		MaxConcurrent:    2,
		ExpiryLeadWindow: 30 * time.Second,
		MaxRefreshAge:    time.Hour,
		SessionCookieTTL: time.Hour,
		HomeOrigin:       host,
		HomePath:         "/",
	})

	e := engine.New(p, bindings, sessions,
		config.EngineConfig{MaxRetries: 1, BaseRetryDelay: 5 * time.Millisecond, RequestTimeout: 2 * time.Second},
		config.PoolConfig{HealthWarmupRequests: 20, HealthFailureRate: 0.5, HealthMaxLatency: 5 * time.Second},
		config.BreakerConfig{FailureRateThreshold: 0.9, MinRequestWindow: 100, RecoveryInterval: time.Second},
		config.SessionConfig{HomeOrigin: host, HomePath: "/"},
		config.WhitelistConfig{Hosts: []string{host}},
		nil,
	)
	bindings.SetClientForTest("2001:db8::1", &binding.Client{
		SourceIP: "2001:db8::1",
		Persona:  fingerprint.Default().Random(),
		HTTP:     srv.Client(),
	})
	return e, host
}

func TestSubmit_RunsJobAndReportsTiming(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	e, host := newTestEngineFor(t, srv)
	d := New(e, config.DispatchConfig{WorkerConcurrency: 2, QueueDepth: 4}, nil)

	outcome, err := d.Submit(context.Background(), "https://"+host+"/data", engine.Options{SourceIP: "2001:db8::1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Result.Status != http.StatusOK {
		t.Errorf("status = %d, want 200", outcome.Result.Status)
	}
	if outcome.TotalTime <= 0 {
		t.Errorf("expected positive total time")
	}
}

func TestSubmit_RejectsWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(block)

	e, host := newTestEngineFor(t, srv)
	d := New(e, config.DispatchConfig{WorkerConcurrency: 1, QueueDepth: 1}, nil)

	// First submission occupies the single worker; second fills the depth-1
	// queue; third should be rejected outright.
	go d.Submit(context.Background(), "https://"+host+"/data", engine.Options{SourceIP: "2001:db8::1"})
	go d.Submit(context.Background(), "https://"+host+"/data", engine.Options{SourceIP: "2001:db8::1"})
	time.Sleep(20 * time.Millisecond)

	_, err := d.Submit(context.Background(), "https://"+host+"/data", engine.Options{SourceIP: "2001:db8::1"})
	var de *Error
	if err == nil {
		t.Fatal("expected a dispatch error")
	}
	if de2, ok := err.(*Error); !ok || de2.Kind != KindFull {
		t.Fatalf("expected KindFull, got %v", err)
	}
	_ = de
}

func TestSubmit_CancelledWhileQueuedSkipsEngine(t *testing.T) {
	var hits int
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e, host := newTestEngineFor(t, srv)
	d := New(e, config.DispatchConfig{WorkerConcurrency: 1, QueueDepth: 4}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Submit(ctx, "https://"+host+"/data", engine.Options{SourceIP: "2001:db8::1"})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestSubmit_EmitsEventOnCompletion(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e, host := newTestEngineFor(t, srv)
	bus := eventbus.New[Event]()
	defer bus.Shutdown()

	ch, cancel := bus.Subscribe(context.Background())
	defer cancel()

	d := New(e, config.DispatchConfig{WorkerConcurrency: 1, QueueDepth: 4}, bus)
	if _, err := d.Submit(context.Background(), "https://"+host+"/data", engine.Options{SourceIP: "2001:db8::1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.Status != http.StatusOK {
			t.Errorf("event status = %d, want 200", ev.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatch event")
	}
}

func TestShutdown_StopsAcceptingNewJobs(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e, _ := newTestEngineFor(t, srv)
	d := New(e, config.DispatchConfig{WorkerConcurrency: 1, QueueDepth: 2}, nil)
	d.Shutdown(time.Second)

	_, err := d.Submit(context.Background(), "https://example.invalid/data", engine.Options{})
	de, ok := err.(*Error)
	if !ok || de.Kind != KindShuttingDown {
		t.Fatalf("expected KindShuttingDown after Shutdown, got %v", err)
	}
}

func TestSnapshot_ReportsCounters(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e, host := newTestEngineFor(t, srv)
	d := New(e, config.DispatchConfig{WorkerConcurrency: 1, QueueDepth: 4}, nil)
	if _, err := d.Submit(context.Background(), "https://"+host+"/data", engine.Options{SourceIP: "2001:db8::1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats := d.Snapshot()
	if stats.Completed != 1 {
		t.Errorf("Completed = %d, want 1", stats.Completed)
	}
	if stats.QueueCap != 4 {
		t.Errorf("QueueCap = %d, want 4", stats.QueueCap)
	}
}
