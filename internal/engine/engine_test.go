package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fennwick/sentinel-egress/internal/binding"
	"github.com/fennwick/sentinel-egress/internal/config"
	"github.com/fennwick/sentinel-egress/internal/fingerprint"
	"github.com/fennwick/sentinel-egress/internal/pool"
	"github.com/fennwick/sentinel-egress/internal/session"
)

// testClient wraps an httptest server in a *binding.Client without going
// through uTLS, so these tests never touch the network stack's TLS layer.
func testClient(t *testing.T, srv *httptest.Server) *binding.Client {
	t.Helper()
	return &binding.Client{
		SourceIP: "2001:db8::1",
		Persona:  fingerprint.Default().Random(),
		HTTP:     srv.Client(),
	}
}

func newTestEngine(t *testing.T, srv *httptest.Server) (*Engine, string) {
	t.Helper()
	u := strings.TrimPrefix(srv.URL, "https://")
	u = strings.TrimPrefix(u, "http://")

	p := pool.New("2001:db8::", 1, 1, nil)
	bindings := binding.New(fingerprint.Default(), config.EngineConfig{
		RequestTimeout: time.Second,
	})
	sessions := session.NewManager(config.SessionConfig{
		MaxConcurrent:    2,
		ExpiryLeadWindow: 30 * time.Second,
		MaxRefreshAge:    time.Hour,
		SessionCookieTTL: time.Hour,
		HomeOrigin:       u,
		HomePath:         "/",
	})

	e := New(p, bindings, sessions,
		config.EngineConfig{
			MaxRetries:     2,
			BaseRetryDelay: 5 * time.Millisecond,
			RequestTimeout: 2 * time.Second,
			DNTProbability: 0.5,
		},
		config.PoolConfig{HealthWarmupRequests: 20, HealthFailureRate: 0.5, HealthMaxLatency: 5 * time.Second},
		config.BreakerConfig{
			FailureRateThreshold: 0.5,
			MinRequestWindow:     3,
			RecoveryInterval:     50 * time.Millisecond,
		},
		config.SessionConfig{HomeOrigin: u, HomePath: "/"},
		config.WhitelistConfig{
			Hosts:           []string{u},
			SessionRequired: []string{u},
		},
		nil,
	)

	// Pre-seed the binding cache so Fetch uses our httptest-backed client
	// instead of trying to dial out with a real uTLS handshake.
	client := testClient(t, srv)
	forceBinding(e, "2001:db8::1", client)

	return e, u
}

// forceBinding reaches into the binding cache to install a pre-built
// client for a fixed source IP, bypassing the real uTLS dialer.
func forceBinding(e *Engine, ip string, client *binding.Client) {
	e.Bindings.SetClientForTest(ip, client)
}

func TestFetch_ColdFetchProvisionsSessionAndSucceeds(t *testing.T) {
	var bootstrapHits, dataHits int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			atomic.AddInt32(&bootstrapHits, 1)
			http.SetCookie(w, &http.Cookie{Name: "sid", Value: "abc"})
			w.WriteHeader(http.StatusOK)
			return
		}
		atomic.AddInt32(&dataHits, 1)
		if r.Header.Get("Cookie") == "" {
			t.Errorf("expected cookie on data request")
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	e, host := newTestEngine(t, srv)
	result, err := e.Fetch(context.Background(), "https://"+host+"/data", Options{SourceIP: "2001:db8::1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != http.StatusOK {
		t.Errorf("status = %d, want 200", result.Status)
	}
	if bootstrapHits != 1 {
		t.Errorf("expected 1 bootstrap hit, got %d", bootstrapHits)
	}
	if dataHits != 1 {
		t.Errorf("expected 1 data hit, got %d", dataHits)
	}
}

func TestFetch_403TriggersOneForcedRefresh(t *testing.T) {
	var bootstrapHits int32
	var dataHits int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			n := atomic.AddInt32(&bootstrapHits, 1)
			http.SetCookie(w, &http.Cookie{Name: "sid", Value: "gen" + string(rune('0'+n))})
			w.WriteHeader(http.StatusOK)
			return
		}
		n := atomic.AddInt32(&dataHits, 1)
		if n == 1 {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e, host := newTestEngine(t, srv)
	result, err := e.Fetch(context.Background(), "https://"+host+"/data", Options{SourceIP: "2001:db8::1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != http.StatusOK {
		t.Errorf("status = %d, want 200 after forced refresh", result.Status)
	}
	if dataHits != 2 {
		t.Errorf("expected 2 data attempts (403 then retry), got %d", dataHits)
	}
	if bootstrapHits < 2 {
		t.Errorf("expected at least 2 bootstrap hits (initial + forced refresh), got %d", bootstrapHits)
	}
}

func TestFetch_429HonorsRetryAfter(t *testing.T) {
	var dataHits int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			w.WriteHeader(http.StatusOK)
			return
		}
		n := atomic.AddInt32(&dataHits, 1)
		if n == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e, host := newTestEngine(t, srv)
	result, err := e.Fetch(context.Background(), "https://"+host+"/data", Options{SourceIP: "2001:db8::1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != http.StatusOK {
		t.Errorf("status = %d, want 200 after honoring Retry-After", result.Status)
	}
	if dataHits != 2 {
		t.Errorf("expected 2 attempts, got %d", dataHits)
	}
}

func TestFetch_ValidationRejectsNonWhitelistedHost(t *testing.T) {
	e, _ := newTestEngine(t, httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))
	_, err := e.Fetch(context.Background(), "https://not-whitelisted.invalid/data", Options{SourceIP: "2001:db8::1"})
	kind, ok := KindOf(err)
	if !ok || kind != KindValidation {
		t.Fatalf("expected KindValidation, got %v (ok=%v)", kind, ok)
	}
}

func TestFetch_ValidationRejectsIPv4SourceIP(t *testing.T) {
	e, host := newTestEngine(t, httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))
	_, err := e.Fetch(context.Background(), "https://"+host+"/data", Options{SourceIP: "10.0.0.1"})
	kind, ok := KindOf(err)
	if !ok || kind != KindValidation {
		t.Fatalf("expected KindValidation for ipv4 source, got %v (ok=%v)", kind, ok)
	}
}

func TestFetch_CircuitOpenShortCircuits(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e, host := newTestEngine(t, srv)
	e.Cfg.MaxRetries = 0
	e.Breaker.MinRequestWindow = 1
	e.Breaker.FailureRateThreshold = 0.1

	for i := 0; i < 3; i++ {
		_, _ = e.Fetch(context.Background(), "https://"+host+"/data", Options{SourceIP: "2001:db8::1"})
	}

	_, err := e.Fetch(context.Background(), "https://"+host+"/data", Options{SourceIP: "2001:db8::1"})
	kind, ok := KindOf(err)
	if !ok || kind != KindCircuitOpen {
		t.Fatalf("expected KindCircuitOpen after sustained failures, got %v (ok=%v, err=%v)", kind, ok, err)
	}
}
