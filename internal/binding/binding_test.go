package binding

import (
	"testing"
	"time"

	"github.com/fennwick/sentinel-egress/internal/config"
	"github.com/fennwick/sentinel-egress/internal/fingerprint"
)

func TestPersona_StableAcrossLookups(t *testing.T) {
	c := New(fingerprint.Default(), config.EngineConfig{})

	first := c.Persona("2001:db8::1001")
	for i := 0; i < 20; i++ {
		again := c.Persona("2001:db8::1001")
		if again.Name != first.Name {
			t.Fatalf("persona changed across lookups: %q then %q", first.Name, again.Name)
		}
	}
}

func TestHealth_SameRecordReturnedForSameIP(t *testing.T) {
	c := New(fingerprint.Default(), config.EngineConfig{})

	a := c.Health("2001:db8::1001")
	b := c.Health("2001:db8::1001")
	if a != b {
		t.Fatal("expected the same health record instance for the same IP")
	}
}

func TestHealthRecord_OpensAfterThreshold(t *testing.T) {
	h := &HealthRecord{}
	cfg := config.BreakerConfig{FailureRateThreshold: 0.8, MinRequestWindow: 20}

	for i := 0; i < 20; i++ {
		h.RecordResult(false, cfg)
	}

	if !h.IsOpen() {
		t.Fatal("expected circuit to be open after sustained failures")
	}
	if h.TotalRequests() != 20 {
		t.Errorf("total requests = %d, want 20", h.TotalRequests())
	}
}

func TestHealthRecord_StaysClosedBelowThreshold(t *testing.T) {
	h := &HealthRecord{}
	cfg := config.BreakerConfig{FailureRateThreshold: 0.8, MinRequestWindow: 20}

	for i := 0; i < 20; i++ {
		h.RecordResult(true, cfg)
	}

	if h.IsOpen() {
		t.Fatal("expected circuit to stay closed with all successes")
	}
}

func TestHealthRecord_AdmitsRequestWhenClosed(t *testing.T) {
	h := &HealthRecord{}
	if !h.AdmitsRequest(time.Minute) {
		t.Fatal("expected a closed circuit to admit requests")
	}
}

func TestHealthRecord_RefusesUntilRecoveryInterval(t *testing.T) {
	h := &HealthRecord{}
	cfg := config.BreakerConfig{FailureRateThreshold: 0.8, MinRequestWindow: 1}
	h.RecordResult(false, cfg)

	if h.AdmitsRequest(time.Hour) {
		t.Fatal("expected circuit to refuse admission before recovery interval elapses")
	}
	if !h.AdmitsRequest(0) {
		t.Fatal("expected circuit to admit a half-open probe once recovery interval has elapsed")
	}
}

func TestHealthRecord_InvariantTotalEqualsSum(t *testing.T) {
	h := &HealthRecord{}
	cfg := config.BreakerConfig{FailureRateThreshold: 0.99, MinRequestWindow: 1000}

	h.RecordResult(true, cfg)
	h.RecordResult(false, cfg)
	h.RecordResult(true, cfg)

	if got := h.TotalRequests(); got != h.Successes.Load()+h.Failures.Load() {
		t.Errorf("invariant broken: total=%d, successes+failures=%d", got, h.Successes.Load()+h.Failures.Load())
	}
}

func TestCache_ReclaimDropsAllState(t *testing.T) {
	c := New(fingerprint.Default(), config.EngineConfig{})
	ip := "2001:db8::1001"

	c.Persona(ip)
	c.Health(ip)

	if _, ok := c.LastAccess(ip); !ok {
		t.Fatal("expected lastAccess to be set after touching the IP")
	}

	c.Reclaim(ip)

	if _, ok := c.LastAccess(ip); ok {
		t.Fatal("expected lastAccess to be cleared after reclaim")
	}
}

func TestCache_PersonaUsageCountsBindings(t *testing.T) {
	c := New(fingerprint.Default(), config.EngineConfig{})
	c.Persona("2001:db8::1001")
	c.Persona("2001:db8::1002")

	usage := c.PersonaUsage()
	var total int
	for _, n := range usage {
		total += n
	}
	if total != 2 {
		t.Errorf("expected 2 total persona assignments, got %d", total)
	}
}
