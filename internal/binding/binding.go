// Package binding memoizes, per source IP, the persona assigned to it, the
// reusable HTTP/2 client bound to it, and its circuit-breaker health
// record. Cookie sessions live in internal/session, keyed by the same IP.
package binding

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	utls "github.com/refraction-networking/utls"
	"github.com/puzpuzpuz/xsync/v4"
	uatomic "go.uber.org/atomic"
	"golang.org/x/net/http2"

	"github.com/fennwick/sentinel-egress/internal/config"
	"github.com/fennwick/sentinel-egress/internal/fingerprint"
)

// DefaultKey is the interned map key used when no explicit source IP was
// requested, keeping the per-IP maps total.
const DefaultKey = "default"

// HealthRecord is the per-IP circuit-breaker state. Invariant:
// TotalRequests == Successes + Failures at every instant.
type HealthRecord struct {
	Successes uatomic.Int64
	Failures  uatomic.Int64
	open      uatomic.Bool
	openedAt  uatomic.Int64 // unix nano
}

// TotalRequests returns Successes + Failures.
func (h *HealthRecord) TotalRequests() int64 {
	return h.Successes.Load() + h.Failures.Load()
}

func (h *HealthRecord) failureRate() float64 {
	total := h.TotalRequests()
	if total == 0 {
		return 0
	}
	return float64(h.Failures.Load()) / float64(total)
}

// RecordResult updates the health record with one terminal outcome and
// evaluates the open-circuit transition.
func (h *HealthRecord) RecordResult(success bool, cfg config.BreakerConfig) {
	if success {
		h.Successes.Add(1)
	} else {
		h.Failures.Add(1)
	}

	if h.TotalRequests() >= cfg.MinRequestWindow && h.failureRate() > cfg.FailureRateThreshold {
		if !h.open.Swap(true) {
			h.openedAt.Store(time.Now().UnixNano())
		}
	}
}

// AdmitsRequest reports whether a request should be let through: either the
// circuit is closed, or it has been open for at least the recovery interval
// (half-open probe). Only one half-open probe is allowed at a time; callers
// that are not the winning probe should observe CircuitOpen still.
func (h *HealthRecord) AdmitsRequest(recoveryInterval time.Duration) bool {
	if !h.open.Load() {
		return true
	}
	openedAt := time.Unix(0, h.openedAt.Load())
	if time.Since(openedAt) < recoveryInterval {
		return false
	}
	// Half-open: allow exactly one probe through by racing to flip the
	// opened timestamp forward; the loser still sees CircuitOpen.
	now := time.Now()
	return h.openedAt.CompareAndSwap(openedAt.UnixNano(), now.UnixNano())
}

// Close transitions the circuit back to closed, normally called after a
// successful half-open probe.
func (h *HealthRecord) Close() {
	h.open.Store(false)
}

// IsOpen reports the raw open/closed flag, for /health reporting.
func (h *HealthRecord) IsOpen() bool {
	return h.open.Load()
}

// Client is the reusable HTTP/2 client bound to one source IP and locked
// to one persona for the life of the binding.
type Client struct {
	SourceIP  string
	Persona   fingerprint.Persona
	HTTP      *http.Client
	transport *http2.Transport
}

// NewClient builds an HTTP/2 client that dials from sourceIP and performs
// a TLS handshake with persona's ClientHello template, offering h2 then
// http/1.1 via ALPN.
func NewClient(sourceIP string, persona fingerprint.Persona, cfg config.EngineConfig) (*Client, error) {
	localAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(sourceIP, "0"))
	if err != nil {
		return nil, err
	}
	dialer := &net.Dialer{
		LocalAddr: localAddr,
		Timeout:   cfg.RequestTimeout,
	}

	transport := &http2.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			rawConn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				host = addr
			}
			uConn := utls.UClient(rawConn, &utls.Config{
				ServerName: host,
				NextProtos: []string{"h2", "http/1.1"},
			}, persona.ClientHelloID)
			if err := uConn.HandshakeContext(ctx); err != nil {
				rawConn.Close()
				return nil, err
			}
			return uConn, nil
		},
		ReadIdleTimeout: cfg.ReadIdleTimeout,
		PingTimeout:     cfg.PingTimeout,
	}

	return &Client{
		SourceIP:  sourceIP,
		Persona:   persona,
		HTTP:      &http.Client{Transport: transport},
		transport: transport,
	}, nil
}

// Close tears down pooled connections, called by the janitor on reclaim.
func (c *Client) Close() {
	c.transport.CloseIdleConnections()
}

// Cache is the per-IP binding cache: persona, client and health record,
// each a get-or-create with first-writer-wins semantics on creation.
type Cache struct {
	registry   *fingerprint.Registry
	personas   *xsync.Map[string, fingerprint.Persona]
	clients    *xsync.Map[string, *Client]
	health     *xsync.Map[string, *HealthRecord]
	lastAccess *xsync.Map[string, int64]
	engineCfg  config.EngineConfig
}

// New constructs an empty binding cache backed by the given persona
// registry and engine configuration (used to build per-IP clients).
func New(registry *fingerprint.Registry, engineCfg config.EngineConfig) *Cache {
	return &Cache{
		registry:   registry,
		personas:   xsync.NewMap[string, fingerprint.Persona](),
		clients:    xsync.NewMap[string, *Client](),
		health:     xsync.NewMap[string, *HealthRecord](),
		lastAccess: xsync.NewMap[string, int64](),
		engineCfg:  engineCfg,
	}
}

// Persona returns the persona assigned to ip, assigning one at random on
// first use. The assignment never changes for the life of the binding.
func (c *Cache) Persona(ip string) fingerprint.Persona {
	if existing, ok := c.personas.Load(ip); ok {
		c.touch(ip)
		return existing
	}
	candidate := c.registry.Random()
	actual, _ := c.personas.LoadOrStore(ip, candidate)
	c.touch(ip)
	return actual
}

// Client returns the HTTP/2 client bound to ip, building one lazily using
// the IP's assigned persona. Creation races are resolved first-writer-wins;
// the loser's candidate client is discarded and closed.
func (c *Cache) Client(ip string) (*Client, error) {
	persona := c.Persona(ip)

	if existing, ok := c.clients.Load(ip); ok {
		return existing, nil
	}

	candidate, err := NewClient(ip, persona, c.engineCfg)
	if err != nil {
		return nil, err
	}

	actual, loaded := c.clients.LoadOrStore(ip, candidate)
	if loaded {
		candidate.Close()
	}
	return actual, nil
}

// Health returns the circuit-breaker health record for ip, creating an
// empty one on first use.
func (c *Cache) Health(ip string) *HealthRecord {
	if existing, ok := c.health.Load(ip); ok {
		return existing
	}
	actual, _ := c.health.LoadOrStore(ip, &HealthRecord{})
	return actual
}

func (c *Cache) touch(ip string) {
	c.lastAccess.Store(ip, time.Now().UnixNano())
}

// LastAccess returns the last time ip's binding was touched, for the
// janitor's inactivity scan.
func (c *Cache) LastAccess(ip string) (time.Time, bool) {
	ns, ok := c.lastAccess.Load(ip)
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// Keys returns every source IP with a live binding, for the janitor's scan.
func (c *Cache) Keys() []string {
	keys := make([]string, 0)
	c.lastAccess.Range(func(key string, _ int64) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}

// SetClientForTest installs a pre-built client for ip, bypassing the real
// uTLS dialer. Exported for engine tests that need a deterministic,
// httptest-backed transport without performing a real TLS handshake.
func (c *Cache) SetClientForTest(ip string, client *Client) {
	c.clients.Store(ip, client)
	c.personas.Store(ip, client.Persona)
	c.touch(ip)
}

// Reclaim drops ip's persona, client, and health record, closing the
// client's pooled connections first. Pool statistics and the persona
// registry itself are untouched.
func (c *Cache) Reclaim(ip string) {
	if client, ok := c.clients.LoadAndDelete(ip); ok {
		client.Close()
	}
	c.personas.Delete(ip)
	c.health.Delete(ip)
	c.lastAccess.Delete(ip)
}

// PersonaUsage counts live bindings per persona name, for /health reporting.
func (c *Cache) PersonaUsage() map[string]int {
	usage := make(map[string]int)
	c.personas.Range(func(_ string, p fingerprint.Persona) bool {
		usage[p.Name]++
		return true
	})
	return usage
}

// Size reports the number of live bindings, for /health's connection cache
// size field.
func (c *Cache) Size() int {
	return c.clients.Size()
}
