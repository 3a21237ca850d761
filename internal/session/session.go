// Package session is the per-IP cookie session manager. It acquires and
// refreshes bootstrap cookies from the origin's "home" endpoint, gating
// concurrent refreshes per IP with a single-flight primitive and globally
// with a bounded semaphore.
package session

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/singleflight"

	"github.com/fennwick/sentinel-egress/internal/config"
	"github.com/fennwick/sentinel-egress/internal/util"
)

// Session is one source IP's cookie jar against the configured origin.
// Invariant: cookies whose Expires has passed are removed on every
// refresh attempt; EarliestExpiry is the minimum of remaining expiries.
type Session struct {
	mu             sync.RWMutex
	cookies        []*http.Cookie
	lastRefresh    time.Time
	earliestExpiry time.Time
	lastAccess     time.Time
	forceRefresh   bool
}

// Cookies returns a snapshot of the cookies attached to requests for host,
// filtered by domain match (exact, or ".example.com"-style suffix match).
func (s *Session) Cookies(host string) []*http.Cookie {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*http.Cookie, 0, len(s.cookies))
	for _, c := range s.cookies {
		if domainMatches(c.Domain, host) {
			matched = append(matched, c)
		}
	}
	return matched
}

func domainMatches(cookieDomain, host string) bool {
	if cookieDomain == "" {
		return true
	}
	cookieDomain = strings.TrimPrefix(cookieDomain, ".")
	host = strings.TrimSuffix(host, ".")
	if cookieDomain == host {
		return true
	}
	return strings.HasSuffix(host, "."+cookieDomain)
}

// needsRefresh reports whether the session requires a refresh: no cookies,
// any cookie within leadWindow of expiry, or last refresh older than
// maxAge. Expired cookies must already have been pruned before this call.
func (s *Session) needsRefresh(now time.Time, leadWindow, maxAge time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.forceRefresh {
		return true
	}
	if len(s.cookies) == 0 {
		return true
	}
	if !s.earliestExpiry.IsZero() && s.earliestExpiry.Sub(now) <= leadWindow {
		return true
	}
	if s.lastRefresh.IsZero() || now.Sub(s.lastRefresh) > maxAge {
		return true
	}
	return false
}

func (s *Session) pruneExpired(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := s.cookies[:0]
	for _, c := range s.cookies {
		if c.Expires.IsZero() || c.Expires.After(now) {
			live = append(live, c)
		}
	}
	s.cookies = live
	s.recomputeEarliestExpiryLocked()
}

func (s *Session) recomputeEarliestExpiryLocked() {
	var earliest time.Time
	for _, c := range s.cookies {
		if c.Expires.IsZero() {
			continue
		}
		if earliest.IsZero() || c.Expires.Before(earliest) {
			earliest = c.Expires
		}
	}
	s.earliestExpiry = earliest
}

// replace swaps in a freshly bootstrapped cookie set. Session cookies (no
// Expires/MaxAge) are treated as expiring in sessionCookieTTL.
func (s *Session) replace(cookies []*http.Cookie, sessionCookieTTL time.Duration, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range cookies {
		if c.Expires.IsZero() && c.MaxAge == 0 {
			c.Expires = now.Add(sessionCookieTTL)
		} else if c.MaxAge > 0 {
			c.Expires = now.Add(time.Duration(c.MaxAge) * time.Second)
		}
	}

	s.cookies = cookies
	s.lastRefresh = now
	s.forceRefresh = false
	s.recomputeEarliestExpiryLocked()
}

// Invalidate forces the next refresh for this session, as triggered by a
// 403 response from a data request.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forceRefresh = true
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastAccess = now
	s.mu.Unlock()
}

// LastAccess returns the last time this session was read or refreshed, for
// the janitor's inactivity scan.
func (s *Session) LastAccess() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastAccess
}

// Stats is a point-in-time read of a session, for /health reporting.
type Stats struct {
	CookieCount    int
	EarliestExpiry time.Time
	LastRefresh    time.Time
}

func (s *Session) stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		CookieCount:    len(s.cookies),
		EarliestExpiry: s.earliestExpiry,
		LastRefresh:    s.lastRefresh,
	}
}

// Bootstrap performs one refresh attempt by calling doBootstrap, which
// must GET the origin's home endpoint using the IP's bound client and
// return the response's Set-Cookie values.
type Bootstrap func(ctx context.Context) ([]*http.Cookie, error)

// Manager owns one Session per source IP, a single-flight group that
// collapses concurrent refreshes for the same IP, and a process-wide
// semaphore bounding simultaneous refreshes across all IPs.
type Manager struct {
	sessions     *xsync.Map[string, *Session]
	flight       singleflight.Group
	semaphore    chan struct{}
	cfg          config.SessionConfig
	refreshCount counter
}

// counter is a tiny mutex-guarded counter for refresh volume, which is low
// enough not to warrant a dedicated atomics import.
type counter struct {
	mu    sync.Mutex
	count int64
}

func (c *counter) add(n int64) {
	c.mu.Lock()
	c.count += n
	c.mu.Unlock()
}

func (c *counter) load() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// NewManager constructs a Manager with the global refresh cap from cfg.
func NewManager(cfg config.SessionConfig) *Manager {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	return &Manager{
		sessions:  xsync.NewMap[string, *Session](),
		semaphore: make(chan struct{}, maxConcurrent),
		cfg:       cfg,
	}
}

func (m *Manager) sessionFor(ip string) *Session {
	if existing, ok := m.sessions.Load(ip); ok {
		return existing
	}
	actual, _ := m.sessions.LoadOrStore(ip, &Session{})
	return actual
}

// Get returns ip's session (creating an empty one lazily) without
// refreshing it.
func (m *Manager) Get(ip string) *Session {
	s := m.sessionFor(ip)
	s.touch(time.Now())
	return s
}

// EnsureFresh refreshes ip's session if it needs one, per §4.4's trigger
// policy. Concurrent callers for the same IP share one in-flight refresh
// via singleflight; the global semaphore bounds the number of refreshes
// running across all IPs at once. Refresh failures are not fatal: the
// caller proceeds with whatever cookies are cached, accepting that the
// following data request may come back 403.
func (m *Manager) EnsureFresh(ctx context.Context, ip string, doBootstrap Bootstrap) error {
	s := m.sessionFor(ip)
	now := time.Now()
	s.pruneExpired(now)
	s.touch(now)

	if !s.needsRefresh(now, m.cfg.ExpiryLeadWindow, m.cfg.MaxRefreshAge) {
		return nil
	}

	_, err, _ := m.flight.Do(ip, func() (any, error) {
		select {
		case m.semaphore <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		defer func() { <-m.semaphore }()

		cookies, err := doBootstrap(ctx)
		if err != nil {
			return nil, err
		}

		s.replace(cookies, m.cfg.SessionCookieTTL, time.Now())
		m.refreshCount.add(1)
		return nil, nil
	})
	return err
}

// Invalidate forces the next EnsureFresh call for ip to refresh,
// regardless of expiry, as triggered by a 403 on a data request.
func (m *Manager) Invalidate(ip string) {
	m.sessionFor(ip).Invalidate()
}

// RefreshCount returns the cumulative number of completed bootstrap
// refreshes across all IPs, for /health reporting.
func (m *Manager) RefreshCount() int64 {
	return m.refreshCount.load()
}

// Stats returns ip's cookie stats, for /health reporting.
func (m *Manager) Stats(ip string) Stats {
	return m.sessionFor(ip).stats()
}

// ActiveSessions reports the number of IPs with a live session entry.
func (m *Manager) ActiveSessions() int {
	return m.sessions.Size()
}

// AggregateStats sums cookie counts across every live session and reports
// the earliest expiry among them, for /health reporting.
func (m *Manager) AggregateStats() Stats {
	var agg Stats
	m.sessions.Range(func(_ string, s *Session) bool {
		stats := s.stats()
		agg.CookieCount += stats.CookieCount
		if !stats.EarliestExpiry.IsZero() && (agg.EarliestExpiry.IsZero() || stats.EarliestExpiry.Before(agg.EarliestExpiry)) {
			agg.EarliestExpiry = stats.EarliestExpiry
		}
		if stats.LastRefresh.After(agg.LastRefresh) {
			agg.LastRefresh = stats.LastRefresh
		}
		return true
	})
	return agg
}

// LastAccess returns ip's session's last-access time, for the janitor's
// inactivity scan.
func (m *Manager) LastAccess(ip string) (time.Time, bool) {
	s, ok := m.sessions.Load(ip)
	if !ok {
		return time.Time{}, false
	}
	return s.LastAccess(), true
}

// Reclaim drops ip's session entirely.
func (m *Manager) Reclaim(ip string) {
	m.sessions.Delete(ip)
}

// BuildBootstrapRequest constructs the navigation-style GET to the origin's
// home endpoint that the engine performs on the IP's bound client.
func BuildBootstrapRequest(ctx context.Context, cfg config.SessionConfig) (*http.Request, error) {
	host := util.NormaliseBaseURL(cfg.HomeOrigin)
	u := &url.URL{Scheme: "https", Host: host, Path: cfg.HomePath}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Sec-Fetch-Dest", "document")
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Sec-Fetch-Site", "none")
	return req, nil
}
