// Package engine is the egress request engine (C5): it constructs the
// browser-shaped request, injects cookies, performs the TLS handshake via
// the bound client, runs the retry/backoff/error-class state machine, and
// returns the result.
package engine

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/andybalholm/brotli"
	uatomic "go.uber.org/atomic"

	"github.com/fennwick/sentinel-egress/internal/binding"
	"github.com/fennwick/sentinel-egress/internal/config"
	"github.com/fennwick/sentinel-egress/internal/fingerprint"
	"github.com/fennwick/sentinel-egress/internal/pool"
	"github.com/fennwick/sentinel-egress/internal/session"
	"github.com/fennwick/sentinel-egress/internal/util"
	litepool "github.com/fennwick/sentinel-egress/pkg/pool"
)

// bodyBuffers pools the scratch buffers used to drain and decompress
// response bodies, off the hot path's per-request allocation.
var bodyBuffers = litepool.NewLitePool(func() *bytes.Buffer { return new(bytes.Buffer) })

// Options configures one Fetch call. Method is always GET in this spec.
type Options struct {
	Headers  http.Header
	Timeout  time.Duration
	SourceIP string
}

// Result is the outcome of a fetch that reached a terminal HTTP response,
// successful or not. Non-2xx statuses other than 403/429 are not errors.
type Result struct {
	Status   int
	Headers  http.Header
	Body     []byte
	SourceIP string
	Persona  string
	Attempts int
}

// Stats aggregates process-wide counters, owned by the engine and
// snapshottable on demand for /health.
type Stats struct {
	TotalRequests uatomic.Int64
	SuccessCount  uatomic.Int64
	FailureCount  uatomic.Int64
	Error403Count uatomic.Int64
	Error429Count uatomic.Int64
	Error503Count uatomic.Int64
	Error5xxCount uatomic.Int64
	TimeoutCount  uatomic.Int64
	NetworkCount  uatomic.Int64
}

// Engine ties together the source-IP pool, binding cache, and session
// manager to execute one fetch at a time, called concurrently by many
// dispatcher workers.
type Engine struct {
	Pool      *pool.Pool
	Bindings  *binding.Cache
	Sessions  *session.Manager
	Cfg       config.EngineConfig
	PoolCfg   config.PoolConfig
	Breaker   config.BreakerConfig
	Session   config.SessionConfig
	Whitelist config.WhitelistConfig
	logger    *slog.Logger

	shuttingDown uatomic.Bool
	Stats        Stats
}

// New constructs an Engine from its component dependencies.
func New(p *pool.Pool, bindings *binding.Cache, sessions *session.Manager, cfg config.EngineConfig, poolCfg config.PoolConfig, breaker config.BreakerConfig, sessionCfg config.SessionConfig, whitelist config.WhitelistConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		Pool:      p,
		Bindings:  bindings,
		Sessions:  sessions,
		Cfg:       cfg,
		PoolCfg:   poolCfg,
		Breaker:   breaker,
		Session:   sessionCfg,
		Whitelist: whitelist,
		logger:    logger,
	}
}

// BeginShutdown sets the shutting-down flag; subsequent Fetch calls fail
// their admission check with KindShuttingDown.
func (e *Engine) BeginShutdown() {
	e.shuttingDown.Store(true)
}

func (e *Engine) isWhitelisted(host string) bool {
	for _, h := range e.Whitelist.Hosts {
		if h == host {
			return true
		}
	}
	return false
}

func (e *Engine) requiresSession(host string) bool {
	for _, h := range e.Whitelist.SessionRequired {
		if h == host {
			return true
		}
	}
	return false
}

// Fetch executes one outbound request per §4.5's admission, setup, request
// construction, and retry/classification state machine.
func (e *Engine) Fetch(ctx context.Context, targetURL string, opts Options) (*Result, error) {
	e.Stats.TotalRequests.Add(1)

	if e.shuttingDown.Load() {
		return nil, newFetchError(KindShuttingDown, nil)
	}

	parsed, err := url.Parse(targetURL)
	if err != nil || parsed.Scheme != "https" || !e.isWhitelisted(parsed.Host) {
		e.Stats.FailureCount.Add(1)
		return nil, newFetchError(KindValidation, fmt.Errorf("target %q is not a whitelisted https host", targetURL))
	}

	sourceIP := opts.SourceIP
	if sourceIP != "" {
		if ip := net.ParseIP(sourceIP); ip == nil || ip.To4() != nil {
			e.Stats.FailureCount.Add(1)
			return nil, newFetchError(KindValidation, fmt.Errorf("source ip %q is not a valid ipv6 address", sourceIP))
		}
	} else {
		sourceIP = e.Pool.HealthyNext(e.PoolCfg.HealthWarmupRequests, e.PoolCfg.HealthFailureRate, e.PoolCfg.HealthMaxLatency)
	}

	health := e.Bindings.Health(sourceIP)
	if !health.AdmitsRequest(e.Breaker.RecoveryInterval) {
		e.Stats.FailureCount.Add(1)
		return nil, newFetchError(KindCircuitOpen, nil)
	}

	client, err := e.Bindings.Client(sourceIP)
	if err != nil {
		e.recordOutcome(sourceIP, health, false, 0)
		return nil, newFetchError(KindNetwork, err)
	}
	persona := e.Bindings.Persona(sourceIP)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.Cfg.RequestTimeout
	}

	if e.requiresSession(parsed.Host) {
		e.ensureSessionFresh(ctx, sourceIP, client)
	}

	fetchStart := time.Now()
	result, err := e.attemptLoop(ctx, parsed, opts, client, persona, sourceIP, timeout)
	e.recordOutcome(sourceIP, health, err == nil, time.Since(fetchStart).Milliseconds())
	if result != nil {
		result.SourceIP = sourceIP
		result.Persona = persona.Name
	}
	return result, err
}

func (e *Engine) recordOutcome(sourceIP string, health *binding.HealthRecord, success bool, latencyMs int64) {
	health.RecordResult(success, e.Breaker)
	if success {
		e.Stats.SuccessCount.Add(1)
		health.Close()
	} else {
		e.Stats.FailureCount.Add(1)
	}
	e.Pool.RecordRequest(sourceIP, success, latencyMs)
}

// ensureSessionFresh refreshes sourceIP's cookie session via a bootstrap
// GET on the same bound client, persona, and TLS handshake, up to three
// attempts on transient failure. Refresh failures are logged and
// swallowed: the data request proceeds with whatever cookies are cached.
func (e *Engine) ensureSessionFresh(ctx context.Context, sourceIP string, client *binding.Client) {
	const maxBootstrapAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxBootstrapAttempts; attempt++ {
		err := e.Sessions.EnsureFresh(ctx, sourceIP, func(ctx context.Context) ([]*http.Cookie, error) {
			return e.bootstrap(ctx, client)
		})
		if err == nil {
			return
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr != nil {
		e.logger.Warn("session refresh failed, proceeding with cached cookies",
			"source_ip", sourceIP, "error", lastErr)
	}
}

// bootstrap performs the navigation-style GET to the origin's home
// endpoint and returns its Set-Cookie values.
func (e *Engine) bootstrap(ctx context.Context, client *binding.Client) ([]*http.Cookie, error) {
	req, err := session.BuildBootstrapRequest(ctx, e.Session)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", client.Persona.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	if client.Persona.AcceptLanguage != "" {
		req.Header.Set("Accept-Language", client.Persona.AcceptLanguage)
	}

	resp, err := client.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	return resp.Cookies(), nil
}

// attemptLoop runs the retry/classification loop of §4.5, bounded by
// Cfg.MaxRetries plus the initial attempt.
func (e *Engine) attemptLoop(ctx context.Context, target *url.URL, opts Options, client *binding.Client, persona fingerprint.Persona, sourceIP string, timeout time.Duration) (*Result, error) {
	dataOrigin := e.requiresSession(target.Host)
	forcedRefreshUsed := false

	var lastKind ErrorKind
	var lastErr error

	for attempt := 0; attempt <= e.Cfg.MaxRetries; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		req, err := e.buildRequest(reqCtx, target, opts, client, persona, sourceIP, dataOrigin)
		if err != nil {
			cancel()
			return nil, newFetchError(KindValidation, err)
		}

		resp, err := client.HTTP.Do(req)
		if err != nil {
			cancel()
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil, newFetchError(KindNetwork, err)
			}
			if isDeadlineExceeded(err) {
				e.Stats.TimeoutCount.Add(1)
				lastKind, lastErr = KindTimeout, err
			} else {
				e.Stats.NetworkCount.Add(1)
				lastKind, lastErr = KindNetwork, err
			}
			if attempt == e.Cfg.MaxRetries {
				return nil, newFetchError(lastKind, lastErr)
			}
			if !e.sleepBackoff(ctx, attempt, 0) {
				return nil, newFetchError(lastKind, lastErr)
			}
			continue
		}

		body, readErr := e.readBody(resp)
		cancel()
		if readErr != nil {
			lastKind, lastErr = KindNetwork, readErr
			if attempt == e.Cfg.MaxRetries {
				return nil, newFetchError(lastKind, lastErr)
			}
			if !e.sleepBackoff(ctx, attempt, 0) {
				return nil, newFetchError(lastKind, lastErr)
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusForbidden && dataOrigin && attempt == 0 && !forcedRefreshUsed:
			e.Stats.Error403Count.Add(1)
			forcedRefreshUsed = true
			e.Sessions.Invalidate(sourceIP)
			e.ensureSessionFresh(ctx, sourceIP, client)
			continue // forced retry does not consume an exponential backoff slot

		case resp.StatusCode == http.StatusForbidden:
			e.Stats.Error403Count.Add(1)
			return &Result{Status: resp.StatusCode, Headers: resp.Header, Body: body, Attempts: attempt + 1},
				newFetchError(KindForbidden, nil)

		case resp.StatusCode == http.StatusTooManyRequests:
			e.Stats.Error429Count.Add(1)
			if attempt == e.Cfg.MaxRetries {
				return &Result{Status: resp.StatusCode, Headers: resp.Header, Body: body, Attempts: attempt + 1},
					newFetchError(KindRateLimited, nil)
			}
			if !e.sleepRetryAfter(ctx, resp, attempt) {
				return &Result{Status: resp.StatusCode, Headers: resp.Header, Body: body, Attempts: attempt + 1},
					newFetchError(KindRateLimited, nil)
			}
			continue

		case resp.StatusCode == http.StatusServiceUnavailable:
			e.Stats.Error503Count.Add(1)
			if attempt == e.Cfg.MaxRetries {
				return &Result{Status: resp.StatusCode, Headers: resp.Header, Body: body, Attempts: attempt + 1},
					newFetchError(KindUnavailable, nil)
			}
			if !e.sleepBackoff(ctx, attempt, 1) {
				return &Result{Status: resp.StatusCode, Headers: resp.Header, Body: body, Attempts: attempt + 1},
					newFetchError(KindUnavailable, nil)
			}
			continue

		case resp.StatusCode >= 500:
			e.Stats.Error5xxCount.Add(1)
			if attempt == e.Cfg.MaxRetries {
				return &Result{Status: resp.StatusCode, Headers: resp.Header, Body: body, Attempts: attempt + 1},
					newFetchError(KindServerError, nil)
			}
			if !e.sleepBackoff(ctx, attempt, 0) {
				return &Result{Status: resp.StatusCode, Headers: resp.Header, Body: body, Attempts: attempt + 1},
					newFetchError(KindServerError, nil)
			}
			continue

		default:
			return &Result{Status: resp.StatusCode, Headers: resp.Header, Body: body, Attempts: attempt + 1}, nil
		}
	}

	return nil, newFetchError(lastKind, lastErr)
}

func isDeadlineExceeded(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// sleepBackoff sleeps the exponential backoff for attempt, preemptible by
// ctx's cancellation. Returns false if the context was cancelled first.
func (e *Engine) sleepBackoff(ctx context.Context, attempt, exponentOffset int) bool {
	delay := util.CalculateExponentialBackoff(attempt, exponentOffset, e.Cfg.BaseRetryDelay, 0.1)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// sleepRetryAfter honors a 429's Retry-After header in seconds when
// present, else falls back to the RATE_LIMITED backoff (base * 2^(attempt+2)).
func (e *Engine) sleepRetryAfter(ctx context.Context, resp *http.Response, attempt int) bool {
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs >= 0 {
			timer := time.NewTimer(time.Duration(secs) * time.Second)
			defer timer.Stop()
			select {
			case <-timer.C:
				return true
			case <-ctx.Done():
				return false
			}
		}
	}
	return e.sleepBackoff(ctx, attempt, 2)
}

// buildRequest constructs the browser-shaped request for one attempt:
// fresh context, fresh headers, fresh cookie snapshot.
func (e *Engine) buildRequest(ctx context.Context, target *url.URL, opts Options, client *binding.Client, persona fingerprint.Persona, sourceIP string, dataOrigin bool) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", persona.UserAgent)
	req.Header.Set("Accept", persona.Accept)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "*/*")
	}
	if persona.AcceptLanguage != "" {
		req.Header.Set("Accept-Language", persona.AcceptLanguage)
	}
	if persona.IsChromium() {
		req.Header.Set("Sec-Ch-Ua", persona.SecChUa)
		req.Header.Set("Sec-Ch-Ua-Platform", persona.SecChUaPlatform)
	}
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	req.Header.Set("Sec-Fetch-Dest", "empty")
	req.Header.Set("Sec-Fetch-Mode", "cors")
	req.Header.Set("Sec-Fetch-Site", "cross-site")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	if rand.Float64() < e.Cfg.DNTProbability {
		req.Header.Set("DNT", "1")
	}

	if dataOrigin {
		home := util.NormaliseBaseURL(e.Session.HomeOrigin)
		req.Header.Set("Referer", fmt.Sprintf("https://%s/", home))
		req.Header.Set("Origin", fmt.Sprintf("https://%s", home))
	}

	for key, values := range opts.Headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	cookies := e.Sessions.Get(sourceIP).Cookies(target.Host)
	for _, c := range cookies {
		req.AddCookie(c)
	}

	return req, nil
}

// readBody reads resp's body to completion and transparently decompresses
// it per Content-Encoding.
func (e *Engine) readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()

	var reader io.Reader = resp.Body
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		reader = gz
	case "deflate":
		reader = flate.NewReader(resp.Body)
	case "br":
		reader = brotli.NewReader(resp.Body)
	}

	buf := bodyBuffers.Get()
	buf.Reset()
	defer bodyBuffers.Put(buf)

	if _, err := io.Copy(buf, reader); err != nil {
		return nil, err
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}
