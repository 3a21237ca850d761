// Package janitor is the periodic reclamation and shutdown-coordination
// component (C7): it scans the per-IP binding and session caches for IPs
// that have gone quiet and drops their state, and it orchestrates graceful
// shutdown across the engine, dispatcher, and bound clients.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fennwick/sentinel-egress/internal/binding"
	"github.com/fennwick/sentinel-egress/internal/config"
	"github.com/fennwick/sentinel-egress/internal/dispatch"
	"github.com/fennwick/sentinel-egress/internal/engine"
	"github.com/fennwick/sentinel-egress/internal/pool"
	"github.com/fennwick/sentinel-egress/internal/session"
)

// Janitor owns the periodic sweep loop and the shutdown sequence.
type Janitor struct {
	pool       *pool.Pool
	bindings   *binding.Cache
	sessions   *session.Manager
	engine     *engine.Engine
	dispatcher *dispatch.Dispatcher
	cfg        config.JanitorConfig
	logger     *slog.Logger

	started time.Time
}

// New constructs a Janitor wired to the fleet's shared components.
func New(p *pool.Pool, bindings *binding.Cache, sessions *session.Manager, eng *engine.Engine, dispatcher *dispatch.Dispatcher, cfg config.JanitorConfig, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		pool:       p,
		bindings:   bindings,
		sessions:   sessions,
		engine:     eng,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
		started:    time.Now(),
	}
}

// Run ticks every cfg.CleanInterval (default 5 minutes), sweeping idle
// bindings until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	interval := j.cfg.CleanInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep reclaims every bound IP whose session (or, absent one, binding)
// has been idle past the inactivity threshold (default 30 minutes).
// Personas and pool statistics are never reset by a sweep. Per-IP
// reclamation fans out concurrently via errgroup.
func (j *Janitor) Sweep(ctx context.Context) int {
	threshold := j.cfg.SessionInactiveFor
	if threshold <= 0 {
		threshold = 30 * time.Minute
	}
	now := time.Now()

	keys := j.bindings.Keys()
	reclaimed := make([]bool, len(keys))

	g, _ := errgroup.WithContext(ctx)
	for i, ip := range keys {
		i, ip := i, ip
		g.Go(func() error {
			if j.idleBeyond(ip, now, threshold) {
				j.reclaim(ip)
				reclaimed[i] = true
			}
			return nil
		})
	}
	_ = g.Wait() // reclaim never returns an error; Wait only joins the fan-out

	count := 0
	for _, r := range reclaimed {
		if r {
			count++
		}
	}
	if count > 0 {
		j.logger.Info("janitor sweep reclaimed idle bindings", "count", count, "scanned", len(keys))
	}
	return count
}

func (j *Janitor) idleBeyond(ip string, now time.Time, threshold time.Duration) bool {
	if last, ok := j.sessions.LastAccess(ip); ok {
		return now.Sub(last) > threshold
	}
	if last, ok := j.bindings.LastAccess(ip); ok {
		return now.Sub(last) > threshold
	}
	return false
}

func (j *Janitor) reclaim(ip string) {
	j.sessions.Reclaim(ip)
	j.bindings.Reclaim(ip)
}

// Stats summarizes the fleet at shutdown, for the final log line.
type Stats struct {
	UptimeSeconds   float64
	TotalRequests   int64
	SuccessCount    int64
	FailureCount    int64
	ActiveSessions  int64
	BindingCacheLen int
	DispatchStats   dispatch.Stats
}

// FinalStats gathers the fleet's cumulative counters, for logging on
// shutdown completion.
func (j *Janitor) FinalStats() Stats {
	s := Stats{
		UptimeSeconds:   time.Since(j.started).Seconds(),
		TotalRequests:   j.engine.Stats.TotalRequests.Load(),
		SuccessCount:    j.engine.Stats.SuccessCount.Load(),
		FailureCount:    j.engine.Stats.FailureCount.Load(),
		ActiveSessions:  int64(j.sessions.ActiveSessions()),
		BindingCacheLen: j.bindings.Size(),
	}
	if j.dispatcher != nil {
		s.DispatchStats = j.dispatcher.Snapshot()
	}
	return s
}

// Shutdown coordinates graceful drain: the engine stops admitting new
// fetches, the dispatcher stops accepting submissions and waits up to
// grace for in-flight jobs, and a final stats line is logged.
func (j *Janitor) Shutdown(grace time.Duration) Stats {
	j.engine.BeginShutdown()
	if j.dispatcher != nil {
		j.dispatcher.Shutdown(grace)
	}

	stats := j.FinalStats()
	j.logger.Info("shutdown complete",
		"uptime_seconds", stats.UptimeSeconds,
		"total_requests", stats.TotalRequests,
		"success_count", stats.SuccessCount,
		"failure_count", stats.FailureCount,
		"active_sessions", stats.ActiveSessions,
		"bindings_open", stats.BindingCacheLen,
	)
	return stats
}
