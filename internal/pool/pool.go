// Package pool owns the finite ordered set of bindable source IPv6
// addresses and the health-aware selection policies over them.
package pool

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	uatomic "go.uber.org/atomic"

	"github.com/fennwick/sentinel-egress/internal/util"
)

// Record is the per-address usage and health record. Invariant:
// UsageCount == SuccessCount + FailureCount once an address has served
// at least one request.
type Record struct {
	Address      string
	UsageCount   uatomic.Uint64
	SuccessCount uatomic.Uint64
	FailureCount uatomic.Uint64
	LatencySum   uatomic.Int64 // milliseconds
	MinLatency   uatomic.Int64
	MaxLatency   uatomic.Int64
	LastUsed     uatomic.Int64 // unix nano, 0 if never used
}

// Snapshot is a point-in-time read of a Record, safe to hand to callers.
type Snapshot struct {
	Address      string
	UsageCount   uint64
	SuccessCount uint64
	FailureCount uint64
	AvgLatencyMs float64
	MinLatencyMs int64
	MaxLatencyMs int64
	LastUsed     time.Time
}

func (r *Record) snapshot() Snapshot {
	usage := r.UsageCount.Load()
	success := r.SuccessCount.Load()
	failure := r.FailureCount.Load()
	sum := r.LatencySum.Load()

	var avg float64
	total := success + failure
	if total > 0 {
		avg = float64(sum) / float64(total)
	}

	min := r.MinLatency.Load()
	max := r.MaxLatency.Load()

	var lastUsed time.Time
	if ns := r.LastUsed.Load(); ns != 0 {
		lastUsed = time.Unix(0, ns)
	}

	return Snapshot{
		Address:      r.Address,
		UsageCount:   usage,
		SuccessCount: success,
		FailureCount: failure,
		AvgLatencyMs: avg,
		MinLatencyMs: min,
		MaxLatencyMs: max,
		LastUsed:     lastUsed,
	}
}

func (r *Record) failureRate() float64 {
	success := r.SuccessCount.Load()
	failure := r.FailureCount.Load()
	total := success + failure
	if total == 0 {
		return 0
	}
	return float64(failure) / float64(total)
}

func (r *Record) avgLatencyMs() float64 {
	success := r.SuccessCount.Load()
	failure := r.FailureCount.Load()
	total := success + failure
	if total == 0 {
		return 0
	}
	return float64(r.LatencySum.Load()) / float64(total)
}

// Pool is the ordered set of source-IPv6 addresses, constructed once at
// startup from a prefix/start/count triple and never resized.
type Pool struct {
	records   []*Record
	index     map[string]int
	counter   atomic.Uint64
	createdAt time.Time
	logger    *slog.Logger
}

// New constructs a Pool of count addresses of the form "<prefix><ordinal>"
// starting at start. Addresses are immutable and created once; the pool
// never removes or adds addresses during process life.
func New(prefix string, start, count int, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	records := make([]*Record, count)
	index := make(map[string]int, count)
	for i := 0; i < count; i++ {
		addr := fmt.Sprintf("%s%d", prefix, start+i)
		records[i] = &Record{Address: addr}
		index[addr] = i
	}
	return &Pool{
		records:   records,
		index:     index,
		createdAt: time.Now(),
		logger:    logger,
	}
}

// Size returns the number of addresses in the pool.
func (p *Pool) Size() int { return len(p.records) }

// Next performs plain round-robin selection over all addresses. Selection
// is atomic with respect to the usage counter increment.
func (p *Pool) Next() string {
	n := uint64(len(p.records))
	if n == 0 {
		return ""
	}
	idx := p.counter.Add(1) - 1
	rec := p.records[idx%n]
	rec.UsageCount.Add(1)
	return rec.Address
}

// Random performs uniform random selection, used only for health probes.
func (p *Pool) Random() string {
	n := len(p.records)
	if n == 0 {
		return ""
	}
	rec := p.records[rand.Intn(n)]
	rec.UsageCount.Add(1)
	return rec.Address
}

// HealthyNext skips addresses whose failure-rate exceeds failureRateThreshold
// after they have passed warmupRequests observed requests, and whose average
// latency exceeds maxLatency; among the remainder it picks the least-used.
// If no address qualifies, it falls back to plain round-robin and logs a
// warning.
func (p *Pool) HealthyNext(warmupRequests int64, failureRateThreshold float64, maxLatency time.Duration) string {
	var best *Record
	maxLatencyMs := float64(maxLatency.Milliseconds())

	for _, rec := range p.records {
		total := int64(rec.SuccessCount.Load() + rec.FailureCount.Load())
		if total >= warmupRequests {
			if rec.failureRate() > failureRateThreshold {
				continue
			}
			if maxLatencyMs > 0 && rec.avgLatencyMs() > maxLatencyMs {
				continue
			}
		}
		if best == nil || rec.UsageCount.Load() < best.UsageCount.Load() {
			best = rec
		}
	}

	if best == nil {
		p.logger.Warn("no healthy address available, falling back to round-robin")
		return p.Next()
	}

	best.UsageCount.Add(1)
	return best.Address
}

// RecordRequest updates the per-IP record with a terminal outcome.
func (p *Pool) RecordRequest(ip string, success bool, latencyMs int64) {
	idx, ok := p.index[ip]
	if !ok {
		return
	}
	rec := p.records[idx]

	if success {
		rec.SuccessCount.Add(1)
	} else {
		rec.FailureCount.Add(1)
	}
	rec.LatencySum.Add(latencyMs)
	rec.LastUsed.Store(time.Now().UnixNano())

	for {
		cur := rec.MinLatency.Load()
		if cur != 0 && cur <= latencyMs {
			break
		}
		if rec.MinLatency.CompareAndSwap(cur, latencyMs) {
			break
		}
	}
	for {
		cur := rec.MaxLatency.Load()
		if cur >= latencyMs {
			break
		}
		if rec.MaxLatency.CompareAndSwap(cur, latencyMs) {
			break
		}
	}
}

// Stats is an aggregate, on-demand snapshot of the whole pool.
type Stats struct {
	Addresses        []Snapshot
	TotalRequests    uint64
	AvgPerAddress    float64
	MaxRequests      uint64
	MinRequests      uint64
	LoadImbalance    float64
	SuccessRate      float64
	AvgLatencyMs     float64
	UptimeSeconds    float64
	RequestsPerSec   float64
}

// Snapshot computes pool-wide statistics on demand.
func (p *Pool) Snapshot() Stats {
	snapshots := make([]Snapshot, len(p.records))
	var totalRequests, totalSuccess, totalFailure uint64
	var totalLatency float64
	var maxRequests uint64
	minRequests := uint64(1) << 63

	for i, rec := range p.records {
		s := rec.snapshot()
		snapshots[i] = s
		totalRequests += s.SuccessCount + s.FailureCount
		totalSuccess += s.SuccessCount
		totalFailure += s.FailureCount
		totalLatency += s.AvgLatencyMs * float64(s.SuccessCount+s.FailureCount)
		if s.UsageCount > maxRequests {
			maxRequests = s.UsageCount
		}
		if s.UsageCount < minRequests {
			minRequests = s.UsageCount
		}
	}
	if len(p.records) == 0 {
		minRequests = 0
	}

	var avgPerAddress, avgLatency, successRate, imbalance float64
	if len(p.records) > 0 {
		avgPerAddress = float64(totalRequests) / float64(len(p.records))
	}
	if totalRequests > 0 {
		avgLatency = totalLatency / float64(totalRequests)
		successRate = float64(totalSuccess) / float64(totalRequests)
	}
	if maxRequests > 0 {
		imbalance = float64(util.SafeInt64Diff(maxRequests, minRequests)) / float64(maxRequests)
	}

	uptime := time.Since(p.createdAt)
	var rps float64
	if uptime.Seconds() > 0 {
		rps = float64(totalRequests) / uptime.Seconds()
	}

	return Stats{
		Addresses:      snapshots,
		TotalRequests:  totalRequests,
		AvgPerAddress:  avgPerAddress,
		MaxRequests:    maxRequests,
		MinRequests:    minRequests,
		LoadImbalance:  imbalance,
		SuccessRate:    successRate,
		AvgLatencyMs:   avgLatency,
		UptimeSeconds:  uptime.Seconds(),
		RequestsPerSec: rps,
	}
}
