package handlers

import (
	"encoding/json"
	"net/http"
	"time"
)

// healthResponse is the /health JSON payload: process-wide counters drawn
// from every component, matching the teacher's pattern of surfacing
// granular runtime stats rather than a bare up/down flag.
type healthResponse struct {
	UptimeSeconds float64 `json:"uptime_seconds"`

	TotalRequests int64 `json:"total_requests"`
	SuccessCount  int64 `json:"success_count"`
	FailureCount  int64 `json:"failure_count"`

	Errors struct {
		Forbidden   int64 `json:"forbidden"`
		RateLimited int64 `json:"rate_limited"`
		Unavailable int64 `json:"unavailable"`
		ServerError int64 `json:"server_error"`
		Timeout     int64 `json:"timeout"`
		Network     int64 `json:"network"`
	} `json:"errors"`

	Pool struct {
		Size           int     `json:"size"`
		TotalRequests  int64   `json:"total_requests"`
		LoadImbalance  float64 `json:"load_imbalance"`
		SuccessRate    float64 `json:"success_rate"`
		RequestsPerSec float64 `json:"requests_per_sec"`
	} `json:"pool"`

	Sessions struct {
		Active         int       `json:"active"`
		CookiesCached  int       `json:"cookies_cached"`
		EarliestExpiry time.Time `json:"earliest_expiry,omitempty"`
		RefreshCount   int64     `json:"refresh_count"`
	} `json:"sessions"`

	Bindings struct {
		CacheSize    int            `json:"cache_size"`
		PersonaUsage map[string]int `json:"persona_usage"`
	} `json:"bindings"`

	Dispatch struct {
		Completed int64 `json:"completed"`
		Cancelled int64 `json:"cancelled"`
		Rejected  int64 `json:"rejected"`
		QueueLen  int   `json:"queue_len"`
		QueueCap  int   `json:"queue_cap"`
	} `json:"dispatch"`
}

// Health handles GET /health, reporting a full snapshot of the fleet's
// runtime state for operator dashboards and uptime monitors.
func Health(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			UptimeSeconds: time.Since(deps.Started).Seconds(),
			TotalRequests: deps.Engine.Stats.TotalRequests.Load(),
			SuccessCount:  deps.Engine.Stats.SuccessCount.Load(),
			FailureCount:  deps.Engine.Stats.FailureCount.Load(),
		}
		resp.Errors.Forbidden = deps.Engine.Stats.Error403Count.Load()
		resp.Errors.RateLimited = deps.Engine.Stats.Error429Count.Load()
		resp.Errors.Unavailable = deps.Engine.Stats.Error503Count.Load()
		resp.Errors.ServerError = deps.Engine.Stats.Error5xxCount.Load()
		resp.Errors.Timeout = deps.Engine.Stats.TimeoutCount.Load()
		resp.Errors.Network = deps.Engine.Stats.NetworkCount.Load()

		poolStats := deps.Pool.Snapshot()
		resp.Pool.Size = deps.Pool.Size()
		resp.Pool.TotalRequests = poolStats.TotalRequests
		resp.Pool.LoadImbalance = poolStats.LoadImbalance
		resp.Pool.SuccessRate = poolStats.SuccessRate
		resp.Pool.RequestsPerSec = poolStats.RequestsPerSec

		resp.Sessions.Active = deps.Sessions.ActiveSessions()
		sessionStats := deps.Sessions.AggregateStats()
		resp.Sessions.CookiesCached = sessionStats.CookieCount
		resp.Sessions.EarliestExpiry = sessionStats.EarliestExpiry
		resp.Sessions.RefreshCount = deps.Sessions.RefreshCount()

		resp.Bindings.CacheSize = deps.Bindings.Size()
		resp.Bindings.PersonaUsage = deps.Bindings.PersonaUsage()

		if deps.Dispatcher != nil {
			d := deps.Dispatcher.Snapshot()
			resp.Dispatch.Completed = d.Completed
			resp.Dispatch.Cancelled = d.Cancelled
			resp.Dispatch.Rejected = d.Rejected
			resp.Dispatch.QueueLen = d.QueueLen
			resp.Dispatch.QueueCap = d.QueueCap
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp) //nolint:errcheck
	}
}
