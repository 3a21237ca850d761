package handlers

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/fennwick/sentinel-egress/internal/dispatch"
	"github.com/fennwick/sentinel-egress/internal/engine"
)

// statusForKind maps a terminal error classification onto the status code
// returned to the proxy's caller.
func statusForKind(kind engine.ErrorKind) int {
	switch kind {
	case engine.KindValidation:
		return http.StatusBadRequest
	case engine.KindCircuitOpen, engine.KindUnavailable, engine.KindShuttingDown:
		return http.StatusServiceUnavailable
	case engine.KindTimeout, engine.KindNetwork:
		return http.StatusBadGateway
	case engine.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}

// Fetch handles GET /proxy?url=&ipv6=, the thin adapter over the
// dispatcher: it validates the query, submits a job, and translates the
// outcome into an HTTP response with X-Origin-* / X-Status-Code /
// X-Duration-Ms / X-Browser-Profile headers describing the fetch.
func Fetch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		targetURL := r.URL.Query().Get("url")
		if targetURL == "" {
			http.Error(w, "missing url query parameter", http.StatusBadRequest)
			return
		}
		sourceIP := r.URL.Query().Get("ipv6")

		var timeout time.Duration
		if ms := r.URL.Query().Get("timeout_ms"); ms != "" {
			if n, err := strconv.Atoi(ms); err == nil && n > 0 {
				timeout = time.Duration(n) * time.Millisecond
			}
		}

		outcome, err := deps.Dispatcher.Submit(r.Context(), targetURL, engine.Options{
			SourceIP: sourceIP,
			Timeout:  timeout,
		})

		if err != nil {
			var de *dispatch.Error
			if errors.As(err, &de) {
				w.Header().Set("X-Status-Code", de.Kind)
				http.Error(w, de.Error(), http.StatusServiceUnavailable)
				return
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				http.Error(w, "request cancelled", http.StatusRequestTimeout)
				return
			}

			kind, ok := engine.KindOf(err)
			if !ok {
				kind = engine.KindNetwork
			}

			// FORBIDDEN and SERVER_ERROR are terminal responses the engine
			// already read in full from the origin - "anything else" per
			// §6/§7 means the origin's own status code and body, not a
			// synthesized 502.
			if outcome != nil && outcome.Result != nil && (kind == engine.KindForbidden || kind == engine.KindServerError) {
				writeOriginResult(w, outcome)
				return
			}

			status := statusForKind(kind)
			w.Header().Set("X-Status-Code", string(kind))
			if outcome != nil {
				w.Header().Set("X-Duration-Ms", strconv.FormatInt(outcome.ExecutionTime.Milliseconds(), 10))
			}
			http.Error(w, err.Error(), status)
			return
		}

		writeOriginResult(w, outcome)
	}
}

// writeOriginResult copies the origin's response - status, headers, and
// body - onto w, namespacing origin headers under X-Origin- and adding
// the fetch's own X-Status-Code/X-Duration-Ms/X-Browser-Profile headers.
func writeOriginResult(w http.ResponseWriter, outcome *dispatch.Outcome) {
	result := outcome.Result
	for key, values := range result.Headers {
		for _, v := range values {
			w.Header().Add("X-Origin-"+key, v)
		}
	}
	w.Header().Set("X-Status-Code", strconv.Itoa(result.Status))
	w.Header().Set("X-Duration-Ms", strconv.FormatInt(outcome.ExecutionTime.Milliseconds(), 10))
	w.Header().Set("X-Browser-Profile", result.Persona)

	w.WriteHeader(result.Status)
	_, _ = io.Copy(w, bytes.NewReader(result.Body))
}
