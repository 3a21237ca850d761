// Package app wires the HTTP surface: /proxy and /health behind the
// request-logging middleware, on a *http.Server configured from
// config.ServerConfig.
package app

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/fennwick/sentinel-egress/internal/app/handlers"
	"github.com/fennwick/sentinel-egress/internal/app/middleware"
	"github.com/fennwick/sentinel-egress/internal/config"
	"github.com/fennwick/sentinel-egress/internal/util"
	"github.com/fennwick/sentinel-egress/internal/version"
)

// NewServer builds the *http.Server for the fleet's HTTP surface.
func NewServer(cfg config.ServerConfig, logger *slog.Logger, deps handlers.Deps) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/proxy", handlers.Fetch(deps))
	mux.Handle("/health", handlers.Health(deps))
	mux.HandleFunc("/version", versionHandler)

	trustedCIDRs, err := util.ParseTrustedCIDRs(cfg.TrustedProxies)
	if err != nil {
		logger.Warn("ignoring invalid trusted_proxies entries", "error", err)
	}
	handler := middleware.RequestLogging(logger, cfg.TrustProxyHeaders, trustedCIDRs)(mux)

	return &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}

func versionHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(version.Name + " " + version.Version + " (" + version.Commit + ")\n")) //nolint:errcheck
}
