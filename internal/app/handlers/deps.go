// Package handlers implements the HTTP surface's two endpoints: the thin
// /proxy fetch adapter and the /health introspection endpoint.
package handlers

import (
	"time"

	"github.com/fennwick/sentinel-egress/internal/binding"
	"github.com/fennwick/sentinel-egress/internal/dispatch"
	"github.com/fennwick/sentinel-egress/internal/engine"
	"github.com/fennwick/sentinel-egress/internal/pool"
	"github.com/fennwick/sentinel-egress/internal/session"
)

// Deps bundles the fleet's shared components that the handlers read from.
// Handlers never own or construct these; main wires them once at startup.
type Deps struct {
	Pool       *pool.Pool
	Bindings   *binding.Cache
	Sessions   *session.Manager
	Engine     *engine.Engine
	Dispatcher *dispatch.Dispatcher
	Started    time.Time
}
