package http

import (
	"net/http"

	"github.com/jmylchreest/playarr/internal/history"
	"github.com/jmylchreest/playarr/internal/http/handlers"
	"github.com/jmylchreest/playarr/internal/sources"
)

// Routes are the collaborators behind the control API. Nil members leave
// their endpoints unregistered.
type Routes struct {
	Player  handlers.Controller
	Catalog *sources.File
	History history.Store
	Probes  handlers.ProbeRunner
	Health  *handlers.HealthHandler
	// Metrics serves /metrics.
	Metrics http.Handler
}

// RegisterRoutes mounts the control API.
func (s *Server) RegisterRoutes(r Routes) {
	if r.Health != nil {
		r.Health.Register(s.api)
	}
	if r.Player != nil {
		handlers.NewSessionHandler(r.Player).Register(s.api)
		handlers.NewEventsHandler(r.Player).RegisterSSE(s.router)
		if r.Catalog != nil {
			handlers.NewSourcesHandler(r.Catalog, r.Player).Register(s.api)
		}
	}
	if r.History != nil {
		handlers.NewHistoryHandler(r.History).Register(s.api)
	}
	if r.Probes != nil {
		handlers.NewProbesHandler(r.Probes).Register(s.api)
	}
	if r.Metrics != nil {
		s.router.Handle("/metrics", r.Metrics)
	}
}
