package cmd

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dayuer/nanobot-group/internal/agent"
	"github.com/dayuer/nanobot-group/internal/channels"
	"github.com/dayuer/nanobot-group/internal/httpmw"
)

// newOpsRouter serves /metrics and /healthz.
func newOpsRouter(chMgr *channels.Manager, loop *agent.Loop, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(httpmw.Logger(logger))
	r.Use(chimw.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":   "ok",
			"channels": chMgr.GetStatus(),
			"lanes":    loop.LaneStats(),
			"inbound":  loop.Bus.InboundSize(),
		})
	})
	return r
}

// newOpsServer returns nil when addr is empty.
func newOpsServer(addr string, chMgr *channels.Manager, loop *agent.Loop, logger zerolog.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	logger = logger.With().Str("component", "ops").Logger()
	logger.Info().Str("addr", addr).Msg("ops server listening")
	return &http.Server{
		Addr:              addr,
		Handler:           newOpsRouter(chMgr, loop, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
}
