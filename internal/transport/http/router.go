package httptransport

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cadflog/internal/broker"
)

// Health is what the health endpoint reports on.
type Health interface {
	Ready() bool
	Status() broker.Status
}

// Handler serves the operational endpoints. It carries no event logic.
type Handler struct {
	health   Health
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

func NewHandler(health Health, gatherer prometheus.Gatherer, logger *slog.Logger) *Handler {
	return &Handler{health: health, gatherer: gatherer, logger: logger}
}

// NewRouter wires /healthz and /metrics.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	return r
}

// handleHealth answers 200 while the consumer is subscribed and 503 otherwise.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	if !h.health.Ready() {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(h.health.Status()); err != nil {
		h.logger.WarnContext(r.Context(), "failed to write health response", "error", err)
	}
}
