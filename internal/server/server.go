// Package server exposes the engine over HTTP/JSON: command submission for
// API-originated requests and consistent reads served from the core
// goroutine. Ratios cross the wire as decimal strings; sats and cents stay
// integers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/engine"
	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/fixedpoint"
	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/observability"
)

// Server wires HTTP routes to the engine core.
type Server struct {
	core    *engine.Core
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func New(core *engine.Core, metrics *observability.Metrics, logger zerolog.Logger) *Server {
	return &Server{core: core, metrics: metrics, logger: logger}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/deposits", s.instrument("deposits", s.handleDeposit))
		r.Post("/withdrawals", s.instrument("withdrawals", s.handleWithdrawal))
		r.Post("/protections", s.instrument("protections", s.handleProtection))
		r.Post("/premiums/{tier}/distribute", s.instrument("premiums_distribute", s.handlePremiumDistribute))
		r.Post("/margin-calls/{provider}/resolve", s.instrument("margin_calls_resolve", s.handleResolveMarginCall))

		r.Get("/quotes", s.instrument("quotes", s.handleQuote))
		r.Get("/tiers", s.instrument("tiers_list", s.handleListTiers))
		r.Get("/tiers/{tier}", s.instrument("tiers_get", s.handleGetTier))
		r.Get("/providers/{provider}/health", s.instrument("provider_health", s.handleProviderHealth))
		r.Get("/obligations", s.instrument("obligations_list", s.handleListObligations))
		r.Get("/obligations/{obligation}", s.instrument("obligations_get", s.handleGetObligation))
		r.Get("/margin-calls", s.instrument("margin_calls_list", s.handleListMarginCalls))
	})

	return r
}

// instrument wraps a handler with request count and duration metrics.
func (s *Server) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next(ww, r)
		if s.metrics != nil {
			s.metrics.QueryRequests.WithLabelValues(endpoint, http.StatusText(ww.Status())).Inc()
			s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz checks that the core goroutine is responsive and reports
// safe mode so load balancers can drain a degraded instance.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	var sequence int64
	var safeMode bool
	err := s.core.Query(ctx, func(v engine.View) {
		sequence = v.Sequence()
		safeMode = v.SafeMode()
	})
	if err != nil {
		writeError(w, "core unresponsive", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ready",
		"sequence":  sequence,
		"safe_mode": safeMode,
	})
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeEngineError maps the engine's error taxonomy to HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrValidation):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, engine.ErrCapacity):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, engine.ErrStateConflict):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, engine.ErrExternalDependency):
		writeError(w, err.Error(), http.StatusServiceUnavailable)
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

// ratioDecimal renders a ppm ratio as a decimal string. Infinite ratios
// (nothing required) render as null.
func ratioDecimal(ppm int64) *decimal.Decimal {
	if ppm == fixedpoint.RatioInfinite {
		return nil
	}
	d := decimal.New(ppm, -6)
	return &d
}
