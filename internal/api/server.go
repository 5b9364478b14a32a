// Package api provides the HTTP server for paycore.
// It receives provider webhooks and exposes operator endpoints for payments,
// payouts and store credit.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/slotbook/paycore/internal/app/webhook"
	"github.com/slotbook/paycore/internal/domain"
)

// WebhookProcessor verifies and applies one provider delivery.
type WebhookProcessor interface {
	Process(ctx context.Context, rawBody []byte) (webhook.Outcome, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the paycore HTTP API server.
type Server struct {
	webhooks       WebhookProcessor
	admin          *AdminAPI
	health         Pinger
	metricsEnabled bool
	corsOrigins    []string
	timeout        time.Duration
	maxBody        int64
	log            *zap.Logger
}

// NewServer creates a new API server.
func NewServer(webhooks WebhookProcessor, log *zap.Logger) *Server {
	return &Server{
		webhooks: webhooks,
		timeout:  30 * time.Second,
		maxBody:  1 << 20,
		log:      log.Named("api"),
	}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetAdmin mounts the operator endpoints under /admin.
func (s *Server) SetAdmin(a *AdminAPI) { s.admin = a }

// SetHealthCheck makes /health report the state of p.
func (s *Server) SetHealthCheck(p Pinger) { s.health = p }

// SetCORSOrigins sets the browser origins allowed to call the API.
func (s *Server) SetCORSOrigins(origins []string) { s.corsOrigins = origins }

// SetTimeout sets the per-request timeout.
func (s *Server) SetTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

// SetMaxBodyBytes caps the size of request bodies.
func (s *Server) SetMaxBodyBytes(n int64) {
	if n > 0 {
		s.maxBody = n
	}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.timeout))
	if len(s.corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.corsOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Actor"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.handleHealth)

	// Provider deliveries
	r.Post("/webhooks/provider", s.handleWebhook)

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	// Operator endpoints
	if s.admin != nil {
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.admin.RequireToken)
			r.Post("/payments", s.admin.HandleInitiatePayment)
			r.Get("/payments/counts", s.admin.HandlePaymentCounts)
			r.Get("/payments/{id}", s.admin.HandleGetPayment)
			r.Post("/payments/{id}/confirm", s.admin.HandleConfirmPayment)
			r.Post("/bookings/{id}/cancel", s.admin.HandleCancelBooking)
			r.Post("/payouts/evaluate", s.admin.HandleEvaluatePayouts)
			r.Post("/payouts/manual", s.admin.HandleManualPayout)
			r.Get("/payouts/debt", s.admin.HandlePayoutDebt)
			r.Put("/payouts/settings", s.admin.HandleUpdatePayoutSettings)
			r.Get("/credits/{userID}/preview", s.admin.HandleCreditPreview)
			r.Get("/credits/{userID}/balance", s.admin.HandleCreditBalance)
		})
	}

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			s.log.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWebhook answers 200 for handled or ignored deliveries, an opaque 400
// for deliveries that fail verification and 500 when redelivery may help.
// POST /webhooks/provider
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	outcome, err := s.webhooks.Process(r.Context(), body)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": string(outcome)})
	case webhook.IsRejection(err):
		writeError(w, http.StatusBadRequest, "invalid request")
	default:
		s.log.Error("webhook processing failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"type":    "error",
		},
	})
}

// statusFor maps a domain error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrPaymentNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidAmount), errors.Is(err, domain.ErrInvalidPayment):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrLockNotAcquired):
		return http.StatusConflict
	case errors.Is(err, domain.ErrProviderRejected):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrCircuitOpen), errors.Is(err, domain.ErrProviderUnavailable),
		errors.Is(err, domain.ErrInvalidResponse), errors.Is(err, domain.ErrConfiguration):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError writes err with the status statusFor picks. Internal
// errors are not echoed to the caller.
func writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeError(w, status, msg)
}
