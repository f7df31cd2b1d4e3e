// Package gateway exposes the chainhook webhook endpoints: one POST path
// per event family, a GET descriptor on each, plus health and metrics.
// Request handling order is fixed: authentication, rate limiting, payload
// validation, then processing under a per-delivery deadline.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stxstream/ingest/internal/core/domain"
	"github.com/stxstream/ingest/internal/ingest"
	"github.com/stxstream/ingest/internal/ingest/metrics"
)

// Config holds gateway listener configuration.
type Config struct {
	Port            int           `yaml:"port"`
	WebhookSecret   string        `yaml:"webhook_secret"`
	MaxRequests     int           `yaml:"max_requests"`
	WindowSeconds   int           `yaml:"window_seconds"`
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`
}

// HealthFunc reports backing-store health for the /health endpoint.
type HealthFunc func(ctx context.Context) error

// Server is the webhook gateway.
type Server struct {
	processor *ingest.Processor
	secret    string
	timeout   time.Duration
	limiter   *clientLimiter
	health    HealthFunc
	server    *http.Server
	log       *slog.Logger
}

var families = []domain.Family{
	domain.FamilyTreasury,
	domain.FamilyMarketplace,
	domain.FamilyAccessControl,
	domain.FamilyNFT,
}

func NewServer(cfg Config, processor *ingest.Processor, health HealthFunc) *Server {
	timeout := cfg.DeliveryTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	mux := http.NewServeMux()
	s := &Server{
		processor: processor,
		secret:    cfg.WebhookSecret,
		timeout:   timeout,
		limiter:   newClientLimiter(cfg.MaxRequests, cfg.WindowSeconds),
		health:    health,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: slog.Default(),
	}

	for _, family := range families {
		mux.Handle("/webhooks/"+string(family), s.recoverPanics(s.familyHandler(family)))
	}
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	return s
}

// Start starts the HTTP listener.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.limiter.Stop()
	return s.server.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

type deliveryResponse struct {
	Success   bool     `json:"success"`
	EventType string   `json:"eventType"`
	Processed int      `json:"processed"`
	Errors    []string `json:"errors,omitempty"`
}

type descriptorResponse struct {
	Family         string   `json:"family"`
	Status         string   `json:"status"`
	AcceptedEvents []string `json:"acceptedEvents"`
}

func (s *Server) familyHandler(family domain.Family) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, descriptorResponse{
				Family:         string(family),
				Status:         "active",
				AcceptedEvents: domain.KindsForFamily(family),
			})
		case http.MethodPost:
			s.handleDelivery(w, r, family)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func (s *Server) handleDelivery(w http.ResponseWriter, r *http.Request, family domain.Family) {
	start := time.Now()
	deliveryID := uuid.NewString()
	log := s.log.With("deliveryId", deliveryID, "family", family)

	if !s.authorized(r) {
		metrics.DeliveriesTotal.WithLabelValues(string(family), "unauthorized").Inc()
		writeError(w, http.StatusUnauthorized, "invalid or missing authorization")
		return
	}

	if !s.limiter.Allow(r) {
		metrics.RateLimited.Inc()
		metrics.DeliveriesTotal.WithLabelValues(string(family), "rate_limited").Inc()
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var payload domain.InboundPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		metrics.DeliveriesTotal.WithLabelValues(string(family), "invalid").Inc()
		writeError(w, http.StatusBadRequest, "malformed payload: "+err.Error())
		return
	}
	if reason := validateDelivery(payload); reason != "" {
		metrics.DeliveriesTotal.WithLabelValues(string(family), "invalid").Inc()
		writeError(w, http.StatusBadRequest, reason)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	result := s.processor.ProcessDelivery(ctx, payload)

	status := "ok"
	if len(result.Errors) > 0 {
		status = "partial"
		log.Warn("delivery completed with errors",
			"processed", result.Processed, "errors", len(result.Errors))
	} else {
		log.Info("delivery processed",
			"processed", result.Processed,
			"applyBlocks", len(payload.Apply), "rollbackBlocks", len(payload.Rollback))
	}
	metrics.DeliveriesTotal.WithLabelValues(string(family), status).Inc()
	metrics.DeliveryDuration.WithLabelValues(string(family)).Observe(time.Since(start).Seconds())

	writeJSON(w, http.StatusOK, deliveryResponse{
		Success:   len(result.Errors) == 0,
		EventType: string(family),
		Processed: result.Processed,
		Errors:    result.Errors,
	})
}

// validateDelivery checks the structural shape of a decoded delivery
// before it reaches the processor. Every block must carry its index, hash
// and (for apply blocks) a transactions array: events journaled under an
// empty block hash could never be correlated by a later rollback.
func validateDelivery(p domain.InboundPayload) string {
	if len(p.Apply) == 0 && len(p.Rollback) == 0 {
		return "delivery carries no apply or rollback blocks"
	}
	for i, b := range p.Apply {
		if b.Hash == "" || b.Index == 0 {
			return fmt.Sprintf("apply block %d is missing its hash or index", i)
		}
		if b.Transactions == nil {
			return fmt.Sprintf("apply block %s carries no transactions array", b.Hash)
		}
	}
	for i, b := range p.Rollback {
		if b.Hash == "" || b.Index == 0 {
			return fmt.Sprintf("rollback block %d is missing its hash or index", i)
		}
	}
	return ""
}

// authorized checks the Bearer shared secret in constant time.
func (s *Server) authorized(r *http.Request) bool {
	if s.secret == "" {
		return false
	}
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.secret)) == 1
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("handler panic", "path", r.URL.Path, "panic", rec)
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
