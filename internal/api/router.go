// Package api wires the HTTP surface of the entitlement service: vendor
// notification ingest, per-user summary reads, health, metrics, and the
// operator event stream.
package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/daybreaknews/entitlement/internal/ledger"
	"github.com/daybreaknews/entitlement/internal/logging"
	"github.com/daybreaknews/entitlement/internal/metrics"
)

// SummaryReader reads per-user entitlement summaries.
type SummaryReader interface {
	Summary(ctx context.Context, userID string) (*ledger.Summary, error)
}

// TokenAuthenticator maps a bearer token to the user it belongs to.
// Session management is owned by the wider application; this is the seam.
type TokenAuthenticator interface {
	UserForToken(token string) (userID string, ok bool)
}

// Config configures the router.
type Config struct {
	Summaries SummaryReader
	Webhook   http.Handler
	Events    *EventsHub // optional
	Auth      TokenAuthenticator

	// ServerToken authenticates the trusted server-side identity. It may
	// read any summary and the event stream. Empty disables it.
	ServerToken string
}

// Router is the service's HTTP handler.
type Router struct {
	mux *http.ServeMux
	cfg Config
}

// NewRouter builds the route table.
func NewRouter(cfg Config) *Router {
	r := &Router{
		mux: http.NewServeMux(),
		cfg: cfg,
	}

	r.mux.Handle("POST /api/notifications", cfg.Webhook)
	r.mux.HandleFunc("GET /api/entitlements/{userID}", r.handleGetEntitlement)
	r.mux.HandleFunc("GET /healthz", r.handleHealth)
	r.mux.Handle("GET /metrics", promhttp.Handler())
	if cfg.Events != nil {
		r.mux.HandleFunc("GET /ws/events", r.handleEvents)
	}

	return r
}

// ServeHTTP attaches a request ID and dispatches.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ctx, requestID := logging.WithRequestID(req.Context(), req.Header.Get("X-Request-ID"))
	w.Header().Set("X-Request-ID", requestID)

	start := time.Now()
	r.mux.ServeHTTP(w, req.WithContext(ctx))

	log.Debug().
		Str("request_id", requestID).
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Dur("duration", time.Since(start)).
		Msg("Request handled")
}

// handleGetEntitlement serves a user's summary. Only the owning user (or the
// trusted server identity) may read it. A user without a summary row is
// simply not entitled; that is a 200, not a 404.
func (r *Router) handleGetEntitlement(w http.ResponseWriter, req *http.Request) {
	userID := strings.TrimSpace(req.PathValue("userID"))
	if userID == "" {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "user id is required")
		return
	}

	if !r.authorizeUser(req, userID) {
		writeErrorResponse(w, http.StatusUnauthorized, "unauthorized", "invalid or missing token")
		return
	}

	summary, err := r.cfg.Summaries.Summary(req.Context(), userID)
	if err != nil {
		metrics.SummaryReads.WithLabelValues("error").Inc()
		log.Error().Err(err).Str("user_id", userID).Msg("Summary read failed")
		writeErrorResponse(w, http.StatusInternalServerError, "store_error", "failed to read entitlement")
		return
	}
	if summary == nil {
		metrics.SummaryReads.WithLabelValues("absent").Inc()
		// Absence of proof of purchase never implies entitlement.
		writeJSON(w, http.StatusOK, ledger.Summary{UserID: userID, AdFree: false})
		return
	}

	metrics.SummaryReads.WithLabelValues("found").Inc()
	writeJSON(w, http.StatusOK, summary)
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleEvents serves the operator event stream; server token only.
func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	if !r.isServerIdentity(req) {
		writeErrorResponse(w, http.StatusUnauthorized, "unauthorized", "invalid or missing token")
		return
	}
	r.cfg.Events.HandleWebSocket(w, req)
}

func (r *Router) authorizeUser(req *http.Request, userID string) bool {
	token := bearerToken(req)
	if token == "" {
		return false
	}
	if r.isServerIdentity(req) {
		return true
	}
	if r.cfg.Auth == nil {
		return false
	}
	tokenUser, ok := r.cfg.Auth.UserForToken(token)
	return ok && tokenUser == userID
}

func (r *Router) isServerIdentity(req *http.Request) bool {
	token := bearerToken(req)
	if token == "" || r.cfg.ServerToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(r.cfg.ServerToken)) == 1
}

func bearerToken(req *http.Request) string {
	header := strings.TrimSpace(req.Header.Get("Authorization"))
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
