// Package api provides the HTTP surface of the gateway: the
// provider-compatible completion endpoints, the dashboard API with its SSE
// feed, and the OAuth login flow.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/agpool/agpool/internal/account"
	"github.com/agpool/agpool/internal/config"
	"github.com/agpool/agpool/internal/events"
	"github.com/agpool/agpool/internal/logging"
	"github.com/agpool/agpool/internal/metrics"
	"github.com/agpool/agpool/internal/oauth"
	"github.com/agpool/agpool/internal/quota"
	"github.com/agpool/agpool/internal/relay"
	"github.com/agpool/agpool/internal/upstream"
)

// Version is reported by /api/status and the SSE init event.
const Version = "0.9.0"

// Relayer runs one inbound request through the retry loop.
type Relayer interface {
	Relay(ctx context.Context, req relay.Request) (*relay.Result, error)
}

// QuotaFetcher pulls quota snapshots for one account on demand.
type QuotaFetcher interface {
	Fetch(ctx context.Context, acc account.Account) ([]account.QuotaSnapshot, error)
}

// Server holds the dependencies shared by all handlers.
type Server struct {
	store   *account.Store
	relayer Relayer
	tr      upstream.Translator
	models  *quota.ModelCache
	quota   QuotaFetcher
	oauth   *oauth.Client
	cfg     *config.Manager
	bus     *events.Bus
	ring    *logging.RingHandler
	logger  *slog.Logger
}

func NewServer(store *account.Store, relayer Relayer, tr upstream.Translator, models *quota.ModelCache, quotaFetcher QuotaFetcher, oauthClient *oauth.Client, cfg *config.Manager, bus *events.Bus, ring *logging.RingHandler, logger *slog.Logger) *Server {
	return &Server{
		store:   store,
		relayer: relayer,
		tr:      tr,
		models:  models,
		quota:   quotaFetcher,
		oauth:   oauthClient,
		cfg:     cfg,
		bus:     bus,
		ring:    ring,
		logger:  logger,
	}
}

// Handler builds the full route table wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.Healthz)

	mux.HandleFunc("POST /v1/chat/completions", s.ChatCompletions)
	mux.HandleFunc("GET /v1/models", s.ListModels)

	mux.HandleFunc("GET /api/sse", s.EventStream)
	mux.HandleFunc("GET /api/status", s.Status)
	mux.HandleFunc("POST /api/strategy", s.SetStrategy)
	mux.HandleFunc("GET /api/config", s.GetConfig)
	mux.HandleFunc("POST /api/config", s.UpdateConfig)
	mux.HandleFunc("POST /api/accounts/reset-all", s.ResetAllCooldowns)
	mux.HandleFunc("DELETE /api/accounts/{email}", s.DeleteAccount)
	mux.HandleFunc("POST /api/accounts/{email}/reset", s.ResetAccount)
	mux.HandleFunc("POST /api/accounts/{email}/project", s.SetProject)
	mux.HandleFunc("POST /api/accounts/{email}/project/rediscover", s.RediscoverProject)
	mux.HandleFunc("POST /api/accounts/{email}/cooldown", s.CooldownAccount)
	mux.HandleFunc("POST /api/accounts/{email}/fingerprint", s.RegenerateFingerprint)

	mux.HandleFunc("GET /oauth/start", s.OAuthStart)
	mux.HandleFunc("GET /oauth-callback", s.OAuthCallback)

	var h http.Handler = mux
	h = s.rateLimit(h)
	h = s.authenticate(h)
	h = s.cors(h)
	h = metrics.Middleware(h)
	return h
}

// Healthz is the liveness probe.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  Version,
		"accounts": s.store.Len(),
	})
}

// ErrorResponse is the provider-compatible error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes the error payload.
type ErrorDetail struct {
	Message string          `json:"message"`
	Type    string          `json:"type"`
	Code    int             `json:"code,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, errType, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: ErrorDetail{
		Message: message,
		Type:    errType,
		Code:    status,
	}})
}
