package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/agpool/agpool/internal/account"
	"github.com/agpool/agpool/internal/config"
	"github.com/agpool/agpool/internal/upstream"
)

// Status reports the pool snapshot the dashboard polls on load.
func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"version":         Version,
		"accounts":        s.store.Accounts(),
		"strategy":        s.store.Strategy(),
		"supportedModels": s.models.List(),
		"cooldowns":       s.store.Cooldowns(),
	})
}

// SetStrategy switches the scheduling strategy at runtime.
func (s *Server) SetStrategy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Strategy string `json:"strategy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Strategy == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_request_error", "missing strategy")
		return
	}
	s.store.SetStrategy(body.Strategy)
	s.writeJSON(w, http.StatusOK, map[string]string{"strategy": body.Strategy})
}

// GetConfig serves the active configuration.
func (s *Server) GetConfig(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.Get())
}

// UpdateConfig merges a partial overlay into the active configuration.
func (s *Server) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	overlay, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to read body")
		return
	}
	updated, err := s.cfg.Apply(overlay)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

// ResetAllCooldowns restores every account to a clean slate.
func (s *Server) ResetAllCooldowns(w http.ResponseWriter, r *http.Request) {
	for _, acc := range s.store.Accounts() {
		if err := s.store.ResetAccount(acc.Email); err != nil {
			s.logger.Warn("reset account failed", "email", acc.Email, "error", err)
		}
	}
	s.store.ResetAllCooldowns()
	s.logger.Info("reset state for all accounts", "count", s.store.Len())
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// DeleteAccount removes one account from the pool.
func (s *Server) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	email := r.PathValue("email")
	if email == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_request_error", "missing email")
		return
	}
	s.store.Remove(email)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ResetAccount restores one account's health, cooldowns, and flags.
func (s *Server) ResetAccount(w http.ResponseWriter, r *http.Request) {
	email := r.PathValue("email")
	if err := s.store.ResetAccount(email); err != nil {
		s.writeAccountError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SetProject pins an explicit project id on an account.
func (s *Server) SetProject(w http.ResponseWriter, r *http.Request) {
	email := r.PathValue("email")
	var body struct {
		ProjectID string `json:"projectId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ProjectID == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_request_error", "missing projectId")
		return
	}
	if err := s.store.UpdateProject(email, body.ProjectID); err != nil {
		s.writeAccountError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"projectId": body.ProjectID})
}

// RediscoverProject re-runs upstream project discovery for an account.
func (s *Server) RediscoverProject(w http.ResponseWriter, r *http.Request) {
	email := r.PathValue("email")
	acc, ok := s.store.Get(email)
	if !ok || acc.AccessToken == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_request_error", "account not found or has no token")
		return
	}
	projectID, err := s.oauth.DiscoverProjectID(r.Context(), acc.AccessToken)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, "api_error", err.Error())
		return
	}
	if projectID == "" {
		s.writeError(w, http.StatusNotFound, "invalid_request_error", "no project found via discovery")
		return
	}
	if err := s.store.UpdateProject(email, projectID); err != nil {
		s.writeAccountError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"projectId": projectID})
}

// RegenerateFingerprint issues a fresh device identity for an account.
func (s *Server) RegenerateFingerprint(w http.ResponseWriter, r *http.Request) {
	email := r.PathValue("email")
	if _, ok := s.store.Get(email); !ok {
		s.writeAccountError(w, account.ErrAccountNotFound)
		return
	}
	fp := upstream.NewFingerprint(email)
	s.store.SetFingerprint(email, fp)
	s.writeJSON(w, http.StatusOK, map[string]any{"fingerprint": fp})
}

// CooldownAccount applies a manual one-hour cooldown to an account.
func (s *Server) CooldownAccount(w http.ResponseWriter, r *http.Request) {
	email := r.PathValue("email")
	var body struct {
		Pool  string `json:"pool"`
		Model string `json:"model"`
	}
	// An empty body is fine; defaults apply.
	json.NewDecoder(r.Body).Decode(&body)
	if body.Pool == "" {
		body.Pool = config.PoolCLI
	}
	until := s.store.MarkCooldown(email, body.Pool, account.FamilyName(body.Model), "3600s")
	s.writeJSON(w, http.StatusOK, map[string]any{"until": until.UnixMilli()})
}

func (s *Server) writeAccountError(w http.ResponseWriter, err error) {
	if errors.Is(err, account.ErrAccountNotFound) {
		s.writeError(w, http.StatusNotFound, "invalid_request_error", err.Error())
		return
	}
	s.writeError(w, http.StatusInternalServerError, "api_error", err.Error())
}
