package api

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/agpool/agpool/internal/account"
)

// OAuthStart redirects the browser into the upstream consent flow.
func (s *Server) OAuthStart(w http.ResponseWriter, r *http.Request) {
	buf := make([]byte, 16)
	rand.Read(buf)
	http.Redirect(w, r, s.oauth.AuthURL(hex.EncodeToString(buf)), http.StatusFound)
}

// OAuthCallback completes the login: exchanges the code, resolves the
// account identity and project, seeds quota, and adds the account to the
// pool.
func (s *Server) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_request_error", "missing code")
		return
	}

	ctx := r.Context()
	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, "api_error", "code exchange failed: "+err.Error())
		return
	}
	if tok.RefreshToken == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_request_error",
			"no refresh token received; revoke access for this app and try again")
		return
	}

	email, err := s.oauth.UserEmail(ctx, tok.AccessToken)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, "api_error", "userinfo lookup failed: "+err.Error())
		return
	}

	projectID, err := s.oauth.DiscoverProjectID(ctx, tok.AccessToken)
	if err != nil {
		// Discovery can be retried later from the dashboard.
		s.logger.Warn("project discovery failed during login", "email", email, "error", err)
	}

	acc := account.Account{
		Email:        email,
		RefreshToken: tok.RefreshToken,
		AccessToken:  tok.AccessToken,
		ExpiresAt:    tok.Expiry.UnixMilli(),
		ProjectID:    projectID,
	}
	s.store.Add(acc)

	if projectID != "" && s.quota != nil {
		if added, ok := s.store.Get(email); ok {
			if snaps, err := s.quota.Fetch(ctx, added); err == nil {
				s.store.SetQuota(email, snaps, time.Now())
			} else {
				s.logger.Warn("initial quota fetch failed", "email", email, "error", err)
			}
		}
	}

	s.logger.Info("account added via oauth", "email", email, "project", projectID)
	http.Redirect(w, r, "/", http.StatusFound)
}
