package api

import (
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// authExempt lists paths reachable without the shared secret. The OAuth
// callback is hit by a browser redirect that cannot carry headers.
var authExempt = map[string]bool{
	"/oauth-callback": true,
	"/healthz":        true,
}

// authenticate enforces the single shared bearer secret. An empty
// configured secret disables the check.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := s.cfg.Get().Auth.Secret
		if secret == "" || authExempt[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		supplied := r.Header.Get("X-Api-Key")
		if supplied == "" {
			supplied = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if supplied == "" {
			// Browser-driven endpoints pass the secret as a query parameter.
			supplied = r.URL.Query().Get("key")
		}
		if supplied != secret {
			s.writeError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// cors answers preflight requests and stamps the permissive headers the
// dashboard needs.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Api-Key, X-Client-Id")
		h.Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientLimiters tracks one token bucket per caller address.
type clientLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	cl := &clientLimiters{limiters: make(map[string]*rate.Limiter)}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rl := s.cfg.Get().RateLimit
		if !rl.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("X-Client-Id")
		if key == "" {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			key = host
		}

		cl.mu.Lock()
		lim, ok := cl.limiters[key]
		if !ok {
			lim = rate.NewLimiter(rate.Limit(float64(rl.RequestsPerMinute)/60.0), rl.BurstSize)
			cl.limiters[key] = lim
		}
		cl.mu.Unlock()

		if !lim.Allow() {
			s.writeError(w, http.StatusTooManyRequests, "rate_limit_error", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
