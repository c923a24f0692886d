package account

import (
	"context"
	"errors"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/agpool/agpool/internal/config"
)

// ErrNoAccount means no account can serve the request right now.
var ErrNoAccount = errors.New("no available account")

// ErrNotReady means the chosen account failed credential refresh. The caller
// should exclude it and select again.
var ErrNotReady = errors.New("account not ready")

// NotReadyError wraps a refresh failure with the account that caused it so
// callers can exclude it on the next attempt.
type NotReadyError struct {
	Email string
	Err   error
}

func (e *NotReadyError) Error() string {
	return "account " + e.Email + " not ready: " + e.Err.Error()
}

func (e *NotReadyError) Unwrap() error { return e.Err }

func (e *NotReadyError) Is(target error) bool { return target == ErrNotReady }

// rescueHorizon is how far into a cooldown an account may still be drafted
// when every candidate is cooling down.
const rescueHorizon = 5 * time.Minute

// priorityEpsilon is the score distance within which two candidates are
// considered tied and the least recently used one wins.
const priorityEpsilon = 0.1

// Refresher renews upstream credentials for accounts the selector picks.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Token, error)
	DiscoverProjectID(ctx context.Context, accessToken string) (string, error)
}

// SelectOptions scopes one selection.
type SelectOptions struct {
	Pool     string
	Model    string
	ClientID string
	// Exclude lists emails already tried this request.
	Exclude []string
	// AllowRescue permits drafting accounts whose cooldown expires soon when
	// nothing else is usable.
	AllowRescue bool
}

// Select picks the account to serve a request and ensures its credentials
// are ready. It filters out unusable and cooled-down accounts, honors the
// sticky binding for the client, and ranks the rest by priority score. In
// cache-first mode a short bounded wait for the sticky account's cooldown is
// preferred over switching accounts. Returns a copy of the chosen record.
func (s *Store) Select(ctx context.Context, refresher Refresher, opts SelectOptions) (Account, error) {
	family := FamilyName(opts.Model)
	cfg := s.cfg.Get()

	chosen, wait := s.pick(opts, family, cfg)
	if wait > 0 {
		// Sticky account cools down soon and the mode prefers waiting for
		// its warm cache over rotating. Sleep, then pick again without the
		// wait option so a vanished sticky falls through normally.
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Account{}, ctx.Err()
		case <-timer.C:
		}
		chosen, _ = s.pick(opts, family, cfg)
	}
	if chosen == "" {
		return Account{}, ErrNoAccount
	}

	acc, err := s.ensureReady(ctx, refresher, chosen, cfg)
	if err != nil {
		return Account{}, err
	}
	return acc, nil
}

// pick runs the lock-held portion of selection. It returns either an email
// to use or a positive duration the caller should wait before retrying
// (cache-first sticky wait). Both zero means no account is available.
func (s *Store) pick(opts SelectOptions, family string, cfg *config.Config) (string, time.Duration) {
	excluded := make(map[string]bool, len(opts.Exclude))
	for _, e := range opts.Exclude {
		excluded[e] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var usable []*Account
	for _, a := range s.accounts {
		if a.RefreshToken == "" || excluded[a.Email] || a.Challenge != nil {
			continue
		}
		if !a.SupportsModel(opts.Model) {
			continue
		}
		if s.overSoftQuota(a, family, now, cfg) {
			continue
		}
		usable = append(usable, a)
	}

	var candidates []*Account
	for _, a := range usable {
		k := Key{Email: a.Email, Pool: opts.Pool, Family: family}
		if !s.cooldowns.active(k, now) {
			candidates = append(candidates, a)
		}
	}

	if len(candidates) == 0 {
		if cfg.Scheduling.Mode == config.ModeCacheFirst && opts.ClientID != "" {
			if email, ok := s.stickyLocked(opts.ClientID); ok {
				k := Key{Email: email, Pool: opts.Pool, Family: family}
				remaining := s.cooldowns.remaining(k, now)
				if remaining > 0 && remaining <= cfg.Scheduling.MaxCacheFirstWait() {
					return "", remaining
				}
			}
		}
		if opts.AllowRescue {
			for _, a := range usable {
				k := Key{Email: a.Email, Pool: opts.Pool, Family: family}
				if rem := s.cooldowns.remaining(k, now); rem > 0 && rem <= rescueHorizon {
					candidates = append(candidates, a)
				}
			}
			s.sortByExpiry(candidates, opts.Pool, family)
			if len(candidates) > 0 {
				return candidates[0].Email, 0
			}
		}
		return "", 0
	}

	// Sticky fast path: an untainted request from a known client reuses its
	// bound account when that account is genuinely cooldown-free.
	if opts.ClientID != "" && len(opts.Exclude) == 0 {
		if email, ok := s.stickyLocked(opts.ClientID); ok {
			for _, a := range candidates {
				if a.Email == email {
					return email, 0
				}
			}
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		pi := Priority(candidates[i], now, opts.Model, opts.Pool, cfg.Scoring)
		pj := Priority(candidates[j], now, opts.Model, opts.Pool, cfg.Scoring)
		if pi > pj+priorityEpsilon {
			return true
		}
		if pj > pi+priorityEpsilon {
			return false
		}
		return candidates[i].LastUsed < candidates[j].LastUsed
	})

	idx := 0
	if cfg.Features.PIDOffsetEnabled && len(candidates) > 1 {
		// Spread concurrent gateway processes across the ranking so several
		// instances sharing one pool do not all hammer the same top account.
		idx = os.Getpid() % len(candidates)
	}
	return candidates[idx].Email, 0
}

// overSoftQuota reports whether a fresh quota snapshot says the family is
// consumed past the soft threshold. Stale or absent snapshots never gate.
func (s *Store) overSoftQuota(a *Account, family string, now time.Time, cfg *config.Config) bool {
	threshold := cfg.Quota.SoftQuotaThresholdPercent
	if threshold <= 0 || len(a.Quota) == 0 || a.QuotaUpdatedAt == 0 {
		return false
	}
	staleAfter := 2 * cfg.Quota.RefreshInterval()
	if now.Sub(time.UnixMilli(a.QuotaUpdatedAt)) > staleAfter {
		return false
	}
	for _, q := range a.Quota {
		// Merged quota groups join labels, so the family is matched as a
		// substring of the group name.
		if !strings.Contains(q.GroupName, family) {
			continue
		}
		if q.RemainingFraction*100 < float64(100-threshold) {
			return true
		}
	}
	return false
}

func (s *Store) stickyLocked(clientID string) (string, bool) {
	v, ok := s.sticky.Get(clientID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// ensureReady refreshes the chosen account's access token when missing or
// near expiry, and discovers a project identifier if none is recorded. A
// refresh failure penalizes the account and surfaces ErrNotReady.
func (s *Store) ensureReady(ctx context.Context, refresher Refresher, email string, cfg *config.Config) (Account, error) {
	acc, ok := s.Get(email)
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	if acc.TokenValid(s.now(), cfg.Tokens.ExpiryBuffer()) {
		return acc, nil
	}

	tok, err := refresher.Refresh(ctx, acc.RefreshToken)
	if err != nil {
		s.logger.Warn("token refresh failed", "email", email, "error", err)
		s.Penalize(email, cfg.Scoring.Penalties.RefreshError)
		return Account{}, &NotReadyError{Email: email, Err: err}
	}

	projectID := acc.ProjectID
	if projectID == "" {
		projectID, err = refresher.DiscoverProjectID(ctx, tok.AccessToken)
		if err != nil {
			s.logger.Warn("project discovery failed", "email", email, "error", err)
			projectID = ""
		}
	}
	s.applyToken(email, tok, projectID)

	acc, _ = s.Get(email)
	return acc, nil
}
