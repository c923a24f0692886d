// Package account implements the account pool: the in-memory store of
// upstream identities, their health and cooldown state, and the selection
// algorithm that picks which identity serves a request.
package account

import (
	"time"
)

// Account is one upstream identity. The Store owns every Account exclusively;
// callers receive copies or borrow references only for the duration of a
// request while holding no assumption of stability.
type Account struct {
	Email        string `json:"email"`
	RefreshToken string `json:"refreshToken"`
	AccessToken  string `json:"accessToken,omitempty"`
	// ExpiresAt is the access-token expiry in unix milliseconds.
	ExpiresAt        int64  `json:"expiresAt,omitempty"`
	ProjectID        string `json:"projectId,omitempty"`
	ManagedProjectID string `json:"managedProjectId,omitempty"`

	HealthScore float64 `json:"healthScore"`
	// ModelScores is keyed "model|pool" and overrides HealthScore for
	// priority ranking when present.
	ModelScores map[string]float64 `json:"modelScores,omitempty"`
	// LastUsed is unix milliseconds of the last dispatch on this account.
	LastUsed            int64 `json:"lastUsed"`
	TokenUsage          int64 `json:"tokenUsage"`
	ConsecutiveFailures int   `json:"consecutiveFailures,omitempty"`
	// Cooldowns is keyed "pool|family" with unix-millisecond expiries.
	// It mirrors the store's fast index so cooldowns survive restarts.
	Cooldowns map[string]int64 `json:"cooldowns,omitempty"`
	History   []HistoryEntry   `json:"history,omitempty"`

	Fingerprint *Fingerprint `json:"fingerprint,omitempty"`

	// Challenge quarantines the account until an operator clears it.
	Challenge *Challenge `json:"challenge,omitempty"`
	// Capabilities marks models the upstream rejected for this account.
	Capabilities map[string]bool `json:"capabilities,omitempty"`

	Quota []QuotaSnapshot `json:"quota,omitempty"`
	// QuotaUpdatedAt is unix milliseconds of the last quota fetch. Zero means
	// the snapshot is absent or of unknown age and must not gate selection.
	QuotaUpdatedAt int64 `json:"quotaUpdatedAt,omitempty"`
}

// Token is a refreshed upstream credential as returned by the OAuth layer.
type Token struct {
	AccessToken      string
	ExpiresInSeconds int64
}

// Clone deep-copies the account, including maps and slices, so callers can
// hold the result without racing against store mutations.
func (a *Account) Clone() Account {
	out := *a
	if a.ModelScores != nil {
		out.ModelScores = make(map[string]float64, len(a.ModelScores))
		for k, v := range a.ModelScores {
			out.ModelScores[k] = v
		}
	}
	if a.Cooldowns != nil {
		out.Cooldowns = make(map[string]int64, len(a.Cooldowns))
		for k, v := range a.Cooldowns {
			out.Cooldowns[k] = v
		}
	}
	if a.Capabilities != nil {
		out.Capabilities = make(map[string]bool, len(a.Capabilities))
		for k, v := range a.Capabilities {
			out.Capabilities[k] = v
		}
	}
	if a.History != nil {
		out.History = append([]HistoryEntry(nil), a.History...)
	}
	if a.Quota != nil {
		out.Quota = append([]QuotaSnapshot(nil), a.Quota...)
	}
	if a.Fingerprint != nil {
		fp := *a.Fingerprint
		out.Fingerprint = &fp
	}
	if a.Challenge != nil {
		ch := *a.Challenge
		out.Challenge = &ch
	}
	return out
}

// HistoryEntry is one dashboard-visible outcome sample.
type HistoryEntry struct {
	Timestamp int64  `json:"timestamp"`
	Status    string `json:"status"` // success or error
}

// Challenge records an upstream demand for manual verification.
type Challenge struct {
	Type       string `json:"type"`
	URL        string `json:"url"`
	DetectedAt int64  `json:"detectedAt"`
	Reason     string `json:"reason,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Fingerprint is the opaque per-account device identity sent upstream.
// The store only guarantees it exists and persists; generation is delegated.
type Fingerprint struct {
	UserAgent    string `json:"userAgent"`
	QuotaUser    string `json:"quotaUser"`
	DeviceID     string `json:"deviceId"`
	Platform     string `json:"platform"`
	SessionToken string `json:"sessionToken"`
	CreatedAt    int64  `json:"createdAt,omitempty"`
}

// QuotaSnapshot is a cached per-family quota reading.
type QuotaSnapshot struct {
	GroupName         string  `json:"groupName"`
	LimitName         string  `json:"limitName"`
	Limit             string  `json:"limit"`
	Usage             string  `json:"usage"`
	RemainingFraction float64 `json:"remainingFraction"`
	QuotaLeft         string  `json:"quotaLeft"`
	ResetIn           string  `json:"resetIn"`
	ResetTime         string  `json:"resetTime,omitempty"` // RFC 3339
}

// Key identifies one cooldown partition: a (account, pool, family) triple.
type Key struct {
	Email  string
	Pool   string
	Family string
}

// PoolFamily is the per-account cooldown partition persisted on the record.
func (k Key) PoolFamily() string {
	return k.Pool + "|" + k.Family
}

// TokenValid reports whether the access token exists and is not within the
// given buffer of its expiry.
func (a *Account) TokenValid(now time.Time, buffer time.Duration) bool {
	if a.AccessToken == "" {
		return false
	}
	if a.ExpiresAt == 0 {
		return true
	}
	return a.ExpiresAt > now.Add(buffer).UnixMilli()
}

// SupportsModel reports whether the account has not been capability-flagged
// for the model. Unknown models are assumed supported.
func (a *Account) SupportsModel(model string) bool {
	if model == "" || a.Capabilities == nil {
		return true
	}
	supported, flagged := a.Capabilities[model]
	return !flagged || supported
}
