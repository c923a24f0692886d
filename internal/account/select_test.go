package account

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agpool/agpool/internal/config"
)

type fakeRefresher struct {
	fail     bool
	refreshN int
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	f.refreshN++
	if f.fail {
		return Token{}, errors.New("invalid_grant")
	}
	return Token{AccessToken: "fresh-" + refreshToken, ExpiresInSeconds: 3600}, nil
}

func (f *fakeRefresher) DiscoverProjectID(ctx context.Context, accessToken string) (string, error) {
	return "proj-1", nil
}

func readyAccount(email string, health float64, lastUsed time.Time) Account {
	return Account{
		Email:        email,
		RefreshToken: "rt-" + email,
		AccessToken:  "at-" + email,
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
		HealthScore:  health,
		LastUsed:     lastUsed.UnixMilli(),
	}
}

func TestSelectRanksByPriority(t *testing.T) {
	s, _ := newTestStore(t)
	now := time.Now()
	s.Add(readyAccount("low@x.com", 10, now))
	s.Add(readyAccount("high@x.com", 90, now))
	s.Add(readyAccount("mid@x.com", 40, now))

	acc, err := s.Select(context.Background(), &fakeRefresher{}, SelectOptions{
		Pool: config.PoolCLI, Model: "gemini-3-pro-preview",
	})
	require.NoError(t, err)
	assert.Equal(t, "high@x.com", acc.Email)
}

func TestSelectLRUTiebreak(t *testing.T) {
	s, _ := newTestStore(t)
	now := time.Now()
	// Same health. The account idle longer scores higher via the LRU term,
	// and within the epsilon the older LastUsed wins outright.
	s.Add(readyAccount("recent@x.com", 50, now))
	s.Add(readyAccount("stale@x.com", 50, now.Add(-10*time.Minute)))

	acc, err := s.Select(context.Background(), &fakeRefresher{}, SelectOptions{
		Pool: config.PoolCLI, Model: "gemini-3-pro-preview",
	})
	require.NoError(t, err)
	assert.Equal(t, "stale@x.com", acc.Email)
}

func TestSelectSkipsExcludedCooledAndChallenged(t *testing.T) {
	s, _ := newTestStore(t)
	now := time.Now()
	s.Add(readyAccount("excluded@x.com", 100, now))
	s.Add(readyAccount("cooled@x.com", 100, now))
	s.Add(readyAccount("challenged@x.com", 100, now))
	s.Add(readyAccount("ok@x.com", 20, now))

	s.MarkCooldown("cooled@x.com", config.PoolCLI, "Gemini 3 Pro", "10m")
	s.FlagChallenge("challenged@x.com", config.PoolCLI, "Gemini 3 Pro", Challenge{Type: "verification"})

	acc, err := s.Select(context.Background(), &fakeRefresher{}, SelectOptions{
		Pool:    config.PoolCLI,
		Model:   "gemini-3-pro-preview",
		Exclude: []string{"excluded@x.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok@x.com", acc.Email)
}

func TestSelectCooldownIsPoolScoped(t *testing.T) {
	s, _ := newTestStore(t)
	s.Add(readyAccount("a@x.com", 80, time.Now()))
	s.MarkCooldown("a@x.com", config.PoolSandbox, "Gemini 3 Pro", "10m")

	// The sandbox cooldown must not block the cli pool.
	acc, err := s.Select(context.Background(), &fakeRefresher{}, SelectOptions{
		Pool: config.PoolCLI, Model: "gemini-3-pro-preview",
	})
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", acc.Email)

	_, err = s.Select(context.Background(), &fakeRefresher{}, SelectOptions{
		Pool: config.PoolSandbox, Model: "gemini-3-pro-preview",
	})
	assert.ErrorIs(t, err, ErrNoAccount)
}

func TestSelectStickyFastPath(t *testing.T) {
	s, _ := newTestStore(t)
	now := time.Now()
	s.Add(readyAccount("best@x.com", 100, now))
	s.Add(readyAccount("bound@x.com", 30, now))
	s.RecordOutcome("bound@x.com", Outcome{Success: true, Model: "gemini-3-pro-preview", Pool: config.PoolCLI, ClientID: "client-1"})

	// The bound client reuses its account even though a healthier one exists.
	acc, err := s.Select(context.Background(), &fakeRefresher{}, SelectOptions{
		Pool: config.PoolCLI, Model: "gemini-3-pro-preview", ClientID: "client-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "bound@x.com", acc.Email)

	// Exclusions taint the request and disable the fast path.
	acc, err = s.Select(context.Background(), &fakeRefresher{}, SelectOptions{
		Pool: config.PoolCLI, Model: "gemini-3-pro-preview", ClientID: "client-1",
		Exclude: []string{"nobody@x.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, "best@x.com", acc.Email)
}

func TestSelectNoAccounts(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Select(context.Background(), &fakeRefresher{}, SelectOptions{
		Pool: config.PoolCLI, Model: "gemini-3-pro-preview",
	})
	assert.ErrorIs(t, err, ErrNoAccount)
}

func TestSelectCapabilityFilter(t *testing.T) {
	s, _ := newTestStore(t)
	s.Add(readyAccount("a@x.com", 100, time.Now()))
	s.FlagModelUnsupported("a@x.com", "gemini-3-pro-preview")

	_, err := s.Select(context.Background(), &fakeRefresher{}, SelectOptions{
		Pool: config.PoolCLI, Model: "gemini-3-pro-preview",
	})
	assert.ErrorIs(t, err, ErrNoAccount)

	// Other models remain eligible.
	acc, err := s.Select(context.Background(), &fakeRefresher{}, SelectOptions{
		Pool: config.PoolCLI, Model: "gemini-3-flash-preview",
	})
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", acc.Email)
}

func TestSelectRescueDraftsSoonestExpiry(t *testing.T) {
	s, _ := newTestStore(t)
	now := time.Now()
	s.Add(readyAccount("soon@x.com", 50, now))
	s.Add(readyAccount("late@x.com", 50, now))
	s.MarkCooldown("soon@x.com", config.PoolCLI, "Gemini 3 Pro", "1m")
	s.MarkCooldown("late@x.com", config.PoolCLI, "Gemini 3 Pro", "4m")

	// Without rescue nothing is usable.
	_, err := s.Select(context.Background(), &fakeRefresher{}, SelectOptions{
		Pool: config.PoolCLI, Model: "gemini-3-pro-preview",
	})
	assert.ErrorIs(t, err, ErrNoAccount)

	acc, err := s.Select(context.Background(), &fakeRefresher{}, SelectOptions{
		Pool: config.PoolCLI, Model: "gemini-3-pro-preview", AllowRescue: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "soon@x.com", acc.Email)
}

func TestSelectRescueIgnoresDistantExpiry(t *testing.T) {
	s, _ := newTestStore(t)
	s.Add(readyAccount("a@x.com", 50, time.Now()))
	s.MarkCooldown("a@x.com", config.PoolCLI, "Gemini 3 Pro", "30m")

	_, err := s.Select(context.Background(), &fakeRefresher{}, SelectOptions{
		Pool: config.PoolCLI, Model: "gemini-3-pro-preview", AllowRescue: true,
	})
	assert.ErrorIs(t, err, ErrNoAccount)
}

func TestSelectRefreshFailurePenalizes(t *testing.T) {
	s, cfg := newTestStore(t)
	// Expired token forces a refresh attempt.
	s.Add(Account{
		Email:        "a@x.com",
		RefreshToken: "rt",
		AccessToken:  "stale",
		ExpiresAt:    time.Now().Add(-time.Minute).UnixMilli(),
		HealthScore:  80,
	})

	_, err := s.Select(context.Background(), &fakeRefresher{fail: true}, SelectOptions{
		Pool: config.PoolCLI, Model: "gemini-3-pro-preview",
	})
	assert.ErrorIs(t, err, ErrNotReady)

	got, _ := s.Get("a@x.com")
	assert.Equal(t, 80+cfg.Scoring.Penalties.RefreshError, got.HealthScore)
}

func TestSelectRefreshesExpiredToken(t *testing.T) {
	s, _ := newTestStore(t)
	s.Add(Account{
		Email:        "a@x.com",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(-time.Minute).UnixMilli(),
		HealthScore:  80,
	})

	r := &fakeRefresher{}
	acc, err := s.Select(context.Background(), r, SelectOptions{
		Pool: config.PoolCLI, Model: "gemini-3-pro-preview",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, r.refreshN)
	assert.Equal(t, "fresh-rt", acc.AccessToken)
	assert.Equal(t, "proj-1", acc.ProjectID)
}

func TestSelectSoftQuotaGate(t *testing.T) {
	s, _ := newTestStore(t)
	s.Add(readyAccount("drained@x.com", 100, time.Now()))
	s.Add(readyAccount("ok@x.com", 20, time.Now()))
	// 95% used against a 90% soft threshold, with a fresh snapshot.
	s.SetQuota("drained@x.com", []QuotaSnapshot{{
		GroupName:         "Gemini 3 Pro",
		RemainingFraction: 0.05,
	}}, time.Now())

	acc, err := s.Select(context.Background(), &fakeRefresher{}, SelectOptions{
		Pool: config.PoolCLI, Model: "gemini-3-pro-preview",
	})
	require.NoError(t, err)
	assert.Equal(t, "ok@x.com", acc.Email)
}

func TestSelectSoftQuotaIgnoresStaleSnapshot(t *testing.T) {
	s, cfg := newTestStore(t)
	s.Add(readyAccount("a@x.com", 100, time.Now()))
	stale := time.Now().Add(-3 * cfg.Quota.RefreshInterval())
	s.SetQuota("a@x.com", []QuotaSnapshot{{
		GroupName:         "Gemini 3 Pro",
		RemainingFraction: 0.01,
	}}, stale)

	acc, err := s.Select(context.Background(), &fakeRefresher{}, SelectOptions{
		Pool: config.PoolCLI, Model: "gemini-3-pro-preview",
	})
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", acc.Email)
}
