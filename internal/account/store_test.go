package account

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agpool/agpool/internal/config"
	"github.com/agpool/agpool/internal/events"
	"github.com/agpool/agpool/internal/metrics"
)

type staticConfig struct {
	cfg *config.Config
}

func (s staticConfig) Get() *config.Config { return s.cfg }

type memPersister struct {
	mu    sync.Mutex
	state State
	saves int
}

func (m *memPersister) Load(ctx context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

func (m *memPersister) Save(ctx context.Context, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	m.saves++
	return nil
}

func newTestStore(t *testing.T) (*Store, *config.Config) {
	t.Helper()
	cfg := config.DefaultConfig()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewStore(staticConfig{cfg}, &memPersister{}, events.NewBus(0), logger)
	return s, cfg
}

func TestAddAndGet(t *testing.T) {
	s, cfg := newTestStore(t)
	s.Add(Account{Email: "a@x.com", RefreshToken: "rt"})

	got, ok := s.Get("a@x.com")
	require.True(t, ok)
	assert.Equal(t, "rt", got.RefreshToken)
	assert.Equal(t, cfg.Scoring.HealthRange.Initial, got.HealthScore)

	// Re-adding the same email merges credentials instead of duplicating.
	s.Add(Account{Email: "a@x.com", RefreshToken: "rt2", ProjectID: "p1"})
	assert.Equal(t, 1, s.Len())
	got, _ = s.Get("a@x.com")
	assert.Equal(t, "rt2", got.RefreshToken)
	assert.Equal(t, "p1", got.ProjectID)
}

func TestRemoveDropsCooldowns(t *testing.T) {
	s, _ := newTestStore(t)
	s.Add(Account{Email: "a@x.com", RefreshToken: "rt"})
	s.MarkCooldown("a@x.com", config.PoolCLI, "Gemini 3 Pro", "")
	require.NotEmpty(t, s.Cooldowns())

	s.Remove("a@x.com")
	assert.Equal(t, 0, s.Len())
	assert.Empty(t, s.Cooldowns())
}

func TestMarkCooldownBackoffAndCap(t *testing.T) {
	s, cfg := newTestStore(t)
	base := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return base }
	s.Add(Account{Email: "a@x.com", RefreshToken: "rt"})

	// Failure count 0 at mark time: plain base duration.
	expiry := s.MarkCooldown("a@x.com", config.PoolCLI, "Gemini 3 Pro", "")
	assert.Equal(t, base.Add(cfg.Rotation.Cooldown.DefaultDuration()), expiry)

	// Three prior failures: base << 3.
	got, _ := s.Get("a@x.com")
	require.Equal(t, 1, got.ConsecutiveFailures)
	s.MarkCooldown("a@x.com", config.PoolCLI, "Gemini 3 Pro", "")
	s.MarkCooldown("a@x.com", config.PoolCLI, "Gemini 3 Pro", "")
	expiry = s.MarkCooldown("a@x.com", config.PoolCLI, "Gemini 3 Pro", "")
	assert.Equal(t, base.Add(cfg.Rotation.Cooldown.DefaultDuration()<<3), expiry)

	// Many failures stay capped at the maximum backoff shift.
	for i := 0; i < 10; i++ {
		expiry = s.MarkCooldown("a@x.com", config.PoolCLI, "Gemini 3 Pro", "")
	}
	assert.Equal(t, base.Add(cfg.Rotation.Cooldown.DefaultDuration()<<maxBackoffShift), expiry)
}

func TestMarkCooldownKeepsLaterExpiry(t *testing.T) {
	s, _ := newTestStore(t)
	base := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return base }
	s.Add(Account{Email: "a@x.com", RefreshToken: "rt"})

	long := s.MarkCooldown("a@x.com", config.PoolCLI, "Gemini 3 Pro", "30m")
	short := s.MarkCooldown("a@x.com", config.PoolCLI, "Gemini 3 Pro", "5s")
	assert.Equal(t, long, short, "later expiry must not be shortened")
}

func TestMarkCooldownZeroHintNoop(t *testing.T) {
	s, _ := newTestStore(t)
	s.Add(Account{Email: "a@x.com", RefreshToken: "rt"})

	expiry := s.MarkCooldown("a@x.com", config.PoolCLI, "Gemini 3 Pro", "0s")
	assert.True(t, expiry.IsZero())
	assert.Empty(t, s.Cooldowns())
	got, _ := s.Get("a@x.com")
	assert.Equal(t, 0, got.ConsecutiveFailures)
}

func TestClearCooldownIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	s.Add(Account{Email: "a@x.com", RefreshToken: "rt"})
	s.MarkCooldown("a@x.com", config.PoolCLI, "Gemini 3 Pro", "")

	s.ClearCooldown("a@x.com", config.PoolCLI, "Gemini 3 Pro")
	assert.Empty(t, s.Cooldowns())
	got, _ := s.Get("a@x.com")
	assert.Equal(t, 0, got.ConsecutiveFailures)

	// Clearing again is a no-op, not an error.
	s.ClearCooldown("a@x.com", config.PoolCLI, "Gemini 3 Pro")
	assert.Empty(t, s.Cooldowns())
}

func TestRecordOutcomeHealthModel(t *testing.T) {
	s, cfg := newTestStore(t)
	s.Add(Account{Email: "a@x.com", RefreshToken: "rt"})

	s.RecordOutcome("a@x.com", Outcome{Success: false, Status: 500, Model: "gemini-3-pro", Pool: config.PoolCLI})
	got, _ := s.Get("a@x.com")
	assert.Equal(t, cfg.Scoring.HealthRange.Max+cfg.Scoring.Penalties.APIError, got.HealthScore)

	s.RecordOutcome("a@x.com", Outcome{Success: false, Status: 403, Model: "gemini-3-pro", Pool: config.PoolCLI})
	got, _ = s.Get("a@x.com")
	assert.Equal(t,
		cfg.Scoring.HealthRange.Max+cfg.Scoring.Penalties.APIError+cfg.Scoring.Penalties.FatalError,
		got.HealthScore)

	s.RecordOutcome("a@x.com", Outcome{Success: true, Model: "gemini-3-pro", Pool: config.PoolCLI})
	got, _ = s.Get("a@x.com")
	assert.Equal(t,
		cfg.Scoring.HealthRange.Max+cfg.Scoring.Penalties.APIError+cfg.Scoring.Penalties.FatalError+cfg.Scoring.Rewards.Success,
		got.HealthScore)
	assert.Len(t, got.History, 3)
	assert.Greater(t, got.LastUsed, int64(0))
}

func TestRecordOutcomeClampsAtFloor(t *testing.T) {
	s, cfg := newTestStore(t)
	s.Add(Account{Email: "a@x.com", RefreshToken: "rt", HealthScore: 5})

	s.RecordOutcome("a@x.com", Outcome{Success: false, Status: 403})
	got, _ := s.Get("a@x.com")
	assert.Equal(t, cfg.Scoring.HealthRange.Min, got.HealthScore)
}

func TestRecordOutcomeStickyAndCooldownClear(t *testing.T) {
	s, _ := newTestStore(t)
	s.Add(Account{Email: "a@x.com", RefreshToken: "rt"})
	s.MarkCooldown("a@x.com", config.PoolCLI, "Gemini 3 Pro", "")

	s.RecordOutcome("a@x.com", Outcome{Success: true, Model: "gemini-3-pro-preview", Pool: config.PoolCLI, ClientID: "client-1"})

	email, ok := s.StickyFor("client-1")
	require.True(t, ok)
	assert.Equal(t, "a@x.com", email)
	assert.Empty(t, s.Cooldowns(), "success must clear the pool/family cooldown")
}

func TestFlagChallengeQuarantines(t *testing.T) {
	s, _ := newTestStore(t)
	s.Add(Account{Email: "a@x.com", RefreshToken: "rt"})

	s.FlagChallenge("a@x.com", config.PoolCLI, "Gemini 3 Pro", Challenge{Type: "verification", URL: "https://example.com/verify"})

	got, _ := s.Get("a@x.com")
	require.NotNil(t, got.Challenge)
	assert.Equal(t, "https://example.com/verify", got.Challenge.URL)
	remaining := s.CooldownRemaining(Key{Email: "a@x.com", Pool: config.PoolCLI, Family: "Gemini 3 Pro"})
	assert.Greater(t, remaining, 50*time.Minute)
}

func TestResetAccount(t *testing.T) {
	s, cfg := newTestStore(t)
	s.Add(Account{Email: "a@x.com", RefreshToken: "rt", HealthScore: 12})
	s.MarkCooldown("a@x.com", config.PoolCLI, "Gemini 3 Pro", "")
	s.FlagModelUnsupported("a@x.com", "gemini-3-pro")

	require.NoError(t, s.ResetAccount("a@x.com"))
	got, _ := s.Get("a@x.com")
	assert.Equal(t, cfg.Scoring.HealthRange.Initial, got.HealthScore)
	assert.Empty(t, got.Cooldowns)
	assert.Empty(t, s.Cooldowns())
	assert.Nil(t, got.Challenge)

	assert.ErrorIs(t, s.ResetAccount("nobody@x.com"), ErrAccountNotFound)
}

func TestLoadRebuildsCooldownIndex(t *testing.T) {
	cfg := config.DefaultConfig()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	future := time.Now().Add(time.Hour).UnixMilli()
	past := time.Now().Add(-time.Hour).UnixMilli()
	p := &memPersister{state: State{
		Accounts: []*Account{{
			Email:        "a@x.com",
			RefreshToken: "rt",
			Cooldowns: map[string]int64{
				"cli|Gemini 3 Pro":   future,
				"cli|Gemini 3 Flash": past,
			},
		}},
		Strategy: "hybrid",
	}}
	s := NewStore(staticConfig{cfg}, p, events.NewBus(0), logger)
	require.NoError(t, s.Load(context.Background()))

	assert.Equal(t, "hybrid", s.Strategy())
	cds := s.Cooldowns()
	assert.Contains(t, cds, "a@x.com|cli|Gemini 3 Pro")
	assert.NotContains(t, cds, "a@x.com|cli|Gemini 3 Flash", "expired entries are dropped on load")
}

func TestPoolGaugesTrackStoreState(t *testing.T) {
	s, _ := newTestStore(t)
	s.Add(Account{Email: "a@x.com", RefreshToken: "rt"})
	s.Add(Account{Email: "b@x.com", RefreshToken: "rt"})

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.PoolAccounts))
	assert.Equal(t, 100.0, testutil.ToFloat64(metrics.AccountHealth.WithLabelValues("a@x.com")))

	s.MarkCooldown("a@x.com", "cli", "Gemini 3 Pro", "60s")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ActiveCooldowns))

	s.RecordOutcome("a@x.com", Outcome{Model: "gemini-3-pro", Pool: "cli", Status: 403})
	got, _ := s.Get("a@x.com")
	assert.Equal(t, got.HealthScore, testutil.ToFloat64(metrics.AccountHealth.WithLabelValues("a@x.com")))

	s.Remove("b@x.com")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PoolAccounts))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.AccountHealth.WithLabelValues("b@x.com")))

	s.ResetAllCooldowns()
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.ActiveCooldowns))
}

func TestEarliestReset(t *testing.T) {
	s, _ := newTestStore(t)
	soon := time.Now().Add(10 * time.Minute).UTC().Format(time.RFC3339)
	later := time.Now().Add(2 * time.Hour).UTC().Format(time.RFC3339)
	s.Add(Account{Email: "a@x.com", RefreshToken: "rt", Quota: []QuotaSnapshot{{GroupName: "Gemini 3 Pro", ResetTime: later}}})
	s.Add(Account{Email: "b@x.com", RefreshToken: "rt", Quota: []QuotaSnapshot{{GroupName: "Gemini 3 Pro", ResetTime: soon}}})

	got, ok := s.EarliestReset(config.PoolCLI)
	require.True(t, ok)
	want, _ := time.Parse(time.RFC3339, soon)
	assert.True(t, got.Equal(want))

	empty, _ := newTestStore(t)
	_, ok = empty.EarliestReset(config.PoolCLI)
	assert.False(t, ok)
}
