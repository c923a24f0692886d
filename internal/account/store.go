package account

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/agpool/agpool/internal/config"
	"github.com/agpool/agpool/internal/events"
	"github.com/agpool/agpool/internal/metrics"
)

// Persister is the external durability collaborator. Saves are
// fire-and-forget: the store never treats persistence as a transactional
// boundary.
type Persister interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, state State) error
}

// State is the persisted shape of the pool.
type State struct {
	Accounts []*Account `json:"accounts"`
	Strategy string     `json:"strategy,omitempty"`
}

// ConfigSource yields the current configuration. Satisfied by
// *config.Manager.
type ConfigSource interface {
	Get() *config.Config
}

// ErrAccountNotFound is returned by operations addressing an unknown email.
var ErrAccountNotFound = errors.New("account not found")

// challengeQuarantine is how long a challenge-flagged key stays cooled down.
const challengeQuarantine = time.Hour

// historyLimit bounds the per-account outcome ring.
const historyLimit = 50

// stickyTTL bounds how long a client keeps affinity to an account without
// traffic. Bindings are rebuilt from traffic, so expiry is harmless.
const stickyTTL = 2 * time.Hour

// Store owns every account record, the cooldown index, and the sticky
// bindings. All mutation entry points are serialized behind one lock; the
// modest pool size (tens of accounts) makes finer granularity unnecessary.
type Store struct {
	mu        sync.Mutex
	accounts  []*Account
	strategy  string
	cooldowns cooldownIndex

	sticky    *gocache.Cache
	bus       *events.Bus
	cfg       ConfigSource
	persister Persister
	logger    *slog.Logger
	saveCh    chan struct{}
	now       func() time.Time
}

// NewStore creates a store. Call Load before serving and Run to start the
// background saver.
func NewStore(cfg ConfigSource, persister Persister, bus *events.Bus, logger *slog.Logger) *Store {
	return &Store{
		cooldowns: make(cooldownIndex),
		sticky:    gocache.New(stickyTTL, 10*time.Minute),
		bus:       bus,
		cfg:       cfg,
		persister: persister,
		logger:    logger,
		saveCh:    make(chan struct{}, 1),
		now:       time.Now,
	}
}

// Load reads persisted accounts and rebuilds the cooldown index from the
// per-account mirrors, dropping entries that expired while down.
func (s *Store) Load(ctx context.Context) error {
	state, err := s.persister.Load(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.accounts = state.Accounts
	s.strategy = state.Strategy
	if s.strategy == "" {
		s.strategy = s.cfg.Get().Rotation.Strategy
	}

	now := s.now()
	for _, a := range s.accounts {
		for poolFamily, expiryMs := range a.Cooldowns {
			expiry := time.UnixMilli(expiryMs)
			if !expiry.After(now) {
				delete(a.Cooldowns, poolFamily)
				continue
			}
			if k, ok := splitPoolFamily(a.Email, poolFamily); ok {
				s.cooldowns[k] = expiry
			}
		}
	}

	s.logger.Info("account pool loaded", "accounts", len(s.accounts), "strategy", s.strategy)
	return nil
}

// Run drives the coalescing saver until the context is cancelled. Mutations
// signal saveCh; multiple signals between persists collapse into one write.
func (s *Store) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.saveCh:
			state := s.snapshotState()
			if err := s.persister.Save(ctx, state); err != nil {
				s.logger.Error("account persistence failed", "error", err)
			}
		}
	}
}

func (s *Store) requestSave() {
	select {
	case s.saveCh <- struct{}{}:
	default:
	}
}

func (s *Store) snapshotState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	accounts := make([]*Account, len(s.accounts))
	for i, a := range s.accounts {
		clone := a.Clone()
		accounts[i] = &clone
	}
	return State{Accounts: accounts, Strategy: s.strategy}
}

// emitUpdate publishes the full pool snapshot for dashboard consumers.
// Called without the lock held.
func (s *Store) emitUpdate() {
	accounts := s.Accounts()
	metrics.PoolAccounts.Set(float64(len(accounts)))
	metrics.AccountHealth.Reset()
	for _, a := range accounts {
		metrics.AccountHealth.WithLabelValues(a.Email).Set(a.HealthScore)
	}
	s.bus.Publish(events.Event{Type: events.TypeUpdate, Data: map[string]any{
		"accounts": accounts,
		"strategy": s.Strategy(),
	}})
}

func (s *Store) emitCooldown() {
	cooldowns := s.Cooldowns()
	metrics.ActiveCooldowns.Set(float64(len(cooldowns)))
	s.bus.Publish(events.Event{Type: events.TypeCooldown, Data: map[string]any{
		"cooldowns": cooldowns,
	}})
}

// Flash publishes a transient per-account success/error indicator.
func (s *Store) Flash(email, status string) {
	s.bus.Publish(events.Event{Type: events.TypeFlash, Data: map[string]any{
		"email":  email,
		"status": status,
	}})
}

// Accounts returns deep copies of every record.
func (s *Store) Accounts() []Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Account, len(s.accounts))
	for i, a := range s.accounts {
		out[i] = a.Clone()
	}
	return out
}

// Get returns a copy of one account.
func (s *Store) Get(email string) (Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a := s.find(email); a != nil {
		return a.Clone(), true
	}
	return Account{}, false
}

// Len returns the pool size.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accounts)
}

// Strategy returns the active selection strategy label.
func (s *Store) Strategy() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.strategy
}

// SetStrategy updates and persists the strategy label.
func (s *Store) SetStrategy(strategy string) {
	s.mu.Lock()
	s.strategy = strategy
	s.mu.Unlock()
	s.requestSave()
	s.emitUpdate()
}

// Add inserts a new account or merges over an existing record with the same
// email (re-login refreshes credentials in place).
func (s *Store) Add(acc Account) {
	s.mu.Lock()
	if acc.HealthScore == 0 {
		acc.HealthScore = s.cfg.Get().Scoring.HealthRange.Initial
	}
	if existing := s.find(acc.Email); existing != nil {
		existing.RefreshToken = acc.RefreshToken
		existing.AccessToken = acc.AccessToken
		existing.ExpiresAt = acc.ExpiresAt
		if acc.ProjectID != "" {
			existing.ProjectID = acc.ProjectID
		}
		if len(acc.Quota) > 0 {
			existing.Quota = acc.Quota
		}
	} else {
		clone := acc.Clone()
		s.accounts = append(s.accounts, &clone)
	}
	s.mu.Unlock()
	s.requestSave()
	s.emitUpdate()
}

// Remove deletes an account by email.
func (s *Store) Remove(email string) {
	s.mu.Lock()
	kept := s.accounts[:0]
	for _, a := range s.accounts {
		if a.Email != email {
			kept = append(kept, a)
		}
	}
	s.accounts = kept
	for k := range s.cooldowns {
		if k.Email == email {
			delete(s.cooldowns, k)
		}
	}
	s.mu.Unlock()
	s.requestSave()
	s.emitUpdate()
}

// MarkCooldown applies a cooldown for (email, pool, family). The base
// duration comes from the upstream hint when parseable, otherwise from
// configuration; it is scaled by the exponential backoff factor and capped.
// A hint of zero seconds is a no-op. An existing later expiry is kept.
// Returns the expiry that is now in force, or the zero time for a no-op.
func (s *Store) MarkCooldown(email, pool, family, hint string) time.Time {
	cfg := s.cfg.Get().Rotation.Cooldown
	base := cfg.DefaultDuration()
	if hint != "" {
		base = ParseHint(hint, base)
		if base == 0 {
			return time.Time{}
		}
	}

	s.mu.Lock()
	now := s.now()
	k := Key{Email: email, Pool: pool, Family: family}
	consecutive := 0
	a := s.find(email)
	if a != nil {
		consecutive = a.ConsecutiveFailures
	}
	expiry := now.Add(backoffDuration(base, consecutive, cfg.MaxDuration()))
	if prev, ok := s.cooldowns[k]; ok && prev.After(expiry) {
		expiry = prev
	}
	s.cooldowns[k] = expiry
	if a != nil {
		if a.Cooldowns == nil {
			a.Cooldowns = make(map[string]int64)
		}
		a.Cooldowns[k.PoolFamily()] = expiry.UnixMilli()
		a.ConsecutiveFailures++
	}
	s.cooldowns.sweep(now)
	s.mu.Unlock()

	s.requestSave()
	s.emitCooldown()
	return expiry
}

// ClearCooldown removes the cooldown for (email, pool, family) and resets
// the account's consecutive-failure counter. Clearing an absent entry is a
// no-op, so the operation is idempotent.
func (s *Store) ClearCooldown(email, pool, family string) {
	k := Key{Email: email, Pool: pool, Family: family}

	s.mu.Lock()
	_, existed := s.cooldowns[k]
	if existed {
		delete(s.cooldowns, k)
		if a := s.find(email); a != nil {
			delete(a.Cooldowns, k.PoolFamily())
			a.ConsecutiveFailures = 0
		}
	}
	s.mu.Unlock()

	if existed {
		s.requestSave()
		s.emitCooldown()
	}
}

// ResetAllCooldowns clears every cooldown and failure counter.
func (s *Store) ResetAllCooldowns() {
	s.mu.Lock()
	s.cooldowns = make(cooldownIndex)
	for _, a := range s.accounts {
		a.Cooldowns = nil
		a.ConsecutiveFailures = 0
	}
	s.mu.Unlock()
	s.requestSave()
	s.emitCooldown()
}

// FlagChallenge quarantines (email, pool, family) for a fixed long duration
// and records the challenge so the account stays out of selection until an
// operator clears it.
func (s *Store) FlagChallenge(email, pool, family string, ch Challenge) {
	s.mu.Lock()
	a := s.find(email)
	if a == nil {
		s.mu.Unlock()
		return
	}
	now := s.now()
	k := Key{Email: email, Pool: pool, Family: family}
	expiry := now.Add(challengeQuarantine)
	s.cooldowns[k] = expiry
	if a.Cooldowns == nil {
		a.Cooldowns = make(map[string]int64)
	}
	a.Cooldowns[k.PoolFamily()] = expiry.UnixMilli()
	ch.DetectedAt = now.UnixMilli()
	a.Challenge = &ch
	s.mu.Unlock()

	s.requestSave()
	s.emitCooldown()
	s.emitUpdate()
}

// FlagModelUnsupported records that the upstream rejected a model for this
// account, removing it from selection for that model only.
func (s *Store) FlagModelUnsupported(email, model string) {
	s.mu.Lock()
	a := s.find(email)
	if a == nil {
		s.mu.Unlock()
		return
	}
	if a.Capabilities == nil {
		a.Capabilities = make(map[string]bool)
	}
	a.Capabilities[model] = false
	s.mu.Unlock()
	s.requestSave()
	s.emitUpdate()
}

// Outcome describes one dispatch result for RecordOutcome.
type Outcome struct {
	Success  bool
	Model    string
	Pool     string
	ClientID string
	Status   int
}

// RecordOutcome applies the health model for one dispatch. On success it
// binds the client sticky, clears the relevant cooldown, and applies the
// success reward; on failure it applies the penalty for the failure class.
// Health and per-model scores are clamped to the configured range.
func (s *Store) RecordOutcome(email string, o Outcome) {
	cfg := s.cfg.Get().Scoring

	if o.Success && o.ClientID != "" {
		s.sticky.Set(o.ClientID, email, gocache.DefaultExpiration)
	}
	if o.Success && o.Pool != "" && o.Model != "" {
		s.ClearCooldown(email, o.Pool, FamilyName(o.Model))
	}

	s.mu.Lock()
	a := s.find(email)
	if a == nil {
		s.mu.Unlock()
		return
	}
	now := s.now()
	a.LastUsed = now.UnixMilli()

	delta := cfg.Rewards.Success
	status := "success"
	if !o.Success {
		status = "error"
		if o.Status == 403 {
			delta = cfg.Penalties.FatalError
		} else {
			delta = cfg.Penalties.APIError
		}
	}
	a.HealthScore = clamp(a.HealthScore+delta, cfg.HealthRange)

	if o.Model != "" && o.Pool != "" {
		if a.ModelScores == nil {
			a.ModelScores = make(map[string]float64)
		}
		key := o.Model + "|" + o.Pool
		prev, ok := a.ModelScores[key]
		if !ok {
			prev = cfg.HealthRange.Max
		}
		a.ModelScores[key] = clamp(prev+delta, cfg.HealthRange)
	}

	a.History = append(a.History, HistoryEntry{Timestamp: now.UnixMilli(), Status: status})
	if len(a.History) > historyLimit {
		a.History = a.History[len(a.History)-historyLimit:]
	}
	s.mu.Unlock()

	s.requestSave()
	s.Flash(email, status)
	s.emitUpdate()
}

// Penalize applies an out-of-band health delta, clamped. Used for local
// failures that never reached the upstream (dispatch timeout, refresh error).
func (s *Store) Penalize(email string, delta float64) {
	cfg := s.cfg.Get().Scoring
	s.mu.Lock()
	if a := s.find(email); a != nil {
		a.HealthScore = clamp(a.HealthScore+delta, cfg.HealthRange)
	}
	s.mu.Unlock()
	s.requestSave()
}

// ResetAccount restores an account to its initial state: full health, no
// cooldowns, scores, history, or challenge.
func (s *Store) ResetAccount(email string) error {
	s.mu.Lock()
	a := s.find(email)
	if a == nil {
		s.mu.Unlock()
		return ErrAccountNotFound
	}
	a.HealthScore = s.cfg.Get().Scoring.HealthRange.Initial
	a.ConsecutiveFailures = 0
	a.Cooldowns = nil
	a.ModelScores = nil
	a.History = nil
	a.Quota = nil
	a.Challenge = nil
	for k := range s.cooldowns {
		if k.Email == email {
			delete(s.cooldowns, k)
		}
	}
	s.mu.Unlock()

	s.requestSave()
	s.emitCooldown()
	s.emitUpdate()
	return nil
}

// UpdateProject sets the upstream project identifier for an account.
func (s *Store) UpdateProject(email, projectID string) error {
	s.mu.Lock()
	a := s.find(email)
	if a == nil {
		s.mu.Unlock()
		return ErrAccountNotFound
	}
	a.ProjectID = projectID
	a.ManagedProjectID = projectID
	s.mu.Unlock()
	s.requestSave()
	s.emitUpdate()
	return nil
}

// SetQuota replaces an account's cached quota snapshot.
func (s *Store) SetQuota(email string, quota []QuotaSnapshot, fetchedAt time.Time) {
	s.mu.Lock()
	if a := s.find(email); a != nil {
		a.Quota = quota
		a.QuotaUpdatedAt = fetchedAt.UnixMilli()
	}
	s.mu.Unlock()
	s.requestSave()
	s.emitUpdate()
}

// SetFingerprint stores a device fingerprint for an account.
func (s *Store) SetFingerprint(email string, fp Fingerprint) {
	s.mu.Lock()
	if a := s.find(email); a != nil {
		a.Fingerprint = &fp
	}
	s.mu.Unlock()
	s.requestSave()
}

// Cooldowns returns the live cooldown index in wire format.
func (s *Store) Cooldowns() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldowns.sweep(s.now())
	return s.cooldowns.snapshot()
}

// CooldownRemaining reports how long the key stays cooled down.
func (s *Store) CooldownRemaining(k Key) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cooldowns.remaining(k, s.now())
}

// StickyFor returns the account last bound to a client, if any.
func (s *Store) StickyFor(clientID string) (string, bool) {
	if clientID == "" {
		return "", false
	}
	v, ok := s.sticky.Get(clientID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// EarliestReset returns the soonest known quota reset across accounts that
// have both a refresh credential and a quota snapshot. Quota snapshots are
// account-level, so the pool argument only scopes the answer nominally.
func (s *Store) EarliestReset(pool string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var earliest time.Time
	for _, a := range s.accounts {
		if a.RefreshToken == "" || len(a.Quota) == 0 {
			continue
		}
		for _, q := range a.Quota {
			if q.ResetTime == "" {
				continue
			}
			t, err := time.Parse(time.RFC3339, q.ResetTime)
			if err != nil {
				continue
			}
			if earliest.IsZero() || t.Before(earliest) {
				earliest = t
			}
		}
	}
	return earliest, !earliest.IsZero()
}

// applyToken writes refreshed credentials onto the live record.
func (s *Store) applyToken(email string, tok Token, projectID string) {
	s.mu.Lock()
	if a := s.find(email); a != nil {
		a.AccessToken = tok.AccessToken
		a.ExpiresAt = s.now().Add(time.Duration(tok.ExpiresInSeconds) * time.Second).UnixMilli()
		if projectID != "" && a.ProjectID == "" {
			a.ProjectID = projectID
		}
	}
	s.mu.Unlock()
	s.requestSave()
}

// find returns the live record for an email. Callers must hold the lock.
func (s *Store) find(email string) *Account {
	for _, a := range s.accounts {
		if a.Email == email {
			return a
		}
	}
	return nil
}

// sortByExpiry orders keys' accounts by soonest cooldown expiry. Callers
// must hold the lock.
func (s *Store) sortByExpiry(candidates []*Account, pool, family string) {
	sort.SliceStable(candidates, func(i, j int) bool {
		ei := s.cooldowns[Key{Email: candidates[i].Email, Pool: pool, Family: family}]
		ej := s.cooldowns[Key{Email: candidates[j].Email, Pool: pool, Family: family}]
		return ei.Before(ej)
	})
}

func splitPoolFamily(email, poolFamily string) (Key, bool) {
	for i := 0; i < len(poolFamily); i++ {
		if poolFamily[i] == '|' {
			return Key{Email: email, Pool: poolFamily[:i], Family: poolFamily[i+1:]}, true
		}
	}
	return Key{}, false
}
