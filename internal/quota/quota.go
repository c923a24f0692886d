// Package quota polls the upstream model listing for per-family quota
// snapshots and maintains the cache of model ids the upstream advertises.
package quota

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/agpool/agpool/internal/account"
	"github.com/agpool/agpool/internal/upstream"
)

const fetchAvailableModelsURL = "https://cloudcode-pa.googleapis.com/v1internal:fetchAvailableModels"

// ModelCache is the set of model ids the upstream has advertised.
type ModelCache struct {
	mu     sync.Mutex
	models map[string]struct{}
}

func NewModelCache() *ModelCache {
	return &ModelCache{models: make(map[string]struct{})}
}

func (c *ModelCache) Add(ids ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		if id != "" {
			c.models[id] = struct{}{}
		}
	}
}

// List returns the cached ids sorted.
func (c *ModelCache) List() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.models))
	for id := range c.models {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Fetcher reads quota for single accounts and drives the periodic refresh of
// the whole pool.
type Fetcher struct {
	http      *http.Client
	url       string
	store     *account.Store
	refresher account.Refresher
	models    *ModelCache
	cfg       account.ConfigSource
	logger    *slog.Logger
	now       func() time.Time
}

func NewFetcher(client *http.Client, store *account.Store, refresher account.Refresher, models *ModelCache, cfg account.ConfigSource, logger *slog.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Fetcher{
		http:      client,
		url:       fetchAvailableModelsURL,
		store:     store,
		refresher: refresher,
		models:    models,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Run polls the whole pool on the configured interval after an initial delay.
func (f *Fetcher) Run(ctx context.Context) {
	cfg := f.cfg.Get().Quota
	select {
	case <-ctx.Done():
		return
	case <-time.After(cfg.InitialDelay()):
	}
	f.RefreshAll(ctx)

	ticker := time.NewTicker(cfg.RefreshInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.RefreshAll(ctx)
		}
	}
}

// RefreshAll fetches quota for every account that has a project. Failures
// are logged per account and never abort the sweep.
func (f *Fetcher) RefreshAll(ctx context.Context) {
	for _, acc := range f.store.Accounts() {
		if acc.ProjectID == "" {
			continue
		}
		snapshots, err := f.Fetch(ctx, acc)
		if err != nil {
			f.logger.Warn("quota fetch failed", "email", acc.Email, "error", err)
			continue
		}
		if len(snapshots) > 0 {
			f.store.SetQuota(acc.Email, snapshots, f.now())
		}
	}
}

// Fetch reads quota for one account, refreshing its token once on a 401.
func (f *Fetcher) Fetch(ctx context.Context, acc account.Account) ([]account.QuotaSnapshot, error) {
	if acc.ProjectID == "" || acc.AccessToken == "" {
		return nil, fmt.Errorf("account %s has no project or token", acc.Email)
	}
	if acc.Fingerprint == nil {
		fp := upstream.NewFingerprint(acc.Email)
		f.store.SetFingerprint(acc.Email, fp)
		acc.Fingerprint = &fp
	}

	body, status, err := f.post(ctx, acc)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		tok, err := f.refresher.Refresh(ctx, acc.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("quota token refresh: %w", err)
		}
		acc.AccessToken = tok.AccessToken
		body, status, err = f.post(ctx, acc)
		if err != nil {
			return nil, err
		}
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("quota fetch status %d", status)
	}

	snapshots, modelIDs := parseQuotaResponse(body, f.now())
	f.models.Add(modelIDs...)
	return snapshots, nil
}

func (f *Fetcher) post(ctx context.Context, acc account.Account) ([]byte, int, error) {
	payload, err := json.Marshal(map[string]string{"project": acc.ProjectID})
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, strings.NewReader(string(payload)))
	if err != nil {
		return nil, 0, err
	}
	req.Header = upstream.ImpersonationHeaders(acc.AccessToken, acc.Fingerprint, "")
	req.Header.Set("User-Agent", "antigravity")

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("quota request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("quota response read: %w", err)
	}
	return body, resp.StatusCode, nil
}

// Label substrings eligible for quota grouping. Everything else in the
// listing is tooling noise.
var allowedLabelPatterns = []string{"Claude", "Anthropic", "GPT", "Gemini", "chat", "tab_flash", "MODEL_PLACEHOLDER"}

type rawModel struct {
	DisplayName     string `json:"displayName"`
	DisplayMetadata struct {
		Label string `json:"label"`
	} `json:"displayMetadata"`
	Model struct {
		Name string `json:"name"`
	} `json:"model"`
	QuotaInfo      *rawQuotaInfo   `json:"quotaInfo"`
	QuotaResetTime json.RawMessage `json:"quotaResetTime"`
}

type rawQuotaInfo struct {
	RemainingFraction float64         `json:"remainingFraction"`
	LimitName         string          `json:"limitName"`
	QuotaLimit        string          `json:"quotaLimit"`
	QuotaUsage        string          `json:"quotaUsage"`
	QuotaResetTime    json.RawMessage `json:"quotaResetTime"`
	ResetTime         json.RawMessage `json:"resetTime"`
	NextResetTime     json.RawMessage `json:"nextResetTime"`
}

// parseQuotaResponse groups the model listing by limit name, merging labels
// that share a limit, and returns the snapshots plus advertised model ids.
func parseQuotaResponse(body []byte, now time.Time) ([]account.QuotaSnapshot, []string) {
	var listing struct {
		AvailableModels json.RawMessage `json:"availableModels"`
		Models          json.RawMessage `json:"models"`
	}
	if err := json.Unmarshal(body, &listing); err != nil {
		return nil, nil
	}
	raw := listing.AvailableModels
	if len(raw) == 0 {
		raw = listing.Models
	}

	// Both array and keyed-map listing shapes occur in the wild.
	entries := map[string]rawModel{}
	var asMap map[string]rawModel
	if err := json.Unmarshal(raw, &asMap); err == nil {
		entries = asMap
	} else {
		var asList []rawModel
		if err := json.Unmarshal(raw, &asList); err != nil {
			return nil, nil
		}
		for _, m := range asList {
			key := m.Model.Name
			if key == "" {
				key = m.DisplayName
			}
			entries[key] = m
		}
	}

	var modelIDs []string
	type group struct {
		snapshot account.QuotaSnapshot
		labels   []string
	}
	groups := map[string]*group{}

	for key, m := range entries {
		if m.QuotaInfo == nil {
			continue
		}
		label := m.DisplayMetadata.Label
		if label == "" {
			label = m.DisplayName
		}
		if label == "" {
			label = m.Model.Name
		}
		if label == "" || strings.EqualFold(label, "unknown") {
			continue
		}

		modelID := strings.TrimPrefix(key, "models/")
		if modelID != "" && !strings.Contains(modelID, " ") {
			modelIDs = append(modelIDs, modelID)
		} else {
			modelIDs = append(modelIDs, label)
		}

		allowed := false
		for _, p := range allowedLabelPatterns {
			if strings.Contains(label, p) {
				allowed = true
				break
			}
		}
		if !allowed {
			continue
		}

		limitName := m.QuotaInfo.LimitName
		if limitName == "" {
			limitName = label
		}

		if g, ok := groups[limitName]; ok {
			if !contains(g.labels, label) {
				g.labels = append(g.labels, label)
				sort.Strings(g.labels)
				g.snapshot.GroupName = strings.Join(g.labels, " / ")
			}
			continue
		}

		reset := resolveResetTime(m, now)
		snap := account.QuotaSnapshot{
			GroupName:         label,
			LimitName:         limitName,
			Limit:             orUnknown(m.QuotaInfo.QuotaLimit),
			Usage:             orUnknown(m.QuotaInfo.QuotaUsage),
			RemainingFraction: m.QuotaInfo.RemainingFraction,
			QuotaLeft:         fmt.Sprintf("%d%%", int(m.QuotaInfo.RemainingFraction*100+0.5)),
			ResetIn:           formatResetIn(reset.Sub(now)),
			ResetTime:         reset.UTC().Format(time.RFC3339),
		}
		groups[limitName] = &group{snapshot: snap, labels: []string{label}}
	}

	out := make([]account.QuotaSnapshot, 0, len(groups))
	for _, g := range groups {
		out = append(out, g.snapshot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupName < out[j].GroupName })
	return out, modelIDs
}

// resolveResetTime tries the many field spellings the listing has used, in
// RFC 3339, epoch, and relative-seconds forms, and falls back to the next
// Pacific midnight when nothing parses.
func resolveResetTime(m rawModel, now time.Time) time.Time {
	candidates := []json.RawMessage{
		m.QuotaInfo.QuotaResetTime,
		m.QuotaResetTime,
		m.QuotaInfo.ResetTime,
		m.QuotaInfo.NextResetTime,
	}
	for _, c := range candidates {
		if len(c) == 0 {
			continue
		}
		if t, ok := parseResetValue(c, now); ok {
			return t
		}
	}
	return nextMidnightPacific(now)
}

func parseResetValue(raw json.RawMessage, now time.Time) (time.Time, bool) {
	var num float64
	if err := json.Unmarshal(raw, &num); err == nil && num > 0 {
		// Second-resolution epochs are promoted to milliseconds.
		if num < 1e10 {
			num *= 1000
		}
		return time.UnixMilli(int64(num)), true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return time.Time{}, false
	}
	if strings.HasSuffix(s, "s") {
		if secs, err := strconv.Atoi(strings.TrimSuffix(s, "s")); err == nil {
			return now.Add(time.Duration(secs) * time.Second), true
		}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

func nextMidnightPacific(now time.Time) time.Time {
	loc, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		return now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	}
	pt := now.In(loc)
	midnight := time.Date(pt.Year(), pt.Month(), pt.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
	return midnight
}

func formatResetIn(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	hours := int(d / time.Hour)
	minutes := int(d%time.Hour) / int(time.Minute)
	return fmt.Sprintf("%dh %dm", hours, minutes)
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
