package account

import (
	"strings"
	"time"

	"github.com/agpool/agpool/internal/config"
)

// Priority computes the selection fitness of an account at a point in time.
// The base term is the health score weighted by the configured health factor;
// a smaller LRU term rewards accounts that have rested longest. When a
// per-(model,pool) score exists it overrides raw health; otherwise the
// average of same-family scores for the pool is used as a proxy. Pure read,
// always finite.
func Priority(a *Account, now time.Time, model, pool string, scoring config.ScoringConfig) float64 {
	secondsSinceUsed := float64(now.UnixMilli()-a.LastUsed) / 1000
	if secondsSinceUsed < 0 {
		secondsSinceUsed = 0
	}

	health := a.HealthScore
	if model != "" && pool != "" {
		if score, ok := modelScore(a, model, pool); ok {
			health = score
		}
	}

	return health*scoring.Weights.Health + secondsSinceUsed*scoring.Weights.LRU
}

// modelScore resolves the per-model score for ranking: an exact "model|pool"
// entry wins, else the mean of entries in the same family and pool.
func modelScore(a *Account, model, pool string) (float64, bool) {
	if a.ModelScores == nil {
		return 0, false
	}
	if score, ok := a.ModelScores[model+"|"+pool]; ok {
		return score, true
	}

	family := FamilyName(model)
	suffix := "|" + pool
	var sum float64
	var count int
	for key, val := range a.ModelScores {
		if !strings.HasSuffix(key, suffix) {
			continue
		}
		if FamilyName(strings.TrimSuffix(key, suffix)) == family {
			sum += val
			count++
		}
	}
	if count == 0 {
		return 0, false
	}
	return sum / float64(count), true
}

// clamp bounds a score to the configured health range.
func clamp(v float64, r config.HealthRange) float64 {
	if v < r.Min {
		return r.Min
	}
	if v > r.Max {
		return r.Max
	}
	return v
}
