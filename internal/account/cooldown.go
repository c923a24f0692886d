package account

import (
	"regexp"
	"strconv"
	"time"
)

// maxBackoffShift caps the exponential backoff factor at 2^5.
const maxBackoffShift = 5

var durationHintRe = regexp.MustCompile(`^(\d+)([smh])$`)

// ParseHint converts an upstream retry hint to a duration. Supported forms
// are duration literals ("30s", "5m", "1h") and bare integer seconds ("90").
// Unparsable hints fall back to the given default.
func ParseHint(hint string, fallback time.Duration) time.Duration {
	if m := durationHintRe.FindStringSubmatch(hint); m != nil {
		n, _ := strconv.ParseInt(m[1], 10, 64)
		switch m[2] {
		case "s":
			return time.Duration(n) * time.Second
		case "m":
			return time.Duration(n) * time.Minute
		case "h":
			return time.Duration(n) * time.Hour
		}
	}
	if n, err := strconv.ParseInt(hint, 10, 64); err == nil && n >= 0 {
		return time.Duration(n) * time.Second
	}
	return fallback
}

// backoffDuration scales a base cooldown by 2^min(consecutiveFailures, 5),
// capped at max. The result is monotonically non-decreasing in the failure
// count for any fixed base.
func backoffDuration(base time.Duration, consecutiveFailures int, max time.Duration) time.Duration {
	shift := consecutiveFailures
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	if shift < 0 {
		shift = 0
	}
	d := base << shift
	if d > max || d < base { // d < base guards shift overflow
		return max
	}
	return d
}

// cooldownIndex is the fast lookup structure for active cooldowns. It is not
// safe for concurrent use on its own; the Store's lock guards it together
// with the authoritative per-account copies.
type cooldownIndex map[Key]time.Time

// active reports whether the key has an unexpired cooldown.
func (i cooldownIndex) active(k Key, now time.Time) bool {
	expiry, ok := i[k]
	return ok && expiry.After(now)
}

// remaining returns the time until expiry, or zero when no cooldown is live.
func (i cooldownIndex) remaining(k Key, now time.Time) time.Duration {
	expiry, ok := i[k]
	if !ok || !expiry.After(now) {
		return 0
	}
	return expiry.Sub(now)
}

// snapshot copies the index into the wire format used by the dashboard:
// "email|pool|family" -> unix milliseconds.
func (i cooldownIndex) snapshot() map[string]int64 {
	out := make(map[string]int64, len(i))
	for k, expiry := range i {
		out[k.Email+"|"+k.Pool+"|"+k.Family] = expiry.UnixMilli()
	}
	return out
}

// sweep drops expired entries. Called opportunistically under the store lock.
func (i cooldownIndex) sweep(now time.Time) {
	for k, expiry := range i {
		if !expiry.After(now) {
			delete(i, k)
		}
	}
}
