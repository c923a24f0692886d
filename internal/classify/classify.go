// Package classify maps raw upstream error payloads to the small taxonomy
// that drives retry and failover decisions. Classification is pure parsing:
// it never fails, and unparsable bodies degrade to a generic unknown result.
package classify

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// Reasons produced by Classify.
const (
	ReasonUnknown              = "unknown_error"
	ReasonQuotaExhausted       = "quota_exhausted"
	ReasonValidationRequired   = "validation_required"
	ReasonSubscriptionRequired = "subscription_required"
	ReasonModelNotFound        = "model_not_found"
)

// Classification is the parsed verdict for one upstream error body.
type Classification struct {
	Reason            string
	Message           string
	AuthDenied        bool
	ChallengeRequired bool
	ModelUnsupported  bool
	QuotaExhausted    bool
	SuggestedStatus   int
	RetryAfterSeconds float64
	ChallengeURL      string
}

// upstreamError mirrors the upstream's structured error envelope. Fields we
// do not consume are omitted.
type upstreamError struct {
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type     string            `json:"@type"`
			Reason   string            `json:"reason"`
			Metadata map[string]string `json:"metadata"`
			ErrInfo  *struct {
				Reason string `json:"reason"`
			} `json:"errorInfo"`
			ValidationURL string `json:"validation_url"`
			RetryDelay    string `json:"retryDelay"`
		} `json:"details"`
	} `json:"error"`
}

var resetAfterRe = regexp.MustCompile(`reset after\s+([0-9.]+)s`)

// Classify parses an upstream error body. It never returns an error; bodies
// that are not JSON fall back to the unknown classification, with one
// free-text marker recognized for quota exhaustion.
func Classify(body []byte) Classification {
	c := Classification{
		Reason:          ReasonUnknown,
		SuggestedStatus: 500,
	}

	var parsed upstreamError
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Error == nil {
		// The upstream serves a plain-text block page when it suspects abuse.
		if strings.Contains(string(body), "automated queries") {
			c.Reason = ReasonQuotaExhausted
			c.QuotaExhausted = true
			c.SuggestedStatus = 429
		}
		return c
	}

	e := parsed.Error
	c.Message = e.Message

	if e.Status == "RESOURCE_EXHAUSTED" || strings.Contains(e.Message, "quota") {
		c.QuotaExhausted = true
		c.Reason = ReasonQuotaExhausted
		c.SuggestedStatus = 429
	}

	if strings.Contains(e.Message, "VALIDATION_REQUIRED") {
		c.ChallengeRequired = true
		c.AuthDenied = true
		c.Reason = ReasonValidationRequired
		c.SuggestedStatus = 403
	}

	if strings.Contains(e.Message, "Code Assist license") || strings.Contains(e.Message, "SUBSCRIPTION_REQUIRED") {
		c.ChallengeRequired = true
		c.AuthDenied = true
		c.Reason = ReasonSubscriptionRequired
		c.SuggestedStatus = 403
	}

	if e.Status == "NOT_FOUND" ||
		strings.Contains(e.Message, "not found") ||
		strings.Contains(e.Message, "not supported") {
		c.ModelUnsupported = true
		c.Reason = ReasonModelNotFound
		c.SuggestedStatus = 404
	}

	if e.Status == "PERMISSION_DENIED" {
		c.AuthDenied = true
		if c.SuggestedStatus == 500 {
			c.SuggestedStatus = 403
		}
	}

	for _, d := range e.Details {
		reason := d.Reason
		if reason == "" && d.ErrInfo != nil {
			reason = d.ErrInfo.Reason
		}
		switch reason {
		case "VALIDATION_REQUIRED":
			c.ChallengeRequired = true
			c.AuthDenied = true
			c.Reason = ReasonValidationRequired
			c.SuggestedStatus = 403
			if d.ValidationURL != "" {
				c.ChallengeURL = d.ValidationURL
			}
			if u, ok := d.Metadata["validation_url"]; ok {
				c.ChallengeURL = u
			}
		case "RATE_LIMIT_EXCEEDED":
			c.QuotaExhausted = true
			c.Reason = ReasonQuotaExhausted
			c.SuggestedStatus = 429
		}

		if d.RetryDelay != "" {
			if secs, ok := parseSeconds(d.RetryDelay); ok {
				c.RetryAfterSeconds = secs
			}
		}
		if delay, ok := d.Metadata["quotaResetDelay"]; ok {
			if secs, ok := parseSeconds(delay); ok {
				c.RetryAfterSeconds = secs
			}
		}
	}

	if c.RetryAfterSeconds == 0 {
		if m := resetAfterRe.FindStringSubmatch(e.Message); m != nil {
			if secs, err := strconv.ParseFloat(m[1], 64); err == nil {
				c.RetryAfterSeconds = secs
			}
		}
	}

	return c
}

// parseSeconds reads a decimal seconds value, tolerating a trailing unit
// suffix such as "3.5s".
func parseSeconds(s string) (float64, bool) {
	s = strings.TrimSuffix(strings.TrimSpace(s), "s")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}
