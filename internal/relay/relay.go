// Package relay implements the retry/failover orchestrator: the per-request
// loop that selects an account, dispatches upstream, classifies failures,
// and decides whether to retry, rotate, penalize, or give up.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/agpool/agpool/internal/account"
	"github.com/agpool/agpool/internal/classify"
	"github.com/agpool/agpool/internal/config"
	"github.com/agpool/agpool/internal/metrics"
	"github.com/agpool/agpool/internal/streaming"
	"github.com/agpool/agpool/internal/upstream"
)

// systemicAbortThreshold is how many 5xx-class responses the loop tolerates
// before concluding the outage is upstream-wide and aborting.
const systemicAbortThreshold = 2

// backoffStep and backoffCap bound the inter-attempt delay.
const (
	backoffStep = 500 * time.Millisecond
	backoffCap  = 3 * time.Second
)

// softEmptyCooldown is the short cooldown applied when an account returns an
// empty successful-looking response.
const softEmptyCooldown = "30s"

// Request is one inbound relay job.
type Request struct {
	Body      []byte
	Model     string
	Stream    bool
	ClientID  string
	RequestID string
	SessionID string
}

// Result is a successful relay. Streaming requests carry Body and Cancel;
// non-streaming ones carry the aggregated Completion.
type Result struct {
	Attempts int
	Pool     string
	Email    string

	Body       *streaming.Collected
	Completion []byte

	Stream io.ReadCloser
	Cancel context.CancelFunc
}

// Attempt is one trail entry of a failed relay.
type Attempt struct {
	Email  string `json:"email"`
	Status int    `json:"status"`
	Reason string `json:"reason"`
}

// ExhaustedError means every attempt failed or no account could serve.
type ExhaustedError struct {
	Attempts      []Attempt
	AttemptCount  int
	EarliestReset time.Time
}

func (e *ExhaustedError) Error() string {
	msg := "all accounts failed or are exhausted for this model"
	if !e.EarliestReset.IsZero() {
		msg += ", next reset at " + e.EarliestReset.UTC().Format(time.RFC3339)
	}
	return msg
}

// HTTPStatusCode implements the status-bearing error contract.
func (e *ExhaustedError) HTTPStatusCode() int { return 429 }

// DeniedError is a permanent denial surfaced directly to the caller instead
// of being retried across accounts.
type DeniedError struct {
	Status   int
	Reason   string
	Attempts int
}

func (e *DeniedError) Error() string {
	return "access denied: " + e.Reason
}

func (e *DeniedError) HTTPStatusCode() int { return e.Status }

// Orchestrator wires the store, dispatcher, and translator into the retry
// loop.
type Orchestrator struct {
	store      *account.Store
	dispatcher *upstream.Dispatcher
	translator upstream.Translator
	refresher  account.Refresher
	cfg        account.ConfigSource
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewOrchestrator(store *account.Store, dispatcher *upstream.Dispatcher, translator upstream.Translator, refresher account.Refresher, cfg account.ConfigSource, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:      store,
		dispatcher: dispatcher,
		translator: translator,
		refresher:  refresher,
		cfg:        cfg,
		logger:     logger,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// routePool picks the first-attempt pool for a model. The second return
// pins the request to the sandbox pool for the whole loop.
func routePool(model string, r config.ModelRouting) (string, bool) {
	lower := strings.ToLower(model)
	for _, k := range r.ForceToSandbox {
		if strings.Contains(lower, k) {
			return config.PoolSandbox, true
		}
	}
	for _, k := range r.SandboxKeywords {
		if strings.Contains(lower, k) {
			return config.PoolSandbox, false
		}
	}
	for _, k := range r.CLIKeywords {
		if strings.Contains(lower, k) {
			return config.PoolCLI, false
		}
	}
	return config.PoolSandbox, false
}

func flip(pool string) string {
	if pool == config.PoolCLI {
		return config.PoolSandbox
	}
	return config.PoolCLI
}

// isClaudeClass reports whether the model belongs to the class pinned to the
// last cli endpoint and the editor header set.
func isClaudeClass(model string) bool {
	lower := strings.ToLower(model)
	return strings.Contains(lower, "claude") || strings.Contains(lower, "anthropic")
}

// Relay runs the full retry loop for one request.
func (o *Orchestrator) Relay(ctx context.Context, req Request) (*Result, error) {
	cfg := o.cfg.Get()
	family := account.FamilyName(req.Model)
	pool, pinned := routePool(req.Model, cfg.Models.Routing)

	maxAttempts := cfg.Retry.MaxAttempts
	if n := o.store.Len(); n > maxAttempts {
		maxAttempts = n
	}

	var (
		attempts       int
		aggressive     bool
		lastStatus     int
		systemicErrors int
		tried          []string
		trail          []Attempt
		transientHits  = map[string]int{}
	)

	for attempts < maxAttempts {
		attempts++

		if attempts > 1 {
			delay := time.Duration(attempts) * backoffStep
			if delay > backoffCap {
				delay = backoffCap
			}
			if err := o.sleep(ctx, delay); err != nil {
				return nil, err
			}
			// Capacity-class failures retry the same pool on the next
			// endpoint instead of flipping.
			if !pinned && lastStatus != 503 {
				pool = flip(pool)
				o.logger.Info("switching pool", "pool", pool, "attempt", attempts)
			}
		}

		acc, err := o.selectAccount(ctx, pool, req, tried, &pinned)
		if err != nil {
			var nre *account.NotReadyError
			if errors.As(err, &nre) {
				tried = append(tried, nre.Email)
				trail = append(trail, Attempt{Email: nre.Email, Status: 0, Reason: "refresh_failed"})
				continue
			}
			if errors.Is(err, account.ErrNoAccount) {
				metrics.Selections.WithLabelValues(pool, "none").Inc()
				if attempts < maxAttempts {
					// Both pools exhausted for this pass. Clear exclusions
					// and let cooldown expiry or rescue give a second wind.
					tried = tried[:0]
					continue
				}
				break
			}
			return nil, err
		}
		pool = acc.pool
		metrics.Selections.WithLabelValues(pool, "ok").Inc()

		endpoints := cfg.Endpoints.ForPool(pool)
		if len(endpoints) == 0 {
			return nil, fmt.Errorf("no endpoints configured for pool %s", pool)
		}
		endpointIdx := attempts - 1
		if endpointIdx > len(endpoints)-1 {
			endpointIdx = len(endpoints) - 1
		}
		if pool == config.PoolCLI && isClaudeClass(req.Model) {
			endpointIdx = len(endpoints) - 1
		}
		endpoint := endpoints[endpointIdx]

		if lastStatus != 503 {
			tried = append(tried, acc.Email)
		}

		if acc.Fingerprint == nil {
			fp := upstream.NewFingerprint(acc.Email)
			o.store.SetFingerprint(acc.Email, fp)
			acc.Fingerprint = &fp
		}

		body, err := o.translator.ToUpstream(req.Body, upstream.Request{
			Model:      req.Model,
			ProjectID:  acc.ProjectID,
			SessionID:  req.SessionID,
			Pool:       pool,
			Aggressive: aggressive,
		})
		if err != nil {
			// The client body itself is unusable; retrying cannot help.
			return nil, fmt.Errorf("prepare upstream request: %w", err)
		}

		resolved := upstream.ResolveModel(req.Model, pool)
		var headers = upstream.ImpersonationHeaders(acc.AccessToken, acc.Fingerprint, resolved)
		if pool == config.PoolCLI && !isClaudeClass(resolved) {
			headers = upstream.CLIHeaders(acc.AccessToken, acc.Fingerprint)
		}

		if cfg.Features.JitterEnabled {
			span := cfg.Features.JitterMaxMs - cfg.Features.JitterMinMs
			jitter := time.Duration(cfg.Features.JitterMinMs) * time.Millisecond
			if span > 0 {
				jitter += time.Duration(rand.Int63n(span)) * time.Millisecond
			}
			if err := o.sleep(ctx, jitter); err != nil {
				return nil, err
			}
		}

		timeout := cfg.Models.TimeoutFor(req.Model)
		o.logger.Info("dispatching",
			"model", req.Model, "target", resolved, "email", acc.Email,
			"pool", pool, "attempt", attempts, "max_attempts", maxAttempts,
			"endpoint", endpoint)

		started := time.Now()
		res, err := o.dispatcher.Do(ctx, endpoint, headers, body, timeout)
		if err != nil {
			metrics.UpstreamLatency.WithLabelValues(pool, "error").Observe(time.Since(started).Seconds())
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			reason := "network_error"
			if errors.Is(err, context.DeadlineExceeded) {
				reason = "timeout"
				o.store.Penalize(acc.Email, cfg.Scoring.Penalties.Timeout)
				o.logger.Warn("dispatch timeout", "email", acc.Email, "timeout", timeout)
			} else {
				o.logger.Warn("dispatch failed", "email", acc.Email, "error", err)
			}
			o.store.RecordOutcome(acc.Email, account.Outcome{Model: req.Model, Pool: pool, ClientID: req.ClientID, Status: 500})
			trail = append(trail, Attempt{Email: acc.Email, Status: 500, Reason: reason})
			continue
		}
		metrics.UpstreamLatency.WithLabelValues(pool, strconv.Itoa(res.Status)).Observe(time.Since(started).Seconds())

		if res.Status >= 300 {
			lastStatus = res.Status
			cls := classify.Classify(res.ErrorBody)
			o.store.Flash(acc.Email, "error")
			trail = append(trail, Attempt{Email: acc.Email, Status: res.Status, Reason: cls.Reason})
			o.logger.Warn("upstream error",
				"email", acc.Email, "status", res.Status, "reason", cls.Reason, "pool", pool)

			outcome, retErr := o.handleFailure(req, acc.Email, pool, family, res.Status, cls, &aggressive, &attempts, &systemicErrors, transientHits)
			if retErr != nil {
				retErr.Attempts = attempts
				metrics.RelayRequests.WithLabelValues(pool, "denied").Inc()
				return nil, retErr
			}
			if outcome == failureAbort {
				break
			}
			if outcome == failureSameAccount {
				// The request shape was at fault, not the account. Keep it
				// eligible for the immediate re-dispatch.
				tried = removeString(tried, acc.Email)
			}
			continue
		}

		result, retry := o.finish(ctx, req, acc.Email, pool, family, attempts, res)
		if retry {
			lastStatus = 0
			continue
		}
		metrics.RelayRequests.WithLabelValues(pool, "ok").Inc()
		metrics.RelayAttempts.Observe(float64(attempts))
		return result, nil
	}

	earliest, _ := o.store.EarliestReset(pool)
	metrics.RelayRequests.WithLabelValues(pool, "exhausted").Inc()
	return nil, &ExhaustedError{Attempts: trail, AttemptCount: attempts, EarliestReset: earliest}
}

type selected struct {
	account.Account
	pool string
}

// selectAccount runs the pool-preference ladder: the intended pool, then
// the other pool opportunistically, then the intended pool in rescue mode.
func (o *Orchestrator) selectAccount(ctx context.Context, pool string, req Request, tried []string, pinned *bool) (selected, error) {
	opts := account.SelectOptions{
		Pool:     pool,
		Model:    req.Model,
		ClientID: req.ClientID,
		Exclude:  tried,
	}
	acc, err := o.store.Select(ctx, o.refresher, opts)
	if err == nil {
		return selected{Account: acc, pool: pool}, nil
	}
	if !errors.Is(err, account.ErrNoAccount) {
		return selected{}, err
	}

	if !*pinned {
		other := flip(pool)
		otherOpts := opts
		otherOpts.Pool = other
		if acc, otherErr := o.store.Select(ctx, o.refresher, otherOpts); otherErr == nil {
			o.logger.Info("no ready accounts, using other pool", "pool", other)
			return selected{Account: acc, pool: other}, nil
		}
	}

	opts.AllowRescue = true
	acc, err = o.store.Select(ctx, o.refresher, opts)
	if err != nil {
		return selected{}, err
	}
	return selected{Account: acc, pool: pool}, nil
}

type failureOutcome int

const (
	failureRetry failureOutcome = iota
	failureRotated
	failureSameAccount
	failureAbort
)

// handleFailure applies the classification-driven side effects for one
// failed attempt and decides how the loop proceeds. A non-nil returned
// error terminates the relay immediately.
func (o *Orchestrator) handleFailure(req Request, email, pool, family string, status int, cls classify.Classification, aggressive *bool, attempts, systemicErrors *int, transientHits map[string]int) (failureOutcome, *DeniedError) {
	cfg := o.cfg.Get()

	if status == 403 || status == 404 {
		if cls.ChallengeRequired {
			url := cls.ChallengeURL
			if url == "" {
				url = "https://cloud.google.com/gemini/docs/codeassist/request-license"
			}
			o.store.FlagChallenge(email, pool, family, account.Challenge{
				Type:    "CAPTCHA",
				URL:     url,
				Reason:  cls.Reason,
				Message: cls.Message,
			})
			return failureRetry, nil
		}
		if cls.ModelUnsupported {
			o.store.FlagModelUnsupported(email, req.Model)
		}
		o.store.RecordOutcome(email, account.Outcome{Model: req.Model, Pool: pool, ClientID: req.ClientID, Status: status})
		return failureAbort, &DeniedError{Status: status, Reason: cls.Reason}
	}

	if status == 500 || status == 503 {
		*systemicErrors++
		if *systemicErrors > systemicAbortThreshold {
			o.logger.Error("systemic upstream outage detected", "errors", *systemicErrors)
			return failureAbort, nil
		}
	}

	if status == 429 && cls.RetryAfterSeconds > 0 &&
		cls.RetryAfterSeconds <= float64(cfg.Retry.TransientRetryThresholdSeconds) {
		// A short reset hint means a burst limiter, not quota exhaustion.
		// Rotate without a cooldown, escalating only when it repeats.
		transientHits[email]++
		if transientHits[email] >= 2 {
			o.store.RecordOutcome(email, account.Outcome{Model: req.Model, Pool: pool, ClientID: req.ClientID, Status: 429})
		}
		o.logger.Info("transient rate limit, rotating", "email", email, "reset_seconds", cls.RetryAfterSeconds)
		return failureRotated, nil
	}

	if status == 400 && !*aggressive && looksLikeSchemaError(cls.Message) {
		o.logger.Info("tool schema rejected, retrying with aggressive sanitization", "email", email)
		*aggressive = true
		*attempts--
		return failureSameAccount, nil
	}
	*aggressive = false

	o.store.RecordOutcome(email, account.Outcome{Model: req.Model, Pool: pool, ClientID: req.ClientID, Status: status})

	if status == 429 {
		hint := ""
		if cls.RetryAfterSeconds > 0 {
			hint = strconv.Itoa(int(cls.RetryAfterSeconds)) + "s"
		}
		o.store.MarkCooldown(email, pool, family, hint)
		metrics.CooldownsMarked.WithLabelValues(pool, family).Inc()
	}
	return failureRetry, nil
}

func looksLikeSchemaError(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "tool schema") ||
		strings.Contains(lower, "invalid json payload") ||
		strings.Contains(lower, "function_declarations")
}

// finish completes a successful exchange. Non-streaming requests are
// aggregated here so an empty response can still rotate to another account;
// the boolean return requests another loop iteration.
func (o *Orchestrator) finish(ctx context.Context, req Request, email, pool, family string, attempts int, res *upstream.Result) (*Result, bool) {
	if req.Stream {
		o.store.RecordOutcome(email, account.Outcome{Success: true, Model: req.Model, Pool: pool, ClientID: req.ClientID})
		return &Result{
			Attempts: attempts,
			Pool:     pool,
			Email:    email,
			Stream:   res.Body,
			Cancel:   res.Cancel,
		}, false
	}

	collected, err := streaming.Collect(res.Body, o.translator, req.Model, req.RequestID)
	res.Body.Close()
	res.Cancel()
	if err != nil {
		o.logger.Warn("upstream stream read failed", "email", email, "error", err)
		o.store.RecordOutcome(email, account.Outcome{Model: req.Model, Pool: pool, ClientID: req.ClientID, Status: 500})
		return nil, true
	}

	if collected.Empty() {
		o.logger.Warn("empty upstream response, rotating", "email", email, "model", req.Model)
		o.store.MarkCooldown(email, pool, family, softEmptyCooldown)
		return nil, true
	}

	completion, err := collected.Completion(req.Model, req.RequestID)
	if err != nil {
		o.store.RecordOutcome(email, account.Outcome{Model: req.Model, Pool: pool, ClientID: req.ClientID, Status: 500})
		return nil, true
	}

	o.store.RecordOutcome(email, account.Outcome{Success: true, Model: req.Model, Pool: pool, ClientID: req.ClientID})
	return &Result{
		Attempts:   attempts,
		Pool:       pool,
		Email:      email,
		Body:       collected,
		Completion: completion,
	}, false
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
