// Package rate enforces per-tenant admission: a fixed 60-second request
// window plus a monthly counter that resets at the UTC month boundary. Both
// counters live in the shared key-value store so every replica sees the same
// tallies. Store outages fail open with a warning; silently unblocking
// traffic is acceptable for a cost proxy, silently blocking it is not.
package rate

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/kaadipranav/watchllm/state"
	"github.com/kaadipranav/watchllm/tenancy"
)

const (
	minuteKeyFormat = "watchllm:rate:%s:%d"
	monthKeyFormat  = "watchllm:quota:%s:%s"

	// Monthly counters are kept two months so late reads near the boundary
	// still resolve, then garbage-collect themselves.
	monthKeyTTL = 62 * 24 * time.Hour
)

// DenialReason tells the caller which limit rejected the request.
type DenialReason string

const (
	DenialNone          DenialReason = ""
	DenialRateLimited   DenialReason = "rate_limit_exceeded"
	DenialQuotaExceeded DenialReason = "quota_exceeded"
)

// Decision is the outcome of an admission check, carrying everything the
// handler needs to emit X-RateLimit-*, X-Quota-* and Retry-After headers.
type Decision struct {
	Allowed bool
	Reason  DenialReason

	RateLimit     int64
	RateRemaining int64
	RateReset     time.Time

	QuotaLimit     int64
	QuotaRemaining int64
	QuotaReset     time.Time

	RetryAfter time.Duration
}

type Limiter struct {
	states state.Manager
	logger *zap.SugaredLogger
	clock  clock.Clock
}

func NewLimiter(states state.Manager, logger *zap.SugaredLogger) *Limiter {
	return newLimiterWithClock(states, logger, clock.New())
}

func newLimiterWithClock(states state.Manager, logger *zap.SugaredLogger, clk clock.Clock) *Limiter {
	return &Limiter{states: states, logger: logger, clock: clk}
}

// Admit evaluates both the minute window and the monthly counter for the
// tenant. Denial of either denies the request. Store failures admit the
// request with a warning.
func (l *Limiter) Admit(ctx context.Context, tenant *tenancy.Tenant) *Decision {
	limits := tenant.Plan.Limits()
	now := l.clock.Now().UTC()

	minuteBucket := now.Unix() / 60
	windowEnd := time.Unix((minuteBucket+1)*60, 0).UTC()
	decision := &Decision{
		Allowed:    true,
		RateLimit:  limits.RequestsPerMinute,
		RateReset:  windowEnd,
		QuotaLimit: limits.RequestsPerMonth,
		QuotaReset: nextMonthStart(now),
	}

	minuteKey := fmt.Sprintf(minuteKeyFormat, tenant.ID, minuteBucket)
	count, err := l.states.Increment(ctx, minuteKey, windowEnd.Sub(now))
	if err != nil {
		l.logger.Warnw("rate window unavailable, admitting", "tenant", tenant.ID, "error", err)
		decision.RateRemaining = limits.RequestsPerMinute
	} else if count > limits.RequestsPerMinute {
		decision.Allowed = false
		decision.Reason = DenialRateLimited
		decision.RateRemaining = 0
		decision.RetryAfter = windowEnd.Sub(now)
		return decision
	} else {
		decision.RateRemaining = limits.RequestsPerMinute - count
	}

	monthKey := fmt.Sprintf(monthKeyFormat, tenant.ID, now.Format("200601"))
	used, err := l.readCounter(ctx, monthKey)
	if err != nil {
		l.logger.Warnw("quota counter unavailable, admitting", "tenant", tenant.ID, "error", err)
		decision.QuotaRemaining = limits.RequestsPerMonth
		return decision
	}
	if used >= limits.RequestsPerMonth {
		decision.Allowed = false
		decision.Reason = DenialQuotaExceeded
		decision.QuotaRemaining = 0
		decision.RetryAfter = decision.QuotaReset.Sub(now)
		return decision
	}
	decision.QuotaRemaining = limits.RequestsPerMonth - used - 1
	return decision
}

// Observe charges the request against the monthly counter. Called once per
// admitted request, before dispatch, so cached responses count too.
func (l *Limiter) Observe(ctx context.Context, tenantID string) {
	now := l.clock.Now().UTC()
	monthKey := fmt.Sprintf(monthKeyFormat, tenantID, now.Format("200601"))
	if _, err := l.states.Increment(ctx, monthKey, monthKeyTTL); err != nil {
		l.logger.Warnw("failed to record quota usage", "tenant", tenantID, "error", err)
	}
}

func (l *Limiter) readCounter(ctx context.Context, key string) (int64, error) {
	raw, err := l.states.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return 0, nil
	}
	value, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("counter at %q is not an integer: %v", key, err)
	}
	return value, nil
}

func nextMonthStart(now time.Time) time.Time {
	year, month, _ := now.UTC().Date()
	return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}

// WriteHeaders attaches the admission outcome to an HTTP response. Emitted on
// both success and denial.
func WriteHeaders(headers http.Header, decision *Decision) {
	headers.Set("X-RateLimit-Limit", strconv.FormatInt(decision.RateLimit, 10))
	headers.Set("X-RateLimit-Remaining", strconv.FormatInt(decision.RateRemaining, 10))
	headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.RateReset.Unix(), 10))
	headers.Set("X-Quota-Limit", strconv.FormatInt(decision.QuotaLimit, 10))
	headers.Set("X-Quota-Remaining", strconv.FormatInt(decision.QuotaRemaining, 10))
	headers.Set("X-Quota-Reset", strconv.FormatInt(decision.QuotaReset.Unix(), 10))
	if !decision.Allowed {
		seconds := int64(decision.RetryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		headers.Set("Retry-After", strconv.FormatInt(seconds, 10))
	}
}
