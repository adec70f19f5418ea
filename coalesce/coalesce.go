// Package coalesce deduplicates identical in-flight requests. The first
// caller to install a lease under (tenant, fingerprint) becomes the leader
// and performs the single upstream call; everyone else polls a short-lived
// response slot the leader publishes into. Correctness rests on the shared
// store's atomic set-if-absent, not on any in-process lock. Streaming
// requests never coalesce.
package coalesce

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/kaadipranav/watchllm/state"
)

const (
	// LeaseTTL bounds how long a dead leader can block followers.
	LeaseTTL = 30 * time.Second

	// ResponseTTL keeps the published response just long enough for
	// followers to read it.
	ResponseTTL = 10 * time.Second

	// PollInterval is the follower's poll cadence on the response slot.
	PollInterval = 50 * time.Millisecond

	// AwaitCeiling is the hard bound on a follower's wait.
	AwaitCeiling = 35 * time.Second
)

const (
	leaseKeyFormat = "watchllm:coalesce:lease:%s:%s"
	slotKeyFormat  = "watchllm:coalesce:resp:%s:%s"
	statsKeyFormat = "watchllm:coalesce:stats:%s:%s"
)

// lease is the stored claim on leadership.
type lease struct {
	RequestID  string `json:"request_id"`
	AcquiredAt int64  `json:"acquired_at_ms"`
}

// Acquisition is the outcome of an Acquire attempt.
type Acquisition struct {
	Leader      bool
	IncumbentID string
}

// Stats is the per-tenant monthly coalescing summary.
type Stats struct {
	CoalescedCount int64 `json:"coalesced_count"`
	PeakFollowers  int64 `json:"peak_followers"`
}

type Coalescer struct {
	states state.Manager
	logger *zap.SugaredLogger
	clock  clock.Clock

	leaseTTL     time.Duration
	responseTTL  time.Duration
	pollInterval time.Duration
	awaitCeiling time.Duration
}

func NewCoalescer(states state.Manager, logger *zap.SugaredLogger) *Coalescer {
	return &Coalescer{
		states:       states,
		logger:       logger,
		clock:        clock.New(),
		leaseTTL:     LeaseTTL,
		responseTTL:  ResponseTTL,
		pollInterval: PollInterval,
		awaitCeiling: AwaitCeiling,
	}
}

// Acquire attempts to install the caller as leader for the fingerprint.
// Losing the race returns the incumbent's request ID. A lease older than the
// lease TTL belongs to a dead leader and is forcibly reclaimed.
func (c *Coalescer) Acquire(ctx context.Context, tenantID string, fp string, requestID string) (*Acquisition, error) {
	key := fmt.Sprintf(leaseKeyFormat, tenantID, fp)
	claim, err := json.Marshal(lease{
		RequestID:  requestID,
		AcquiredAt: c.clock.Now().UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize lease: %v", err)
	}

	installed, err := c.states.SetNX(ctx, key, claim, c.leaseTTL)
	if err != nil {
		return nil, err
	}
	if installed {
		return &Acquisition{Leader: true}, nil
	}

	raw, err := c.states.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		// The incumbent vanished between SetNX and Get; try once more.
		installed, err := c.states.SetNX(ctx, key, claim, c.leaseTTL)
		if err != nil {
			return nil, err
		}
		return &Acquisition{Leader: installed}, nil
	}

	var incumbent lease
	if err := json.Unmarshal(raw, &incumbent); err != nil {
		return nil, fmt.Errorf("corrupt lease for %s: %v", fp, err)
	}
	if c.clock.Now().UnixMilli()-incumbent.AcquiredAt > c.leaseTTL.Milliseconds() {
		// Stale claim in a store without expiry support; reclaim.
		if err := c.states.Set(ctx, key, claim, c.leaseTTL); err != nil {
			return nil, err
		}
		return &Acquisition{Leader: true}, nil
	}
	return &Acquisition{Leader: false, IncumbentID: incumbent.RequestID}, nil
}

// AwaitResponse polls the response slot until the leader publishes, the
// leader's lease disappears without a response, or the wait ceiling elapses.
// Both failure modes return (nil, nil): the caller retries as leader.
func (c *Coalescer) AwaitResponse(ctx context.Context, tenantID string, fp string) ([]byte, error) {
	slotKey := fmt.Sprintf(slotKeyFormat, tenantID, fp)
	leaseKey := fmt.Sprintf(leaseKeyFormat, tenantID, fp)
	deadline := c.clock.Now().Add(c.awaitCeiling)

	c.followerJoined(ctx, tenantID)
	defer c.followerLeft(ctx, tenantID)

	ticker := c.clock.Ticker(c.pollInterval)
	defer ticker.Stop()

	for {
		response, err := c.states.Get(ctx, slotKey)
		if err != nil {
			return nil, err
		}
		if response != nil {
			c.recordCoalesced(ctx, tenantID)
			return response, nil
		}

		holder, err := c.states.Get(ctx, leaseKey)
		if err != nil {
			return nil, err
		}
		if holder == nil {
			// Leader released or died without publishing.
			return nil, nil
		}

		if !c.clock.Now().Before(deadline) {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Publish stores the leader's response for followers and releases the lease.
func (c *Coalescer) Publish(ctx context.Context, tenantID string, fp string, response []byte) error {
	slotKey := fmt.Sprintf(slotKeyFormat, tenantID, fp)
	if err := c.states.Set(ctx, slotKey, response, c.responseTTL); err != nil {
		return err
	}
	return c.Release(ctx, tenantID, fp)
}

// Release drops the lease without publishing. Called on upstream error so
// followers fail over quickly instead of waiting out the lease.
func (c *Coalescer) Release(ctx context.Context, tenantID string, fp string) error {
	return c.states.Delete(ctx, fmt.Sprintf(leaseKeyFormat, tenantID, fp))
}

// MonthlyStats returns the tenant's coalescing summary for the month of now.
func (c *Coalescer) MonthlyStats(ctx context.Context, tenantID string) (*Stats, error) {
	key := c.statsKey(tenantID)
	stats := &Stats{}

	if raw, err := c.states.HGet(ctx, key, "coalesced_count"); err != nil {
		return nil, err
	} else if raw != nil {
		fmt.Sscanf(string(raw), "%d", &stats.CoalescedCount)
	}
	if raw, err := c.states.HGet(ctx, key, "peak_followers"); err != nil {
		return nil, err
	} else if raw != nil {
		fmt.Sscanf(string(raw), "%d", &stats.PeakFollowers)
	}
	return stats, nil
}

func (c *Coalescer) statsKey(tenantID string) string {
	return fmt.Sprintf(statsKeyFormat, tenantID, c.clock.Now().UTC().Format("200601"))
}

func (c *Coalescer) followerJoined(ctx context.Context, tenantID string) {
	key := c.statsKey(tenantID)
	active, err := c.states.HIncrBy(ctx, key, "active_followers", 1)
	if err != nil {
		c.logger.Warnw("failed to track follower", "tenant", tenantID, "error", err)
		return
	}

	// Racy read-compare-set is fine: the peak is a statistic, not a control.
	raw, err := c.states.HGet(ctx, key, "peak_followers")
	if err != nil {
		return
	}
	var peak int64
	if raw != nil {
		fmt.Sscanf(string(raw), "%d", &peak)
	}
	if active > peak {
		if err := c.states.HSet(ctx, key, "peak_followers", []byte(fmt.Sprintf("%d", active))); err != nil {
			c.logger.Warnw("failed to record peak followers", "tenant", tenantID, "error", err)
		}
	}
}

func (c *Coalescer) followerLeft(ctx context.Context, tenantID string) {
	if _, err := c.states.HIncrBy(ctx, c.statsKey(tenantID), "active_followers", -1); err != nil {
		c.logger.Warnw("failed to untrack follower", "tenant", tenantID, "error", err)
	}
}

func (c *Coalescer) recordCoalesced(ctx context.Context, tenantID string) {
	if _, err := c.states.HIncrBy(ctx, c.statsKey(tenantID), "coalesced_count", 1); err != nil {
		c.logger.Warnw("failed to count coalesced hit", "tenant", tenantID, "error", err)
	}
}
