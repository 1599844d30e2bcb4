package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Scope prefixes a subject id in store keys.
type Scope string

const (
	ScopeUser  Scope = "user"
	ScopeGroup Scope = "group"
)

// Limit types used in store keys.
const (
	LimitRequestsPerDay  = "summaries_per_day"
	LimitMessagesPerHour = "messages_per_hour"
	LimitConcurrentJobs  = "concurrent_jobs"
)

// Dimension identifies which check produced a quota or a denial.
type Dimension string

const (
	DimensionUser          Dimension = "user"
	DimensionGroup         Dimension = "group"
	DimensionConcurrent    Dimension = "concurrent"
	DimensionGroupMessages Dimension = "group_messages"
)

const concurrentRetryAfter = 60 * time.Second

var denialReasons = map[Dimension]string{
	DimensionUser:          "daily request limit reached for this requester, try again tomorrow or upgrade the plan",
	DimensionGroup:         "daily request limit reached for this group, try again tomorrow",
	DimensionConcurrent:    "too many jobs in progress for this requester, wait for some to complete",
	DimensionGroupMessages: "hourly message limit reached for this group",
}

// releaseScript decrements the counter but never below zero.
var releaseScript = redis.NewScript(`
local v = tonumber(redis.call("GET", KEYS[1]) or "0")
if v > 0 then
	return redis.call("DECR", KEYS[1])
end
return 0
`)

// Key builds rate_limit:{scope}:{subject}:{limit_type}.
func Key(scope Scope, subject, limitType string) string {
	return fmt.Sprintf("rate_limit:%s:%s:%s", scope, subject, limitType)
}

// Decision is the result of an admission check.
type Decision struct {
	Allowed  bool
	Quotas   map[Dimension]Quota
	Reason   string
	DeniedBy Dimension
}

// Headers returns the headers of the most specific dimension evaluated: the
// denying one, or the last one checked when allowed.
func (d Decision) Headers() map[string]string {
	if d.DeniedBy != "" {
		if q, ok := d.Quotas[d.DeniedBy]; ok {
			return q.Headers()
		}
	}
	for _, dim := range []Dimension{DimensionConcurrent, DimensionGroup, DimensionUser, DimensionGroupMessages} {
		if q, ok := d.Quotas[dim]; ok {
			return q.Headers()
		}
	}
	return map[string]string{}
}

func (d *Decision) deny(dim Dimension) {
	d.Allowed = false
	d.DeniedBy = dim
	d.Reason = denialReasons[dim]
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) Option {
	return func(c *Controller) { c.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithTiers replaces the default tier table.
func WithTiers(t TierTable) Option {
	return func(c *Controller) { c.tiers = t }
}

// WithFailOpen sets the store-failure policy. Defaults to open.
func WithFailOpen(open bool) Option {
	return func(c *Controller) { c.failOpen = open }
}

// WithConcurrentTTL sets the expiry of the concurrency counter.
func WithConcurrentTTL(ttl time.Duration) Option {
	return func(c *Controller) { c.concurrentTTL = ttl }
}

// Controller composes the per-requester and per-group buckets and the
// concurrency counter into admission decisions.
type Controller struct {
	client        redis.Cmdable
	buckets       *TokenBucket
	tiers         TierTable
	clock         func() time.Time
	logger        *slog.Logger
	failOpen      bool
	concurrentTTL time.Duration
}

// NewController creates a Controller on top of client.
func NewController(client redis.Cmdable, opts ...Option) *Controller {
	c := &Controller{
		client:        client,
		tiers:         DefaultTiers(),
		clock:         time.Now,
		logger:        slog.Default(),
		failOpen:      true,
		concurrentTTL: time.Hour,
	}
	for _, o := range opts {
		o(c)
	}
	c.buckets = NewTokenBucket(client, c.clock, c.logger, c.failOpen)
	return c
}

// CheckRequest evaluates the requester daily quota, the group daily quota
// and the requester concurrency slot, in that order, stopping at the first
// denial. An allowed decision holds one concurrency slot that the caller must
// give back with ReleaseConcurrent.
func (c *Controller) CheckRequest(ctx context.Context, userID, groupID string, tier Tier) (Decision, error) {
	limits := c.tiers.Lookup(tier)
	d := Decision{Allowed: true, Quotas: make(map[Dimension]Quota, 3)}

	userParams := dailyParams(limits.RequestsPerUserPerDay, limits.BurstMultiplier)
	res, err := c.buckets.TryConsume(ctx, Key(ScopeUser, userID, LimitRequestsPerDay), userParams, 1)
	if err != nil {
		return c.closed(d, DimensionUser, err)
	}
	d.Quotas[DimensionUser] = bucketQuota(limits.RequestsPerUserPerDay, res, userParams)
	if !res.Allowed {
		d.deny(DimensionUser)
		return d, nil
	}

	groupParams := dailyParams(limits.RequestsPerGroupPerDay, limits.BurstMultiplier)
	res, err = c.buckets.TryConsume(ctx, Key(ScopeGroup, groupID, LimitRequestsPerDay), groupParams, 1)
	if err != nil {
		return c.closed(d, DimensionGroup, err)
	}
	d.Quotas[DimensionGroup] = bucketQuota(limits.RequestsPerGroupPerDay, res, groupParams)
	if !res.Allowed {
		d.deny(DimensionGroup)
		return d, nil
	}

	q, allowed, err := c.acquireConcurrent(ctx, userID, limits.ConcurrentJobs)
	if err != nil {
		return c.closed(d, DimensionConcurrent, err)
	}
	d.Quotas[DimensionConcurrent] = q
	if !allowed {
		d.deny(DimensionConcurrent)
	}
	return d, nil
}

// CheckGroupMessages consumes one token from the group's hourly message
// bucket. It is independent of CheckRequest.
func (c *Controller) CheckGroupMessages(ctx context.Context, groupID string, tier Tier) (Decision, error) {
	limits := c.tiers.Lookup(tier)
	d := Decision{Allowed: true, Quotas: make(map[Dimension]Quota, 1)}

	p := hourlyParams(limits.MessagesPerGroupHour, limits.BurstMultiplier)
	res, err := c.buckets.TryConsume(ctx, Key(ScopeGroup, groupID, LimitMessagesPerHour), p, 1)
	if err != nil {
		return c.closed(d, DimensionGroupMessages, err)
	}
	d.Quotas[DimensionGroupMessages] = bucketQuota(limits.MessagesPerGroupHour, res, p)
	if !res.Allowed {
		d.deny(DimensionGroupMessages)
	}
	return d, nil
}

// ReleaseConcurrent gives back one concurrency slot.
func (c *Controller) ReleaseConcurrent(ctx context.Context, userID string) error {
	key := Key(ScopeUser, userID, LimitConcurrentJobs)
	if err := releaseScript.Run(ctx, c.client, []string{key}).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release concurrency slot for %s: %w", userID, err)
	}
	return nil
}

// UserLimits reports the requester's quotas without consuming anything.
func (c *Controller) UserLimits(ctx context.Context, userID string, tier Tier) (map[string]Quota, error) {
	limits := c.tiers.Lookup(tier)
	p := dailyParams(limits.RequestsPerUserPerDay, limits.BurstMultiplier)

	snap, err := c.buckets.GetState(ctx, Key(ScopeUser, userID, LimitRequestsPerDay), p)
	if err != nil {
		return nil, err
	}

	inFlight, err := c.client.Get(ctx, Key(ScopeUser, userID, LimitConcurrentJobs)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return map[string]Quota{
		LimitRequestsPerDay: snapshotQuota(limits.RequestsPerUserPerDay, snap),
		LimitConcurrentJobs: {
			Limit:     limits.ConcurrentJobs,
			Remaining: max(0, limits.ConcurrentJobs-int(inFlight)),
			ResetAt:   c.clock().Add(c.concurrentTTL),
		},
	}, nil
}

// GroupLimits reports the group's quotas without consuming anything.
func (c *Controller) GroupLimits(ctx context.Context, groupID string, tier Tier) (map[string]Quota, error) {
	limits := c.tiers.Lookup(tier)

	daily, err := c.buckets.GetState(ctx, Key(ScopeGroup, groupID, LimitRequestsPerDay),
		dailyParams(limits.RequestsPerGroupPerDay, limits.BurstMultiplier))
	if err != nil {
		return nil, err
	}
	hourly, err := c.buckets.GetState(ctx, Key(ScopeGroup, groupID, LimitMessagesPerHour),
		hourlyParams(limits.MessagesPerGroupHour, limits.BurstMultiplier))
	if err != nil {
		return nil, err
	}

	return map[string]Quota{
		LimitRequestsPerDay:  snapshotQuota(limits.RequestsPerGroupPerDay, daily),
		LimitMessagesPerHour: snapshotQuota(limits.MessagesPerGroupHour, hourly),
	}, nil
}

// acquireConcurrent increments the slot counter. A denied increment is
// rolled back so a rejected request does not hold a slot.
func (c *Controller) acquireConcurrent(ctx context.Context, userID string, limit int) (Quota, bool, error) {
	key := Key(ScopeUser, userID, LimitConcurrentJobs)
	resetAt := c.clock().Add(c.concurrentTTL)

	current, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		if c.failOpen {
			c.logger.Warn("Concurrency counter unavailable, allowing request",
				slog.String("user_id", userID),
				slog.Any("error", err),
			)
			return Quota{Limit: limit, Remaining: limit, ResetAt: resetAt}, true, nil
		}
		return Quota{}, false, err
	}

	if current == 1 {
		if err := c.client.Expire(ctx, key, c.concurrentTTL).Err(); err != nil {
			c.logger.Warn("Failed to set concurrency counter expiry",
				slog.String("user_id", userID),
				slog.Any("error", err),
			)
		}
	}

	if current > int64(limit) {
		if err := c.client.Decr(ctx, key).Err(); err != nil {
			c.logger.Warn("Failed to roll back concurrency counter",
				slog.String("user_id", userID),
				slog.Any("error", err),
			)
		}
		return Quota{Limit: limit, Remaining: 0, ResetAt: resetAt, RetryAfter: concurrentRetryAfter}, false, nil
	}

	return Quota{Limit: limit, Remaining: limit - int(current), ResetAt: resetAt}, true, nil
}

// closed handles a store error. TokenBucket already applied fail-open, so an
// error reaching here means the controller fails closed.
func (c *Controller) closed(d Decision, dim Dimension, err error) (Decision, error) {
	d.Allowed = false
	d.DeniedBy = dim
	d.Reason = "rate limit service unavailable"
	if !errors.Is(err, ErrStoreUnavailable) {
		err = fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return d, err
}

func snapshotQuota(limit int, s BucketSnapshot) Quota {
	remaining := int(s.Tokens)
	if remaining < 0 {
		remaining = 0
	}
	return Quota{Limit: limit, Remaining: remaining, ResetAt: s.ResetAt}
}
