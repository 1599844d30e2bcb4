package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrStoreUnavailable is returned when the store fails and the limiter is
// configured to fail closed.
var ErrStoreUnavailable = errors.New("rate limit store unavailable")

const lastRefillSuffix = ":last_refill"

// BucketParams describes one bucket's shape.
type BucketParams struct {
	Capacity        float64
	RefillRate      float64 // tokens per second
	BurstMultiplier float64
}

// BurstCapacity is the ceiling the token count is clamped to.
func (p BucketParams) BurstCapacity() float64 {
	mult := p.BurstMultiplier
	if mult < 1 {
		mult = 1
	}
	return math.Floor(p.Capacity * mult)
}

// TTL covers twice the full refill period plus an hour.
func (p BucketParams) TTL() time.Duration {
	if p.RefillRate <= 0 {
		return time.Hour
	}
	seconds := int64(math.Round(p.Capacity/p.RefillRate*2)) + 3600
	return time.Duration(seconds) * time.Second
}

// BucketState is the stored part of a bucket.
type BucketState struct {
	Tokens     float64
	LastRefill time.Time
}

// NewBucketState returns a full bucket.
func NewBucketState(p BucketParams, now time.Time) BucketState {
	return BucketState{Tokens: p.BurstCapacity(), LastRefill: now}
}

// Refill adds tokens for the time elapsed since the last refill. A clock
// that moved backwards adds nothing.
func Refill(s BucketState, now time.Time, p BucketParams) BucketState {
	burst := p.BurstCapacity()
	elapsed := now.Sub(s.LastRefill).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	tokens := math.Min(burst, s.Tokens+elapsed*p.RefillRate)
	if tokens < 0 {
		tokens = 0
	}
	return BucketState{Tokens: tokens, LastRefill: now}
}

// Consume refills and then takes cost tokens if available. The returned
// state must be persisted either way.
func Consume(s BucketState, now time.Time, p BucketParams, cost float64) (BucketState, bool) {
	next := Refill(s, now, p)
	if next.Tokens >= cost {
		next.Tokens -= cost
		return next, true
	}
	return next, false
}

// ResetAt is when the bucket refills back to its base capacity.
func ResetAt(s BucketState, now time.Time, p BucketParams) time.Time {
	if p.RefillRate <= 0 || s.Tokens >= p.Capacity {
		return now
	}
	secs := (p.Capacity - s.Tokens) / p.RefillRate
	return now.Add(time.Duration(secs * float64(time.Second)))
}

// ConsumeResult is the outcome of TokenBucket.TryConsume.
type ConsumeResult struct {
	Allowed    bool
	Remaining  float64
	ResetAt    time.Time
	FailedOpen bool
}

// BucketSnapshot is the read-only view returned by GetState.
type BucketSnapshot struct {
	Tokens        float64
	Capacity      float64
	BurstCapacity float64
	RefillRate    float64
	ResetAt       time.Time
}

// TokenBucket stores bucket state as two plain string keys: the token count
// and the refill timestamp in float unix seconds. Reads and writes are
// separate commands, so two concurrent callers may both observe the same
// pre-consumption state.
type TokenBucket struct {
	client   redis.Cmdable
	clock    func() time.Time
	logger   *slog.Logger
	failOpen bool
}

// NewTokenBucket creates a bucket store.
func NewTokenBucket(client redis.Cmdable, clock func() time.Time, logger *slog.Logger, failOpen bool) *TokenBucket {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenBucket{client: client, clock: clock, logger: logger, failOpen: failOpen}
}

// TryConsume takes cost tokens from the bucket at key.
func (b *TokenBucket) TryConsume(ctx context.Context, key string, p BucketParams, cost float64) (ConsumeResult, error) {
	now := b.clock()

	state, err := b.load(ctx, key, p, now)
	if err != nil {
		return b.storeFailure(key, p, now, err)
	}

	next, allowed := Consume(state, now, p, cost)
	if err := b.save(ctx, key, p, next); err != nil {
		return b.storeFailure(key, p, now, err)
	}

	return ConsumeResult{
		Allowed:   allowed,
		Remaining: next.Tokens,
		ResetAt:   ResetAt(next, now, p),
	}, nil
}

// GetState reports the refilled state without persisting it.
func (b *TokenBucket) GetState(ctx context.Context, key string, p BucketParams) (BucketSnapshot, error) {
	now := b.clock()

	state, err := b.load(ctx, key, p, now)
	if err != nil {
		return BucketSnapshot{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	state = Refill(state, now, p)

	return BucketSnapshot{
		Tokens:        state.Tokens,
		Capacity:      p.Capacity,
		BurstCapacity: p.BurstCapacity(),
		RefillRate:    p.RefillRate,
		ResetAt:       ResetAt(state, now, p),
	}, nil
}

func (b *TokenBucket) storeFailure(key string, p BucketParams, now time.Time, err error) (ConsumeResult, error) {
	if b.failOpen {
		b.logger.Warn("Rate limit store unavailable, allowing request",
			slog.String("key", key),
			slog.Any("error", err),
		)
		return ConsumeResult{Allowed: true, Remaining: p.Capacity, ResetAt: now, FailedOpen: true}, nil
	}
	b.logger.Error("Rate limit store unavailable, denying request",
		slog.String("key", key),
		slog.Any("error", err),
	)
	return ConsumeResult{ResetAt: now}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

func (b *TokenBucket) load(ctx context.Context, key string, p BucketParams, now time.Time) (BucketState, error) {
	vals, err := b.client.MGet(ctx, key, key+lastRefillSuffix).Result()
	if err != nil {
		return BucketState{}, err
	}

	tokens, okTokens := parseFloat(vals[0])
	refilled, okRefill := parseFloat(vals[1])
	if !okTokens || !okRefill {
		if vals[0] != nil || vals[1] != nil {
			b.logger.Warn("Resetting unreadable bucket state", slog.String("key", key))
		}
		return NewBucketState(p, now), nil
	}

	sec, frac := math.Modf(refilled)
	return BucketState{
		Tokens:     tokens,
		LastRefill: time.Unix(int64(sec), int64(frac*1e9)),
	}, nil
}

func (b *TokenBucket) save(ctx context.Context, key string, p BucketParams, s BucketState) error {
	ttl := p.TTL()
	ts := float64(s.LastRefill.UnixNano()) / 1e9

	pipe := b.client.Pipeline()
	pipe.Set(ctx, key, strconv.FormatFloat(s.Tokens, 'f', -1, 64), ttl)
	pipe.Set(ctx, key+lastRefillSuffix, strconv.FormatFloat(ts, 'f', 6, 64), ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func parseFloat(v interface{}) (float64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
