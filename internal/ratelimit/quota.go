package ratelimit

import (
	"math"
	"strconv"
	"time"
)

// Header names set on admission responses.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// Quota is a limit/remaining/reset triple for one dimension.
type Quota struct {
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"-"`
}

// Headers renders the quota as response headers. Retry-After is only set
// when non-zero.
func (q Quota) Headers() map[string]string {
	remaining := q.Remaining
	if remaining < 0 {
		remaining = 0
	}
	h := map[string]string{
		HeaderLimit:     strconv.Itoa(q.Limit),
		HeaderRemaining: strconv.Itoa(remaining),
		HeaderReset:     strconv.FormatInt(q.ResetAt.Unix(), 10),
	}
	if q.RetryAfter > 0 {
		h[HeaderRetryAfter] = strconv.FormatInt(int64(math.Ceil(q.RetryAfter.Seconds())), 10)
	}
	return h
}

// retryAfterBucket is the time for one token to come back, plus a second.
func retryAfterBucket(p BucketParams) time.Duration {
	if p.RefillRate <= 0 {
		return time.Hour
	}
	return time.Duration(int64(1/p.RefillRate)+1) * time.Second
}

func bucketQuota(limit int, res ConsumeResult, p BucketParams) Quota {
	q := Quota{
		Limit:     limit,
		Remaining: int(math.Floor(res.Remaining)),
		ResetAt:   res.ResetAt,
	}
	if !res.Allowed {
		q.RetryAfter = retryAfterBucket(p)
	}
	return q
}
