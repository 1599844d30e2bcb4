package ratelimit

import "strings"

// Tier is a subscription level.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// ParseTier maps a string to a known tier; anything unknown is free.
func ParseTier(s string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierPro:
		return TierPro
	case TierEnterprise:
		return TierEnterprise
	default:
		return TierFree
	}
}

// TierLimits is the quota bundle of one tier.
type TierLimits struct {
	RequestsPerUserPerDay  int
	RequestsPerGroupPerDay int
	MessagesPerGroupHour   int
	ConcurrentJobs         int
	BurstMultiplier        float64
}

// TierTable maps tiers to their limits.
type TierTable map[Tier]TierLimits

// DefaultTiers returns the built-in quota table.
func DefaultTiers() TierTable {
	return TierTable{
		TierFree: {
			RequestsPerUserPerDay:  5,
			RequestsPerGroupPerDay: 1,
			MessagesPerGroupHour:   1000,
			ConcurrentJobs:         1,
			BurstMultiplier:        1.0,
		},
		TierPro: {
			RequestsPerUserPerDay:  50,
			RequestsPerGroupPerDay: 10,
			MessagesPerGroupHour:   5000,
			ConcurrentJobs:         5,
			BurstMultiplier:        1.5,
		},
		TierEnterprise: {
			RequestsPerUserPerDay:  500,
			RequestsPerGroupPerDay: 100,
			MessagesPerGroupHour:   50000,
			ConcurrentJobs:         50,
			BurstMultiplier:        2.0,
		},
	}
}

// Lookup returns the limits for tier, falling back to free.
func (t TierTable) Lookup(tier Tier) TierLimits {
	if l, ok := t[tier]; ok {
		return l
	}
	if l, ok := t[TierFree]; ok {
		return l
	}
	return DefaultTiers()[TierFree]
}

// Override replaces every non-zero field of the named tier.
func (t TierTable) Override(tier Tier, o TierLimits) {
	l := t.Lookup(tier)
	if o.RequestsPerUserPerDay > 0 {
		l.RequestsPerUserPerDay = o.RequestsPerUserPerDay
	}
	if o.RequestsPerGroupPerDay > 0 {
		l.RequestsPerGroupPerDay = o.RequestsPerGroupPerDay
	}
	if o.MessagesPerGroupHour > 0 {
		l.MessagesPerGroupHour = o.MessagesPerGroupHour
	}
	if o.ConcurrentJobs > 0 {
		l.ConcurrentJobs = o.ConcurrentJobs
	}
	if o.BurstMultiplier > 0 {
		l.BurstMultiplier = o.BurstMultiplier
	}
	t[tier] = l
}

func dailyParams(limit int, burst float64) BucketParams {
	return BucketParams{
		Capacity:        float64(limit),
		RefillRate:      float64(limit) / 86400,
		BurstMultiplier: burst,
	}
}

func hourlyParams(limit int, burst float64) BucketParams {
	return BucketParams{
		Capacity:        float64(limit),
		RefillRate:      float64(limit) / 3600,
		BurstMultiplier: burst,
	}
}
