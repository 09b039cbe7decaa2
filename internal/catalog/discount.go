// Package catalog derives discount state and effective prices from raw
// discount configuration. State is a pure function of (config, now) and is
// never persisted; checkout price freezing and product display both go
// through Evaluate so the two can not drift apart.
package catalog

import (
	"math"
	"time"
)

type DiscountState string

const (
	DiscountActive    DiscountState = "active"
	DiscountScheduled DiscountState = "scheduled"
	DiscountExpired   DiscountState = "expired"
	DiscountInactive  DiscountState = "inactive"
	DiscountNone      DiscountState = "none"
)

type Discount struct {
	Percentage float64    `json:"percentage"`
	StartsAt   *time.Time `json:"starts_at,omitempty"`
	EndsAt     *time.Time `json:"ends_at,omitempty"`
	IsActive   bool       `json:"is_active"`
}

// State returns the single state that applies at instant now.
func (d Discount) State(now time.Time) DiscountState {
	switch {
	case d.Percentage <= 0:
		return DiscountNone
	case !d.IsActive:
		return DiscountInactive
	case d.StartsAt != nil && d.StartsAt.After(now):
		return DiscountScheduled
	case d.EndsAt != nil && d.EndsAt.Before(now):
		return DiscountExpired
	default:
		return DiscountActive
	}
}

// Evaluate returns the discount state and the effective unit price in cents.
// Only an active discount changes the price.
func Evaluate(d Discount, basePriceCents int64, now time.Time) (DiscountState, int64) {
	st := d.State(now)
	if st != DiscountActive {
		return st, basePriceCents
	}
	price := int64(math.Round(float64(basePriceCents) * (1 - d.Percentage/100)))
	if price < 0 {
		price = 0
	}
	return st, price
}
