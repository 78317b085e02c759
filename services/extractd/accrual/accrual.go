// Package accrual converts validated contribution amounts into access time.
package accrual

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	// DaysPerTier is the access granted for every full tier contributed.
	DaysPerTier = 28
	// SecondsPerDay converts accrued days into seconds.
	SecondsPerDay = 24 * 60 * 60
	// MaxExpiry is the latest expiry ever granted: 9999-12-31T23:59:59Z.
	// Larger grants saturate here so expiries stay representable.
	MaxExpiry int64 = 253402300799
	// MaxAdditionalDays caps a single grant so its seconds fit below MaxExpiry.
	MaxAdditionalDays = MaxExpiry / SecondsPerDay
)

// TierAmount is the contribution that buys DaysPerTier days of access.
var TierAmount = decimal.NewFromInt(5)

// AdditionalDays returns floor(amount / 5 * 28), capped at MaxAdditionalDays.
// Partial tiers earn proportional credit, so 2.5 units yields 14 days.
// Negative amounts earn nothing.
func AdditionalDays(amount decimal.Decimal) int64 {
	if amount.Sign() <= 0 {
		return 0
	}
	// amount*28 is exact; QuoRem at precision 0 truncates, which is floor for positives.
	quotient, _ := amount.Mul(decimal.NewFromInt(DaysPerTier)).QuoRem(TierAmount, 0)
	if quotient.GreaterThan(decimal.NewFromInt(MaxAdditionalDays)) {
		return MaxAdditionalDays
	}
	return quotient.IntPart()
}

// AdditionalSeconds is AdditionalDays expressed in seconds.
func AdditionalSeconds(amount decimal.Decimal) int64 {
	return AdditionalDays(amount) * SecondsPerDay
}

// Baseline picks the latest of the prior expiry, the configured default and now.
// A nil prior means the identity has no contributions yet.
func Baseline(prior *int64, defaultBaseline, now time.Time) int64 {
	base := defaultBaseline.Unix()
	if prior != nil && *prior > base {
		base = *prior
	}
	if current := now.Unix(); current > base {
		base = current
	}
	return base
}

// Grant is the outcome of accruing one contribution.
type Grant struct {
	Baseline          int64
	AdditionalSeconds int64
	Expiry            int64
}

// Calculator applies the accrual rule against a configured default baseline.
type Calculator struct {
	DefaultBaseline time.Time
	Now             func() time.Time
}

// NewCalculator constructs a calculator. A nil clock defaults to time.Now.
func NewCalculator(defaultBaseline time.Time, now func() time.Time) *Calculator {
	if now == nil {
		now = time.Now
	}
	return &Calculator{DefaultBaseline: defaultBaseline, Now: now}
}

// Accrue computes the new expiry for a contribution given the identity's
// current maximum expiry. The expiry never moves backwards and never passes
// MaxExpiry; AdditionalSeconds reports what was actually granted.
func (c *Calculator) Accrue(prior *int64, amount decimal.Decimal) Grant {
	base := Baseline(prior, c.DefaultBaseline, c.Now())
	extra := AdditionalSeconds(amount)
	switch {
	case base >= MaxExpiry:
		extra = 0
	case extra > MaxExpiry-base:
		extra = MaxExpiry - base
	}
	return Grant{Baseline: base, AdditionalSeconds: extra, Expiry: base + extra}
}
