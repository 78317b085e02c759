package chains

import (
	"context"
	"fmt"
	"strings"
)

// DecimalsCheck reports how a chain's configured precision compares with the
// value its token contract returns from decimals().
type DecimalsCheck struct {
	Chain      string
	Configured uint8
	OnChain    uint8
	Err        error
}

// Confirmed reports whether the contract agreed with the configuration.
func (c DecimalsCheck) Confirmed() bool {
	return c.Err == nil && c.Configured == c.OnChain
}

func (c DecimalsCheck) String() string {
	if c.Err != nil {
		return fmt.Sprintf("%s: configured %d, unconfirmed (%v)", c.Chain, c.Configured, c.Err)
	}
	return fmt.Sprintf("%s: configured %d, contract reports %d", c.Chain, c.Configured, c.OnChain)
}

// VerifyDecimals asks every token contract for its precision. Chains that
// cannot be confirmed are returned alongside outright mismatches.
func (f *Fetcher) VerifyDecimals(ctx context.Context) []DecimalsCheck {
	checks := make([]DecimalsCheck, 0, f.registry.Len())
	for _, chain := range f.registry.Chains() {
		onChain, err := withChain(ctx, f, chain, func(ctx context.Context, client Client) (uint8, error) {
			return client.TokenDecimals(ctx, chain.TokenAddress)
		})
		checks = append(checks, DecimalsCheck{Chain: chain.Name, Configured: chain.Decimals, OnChain: onChain, Err: err})
	}
	return checks
}

// UnconfirmedDecimals returns an error naming every chain whose precision
// could not be confirmed, or nil when all agree.
func UnconfirmedDecimals(checks []DecimalsCheck) error {
	var bad []string
	for _, check := range checks {
		if !check.Confirmed() {
			bad = append(bad, check.String())
		}
	}
	if len(bad) == 0 {
		return nil
	}
	return fmt.Errorf("token decimals unconfirmed: %s", strings.Join(bad, "; "))
}
