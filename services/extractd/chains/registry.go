package chains

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"validatorpass/services/extractd/calldata"
)

// DefaultLookupTimeout bounds a single transaction lookup against one chain.
const DefaultLookupTimeout = 10 * time.Second

// ErrInvalidChain wraps every registry validation failure.
var ErrInvalidChain = errors.New("chains: invalid chain spec")

// ChainSpec describes one EVM network carrying the accepted token.
type ChainSpec struct {
	Name              string
	TokenAddress      common.Address
	RPCURL            string
	Decimals          uint8
	LookupTimeout     time.Duration
	RequestsPerSecond float64
}

// Registry is the immutable, ordered list of chains probed for submissions.
type Registry struct {
	chains []ChainSpec
	byName map[string]int
}

// RawChain is the unvalidated configuration form of a ChainSpec. Decimals is a
// pointer so that an omitted value can be told apart from zero.
type RawChain struct {
	Name              string
	TokenAddress      string
	RPCURL            string
	Decimals          *int
	LookupTimeout     time.Duration
	RequestsPerSecond float64
}

// Parse validates a raw chain entry. Missing or ambiguous fields are rejected
// rather than defaulted.
func (r RawChain) Parse() (ChainSpec, error) {
	name := strings.ToLower(strings.TrimSpace(r.Name))
	if name == "" {
		return ChainSpec{}, fmt.Errorf("%w: name required", ErrInvalidChain)
	}
	token := strings.TrimSpace(r.TokenAddress)
	if !common.IsHexAddress(token) {
		return ChainSpec{}, fmt.Errorf("%w: %s: token address %q is not a hex address", ErrInvalidChain, name, token)
	}
	tokenAddr := common.HexToAddress(token)
	if (tokenAddr == common.Address{}) {
		return ChainSpec{}, fmt.Errorf("%w: %s: token address is zero", ErrInvalidChain, name)
	}
	rpcURL := strings.TrimSpace(r.RPCURL)
	if rpcURL == "" {
		return ChainSpec{}, fmt.Errorf("%w: %s: rpc url required", ErrInvalidChain, name)
	}
	if r.Decimals == nil {
		return ChainSpec{}, fmt.Errorf("%w: %s: decimals must be set explicitly", ErrInvalidChain, name)
	}
	if *r.Decimals < 0 || *r.Decimals > calldata.MaxDecimals {
		return ChainSpec{}, fmt.Errorf("%w: %s: decimals %d out of range", ErrInvalidChain, name, *r.Decimals)
	}
	if r.RequestsPerSecond < 0 {
		return ChainSpec{}, fmt.Errorf("%w: %s: requests_per_second must not be negative", ErrInvalidChain, name)
	}
	timeout := r.LookupTimeout
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	return ChainSpec{
		Name:              name,
		TokenAddress:      tokenAddr,
		RPCURL:            rpcURL,
		Decimals:          uint8(*r.Decimals),
		LookupTimeout:     timeout,
		RequestsPerSecond: r.RequestsPerSecond,
	}, nil
}

// NewRegistry validates and freezes the supplied chains in order.
func NewRegistry(specs []ChainSpec) (*Registry, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: at least one chain required", ErrInvalidChain)
	}
	reg := &Registry{chains: make([]ChainSpec, 0, len(specs)), byName: make(map[string]int, len(specs))}
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("%w: name required", ErrInvalidChain)
		}
		if _, dup := reg.byName[spec.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate chain name %q", ErrInvalidChain, spec.Name)
		}
		if spec.LookupTimeout <= 0 {
			spec.LookupTimeout = DefaultLookupTimeout
		}
		reg.byName[spec.Name] = len(reg.chains)
		reg.chains = append(reg.chains, spec)
	}
	return reg, nil
}

// ParseRegistry validates raw entries and builds the registry.
func ParseRegistry(raw []RawChain) (*Registry, error) {
	specs := make([]ChainSpec, 0, len(raw))
	for i, entry := range raw {
		spec, err := entry.Parse()
		if err != nil {
			return nil, fmt.Errorf("chain %d: %w", i, err)
		}
		specs = append(specs, spec)
	}
	return NewRegistry(specs)
}

// Chains returns the chains in registry order. The slice is a copy.
func (r *Registry) Chains() []ChainSpec {
	if r == nil {
		return nil
	}
	out := make([]ChainSpec, len(r.chains))
	copy(out, r.chains)
	return out
}

// Lookup returns the chain registered under name.
func (r *Registry) Lookup(name string) (ChainSpec, bool) {
	if r == nil {
		return ChainSpec{}, false
	}
	idx, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return ChainSpec{}, false
	}
	return r.chains[idx], true
}

// Len reports the number of registered chains.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.chains)
}
