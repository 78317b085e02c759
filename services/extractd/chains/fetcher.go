package chains

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"validatorpass/observability"
)

// Probe is the result of looking a hash up on one chain. A nil Tx with a nil
// Err means the chain does not know the hash.
type Probe struct {
	Chain ChainSpec
	Tx    *Transaction
	Err   error
}

// Hit identifies the chain that returned a transaction.
type Hit struct {
	Chain ChainSpec
	Tx    *Transaction
}

// Fetcher resolves transaction hashes against the registered chains.
type Fetcher struct {
	registry *Registry
	clients  map[string]Client
	limiters map[string]*rate.Limiter
	logger   *slog.Logger
	metrics  *observability.ExtractdMetrics
	tracer   trace.Tracer
}

// FetcherOption customises the fetcher.
type FetcherOption func(*Fetcher)

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) FetcherOption {
	return func(f *Fetcher) { f.logger = logger }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *observability.ExtractdMetrics) FetcherOption {
	return func(f *Fetcher) { f.metrics = m }
}

// NewFetcher binds a client to every registered chain.
func NewFetcher(registry *Registry, clients map[string]Client, opts ...FetcherOption) (*Fetcher, error) {
	if registry == nil || registry.Len() == 0 {
		return nil, fmt.Errorf("chains: registry required")
	}
	f := &Fetcher{
		registry: registry,
		clients:  make(map[string]Client, registry.Len()),
		limiters: make(map[string]*rate.Limiter, registry.Len()),
		logger:   slog.Default(),
		metrics:  observability.Extractd(),
		tracer:   otel.Tracer("validatorpass/extractd/chains"),
	}
	for _, chain := range registry.Chains() {
		client, ok := clients[chain.Name]
		if !ok || client == nil {
			return nil, fmt.Errorf("chains: no client for chain %q", chain.Name)
		}
		f.clients[chain.Name] = client
		if chain.RequestsPerSecond > 0 {
			burst := int(chain.RequestsPerSecond)
			if burst < 1 {
				burst = 1
			}
			f.limiters[chain.Name] = rate.NewLimiter(rate.Limit(chain.RequestsPerSecond), burst)
		}
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	return f, nil
}

// Registry exposes the chains the fetcher searches.
func (f *Fetcher) Registry() *Registry { return f.registry }

// Probe lazily looks the hash up on each chain in registry order. Consumers
// stop ranging once they have what they need and later chains are never queried.
func (f *Fetcher) Probe(ctx context.Context, hash common.Hash) iter.Seq[Probe] {
	return func(yield func(Probe) bool) {
		for _, chain := range f.registry.Chains() {
			if ctx.Err() != nil {
				return
			}
			if !yield(f.lookup(ctx, chain, hash)) {
				return
			}
		}
	}
}

// FetchAcrossChains returns the first chain that knows the hash. RPC failures
// on a chain count as a miss. The only error is cancellation of ctx, which
// must not be mistaken for "not found".
func (f *Fetcher) FetchAcrossChains(ctx context.Context, hash common.Hash) (Hit, bool, error) {
	for probe := range f.Probe(ctx, hash) {
		if probe.Err != nil {
			f.metrics.RecordProbeError(probe.Chain.Name)
			f.logger.Warn("chain lookup failed",
				slog.String("chain", probe.Chain.Name),
				slog.String("tx_hash", hash.Hex()),
				slog.Any("error", probe.Err))
			continue
		}
		if probe.Tx != nil {
			return Hit{Chain: probe.Chain, Tx: probe.Tx}, true, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return Hit{}, false, err
	}
	return Hit{}, false, nil
}

func (f *Fetcher) lookup(ctx context.Context, chain ChainSpec, hash common.Hash) Probe {
	ctx, span := f.tracer.Start(ctx, "chains.lookup", trace.WithAttributes(
		attribute.String("chain", chain.Name),
		attribute.String("tx_hash", hash.Hex()),
	))
	defer span.End()

	tx, err := withChain(ctx, f, chain, func(ctx context.Context, client Client) (*Transaction, error) {
		return client.TransactionByHash(ctx, hash)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lookup failed")
		return Probe{Chain: chain, Err: err}
	}
	span.SetAttributes(attribute.Bool("found", tx != nil))
	return Probe{Chain: chain, Tx: tx}
}

// BlockTime returns the timestamp of the block on the named chain.
func (f *Fetcher) BlockTime(ctx context.Context, chain ChainSpec, number *big.Int) (time.Time, error) {
	return withChain(ctx, f, chain, func(ctx context.Context, client Client) (time.Time, error) {
		return client.BlockTime(ctx, number)
	})
}

// ReceiptStatus returns the execution status of the transaction on the named chain.
func (f *Fetcher) ReceiptStatus(ctx context.Context, chain ChainSpec, hash common.Hash) (uint64, error) {
	return withChain(ctx, f, chain, func(ctx context.Context, client Client) (uint64, error) {
		return client.ReceiptStatus(ctx, hash)
	})
}

// withChain runs call against the chain's client inside the chain's timeout
// budget and rate limit.
func withChain[T any](ctx context.Context, f *Fetcher, chain ChainSpec, call func(context.Context, Client) (T, error)) (T, error) {
	var zero T
	client, ok := f.clients[chain.Name]
	if !ok {
		return zero, fmt.Errorf("chains: unknown chain %q", chain.Name)
	}
	timeout := chain.LookupTimeout
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if limiter := f.limiters[chain.Name]; limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return zero, fmt.Errorf("rate limit %s: %w", chain.Name, err)
		}
	}
	return call(ctx, client)
}

// Close releases every chain client.
func (f *Fetcher) Close() {
	for _, client := range f.clients {
		client.Close()
	}
}
