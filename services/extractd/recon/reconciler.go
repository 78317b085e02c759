package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"validatorpass/observability"
	"validatorpass/observability/logging"
	"validatorpass/services/extractd/accrual"
	"validatorpass/services/extractd/calldata"
	"validatorpass/services/extractd/chains"
	"validatorpass/services/extractd/models"
	"validatorpass/services/extractd/store"
)

// Submission outcomes reported per cycle.
const (
	StatusValid    = "valid"
	StatusInvalid  = "invalid"
	StatusDeferred = "deferred"
)

// ErrNoRecipients is returned when the accepted recipient allow-list is empty.
var ErrNoRecipients = errors.New("recon: at least one accepted recipient is required")

// Source locates transactions across the configured chains.
type Source interface {
	FetchAcrossChains(ctx context.Context, hash common.Hash) (chains.Hit, bool, error)
	BlockTime(ctx context.Context, chain chains.ChainSpec, number *big.Int) (time.Time, error)
	ReceiptStatus(ctx context.Context, chain chains.ChainSpec, hash common.Hash) (uint64, error)
}

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	Store      *store.Store
	Source     Source
	Decoder    calldata.TransferDecoder
	Recipients []common.Address
	Calculator *accrual.Calculator
	Logger     *slog.Logger
	Metrics    *observability.ExtractdMetrics
}

// Reconciler validates pending submissions and records the access they buy.
type Reconciler struct {
	store      *store.Store
	source     Source
	decoder    calldata.TransferDecoder
	recipients map[common.Address]struct{}
	calc       *accrual.Calculator
	logger     *slog.Logger
	metrics    *observability.ExtractdMetrics
	tracer     trace.Tracer
}

// Outcome is the result of reconciling one submission.
type Outcome struct {
	TxHash   string
	Identity string
	Chain    string
	Status   string
	Reason   string
	Grant    *accrual.Grant
}

// CycleResult summarises one committed reconciliation cycle.
type CycleResult struct {
	ID       string
	Started  time.Time
	Duration time.Duration
	Outcomes []Outcome
}

// Count returns how many outcomes carry the given status.
func (r *CycleResult) Count(status string) int {
	if r == nil {
		return 0
	}
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}

// NewReconciler validates the configuration and returns a reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("recon: store required")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("recon: transaction source required")
	}
	if len(cfg.Recipients) == 0 {
		return nil, ErrNoRecipients
	}
	decoder := cfg.Decoder
	if decoder == nil {
		decoder = calldata.Positional{}
	}
	calc := cfg.Calculator
	if calc == nil {
		return nil, fmt.Errorf("recon: accrual calculator required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.Extractd()
	}
	recipients := make(map[common.Address]struct{}, len(cfg.Recipients))
	for _, addr := range cfg.Recipients {
		recipients[addr] = struct{}{}
	}
	return &Reconciler{
		store:      cfg.Store,
		source:     cfg.Source,
		decoder:    decoder,
		recipients: recipients,
		calc:       calc,
		logger:     logger,
		metrics:    metrics,
		tracer:     otel.Tracer("validatorpass/extractd/recon"),
	}, nil
}

// RunCycle locks every outstanding submission, validates each one and commits
// all outcomes together. Any infrastructure error rolls the whole batch back
// and is returned; the rows stay pending for the next cycle.
func (r *Reconciler) RunCycle(ctx context.Context) (*CycleResult, error) {
	result := &CycleResult{ID: uuid.NewString(), Started: time.Now()}
	ctx, span := r.tracer.Start(ctx, "recon.cycle", trace.WithAttributes(attribute.String("cycle_id", result.ID)))
	defer span.End()

	locked := 0
	err := r.store.Transaction(ctx, func(tx *store.Store) error {
		pending, err := tx.LockPending(ctx)
		if err != nil {
			return err
		}
		locked = len(pending)
		outcomes := make([]Outcome, 0, len(pending))
		for _, sub := range pending {
			outcome, err := r.reconcile(ctx, tx, sub)
			if err != nil {
				return fmt.Errorf("reconcile %s: %w", sub.TxHash, err)
			}
			outcomes = append(outcomes, outcome)
		}
		result.Outcomes = outcomes
		return nil
	})
	result.Duration = time.Since(result.Started)
	r.metrics.ObserveCycle(locked, result.Duration, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cycle rolled back")
		r.logger.Error("reconciliation cycle rolled back",
			slog.String("cycle_id", result.ID),
			slog.Int("locked", locked),
			slog.Any("error", err))
		return nil, err
	}

	for _, o := range result.Outcomes {
		r.metrics.RecordOutcome(o.Status, o.Reason)
		if o.Grant != nil {
			r.metrics.RecordAccrual(o.Chain, o.Grant.AdditionalSeconds)
		}
	}
	span.SetAttributes(attribute.Int("locked", locked))
	if locked > 0 {
		r.logger.Info("reconciliation cycle committed",
			slog.String("cycle_id", result.ID),
			slog.Int("valid", result.Count(StatusValid)),
			slog.Int("invalid", result.Count(StatusInvalid)),
			slog.Int("deferred", result.Count(StatusDeferred)),
			slog.Duration("duration", result.Duration))
	}
	return result, nil
}

// reconcile applies the validation rules to one locked submission and writes
// its outcome through tx. A returned error aborts the cycle.
func (r *Reconciler) reconcile(ctx context.Context, tx *store.Store, sub models.Submission) (Outcome, error) {
	outcome := Outcome{TxHash: sub.TxHash, Identity: sub.Identity}
	logger := r.logger.With(
		slog.String("tx_hash", sub.TxHash),
		logging.MaskField("identity", sub.Identity),
	)

	if err := tx.LockIdentity(ctx, sub.Identity); err != nil {
		return outcome, err
	}

	claimed, err := tx.ContributionExists(ctx, sub.TxHash)
	if err != nil {
		return outcome, err
	}
	if claimed {
		return r.reject(ctx, tx, logger, outcome, models.ReasonAlreadyClaimed)
	}

	hash := common.HexToHash(sub.TxHash)
	hit, found, err := r.source.FetchAcrossChains(ctx, hash)
	if err != nil {
		return outcome, err
	}
	if !found {
		return r.reject(ctx, tx, logger, outcome, models.ReasonNotFound)
	}
	chain := hit.Chain
	outcome.Chain = chain.Name
	logger = logger.With(slog.String("chain", chain.Name))

	if hit.Tx.Pending() {
		logger.Debug("transaction not yet mined; deferring")
		outcome.Status = StatusDeferred
		return outcome, nil
	}
	if hit.Tx.To == nil || *hit.Tx.To != chain.TokenAddress {
		return r.reject(ctx, tx, logger, outcome, models.ReasonInvalidToken)
	}

	recipient, err := r.decoder.Recipient(hit.Tx.Input)
	if err != nil {
		logger.Warn("transfer recipient undecodable", slog.Any("error", err))
		return r.reject(ctx, tx, logger, outcome, models.ReasonInvalid)
	}
	if _, ok := r.recipients[recipient]; !ok {
		return r.reject(ctx, tx, logger, outcome, models.ReasonInvalidRecipient)
	}

	owned, err := tx.IsOwnedBy(ctx, hit.Tx.From, sub.Identity)
	if err != nil {
		return outcome, err
	}
	if !owned {
		return r.reject(ctx, tx, logger, outcome, models.ReasonUnverifiedSource)
	}

	amount, err := r.decoder.Amount(hit.Tx.Input, chain.Decimals)
	if err != nil {
		logger.Warn("transfer amount undecodable", slog.Any("error", err))
		return r.reject(ctx, tx, logger, outcome, models.ReasonInvalid)
	}

	status, err := r.source.ReceiptStatus(ctx, chain, hash)
	if err != nil {
		return outcome, fmt.Errorf("receipt on %s: %w", chain.Name, err)
	}
	if status != chains.ReceiptStatusSuccessful {
		return r.reject(ctx, tx, logger, outcome, models.ReasonFailed)
	}

	mined, err := r.source.BlockTime(ctx, chain, hit.Tx.BlockNumber)
	if err != nil {
		return outcome, fmt.Errorf("block %s on %s: %w", hit.Tx.BlockNumber, chain.Name, err)
	}

	prior, err := tx.MaxExpiry(ctx, sub.Identity)
	if err != nil {
		return outcome, err
	}
	grant := r.calc.Accrue(prior, amount)
	record := &models.Contribution{
		TxDate:            mined.UTC(),
		Address:           strings.ToLower(hit.Tx.From.Hex()),
		Chain:             chain.Name,
		TxHash:            sub.TxHash,
		Amount:            amount,
		AccessExpiry:      grant.Expiry,
		AdditionalSeconds: grant.AdditionalSeconds,
		Identity:          sub.Identity,
	}
	if err := tx.RecordContribution(ctx, record); err != nil {
		return outcome, err
	}
	if err := tx.MarkValid(ctx, sub.TxHash, sub.Identity); err != nil {
		return outcome, err
	}
	outcome.Status = StatusValid
	outcome.Grant = &grant
	logger.Info("contribution accepted",
		slog.String("amount", amount.String()),
		slog.Int64("additional_seconds", grant.AdditionalSeconds),
		slog.Int64("access_expiry", grant.Expiry))
	return outcome, nil
}

func (r *Reconciler) reject(ctx context.Context, tx *store.Store, logger *slog.Logger, outcome Outcome, reason string) (Outcome, error) {
	if err := tx.MarkInvalid(ctx, outcome.TxHash, outcome.Identity, reason); err != nil {
		return outcome, err
	}
	outcome.Status = StatusInvalid
	outcome.Reason = reason
	logger.Info("submission rejected", slog.String("reason", reason))
	return outcome, nil
}
