package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"validatorpass/services/extractd/models"
)

var (
	// ErrAlreadyValidated is returned when a resubmission targets a terminal valid submission.
	ErrAlreadyValidated = errors.New("store: submission already validated")
	// ErrSubmissionChanged indicates a submission row no longer matched the state it was locked in.
	ErrSubmissionChanged = errors.New("store: submission changed while locked")
	// ErrInvalidTxHash rejects hashes that are not 32-byte hex strings.
	ErrInvalidTxHash = errors.New("store: tx hash must be 0x-prefixed 32-byte hex")
	// ErrInvalidAddress rejects malformed wallet addresses.
	ErrInvalidAddress = errors.New("store: address must be a 20-byte hex address")
	// ErrIdentityRequired rejects blank identities.
	ErrIdentityRequired = errors.New("store: identity required")
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-f]{64}$`)

// Store is the engine's data access layer. A Store either wraps the pool or,
// inside Transaction, a single transaction handle that every call shares.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// New wraps a gorm handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// WithClock overrides the clock used for row timestamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{db: s.db, now: now}
}

// DB exposes the underlying handle.
func (s *Store) DB() *gorm.DB { return s.db }

// Transaction runs fn against a transaction-scoped Store. Returning an error
// from fn rolls back everything written through it.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store: not configured")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, now: s.now})
	})
}

// NormalizeTxHash lower-cases and validates a transaction hash.
func NormalizeTxHash(raw string) (string, error) {
	hash := strings.ToLower(strings.TrimSpace(raw))
	if !txHashPattern.MatchString(hash) {
		return "", ErrInvalidTxHash
	}
	return hash, nil
}

// NormalizeAddress lower-cases and validates a wallet address.
func NormalizeAddress(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return "", ErrInvalidAddress
	}
	return strings.ToLower(common.HexToAddress(trimmed).Hex()), nil
}

func normalizeIdentity(raw string) (string, error) {
	identity := strings.TrimSpace(raw)
	if identity == "" {
		return "", ErrIdentityRequired
	}
	return identity, nil
}

// LockPending selects every outstanding submission with an exclusive row
// lock. Rows locked by another engine instance are skipped, not waited on.
func (s *Store) LockPending(ctx context.Context) ([]models.Submission, error) {
	var pending []models.Submission
	err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("is_pending = ? AND is_valid = ?", true, false).
		Order("created_at ASC").
		Find(&pending).Error
	if err != nil {
		return nil, fmt.Errorf("store: lock pending: %w", err)
	}
	return pending, nil
}

// LockIdentity serialises accrual for one identity until the enclosing
// transaction ends. Only Postgres needs it; SQLite already serialises writers.
func (s *Store) LockIdentity(ctx context.Context, identity string) error {
	if s.db.Dialector == nil || s.db.Dialector.Name() != "postgres" {
		return nil
	}
	if err := s.db.WithContext(ctx).Exec("SELECT pg_advisory_xact_lock(hashtextextended(?, 0))", identity).Error; err != nil {
		return fmt.Errorf("store: lock identity: %w", err)
	}
	return nil
}

// IsOwnedBy reports whether identity has proven control of address. Rows
// written by other tools may carry checksummed addresses, so the match
// ignores case.
func (s *Store) IsOwnedBy(ctx context.Context, address common.Address, identity string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.VerifiedWallet{}).
		Where("LOWER(address) = ? AND discord_username = ?", strings.ToLower(address.Hex()), identity).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("store: ownership lookup: %w", err)
	}
	return count > 0, nil
}

// ContributionExists reports whether the hash was already credited on any chain.
func (s *Store) ContributionExists(ctx context.Context, txHash string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Contribution{}).
		Where("txhash = ?", strings.ToLower(txHash)).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("store: contribution lookup: %w", err)
	}
	return count > 0, nil
}

// MaxExpiry returns the identity's latest access expiry, or nil when it has
// no contributions. Reads inside a transaction see that transaction's inserts.
func (s *Store) MaxExpiry(ctx context.Context, identity string) (*int64, error) {
	var latest sql.NullInt64
	row := s.db.WithContext(ctx).Model(&models.Contribution{}).
		Select("MAX(access_expiry)").
		Where("discord_username = ?", identity).
		Row()
	if err := row.Scan(&latest); err != nil {
		return nil, fmt.Errorf("store: max expiry: %w", err)
	}
	if !latest.Valid {
		return nil, nil
	}
	value := latest.Int64
	return &value, nil
}

// RecordContribution appends a contribution record.
func (s *Store) RecordContribution(ctx context.Context, record *models.Contribution) error {
	if record == nil {
		return fmt.Errorf("store: contribution required")
	}
	record.TxHash = strings.ToLower(record.TxHash)
	record.Address = strings.ToLower(record.Address)
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("store: insert contribution: %w", err)
	}
	return nil
}

// MarkValid moves a locked submission to its terminal valid state.
func (s *Store) MarkValid(ctx context.Context, txHash, identity string) error {
	return s.settle(ctx, txHash, identity, true, "")
}

// MarkInvalid records a failed validation. The submission may be resubmitted.
func (s *Store) MarkInvalid(ctx context.Context, txHash, identity, reason string) error {
	return s.settle(ctx, txHash, identity, false, reason)
}

func (s *Store) settle(ctx context.Context, txHash, identity string, valid bool, reason string) error {
	res := s.db.WithContext(ctx).Model(&models.Submission{}).
		Where("txhash = ? AND discord_username = ? AND is_valid = ?", txHash, identity, false).
		Updates(map[string]any{
			"is_pending": false,
			"is_valid":   valid,
			"reason":     reason,
			"updated_at": s.now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("store: settle submission: %w", res.Error)
	}
	if res.RowsAffected != 1 {
		return fmt.Errorf("%w: %s/%s", ErrSubmissionChanged, txHash, identity)
	}
	return nil
}
