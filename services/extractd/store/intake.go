package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"validatorpass/services/extractd/models"
)

// Submit records a transaction hash for validation. Resubmitting a failed
// hash puts it back into the queue; resubmitting a valid one is rejected.
func (s *Store) Submit(ctx context.Context, rawHash, rawIdentity string) (*models.Submission, error) {
	txHash, err := NormalizeTxHash(rawHash)
	if err != nil {
		return nil, err
	}
	identity, err := normalizeIdentity(rawIdentity)
	if err != nil {
		return nil, err
	}
	var result models.Submission
	err = s.Transaction(ctx, func(tx *Store) error {
		var existing models.Submission
		err := tx.db.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&existing, "txhash = ? AND discord_username = ?", txHash, identity).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			created, err := tx.insertSubmission(txHash, identity)
			if err != nil {
				return err
			}
			result = *created
			return nil
		case err != nil:
			return err
		}
		if existing.IsValid {
			return ErrAlreadyValidated
		}
		if existing.IsPending {
			result = existing
			return nil
		}
		existing.IsPending = true
		existing.Reason = ""
		existing.UpdatedAt = tx.now().UTC()
		if err := tx.db.Save(&existing).Error; err != nil {
			return err
		}
		result = existing
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyValidated) {
			return nil, err
		}
		return nil, fmt.Errorf("store: submit: %w", err)
	}
	return &result, nil
}

// insertSubmission queues a new hash. A concurrent first submission of the
// same pair may commit between our lookup and insert; the insert then does
// nothing and the row that won is returned instead.
func (s *Store) insertSubmission(txHash, identity string) (*models.Submission, error) {
	now := s.now().UTC()
	sub := models.Submission{
		TxHash:    txHash,
		Identity:  identity,
		IsPending: true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	res := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&sub)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 1 {
		return &sub, nil
	}
	var existing models.Submission
	if err := s.db.First(&existing, "txhash = ? AND discord_username = ?", txHash, identity).Error; err != nil {
		return nil, err
	}
	if existing.IsValid {
		return nil, ErrAlreadyValidated
	}
	return &existing, nil
}

// ConfirmOwnership binds address to identity after an out-of-band signature
// check. Any previous binding of the address is replaced.
func (s *Store) ConfirmOwnership(ctx context.Context, rawIdentity, rawAddress string) (*models.VerifiedWallet, error) {
	identity, err := normalizeIdentity(rawIdentity)
	if err != nil {
		return nil, err
	}
	address, err := NormalizeAddress(rawAddress)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	wallet := models.VerifiedWallet{Address: address, Identity: identity, CreatedAt: now, UpdatedAt: now}
	err = s.Transaction(ctx, func(tx *Store) error {
		// Drop differently-cased copies of the address so the new binding is the only one.
		if err := tx.db.Where("LOWER(address) = ? AND address <> ?", address, address).
			Delete(&models.VerifiedWallet{}).Error; err != nil {
			return err
		}
		return tx.db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "address"}},
			DoUpdates: clause.AssignmentColumns([]string{"discord_username", "updated_at"}),
		}).Create(&wallet).Error
	})
	if err != nil {
		return nil, fmt.Errorf("store: confirm ownership: %w", err)
	}
	return &wallet, nil
}
