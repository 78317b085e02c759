package store

import (
	"context"
	"fmt"

	"validatorpass/services/extractd/models"
)

// ListContributions returns the identity's contribution records, newest first.
func (s *Store) ListContributions(ctx context.Context, rawIdentity string) ([]models.Contribution, error) {
	identity, err := normalizeIdentity(rawIdentity)
	if err != nil {
		return nil, err
	}
	var records []models.Contribution
	if err := s.db.WithContext(ctx).
		Where("discord_username = ?", identity).
		Order("created_at DESC").Order("id DESC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("store: list contributions: %w", err)
	}
	return records, nil
}

// ListSubmissions returns the identity's submissions, newest first. With
// outstanding set only pending and failed submissions are returned.
func (s *Store) ListSubmissions(ctx context.Context, rawIdentity string, outstanding bool) ([]models.Submission, error) {
	identity, err := normalizeIdentity(rawIdentity)
	if err != nil {
		return nil, err
	}
	query := s.db.WithContext(ctx).Where("discord_username = ?", identity)
	if outstanding {
		query = query.Where("is_valid = ?", false)
	}
	var subs []models.Submission
	if err := query.Order("created_at DESC").Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("store: list submissions: %w", err)
	}
	return subs, nil
}

// WalletsFor returns the addresses currently bound to identity.
func (s *Store) WalletsFor(ctx context.Context, rawIdentity string) ([]models.VerifiedWallet, error) {
	identity, err := normalizeIdentity(rawIdentity)
	if err != nil {
		return nil, err
	}
	var wallets []models.VerifiedWallet
	if err := s.db.WithContext(ctx).
		Where("discord_username = ?", identity).
		Order("address ASC").
		Find(&wallets).Error; err != nil {
		return nil, fmt.Errorf("store: list wallets: %w", err)
	}
	return wallets, nil
}
