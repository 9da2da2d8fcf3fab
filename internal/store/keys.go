package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// GetBestAPIKey selects the credential to dispatch with for a provider:
// enabled and under daily quota, preferred keys shadow the rest, then
// highest weight wins with id as the stable tiebreak. Returns (nil, nil)
// when no key qualifies.
func (s *Store) GetBestAPIKey(ctx context.Context, providerID uint) (*APIKey, error) {
	var keys []APIKey
	err := s.db.WithContext(ctx).
		Where("provider_id = ? AND is_enabled = ?", providerID, true).
		Where("daily_quota IS NULL OR usage_count < daily_quota").
		Order("weight desc, id asc").
		Find(&keys).Error
	if err != nil {
		return nil, fmt.Errorf("store: keys for provider %d: %w", providerID, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	for i := range keys {
		if keys[i].IsPreferred {
			return &keys[i], nil
		}
	}
	return &keys[0], nil
}

// GetKeysForProvider returns all keys for the provider, secrets included.
func (s *Store) GetKeysForProvider(ctx context.Context, providerID uint) ([]APIKey, error) {
	var keys []APIKey
	err := s.db.WithContext(ctx).
		Where("provider_id = ?", providerID).Order("id asc").Find(&keys).Error
	if err != nil {
		return nil, fmt.Errorf("store: list keys for provider %d: %w", providerID, err)
	}
	return keys, nil
}

// CreateAPIKey inserts a credential.
func (s *Store) CreateAPIKey(ctx context.Context, k *APIKey) error {
	return s.withRetry(ctx, func(tx *gorm.DB) error {
		return tx.Create(k).Error
	})
}

// UpdateAPIKey saves credential changes.
func (s *Store) UpdateAPIKey(ctx context.Context, k *APIKey) error {
	return s.withRetry(ctx, func(tx *gorm.DB) error {
		k.UpdatedAt = time.Now().UTC()
		return tx.Save(k).Error
	})
}

// DeleteAPIKey removes a credential.
func (s *Store) DeleteAPIKey(ctx context.Context, id uint) error {
	return s.withRetry(ctx, func(tx *gorm.DB) error {
		return tx.Delete(&APIKey{}, id).Error
	})
}

// IncrementKeyUsage bumps usage_count by one for the key. Called on every
// dispatch, success or failure.
func (s *Store) IncrementKeyUsage(ctx context.Context, keyID uint) error {
	return s.withRetry(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&APIKey{}).Where("id = ?", keyID).
			Update("usage_count", gorm.Expr("usage_count + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

// ResetDailyUsage zeroes usage_count on every key. The app runs this once a
// day at midnight UTC.
func (s *Store) ResetDailyUsage(ctx context.Context) (int64, error) {
	var affected int64
	err := s.withRetry(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&APIKey{}).Where("usage_count > 0").
			Update("usage_count", 0)
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("store: reset daily usage: %w", err)
	}
	return affected, nil
}
