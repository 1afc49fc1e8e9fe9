package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/erp/collector/internal/domain/extraction"
	"github.com/erp/collector/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormTokenStore implements extraction.TokenStore on the oauth_tokens singleton row
type GormTokenStore struct {
	db     *gorm.DB
	locked bool
}

// NewGormTokenStore creates a new GormTokenStore
func NewGormTokenStore(db *gorm.DB) *GormTokenStore {
	return &GormTokenStore{db: db}
}

// Load returns the stored token pair, or extraction.ErrTokenNotFound
func (s *GormTokenStore) Load(ctx context.Context) (*extraction.OAuthToken, error) {
	q := s.db.WithContext(ctx)
	if s.locked {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var m models.TokenModel
	if err := q.Where("id = ?", models.TokenSingletonID).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, extraction.ErrTokenNotFound
		}
		return nil, fmt.Errorf("load token: %w", err)
	}
	return m.ToDomain(), nil
}

// Save overwrites the singleton row with the given pair
func (s *GormTokenStore) Save(ctx context.Context, token *extraction.OAuthToken) error {
	m := models.TokenModelFromDomain(token)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"access_token", "refresh_token", "token_type", "expires_at", "updated_at"}),
		}).
		Create(m).Error
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// WithLock runs fn inside a transaction holding SELECT ... FOR UPDATE on the
// singleton row. Loads through the locked store re-read under that lock, so a
// concurrent refresher blocks until the first one has committed its new pair.
func (s *GormTokenStore) WithLock(ctx context.Context, fn func(ctx context.Context, locked extraction.TokenStore) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &GormTokenStore{db: tx, locked: true})
	})
}
