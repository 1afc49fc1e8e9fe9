package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/erp/collector/internal/domain/extraction"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGormTokenStore(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("load without token", func(t *testing.T) {
		store := NewGormTokenStore(newTestDB(t))
		_, err := store.Load(ctx)
		assert.ErrorIs(t, err, extraction.ErrTokenNotFound)
	})

	t.Run("save keeps a single row", func(t *testing.T) {
		db := newTestDB(t)
		store := NewGormTokenStore(db)

		require.NoError(t, store.Save(ctx, &extraction.OAuthToken{
			AccessToken: "a1", RefreshToken: "r1", TokenType: "Bearer", ExpiresAt: now.Add(time.Hour), UpdatedAt: now,
		}))
		require.NoError(t, store.Save(ctx, &extraction.OAuthToken{
			AccessToken: "a2", RefreshToken: "r2", TokenType: "Bearer", ExpiresAt: now.Add(2 * time.Hour), UpdatedAt: now,
		}))

		var count int64
		require.NoError(t, db.Table("oauth_tokens").Count(&count).Error)
		assert.Equal(t, int64(1), count)

		token, err := store.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "a2", token.AccessToken)
		assert.Equal(t, "r2", token.RefreshToken)
		assert.True(t, token.ExpiresAt.Equal(now.Add(2*time.Hour)))
	})

	t.Run("with lock commits writes", func(t *testing.T) {
		store := NewGormTokenStore(newTestDB(t))
		require.NoError(t, store.Save(ctx, &extraction.OAuthToken{AccessToken: "old", RefreshToken: "r", ExpiresAt: now, UpdatedAt: now}))

		err := store.WithLock(ctx, func(ctx context.Context, locked extraction.TokenStore) error {
			current, err := locked.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, "old", current.AccessToken)
			return locked.Save(ctx, &extraction.OAuthToken{AccessToken: "new", RefreshToken: "r2", ExpiresAt: now, UpdatedAt: now})
		})
		require.NoError(t, err)

		token, err := store.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "new", token.AccessToken)
	})

	t.Run("with lock rolls back on error", func(t *testing.T) {
		store := NewGormTokenStore(newTestDB(t))
		require.NoError(t, store.Save(ctx, &extraction.OAuthToken{AccessToken: "old", RefreshToken: "r", ExpiresAt: now, UpdatedAt: now}))

		boom := errors.New("refresh failed")
		err := store.WithLock(ctx, func(ctx context.Context, locked extraction.TokenStore) error {
			require.NoError(t, locked.Save(ctx, &extraction.OAuthToken{AccessToken: "new", RefreshToken: "r2", ExpiresAt: now, UpdatedAt: now}))
			return boom
		})
		assert.ErrorIs(t, err, boom)

		token, err := store.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "old", token.AccessToken)
	})
}

func TestGormTokenStore_WithLockSelectsForUpdate(t *testing.T) {
	db, mock, mockDB := newMockDatabase(t)
	defer mockDB.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "oauth_tokens" WHERE id = \$1 .*FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "access_token", "refresh_token", "token_type", "expires_at", "updated_at"}).
			AddRow(1, "a", "r", "Bearer", time.Now(), time.Now()))
	mock.ExpectCommit()

	store := NewGormTokenStore(db.DB)
	err := store.WithLock(context.Background(), func(ctx context.Context, locked extraction.TokenStore) error {
		_, err := locked.Load(ctx)
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
