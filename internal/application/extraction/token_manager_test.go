package extraction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/erp/collector/internal/domain/extraction"
)

// MockTokenEndpoint is a mock implementation of extraction.TokenEndpoint
type MockTokenEndpoint struct {
	mock.Mock
}

func (m *MockTokenEndpoint) ExchangeCode(ctx context.Context, code string) (*extraction.TokenGrant, error) {
	args := m.Called(ctx, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*extraction.TokenGrant), args.Error(1)
}

func (m *MockTokenEndpoint) Refresh(ctx context.Context, refreshToken string) (*extraction.TokenGrant, error) {
	args := m.Called(ctx, refreshToken)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*extraction.TokenGrant), args.Error(1)
}

// memTokenStore serialises WithLock like the row lock does
type memTokenStore struct {
	lock     sync.Mutex
	mu       sync.Mutex
	token    *extraction.OAuthToken
	saveErrs int
	saves    int
}

func (s *memTokenStore) Load(context.Context) (*extraction.OAuthToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == nil {
		return nil, extraction.ErrTokenNotFound
	}
	cp := *s.token
	return &cp, nil
}

func (s *memTokenStore) Save(_ context.Context, tok *extraction.OAuthToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.saveErrs > 0 {
		s.saveErrs--
		return errors.New("connection refused")
	}
	cp := *tok
	s.token = &cp
	return nil
}

func (s *memTokenStore) WithLock(ctx context.Context, fn func(context.Context, extraction.TokenStore) error) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return fn(ctx, s)
}

func (s *memTokenStore) current() *extraction.OAuthToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func storedToken(remaining time.Duration) *extraction.OAuthToken {
	return &extraction.OAuthToken{
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		TokenType:    "Bearer",
		ExpiresAt:    testNow.Add(remaining),
		UpdatedAt:    testNow.Add(-time.Hour),
	}
}

func newGrant() *extraction.TokenGrant {
	return &extraction.TokenGrant{
		AccessToken:  "new-access",
		RefreshToken: "new-refresh",
		ExpiresIn:    6 * time.Hour,
	}
}

func newTestTokenManager(store *memTokenStore, endpoint *MockTokenEndpoint) *TokenManager {
	return NewTokenManager(store, endpoint, TokenManagerConfig{
		Clock: func() time.Time { return testNow },
	})
}

func TestTokenManager_ValidToken(t *testing.T) {
	t.Run("refreshes inside the window", func(t *testing.T) {
		store := &memTokenStore{token: storedToken(9 * time.Minute)}
		endpoint := new(MockTokenEndpoint)
		endpoint.On("Refresh", mock.Anything, "old-refresh").Return(newGrant(), nil).Once()
		m := newTestTokenManager(store, endpoint)

		tok, err := m.ValidToken(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "new-access", tok)

		saved := store.current()
		assert.Equal(t, "new-refresh", saved.RefreshToken)
		assert.Equal(t, testNow.Add(6*time.Hour), saved.ExpiresAt)
		assert.Equal(t, testNow, saved.UpdatedAt)
		endpoint.AssertNumberOfCalls(t, "Refresh", 1)
	})

	t.Run("keeps a token outside the window", func(t *testing.T) {
		store := &memTokenStore{token: storedToken(11 * time.Minute)}
		endpoint := new(MockTokenEndpoint)
		m := newTestTokenManager(store, endpoint)

		tok, err := m.ValidToken(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "old-access", tok)
		endpoint.AssertNotCalled(t, "Refresh", mock.Anything, mock.Anything)
		assert.Zero(t, store.saves)
	})

	t.Run("no token stored", func(t *testing.T) {
		m := newTestTokenManager(&memTokenStore{}, new(MockTokenEndpoint))

		_, err := m.ValidToken(context.Background())
		assert.ErrorIs(t, err, extraction.ErrTokenNotFound)
		assert.True(t, extraction.IsFatal(err))
	})
}

func TestTokenManager_ConcurrentCallersShareOneRefresh(t *testing.T) {
	store := &memTokenStore{token: storedToken(time.Minute)}
	endpoint := new(MockTokenEndpoint)
	var calls atomic.Int32
	endpoint.On("Refresh", mock.Anything, "old-refresh").
		Run(func(mock.Arguments) {
			calls.Add(1)
			time.Sleep(20 * time.Millisecond)
		}).
		Return(newGrant(), nil)
	m := newTestTokenManager(store, endpoint)

	var wg sync.WaitGroup
	results := make([]string, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.ValidToken(context.Background())
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, "new-access", results[i])
	}
	// late callers find the fresh token under the lock
	assert.Equal(t, int32(1), calls.Load())
}

func TestTokenManager_RefreshErrors(t *testing.T) {
	t.Run("rejected refresh token requires reauthorization", func(t *testing.T) {
		store := &memTokenStore{token: storedToken(time.Minute)}
		endpoint := new(MockTokenEndpoint)
		endpoint.On("Refresh", mock.Anything, "old-refresh").
			Return(nil, fmt.Errorf("%w: invalid_grant", extraction.ErrReauthorizationRequired)).Once()
		m := newTestTokenManager(store, endpoint)

		_, err := m.ValidToken(context.Background())
		assert.ErrorIs(t, err, extraction.ErrReauthorizationRequired)
		assert.NotErrorIs(t, err, extraction.ErrTokenRefresh)
		assert.Equal(t, "old-refresh", store.current().RefreshToken)
	})

	t.Run("transient failure is a refresh failure", func(t *testing.T) {
		store := &memTokenStore{token: storedToken(time.Minute)}
		endpoint := new(MockTokenEndpoint)
		endpoint.On("Refresh", mock.Anything, "old-refresh").
			Return(nil, fmt.Errorf("%w after 5 attempts: HTTP 503", extraction.ErrTransientNetwork)).Once()
		m := newTestTokenManager(store, endpoint)

		_, err := m.ValidToken(context.Background())
		assert.ErrorIs(t, err, extraction.ErrTokenRefresh)
		assert.ErrorIs(t, err, extraction.ErrTransientNetwork)
		assert.Zero(t, store.saves)
	})
}

func TestTokenManager_PersistAfterRefresh(t *testing.T) {
	t.Run("fallback save succeeds", func(t *testing.T) {
		store := &memTokenStore{token: storedToken(time.Minute), saveErrs: 2}
		endpoint := new(MockTokenEndpoint)
		endpoint.On("Refresh", mock.Anything, "old-refresh").Return(newGrant(), nil).Once()
		m := newTestTokenManager(store, endpoint)

		tok, err := m.Refresh(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "new-refresh", tok.RefreshToken)
		assert.Equal(t, "new-refresh", store.current().RefreshToken)
		assert.Equal(t, 3, store.saves)
	})

	t.Run("every save fails", func(t *testing.T) {
		store := &memTokenStore{token: storedToken(time.Minute), saveErrs: 10}
		endpoint := new(MockTokenEndpoint)
		endpoint.On("Refresh", mock.Anything, "old-refresh").Return(newGrant(), nil).Once()
		m := newTestTokenManager(store, endpoint)

		_, err := m.Refresh(context.Background())
		assert.ErrorIs(t, err, extraction.ErrTokenPersist)
		assert.True(t, extraction.IsFatal(err))
		// one save under the lock plus the fallback attempts
		assert.Equal(t, 1+defaultPersistAttempts, store.saves)
	})
}

func TestTokenManager_RefreshIsForced(t *testing.T) {
	store := &memTokenStore{token: storedToken(5 * time.Hour)}
	endpoint := new(MockTokenEndpoint)
	endpoint.On("Refresh", mock.Anything, "old-refresh").Return(newGrant(), nil).Once()
	m := newTestTokenManager(store, endpoint)

	tok, err := m.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new-access", tok.AccessToken)
	endpoint.AssertExpectations(t)
}

func TestTokenManager_ExchangeCode(t *testing.T) {
	t.Run("stores the first pair", func(t *testing.T) {
		store := &memTokenStore{}
		endpoint := new(MockTokenEndpoint)
		endpoint.On("ExchangeCode", mock.Anything, "auth-code").Return(newGrant(), nil).Once()
		m := newTestTokenManager(store, endpoint)

		tok, err := m.ExchangeCode(context.Background(), "auth-code")
		require.NoError(t, err)
		assert.Equal(t, "Bearer", tok.TokenType)
		assert.Equal(t, "new-access", store.current().AccessToken)
	})

	t.Run("endpoint error", func(t *testing.T) {
		endpoint := new(MockTokenEndpoint)
		endpoint.On("ExchangeCode", mock.Anything, "bad").
			Return(nil, fmt.Errorf("%w: invalid_grant", extraction.ErrReauthorizationRequired)).Once()
		m := newTestTokenManager(&memTokenStore{}, endpoint)

		_, err := m.ExchangeCode(context.Background(), "bad")
		assert.ErrorIs(t, err, extraction.ErrReauthorizationRequired)
	})

	t.Run("save error", func(t *testing.T) {
		endpoint := new(MockTokenEndpoint)
		endpoint.On("ExchangeCode", mock.Anything, "auth-code").Return(newGrant(), nil).Once()
		m := newTestTokenManager(&memTokenStore{saveErrs: 1}, endpoint)

		_, err := m.ExchangeCode(context.Background(), "auth-code")
		assert.ErrorIs(t, err, extraction.ErrTokenPersist)
	})
}

func TestTokenManager_Info(t *testing.T) {
	info, err := newTestTokenManager(&memTokenStore{}, new(MockTokenEndpoint)).Info(context.Background())
	require.NoError(t, err)
	assert.False(t, info.HasToken)
	assert.Nil(t, info.ExpiresAt)

	store := &memTokenStore{token: storedToken(time.Hour)}
	info, err = newTestTokenManager(store, new(MockTokenEndpoint)).Info(context.Background())
	require.NoError(t, err)
	assert.True(t, info.HasToken)
	assert.Equal(t, testNow.Add(time.Hour), *info.ExpiresAt)
	assert.Equal(t, testNow.Add(-time.Hour), *info.UpdatedAt)
}
