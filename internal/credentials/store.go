// Package credentials keeps vendor secrets and session tokens. Tokens are
// persisted through a Repository so a restart reuses a still-valid token
// instead of logging in again.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/i474232898/grow-watcher/internal/sensor"
)

// DefaultSafetyMargin keeps a token from being used right before it expires.
const DefaultSafetyMargin = 60 * time.Second

// Repository persists credential rows.
type Repository interface {
	LoadCredential(ctx context.Context, vendor sensor.Vendor) (sensor.Credential, error)
	SaveCredential(ctx context.Context, cred sensor.Credential) error
	SaveToken(ctx context.Context, vendor sensor.Vendor, token string, expiresAt *time.Time) error
}

// Store is a cached, per-vendor serialized view over a Repository.
type Store struct {
	repo   Repository
	margin time.Duration
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[sensor.Vendor]sensor.Credential

	locksMu sync.Mutex
	locks   map[sensor.Vendor]*sync.Mutex
}

// NewStore creates a Store. A non-positive margin uses DefaultSafetyMargin.
func NewStore(repo Repository, margin time.Duration, logger *zap.Logger) *Store {
	if margin <= 0 {
		margin = DefaultSafetyMargin
	}
	return &Store{
		repo:   repo,
		margin: margin,
		logger: logger,
		cache:  make(map[sensor.Vendor]sensor.Credential),
		locks:  make(map[sensor.Vendor]*sync.Mutex),
	}
}

// Seed stores the configured username and secret. A persisted token is kept
// when the username is unchanged.
func (s *Store) Seed(ctx context.Context, cred sensor.Credential) error {
	unlock := s.Lock(cred.Vendor)
	defer unlock()

	existing, err := s.repo.LoadCredential(ctx, cred.Vendor)
	switch {
	case err == nil && existing.Username == cred.Username:
		cred.SessionToken = existing.SessionToken
		cred.TokenExpiresAt = existing.TokenExpiresAt
	case err != nil && !errors.Is(err, sensor.ErrNotFound):
		return fmt.Errorf("failed to load credential for %s: %w", cred.Vendor, err)
	default:
		cred.SessionToken = ""
		cred.TokenExpiresAt = nil
	}

	if err := s.repo.SaveCredential(ctx, cred); err != nil {
		return fmt.Errorf("failed to save credential for %s: %w", cred.Vendor, err)
	}

	s.mu.Lock()
	s.cache[cred.Vendor] = cred
	s.mu.Unlock()
	return nil
}

// Get returns the credential for vendor, or sensor.ErrNotFound.
func (s *Store) Get(ctx context.Context, vendor sensor.Vendor) (sensor.Credential, error) {
	s.mu.RLock()
	cred, ok := s.cache[vendor]
	s.mu.RUnlock()
	if ok {
		return cred, nil
	}

	cred, err := s.repo.LoadCredential(ctx, vendor)
	if err != nil {
		return sensor.Credential{}, err
	}

	s.mu.Lock()
	s.cache[vendor] = cred
	s.mu.Unlock()
	return cred, nil
}

// SetToken replaces the session token. The row is persisted before the cache
// is updated, so readers never see a token the repository does not hold.
func (s *Store) SetToken(ctx context.Context, vendor sensor.Vendor, token string, expiresAt time.Time) error {
	exp := expiresAt.UTC()
	return s.updateToken(ctx, vendor, token, &exp)
}

// Expire clears the session token.
func (s *Store) Expire(ctx context.Context, vendor sensor.Vendor) error {
	return s.updateToken(ctx, vendor, "", nil)
}

func (s *Store) updateToken(ctx context.Context, vendor sensor.Vendor, token string, expiresAt *time.Time) error {
	cred, err := s.Get(ctx, vendor)
	if err != nil {
		return err
	}
	if err := s.repo.SaveToken(ctx, vendor, token, expiresAt); err != nil {
		return fmt.Errorf("failed to persist token for %s: %w", vendor, err)
	}

	cred.SessionToken = token
	cred.TokenExpiresAt = expiresAt

	s.mu.Lock()
	s.cache[vendor] = cred
	s.mu.Unlock()
	return nil
}

// IsValid reports whether a token exists and outlives now plus the safety margin.
func (s *Store) IsValid(ctx context.Context, vendor sensor.Vendor, now time.Time) bool {
	cred, err := s.Get(ctx, vendor)
	if err != nil {
		if !errors.Is(err, sensor.ErrNotFound) {
			s.logger.Warn("credential lookup failed", zap.String("vendor", string(vendor)), zap.Error(err))
		}
		return false
	}
	if !cred.HasToken() {
		return false
	}
	return cred.TokenExpiresAt.After(now.Add(s.margin))
}

// Lock serializes token mutation for one vendor.
func (s *Store) Lock(vendor sensor.Vendor) func() {
	s.locksMu.Lock()
	l, ok := s.locks[vendor]
	if !ok {
		l = &sync.Mutex{}
		s.locks[vendor] = l
	}
	s.locksMu.Unlock()

	l.Lock()
	return l.Unlock
}
