// Package magiclink issues and redeems single-use, time-boxed sign-in
// credentials. Only the SHA-256 of a credential is ever persisted; the
// raw value travels out-of-band (email) and is exchangeable for a
// session exactly once before it expires.
package magiclink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"linkroom/api/internal/auth"
)

const DefaultTTL = 15 * time.Minute

// ErrInvalidOrExpired covers never-existed, already-used, and expired
// alike. Collapsing the three is deliberate: callers must not be able
// to probe which tokens exist.
var ErrInvalidOrExpired = errors.New("magic token is invalid or expired")

// TokenStore persists hashed magic-link credentials. ConsumeToken must
// be atomic with respect to concurrent redemption of the same hash: at
// most one caller observes found=true.
type TokenStore interface {
	SaveToken(ctx context.Context, tokenHash string, userID int64, expiresAt time.Time) error
	ConsumeToken(ctx context.Context, tokenHash string, now time.Time) (userID int64, found bool, err error)
}

type Service struct {
	store TokenStore
	ttl   time.Duration
}

func NewService(store TokenStore, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{store: store, ttl: ttl}
}

// Issue creates a fresh credential for userID and persists its hash.
// The raw token is returned once, for out-of-band delivery, and is
// never recoverable from the store.
func (s *Service) Issue(ctx context.Context, userID int64) (string, time.Time, error) {
	raw, err := auth.NewMagicToken()
	if err != nil {
		return "", time.Time{}, err
	}
	expiresAt := time.Now().Add(s.ttl)
	if err := s.store.SaveToken(ctx, auth.HashToken(raw), userID, expiresAt); err != nil {
		return "", time.Time{}, fmt.Errorf("save magic token: %w", err)
	}
	return raw, expiresAt, nil
}

// Redeem exchanges a raw credential for its owner's user ID, consuming
// it. Of two concurrent redemptions of the same token, exactly one
// succeeds; the loser sees ErrInvalidOrExpired like any other failure.
func (s *Service) Redeem(ctx context.Context, rawToken string, now time.Time) (int64, error) {
	userID, found, err := s.store.ConsumeToken(ctx, auth.HashToken(rawToken), now)
	if err != nil {
		return 0, fmt.Errorf("consume magic token: %w", err)
	}
	if !found {
		return 0, ErrInvalidOrExpired
	}
	return userID, nil
}
