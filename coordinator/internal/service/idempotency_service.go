package service

import (
	"context"
	"time"

	apperrors "github.com/ailightning/ailightning/coordinator/internal/errors"
	"github.com/ailightning/ailightning/coordinator/internal/store"
	"go.uber.org/zap"
)

const maxIdempotencyKeyLen = 128

// IdempotencyService binds a client's Idempotency-Key to the session its
// first create request produced, so a retried create does not issue a second
// invoice.
type IdempotencyService struct {
	idempotencyStore store.IdempotencyStore
	ttl              time.Duration
	logger           *zap.Logger
}

// NewIdempotencyService creates a new idempotency service
func NewIdempotencyService(
	idempotencyStore store.IdempotencyStore,
	ttl time.Duration,
	logger *zap.Logger,
) *IdempotencyService {
	return &IdempotencyService{
		idempotencyStore: idempotencyStore,
		ttl:              ttl,
		logger:           logger,
	}
}

// ValidateIdempotencyKey accepts up to 128 printable ASCII characters
// without spaces.
func (s *IdempotencyService) ValidateIdempotencyKey(idempotencyKey string) error {
	if idempotencyKey == "" || len(idempotencyKey) > maxIdempotencyKeyLen {
		return apperrors.InvalidArgument("idempotency key must be 1 to 128 characters")
	}
	for i := 0; i < len(idempotencyKey); i++ {
		if c := idempotencyKey[i]; c <= ' ' || c > '~' {
			return apperrors.InvalidArgument("idempotency key must be printable ASCII without spaces")
		}
	}
	return nil
}

// Claim binds the user's key to sessionID. If the key is already bound the
// earlier session id is returned with claimed false.
func (s *IdempotencyService) Claim(ctx context.Context, userID, idempotencyKey, sessionID string) (string, bool, error) {
	existing, claimed, err := s.idempotencyStore.Claim(ctx, s.buildStoreKey(userID, idempotencyKey), sessionID, s.ttl)
	if err != nil {
		return "", false, apperrors.Unavailable("idempotency store unavailable", err)
	}
	if !claimed {
		s.logger.Debug("Idempotency key replayed",
			zap.String("user_id", userID),
			zap.String("idempotency_key", idempotencyKey),
			zap.String("session_id", existing))
	}
	return existing, claimed, nil
}

// Release frees a key whose request failed so the client can retry it.
func (s *IdempotencyService) Release(ctx context.Context, userID, idempotencyKey, sessionID string) {
	if err := s.idempotencyStore.Release(ctx, s.buildStoreKey(userID, idempotencyKey), sessionID); err != nil {
		s.logger.Warn("Failed to release idempotency key, it will expire",
			zap.String("user_id", userID),
			zap.String("idempotency_key", idempotencyKey),
			zap.Duration("ttl", s.ttl),
			zap.Error(err))
	}
}

func (s *IdempotencyService) buildStoreKey(userID, idempotencyKey string) string {
	return userID + ":" + idempotencyKey
}
