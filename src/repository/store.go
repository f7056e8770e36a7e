package repository

import (
	"context"
	"errors"
	"time"

	"mindbridge/src/app"
	cfg "mindbridge/src/configuration"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrEmailTaken = errors.New("email already registered")
)

type (
	// Store persists accounts, detection history and revoked refresh tokens.
	Store interface {
		CreateUser(ctx context.Context, user *app.User) error
		UserByID(ctx context.Context, id string) (*app.User, error)
		UserByEmail(ctx context.Context, email string) (*app.User, error)
		UserByExternalID(ctx context.Context, externalID string) (*app.User, error)
		// UpdateUser stores the profile fields of an existing user.
		UpdateUser(ctx context.Context, user *app.User) error

		SaveEmotionRecord(ctx context.Context, record *app.EmotionRecord) error
		// EmotionHistory returns one page (1-based) of a user's records created
		// at or after since, newest first, and their total count.
		EmotionHistory(ctx context.Context, userID string, since time.Time, page, limit int) ([]app.EmotionRecord, int, error)
		// ClearFrameKey unlinks records from an archived frame that was removed.
		ClearFrameKey(ctx context.Context, userID, key string) (int, error)

		RevokeToken(ctx context.Context, tokenID string, expiresAt time.Time) error
		IsRevoked(ctx context.Context, tokenID string) (bool, error)
		// PruneRevoked drops revocations whose token has expired anyway.
		PruneRevoked(ctx context.Context, now time.Time) (int, error)

		Close(ctx context.Context)
	}
)

// NewStore picks Postgres when a URL is configured and memory otherwise.
func NewStore(ctx context.Context, config *cfg.Properties) (Store, error) {
	if config == nil {
		return nil, errors.New("config is not valid")
	}
	if config.DB.URL == "" {
		return NewInMemoryDB(), nil
	}
	return NewPostgresDB(ctx, config.DB.URL)
}
