package store

import (
	"context"
	"errors"
	"time"

	"mediashare/pkg/domain"
)

// ErrEmailTaken is returned when an account insert or update collides with
// an existing email.
var ErrEmailTaken = errors.New("email already registered")

// AccountStore persists accounts.
type AccountStore interface {
	CreateAccount(ctx context.Context, a domain.Account) error
	GetAccountByEmail(ctx context.Context, email string) (domain.Account, bool, error)
	GetAccountByID(ctx context.Context, id string) (domain.Account, bool, error)
	UpdateAccount(ctx context.Context, a domain.Account) error
	// DeleteAccount returns the number of rows removed (0 or 1).
	DeleteAccount(ctx context.Context, id string) (int64, error)
}

// VideoStore persists video records.
type VideoStore interface {
	CreateVideo(ctx context.Context, v domain.Video) error
	GetVideo(ctx context.Context, id string) (domain.Video, bool, error)
	// ListVideosByOwner returns the owner's videos, newest first. Inside a
	// transaction on Postgres the rows are locked for update.
	ListVideosByOwner(ctx context.Context, ownerID string) ([]domain.Video, error)
	// ListVideosWithOwner returns every video with OwnerName filled, newest first.
	ListVideosWithOwner(ctx context.Context) ([]domain.Video, error)
	DeleteVideo(ctx context.Context, id string) (int64, error)
	DeleteVideosByOwner(ctx context.Context, ownerID string) (int64, error)
}

// Store is the relational store. WithinTx runs fn in one unit of work: the
// Store handed to fn is bound to the transaction, which commits when fn
// returns nil and rolls back when it returns an error or panics.
type Store interface {
	AccountStore
	VideoStore
	WithinTx(ctx context.Context, fn func(tx Store) error) error
}

// SessionStore persists session tokens.
type SessionStore interface {
	NewSession(userID string) (string, error)
	GetUserIDByToken(token string) (string, bool, error)
	DeleteSession(token string) error
}

// UserSessionRevoker is an optional capability that revokes all sessions
// issued for a user since a cutoff time.
type UserSessionRevoker interface {
	RevokeUserSessions(userID string, since time.Time) error
}
