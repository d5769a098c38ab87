package store

import (
	"context"
	"time"
)

// Credential is the persisted bearer credential of an authenticated user.
type Credential struct {
	Token   string
	SavedAt time.Time
}

// GuestSession is the persisted identity of an anonymous caller. At most one
// guest session exists per local store.
type GuestSession struct {
	ID           string
	Name         string
	Email        string
	Subject      string
	CreatedAt    time.Time
	LastActivity time.Time
}

// Store is durable local state surviving process restarts. Presence of a
// credential versus a guest session deterministically selects the auth mode
// on startup.
type Store interface {
	SaveCredential(ctx context.Context, cred Credential) error
	LoadCredential(ctx context.Context) (*Credential, error)
	DeleteCredential(ctx context.Context) error

	SaveGuestSession(ctx context.Context, sess GuestSession) error
	LoadGuestSession(ctx context.Context) (*GuestSession, error)
	TouchGuestActivity(ctx context.Context, at time.Time) error
	DeleteGuestSession(ctx context.Context) error

	Close() error
}
