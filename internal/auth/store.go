package auth

import (
	"context"
	"time"
)

// CredentialStore holds one record per principal, keyed by normalized
// identity (case-insensitive uniqueness). Implementations must serialize
// mutations per identity; reads return copies.
type CredentialStore interface {
	// Create inserts a new principal. Returns ErrDuplicateIdentity when the
	// normalized identity already exists.
	Create(ctx context.Context, p *Principal) error

	// Find returns the principal for a normalized identity, or ErrNotFound.
	Find(ctx context.Context, identity string) (*Principal, error)

	// List returns all principals ordered by identity.
	List(ctx context.Context) ([]*Principal, error)

	// UpdatePassword stores a new hash and lifecycle state in one step:
	// a user-driven change lands in StateActive, an admin reset in
	// StateMustChange.
	UpdatePassword(ctx context.Context, identity, hash string, state AccountState) error

	// UpdateState transitions the lifecycle state (disable/enable).
	UpdateState(ctx context.Context, identity string, state AccountState) error

	// UpdateRole reassigns the role. Live tokens keep their snapshot.
	UpdateRole(ctx context.Context, identity string, role Role) error

	// TouchLogin records the last successful login time.
	TouchLogin(ctx context.Context, identity string, at time.Time) error
}
