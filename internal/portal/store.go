// Copyright (c) 2026 Verisite Health. All rights reserved.
// Author: platform@verisite.health

package portal

import (
	stdctx "context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// # Repository Contracts

// UserRepository persists portal accounts and their assignments. All methods
// run inside the caller's scoped transaction so row-level security and audit
// writes share one commit point.
type UserRepository interface {
	Insert(ctx stdctx.Context, tx pgx.Tx, user *User) error

	// FindByID returns the account with roles and site assignments hydrated.
	FindByID(ctx stdctx.Context, tx pgx.Tx, id string) (*User, error)

	// FindByEmail matches case-insensitively on the stored address.
	FindByEmail(ctx stdctx.Context, tx pgx.Tx, email string) (*User, error)

	List(ctx stdctx.Context, tx pgx.Tx, limit, offset int) ([]*User, int, error)

	// Update writes the mutable account columns: full name, status, password
	// hash, MFA type and sessions_revoked_at. Assignments move separately.
	Update(ctx stdctx.Context, tx pgx.Tx, user *User) error

	// ReplaceRoles swaps the complete role assignment set in place.
	ReplaceRoles(ctx stdctx.Context, tx pgx.Tx, userID string, roles []string) error

	// ReplaceSites swaps the complete site assignment set in place.
	ReplaceSites(ctx stdctx.Context, tx pgx.Tx, userID string, siteIDs []uuid.UUID) error
}

// ActivationRepository stores one-shot activation codes, keyed by code hash
// so a storage dump never yields redeemable codes.
type ActivationRepository interface {
	Save(ctx stdctx.Context, codeHash, userID string, ttl time.Duration) error

	// Consume atomically fetches and deletes the code, returning the user ID
	// it was issued for. An unknown or expired code returns NotFound.
	Consume(ctx stdctx.Context, codeHash string) (string, error)

	// Revoke drops any outstanding code for the user.
	Revoke(ctx stdctx.Context, userID string) error
}

// CooldownRepository throttles outbound activation mail per address.
type CooldownRepository interface {
	// Start marks the address as recently mailed for the given window.
	// It returns false when a cooldown was already in effect.
	Start(ctx stdctx.Context, email string, window time.Duration) (bool, error)
}
