// Copyright (c) 2026 Verisite Health. All rights reserved.
// Author: platform@verisite.health

package portal

import (
	stdctx "context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/verisite/portal/internal/access"
	"github.com/verisite/portal/internal/platform/apperr"
	"github.com/verisite/portal/internal/platform/dberr"
)

// # PostgreSQL Repository

// PostgresUserRepository implements [UserRepository] over portal.users and
// its assignment tables.
type PostgresUserRepository struct{}

// NewUserRepository creates the PostgreSQL implementation of [UserRepository].
func NewUserRepository() *PostgresUserRepository {
	return &PostgresUserRepository{}
}

// userColumns is the hydrating projection shared by every account read.
// Assignments are aggregated in the same round-trip to avoid N+1 lookups.
const userColumns = `
	u.id, u.email, u.full_name, u.status, u.mfa_type, u.password_hash,
	u.sessions_revoked_at, u.created_at, u.updated_at,
	COALESCE((
		SELECT array_agg(r.role ORDER BY r.role)
		FROM portal.user_roles r WHERE r.user_id = u.id
	), '{}') AS roles,
	COALESCE((
		SELECT array_agg(s.site_id::text ORDER BY s.site_id)
		FROM portal.user_site_access s WHERE s.user_id = u.id
	), '{}') AS site_ids`

/*
Insert persists a freshly provisioned account.

Description: Writes only the account row; role and site assignments follow
through [PostgresUserRepository.ReplaceRoles] and ReplaceSites inside the
same transaction. A duplicate email maps to a client-safe Conflict.
*/
func (repository *PostgresUserRepository) Insert(ctx stdctx.Context, tx pgx.Tx, user *User) error {
	const query = `
		INSERT INTO portal.users (id, email, full_name, status, mfa_type, password_hash)
		VALUES ($1, lower($2), $3, $4, $5, $6)
		RETURNING created_at, updated_at`

	err := tx.QueryRow(ctx, query,
		user.ID, user.Email, user.FullName, user.Status, user.MFAType, user.PasswordHash,
	).Scan(&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if dberr.IsUniqueViolation(err) {
			return apperr.Conflict("Email is already registered")
		}
		return fmt.Errorf("postgres_user_repo_create_failed: %w", err)
	}
	return nil
}

// FindByID returns the account with assignments hydrated, or NotFound.
func (repository *PostgresUserRepository) FindByID(ctx stdctx.Context, tx pgx.Tx, id string) (*User, error) {
	query := "SELECT " + userColumns + " FROM portal.users u WHERE u.id = $1"
	return repository.scanUser(tx.QueryRow(ctx, query, id))
}

// FindByEmail matches case-insensitively on the stored address.
func (repository *PostgresUserRepository) FindByEmail(ctx stdctx.Context, tx pgx.Tx, email string) (*User, error) {
	query := "SELECT " + userColumns + " FROM portal.users u WHERE u.email = lower($1)"
	return repository.scanUser(tx.QueryRow(ctx, query, email))
}

// List returns accounts ordered by email with a windowed total count.
func (repository *PostgresUserRepository) List(ctx stdctx.Context, tx pgx.Tx, limit, offset int) ([]*User, int, error) {
	query := "SELECT " + userColumns + `, COUNT(*) OVER() AS total_count
		FROM portal.users u
		ORDER BY u.email
		LIMIT $1 OFFSET $2`

	rows, err := tx.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres_user_repo_list_failed: %w", err)
	}
	defer rows.Close()

	var users []*User
	var total int
	for rows.Next() {
		user, scanErr := scanUserRow(rows, &total)
		if scanErr != nil {
			return nil, 0, scanErr
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("postgres_user_repo_list_rows_failed: %w", err)
	}
	return users, total, nil
}

// Update writes the mutable account columns.
func (repository *PostgresUserRepository) Update(ctx stdctx.Context, tx pgx.Tx, user *User) error {
	const query = `
		UPDATE portal.users
		SET full_name = $2, status = $3, mfa_type = $4, password_hash = $5,
		    sessions_revoked_at = $6, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`

	err := tx.QueryRow(ctx, query,
		user.ID, user.FullName, user.Status, user.MFAType, user.PasswordHash,
		user.SessionsRevokedAt,
	).Scan(&user.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.NotFound("User")
		}
		return fmt.Errorf("postgres_user_repo_update_failed: %w", err)
	}
	return nil
}

// ReplaceRoles swaps the complete role set. Delete-then-insert keeps the
// semantics identical for grants, removals and no-ops.
func (repository *PostgresUserRepository) ReplaceRoles(ctx stdctx.Context, tx pgx.Tx, userID string, roles []string) error {
	if _, err := tx.Exec(ctx, "DELETE FROM portal.user_roles WHERE user_id = $1", userID); err != nil {
		return fmt.Errorf("postgres_user_repo_roles_clear_failed: %w", err)
	}

	const insert = `
		INSERT INTO portal.user_roles (user_id, role)
		SELECT $1, unnest($2::text[])`
	if _, err := tx.Exec(ctx, insert, userID, roles); err != nil {
		return fmt.Errorf("postgres_user_repo_roles_insert_failed: %w", err)
	}
	return nil
}

// ReplaceSites swaps the complete site assignment set.
func (repository *PostgresUserRepository) ReplaceSites(ctx stdctx.Context, tx pgx.Tx, userID string, siteIDs []uuid.UUID) error {
	if _, err := tx.Exec(ctx, "DELETE FROM portal.user_site_access WHERE user_id = $1", userID); err != nil {
		return fmt.Errorf("postgres_user_repo_sites_clear_failed: %w", err)
	}

	ids := make([]string, 0, len(siteIDs))
	for _, siteID := range siteIDs {
		ids = append(ids, siteID.String())
	}

	const insert = `
		INSERT INTO portal.user_site_access (user_id, site_id)
		SELECT $1, unnest($2::uuid[])`
	if _, err := tx.Exec(ctx, insert, userID, ids); err != nil {
		return fmt.Errorf("postgres_user_repo_sites_insert_failed: %w", err)
	}
	return nil
}

// # Scanning

type rowScanner interface {
	Scan(dest ...any) error
}

func (repository *PostgresUserRepository) scanUser(row rowScanner) (*User, error) {
	user, err := scanUserRow(row, nil)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("User")
		}
		return nil, err
	}
	return user, nil
}

func scanUserRow(row rowScanner, total *int) (*User, error) {
	var user User
	var roleNames []string
	var siteIDs []string

	dest := []any{
		&user.ID, &user.Email, &user.FullName, &user.Status, &user.MFAType,
		&user.PasswordHash, &user.SessionsRevokedAt, &user.CreatedAt,
		&user.UpdatedAt, &roleNames, &siteIDs,
	}
	if total != nil {
		dest = append(dest, total)
	}

	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("postgres_user_repo_scan_failed: %w", err)
	}

	for _, name := range roleNames {
		role, err := access.ParseRole(name)
		if err != nil {
			return nil, fmt.Errorf("postgres_user_repo_role_invalid: %w", err)
		}
		user.Roles = append(user.Roles, role)
	}
	for _, raw := range siteIDs {
		siteID, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("postgres_user_repo_site_id_invalid: %w", err)
		}
		user.SiteIDs = append(user.SiteIDs, siteID)
	}
	return &user, nil
}
