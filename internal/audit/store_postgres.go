// Copyright (c) 2026 Verisite Health. All rights reserved.
// Author: platform@verisite.health

package audit

import (
	stdctx "context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// # Chain Store

// PostgresChainStore implements [ChainStore] over the edc.sync_log table.
type PostgresChainStore struct{}

// NewChainStore creates the PostgreSQL implementation of [ChainStore].
func NewChainStore() *PostgresChainStore {
	return &PostgresChainStore{}
}

// chainAppendLockKey is the advisory lock key serializing chain appends.
// Transaction-scoped advisory locks release automatically on commit/rollback.
const chainAppendLockKey = int64(0x5665726953796e63) // "VeriSync"

/*
LockChain serializes chain appends for the duration of the transaction.

Description: Takes a transaction-scoped advisory lock so two concurrent
appends cannot both read the same chain head and fork the chain. Readers
(verification, listing) never take this lock.
*/
func (store *PostgresChainStore) LockChain(ctx stdctx.Context, tx pgx.Tx) error {
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", chainAppendLockKey); err != nil {
		return fmt.Errorf("postgres_chain_store_lock_failed: %w", err)
	}
	return nil
}

// LastChainHash returns the current chain head hash, or "" when the chain is empty.
func (store *PostgresChainStore) LastChainHash(ctx stdctx.Context, tx pgx.Tx) (string, error) {
	const query = "SELECT chain_hash FROM edc.sync_log ORDER BY id DESC LIMIT 1"

	var head string
	err := tx.QueryRow(ctx, query).Scan(&head)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("postgres_chain_store_head_failed: %w", err)
	}
	return head, nil
}

/*
Insert appends a sealed entry into the append-only log.

Parameters:
  - ctx: Request context.
  - tx: The caller's transaction (must hold the chain lock).
  - entry: Sealed entry; ID is assigned from the insert.

Returns:
  - error: Constraint violations or connectivity errors.
*/
func (store *PostgresChainStore) Insert(ctx stdctx.Context, tx pgx.Tx, entry *Entry) error {
	const query = `
		INSERT INTO edc.sync_log (
			occurred_at, source_system, operation, created_count, updated_count,
			deactivated_count, snapshot_hash, content_hash, chain_hash,
			duration_ms, success, error_message, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`

	err := tx.QueryRow(ctx, query,
		entry.Timestamp,
		entry.SourceSystem,
		entry.Operation,
		entry.Created,
		entry.Updated,
		entry.Deactivated,
		entry.SnapshotHash,
		entry.ContentHash,
		entry.ChainHash,
		entry.DurationMs,
		entry.Success,
		entry.ErrorMessage,
		entry.Metadata,
	).Scan(&entry.ID)

	if err != nil {
		return fmt.Errorf("postgres_chain_store_insert_failed: %w", err)
	}

	return nil
}

// List returns a page of entries newest-first plus the total count.
func (store *PostgresChainStore) List(ctx stdctx.Context, tx pgx.Tx, limit, offset int) ([]Entry, int, error) {
	const countQuery = "SELECT COUNT(*) FROM edc.sync_log"
	const pageQuery = `
		SELECT id, occurred_at, source_system, operation, created_count, updated_count,
		       deactivated_count, snapshot_hash, content_hash, chain_hash,
		       duration_ms, success, error_message, metadata
		FROM edc.sync_log
		ORDER BY id DESC
		LIMIT $1 OFFSET $2`

	var total int
	if err := tx.QueryRow(ctx, countQuery).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("postgres_chain_store_count_failed: %w", err)
	}

	rows, err := tx.Query(ctx, pageQuery, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres_chain_store_list_failed: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, 0, err
	}

	return entries, total, nil
}

// AllAscending returns the complete chain in append order for verification.
func (store *PostgresChainStore) AllAscending(ctx stdctx.Context, tx pgx.Tx) ([]Entry, error) {
	const query = `
		SELECT id, occurred_at, source_system, operation, created_count, updated_count,
		       deactivated_count, snapshot_hash, content_hash, chain_hash,
		       duration_ms, success, error_message, metadata
		FROM edc.sync_log
		ORDER BY id ASC`

	rows, err := tx.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres_chain_store_scan_failed: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// scanEntries hydrates rows into [Entry] values.
func scanEntries(rows pgx.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var entry Entry
		if err := rows.Scan(
			&entry.ID,
			&entry.Timestamp,
			&entry.SourceSystem,
			&entry.Operation,
			&entry.Created,
			&entry.Updated,
			&entry.Deactivated,
			&entry.SnapshotHash,
			&entry.ContentHash,
			&entry.ChainHash,
			&entry.DurationMs,
			&entry.Success,
			&entry.ErrorMessage,
			&entry.Metadata,
		); err != nil {
			return nil, fmt.Errorf("postgres_chain_store_scan_row_failed: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres_chain_store_rows_failed: %w", err)
	}
	return entries, nil
}

// # Admin Action Store

// PostgresAdminActionStore implements [AdminActionStore] over the
// portal.admin_action_log table.
type PostgresAdminActionStore struct{}

// NewAdminActionStore creates the PostgreSQL implementation of [AdminActionStore].
func NewAdminActionStore() *PostgresAdminActionStore {
	return &PostgresAdminActionStore{}
}

// Insert appends one privileged-action record with before/after snapshots.
func (store *PostgresAdminActionStore) Insert(ctx stdctx.Context, tx pgx.Tx, action *AdminAction) error {
	const query = `
		INSERT INTO portal.admin_action_log (
			occurred_at, actor_id, actor_role, action, target_user_id,
			before_state, after_state, request_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	err := tx.QueryRow(ctx, query,
		action.Timestamp,
		action.ActorID,
		action.ActorRole,
		action.Action,
		action.TargetUserID,
		action.Before,
		action.After,
		action.RequestID,
	).Scan(&action.ID)

	if err != nil {
		return fmt.Errorf("postgres_admin_action_store_insert_failed: %w", err)
	}

	return nil
}
