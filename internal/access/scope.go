// Copyright (c) 2026 Verisite Health. All rights reserved.
// Author: platform@verisite.health

package access

import (
	stdctx "context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
)

// # Transaction Scoping

// TxBeginner abstracts the ability to open a transaction. It is satisfied by
// [pgxpool.Pool] and allows the executor to be unit-tested with fake
// transactions.
type TxBeginner interface {
	Begin(ctx stdctx.Context) (pgx.Tx, error)
}

// ScopedExecutor binds an access [Context] to exactly one database
// transaction and guarantees the binding cannot leak across requests.
//
// # Mechanism
//
// Authorization state is projected into transaction-local configuration
// variables via set_config(key, value, is_local=true). Row-level security
// policies read those variables with current_setting(). Because the variables
// are transaction-local, commit and rollback both clear them, so a pooled
// connection returned to the pool carries no residue of the previous caller.
type ScopedExecutor struct {
	db  TxBeginner
	log *slog.Logger
}

// NewScopedExecutor constructs a [ScopedExecutor] over a transaction source.
func NewScopedExecutor(db TxBeginner, logger *slog.Logger) *ScopedExecutor {
	return &ScopedExecutor{db: db, log: logger}
}

// scopeQuery applies the authorization selector and the three session-local
// identity variables in a single statement, so either all of them take effect
// or the transaction aborts.
const scopeQuery = `
	SELECT
		set_config('app.capability',    $1, true),
		set_config('app.subject_id',   $2, true),
		set_config('app.active_role',  $3, true),
		set_config('app.allowed_roles',$4, true)`

// scopeArgs renders the session-local variable values for an access context.
//
// The capability selector is derived exclusively from the typed
// [CapabilityLevel]: there is no code path from request input to this value.
func scopeArgs(scope Context) []any {
	return []any{
		string(scope.Capability()),
		scope.SubjectID(),
		string(scope.ActiveRole()),
		JoinRoles(scope.allowedRoles),
	}
}

/*
RunScoped executes transactionBody inside one transaction bound to the given
access context.

Description: Opens a transaction on one pooled connection, applies the
authorization selector and session-local identity variables atomically, runs
the body, and commits. Any failure, including a failure to apply the scope
itself, rolls the entire transaction back. The executor never falls back to
an unscoped connection.

Parameters:
  - ctx: Request context; cancellation or timeout rolls the transaction back.
  - scope: The access context to bind. Must be fully constructed (zero-value
    contexts are rejected).
  - transactionBody: Caller queries, executed against the scoped transaction.

Returns:
  - error: Scope application failures, body errors, or commit failures.
*/
func (executor *ScopedExecutor) RunScoped(ctx stdctx.Context, scope Context, transactionBody func(tx pgx.Tx) error) error {

	// Reject zero-value contexts: a missing capability would otherwise bind
	// the transaction to an empty selector and silently match no policy tier.
	if scope.Capability() == "" {
		return errors.New("access_scope_empty_context")
	}

	tx, err := executor.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("access_scope_begin_failed: %w", err)
	}

	// Rollback after commit is a no-op; this guarantees cleanup on every
	// early return, panic, or context cancellation.
	defer func() { _ = tx.Rollback(ctx) }()

	// Bind the authorization state. If this fails the transaction must die;
	// proceeding would run the body with no row-level policy input.
	if _, err := tx.Exec(ctx, scopeQuery, scopeArgs(scope)...); err != nil {
		return fmt.Errorf("access_scope_apply_failed: %w", err)
	}

	if err := transactionBody(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("access_scope_commit_failed: %w", err)
	}

	return nil
}

/*
Run executes transactionBody in a transaction WITHOUT any authorization scope.

Description: Entry point for truly public, role-agnostic reads: health checks
and schema introspection. Under row-level security an unscoped transaction
matches no policy tier, so scoped tables yield zero rows rather than leaking.

# Restrictions

Never use Run for any query whose result depends on the acting user or role.
Those must go through [ScopedExecutor.RunScoped].
*/
func (executor *ScopedExecutor) Run(ctx stdctx.Context, transactionBody func(tx pgx.Tx) error) error {
	tx, err := executor.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("access_run_begin_failed: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := transactionBody(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("access_run_commit_failed: %w", err)
	}

	return nil
}
