// Copyright (c) 2026 Verisite Health. All rights reserved.
// Author: platform@verisite.health

package access_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verisite/portal/internal/access"
)

// fakeTx records the statements executed against it. The embedded pgx.Tx is
// nil; only the methods the executor touches are overridden.
type fakeTx struct {
	pgx.Tx

	statements []string
	args       [][]any
	execErr    error
	committed  bool
	rolledBack bool
}

func (tx *fakeTx) Exec(_ context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	tx.statements = append(tx.statements, sql)
	tx.args = append(tx.args, arguments)
	if tx.execErr != nil {
		return pgconn.CommandTag{}, tx.execErr
	}
	return pgconn.CommandTag{}, nil
}

func (tx *fakeTx) Commit(_ context.Context) error {
	tx.committed = true
	return nil
}

func (tx *fakeTx) Rollback(_ context.Context) error {
	if !tx.committed {
		tx.rolledBack = true
	}
	return nil
}

// fakeDB hands out a single fake transaction.
type fakeDB struct {
	tx       *fakeTx
	beginErr error
}

func (db *fakeDB) Begin(_ context.Context) (pgx.Tx, error) {
	if db.beginErr != nil {
		return nil, db.beginErr
	}
	return db.tx, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

/*
TestRunScopedAppliesVariablesBeforeBody verifies that the authorization
selector and the three session-local variables are set atomically, before any
caller query runs, and that the transaction commits on success.
*/
func TestRunScopedAppliesVariablesBeforeBody(t *testing.T) {
	tx := &fakeTx{}
	executor := access.NewScopedExecutor(&fakeDB{tx: tx}, testLogger())

	scope, err := access.NewUserContext("user-9", access.RoleAuditor, []access.Role{access.RoleSponsor, access.RoleAuditor})
	require.NoError(t, err)

	bodyRan := false
	err = executor.RunScoped(context.Background(), scope, func(inner pgx.Tx) error {
		bodyRan = true
		// The scope statement must already have been applied.
		require.Len(t, tx.statements, 1)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, bodyRan)
	assert.True(t, tx.committed)
	assert.False(t, tx.rolledBack)

	// One statement sets all four variables; inspect the bound values.
	require.Len(t, tx.args, 1)
	values := tx.args[0]
	require.Len(t, values, 4)
	assert.Equal(t, "authenticated", values[0])
	assert.Equal(t, "user-9", values[1])
	assert.Equal(t, "auditor", values[2])
	assert.Equal(t, "auditor,sponsor", values[3])
}

/*
TestRunScopedServiceTier checks the elevated selector for service contexts.
*/
func TestRunScopedServiceTier(t *testing.T) {
	tx := &fakeTx{}
	executor := access.NewScopedExecutor(&fakeDB{tx: tx}, testLogger())

	err := executor.RunScoped(context.Background(), access.NewServiceContext("sync-engine"), func(pgx.Tx) error {
		return nil
	})
	require.NoError(t, err)

	values := tx.args[0]
	assert.Equal(t, "service", values[0])
	assert.Equal(t, "service:sync-engine", values[1])
	assert.Equal(t, "", values[2])
	assert.Equal(t, "", values[3])
}

/*
TestRunScopedAbortsWhenScopeFails ensures a failed set_config aborts the whole
transaction: the body never runs and nothing commits. Falling back to an
unscoped connection would silently disable row-level policies.
*/
func TestRunScopedAbortsWhenScopeFails(t *testing.T) {
	tx := &fakeTx{execErr: errors.New("permission denied for set_config")}
	executor := access.NewScopedExecutor(&fakeDB{tx: tx}, testLogger())

	bodyRan := false
	err := executor.RunScoped(context.Background(), access.NewServiceContext("test"), func(pgx.Tx) error {
		bodyRan = true
		return nil
	})

	require.Error(t, err)
	assert.False(t, bodyRan)
	assert.False(t, tx.committed)
	assert.True(t, tx.rolledBack)
}

/*
TestRunScopedRollsBackOnBodyError verifies rollback when the caller's queries fail.
*/
func TestRunScopedRollsBackOnBodyError(t *testing.T) {
	tx := &fakeTx{}
	executor := access.NewScopedExecutor(&fakeDB{tx: tx}, testLogger())

	bodyErr := errors.New("constraint violation")
	err := executor.RunScoped(context.Background(), access.NewServiceContext("test"), func(pgx.Tx) error {
		return bodyErr
	})

	require.ErrorIs(t, err, bodyErr)
	assert.False(t, tx.committed)
	assert.True(t, tx.rolledBack)
}

/*
TestRunScopedRejectsZeroContext blocks transactions bound to an empty selector.
*/
func TestRunScopedRejectsZeroContext(t *testing.T) {
	tx := &fakeTx{}
	executor := access.NewScopedExecutor(&fakeDB{tx: tx}, testLogger())

	err := executor.RunScoped(context.Background(), access.Context{}, func(pgx.Tx) error { return nil })

	require.Error(t, err)
	assert.Empty(t, tx.statements)
}

/*
TestRunUnscoped covers the public, role-agnostic entry point.
*/
func TestRunUnscoped(t *testing.T) {
	tx := &fakeTx{}
	executor := access.NewScopedExecutor(&fakeDB{tx: tx}, testLogger())

	err := executor.Run(context.Background(), func(inner pgx.Tx) error {
		_, execErr := inner.Exec(context.Background(), "SELECT 1")
		return execErr
	})
	require.NoError(t, err)

	// No scope statement is prepended for unscoped runs.
	require.Len(t, tx.statements, 1)
	assert.Equal(t, "SELECT 1", tx.statements[0])
	assert.True(t, tx.committed)
}
