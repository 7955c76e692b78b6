// Copyright (c) 2026 Verisite Health. All rights reserved.
// Author: platform@verisite.health

package audit

import (
	stdctx "context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/verisite/portal/internal/access"
)

// # Recorder

// Recorder appends entries to the audit chain and runs integrity scans.
type Recorder struct {
	executor *access.ScopedExecutor
	chain    ChainStore
	actions  AdminActionStore
	log      *slog.Logger
}

// NewRecorder constructs a [Recorder] with its storage dependencies.
func NewRecorder(executor *access.ScopedExecutor, chain ChainStore, actions AdminActionStore, logger *slog.Logger) *Recorder {
	return &Recorder{
		executor: executor,
		chain:    chain,
		actions:  actions,
		log:      logger,
	}
}

/*
RecordSync appends one sync-attempt entry to the audit chain.

Description: Runs in its own service-scoped transaction so the record is
written even when the sync itself touched no transactional state (for example
a fetch failure). The append is detached from request cancellation: a client
disconnecting mid-sync must not produce an unlogged attempt. A failure to
write the entry is logged and swallowed; the sync's business result is never
discarded because its audit trail hiccupped.
*/
func (recorder *Recorder) RecordSync(ctx stdctx.Context, entry Entry) {
	// Request cancellation must not suppress the audit record.
	detached := stdctx.WithoutCancel(ctx)

	err := recorder.executor.RunScoped(detached, access.NewServiceContext("audit-recorder"), func(tx pgx.Tx) error {
		return recorder.appendLocked(detached, tx, &entry)
	})

	if err != nil {
		recorder.log.Error("audit_sync_record_failed",
			slog.String("operation", entry.Operation),
			slog.Any("error", err),
		)
		return
	}

	recorder.log.Info("audit_sync_recorded",
		slog.Int64("entry_id", entry.ID),
		slog.String("operation", entry.Operation),
		slog.Bool("success", entry.Success),
	)
}

/*
RecordAdminAction appends a privileged-mutation record inside the caller's
transaction.

Description: Inserts the before/after admin action row AND extends the hash
chain with a matching entry, both atomic with the mutation itself. Unlike sync
logging, a failure here propagates: a privileged mutation without its audit
trail must not commit.

Parameters:
  - ctx: Request context.
  - tx: The mutating transaction.
  - action: Action record; ID is assigned on insert.

Returns:
  - error: Insert or chain append failures (aborts the caller's transaction).
*/
func (recorder *Recorder) RecordAdminAction(ctx stdctx.Context, tx pgx.Tx, action *AdminAction) error {
	if action.Timestamp.IsZero() {
		action.Timestamp = time.Now()
	}

	if err := recorder.actions.Insert(ctx, tx, action); err != nil {
		return fmt.Errorf("audit_admin_action_insert_failed: %w", err)
	}

	// Mirror the privileged mutation into the hash chain so retroactive
	// edits of the action log are detectable too.
	entry := Entry{
		Timestamp:    action.Timestamp,
		SourceSystem: "portal",
		Operation:    OperationUserMutation,
		Success:      true,
		Metadata: map[string]string{
			"actor_id":       action.ActorID,
			"actor_role":     action.ActorRole,
			"action":         action.Action,
			"target_user_id": action.TargetUserID,
			"action_log_id":  fmt.Sprintf("%d", action.ID),
		},
	}

	if err := recorder.appendLocked(ctx, tx, &entry); err != nil {
		return fmt.Errorf("audit_admin_action_chain_failed: %w", err)
	}

	return nil
}

// appendLocked seals and inserts an entry under the chain append lock.
func (recorder *Recorder) appendLocked(ctx stdctx.Context, tx pgx.Tx, entry *Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	if err := recorder.chain.LockChain(ctx, tx); err != nil {
		return err
	}

	head, err := recorder.chain.LastChainHash(ctx, tx)
	if err != nil {
		return err
	}

	if err := Seal(entry, head); err != nil {
		return err
	}

	return recorder.chain.Insert(ctx, tx, entry)
}

// # Verification & Listing

/*
VerifyChain recomputes the full chain and reports its integrity.

Description: Read-only scan under the service capability. It takes no locks,
so writers are never blocked; entries appended after the scan's snapshot are
simply not part of the report. The counts reported were true at scan time;
a partial scan can never produce a false "intact".
*/
func (recorder *Recorder) VerifyChain(ctx stdctx.Context) (VerifyReport, error) {
	var entries []Entry

	err := recorder.executor.RunScoped(ctx, access.NewServiceContext("audit-verify"), func(tx pgx.Tx) error {
		var scanErr error
		entries, scanErr = recorder.chain.AllAscending(ctx, tx)
		return scanErr
	})
	if err != nil {
		return VerifyReport{}, fmt.Errorf("audit_verify_scan_failed: %w", err)
	}

	report := VerifyEntries(entries)
	if !report.ChainIntact {
		recorder.log.Error("audit_chain_broken",
			slog.Int64("first_invalid_id", report.FirstInvalidID),
			slog.Int("invalid", report.Invalid),
		)
	}

	return report, nil
}

// ListSyncLog returns one page of chain entries, newest first, plus the total count.
func (recorder *Recorder) ListSyncLog(ctx stdctx.Context, scope access.Context, limit, offset int) ([]Entry, int, error) {
	var (
		entries []Entry
		total   int
	)

	err := recorder.executor.RunScoped(ctx, scope, func(tx pgx.Tx) error {
		var listErr error
		entries, total, listErr = recorder.chain.List(ctx, tx, limit, offset)
		return listErr
	})
	if err != nil {
		return nil, 0, fmt.Errorf("audit_list_failed: %w", err)
	}

	return entries, total, nil
}
