// Copyright (c) 2026 Verisite Health. All rights reserved.
// Author: platform@verisite.health

package reconcile

import (
	stdctx "context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/verisite/portal/internal/edc"
)

// # Store Contracts

// UpsertOutcome reports what a snapshot upsert did to a local row.
type UpsertOutcome int

const (
	// OutcomeUnchanged means the row already matched the snapshot record.
	OutcomeUnchanged UpsertOutcome = iota
	// OutcomeCreated means a new row was inserted.
	OutcomeCreated
	// OutcomeUpdated means an existing row was rewritten to match.
	OutcomeUpdated
)

// SyncState describes how current a mirror table is.
type SyncState struct {
	// Rows is the total number of local rows, active or not.
	Rows int
	// NewestSyncedAt is the most recent external_synced_at, nil when the
	// table is empty or has never been synced.
	NewestSyncedAt *time.Time
}

// Stale reports whether the mirror needs a refresh at the given horizon.
func (state SyncState) Stale(now time.Time, maxAge time.Duration) bool {
	if state.Rows == 0 || state.NewestSyncedAt == nil {
		return true
	}
	return now.Sub(*state.NewestSyncedAt) > maxAge
}

// SiteStore persists the local site mirror. All methods run inside the
// caller's transaction.
type SiteStore interface {
	State(ctx stdctx.Context, tx pgx.Tx) (SyncState, error)
	Upsert(ctx stdctx.Context, tx pgx.Tx, record edc.SiteRecord, syncedAt time.Time) (UpsertOutcome, error)
	// DeactivateMissing flips is_active off for active sites whose external
	// ID is absent from presentIDs, returning how many it flipped.
	DeactivateMissing(ctx stdctx.Context, tx pgx.Tx, presentIDs []string, syncedAt time.Time) (int, error)
	// IDsByExternal maps external site IDs to local row IDs, for resolving
	// patient site references.
	IDsByExternal(ctx stdctx.Context, tx pgx.Tx) (map[string]uuid.UUID, error)
	List(ctx stdctx.Context, tx pgx.Tx, includeInactive bool, limit, offset int) ([]*Site, int, error)
}

// PatientStore persists the local patient mirror.
type PatientStore interface {
	State(ctx stdctx.Context, tx pgx.Tx) (SyncState, error)
	Upsert(ctx stdctx.Context, tx pgx.Tx, record edc.PatientRecord, siteID uuid.UUID, syncedAt time.Time) (UpsertOutcome, error)
	List(ctx stdctx.Context, tx pgx.Tx, limit, offset int) ([]*Patient, int, error)
}
