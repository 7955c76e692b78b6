// Copyright (c) 2026 Verisite Health. All rights reserved.
// Author: platform@verisite.health

/*
Package reconcile keeps the local mirror of the study's EDC data consistent
with the vendor system.

The engine treats the EDC as the source of truth for site and patient
rosters. On each pass it fetches a full snapshot, upserts it into the local
tables, and soft-deactivates whatever the snapshot no longer contains. Local
rows are never hard-deleted: a site that leaves the study keeps its history,
and a patient's device-linking state survives roster churn.

Every pass, successful or not, leaves an entry in the tamper-evident sync
log (see the audit package).
*/
package reconcile

import (
	"time"

	"github.com/google/uuid"
)

// # Entities

// Site is the local mirror of an EDC study site.
type Site struct {
	ID         uuid.UUID `json:"id"`
	ExternalID string    `json:"external_id"`
	Name       string    `json:"name"`
	Number     string    `json:"number"`
	// IsActive is false once the site disappears from the EDC roster.
	IsActive bool `json:"is_active"`
	// ExternalSyncedAt is when this row last matched the EDC snapshot.
	ExternalSyncedAt time.Time `json:"external_synced_at"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// # Sync Results

// Sync kinds accepted by the engine and the forced-sync endpoint.
const (
	KindSites    = "sites"
	KindPatients = "patients"
)

// SyncResult summarizes one reconciliation pass against the EDC.
type SyncResult struct {
	Kind string `json:"kind"`
	// Created, Updated and Deactivated count rows the pass actually changed.
	// An unchanged row counts in none of them, so an immediate re-run with no
	// external change reports zeros.
	Created     int `json:"created"`
	Updated     int `json:"updated"`
	Deactivated int `json:"deactivated"`
	// Skipped counts snapshot records referencing a site the mirror does not
	// know. They are dropped from the pass, not treated as fatal.
	Skipped int `json:"skipped"`
	// SnapshotHash fingerprints the fetched snapshot (see fingerprint.go).
	SnapshotHash string        `json:"snapshot_hash"`
	Duration     time.Duration `json:"-"`
	DurationMs   int64         `json:"duration_ms"`
	Success      bool          `json:"success"`
	// Error carries the classified failure description for failed passes.
	Error string `json:"error,omitempty"`
}
