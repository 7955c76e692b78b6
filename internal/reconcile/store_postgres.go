// Copyright (c) 2026 Verisite Health. All rights reserved.
// Author: platform@verisite.health

package reconcile

import (
	stdctx "context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/verisite/portal/internal/edc"
)

// # PostgreSQL Stores

// PostgresSiteStore implements [SiteStore] over the portal.sites table.
type PostgresSiteStore struct{}

// NewSiteStore creates the PostgreSQL implementation of [SiteStore].
func NewSiteStore() *PostgresSiteStore {
	return &PostgresSiteStore{}
}

// State returns the row count and newest sync timestamp in one round-trip.
func (store *PostgresSiteStore) State(ctx stdctx.Context, tx pgx.Tx) (SyncState, error) {
	const query = "SELECT COUNT(*), MAX(external_synced_at) FROM portal.sites"

	var state SyncState
	if err := tx.QueryRow(ctx, query).Scan(&state.Rows, &state.NewestSyncedAt); err != nil {
		return SyncState{}, fmt.Errorf("postgres_site_store_state_failed: %w", err)
	}
	return state, nil
}

/*
Upsert writes one snapshot record into the mirror.

Description: The statement distinguishes three outcomes in a single
round-trip. The conditional updated_at assignment marks rows the snapshot
actually changed; comparing it against the pass timestamp in RETURNING tells
an update apart from a no-op, and the xmax system column tells an insert
apart from an update. Unchanged rows still get their external_synced_at
refreshed so staleness tracking stays accurate.

Returns:
  - UpsertOutcome: Created, Updated or Unchanged.
  - error: Database execution errors.
*/
func (store *PostgresSiteStore) Upsert(ctx stdctx.Context, tx pgx.Tx, record edc.SiteRecord, syncedAt time.Time) (UpsertOutcome, error) {
	const query = `
		INSERT INTO portal.sites (id, external_id, name, number, is_active, external_synced_at, updated_at)
		VALUES ($1, $2, $3, $4, TRUE, $5, $5)
		ON CONFLICT (external_id) DO UPDATE SET
			name               = EXCLUDED.name,
			number             = EXCLUDED.number,
			is_active          = TRUE,
			external_synced_at = EXCLUDED.external_synced_at,
			updated_at         = CASE
				WHEN (portal.sites.name, portal.sites.number, portal.sites.is_active)
				     IS DISTINCT FROM (EXCLUDED.name, EXCLUDED.number, TRUE)
				THEN EXCLUDED.external_synced_at
				ELSE portal.sites.updated_at
			END
		RETURNING (xmax = 0) AS inserted, (updated_at = $5) AS changed`

	var inserted, changed bool
	err := tx.QueryRow(ctx, query, uuid.Must(uuid.NewV7()), record.SiteID, record.Name, record.Number, syncedAt).
		Scan(&inserted, &changed)
	if err != nil {
		return OutcomeUnchanged, fmt.Errorf("postgres_site_store_upsert_failed: %w", err)
	}

	switch {
	case inserted:
		return OutcomeCreated, nil
	case changed:
		return OutcomeUpdated, nil
	default:
		return OutcomeUnchanged, nil
	}
}

// DeactivateMissing soft-deactivates active sites absent from the snapshot.
// Rows are never deleted; a site that left the study keeps its history.
func (store *PostgresSiteStore) DeactivateMissing(ctx stdctx.Context, tx pgx.Tx, presentIDs []string, syncedAt time.Time) (int, error) {
	const query = `
		UPDATE portal.sites
		SET is_active = FALSE, updated_at = $2
		WHERE is_active AND NOT (external_id = ANY($1))`

	tag, err := tx.Exec(ctx, query, presentIDs, syncedAt)
	if err != nil {
		return 0, fmt.Errorf("postgres_site_store_deactivate_failed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// IDsByExternal maps every known external site ID to its local row ID.
func (store *PostgresSiteStore) IDsByExternal(ctx stdctx.Context, tx pgx.Tx) (map[string]uuid.UUID, error) {
	const query = "SELECT external_id, id FROM portal.sites"

	rows, err := tx.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres_site_store_ids_failed: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]uuid.UUID)
	for rows.Next() {
		var externalID string
		var id uuid.UUID
		if err := rows.Scan(&externalID, &id); err != nil {
			return nil, fmt.Errorf("postgres_site_store_ids_scan_failed: %w", err)
		}
		ids[externalID] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres_site_store_ids_rows_failed: %w", err)
	}
	return ids, nil
}

// List returns sites ordered by site number with a windowed total count.
// Inactive sites are excluded unless includeInactive is set.
func (store *PostgresSiteStore) List(ctx stdctx.Context, tx pgx.Tx, includeInactive bool, limit, offset int) ([]*Site, int, error) {
	const query = `
		SELECT id, external_id, name, number, is_active, external_synced_at,
		       created_at, updated_at, COUNT(*) OVER() AS total_count
		FROM portal.sites
		WHERE is_active OR $1
		ORDER BY number, external_id
		LIMIT $2 OFFSET $3`

	rows, err := tx.Query(ctx, query, includeInactive, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres_site_store_list_failed: %w", err)
	}
	defer rows.Close()

	var sites []*Site
	var total int
	for rows.Next() {
		var site Site
		err := rows.Scan(&site.ID, &site.ExternalID, &site.Name, &site.Number,
			&site.IsActive, &site.ExternalSyncedAt, &site.CreatedAt, &site.UpdatedAt, &total)
		if err != nil {
			return nil, 0, fmt.Errorf("postgres_site_store_list_scan_failed: %w", err)
		}
		sites = append(sites, &site)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("postgres_site_store_list_rows_failed: %w", err)
	}
	return sites, total, nil
}

// PostgresPatientStore implements [PatientStore] over the portal.patients table.
type PostgresPatientStore struct{}

// NewPatientStore creates the PostgreSQL implementation of [PatientStore].
func NewPatientStore() *PostgresPatientStore {
	return &PostgresPatientStore{}
}

// State returns the row count and newest sync timestamp in one round-trip.
func (store *PostgresPatientStore) State(ctx stdctx.Context, tx pgx.Tx) (SyncState, error) {
	const query = "SELECT COUNT(*), MAX(external_synced_at) FROM portal.patients"

	var state SyncState
	if err := tx.QueryRow(ctx, query).Scan(&state.Rows, &state.NewestSyncedAt); err != nil {
		return SyncState{}, fmt.Errorf("postgres_patient_store_state_failed: %w", err)
	}
	return state, nil
}

/*
Upsert writes one snapshot record into the patient mirror.

Description: Uses the same outcome detection as the site upsert. On conflict
only the site reference and sync timestamp are overwritten; subject key and
device-linking status belong to the portal and survive roster churn.
*/
func (store *PostgresPatientStore) Upsert(ctx stdctx.Context, tx pgx.Tx, record edc.PatientRecord, siteID uuid.UUID, syncedAt time.Time) (UpsertOutcome, error) {
	const query = `
		INSERT INTO portal.patients (id, external_id, site_id, subject_key, device_link_status, external_synced_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (external_id) DO UPDATE SET
			site_id            = EXCLUDED.site_id,
			external_synced_at = EXCLUDED.external_synced_at,
			updated_at         = CASE
				WHEN portal.patients.site_id IS DISTINCT FROM EXCLUDED.site_id
				THEN EXCLUDED.external_synced_at
				ELSE portal.patients.updated_at
			END
		RETURNING (xmax = 0) AS inserted, (updated_at = $6) AS changed`

	var inserted, changed bool
	err := tx.QueryRow(ctx, query,
		uuid.Must(uuid.NewV7()), record.PatientID, siteID, record.SubjectKey,
		LinkStatusUnlinked, syncedAt,
	).Scan(&inserted, &changed)
	if err != nil {
		return OutcomeUnchanged, fmt.Errorf("postgres_patient_store_upsert_failed: %w", err)
	}

	switch {
	case inserted:
		return OutcomeCreated, nil
	case changed:
		return OutcomeUpdated, nil
	default:
		return OutcomeUnchanged, nil
	}
}

// List returns patients ordered by subject key with a windowed total count.
// Row-level security narrows the result to the caller's reachable sites.
func (store *PostgresPatientStore) List(ctx stdctx.Context, tx pgx.Tx, limit, offset int) ([]*Patient, int, error) {
	const query = `
		SELECT id, external_id, site_id, subject_key, device_link_status,
		       external_synced_at, created_at, updated_at, COUNT(*) OVER() AS total_count
		FROM portal.patients
		ORDER BY subject_key, external_id
		LIMIT $1 OFFSET $2`

	rows, err := tx.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres_patient_store_list_failed: %w", err)
	}
	defer rows.Close()

	var patients []*Patient
	var total int
	for rows.Next() {
		var patient Patient
		err := rows.Scan(&patient.ID, &patient.ExternalID, &patient.SiteID, &patient.SubjectKey,
			&patient.DeviceLinkStatus, &patient.ExternalSyncedAt, &patient.CreatedAt, &patient.UpdatedAt, &total)
		if err != nil {
			return nil, 0, fmt.Errorf("postgres_patient_store_list_scan_failed: %w", err)
		}
		patients = append(patients, &patient)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("postgres_patient_store_list_rows_failed: %w", err)
	}
	return patients, total, nil
}
