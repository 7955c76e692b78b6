// Copyright (c) 2026 Verisite Health. All rights reserved.
// Author: platform@verisite.health

package reconcile

import (
	stdctx "context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/singleflight"

	"github.com/verisite/portal/internal/access"
	"github.com/verisite/portal/internal/audit"
	"github.com/verisite/portal/internal/edc"
	"github.com/verisite/portal/internal/platform/constants"
)

// # Engine

// Sentinel errors surfaced to callers of a sync pass.
var (
	// ErrEmptySnapshot guards against a vendor-side permission or
	// configuration problem masquerading as "the study lost every site".
	// An empty snapshot never triggers a mass deactivation.
	ErrEmptySnapshot = errors.New("no records returned from edc: check API credentials and study permissions")
)

// SyncRecorder is the slice of the audit recorder the engine needs.
type SyncRecorder interface {
	RecordSync(ctx stdctx.Context, entry audit.Entry)
}

// Engine reconciles the local site and patient mirrors against the EDC.
//
// Concurrent triggers for the same kind collapse into a single pass via
// singleflight: every waiter gets the result of the one fetch-and-write
// that actually ran.
type Engine struct {
	executor *access.ScopedExecutor
	client   edc.Client
	sites    SiteStore
	patients PatientStore
	recorder SyncRecorder
	studyID  string
	group    singleflight.Group
	log      *slog.Logger
	now      func() time.Time
}

// NewEngine wires the reconciliation engine.
func NewEngine(
	executor *access.ScopedExecutor,
	client edc.Client,
	sites SiteStore,
	patients PatientStore,
	recorder SyncRecorder,
	studyID string,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		executor: executor,
		client:   client,
		sites:    sites,
		patients: patients,
		recorder: recorder,
		studyID:  studyID,
		log:      logger,
		now:      time.Now,
	}
}

// # Conditional Syncs

/*
SyncSitesIfNeeded refreshes the site mirror when it is stale.

Description: Checks staleness first (empty mirror, never-synced rows, or
newest sync older than maxAge) and returns (nil, nil) without contacting the
EDC when the mirror is fresh. A stale mirror triggers a full pass through
[Engine.SyncSites].

Parameters:
  - ctx: Request context.
  - maxAge: Staleness horizon, typically from configuration.

Returns:
  - *SyncResult: Pass summary, nil when the mirror was fresh.
  - error: Fetch or write failures from the triggered pass.
*/
func (engine *Engine) SyncSitesIfNeeded(ctx stdctx.Context, maxAge time.Duration) (*SyncResult, error) {
	stale, err := engine.isStale(ctx, maxAge, engine.sites.State)
	if err != nil {
		return nil, err
	}
	if !stale {
		return nil, nil
	}
	return engine.SyncSites(ctx)
}

// SyncPatientsIfNeeded refreshes the patient mirror when it is stale,
// following the same contract as [Engine.SyncSitesIfNeeded].
func (engine *Engine) SyncPatientsIfNeeded(ctx stdctx.Context, maxAge time.Duration) (*SyncResult, error) {
	stale, err := engine.isStale(ctx, maxAge, engine.patients.State)
	if err != nil {
		return nil, err
	}
	if !stale {
		return nil, nil
	}
	return engine.SyncPatients(ctx)
}

func (engine *Engine) isStale(ctx stdctx.Context, maxAge time.Duration, stateOf func(stdctx.Context, pgx.Tx) (SyncState, error)) (bool, error) {
	var state SyncState
	err := engine.executor.RunScoped(ctx, access.NewServiceContext("edc-sync"), func(tx pgx.Tx) error {
		var stateErr error
		state, stateErr = stateOf(ctx, tx)
		return stateErr
	})
	if err != nil {
		return false, fmt.Errorf("reconcile_staleness_check_failed: %w", err)
	}
	return state.Stale(engine.now(), maxAge), nil
}

// # Forced Syncs

// SyncSites runs a full site pass unconditionally. Concurrent calls share
// one pass.
func (engine *Engine) SyncSites(ctx stdctx.Context) (*SyncResult, error) {
	return engine.collapsed(ctx, KindSites, engine.syncSites)
}

// SyncPatients runs a full patient pass unconditionally. Concurrent calls
// share one pass.
func (engine *Engine) SyncPatients(ctx stdctx.Context) (*SyncResult, error) {
	return engine.collapsed(ctx, KindPatients, engine.syncPatients)
}

func (engine *Engine) collapsed(ctx stdctx.Context, kind string, pass func(stdctx.Context) (*SyncResult, error)) (*SyncResult, error) {
	key := kind + ":" + engine.studyID
	value, err, shared := engine.group.Do(key, func() (any, error) {
		// Detached so the winner's cancellation cannot fail every waiter.
		return pass(stdctx.WithoutCancel(ctx))
	})
	if shared {
		engine.log.Debug("sync_collapsed", slog.String("kind", kind))
	}

	result, _ := value.(*SyncResult)
	return result, err
}

// # Passes

/*
syncSites performs one fetch-and-reconcile pass for sites.

The external fetch happens outside any transaction; only the writes are
transactional. Every attempt, including fetch failures, is recorded in the
audit chain, and a recording failure never discards the pass's result.
*/
func (engine *Engine) syncSites(ctx stdctx.Context) (*SyncResult, error) {
	started := engine.now()
	result := &SyncResult{Kind: KindSites}

	snapshot, err := engine.client.FetchSites(ctx, engine.studyID)
	if err == nil && len(snapshot) == 0 {
		err = ErrEmptySnapshot
	}
	if err != nil {
		engine.finish(ctx, result, audit.OperationSiteSync, started, err)
		return result, fmt.Errorf("site_sync_fetch_failed: %w", err)
	}
	result.SnapshotHash = SiteFingerprint(snapshot)

	syncedAt := engine.now().UTC()
	err = engine.executor.RunScoped(ctx, access.NewServiceContext("edc-sync"), func(tx pgx.Tx) error {
		presentIDs := make([]string, 0, len(snapshot))
		for _, record := range snapshot {
			presentIDs = append(presentIDs, record.SiteID)

			outcome, upsertErr := engine.sites.Upsert(ctx, tx, record, syncedAt)
			if upsertErr != nil {
				return upsertErr
			}
			result.apply(outcome)
		}

		deactivated, deactivateErr := engine.sites.DeactivateMissing(ctx, tx, presentIDs, syncedAt)
		if deactivateErr != nil {
			return deactivateErr
		}
		result.Deactivated = deactivated
		return nil
	})
	if err != nil {
		engine.finish(ctx, result, audit.OperationSiteSync, started, err)
		return result, fmt.Errorf("site_sync_write_failed: %w", err)
	}

	engine.finish(ctx, result, audit.OperationSiteSync, started, nil)
	return result, nil
}

/*
syncPatients performs one fetch-and-reconcile pass for patients.

A patient referencing a site the mirror does not know is skipped and
counted, not treated as fatal: site and patient snapshots come from separate
endpoints and can momentarily disagree.
*/
func (engine *Engine) syncPatients(ctx stdctx.Context) (*SyncResult, error) {
	started := engine.now()
	result := &SyncResult{Kind: KindPatients}

	snapshot, err := engine.client.FetchPatients(ctx, engine.studyID)
	if err == nil && len(snapshot) == 0 {
		err = ErrEmptySnapshot
	}
	if err != nil {
		engine.finish(ctx, result, audit.OperationPatientSync, started, err)
		return result, fmt.Errorf("patient_sync_fetch_failed: %w", err)
	}
	result.SnapshotHash = PatientFingerprint(snapshot)

	syncedAt := engine.now().UTC()
	err = engine.executor.RunScoped(ctx, access.NewServiceContext("edc-sync"), func(tx pgx.Tx) error {
		siteIDs, idsErr := engine.sites.IDsByExternal(ctx, tx)
		if idsErr != nil {
			return idsErr
		}

		for _, record := range snapshot {
			siteID, known := siteIDs[record.SiteID]
			if !known {
				result.Skipped++
				engine.log.Warn("patient_sync_unknown_site",
					slog.String("patient_external_id", record.PatientID),
					slog.String("site_external_id", record.SiteID),
				)
				continue
			}

			outcome, upsertErr := engine.patients.Upsert(ctx, tx, record, siteID, syncedAt)
			if upsertErr != nil {
				return upsertErr
			}
			result.apply(outcome)
		}
		return nil
	})
	if err != nil {
		engine.finish(ctx, result, audit.OperationPatientSync, started, err)
		return result, fmt.Errorf("patient_sync_write_failed: %w", err)
	}

	engine.finish(ctx, result, audit.OperationPatientSync, started, nil)
	return result, nil
}

// finish stamps the result and appends the attempt to the audit chain.
func (engine *Engine) finish(ctx stdctx.Context, result *SyncResult, operation string, started time.Time, passErr error) {
	result.Duration = engine.now().Sub(started)
	result.DurationMs = result.Duration.Milliseconds()
	result.Success = passErr == nil
	if passErr != nil {
		result.Error = describeSyncError(passErr)
	}

	engine.recorder.RecordSync(ctx, audit.Entry{
		Timestamp:    started,
		SourceSystem: constants.EDCSourceSystem,
		Operation:    operation,
		Created:      result.Created,
		Updated:      result.Updated,
		Deactivated:  result.Deactivated,
		SnapshotHash: result.SnapshotHash,
		DurationMs:   result.DurationMs,
		Success:      result.Success,
		ErrorMessage: result.Error,
		Metadata: map[string]string{
			"study_id": engine.studyID,
			"skipped":  fmt.Sprintf("%d", result.Skipped),
		},
	})
}

func (result *SyncResult) apply(outcome UpsertOutcome) {
	switch outcome {
	case OutcomeCreated:
		result.Created++
	case OutcomeUpdated:
		result.Updated++
	}
}

// describeSyncError classifies a pass failure so operators can tell an
// expired API key from a vendor outage without reading stack traces.
func describeSyncError(err error) string {
	var edcErr *edc.Error
	if errors.As(err, &edcErr) {
		return fmt.Sprintf("edc %s error: %s", edcErr.Kind, edcErr.Message)
	}
	if errors.Is(err, ErrEmptySnapshot) {
		return ErrEmptySnapshot.Error()
	}
	return err.Error()
}

// # Listings

// ListSites returns local site rows under the caller's access scope.
func (engine *Engine) ListSites(ctx stdctx.Context, scope access.Context, includeInactive bool, limit, offset int) ([]*Site, int, error) {
	var sites []*Site
	var total int
	err := engine.executor.RunScoped(ctx, scope, func(tx pgx.Tx) error {
		var listErr error
		sites, total, listErr = engine.sites.List(ctx, tx, includeInactive, limit, offset)
		return listErr
	})
	if err != nil {
		return nil, 0, err
	}
	return sites, total, nil
}

// ListPatients returns local patient rows under the caller's access scope.
// Row-level security restricts the rows to the caller's reachable sites.
func (engine *Engine) ListPatients(ctx stdctx.Context, scope access.Context, limit, offset int) ([]*Patient, int, error) {
	var patients []*Patient
	var total int
	err := engine.executor.RunScoped(ctx, scope, func(tx pgx.Tx) error {
		var listErr error
		patients, total, listErr = engine.patients.List(ctx, tx, limit, offset)
		return listErr
	})
	if err != nil {
		return nil, 0, err
	}
	return patients, total, nil
}
