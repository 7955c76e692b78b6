// Copyright (c) 2026 Verisite Health. All rights reserved.
// Author: platform@verisite.health

package reconcile_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verisite/portal/internal/access"
	"github.com/verisite/portal/internal/audit"
	"github.com/verisite/portal/internal/edc"
	"github.com/verisite/portal/internal/reconcile"
)

// # Fakes

// fakeTx satisfies the executor; the stores under test are in-memory and
// ignore it.
type fakeTx struct {
	pgx.Tx
}

func (tx *fakeTx) Exec(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (tx *fakeTx) Commit(_ context.Context) error   { return nil }
func (tx *fakeTx) Rollback(_ context.Context) error { return nil }

type fakeDB struct{}

func (db *fakeDB) Begin(_ context.Context) (pgx.Tx, error) { return &fakeTx{}, nil }

// fakeClient serves canned snapshots and counts fetches.
type fakeClient struct {
	mu          sync.Mutex
	sites       []edc.SiteRecord
	patients    []edc.PatientRecord
	sitesErr    error
	patientsErr error
	siteFetches atomic.Int32

	// gate, when set, blocks FetchSites until released; started signals the
	// fetch is in flight.
	gate    chan struct{}
	started chan struct{}
}

func (client *fakeClient) FetchSites(_ context.Context, _ string) ([]edc.SiteRecord, error) {
	client.siteFetches.Add(1)
	if client.started != nil {
		client.started <- struct{}{}
	}
	if client.gate != nil {
		<-client.gate
	}
	client.mu.Lock()
	defer client.mu.Unlock()
	if client.sitesErr != nil {
		return nil, client.sitesErr
	}
	return client.sites, nil
}

func (client *fakeClient) FetchPatients(_ context.Context, _ string) ([]edc.PatientRecord, error) {
	client.mu.Lock()
	defer client.mu.Unlock()
	if client.patientsErr != nil {
		return nil, client.patientsErr
	}
	return client.patients, nil
}

// memSiteStore mirrors the PostgreSQL upsert semantics in memory.
type memSiteStore struct {
	mu    sync.Mutex
	sites map[string]*reconcile.Site
}

func newMemSiteStore() *memSiteStore {
	return &memSiteStore{sites: make(map[string]*reconcile.Site)}
}

func (store *memSiteStore) seed(externalID, name, number string, active bool, syncedAt time.Time) uuid.UUID {
	store.mu.Lock()
	defer store.mu.Unlock()
	id := uuid.Must(uuid.NewV7())
	store.sites[externalID] = &reconcile.Site{
		ID:               id,
		ExternalID:       externalID,
		Name:             name,
		Number:           number,
		IsActive:         active,
		ExternalSyncedAt: syncedAt,
	}
	return id
}

func (store *memSiteStore) State(_ context.Context, _ pgx.Tx) (reconcile.SyncState, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	state := reconcile.SyncState{Rows: len(store.sites)}
	for _, site := range store.sites {
		if site.ExternalSyncedAt.IsZero() {
			continue
		}
		if state.NewestSyncedAt == nil || site.ExternalSyncedAt.After(*state.NewestSyncedAt) {
			syncedAt := site.ExternalSyncedAt
			state.NewestSyncedAt = &syncedAt
		}
	}
	return state, nil
}

func (store *memSiteStore) Upsert(_ context.Context, _ pgx.Tx, record edc.SiteRecord, syncedAt time.Time) (reconcile.UpsertOutcome, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	existing, ok := store.sites[record.SiteID]
	if !ok {
		store.sites[record.SiteID] = &reconcile.Site{
			ID:               uuid.Must(uuid.NewV7()),
			ExternalID:       record.SiteID,
			Name:             record.Name,
			Number:           record.Number,
			IsActive:         true,
			ExternalSyncedAt: syncedAt,
		}
		return reconcile.OutcomeCreated, nil
	}

	changed := existing.Name != record.Name || existing.Number != record.Number || !existing.IsActive
	existing.Name = record.Name
	existing.Number = record.Number
	existing.IsActive = true
	existing.ExternalSyncedAt = syncedAt
	if changed {
		return reconcile.OutcomeUpdated, nil
	}
	return reconcile.OutcomeUnchanged, nil
}

func (store *memSiteStore) DeactivateMissing(_ context.Context, _ pgx.Tx, presentIDs []string, _ time.Time) (int, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	present := make(map[string]bool, len(presentIDs))
	for _, id := range presentIDs {
		present[id] = true
	}

	deactivated := 0
	for externalID, site := range store.sites {
		if site.IsActive && !present[externalID] {
			site.IsActive = false
			deactivated++
		}
	}
	return deactivated, nil
}

func (store *memSiteStore) IDsByExternal(_ context.Context, _ pgx.Tx) (map[string]uuid.UUID, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	ids := make(map[string]uuid.UUID, len(store.sites))
	for externalID, site := range store.sites {
		ids[externalID] = site.ID
	}
	return ids, nil
}

func (store *memSiteStore) List(_ context.Context, _ pgx.Tx, includeInactive bool, _, _ int) ([]*reconcile.Site, int, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var sites []*reconcile.Site
	for _, site := range store.sites {
		if site.IsActive || includeInactive {
			sites = append(sites, site)
		}
	}
	return sites, len(sites), nil
}

// memPatientStore mirrors the PostgreSQL patient upsert semantics in memory.
type memPatientStore struct {
	mu       sync.Mutex
	patients map[string]*reconcile.Patient
}

func newMemPatientStore() *memPatientStore {
	return &memPatientStore{patients: make(map[string]*reconcile.Patient)}
}

func (store *memPatientStore) State(_ context.Context, _ pgx.Tx) (reconcile.SyncState, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	state := reconcile.SyncState{Rows: len(store.patients)}
	for _, patient := range store.patients {
		if state.NewestSyncedAt == nil || patient.ExternalSyncedAt.After(*state.NewestSyncedAt) {
			syncedAt := patient.ExternalSyncedAt
			state.NewestSyncedAt = &syncedAt
		}
	}
	return state, nil
}

func (store *memPatientStore) Upsert(_ context.Context, _ pgx.Tx, record edc.PatientRecord, siteID uuid.UUID, syncedAt time.Time) (reconcile.UpsertOutcome, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	existing, ok := store.patients[record.PatientID]
	if !ok {
		store.patients[record.PatientID] = &reconcile.Patient{
			ID:               uuid.Must(uuid.NewV7()),
			ExternalID:       record.PatientID,
			SiteID:           siteID,
			SubjectKey:       record.SubjectKey,
			DeviceLinkStatus: reconcile.LinkStatusUnlinked,
			ExternalSyncedAt: syncedAt,
		}
		return reconcile.OutcomeCreated, nil
	}

	// Only the site reference and sync timestamp move on update.
	changed := existing.SiteID != siteID
	existing.SiteID = siteID
	existing.ExternalSyncedAt = syncedAt
	if changed {
		return reconcile.OutcomeUpdated, nil
	}
	return reconcile.OutcomeUnchanged, nil
}

func (store *memPatientStore) List(_ context.Context, _ pgx.Tx, _, _ int) ([]*reconcile.Patient, int, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var patients []*reconcile.Patient
	for _, patient := range store.patients {
		patients = append(patients, patient)
	}
	return patients, len(patients), nil
}

// captureRecorder collects every sync entry the engine emits.
type captureRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (recorder *captureRecorder) RecordSync(_ context.Context, entry audit.Entry) {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	recorder.entries = append(recorder.entries, entry)
}

func (recorder *captureRecorder) last(t *testing.T) audit.Entry {
	t.Helper()
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	require.NotEmpty(t, recorder.entries)
	return recorder.entries[len(recorder.entries)-1]
}

type engineFixture struct {
	engine   *reconcile.Engine
	client   *fakeClient
	sites    *memSiteStore
	patients *memPatientStore
	recorder *captureRecorder
}

func newEngineFixture() *engineFixture {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	executor := access.NewScopedExecutor(&fakeDB{}, logger)

	fixture := &engineFixture{
		client:   &fakeClient{},
		sites:    newMemSiteStore(),
		patients: newMemPatientStore(),
		recorder: &captureRecorder{},
	}
	fixture.engine = reconcile.NewEngine(
		executor, fixture.client, fixture.sites, fixture.patients,
		fixture.recorder, "VS-301", logger,
	)
	return fixture
}

// # Site Sync

/*
TestSyncSitesReconciles walks the canonical three-way scenario: one site
renamed upstream, one site new, one previously-active local site gone from
the snapshot.
*/
func TestSyncSitesReconciles(t *testing.T) {
	fixture := newEngineFixture()
	past := time.Now().Add(-48 * time.Hour)
	fixture.sites.seed("S1", "Mercy General", "001", true, past)
	fixture.sites.seed("S3", "Closed Ward", "003", true, past)

	fixture.client.sites = []edc.SiteRecord{
		{SiteID: "S1", Name: "Mercy West", Number: "001"},
		{SiteID: "S2", Name: "Lakeside Clinic", Number: "002"},
	}

	result, err := fixture.engine.SyncSites(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, 1, result.Deactivated)
	assert.True(t, result.Success)
	assert.NotEmpty(t, result.SnapshotHash)

	// S3 is deactivated, never deleted.
	assert.False(t, fixture.sites.sites["S3"].IsActive)
	assert.Contains(t, fixture.sites.sites, "S3")

	entry := fixture.recorder.last(t)
	assert.Equal(t, audit.OperationSiteSync, entry.Operation)
	assert.Equal(t, 1, entry.Created)
	assert.Equal(t, 1, entry.Updated)
	assert.Equal(t, 1, entry.Deactivated)
	assert.True(t, entry.Success)
	assert.Equal(t, result.SnapshotHash, entry.SnapshotHash)
}

func TestSyncSitesSecondRunIsIdempotent(t *testing.T) {
	fixture := newEngineFixture()
	fixture.client.sites = []edc.SiteRecord{
		{SiteID: "S1", Name: "Mercy General", Number: "001"},
		{SiteID: "S2", Name: "Lakeside Clinic", Number: "002"},
	}

	first, err := fixture.engine.SyncSites(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, first.Created)

	second, err := fixture.engine.SyncSites(context.Background())
	require.NoError(t, err)

	assert.Zero(t, second.Created)
	assert.Zero(t, second.Updated)
	assert.Zero(t, second.Deactivated)
	assert.Equal(t, first.SnapshotHash, second.SnapshotHash)
	assert.Len(t, fixture.sites.sites, 2)
}

/*
TestSyncSitesEmptySnapshotNeverMassDeactivates verifies the guard against a
vendor permission problem reading as "every site left the study".
*/
func TestSyncSitesEmptySnapshotNeverMassDeactivates(t *testing.T) {
	fixture := newEngineFixture()
	fixture.sites.seed("S1", "Mercy General", "001", true, time.Now().Add(-48*time.Hour))
	fixture.client.sites = nil

	result, err := fixture.engine.SyncSites(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, reconcile.ErrEmptySnapshot))
	assert.True(t, fixture.sites.sites["S1"].IsActive)
	require.NotNil(t, result)
	assert.False(t, result.Success)

	// The failed attempt is still on the record.
	entry := fixture.recorder.last(t)
	assert.False(t, entry.Success)
	assert.Contains(t, entry.ErrorMessage, "no records returned")
}

func TestSyncSitesFetchFailureIsClassifiedAndRecorded(t *testing.T) {
	fixture := newEngineFixture()
	fixture.client.sitesErr = &edc.Error{Kind: edc.ErrorKindAuth, Message: "API key rejected"}

	result, err := fixture.engine.SyncSites(context.Background())

	require.Error(t, err)
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "auth")
	assert.Contains(t, result.Error, "API key rejected")

	entry := fixture.recorder.last(t)
	assert.False(t, entry.Success)
	assert.Equal(t, result.Error, entry.ErrorMessage)
}

// # Conditional Sync

func TestSyncSitesIfNeededSkipsFreshMirror(t *testing.T) {
	fixture := newEngineFixture()
	fixture.sites.seed("S1", "Mercy General", "001", true, time.Now().Add(-5*time.Minute))

	result, err := fixture.engine.SyncSitesIfNeeded(context.Background(), 24*time.Hour)

	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Equal(t, int32(0), fixture.client.siteFetches.Load())
}

func TestSyncSitesIfNeededTriggersOnEmptyMirror(t *testing.T) {
	fixture := newEngineFixture()
	fixture.client.sites = []edc.SiteRecord{{SiteID: "S1", Name: "Mercy General", Number: "001"}}

	result, err := fixture.engine.SyncSitesIfNeeded(context.Background(), 24*time.Hour)

	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, int32(1), fixture.client.siteFetches.Load())
}

func TestSyncSitesIfNeededTriggersPastMaxAge(t *testing.T) {
	fixture := newEngineFixture()
	fixture.sites.seed("S1", "Mercy General", "001", true, time.Now().Add(-25*time.Hour))
	fixture.client.sites = []edc.SiteRecord{{SiteID: "S1", Name: "Mercy General", Number: "001"}}

	result, err := fixture.engine.SyncSitesIfNeeded(context.Background(), 24*time.Hour)

	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Zero(t, result.Created)
	assert.Equal(t, int32(1), fixture.client.siteFetches.Load())
}

// # Overlap Guard

/*
TestConcurrentSyncsCollapse verifies that two simultaneous triggers share a
single fetch-and-write pass instead of racing each other.
*/
func TestConcurrentSyncsCollapse(t *testing.T) {
	fixture := newEngineFixture()
	fixture.client.sites = []edc.SiteRecord{{SiteID: "S1", Name: "Mercy General", Number: "001"}}
	fixture.client.gate = make(chan struct{})
	fixture.client.started = make(chan struct{}, 1)

	results := make(chan *reconcile.SyncResult, 2)
	errs := make(chan error, 2)
	run := func() {
		result, err := fixture.engine.SyncSites(context.Background())
		results <- result
		errs <- err
	}

	go run()
	<-fixture.client.started // first pass is now inside the fetch
	go run()

	// Give the second caller a moment to join the in-flight pass, then
	// release the fetch.
	time.Sleep(50 * time.Millisecond)
	close(fixture.client.gate)

	for i := 0; i < 2; i++ {
		require.NoError(t, <-errs)
		result := <-results
		require.NotNil(t, result)
		assert.Equal(t, 1, result.Created)
	}
	assert.Equal(t, int32(1), fixture.client.siteFetches.Load())
}

// # Patient Sync

func TestSyncPatientsSkipsUnknownSites(t *testing.T) {
	fixture := newEngineFixture()
	fixture.sites.seed("S1", "Mercy General", "001", true, time.Now())
	fixture.client.patients = []edc.PatientRecord{
		{PatientID: "P-100", SiteID: "S1", SubjectKey: "SUBJ-100"},
		{PatientID: "P-200", SiteID: "S9", SubjectKey: "SUBJ-200"},
	}

	result, err := fixture.engine.SyncPatients(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 1, result.Skipped)
	assert.NotContains(t, fixture.patients.patients, "P-200")

	entry := fixture.recorder.last(t)
	assert.Equal(t, audit.OperationPatientSync, entry.Operation)
	assert.Equal(t, "1", entry.Metadata["skipped"])
}

func TestSyncPatientsPreservesDeviceLinkStatus(t *testing.T) {
	fixture := newEngineFixture()
	fixture.sites.seed("S1", "Mercy General", "001", true, time.Now())
	siteID2 := fixture.sites.seed("S2", "Lakeside Clinic", "002", true, time.Now())

	fixture.client.patients = []edc.PatientRecord{
		{PatientID: "P-100", SiteID: "S1", SubjectKey: "SUBJ-100"},
	}
	_, err := fixture.engine.SyncPatients(context.Background())
	require.NoError(t, err)

	// The portal links the patient's device; a later transfer to another
	// site must not reset that.
	fixture.patients.patients["P-100"].DeviceLinkStatus = reconcile.LinkStatusLinked
	fixture.client.patients = []edc.PatientRecord{
		{PatientID: "P-100", SiteID: "S2", SubjectKey: "SUBJ-100"},
	}

	result, err := fixture.engine.SyncPatients(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Updated)
	patient := fixture.patients.patients["P-100"]
	assert.Equal(t, siteID2, patient.SiteID)
	assert.Equal(t, reconcile.LinkStatusLinked, patient.DeviceLinkStatus)
}
