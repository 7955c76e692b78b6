// Copyright (c) 2026 Verisite Health. All rights reserved.
// Author: platform@verisite.health

package audit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verisite/portal/internal/audit"
)

// buildChain seals count entries into a valid chain for test setups.
func buildChain(t *testing.T, count int) []audit.Entry {
	t.Helper()

	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	previous := ""

	entries := make([]audit.Entry, 0, count)
	for i := 0; i < count; i++ {
		entry := audit.Entry{
			ID:           int64(i + 1),
			Timestamp:    base.Add(time.Duration(i) * time.Hour),
			SourceSystem: "edc",
			Operation:    audit.OperationSiteSync,
			Created:      i,
			Updated:      1,
			SnapshotHash: "snap",
			DurationMs:   120,
			Success:      true,
			Metadata:     map[string]string{"study_id": "VS-301"},
		}
		require.NoError(t, audit.Seal(&entry, previous))
		previous = entry.ChainHash
		entries = append(entries, entry)
	}
	return entries
}

/*
TestEntryContentHashDeterminism verifies the canonical form is stable and
independent of metadata map iteration order.
*/
func TestEntryContentHashDeterminism(t *testing.T) {
	entry := audit.Entry{
		Timestamp:    time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		SourceSystem: "edc",
		Operation:    audit.OperationPatientSync,
		Created:      3,
		Metadata:     map[string]string{"b": "2", "a": "1", "c": "3"},
	}

	first := audit.EntryContentHash(entry)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, audit.EntryContentHash(entry))
	}

	// Any content change produces a different digest.
	mutated := entry
	mutated.Created = 4
	assert.NotEqual(t, first, audit.EntryContentHash(mutated))
}

/*
TestNextChainHashLinksOnPrevious checks that the chain hash depends on every
input of the linking formula.
*/
func TestNextChainHashLinksOnPrevious(t *testing.T) {
	when := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	base := audit.NextChainHash("prev", "content", audit.OperationSiteSync, when)

	assert.NotEqual(t, base, audit.NextChainHash("other", "content", audit.OperationSiteSync, when))
	assert.NotEqual(t, base, audit.NextChainHash("prev", "changed", audit.OperationSiteSync, when))
	assert.NotEqual(t, base, audit.NextChainHash("prev", "content", audit.OperationPatientSync, when))
	assert.NotEqual(t, base, audit.NextChainHash("prev", "content", audit.OperationSiteSync, when.Add(time.Microsecond)))

	// Sub-microsecond jitter is canonicalized away (timestamptz round trip).
	assert.Equal(t, base, audit.NextChainHash("prev", "content", audit.OperationSiteSync, when.Add(100*time.Nanosecond)))
}

/*
TestVerifyEntriesIntact reports a clean chain as intact.
*/
func TestVerifyEntriesIntact(t *testing.T) {
	entries := buildChain(t, 8)

	report := audit.VerifyEntries(entries)

	assert.Equal(t, 8, report.Total)
	assert.Equal(t, 8, report.Valid)
	assert.Equal(t, 0, report.Invalid)
	assert.True(t, report.ChainIntact)
	assert.Zero(t, report.FirstInvalidID)
}

/*
TestVerifyEntriesEmptyChain treats an empty log as trivially intact.
*/
func TestVerifyEntriesEmptyChain(t *testing.T) {
	report := audit.VerifyEntries(nil)

	assert.True(t, report.ChainIntact)
	assert.Zero(t, report.Total)
}

/*
TestVerifyEntriesDetectsContentTampering mutates one historical entry's stored
content and expects the chain broken from that entry onward.
*/
func TestVerifyEntriesDetectsContentTampering(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(entry *audit.Entry)
	}{
		{"count_changed", func(e *audit.Entry) { e.Created += 10 }},
		{"outcome_flipped", func(e *audit.Entry) { e.Success = false }},
		{"error_injected", func(e *audit.Entry) { e.ErrorMessage = "nothing happened" }},
		{"fingerprint_swapped", func(e *audit.Entry) { e.SnapshotHash = "forged" }},
		{"metadata_edited", func(e *audit.Entry) { e.Metadata["study_id"] = "VS-999" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries := buildChain(t, 6)
			tt.mutate(&entries[2])

			report := audit.VerifyEntries(entries)

			assert.False(t, report.ChainIntact)
			assert.Equal(t, entries[2].ID, report.FirstInvalidID)
			// Everything chained after the edit is invalid too.
			assert.Equal(t, 2, report.Valid)
			assert.Equal(t, 4, report.Invalid)
		})
	}
}

/*
TestVerifyEntriesDetectsDeletion removes a historical entry and expects the
successor (chained on the deleted hash) to be flagged.
*/
func TestVerifyEntriesDetectsDeletion(t *testing.T) {
	entries := buildChain(t, 5)
	successorID := entries[2].ID

	truncated := make([]audit.Entry, 0, len(entries)-1)
	truncated = append(truncated, entries[0])
	truncated = append(truncated, entries[2:]...)

	report := audit.VerifyEntries(truncated)

	assert.False(t, report.ChainIntact)
	assert.Equal(t, successorID, report.FirstInvalidID)
}

/*
TestVerifyEntriesDetectsChainHashRewrite covers direct edits of the stored
chain hash itself.
*/
func TestVerifyEntriesDetectsChainHashRewrite(t *testing.T) {
	entries := buildChain(t, 4)
	entries[3].ChainHash = "0000000000000000"

	report := audit.VerifyEntries(entries)

	assert.False(t, report.ChainIntact)
	assert.Equal(t, entries[3].ID, report.FirstInvalidID)
	assert.Equal(t, 3, report.Valid)
}

/*
TestSealRequiresTimestamp rejects sealing entries without a timestamp, since
the timestamp participates in the chain formula.
*/
func TestSealRequiresTimestamp(t *testing.T) {
	entry := audit.Entry{Operation: audit.OperationSiteSync}
	require.Error(t, audit.Seal(&entry, ""))
}
