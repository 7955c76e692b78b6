// Copyright (c) 2026 Verisite Health. All rights reserved.
// Author: platform@verisite.health

/*
Package audit implements the tamper-evident audit trail of the Verisite portal.

Every EDC sync attempt and every privileged user mutation extends a single
hash chain: each entry's chain hash is derived from the previous entry's chain
hash and the new entry's own content hash. Altering or deleting any historical
entry breaks every hash that follows it, which the verification routine
detects.

Architecture:

  - Pure functions: [EntryContentHash] and [NextChainHash] are storage-agnostic
    and unit-testable without a database.
  - Recorder: Appends entries under the service capability; append failures are
    reported to the caller's logger but never abort the operation being logged.
  - Verification: Read-only full-chain recomputation, safe to run while the
    chain is being appended to concurrently.
*/
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// # Entry Model

// Operation names recorded in the chain.
const (
	OperationSiteSync     = "sites_sync"
	OperationPatientSync  = "patients_sync"
	OperationUserMutation = "user_mutation"
)

// Entry is one element of the hash-chained audit log.
//
// # Append-Only
//
// Entries are never mutated after insert. ID and ChainHash are assigned by the
// recorder at append time; all other fields are provided by the caller.
type Entry struct {
	ID           int64             `json:"id"`
	Timestamp    time.Time         `json:"timestamp"`
	SourceSystem string            `json:"source_system"`
	Operation    string            `json:"operation"`
	Created      int               `json:"created"`
	Updated      int               `json:"updated"`
	Deactivated  int               `json:"deactivated"`
	SnapshotHash string            `json:"snapshot_hash,omitempty"`
	ContentHash  string            `json:"content_hash"`
	ChainHash    string            `json:"chain_hash"`
	DurationMs   int64             `json:"duration_ms"`
	Success      bool              `json:"success"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// # Hashing

/*
EntryContentHash computes the SHA-256 digest of an entry's business content.

Description: The digest covers every caller-provided field (counts, outcome,
snapshot fingerprint, metadata) so that mutating ANY stored value of a
historical entry changes its content hash and therefore invalidates the chain
from that entry onward. ID and ChainHash are excluded: they are derived, not
content.

The canonical form is a field-separated string with metadata keys in sorted
order, making the digest independent of map iteration order.
*/
func EntryContentHash(entry Entry) string {
	var builder strings.Builder

	builder.WriteString(entry.SourceSystem)
	builder.WriteByte('|')
	builder.WriteString(entry.Operation)
	builder.WriteByte('|')
	builder.WriteString(canonicalTimestamp(entry.Timestamp))
	builder.WriteByte('|')
	builder.WriteString(strconv.Itoa(entry.Created))
	builder.WriteByte('|')
	builder.WriteString(strconv.Itoa(entry.Updated))
	builder.WriteByte('|')
	builder.WriteString(strconv.Itoa(entry.Deactivated))
	builder.WriteByte('|')
	builder.WriteString(entry.SnapshotHash)
	builder.WriteByte('|')
	builder.WriteString(strconv.FormatInt(entry.DurationMs, 10))
	builder.WriteByte('|')
	builder.WriteString(strconv.FormatBool(entry.Success))
	builder.WriteByte('|')
	builder.WriteString(entry.ErrorMessage)

	keys := make([]string, 0, len(entry.Metadata))
	for key := range entry.Metadata {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		builder.WriteByte('|')
		builder.WriteString(key)
		builder.WriteByte('=')
		builder.WriteString(entry.Metadata[key])
	}

	digest := sha256.Sum256([]byte(builder.String()))
	return hex.EncodeToString(digest[:])
}

/*
NextChainHash links a new entry onto the chain.

Formula: sha256(previousChainHash ‖ contentHash ‖ operation ‖ timestamp).
The first entry of the chain uses an empty previous hash.
*/
func NextChainHash(previousChainHash, contentHash, operation string, timestamp time.Time) string {
	payload := previousChainHash + "|" + contentHash + "|" + operation + "|" + canonicalTimestamp(timestamp)
	digest := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(digest[:])
}

// canonicalTimestamp renders a timestamp in the one format used for hashing.
// Microsecond precision matches what PostgreSQL timestamptz preserves, so a
// hash computed before insert still verifies after a round trip.
func canonicalTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format("2006-01-02T15:04:05.000000Z")
}

// # Verification

// VerifyReport summarizes a full-chain integrity scan.
type VerifyReport struct {
	// Total is the number of entries examined during the scan.
	Total int `json:"total"`

	// Valid counts entries whose recomputed hashes match the stored values.
	Valid int `json:"valid"`

	// Invalid counts entries with any divergence.
	Invalid int `json:"invalid"`

	// ChainIntact is true only when no entry diverged.
	ChainIntact bool `json:"chain_intact"`

	// FirstInvalidID is the ID of the earliest diverging entry, or zero when
	// the chain is intact.
	FirstInvalidID int64 `json:"first_invalid_id,omitempty"`
}

/*
VerifyEntries recomputes the chain over entries ordered by ID.

Description: Walks the chain from the first entry, recomputing each content
hash from stored fields and each chain hash from the running previous value.
The first divergence marks the chain "not intact"; later entries are still
counted so the report reflects the full damage extent. Once a chain hash has
diverged, subsequent entries are recomputed against the RECOMPUTED running
hash, so a single historical edit invalidates everything after it.
*/
func VerifyEntries(entries []Entry) VerifyReport {
	report := VerifyReport{Total: len(entries), ChainIntact: true}

	previous := ""
	for _, entry := range entries {
		expectedContent := EntryContentHash(entry)
		expectedChain := NextChainHash(previous, expectedContent, entry.Operation, entry.Timestamp)

		if entry.ContentHash == expectedContent && entry.ChainHash == expectedChain {
			report.Valid++
		} else {
			report.Invalid++
			if report.FirstInvalidID == 0 {
				report.FirstInvalidID = entry.ID
			}
			report.ChainIntact = false
		}

		previous = expectedChain
	}

	return report
}

// Seal assigns the derived hashes to an entry about to be appended.
func Seal(entry *Entry, previousChainHash string) error {
	if entry.Timestamp.IsZero() {
		return fmt.Errorf("audit_seal_missing_timestamp")
	}
	entry.ContentHash = EntryContentHash(*entry)
	entry.ChainHash = NextChainHash(previousChainHash, entry.ContentHash, entry.Operation, entry.Timestamp)
	return nil
}
