// Copyright (c) 2026 Verisite Health. All rights reserved.
// Author: platform@verisite.health

package reconcile

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/verisite/portal/internal/edc"
)

// # Snapshot Fingerprints

/*
SiteFingerprint returns the SHA-256 hex digest of a site snapshot.

Description: Records are sorted by external site ID before hashing so the
fingerprint depends only on snapshot content, not on the order the EDC
happened to return it in. Two fetches of an unchanged roster always produce
the same fingerprint, which is what lets the sync log show "nothing moved"
across attempts.
*/
func SiteFingerprint(records []edc.SiteRecord) string {
	lines := make([]string, 0, len(records))
	for _, record := range records {
		lines = append(lines, fmt.Sprintf("%s|%s|%s", record.SiteID, record.Name, record.Number))
	}
	return fingerprintLines(lines)
}

// PatientFingerprint returns the SHA-256 hex digest of a patient snapshot,
// canonicalized the same way as [SiteFingerprint].
func PatientFingerprint(records []edc.PatientRecord) string {
	lines := make([]string, 0, len(records))
	for _, record := range records {
		lines = append(lines, fmt.Sprintf("%s|%s|%s", record.PatientID, record.SiteID, record.SubjectKey))
	}
	return fingerprintLines(lines)
}

func fingerprintLines(lines []string) string {
	sort.Strings(lines)
	digest := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(digest[:])
}
