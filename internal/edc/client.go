// Copyright (c) 2026 Verisite Health. All rights reserved.
// Author: platform@verisite.health

/*
Package edc provides the client abstraction for the external Electronic Data
Capture system, the read-only source of truth for study sites and patients.

Architecture:

  - Client: Narrow fetch-only interface consumed by the reconciliation engine.
  - Error kinds: Authentication, network, and protocol failures are distinct
    types so callers can produce distinguishable sync error strings.
  - HTTPClient: The production implementation with a cached session token
    (authenticate once, reuse until expiry).

The EDC is never written to. Nothing in this package mutates upstream state.
*/
package edc

import (
	stdctx "context"
	"fmt"
)

// # Snapshot Records

// SiteRecord is one study site as reported by the upstream EDC.
type SiteRecord struct {
	SiteID string `json:"site_id"`
	Name   string `json:"name"`
	Number string `json:"number"`
}

// PatientRecord is one enrolled patient as reported by the upstream EDC.
type PatientRecord struct {
	PatientID  string `json:"patient_id"`
	SiteID     string `json:"site_id"`
	SubjectKey string `json:"subject_key"`
}

// # Client Contract

// Client fetches full study snapshots from the EDC.
//
// Implementations must return an [*Error] with the appropriate [ErrorKind]
// for every failure, so the reconciliation engine can branch on the cause.
type Client interface {
	// FetchSites returns the complete set of sites for a study.
	FetchSites(ctx stdctx.Context, studyID string) ([]SiteRecord, error)

	// FetchPatients returns the complete set of enrolled patients for a study.
	FetchPatients(ctx stdctx.Context, studyID string) ([]PatientRecord, error)
}

// # Error Taxonomy

// ErrorKind classifies an EDC failure.
type ErrorKind string

const (
	// ErrorKindAuth covers rejected credentials and expired sessions.
	ErrorKindAuth ErrorKind = "auth"

	// ErrorKindNetwork covers transport failures: DNS, timeouts, resets.
	ErrorKindNetwork ErrorKind = "network"

	// ErrorKindProtocol covers unexpected status codes and malformed payloads.
	ErrorKindProtocol ErrorKind = "protocol"
)

// Error is the typed failure returned by every [Client] operation.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("edc %s error: %s", e.Kind, e.Message)
}

// Unwrap allows [errors.As] and [errors.Is] to traverse the cause chain.
func (e *Error) Unwrap() error { return e.Cause }

// newError builds a typed EDC error.
func newError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}
