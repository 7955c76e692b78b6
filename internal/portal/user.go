// Copyright (c) 2026 Verisite Health. All rights reserved.
// Author: platform@verisite.health

/*
Package portal implements the user-facing control plane: provisioning and
managing portal accounts, their role and site assignments, login, and
activation-code redemption.

Architecture:

  - Service: Orchestrates business logic under the caller's access scope.
  - Repository: Postgres for accounts and assignments, Redis for
    activation codes and mail cooldowns.
  - Audit: Every privileged mutation writes a before/after action record
    inside the mutating transaction.

Accounts are never hard-deleted. Revocation flips status; the row, its
assignment history, and its audit trail remain.
*/
package portal

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/verisite/portal/internal/access"
)

// # Domain Entities

// Account lifecycle states.
const (
	// StatusPending: provisioned, activation code outstanding, cannot log in.
	StatusPending = "pending"
	// StatusActive: activated, can log in.
	StatusActive = "active"
	// StatusRevoked: access withdrawn; the row stays for the audit trail.
	StatusRevoked = "revoked"
)

// MFA enrollment states. Enrollment itself happens in the login flow; user
// management only reads and resets it.
const (
	MFANone = "none"
	MFATOTP = "totp"
)

// User is a portal account with its role and site assignments.
type User struct {
	ID           string        `json:"id"`
	Email        string        `json:"email"`
	FullName     string        `json:"full_name"`
	Status       string        `json:"status"`
	MFAType      string        `json:"mfa_type"`
	PasswordHash string        `json:"-"`
	Roles        []access.Role `json:"roles"`
	// SiteIDs references local site rows (portal.sites), not external EDC IDs.
	SiteIDs []uuid.UUID `json:"site_ids"`
	// SessionsRevokedAt invalidates every token issued before it. Set on any
	// role or site assignment change and on revocation.
	SessionsRevokedAt *time.Time `json:"sessions_revoked_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// HoldsProtectedRole reports whether the user holds a role that shields them
// from mutation by ordinary administrators.
func (user *User) HoldsProtectedRole() bool {
	for _, role := range user.Roles {
		if role.IsProtected() {
			return true
		}
	}
	return false
}

// stateSnapshot is the before/after image recorded with every privileged
// mutation. Sorted sets make snapshots comparable across entries.
type stateSnapshot struct {
	FullName string      `json:"full_name"`
	Status   string      `json:"status"`
	Roles    []string    `json:"roles"`
	SiteIDs  []uuid.UUID `json:"site_ids"`
}

// snapshot captures the user's auditable state as JSON.
func (user *User) snapshot() json.RawMessage {
	roles := make([]string, 0, len(user.Roles))
	for _, role := range access.SortRoles(user.Roles) {
		roles = append(roles, string(role))
	}

	raw, err := json.Marshal(stateSnapshot{
		FullName: user.FullName,
		Status:   user.Status,
		Roles:    roles,
		SiteIDs:  sortedSiteIDs(user.SiteIDs),
	})
	if err != nil {
		// A struct of strings and UUIDs cannot fail to marshal.
		return json.RawMessage("{}")
	}
	return raw
}
