// Copyright (c) 2026 Verisite Health. All rights reserved.
// Author: platform@verisite.health

/*
Package access implements the authorization core of the Verisite portal.

It defines the closed set of portal roles, the per-request [Context] that binds
an authenticated identity to an active role, the [ScopedExecutor] that projects
that context into transaction-local database state for row-level security, and
the [Resolver] that turns a verified subject into a role set plus one explicitly
selected active role.

Architecture:

  - Role: Closed enumeration. No hierarchy; endpoints are gated on explicit
    role membership, never on "at least" comparisons.
  - Context: Immutable, request-scoped, never persisted.
  - ScopedExecutor: One context, one transaction. Session-local authorization
    variables cannot outlive the transaction that set them.
  - Resolver: Deterministic active-role selection with explicit fallback order.
*/
package access

import (
	"sort"
	"strings"

	"github.com/verisite/portal/internal/platform/apperr"
)

// # Portal Roles

// Role identifies one portal capability a staff member can act under.
type Role string

const (
	// RoleInvestigator is site staff; requires site-scoped data access.
	RoleInvestigator Role = "investigator"

	// RoleSponsor is trial sponsor staff with cross-site read access.
	RoleSponsor Role = "sponsor"

	// RoleAuditor has read access to audit trails and sync logs.
	RoleAuditor Role = "auditor"

	// RoleAnalyst has read access to de-identified study data.
	RoleAnalyst Role = "analyst"

	// RoleAdministrator manages portal users and study configuration.
	RoleAdministrator Role = "administrator"

	// RoleDeveloperAdmin is the bootstrap/system role. It is never assignable
	// through the mutation API and exists only for operational break-glass use.
	RoleDeveloperAdmin Role = "developer_admin"
)

// AllRoles lists every valid role in lexicographic order.
//
// The order is load-bearing: the role resolver falls back to the
// lexicographically first held role, and sorted comparisons detect
// role-set changes.
var AllRoles = []Role{
	RoleAdministrator,
	RoleAnalyst,
	RoleAuditor,
	RoleDeveloperAdmin,
	RoleInvestigator,
	RoleSponsor,
}

// ParseRole validates a raw string against the closed role enumeration.
func ParseRole(raw string) (Role, error) {
	candidate := Role(strings.ToLower(strings.TrimSpace(raw)))
	for _, role := range AllRoles {
		if candidate == role {
			return role, nil
		}
	}
	return "", apperr.ValidationError("Invalid role name", apperr.FieldError{
		Field:   "role",
		Message: "Unknown role: " + raw,
	})
}

// IsAssignable reports whether the role may be granted through the user
// mutation API. DeveloperAdmin is bootstrap-only and always excluded,
// regardless of who the caller is.
func (r Role) IsAssignable() bool {
	return r != RoleDeveloperAdmin
}

// IsProtected reports whether accounts holding this role may only be
// modified by a DeveloperAdmin caller.
func (r Role) IsProtected() bool {
	return r == RoleAdministrator || r == RoleDeveloperAdmin
}

// RequiresSiteScope reports whether holders of this role must have an
// explicit site assignment for row-level policies to yield any data.
func (r Role) RequiresSiteScope() bool {
	return r == RoleInvestigator
}

// # Role Set Helpers

// SortRoles returns a lexicographically sorted copy of the given roles
// with duplicates removed.
func SortRoles(roles []Role) []Role {
	seen := make(map[Role]struct{}, len(roles))
	sorted := make([]Role, 0, len(roles))
	for _, role := range roles {
		if _, duplicate := seen[role]; duplicate {
			continue
		}
		seen[role] = struct{}{}
		sorted = append(sorted, role)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted
}

// JoinRoles renders a sorted, comma-joined representation of a role set.
//
// This is the canonical wire form for the allowed-roles session variable and
// for before/after audit snapshots.
func JoinRoles(roles []Role) string {
	sorted := SortRoles(roles)
	parts := make([]string, len(sorted))
	for i, role := range sorted {
		parts[i] = string(role)
	}
	return strings.Join(parts, ",")
}

// ContainsRole reports whether the set holds the given role.
func ContainsRole(roles []Role, target Role) bool {
	for _, role := range roles {
		if role == target {
			return true
		}
	}
	return false
}

// EqualRoleSets compares two role sets as sets (order- and duplicate-insensitive).
//
// Any difference, however small, counts as a change: callers use this to decide
// whether a mutation must revoke the target user's sessions.
func EqualRoleSets(a, b []Role) bool {
	sortedA, sortedB := SortRoles(a), SortRoles(b)
	if len(sortedA) != len(sortedB) {
		return false
	}
	for i := range sortedA {
		if sortedA[i] != sortedB[i] {
			return false
		}
	}
	return true
}
