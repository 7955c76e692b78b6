// Copyright (c) 2026 Verisite Health. All rights reserved.
// Author: platform@verisite.health

package access

import (
	"github.com/verisite/portal/internal/platform/apperr"
)

// # Capability Levels

// CapabilityLevel selects which database authorization tier a context runs
// under. There are exactly two tiers; the value is derived only from typed
// construction paths, never from request input.
type CapabilityLevel string

const (
	// CapabilityService is the elevated tier used by internal machinery
	// (sync engine, migrations, bootstrap). It bypasses row-level role
	// policies entirely and must never be reachable from untrusted input.
	CapabilityService CapabilityLevel = "service"

	// CapabilityAuthenticated is the restricted tier for every request that
	// carries a verified user identity.
	CapabilityAuthenticated CapabilityLevel = "authenticated"
)

// # Access Context

// Context is an immutable descriptor of "who is acting and under what
// capability" for exactly one request or one transaction.
//
// # Lifecycle
//
// A Context is created per-request from a verified identity token plus a role
// lookup, threaded explicitly into the [ScopedExecutor], and discarded. It is
// never persisted and never stored in global or goroutine-local state.
type Context struct {
	capability   CapabilityLevel
	subjectID    string
	activeRole   Role
	allowedRoles []Role
}

/*
NewUserContext constructs an authenticated access context.

Description: Enforces the core invariant that the active role is a member of
the allowed role set. Violations are programming errors upstream (the resolver
must never select an unheld role), so they surface as Forbidden rather than
panicking.

Parameters:
  - subjectID: Verified portal user ID.
  - activeRole: The one role explicitly selected for this session.
  - allowedRoles: The full role set the subject holds.

Returns:
  - Context: Immutable authenticated context.
  - error: Forbidden if activeRole is not in allowedRoles, Unauthorized if the
    role set is empty.
*/
func NewUserContext(subjectID string, activeRole Role, allowedRoles []Role) (Context, error) {
	if len(allowedRoles) == 0 {
		return Context{}, apperr.Unauthorized("No portal roles assigned")
	}
	if !ContainsRole(allowedRoles, activeRole) {
		return Context{}, apperr.Forbidden("Active role is not held by this user")
	}
	return Context{
		capability:   CapabilityAuthenticated,
		subjectID:    subjectID,
		activeRole:   activeRole,
		allowedRoles: SortRoles(allowedRoles),
	}, nil
}

// NewServiceContext constructs the elevated service-tier context.
//
// # Security
//
// Only internal components (sync engine, bootstrap) may call this. It is
// deliberately impossible to build a service context from parsed request data:
// no constructor takes a capability level as input.
func NewServiceContext(component string) Context {
	return Context{
		capability: CapabilityService,
		subjectID:  "service:" + component,
	}
}

// Capability returns the authorization tier of this context.
func (c Context) Capability() CapabilityLevel { return c.capability }

// SubjectID returns the acting subject identifier.
func (c Context) SubjectID() string { return c.subjectID }

// ActiveRole returns the explicitly selected role for this session.
// It is empty for service contexts.
func (c Context) ActiveRole() Role { return c.activeRole }

// AllowedRoles returns a copy of the full role set held by the subject.
func (c Context) AllowedRoles() []Role {
	out := make([]Role, len(c.allowedRoles))
	copy(out, c.allowedRoles)
	return out
}

// IsService reports whether this context runs at the elevated service tier.
func (c Context) IsService() bool { return c.capability == CapabilityService }

// HasRole reports whether the subject holds the given role.
// Service contexts hold every role implicitly.
func (c Context) HasRole(role Role) bool {
	if c.IsService() {
		return true
	}
	return ContainsRole(c.allowedRoles, role)
}
