// Copyright (c) 2026 Verisite Health. All rights reserved.
// Author: platform@verisite.health

package access

import (
	"github.com/verisite/portal/internal/platform/apperr"
)

// # Active-Role Selection

/*
SelectActiveRole picks the active role from a held role set.

Resolution order:
 1. The explicitly requested role, if the subject holds it.
 2. The first role in the preferred allow-list the subject holds.
 3. The lexicographically first role held.

A requested role that is not held falls through to steps 2 and 3 rather than
failing: session setup must not leak whether a role exists, and must never
silently grant the request.

Returns Unauthorized when the subject holds no roles at all.
*/
func SelectActiveRole(held []Role, requestedRole Role, preferred []Role) (Role, error) {
	if len(held) == 0 {
		return "", apperr.Unauthorized("No portal roles assigned")
	}

	// 1. Honor an explicit request only when the role is actually held.
	if requestedRole != "" && ContainsRole(held, requestedRole) {
		return requestedRole, nil
	}

	// 2. First preferred role that is held wins.
	for _, candidate := range preferred {
		if ContainsRole(held, candidate) {
			return candidate, nil
		}
	}

	// 3. Deterministic default: lexicographically first held role.
	return SortRoles(held)[0], nil
}
