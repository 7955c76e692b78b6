// Copyright (c) 2026 Verisite Health. All rights reserved.
// Author: platform@verisite.health

package access_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verisite/portal/internal/access"
	"github.com/verisite/portal/internal/platform/apperr"
)

/*
TestNewUserContext enforces the active-role membership invariant for every
authenticated context.
*/
func TestNewUserContext(t *testing.T) {
	tests := []struct {
		name     string
		active   access.Role
		allowed  []access.Role
		wantCode string
	}{
		{"active_in_set", access.RoleAuditor, []access.Role{access.RoleAuditor, access.RoleSponsor}, ""},
		{"single_role", access.RoleInvestigator, []access.Role{access.RoleInvestigator}, ""},
		{"active_not_held", access.RoleAdministrator, []access.Role{access.RoleAuditor}, "FORBIDDEN"},
		{"zero_roles", access.RoleAuditor, nil, "UNAUTHORIZED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scope, err := access.NewUserContext("user-1", tt.active, tt.allowed)

			if tt.wantCode != "" {
				require.Error(t, err)
				ae := apperr.As(err)
				require.NotNil(t, ae)
				assert.Equal(t, tt.wantCode, ae.Code)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, access.CapabilityAuthenticated, scope.Capability())
			assert.Equal(t, "user-1", scope.SubjectID())
			assert.Equal(t, tt.active, scope.ActiveRole())
			assert.Contains(t, scope.AllowedRoles(), tt.active)
			assert.False(t, scope.IsService())
		})
	}
}

/*
TestNewServiceContext verifies the elevated tier's shape and implicit role grant.
*/
func TestNewServiceContext(t *testing.T) {
	scope := access.NewServiceContext("sync-engine")

	assert.Equal(t, access.CapabilityService, scope.Capability())
	assert.Equal(t, "service:sync-engine", scope.SubjectID())
	assert.True(t, scope.IsService())
	assert.Empty(t, scope.ActiveRole())

	// Service contexts hold every role implicitly.
	assert.True(t, scope.HasRole(access.RoleDeveloperAdmin))
	assert.True(t, scope.HasRole(access.RoleInvestigator))
}

/*
TestContextAllowedRolesCopy ensures the context stays immutable when a caller
mutates the returned slice.
*/
func TestContextAllowedRolesCopy(t *testing.T) {
	scope, err := access.NewUserContext("user-1", access.RoleSponsor, []access.Role{access.RoleSponsor, access.RoleAuditor})
	require.NoError(t, err)

	leaked := scope.AllowedRoles()
	leaked[0] = access.RoleDeveloperAdmin

	assert.NotContains(t, scope.AllowedRoles(), access.RoleDeveloperAdmin)
}
