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
TestSelectActiveRole covers the fixed three-step resolution order.
*/
func TestSelectActiveRole(t *testing.T) {
	held := []access.Role{access.RoleSponsor, access.RoleInvestigator, access.RoleAuditor}

	tests := []struct {
		name      string
		held      []access.Role
		requested access.Role
		preferred []access.Role
		want      access.Role
		wantCode  string
	}{
		{"requested_and_held", held, access.RoleSponsor, nil, access.RoleSponsor, ""},
		{
			// A requested-but-unheld role falls back instead of failing,
			// and is never granted.
			"requested_not_held_falls_back",
			held, access.RoleAdministrator,
			[]access.Role{access.RoleInvestigator},
			access.RoleInvestigator, "",
		},
		{
			"preferred_order_wins",
			held, "",
			[]access.Role{access.RoleAnalyst, access.RoleSponsor, access.RoleAuditor},
			access.RoleSponsor, "",
		},
		{"lexicographic_default", held, "", nil, access.RoleAuditor, ""},
		{"zero_roles", nil, access.RoleSponsor, nil, "", "UNAUTHORIZED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			role, err := access.SelectActiveRole(tt.held, tt.requested, tt.preferred)

			if tt.wantCode != "" {
				require.Error(t, err)
				ae := apperr.As(err)
				require.NotNil(t, ae)
				assert.Equal(t, tt.wantCode, ae.Code)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, role)
		})
	}
}
