// Copyright (c) 2026 Verisite Health. All rights reserved.
// Author: platform@verisite.health

package audit_test

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

/*
TestSyncLogPoliciesAllowAdminChainAppend pins the row-level-security contract
the chain stores depend on.

RecordAdminAction extends the hash chain from inside the administrator's own
authenticated transaction, while RecordSync appends under the service
capability. With row-level security forced on edc.sync_log, each of those
writers needs an INSERT-capable policy for its tier, or every privileged
account mutation aborts at commit.
*/
func TestSyncLogPoliciesAllowAdminChainAppend(t *testing.T) {
	migration, err := os.ReadFile(filepath.Join("..", "..", "data", "migrations", "000001_init.up.sql"))
	require.NoError(t, err)
	schema := string(migration)

	// RLS is forced, so even the table owner goes through the policies.
	assert.Regexp(t,
		regexp.MustCompile(`ALTER TABLE edc\.sync_log\s+FORCE ROW LEVEL SECURITY`),
		schema)

	// Service tier: full access for the sync recorder.
	assert.Regexp(t,
		regexp.MustCompile(`CREATE POLICY \w+ ON edc\.sync_log\s+USING \(portal\.is_service\(\)\) WITH CHECK \(portal\.is_service\(\)\)`),
		schema)

	// Authenticated admin tier: INSERT only, for the in-transaction
	// admin-action chain append. No UPDATE or DELETE policy may exist.
	assert.Regexp(t,
		regexp.MustCompile(`CREATE POLICY \w+ ON edc\.sync_log FOR INSERT\s+WITH CHECK \(portal\.is_admin\(\)\)`),
		schema)
	assert.NotRegexp(t,
		regexp.MustCompile(`CREATE POLICY \w+ ON edc\.sync_log FOR (UPDATE|DELETE)`),
		schema)
}
