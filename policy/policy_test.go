package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadeem4/nl2sql-sub001/core"
)

func analystUser() core.UserContext {
	return core.UserContext{UserID: "u1", TenantID: "acme", Roles: []string{"analyst"}}
}

func testChecker() *Checker {
	return NewChecker([]RolePolicy{
		{Role: "admin", AllowedDatasources: []string{"*"}},
		{Role: "analyst", AllowedTables: []string{"sales.*", "hr.employees"}},
		{Role: "auditor", AllowedDatasources: []string{"finance"}},
	})
}

func TestAllowed(t *testing.T) {
	c := testChecker()

	t.Run("global wildcard", func(t *testing.T) {
		admin := core.UserContext{Roles: []string{"admin"}}
		assert.True(t, c.Allowed(admin, "sales"))
		assert.True(t, c.Allowed(admin, "finance.ledger"))
	})

	t.Run("datasource wildcard", func(t *testing.T) {
		u := analystUser()
		assert.True(t, c.Allowed(u, "sales"))
		assert.True(t, c.Allowed(u, "sales.orders"))
		assert.False(t, c.Allowed(u, "finance"))
	})

	t.Run("table grant is exact", func(t *testing.T) {
		u := analystUser()
		assert.True(t, c.Allowed(u, "hr.employees"))
		assert.False(t, c.Allowed(u, "hr.salaries"))
		assert.False(t, c.Allowed(u, "hr"))
	})

	t.Run("datasource grant covers its tables", func(t *testing.T) {
		u := core.UserContext{Roles: []string{"auditor"}}
		assert.True(t, c.Allowed(u, "finance"))
		assert.True(t, c.Allowed(u, "finance.ledger"))
		assert.False(t, c.Allowed(u, "sales"))
	})

	t.Run("deny by default", func(t *testing.T) {
		assert.False(t, c.Allowed(core.UserContext{Roles: []string{"unknown"}}, "sales"))
		assert.False(t, c.Allowed(core.UserContext{}, "sales"))
	})

	t.Run("union across roles", func(t *testing.T) {
		u := core.UserContext{Roles: []string{"analyst", "auditor"}}
		assert.True(t, c.Allowed(u, "sales.orders"))
		assert.True(t, c.Allowed(u, "finance.ledger"))
	})
}

func TestAllowedTables(t *testing.T) {
	c := testChecker()
	u := analystUser()

	allowed, denied := c.AllowedTables(u, "hr", []string{"employees", "salaries", "reviews"})
	assert.Equal(t, []string{"employees"}, allowed)
	assert.Equal(t, []string{"salaries", "reviews"}, denied)

	allowed, denied = c.AllowedTables(u, "sales", []string{"orders", "customers"})
	assert.Equal(t, []string{"orders", "customers"}, allowed)
	assert.Empty(t, denied)
}

func TestAllowedDatasources(t *testing.T) {
	c := testChecker()

	// A table-level grant makes the datasource visible.
	got := c.AllowedDatasources(analystUser(), []string{"sales", "hr", "finance"})
	assert.Equal(t, []string{"hr", "sales"}, got)

	assert.Empty(t, c.AllowedDatasources(core.UserContext{Roles: []string{"unknown"}}, []string{"sales"}))
}

// TestCheckerPurity verifies a check never mutates the checker: the same
// question always gets the same answer.
func TestCheckerPurity(t *testing.T) {
	c := testChecker()
	u := analystUser()
	for i := 0; i < 100; i++ {
		require.True(t, c.Allowed(u, "sales.orders"))
		require.False(t, c.Allowed(u, "finance"))
	}
}

func TestLoad(t *testing.T) {
	t.Run("empty path fails closed", func(t *testing.T) {
		c, err := Load("")
		require.NoError(t, err)
		assert.False(t, c.Allowed(core.UserContext{Roles: []string{"admin"}}, "sales"))
	})

	t.Run("valid file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "policies.yaml")
		content := `version: 1
roles:
  analyst:
    description: read-only analytics
    role: analyst
    allowed_datasources: []
    allowed_tables:
      - sales.*
  auditor:
    allowed_datasources:
      - finance
    allowed_tables: []
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

		c, err := Load(path)
		require.NoError(t, err)
		assert.True(t, c.Allowed(core.UserContext{Roles: []string{"analyst"}}, "sales.orders"))
		assert.True(t, c.Allowed(core.UserContext{Roles: []string{"auditor"}}, "finance.ledger"))
		assert.False(t, c.Allowed(core.UserContext{Roles: []string{"analyst"}}, "finance"))
	})

	t.Run("role field defaults to the map key", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "policies.yaml")
		content := `version: 1
roles:
  analyst:
    allowed_tables: ["sales.*"]
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

		c, err := Load(path)
		require.NoError(t, err)
		assert.True(t, c.Allowed(core.UserContext{Roles: []string{"analyst"}}, "sales.orders"))
	})

	t.Run("empty role rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "policies.yaml")
		content := `version: 1
roles:
  "":
    allowed_datasources: ["*"]
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

		_, err := Load(path)
		assert.ErrorIs(t, err, core.ErrInvalidConfiguration)
	})

	t.Run("role name mismatch rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "policies.yaml")
		content := `version: 1
roles:
  analyst:
    role: auditor
    allowed_datasources: ["*"]
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

		_, err := Load(path)
		assert.ErrorIs(t, err, core.ErrInvalidConfiguration)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}
