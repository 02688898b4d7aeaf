// Package policy evaluates role-based access over datasources and
// tables. Evaluation is pure: policies are loaded once and checks never
// touch I/O, so validators can call them on every plan without cost.
package policy

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nadeem4/nl2sql-sub001/core"
)

// RolePolicy grants a role access to datasources and tables.
// AllowedDatasources entries are datasource ids or "*"; a datasource
// grant covers every table in it. AllowedTables entries are
// "datasource.table", "datasource.*", or "*".
type RolePolicy struct {
	Role               string   `yaml:"role" json:"role"`
	Description        string   `yaml:"description,omitempty" json:"description,omitempty"`
	AllowedDatasources []string `yaml:"allowed_datasources" json:"allowed_datasources"`
	AllowedTables      []string `yaml:"allowed_tables" json:"allowed_tables"`
}

// grants flattens the policy into the resource patterns matching runs on.
func (p RolePolicy) grants() []string {
	out := make([]string, 0, len(p.AllowedDatasources)+len(p.AllowedTables))
	out = append(out, p.AllowedDatasources...)
	return append(out, p.AllowedTables...)
}

// File is the on-disk policies format: a map of role name to policy.
type File struct {
	Version int                   `yaml:"version"`
	Roles   map[string]RolePolicy `yaml:"roles"`
}

// Checker answers access questions for loaded policies.
type Checker struct {
	// grants maps role → granted resource patterns.
	grants map[string][]string
}

// NewChecker builds a checker from policies.
func NewChecker(policies []RolePolicy) *Checker {
	grants := make(map[string][]string, len(policies))
	for _, p := range policies {
		grants[p.Role] = append(grants[p.Role], p.grants()...)
	}
	return &Checker{grants: grants}
}

// Load reads a policies YAML file. An empty path yields a checker that
// denies everything, which fails closed.
func Load(path string) (*Checker, error) {
	if path == "" {
		return NewChecker(nil), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policies config: %w", err)
	}
	var file File
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parsing policies config: %w", err)
	}
	policies := make([]RolePolicy, 0, len(file.Roles))
	for name, p := range file.Roles {
		if name == "" {
			return nil, fmt.Errorf("%w: policy with empty role", core.ErrInvalidConfiguration)
		}
		if p.Role == "" {
			p.Role = name
		}
		if p.Role != name {
			return nil, fmt.Errorf("%w: role entry %q names role %q", core.ErrInvalidConfiguration, name, p.Role)
		}
		policies = append(policies, p)
	}
	return NewChecker(policies), nil
}

// Allowed reports whether any of the user's roles grants the resource.
// Resource is "datasource" or "datasource.table".
func (c *Checker) Allowed(user core.UserContext, resource string) bool {
	for _, role := range user.Roles {
		for _, grant := range c.grants[role] {
			if matches(grant, resource) {
				return true
			}
		}
	}
	return false
}

// AllowedTables reports which of the given tables in a datasource the
// user may read; the second return lists the denied ones.
func (c *Checker) AllowedTables(user core.UserContext, datasourceID string, tables []string) (allowed, denied []string) {
	for _, t := range tables {
		if c.Allowed(user, datasourceID+"."+t) {
			allowed = append(allowed, t)
		} else {
			denied = append(denied, t)
		}
	}
	return allowed, denied
}

// AllowedDatasources filters datasource ids down to those the user may
// touch at all (either the datasource itself or any table under it).
func (c *Checker) AllowedDatasources(user core.UserContext, datasourceIDs []string) []string {
	var out []string
	for _, ds := range datasourceIDs {
		if c.allowsDatasource(user, ds) {
			out = append(out, ds)
		}
	}
	sort.Strings(out)
	return out
}

func (c *Checker) allowsDatasource(user core.UserContext, datasourceID string) bool {
	if c.Allowed(user, datasourceID) {
		return true
	}
	// A table-level grant implies visibility of the datasource.
	for _, role := range user.Roles {
		for _, grant := range c.grants[role] {
			if grant == "*" || strings.HasPrefix(grant, datasourceID+".") {
				return true
			}
		}
	}
	return false
}

// matches applies the wildcard rules: "*" matches everything; "ds.*"
// matches the datasource and every table in it; exact strings match
// themselves, and a datasource-level grant covers its tables.
func matches(grant, resource string) bool {
	if grant == "*" || grant == resource {
		return true
	}
	if strings.HasSuffix(grant, ".*") {
		prefix := strings.TrimSuffix(grant, ".*")
		return resource == prefix || strings.HasPrefix(resource, prefix+".")
	}
	// Datasource-level grant covers "ds" and "ds.table".
	if !strings.Contains(grant, ".") {
		return strings.HasPrefix(resource, grant+".")
	}
	return false
}
