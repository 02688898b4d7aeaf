package schema

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nadeem4/nl2sql-sub001/core"
)

// Store is the versioned snapshot store contract.
//
// Register computes the fingerprint and deduplicates against the newest
// stored version: re-registering an unchanged schema returns the existing
// version id. Get with an empty versionID returns the newest snapshot.
type Store interface {
	Register(ctx context.Context, snapshot *Snapshot) (string, error)
	Get(ctx context.Context, datasourceID, versionID string) (*Snapshot, error)
	ListVersions(ctx context.Context, datasourceID string) ([]string, error)
}

// MemoryStore is the default in-process store. Writers serialize through
// a mutex; readers copy nothing since snapshots are treated as immutable
// once registered.
type MemoryStore struct {
	mu          sync.RWMutex
	maxVersions int
	// newest first, per datasource
	versions map[string][]*Snapshot

	// clock is replaceable in tests to force distinct version timestamps.
	clock func() time.Time
}

// NewMemoryStore creates a memory store retaining at most maxVersions
// versions per datasource (0 means a default of 10).
func NewMemoryStore(maxVersions int) *MemoryStore {
	if maxVersions <= 0 {
		maxVersions = 10
	}
	return &MemoryStore{
		maxVersions: maxVersions,
		versions:    make(map[string][]*Snapshot),
		clock:       time.Now,
	}
}

// Register stores the snapshot unless it matches the newest version's
// fingerprint, evicting the oldest versions beyond the retention cap.
func (m *MemoryStore) Register(ctx context.Context, snapshot *Snapshot) (string, error) {
	if snapshot == nil || snapshot.DatasourceID == "" {
		return "", fmt.Errorf("%w: snapshot requires a datasource id", core.ErrInvalidConfiguration)
	}

	fp := ComputeFingerprint(snapshot)

	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.versions[snapshot.DatasourceID]
	if len(existing) > 0 && existing[0].Fingerprint == fp {
		return existing[0].VersionID, nil
	}

	stored := *snapshot
	stored.Fingerprint = fp
	stored.CreatedAt = m.clock()
	stored.VersionID = versionID(stored.CreatedAt, fp)

	updated := append([]*Snapshot{&stored}, existing...)
	if len(updated) > m.maxVersions {
		updated = updated[:m.maxVersions]
	}
	m.versions[snapshot.DatasourceID] = updated

	return stored.VersionID, nil
}

// Get returns the named version, or the newest when versionID is empty.
func (m *MemoryStore) Get(ctx context.Context, datasourceID, versionID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions := m.versions[datasourceID]
	if len(versions) == 0 {
		return nil, fmt.Errorf("datasource %q: %w", datasourceID, core.ErrSchemaNotFound)
	}
	if versionID == "" {
		return versions[0], nil
	}
	for _, v := range versions {
		if v.VersionID == versionID {
			return v, nil
		}
	}
	return nil, fmt.Errorf("datasource %q version %q: %w", datasourceID, versionID, core.ErrSchemaNotFound)
}

// ListVersions returns version ids, newest first.
func (m *MemoryStore) ListVersions(ctx context.Context, datasourceID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions := m.versions[datasourceID]
	ids := make([]string, len(versions))
	for i, v := range versions {
		ids[i] = v.VersionID
	}
	// Version ids are timestamp-prefixed; keep the invariant explicit even
	// though insertion order already satisfies it.
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	return ids, nil
}
