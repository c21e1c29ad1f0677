// Package catalog governs which stored procedures may run and with which
// parameters, and stores the procedure catalog that backs that decision.
package catalog

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/leapstack-labs/leapgate/pkg/core"
)

// ErrNotFound is returned when a procedure is not in the catalog.
var ErrNotFound = errors.New("procedure not found in catalog")

// Repository reads catalog entries.
type Repository interface {
	// Get returns the entry for a procedure name (case-insensitive).
	Get(ctx context.Context, name string) (*core.CatalogEntry, error)

	// List returns all entries ordered by procedure name.
	List(ctx context.Context) ([]*core.CatalogEntry, error)
}

// Store is a Repository that can also be written, used by seed import and reload.
type Store interface {
	Repository

	// Upsert inserts or replaces entries.
	Upsert(ctx context.Context, entries ...*core.CatalogEntry) error

	// Delete removes an entry.
	Delete(ctx context.Context, name string) error
}

// MemoryRepository is an in-process Store.
type MemoryRepository struct {
	mu      sync.RWMutex
	entries map[string]*core.CatalogEntry
}

// NewMemoryRepository creates a MemoryRepository holding entries.
func NewMemoryRepository(entries ...*core.CatalogEntry) *MemoryRepository {
	r := &MemoryRepository{entries: make(map[string]*core.CatalogEntry)}
	_ = r.Upsert(context.Background(), entries...)
	return r
}

// Get implements Repository.
func (r *MemoryRepository) Get(_ context.Context, name string) (*core.CatalogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[entryKey(name)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEntry(e), nil
}

// List implements Repository.
func (r *MemoryRepository) List(_ context.Context) ([]*core.CatalogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*core.CatalogEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, cloneEntry(e))
	}
	sortEntries(out)
	return out, nil
}

// Upsert implements Store.
func (r *MemoryRepository) Upsert(_ context.Context, entries ...*core.CatalogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		if e == nil || e.ProcedureName == "" {
			continue
		}
		r.entries[entryKey(e.ProcedureName)] = cloneEntry(e)
	}
	return nil
}

// Delete implements Store.
func (r *MemoryRepository) Delete(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, entryKey(name))
	return nil
}

func entryKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func sortEntries(entries []*core.CatalogEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entryKey(entries[i].ProcedureName) < entryKey(entries[j].ProcedureName)
	})
}

// cloneEntry copies the slices and maps of e so callers cannot mutate stored state.
func cloneEntry(e *core.CatalogEntry) *core.CatalogEntry {
	c := *e
	c.Params = append([]core.ParamSpec(nil), e.Params...)
	if e.ResultSetHints != nil {
		c.ResultSetHints = make(map[int]core.ResultSetHint, len(e.ResultSetHints))
		for k, v := range e.ResultSetHints {
			v.PrimaryKey = append([]string(nil), v.PrimaryKey...)
			v.JoinHints = append([]string(nil), v.JoinHints...)
			c.ResultSetHints[k] = v
		}
	}
	return &c
}

var _ Store = (*MemoryRepository)(nil)
