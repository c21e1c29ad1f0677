// Package dataset holds engine-routed tables in memory under leased handles.
package dataset

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/leapstack-labs/leapgate/pkg/core"
)

// ErrEmptyTable is returned by Create for a table with no rows.
var ErrEmptyTable = errors.New("table has no rows")

// Defaults for Options.
const (
	DefaultTTL           = 30 * time.Minute
	DefaultShards        = 32
	DefaultSweepInterval = time.Minute
)

// IDPrefix starts every dataset handle.
const IDPrefix = "ds_"

// Clock supplies the current time.
type Clock func() time.Time

// Options configures a Store.
type Options struct {
	TTL           time.Duration
	Sliding       bool
	Shards        int
	SweepInterval time.Duration
	Clock         Clock

	// OnEvict is called for each dataset removed by expiry or Evict.
	OnEvict func(*core.Dataset)
}

type shard struct {
	mu    sync.RWMutex
	items map[string]*core.Dataset
}

// Store is a sharded, leased dataset map. Each shard has its own lock, so
// operations on different handles rarely contend.
type Store struct {
	opts   Options
	shards []*shard
	logger *slog.Logger
}

// NewStore creates a Store. If logger is nil, a discard logger is used.
func NewStore(opts Options, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Shards <= 0 {
		opts.Shards = DefaultShards
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	s := &Store{opts: opts, shards: make([]*shard, opts.Shards), logger: logger}
	for i := range s.shards {
		s.shards[i] = &shard{items: make(map[string]*core.Dataset)}
	}
	return s
}

func (s *Store) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

func (s *Store) now() time.Time {
	return s.opts.Clock().UTC()
}

// Create bounds table into a new dataset and publishes it. Columns beyond
// MaxColumns are dropped from the right, rows beyond MaxRows from the end.
// The dataset is fully built before it becomes visible.
func (s *Store) Create(table *core.TabularData, name string, bounds core.DatasetBounds) (*core.Dataset, error) {
	if table == nil || len(table.Rows) == 0 {
		return nil, ErrEmptyTable
	}

	cols := table.Columns
	if bounds.MaxColumns > 0 && len(cols) > bounds.MaxColumns {
		cols = cols[:bounds.MaxColumns]
	}
	rows := table.Rows
	if bounds.MaxRows > 0 && len(rows) > bounds.MaxRows {
		rows = rows[:bounds.MaxRows]
	}

	sourceRows := int64(len(table.Rows))
	if table.TotalCount != nil && *table.TotalCount > sourceRows {
		sourceRows = *table.TotalCount
	}

	// Copy so later changes to table cannot reach the stored rows.
	schema := append([]core.ColumnSchema(nil), cols...)
	stored := make([][]any, len(rows))
	for i, row := range rows {
		stored[i] = append([]any(nil), row[:len(cols)]...)
	}

	now := s.now()
	ds := &core.Dataset{
		ID:             IDPrefix + uuid.NewString(),
		TableName:      name,
		Schema:         schema,
		Rows:           stored,
		SourceRowCount: sourceRows,
		Truncated:      int64(len(stored)) < sourceRows || len(cols) < len(table.Columns),
		PreviewRows:    bounds.PreviewRows,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.opts.TTL),
	}

	sh := s.shardFor(ds.ID)
	sh.mu.Lock()
	sh.items[ds.ID] = ds
	sh.mu.Unlock()

	s.logger.Debug("dataset created",
		slog.String("id", ds.ID),
		slog.String("table", name),
		slog.Int("rows", len(stored)),
		slog.Int("columns", len(schema)))
	return snapshot(ds), nil
}

// Get returns the dataset for id. Expired and unknown handles both report
// false. With sliding expiry a successful read renews the lease.
func (s *Store) Get(id string) (*core.Dataset, bool) {
	sh := s.shardFor(id)
	now := s.now()

	if !s.opts.Sliding {
		sh.mu.RLock()
		ds, ok := sh.items[id]
		sh.mu.RUnlock()
		if !ok || ds.Expired(now) {
			return nil, false
		}
		return snapshot(ds), true
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	ds, ok := sh.items[id]
	if !ok || ds.Expired(now) {
		return nil, false
	}
	ds.ExpiresAt = now.Add(s.opts.TTL)
	return snapshot(ds), true
}

// Evict removes id. It reports whether a dataset was removed.
func (s *Store) Evict(id string) bool {
	sh := s.shardFor(id)
	sh.mu.Lock()
	ds, ok := sh.items[id]
	delete(sh.items, id)
	sh.mu.Unlock()

	if ok && s.opts.OnEvict != nil {
		s.opts.OnEvict(ds)
	}
	return ok
}

// Len returns the number of stored datasets, including expired ones not yet swept.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.items)
		sh.mu.RUnlock()
	}
	return n
}

// Sweep removes expired datasets and returns how many were removed.
func (s *Store) Sweep() int {
	now := s.now()
	removed := 0
	for _, sh := range s.shards {
		var expired []*core.Dataset
		sh.mu.Lock()
		for id, ds := range sh.items {
			if ds.Expired(now) {
				expired = append(expired, ds)
				delete(sh.items, id)
			}
		}
		sh.mu.Unlock()

		removed += len(expired)
		if s.opts.OnEvict != nil {
			for _, ds := range expired {
				s.opts.OnEvict(ds)
			}
		}
	}
	if removed > 0 {
		s.logger.Debug("swept expired datasets", slog.Int("removed", removed))
	}
	return removed
}

// Run sweeps expired datasets every SweepInterval until ctx is done.
func (s *Store) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// snapshot returns a copy of the dataset header. Rows and Schema are shared;
// they are never written after publication.
func snapshot(ds *core.Dataset) *core.Dataset {
	c := *ds
	return &c
}
