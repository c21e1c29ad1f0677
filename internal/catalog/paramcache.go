package catalog

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultParamCacheTTL is how long a procedure's parameter list is reused.
const DefaultParamCacheTTL = 5 * time.Minute

// lookupTimeout bounds a shared metadata lookup once its callers have gone.
const lookupTimeout = 30 * time.Second

// ParamSource reports the parameter names a data source declares for a procedure.
type ParamSource interface {
	SourceID() string
	ProcedureParams(ctx context.Context, procedure string) ([]string, error)
}

type paramEntry struct {
	names     []string
	expiresAt time.Time
}

// ParamCache caches parameter metadata keyed by (source, procedure).
// Concurrent misses for one key share a single lookup.
type ParamCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]paramEntry
	group   singleflight.Group
}

// NewParamCache creates a cache. A zero ttl means DefaultParamCacheTTL;
// a nil now means time.Now.
func NewParamCache(ttl time.Duration, now func() time.Time) *ParamCache {
	if ttl <= 0 {
		ttl = DefaultParamCacheTTL
	}
	if now == nil {
		now = time.Now
	}
	return &ParamCache{ttl: ttl, now: now, entries: make(map[string]paramEntry)}
}

// Get returns the cached names or loads them from src.
// Failed loads are not cached.
func (c *ParamCache) Get(ctx context.Context, src ParamSource, procedure string) ([]string, error) {
	key := src.SourceID() + "\x00" + strings.ToLower(strings.TrimSpace(procedure))

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.now().Before(e.expiresAt) {
		return e.names, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		// Detached so one caller's cancellation does not fail the others.
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()
		names, err := src.ProcedureParams(lookupCtx, procedure)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = paramEntry{names: names, expiresAt: c.now().Add(c.ttl)}
		c.mu.Unlock()
		return names, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]string), nil
	}
}

// Invalidate drops every cached entry for procedure across sources.
func (c *ParamCache) Invalidate(procedure string) {
	suffix := "\x00" + strings.ToLower(strings.TrimSpace(procedure))
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if strings.HasSuffix(k, suffix) {
			delete(c.entries, k)
		}
	}
}

// Len returns the number of cached entries, expired ones included.
func (c *ParamCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
