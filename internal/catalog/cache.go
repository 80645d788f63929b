package catalog

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// Cache persists encoded catalog tables by key.
type Cache interface {
	GetCatalog(ctx context.Context, key string) ([]byte, bool, error)
	PutCatalog(ctx context.Context, key string, payload []byte) error
}

// Observer receives cache and fetch events. Any method may be a no-op.
type Observer interface {
	CatalogCacheHit(catalog string)
	CatalogCacheMiss(catalog string)
	CatalogFetched(catalog string, d time.Duration, rows int, err error)
}

// CachedFetcher serves repeated queries from a persistent cache and makes sure
// concurrent callers asking for the same key trigger a single fetch.
type CachedFetcher struct {
	next  Fetcher
	cache Cache
	obs   Observer
	log   *slog.Logger
	group singleflight.Group
}

// NewCachedFetcher wraps next. cache and obs may be nil.
func NewCachedFetcher(next Fetcher, cache Cache, obs Observer, log *slog.Logger) *CachedFetcher {
	if log == nil {
		log = slog.Default()
	}
	return &CachedFetcher{next: next, cache: cache, obs: obs, log: log}
}

// CacheKey returns the cache key of a request. Requests built from the same
// quantized region produce identical keys.
func CacheKey(req Request) string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	parts := []string{req.Catalog, f(req.RA), f(req.Dec), f(req.Radius)}
	cons := make([]string, 0, len(req.Constraints))
	for _, c := range req.Constraints {
		cons = append(cons, c.Column+c.Expr)
	}
	sort.Strings(cons)
	parts = append(parts, cons...)
	return strings.Join(parts, "|")
}

// Fetch implements Fetcher.
func (c *CachedFetcher) Fetch(ctx context.Context, req Request) (*Table, error) {
	key := CacheKey(req)

	v, err, shared := c.group.Do(key, func() (any, error) {
		if t, ok := c.lookup(ctx, key, req.Catalog); ok {
			return t, nil
		}
		if c.obs != nil {
			c.obs.CatalogCacheMiss(req.Catalog)
		}

		start := time.Now()
		t, err := c.next.Fetch(ctx, req)
		if c.obs != nil {
			c.obs.CatalogFetched(req.Catalog, time.Since(start), t.Len(), err)
		}
		if err != nil {
			return nil, err
		}
		if t.Len() == 0 {
			// Not cached: an empty reply may be a transient upstream fault.
			c.log.Debug("catalog reply empty, not cached", "key", key)
			return t, nil
		}
		c.store(ctx, key, t)
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.log.Debug("catalog fetch shared", "key", key)
	}
	return v.(*Table), nil
}

func (c *CachedFetcher) lookup(ctx context.Context, key, catalogName string) (*Table, bool) {
	if c.cache == nil {
		return nil, false
	}
	payload, ok, err := c.cache.GetCatalog(ctx, key)
	if err != nil {
		c.log.Warn("catalog cache read failed", "key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	t, err := DecodeTable(payload)
	if err != nil {
		c.log.Warn("catalog cache entry unreadable", "key", key, "error", err)
		return nil, false
	}
	if t.Len() == 0 {
		return nil, false
	}
	if c.obs != nil {
		c.obs.CatalogCacheHit(catalogName)
	}
	return t, true
}

func (c *CachedFetcher) store(ctx context.Context, key string, t *Table) {
	if c.cache == nil {
		return
	}
	payload, err := EncodeTable(t)
	if err == nil {
		err = c.cache.PutCatalog(ctx, key, payload)
	}
	if err != nil {
		c.log.Warn("catalog cache write failed", "key", key, "error", err)
	}
}

// EncodeTable serializes a table for the cache.
func EncodeTable(t *Table) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(t); err != nil {
		return nil, fmt.Errorf("encode catalog table: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeTable is the inverse of EncodeTable.
func DecodeTable(payload []byte) (*Table, error) {
	var t Table
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&t); err != nil {
		return nil, fmt.Errorf("decode catalog table: %w", err)
	}
	if t.Columns == nil {
		t.Columns = make(map[string][]float64)
	}
	return &t, nil
}
