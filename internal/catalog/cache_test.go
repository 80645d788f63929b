package catalog

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memCache) GetCatalog(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data[key]
	return b, ok, nil
}

func (m *memCache) PutCatalog(_ context.Context, key string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string][]byte)
	}
	m.data[key] = payload
	return nil
}

type countingObserver struct {
	hits, misses, fetches atomic.Int32
}

func (o *countingObserver) CatalogCacheHit(string)  { o.hits.Add(1) }
func (o *countingObserver) CatalogCacheMiss(string) { o.misses.Add(1) }
func (o *countingObserver) CatalogFetched(string, time.Duration, int, error) {
	o.fetches.Add(1)
}

func sampleTable() *Table {
	t := NewTable("ps1", "ra", "dec", "rmag")
	t.Append(map[string]float64{"ra": 83.8, "dec": -5.39, "rmag": 12.5})
	t.Append(map[string]float64{"ra": 83.9, "dec": -5.40})
	return t
}

func TestCachedFetcherSingleFetchPerKey(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	next := FetcherFunc(func(ctx context.Context, req Request) (*Table, error) {
		calls.Add(1)
		<-release
		return sampleTable(), nil
	})

	obs := &countingObserver{}
	f := NewCachedFetcher(next, &memCache{}, obs, nil)
	req := Request{Catalog: "ps1", RA: 83.8, Dec: -5.39, Radius: 0.1, Constraints: []Constraint{{"rmag", "<16"}}}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tab, err := f.Fetch(context.Background(), req)
			assert.NoError(t, err)
			assert.Equal(t, 2, tab.Len())
		}()
	}
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(1), obs.fetches.Load())

	_, err := f.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.GreaterOrEqual(t, obs.hits.Load(), int32(1))
}

func TestCachedFetcherDoesNotCacheErrors(t *testing.T) {
	var calls atomic.Int32
	boom := errors.New("service unavailable")
	next := FetcherFunc(func(ctx context.Context, req Request) (*Table, error) {
		if calls.Add(1) == 1 {
			return nil, boom
		}
		return sampleTable(), nil
	})

	f := NewCachedFetcher(next, &memCache{}, nil, nil)
	req := Request{Catalog: "ps1", RA: 1, Dec: 2, Radius: 0.2}

	_, err := f.Fetch(context.Background(), req)
	assert.ErrorIs(t, err, boom)

	tab, err := f.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, tab.Len())
	assert.Equal(t, int32(2), calls.Load())
}

func TestCachedFetcherDoesNotCacheEmptyTables(t *testing.T) {
	var calls atomic.Int32
	next := FetcherFunc(func(ctx context.Context, req Request) (*Table, error) {
		if calls.Add(1) == 1 {
			return NewTable("ps1"), nil
		}
		return sampleTable(), nil
	})

	cache := &memCache{}
	f := NewCachedFetcher(next, cache, nil, nil)
	req := Request{Catalog: "ps1", RA: 1, Dec: 2, Radius: 0.2}

	tab, err := f.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 0, tab.Len())
	assert.Empty(t, cache.data)

	tab, err = f.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, tab.Len())
	assert.Equal(t, int32(2), calls.Load())
}

func TestCachedFetcherIgnoresStoredEmptyTables(t *testing.T) {
	req := Request{Catalog: "ps1", RA: 1, Dec: 2, Radius: 0.2}
	payload, err := EncodeTable(NewTable("ps1"))
	require.NoError(t, err)
	cache := &memCache{data: map[string][]byte{CacheKey(req): payload}}

	var calls atomic.Int32
	next := FetcherFunc(func(ctx context.Context, req Request) (*Table, error) {
		calls.Add(1)
		return sampleTable(), nil
	})
	obs := &countingObserver{}
	f := NewCachedFetcher(next, cache, obs, nil)

	tab, err := f.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, tab.Len())
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(0), obs.hits.Load())
}

func TestCachedFetcherWithoutCache(t *testing.T) {
	var calls atomic.Int32
	next := FetcherFunc(func(ctx context.Context, req Request) (*Table, error) {
		calls.Add(1)
		return sampleTable(), nil
	})
	f := NewCachedFetcher(next, nil, nil, nil)
	req := Request{Catalog: "ps1", RA: 1, Dec: 2, Radius: 0.2}

	for i := 0; i < 3; i++ {
		_, err := f.Fetch(context.Background(), req)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestCacheKeyIgnoresConstraintOrder(t *testing.T) {
	a := Request{Catalog: "x", RA: 1, Dec: 2, Radius: 3, Constraints: []Constraint{{"rmag", "<16"}, {"gmag", "<17"}}}
	b := a
	b.Constraints = []Constraint{{"gmag", "<17"}, {"rmag", "<16"}}
	assert.Equal(t, CacheKey(a), CacheKey(b))

	c := a
	c.Radius = 3.0000001
	assert.NotEqual(t, CacheKey(a), CacheKey(c))
}

func TestTableEncodingKeepsNaN(t *testing.T) {
	payload, err := EncodeTable(sampleTable())
	require.NoError(t, err)

	got, err := DecodeTable(payload)
	require.NoError(t, err)
	assert.Equal(t, []string{"ra", "dec", "rmag"}, got.Names)
	assert.Equal(t, 12.5, got.Column("rmag")[0])
	assert.True(t, math.IsNaN(got.Column("rmag")[1]))
}
