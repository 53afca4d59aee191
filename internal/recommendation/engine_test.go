package recommendation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasircore/internal/domain"
	"kasircore/internal/store"
)

type catalogStub map[string]domain.Product

func (c catalogStub) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	p, ok := c[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func records(pairs ...any) []domain.HistoricalLineRecord {
	out := make([]domain.HistoricalLineRecord, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, domain.HistoricalLineRecord{ProductID: pairs[i].(string), Quantity: pairs[i+1].(int)})
	}
	return out
}

func ids(ranked []domain.RankedProduct) []string {
	out := make([]string, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, r.Product.ID)
	}
	return out
}

var catalog = catalogStub{
	"A": {ID: "A", Name: "Alpha"},
	"B": {ID: "B", Name: "Bravo"},
	"C": {ID: "C", Name: "Charlie"},
	"D": {ID: "D", Name: "Delta"},
}

func TestRankSumsAndOrders(t *testing.T) {
	ranked, err := Rank(context.Background(), records("A", 5, "B", 5, "A", 2), 2, catalog)
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, "A", ranked[0].Product.ID)
	assert.Equal(t, 7, ranked[0].Quantity)
	assert.Equal(t, "B", ranked[1].Product.ID)
	assert.Equal(t, 5, ranked[1].Quantity)
}

func TestRankTiesKeepFirstSeenOrder(t *testing.T) {
	input := records("C", 3, "A", 3, "B", 3, "D", 1)
	for i := 0; i < 20; i++ {
		ranked, err := Rank(context.Background(), input, 6, catalog)
		require.NoError(t, err)
		assert.Equal(t, []string{"C", "A", "B", "D"}, ids(ranked))
	}
}

func TestRankBackfillsUnresolvedProducts(t *testing.T) {
	ranked, err := Rank(context.Background(), records("GONE", 50, "A", 4, "B", 3, "C", 2), 2, catalog)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, ids(ranked))
}

func TestRankDefaultsLimit(t *testing.T) {
	many := catalogStub{}
	var input []domain.HistoricalLineRecord
	for _, id := range []string{"1", "2", "3", "4", "5", "6", "7", "8"} {
		many[id] = domain.Product{ID: id}
		input = append(input, domain.HistoricalLineRecord{ProductID: id, Quantity: 1})
	}
	ranked, err := Rank(context.Background(), input, 0, many)
	require.NoError(t, err)
	assert.Len(t, ranked, DefaultLimit)
}

type failingResolver struct{}

func (failingResolver) GetProduct(context.Context, string) (*domain.Product, error) {
	return nil, errors.New("connection reset")
}

func TestRankPropagatesResolverFailure(t *testing.T) {
	_, err := Rank(context.Background(), records("A", 1), 1, failingResolver{})
	require.Error(t, err)
}

type historyStub struct {
	calls int
	since time.Time
	recs  []domain.HistoricalLineRecord
}

func (h *historyStub) RecentLineRecords(_ context.Context, since time.Time) ([]domain.HistoricalLineRecord, error) {
	h.calls++
	h.since = since
	return h.recs, nil
}

type mapCache struct {
	mu   sync.Mutex
	data map[string][]domain.RankedProduct
}

func (c *mapCache) Get(_ context.Context, key string) ([]domain.RankedProduct, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, value []domain.RankedProduct, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *mapCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.data, key)
	}
	return nil
}

func TestEngineCachesRanking(t *testing.T) {
	history := &historyStub{recs: records("B", 2, "A", 9)}
	c := &mapCache{data: map[string][]domain.RankedProduct{}}
	engine := NewEngine(history, catalog, c, "JKT01", 7*24*time.Hour, time.Minute)
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return now }

	first, err := engine.FrequentItems(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, ids(first))
	assert.Equal(t, now.Add(-7*24*time.Hour), history.since)

	second, err := engine.FrequentItems(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	one, err := engine.FrequentItems(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, ids(one))
	assert.Equal(t, 1, history.calls)
	assert.Contains(t, c.data, "pos:frequent-items:JKT01:168")
}

func TestEngineInvalidateDropsCachedRanking(t *testing.T) {
	history := &historyStub{recs: records("B", 2, "A", 9)}
	c := &mapCache{data: map[string][]domain.RankedProduct{}}
	engine := NewEngine(history, catalog, c, "JKT01", 7*24*time.Hour, time.Minute)
	ctx := context.Background()

	_, err := engine.FrequentItems(ctx, 2)
	require.NoError(t, err)

	history.recs = append(history.recs, records("B", 20)...)
	stale, err := engine.FrequentItems(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, ids(stale))

	engine.Invalidate(ctx)
	assert.Empty(t, c.data)

	fresh, err := engine.FrequentItems(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "A"}, ids(fresh))
	assert.Equal(t, 2, history.calls)
}
