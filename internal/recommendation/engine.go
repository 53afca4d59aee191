package recommendation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	log "github.com/sirupsen/logrus"

	"kasircore/internal/cache"
	"kasircore/internal/domain"
	"kasircore/internal/store"
)

const (
	DefaultLimit = 6
	// MaxLimit is the longest ranking served; the cache holds one ranking of
	// this length and shorter requests are cut from it.
	MaxLimit = 50
)

// ProductResolver looks a product up by id. store.Catalog satisfies it.
type ProductResolver interface {
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
}

type tally struct {
	productID string
	quantity  int
}

// aggregate sums quantity per product and orders the totals descending. Ties
// keep the order in which products first appear in records.
func aggregate(records []domain.HistoricalLineRecord) []tally {
	index := make(map[string]int, len(records))
	totals := make([]tally, 0, len(records))
	for _, r := range records {
		if r.ProductID == "" {
			continue
		}
		i, ok := index[r.ProductID]
		if !ok {
			i = len(totals)
			index[r.ProductID] = i
			totals = append(totals, tally{productID: r.ProductID})
		}
		totals[i].quantity += r.Quantity
	}

	slices.SortStableFunc(totals, func(a, b tally) int {
		return b.quantity - a.quantity
	})
	return totals
}

// Rank returns up to limit products by aggregate quantity. Products the
// resolver no longer knows are skipped and the next-ranked entry takes their
// place. Any other resolver error aborts the ranking.
func Rank(ctx context.Context, records []domain.HistoricalLineRecord, limit int, resolver ProductResolver) ([]domain.RankedProduct, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	ranked := make([]domain.RankedProduct, 0, limit)
	for _, t := range aggregate(records) {
		if len(ranked) == limit {
			break
		}
		product, err := resolver.GetProduct(ctx, t.productID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve product %s: %w", t.productID, err)
		}
		ranked = append(ranked, domain.RankedProduct{Product: *product, Quantity: t.quantity})
	}
	return ranked, nil
}

// Engine serves frequent-item rankings over a rolling history window, caching
// results for a short TTL.
type Engine struct {
	history  store.History
	catalog  ProductResolver
	cache    cache.FrequentItemsCache
	cacheTTL time.Duration
	window   time.Duration
	scope    string
	now      func() time.Time
	logger   *log.Entry
}

func NewEngine(history store.History, catalog ProductResolver, cacheStore cache.FrequentItemsCache, scope string, window time.Duration, cacheTTL time.Duration) *Engine {
	if cacheStore == nil {
		cacheStore = cache.NoopFrequentItemsCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 60 * time.Second
	}
	if window <= 0 {
		window = 30 * 24 * time.Hour
	}

	return &Engine{
		history:  history,
		catalog:  catalog,
		cache:    cacheStore,
		cacheTTL: cacheTTL,
		window:   window,
		scope:    scope,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   log.WithField("component", "frequent-items"),
	}
}

func (e *Engine) FrequentItems(ctx context.Context, limit int) ([]domain.RankedProduct, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	key := e.cacheKey()
	if cached, ok, err := e.cache.Get(ctx, key); err == nil && ok {
		return head(cached, limit), nil
	} else if err != nil {
		e.logger.WithError(err).Warn("frequent-items cache read failed")
	}

	records, err := e.history.RecentLineRecords(ctx, e.now().Add(-e.window))
	if err != nil {
		return nil, fmt.Errorf("load sale history: %w", err)
	}
	ranked, err := Rank(ctx, records, MaxLimit, e.catalog)
	if err != nil {
		return nil, err
	}

	if err := e.cache.Set(ctx, key, ranked, e.cacheTTL); err != nil {
		e.logger.WithError(err).Warn("frequent-items cache write failed")
	}
	return head(ranked, limit), nil
}

// WithClock replaces the clock the history window is measured from.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	if now != nil {
		e.now = now
	}
	return e
}

// Invalidate drops the cached ranking so the next request sees new sales.
func (e *Engine) Invalidate(ctx context.Context) {
	if err := e.cache.Delete(ctx, e.cacheKey()); err != nil {
		e.logger.WithError(err).Warn("frequent-items cache invalidation failed")
	}
}

func (e *Engine) cacheKey() string {
	return fmt.Sprintf("pos:frequent-items:%s:%d", e.scope, int(e.window.Hours()))
}

func head(ranked []domain.RankedProduct, limit int) []domain.RankedProduct {
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return slices.Clone(ranked)
}
