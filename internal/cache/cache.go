package cache

import (
	"context"
	"time"

	"kasircore/internal/domain"
)

type FrequentItemsCache interface {
	Get(ctx context.Context, key string) ([]domain.RankedProduct, bool, error)
	Set(ctx context.Context, key string, value []domain.RankedProduct, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

type NoopFrequentItemsCache struct{}

func (NoopFrequentItemsCache) Get(_ context.Context, _ string) ([]domain.RankedProduct, bool, error) {
	return nil, false, nil
}

func (NoopFrequentItemsCache) Set(_ context.Context, _ string, _ []domain.RankedProduct, _ time.Duration) error {
	return nil
}

func (NoopFrequentItemsCache) Delete(_ context.Context, _ ...string) error {
	return nil
}
