package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"kasircore/internal/domain"
	"kasircore/internal/metrics"
	"kasircore/internal/money"
	"kasircore/internal/pos"
	"kasircore/internal/recommendation"
	"kasircore/internal/store/memory"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestService(t *testing.T) (*Service, *memory.Store, *clock) {
	t.Helper()
	repo := memory.NewSeeded()
	clk := &clock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	svc := New(repo, nil, Options{
		Branch:        domain.BranchIdentity{ID: "JKT01", Name: "Toko Maju", Address: "Jl. Merdeka 1", Phone: "021-555-0101"},
		InvoicePrefix: "INV",
		TaxRate:       money.MustRate("10"),
		IdleTimeout:   30 * time.Minute,
		Metrics:       metrics.NewWithRegisterer(prometheus.NewRegistry()),
		Now:           clk.Now,
	})
	return svc, repo, clk
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "cashier", Role: domain.RoleCashier})
}

func TestSessionCheckoutFlow(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := cashierCtx()

	view, err := svc.OpenSession(ctx)
	if err != nil {
		t.Fatalf("open session failed: %v", err)
	}
	if view.State != pos.StateOpen || view.OperatorID != "cashier" {
		t.Fatalf("unexpected new session view: %+v", view)
	}
	if view.TaxPercent != "10" || len(view.Methods) != 5 || view.Methods[0] != domain.MethodCash || view.Methods[4] != domain.MethodStoreCredit {
		t.Fatalf("unexpected tax rate or payment methods: %q %v", view.TaxPercent, view.Methods)
	}

	if _, err := svc.AddItem(ctx, view.ID, "prd-kopi-01", 2); err != nil {
		t.Fatalf("add kopi failed: %v", err)
	}
	view, err = svc.AddItem(ctx, view.ID, "prd-gula-01", 0)
	if err != nil {
		t.Fatalf("add gula failed: %v", err)
	}
	// 2 x 26.00 + 1 x 174.00 = 226.00, tax 22.60
	if view.Totals.Subtotal != 22600 || view.Totals.Tax != 2260 || view.Totals.Total != 24860 {
		t.Fatalf("unexpected totals: %+v", view.Totals)
	}

	if _, err := svc.AddPayment(ctx, view.ID, domain.MethodCard, 20000, ""); err != nil {
		t.Fatalf("add card payment failed: %v", err)
	}
	view, err = svc.AddPayment(ctx, view.ID, domain.MethodCash, 5000, "")
	if err != nil {
		t.Fatalf("add cash payment failed: %v", err)
	}
	if view.Totals.Remaining != -140 {
		t.Fatalf("expected over-payment of 1.40, got remaining %d", view.Totals.Remaining)
	}

	result, err := svc.Commit(ctx, view.ID)
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if result.Sale.InvoiceNumber != "INV-JKT01-000001" {
		t.Fatalf("unexpected invoice %q", result.Sale.InvoiceNumber)
	}
	if result.Sale.ChangeDue != 140 || result.Receipt.Change != "1.40" {
		t.Fatalf("unexpected change: sale=%d receipt=%q", result.Sale.ChangeDue, result.Receipt.Change)
	}
	if result.Receipt.Customer != "Walk-in" || result.Receipt.BranchName != "Toko Maju" {
		t.Fatalf("unexpected receipt header: %+v", result.Receipt)
	}

	kopi, _ := repo.GetProduct(context.Background(), "prd-kopi-01")
	if kopi.AvailableStock != 118 {
		t.Fatalf("expected kopi stock 118, got %d", kopi.AvailableStock)
	}

	view, err = svc.GetSession(ctx, view.ID)
	if err != nil {
		t.Fatalf("get session failed: %v", err)
	}
	if view.State != pos.StateCommitted || view.Sale == nil {
		t.Fatalf("expected committed session with sale, got %+v", view)
	}

	if _, err := svc.AddItem(ctx, view.ID, "prd-kopi-01", 1); !errors.Is(err, domain.ErrSessionClosed) {
		t.Fatalf("expected session_closed after commit, got %v", err)
	}

	stored, err := svc.Receipt(ctx, result.Sale.ID)
	if err != nil {
		t.Fatalf("receipt lookup failed: %v", err)
	}
	if stored.Text() != result.Receipt.Text() {
		t.Fatalf("stored receipt differs from commit receipt")
	}

	byInvoice, err := svc.SaleByInvoice(ctx, result.Sale.InvoiceNumber)
	if err != nil || byInvoice.ID != result.Sale.ID {
		t.Fatalf("sale by invoice failed: %v", err)
	}
}

func TestAddItemUnknownProduct(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := cashierCtx()
	view, _ := svc.OpenSession(ctx)

	_, err := svc.AddItem(ctx, view.ID, "prd-missing", 1)
	if domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestStoreCreditUsesSelectedCustomer(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := cashierCtx()
	view, _ := svc.OpenSession(ctx)

	if _, err := svc.SetCustomer(ctx, view.ID, "cus-sari"); err != nil {
		t.Fatalf("set customer failed: %v", err)
	}
	if _, err := svc.AddItem(ctx, view.ID, "prd-telur-01", 1); err != nil {
		t.Fatalf("add item failed: %v", err)
	}
	view, err := svc.AddPayment(ctx, view.ID, domain.MethodStoreCredit, 29150, "")
	if err != nil {
		t.Fatalf("store credit payment failed: %v", err)
	}
	if view.Payments[0].CustomerID != "cus-sari" {
		t.Fatalf("expected selected customer on payment, got %+v", view.Payments[0])
	}

	result, err := svc.Commit(ctx, view.ID)
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if result.Receipt.Customer != "Warung Bu Sari" {
		t.Fatalf("unexpected receipt customer %q", result.Receipt.Customer)
	}
	sari, _ := repo.GetCustomer(context.Background(), "cus-sari")
	if sari.OutstandingBalance != 29150 {
		t.Fatalf("expected balance 291.50, got %s", sari.OutstandingBalance)
	}
}

func TestStoreCreditOverLimitScenario(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := cashierCtx()
	view, _ := svc.OpenSession(ctx)

	// Budi: limit 1000.00, balance 600.00
	_, err := svc.AddPayment(ctx, view.ID, domain.MethodStoreCredit, 50000, "cus-budi")
	if !errors.Is(err, domain.ErrCreditLimitExceeded) {
		t.Fatalf("expected credit_limit_exceeded, got %v", err)
	}
	view, _ = svc.GetSession(ctx, view.ID)
	if len(view.Payments) != 0 {
		t.Fatalf("expected ledger unchanged, got %+v", view.Payments)
	}
}

func TestSessionsArePrivateToOperator(t *testing.T) {
	svc, _, _ := newTestService(t)
	view, _ := svc.OpenSession(cashierCtx())

	other := WithActor(context.Background(), domain.Actor{Username: "rina", Role: domain.RoleCashier})
	if _, err := svc.GetSession(other, view.ID); domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("expected not_found for another cashier, got %v", err)
	}

	admin := WithActor(context.Background(), domain.Actor{Username: "admin", Role: domain.RoleAdmin})
	if _, err := svc.GetSession(admin, view.ID); err != nil {
		t.Fatalf("expected admin access, got %v", err)
	}
}

func TestDiscardSession(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := cashierCtx()
	view, _ := svc.OpenSession(ctx)

	if err := svc.DiscardSession(ctx, view.ID); err != nil {
		t.Fatalf("discard failed: %v", err)
	}
	if _, err := svc.GetSession(ctx, view.ID); domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("expected discarded session to be gone, got %v", err)
	}
}

func TestExpireIdleSessions(t *testing.T) {
	svc, _, clk := newTestService(t)
	ctx := cashierCtx()
	stale, _ := svc.OpenSession(ctx)
	clk.Advance(20 * time.Minute)
	fresh, _ := svc.OpenSession(ctx)
	clk.Advance(15 * time.Minute)

	if removed := svc.ExpireIdleSessions(); removed != 1 {
		t.Fatalf("expected 1 expired session, got %d", removed)
	}
	if _, err := svc.GetSession(ctx, stale.ID); err == nil {
		t.Fatalf("expected stale session to expire")
	}
	if _, err := svc.GetSession(ctx, fresh.ID); err != nil {
		t.Fatalf("expected fresh session to survive, got %v", err)
	}
}

func TestConcurrentRequestsOnOneSession(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := cashierCtx()
	view, _ := svc.OpenSession(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.AddItem(ctx, view.ID, "prd-air-01", 1); err != nil {
				t.Errorf("add item failed: %v", err)
			}
		}()
	}
	wg.Wait()

	view, _ = svc.GetSession(ctx, view.ID)
	if len(view.Lines) != 1 || view.Lines[0].Quantity != 20 {
		t.Fatalf("expected one line with quantity 20, got %+v", view.Lines)
	}
}

func TestFrequentItemsFromCommittedSales(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := cashierCtx()

	checkout := func(items map[string]int, amount money.Cents) {
		t.Helper()
		view, _ := svc.OpenSession(ctx)
		for id, qty := range items {
			if _, err := svc.AddItem(ctx, view.ID, id, qty); err != nil {
				t.Fatalf("add %s failed: %v", id, err)
			}
		}
		if _, err := svc.AddPayment(ctx, view.ID, domain.MethodCard, amount, ""); err != nil {
			t.Fatalf("payment failed: %v", err)
		}
		if _, err := svc.Commit(ctx, view.ID); err != nil {
			t.Fatalf("commit failed: %v", err)
		}
	}

	// mie 5 x 35.00 = 175.00 + 10%
	checkout(map[string]int{"prd-mie-01": 5}, 19250)
	// kopi 5 x 26.00 = 130.00 + 10%
	checkout(map[string]int{"prd-kopi-01": 5}, 14300)
	// mie 2 x 35.00 = 70.00 + 10%
	checkout(map[string]int{"prd-mie-01": 2}, 7700)

	ranked, err := svc.FrequentItems(ctx, 2)
	if err != nil {
		t.Fatalf("frequent items failed: %v", err)
	}
	if len(ranked) != 2 || ranked[0].Product.ID != "prd-mie-01" || ranked[0].Quantity != 7 || ranked[1].Product.ID != "prd-kopi-01" {
		t.Fatalf("unexpected ranking: %+v", ranked)
	}
}

type rankingCache struct {
	mu      sync.Mutex
	data    map[string][]domain.RankedProduct
	deletes int
}

func (c *rankingCache) Get(_ context.Context, key string) ([]domain.RankedProduct, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *rankingCache) Set(_ context.Context, key string, value []domain.RankedProduct, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *rankingCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletes++
	for _, key := range keys {
		delete(c.data, key)
	}
	return nil
}

func TestCommitInvalidatesCachedRanking(t *testing.T) {
	repo := memory.NewSeeded()
	clk := &clock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	rankings := &rankingCache{data: map[string][]domain.RankedProduct{}}
	engine := recommendation.NewEngine(repo, repo, rankings, "JKT01", 0, time.Hour).WithClock(clk.Now)
	svc := New(repo, engine, Options{
		Branch:        domain.BranchIdentity{ID: "JKT01", Name: "Toko Maju"},
		InvoicePrefix: "INV",
		TaxRate:       money.MustRate("10"),
		Now:           clk.Now,
	})
	ctx := cashierCtx()

	ranked, err := svc.FrequentItems(ctx, 3)
	if err != nil || len(ranked) != 0 {
		t.Fatalf("expected empty ranking before any sale, got %+v (%v)", ranked, err)
	}
	if len(rankings.data) != 1 {
		t.Fatalf("expected the empty ranking to be cached, got %d entries", len(rankings.data))
	}

	view, _ := svc.OpenSession(ctx)
	if _, err := svc.AddItem(ctx, view.ID, "prd-kopi-01", 3); err != nil {
		t.Fatalf("add item failed: %v", err)
	}
	// kopi 3 x 26.00 = 78.00 + 10%
	if _, err := svc.AddPayment(ctx, view.ID, domain.MethodCash, 8580, ""); err != nil {
		t.Fatalf("payment failed: %v", err)
	}
	if _, err := svc.Commit(ctx, view.ID); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if rankings.deletes != 1 || len(rankings.data) != 0 {
		t.Fatalf("expected commit to drop the cached ranking, deletes=%d entries=%d", rankings.deletes, len(rankings.data))
	}

	ranked, err = svc.FrequentItems(ctx, 3)
	if err != nil {
		t.Fatalf("frequent items failed: %v", err)
	}
	if len(ranked) != 1 || ranked[0].Product.ID != "prd-kopi-01" || ranked[0].Quantity != 3 {
		t.Fatalf("expected fresh ranking after commit, got %+v", ranked)
	}
}
