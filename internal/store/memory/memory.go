package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"kasircore/internal/domain"
	"kasircore/internal/money"
	"kasircore/internal/store"
)

// Stage names a write step inside a sale transaction, used to inject failures.
type Stage string

const (
	StageHeader   Stage = "header"
	StageLines    Stage = "lines"
	StagePayments Stage = "payments"
	StageStock    Stage = "stock"
	StageCredit   Stage = "credit"
	StageCommit   Stage = "commit"
)

// Store is an in-process implementation of store.Repository. Sale
// transactions hold the write lock from BeginSale until Commit or Rollback,
// so commits are fully serialised and staged writes are invisible until
// applied.
type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	customers       map[string]domain.Customer
	salesByID       map[string]domain.Sale
	saleIDByInvoice map[string]string
	saleOrder       []string
	saleLines       map[string][]domain.CartLine
	salePayments    map[string][]domain.Payment
	invoiceSeq      map[string]int64
	operators       map[string]domain.OperatorAccount
	failures        map[Stage]error
}

func New() *Store {
	return &Store{
		products:        make(map[string]domain.Product),
		customers:       make(map[string]domain.Customer),
		salesByID:       make(map[string]domain.Sale),
		saleIDByInvoice: make(map[string]string),
		saleLines:       make(map[string][]domain.CartLine),
		salePayments:    make(map[string][]domain.Payment),
		invoiceSeq:      make(map[string]int64),
		operators:       make(map[string]domain.OperatorAccount),
		failures:        make(map[Stage]error),
	}
}

// seedOperators builds the dev/demo operator accounts. Passwords come from
// SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD, falling back to dev defaults
// with a warning.
func seedOperators() map[string]domain.OperatorAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.WithField("component", "memory-store").Warn("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	operators := map[string]domain.OperatorAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.WithError(err).Fatalf("hash seed password for %s", u.username)
		}
		operators[u.username] = domain.OperatorAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return operators
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	s := New()
	for _, p := range []domain.Product{
		{ID: "prd-mie-01", SKU: "SKU-MIE-01", Barcode: "8991001000011", Name: "Mie Goreng Instan", Category: "grocery", UnitPrice: 3500, AvailableStock: 120},
		{ID: "prd-telur-01", SKU: "SKU-TELUR-01", Barcode: "8991001000028", Name: "Telur 10 Butir", Category: "grocery", UnitPrice: 26500, AvailableStock: 120},
		{ID: "prd-susu-01", SKU: "SKU-SUSU-01", Barcode: "8991001000035", Name: "Susu UHT 1L", Category: "dairy", UnitPrice: 18900, AvailableStock: 120},
		{ID: "prd-roti-01", SKU: "SKU-ROTI-01", Barcode: "8991001000042", Name: "Roti Tawar", Category: "bakery", UnitPrice: 17800, AvailableStock: 120},
		{ID: "prd-kopi-01", SKU: "SKU-KOPI-01", Barcode: "8991001000059", Name: "Kopi Sachet", Category: "beverage", UnitPrice: 2600, AvailableStock: 120},
		{ID: "prd-gula-01", SKU: "SKU-GULA-01", Barcode: "8991001000066", Name: "Gula 1kg", Category: "grocery", UnitPrice: 17400, AvailableStock: 120},
		{ID: "prd-teh-01", SKU: "SKU-TEH-01", Barcode: "8991001000073", Name: "Teh Celup", Category: "beverage", UnitPrice: 9800, AvailableStock: 120},
		{ID: "prd-air-01", SKU: "SKU-AIR-01", Barcode: "8991001000080", Name: "Air Mineral 600ml", Category: "beverage", UnitPrice: 3900, AvailableStock: 120},
		{ID: "prd-keripik-01", SKU: "SKU-KERIPIK-01", Barcode: "8991001000097", Name: "Keripik Singkong", Category: "snack", UnitPrice: 12800, AvailableStock: 120},
		{ID: "prd-coklat-01", SKU: "SKU-COKLAT-01", Barcode: "8991001000103", Name: "Coklat Batang", Category: "snack", UnitPrice: 8600, AvailableStock: 120},
		{ID: "prd-sabun-01", SKU: "SKU-SABUN-01", Barcode: "8991001000110", Name: "Sabun Mandi", Category: "household", UnitPrice: 7400, AvailableStock: 120},
		{ID: "prd-shampoo-01", SKU: "SKU-SHAMPOO-01", Barcode: "8991001000127", Name: "Shampoo Sachet", Category: "household", UnitPrice: 3200, AvailableStock: 120},
	} {
		s.products[p.ID] = p
	}
	for _, c := range []domain.Customer{
		{ID: "cus-sari", Name: "Warung Bu Sari", CreditLimit: 5000000, OutstandingBalance: 0},
		{ID: "cus-budi", Name: "Budi Santoso", CreditLimit: 100000, OutstandingBalance: 60000},
	} {
		s.customers[c.ID] = c
	}
	s.operators = seedOperators()
	return s
}

// PutProduct inserts or replaces a catalog product.
func (s *Store) PutProduct(product domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[product.ID] = product
}

func (s *Store) PutCustomer(customer domain.Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[customer.ID] = customer
}

// FailNext makes the next sale transaction fail at stage with err. The
// injection is consumed by the first transaction that reaches the stage.
func (s *Store) FailNext(stage Stage, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[stage] = err
}

// RecordCounts reports how many sale headers, line rows and payment rows are
// visible to readers.
func (s *Store) RecordCounts() (sales int, lines int, payments int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.saleLines {
		lines += len(l)
	}
	for _, p := range s.salePayments {
		payments += len(p)
	}
	return len(s.salesByID), lines, payments
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyProduct := product
	return &copyProduct, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return strings.Compare(a.Name, b.Name)
		}
		return strings.Compare(a.Category, b.Category)
	})
	return products, nil
}

func (s *Store) GetCustomer(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, exists := s.customers[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyCustomer := customer
	return &copyCustomer, nil
}

// RecentLineRecords returns one record per committed line with a sale time at
// or after since, in commit order.
func (s *Store) RecentLineRecords(_ context.Context, since time.Time) ([]domain.HistoricalLineRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]domain.HistoricalLineRecord, 0, len(s.saleOrder))
	for _, id := range s.saleOrder {
		sale := s.salesByID[id]
		if sale.CreatedAt.Before(since) {
			continue
		}
		for _, line := range s.saleLines[id] {
			records = append(records, domain.HistoricalLineRecord{
				ProductID:     line.ProductID,
				Quantity:      line.Quantity,
				SaleTimestamp: sale.CreatedAt,
			})
		}
	}
	return records, nil
}

func (s *Store) FindSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.assembleSale(id)
}

func (s *Store) FindSaleByInvoice(_ context.Context, invoice string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.saleIDByInvoice[invoice]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.assembleSale(id)
}

func (s *Store) assembleSale(id string) (*domain.Sale, error) {
	header, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	sale := header.Clone()
	sale.Lines = append([]domain.CartLine(nil), s.saleLines[id]...)
	sale.Payments = append([]domain.Payment(nil), s.salePayments[id]...)
	return &sale, nil
}

func (s *Store) BeginSale(ctx context.Context) (store.SaleTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	return &saleTx{
		s:           s,
		stockDelta:  make(map[string]int),
		creditDelta: make(map[string]money.Cents),
		seq:         make(map[string]int64),
	}, nil
}

type saleTx struct {
	s           *Store
	done        bool
	header      *domain.Sale
	lines       []domain.CartLine
	payments    []domain.Payment
	stockDelta  map[string]int
	creditDelta map[string]money.Cents
	seq         map[string]int64
}

// injected returns and consumes the failure registered for stage.
func (t *saleTx) injected(stage Stage) error {
	err, ok := t.s.failures[stage]
	if !ok {
		return nil
	}
	delete(t.s.failures, stage)
	return err
}

func (t *saleTx) active(ctx context.Context) error {
	if t.done {
		return fmt.Errorf("sale transaction already finished")
	}
	return ctx.Err()
}

func (t *saleTx) LockProduct(ctx context.Context, id string) (*domain.Product, error) {
	if err := t.active(ctx); err != nil {
		return nil, err
	}
	product, ok := t.s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	product.AvailableStock -= t.stockDelta[id]
	return &product, nil
}

func (t *saleTx) LockCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	if err := t.active(ctx); err != nil {
		return nil, err
	}
	customer, ok := t.s.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	customer.OutstandingBalance += t.creditDelta[id]
	return &customer, nil
}

func (t *saleTx) NextInvoiceSeq(ctx context.Context, branchID string) (int64, error) {
	if err := t.active(ctx); err != nil {
		return 0, err
	}
	next, ok := t.seq[branchID]
	if !ok {
		next = t.s.invoiceSeq[branchID]
	}
	next++
	t.seq[branchID] = next
	return next, nil
}

func (t *saleTx) InsertSaleHeader(ctx context.Context, sale domain.Sale) error {
	if err := t.active(ctx); err != nil {
		return err
	}
	if err := t.injected(StageHeader); err != nil {
		return err
	}
	if t.header != nil {
		return store.ErrDuplicate
	}
	if _, exists := t.s.salesByID[sale.ID]; exists {
		return store.ErrDuplicate
	}
	if _, exists := t.s.saleIDByInvoice[sale.InvoiceNumber]; exists {
		return store.ErrDuplicate
	}
	header := sale.Clone()
	header.Lines = nil
	header.Payments = nil
	t.header = &header
	return nil
}

func (t *saleTx) InsertSaleLines(ctx context.Context, saleID string, lines []domain.CartLine) error {
	if err := t.active(ctx); err != nil {
		return err
	}
	if err := t.injected(StageLines); err != nil {
		return err
	}
	if t.header == nil || t.header.ID != saleID {
		return store.ErrNotFound
	}
	t.lines = append(t.lines, lines...)
	return nil
}

func (t *saleTx) InsertSalePayments(ctx context.Context, saleID string, payments []domain.Payment) error {
	if err := t.active(ctx); err != nil {
		return err
	}
	if err := t.injected(StagePayments); err != nil {
		return err
	}
	if t.header == nil || t.header.ID != saleID {
		return store.ErrNotFound
	}
	t.payments = append(t.payments, payments...)
	return nil
}

func (t *saleTx) DecrementStock(ctx context.Context, productID string, qty int) error {
	if err := t.active(ctx); err != nil {
		return err
	}
	if err := t.injected(StageStock); err != nil {
		return err
	}
	product, ok := t.s.products[productID]
	if !ok {
		return store.ErrNotFound
	}
	if product.AvailableStock-t.stockDelta[productID]-qty < 0 {
		return store.ErrInsufficientStock
	}
	t.stockDelta[productID] += qty
	return nil
}

func (t *saleTx) ChargeCredit(ctx context.Context, customerID string, amount money.Cents) error {
	if err := t.active(ctx); err != nil {
		return err
	}
	if err := t.injected(StageCredit); err != nil {
		return err
	}
	customer, ok := t.s.customers[customerID]
	if !ok {
		return store.ErrNotFound
	}
	if customer.OutstandingBalance+t.creditDelta[customerID]+amount > customer.CreditLimit {
		return store.ErrCreditLimit
	}
	t.creditDelta[customerID] += amount
	return nil
}

func (t *saleTx) Commit() error {
	if t.done {
		return fmt.Errorf("sale transaction already finished")
	}
	defer t.finish()

	if err := t.injected(StageCommit); err != nil {
		return err
	}

	s := t.s
	for id, qty := range t.stockDelta {
		product := s.products[id]
		product.AvailableStock -= qty
		s.products[id] = product
	}
	for id, amount := range t.creditDelta {
		customer := s.customers[id]
		customer.OutstandingBalance += amount
		s.customers[id] = customer
	}
	for branch, seq := range t.seq {
		s.invoiceSeq[branch] = seq
	}
	if t.header != nil {
		id := t.header.ID
		s.salesByID[id] = *t.header
		s.saleIDByInvoice[t.header.InvoiceNumber] = id
		s.saleOrder = append(s.saleOrder, id)
		s.saleLines[id] = append([]domain.CartLine(nil), t.lines...)
		s.salePayments[id] = append([]domain.Payment(nil), t.payments...)
	}
	return nil
}

func (t *saleTx) Rollback() error {
	if t.done {
		return nil
	}
	t.finish()
	return nil
}

func (t *saleTx) finish() {
	t.done = true
	t.s.mu.Unlock()
}

func (s *Store) CreateOperator(_ context.Context, account domain.OperatorAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(account.Username))
	if username == "" || strings.TrimSpace(account.Password) == "" {
		return fmt.Errorf("operator username and password are required")
	}
	if _, exists := s.operators[username]; exists {
		return store.ErrDuplicate
	}
	account.Username = username
	if account.Role == "" {
		account.Role = domain.RoleCashier
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}
	account.Active = true
	s.operators[username] = account
	return nil
}

func (s *Store) ListOperators(_ context.Context) ([]domain.OperatorAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	operators := make([]domain.OperatorAccount, 0, len(s.operators))
	for _, op := range s.operators {
		operators = append(operators, op)
	}
	slices.SortFunc(operators, func(a, b domain.OperatorAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return operators, nil
}

func (s *Store) UpdateOperatorPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return fmt.Errorf("operator username and password are required")
	}
	op, exists := s.operators[username]
	if !exists {
		return store.ErrNotFound
	}
	op.Password = password
	s.operators[username] = op
	return nil
}
