package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"kasircore/internal/domain"
	"kasircore/internal/money"
	"kasircore/internal/store"
)

const schemaLockKey = int64(50241901)

//go:embed sql/schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates any missing tables. Concurrent starters serialise on
// an advisory lock.
func (s *Store) EnsureSchema(ctx context.Context) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", schemaLockKey); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", schemaLockKey)
	}()

	if _, err := conn.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const productColumns = `id, sku, barcode, name, category, unit_price_cents, available_stock`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (*domain.Product, error) {
	var p domain.Product
	var price int64
	if err := row.Scan(&p.ID, &p.SKU, &p.Barcode, &p.Name, &p.Category, &price, &p.AvailableStock); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	p.UnitPrice = money.Cents(price)
	return &p, nil
}

func scanCustomer(row rowScanner) (*domain.Customer, error) {
	var c domain.Customer
	var limit, balance int64
	if err := row.Scan(&c.ID, &c.Name, &limit, &balance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	c.CreditLimit = money.Cents(limit)
	c.OutstandingBalance = money.Cents(balance)
	return &c, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	return scanProduct(s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = $1 AND active = true
	`, id))
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE active = true
		ORDER BY category, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

// UpsertProduct writes a catalog row, replacing price, name and stock.
func (s *Store) UpsertProduct(ctx context.Context, p domain.Product) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, sku, barcode, name, category, unit_price_cents, available_stock, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,true,now(),now())
		ON CONFLICT (id) DO UPDATE
		SET sku = EXCLUDED.sku, barcode = EXCLUDED.barcode, name = EXCLUDED.name, category = EXCLUDED.category,
			unit_price_cents = EXCLUDED.unit_price_cents, available_stock = EXCLUDED.available_stock,
			active = true, updated_at = now()
	`, p.ID, p.SKU, p.Barcode, p.Name, p.Category, int64(p.UnitPrice), p.AvailableStock)
	return err
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	return scanCustomer(s.db.QueryRowContext(ctx, `
		SELECT id, name, credit_limit_cents, outstanding_balance_cents
		FROM customers
		WHERE id = $1
	`, id))
}

func (s *Store) UpsertCustomer(ctx context.Context, c domain.Customer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, credit_limit_cents, outstanding_balance_cents, updated_at)
		VALUES ($1,$2,$3,$4,now())
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, credit_limit_cents = EXCLUDED.credit_limit_cents,
			outstanding_balance_cents = EXCLUDED.outstanding_balance_cents, updated_at = now()
	`, c.ID, c.Name, int64(c.CreditLimit), int64(c.OutstandingBalance))
	return err
}

func (s *Store) RecentLineRecords(ctx context.Context, since time.Time) ([]domain.HistoricalLineRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.product_id, l.quantity, s.created_at
		FROM sale_lines l
		JOIN sales s ON s.id = l.sale_id
		WHERE s.created_at >= $1
		ORDER BY s.created_at, s.id, l.line_no
	`, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.HistoricalLineRecord, 0, 256)
	for rows.Next() {
		var r domain.HistoricalLineRecord
		if err := rows.Scan(&r.ProductID, &r.Quantity, &r.SaleTimestamp); err != nil {
			return nil, err
		}
		r.SaleTimestamp = r.SaleTimestamp.UTC()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) FindSale(ctx context.Context, id string) (*domain.Sale, error) {
	return s.findSale(ctx, "id", id)
}

func (s *Store) FindSaleByInvoice(ctx context.Context, invoice string) (*domain.Sale, error) {
	return s.findSale(ctx, "invoice_number", invoice)
}

func (s *Store) findSale(ctx context.Context, column string, value string) (*domain.Sale, error) {
	var sale domain.Sale
	var subtotal, tax, total, change int64
	var customerID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, invoice_number, branch_id, subtotal_cents, tax_cents, total_cents, change_due_cents,
			customer_id, customer_name, operator_id, created_at
		FROM sales
		WHERE `+column+` = $1
	`, value).Scan(&sale.ID, &sale.InvoiceNumber, &sale.BranchID, &subtotal, &tax, &total, &change,
		&customerID, &sale.CustomerName, &sale.OperatorID, &sale.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sale.Subtotal = money.Cents(subtotal)
	sale.TaxAmount = money.Cents(tax)
	sale.Total = money.Cents(total)
	sale.ChangeDue = money.Cents(change)
	sale.CustomerID = customerID.String
	sale.CreatedAt = sale.CreatedAt.UTC()

	lineRows, err := s.db.QueryContext(ctx, `
		SELECT product_id, name, unit_price_cents, quantity, stock_snapshot
		FROM sale_lines
		WHERE sale_id = $1
		ORDER BY line_no
	`, sale.ID)
	if err != nil {
		return nil, err
	}
	defer lineRows.Close()
	for lineRows.Next() {
		var line domain.CartLine
		var price int64
		if err := lineRows.Scan(&line.ProductID, &line.Name, &price, &line.Quantity, &line.StockSnapshot); err != nil {
			return nil, err
		}
		line.UnitPrice = money.Cents(price)
		sale.Lines = append(sale.Lines, line)
	}
	if err := lineRows.Err(); err != nil {
		return nil, err
	}

	paymentRows, err := s.db.QueryContext(ctx, `
		SELECT method, amount_cents, customer_id
		FROM sale_payments
		WHERE sale_id = $1
		ORDER BY seq
	`, sale.ID)
	if err != nil {
		return nil, err
	}
	defer paymentRows.Close()
	for paymentRows.Next() {
		var code string
		var amount int64
		var payer sql.NullString
		if err := paymentRows.Scan(&code, &amount, &payer); err != nil {
			return nil, err
		}
		method, err := domain.ParsePaymentMethod(code)
		if err != nil {
			return nil, fmt.Errorf("sale %s: %w", sale.ID, err)
		}
		sale.Payments = append(sale.Payments, domain.Payment{Method: method, Amount: money.Cents(amount), CustomerID: payer.String})
	}
	if err := paymentRows.Err(); err != nil {
		return nil, err
	}

	return &sale, nil
}

// BeginSale opens a READ COMMITTED transaction. Row locks taken through the
// returned SaleTx are held until Commit or Rollback. NO KEY UPDATE locks leave
// foreign-key checks from other sales unblocked; the locking reads and the
// guarded updates always see the latest committed row, so overlapping sales
// queue on shared rows instead of failing with serialization errors.
func (s *Store) BeginSale(ctx context.Context) (store.SaleTx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	return &saleTx{tx: tx}, nil
}

type saleTx struct {
	tx *sql.Tx
}

func (t *saleTx) LockProduct(ctx context.Context, id string) (*domain.Product, error) {
	return scanProduct(t.tx.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = $1 AND active = true
		FOR NO KEY UPDATE
	`, id))
}

func (t *saleTx) LockCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	return scanCustomer(t.tx.QueryRowContext(ctx, `
		SELECT id, name, credit_limit_cents, outstanding_balance_cents
		FROM customers
		WHERE id = $1
		FOR NO KEY UPDATE
	`, id))
}

func (t *saleTx) NextInvoiceSeq(ctx context.Context, branchID string) (int64, error) {
	var seq int64
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO invoice_counters (branch_id, last_seq)
		VALUES ($1, 1)
		ON CONFLICT (branch_id) DO UPDATE SET last_seq = invoice_counters.last_seq + 1
		RETURNING last_seq
	`, branchID).Scan(&seq)
	return seq, err
}

func (t *saleTx) InsertSaleHeader(ctx context.Context, sale domain.Sale) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sales (
			id, invoice_number, branch_id, subtotal_cents, tax_cents, total_cents, change_due_cents,
			customer_id, customer_name, operator_id, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, sale.ID, sale.InvoiceNumber, sale.BranchID, int64(sale.Subtotal), int64(sale.TaxAmount), int64(sale.Total),
		int64(sale.ChangeDue), nullIfEmpty(sale.CustomerID), sale.CustomerName, sale.OperatorID, sale.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	return err
}

func (t *saleTx) InsertSaleLines(ctx context.Context, saleID string, lines []domain.CartLine) error {
	for i, line := range lines {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO sale_lines (sale_id, line_no, product_id, name, unit_price_cents, quantity, stock_snapshot)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, saleID, i+1, line.ProductID, line.Name, int64(line.UnitPrice), line.Quantity, line.StockSnapshot)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *saleTx) InsertSalePayments(ctx context.Context, saleID string, payments []domain.Payment) error {
	for i, payment := range payments {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO sale_payments (sale_id, seq, method, amount_cents, customer_id)
			VALUES ($1,$2,$3,$4,$5)
		`, saleID, i+1, payment.Method.Code(), int64(payment.Amount), nullIfEmpty(payment.CustomerID))
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *saleTx) DecrementStock(ctx context.Context, productID string, qty int) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET available_stock = available_stock - $2, updated_at = now()
		WHERE id = $1 AND available_stock >= $2
	`, productID, qty)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrInsufficientStock
	}
	return nil
}

func (t *saleTx) ChargeCredit(ctx context.Context, customerID string, amount money.Cents) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE customers
		SET outstanding_balance_cents = outstanding_balance_cents + $2, updated_at = now()
		WHERE id = $1 AND outstanding_balance_cents + $2 <= credit_limit_cents
	`, customerID, int64(amount))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrCreditLimit
	}
	return nil
}

func (t *saleTx) Commit() error {
	return t.tx.Commit()
}

func (t *saleTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func (s *Store) CreateOperator(ctx context.Context, account domain.OperatorAccount) error {
	account.Username = strings.ToLower(strings.TrimSpace(account.Username))
	if account.Username == "" || strings.TrimSpace(account.Password) == "" {
		return fmt.Errorf("operator username and password are required")
	}
	if account.Role == "" {
		account.Role = domain.RoleCashier
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operators (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,true,$4,now())
	`, account.Username, account.Password, account.Role, account.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *Store) ListOperators(ctx context.Context) ([]domain.OperatorAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM operators
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	operators := make([]domain.OperatorAccount, 0, 16)
	for rows.Next() {
		var op domain.OperatorAccount
		if err := rows.Scan(&op.Username, &op.Password, &op.Role, &op.Active, &op.CreatedAt); err != nil {
			return nil, err
		}
		op.CreatedAt = op.CreatedAt.UTC()
		operators = append(operators, op)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return operators, nil
}

func (s *Store) UpdateOperatorPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return fmt.Errorf("operator username and password are required")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE operators
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
