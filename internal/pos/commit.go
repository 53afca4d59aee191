package pos

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"kasircore/internal/domain"
	"kasircore/internal/events"
	"kasircore/internal/metrics"
	"kasircore/internal/store"
	"kasircore/internal/xid"
)

type CoordinatorConfig struct {
	BranchID      string
	InvoicePrefix string
	Now           func() time.Time
	NewID         func() string
}

// Coordinator turns a completed session into a persisted Sale. All stock and
// balance checks after the pre-flight run inside one store transaction.
type Coordinator struct {
	sales         store.SaleStore
	branchID      string
	invoicePrefix string
	now           func() time.Time
	newID         func() string
	publisher     events.Publisher
	metrics       *metrics.POSMetrics
	logger        *log.Entry
}

func NewCoordinator(sales store.SaleStore, cfg CoordinatorConfig, publisher events.Publisher, posMetrics *metrics.POSMetrics) *Coordinator {
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return xid.New("sale") }
	}
	if cfg.InvoicePrefix == "" {
		cfg.InvoicePrefix = "INV"
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &Coordinator{
		sales:         sales,
		branchID:      cfg.BranchID,
		invoicePrefix: cfg.InvoicePrefix,
		now:           cfg.Now,
		newID:         cfg.NewID,
		publisher:     publisher,
		metrics:       posMetrics,
		logger:        log.WithField("component", "pos-commit"),
	}
}

// FormatInvoice renders <prefix>-<branch>-<seq>, seq zero-padded to six digits.
func FormatInvoice(prefix string, branchID string, seq int64) string {
	return fmt.Sprintf("%s-%s-%06d", prefix, branchID, seq)
}

// Commit persists the session's cart and payments as one Sale. Pre-flight
// failures (empty cart, unpaid or over-paid total) leave the session open;
// anything failing after that moves it to StateFailed, from which the next
// edit or commit reopens it.
func (c *Coordinator) Commit(ctx context.Context, s *Session) (domain.Sale, error) {
	startedAt := time.Now()

	switch s.state {
	case StateCommitted:
		return domain.Sale{}, &domain.Error{Kind: domain.KindSessionClosed, Message: "session " + s.ID + " already committed"}
	case StateCommitting:
		return domain.Sale{}, &domain.Error{Kind: domain.KindCommitInProgress, Message: "session " + s.ID + " is committing"}
	case StateFailed:
		s.state = StateOpen
		s.lastErr = nil
	}

	if err := c.preflight(s); err != nil {
		c.record(err, startedAt)
		return domain.Sale{}, err
	}

	s.state = StateCommitting
	sale, err := c.persist(ctx, s)
	c.record(err, startedAt)
	if err != nil {
		s.state = StateFailed
		s.lastErr = err
		c.logger.WithError(err).WithFields(log.Fields{
			"session_id": s.ID,
			"kind":       domain.KindOf(err),
		}).Warn("sale commit failed")
		return domain.Sale{}, err
	}

	s.state = StateCommitted
	committed := sale.Clone()
	s.sale = &committed

	c.metrics.RecordRevenue(int64(sale.Total))
	c.logger.WithFields(log.Fields{
		"session_id":  s.ID,
		"sale_id":     sale.ID,
		"invoice":     sale.InvoiceNumber,
		"total_cents": int64(sale.Total),
	}).Info("sale committed")

	if err := c.publisher.PublishSaleCommitted(ctx, sale); err != nil {
		c.metrics.RecordEventFailed()
		c.logger.WithError(err).WithField("invoice", sale.InvoiceNumber).Error("sale committed but event not published")
	}
	return sale.Clone(), nil
}

func (c *Coordinator) preflight(s *Session) error {
	if s.cart.IsEmpty() {
		return &domain.Error{Kind: domain.KindEmptyCart, Message: "cart has no lines"}
	}

	total := s.cart.Total()
	paid := s.ledger.TotalPaid()
	if paid < total {
		return &domain.Error{
			Kind:    domain.KindPaymentIncomplete,
			Message: fmt.Sprintf("paid %s of %s", paid, total),
			Due:     total,
			Paid:    paid,
		}
	}
	if excess := paid - total; excess > s.ledger.CashTendered() {
		return &domain.Error{
			Kind:    domain.KindOverpayment,
			Message: fmt.Sprintf("paid %s of %s; change %s exceeds cash tendered", paid, total, excess),
			Due:     total,
			Paid:    paid,
		}
	}
	return nil
}

func (c *Coordinator) persist(ctx context.Context, s *Session) (sale domain.Sale, err error) {
	tx, err := c.sales.BeginSale(ctx)
	if err != nil {
		return domain.Sale{}, domain.CommitFailed(fmt.Errorf("begin sale: %w", err))
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				c.logger.WithError(rbErr).WithField("session_id", s.ID).Error("rollback failed")
			}
		}
	}()

	// Rows are locked customers first, each group in id order, so two
	// overlapping commits can never wait on each other in a cycle.
	customerOrder, credit := creditByCustomer(s.ledger.payments)
	lockedCustomers := make(map[string]domain.Customer, len(customerOrder))
	for _, customerID := range slices.Sorted(slices.Values(customerOrder)) {
		customer, lockErr := tx.LockCustomer(ctx, customerID)
		if lockErr != nil {
			return domain.Sale{}, c.mapStoreError(lockErr, "", customerID)
		}
		if err := ValidateCredit(*customer, 0, credit[customerID]); err != nil {
			return domain.Sale{}, err
		}
		lockedCustomers[customerID] = *customer
	}

	lines := s.cart.Lines()
	lockOrder := slices.SortedFunc(slices.Values(lines), func(a, b domain.CartLine) int {
		return strings.Compare(a.ProductID, b.ProductID)
	})
	lockedStock := make(map[string]int, len(lines))
	for _, line := range lockOrder {
		product, lockErr := tx.LockProduct(ctx, line.ProductID)
		if lockErr != nil {
			return domain.Sale{}, c.mapStoreError(lockErr, line.ProductID, "")
		}
		if line.Quantity > product.AvailableStock {
			return domain.Sale{}, domain.OutOfStock(line.ProductID, line.Quantity, product.AvailableStock)
		}
		lockedStock[line.ProductID] = product.AvailableStock
	}

	seq, err := tx.NextInvoiceSeq(ctx, c.branchID)
	if err != nil {
		return domain.Sale{}, domain.CommitFailed(fmt.Errorf("allocate invoice: %w", err))
	}

	subtotal := s.cart.Subtotal()
	tax := s.cart.Tax()
	total := subtotal + tax
	sale = domain.Sale{
		ID:            c.newID(),
		InvoiceNumber: FormatInvoice(c.invoicePrefix, c.branchID, seq),
		BranchID:      c.branchID,
		Lines:         lines,
		Payments:      s.ledger.Payments(),
		Subtotal:      subtotal,
		TaxAmount:     tax,
		Total:         total,
		ChangeDue:     s.ledger.TotalPaid() - total,
		OperatorID:    s.OperatorID,
		CreatedAt:     c.now(),
	}
	if customer, ok := s.Customer(); ok {
		sale.CustomerID = customer.ID
		sale.CustomerName = customer.Name
	} else if len(customerOrder) > 0 {
		customer := lockedCustomers[customerOrder[0]]
		sale.CustomerID = customer.ID
		sale.CustomerName = customer.Name
	}

	if err := tx.InsertSaleHeader(ctx, sale); err != nil {
		return domain.Sale{}, domain.CommitFailed(fmt.Errorf("write sale header: %w", err))
	}
	if err := tx.InsertSaleLines(ctx, sale.ID, sale.Lines); err != nil {
		return domain.Sale{}, domain.CommitFailed(fmt.Errorf("write sale lines: %w", err))
	}
	if err := tx.InsertSalePayments(ctx, sale.ID, sale.Payments); err != nil {
		return domain.Sale{}, domain.CommitFailed(fmt.Errorf("write sale payments: %w", err))
	}
	for _, line := range sale.Lines {
		if err := tx.DecrementStock(ctx, line.ProductID, line.Quantity); err != nil {
			if errors.Is(err, store.ErrInsufficientStock) {
				stockErr := domain.OutOfStock(line.ProductID, line.Quantity, lockedStock[line.ProductID])
				stockErr.Err = err
				return domain.Sale{}, stockErr
			}
			return domain.Sale{}, c.mapStoreError(err, line.ProductID, "")
		}
	}
	for _, customerID := range customerOrder {
		if err := tx.ChargeCredit(ctx, customerID, credit[customerID]); err != nil {
			if errors.Is(err, store.ErrCreditLimit) {
				creditErr := domain.CreditLimitExceeded(lockedCustomers[customerID], credit[customerID])
				creditErr.Err = err
				return domain.Sale{}, creditErr
			}
			return domain.Sale{}, c.mapStoreError(err, "", customerID)
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.Sale{}, domain.CommitFailed(fmt.Errorf("commit sale: %w", err))
	}
	return sale, nil
}

// mapStoreError turns adapter sentinels raised inside the commit transaction
// into core error kinds. Anything unrecognised is a storage failure.
func (c *Coordinator) mapStoreError(err error, productID string, customerID string) error {
	switch {
	case errors.Is(err, store.ErrNotFound) && productID != "":
		return domain.ProductNotFound(productID)
	case errors.Is(err, store.ErrNotFound) && customerID != "":
		return domain.CustomerNotFound(customerID)
	}
	var derr *domain.Error
	if errors.As(err, &derr) {
		return err
	}
	return domain.CommitFailed(err)
}

func (c *Coordinator) record(err error, startedAt time.Time) {
	outcome := "success"
	if err != nil {
		outcome = string(domain.KindOf(err))
		if outcome == "" {
			outcome = string(domain.KindCommitFailed)
		}
	}
	c.metrics.RecordCommit(outcome, time.Since(startedAt))
}
