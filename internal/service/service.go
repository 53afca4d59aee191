package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"kasircore/internal/domain"
	"kasircore/internal/events"
	"kasircore/internal/metrics"
	"kasircore/internal/money"
	"kasircore/internal/pos"
	"kasircore/internal/receipt"
	"kasircore/internal/recommendation"
	"kasircore/internal/store"
	"kasircore/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	Branch             domain.BranchIdentity
	InvoicePrefix      string
	TaxRate            money.Rate
	IdleTimeout        time.Duration
	FrequentItemsLimit int
	Publisher          events.Publisher
	Metrics            *metrics.POSMetrics
	Now                func() time.Time
}

// Service owns the open till sessions and exposes every transaction-core
// operation to the API layer. Each session is guarded by its own mutex so
// concurrent requests against one session are applied one at a time.
type Service struct {
	repo          store.Repository
	coordinator   *pos.Coordinator
	recommender   *recommendation.Engine
	taxRate       money.Rate
	branch        domain.BranchIdentity
	idleTimeout   time.Duration
	frequentLimit int
	metrics       *metrics.POSMetrics
	now           func() time.Time
	logger        *log.Entry

	mu       sync.Mutex
	sessions map[string]*sessionEntry
}

type sessionEntry struct {
	mu         sync.Mutex
	session    *pos.Session
	lastUsed   time.Time
	committing bool
}

func New(repo store.Repository, recommender *recommendation.Engine, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 2 * time.Hour
	}
	if opts.FrequentItemsLimit <= 0 {
		opts.FrequentItemsLimit = recommendation.DefaultLimit
	}
	if recommender == nil {
		recommender = recommendation.NewEngine(repo, repo, nil, opts.Branch.ID, 0, 0).WithClock(opts.Now)
	}

	coordinator := pos.NewCoordinator(repo, pos.CoordinatorConfig{
		BranchID:      opts.Branch.ID,
		InvoicePrefix: opts.InvoicePrefix,
		Now:           opts.Now,
	}, opts.Publisher, opts.Metrics)

	return &Service{
		repo:          repo,
		coordinator:   coordinator,
		recommender:   recommender,
		taxRate:       opts.TaxRate,
		branch:        opts.Branch,
		idleTimeout:   opts.IdleTimeout,
		frequentLimit: opts.FrequentItemsLimit,
		metrics:       opts.Metrics,
		now:           opts.Now,
		logger:        log.WithField("component", "pos-service"),
		sessions:      make(map[string]*sessionEntry),
	}
}

func (s *Service) Branch() domain.BranchIdentity {
	return s.branch
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) OpenSession(ctx context.Context) (SessionView, error) {
	operator := ""
	if actor, ok := ActorFromContext(ctx); ok {
		operator = actor.Username
	}

	now := s.now()
	session := pos.NewSession(xid.New("ses"), operator, s.taxRate, s.repo, now)

	s.mu.Lock()
	s.sessions[session.ID] = &sessionEntry{session: session, lastUsed: now}
	s.mu.Unlock()

	s.metrics.RecordSessionOpened()
	s.logger.WithFields(log.Fields{"session_id": session.ID, "operator": operator}).Debug("session opened")
	return buildSessionView(session), nil
}

func (s *Service) GetSession(ctx context.Context, id string) (SessionView, error) {
	var view SessionView
	err := s.withSession(ctx, id, func(session *pos.Session) error {
		view = buildSessionView(session)
		return nil
	})
	return view, err
}

func (s *Service) DiscardSession(ctx context.Context, id string) error {
	entry, err := s.lookup(ctx, id, false)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	s.mu.Lock()
	delete(s.sessions, entry.session.ID)
	s.mu.Unlock()

	s.metrics.RecordSessionClosed()
	s.logger.WithField("session_id", entry.session.ID).Debug("session discarded")
	return nil
}

func (s *Service) AddItem(ctx context.Context, id string, productID string, qty int) (SessionView, error) {
	productID = strings.TrimSpace(productID)
	if qty == 0 {
		qty = 1
	}
	return s.mutate(ctx, id, func(session *pos.Session) error {
		product, err := s.repo.GetProduct(ctx, productID)
		if errors.Is(err, store.ErrNotFound) {
			return domain.ProductNotFound(productID)
		}
		if err != nil {
			return fmt.Errorf("load product %s: %w", productID, err)
		}
		if err := session.AddItem(*product, qty); err != nil {
			return err
		}
		s.metrics.RecordItemAdded()
		return nil
	})
}

func (s *Service) SetQuantity(ctx context.Context, id string, productID string, qty int) (SessionView, error) {
	return s.mutate(ctx, id, func(session *pos.Session) error {
		return session.SetQuantity(strings.TrimSpace(productID), qty)
	})
}

func (s *Service) RemoveItem(ctx context.Context, id string, productID string) (SessionView, error) {
	return s.mutate(ctx, id, func(session *pos.Session) error {
		return session.RemoveItem(strings.TrimSpace(productID))
	})
}

func (s *Service) ClearCart(ctx context.Context, id string) (SessionView, error) {
	return s.mutate(ctx, id, func(session *pos.Session) error {
		return session.Clear()
	})
}

func (s *Service) SetCustomer(ctx context.Context, id string, customerID string) (SessionView, error) {
	customerID = strings.TrimSpace(customerID)
	return s.mutate(ctx, id, func(session *pos.Session) error {
		if customerID == "" {
			return domain.MissingCustomer()
		}
		customer, err := s.repo.GetCustomer(ctx, customerID)
		if errors.Is(err, store.ErrNotFound) {
			return domain.CustomerNotFound(customerID)
		}
		if err != nil {
			return fmt.Errorf("load customer %s: %w", customerID, err)
		}
		return session.SetCustomer(*customer)
	})
}

func (s *Service) ClearCustomer(ctx context.Context, id string) (SessionView, error) {
	return s.mutate(ctx, id, func(session *pos.Session) error {
		return session.ClearCustomer()
	})
}

// AddPayment tenders a payment. A store-credit payment without an explicit
// customer falls back to the session's selected customer.
func (s *Service) AddPayment(ctx context.Context, id string, method domain.PaymentMethod, amount money.Cents, customerID string) (SessionView, error) {
	return s.mutate(ctx, id, func(session *pos.Session) error {
		if method == domain.MethodStoreCredit && strings.TrimSpace(customerID) == "" {
			if customer, ok := session.Customer(); ok {
				customerID = customer.ID
			}
		}
		return session.AddPayment(ctx, method, amount, customerID)
	})
}

func (s *Service) RemovePayment(ctx context.Context, id string, index int) (SessionView, error) {
	return s.mutate(ctx, id, func(session *pos.Session) error {
		return session.RemovePayment(index)
	})
}

type CommitResult struct {
	Sale    domain.Sale  `json:"sale"`
	Receipt receipt.View `json:"receipt"`
}

func (s *Service) Commit(ctx context.Context, id string) (CommitResult, error) {
	entry, err := s.lookup(ctx, id, true)
	if err != nil {
		return CommitResult{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	defer func() {
		s.mu.Lock()
		entry.committing = false
		s.mu.Unlock()
	}()

	sale, err := s.coordinator.Commit(ctx, entry.session)
	s.touch(entry)
	if err != nil {
		return CommitResult{}, err
	}
	s.recommender.Invalidate(ctx)
	return CommitResult{Sale: sale, Receipt: receipt.Format(sale, s.branch)}, nil
}

func (s *Service) Sale(ctx context.Context, saleID string) (domain.Sale, error) {
	sale, err := s.repo.FindSale(ctx, strings.TrimSpace(saleID))
	if errors.Is(err, store.ErrNotFound) {
		return domain.Sale{}, &domain.Error{Kind: domain.KindNotFound, Message: "sale " + saleID}
	}
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (s *Service) SaleByInvoice(ctx context.Context, invoice string) (domain.Sale, error) {
	sale, err := s.repo.FindSaleByInvoice(ctx, strings.TrimSpace(invoice))
	if errors.Is(err, store.ErrNotFound) {
		return domain.Sale{}, &domain.Error{Kind: domain.KindNotFound, Message: "invoice " + invoice}
	}
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (s *Service) Receipt(ctx context.Context, saleID string) (receipt.View, error) {
	sale, err := s.Sale(ctx, saleID)
	if err != nil {
		return receipt.View{}, err
	}
	return receipt.Format(sale, s.branch), nil
}

func (s *Service) FrequentItems(ctx context.Context, limit int) ([]domain.RankedProduct, error) {
	if limit <= 0 {
		limit = s.frequentLimit
	}
	return s.recommender.FrequentItems(ctx, limit)
}

// ExpireIdleSessions drops sessions untouched for longer than the idle
// timeout and returns how many were removed.
func (s *Service) ExpireIdleSessions() int {
	cutoff := s.now().Add(-s.idleTimeout)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, entry := range s.sessions {
		if entry.committing || !entry.lastUsed.Before(cutoff) {
			continue
		}
		delete(s.sessions, id)
		removed++
		s.metrics.RecordSessionClosed()
	}
	if removed > 0 {
		s.logger.WithField("count", removed).Info("expired idle sessions")
	}
	return removed
}

// RunJanitor expires idle sessions every interval until ctx is done.
func (s *Service) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ExpireIdleSessions()
		}
	}
}

// lookup resolves a session visible to the calling operator. With
// forCommit set it also claims the session's commit slot.
func (s *Service) lookup(ctx context.Context, id string, forCommit bool) (*sessionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[strings.TrimSpace(id)]
	if !ok || !canAccess(ctx, entry.session) {
		return nil, &domain.Error{Kind: domain.KindNotFound, Message: "session " + id}
	}
	if entry.committing {
		return nil, &domain.Error{Kind: domain.KindCommitInProgress, Message: "session " + id + " is committing"}
	}
	if forCommit {
		entry.committing = true
	}
	return entry, nil
}

// canAccess limits a session to the operator who opened it; admins see all.
func canAccess(ctx context.Context, session *pos.Session) bool {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return session.OperatorID == ""
	}
	return actor.Role == domain.RoleAdmin || actor.Username == session.OperatorID
}

func (s *Service) withSession(ctx context.Context, id string, fn func(*pos.Session) error) error {
	entry, err := s.lookup(ctx, id, false)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	err = fn(entry.session)
	s.touch(entry)
	return err
}

func (s *Service) mutate(ctx context.Context, id string, fn func(*pos.Session) error) (SessionView, error) {
	var view SessionView
	err := s.withSession(ctx, id, func(session *pos.Session) error {
		if err := fn(session); err != nil {
			return err
		}
		view = buildSessionView(session)
		return nil
	})
	return view, err
}

func (s *Service) touch(entry *sessionEntry) {
	s.mu.Lock()
	entry.lastUsed = s.now()
	s.mu.Unlock()
}
