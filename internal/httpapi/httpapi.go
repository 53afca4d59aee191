package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"kasircore/internal/domain"
	"kasircore/internal/money"
	"kasircore/internal/service"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
	metrics       http.Handler
	logger        *log.Entry
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string) *API {
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		metrics:       promhttp.Handler(),
		logger:        log.WithField("component", "httpapi"),
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.Handle("GET /metrics", a.metrics)
	mux.HandleFunc("POST /api/v1/auth/login", a.handleLogin)

	mux.HandleFunc("GET /api/v1/products", a.requireAuth(a.handleProducts, domain.RoleCashier, domain.RoleAdmin))
	mux.HandleFunc("GET /api/v1/frequent-items", a.requireAuth(a.handleFrequentItems, domain.RoleCashier, domain.RoleAdmin))

	mux.HandleFunc("POST /api/v1/sessions", a.requireAuth(a.handleOpenSession, domain.RoleCashier, domain.RoleAdmin))
	mux.HandleFunc("GET /api/v1/sessions/{id}", a.requireAuth(a.handleGetSession, domain.RoleCashier, domain.RoleAdmin))
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", a.requireAuth(a.handleDiscardSession, domain.RoleCashier, domain.RoleAdmin))
	mux.HandleFunc("POST /api/v1/sessions/{id}/items", a.requireAuth(a.handleAddItem, domain.RoleCashier, domain.RoleAdmin))
	mux.HandleFunc("PATCH /api/v1/sessions/{id}/items/{productID}", a.requireAuth(a.handleSetQuantity, domain.RoleCashier, domain.RoleAdmin))
	mux.HandleFunc("DELETE /api/v1/sessions/{id}/items/{productID}", a.requireAuth(a.handleRemoveItem, domain.RoleCashier, domain.RoleAdmin))
	mux.HandleFunc("POST /api/v1/sessions/{id}/clear", a.requireAuth(a.handleClearCart, domain.RoleCashier, domain.RoleAdmin))
	mux.HandleFunc("PUT /api/v1/sessions/{id}/customer", a.requireAuth(a.handleSetCustomer, domain.RoleCashier, domain.RoleAdmin))
	mux.HandleFunc("DELETE /api/v1/sessions/{id}/customer", a.requireAuth(a.handleClearCustomer, domain.RoleCashier, domain.RoleAdmin))
	mux.HandleFunc("POST /api/v1/sessions/{id}/payments", a.requireAuth(a.handleAddPayment, domain.RoleCashier, domain.RoleAdmin))
	mux.HandleFunc("DELETE /api/v1/sessions/{id}/payments/{index}", a.requireAuth(a.handleRemovePayment, domain.RoleCashier, domain.RoleAdmin))
	mux.HandleFunc("POST /api/v1/sessions/{id}/commit", a.requireAuth(a.handleCommit, domain.RoleCashier, domain.RoleAdmin))

	mux.HandleFunc("GET /api/v1/sales/{id}", a.requireAuth(a.handleSale, domain.RoleCashier, domain.RoleAdmin))
	mux.HandleFunc("GET /api/v1/sales/{id}/receipt", a.requireAuth(a.handleReceipt, domain.RoleCashier, domain.RoleAdmin))
	mux.HandleFunc("GET /api/v1/invoices/{invoice}", a.requireAuth(a.handleInvoice, domain.RoleCashier, domain.RoleAdmin))

	mux.HandleFunc("GET /api/v1/operators", a.requireAuth(a.handleListOperators, domain.RoleAdmin))
	mux.HandleFunc("POST /api/v1/operators", a.requireAuth(a.handleCreateOperator, domain.RoleAdmin))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"branch": a.service.Branch().ID,
		"at":     time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	products, err := a.service.ListProducts(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleFrequentItems(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 0, 50)
	items, err := a.service.FrequentItems(r.Context(), limit)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.OpenSession(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session": view})
}

func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.GetSession(r.Context(), r.PathValue("id"))
	a.writeSession(w, view, err)
}

func (a *API) handleDiscardSession(w http.ResponseWriter, r *http.Request) {
	if err := a.service.DiscardSession(r.Context(), r.PathValue("id")); err != nil {
		a.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type addItemRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

func (a *API) handleAddItem(w http.ResponseWriter, r *http.Request) {
	var req addItemRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	view, err := a.service.AddItem(r.Context(), r.PathValue("id"), req.ProductID, req.Quantity)
	a.writeSession(w, view, err)
}

type setQuantityRequest struct {
	Quantity int `json:"quantity"`
}

func (a *API) handleSetQuantity(w http.ResponseWriter, r *http.Request) {
	var req setQuantityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	view, err := a.service.SetQuantity(r.Context(), r.PathValue("id"), r.PathValue("productID"), req.Quantity)
	a.writeSession(w, view, err)
}

func (a *API) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.RemoveItem(r.Context(), r.PathValue("id"), r.PathValue("productID"))
	a.writeSession(w, view, err)
}

func (a *API) handleClearCart(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.ClearCart(r.Context(), r.PathValue("id"))
	a.writeSession(w, view, err)
}

type setCustomerRequest struct {
	CustomerID string `json:"customer_id"`
}

func (a *API) handleSetCustomer(w http.ResponseWriter, r *http.Request) {
	var req setCustomerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	view, err := a.service.SetCustomer(r.Context(), r.PathValue("id"), req.CustomerID)
	a.writeSession(w, view, err)
}

func (a *API) handleClearCustomer(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.ClearCustomer(r.Context(), r.PathValue("id"))
	a.writeSession(w, view, err)
}

// addPaymentRequest accepts either a decimal "amount" such as "12.50" or an
// integer "amount_cents". amount_cents wins when both are present.
type addPaymentRequest struct {
	Method      string `json:"method"`
	Amount      string `json:"amount"`
	AmountCents *int64 `json:"amount_cents"`
	CustomerID  string `json:"customer_id"`
}

func (r addPaymentRequest) cents() (money.Cents, error) {
	if r.AmountCents != nil {
		amount := money.Cents(*r.AmountCents)
		if amount > money.MaxAmount {
			return 0, &domain.Error{Kind: domain.KindInvalidAmount, Message: "amount_cents exceeds " + strconv.FormatInt(int64(money.MaxAmount), 10), Amount: amount}
		}
		return amount, nil
	}
	if strings.TrimSpace(r.Amount) == "" {
		return 0, domain.InvalidAmount(0)
	}
	amount, err := money.FromDecimalString(strings.TrimSpace(r.Amount))
	if err != nil {
		return 0, &domain.Error{Kind: domain.KindInvalidAmount, Message: err.Error()}
	}
	return amount, nil
}

func (a *API) handleAddPayment(w http.ResponseWriter, r *http.Request) {
	var req addPaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	method, err := domain.ParsePaymentMethod(req.Method)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	amount, err := req.cents()
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	view, err := a.service.AddPayment(r.Context(), r.PathValue("id"), method, amount, req.CustomerID)
	a.writeSession(w, view, err)
}

func (a *API) handleRemovePayment(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("payment index must be an integer"))
		return
	}
	view, err := a.service.RemovePayment(r.Context(), r.PathValue("id"), index)
	a.writeSession(w, view, err)
}

func (a *API) handleCommit(w http.ResponseWriter, r *http.Request) {
	result, err := a.service.Commit(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (a *API) handleSale(w http.ResponseWriter, r *http.Request) {
	sale, err := a.service.Sale(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

func (a *API) handleInvoice(w http.ResponseWriter, r *http.Request) {
	sale, err := a.service.SaleByInvoice(r.Context(), r.PathValue("invoice"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

func (a *API) handleReceipt(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.Receipt(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format"))) {
	case "", "json":
		writeJSON(w, http.StatusOK, map[string]any{"receipt": view})
	case "text":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(view.Text()))
	case "escpos":
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", `attachment; filename="`+view.InvoiceNumber+`.bin"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(view.ESCPOS())
	default:
		writeError(w, http.StatusBadRequest, errors.New("format must be json, text or escpos"))
	}
}

func (a *API) handleListOperators(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"operators": a.auth.ListOperators(r.Context())})
}

func (a *API) handleCreateOperator(w http.ResponseWriter, r *http.Request) {
	var req OperatorCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	operator, err := a.auth.CreateOperator(r.Context(), req)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errOperatorExists) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"operator": operator})
}

func (a *API) writeSession(w http.ResponseWriter, view service.SessionView, err error) {
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": view})
}

// statusForKind maps transaction-core error kinds to HTTP statuses.
var statusForKind = map[domain.Kind]int{
	domain.KindOutOfStock:          http.StatusConflict,
	domain.KindSessionClosed:       http.StatusConflict,
	domain.KindCommitInProgress:    http.StatusConflict,
	domain.KindInvalidQuantity:     http.StatusBadRequest,
	domain.KindInvalidAmount:       http.StatusBadRequest,
	domain.KindInvalidMethod:       http.StatusBadRequest,
	domain.KindMissingCustomer:     http.StatusBadRequest,
	domain.KindIndexOutOfRange:     http.StatusBadRequest,
	domain.KindCreditLimitExceeded: http.StatusUnprocessableEntity,
	domain.KindEmptyCart:           http.StatusUnprocessableEntity,
	domain.KindPaymentIncomplete:   http.StatusUnprocessableEntity,
	domain.KindOverpayment:         http.StatusUnprocessableEntity,
	domain.KindNotFound:            http.StatusNotFound,
	domain.KindCommitFailed:        http.StatusServiceUnavailable,
}

func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	var domainErr *domain.Error
	if !errors.As(err, &domainErr) {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	status, ok := statusForKind[domainErr.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	msg := domainErr.Error()
	if status >= 500 {
		a.logger.WithError(err).WithField("kind", domainErr.Kind).Error("request failed")
		msg = string(domainErr.Kind)
	}
	writeJSON(w, status, map[string]any{
		"error":   msg,
		"kind":    domainErr.Kind,
		"context": domainErr.Context(),
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.logger.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(startedAt).String(),
		}).Info("request")
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx responses get a generic message; the cause is logged.
	msg := err.Error()
	if status >= 500 {
		log.WithError(err).WithField("status", status).Error("internal error")
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
