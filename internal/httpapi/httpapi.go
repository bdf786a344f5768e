package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"flakies/terminal/internal/cart"
	"flakies/terminal/internal/catalog"
	"flakies/terminal/internal/domain"
	"flakies/terminal/internal/remote"
	"flakies/terminal/internal/service"
	"flakies/terminal/internal/session"
	"flakies/terminal/internal/stock"
	"flakies/terminal/internal/store"
	"flakies/terminal/internal/syncer"
)

// API is the loopback surface the POS front-end talks to. Authentication
// against the remote server stays the front-end's concern; the agent only
// holds the resulting token.
type API struct {
	cart          *cart.Cart
	ledger        *stock.Ledger
	service       *service.Service
	engine        *syncer.Engine
	catalog       *catalog.Service
	sessions      *session.Manager
	allowedOrigin string
}

func New(activeCart *cart.Cart, ledger *stock.Ledger, svc *service.Service, engine *syncer.Engine, catalogSvc *catalog.Service, sessions *session.Manager, allowedOrigin string) *API {
	return &API{
		cart:          activeCart,
		ledger:        ledger,
		service:       svc,
		engine:        engine,
		catalog:       catalogSvc,
		sessions:      sessions,
		allowedOrigin: allowedOrigin,
	}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)

	mux.HandleFunc("/api/v1/session", a.handleSession)
	mux.HandleFunc("/api/v1/session/token", a.handleSessionToken)
	mux.HandleFunc("/api/v1/session/unlock", a.handleSessionUnlock)

	mux.HandleFunc("/api/v1/cart", a.handleCart)
	mux.HandleFunc("/api/v1/cart/items", a.handleCartItems)
	mux.HandleFunc("/api/v1/cart/items/", a.handleCartItemActions)
	mux.HandleFunc("/api/v1/cart/reset", a.handleCartReset)

	mux.HandleFunc("/api/v1/checkout", a.handleCheckout)
	mux.HandleFunc("/api/v1/transactions", a.handleTransactions)
	mux.HandleFunc("/api/v1/transactions/failed", a.handleFailedTransactions)

	mux.HandleFunc("/api/v1/sync/status", a.handleSyncStatus)
	mux.HandleFunc("/api/v1/sync/connectivity", a.handleConnectivity)

	mux.HandleFunc("/api/v1/stock/adjust", a.handleStockAdjust)
	mux.HandleFunc("/api/v1/stock/low", a.handleLowStock)
	mux.HandleFunc("/api/v1/stock/", a.handleStockGet)

	mux.HandleFunc("/api/v1/products", a.handleProducts)

	return a.withMiddleware(mux)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	sess, err := a.sessions.Current()
	if err != nil && !errors.Is(err, session.ErrSessionExpired) {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session": sess,
		"expired": errors.Is(err, session.ErrSessionExpired),
	})
}

type sessionTokenRequest struct {
	AccessToken      string `json:"access_token"`
	OperatorPassword string `json:"operator_password,omitempty"`
}

func (a *API) handleSessionToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req sessionTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sess, err := a.sessions.Accept(req.AccessToken, req.OperatorPassword)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess})
}

type unlockRequest struct {
	Password string `json:"password"`
}

func (a *API) handleSessionUnlock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req unlockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := a.sessions.Unlock(req.Password); err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unlocked": true})
}

func (a *API) handleCart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, a.cartView())
}

func (a *API) handleCartItems(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.AddItemRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := a.cart.AddItem(strings.TrimSpace(req.ProductID), req.UnitPrice, req.Quantity); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.cartView())
}

func (a *API) handleCartItemActions(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(r.URL.Path, "/api/v1/cart/items/")
	index, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid line index"))
		return
	}

	switch r.Method {
	case http.MethodPatch:
		var req domain.SetQuantityRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := a.cart.SetQuantity(index, req.Quantity); err != nil {
			writeDomainError(w, err)
			return
		}
	case http.MethodDelete:
		if err := a.cart.RemoveItem(index); err != nil {
			writeDomainError(w, err)
			return
		}
	default:
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, a.cartView())
}

func (a *API) handleCartReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	a.cart.Reset()
	writeJSON(w, http.StatusOK, a.cartView())
}

func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.CheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.Checkout(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 10, 100)
	transactions, err := a.service.RecentTransactions(r.Context(), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": transactions})
}

func (a *API) handleFailedTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	failed, err := a.service.FailedTransactions(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": failed})
}

func (a *API) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	status, err := a.engine.Status(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *API) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.ConnectivityReport
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	// Detached from the request context: a reconciliation run must outlive
	// the HTTP request that reported the transition.
	a.engine.SetOnline(context.WithoutCancel(r.Context()), req.Online)
	writeJSON(w, http.StatusAccepted, map[string]any{"online": req.Online})
}

func (a *API) handleStockAdjust(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.StockAdjustRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	quantity, err := a.service.AdjustStock(r.Context(), req.ProductID, req.Delta)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.StockLevel{ProductID: strings.TrimSpace(req.ProductID), Quantity: quantity})
}

func (a *API) handleLowStock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	threshold := -1
	if raw := strings.TrimSpace(r.URL.Query().Get("threshold")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, errors.New("invalid threshold"))
			return
		}
		threshold = parsed
	}

	writeJSON(w, http.StatusOK, map[string]any{"products": a.ledger.LowStock(threshold)})
}

func (a *API) handleStockGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	productID := strings.TrimPrefix(r.URL.Path, "/api/v1/stock/")
	if productID == "" {
		writeError(w, http.StatusBadRequest, errors.New("product id required"))
		return
	}
	writeJSON(w, http.StatusOK, domain.StockLevel{ProductID: productID, Quantity: a.ledger.Get(productID)})
}

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	result, err := a.catalog.Products(r.Context(), a.engine.Online())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) cartView() domain.CartView {
	return domain.CartView{
		Items:  a.cart.Lines(),
		Totals: a.cart.Totals(),
	}
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPatch) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(startedAt))
	})
}

// writeDomainError maps core sentinel errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, cart.ErrOutOfRange), errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, cart.ErrInvalidItem),
		errors.Is(err, service.ErrEmptyCart),
		errors.Is(err, service.ErrInvalidPayment):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, stock.ErrNegativeStock), errors.Is(err, store.ErrDuplicate):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, session.ErrNoSession), errors.Is(err, session.ErrUnlockDenied):
		writeError(w, http.StatusUnauthorized, err)
	case errors.Is(err, remote.ErrRejected):
		writeError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, remote.ErrNetworkUnavailable):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
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

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx details stay in the logs; 4xx messages are operator-facing.
	msg := err.Error()
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
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
