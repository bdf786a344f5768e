package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"flakies/terminal/internal/cart"
	"flakies/terminal/internal/domain"
	"flakies/terminal/internal/remote"
	"flakies/terminal/internal/session"
	"flakies/terminal/internal/stock"
	"flakies/terminal/internal/store"
)

var (
	ErrEmptyCart      = errors.New("cart has no items")
	ErrInvalidPayment = errors.New("unsupported payment method")
)

// Connectivity reports the current link state. The reconciliation engine is
// the canonical implementation; tests plug in a stub.
type Connectivity interface {
	Online() bool
}

// Service owns the checkout path: it turns the active cart into an immutable
// transaction, applies the stock decrement two-phase, and either queues the
// transaction for later sync or submits it straight to the server.
type Service struct {
	cart         *cart.Cart
	ledger       *stock.Ledger
	gateway      store.Gateway
	remote       remote.Client
	sessions     *session.Manager
	connectivity Connectivity
	newID        func() string
}

func New(activeCart *cart.Cart, ledger *stock.Ledger, gateway store.Gateway, client remote.Client, sessions *session.Manager, connectivity Connectivity, newID func() string) *Service {
	return &Service{
		cart:         activeCart,
		ledger:       ledger,
		gateway:      gateway,
		remote:       client,
		sessions:     sessions,
		connectivity: connectivity,
		newID:        newID,
	}
}

// Restore reloads the persisted stock snapshot into the ledger. Called once
// at startup, before any checkout runs.
func (s *Service) Restore(ctx context.Context) error {
	snapshot, err := s.gateway.LoadStockSnapshot(ctx)
	if err != nil {
		return err
	}
	s.ledger.Load(snapshot)
	return nil
}

// buildTransaction snapshots the cart into an immutable record. The id is
// terminal-generated and stays the join key even after the server assigns its
// own identity during sync.
func (s *Service) buildTransaction(lines []domain.CartLine, totals domain.Totals, paymentMethod string, customerRef string, sess domain.Session) domain.Transaction {
	items := make([]domain.CartLine, len(lines))
	copy(items, lines)

	return domain.Transaction{
		ID:            s.newID(),
		Items:         items,
		Subtotal:      totals.Subtotal,
		Tax:           totals.Tax,
		Discount:      totals.Discount,
		Total:         totals.Total,
		PaymentMethod: paymentMethod,
		CustomerRef:   customerRef,
		BusinessID:    sess.BusinessID,
		UserID:        sess.UserID,
		CreatedAt:     time.Now().UTC(),
		Status:        domain.TxStatusPendingLocal,
	}
}

func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	paymentMethod := strings.TrimSpace(req.PaymentMethod)
	if paymentMethod == "" {
		paymentMethod = "cash"
	}
	if !isSupportedPaymentMethod(paymentMethod) {
		return domain.CheckoutResponse{}, ErrInvalidPayment
	}

	// Lines and totals come from one atomic cart snapshot; a concurrent cart
	// mutation must not split the committed transaction's view.
	lines, totals := s.cart.Snapshot()
	if len(lines) == 0 {
		return domain.CheckoutResponse{}, ErrEmptyCart
	}

	sess, err := s.sessions.Current()
	if err != nil && !errors.Is(err, session.ErrSessionExpired) {
		return domain.CheckoutResponse{}, err
	}
	if errors.Is(err, session.ErrSessionExpired) {
		// Keep selling on a stale session; the server re-validates on
		// sync and an expired token surfaces as a retryable failure.
		log.Printf("[service] WARN: checkout on expired session for user %s", sess.UserID)
	}

	tx := s.buildTransaction(lines, totals, paymentMethod, strings.TrimSpace(req.CustomerRef), sess)

	// Stock decrement is two-phase: validate everything, apply, and revert
	// if the transaction fails to commit.
	deltas := make(map[string]int, len(lines))
	for _, line := range lines {
		deltas[line.ProductID] -= line.Quantity
	}
	if err := s.ledger.AdjustAll(deltas); err != nil {
		return domain.CheckoutResponse{}, err
	}

	if !s.connectivity.Online() {
		if err := s.commitOffline(ctx, tx); err != nil {
			s.revertStock(deltas)
			return domain.CheckoutResponse{}, err
		}
		s.cart.Reset()
		return domain.CheckoutResponse{Transaction: tx, Queued: true}, nil
	}

	authoritative, err := s.remote.Submit(ctx, tx)
	if err != nil {
		// The cart is untouched, so the operator can retry or queue.
		s.revertStock(deltas)
		return domain.CheckoutResponse{}, err
	}

	synced := *authoritative
	synced.ID = tx.ID
	synced.Status = domain.TxStatusSynced
	if synced.ServerReference == "" {
		synced.ServerReference = authoritative.ID
	}

	// The server already committed the sale; a local log failure must not
	// undo it. Record what we can and surface the rest in the logs.
	if err := s.gateway.RecordTransaction(ctx, synced); err != nil {
		log.Printf("[service] WARN: failed to record synced transaction %s: %v", synced.ID, err)
	}
	if err := s.gateway.SaveStockSnapshot(ctx, s.ledger.Snapshot()); err != nil {
		log.Printf("[service] WARN: failed to persist stock snapshot: %v", err)
	}

	s.cart.Reset()
	return domain.CheckoutResponse{Transaction: synced, Queued: false}, nil
}

// commitOffline persists the queue entry, log entry and stock snapshot, or
// nothing at all.
func (s *Service) commitOffline(ctx context.Context, tx domain.Transaction) error {
	if err := s.gateway.AppendOfflineTransaction(ctx, tx); err != nil {
		return err
	}
	if err := s.gateway.RecordTransaction(ctx, tx); err != nil {
		if removeErr := s.gateway.RemoveOfflineTransaction(ctx, tx.ID); removeErr != nil {
			log.Printf("[service] WARN: failed to unwind queue entry %s: %v", tx.ID, removeErr)
		}
		return err
	}
	if err := s.gateway.SaveStockSnapshot(ctx, s.ledger.Snapshot()); err != nil {
		if removeErr := s.gateway.RemoveOfflineTransaction(ctx, tx.ID); removeErr != nil {
			log.Printf("[service] WARN: failed to unwind queue entry %s: %v", tx.ID, removeErr)
		}
		return err
	}
	return nil
}

func (s *Service) revertStock(deltas map[string]int) {
	reverted := make(map[string]int, len(deltas))
	for productID, delta := range deltas {
		reverted[productID] = -delta
	}
	if err := s.ledger.AdjustAll(reverted); err != nil {
		// Cannot happen for a pure reversal, but never swallow it.
		log.Printf("[service] WARN: failed to revert stock decrement: %v", err)
	}
}

func (s *Service) RecentTransactions(ctx context.Context, limit int) ([]domain.Transaction, error) {
	if limit < 1 {
		limit = 10
	}
	return s.gateway.ListRecentTransactions(ctx, limit)
}

func (s *Service) FailedTransactions(ctx context.Context) ([]domain.Transaction, error) {
	return s.gateway.ListFailedTransactions(ctx)
}

// AdjustStock applies a manual stock correction and persists the snapshot.
func (s *Service) AdjustStock(ctx context.Context, productID string, delta int) (int, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return 0, fmt.Errorf("product id required")
	}

	if err := s.ledger.Adjust(productID, delta); err != nil {
		return s.ledger.Get(productID), err
	}
	if err := s.gateway.SaveStockSnapshot(ctx, s.ledger.Snapshot()); err != nil {
		// Undo the in-memory change so ledger and store stay aligned.
		if revertErr := s.ledger.Adjust(productID, -delta); revertErr != nil {
			log.Printf("[service] WARN: failed to revert stock adjustment for %s: %v", productID, revertErr)
		}
		return s.ledger.Get(productID), err
	}
	return s.ledger.Get(productID), nil
}

func isSupportedPaymentMethod(method string) bool {
	switch method {
	case "cash", "card", "mobile-money":
		return true
	}
	return false
}
