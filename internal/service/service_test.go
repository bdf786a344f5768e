package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"

	"flakies/terminal/internal/cart"
	"flakies/terminal/internal/domain"
	"flakies/terminal/internal/remote"
	"flakies/terminal/internal/session"
	"flakies/terminal/internal/stock"
	"flakies/terminal/internal/store/memory"
)

type fakeRemote struct {
	err       error
	submitted []domain.Transaction
}

func (f *fakeRemote) Submit(_ context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	f.submitted = append(f.submitted, tx)
	if f.err != nil {
		return nil, f.err
	}
	authoritative := tx
	authoritative.ID = "srv-" + tx.ID
	authoritative.Status = domain.TxStatusSynced
	return &authoritative, nil
}

func (f *fakeRemote) Ping(_ context.Context) error {
	return f.err
}

type fakeConnectivity struct {
	online bool
}

func (f *fakeConnectivity) Online() bool {
	return f.online
}

func testToken(t *testing.T) string {
	t.Helper()
	claims := jwtlib.MapClaims{
		"sub":         "user-1",
		"business_id": "biz-1",
		"role":        "cashier",
		"exp":         time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte("not-the-server-secret"))
	if err != nil {
		t.Fatalf("sign test token: %v", err)
	}
	return token
}

type fixture struct {
	svc     *Service
	cart    *cart.Cart
	ledger  *stock.Ledger
	gateway *memory.Store
	remote  *fakeRemote
	link    *fakeConnectivity
}

func newFixture(t *testing.T, online bool) *fixture {
	t.Helper()

	gateway := memory.New()
	ledger := stock.NewLedger(10)
	activeCart := cart.New(decimal.RequireFromString("0.16"))
	client := &fakeRemote{}
	link := &fakeConnectivity{online: online}

	sessions := session.NewManager()
	if _, err := sessions.Accept(testToken(t), ""); err != nil {
		t.Fatalf("accept session: %v", err)
	}

	seq := 0
	svc := New(activeCart, ledger, gateway, client, sessions, link, func() string {
		seq++
		return fmt.Sprintf("tx-%d", seq)
	})

	return &fixture{svc: svc, cart: activeCart, ledger: ledger, gateway: gateway, remote: client, link: link}
}

func (f *fixture) fillCart(t *testing.T) {
	t.Helper()
	f.ledger.Set("prod-1", 10)
	if err := f.cart.AddItem("prod-1", decimal.RequireFromString("100.00"), 2); err != nil {
		t.Fatalf("add item: %v", err)
	}
}

func TestCheckoutOfflineQueuesPendingLocal(t *testing.T) {
	f := newFixture(t, false)
	f.fillCart(t)

	resp, err := f.svc.Checkout(context.Background(), domain.CheckoutRequest{PaymentMethod: "cash"})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if !resp.Queued {
		t.Fatalf("expected offline checkout to be queued")
	}
	if resp.Transaction.Status != domain.TxStatusPendingLocal {
		t.Fatalf("expected pending-local, got %s", resp.Transaction.Status)
	}
	if !resp.Transaction.Total.Equal(decimal.RequireFromString("232.00")) {
		t.Fatalf("expected total 232.00, got %s", resp.Transaction.Total)
	}
	if resp.Transaction.BusinessID != "biz-1" || resp.Transaction.UserID != "user-1" {
		t.Fatalf("expected session context stamped, got %+v", resp.Transaction)
	}

	if got := f.ledger.Get("prod-1"); got != 8 {
		t.Fatalf("expected stock decremented to 8, got %d", got)
	}

	pending, err := f.gateway.ListOfflineTransactions(context.Background())
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != resp.Transaction.ID {
		t.Fatalf("expected one queued transaction, got %+v", pending)
	}

	snapshot, err := f.gateway.LoadStockSnapshot(context.Background())
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if snapshot["prod-1"] != 8 {
		t.Fatalf("expected persisted snapshot at 8, got %d", snapshot["prod-1"])
	}

	if len(f.cart.Lines()) != 0 {
		t.Fatalf("expected cart cleared after checkout")
	}
	if len(f.remote.submitted) != 0 {
		t.Fatalf("offline checkout must not touch the remote server")
	}
}

func TestCheckoutOnlineRecordsSyncedTransaction(t *testing.T) {
	f := newFixture(t, true)
	f.fillCart(t)

	resp, err := f.svc.Checkout(context.Background(), domain.CheckoutRequest{PaymentMethod: "card"})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if resp.Queued {
		t.Fatalf("online checkout must not queue")
	}
	if resp.Transaction.Status != domain.TxStatusSynced {
		t.Fatalf("expected synced, got %s", resp.Transaction.Status)
	}
	if resp.Transaction.ID != "tx-1" || resp.Transaction.ServerReference != "srv-tx-1" {
		t.Fatalf("expected local id kept and server reference set, got %+v", resp.Transaction)
	}

	pending, err := f.gateway.ListOfflineTransactions(context.Background())
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected empty queue, got %+v", pending)
	}

	recent, err := f.gateway.ListRecentTransactions(context.Background(), 1)
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 1 || recent[0].Status != domain.TxStatusSynced {
		t.Fatalf("expected synced log entry, got %+v", recent)
	}

	if len(f.cart.Lines()) != 0 {
		t.Fatalf("expected cart cleared after checkout")
	}
}

func TestCheckoutOnlineFailureRevertsStockAndKeepsCart(t *testing.T) {
	f := newFixture(t, true)
	f.fillCart(t)
	f.remote.err = remote.ErrNetworkUnavailable

	_, err := f.svc.Checkout(context.Background(), domain.CheckoutRequest{})
	if !errors.Is(err, remote.ErrNetworkUnavailable) {
		t.Fatalf("expected ErrNetworkUnavailable, got %v", err)
	}

	if got := f.ledger.Get("prod-1"); got != 10 {
		t.Fatalf("expected stock reverted to 10, got %d", got)
	}
	if len(f.cart.Lines()) != 1 {
		t.Fatalf("expected cart intact for retry, got %d lines", len(f.cart.Lines()))
	}

	pending, err := f.gateway.ListOfflineTransactions(context.Background())
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("failed online checkout must not queue, got %+v", pending)
	}
}

func TestCheckoutRejectsEmptyCart(t *testing.T) {
	f := newFixture(t, true)

	_, err := f.svc.Checkout(context.Background(), domain.CheckoutRequest{})
	if !errors.Is(err, ErrEmptyCart) {
		t.Fatalf("expected ErrEmptyCart, got %v", err)
	}
}

func TestCheckoutRejectsUnsupportedPayment(t *testing.T) {
	f := newFixture(t, true)
	f.fillCart(t)

	_, err := f.svc.Checkout(context.Background(), domain.CheckoutRequest{PaymentMethod: "barter"})
	if !errors.Is(err, ErrInvalidPayment) {
		t.Fatalf("expected ErrInvalidPayment, got %v", err)
	}
}

func TestCheckoutDefaultsToCash(t *testing.T) {
	f := newFixture(t, false)
	f.fillCart(t)

	resp, err := f.svc.Checkout(context.Background(), domain.CheckoutRequest{})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if resp.Transaction.PaymentMethod != "cash" {
		t.Fatalf("expected cash default, got %s", resp.Transaction.PaymentMethod)
	}
}

func TestCheckoutInsufficientStockFailsBeforeCommit(t *testing.T) {
	f := newFixture(t, false)
	f.ledger.Set("prod-1", 1)
	if err := f.cart.AddItem("prod-1", decimal.RequireFromString("5.00"), 2); err != nil {
		t.Fatalf("add item: %v", err)
	}

	_, err := f.svc.Checkout(context.Background(), domain.CheckoutRequest{})
	if !errors.Is(err, stock.ErrNegativeStock) {
		t.Fatalf("expected ErrNegativeStock, got %v", err)
	}

	if got := f.ledger.Get("prod-1"); got != 1 {
		t.Fatalf("expected stock unchanged at 1, got %d", got)
	}
	if len(f.cart.Lines()) != 1 {
		t.Fatalf("expected cart intact, got %d lines", len(f.cart.Lines()))
	}

	pending, listErr := f.gateway.ListOfflineTransactions(context.Background())
	if listErr != nil {
		t.Fatalf("list pending: %v", listErr)
	}
	if len(pending) != 0 {
		t.Fatalf("expected nothing queued, got %+v", pending)
	}
}

func TestCheckoutRequiresSession(t *testing.T) {
	gateway := memory.New()
	ledger := stock.NewLedger(10)
	activeCart := cart.New(decimal.RequireFromString("0.16"))
	ledger.Set("prod-1", 5)
	if err := activeCart.AddItem("prod-1", decimal.RequireFromString("1.00"), 1); err != nil {
		t.Fatalf("add item: %v", err)
	}

	svc := New(activeCart, ledger, gateway, &fakeRemote{}, session.NewManager(), &fakeConnectivity{online: false}, func() string { return "tx-1" })

	_, err := svc.Checkout(context.Background(), domain.CheckoutRequest{})
	if !errors.Is(err, session.ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	if got := ledger.Get("prod-1"); got != 5 {
		t.Fatalf("expected stock untouched, got %d", got)
	}
}

func TestCheckoutCommitsConsistentTotalsUnderConcurrentCartMutation(t *testing.T) {
	f := newFixture(t, false)
	f.ledger.Set("prod-1", 1<<30)
	f.ledger.Set("prod-2", 1<<30)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				_ = f.cart.AddItem("prod-2", decimal.RequireFromString("7.77"), 1)
			}
		}
	}()

	for i := 0; i < 500; i++ {
		if err := f.cart.AddItem("prod-1", decimal.RequireFromString("100.00"), 2); err != nil {
			t.Fatalf("add item: %v", err)
		}

		resp, err := f.svc.Checkout(context.Background(), domain.CheckoutRequest{})
		if err != nil {
			t.Fatalf("checkout %d: %v", i, err)
		}

		expected := decimal.Zero
		for _, line := range resp.Transaction.Items {
			expected = expected.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))))
		}
		if !resp.Transaction.Subtotal.Equal(expected) {
			t.Fatalf("committed transaction subtotal %s != sum over its own items %s", resp.Transaction.Subtotal, expected)
		}
	}

	close(done)
	wg.Wait()
}

func TestAdjustStockPersistsSnapshot(t *testing.T) {
	f := newFixture(t, false)
	f.ledger.Set("prod-1", 4)

	quantity, err := f.svc.AdjustStock(context.Background(), "prod-1", 6)
	if err != nil {
		t.Fatalf("adjust stock: %v", err)
	}
	if quantity != 10 {
		t.Fatalf("expected quantity 10, got %d", quantity)
	}

	snapshot, err := f.gateway.LoadStockSnapshot(context.Background())
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if snapshot["prod-1"] != 10 {
		t.Fatalf("expected persisted quantity 10, got %d", snapshot["prod-1"])
	}

	if _, err := f.svc.AdjustStock(context.Background(), "prod-1", -20); !errors.Is(err, stock.ErrNegativeStock) {
		t.Fatalf("expected ErrNegativeStock, got %v", err)
	}
}

func TestRestoreLoadsPersistedSnapshot(t *testing.T) {
	f := newFixture(t, false)
	if err := f.gateway.SaveStockSnapshot(context.Background(), map[string]int{"prod-9": 7}); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}

	if err := f.svc.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got := f.ledger.Get("prod-9"); got != 7 {
		t.Fatalf("expected restored quantity 7, got %d", got)
	}
}
