package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"flakies/terminal/internal/domain"
	"flakies/terminal/internal/store"
)

func TestOfflineQueueRoundTrip(t *testing.T) {
	databaseURL := os.Getenv("FLAKIES_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set FLAKIES_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	firstID := fmt.Sprintf("tx-it-%d-1", stamp)
	secondID := fmt.Sprintf("tx-it-%d-2", stamp)
	productID := fmt.Sprintf("prod-it-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM offline_queue WHERE id IN ($1, $2)`, firstID, secondID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM transaction_log WHERE local_id IN ($1, $2)`, firstID, secondID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_snapshot WHERE product_id = $1`, productID)
	})

	makeTx := func(id string) domain.Transaction {
		return domain.Transaction{
			ID:            id,
			Items:         []domain.CartLine{{ProductID: productID, UnitPrice: decimal.RequireFromString("3.50"), Quantity: 2}},
			Subtotal:      decimal.RequireFromString("7.00"),
			Tax:           decimal.RequireFromString("1.12"),
			Discount:      decimal.Zero,
			Total:         decimal.RequireFromString("8.12"),
			PaymentMethod: "cash",
			BusinessID:    "biz-it",
			UserID:        "user-it",
			CreatedAt:     time.Now().UTC(),
			Status:        domain.TxStatusPendingLocal,
		}
	}

	for _, id := range []string{firstID, secondID} {
		tx := makeTx(id)
		if err := s.AppendOfflineTransaction(ctx, tx); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
		if err := s.RecordTransaction(ctx, tx); err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
	}

	if err := s.AppendOfflineTransaction(ctx, makeTx(firstID)); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate on re-append, got %v", err)
	}

	pending, err := s.ListOfflineTransactions(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	var queued []domain.Transaction
	for _, tx := range pending {
		if tx.ID == firstID || tx.ID == secondID {
			queued = append(queued, tx)
		}
	}
	if len(queued) != 2 || queued[0].ID != firstID || queued[1].ID != secondID {
		t.Fatalf("expected FIFO order %s then %s, got %+v", firstID, secondID, queued)
	}
	if !queued[0].Total.Equal(decimal.RequireFromString("8.12")) {
		t.Fatalf("payload round trip lost totals: %s", queued[0].Total)
	}

	// First transaction syncs: log gets the authoritative record, queue entry goes.
	synced := makeTx(firstID)
	synced.Status = domain.TxStatusSynced
	synced.ServerReference = "srv-" + firstID
	if err := s.ReplaceTransaction(ctx, firstID, synced); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := s.RemoveOfflineTransaction(ctx, firstID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.RemoveOfflineTransaction(ctx, firstID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double remove, got %v", err)
	}

	// Second transaction is rejected by the server.
	if err := s.MarkOfflineTransactionFailed(ctx, secondID, "total mismatch"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	failed, err := s.ListFailedTransactions(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	var flagged *domain.Transaction
	for i := range failed {
		if failed[i].ID == secondID {
			flagged = &failed[i]
		}
	}
	if flagged == nil || flagged.Status != domain.TxStatusSyncFailed || flagged.FailureReason != "total mismatch" {
		t.Fatalf("expected flagged transaction with reason, got %+v", flagged)
	}

	recent, err := s.ListRecentTransactions(ctx, 50)
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	seen := map[string]domain.Transaction{}
	for _, tx := range recent {
		seen[tx.ID] = tx
	}
	if got := seen[firstID]; got.Status != domain.TxStatusSynced || got.ServerReference != "srv-"+firstID {
		t.Fatalf("expected synced log entry for %s, got %+v", firstID, got)
	}
	if got := seen[secondID]; got.Status != domain.TxStatusSyncFailed {
		t.Fatalf("expected sync-failed log entry for %s, got %+v", secondID, got)
	}

	if err := s.SaveStockSnapshot(ctx, map[string]int{productID: 8}); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	snapshot, err := s.LoadStockSnapshot(ctx)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if snapshot[productID] != 8 {
		t.Fatalf("expected snapshot quantity 8, got %d", snapshot[productID])
	}
}
