package store

import (
	"context"
	"errors"

	"flakies/terminal/internal/domain"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrPersistence = errors.New("persistence failure")
	ErrDuplicate   = errors.New("duplicate entry")
)

// Gateway is the durable local store the terminal core depends on. It holds
// the offline transaction queue, the terminal transaction log and the last
// known stock snapshot, surviving process restarts. Implementations must make
// reload idempotent: no entry duplication or loss across restarts.
type Gateway interface {
	// AppendOfflineTransaction enqueues a pending-local transaction at the
	// tail of the offline queue.
	AppendOfflineTransaction(ctx context.Context, tx domain.Transaction) error
	// ListOfflineTransactions returns the pending-local backlog in FIFO
	// order, preserving business timestamp ordering for replay.
	ListOfflineTransactions(ctx context.Context) ([]domain.Transaction, error)
	RemoveOfflineTransaction(ctx context.Context, id string) error
	// MarkOfflineTransactionFailed flips a queue entry to sync-failed with
	// the server's rejection reason. Failed entries leave the pending
	// backlog but are never deleted.
	MarkOfflineTransactionFailed(ctx context.Context, id string, reason string) error
	ListFailedTransactions(ctx context.Context) ([]domain.Transaction, error)

	// RecordTransaction appends to the terminal transaction log shown in
	// the UI's recent-transactions view.
	RecordTransaction(ctx context.Context, tx domain.Transaction) error
	// ReplaceTransaction swaps a logged transaction for its authoritative
	// server record, keyed by the stable local id.
	ReplaceTransaction(ctx context.Context, localID string, tx domain.Transaction) error
	ListRecentTransactions(ctx context.Context, limit int) ([]domain.Transaction, error)

	SaveStockSnapshot(ctx context.Context, snapshot map[string]int) error
	LoadStockSnapshot(ctx context.Context) (map[string]int, error)
}
