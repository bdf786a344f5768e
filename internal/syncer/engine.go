package syncer

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"flakies/terminal/internal/domain"
	"flakies/terminal/internal/remote"
	"flakies/terminal/internal/stock"
	"flakies/terminal/internal/store"
)

// Engine drains the offline transaction queue against the remote server.
// SetOnline is the single edge-triggered entry point: an offline-to-online
// transition starts a run, and a trigger arriving mid-run is coalesced into
// one follow-up run instead of a concurrent one. At most one run is ever
// active, so no queue entry can be submitted twice within a run.
type Engine struct {
	gateway store.Gateway
	remote  remote.Client
	ledger  *stock.Ledger

	mu        sync.Mutex
	online    bool
	running   bool
	rerun     bool
	lastRunAt *time.Time
	lastError string
	idle      *sync.Cond
}

func NewEngine(gateway store.Gateway, client remote.Client, ledger *stock.Ledger) *Engine {
	e := &Engine{
		gateway: gateway,
		remote:  client,
		ledger:  ledger,
	}
	e.idle = sync.NewCond(&e.mu)
	return e
}

func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// SetOnline reports a connectivity transition. Only the offline-to-online
// edge triggers a reconciliation run; repeated online reports during a run
// request one coalesced rerun.
func (e *Engine) SetOnline(ctx context.Context, online bool) {
	e.mu.Lock()
	wasOnline := e.online
	e.online = online

	if !online || wasOnline {
		e.mu.Unlock()
		return
	}
	if e.running {
		e.rerun = true
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	go e.loop(ctx)
}

// Wait blocks until no run is active. Used at shutdown and in tests.
func (e *Engine) Wait() {
	e.mu.Lock()
	for e.running {
		e.idle.Wait()
	}
	e.mu.Unlock()
}

func (e *Engine) loop(ctx context.Context) {
	for {
		err := e.drain(ctx)

		e.mu.Lock()
		now := time.Now().UTC()
		e.lastRunAt = &now
		e.lastError = ""
		if err != nil {
			e.lastError = err.Error()
			if errors.Is(err, remote.ErrNetworkUnavailable) {
				// Connectivity is presumed lost again; the next
				// online report is a fresh edge.
				e.online = false
			}
		}
		// A network failure clears e.online above, so a requested rerun
		// survives any other error: the link is still up and entries
		// enqueued mid-run should not wait for the next connectivity flap.
		if e.rerun && e.online {
			e.rerun = false
			e.mu.Unlock()
			continue
		}
		e.rerun = false
		e.running = false
		e.idle.Broadcast()
		e.mu.Unlock()
		return
	}
}

// drain snapshots the pending queue and submits each entry in FIFO order at
// most once. Entries enqueued while the drain is in flight are left for the
// coalesced rerun.
func (e *Engine) drain(ctx context.Context) error {
	snapshot, err := e.gateway.ListOfflineTransactions(ctx)
	if err != nil {
		return err
	}

	for _, tx := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}

		authoritative, err := e.remote.Submit(ctx, tx)
		switch {
		case err == nil:
			if err := e.applyAuthoritative(ctx, tx, authoritative); err != nil {
				return err
			}
		case errors.Is(err, remote.ErrRejected):
			// One bad transaction must not block the rest of the
			// backlog.
			reason := err.Error()
			var rejected *remote.RejectedError
			if errors.As(err, &rejected) {
				reason = rejected.Reason
			}
			if markErr := e.gateway.MarkOfflineTransactionFailed(ctx, tx.ID, reason); markErr != nil {
				return markErr
			}
			log.Printf("[syncer] WARN: transaction %s rejected by server: %s", tx.ID, reason)
		default:
			// NetworkUnavailable or an ambiguous outcome: halt the
			// run, everything unprocessed stays pending-local.
			return err
		}
	}

	return e.gateway.SaveStockSnapshot(ctx, e.ledger.Snapshot())
}

// applyAuthoritative replaces the local record with the server's and removes
// the queue entry. The local id stays the join key for anything the UI
// already references; the server identity lands in ServerReference.
func (e *Engine) applyAuthoritative(ctx context.Context, local domain.Transaction, authoritative *domain.Transaction) error {
	synced := *authoritative
	synced.Status = domain.TxStatusSynced
	if synced.ServerReference == "" {
		synced.ServerReference = authoritative.ID
	}

	if err := e.gateway.ReplaceTransaction(ctx, local.ID, synced); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		log.Printf("[syncer] WARN: synced transaction %s missing from local log", local.ID)
	}
	return e.gateway.RemoveOfflineTransaction(ctx, local.ID)
}

// Status reports engine and backlog state for the UI layer.
func (e *Engine) Status(ctx context.Context) (domain.SyncStatus, error) {
	pending, err := e.gateway.ListOfflineTransactions(ctx)
	if err != nil {
		return domain.SyncStatus{}, err
	}
	failed, err := e.gateway.ListFailedTransactions(ctx)
	if err != nil {
		return domain.SyncStatus{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return domain.SyncStatus{
		Online:       e.online,
		Running:      e.running,
		PendingCount: len(pending),
		FailedCount:  len(failed),
		LastRunAt:    e.lastRunAt,
		LastError:    e.lastError,
	}, nil
}
