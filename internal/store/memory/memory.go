package memory

import (
	"context"
	"sync"

	"flakies/terminal/internal/domain"
	"flakies/terminal/internal/store"
)

// Store is the in-memory gateway used for tests and for running the agent
// without DATABASE_URL. It keeps the same ordering guarantees as the durable
// implementation.
type Store struct {
	mu      sync.RWMutex
	queue   []domain.Transaction
	failed  map[string]domain.Transaction
	log     []domain.Transaction
	logByID map[string]int
	stock   map[string]int
}

func New() *Store {
	return &Store{
		queue:   make([]domain.Transaction, 0, 16),
		failed:  make(map[string]domain.Transaction),
		log:     make([]domain.Transaction, 0, 64),
		logByID: make(map[string]int),
		stock:   make(map[string]int),
	}
}

func (s *Store) AppendOfflineTransaction(_ context.Context, tx domain.Transaction) error {
	if tx.ID == "" {
		return store.ErrPersistence
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, queued := range s.queue {
		if queued.ID == tx.ID {
			return store.ErrDuplicate
		}
	}
	tx.Status = domain.TxStatusPendingLocal
	s.queue = append(s.queue, tx)
	return nil
}

func (s *Store) ListOfflineTransactions(_ context.Context) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pending := make([]domain.Transaction, len(s.queue))
	copy(pending, s.queue)
	return pending, nil
}

func (s *Store) RemoveOfflineTransaction(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, queued := range s.queue {
		if queued.ID == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *Store) MarkOfflineTransactionFailed(_ context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, queued := range s.queue {
		if queued.ID == id {
			queued.Status = domain.TxStatusSyncFailed
			queued.FailureReason = reason
			s.failed[id] = queued
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			if idx, ok := s.logByID[id]; ok {
				s.log[idx].Status = domain.TxStatusSyncFailed
				s.log[idx].FailureReason = reason
			}
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *Store) ListFailedTransactions(_ context.Context) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	failed := make([]domain.Transaction, 0, len(s.failed))
	for _, tx := range s.failed {
		failed = append(failed, tx)
	}
	return failed, nil
}

func (s *Store) RecordTransaction(_ context.Context, tx domain.Transaction) error {
	if tx.ID == "" {
		return store.ErrPersistence
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.logByID[tx.ID]; exists {
		return store.ErrDuplicate
	}
	s.logByID[tx.ID] = len(s.log)
	s.log = append(s.log, tx)
	return nil
}

func (s *Store) ReplaceTransaction(_ context.Context, localID string, tx domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.logByID[localID]
	if !ok {
		return store.ErrNotFound
	}
	// The local id stays the join key even after the server assigns its own
	// identity in ServerReference.
	tx.ID = localID
	s.log[idx] = tx
	return nil
}

func (s *Store) ListRecentTransactions(_ context.Context, limit int) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 10
	}

	recent := make([]domain.Transaction, 0, limit)
	for i := len(s.log) - 1; i >= 0 && len(recent) < limit; i-- {
		recent = append(recent, s.log[i])
	}
	return recent, nil
}

func (s *Store) SaveStockSnapshot(_ context.Context, snapshot map[string]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stock = make(map[string]int, len(snapshot))
	for productID, quantity := range snapshot {
		s.stock[productID] = quantity
	}
	return nil
}

func (s *Store) LoadStockSnapshot(_ context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := make(map[string]int, len(s.stock))
	for productID, quantity := range s.stock {
		snapshot[productID] = quantity
	}
	return snapshot, nil
}
