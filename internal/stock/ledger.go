package stock

import (
	"errors"
	"sort"
	"sync"

	"flakies/terminal/internal/domain"
)

var ErrNegativeStock = errors.New("stock would go negative")

const DefaultLowStockThreshold = 10

// Ledger tracks per-product quantity on hand for the terminal. It is the feed
// for low-stock alerts and for the sale-time decrement applied at checkout.
// The ledger itself is memory-resident; callers persist Snapshot() through the
// persistence gateway.
type Ledger struct {
	mu        sync.RWMutex
	qty       map[string]int
	threshold int
}

func NewLedger(threshold int) *Ledger {
	if threshold < 0 {
		threshold = DefaultLowStockThreshold
	}
	return &Ledger{
		qty:       make(map[string]int),
		threshold: threshold,
	}
}

// Get returns the quantity on hand, zero for unknown products.
func (l *Ledger) Get(productID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.qty[productID]
}

func (l *Ledger) Set(productID string, quantity int) {
	if productID == "" || quantity < 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.qty[productID] = quantity
}

// Adjust applies a delta to a single product. It fails with ErrNegativeStock
// and leaves the entry unchanged if the result would go below zero.
func (l *Ledger) Adjust(productID string, delta int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.qty[productID] + delta
	if next < 0 {
		return ErrNegativeStock
	}
	l.qty[productID] = next
	return nil
}

// AdjustAll applies every delta or none: all entries are validated against the
// current quantities before any is written.
func (l *Ledger) AdjustAll(deltas map[string]int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for productID, delta := range deltas {
		if l.qty[productID]+delta < 0 {
			return ErrNegativeStock
		}
	}
	for productID, delta := range deltas {
		l.qty[productID] += delta
	}
	return nil
}

func (l *Ledger) Threshold() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.threshold
}

func (l *Ledger) SetThreshold(threshold int) {
	if threshold < 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.threshold = threshold
}

// LowStock returns the products at or below the given threshold, ordered by
// ascending quantity then product id. A negative threshold means "use the
// ledger's configured threshold".
func (l *Ledger) LowStock(threshold int) []domain.StockLevel {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if threshold < 0 {
		threshold = l.threshold
	}

	low := make([]domain.StockLevel, 0, 16)
	for productID, quantity := range l.qty {
		if quantity <= threshold {
			low = append(low, domain.StockLevel{ProductID: productID, Quantity: quantity})
		}
	}
	sort.Slice(low, func(i, j int) bool {
		if low[i].Quantity == low[j].Quantity {
			return low[i].ProductID < low[j].ProductID
		}
		return low[i].Quantity < low[j].Quantity
	})
	return low
}

// Snapshot returns a copy of the full quantity map for persistence.
func (l *Ledger) Snapshot() map[string]int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	snapshot := make(map[string]int, len(l.qty))
	for productID, quantity := range l.qty {
		snapshot[productID] = quantity
	}
	return snapshot
}

// Load replaces the ledger contents with a persisted snapshot.
func (l *Ledger) Load(snapshot map[string]int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.qty = make(map[string]int, len(snapshot))
	for productID, quantity := range snapshot {
		if quantity < 0 {
			continue
		}
		l.qty[productID] = quantity
	}
}
