package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CartLine is one product entry in the active cart. Lines are keyed by
// ProductID; adding the same product again raises the quantity instead of
// appending a duplicate line.
type CartLine struct {
	ProductID string          `json:"product_id"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
}

type Totals struct {
	Subtotal decimal.Decimal `json:"subtotal"`
	Tax      decimal.Decimal `json:"tax"`
	Discount decimal.Decimal `json:"discount"`
	Total    decimal.Decimal `json:"total"`
}

// Transaction is an immutable record of a completed or attempted sale.
// ID is generated on the terminal; after a successful sync the server-assigned
// identity lands in ServerReference while ID stays stable as the join key for
// anything the UI already displays.
type Transaction struct {
	ID              string          `json:"id"`
	Items           []CartLine      `json:"items"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	Tax             decimal.Decimal `json:"tax"`
	Discount        decimal.Decimal `json:"discount"`
	Total           decimal.Decimal `json:"total"`
	PaymentMethod   string          `json:"payment_method"`
	CustomerRef     string          `json:"customer_ref,omitempty"`
	BusinessID      string          `json:"business_id"`
	UserID          string          `json:"user_id"`
	CreatedAt       time.Time       `json:"created_at"`
	Status          string          `json:"status"`
	ServerReference string          `json:"server_reference,omitempty"`
	FailureReason   string          `json:"failure_reason,omitempty"`
}

const (
	TxStatusPendingLocal = "pending-local"
	TxStatusSynced       = "synced"
	TxStatusSyncFailed   = "sync-failed"
)

// Product mirrors the remote catalog entry the terminal caches for offline
// browsing and stock seeding.
type Product struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Category string          `json:"category"`
	Price    decimal.Decimal `json:"price"`
	Stock    int             `json:"stock"`
}

type Catalog struct {
	Products  []Product `json:"products"`
	FetchedAt time.Time `json:"fetched_at"`
	FromCache bool      `json:"from_cache"`
}

// Session carries the authenticated context extracted from the remote
// server's access token. The terminal never verifies the token signature;
// the server is the sole verifier.
type Session struct {
	BusinessID  string    `json:"business_id"`
	UserID      string    `json:"user_id"`
	Role        string    `json:"role"`
	ExpiresAt   time.Time `json:"expires_at"`
	AccessToken string    `json:"-"`
}

type CheckoutRequest struct {
	PaymentMethod string `json:"payment_method"`
	CustomerRef   string `json:"customer_ref,omitempty"`
}

type CheckoutResponse struct {
	Transaction Transaction `json:"transaction"`
	Queued      bool        `json:"queued"`
}

type AddItemRequest struct {
	ProductID string          `json:"product_id"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
}

type SetQuantityRequest struct {
	Quantity int `json:"quantity"`
}

type CartView struct {
	Items  []CartLine `json:"items"`
	Totals Totals     `json:"totals"`
}

type StockAdjustRequest struct {
	ProductID string `json:"product_id"`
	Delta     int    `json:"delta"`
}

type StockLevel struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type ConnectivityReport struct {
	Online bool `json:"online"`
}

// SyncStatus is the engine state exposed to the UI layer.
type SyncStatus struct {
	Online       bool       `json:"online"`
	Running      bool       `json:"running"`
	PendingCount int        `json:"pending_count"`
	FailedCount  int        `json:"failed_count"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}
