package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"flakies/terminal/internal/domain"
	"flakies/terminal/internal/store"
)

// Store is the durable gateway backed by the terminal-local postgres
// instance. Transactions are stored as JSON payloads with a monotonic
// sequence column so the offline queue replays in FIFO order.
type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS offline_queue (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL,
			failure_reason TEXT NOT NULL DEFAULT '',
			payload JSONB NOT NULL,
			enqueued_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS transaction_log (
			seq BIGSERIAL PRIMARY KEY,
			local_id TEXT NOT NULL UNIQUE,
			payload JSONB NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS stock_snapshot (
			product_id TEXT PRIMARY KEY,
			quantity INTEGER NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: schema: %v", store.ErrPersistence, err)
		}
	}
	return nil
}

func (s *Store) AppendOfflineTransaction(ctx context.Context, tx domain.Transaction) error {
	if tx.ID == "" {
		return store.ErrPersistence
	}
	tx.Status = domain.TxStatusPendingLocal

	payload, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", store.ErrPersistence, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO offline_queue (id, status, payload, enqueued_at)
		VALUES ($1,$2,$3,$4)
	`, tx.ID, tx.Status, payload, tx.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("%w: %v", store.ErrPersistence, err)
	}
	return nil
}

func (s *Store) ListOfflineTransactions(ctx context.Context) ([]domain.Transaction, error) {
	return s.listQueue(ctx, domain.TxStatusPendingLocal)
}

func (s *Store) ListFailedTransactions(ctx context.Context) ([]domain.Transaction, error) {
	return s.listQueue(ctx, domain.TxStatusSyncFailed)
}

func (s *Store) listQueue(ctx context.Context, status string) ([]domain.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload, status, failure_reason
		FROM offline_queue
		WHERE status = $1
		ORDER BY seq
	`, status)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrPersistence, err)
	}
	defer rows.Close()

	result := make([]domain.Transaction, 0, 32)
	for rows.Next() {
		var payload []byte
		var rowStatus, reason string
		if err := rows.Scan(&payload, &rowStatus, &reason); err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrPersistence, err)
		}
		var tx domain.Transaction
		if err := json.Unmarshal(payload, &tx); err != nil {
			return nil, fmt.Errorf("%w: decode: %v", store.ErrPersistence, err)
		}
		tx.Status = rowStatus
		tx.FailureReason = reason
		result = append(result, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrPersistence, err)
	}
	return result, nil
}

func (s *Store) RemoveOfflineTransaction(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM offline_queue WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrPersistence, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrPersistence, err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) MarkOfflineTransactionFailed(ctx context.Context, id string, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE offline_queue
		SET status = $2, failure_reason = $3
		WHERE id = $1 AND status = $4
	`, id, domain.TxStatusSyncFailed, reason, domain.TxStatusPendingLocal)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrPersistence, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrPersistence, err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE transaction_log
		SET payload = jsonb_set(jsonb_set(payload, '{status}', to_jsonb($2::text)), '{failure_reason}', to_jsonb($3::text))
		WHERE local_id = $1
	`, id, domain.TxStatusSyncFailed, reason)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrPersistence, err)
	}
	return nil
}

func (s *Store) RecordTransaction(ctx context.Context, tx domain.Transaction) error {
	if tx.ID == "" {
		return store.ErrPersistence
	}
	payload, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", store.ErrPersistence, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transaction_log (local_id, payload, recorded_at)
		VALUES ($1,$2,$3)
	`, tx.ID, payload, tx.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("%w: %v", store.ErrPersistence, err)
	}
	return nil
}

func (s *Store) ReplaceTransaction(ctx context.Context, localID string, tx domain.Transaction) error {
	// The local id stays the join key; only the payload carries the
	// server-assigned identity.
	tx.ID = localID
	payload, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", store.ErrPersistence, err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE transaction_log SET payload = $2 WHERE local_id = $1
	`, localID, payload)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrPersistence, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrPersistence, err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListRecentTransactions(ctx context.Context, limit int) ([]domain.Transaction, error) {
	if limit < 1 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT payload
		FROM transaction_log
		ORDER BY seq DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrPersistence, err)
	}
	defer rows.Close()

	result := make([]domain.Transaction, 0, limit)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrPersistence, err)
		}
		var tx domain.Transaction
		if err := json.Unmarshal(payload, &tx); err != nil {
			return nil, fmt.Errorf("%w: decode: %v", store.ErrPersistence, err)
		}
		result = append(result, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrPersistence, err)
	}
	return result, nil
}

func (s *Store) SaveStockSnapshot(ctx context.Context, snapshot map[string]int) error {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrPersistence, err)
	}
	defer func() { _ = dbTx.Rollback() }()

	if _, err := dbTx.ExecContext(ctx, `DELETE FROM stock_snapshot`); err != nil {
		return fmt.Errorf("%w: %v", store.ErrPersistence, err)
	}
	for productID, quantity := range snapshot {
		_, err := dbTx.ExecContext(ctx, `
			INSERT INTO stock_snapshot (product_id, quantity, updated_at)
			VALUES ($1,$2,now())
		`, productID, quantity)
		if err != nil {
			return fmt.Errorf("%w: %v", store.ErrPersistence, err)
		}
	}

	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrPersistence, err)
	}
	return nil
}

func (s *Store) LoadStockSnapshot(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT product_id, quantity FROM stock_snapshot`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrPersistence, err)
	}
	defer rows.Close()

	snapshot := make(map[string]int, 128)
	for rows.Next() {
		var productID string
		var quantity int
		if err := rows.Scan(&productID, &quantity); err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrPersistence, err)
		}
		snapshot[productID] = quantity
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrPersistence, err)
	}
	return snapshot, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
