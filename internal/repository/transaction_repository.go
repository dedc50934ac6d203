// internal/repository/transaction_repository.go
package repository

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"sas-collector/internal/database"
	"sas-collector/internal/model"
)

// transactionRepository implements TransactionRepository on the
// resilient store.
type transactionRepository struct {
	store  *database.Store
	table  string
	logger *zap.Logger
}

// NewTransactionRepository creates a new transaction repository
func NewTransactionRepository(store *database.Store, table string, logger *zap.Logger) TransactionRepository {
	if table == "" {
		table = "gaming_transactions"
	}
	return &transactionRepository{
		store:  store,
		table:  table,
		logger: logger,
	}
}

// Insert persists one meter delta. The statement is queued locally when
// the database link is down; only a replication post-check failure is
// reported, and it does not retract the write.
func (r *transactionRepository) Insert(ctx context.Context, record *model.TransactionRecord) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (time_, mac, property_code, value, game_number, it_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, r.table)

	err := r.store.Exec(ctx, query,
		record.Time, record.MAC, record.CounterCode,
		record.Value, record.GameNumber, record.ItID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

// LastItID reads the most recent batch id so new batches continue the
// sequence across restarts.
func (r *transactionRepository) LastItID(ctx context.Context) (int64, error) {
	query := fmt.Sprintf("SELECT it_id FROM %s ORDER BY id DESC LIMIT 1", r.table)

	var itID int64
	err := r.store.Select(ctx, func(rows *sql.Rows) error {
		return rows.Scan(&itID)
	}, query)
	if err != nil {
		return 0, fmt.Errorf("failed to read last it_id: %w", err)
	}
	return itID, nil
}
