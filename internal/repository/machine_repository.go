// internal/repository/machine_repository.go
package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"sas-collector/internal/database"
	"sas-collector/internal/model"
)

// machineRepository implements MachineRepository
type machineRepository struct {
	store  *database.Store
	logger *zap.Logger
}

// NewMachineRepository creates a new machine repository
func NewMachineRepository(store *database.Store, logger *zap.Logger) MachineRepository {
	return &machineRepository{
		store:  store,
		logger: logger,
	}
}

// Find looks up the machine row for this host. Returns nil when the row
// is absent; note a lost database link also reads as absent.
func (r *machineRepository) Find(ctx context.Context, pcName, serialNumber, mac string) (*model.GamingMachine, error) {
	query := `
		SELECT id, description, pc_name, serial_number, mac, disable
		FROM gaming_machines
		WHERE pc_name = $1 AND serial_number = $2 AND mac = $3
	`

	var machine *model.GamingMachine
	err := r.store.Select(ctx, func(rows *sql.Rows) error {
		found := &model.GamingMachine{}
		if err := rows.Scan(
			&found.ID, &found.Description, &found.PCName,
			&found.SerialNumber, &found.MAC, &found.Disabled,
		); err != nil {
			return err
		}
		machine = found
		return nil
	}, query, pcName, serialNumber, mac)
	if err != nil {
		return nil, fmt.Errorf("failed to find gaming machine: %w", err)
	}
	return machine, nil
}

// Register inserts the machine row, durably
func (r *machineRepository) Register(ctx context.Context, machine *model.GamingMachine) error {
	query := `
		INSERT INTO gaming_machines (description, pc_name, serial_number, mac, disable)
		VALUES ($1, $2, $3, $4, $5)
	`

	err := r.store.Exec(ctx, query,
		machine.Description, machine.PCName,
		machine.SerialNumber, machine.MAC, machine.Disabled,
	)
	if err != nil {
		return fmt.Errorf("failed to register gaming machine: %w", err)
	}

	r.logger.Info("Gaming machine registered",
		zap.String("pc_name", machine.PCName),
		zap.String("serial_number", machine.SerialNumber),
		zap.String("mac", machine.MAC),
	)
	return nil
}

// ExchangeRate reads the site conversion rate. A lost link returns an
// error rather than a silent zero rate.
func (r *machineRepository) ExchangeRate(ctx context.Context) (decimal.Decimal, error) {
	if !r.store.Connected() {
		return decimal.Zero, fmt.Errorf("database link down, exchange rate unavailable")
	}

	query := `SELECT exchange_currency FROM exchange_rate ORDER BY id DESC LIMIT 1`

	var rate decimal.Decimal
	found := false
	err := r.store.Select(ctx, func(rows *sql.Rows) error {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return err
		}
		parsed, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("invalid exchange rate %q: %w", raw, err)
		}
		rate = parsed
		found = true
		return nil
	}, query)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read exchange rate: %w", err)
	}
	if !found {
		return decimal.Zero, fmt.Errorf("no exchange rate configured")
	}
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("exchange rate %s must be positive", rate)
	}
	return rate, nil
}
