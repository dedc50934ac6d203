// internal/repository/interfaces.go
package repository

import (
	"context"

	"github.com/shopspring/decimal"

	"sas-collector/internal/model"
)

// TransactionRepository defines meter transaction persistence. Inserts
// are durable even while the database link is down.
type TransactionRepository interface {
	Insert(ctx context.Context, record *model.TransactionRecord) error

	// LastItID returns the highest persisted batch id, or zero when the
	// table is empty or the link is down.
	LastItID(ctx context.Context) (int64, error)
}

// MachineRepository defines gaming machine registration and site data
type MachineRepository interface {
	Find(ctx context.Context, pcName, serialNumber, mac string) (*model.GamingMachine, error)
	Register(ctx context.Context, machine *model.GamingMachine) error

	// ExchangeRate returns the site currency-to-credit rate
	ExchangeRate(ctx context.Context) (decimal.Decimal, error)
}
