// internal/model/transaction.go
package model

import (
	"time"
)

// TransactionRecord represents one persisted meter delta. One polled
// response may produce several records sharing the same ItID batch.
type TransactionRecord struct {
	Time        time.Time `json:"time"`
	MAC         string    `json:"mac"`
	CounterCode string    `json:"counter_code"`
	Value       int64     `json:"value"`
	GameNumber  string    `json:"game_number"`
	ItID        int64     `json:"it_id"`
}

// MeterDelta represents an incremental counter reading emitted by the
// meter-delta engine before it is stamped into a TransactionRecord.
type MeterDelta struct {
	Code  string `json:"code"`
	Value int64  `json:"value"`
}

// GamingMachine represents the collector host and its attached device
type GamingMachine struct {
	ID           int64     `json:"id"`
	Description  string    `json:"description"`
	PCName       string    `json:"pc_name"`
	SerialNumber string    `json:"serial_number"`
	MAC          string    `json:"mac"`
	Disabled     bool      `json:"disabled"`
	CreatedAt    time.Time `json:"created_at"`
}
