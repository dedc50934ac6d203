// internal/sas/aft.go
package sas

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sas-collector/internal/transport"
)

// TransferCommand is the AFT long-poll command code
const TransferCommand = "72"

// TransferType identifies the AFT transfer class
type TransferType byte

const (
	TransferEGM          TransferType = 0x00 // in-house to gaming machine
	TransferBonusCoin    TransferType = 0x10 // bonus coin out
	TransferBonusJackpot TransferType = 0x11 // bonus jackpot
	TransferTicket       TransferType = 0x20 // in-house to ticket
	TransferDebitEGM     TransferType = 0x40 // debit to EGM
	TransferDebitTicket  TransferType = 0x60 // debit to ticket
	TransferHost         TransferType = 0x80 // transfer to host
	TransferWinHost      TransferType = 0x90 // win amount to host
)

var transferTypesByName = map[string]TransferType{
	"EGM":           TransferEGM,
	"TICKET":        TransferTicket,
	"BONUS_COIN":    TransferBonusCoin,
	"BONUS_JACKPOT": TransferBonusJackpot,
	"DEBIT_EGM":     TransferDebitEGM,
	"DEBIT_TICKET":  TransferDebitTicket,
	"HOST":          TransferHost,
	"WIN_HOST":      TransferWinHost,
}

// ParseTransferType resolves a symbolic transfer type name
func ParseTransferType(name string) (TransferType, error) {
	transferType, ok := transferTypesByName[name]
	if !ok {
		return 0, fmt.Errorf("unknown transfer type %q", name)
	}
	return transferType, nil
}

// IsDebit reports whether the transfer type needs point-of-sale identity
func (t TransferType) IsDebit() bool {
	return t == TransferDebitEGM || t == TransferDebitTicket
}

const (
	flagReceiptRequest   = 0x80
	flagCustomTicketData = 0x20

	registrationKeyLen  = 20
	maxTransactionIDLen = 20
)

// TransferRequest describes one credit transfer before encoding.
// Amounts are in cents.
type TransferRequest struct {
	TransferType     TransferType
	PartialAllowed   bool
	Cashable         int64
	Restricted       int64
	Nonrestricted    int64
	AssetNumber      uint32
	ReceiptRequest   bool
	CustomTicketData bool
	RegistrationKey  []byte // 20 bytes, zero-filled for non-debit
	TransactionID    string // generated when empty
	Expiration       *time.Time
	PoolID           uint16
	POSID            uint32
	LockTimeout      time.Duration
	ReceiptData      []byte // reserved, empty in current scope
}

// Validate rejects a malformed request before any I/O
func (r *TransferRequest) Validate() error {
	if r.Cashable < 0 || r.Restricted < 0 || r.Nonrestricted < 0 {
		return fmt.Errorf("amounts must not be negative")
	}
	if r.Cashable+r.Restricted+r.Nonrestricted == 0 {
		return fmt.Errorf("at least one amount must be non-zero")
	}
	if r.Cashable > MaxBCDAmount || r.Restricted > MaxBCDAmount || r.Nonrestricted > MaxBCDAmount {
		return fmt.Errorf("amount out of range")
	}
	if r.TransferType.IsDebit() && r.POSID == 0 {
		return fmt.Errorf("debit transfers require POS ID")
	}
	if len(r.TransactionID) > maxTransactionIDLen {
		return fmt.Errorf("transaction ID max %d characters", maxTransactionIDLen)
	}
	if len(r.RegistrationKey) != 0 && len(r.RegistrationKey) != registrationKeyLen {
		return fmt.Errorf("registration key must be %d bytes", registrationKeyLen)
	}
	return nil
}

// Encode assembles the optional-data payload of the transfer long poll.
// Field order and widths follow SAS Table 8.3.
func (r *TransferRequest) Encode(now time.Time) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	payload := make([]byte, 0, 64)

	// Transfer code: 00=full only, 01=partial allowed
	if r.PartialAllowed {
		payload = append(payload, 0x01)
	} else {
		payload = append(payload, 0x00)
	}

	// Transaction index, always a new transaction
	payload = append(payload, 0x00)

	payload = append(payload, byte(r.TransferType))

	for _, amount := range []int64{r.Cashable, r.Restricted, r.Nonrestricted} {
		encoded, err := AmountToBCD(amount)
		if err != nil {
			return nil, err
		}
		payload = append(payload, encoded...)
	}

	var flags byte
	if r.ReceiptRequest {
		flags |= flagReceiptRequest
	}
	if r.CustomTicketData {
		flags |= flagCustomTicketData
	}
	payload = append(payload, flags)

	payload = binary.BigEndian.AppendUint32(payload, r.AssetNumber)

	key := r.RegistrationKey
	if len(key) == 0 {
		key = make([]byte, registrationKeyLen)
	}
	payload = append(payload, key...)

	transactionID := r.TransactionID
	if transactionID == "" {
		transactionID = GenerateTransactionID(now)
	}
	payload = append(payload, byte(len(transactionID)))
	payload = append(payload, []byte(transactionID)...)

	payload = append(payload, encodeExpiration(r.Expiration)...)

	payload = binary.BigEndian.AppendUint16(payload, r.PoolID)

	// Receipt data block position is reserved for protocol compatibility
	payload = append(payload, r.ReceiptData...)

	payload = append(payload, encodeLockTimeout(r.LockTimeout)...)

	return payload, nil
}

// GenerateTransactionID builds the default timestamped transaction id
func GenerateTransactionID(now time.Time) string {
	return "TX" + now.Format("20060102150405")
}

// encodeExpiration packs a date as (month, day, century, year-in-century),
// or all zeros when unspecified.
func encodeExpiration(expiration *time.Time) []byte {
	if expiration == nil {
		return []byte{0x00, 0x00, 0x00, 0x00}
	}
	return []byte{
		byte(expiration.Month()),
		byte(expiration.Day()),
		byte(expiration.Year() / 100),
		byte(expiration.Year() % 100),
	}
}

// encodeLockTimeout packs a timeout as hundredths of a second split into
// two decimal digit pairs.
func encodeLockTimeout(timeout time.Duration) []byte {
	hundredths := timeout.Milliseconds() / 10
	return []byte{
		byte((hundredths / 100) % 100),
		byte(hundredths % 100),
	}
}

// TransferResult is the decoded outcome of a transfer attempt. Failed
// attempts carry Status "error" and a message instead of amounts.
type TransferResult struct {
	Status        string `json:"status"`
	Message       string `json:"message,omitempty"`
	Cashable      int64  `json:"cashable"`
	Restricted    int64  `json:"restricted"`
	Nonrestricted int64  `json:"nonrestricted"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// ErrorResult wraps a failure into the structured result shape
func ErrorResult(err error) *TransferResult {
	return &TransferResult{Status: "error", Message: err.Error()}
}

const minTransferResponseLen = 34

// DecodeTransferResponse interprets the machine's acknowledgement
func DecodeTransferResponse(data []byte, statuses *StatusTable) (*TransferResult, error) {
	if len(data) < minTransferResponseLen {
		return nil, fmt.Errorf("transfer response too short: %d bytes", len(data))
	}

	cashable, err := BCDToAmount(data[2:7])
	if err != nil {
		return nil, fmt.Errorf("cashable amount: %w", err)
	}
	restricted, err := BCDToAmount(data[7:12])
	if err != nil {
		return nil, fmt.Errorf("restricted amount: %w", err)
	}
	nonrestricted, err := BCDToAmount(data[12:17])
	if err != nil {
		return nil, fmt.Errorf("nonrestricted amount: %w", err)
	}

	return &TransferResult{
		Status:        statuses.Lookup(data[0]),
		Cashable:      cashable,
		Restricted:    restricted,
		Nonrestricted: nonrestricted,
		TransactionID: string(data[23 : len(data)-10]),
	}, nil
}

// Sender builds transfer commands, sends them through the transport and
// interprets the acknowledgement. Transfer failures never propagate as
// errors past SendCredits; the collector must stay up.
type Sender struct {
	transport transport.Transport
	statuses  *StatusTable
	logger    *zap.Logger
	now       func() time.Time
}

// NewSender creates a credit transfer sender
func NewSender(t transport.Transport, logger *zap.Logger) *Sender {
	return &Sender{
		transport: t,
		statuses:  NewStatusTable(),
		logger:    logger.With(zap.String("component", "aft")),
		now:       time.Now,
	}
}

// StatusTable exposes the table so deployments can register site codes
func (s *Sender) StatusTable() *StatusTable {
	return s.statuses
}

// SendCredits validates, encodes, sends and decodes one transfer
func (s *Sender) SendCredits(ctx context.Context, request *TransferRequest) *TransferResult {
	payload, err := request.Encode(s.now())
	if err != nil {
		s.logger.Error("Credit transfer rejected", zap.Error(err))
		return ErrorResult(err)
	}

	response, err := s.transport.SendAndWait(ctx, transport.Task{
		Command:      TransferCommand,
		PollType:     transport.PollTypeSpecific,
		OptionalData: payload,
	})
	if err != nil {
		s.logger.Error("Credit transfer failed", zap.Error(err))
		return ErrorResult(err)
	}
	if !response.OK() {
		s.logger.Error("Credit transfer failed", zap.Error(response.Err))
		return ErrorResult(response.Err)
	}

	result, err := DecodeTransferResponse(response.Data, s.statuses)
	if err != nil {
		s.logger.Error("Credit transfer response malformed", zap.Error(err))
		return ErrorResult(err)
	}

	s.logger.Info("Credit transfer completed",
		zap.String("status", result.Status),
		zap.String("transaction_id", result.TransactionID),
		zap.Int64("cashable", result.Cashable),
		zap.Int64("restricted", result.Restricted),
		zap.Int64("nonrestricted", result.Nonrestricted),
	)
	return result
}
