// internal/collector/meter.go
package collector

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"sas-collector/internal/model"
	"sas-collector/internal/transport"
)

// DeltaSink receives the deltas a meter handler emits, together with
// the batch id and game number of the poll that produced them.
type DeltaSink func(delta model.MeterDelta, gameNumber string, itID int64)

// MeterHandler turns a polled multi-counter response into per-counter
// incremental deltas, carrying the previous readings across polls.
type MeterHandler struct {
	mu sync.Mutex

	// counter ids tracked, in a fixed emission order
	informationCodes []string
	// value elements following each counter id in the payload
	lengthToRead map[string]int
	// last-seen accumulated value per counter
	oldData map[string]string

	itID       int64
	gameNumber string

	sink   DeltaSink
	logger *zap.Logger
}

// NewMeterHandler creates a handler for one polled meter command.
// lastItID continues the batch sequence from a prior run; oldData may
// carry explicit prior baselines and defaults to zero otherwise.
func NewMeterHandler(lengthToRead map[string]int, oldData map[string]string, lastItID int64, sink DeltaSink, logger *zap.Logger) *MeterHandler {
	codes := make([]string, 0, len(lengthToRead))
	for code := range lengthToRead {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	baseline := make(map[string]string, len(codes))
	for _, code := range codes {
		baseline[code] = "0"
	}
	for code, value := range oldData {
		baseline[code] = value
	}

	return &MeterHandler{
		informationCodes: codes,
		lengthToRead:     lengthToRead,
		oldData:          baseline,
		itID:             lastItID,
		sink:             sink,
		logger:           logger.With(zap.String("component", "meter")),
	}
}

// Process computes and emits the deltas for one response
func (h *MeterHandler) Process(resp *transport.Response) {
	deltas, gameNumber, itID := h.deltas(resp)
	for _, delta := range deltas {
		h.sink(delta, gameNumber, itID)
	}
}

// Seed runs one delta pass discarding the emissions, leaving only the
// baseline snapshot behind. Used before live polling starts so the
// first poll does not report the machine's full lifetime counters.
func (h *MeterHandler) Seed(resp *transport.Response) {
	h.deltas(resp)
}

// ItID returns the current batch id
func (h *MeterHandler) ItID() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.itID
}

// Baseline returns a copy of the remembered counter values
func (h *MeterHandler) Baseline() map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()

	snapshot := make(map[string]string, len(h.oldData))
	for code, value := range h.oldData {
		snapshot[code] = value
	}
	return snapshot
}

// deltas advances the batch id, splits off the game-number prefix and
// emits (counter, delta) for every tracked counter whose reading moved.
// A zero reading is "no reading": it is never emitted and never touches
// the baseline, so a transient zero cannot reset it. The batch id and
// game number are captured under the lock so concurrent polls cannot
// stamp each other's batches.
func (h *MeterHandler) deltas(resp *transport.Response) ([]model.MeterDelta, string, int64) {
	if !resp.OK() {
		h.logger.Warn("Skipping failed response", zap.Error(resp.Err))
		return nil, "", 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.itID++

	if len(resp.Data) < 2 {
		h.logger.Warn("Response too short for game number prefix",
			zap.Int("length", len(resp.Data)),
		)
		return nil, h.gameNumber, h.itID
	}

	h.gameNumber = fmt.Sprintf("%02X%02X", resp.Data[0], resp.Data[1])
	readings := h.parseMeters(resp.Data[2:])

	var emitted []model.MeterDelta
	for _, code := range h.informationCodes {
		newValue, ok := readings[code]
		if !ok || newValue == h.oldData[code] || isZeroReading(newValue) {
			continue
		}

		newInt, err := strconv.ParseInt(newValue, 10, 64)
		if err != nil {
			h.logger.Warn("Unparseable meter value",
				zap.String("code", code),
				zap.String("value", newValue),
			)
			continue
		}
		oldInt, err := strconv.ParseInt(h.oldData[code], 10, 64)
		if err != nil {
			oldInt = 0
		}

		// Negative deltas (counter rollback) pass through unclamped
		emitted = append(emitted, model.MeterDelta{Code: code, Value: newInt - oldInt})
		h.oldData[code] = newValue
	}
	return emitted, h.gameNumber, h.itID
}

// parseMeters walks the flat payload: each counter id byte is followed
// by its fixed number of value bytes, concatenated into one numeric
// string. Parsing stops at the end of the payload or at an id that is
// not configured.
func (h *MeterHandler) parseMeters(raw []byte) map[string]string {
	readings := make(map[string]string)

	i := 0
	for i < len(raw) {
		code := fmt.Sprintf("%02X", raw[i])
		i++

		length, ok := h.lengthToRead[code]
		if !ok || i+length > len(raw) {
			break
		}

		value := ""
		for _, b := range raw[i : i+length] {
			value += fmt.Sprintf("%02X", b)
		}
		readings[code] = value
		i += length
	}
	return readings
}

// isZeroReading reports whether a value string is the zero reading
func isZeroReading(value string) bool {
	parsed, err := strconv.ParseInt(value, 10, 64)
	return err == nil && parsed == 0
}
