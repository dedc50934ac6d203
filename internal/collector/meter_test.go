package collector

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sas-collector/internal/model"
	"sas-collector/internal/transport"
)

type capturedDelta struct {
	delta      model.MeterDelta
	gameNumber string
	itID       int64
}

// newCapturingHandler wires a meter handler to an in-memory sink
func newCapturingHandler(lengthToRead map[string]int, lastItID int64) (*MeterHandler, *[]capturedDelta) {
	captured := &[]capturedDelta{}
	sink := func(delta model.MeterDelta, gameNumber string, itID int64) {
		*captured = append(*captured, capturedDelta{delta: delta, gameNumber: gameNumber, itID: itID})
	}
	return NewMeterHandler(lengthToRead, nil, lastItID, sink, zap.NewNop()), captured
}

// meterResponse builds a polled response: two game-number bytes followed
// by id/value element pairs.
func meterResponse(gameNumber []byte, elements ...byte) *transport.Response {
	return &transport.Response{
		Command: "2F",
		Data:    append(append([]byte{}, gameNumber...), elements...),
	}
}

func TestMeterHandler_FirstReadingEmitsFullValue(t *testing.T) {
	handler, captured := newCapturingHandler(map[string]int{"10": 2}, 0)

	handler.Process(meterResponse([]byte{0x00, 0x01}, 0x10, 0x00, 0x12))

	require.Len(t, *captured, 1)
	got := (*captured)[0]
	assert.Equal(t, "10", got.delta.Code)
	assert.Equal(t, int64(12), got.delta.Value)
	assert.Equal(t, "0001", got.gameNumber)
	assert.Equal(t, int64(1), got.itID)
}

func TestMeterHandler_UnchangedReadingEmitsNothing(t *testing.T) {
	handler, captured := newCapturingHandler(map[string]int{"10": 2}, 0)

	resp := meterResponse([]byte{0x00, 0x01}, 0x10, 0x00, 0x12)
	handler.Process(resp)
	handler.Process(resp)

	assert.Len(t, *captured, 1, "identical reading must not re-emit")
	assert.Equal(t, int64(2), handler.ItID(), "batch id advances per response regardless")
}

func TestMeterHandler_DeltaBetweenReadings(t *testing.T) {
	handler, captured := newCapturingHandler(map[string]int{"10": 2}, 0)

	handler.Process(meterResponse([]byte{0x00, 0x01}, 0x10, 0x00, 0x12))
	handler.Process(meterResponse([]byte{0x00, 0x01}, 0x10, 0x00, 0x20))

	require.Len(t, *captured, 2)
	assert.Equal(t, int64(12), (*captured)[0].delta.Value)
	assert.Equal(t, int64(8), (*captured)[1].delta.Value, "20 - 12")
}

func TestMeterHandler_ZeroReadingNeverEmitsOrResets(t *testing.T) {
	handler, captured := newCapturingHandler(map[string]int{"10": 2}, 0)

	handler.Process(meterResponse([]byte{0x00, 0x01}, 0x10, 0x00, 0x12))
	handler.Process(meterResponse([]byte{0x00, 0x01}, 0x10, 0x00, 0x00))
	handler.Process(meterResponse([]byte{0x00, 0x01}, 0x10, 0x00, 0x15))

	require.Len(t, *captured, 2)
	assert.Equal(t, int64(12), (*captured)[0].delta.Value)
	assert.Equal(t, int64(3), (*captured)[1].delta.Value,
		"delta after a zero reading is against the pre-zero baseline")
	assert.Equal(t, "0012", handler.Baseline()["10"])
}

func TestMeterHandler_NegativeDeltaPassesThrough(t *testing.T) {
	handler, captured := newCapturingHandler(map[string]int{"10": 2}, 0)

	handler.Process(meterResponse([]byte{0x00, 0x01}, 0x10, 0x00, 0x20))
	handler.Process(meterResponse([]byte{0x00, 0x01}, 0x10, 0x00, 0x12))

	require.Len(t, *captured, 2)
	assert.Equal(t, int64(-8), (*captured)[1].delta.Value)
}

func TestMeterHandler_MultipleCountersEmitInCodeOrder(t *testing.T) {
	handler, captured := newCapturingHandler(map[string]int{"10": 2, "0C": 2}, 0)

	handler.Process(meterResponse([]byte{0x00, 0x01},
		0x10, 0x00, 0x12,
		0x0C, 0x00, 0x07,
	))

	require.Len(t, *captured, 2)
	assert.Equal(t, "0C", (*captured)[0].delta.Code)
	assert.Equal(t, int64(7), (*captured)[0].delta.Value)
	assert.Equal(t, "10", (*captured)[1].delta.Code)
	assert.Equal(t, int64(12), (*captured)[1].delta.Value)
}

func TestMeterHandler_SeedDiscardsEmissions(t *testing.T) {
	handler, captured := newCapturingHandler(map[string]int{"10": 2}, 5)

	handler.Seed(meterResponse([]byte{0x00, 0x01}, 0x10, 0x00, 0x12))

	assert.Empty(t, *captured, "seeding must not report lifetime counters")
	assert.Equal(t, "0012", handler.Baseline()["10"])
	assert.Equal(t, int64(6), handler.ItID())

	// the next live poll reports only what moved since the seed
	handler.Process(meterResponse([]byte{0x00, 0x01}, 0x10, 0x00, 0x15))
	require.Len(t, *captured, 1)
	assert.Equal(t, int64(3), (*captured)[0].delta.Value)
	assert.Equal(t, int64(7), (*captured)[0].itID)
}

func TestMeterHandler_ContinuesBatchSequence(t *testing.T) {
	handler, captured := newCapturingHandler(map[string]int{"10": 2}, 41)

	handler.Process(meterResponse([]byte{0x00, 0x01}, 0x10, 0x00, 0x12))

	require.Len(t, *captured, 1)
	assert.Equal(t, int64(42), (*captured)[0].itID)
}

func TestMeterHandler_FailedResponseSkipped(t *testing.T) {
	handler, captured := newCapturingHandler(map[string]int{"10": 2}, 0)

	handler.Process(&transport.Response{Command: "2F", Err: assert.AnError})

	assert.Empty(t, *captured)
	assert.Equal(t, int64(0), handler.ItID(), "failed response is not a batch")
}

func TestMeterHandler_UnknownCounterStopsParsing(t *testing.T) {
	handler, captured := newCapturingHandler(map[string]int{"10": 2}, 0)

	handler.Process(meterResponse([]byte{0x00, 0x01},
		0xFF, 0x00, 0x09,
		0x10, 0x00, 0x12,
	))

	assert.Empty(t, *captured, "parsing stops at the first unconfigured id")
}

func TestMeterHandler_ConcurrentPollsKeepTheirOwnBatch(t *testing.T) {
	var mu sync.Mutex
	var captured []capturedDelta
	sink := func(delta model.MeterDelta, gameNumber string, itID int64) {
		mu.Lock()
		defer mu.Unlock()
		captured = append(captured, capturedDelta{delta: delta, gameNumber: gameNumber, itID: itID})
	}
	handler := NewMeterHandler(map[string]int{"10": 2, "20": 2}, nil, 0, sink, zap.NewNop())

	// each poller reads its own counter under its own game number; every
	// emission must carry the game number of the response that produced it
	poll := func(code byte, game byte) {
		for i := 1; i <= 50; i++ {
			handler.Process(meterResponse([]byte{0x00, game}, code, byte(i/10), byte(i%10)))
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		poll(0x10, 0x01)
	}()
	go func() {
		defer wg.Done()
		poll(0x20, 0x02)
	}()
	wg.Wait()

	require.Len(t, captured, 100)
	for _, got := range captured {
		switch got.delta.Code {
		case "10":
			assert.Equal(t, "0001", got.gameNumber)
		case "20":
			assert.Equal(t, "0002", got.gameNumber)
		default:
			t.Fatalf("unexpected counter %s", got.delta.Code)
		}
		assert.Positive(t, got.itID)
	}
}

func TestMeterHandler_ExplicitBaseline(t *testing.T) {
	captured := []capturedDelta{}
	sink := func(delta model.MeterDelta, gameNumber string, itID int64) {
		captured = append(captured, capturedDelta{delta: delta, gameNumber: gameNumber, itID: itID})
	}
	handler := NewMeterHandler(map[string]int{"10": 2}, map[string]string{"10": "0010"}, 0, sink, zap.NewNop())

	handler.Process(meterResponse([]byte{0x00, 0x01}, 0x10, 0x00, 0x12))

	require.Len(t, captured, 1)
	assert.Equal(t, int64(2), captured[0].delta.Value, "12 against the carried baseline of 10")
}
