package dispatch

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("test-api-key")

func signedAt(t *testing.T, payload string, at time.Time) (timestamp string, signature string) {
	t.Helper()

	timestamp = fmt.Sprintf("%d", at.Unix())
	canonical, err := CanonicalJSON(json.RawMessage(payload))
	require.NoError(t, err)
	return timestamp, Sign(testKey, timestamp, canonical)
}

func TestCanonicalJSON_KeyOrderIndependent(t *testing.T) {
	a, err := CanonicalJSON(json.RawMessage(`{"b": 2, "a": 1}`))
	require.NoError(t, err)
	b, err := CanonicalJSON(json.RawMessage(`{"a":1,"b":2}`))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, `{"a":1,"b":2}`, string(a))
}

func TestCanonicalJSON_NumbersKeptVerbatim(t *testing.T) {
	canonical, err := CanonicalJSON(json.RawMessage(`{"value": 10.50}`))
	require.NoError(t, err)
	assert.Equal(t, `{"value":10.50}`, string(canonical))
}

func TestVerify_Valid(t *testing.T) {
	now := time.Unix(1756000000, 0)
	payload := `{"action":"jackpot","data":{"value":10.5}}`
	timestamp, signature := signedAt(t, payload, now)

	err := Verify(testKey, timestamp, json.RawMessage(payload), signature, DefaultSignatureSkew, now)
	assert.NoError(t, err)
}

func TestVerify_ReorderedKeysStillVerify(t *testing.T) {
	now := time.Unix(1756000000, 0)
	timestamp, signature := signedAt(t, `{"action":"jackpot","data":{"value":5}}`, now)

	reordered := json.RawMessage(`{"data": {"value": 5}, "action": "jackpot"}`)
	err := Verify(testKey, timestamp, reordered, signature, DefaultSignatureSkew, now)
	assert.NoError(t, err)
}

func TestVerify_StaleTimestampRejected(t *testing.T) {
	now := time.Unix(1756000000, 0)
	payload := `{"action":"jackpot"}`
	timestamp, signature := signedAt(t, payload, now.Add(-61*time.Second))

	err := Verify(testKey, timestamp, json.RawMessage(payload), signature, DefaultSignatureSkew, now)
	assert.Error(t, err)
}

func TestVerify_EdgeOfSkewAccepted(t *testing.T) {
	now := time.Unix(1756000000, 0)
	payload := `{"action":"jackpot"}`
	timestamp, signature := signedAt(t, payload, now.Add(-60*time.Second))

	err := Verify(testKey, timestamp, json.RawMessage(payload), signature, DefaultSignatureSkew, now)
	assert.NoError(t, err)
}

func TestVerify_FutureTimestampRejected(t *testing.T) {
	now := time.Unix(1756000000, 0)
	payload := `{"action":"jackpot"}`
	timestamp, signature := signedAt(t, payload, now.Add(90*time.Second))

	err := Verify(testKey, timestamp, json.RawMessage(payload), signature, DefaultSignatureSkew, now)
	assert.Error(t, err)
}

func TestVerify_TamperedPayloadRejected(t *testing.T) {
	now := time.Unix(1756000000, 0)
	timestamp, signature := signedAt(t, `{"action":"jackpot","data":{"value":5}}`, now)

	tampered := json.RawMessage(`{"action":"jackpot","data":{"value":5000}}`)
	err := Verify(testKey, timestamp, tampered, signature, DefaultSignatureSkew, now)
	assert.Error(t, err)
}

func TestVerify_WrongKeyRejected(t *testing.T) {
	now := time.Unix(1756000000, 0)
	payload := `{"action":"jackpot"}`
	timestamp, signature := signedAt(t, payload, now)

	err := Verify([]byte("other-key"), timestamp, json.RawMessage(payload), signature, DefaultSignatureSkew, now)
	assert.Error(t, err)
}

func TestVerify_MalformedTimestampRejected(t *testing.T) {
	err := Verify(testKey, "not-a-number", json.RawMessage(`{}`), "sig", DefaultSignatureSkew, time.Now())
	assert.Error(t, err)
}
