// internal/dispatch/signature.go
package dispatch

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// DefaultSignatureSkew bounds how stale a signed message may be
const DefaultSignatureSkew = 60 * time.Second

// ErrUnauthorized is the single rejection for every authentication
// failure; stale and tampered messages are indistinguishable to the
// sender.
var errUnauthorized = fmt.Errorf("unauthorized")

// CanonicalJSON re-encodes a JSON document into its canonical form:
// object keys sorted, no extraneous whitespace, numbers kept verbatim.
func CanonicalJSON(raw json.RawMessage) ([]byte, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var value interface{}
	if err := decoder.Decode(&value); err != nil {
		return nil, fmt.Errorf("invalid payload JSON: %w", err)
	}

	// encoding/json writes map keys in sorted order without whitespace
	canonical, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize payload: %w", err)
	}
	return canonical, nil
}

// Sign computes the hex HMAC-SHA256 over timestamp || canonical payload
func Sign(key []byte, timestamp string, canonicalPayload []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(timestamp))
	mac.Write(canonicalPayload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify authenticates a message envelope. It rejects timestamps
// outside the skew window before any signature work, then compares the
// recomputed signature in constant time. Every failure collapses into
// the same unauthorized error.
func Verify(key []byte, timestamp string, payload json.RawMessage, signature string, skew time.Duration, now time.Time) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return errUnauthorized
	}

	drift := now.Unix() - ts
	if drift < 0 {
		drift = -drift
	}
	if time.Duration(drift)*time.Second > skew {
		return errUnauthorized
	}

	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return errUnauthorized
	}

	expected := Sign(key, timestamp, canonical)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return errUnauthorized
	}
	return nil
}
