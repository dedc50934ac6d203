// internal/sas/status.go
package sas

import "sync"

// StatusTable maps the first byte of a transfer acknowledgement to a
// human-readable status. Not every SAS status code is enumerated; the
// table stays open for extension at runtime.
type StatusTable struct {
	mu      sync.RWMutex
	entries map[byte]string
}

// NewStatusTable returns a table preloaded with the known codes
func NewStatusTable() *StatusTable {
	return &StatusTable{
		entries: map[byte]string{
			0x00: "Full success",
			0x01: "Partial success",
			0x40: "Pending",
			0x80: "Cancelled",
			0x81: "Transfer amount exceeds limit",
			0x82: "Transfer amount not even multiple",
			0x83: "Unable to accept transfer amount",
			0x84: "Machine unable to perform transfer",
			0x87: "Gaming machine unable to accept transfer",
			0x93: "Asset mismatch",
			0xC0: "Transfer not compatible with current state",
		},
	}
}

// Register adds or replaces a status code description
func (t *StatusTable) Register(code byte, description string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[code] = description
}

// Lookup returns the description for a status code
func (t *StatusTable) Lookup(code byte) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if description, ok := t.entries[code]; ok {
		return description
	}
	return "Unknown"
}
