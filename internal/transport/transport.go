// internal/transport/transport.go
package transport

import (
	"context"
	"fmt"
	"strings"
)

// PollType represents the SAS addressing mode of a request
type PollType string

const (
	// PollTypeSpecific addresses one machine and carries a CRC
	PollTypeSpecific PollType = "S"
	// PollTypeGeneral is a broadcast-style poll without optional data
	PollTypeGeneral PollType = "G"
)

// Task describes one command sent down the line, either as a recurring
// listener or as a one-shot request.
type Task struct {
	Command      string   `json:"command"`
	PollType     PollType `json:"poll_type"`
	OptionalData []byte   `json:"optional_data,omitempty"`
}

// Response is one transport-decoded unit captured from the line.
// It is immutable once produced.
type Response struct {
	Command string `json:"command"`
	Data    []byte `json:"data"`
	Err     error  `json:"-"`
}

// OK reports whether the response was captured without a transport error
func (r *Response) OK() bool {
	return r != nil && r.Err == nil
}

// Transport is the contract the collector consumes. The physical line
// details (framing, CRC, wakeup handshake) stay behind it.
type Transport interface {
	// SendAndWait writes a single command and blocks until the machine
	// answers or the line times out. Safe to call from any goroutine;
	// at most one command is in flight at a time.
	SendAndWait(ctx context.Context, task Task) (*Response, error)

	// AddListener installs a recurring poll; every captured occurrence
	// is delivered on Events.
	AddListener(task Task)

	// AddOneTask queues a command for the next polling opportunity.
	AddOneTask(task Task)

	// Events returns the capture stream. It is closed only when the
	// transport shuts down.
	Events() <-chan *Response

	// SerialNumber returns the attached machine's serial number.
	SerialNumber() string

	Close() error
}

// NormalizeCommand upper-cases a hex command code so registry lookups
// and wire encoding agree on one spelling.
func NormalizeCommand(command string) string {
	return strings.ToUpper(strings.TrimSpace(command))
}

// CommandByte parses a two-digit hex command code into its wire byte
func CommandByte(command string) (byte, error) {
	normalized := NormalizeCommand(command)
	if len(normalized) != 2 {
		return 0, fmt.Errorf("invalid command code %q", command)
	}
	var value byte
	if _, err := fmt.Sscanf(normalized, "%02X", &value); err != nil {
		return 0, fmt.Errorf("invalid command code %q: %w", command, err)
	}
	return value, nil
}
