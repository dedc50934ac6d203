// internal/transport/serial.go
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"sas-collector/internal/config"
)

// serialPort is the subset of serial.Port the link drives
type serialPort interface {
	SetMode(mode *serial.Mode) error
	SetReadTimeout(t time.Duration) error
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	Drain() error
	Close() error
}

// SerialLink implements Transport on a SAS serial line. The machine is
// addressed with the wakeup bit raised on the address byte (mark parity
// on a 9-bit-style line), long polls carry a CRC-16 Kermit trailer.
type SerialLink struct {
	config *config.SerialConfig
	port   serialPort
	logger *zap.Logger

	wireMu    sync.Mutex
	taskMu    sync.Mutex
	listeners []Task
	oneShots  []Task

	startMu sync.Mutex
	started bool

	events chan *Response
	stop   chan struct{}
	done   chan struct{}
}

// NewSerialLink opens the configured serial port and returns the link.
// The poll loop does not run until Start is called.
func NewSerialLink(cfg *config.SerialConfig, logger *zap.Logger) (*SerialLink, error) {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		StopBits: serial.OneStopBit,
		Parity:   serial.SpaceParity,
	}

	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Port, err)
	}

	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	link := &SerialLink{
		config: cfg,
		port:   port,
		logger: logger.With(
			zap.String("transport", "serial"),
			zap.String("port", cfg.Port),
		),
		events: make(chan *Response, 64),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	link.logger.Info("Serial port opened",
		zap.Int("baud_rate", cfg.BaudRate),
		zap.Uint8("address", cfg.Address),
	)
	return link, nil
}

// Start runs the capture loop until ctx is cancelled or Close is
// called. Subsequent calls are no-ops.
func (sl *SerialLink) Start(ctx context.Context) {
	sl.startMu.Lock()
	if sl.started {
		sl.startMu.Unlock()
		return
	}
	sl.started = true
	sl.startMu.Unlock()

	go sl.pollLoop(ctx)
}

// SendAndWait writes one command frame and blocks for the answer
func (sl *SerialLink) SendAndWait(ctx context.Context, task Task) (*Response, error) {
	sl.wireMu.Lock()
	defer sl.wireMu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	commandByte, err := CommandByte(task.Command)
	if err != nil {
		return nil, err
	}

	frame := sl.buildFrame(commandByte, task)
	if err := sl.writeFrame(frame); err != nil {
		return nil, fmt.Errorf("write failed for command %s: %w", task.Command, err)
	}

	data, err := sl.readFrame(commandByte)
	if err != nil {
		return nil, fmt.Errorf("read failed for command %s: %w", task.Command, err)
	}

	return &Response{Command: NormalizeCommand(task.Command), Data: data}, nil
}

// AddListener installs a recurring poll
func (sl *SerialLink) AddListener(task Task) {
	sl.taskMu.Lock()
	defer sl.taskMu.Unlock()
	sl.listeners = append(sl.listeners, task)
	sl.logger.Info("Listener installed", zap.String("command", task.Command))
}

// AddOneTask queues a command for the next polling opportunity
func (sl *SerialLink) AddOneTask(task Task) {
	sl.taskMu.Lock()
	defer sl.taskMu.Unlock()
	sl.oneShots = append(sl.oneShots, task)
	sl.logger.Debug("One-shot task queued", zap.String("command", task.Command))
}

// Events returns the capture stream
func (sl *SerialLink) Events() <-chan *Response {
	return sl.events
}

// SerialNumber returns the configured machine serial number
func (sl *SerialLink) SerialNumber() string {
	return sl.config.SerialNumber
}

// Close stops the poll loop, if one is running, and releases the port
func (sl *SerialLink) Close() error {
	select {
	case <-sl.stop:
		return nil
	default:
		close(sl.stop)
	}

	sl.startMu.Lock()
	started := sl.started
	sl.startMu.Unlock()
	if started {
		<-sl.done
	}
	return sl.port.Close()
}

// pollLoop cycles one-shot tasks ahead of the listener rotation and
// pushes captured responses to the events channel.
func (sl *SerialLink) pollLoop(ctx context.Context) {
	defer close(sl.done)
	defer close(sl.events)

	ticker := time.NewTicker(sl.config.PollInterval)
	defer ticker.Stop()

	next := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-sl.stop:
			return
		case <-ticker.C:
		}

		task, ok := sl.nextTask(&next)
		if !ok {
			continue
		}

		resp, err := sl.SendAndWait(ctx, task)
		if err != nil {
			// Background listeners log and drop
			sl.logger.Warn("Poll failed",
				zap.String("command", task.Command),
				zap.Error(err),
			)
			continue
		}

		select {
		case sl.events <- resp:
		default:
			sl.logger.Warn("Event buffer full, dropping response",
				zap.String("command", resp.Command),
			)
		}
	}
}

// nextTask pops a queued one-shot or rotates through the listeners
func (sl *SerialLink) nextTask(next *int) (Task, bool) {
	sl.taskMu.Lock()
	defer sl.taskMu.Unlock()

	if len(sl.oneShots) > 0 {
		task := sl.oneShots[0]
		sl.oneShots = sl.oneShots[1:]
		return task, true
	}

	if len(sl.listeners) == 0 {
		return Task{}, false
	}

	task := sl.listeners[*next%len(sl.listeners)]
	*next++
	return task, true
}

// buildFrame assembles address + command + optional data (+ CRC for
// specific-address polls).
func (sl *SerialLink) buildFrame(commandByte byte, task Task) []byte {
	frame := []byte{sl.config.Address, commandByte}
	frame = append(frame, task.OptionalData...)
	if task.PollType == PollTypeSpecific {
		crc := CRC16Kermit(frame)
		frame = append(frame, byte(crc&0xFF), byte(crc>>8))
	}
	return frame
}

// writeFrame raises the wakeup bit on the address byte, then sends the
// remainder with normal framing.
func (sl *SerialLink) writeFrame(frame []byte) error {
	if sl.config.WakeupBit {
		if err := sl.writeWithParity(frame[:1], serial.MarkParity); err != nil {
			return err
		}
		return sl.writeWithParity(frame[1:], serial.SpaceParity)
	}

	n, err := sl.port.Write(frame)
	if err != nil {
		return err
	}
	if n != len(frame) {
		return fmt.Errorf("incomplete write: wrote %d of %d bytes", n, len(frame))
	}
	return nil
}

func (sl *SerialLink) writeWithParity(data []byte, parity serial.Parity) error {
	mode := &serial.Mode{
		BaudRate: sl.config.BaudRate,
		DataBits: 8,
		StopBits: serial.OneStopBit,
		Parity:   parity,
	}
	if err := sl.port.SetMode(mode); err != nil {
		return fmt.Errorf("failed to switch parity: %w", err)
	}

	n, err := sl.port.Write(data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("incomplete write: wrote %d of %d bytes", n, len(data))
	}

	// Let the UART drain before the parity flips back
	return sl.port.Drain()
}

// readFrame collects the machine's answer and strips address, command
// echo and CRC trailer.
func (sl *SerialLink) readFrame(commandByte byte) ([]byte, error) {
	var raw []byte
	buffer := make([]byte, 256)

	for {
		n, err := sl.port.Read(buffer)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			// Read timeout marks end of frame
			break
		}
		raw = append(raw, buffer[:n]...)
	}

	if len(raw) < 2 {
		return nil, fmt.Errorf("short response: %d bytes", len(raw))
	}
	if raw[0] != sl.config.Address {
		return nil, fmt.Errorf("response for address %02X, expected %02X", raw[0], sl.config.Address)
	}
	if raw[1] != commandByte {
		return nil, fmt.Errorf("response for command %02X, expected %02X", raw[1], commandByte)
	}

	body := raw[2:]
	if len(body) >= 2 {
		payload := body[:len(body)-2]
		wire := uint16(body[len(body)-2]) | uint16(body[len(body)-1])<<8
		if CRC16Kermit(raw[:len(raw)-2]) == wire {
			return payload, nil
		}
		// Some replies (ACK/NACK style) carry no CRC trailer
	}
	return body, nil
}

// CRC16Kermit computes the SAS frame checksum (poly 0x8408, reflected)
func CRC16Kermit(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0x8408
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
