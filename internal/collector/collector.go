// internal/collector/collector.go
package collector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"sas-collector/internal/config"
	"sas-collector/internal/database"
	"sas-collector/internal/model"
	"sas-collector/internal/repository"
	"sas-collector/internal/sas"
	"sas-collector/internal/transport"
)

// meterCommand is the multi-counter selected-meters long poll
const meterCommand = "2F"

// Collector drives one gaming machine: it installs the configured
// listeners, captures the transport event stream, persists meter deltas
// and serializes credit transfer requests onto the line.
type Collector struct {
	cfg          *config.Config
	transport    transport.Transport
	registry     *Registry
	transactions repository.TransactionRepository
	machines     repository.MachineRepository
	sender       *sas.Sender
	logger       *zap.Logger

	mac    string
	pcName string

	// credit transfer requests cross from other goroutines here; the
	// run loop executes them so at most one command is in flight
	requests chan func()

	meters map[string]*MeterHandler
}

// New creates a collector bound to one machine. An unreadable machine
// identity file is fatal; everything downstream keys records on it.
func New(
	cfg *config.Config,
	t transport.Transport,
	transactions repository.TransactionRepository,
	machines repository.MachineRepository,
	sender *sas.Sender,
	logger *zap.Logger,
) (*Collector, error) {
	mac, err := readMachineID(cfg.App.MachineIDFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read machine identity: %w", err)
	}

	pcName, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("failed to read hostname: %w", err)
	}

	return &Collector{
		cfg:          cfg,
		transport:    t,
		registry:     NewRegistry(logger),
		transactions: transactions,
		machines:     machines,
		sender:       sender,
		logger:       logger.With(zap.String("component", "collector")),
		mac:          mac,
		pcName:       pcName,
		requests:     make(chan func(), 16),
		meters:       make(map[string]*MeterHandler),
	}, nil
}

// readMachineID returns the host's stable unique id
func readMachineID(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(content)), nil
}

// Setup registers the machine, installs listeners with seeded meter
// baselines and queues the startup one-shot tasks.
func (c *Collector) Setup(ctx context.Context) error {
	if err := c.ensureMachineRegistered(ctx); err != nil {
		return err
	}
	if err := c.installListeners(ctx); err != nil {
		return err
	}
	c.queueOneShots()
	return nil
}

// ensureMachineRegistered inserts the machine row when this host has
// not been seen before.
func (c *Collector) ensureMachineRegistered(ctx context.Context) error {
	serialNumber := c.transport.SerialNumber()

	machine, err := c.machines.Find(ctx, c.pcName, serialNumber, c.mac)
	if err != nil {
		return err
	}
	if machine != nil {
		c.logger.Info("Gaming machine already registered",
			zap.Int64("id", machine.ID),
			zap.String("serial_number", serialNumber),
		)
		return nil
	}

	return c.machines.Register(ctx, &model.GamingMachine{
		Description:  "nothing",
		PCName:       c.pcName,
		SerialNumber: serialNumber,
		MAC:          c.mac,
	})
}

// installListeners builds the handler per configured listener task and
// installs the recurring transport poll.
func (c *Collector) installListeners(ctx context.Context) error {
	for _, task := range c.cfg.Collector.Listeners {
		command := transport.NormalizeCommand(task.Command)

		if len(task.LengthToReadPerMeter) > 0 {
			if err := c.installMeterListener(ctx, command, task); err != nil {
				return err
			}
		}

		pollType := transport.PollType(task.PollType)
		if pollType == "" {
			pollType = transport.PollTypeSpecific
		}
		c.transport.AddListener(transport.Task{
			Command:  command,
			PollType: pollType,
		})
	}
	return nil
}

// installMeterListener wires one meter-delta handler, continuing the
// batch sequence from the database and seeding the baseline with one
// synchronous read.
func (c *Collector) installMeterListener(ctx context.Context, command string, task config.ListenerTask) error {
	lastItID, err := c.transactions.LastItID(ctx)
	if err != nil {
		return fmt.Errorf("failed to seed it_id for %s: %w", command, err)
	}

	commit := task.Commit
	sink := func(delta model.MeterDelta, gameNumber string, itID int64) {
		if !commit {
			return
		}
		c.persistDelta(delta, gameNumber, itID)
	}

	handler := NewMeterHandler(task.LengthToReadPerMeter, nil, lastItID, sink, c.logger)
	c.registry.Register(command, handler)
	c.meters[command] = handler

	if command == meterCommand {
		if err := c.seedBaseline(ctx, command, handler); err != nil {
			// The machine may be asleep at startup; live polls will
			// still carry the full counters into the baseline once,
			// so log loudly and carry on.
			c.logger.Warn("Baseline seed failed, first poll may report lifetime counters",
				zap.String("command", command),
				zap.Error(err),
			)
		}
	}

	c.logger.Info("Meter listener installed",
		zap.String("command", command),
		zap.Int64("it_id", lastItID),
		zap.Bool("commit", commit),
	)
	return nil
}

// seedBaseline issues one synchronous read of the meter command and
// keeps only the resulting baseline snapshot.
func (c *Collector) seedBaseline(ctx context.Context, command string, handler *MeterHandler) error {
	resp, err := c.transport.SendAndWait(ctx, transport.Task{
		Command:  command,
		PollType: transport.PollTypeSpecific,
	})
	if err != nil {
		return err
	}

	handler.Seed(resp)
	c.logger.Debug("Meter baseline seeded",
		zap.String("command", command),
		zap.Any("baseline", handler.Baseline()),
	)
	return nil
}

// persistDelta writes one transaction record through the resilient
// store; a lost database link queues it rather than losing it.
func (c *Collector) persistDelta(delta model.MeterDelta, gameNumber string, itID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	record := &model.TransactionRecord{
		Time:        time.Now(),
		MAC:         c.mac,
		CounterCode: delta.Code,
		Value:       delta.Value,
		GameNumber:  gameNumber,
		ItID:        itID,
	}

	if err := c.transactions.Insert(ctx, record); err != nil {
		if errors.Is(err, database.ErrReplicationCheck) {
			c.logger.Warn("Replication check failed after write", zap.Error(err))
			return
		}
		c.logger.Error("Failed to persist meter delta",
			zap.String("code", delta.Code),
			zap.Error(err),
		)
		return
	}

	c.logger.Debug("Meter delta persisted",
		zap.String("code", delta.Code),
		zap.Int64("value", delta.Value),
		zap.Int64("it_id", itID),
	)
}

// queueOneShots queues the startup tasks for the next polling cycles
func (c *Collector) queueOneShots() {
	for _, task := range c.cfg.Collector.DoOnce {
		optionalData := make([]byte, 0, len(task.OptionalData))
		for _, element := range task.OptionalData {
			value, err := transport.CommandByte(element)
			if err != nil {
				c.logger.Error("Invalid one-shot data element",
					zap.String("command", task.Command),
					zap.String("element", element),
				)
				optionalData = nil
				break
			}
			optionalData = append(optionalData, value)
		}

		pollType := transport.PollType(task.PollType)
		if pollType == "" {
			pollType = transport.PollTypeSpecific
		}
		c.transport.AddOneTask(transport.Task{
			Command:      transport.NormalizeCommand(task.Command),
			PollType:     pollType,
			OptionalData: optionalData,
		})
	}
}

// Run captures transport events and executes submitted requests until
// the context is cancelled or the transport shuts down.
func (c *Collector) Run(ctx context.Context) error {
	events := c.transport.Events()
	c.logger.Info("Collector event loop started")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Collector event loop stopped")
			return ctx.Err()

		case request := <-c.requests:
			request()

		case resp, ok := <-events:
			if !ok {
				c.logger.Info("Transport event stream closed")
				return nil
			}
			c.registry.Dispatch(resp)
		}
	}
}

// Transfer runs a credit transfer on the collector's loop so the wire
// sees one command at a time. Failures come back as structured error
// results, never as a crash.
func (c *Collector) Transfer(ctx context.Context, request *sas.TransferRequest) *sas.TransferResult {
	done := make(chan *sas.TransferResult, 1)

	select {
	case c.requests <- func() {
		done <- c.sender.SendCredits(ctx, request)
	}:
	case <-ctx.Done():
		return sas.ErrorResult(ctx.Err())
	}

	select {
	case result := <-done:
		return result
	case <-ctx.Done():
		return sas.ErrorResult(ctx.Err())
	}
}

// Jackpot converts a won amount from site currency into machine credits
// using the database exchange rate and sends it as a bonus jackpot
// transfer.
func (c *Collector) Jackpot(ctx context.Context, value decimal.Decimal) *sas.TransferResult {
	rate, err := c.machines.ExchangeRate(ctx)
	if err != nil {
		c.logger.Error("Jackpot rejected, exchange rate unavailable", zap.Error(err))
		return sas.ErrorResult(err)
	}

	credits := value.Div(rate).IntPart()
	if credits <= 0 {
		return sas.ErrorResult(fmt.Errorf("jackpot value %s converts to zero credits", value))
	}

	c.logger.Info("Jackpot transfer requested",
		zap.String("value", value.String()),
		zap.String("rate", rate.String()),
		zap.Int64("credits", credits),
	)

	return c.Transfer(ctx, &sas.TransferRequest{
		TransferType: sas.TransferBonusJackpot,
		Cashable:     credits,
		AssetNumber:  c.cfg.Collector.AssetNumber,
	})
}

// MachineInfo returns the identity this collector stamps on records
func (c *Collector) MachineInfo() (pcName, serialNumber, mac string) {
	return c.pcName, c.transport.SerialNumber(), c.mac
}

// MeterStates returns the current batch id per meter command
func (c *Collector) MeterStates() map[string]int64 {
	states := make(map[string]int64, len(c.meters))
	for command, handler := range c.meters {
		states[command] = handler.ItID()
	}
	return states
}
