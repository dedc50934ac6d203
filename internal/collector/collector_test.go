package collector

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sas-collector/internal/config"
	"sas-collector/internal/model"
	"sas-collector/internal/sas"
	"sas-collector/internal/transport"
)

// stubTransport is a scriptable in-memory transport
type stubTransport struct {
	mu        sync.Mutex
	sent      []transport.Task
	listeners []transport.Task
	oneShots  []transport.Task
	events    chan *transport.Response
	response  *transport.Response
}

func newStubTransport() *stubTransport {
	return &stubTransport{events: make(chan *transport.Response, 8)}
}

func (s *stubTransport) SendAndWait(ctx context.Context, task transport.Task) (*transport.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, task)
	if s.response != nil {
		return s.response, nil
	}
	return &transport.Response{Command: transport.NormalizeCommand(task.Command)}, nil
}

func (s *stubTransport) AddListener(task transport.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, task)
}

func (s *stubTransport) AddOneTask(task transport.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oneShots = append(s.oneShots, task)
}

func (s *stubTransport) Events() <-chan *transport.Response { return s.events }

func (s *stubTransport) SerialNumber() string { return "SN-TEST" }

func (s *stubTransport) Close() error { return nil }

func (s *stubTransport) sentTasks() []transport.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transport.Task{}, s.sent...)
}

// memTransactions records inserts in memory
type memTransactions struct {
	mu       sync.Mutex
	records  []*model.TransactionRecord
	lastItID int64
}

func (m *memTransactions) Insert(ctx context.Context, record *model.TransactionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return nil
}

func (m *memTransactions) LastItID(ctx context.Context) (int64, error) {
	return m.lastItID, nil
}

func (m *memTransactions) inserted() []*model.TransactionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*model.TransactionRecord{}, m.records...)
}

// memMachines records registrations in memory
type memMachines struct {
	existing   *model.GamingMachine
	registered []*model.GamingMachine
	rate       decimal.Decimal
}

func (m *memMachines) Find(ctx context.Context, pcName, serialNumber, mac string) (*model.GamingMachine, error) {
	return m.existing, nil
}

func (m *memMachines) Register(ctx context.Context, machine *model.GamingMachine) error {
	m.registered = append(m.registered, machine)
	return nil
}

func (m *memMachines) ExchangeRate(ctx context.Context) (decimal.Decimal, error) {
	if m.rate.IsZero() {
		return decimal.Decimal{}, assert.AnError
	}
	return m.rate, nil
}

func writeMachineIDFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "machine-id")
	require.NoError(t, os.WriteFile(path, []byte("aabbccddeeff00112233445566778899\n"), 0644))
	return path
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Collector: config.CollectorConfig{
			TransactionsTable: "gaming_transactions",
			AssetNumber:       7,
			Listeners: []config.ListenerTask{
				{
					Command:              "2F",
					PollType:             "S",
					Commit:               true,
					LengthToReadPerMeter: map[string]int{"10": 2},
				},
			},
			DoOnce: []config.OneShotTask{
				{Command: "A0", PollType: "S", OptionalData: []string{"54"}},
			},
		},
		App: config.AppConfig{MachineIDFile: writeMachineIDFile(t)},
	}
}

func newTestCollector(t *testing.T, st *stubTransport, transactions *memTransactions, machines *memMachines) *Collector {
	t.Helper()

	logger := zap.NewNop()
	c, err := New(testConfig(t), st, transactions, machines, sas.NewSender(st, logger), logger)
	require.NoError(t, err)
	return c
}

func TestCollectorSetup_RegistersUnknownMachine(t *testing.T) {
	st := newStubTransport()
	machines := &memMachines{}
	c := newTestCollector(t, st, &memTransactions{}, machines)

	require.NoError(t, c.Setup(context.Background()))

	require.Len(t, machines.registered, 1)
	registered := machines.registered[0]
	assert.Equal(t, "SN-TEST", registered.SerialNumber)
	assert.Equal(t, "aabbccddeeff00112233445566778899", registered.MAC)
	assert.NotEmpty(t, registered.PCName)
}

func TestCollectorSetup_KnownMachineNotReRegistered(t *testing.T) {
	st := newStubTransport()
	machines := &memMachines{existing: &model.GamingMachine{ID: 3}}
	c := newTestCollector(t, st, &memTransactions{}, machines)

	require.NoError(t, c.Setup(context.Background()))
	assert.Empty(t, machines.registered)
}

func TestCollectorSetup_InstallsListenersAndOneShots(t *testing.T) {
	st := newStubTransport()
	c := newTestCollector(t, st, &memTransactions{}, &memMachines{})

	require.NoError(t, c.Setup(context.Background()))

	require.Len(t, st.listeners, 1)
	assert.Equal(t, "2F", st.listeners[0].Command)

	require.Len(t, st.oneShots, 1)
	assert.Equal(t, "A0", st.oneShots[0].Command)
	assert.Equal(t, []byte{0x54}, st.oneShots[0].OptionalData)
}

func TestCollectorSetup_SeedsBaselineBeforePolling(t *testing.T) {
	st := newStubTransport()
	st.response = &transport.Response{
		Command: "2F",
		Data:    []byte{0x00, 0x01, 0x10, 0x00, 0x12},
	}
	transactions := &memTransactions{}
	c := newTestCollector(t, st, transactions, &memMachines{})

	require.NoError(t, c.Setup(context.Background()))

	sent := st.sentTasks()
	require.Len(t, sent, 1, "one synchronous seed read at setup")
	assert.Equal(t, "2F", sent[0].Command)

	assert.Empty(t, transactions.inserted(), "seed emissions are discarded")
	assert.Equal(t, "0012", c.meters["2F"].Baseline()["10"])
}

func TestCollectorRun_PersistsMeterDeltas(t *testing.T) {
	st := newStubTransport()
	transactions := &memTransactions{lastItID: 10}
	c := newTestCollector(t, st, transactions, &memMachines{})

	require.NoError(t, c.Setup(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(runDone)
	}()

	// the seed read came back empty, so this reading is the first delta
	st.events <- &transport.Response{
		Command: "2F",
		Data:    []byte{0x00, 0x01, 0x10, 0x00, 0x12},
	}

	require.Eventually(t, func() bool {
		return len(transactions.inserted()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	record := transactions.inserted()[0]
	assert.Equal(t, "10", record.CounterCode)
	assert.Equal(t, int64(12), record.Value)
	assert.Equal(t, "0001", record.GameNumber)
	assert.Equal(t, int64(12), record.ItID, "seed pass and this response each advance the batch id")
	assert.Equal(t, "aabbccddeeff00112233445566778899", record.MAC)

	cancel()
	<-runDone
}

func TestCollectorTransfer_RunsOnTheEventLoop(t *testing.T) {
	st := newStubTransport()
	c := newTestCollector(t, st, &memTransactions{}, &memMachines{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	result := c.Transfer(ctx, &sas.TransferRequest{
		TransferType: sas.TransferEGM,
		Cashable:     500,
		AssetNumber:  7,
	})

	// the stub echoes an empty body, which is too short to decode
	assert.Equal(t, "error", result.Status)

	sent := st.sentTasks()
	require.Len(t, sent, 1)
	assert.Equal(t, sas.TransferCommand, sent[0].Command)
}

func TestCollectorTransfer_CancelledContext(t *testing.T) {
	st := newStubTransport()
	c := newTestCollector(t, st, &memTransactions{}, &memMachines{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// nothing drains c.requests here; a cancelled context must not block
	result := c.Transfer(ctx, &sas.TransferRequest{
		TransferType: sas.TransferEGM,
		Cashable:     500,
	})
	assert.Equal(t, "error", result.Status)
}

func TestCollectorJackpot_ConvertsThroughExchangeRate(t *testing.T) {
	st := newStubTransport()
	c := newTestCollector(t, st, &memTransactions{}, &memMachines{rate: decimal.NewFromFloat(0.5)})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	c.Jackpot(ctx, decimal.NewFromInt(100))

	sent := st.sentTasks()
	require.Len(t, sent, 1)
	require.Equal(t, sas.TransferCommand, sent[0].Command)

	// 100 / 0.5 = 200 credits, BCD-encoded in the cashable field
	assert.Equal(t, []byte{0, 0, 0, 2, 0}, sent[0].OptionalData[3:8])
	assert.Equal(t, byte(sas.TransferBonusJackpot), sent[0].OptionalData[2])
}

func TestCollectorJackpot_NoRateIsRejected(t *testing.T) {
	st := newStubTransport()
	c := newTestCollector(t, st, &memTransactions{}, &memMachines{})

	result := c.Jackpot(context.Background(), decimal.NewFromInt(100))
	assert.Equal(t, "error", result.Status)
	assert.Empty(t, st.sentTasks())
}

func TestCollectorJackpot_ZeroCreditsRejected(t *testing.T) {
	st := newStubTransport()
	c := newTestCollector(t, st, &memTransactions{}, &memMachines{rate: decimal.NewFromInt(1000)})

	result := c.Jackpot(context.Background(), decimal.NewFromInt(1))
	assert.Equal(t, "error", result.Status)
	assert.Empty(t, st.sentTasks())
}
