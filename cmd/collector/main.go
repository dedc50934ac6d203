// cmd/collector/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"sas-collector/internal/collector"
	"sas-collector/internal/config"
	"sas-collector/internal/database"
	"sas-collector/internal/dispatch"
	"sas-collector/internal/handler"
	"sas-collector/internal/repository"
	"sas-collector/internal/routes"
	"sas-collector/internal/sas"
	"sas-collector/internal/transport"
	"sas-collector/internal/utils"
)

// Application wires the collector's long-running pieces together
type Application struct {
	config *config.Config
	logger *zap.Logger
	store  *database.Store
	link   *transport.SerialLink
	server *http.Server

	collector *collector.Collector
	dispatch  *dispatch.Client

	transactionRepo repository.TransactionRepository
	machineRepo     repository.MachineRepository
}

func main() {
	app, err := NewApplication()
	if err != nil {
		fmt.Printf("Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Start(); err != nil {
		app.logger.Fatal("Failed to start application", zap.Error(err))
	}
}

// NewApplication loads configuration and builds every component
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("Starting sas-collector",
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Environment),
	)

	app := &Application{
		config: cfg,
		logger: logger,
	}

	if err := app.initializeStore(); err != nil {
		return nil, fmt.Errorf("failed to initialize persistence: %w", err)
	}
	if err := app.initializeTransport(); err != nil {
		return nil, fmt.Errorf("failed to initialize transport: %w", err)
	}
	if err := app.initializeCollector(); err != nil {
		return nil, fmt.Errorf("failed to initialize collector: %w", err)
	}
	app.initializeDispatch()
	app.initializeServer()

	return app, nil
}

// initializeStore opens the resilient store and runs migrations when
// the database is reachable.
func (app *Application) initializeStore() error {
	store, err := database.NewStore(&app.config.Database, &app.config.Offline, app.logger)
	if err != nil {
		return err
	}
	app.store = store

	if store.Connected() {
		migrator := database.NewMigrator(store, app.logger, "migrations")
		if err := migrator.Up(); err != nil {
			// Schema may already be managed elsewhere; the collector
			// still runs and queues against the existing tables.
			app.logger.Warn("Database migrations failed", zap.Error(err))
		}
	}

	app.transactionRepo = repository.NewTransactionRepository(
		store, app.config.Collector.TransactionsTable, app.logger)
	app.machineRepo = repository.NewMachineRepository(store, app.logger)
	return nil
}

// initializeTransport opens the SAS serial line
func (app *Application) initializeTransport() error {
	link, err := transport.NewSerialLink(&app.config.Serial, app.logger)
	if err != nil {
		return err
	}
	app.link = link
	return nil
}

// initializeCollector builds the collector and its credit sender
func (app *Application) initializeCollector() error {
	sender := sas.NewSender(app.link, app.logger)

	c, err := collector.New(
		app.config,
		app.link,
		app.transactionRepo,
		app.machineRepo,
		sender,
		app.logger,
	)
	if err != nil {
		return err
	}

	app.collector = c
	return nil
}

// initializeDispatch builds the signed remote command channel
func (app *Application) initializeDispatch() {
	if !app.config.Dispatch.Enabled {
		return
	}

	client := dispatch.NewClient(&app.config.Dispatch, app.logger)
	client.RegisterAction("jackpot", app.jackpotAction)
	app.dispatch = client
}

// jackpotAction converts the signed payload into a jackpot transfer
func (app *Application) jackpotAction(ctx context.Context, data json.RawMessage) (interface{}, int) {
	var body struct {
		Value json.Number `json:"value"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return map[string]string{"message": "invalid jackpot data"}, http.StatusBadRequest
	}

	value, err := decimal.NewFromString(body.Value.String())
	if err != nil {
		return map[string]string{"message": "invalid jackpot value"}, http.StatusBadRequest
	}

	result := app.collector.Jackpot(ctx, value)
	if result.Status == "error" {
		return result, http.StatusUnprocessableEntity
	}
	return map[string]interface{}{"message": "Success", "transfer": result}, http.StatusOK
}

// initializeServer builds the status HTTP server
func (app *Application) initializeServer() {
	statusHandler := handler.NewStatusHandler(app.config, app.store, app.collector, app.logger)
	router := routes.NewRouter(app.config, app.logger, statusHandler).SetupRouter()

	app.server = &http.Server{
		Addr:         app.config.GetServerAddr(),
		Handler:      router,
		ReadTimeout:  app.config.Server.ReadTimeout,
		WriteTimeout: app.config.Server.WriteTimeout,
		IdleTimeout:  app.config.Server.IdleTimeout,
	}
}

// Start runs every loop concurrently and blocks until shutdown. The
// device event loop, the dispatch network loop and the reconnect loop
// must all make progress at the same time; none may starve another.
func (app *Application) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.collector.Setup(ctx); err != nil {
		return fmt.Errorf("collector setup failed: %w", err)
	}

	app.link.Start(ctx)

	go func() {
		if err := app.collector.Run(ctx); err != nil && ctx.Err() == nil {
			app.logger.Error("Collector loop exited", zap.Error(err))
		}
	}()

	if app.dispatch != nil {
		go func() {
			if err := app.dispatch.Run(ctx); err != nil && ctx.Err() == nil {
				app.logger.Error("Dispatch loop exited", zap.Error(err))
			}
		}()
	}

	go func() {
		app.logger.Info("Status server listening", zap.String("address", app.server.Addr))
		if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.logger.Error("Status server failed", zap.Error(err))
		}
	}()

	app.waitForShutdown(cancel)
	return nil
}

// waitForShutdown blocks for a signal and tears everything down in
// dependency order. Queue writes are atomic per statement, so stopping
// mid-queue leaves a resumable queue behind.
func (app *Application) waitForShutdown(cancel context.CancelFunc) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	app.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := app.server.Shutdown(shutdownCtx); err != nil {
		app.logger.Error("Status server shutdown error", zap.Error(err))
	}

	if err := app.link.Close(); err != nil {
		app.logger.Error("Serial link close error", zap.Error(err))
	}

	if err := app.store.Close(); err != nil {
		app.logger.Error("Store close error", zap.Error(err))
	}

	if err := utils.CloseLogger(app.logger); err != nil {
		fmt.Printf("Logger close error: %v\n", err)
	}

	app.logger.Info("Shutdown completed")
}
