// internal/database/store.go
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"sas-collector/internal/config"
)

// ConnectionState tracks the database link
type ConnectionState string

const (
	StateConnected    ConnectionState = "connected"
	StateLost         ConnectionState = "lost"
	StateReconnecting ConnectionState = "reconnecting"
)

// ErrReplicationCheck marks a failed post-write replication check. The
// write itself succeeded; callers must treat this separately from a
// write failure.
var ErrReplicationCheck = errors.New("replication check failed")

// sqlstateObjectInUse is the benign "job already running" condition of
// the replication kick; it is swallowed.
const sqlstateObjectInUse = "55006"

// Store is the resilient persistence layer. Writes survive a lost
// database link by falling back to the durable pending queue, which is
// replayed in order once the link recovers.
type Store struct {
	cfg    *config.DatabaseConfig
	logger *zap.Logger
	queue  *PendingQueue

	mu           sync.Mutex
	db           *sql.DB
	state        ConnectionState
	reconnecting bool

	reconnectInterval time.Duration
	stop              chan struct{}
	wg                sync.WaitGroup
}

// NewStore opens the database and the pending queue. A database that is
// unreachable at startup is not fatal; the store comes up in the lost
// state and recovers in the background. Any queue left over from a
// prior run is drained on the first successful connection.
func NewStore(cfg *config.DatabaseConfig, offline *config.OfflineConfig, logger *zap.Logger) (*Store, error) {
	queue, err := OpenPendingQueue(offline.QueuePath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open pending queue: %w", err)
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	driverName := cfg.Driver
	if driverName == "" {
		driverName = "postgres"
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	store := &Store{
		cfg:               cfg,
		logger:            logger.With(zap.String("component", "store")),
		queue:             queue,
		db:                db,
		state:             StateConnected,
		reconnectInterval: offline.ReconnectInterval,
		stop:              make(chan struct{}),
	}
	if store.reconnectInterval <= 0 {
		store.reconnectInterval = time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		store.logger.Warn("Database unreachable at startup, queueing writes", zap.Error(err))
		store.mu.Lock()
		store.markLostLocked()
		store.mu.Unlock()
		return store, nil
	}

	store.logger.Info("Database connected",
		zap.String("host", cfg.Host),
		zap.String("dbname", cfg.DBName),
	)

	if err := store.drainQueue(ctx); err != nil {
		store.logger.Error("Startup queue drain failed", zap.Error(err))
		store.mu.Lock()
		store.markLostLocked()
		store.mu.Unlock()
	}
	return store, nil
}

// DB exposes the underlying handle for migrations
func (s *Store) DB() *sql.DB {
	return s.db
}

// State returns the current connection state
func (s *Store) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether live statements reach the database
func (s *Store) Connected() bool {
	return s.State() == StateConnected
}

// QueueSize returns the number of statements waiting for replay
func (s *Store) QueueSize() int {
	return s.queue.Len()
}

// Exec runs a write statement. When the link is down the statement is
// appended to the pending queue and the call succeeds immediately;
// durability is deferred, not lost. A live failure queues the statement
// and kicks off reconnection. The only error Exec returns is
// ErrReplicationCheck, which reports on the post-write check without
// retracting the write's success.
//
// Fallback appends happen under s.mu, so the reconnect loop cannot
// flip to connected between the state check and the append.
func (s *Store) Exec(ctx context.Context, sqlText string, args ...interface{}) error {
	s.mu.Lock()
	if s.state != StateConnected {
		err := s.queue.Append(sqlText, args)
		s.mu.Unlock()
		if err != nil {
			return fmt.Errorf("failed to queue statement: %w", err)
		}
		return nil
	}
	db := s.db
	s.mu.Unlock()

	if err := execStatement(ctx, db, sqlText, args); err != nil {
		s.logger.Warn("Write failed, falling back to pending queue", zap.Error(err))
		s.mu.Lock()
		s.markLostLocked()
		queueErr := s.queue.Append(sqlText, args)
		s.mu.Unlock()
		if queueErr != nil {
			return fmt.Errorf("failed to queue statement after write failure: %w", queueErr)
		}
		return nil
	}

	return s.replicationCheck(ctx)
}

// Select runs a read query, handing each row to scan. When the link is
// not connected it returns no rows and no error; callers needing a
// strict answer check Connected first.
func (s *Store) Select(ctx context.Context, scan func(*sql.Rows) error, query string, args ...interface{}) error {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return nil
	}
	db := s.db
	s.mu.Unlock()

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Warn("Read failed, marking connection lost", zap.Error(err))
		s.mu.Lock()
		s.markLostLocked()
		s.mu.Unlock()
		return nil
	}
	defer rows.Close()

	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Close stops the reconnect loop and releases the database handle
func (s *Store) Close() error {
	s.mu.Lock()
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	s.mu.Unlock()

	s.wg.Wait()
	return s.db.Close()
}

// markLostLocked flips the state and starts the reconnect loop once.
// Callers hold s.mu.
func (s *Store) markLostLocked() {
	s.state = StateLost
	if s.reconnecting {
		return
	}

	select {
	case <-s.stop:
		return
	default:
	}

	s.reconnecting = true
	s.state = StateReconnecting
	s.wg.Add(1)
	go s.reconnectLoop()
}

// reconnectLoop retries the link at a fixed interval and exits once the
// queue is fully replayed. The state stays non-connected for the whole
// drain: writes issued meanwhile keep queueing behind the entries being
// replayed, and the flip to connected happens only after a check, under
// the lock, that nothing is left. A failure mid-drain keeps the loop
// cycling with the remaining entries. Stops only on success or shutdown.
func (s *Store) reconnectLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.reconnectInterval)
	defer ticker.Stop()

	s.logger.Info("Reconnect loop started", zap.Duration("interval", s.reconnectInterval))

	for {
		select {
		case <-s.stop:
			s.logger.Info("Reconnect loop stopped")
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := s.db.PingContext(ctx)
		if err != nil {
			cancel()
			s.logger.Debug("Reconnect attempt failed", zap.Error(err))
			continue
		}

		if err := s.drainQueue(ctx); err != nil {
			cancel()
			s.logger.Warn("Queue drain failed, retrying", zap.Error(err))
			s.mu.Lock()
			s.state = StateLost
			s.mu.Unlock()
			continue
		}
		cancel()

		s.mu.Lock()
		if s.queue.Len() > 0 {
			// a write landed while draining; replay it before going live
			s.mu.Unlock()
			continue
		}
		s.state = StateConnected
		s.reconnecting = false
		s.mu.Unlock()

		s.logger.Info("Database reconnected")
		return
	}
}

// drainQueue replays pending statements in FIFO order. Each statement
// commits individually, and applied entries are dropped from the head
// of the live queue, so a failure keeps the failed entry and everything
// behind it, including statements queued while the drain was running.
func (s *Store) drainQueue(ctx context.Context) error {
	entries := s.queue.Entries()
	if len(entries) == 0 {
		return nil
	}

	s.logger.Info("Draining pending queue", zap.Int("count", len(entries)))

	applied := 0
	for _, entry := range entries {
		if err := execStatement(ctx, s.db, entry.SQL, entry.Args); err != nil {
			if dropErr := s.queue.DropFirst(applied); dropErr != nil {
				s.logger.Error("Failed to persist drained queue", zap.Error(dropErr))
			}
			return fmt.Errorf("replay stopped at entry %s: %w", entry.ID, err)
		}
		applied++
	}

	if err := s.queue.DropFirst(applied); err != nil {
		return fmt.Errorf("failed to drop drained entries: %w", err)
	}

	s.logger.Info("Pending queue drained", zap.Int("applied", applied))
	return nil
}

// execStatement runs one write in its own transaction
func execStatement(ctx context.Context, db *sql.DB, sqlText string, args []interface{}) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, sqlText, args...); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// replicationCheck verifies the upstream replication job after a
// successful write. Best effort: the benign "already running" condition
// is swallowed, anything else surfaces as ErrReplicationCheck without
// touching the write's outcome.
func (s *Store) replicationCheck(ctx context.Context) error {
	if s.cfg.ReplicationJob == "" {
		return nil
	}

	if _, err := s.db.ExecContext(ctx, s.cfg.ReplicationJob); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == sqlstateObjectInUse {
			s.logger.Debug("Replication job already running")
			return nil
		}
		s.logger.Error("Replication check failed", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrReplicationCheck, err)
	}
	return nil
}
