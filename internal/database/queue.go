// internal/database/queue.go
package database

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PendingStatement is one not-yet-applied write, serialized to the
// queue file as a single JSON line.
type PendingStatement struct {
	ID         string        `json:"id"`
	SQL        string        `json:"sql"`
	Args       []interface{} `json:"args,omitempty"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
}

// PendingQueue is the ordered, durable queue of writes waiting for the
// database to come back. Entries survive process restarts; they are
// applied strictly in enqueue order.
type PendingQueue struct {
	mu      sync.Mutex
	path    string
	entries []PendingStatement
	logger  *zap.Logger
}

// OpenPendingQueue loads any queue left over from a prior run
func OpenPendingQueue(path string, logger *zap.Logger) (*PendingQueue, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}

	queue := &PendingQueue{
		path:   path,
		logger: logger.With(zap.String("component", "pending-queue")),
	}

	if err := queue.load(); err != nil {
		return nil, err
	}

	if len(queue.entries) > 0 {
		queue.logger.Info("Loaded pending statements from prior run",
			zap.Int("count", len(queue.entries)),
		)
	}
	return queue, nil
}

// load reads the JSON-lines file into memory
func (q *PendingQueue) load() error {
	file, err := os.Open(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open queue file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var entry PendingStatement
		decoder := json.NewDecoder(strings.NewReader(line))
		decoder.UseNumber()
		if err := decoder.Decode(&entry); err != nil {
			// A torn tail line from a crash mid-write is dropped;
			// everything before it is intact.
			q.logger.Warn("Skipping unreadable queue line", zap.Error(err))
			continue
		}
		q.entries = append(q.entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read queue file: %w", err)
	}
	return nil
}

// Append adds a statement to the tail of the queue and fsyncs it
func (q *PendingQueue) Append(sqlText string, args []interface{}) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry := PendingStatement{
		ID:         uuid.New().String(),
		SQL:        sqlText,
		Args:       args,
		EnqueuedAt: time.Now(),
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode pending statement: %w", err)
	}

	file, err := os.OpenFile(q.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open queue file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append pending statement: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync queue file: %w", err)
	}

	q.entries = append(q.entries, entry)
	return nil
}

// Entries returns a snapshot of the queue in enqueue order
func (q *PendingQueue) Entries() []PendingStatement {
	q.mu.Lock()
	defer q.mu.Unlock()

	snapshot := make([]PendingStatement, len(q.entries))
	copy(snapshot, q.entries)
	return snapshot
}

// Len returns the number of pending statements
func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// DropFirst removes the n oldest entries once they have been applied.
// Entries appended since the caller snapshotted the queue stay in
// place, so a replay can never erase a write that arrived during it.
func (q *PendingQueue) DropFirst(n int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n <= 0 {
		return nil
	}
	if n > len(q.entries) {
		n = len(q.entries)
	}
	return q.rewrite(q.entries[n:])
}

// rewrite atomically replaces the queue file contents
func (q *PendingQueue) rewrite(entries []PendingStatement) error {
	tmpPath := q.path + ".tmp"
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create queue file: %w", err)
	}

	writer := bufio.NewWriter(file)
	for _, entry := range entries {
		line, err := json.Marshal(entry)
		if err != nil {
			file.Close()
			return fmt.Errorf("failed to encode pending statement: %w", err)
		}
		if _, err := writer.Write(append(line, '\n')); err != nil {
			file.Close()
			return fmt.Errorf("failed to write queue file: %w", err)
		}
	}

	if err := writer.Flush(); err != nil {
		file.Close()
		return fmt.Errorf("failed to flush queue file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("failed to sync queue file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close queue file: %w", err)
	}

	if err := os.Rename(tmpPath, q.path); err != nil {
		return fmt.Errorf("failed to replace queue file: %w", err)
	}

	q.entries = make([]PendingStatement, len(entries))
	copy(q.entries, entries)
	return nil
}
