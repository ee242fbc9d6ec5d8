// Package outbox is the host-local durable retry queue. Only mutations
// that are safe to replay out of order against the coordinator are ever
// queued; claims and task creation are excluded because replaying them
// would duplicate effects.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sethvargo/go-retry"
)

// Entry is one queued mutating call, replayed in insertion order.
type Entry struct {
	ID        int64
	Method    string
	Path      string
	Body      []byte
	CreatedAt time.Time
}

// Deliver attempts one entry against the upstream; a nil return removes
// the entry from the queue.
type Deliver func(ctx context.Context, e Entry) error

// Outbox persists queued calls in a local sqlite database.
type Outbox struct {
	db     *sql.DB
	logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS outbox (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	method TEXT NOT NULL,
	path TEXT NOT NULL,
	body BLOB,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// Open creates or opens the outbox database at path.
func Open(path string, logger *slog.Logger) (*Outbox, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create outbox schema: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (o *Outbox) Close() error {
	return o.db.Close()
}

// ShouldQueue is the replay-safety policy. Worker status PATCHes,
// heartbeats, and command acks are upserts the server converges on
// regardless of order or duplication. Claims and task creation are not.
func (o *Outbox) ShouldQueue(method, path string) bool {
	switch {
	case method == http.MethodPatch && strings.HasPrefix(path, "/api/v1/workers/"):
		return true
	case method == http.MethodPost && path == "/api/v1/workers/heartbeat":
		return true
	case method == http.MethodPost && strings.HasPrefix(path, "/api/v1/workers/") && strings.HasSuffix(path, "/ack"):
		return true
	default:
		return false
	}
}

// Enqueue persists one call for later replay.
func (o *Outbox) Enqueue(method, path string, body []byte) error {
	_, err := o.db.Exec(
		`INSERT INTO outbox (method, path, body, created_at) VALUES (?, ?, ?, ?)`,
		method, path, body, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox entry: %w", err)
	}
	return nil
}

// Len returns the number of queued entries.
func (o *Outbox) Len() (int, error) {
	var n int
	if err := o.db.QueryRow(`SELECT COUNT(1) FROM outbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count outbox entries: %w", err)
	}
	return n, nil
}

// List returns all queued entries in FIFO order.
func (o *Outbox) List(ctx context.Context) ([]Entry, error) {
	rows, err := o.db.QueryContext(ctx, `SELECT id, method, path, body, created_at FROM outbox ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Method, &e.Path, &e.Body, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

func (o *Outbox) remove(ctx context.Context, id int64) error {
	_, err := o.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to remove outbox entry: %w", err)
	}
	return nil
}

// Drain attempts delivery in FIFO order, removing each entry on success
// and stopping at the first failure so order is preserved for the next
// attempt.
func (o *Outbox) Drain(ctx context.Context, deliver Deliver) (int, error) {
	entries, err := o.List(ctx)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, e := range entries {
		if err := deliver(ctx, e); err != nil {
			return delivered, err
		}
		if err := o.remove(ctx, e.ID); err != nil {
			return delivered, err
		}
		delivered++
	}

	return delivered, nil
}

// Run drains the outbox periodically until the context is cancelled.
// Each round retries with exponential backoff before giving up until the
// next tick; a persistently failing drain is logged and retried then.
func (o *Outbox) Run(ctx context.Context, interval time.Duration, deliver Deliver) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			backoff := retry.WithMaxRetries(3, retry.NewExponential(time.Second))
			err := retry.Do(ctx, backoff, func(ctx context.Context) error {
				_, err := o.Drain(ctx, deliver)
				if err != nil {
					return retry.RetryableError(err)
				}
				return nil
			})
			if err != nil && ctx.Err() == nil {
				n, _ := o.Len()
				o.logger.Warn("outbox drain still failing", "queued", n, "error", err)
			}
		}
	}
}
