package journal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/lighter-stream/internal/connection"
)

// Schema creates the transitions table.
const Schema = `
CREATE TABLE IF NOT EXISTS connection_transitions (
	id          UUID PRIMARY KEY,
	instance    TEXT NOT NULL,
	session_id  TEXT NOT NULL,
	from_state  TEXT NOT NULL,
	to_state    TEXT NOT NULL,
	reason      TEXT NOT NULL,
	attempt     INTEGER NOT NULL,
	at          TIMESTAMPTZ NOT NULL
)`

const insertSQL = `
	INSERT INTO connection_transitions (id, instance, session_id, from_state, to_state, reason, attempt, at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (id) DO NOTHING
`

// DB is the subset of *pgxpool.Pool the writer uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Config holds writer settings.
type Config struct {
	Instance      string
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int
	WriteTimeout  time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     100,
		FlushInterval: time.Second,
		BufferSize:    1000,
		WriteTimeout:  5 * time.Second,
	}
}

// Metrics tracks writer activity.
type Metrics struct {
	Inserts   int64
	Conflicts int64
	Dropped   int64 // transitions discarded because the input buffer was full
	Errors    int64
	Flushes   int64
}

type transitionRow struct {
	ID        uuid.UUID
	Instance  string
	SessionID string
	From      string
	To        string
	Reason    string
	Attempt   int
	At        time.Time
}

// Writer batches transitions into connection_transitions.
type Writer struct {
	cfg    Config
	logger *slog.Logger
	db     DB

	input chan connection.Transition

	// Batching
	batch       []transitionRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics Metrics
}

// NewWriter creates a Writer. Call Start before recording.
func NewWriter(cfg Config, db DB, logger *slog.Logger) *Writer {
	d := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = d.FlushInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = d.BufferSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = d.WriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		cfg:    cfg,
		db:     db,
		logger: logger.With("component", "journal"),
		input:  make(chan connection.Transition, cfg.BufferSize),
		batch:  make([]transitionRow, 0, cfg.BatchSize),
	}
}

// EnsureSchema creates the transitions table if it does not exist.
func (w *Writer) EnsureSchema(ctx context.Context) error {
	_, err := w.db.Exec(ctx, Schema)
	return err
}

// Record queues t for writing. It never blocks, so it can be used directly
// as a connection.TransitionObserver.
func (w *Writer) Record(t connection.Transition) {
	select {
	case w.input <- t:
	default:
		w.batchMu.Lock()
		w.metrics.Dropped++
		w.batchMu.Unlock()
	}
}

// Start begins consuming transitions and writing to the database.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	w.wg.Add(1)
	go w.run()

	w.logger.Info("journal writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop drains buffered transitions, flushes and shuts down.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping journal writer")

	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("journal writer stop timed out")
		return ctx.Err()
	}

	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	// Final drain and flush
drain:
	for {
		select {
		case t := <-w.input:
			w.add(t)
		default:
			break drain
		}
	}
	w.flush()

	w.logger.Info("journal writer stopped")
	return nil
}

// Stats returns current metrics.
func (w *Writer) Stats() Metrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

func (w *Writer) run() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case t := <-w.input:
			if w.add(t) {
				w.flush()
			}
		case <-w.flushTicker.C:
			w.flush()
		}
	}
}

// add appends t to the batch and reports whether the batch is full.
func (w *Writer) add(t connection.Transition) bool {
	row := w.transform(t)

	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	w.batch = append(w.batch, row)
	return len(w.batch) >= w.cfg.BatchSize
}

func (w *Writer) transform(t connection.Transition) transitionRow {
	return transitionRow{
		ID:        uuid.New(),
		Instance:  w.cfg.Instance,
		SessionID: t.SessionID,
		From:      t.From.String(),
		To:        t.To.String(),
		Reason:    t.Reason,
		Attempt:   t.Attempt,
		At:        t.At.UTC(),
	}
}

// flush writes the current batch to the database.
func (w *Writer) flush() {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]transitionRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed transitions",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING. It
// runs on its own timeout so the final flush in Stop still succeeds.
func (w *Writer) batchInsert(rows []transitionRow) (conflicts int, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.WriteTimeout)
	defer cancel()

	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertSQL, r.ID, r.Instance, r.SessionID, r.From, r.To, r.Reason, r.Attempt, r.At)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
