package writer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/RWTH-EBC/PHOENAIX/internal/metrics"
	"github.com/RWTH-EBC/PHOENAIX/internal/router"
)

// ErrClosed is returned when recording on a stopped writer.
var ErrClosed = errors.New("writer closed")

// DB is the subset of *pgxpool.Pool the writer uses.
type DB interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Schema creates the result tables.
const Schema = `
CREATE TABLE IF NOT EXISTS negotiations (
	run_id         UUID PRIMARY KEY,
	round          BIGINT NOT NULL,
	coordinator_id TEXT NOT NULL,
	started_at     TIMESTAMPTZ NOT NULL,
	duration_ms    BIGINT NOT NULL,
	offer_rounds   INTEGER NOT NULL,
	bids           INTEGER NOT NULL,
	trades         INTEGER NOT NULL,
	error          TEXT
);
CREATE TABLE IF NOT EXISTS bids (
	run_id         UUID NOT NULL,
	round          BIGINT NOT NULL,
	agent_id       TEXT NOT NULL,
	buying         BOOLEAN NOT NULL,
	prices         DOUBLE PRECISION[] NOT NULL,
	quantities     DOUBLE PRECISION[] NOT NULL,
	mean_price     DOUBLE PRECISION NOT NULL,
	total_quantity DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (run_id, agent_id)
);
CREATE TABLE IF NOT EXISTS trades (
	run_id     UUID NOT NULL,
	round      BIGINT NOT NULL,
	buyer      TEXT NOT NULL,
	seller     TEXT NOT NULL,
	prices     DOUBLE PRECISION[] NOT NULL,
	quantities DOUBLE PRECISION[] NOT NULL,
	quantity   DOUBLE PRECISION NOT NULL,
	amount     NUMERIC NOT NULL,
	PRIMARY KEY (run_id, seller, buyer)
);
CREATE TABLE IF NOT EXISTS rounds (
	round          BIGINT NOT NULL,
	started_at     TIMESTAMPTZ NOT NULL,
	duration_ms    BIGINT NOT NULL,
	negotiation_ms BIGINT NOT NULL,
	overran        BOOLEAN NOT NULL,
	error          TEXT,
	phases         JSONB NOT NULL,
	PRIMARY KEY (round, started_at)
);`

// row is anything the writer can queue into a batch.
type row interface {
	queue(b *pgx.Batch)
}

func (r negotiationRow) queue(b *pgx.Batch) {
	b.Queue(`
		INSERT INTO negotiations (run_id, round, coordinator_id, started_at, duration_ms, offer_rounds, bids, trades, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''))
		ON CONFLICT (run_id) DO NOTHING
	`, r.RunID, r.Round, r.CoordinatorID, r.StartedAt, r.DurationMs, r.OfferRounds, r.Bids, r.Trades, r.Error)
}

func (r bidRow) queue(b *pgx.Batch) {
	b.Queue(`
		INSERT INTO bids (run_id, round, agent_id, buying, prices, quantities, mean_price, total_quantity)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id, agent_id) DO NOTHING
	`, r.RunID, r.Round, r.AgentID, r.Buying, r.Prices, r.Quantities, r.MeanPrice, r.TotalQuantity)
}

func (r tradeRow) queue(b *pgx.Batch) {
	b.Queue(`
		INSERT INTO trades (run_id, round, buyer, seller, prices, quantities, quantity, amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric)
		ON CONFLICT (run_id, seller, buyer) DO NOTHING
	`, r.RunID, r.Round, r.Buyer, r.Seller, r.Prices, r.Quantities, r.Quantity, r.Amount)
}

func (r roundRow) queue(b *pgx.Batch) {
	b.Queue(`
		INSERT INTO rounds (round, started_at, duration_ms, negotiation_ms, overran, error, phases)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
		ON CONFLICT (round, started_at) DO NOTHING
	`, r.Round, r.StartedAt, r.DurationMs, r.NegotiationMs, r.Overran, r.Error, r.Phases)
}

// ResultWriter consumes result rows from its buffer and writes them to
// PostgreSQL in batches.
type ResultWriter struct {
	cfg    WriterConfig
	logger *slog.Logger

	// Rows queued by RecordNegotiation and RecordRound
	input *router.GrowableBuffer[row]

	// Database
	db DB

	// Batching
	batch       []row
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	metrics WriterMetrics
}

// NewResultWriter creates a new ResultWriter.
func NewResultWriter(cfg WriterConfig, db DB, logger *slog.Logger) *ResultWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResultWriter{
		cfg:    cfg,
		input:  router.NewGrowableBuffer[row](64),
		db:     db,
		logger: logger.With("component", "result_writer"),
		batch:  make([]row, 0, cfg.BatchSize),
	}
}

// EnsureSchema creates the result tables if they do not exist.
func (w *ResultWriter) EnsureSchema(ctx context.Context) error {
	_, err := w.db.Exec(ctx, Schema)
	return err
}

// Start begins consuming rows and writing to the database.
func (w *ResultWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	// Consumer goroutine
	w.wg.Add(1)
	go w.consumeLoop()

	// Flush ticker goroutine
	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("result writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop gracefully shuts down the writer, flushing whatever is queued.
func (w *ResultWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping result writer")

	if w.cancel != nil {
		w.cancel()
	}

	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	w.input.Close()

	// Wait for goroutines
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("result writer stopped")
	case <-ctx.Done():
		w.logger.Warn("result writer stop timed out")
	}

	// Drain and final flush
	for {
		r, ok := w.input.TryReceive()
		if !ok {
			break
		}
		w.add(r)
	}
	w.flush(ctx)

	return nil
}

// Close stops the writer with a bounded final flush.
func (w *ResultWriter) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return w.Stop(ctx)
}

// Stats returns current metrics.
func (w *ResultWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// RecordNegotiation queues one negotiation with its bids and trades.
func (w *ResultWriter) RecordNegotiation(_ context.Context, rec NegotiationRecord) error {
	for _, r := range transformNegotiation(rec) {
		if !w.input.Send(r) {
			w.dropped()
			return ErrClosed
		}
	}
	return nil
}

// RecordRound queues one round's statistics.
func (w *ResultWriter) RecordRound(_ context.Context, stats metrics.RoundStats) error {
	r, err := transformRound(stats)
	if err != nil {
		return err
	}
	if !w.input.Send(r) {
		w.dropped()
		return ErrClosed
	}
	return nil
}

func (w *ResultWriter) dropped() {
	w.batchMu.Lock()
	w.metrics.Dropped++
	w.batchMu.Unlock()
}

// transformNegotiation converts a record into its table rows.
func transformNegotiation(rec NegotiationRecord) []row {
	round := int64(rec.Round)
	out := make([]row, 0, 1+len(rec.Bids)+len(rec.Trades))
	out = append(out, negotiationRow{
		RunID:         rec.RunID,
		Round:         round,
		CoordinatorID: rec.CoordinatorID,
		StartedAt:     rec.StartedAt,
		DurationMs:    rec.Duration.Milliseconds(),
		OfferRounds:   rec.OfferRounds,
		Bids:          len(rec.Bids),
		Trades:        len(rec.Trades),
		Error:         rec.Error,
	})
	for _, b := range rec.Bids {
		out = append(out, bidRow{
			RunID:         rec.RunID,
			Round:         round,
			AgentID:       b.AgentID,
			Buying:        b.Buying,
			Prices:        b.Prices(),
			Quantities:    b.Quantities(),
			MeanPrice:     b.MeanPrice(),
			TotalQuantity: b.TotalQuantity(),
		})
	}
	for _, t := range rec.Trades {
		amount := decimal.Zero
		for i := range t.Prices {
			amount = amount.Add(decimal.NewFromFloat(t.Prices[i]).Mul(decimal.NewFromFloat(t.Quantities[i])))
		}
		out = append(out, tradeRow{
			RunID:      rec.RunID,
			Round:      round,
			Buyer:      t.Buyer,
			Seller:     t.Seller,
			Prices:     t.Prices,
			Quantities: t.Quantities,
			Quantity:   t.TotalQuantity(),
			Amount:     amount.Round(6).String(),
		})
	}
	return out
}

func transformRound(s metrics.RoundStats) (roundRow, error) {
	phases, err := json.Marshal(s.Phases)
	if err != nil {
		return roundRow{}, err
	}
	return roundRow{
		Round:         int64(s.Round),
		StartedAt:     s.StartedAt,
		DurationMs:    s.Duration.Milliseconds(),
		NegotiationMs: s.NegotiationDuration.Milliseconds(),
		Overran:       s.Overran,
		Error:         s.Error,
		Phases:        phases,
	}, nil
}

// consumeLoop reads from the input buffer and accumulates batches.
func (w *ResultWriter) consumeLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
			r, ok := w.input.TryReceive()
			if !ok {
				// Buffer empty, wait a bit before trying again
				select {
				case <-w.ctx.Done():
					return
				case <-time.After(10 * time.Millisecond):
					continue
				}
			}

			if w.add(r) {
				w.flush(w.ctx)
			}
		}
	}
}

// flushLoop periodically flushes the batch.
func (w *ResultWriter) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush(w.ctx)
		}
	}
}

// add appends a row and reports whether the batch is full.
func (w *ResultWriter) add(r row) bool {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	w.batch = append(w.batch, r)
	return len(w.batch) >= w.cfg.BatchSize
}

// flush writes the current batch to the database.
func (w *ResultWriter) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]row, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	// The final flush runs after cancellation.
	ctx = context.WithoutCancel(ctx)
	conflicts, err := w.batchInsert(ctx, batch)
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

	w.logger.Debug("flushed results",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *ResultWriter) batchInsert(ctx context.Context, rows []row) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		r.queue(batch)
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
