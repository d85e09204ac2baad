package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"PerpRecon/internal/core"
	"PerpRecon/internal/observability"
	"PerpRecon/internal/resilience"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// WorkerConfig controls batching.
type WorkerConfig struct {
	BatchSize      int
	FlushTimeout   time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	ShutdownFlush  time.Duration
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:      500,
		FlushTimeout:   100 * time.Millisecond,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		ShutdownFlush:  10 * time.Second,
	}
}

// Worker drains the persist channel and batch-writes to Postgres. It runs
// independently of the reconcilers; they send to it with a blocking send, so
// if it falls behind the pipelines stall and nothing is lost.
type Worker struct {
	db      *sql.DB
	writer  *Writer
	input   <-chan core.Output
	cfg     WorkerConfig
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewWorker(db *sql.DB, input <-chan core.Output, cfg WorkerConfig, logger zerolog.Logger, metrics *observability.Metrics) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultWorkerConfig().BatchSize
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultWorkerConfig().FlushTimeout
	}
	return &Worker{
		db:      db,
		writer:  NewWriter(db),
		input:   input,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. It returns when ctx is cancelled or the input
// channel is closed, after a final flush.
func (w *Worker) Run(ctx context.Context) error {
	batch := NewBatch()

	timer := time.NewTimer(w.cfg.FlushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.finalFlush(batch)
			return ctx.Err()

		case out, ok := <-w.input:
			if !ok {
				w.finalFlush(batch)
				return nil
			}
			if !batch.Add(out) {
				continue
			}
			if batch.Len() >= w.cfg.BatchSize {
				if err := w.flushWithRetry(ctx, batch); err != nil {
					w.logger.Error().Err(err).Int("rows", batch.Len()).Msg("batch flush failed")
				}
				batch.Reset()
				timer.Reset(w.cfg.FlushTimeout)
			}

		case <-timer.C:
			if batch.Len() > 0 {
				if err := w.flushWithRetry(ctx, batch); err != nil {
					w.logger.Error().Err(err).Int("rows", batch.Len()).Msg("timeout flush failed")
				}
				batch.Reset()
			}
			if w.metrics != nil {
				w.metrics.ChannelSize.WithLabelValues("persist").Set(float64(len(w.input)))
			}
			timer.Reset(w.cfg.FlushTimeout)
		}
	}
}

func (w *Worker) finalFlush(batch *Batch) {
	// Drain what the pipelines already handed over.
	for {
		select {
		case out, ok := <-w.input:
			if ok {
				batch.Add(out)
				continue
			}
		default:
		}
		break
	}
	if batch.Len() == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.ShutdownFlush)
	defer cancel()
	if err := w.flush(ctx, batch); err != nil {
		w.logger.Error().Err(err).Int("rows", batch.Len()).Msg("final flush failed")
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds,
// the error is permanent, or ctx is cancelled. On cancellation one last
// attempt is made with a fresh context so the batch is not lost.
func (w *Worker) flushWithRetry(ctx context.Context, batch *Batch) error {
	b := resilience.NewBackoff(w.cfg.InitialBackoff, w.cfg.MaxBackoff)

	for attempt := 0; ; attempt++ {
		err := w.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				w.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded after retry")
			}
			return nil
		}
		if !IsRetryable(err) {
			return err
		}

		wait := b.NextBackOff()
		w.logger.Warn().Err(err).
			Int("attempt", attempt+1).
			Dur("backoff", wait).
			Int("rows", batch.Len()).
			Msg("persistence retry")
		if w.metrics != nil {
			w.metrics.PersistRetry.Inc()
		}

		if resilience.Sleep(ctx, wait) != nil {
			finalCtx, cancel := context.WithTimeout(context.Background(), w.cfg.ShutdownFlush)
			defer cancel()
			return w.flush(finalCtx, batch)
		}
	}
}

// IsRetryable reports whether a write error may succeed on a later attempt.
// Integrity constraint violations (SQLSTATE class 23) and malformed
// statements (class 42) never will.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "23", "42", "22":
			return false
		}
	}
	return true
}

func (w *Worker) flush(ctx context.Context, batch *Batch) error {
	start := time.Now()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		w.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteOrders(ctx, tx, batch.Orders); err != nil {
		w.countError("orders")
		return err
	}
	if err := w.writer.WriteFills(ctx, tx, batch.Fills); err != nil {
		w.countError("fills")
		return err
	}
	if err := w.writer.WriteAudit(ctx, tx, batch.Audit); err != nil {
		w.countError("audit")
		return err
	}
	if err := w.writer.WriteFunding(ctx, tx, batch.Funding); err != nil {
		w.countError("funding")
		return err
	}
	if err := tx.Commit(); err != nil {
		w.countError("tx_commit")
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistRowsWritten.WithLabelValues("orders").Add(float64(len(batch.Orders)))
		w.metrics.PersistRowsWritten.WithLabelValues("fills").Add(float64(len(batch.Fills)))
		w.metrics.PersistRowsWritten.WithLabelValues("audit").Add(float64(len(batch.Audit)))
		w.metrics.PersistRowsWritten.WithLabelValues("funding").Add(float64(len(batch.Funding)))
	}
	return nil
}

func (w *Worker) countError(table string) {
	if w.metrics != nil {
		w.metrics.PersistErrors.WithLabelValues(table).Inc()
	}
}
