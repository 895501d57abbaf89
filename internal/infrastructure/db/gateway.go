package db

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/keirinlab/keirinfeed/internal/metrics"
)

const (
	// txMaxAttempts bounds deadlock retries: one initial attempt plus two
	// retries at 0.5*2^k seconds.
	txMaxAttempts = 3
	txRetryBase   = 500 * time.Millisecond

	// DefaultBatchSize is the chunk size for batched writes.
	DefaultBatchSize = 100
)

// Postgres error codes the gateway inspects.
const (
	pgDeadlockDetected = "40P01"
	pgLockNotAvailable = "55P03"
	pgUniqueViolation  = "23505"
)

// Gateway is the single write/read path to the store. Callers pass native
// time.Time values for timestamp columns, never formatted strings.
type Gateway struct {
	db           *sqlx.DB
	queryTimeout time.Duration
	batchSize    int
	metrics      *metrics.Registry
}

// NewGateway wraps an open pool. A nil metrics registry disables counters.
func NewGateway(db *sqlx.DB, queryTimeout time.Duration, batchSize int, m *metrics.Registry) *Gateway {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Gateway{
		db:           db,
		queryTimeout: queryTimeout,
		batchSize:    batchSize,
		metrics:      m,
	}
}

// DB exposes the underlying pool for schema setup and health checks.
func (g *Gateway) DB() *sqlx.DB { return g.db }

// Select runs a query and scans all rows into dest (a slice pointer).
func (g *Gateway) Select(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	qctx, cancel := context.WithTimeout(ctx, g.queryTimeout)
	defer cancel()
	if err := g.db.SelectContext(qctx, dest, query, args...); err != nil {
		return fmt.Errorf("query failed: %w", err)
	}
	return nil
}

// Get runs a query expected to return one row.
func (g *Gateway) Get(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	qctx, cancel := context.WithTimeout(ctx, g.queryTimeout)
	defer cancel()
	if err := g.db.GetContext(qctx, dest, query, args...); err != nil {
		return fmt.Errorf("query failed: %w", err)
	}
	return nil
}

// Exec runs one statement and returns the affected row count.
func (g *Gateway) Exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	qctx, cancel := context.WithTimeout(ctx, g.queryTimeout)
	defer cancel()
	res, err := g.db.ExecContext(qctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("exec failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return affected, nil
}

// ExecBatch runs one statement for every parameter row, chunked. A failing
// chunk falls back to per-row execution so good rows are salvaged and the
// bad row is pinpointed. Cancellation is honored between chunks.
func (g *Gateway) ExecBatch(ctx context.Context, query string, paramList [][]interface{}) (int64, error) {
	if len(paramList) == 0 {
		return 0, nil
	}

	var (
		affected int64
		badRows  int
		firstErr error
	)

	for start := 0; start < len(paramList); start += g.batchSize {
		if err := ctx.Err(); err != nil {
			return affected, err
		}
		end := start + g.batchSize
		if end > len(paramList) {
			end = len(paramList)
		}
		chunk := paramList[start:end]

		n, err := g.execChunk(ctx, query, chunk)
		if err == nil {
			affected += n
			continue
		}

		if g.metrics != nil {
			g.metrics.BatchFallbacks.Inc()
		}
		log.Warn().
			Err(err).
			Int("rows", len(chunk)).
			Msg("Batch chunk failed, falling back to per-row execution")

		for _, params := range chunk {
			n, rowErr := g.Exec(ctx, query, params...)
			if rowErr != nil {
				badRows++
				if firstErr == nil {
					firstErr = rowErr
				}
				log.Error().Err(rowErr).Msg("Row rejected during batch fallback")
				continue
			}
			affected += n
		}
	}

	if badRows > 0 {
		return affected, fmt.Errorf("%d rows rejected: %w", badRows, firstErr)
	}
	return affected, nil
}

// execChunk executes one chunk inside a transaction with a prepared
// statement.
func (g *Gateway) execChunk(ctx context.Context, query string, chunk [][]interface{}) (int64, error) {
	var affected int64
	err := g.InTx(ctx, func(tx *sqlx.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		affected = 0
		for _, params := range chunk {
			res, err := stmt.ExecContext(ctx, params...)
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err == nil {
				affected += n
			}
		}
		return nil
	})
	return affected, err
}

// InTx opens a transaction, passes it to fn, commits on nil return and
// rolls back on error or panic. Transactions reporting a deadlock or lock
// timeout are retried up to txMaxAttempts with jittered exponential delay.
func (g *Gateway) InTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	var lastErr error
	for attempt := 1; attempt <= txMaxAttempts; attempt++ {
		if attempt > 1 {
			delay := txRetryBase * time.Duration(1<<uint(attempt-2))
			delay += time.Duration(rand.Float64() * 0.2 * float64(delay))
			log.Warn().
				Int("attempt", attempt).
				Dur("delay", delay).
				Err(lastErr).
				Msg("Retrying transaction after lock conflict")
			if g.metrics != nil {
				g.metrics.DeadlockRetries.Inc()
			}
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}

		err := g.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !IsLockConflict(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("transaction failed after %d attempts: %w", txMaxAttempts, lastErr)
}

func (g *Gateway) runTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := g.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Error().Err(rbErr).Msg("Rollback failed")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// IsLockConflict reports whether err is a deadlock or lock-wait timeout.
func IsLockConflict(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgDeadlockDetected || string(pqErr.Code) == pgLockNotAvailable
	}
	return false
}

// IsUniqueViolation reports whether err is a duplicate-key conflict.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgUniqueViolation
	}
	return false
}
