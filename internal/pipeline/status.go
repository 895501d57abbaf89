package pipeline

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/keirinlab/keirinfeed/internal/domain"
	"github.com/keirinlab/keirinfeed/internal/infrastructure/db"
	"github.com/keirinlab/keirinfeed/internal/metrics"
)

// Ledger writes race_status transitions. Completion marks always travel
// inside the same transaction as the data they describe; the standalone
// methods exist for the dispatch and not-yet-published paths, which carry
// no data writes.
type Ledger struct {
	g       *db.Gateway
	metrics *metrics.Registry
}

func NewLedger(g *db.Gateway, m *metrics.Registry) *Ledger {
	return &Ledger{g: g, metrics: m}
}

// MarkProcessing flips a batch of races to processing as they are handed to
// workers.
func (l *Ledger) MarkProcessing(ctx context.Context, step domain.Step, raceIDs []int64) error {
	if len(raceIDs) == 0 {
		return nil
	}
	query := fmt.Sprintf(
		`UPDATE race_status SET %s = $1, updated_at = now() WHERE race_id = ANY($2)`,
		step.Column())
	if _, err := l.g.Exec(ctx, query, domain.StatusProcessing, pq.Array(raceIDs)); err != nil {
		return fmt.Errorf("failed to mark %s processing: %w", step, err)
	}
	l.record(step, domain.StatusProcessing, len(raceIDs))
	return nil
}

// Mark sets one race's step column outside a transaction.
func (l *Ledger) Mark(ctx context.Context, step domain.Step, raceID int64, status domain.StepStatus) error {
	query := fmt.Sprintf(
		`UPDATE race_status SET %s = $1, updated_at = now() WHERE race_id = $2`,
		step.Column())
	if _, err := l.g.Exec(ctx, query, status, raceID); err != nil {
		return fmt.Errorf("failed to mark %s %s for race %d: %w", step, status, raceID, err)
	}
	l.record(step, status, 1)
	return nil
}

// MarkTx sets one race's step column inside the caller's transaction.
func (l *Ledger) MarkTx(ctx context.Context, tx *sqlx.Tx, step domain.Step, raceID int64, status domain.StepStatus) error {
	query := fmt.Sprintf(
		`UPDATE race_status SET %s = $1, updated_at = now() WHERE race_id = $2`,
		step.Column())
	if _, err := tx.ExecContext(ctx, query, status, raceID); err != nil {
		return fmt.Errorf("failed to mark %s %s for race %d: %w", step, status, raceID, err)
	}
	l.record(step, status, 1)
	return nil
}

// EnsurePendingTx creates the all-pending ledger row for a race. Existing
// rows are left untouched, which is what makes re-runs idempotent.
func (l *Ledger) EnsurePendingTx(ctx context.Context, tx *sqlx.Tx, raceID int64) error {
	const query = `
		INSERT INTO race_status (race_id, step1_status, step2_status, step3_status, step4_status, step5_status, updated_at)
		VALUES ($1, $2, $2, $2, $2, $2, now())
		ON CONFLICT (race_id) DO NOTHING`
	if _, err := tx.ExecContext(ctx, query, raceID, domain.StatusPending); err != nil {
		return fmt.Errorf("failed to create ledger row for race %d: %w", raceID, err)
	}
	return nil
}

func (l *Ledger) record(step domain.Step, status domain.StepStatus, n int) {
	if l.metrics == nil {
		return
	}
	l.metrics.LedgerTransitions.WithLabelValues(step.String(), string(status)).Add(float64(n))
}
