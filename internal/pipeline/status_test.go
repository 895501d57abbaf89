package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keirinlab/keirinfeed/internal/domain"
	"github.com/keirinlab/keirinfeed/internal/metrics"
)

func TestMarkProcessingBatch(t *testing.T) {
	g, mock := newTestStore(t)
	l := NewLedger(g, nil)

	mock.ExpectExec("UPDATE race_status SET step3_status").
		WithArgs(domain.StatusProcessing, pq.Array([]int64{101, 102, 103})).
		WillReturnResult(sqlmock.NewResult(0, 3))

	err := l.MarkProcessing(context.Background(), domain.Step3, []int64{101, 102, 103})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkProcessingEmptyBatchIsNoop(t *testing.T) {
	g, mock := newTestStore(t)
	l := NewLedger(g, nil)

	require.NoError(t, l.MarkProcessing(context.Background(), domain.Step4, nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSingleRace(t *testing.T) {
	g, mock := newTestStore(t)
	l := NewLedger(g, nil)

	mock.ExpectExec("UPDATE race_status SET step4_status").
		WithArgs(domain.StatusPending, int64(9001)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, l.Mark(context.Background(), domain.Step4, 9001, domain.StatusPending))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkWrapsStoreError(t *testing.T) {
	g, mock := newTestStore(t)
	l := NewLedger(g, nil)

	mock.ExpectExec("UPDATE race_status SET step5_status").
		WithArgs(domain.StatusError, int64(9001)).
		WillReturnError(errors.New("connection reset"))

	err := l.Mark(context.Background(), domain.Step5, 9001, domain.StatusError)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to mark step5 error for race 9001")
}

func TestMarkTxUsesCallerTransaction(t *testing.T) {
	g, mock := newTestStore(t)
	l := NewLedger(g, nil)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE race_status SET step5_status").
		WithArgs(domain.StatusCompleted, int64(9001)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := g.InTx(context.Background(), func(tx *sqlx.Tx) error {
		return l.MarkTx(context.Background(), tx, domain.Step5, 9001, domain.StatusCompleted)
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsurePendingTxLeavesExistingRowsAlone(t *testing.T) {
	g, mock := newTestStore(t)
	l := NewLedger(g, nil)

	mock.ExpectBegin()
	// ON CONFLICT DO NOTHING: zero rows affected when the race already has
	// a ledger row, and that is not an error.
	mock.ExpectExec("INSERT INTO race_status").
		WithArgs(int64(9001), domain.StatusPending).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := g.InTx(context.Background(), func(tx *sqlx.Tx) error {
		return l.EnsurePendingTx(context.Background(), tx, 9001)
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRecordsTransitions(t *testing.T) {
	g, mock := newTestStore(t)
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	l := NewLedger(g, reg)

	mock.ExpectExec("UPDATE race_status SET step3_status").
		WithArgs(domain.StatusProcessing, pq.Array([]int64{1, 2})).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("UPDATE race_status SET step3_status").
		WithArgs(domain.StatusPending, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, l.MarkProcessing(context.Background(), domain.Step3, []int64{1, 2}))
	require.NoError(t, l.Mark(context.Background(), domain.Step3, 1, domain.StatusPending))

	assert.Equal(t, 2.0, ledgerCount(t, reg, "step3", "processing"))
	assert.Equal(t, 1.0, ledgerCount(t, reg, "step3", "pending"))
}

func ledgerCount(t *testing.T, reg *metrics.Registry, step, to string) float64 {
	t.Helper()
	c, err := reg.LedgerTransitions.GetMetricWithLabelValues(step, to)
	require.NoError(t, err)
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}
