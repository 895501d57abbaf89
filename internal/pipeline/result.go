package pipeline

import (
	"fmt"
	"sync/atomic"

	"github.com/keirinlab/keirinfeed/internal/domain"
	"github.com/keirinlab/keirinfeed/internal/metrics"
)

// StageResult is the per-stage outcome surfaced to the caller. OK is true
// only when the stage finished with zero per-item errors and was not
// cancelled.
type StageResult struct {
	Step    domain.Step `json:"step"`
	OK      bool        `json:"ok"`
	Message string      `json:"message"`
	Count   int         `json:"count"`
}

// RunReport aggregates one coordinator run.
type RunReport struct {
	RunID   string        `json:"run_id"`
	Results []StageResult `json:"results"`
}

// TotalOK reports whether every executed stage succeeded.
func (r *RunReport) TotalOK() bool {
	for _, res := range r.Results {
		if !res.OK {
			return false
		}
	}
	return true
}

func okResult(step domain.Step, count int, message string) StageResult {
	return StageResult{Step: step, OK: true, Message: message, Count: count}
}

func failResult(step domain.Step, err error) StageResult {
	return StageResult{Step: step, OK: false, Message: err.Error()}
}

// itemOutcome classifies one work item after processing.
type itemOutcome int

const (
	itemSaved itemOutcome = iota
	// itemPending marks a not-yet-published item, eligible next run.
	itemPending
	// itemSkipped marks items the stage refused without a ledger write.
	itemSkipped
	itemFailed
)

func (o itemOutcome) String() string {
	switch o {
	case itemSaved:
		return "saved"
	case itemPending:
		return "pending"
	case itemSkipped:
		return "skipped"
	default:
		return "failed"
	}
}

// stageCounters collects item outcomes across workers.
type stageCounters struct {
	step    domain.Step
	metrics *metrics.Registry

	saved   atomic.Int64
	pending atomic.Int64
	skipped atomic.Int64
	failed  atomic.Int64
}

func newStageCounters(step domain.Step, m *metrics.Registry) *stageCounters {
	return &stageCounters{step: step, metrics: m}
}

func (c *stageCounters) count(o itemOutcome) {
	switch o {
	case itemSaved:
		c.saved.Add(1)
	case itemPending:
		c.pending.Add(1)
	case itemSkipped:
		c.skipped.Add(1)
	case itemFailed:
		c.failed.Add(1)
	}
	if c.metrics != nil {
		c.metrics.RecordItem(c.step.String(), o.String())
	}
}

// result folds the counters into a StageResult. cancelErr, when non-nil,
// marks the run as interrupted regardless of item outcomes.
func (c *stageCounters) result(cancelErr error) StageResult {
	message := fmt.Sprintf("%d saved, %d pending, %d skipped, %d failed",
		c.saved.Load(), c.pending.Load(), c.skipped.Load(), c.failed.Load())
	if cancelErr != nil {
		message = "cancelled: " + message
	}
	return StageResult{
		Step:    c.step,
		OK:      c.failed.Load() == 0 && cancelErr == nil,
		Message: message,
		Count:   int(c.saved.Load()),
	}
}
