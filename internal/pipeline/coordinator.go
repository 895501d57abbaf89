package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/keirinlab/keirinfeed/internal/domain"
	"github.com/keirinlab/keirinfeed/internal/metrics"
)

// ErrRunInProgress rejects a second concurrent run. Triggers that collide
// with a running window are dropped, never queued.
var ErrRunInProgress = errors.New("a pipeline run is already in progress")

// StageRunner is one pipeline stage, keyed by the ledger step it owns.
type StageRunner interface {
	Step() domain.Step
	Run(ctx context.Context, w Window) StageResult
}

// RunParams describes one requested window. An empty Steps list means all
// five stages.
type RunParams struct {
	Start      time.Time
	End        time.Time
	Steps      []domain.Step
	CupID      int64
	Force      bool
	DryRun     bool
	VenueCodes []string
}

// Coordinator sequences stages in ascending order over one window at a
// time. A failed critical stage short-circuits the remaining stages; a
// failed non-critical one does not.
type Coordinator struct {
	stages  map[domain.Step]StageRunner
	metrics *metrics.Registry
	running atomic.Bool
}

func NewCoordinator(m *metrics.Registry, stages ...StageRunner) *Coordinator {
	byStep := make(map[domain.Step]StageRunner, len(stages))
	for _, s := range stages {
		byStep[s.Step()] = s
	}
	return &Coordinator{stages: byStep, metrics: m}
}

// Running reports whether a window is currently executing.
func (c *Coordinator) Running() bool { return c.running.Load() }

func (c *Coordinator) Run(ctx context.Context, p RunParams) (*RunReport, error) {
	steps, err := domain.NormalizeSteps(p.Steps)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		steps = domain.AllSteps
	}
	if p.End.Before(p.Start) {
		return nil, fmt.Errorf("window end %s precedes start %s",
			p.End.Format("2006-01-02"), p.Start.Format("2006-01-02"))
	}

	if !c.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer c.running.Store(false)

	if c.metrics != nil {
		c.metrics.RunsTotal.Inc()
		c.metrics.RunsActive.Inc()
		defer c.metrics.RunsActive.Dec()
	}

	w := Window{
		Start:      p.Start,
		End:        p.End,
		CupID:      p.CupID,
		Force:      p.Force,
		DryRun:     p.DryRun,
		VenueCodes: p.VenueCodes,
	}
	report := &RunReport{RunID: uuid.NewString()}

	log.Info().
		Str("run_id", report.RunID).
		Time("start", w.Start).
		Time("end", w.End).
		Int64("cup_id", w.CupID).
		Bool("force", w.Force).
		Bool("dry_run", w.DryRun).
		Int("stages", len(steps)).
		Msg("Pipeline run started")

	aborted := false
	for _, step := range steps {
		switch {
		case aborted:
			report.Results = append(report.Results,
				StageResult{Step: step, Message: "skipped: earlier critical stage failed"})
			continue
		case ctx.Err() != nil:
			report.Results = append(report.Results,
				StageResult{Step: step, Message: "skipped: run cancelled"})
			continue
		}

		runner, ok := c.stages[step]
		if !ok {
			report.Results = append(report.Results,
				StageResult{Step: step, Message: "stage not configured"})
			if step.Critical() {
				aborted = true
			}
			continue
		}

		res := c.runStage(ctx, runner, w)
		report.Results = append(report.Results, res)
		if !res.OK && step.Critical() {
			aborted = true
			log.Error().
				Str("run_id", report.RunID).
				Str("stage", step.String()).
				Str("cause", res.Message).
				Msg("Critical stage failed, aborting window")
		}
	}

	log.Info().
		Str("run_id", report.RunID).
		Bool("total_ok", report.TotalOK()).
		Msg("Pipeline run finished")
	return report, nil
}

func (c *Coordinator) runStage(ctx context.Context, runner StageRunner, w Window) StageResult {
	step := runner.Step()
	var timer *metrics.StageTimer
	if c.metrics != nil {
		timer = c.metrics.StartStageTimer(step.String())
	}

	res := runner.Run(ctx, w)

	if timer != nil {
		label := "ok"
		if !res.OK {
			label = "error"
		}
		timer.Stop(label)
	}
	log.Info().
		Str("stage", step.String()).
		Bool("ok", res.OK).
		Int("count", res.Count).
		Str("message", res.Message).
		Msg("Stage finished")
	return res
}
