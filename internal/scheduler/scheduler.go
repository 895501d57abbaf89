// Package scheduler fires pipeline runs at configured wall-clock times.
// Triggers are HH:MM entries read from the persisted schedule_list; a run
// already in progress makes a colliding trigger a no-op, never a queue entry.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/keirinlab/keirinfeed/internal/config"
	"github.com/keirinlab/keirinfeed/internal/domain"
	"github.com/keirinlab/keirinfeed/internal/metrics"
	"github.com/keirinlab/keirinfeed/internal/pipeline"
)

// tickInterval is how often the scheduler compares the clock against its
// trigger list. One tick per minute is enough: triggers have minute
// resolution.
const tickInterval = 60 * time.Second

// Runner executes one pipeline window. Satisfied by *pipeline.Coordinator.
type Runner interface {
	Run(ctx context.Context, p pipeline.RunParams) (*pipeline.RunReport, error)
}

// Scheduler holds the trigger list and the ticker loop. Stop and Start make
// reloads and manual runs safe: both simply stop the loop and start a fresh
// one when done.
type Scheduler struct {
	runner  Runner
	metrics *metrics.Registry
	now     func() time.Time

	mu          sync.Mutex
	triggers    []config.Trigger
	cancel      context.CancelFunc
	done        chan struct{}
	lastChecked string
}

// New creates a stopped scheduler over the given triggers.
func New(runner Runner, triggers []config.Trigger, m *metrics.Registry) *Scheduler {
	return &Scheduler{
		runner:   runner,
		metrics:  m,
		now:      time.Now,
		triggers: triggers,
	}
}

// Start launches the ticker loop. Starting a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	enabled := 0
	for _, tr := range s.triggers {
		if tr.Enabled {
			enabled++
		}
	}
	log.Info().
		Int("triggers", len(s.triggers)).
		Int("enabled", enabled).
		Msg("Scheduler started")

	go s.loop(loopCtx, s.done)
}

// Stop halts the ticker loop and waits for it to exit. A run started by an
// earlier tick keeps going; only the clock watching stops.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Info().Msg("Scheduler stopped")
}

// Running reports whether the ticker loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Reload swaps in a new trigger list by restarting the loop, so a saved
// configuration takes effect at the next tick.
func (s *Scheduler) Reload(ctx context.Context, triggers []config.Trigger) {
	wasRunning := s.Running()
	s.Stop()

	s.mu.Lock()
	s.triggers = triggers
	s.lastChecked = ""
	s.mu.Unlock()

	if wasRunning {
		s.Start(ctx)
	}
	log.Info().Int("triggers", len(triggers)).Msg("Scheduler reloaded")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires at most one trigger for the current local minute. The minute is
// remembered so a slow previous tick cannot fire the same trigger twice.
func (s *Scheduler) tick(ctx context.Context) {
	minute := s.now().Format("15:04")

	s.mu.Lock()
	if s.lastChecked == minute {
		s.mu.Unlock()
		return
	}
	s.lastChecked = minute

	var fired *config.Trigger
	for i := range s.triggers {
		if s.triggers[i].Enabled && s.triggers[i].Time == minute {
			fired = &s.triggers[i]
			break
		}
	}
	s.mu.Unlock()

	if fired == nil {
		return
	}
	s.fire(ctx, *fired)
}

// fire runs the trigger's steps over the check-update window. A collision
// with an in-progress run is logged and skipped.
func (s *Scheduler) fire(ctx context.Context, tr config.Trigger) {
	steps := make([]domain.Step, 0, len(tr.Steps))
	for _, n := range tr.Steps {
		steps = append(steps, domain.Step(n))
	}

	start, end := CheckUpdateWindow(s.now())
	log.Info().
		Str("trigger", tr.Time).
		Ints("steps", tr.Steps).
		Time("start", start).
		Time("end", end).
		Msg("Trigger fired")

	report, err := s.runner.Run(ctx, pipeline.RunParams{
		Start: start,
		End:   end,
		Steps: steps,
	})
	switch {
	case errors.Is(err, pipeline.ErrRunInProgress):
		if s.metrics != nil {
			s.metrics.SchedulerSkips.Inc()
		}
		log.Warn().Str("trigger", tr.Time).Msg("Run in progress, trigger skipped")
	case err != nil:
		log.Error().Err(err).Str("trigger", tr.Time).Msg("Triggered run failed to start")
	default:
		log.Info().
			Str("trigger", tr.Time).
			Str("run_id", report.RunID).
			Bool("total_ok", report.TotalOK()).
			Msg("Triggered run finished")
	}
}

// CheckUpdateWindow is the incremental window a trigger covers: yesterday
// through tomorrow, on date boundaries in the local zone.
func CheckUpdateWindow(now time.Time) (time.Time, time.Time) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return today.AddDate(0, 0, -1), today.AddDate(0, 0, 1)
}
