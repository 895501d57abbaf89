package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/keirinlab/keirinfeed/internal/domain"
	"github.com/keirinlab/keirinfeed/internal/infrastructure/db"
	"github.com/keirinlab/keirinfeed/internal/infrastructure/httpclient"
	"github.com/keirinlab/keirinfeed/internal/metrics"
	"github.com/keirinlab/keirinfeed/internal/providers/winticket"
)

const upsertSchedule = `
	INSERT INTO schedules (schedule_id, cup_id, date, schedule_index)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (schedule_id) DO UPDATE SET
		cup_id         = EXCLUDED.cup_id,
		date           = EXCLUDED.date,
		schedule_index = EXCLUDED.schedule_index`

const upsertRace = `
	INSERT INTO races (race_id, cup_id, schedule_id, number, name, status, distance,
	                   lap, entries_number, class, race_type, start_time, is_canceled)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (race_id) DO UPDATE SET
		cup_id         = EXCLUDED.cup_id,
		schedule_id    = EXCLUDED.schedule_id,
		number         = EXCLUDED.number,
		name           = EXCLUDED.name,
		status         = EXCLUDED.status,
		distance       = EXCLUDED.distance,
		lap            = EXCLUDED.lap,
		entries_number = EXCLUDED.entries_number,
		class          = EXCLUDED.class,
		race_type      = EXCLUDED.race_type,
		start_time     = EXCLUDED.start_time,
		is_canceled    = EXCLUDED.is_canceled`

// Step2Counts reports what one cup detail produced.
type Step2Counts struct {
	Schedules int
	Races     int
}

// Step2Saver owns the schedules and races tables plus ledger-row creation.
// One cup commits atomically so its day grid never half-appears.
type Step2Saver struct {
	g      *db.Gateway
	ledger *Ledger
}

func NewStep2Saver(g *db.Gateway, ledger *Ledger) *Step2Saver {
	return &Step2Saver{g: g, ledger: ledger}
}

func (s *Step2Saver) Save(ctx context.Context, detail *winticket.CupDetailResponse) (Step2Counts, error) {
	schedules, err := detail.DomainSchedules()
	if err != nil {
		return Step2Counts{}, fmt.Errorf("failed to map schedules: %w", err)
	}
	races := detail.DomainRaces()

	err = s.g.InTx(ctx, func(tx *sqlx.Tx) error {
		for _, sch := range schedules {
			if _, err := tx.ExecContext(ctx, upsertSchedule,
				sch.ID, sch.CupID, sch.Date, sch.Index); err != nil {
				return fmt.Errorf("failed to save schedule %d: %w", sch.ID, err)
			}
		}
		for _, race := range races {
			if _, err := tx.ExecContext(ctx, upsertRace,
				race.ID, race.CupID, race.ScheduleID, race.Number, race.Name,
				race.Status, race.Distance, race.Lap, race.EntriesNumber,
				race.Class, race.RaceType, race.StartTime, race.IsCanceled); err != nil {
				return fmt.Errorf("failed to save race %d: %w", race.ID, err)
			}
			if err := s.ledger.EnsurePendingTx(ctx, tx, race.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Step2Counts{}, err
	}
	return Step2Counts{Schedules: len(schedules), Races: len(races)}, nil
}

// Step2Updater fetches the schedule and race grid for each cup the
// extractor selected. Cups are processed sequentially; a cup that is not
// published yet is simply revisited on the next run, no ledger rows exist
// for it to mark.
type Step2Updater struct {
	extractor *Extractor
	client    *winticket.Client
	saver     *Step2Saver
	metrics   *metrics.Registry
}

func NewStep2Updater(extractor *Extractor, client *winticket.Client, saver *Step2Saver, m *metrics.Registry) *Step2Updater {
	return &Step2Updater{extractor: extractor, client: client, saver: saver, metrics: m}
}

func (u *Step2Updater) Step() domain.Step { return domain.Step2 }

func (u *Step2Updater) Run(ctx context.Context, w Window) StageResult {
	cupIDs, err := u.extractor.CupsForDetail(ctx, w)
	if err != nil {
		return failResult(domain.Step2, err)
	}
	if w.DryRun {
		return okResult(domain.Step2, len(cupIDs),
			fmt.Sprintf("dry run: %d cups to fetch", len(cupIDs)))
	}

	counters := newStageCounters(domain.Step2, u.metrics)
	var schedTotal, raceTotal int
	for _, cupID := range cupIDs {
		if err := ctx.Err(); err != nil {
			return counters.result(err)
		}

		counts, err := u.processCup(ctx, cupID)
		switch {
		case err == nil:
			counters.count(itemSaved)
			schedTotal += counts.Schedules
			raceTotal += counts.Races
		case errors.Is(err, httpclient.ErrNotYetPublished):
			counters.count(itemPending)
			log.Info().Int64("cup", cupID).Msg("Cup detail not yet published")
		case isCancellation(err):
			return counters.result(err)
		default:
			counters.count(itemFailed)
			log.Error().Err(err).Int64("cup", cupID).Msg("Cup detail update failed")
		}
	}

	res := counters.result(nil)
	res.Count = raceTotal
	res.Message = fmt.Sprintf("%d schedules and %d races saved across %d cups",
		schedTotal, raceTotal, counters.saved.Load())
	if n := counters.failed.Load(); n > 0 {
		res.Message += fmt.Sprintf(", %d cups failed", n)
	}
	return res
}

func (u *Step2Updater) processCup(ctx context.Context, cupID int64) (Step2Counts, error) {
	detail, err := u.client.FetchCupDetail(ctx, cupID)
	if err != nil {
		return Step2Counts{}, fmt.Errorf("failed to fetch cup %d: %w", cupID, err)
	}

	counts, err := u.saver.Save(ctx, detail)
	if err != nil {
		return Step2Counts{}, fmt.Errorf("failed to save cup %d: %w", cupID, err)
	}

	log.Debug().Int64("cup", cupID).
		Int("schedules", counts.Schedules).Int("races", counts.Races).
		Msg("Cup detail saved")
	return counts, nil
}
