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

const upsertPlayer = `
	INSERT INTO players (player_id, name, age, prefecture, term, class, style,
	                     points, first_rate, second_rate, third_rate)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (player_id) DO UPDATE SET
		name        = EXCLUDED.name,
		age         = EXCLUDED.age,
		prefecture  = EXCLUDED.prefecture,
		term        = EXCLUDED.term,
		class       = EXCLUDED.class,
		style       = EXCLUDED.style,
		points      = EXCLUDED.points,
		first_rate  = EXCLUDED.first_rate,
		second_rate = EXCLUDED.second_rate,
		third_rate  = EXCLUDED.third_rate`

const upsertEntry = `
	INSERT INTO entries (race_id, frame, player_id, is_absent)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (race_id, frame) DO UPDATE SET
		player_id = EXCLUDED.player_id,
		is_absent = EXCLUDED.is_absent`

const upsertLinePrediction = `
	INSERT INTO line_predictions (race_id, line_type, formation)
	VALUES ($1, $2, $3)
	ON CONFLICT (race_id, line_type) DO UPDATE SET
		formation = EXCLUDED.formation`

// Step3Saver owns entries, players and line_predictions. A race's detail and
// its completion mark commit together.
type Step3Saver struct {
	g      *db.Gateway
	ledger *Ledger
}

func NewStep3Saver(g *db.Gateway, ledger *Ledger) *Step3Saver {
	return &Step3Saver{g: g, ledger: ledger}
}

func (s *Step3Saver) Save(ctx context.Context, raceID int64, detail *winticket.RaceDetailResponse) (int, error) {
	players := detail.DomainPlayers()
	entries := detail.DomainEntries(raceID)
	predictions := detail.DomainLinePredictions(raceID)

	err := s.g.InTx(ctx, func(tx *sqlx.Tx) error {
		for _, p := range players {
			if _, err := tx.ExecContext(ctx, upsertPlayer,
				p.ID, p.Name, p.Age, p.Prefecture, p.Term, p.Class, p.Style,
				p.Points, p.FirstRate, p.SecondRate, p.ThirdRate); err != nil {
				return fmt.Errorf("failed to save player %s: %w", p.ID, err)
			}
		}
		for _, e := range entries {
			if _, err := tx.ExecContext(ctx, upsertEntry,
				e.RaceID, e.Frame, e.PlayerID, e.IsAbsent); err != nil {
				return fmt.Errorf("failed to save entry %d/%d: %w", e.RaceID, e.Frame, err)
			}
		}
		for _, lp := range predictions {
			if _, err := tx.ExecContext(ctx, upsertLinePrediction,
				lp.RaceID, lp.LineType, lp.Formation); err != nil {
				return fmt.Errorf("failed to save line prediction for race %d: %w", lp.RaceID, err)
			}
		}
		return s.ledger.MarkTx(ctx, tx, domain.Step3, raceID, domain.StatusCompleted)
	})
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Step3Updater fetches race details across a bounded worker pool. Entry
// lists appear race by race as fields close, so this stage sees the most
// not-yet-published responses.
type Step3Updater struct {
	extractor *Extractor
	client    *winticket.Client
	saver     *Step3Saver
	ledger    *Ledger
	workers   int
	metrics   *metrics.Registry
}

func NewStep3Updater(extractor *Extractor, client *winticket.Client, saver *Step3Saver, ledger *Ledger, workers int, m *metrics.Registry) *Step3Updater {
	return &Step3Updater{
		extractor: extractor,
		client:    client,
		saver:     saver,
		ledger:    ledger,
		workers:   workers,
		metrics:   m,
	}
}

func (u *Step3Updater) Step() domain.Step { return domain.Step3 }

func (u *Step3Updater) Run(ctx context.Context, w Window) StageResult {
	items, err := u.extractor.RacesForDetail(ctx, w)
	if err != nil {
		return failResult(domain.Step3, err)
	}
	if w.DryRun {
		return okResult(domain.Step3, len(items),
			fmt.Sprintf("dry run: %d races to fetch", len(items)))
	}
	if len(items) == 0 {
		return okResult(domain.Step3, 0, "no races to fetch")
	}

	if err := u.ledger.MarkProcessing(ctx, domain.Step3, raceIDs(items)); err != nil {
		return failResult(domain.Step3, err)
	}

	counters := newStageCounters(domain.Step3, u.metrics)
	poolErr := forEachItem(ctx, u.workers, items, func(item WorkItem) {
		counters.count(u.processItem(ctx, item))
	})
	return counters.result(poolErr)
}

func (u *Step3Updater) processItem(ctx context.Context, item WorkItem) itemOutcome {
	detail, err := u.client.FetchRaceDetail(ctx, item.CupID, item.ScheduleIndex, item.Number)
	switch {
	case err == nil:
	case errors.Is(err, httpclient.ErrNotYetPublished):
		log.Debug().Stringer("race", item.Key()).Msg("Race detail not yet published")
		if merr := u.ledger.Mark(ctx, domain.Step3, item.RaceID, domain.StatusPending); merr != nil {
			log.Error().Err(merr).Stringer("race", item.Key()).Msg("Ledger update failed")
			return itemFailed
		}
		return itemPending
	case isCancellation(err):
		return itemSkipped
	default:
		u.fail(ctx, item, err)
		return itemFailed
	}

	if _, err := u.saver.Save(ctx, item.RaceID, detail); err != nil {
		if isCancellation(err) {
			return itemSkipped
		}
		u.fail(ctx, item, err)
		return itemFailed
	}
	return itemSaved
}

// fail logs the error and records it on the ledger so the race is excluded
// from later incremental runs until forced.
func (u *Step3Updater) fail(ctx context.Context, item WorkItem, err error) {
	log.Error().Err(err).Stringer("race", item.Key()).Msg("Race detail update failed")
	if merr := u.ledger.Mark(ctx, domain.Step3, item.RaceID, domain.StatusError); merr != nil {
		log.Error().Err(merr).Stringer("race", item.Key()).Msg("Ledger update failed")
	}
}
