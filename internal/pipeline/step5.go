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
	"github.com/keirinlab/keirinfeed/internal/providers/yenjoy"
)

const upsertResult = `
	INSERT INTO results (race_id, rank, frame, player_id, player_name, age,
	                     prefecture, term, class, margin, last_lap_time, winning_move)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (race_id, frame) DO UPDATE SET
		rank          = EXCLUDED.rank,
		player_id     = EXCLUDED.player_id,
		player_name   = EXCLUDED.player_name,
		age           = EXCLUDED.age,
		prefecture    = EXCLUDED.prefecture,
		term          = EXCLUDED.term,
		class         = EXCLUDED.class,
		margin        = EXCLUDED.margin,
		last_lap_time = EXCLUDED.last_lap_time,
		winning_move  = EXCLUDED.winning_move`

const upsertPayout = `
	INSERT INTO payouts (race_id, ticket_type, combination, amount, popularity, absent)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (race_id, ticket_type, combination) DO UPDATE SET
		amount     = EXCLUDED.amount,
		popularity = EXCLUDED.popularity,
		absent     = EXCLUDED.absent`

const upsertLapPosition = `
	INSERT INTO lap_positions (race_id, section, section_idx, frame, player_name, x, y)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (race_id, section, frame) DO UPDATE SET
		section_idx = EXCLUDED.section_idx,
		player_name = EXCLUDED.player_name,
		x           = EXCLUDED.x,
		y           = EXCLUDED.y`

// Step5Saver owns results, payouts and lap_positions. The three blocks of a
// result page commit together with the completion mark: a race either has
// its full outcome or none of it.
type Step5Saver struct {
	g      *db.Gateway
	ledger *Ledger
}

func NewStep5Saver(g *db.Gateway, ledger *Ledger) *Step5Saver {
	return &Step5Saver{g: g, ledger: ledger}
}

func (s *Step5Saver) Save(ctx context.Context, raceID int64, page *yenjoy.ResultPage) (int, error) {
	err := s.g.InTx(ctx, func(tx *sqlx.Tx) error {
		for _, r := range page.Results {
			if _, err := tx.ExecContext(ctx, upsertResult,
				r.RaceID, r.Rank, r.Frame, r.PlayerID, r.PlayerName, r.Age,
				r.Prefecture, r.Term, r.Class, r.Margin, r.LastLapTime,
				r.WinningMove); err != nil {
				return fmt.Errorf("failed to save result %d/%d: %w", r.RaceID, r.Frame, err)
			}
		}
		for _, p := range page.Payouts {
			if _, err := tx.ExecContext(ctx, upsertPayout,
				p.RaceID, p.TicketType, p.Combination, p.Amount, p.Popularity,
				p.Absent); err != nil {
				return fmt.Errorf("failed to save payout %s for race %d: %w", p.TicketType, p.RaceID, err)
			}
		}
		for _, lp := range page.Laps {
			if _, err := tx.ExecContext(ctx, upsertLapPosition,
				lp.RaceID, lp.Section, lp.SectionIdx, lp.Frame, lp.PlayerName,
				lp.X, lp.Y); err != nil {
				return fmt.Errorf("failed to save lap position %s/%d for race %d: %w", lp.Section, lp.Frame, lp.RaceID, err)
			}
		}
		return s.ledger.MarkTx(ctx, tx, domain.Step5, raceID, domain.StatusCompleted)
	})
	if err != nil {
		return 0, err
	}
	return len(page.Results), nil
}

// Step5Updater scrapes result pages across a bounded worker pool. Races at
// venues without a resolvable track code are skipped untouched so a later
// config override can pick them up.
type Step5Updater struct {
	extractor *Extractor
	client    *yenjoy.Client
	venues    *yenjoy.Resolver
	saver     *Step5Saver
	ledger    *Ledger
	workers   int
	metrics   *metrics.Registry
}

func NewStep5Updater(extractor *Extractor, client *yenjoy.Client, venues *yenjoy.Resolver, saver *Step5Saver, ledger *Ledger, workers int, m *metrics.Registry) *Step5Updater {
	return &Step5Updater{
		extractor: extractor,
		client:    client,
		venues:    venues,
		saver:     saver,
		ledger:    ledger,
		workers:   workers,
		metrics:   m,
	}
}

func (u *Step5Updater) Step() domain.Step { return domain.Step5 }

func (u *Step5Updater) Run(ctx context.Context, w Window) StageResult {
	items, err := u.extractor.RacesForResults(ctx, w)
	if err != nil {
		return failResult(domain.Step5, err)
	}

	counters := newStageCounters(domain.Step5, u.metrics)
	runnable := make([]WorkItem, 0, len(items))
	codes := make(map[int64]string, 4)
	allowed := allowedCodes(w.VenueCodes)
	for _, item := range items {
		code, ok := u.venues.Code(item.VenueID)
		if !ok {
			if !w.DryRun {
				counters.count(itemSkipped)
			}
			log.Warn().Int64("venue_id", item.VenueID).Stringer("race", item.Key()).
				Msg("No track code for venue, race skipped")
			continue
		}
		if allowed != nil && !allowed[code] {
			continue
		}
		codes[item.RaceID] = code
		runnable = append(runnable, item)
	}

	if w.DryRun {
		return okResult(domain.Step5, len(runnable),
			fmt.Sprintf("dry run: %d result pages to fetch", len(runnable)))
	}
	if len(runnable) == 0 {
		return counters.result(nil)
	}

	if err := u.ledger.MarkProcessing(ctx, domain.Step5, raceIDs(runnable)); err != nil {
		return failResult(domain.Step5, err)
	}

	poolErr := forEachItem(ctx, u.workers, runnable, func(item WorkItem) {
		counters.count(u.processItem(ctx, item, codes[item.RaceID]))
	})
	return counters.result(poolErr)
}

// allowedCodes builds the optional track-code allowlist. Nil means no
// restriction.
func allowedCodes(codes []string) map[string]bool {
	if len(codes) == 0 {
		return nil
	}
	set := make(map[string]bool, len(codes))
	for _, c := range codes {
		set[c] = true
	}
	return set
}

func (u *Step5Updater) processItem(ctx context.Context, item WorkItem, venueCode string) itemOutcome {
	url := u.client.ResultURL(venueCode, item.CupStartDate, item.RaceDate, item.Number)

	body, err := u.client.FetchResultPage(ctx, url)
	switch {
	case err == nil:
	case errors.Is(err, httpclient.ErrNotYetPublished):
		log.Debug().Stringer("race", item.Key()).Msg("Result page not yet published")
		if merr := u.ledger.Mark(ctx, domain.Step5, item.RaceID, domain.StatusPending); merr != nil {
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

	page, err := yenjoy.ParseResultPage(body, item.RaceID)
	if err != nil {
		u.fail(ctx, item, fmt.Errorf("failed to parse result page %s: %w", url, err))
		return itemFailed
	}
	if len(page.Results) == 0 || len(page.Payouts) == 0 || len(page.Laps) == 0 {
		// All three blocks or nothing. A partially rendered page would
		// otherwise mark the race completed with holes in its outcome.
		u.fail(ctx, item, fmt.Errorf("incomplete result page %s: %v", url, page.Issues))
		return itemFailed
	}
	if len(page.Issues) > 0 {
		log.Warn().Stringer("race", item.Key()).Strs("issues", page.Issues).
			Msg("Result page parsed with issues")
	}

	if _, err := u.saver.Save(ctx, item.RaceID, page); err != nil {
		if isCancellation(err) {
			return itemSkipped
		}
		u.fail(ctx, item, err)
		return itemFailed
	}
	return itemSaved
}

func (u *Step5Updater) fail(ctx context.Context, item WorkItem, err error) {
	log.Error().Err(err).Stringer("race", item.Key()).Msg("Result update failed")
	if merr := u.ledger.Mark(ctx, domain.Step5, item.RaceID, domain.StatusError); merr != nil {
		log.Error().Err(merr).Stringer("race", item.Key()).Msg("Ledger update failed")
	}
}
