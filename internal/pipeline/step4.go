package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/keirinlab/keirinfeed/internal/domain"
	"github.com/keirinlab/keirinfeed/internal/infrastructure/cache"
	"github.com/keirinlab/keirinfeed/internal/infrastructure/db"
	"github.com/keirinlab/keirinfeed/internal/infrastructure/httpclient"
	"github.com/keirinlab/keirinfeed/internal/metrics"
	"github.com/keirinlab/keirinfeed/internal/providers/winticket"
)

const insertOddsRow = `
	INSERT INTO %s (race_id, combination_key, odds_value, min_odds, max_odds, popularity, is_absent)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

const insertOddsStatus = `
	INSERT INTO odds_status (race_id, fetched_at, is_final, payout_status)
	VALUES ($1, $2, $3, $4)`

// Step4Saver owns the eight odds tables and the odds_status log. A snapshot
// replaces every previous row for the race: stale combinations from an
// earlier fetch must not survive. race_status is written before the odds
// tables to keep the store's lock order.
type Step4Saver struct {
	g      *db.Gateway
	ledger *Ledger
}

func NewStep4Saver(g *db.Gateway, ledger *Ledger) *Step4Saver {
	return &Step4Saver{g: g, ledger: ledger}
}

func (s *Step4Saver) Save(ctx context.Context, raceID int64, odds []domain.OddsEntry, status domain.OddsStatus) (int, error) {
	byType := make(map[domain.BetType][]domain.OddsEntry, len(domain.BetTypes))
	for _, row := range odds {
		byType[row.BetType] = append(byType[row.BetType], row)
	}

	err := s.g.InTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.ledger.MarkTx(ctx, tx, domain.Step4, raceID, domain.StatusCompleted); err != nil {
			return err
		}

		for _, bt := range domain.BetTypes {
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf(`DELETE FROM %s WHERE race_id = $1`, bt.Table()), raceID); err != nil {
				return fmt.Errorf("failed to clear %s for race %d: %w", bt.Table(), raceID, err)
			}

			rows := byType[bt]
			if len(rows) == 0 {
				continue
			}
			stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(insertOddsRow, bt.Table()))
			if err != nil {
				return fmt.Errorf("failed to prepare %s insert: %w", bt.Table(), err)
			}
			for _, row := range rows {
				if _, err := stmt.ExecContext(ctx,
					row.RaceID, row.Key, row.Odds, row.MinOdds, row.MaxOdds,
					row.Popularity, row.IsAbsent); err != nil {
					stmt.Close()
					return fmt.Errorf("failed to save %s odds for race %d: %w", bt.Table(), raceID, err)
				}
			}
			stmt.Close()
		}

		if _, err := tx.ExecContext(ctx, insertOddsStatus,
			status.RaceID, status.FetchedAt, status.IsFinal, status.PayoutStatus); err != nil {
			return fmt.Errorf("failed to append odds status for race %d: %w", raceID, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(odds), nil
}

// oddsSnapshot is the cache payload served to readers between runs.
type oddsSnapshot struct {
	RaceID    int64              `json:"race_id"`
	FetchedAt time.Time          `json:"fetched_at"`
	IsFinal   bool               `json:"is_final"`
	Odds      []domain.OddsEntry `json:"odds"`
}

// Step4Updater snapshots odds across a bounded worker pool. Unlike the other
// steps, completion here does not end the race's participation: one more
// snapshot is owed after the race finishes, witnessed by the odds_status log.
type Step4Updater struct {
	extractor *Extractor
	client    *winticket.Client
	saver     *Step4Saver
	ledger    *Ledger
	cache     cache.Cache
	cacheTTL  time.Duration
	workers   int
	metrics   *metrics.Registry
}

func NewStep4Updater(extractor *Extractor, client *winticket.Client, saver *Step4Saver, ledger *Ledger, c cache.Cache, cacheTTL time.Duration, workers int, m *metrics.Registry) *Step4Updater {
	return &Step4Updater{
		extractor: extractor,
		client:    client,
		saver:     saver,
		ledger:    ledger,
		cache:     c,
		cacheTTL:  cacheTTL,
		workers:   workers,
		metrics:   m,
	}
}

func (u *Step4Updater) Step() domain.Step { return domain.Step4 }

func (u *Step4Updater) Run(ctx context.Context, w Window) StageResult {
	items, err := u.extractor.RacesForOdds(ctx, w)
	if err != nil {
		return failResult(domain.Step4, err)
	}
	if w.DryRun {
		return okResult(domain.Step4, len(items),
			fmt.Sprintf("dry run: %d races to fetch", len(items)))
	}
	if len(items) == 0 {
		return okResult(domain.Step4, 0, "no races to fetch")
	}

	if err := u.ledger.MarkProcessing(ctx, domain.Step4, raceIDs(items)); err != nil {
		return failResult(domain.Step4, err)
	}

	counters := newStageCounters(domain.Step4, u.metrics)
	poolErr := forEachItem(ctx, u.workers, items, func(item WorkItem) {
		counters.count(u.processItem(ctx, item))
	})
	return counters.result(poolErr)
}

func (u *Step4Updater) processItem(ctx context.Context, item WorkItem) itemOutcome {
	resp, err := u.client.FetchOdds(ctx, item.CupID, item.ScheduleIndex, item.Number)
	switch {
	case err == nil:
	case errors.Is(err, httpclient.ErrNotYetPublished):
		log.Debug().Stringer("race", item.Key()).Msg("Odds not yet published")
		if merr := u.ledger.Mark(ctx, domain.Step4, item.RaceID, domain.StatusPending); merr != nil {
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

	fetchedAt := time.Now().UTC()
	odds := resp.DomainOdds(item.RaceID)
	if len(odds) == 0 {
		// The endpoint answers before prices are posted. An empty snapshot
		// must not complete the step, or the race would never be revisited.
		log.Debug().Stringer("race", item.Key()).Msg("Odds published without prices")
		if merr := u.ledger.Mark(ctx, domain.Step4, item.RaceID, domain.StatusPending); merr != nil {
			log.Error().Err(merr).Stringer("race", item.Key()).Msg("Ledger update failed")
			return itemFailed
		}
		return itemPending
	}

	if _, err := u.saver.Save(ctx, item.RaceID, odds, resp.DomainStatus(item.RaceID, fetchedAt)); err != nil {
		if isCancellation(err) {
			return itemSkipped
		}
		u.fail(ctx, item, err)
		return itemFailed
	}

	u.publish(item.RaceID, fetchedAt, resp.IsFinal, odds)
	return itemSaved
}

func (u *Step4Updater) fail(ctx context.Context, item WorkItem, err error) {
	log.Error().Err(err).Stringer("race", item.Key()).Msg("Odds update failed")
	if merr := u.ledger.Mark(ctx, domain.Step4, item.RaceID, domain.StatusError); merr != nil {
		log.Error().Err(merr).Stringer("race", item.Key()).Msg("Ledger update failed")
	}
}

// publish refreshes the latest-odds cache entry after a committed snapshot.
// Cache trouble never fails the item.
func (u *Step4Updater) publish(raceID int64, fetchedAt time.Time, isFinal bool, odds []domain.OddsEntry) {
	if u.cache == nil {
		return
	}
	payload, err := json.Marshal(oddsSnapshot{
		RaceID:    raceID,
		FetchedAt: fetchedAt,
		IsFinal:   isFinal,
		Odds:      odds,
	})
	if err != nil {
		log.Warn().Err(err).Int64("race_id", raceID).Msg("Odds snapshot not cached")
		return
	}
	u.cache.Set(cache.OddsKey(raceID), payload, u.cacheTTL)
}
