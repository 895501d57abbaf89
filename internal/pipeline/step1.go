package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/keirinlab/keirinfeed/internal/domain"
	"github.com/keirinlab/keirinfeed/internal/infrastructure/db"
	"github.com/keirinlab/keirinfeed/internal/infrastructure/httpclient"
	"github.com/keirinlab/keirinfeed/internal/metrics"
	"github.com/keirinlab/keirinfeed/internal/providers/winticket"
)

const monthKeyLayout = "200601"

// monthsIn lists the first day of every month the window touches, in
// ascending order.
func monthsIn(start, end time.Time) []time.Time {
	cur := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, start.Location())
	last := time.Date(end.Year(), end.Month(), 1, 0, 0, 0, 0, end.Location())

	var months []time.Time
	for !cur.After(last) {
		months = append(months, cur)
		cur = cur.AddDate(0, 1, 0)
	}
	return months
}

// nullableID maps the provider's zero id to SQL NULL so foreign keys stay
// satisfiable for rows without an assigned parent.
func nullableID(id int64) interface{} {
	if id == 0 {
		return nil
	}
	return id
}

// Step1Saver owns the regions, venues and cups tables.
type Step1Saver struct {
	g *db.Gateway
}

func NewStep1Saver(g *db.Gateway) *Step1Saver {
	return &Step1Saver{g: g}
}

const upsertRegions = `
	INSERT INTO regions (region_id, name)
	VALUES ($1, $2)
	ON CONFLICT (region_id) DO UPDATE SET name = EXCLUDED.name`

const upsertVenues = `
	INSERT INTO venues (venue_id, name, slug, region_id, track_distance, bank_feature,
	                    best_record_player, best_record_seconds, best_record_date)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (venue_id) DO UPDATE SET
		name                = EXCLUDED.name,
		slug                = EXCLUDED.slug,
		region_id           = EXCLUDED.region_id,
		track_distance      = EXCLUDED.track_distance,
		bank_feature        = EXCLUDED.bank_feature,
		best_record_player  = EXCLUDED.best_record_player,
		best_record_seconds = EXCLUDED.best_record_seconds,
		best_record_date    = EXCLUDED.best_record_date`

const upsertCups = `
	INSERT INTO cups (cup_id, name, start_date, end_date, duration, grade, venue_id,
	                  labels, players_unfixed)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (cup_id) DO UPDATE SET
		name            = EXCLUDED.name,
		start_date      = EXCLUDED.start_date,
		end_date        = EXCLUDED.end_date,
		duration        = EXCLUDED.duration,
		grade           = EXCLUDED.grade,
		venue_id        = EXCLUDED.venue_id,
		labels          = EXCLUDED.labels,
		players_unfixed = EXCLUDED.players_unfixed`

// Save upserts one month's index. Parents go first so foreign keys resolve.
// Returns the number of cups written.
func (s *Step1Saver) Save(ctx context.Context, regions []domain.Region, venues []domain.Venue, cups []domain.Cup) (int, error) {
	regionRows := make([][]interface{}, 0, len(regions))
	for _, r := range regions {
		regionRows = append(regionRows, []interface{}{r.ID, r.Name})
	}
	if _, err := s.g.ExecBatch(ctx, upsertRegions, regionRows); err != nil {
		return 0, fmt.Errorf("failed to save regions: %w", err)
	}

	venueRows := make([][]interface{}, 0, len(venues))
	for _, v := range venues {
		venueRows = append(venueRows, []interface{}{
			v.ID, v.Name, v.Slug, nullableID(v.RegionID), v.TrackDistance,
			v.BankFeature, v.BestRecordPlayer, v.BestRecordSeconds, v.BestRecordDate,
		})
	}
	if _, err := s.g.ExecBatch(ctx, upsertVenues, venueRows); err != nil {
		return 0, fmt.Errorf("failed to save venues: %w", err)
	}

	cupRows := make([][]interface{}, 0, len(cups))
	for _, c := range cups {
		cupRows = append(cupRows, []interface{}{
			c.ID, c.Name, c.StartDate, c.EndDate, c.Duration, c.Grade,
			nullableID(c.VenueID), pq.Array(c.Labels), c.PlayersUnfixed,
		})
	}
	if _, err := s.g.ExecBatch(ctx, upsertCups, cupRows); err != nil {
		return 0, fmt.Errorf("failed to save cups: %w", err)
	}

	return len(cups), nil
}

// Step1Updater refreshes the cup index for every month the window touches.
// Months are fetched sequentially; one index request covers a whole month.
type Step1Updater struct {
	client  *winticket.Client
	saver   *Step1Saver
	metrics *metrics.Registry
}

func NewStep1Updater(client *winticket.Client, saver *Step1Saver, m *metrics.Registry) *Step1Updater {
	return &Step1Updater{client: client, saver: saver, metrics: m}
}

func (u *Step1Updater) Step() domain.Step { return domain.Step1 }

func (u *Step1Updater) Run(ctx context.Context, w Window) StageResult {
	months := monthsIn(w.Start, w.End)
	if w.DryRun {
		return okResult(domain.Step1, len(months),
			fmt.Sprintf("dry run: %d months in window", len(months)))
	}

	counters := newStageCounters(domain.Step1, u.metrics)
	cupTotal := 0
	for _, month := range months {
		if err := ctx.Err(); err != nil {
			return counters.result(err)
		}

		n, err := u.processMonth(ctx, month)
		switch {
		case err == nil:
			counters.count(itemSaved)
			cupTotal += n
		case errors.Is(err, httpclient.ErrNotYetPublished):
			counters.count(itemPending)
			log.Info().Str("month", month.Format(monthKeyLayout)).
				Msg("Cup index not yet published")
		case isCancellation(err):
			return counters.result(err)
		default:
			counters.count(itemFailed)
			log.Error().Err(err).Str("month", month.Format(monthKeyLayout)).
				Msg("Cup index update failed")
		}
	}

	res := counters.result(nil)
	res.Count = cupTotal
	res.Message = fmt.Sprintf("%d cups saved across %d of %d months",
		cupTotal, counters.saved.Load(), len(months))
	if n := counters.failed.Load(); n > 0 {
		res.Message += fmt.Sprintf(", %d months failed", n)
	}
	return res
}

func (u *Step1Updater) processMonth(ctx context.Context, month time.Time) (int, error) {
	resp, err := u.client.FetchMonthlyCups(ctx, month)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch cup index for %s: %w", month.Format(monthKeyLayout), err)
	}

	cups, err := resp.Cups()
	if err != nil {
		return 0, fmt.Errorf("failed to map cup index for %s: %w", month.Format(monthKeyLayout), err)
	}

	n, err := u.saver.Save(ctx, resp.Regions(), resp.Venues(), cups)
	if err != nil {
		return 0, err
	}

	log.Info().Str("month", month.Format(monthKeyLayout)).Int("cups", n).
		Msg("Cup index saved")
	return n, nil
}
