package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/keirinlab/keirinfeed/internal/domain"
	"github.com/keirinlab/keirinfeed/internal/infrastructure/db"
)

// Window bounds one run. CupID zero means no cup filter; Force bypasses the
// ledger filters but never changes saver behavior. DryRun restricts every
// stage to its extraction step. VenueCodes, when non-empty, restricts the
// results stage to those track codes.
type Window struct {
	Start      time.Time
	End        time.Time
	CupID      int64
	Force      bool
	DryRun     bool
	VenueCodes []string
}

// WorkItem is the per-race tuple the fetch stages operate on. The dates ride
// along for building result-page URLs.
type WorkItem struct {
	RaceID        int64     `db:"race_id"`
	CupID         int64     `db:"cup_id"`
	ScheduleID    int64     `db:"schedule_id"`
	ScheduleIndex int       `db:"schedule_index"`
	Number        int       `db:"number"`
	VenueID       int64     `db:"venue_id"`
	RaceDate      time.Time `db:"race_date"`
	CupStartDate  time.Time `db:"cup_start_date"`
}

// Key renders the underscore-joined race key used in logs.
func (w WorkItem) Key() domain.RaceKey {
	return domain.RaceKey{CupID: w.CupID, ScheduleIndex: w.ScheduleIndex, Number: w.Number}
}

func raceIDs(items []WorkItem) []int64 {
	ids := make([]int64, len(items))
	for i, item := range items {
		ids[i] = item.RaceID
	}
	return ids
}

// Extractor computes each stage's work list from the store. The ledger is
// authoritative here: these queries are what make re-runs incremental.
type Extractor struct {
	g *db.Gateway
}

func NewExtractor(g *db.Gateway) *Extractor {
	return &Extractor{g: g}
}

// CupsForDetail lists cups overlapping the window for the cup-detail stage.
// Without force, cups are skipped once none of their races still has a
// step3 status of null or pending; cups with no races at all always count.
func (e *Extractor) CupsForDetail(ctx context.Context, w Window) ([]int64, error) {
	const query = `
		SELECT c.cup_id
		FROM cups c
		WHERE c.start_date <= $2 AND c.end_date >= $1
		  AND ($3::bigint = 0 OR c.cup_id = $3)
		  AND ($4
		       OR NOT EXISTS (SELECT 1 FROM races r WHERE r.cup_id = c.cup_id)
		       OR EXISTS (
		           SELECT 1
		           FROM races r
		           JOIN race_status rs ON rs.race_id = r.race_id
		           WHERE r.cup_id = c.cup_id
		             AND (rs.step3_status IS NULL OR rs.step3_status = 'pending')))
		ORDER BY c.start_date, c.cup_id`

	var cupIDs []int64
	if err := e.g.Select(ctx, &cupIDs, query, w.Start, w.End, w.CupID, w.Force); err != nil {
		return nil, fmt.Errorf("failed to extract cups for detail: %w", err)
	}
	return cupIDs, nil
}

// RacesForDetail lists the race tuples for the entry stage. Races whose
// schedule has no index cannot be addressed upstream and are excluded.
func (e *Extractor) RacesForDetail(ctx context.Context, w Window) ([]WorkItem, error) {
	const query = `
		SELECT r.race_id, r.cup_id, r.schedule_id, s.schedule_index, r.number,
		       c.venue_id, s.date AS race_date, c.start_date AS cup_start_date
		FROM schedules s
		JOIN races r ON r.schedule_id = s.schedule_id
		JOIN cups c ON c.cup_id = r.cup_id
		JOIN race_status rs ON rs.race_id = r.race_id
		WHERE (s.date BETWEEN $1 AND $2 OR ($3::bigint <> 0 AND r.cup_id = $3))
		  AND s.schedule_index IS NOT NULL
		  AND ($4 OR rs.step3_status IS DISTINCT FROM 'completed')
		ORDER BY s.date, r.race_id`

	var items []WorkItem
	if err := e.g.Select(ctx, &items, query, w.Start, w.End, w.CupID, w.Force); err != nil {
		return nil, fmt.Errorf("failed to extract races for detail: %w", err)
	}
	return items, nil
}

// RacesForOdds lists the race tuples for the odds stage. Without force a
// finished race is included only when an odds_status row proves odds were
// fetched pre-finish and the final snapshot is still owed.
func (e *Extractor) RacesForOdds(ctx context.Context, w Window) ([]WorkItem, error) {
	const query = `
		SELECT r.race_id, r.cup_id, r.schedule_id, s.schedule_index, r.number,
		       c.venue_id, s.date AS race_date, c.start_date AS cup_start_date
		FROM schedules s
		JOIN races r ON r.schedule_id = s.schedule_id
		JOIN cups c ON c.cup_id = r.cup_id
		WHERE (s.date BETWEEN $1 AND $2 OR ($3::bigint <> 0 AND r.cup_id = $3))
		  AND s.schedule_index IS NOT NULL
		  AND ($4
		       OR r.status <> $5
		       OR EXISTS (SELECT 1 FROM odds_status os WHERE os.race_id = r.race_id))
		ORDER BY s.date, r.race_id`

	var items []WorkItem
	if err := e.g.Select(ctx, &items, query, w.Start, w.End, w.CupID, w.Force, domain.RaceFinished); err != nil {
		return nil, fmt.Errorf("failed to extract races for odds: %w", err)
	}
	return items, nil
}

// RacesForResults lists the race tuples for the results stage. Venue-code
// resolution happens in the updater; the query only applies the ledger
// filter.
func (e *Extractor) RacesForResults(ctx context.Context, w Window) ([]WorkItem, error) {
	const query = `
		SELECT r.race_id, r.cup_id, r.schedule_id, s.schedule_index, r.number,
		       c.venue_id, s.date AS race_date, c.start_date AS cup_start_date
		FROM schedules s
		JOIN races r ON r.schedule_id = s.schedule_id
		JOIN cups c ON c.cup_id = r.cup_id
		JOIN race_status rs ON rs.race_id = r.race_id
		WHERE (s.date BETWEEN $1 AND $2 OR ($3::bigint <> 0 AND r.cup_id = $3))
		  AND s.schedule_index IS NOT NULL
		  AND ($4 OR rs.step5_status IS DISTINCT FROM 'completed')
		ORDER BY s.date, r.race_id`

	var items []WorkItem
	if err := e.g.Select(ctx, &items, query, w.Start, w.End, w.CupID, w.Force); err != nil {
		return nil, fmt.Errorf("failed to extract races for results: %w", err)
	}
	return items, nil
}
