package winticket

import (
	"fmt"
	"strings"
	"time"

	"github.com/keirinlab/keirinfeed/internal/domain"
)

const dateLayout = "2006-01-02"

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse date %q: %w", s, err)
	}
	return t, nil
}

// Regions maps the month payload's region lookup to domain rows.
func (m *MonthResponse) Regions() []domain.Region {
	out := make([]domain.Region, 0, len(m.Month.Regions))
	for _, r := range m.Month.Regions {
		out = append(out, domain.Region{ID: r.ID, Name: r.Name})
	}
	return out
}

// Venues maps the month payload's venue lookup to domain rows. A best-record
// date that fails to parse is dropped rather than failing the month.
func (m *MonthResponse) Venues() []domain.Venue {
	out := make([]domain.Venue, 0, len(m.Month.Venues))
	for _, v := range m.Month.Venues {
		venue := domain.Venue{
			ID:                v.ID,
			Name:              v.Name,
			Slug:              v.Slug,
			RegionID:          v.RegionID,
			TrackDistance:     v.TrackDistance,
			BankFeature:       v.BankFeature,
			BestRecordPlayer:  v.BestRecord.Player,
			BestRecordSeconds: v.BestRecord.Second,
		}
		if v.BestRecord.Date != "" {
			if d, err := parseDate(v.BestRecord.Date); err == nil {
				venue.BestRecordDate = &d
			}
		}
		out = append(out, venue)
	}
	return out
}

// Cups maps the month payload's cups. Cup dates drive window extraction, so
// an unparseable date fails the whole payload.
func (m *MonthResponse) Cups() ([]domain.Cup, error) {
	out := make([]domain.Cup, 0, len(m.Month.Cups))
	for _, c := range m.Month.Cups {
		cup, err := c.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, cup)
	}
	return out, nil
}

func (c cupJSON) toDomain() (domain.Cup, error) {
	start, err := parseDate(c.StartDate)
	if err != nil {
		return domain.Cup{}, fmt.Errorf("cup %d: %w", c.ID, err)
	}
	end, err := parseDate(c.EndDate)
	if err != nil {
		return domain.Cup{}, fmt.Errorf("cup %d: %w", c.ID, err)
	}
	return domain.Cup{
		ID:             c.ID,
		Name:           c.Name,
		StartDate:      start,
		EndDate:        end,
		Duration:       c.Duration,
		Grade:          c.Grade,
		VenueID:        c.VenueID,
		Labels:         c.Labels,
		PlayersUnfixed: c.PlayersUnfixed,
	}, nil
}

// DomainSchedules maps the cup detail's day list. The stored schedule_index
// is the 1-based position within the payload's array; the provider's own
// index field is ignored because its base varies.
func (d *CupDetailResponse) DomainSchedules() ([]domain.Schedule, error) {
	out := make([]domain.Schedule, 0, len(d.Schedules))
	for i, s := range d.Schedules {
		date, err := parseDate(s.Date)
		if err != nil {
			return nil, fmt.Errorf("schedule %d: %w", s.ID, err)
		}
		cupID := s.CupID
		if cupID == 0 {
			cupID = d.Cup.ID
		}
		out = append(out, domain.Schedule{
			ID:    s.ID,
			CupID: cupID,
			Date:  date,
			Index: i + 1,
		})
	}
	return out, nil
}

// DomainRaces maps the cup detail's race index.
func (d *CupDetailResponse) DomainRaces() []domain.Race {
	out := make([]domain.Race, 0, len(d.Races))
	for _, r := range d.Races {
		out = append(out, r.toDomain(d.Cup.ID))
	}
	return out
}

func (r raceJSON) toDomain(cupID int64) domain.Race {
	if r.CupID != 0 {
		cupID = r.CupID
	}
	race := domain.Race{
		ID:            r.ID,
		CupID:         cupID,
		ScheduleID:    r.ScheduleID,
		Number:        r.Number,
		Name:          r.Name,
		Status:        r.Status,
		Distance:      r.Distance,
		Lap:           r.Lap,
		EntriesNumber: r.EntriesNumber,
		Class:         r.Class,
		RaceType:      r.RaceType,
		IsCanceled:    r.Cancel,
	}
	if r.StartAt > 0 {
		t := time.Unix(r.StartAt, 0).UTC()
		race.StartTime = &t
	}
	return race
}

// DomainEntries maps the race detail's frame assignments.
func (d *RaceDetailResponse) DomainEntries(raceID int64) []domain.Entry {
	out := make([]domain.Entry, 0, len(d.Entries))
	for _, e := range d.Entries {
		out = append(out, domain.Entry{
			RaceID:   raceID,
			Frame:    e.Number,
			PlayerID: e.PlayerID,
			IsAbsent: e.Absent,
		})
	}
	return out
}

// DomainPlayers merges the profile and season-record arrays by player id.
// A record without a matching profile is dropped.
func (d *RaceDetailResponse) DomainPlayers() []domain.Player {
	records := make(map[string]recordJSON, len(d.Records))
	for _, r := range d.Records {
		records[r.PlayerID] = r
	}
	out := make([]domain.Player, 0, len(d.Players))
	for _, p := range d.Players {
		player := domain.Player{
			ID:         p.ID,
			Name:       p.Name,
			Age:        p.Age,
			Prefecture: p.Prefecture,
			Term:       p.Term,
			Class:      p.Class,
			Style:      p.Style,
		}
		if rec, ok := records[p.ID]; ok {
			player.Points = rec.RacePoint
			player.FirstRate = rec.FirstRate
			player.SecondRate = rec.SecondRate
			player.ThirdRate = rec.ThirdRate
		}
		out = append(out, player)
	}
	return out
}

// DomainLinePredictions flattens the forecast into one formation string,
// frames joined within a line and lines separated by slashes.
func (d *RaceDetailResponse) DomainLinePredictions(raceID int64) []domain.LinePrediction {
	if d.LinePrediction == nil {
		return nil
	}
	groups := make([]string, 0, len(d.LinePrediction.Lines))
	for _, line := range d.LinePrediction.Lines {
		groups = append(groups, strings.Join(line, ""))
	}
	lineType := d.LinePrediction.LineType
	if lineType == "" {
		lineType = "default"
	}
	return []domain.LinePrediction{{
		RaceID:    raceID,
		LineType:  lineType,
		Formation: strings.Join(groups, "/"),
	}}
}

// DomainOdds flattens every bucket into one snapshot slice.
func (o *OddsResponse) DomainOdds(raceID int64) []domain.OddsEntry {
	buckets := []struct {
		betType domain.BetType
		items   []oddsItemJSON
	}{
		{domain.BetWin, o.Odds.Win},
		{domain.BetExacta, o.Odds.Exacta},
		{domain.BetQuinella, o.Odds.Quinella},
		{domain.BetQuinellaPlace, o.Odds.QuinellaPlace},
		{domain.BetTrifecta, o.Odds.Trifecta},
		{domain.BetTrio, o.Odds.Trio},
		{domain.BetBracketQuinella, o.Odds.BracketQuinella},
		{domain.BetBracketExacta, o.Odds.BracketExacta},
	}

	var out []domain.OddsEntry
	for _, b := range buckets {
		for _, item := range b.items {
			out = append(out, domain.OddsEntry{
				RaceID:     raceID,
				BetType:    b.betType,
				Key:        item.Key,
				Odds:       item.Odds,
				MinOdds:    item.MinOdds,
				MaxOdds:    item.MaxOdds,
				Popularity: item.PopularityOrder,
				IsAbsent:   item.Absent,
			})
		}
	}
	return out
}

// DomainStatus builds the append-only fetch record for this snapshot.
func (o *OddsResponse) DomainStatus(raceID int64, fetchedAt time.Time) domain.OddsStatus {
	return domain.OddsStatus{
		RaceID:       raceID,
		FetchedAt:    fetchedAt,
		IsFinal:      o.IsFinal,
		PayoutStatus: o.PayoutStatus,
	}
}
