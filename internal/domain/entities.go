package domain

import "time"

// RaceFinished is the races.status ordinal meaning the race has finished.
const RaceFinished = 3

// Region is a static lookup row from provider W.
type Region struct {
	ID   int64  `db:"region_id" json:"region_id"`
	Name string `db:"name" json:"name"`
}

// Venue is a keirin velodrome.
type Venue struct {
	ID                int64      `db:"venue_id" json:"venue_id"`
	Name              string     `db:"name" json:"name"`
	Slug              string     `db:"slug" json:"slug"`
	RegionID          int64      `db:"region_id" json:"region_id"`
	TrackDistance     int        `db:"track_distance" json:"track_distance"`
	BankFeature       string     `db:"bank_feature" json:"bank_feature"`
	BestRecordPlayer  string     `db:"best_record_player" json:"best_record_player"`
	BestRecordSeconds float64    `db:"best_record_seconds" json:"best_record_seconds"`
	BestRecordDate    *time.Time `db:"best_record_date" json:"best_record_date,omitempty"`
}

// Cup is a multi-day meeting at one venue. StartDate <= EndDate always holds.
type Cup struct {
	ID             int64     `db:"cup_id" json:"cup_id"`
	Name           string    `db:"name" json:"name"`
	StartDate      time.Time `db:"start_date" json:"start_date"`
	EndDate        time.Time `db:"end_date" json:"end_date"`
	Duration       int       `db:"duration" json:"duration"`
	Grade          string    `db:"grade" json:"grade"`
	VenueID        int64     `db:"venue_id" json:"venue_id"`
	Labels         []string  `db:"-" json:"labels,omitempty"`
	PlayersUnfixed bool      `db:"players_unfixed" json:"players_unfixed"`
}

// Schedule is one day of a cup. Index is the 1-based ordinal used as the
// provider-W path parameter; it is distinct from the schedule's own id.
type Schedule struct {
	ID    int64     `db:"schedule_id" json:"schedule_id"`
	CupID int64     `db:"cup_id" json:"cup_id"`
	Date  time.Time `db:"date" json:"date"`
	Index int       `db:"schedule_index" json:"schedule_index"`
}

// Race is a single contest on a schedule.
type Race struct {
	ID            int64      `db:"race_id" json:"race_id"`
	CupID         int64      `db:"cup_id" json:"cup_id"`
	ScheduleID    int64      `db:"schedule_id" json:"schedule_id"`
	Number        int        `db:"number" json:"number"`
	Name          string     `db:"name" json:"name"`
	Status        int        `db:"status" json:"status"`
	Distance      int        `db:"distance" json:"distance"`
	Lap           int        `db:"lap" json:"lap"`
	EntriesNumber int        `db:"entries_number" json:"entries_number"`
	Class         string     `db:"class" json:"class"`
	RaceType      string     `db:"race_type" json:"race_type"`
	StartTime     *time.Time `db:"start_time" json:"start_time,omitempty"`
	IsCanceled    bool       `db:"is_canceled" json:"is_canceled"`
}

// Finished reports whether the race has run to completion.
func (r Race) Finished() bool { return r.Status >= RaceFinished }

// Entry assigns a player to a frame within a race. Composite key (race_id, frame).
type Entry struct {
	RaceID   int64  `db:"race_id" json:"race_id"`
	Frame    int    `db:"frame" json:"frame"`
	PlayerID string `db:"player_id" json:"player_id"`
	IsAbsent bool   `db:"is_absent" json:"is_absent"`
}

// Player is a rider's registration record with season figures.
type Player struct {
	ID         string  `db:"player_id" json:"player_id"`
	Name       string  `db:"name" json:"name"`
	Age        int     `db:"age" json:"age"`
	Prefecture string  `db:"prefecture" json:"prefecture"`
	Term       int     `db:"term" json:"term"`
	Class      string  `db:"class" json:"class"`
	Style      string  `db:"style" json:"style"`
	Points     float64 `db:"points" json:"points"`
	FirstRate  float64 `db:"first_rate" json:"first_rate"`
	SecondRate float64 `db:"second_rate" json:"second_rate"`
	ThirdRate  float64 `db:"third_rate" json:"third_rate"`
}

// LinePrediction is the provider-W line formation forecast for a race.
type LinePrediction struct {
	RaceID    int64  `db:"race_id" json:"race_id"`
	LineType  string `db:"line_type" json:"line_type"`
	Formation string `db:"formation" json:"formation"`
}

// BetType identifies one of the eight odds buckets.
type BetType string

const (
	BetWin             BetType = "win"
	BetExacta          BetType = "exacta"
	BetQuinella        BetType = "quinella"
	BetQuinellaPlace   BetType = "quinella_place"
	BetTrifecta        BetType = "trifecta"
	BetTrio            BetType = "trio"
	BetBracketQuinella BetType = "bracket_quinella"
	BetBracketExacta   BetType = "bracket_exacta"
)

// BetTypes lists every bucket in table order.
var BetTypes = []BetType{
	BetWin, BetExacta, BetQuinella, BetQuinellaPlace,
	BetTrifecta, BetTrio, BetBracketQuinella, BetBracketExacta,
}

// Table returns the odds table the bucket is stored in.
func (b BetType) Table() string { return "odds_" + string(b) }

// OddsEntry is one priced combination within a bucket. A snapshot for a race
// replaces every previous row of that race across all buckets.
type OddsEntry struct {
	RaceID     int64   `db:"race_id" json:"race_id"`
	BetType    BetType `db:"-" json:"bet_type"`
	Key        string  `db:"combination_key" json:"combination_key"`
	Odds       float64 `db:"odds_value" json:"odds_value"`
	MinOdds    float64 `db:"min_odds" json:"min_odds"`
	MaxOdds    float64 `db:"max_odds" json:"max_odds"`
	Popularity int     `db:"popularity" json:"popularity"`
	IsAbsent   bool    `db:"is_absent" json:"is_absent"`
}

// Result is one row of the provider-Y finish-order table.
type Result struct {
	RaceID      int64  `db:"race_id" json:"race_id"`
	Rank        int    `db:"rank" json:"rank"`
	Frame       int    `db:"frame" json:"frame"`
	PlayerID    string `db:"player_id" json:"player_id"`
	PlayerName  string `db:"player_name" json:"player_name"`
	Age         int    `db:"age" json:"age"`
	Prefecture  string `db:"prefecture" json:"prefecture"`
	Term        int    `db:"term" json:"term"`
	Class       string `db:"class" json:"class"`
	Margin      string `db:"margin" json:"margin"`
	LastLapTime string `db:"last_lap_time" json:"last_lap_time"`
	WinningMove string `db:"winning_move" json:"winning_move"`
}

// Payout is one settled ticket line. Absent marks ticket types the page
// listed without a payable combination.
type Payout struct {
	RaceID      int64  `db:"race_id" json:"race_id"`
	TicketType  string `db:"ticket_type" json:"ticket_type"`
	Combination string `db:"combination" json:"combination"`
	Amount      int    `db:"amount" json:"amount"`
	Popularity  int    `db:"popularity" json:"popularity"`
	Absent      bool   `db:"absent" json:"absent"`
}

// LapPosition places one rider on the lap grid for a race section.
type LapPosition struct {
	RaceID     int64  `db:"race_id" json:"race_id"`
	Section    string `db:"section" json:"section"`
	SectionIdx int    `db:"section_idx" json:"section_idx"`
	Frame      int    `db:"frame" json:"frame"`
	PlayerName string `db:"player_name" json:"player_name"`
	X          int    `db:"x" json:"x"`
	Y          int    `db:"y" json:"y"`
}

// RaceStatus is the per-race ledger row driving incremental runs.
type RaceStatus struct {
	RaceID    int64      `db:"race_id" json:"race_id"`
	Step1     StepStatus `db:"step1_status" json:"step1_status"`
	Step2     StepStatus `db:"step2_status" json:"step2_status"`
	Step3     StepStatus `db:"step3_status" json:"step3_status"`
	Step4     StepStatus `db:"step4_status" json:"step4_status"`
	Step5     StepStatus `db:"step5_status" json:"step5_status"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}

// OddsStatus is an append-only record of one odds fetch. Its presence on a
// finished race is what allows step 4 to take the final snapshot.
type OddsStatus struct {
	RaceID       int64     `db:"race_id" json:"race_id"`
	FetchedAt    time.Time `db:"fetched_at" json:"fetched_at"`
	IsFinal      bool      `db:"is_final" json:"is_final"`
	PayoutStatus int       `db:"payout_status" json:"payout_status"`
}
