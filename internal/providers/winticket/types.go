package winticket

// Wire shapes for the winticket keirin API. Field names follow the
// provider's camelCase JSON; mapping to domain rows happens in mapping.go.

// MonthResponse is the monthly cups index with its venue and region lookups.
type MonthResponse struct {
	Month struct {
		Cups    []cupJSON    `json:"cups"`
		Venues  []venueJSON  `json:"venues"`
		Regions []regionJSON `json:"regions"`
	} `json:"month"`
}

// CupDetailResponse carries a cup header with its day schedule and race index.
type CupDetailResponse struct {
	Cup       cupJSON        `json:"cup"`
	Schedules []scheduleJSON `json:"schedules"`
	Races     []raceJSON     `json:"races"`
}

// RaceDetailResponse is the per-race entry list with player profiles,
// season records, and the line formation forecast.
type RaceDetailResponse struct {
	Race           raceJSON            `json:"race"`
	Entries        []entryJSON         `json:"entries"`
	Players        []playerJSON        `json:"players"`
	Records        []recordJSON        `json:"records"`
	LinePrediction *linePredictionJSON `json:"linePrediction"`
}

// OddsResponse groups priced combinations by bet type.
type OddsResponse struct {
	Odds         oddsBucketsJSON `json:"odds"`
	IsFinal      bool            `json:"isFinal"`
	PayoutStatus int             `json:"payoutStatus"`
}

type regionJSON struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type venueJSON struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	Slug          string `json:"slug"`
	RegionID      int64  `json:"regionId"`
	TrackDistance int    `json:"trackDistance"`
	BankFeature   string `json:"bankFeature"`
	BestRecord    struct {
		Player string  `json:"player"`
		Second float64 `json:"second"`
		Date   string  `json:"date"`
	} `json:"bestRecord"`
}

type cupJSON struct {
	ID             int64    `json:"id"`
	Name           string   `json:"name"`
	StartDate      string   `json:"startDate"`
	EndDate        string   `json:"endDate"`
	Duration       int      `json:"duration"`
	Grade          string   `json:"grade"`
	VenueID        int64    `json:"venueId"`
	Labels         []string `json:"labels"`
	PlayersUnfixed bool     `json:"playersUnfixed"`
}

type scheduleJSON struct {
	ID    int64  `json:"id"`
	CupID int64  `json:"cupId"`
	Date  string `json:"date"`
	Index int    `json:"index"`
}

type raceJSON struct {
	ID            int64  `json:"id"`
	CupID         int64  `json:"cupId"`
	ScheduleID    int64  `json:"scheduleId"`
	Number        int    `json:"number"`
	Name          string `json:"name"`
	Status        int    `json:"status"`
	Distance      int    `json:"distance"`
	Lap           int    `json:"lap"`
	EntriesNumber int    `json:"entriesNumber"`
	Class         string `json:"class"`
	RaceType      string `json:"raceType"`
	StartAt       int64  `json:"startAt"`
	Cancel        bool   `json:"cancel"`
}

type entryJSON struct {
	Number   int    `json:"number"`
	PlayerID string `json:"playerId"`
	Absent   bool   `json:"absent"`
}

type playerJSON struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Age        int    `json:"age"`
	Prefecture string `json:"prefecture"`
	Term       int    `json:"term"`
	Class      string `json:"class"`
	Style      string `json:"style"`
}

type recordJSON struct {
	PlayerID   string  `json:"playerId"`
	RacePoint  float64 `json:"racePoint"`
	FirstRate  float64 `json:"firstRate"`
	SecondRate float64 `json:"secondRate"`
	ThirdRate  float64 `json:"thirdRate"`
}

type linePredictionJSON struct {
	LineType string     `json:"lineType"`
	Lines    [][]string `json:"lines"`
}

type oddsBucketsJSON struct {
	Win             []oddsItemJSON `json:"win"`
	Exacta          []oddsItemJSON `json:"exacta"`
	Quinella        []oddsItemJSON `json:"quinella"`
	QuinellaPlace   []oddsItemJSON `json:"quinellaPlace"`
	Trifecta        []oddsItemJSON `json:"trifecta"`
	Trio            []oddsItemJSON `json:"trio"`
	BracketQuinella []oddsItemJSON `json:"bracketQuinella"`
	BracketExacta   []oddsItemJSON `json:"bracketExacta"`
}

type oddsItemJSON struct {
	Key             string  `json:"key"`
	Odds            float64 `json:"odds"`
	MinOdds         float64 `json:"minOdds"`
	MaxOdds         float64 `json:"maxOdds"`
	PopularityOrder int     `json:"popularityOrder"`
	Absent          bool    `json:"absent"`
}
