package winticket

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/keirinlab/keirinfeed/internal/infrastructure/httpclient"
	"github.com/keirinlab/keirinfeed/internal/infrastructure/ratelimit"
)

const (
	// Host is the API host; it carries its own rate class and header set.
	Host = "api.winticket.jp"

	// DefaultBaseURL is overridable for tests.
	DefaultBaseURL = "https://" + Host
)

// Client wraps the shared HTTP client with typed fetches for the four
// winticket endpoints the pipeline consumes.
type Client struct {
	fetcher *httpclient.Client
	baseURL string
}

func New(fetcher *httpclient.Client, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{fetcher: fetcher, baseURL: strings.TrimRight(baseURL, "/")}
}

// MonthURL addresses the cups index for the month containing t.
func (c *Client) MonthURL(t time.Time) string {
	return fmt.Sprintf("%s/v1/keirin/cups?date=%s01&fields=month,venues,regions&pfm=web",
		c.baseURL, t.Format("200601"))
}

// CupURL addresses a cup's schedule and race index.
func (c *Client) CupURL(cupID int64) string {
	return fmt.Sprintf("%s/v1/keirin/cups/%d?fields=cup,schedules,races&pfm=web",
		c.baseURL, cupID)
}

// RaceURL addresses one race's detail. scheduleIndex is the 1-based ordinal
// of the day within the cup, not the schedule's own id.
func (c *Client) RaceURL(cupID int64, scheduleIndex, number int) string {
	return fmt.Sprintf("%s/v1/keirin/cups/%d/schedules/%d/races/%d?fields=race,entries,players,records,linePrediction&pfm=web",
		c.baseURL, cupID, scheduleIndex, number)
}

// OddsURL addresses one race's odds across every bet type.
func (c *Client) OddsURL(cupID int64, scheduleIndex, number int) string {
	return fmt.Sprintf("%s/v1/keirin/cups/%d/schedules/%d/races/%d/odds?fields=odds&pfm=web",
		c.baseURL, cupID, scheduleIndex, number)
}

func (c *Client) FetchMonthlyCups(ctx context.Context, month time.Time) (*MonthResponse, error) {
	var out MonthResponse
	if err := c.fetcher.FetchJSON(ctx, c.MonthURL(month), ratelimit.ClassWinticket, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) FetchCupDetail(ctx context.Context, cupID int64) (*CupDetailResponse, error) {
	var out CupDetailResponse
	if err := c.fetcher.FetchJSON(ctx, c.CupURL(cupID), ratelimit.ClassWinticket, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) FetchRaceDetail(ctx context.Context, cupID int64, scheduleIndex, number int) (*RaceDetailResponse, error) {
	var out RaceDetailResponse
	if err := c.fetcher.FetchJSON(ctx, c.RaceURL(cupID, scheduleIndex, number), ratelimit.ClassWinticket, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) FetchOdds(ctx context.Context, cupID int64, scheduleIndex, number int) (*OddsResponse, error) {
	var out OddsResponse
	if err := c.fetcher.FetchJSON(ctx, c.OddsURL(cupID, scheduleIndex, number), ratelimit.ClassWinticket, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
