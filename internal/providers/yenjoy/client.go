package yenjoy

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/keirinlab/keirinfeed/internal/infrastructure/httpclient"
	"github.com/keirinlab/keirinfeed/internal/infrastructure/ratelimit"
)

const (
	// Host serves the result pages. Its pacing is stricter than the JSON API.
	Host = "www.yen-joy.net"

	// DefaultBaseURL is overridable for tests.
	DefaultBaseURL = "https://" + Host
)

var imgTagPattern = regexp.MustCompile(`(?is)<img[^>]*>`)

// StripImages removes inline img tags before parsing. Result pages carry a
// sprite icon per rider per section, and none of them hold data.
func StripImages(html []byte) []byte {
	return imgTagPattern.ReplaceAll(html, nil)
}

// Client wraps the shared HTTP client for the yen-joy result pages.
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

// ResultURL builds a race result page address. The leading month segment is
// the month of the cup's first day, which also appears as its own segment.
func (c *Client) ResultURL(venueCode string, cupFirstDay, raceDate time.Time, raceNumber int) string {
	return fmt.Sprintf("%s/kaisai/race/result/detail/%s/%s/%s/%s/%d",
		c.baseURL,
		cupFirstDay.Format("200601"),
		venueCode,
		cupFirstDay.Format("20060102"),
		raceDate.Format("20060102"),
		raceNumber)
}

// FetchResultPage GETs a result page and returns the image-stripped HTML.
func (c *Client) FetchResultPage(ctx context.Context, url string) ([]byte, error) {
	body, err := c.fetcher.Fetch(ctx, url, ratelimit.ClassYenjoyHTML)
	if err != nil {
		return nil, err
	}
	return StripImages(body), nil
}
