package yenjoy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keirinlab/keirinfeed/internal/infrastructure/httpclient"
)

func TestResultURL(t *testing.T) {
	c := New(nil, "")

	cupFirstDay := time.Date(2024, 3, 19, 0, 0, 0, 0, time.UTC)
	raceDate := time.Date(2024, 3, 21, 0, 0, 0, 0, time.UTC)

	assert.Equal(t,
		"https://www.yen-joy.net/kaisai/race/result/detail/202403/31/20240319/20240321/7",
		c.ResultURL("31", cupFirstDay, raceDate, 7))
}

func TestFetchResultPageStripsImages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<table class="result-table-detail">
		  <tr><th>着</th><th>車番</th><th>選手名</th></tr>
		  <tr><td>1</td><td>5</td><td><img src="/icon.png"><a href="/kaisai/racer/data/014321">山田</a></td></tr>
		</table>`))
	}))
	defer srv.Close()

	cfg := httpclient.DefaultConfig(Host)
	cfg.MaxRetries = 1
	cfg.RequestTimeout = 2 * time.Second
	c := New(httpclient.New(cfg, httpclient.Deps{}), srv.URL)

	body, err := c.FetchResultPage(context.Background(), c.ResultURL("31",
		time.Date(2024, 3, 19, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 21, 0, 0, 0, 0, time.UTC), 1))
	require.NoError(t, err)
	assert.NotContains(t, string(body), "<img")

	page, err := ParseResultPage(body, 9001)
	require.NoError(t, err)
	require.Len(t, page.Results, 1)
	assert.Equal(t, "014321", page.Results[0].PlayerID)
}

func TestFetchResultPageNotYetPublished(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := httpclient.DefaultConfig(Host)
	cfg.MaxRetries = 1
	c := New(httpclient.New(cfg, httpclient.Deps{}), srv.URL)

	_, err := c.FetchResultPage(context.Background(), srv.URL+"/kaisai/race/result/detail/202403/31/20240319/20240321/1")
	require.ErrorIs(t, err, httpclient.ErrNotYetPublished)
}
