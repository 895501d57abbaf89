package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"github.com/keirinlab/keirinfeed/internal/domain"
	"github.com/keirinlab/keirinfeed/internal/infrastructure/httpclient"
	"github.com/keirinlab/keirinfeed/internal/providers/yenjoy"
)

func newYenjoyClient(srv *httptest.Server) *yenjoy.Client {
	cfg := httpclient.DefaultConfig(yenjoy.Host)
	cfg.MaxRetries = 1
	cfg.RequestTimeout = 2 * time.Second
	return yenjoy.New(httpclient.New(cfg, httpclient.Deps{}), srv.URL)
}

const resultPageHTML = `<html><body>
<table class="result-table-detail">
  <tr><th>着</th><th>車番</th><th>選手名</th><th>年齢</th><th>府県</th><th>期別</th><th>級班</th><th>着差</th><th>上り</th><th>決まり手</th></tr>
  <tr><td>1</td><td>5</td><td><a href="/kaisai/racer/data/014321">山田 太郎</a></td><td>28</td><td>千葉</td><td>105期</td><td>S1</td><td></td><td>11.2</td><td>差し</td></tr>
  <tr><td>2</td><td>1</td><td><a href="/kaisai/racer/data/015876">佐藤 次郎</a></td><td>33</td><td>福岡</td><td>98期</td><td>S2</td><td>1/2車身</td><td>11.4</td><td>逃げ</td></tr>
</table>
<table class="result-pay">
  <tr><th>３連単</th><td>5-1-3</td><td>12,340円</td><td>(15)</td></tr>
  <tr><th>２車複</th><td>1＝5</td><td>480円</td><td>（1）</td></tr>
</table>
<div class="result-b-hyo-lap-wrapper">
  <div><p class="b-hyo-caption">周回</p>
    <span class="bike-icon-wrapper bikeno-5 x-1 y-0"><span class="racer-nm">山田</span></span>
  </div>
  <div><p class="b-hyo-caption">打鐘</p>
    <span class="bike-icon-wrapper bikeno-1 x-1 y-1"><span class="racer-nm">佐藤</span></span>
  </div>
</div>
</body></html>`

func expectStep5Extraction(mock sqlmock.Sqlmock, w Window, rows *sqlmock.Rows) {
	mock.ExpectQuery("step5_status IS DISTINCT FROM").
		WithArgs(w.Start, w.End, int64(0), false).
		WillReturnRows(rows)
}

func step5Item(venueID int64) *sqlmock.Rows {
	return sqlmock.NewRows(workItemColumns()).
		AddRow(int64(9001), int64(2024031901), int64(501), 2, 7, venueID,
			time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC),
			time.Date(2024, 3, 19, 0, 0, 0, 0, time.UTC))
}

func TestStep5SavesResultPage(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(resultPageHTML))
	}))
	defer srv.Close()

	g, mock := newTestStore(t)
	w := testWindow()

	expectStep5Extraction(mock, w, step5Item(31))
	mock.ExpectExec("UPDATE race_status SET step5_status").
		WithArgs(domain.StatusProcessing, pq.Array([]int64{9001})).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO results").
		WithArgs(int64(9001), 1, 5, "014321", "山田 太郎", 28, "千葉", 105,
			"S1", "", "11.2", "差し").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO results").
		WithArgs(int64(9001), 2, 1, "015876", "佐藤 次郎", 33, "福岡", 98,
			"S2", "1/2車身", "11.4", "逃げ").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO payouts").
		WithArgs(int64(9001), "trifecta", "5-1-3", 12340, 15, false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO payouts").
		WithArgs(int64(9001), "quinella", "1=5", 480, 1, false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO lap_positions").
		WithArgs(int64(9001), "周回", 1, 5, "山田", 1, 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO lap_positions").
		WithArgs(int64(9001), "打鐘", 2, 1, "佐藤", 1, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE race_status SET step5_status").
		WithArgs(domain.StatusCompleted, int64(9001)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ledger := NewLedger(g, nil)
	u := NewStep5Updater(NewExtractor(g), newYenjoyClient(srv),
		yenjoy.NewResolver(nil), NewStep5Saver(g, ledger), ledger, 1, nil)

	res := u.Run(context.Background(), w)
	assert.True(t, res.OK)
	assert.Equal(t, 1, res.Count)
	assert.Equal(t, "1 saved, 0 pending, 0 skipped, 0 failed", res.Message)
	assert.Equal(t, "/kaisai/race/result/detail/202403/31/20240319/20240320/7", gotPath)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// A venue without a track code is skipped without any ledger write so a
// later config override can pick the race up.
func TestStep5UnresolvableVenueSkipped(t *testing.T) {
	g, mock := newTestStore(t)
	w := testWindow()

	expectStep5Extraction(mock, w, step5Item(99))

	u := NewStep5Updater(NewExtractor(g), nil,
		yenjoy.NewResolver(nil), nil, NewLedger(g, nil), 1, nil)

	res := u.Run(context.Background(), w)
	assert.True(t, res.OK)
	assert.Zero(t, res.Count)
	assert.Equal(t, "0 saved, 0 pending, 1 skipped, 0 failed", res.Message)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStep5VenueOverrideResolves(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	g, mock := newTestStore(t)
	w := testWindow()

	expectStep5Extraction(mock, w, step5Item(99))
	mock.ExpectExec("UPDATE race_status SET step5_status").
		WithArgs(domain.StatusProcessing, pq.Array([]int64{9001})).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE race_status SET step5_status").
		WithArgs(domain.StatusPending, int64(9001)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ledger := NewLedger(g, nil)
	u := NewStep5Updater(NewExtractor(g), newYenjoyClient(srv),
		yenjoy.NewResolver(map[int64]string{99: "77"}),
		NewStep5Saver(g, ledger), ledger, 1, nil)

	res := u.Run(context.Background(), w)
	assert.True(t, res.OK)
	assert.Equal(t, "0 saved, 1 pending, 0 skipped, 0 failed", res.Message)
	assert.Contains(t, gotPath, "/77/")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStep5TrackCodeFilter(t *testing.T) {
	g, mock := newTestStore(t)
	w := testWindow()
	w.VenueCodes = []string{"23"}

	expectStep5Extraction(mock, w, step5Item(31))

	u := NewStep5Updater(NewExtractor(g), nil,
		yenjoy.NewResolver(nil), nil, NewLedger(g, nil), 1, nil)

	res := u.Run(context.Background(), w)
	assert.True(t, res.OK)
	assert.Equal(t, "0 saved, 0 pending, 0 skipped, 0 failed", res.Message)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// A page missing any of its three blocks fails the race rather than
// completing it with holes.
func TestStep5IncompletePageFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<table class="result-table-detail">
		  <tr><th>着</th><th>車番</th></tr>
		  <tr><td>1</td><td>5</td></tr>
		</table>`))
	}))
	defer srv.Close()

	g, mock := newTestStore(t)
	w := testWindow()

	expectStep5Extraction(mock, w, step5Item(31))
	mock.ExpectExec("UPDATE race_status SET step5_status").
		WithArgs(domain.StatusProcessing, pq.Array([]int64{9001})).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE race_status SET step5_status").
		WithArgs(domain.StatusError, int64(9001)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ledger := NewLedger(g, nil)
	u := NewStep5Updater(NewExtractor(g), newYenjoyClient(srv),
		yenjoy.NewResolver(nil), NewStep5Saver(g, ledger), ledger, 1, nil)

	res := u.Run(context.Background(), w)
	assert.False(t, res.OK)
	assert.Equal(t, "0 saved, 0 pending, 0 skipped, 1 failed", res.Message)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStep5DryRunCountsResolvableRaces(t *testing.T) {
	g, mock := newTestStore(t)
	w := testWindow()
	w.DryRun = true

	rows := sqlmock.NewRows(workItemColumns()).
		AddRow(int64(9001), int64(2024031901), int64(501), 2, 7, int64(31),
			time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC),
			time.Date(2024, 3, 19, 0, 0, 0, 0, time.UTC)).
		AddRow(int64(9002), int64(2024031901), int64(501), 2, 8, int64(99),
			time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC),
			time.Date(2024, 3, 19, 0, 0, 0, 0, time.UTC))
	expectStep5Extraction(mock, w, rows)

	u := NewStep5Updater(NewExtractor(g), nil,
		yenjoy.NewResolver(nil), nil, NewLedger(g, nil), 1, nil)

	res := u.Run(context.Background(), w)
	assert.True(t, res.OK)
	assert.Equal(t, 1, res.Count)
	assert.Contains(t, res.Message, "dry run: 1 result pages to fetch")
	assert.NoError(t, mock.ExpectationsWereMet())
}
