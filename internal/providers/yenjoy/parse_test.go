package yenjoy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const resultPageFixture = `<html><body>
<table class="result-table-detail">
  <tr><th>着</th><th>車番</th><th>選手名</th><th>年齢</th><th>府県</th><th>期別</th><th>級班</th><th>着差</th><th>上り</th><th>決まり手</th></tr>
  <tr><td>1</td><td>5</td><td><a href="/kaisai/racer/data/014321">山田 太郎</a></td><td>28</td><td>千葉</td><td>105期</td><td>S1</td><td></td><td>11.2</td><td>差し</td></tr>
  <tr><td>2</td><td>1</td><td><a href="/kaisai/racer/data/015876">佐藤 次郎</a></td><td>33</td><td>福岡</td><td>98期</td><td>S2</td><td>1/2車身</td><td>11.4</td><td>逃げ</td></tr>
  <tr><td>失</td><td>3</td><td><a href="/kaisai/racer/data/016001">鈴木 三郎</a></td><td>25</td><td>大阪</td><td>110期</td><td>A1</td><td></td><td></td><td></td></tr>
</table>
<table class="result-pay">
  <tr><th rowspan="2">３連単</th><td>5-1-3</td><td>12,340円</td><td>(15)</td></tr>
  <tr><td>5-1-7</td><td>990円</td><td>(2)</td></tr>
  <tr><th>２車複</th><td>1＝5</td><td>480円</td><td>（1）</td></tr>
  <tr><th>ワイド</th><td>発売なし</td></tr>
</table>
<div class="result-b-hyo-lap-wrapper">
  <div class="lap-block"><p class="b-hyo-caption">周回</p>
    <span class="bike-icon-wrapper bikeno-5 x-1 y-0"><span class="racer-nm">山田</span></span>
    <span class="bike-icon-wrapper bikeno-1 x-2 y-0"><span class="racer-nm">佐藤</span></span>
  </div>
  <div class="lap-block"><p class="b-hyo-caption">打鐘</p>
    <span class="bike-icon-wrapper bikeno-1 x-1 y-1"><span class="racer-nm">佐藤</span></span>
  </div>
</div>
</body></html>`

func TestParseResultPageFull(t *testing.T) {
	page, err := ParseResultPage([]byte(resultPageFixture), 9001)
	require.NoError(t, err)
	assert.Empty(t, page.Issues)
	assert.True(t, page.Complete())

	require.Len(t, page.Results, 3)
	first := page.Results[0]
	assert.Equal(t, int64(9001), first.RaceID)
	assert.Equal(t, 1, first.Rank)
	assert.Equal(t, 5, first.Frame)
	assert.Equal(t, "014321", first.PlayerID)
	assert.Equal(t, "山田 太郎", first.PlayerName)
	assert.Equal(t, 28, first.Age)
	assert.Equal(t, "千葉", first.Prefecture)
	assert.Equal(t, 105, first.Term)
	assert.Equal(t, "S1", first.Class)
	assert.Equal(t, "11.2", first.LastLapTime)
	assert.Equal(t, "差し", first.WinningMove)

	assert.Equal(t, "1/2車身", page.Results[1].Margin)

	// Disqualification marks are not ranks; the row is still kept.
	assert.Equal(t, 0, page.Results[2].Rank)
	assert.Equal(t, 3, page.Results[2].Frame)

	require.Len(t, page.Payouts, 4)
	assert.Equal(t, "trifecta", page.Payouts[0].TicketType)
	assert.Equal(t, "5-1-3", page.Payouts[0].Combination)
	assert.Equal(t, 12340, page.Payouts[0].Amount)
	assert.Equal(t, 15, page.Payouts[0].Popularity)

	// Rowspan continuation keeps the ticket type.
	assert.Equal(t, "trifecta", page.Payouts[1].TicketType)
	assert.Equal(t, "5-1-7", page.Payouts[1].Combination)

	assert.Equal(t, "quinella", page.Payouts[2].TicketType)
	assert.Equal(t, "1=5", page.Payouts[2].Combination)
	assert.Equal(t, 1, page.Payouts[2].Popularity)

	wide := page.Payouts[3]
	assert.Equal(t, "quinella_place", wide.TicketType)
	assert.True(t, wide.Absent)
	assert.Empty(t, wide.Combination)
	assert.Zero(t, wide.Amount)

	require.Len(t, page.Laps, 3)
	assert.Equal(t, "周回", page.Laps[0].Section)
	assert.Equal(t, 1, page.Laps[0].SectionIdx)
	assert.Equal(t, 5, page.Laps[0].Frame)
	assert.Equal(t, 1, page.Laps[0].X)
	assert.Equal(t, 0, page.Laps[0].Y)
	assert.Equal(t, "山田", page.Laps[0].PlayerName)
	assert.Equal(t, "打鐘", page.Laps[2].Section)
	assert.Equal(t, 2, page.Laps[2].SectionIdx)
}

func TestParseResultsColumnOrderIndependent(t *testing.T) {
	html := `<table class="result-table-detail">
	  <tr><th>車番</th><th>決まり手</th><th>選手名</th><th>着</th></tr>
	  <tr><td>7</td><td>捲り</td><td><a href="/kaisai/racer/data/017777">高橋 四郎</a></td><td>1</td></tr>
	</table>`

	page, err := ParseResultPage([]byte(html), 9002)
	require.NoError(t, err)
	require.Len(t, page.Results, 1)
	assert.Equal(t, 7, page.Results[0].Frame)
	assert.Equal(t, 1, page.Results[0].Rank)
	assert.Equal(t, "捲り", page.Results[0].WinningMove)
	assert.Equal(t, "017777", page.Results[0].PlayerID)
}

func TestParseResultsDropsRowWithoutFrame(t *testing.T) {
	html := `<table class="result-table-detail">
	  <tr><th>着</th><th>車番</th></tr>
	  <tr><td>1</td><td>x</td></tr>
	  <tr><td>2</td><td>4</td></tr>
	</table>`

	page, err := ParseResultPage([]byte(html), 9003)
	require.NoError(t, err)
	require.Len(t, page.Results, 1)
	assert.Equal(t, 4, page.Results[0].Frame)
	assert.NotEmpty(t, page.Issues)
}

func TestParseResultsNoFrameColumn(t *testing.T) {
	html := `<table class="result-table-detail">
	  <tr><th>着</th><th>選手名</th></tr>
	  <tr><td>1</td><td>山田</td></tr>
	</table>`

	page, err := ParseResultPage([]byte(html), 9004)
	require.NoError(t, err)
	assert.Empty(t, page.Results)
	assert.Contains(t, page.Issues, "finish-order table has no frame column")
}

func TestParsePayoutsUnknownTicketKeptVerbatim(t *testing.T) {
	html := `<table class="result-pay">
	  <tr><th>特払い</th><td>-</td><td>70円</td><td>(0)</td></tr>
	</table>`

	page, err := ParseResultPage([]byte(html), 9005)
	require.NoError(t, err)
	require.Len(t, page.Payouts, 1)
	assert.Equal(t, "特払い", page.Payouts[0].TicketType)
	assert.Equal(t, 70, page.Payouts[0].Amount)
}

func TestParsePayoutsMergedAmountAndPopularity(t *testing.T) {
	html := `<table class="result-pay">
	  <tr><th>２車単</th><td>1-5</td><td>820円 (3)</td></tr>
	</table>`

	page, err := ParseResultPage([]byte(html), 9006)
	require.NoError(t, err)
	require.Len(t, page.Payouts, 1)
	assert.Equal(t, "exacta", page.Payouts[0].TicketType)
	assert.Equal(t, 820, page.Payouts[0].Amount)
	assert.Equal(t, 3, page.Payouts[0].Popularity)
}

func TestParseEmptyPageCollectsIssues(t *testing.T) {
	page, err := ParseResultPage([]byte("<html><body></body></html>"), 9007)
	require.NoError(t, err)
	assert.False(t, page.Complete())
	assert.Len(t, page.Issues, 3)
	assert.Empty(t, page.Results)
	assert.Empty(t, page.Payouts)
	assert.Empty(t, page.Laps)
}

func TestParseLapsRiderWithoutPosition(t *testing.T) {
	html := `<div class="result-b-hyo-lap-wrapper">
	  <div><p class="b-hyo-caption">周回</p>
	    <span class="bike-icon-wrapper bikeno-2"><span class="racer-nm">佐藤</span></span>
	  </div>
	</div>`

	page, err := ParseResultPage([]byte(html), 9008)
	require.NoError(t, err)
	require.Len(t, page.Laps, 1)
	assert.Equal(t, 2, page.Laps[0].Frame)
	assert.Zero(t, page.Laps[0].X)
	assert.NotEmpty(t, page.Issues)
}

func TestStripImages(t *testing.T) {
	html := []byte(`<p>before<img src="/sprite.png" alt="icon">after</p><IMG
	 src="x.gif"/>`)
	got := StripImages(html)
	assert.NotContains(t, string(got), "img")
	assert.NotContains(t, string(got), "IMG")
	assert.Contains(t, string(got), "beforeafter")
}
