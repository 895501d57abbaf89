package yenjoy

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/keirinlab/keirinfeed/internal/domain"
)

// ResultPage holds everything recoverable from one result page. Missing or
// malformed blocks land in Issues instead of failing the parse.
type ResultPage struct {
	Results []domain.Result
	Payouts []domain.Payout
	Laps    []domain.LapPosition
	Issues  []string
}

// Complete reports whether all three blocks were recovered without issues.
func (p *ResultPage) Complete() bool {
	return len(p.Issues) == 0 &&
		len(p.Results) > 0 && len(p.Payouts) > 0 && len(p.Laps) > 0
}

// ParseResultPage extracts the finish order, payouts, and lap grid from a
// result page. Only an unreadable document returns an error; partial data
// comes back with notes in Issues.
func ParseResultPage(html []byte, raceID int64) (*ResultPage, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse result page: %w", err)
	}

	page := &ResultPage{}
	page.Results = parseResults(doc, raceID, &page.Issues)
	page.Payouts = parsePayouts(doc, raceID, &page.Issues)
	page.Laps = parseLaps(doc, raceID, &page.Issues)
	return page, nil
}

// resultColumns maps finish-order header text to fields. Column order is not
// assumed; the header row decides which cell holds what.
var resultColumns = map[string]string{
	"着":    "rank",
	"着順":   "rank",
	"車番":   "frame",
	"選手名":  "name",
	"年齢":   "age",
	"府県":   "prefecture",
	"期別":   "term",
	"級班":   "class",
	"着差":   "margin",
	"上り":   "lastlap",
	"決まり手": "move",
	"決り手":  "move",
}

func parseResults(doc *goquery.Document, raceID int64, issues *[]string) []domain.Result {
	table := doc.Find("table.result-table-detail").First()
	if table.Length() == 0 {
		*issues = append(*issues, "finish-order table missing")
		return nil
	}

	cols := make(map[string]int)
	table.Find("tr").First().Find("th").Each(func(i int, th *goquery.Selection) {
		if field, ok := resultColumns[normalizeText(th.Text())]; ok {
			cols[field] = i
		}
	})
	if _, ok := cols["frame"]; !ok {
		*issues = append(*issues, "finish-order table has no frame column")
		return nil
	}

	var out []domain.Result
	table.Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() == 0 {
			return
		}
		cell := func(field string) *goquery.Selection {
			idx, ok := cols[field]
			if !ok || idx >= cells.Length() {
				return nil
			}
			return cells.Eq(idx)
		}
		text := func(field string) string {
			c := cell(field)
			if c == nil {
				return ""
			}
			return normalizeText(c.Text())
		}

		frame, err := strconv.Atoi(text("frame"))
		if err != nil {
			*issues = append(*issues, fmt.Sprintf("finish-order row with frame %q dropped", text("frame")))
			return
		}

		res := domain.Result{
			RaceID:      raceID,
			Frame:       frame,
			Prefecture:  text("prefecture"),
			Class:       text("class"),
			Margin:      text("margin"),
			LastLapTime: text("lastlap"),
			WinningMove: text("move"),
		}

		// Non-numeric ranks (disqualification marks) stay at zero.
		if v, err := strconv.Atoi(text("rank")); err == nil {
			res.Rank = v
		}
		if v, err := strconv.Atoi(text("age")); err == nil {
			res.Age = v
		}
		if v, err := strconv.Atoi(strings.TrimSuffix(text("term"), "期")); err == nil {
			res.Term = v
		}

		if c := cell("name"); c != nil {
			link := c.Find("a").First()
			res.PlayerName = normalizeText(link.Text())
			if res.PlayerName == "" {
				res.PlayerName = normalizeText(c.Text())
			}
			if href, ok := link.Attr("href"); ok {
				res.PlayerID = lastPathSegment(href)
			}
		}

		out = append(out, res)
	})
	return out
}

// ticketTypes maps payout row labels, digit-normalized, to the bucket names
// used across the odds tables. Unknown labels are kept verbatim.
var ticketTypes = map[string]string{
	"単勝":  "win",
	"複勝":  "place",
	"2枠複": "bracket_quinella",
	"2枠単": "bracket_exacta",
	"2車複": "quinella",
	"2車単": "exacta",
	"ワイド": "quinella_place",
	"3連複": "trio",
	"3連単": "trifecta",
}

var (
	amountPattern     = regexp.MustCompile(`([\d,]+)円`)
	popularityPattern = regexp.MustCompile(`\((\d+)\)`)
)

func parsePayouts(doc *goquery.Document, raceID int64, issues *[]string) []domain.Payout {
	table := doc.Find("table.result-pay").First()
	if table.Length() == 0 {
		*issues = append(*issues, "payouts table missing")
		return nil
	}

	var out []domain.Payout
	current := ""
	table.Find("tr").Each(func(_ int, row *goquery.Selection) {
		// A th starts a new ticket type; rowspan continuations omit it.
		if label := normalizeText(row.Find("th").First().Text()); label != "" {
			if mapped, ok := ticketTypes[label]; ok {
				current = mapped
			} else {
				current = label
			}
		}

		cells := row.Find("td")
		if cells.Length() == 0 || current == "" {
			return
		}

		texts := make([]string, 0, cells.Length())
		cells.Each(func(_ int, c *goquery.Selection) {
			texts = append(texts, normalizeText(c.Text()))
		})

		amountIdx := -1
		for i, t := range texts {
			if strings.Contains(t, "円") {
				amountIdx = i
				break
			}
		}

		p := domain.Payout{RaceID: raceID, TicketType: current}
		if amountIdx < 0 {
			// No amount on the row: the pool was not sold or not settled.
			p.Combination = stripSpaces(strings.Join(texts, ""))
			if strings.Contains(p.Combination, "なし") {
				p.Combination = ""
			}
			p.Absent = true
			out = append(out, p)
			return
		}

		p.Combination = stripSpaces(strings.Join(texts[:amountIdx], ""))
		m := amountPattern.FindStringSubmatch(texts[amountIdx])
		if m == nil {
			*issues = append(*issues, fmt.Sprintf("unreadable amount %q for %s", texts[amountIdx], current))
			p.Absent = true
			out = append(out, p)
			return
		}
		amount, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", ""))
		if err != nil {
			*issues = append(*issues, fmt.Sprintf("unreadable amount %q for %s", texts[amountIdx], current))
			p.Absent = true
			out = append(out, p)
			return
		}
		p.Amount = amount

		rest := strings.Join(texts[amountIdx:], " ")
		if pm := popularityPattern.FindStringSubmatch(rest); pm != nil {
			p.Popularity, _ = strconv.Atoi(pm[1])
		}
		out = append(out, p)
	})
	return out
}

func parseLaps(doc *goquery.Document, raceID int64, issues *[]string) []domain.LapPosition {
	wrapper := doc.Find("div.result-b-hyo-lap-wrapper").First()
	if wrapper.Length() == 0 {
		*issues = append(*issues, "lap grid missing")
		return nil
	}

	var out []domain.LapPosition
	sectionIdx := 0
	wrapper.Children().Each(func(_ int, block *goquery.Selection) {
		riders := block.Find("span.bike-icon-wrapper")
		if riders.Length() == 0 {
			return
		}
		sectionIdx++

		label := normalizeText(block.Find(".b-hyo-caption").First().Text())
		if label == "" {
			label = normalizeText(block.Find("p, h3").First().Text())
		}
		if label == "" {
			label = fmt.Sprintf("lap%d", sectionIdx)
		}

		riders.Each(func(_ int, span *goquery.Selection) {
			classes := strings.Fields(span.AttrOr("class", ""))
			frame, okFrame := classInt(classes, "bikeno-")
			if !okFrame {
				*issues = append(*issues, fmt.Sprintf("lap rider without bike number in %s", label))
				return
			}
			x, okX := classInt(classes, "x-")
			y, okY := classInt(classes, "y-")
			if !okX || !okY {
				*issues = append(*issues, fmt.Sprintf("lap rider %d without grid position in %s", frame, label))
			}

			out = append(out, domain.LapPosition{
				RaceID:     raceID,
				Section:    label,
				SectionIdx: sectionIdx,
				Frame:      frame,
				PlayerName: normalizeText(span.Find("span.racer-nm").First().Text()),
				X:          x,
				Y:          y,
			})
		})
	})
	return out
}

func classInt(classes []string, prefix string) (int, bool) {
	for _, c := range classes {
		if !strings.HasPrefix(c, prefix) {
			continue
		}
		if v, err := strconv.Atoi(strings.TrimPrefix(c, prefix)); err == nil {
			return v, true
		}
	}
	return 0, false
}

func lastPathSegment(href string) string {
	trimmed := strings.Trim(href, "/")
	if trimmed == "" {
		return ""
	}
	parts := strings.Split(trimmed, "/")
	return parts[len(parts)-1]
}

// asciiNormalizer folds the full-width digits and punctuation the pages mix
// into their half-width forms.
var asciiNormalizer = strings.NewReplacer(
	"０", "0", "１", "1", "２", "2", "３", "3", "４", "4",
	"５", "5", "６", "6", "７", "7", "８", "8", "９", "9",
	"（", "(", "）", ")", "＝", "=", "－", "-", "　", " ",
)

func normalizeText(s string) string {
	return strings.TrimSpace(asciiNormalizer.Replace(s))
}

func stripSpaces(s string) string {
	return strings.ReplaceAll(s, " ", "")
}
