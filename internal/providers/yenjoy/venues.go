package yenjoy

import "fmt"

// knownTracks lists every velodrome in the national numbering, keyed by the
// venue id winticket uses (which follows the same numbering). The yen-joy
// path code is the zero-padded id for all of them.
var knownTracks = map[int64]string{
	11: "函館",
	12: "青森",
	13: "いわき平",
	21: "弥彦",
	22: "前橋",
	23: "取手",
	24: "宇都宮",
	25: "大宮",
	26: "西武園",
	27: "京王閣",
	28: "立川",
	31: "松戸",
	33: "千葉",
	34: "川崎",
	35: "平塚",
	36: "小田原",
	37: "伊東",
	38: "静岡",
	42: "名古屋",
	43: "岐阜",
	44: "大垣",
	45: "豊橋",
	46: "富山",
	47: "松阪",
	48: "四日市",
	51: "福井",
	53: "奈良",
	54: "向日町",
	55: "和歌山",
	56: "岸和田",
	61: "玉野",
	62: "広島",
	63: "防府",
	71: "高松",
	73: "小松島",
	74: "高知",
	75: "松山",
	81: "小倉",
	83: "久留米",
	84: "武雄",
	85: "佐世保",
	86: "別府",
	87: "熊本",
}

// Resolver maps venue ids to the two-digit track codes used in result URLs.
// Overrides win over the built-in numbering; venues that resolve to neither
// are skipped by the results stage rather than guessed.
type Resolver struct {
	overrides map[int64]string
}

func NewResolver(overrides map[int64]string) *Resolver {
	return &Resolver{overrides: overrides}
}

// Code returns the track code for a venue id and whether it resolved.
func (r *Resolver) Code(venueID int64) (string, bool) {
	if r != nil && r.overrides != nil {
		if code, ok := r.overrides[venueID]; ok {
			return code, true
		}
	}
	if _, ok := knownTracks[venueID]; ok {
		return fmt.Sprintf("%02d", venueID), true
	}
	return "", false
}

// TrackName returns the velodrome name for a known venue id.
func TrackName(venueID int64) (string, bool) {
	name, ok := knownTracks[venueID]
	return name, ok
}
