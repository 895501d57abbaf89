package domain

import (
	"fmt"
	"regexp"
	"strconv"
)

// RaceKey is the underscore-joined intermediate identifier
// {cup_id}_{schedule_index}_{number}. The canonical identifier remains the
// store's own race_id; the key only travels between stages.
type RaceKey struct {
	CupID         int64
	ScheduleIndex int
	Number        int
}

var raceKeyPattern = regexp.MustCompile(`^(\d+)_(\d+)_(\d+)$`)

// ParseRaceKey decodes the underscore form.
func ParseRaceKey(raw string) (RaceKey, error) {
	m := raceKeyPattern.FindStringSubmatch(raw)
	if m == nil {
		return RaceKey{}, fmt.Errorf("invalid race key %q", raw)
	}
	cupID, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return RaceKey{}, fmt.Errorf("invalid cup id in race key %q: %w", raw, err)
	}
	idx, _ := strconv.Atoi(m[2])
	num, _ := strconv.Atoi(m[3])
	return RaceKey{CupID: cupID, ScheduleIndex: idx, Number: num}, nil
}

func (k RaceKey) String() string {
	return fmt.Sprintf("%d_%d_%d", k.CupID, k.ScheduleIndex, k.Number)
}
