package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRaceKey_RoundTrip(t *testing.T) {
	key := RaceKey{CupID: 2024031512, ScheduleIndex: 2, Number: 7}

	parsed, err := ParseRaceKey(key.String())
	require.NoError(t, err)
	assert.Equal(t, key, parsed)
}

func TestParseRaceKey_Invalid(t *testing.T) {
	for _, raw := range []string{
		"",
		"123",
		"123_4",
		"123_4_5_6",
		"abc_1_2",
		"123_x_2",
		"_1_2",
	} {
		_, err := ParseRaceKey(raw)
		assert.Error(t, err, raw)
	}
}
