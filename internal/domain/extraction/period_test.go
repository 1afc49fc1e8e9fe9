package extraction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(s string) time.Time {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestSplitMonthly(t *testing.T) {
	tests := []struct {
		name     string
		start    string
		end      string
		expected [][2]string
	}{
		{
			name:  "leap year two months",
			start: "2024-01-01", end: "2024-02-29",
			expected: [][2]string{{"2024-01-01", "2024-01-31"}, {"2024-02-01", "2024-02-29"}},
		},
		{
			name:  "mid month start and end",
			start: "2024-01-15", end: "2024-03-10",
			expected: [][2]string{{"2024-01-15", "2024-01-31"}, {"2024-02-01", "2024-02-29"}, {"2024-03-01", "2024-03-10"}},
		},
		{
			name:  "single day",
			start: "2024-05-05", end: "2024-05-05",
			expected: [][2]string{{"2024-05-05", "2024-05-05"}},
		},
		{
			name:  "across year",
			start: "2023-12-20", end: "2024-01-02",
			expected: [][2]string{{"2023-12-20", "2023-12-31"}, {"2024-01-01", "2024-01-02"}},
		},
		{
			name:  "inverted",
			start: "2024-02-01", end: "2024-01-01",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			periods := SplitMonthly(day(tt.start), day(tt.end))
			require.Len(t, periods, len(tt.expected))
			for i, p := range periods {
				assert.Equal(t, tt.expected[i][0], p.Start.Format(DateLayout))
				assert.Equal(t, tt.expected[i][1], p.End.Format(DateLayout))
			}
		})
	}
}

func TestNewPeriod(t *testing.T) {
	p, err := NewPeriod(day("2024-01-01"), day("2024-01-03"))
	require.NoError(t, err)
	assert.Equal(t, 3, p.Days())
	assert.Equal(t, "2024-01-01..2024-01-03", p.String())

	_, err = NewPeriod(day("2024-01-03"), day("2024-01-01"))
	assert.ErrorIs(t, err, ErrInvalidWindow)
}

func TestParseDay(t *testing.T) {
	d, err := ParseDay("2024-07-31")
	require.NoError(t, err)
	assert.Equal(t, day("2024-07-31"), d)

	_, err = ParseDay("31/07/2024")
	assert.ErrorIs(t, err, ErrInvalidWindow)
}

func TestDay_UsesOwnLocation(t *testing.T) {
	loc := time.FixedZone("BRT", -3*3600)
	late := time.Date(2024, 3, 10, 23, 30, 0, 0, loc)
	assert.Equal(t, day("2024-03-10"), Day(late))
}
