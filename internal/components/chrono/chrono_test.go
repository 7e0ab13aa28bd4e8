package chrono

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestToday(t *testing.T) {
	cases := []struct {
		now      time.Time
		expected time.Time
	}{
		{
			// 23:30 UTC is already the next day in Berlin (summer time).
			now:      time.Date(2025, 7, 12, 23, 30, 0, 0, time.UTC),
			expected: Date(2025, 7, 13),
		},
		{
			now:      time.Date(2025, 1, 5, 22, 59, 0, 0, time.UTC),
			expected: Date(2025, 1, 5),
		},
	}

	for _, test := range cases {
		require.Equal(t, test.expected, Today(NewFakeTime(test.now)))
	}
}

func TestDaysBetween(t *testing.T) {
	require.Equal(t, 3, DaysBetween(Date(2025, 3, 29), Date(2025, 4, 1)))
	require.Equal(t, -2, DaysBetween(Date(2025, 1, 3), Date(2025, 1, 1)))
	// crossing the DST switch on 2025-03-30 must not lose an hour.
	require.Equal(t, 1, DaysBetween(Date(2025, 3, 30), Date(2025, 3, 31)))
}

func TestIsoRoundTrip(t *testing.T) {
	date, ok := ParseIso("2025-07-13")
	require.True(t, ok)
	require.Equal(t, Date(2025, 7, 13), date)
	require.Equal(t, "13.07.2025", FormatDisplay(date))

	_, ok = ParseIso("")
	require.False(t, ok)
	require.Equal(t, "", FormatIso(time.Time{}))
}
