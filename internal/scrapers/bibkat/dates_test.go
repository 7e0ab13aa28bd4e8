package bibkat

import (
	"errors"
	"testing"
	"time"

	"bibkat-backend/internal/components/chrono"

	"github.com/stretchr/testify/require"
)

func TestParseGermanDate(t *testing.T) {
	today := chrono.Date(2025, 7, 10)

	cases := []struct {
		text     string
		expected time.Time
	}{
		{text: "So., 13. Jul.", expected: chrono.Date(2025, 7, 13)},
		{text: "Sonntag, 13. Juli", expected: chrono.Date(2025, 7, 13)},
		{text: "13.07.2025", expected: chrono.Date(2025, 7, 13)},
		{text: "1.8.2025", expected: chrono.Date(2025, 8, 1)},
		{text: "Mi., 5. März", expected: chrono.Date(2026, 3, 5)},
		{text: "5. Maerz", expected: chrono.Date(2026, 3, 5)},
		{text: "Mo., 2. Jun.", expected: chrono.Date(2025, 6, 2)},
		{text: "Fr., 2. Mai", expected: chrono.Date(2026, 5, 2)},
		{text: "24. Dez", expected: chrono.Date(2025, 12, 24)},
		{text: "6. Juli 2024", expected: chrono.Date(2024, 7, 6)},
		{text: "12. Septembre", expected: chrono.Date(2025, 9, 12)},
	}

	for _, test := range cases {
		t.Run(test.text, func(t *testing.T) {
			date, err := ParseGermanDate(test.text, today)
			require.NoError(t, err)
			require.Equal(t, test.expected, date)
		})
	}
}

func TestParseGermanDateErrors(t *testing.T) {
	today := chrono.Date(2025, 7, 10)

	for _, text := range []string{
		"",
		"demnächst",
		"13. Foo",
		"31.02.2025",
		"12.13.2025",
		"30. Feb.",
	} {
		_, err := ParseGermanDate(text, today)
		require.Error(t, err, text)

		var parseErr *ParseError
		require.True(t, errors.As(err, &parseErr), text)
	}
}

func TestParseGermanDateLeapDay(t *testing.T) {
	cases := []struct {
		today    time.Time
		expected time.Time
		fails    bool
	}{
		{today: chrono.Date(2024, 3, 1), expected: chrono.Date(2024, 2, 29)},
		{today: chrono.Date(2027, 12, 20), expected: chrono.Date(2028, 2, 29)},
		{today: chrono.Date(2027, 1, 5), fails: true},
		{today: chrono.Date(2025, 7, 10), fails: true},
	}
	for _, test := range cases {
		date, err := ParseGermanDate("Di., 29. Feb.", test.today)
		if test.fails {
			var parseErr *ParseError
			require.ErrorAs(t, err, &parseErr, test.today)
			continue
		}
		require.NoError(t, err, test.today)
		require.Equal(t, test.expected, date, test.today)
	}
}

func TestParseGermanDateYearWindow(t *testing.T) {
	months := []string{"Jan.", "Feb.", "Mär.", "Apr.", "Mai", "Jun.", "Jul.", "Aug.", "Sep.", "Okt.", "Nov.", "Dez."}

	for _, today := range []time.Time{
		chrono.Date(2025, 1, 1),
		chrono.Date(2025, 3, 1),
		chrono.Date(2025, 7, 10),
		chrono.Date(2025, 12, 31),
	} {
		for _, month := range months {
			for _, day := range []string{"1", "15", "28"} {
				text := day + ". " + month
				date, err := ParseGermanDate(text, today)
				require.NoError(t, err, text)

				diff := chrono.DaysBetween(today, date)
				require.GreaterOrEqual(t, diff, -yearRolloverDays, "%s relative to %s", text, today)
				require.LessOrEqual(t, diff, 366, "%s relative to %s", text, today)
			}
		}
	}
}

func TestDueDateText(t *testing.T) {
	require.Equal(t, "So., 13. Jul.", DueDateText("Rückgabe bis: So., 13. Jul."))
	require.Equal(t, "13.07.2025", DueDateText(" 13.07.2025 "))
}

func TestDaysRemaining(t *testing.T) {
	today := chrono.Date(2025, 7, 10)
	require.Equal(t, 3, DaysRemaining(chrono.Date(2025, 7, 13), today))
	require.Equal(t, 0, DaysRemaining(today, today))
	require.Equal(t, 0, DaysRemaining(chrono.Date(2025, 7, 1), today))
}
