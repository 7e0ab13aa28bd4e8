package bibkat

import (
	"testing"

	"bibkat-backend/internal/components/chrono"

	"github.com/stretchr/testify/require"
)

func TestParseBalance(t *testing.T) {
	parser, _ := testParser(t, "/reader/")

	info, err := parser.ParseBalance(mainPage)
	require.NoError(t, err)
	require.Equal(t, BalanceInfo{
		Balance:      2.5,
		Currency:     "EUR",
		CardExpiry:   "2026-12-31",
		Reservations: 2,
	}, info)

	empty, err := parser.ParseBalance([]byte(`<html><body></body></html>`))
	require.NoError(t, err)
	require.Equal(t, BalanceInfo{Currency: "EUR"}, empty)
}

func TestParseBalanceAmounts(t *testing.T) {
	parser, _ := testParser(t, "/reader/")

	cases := []struct {
		text     string
		expected float64
	}{
		{text: "Kontostand: 12,50 €", expected: 12.5},
		{text: "Kontostand: 1.234,50 €", expected: 1234.5},
		{text: "Kontostand: 1234,50 €", expected: 1234.5},
		{text: "Kontostand: -3,00 €", expected: -3},
		{text: "Kontostand: 12.345.678,01 €", expected: 12345678.01},
	}
	for _, test := range cases {
		info, err := parser.ParseBalance([]byte("<html><body><p>" + test.text + "</p></body></html>"))
		require.NoError(t, err)
		require.InDelta(t, test.expected, info.Balance, 0.001, test.text)
	}
}

func TestParseRenewalHint(t *testing.T) {
	parser, _ := testParser(t, "/media/1001/")

	hint, ok, err := parser.ParseRenewalHint(detailPage)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "7. Jul.", hint.Text)
	require.Equal(t, chrono.Date(2025, 7, 7), hint.Opens)

	_, ok, err = parser.ParseRenewalHint([]byte(`<p>Das Medium ist vorgemerkt.</p>`))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestParseRenewalRejection(t *testing.T) {
	rejection, ok := ParseRenewalRejection(`"Der kleine Hobbit" kann erst ab dem 06.07.2025 verlängert werden.`)
	require.True(t, ok)
	require.Equal(t, RenewalRejection{Title: "Der kleine Hobbit", Opens: "06.07.2025"}, rejection)

	_, ok = ParseRenewalRejection("Das Medium wurde verlängert.")
	require.False(t, ok)
}
