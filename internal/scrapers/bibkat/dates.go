package bibkat

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"bibkat-backend/internal/components/chrono"

	"github.com/antzucaro/matchr"
)

var longMonths = map[string]time.Month{
	"januar":    time.January,
	"jänner":    time.January,
	"februar":   time.February,
	"märz":      time.March,
	"maerz":     time.March,
	"marz":      time.March,
	"april":     time.April,
	"mai":       time.May,
	"juni":      time.June,
	"juli":      time.July,
	"august":    time.August,
	"september": time.September,
	"oktober":   time.October,
	"november":  time.November,
	"dezember":  time.December,
}

var shortMonths = map[string]time.Month{
	"jan":  time.January,
	"feb":  time.February,
	"mär":  time.March,
	"mrz":  time.March,
	"apr":  time.April,
	"mai":  time.May,
	"jun":  time.June,
	"jul":  time.July,
	"aug":  time.August,
	"sep":  time.September,
	"sept": time.September,
	"okt":  time.October,
	"nov":  time.November,
	"dez":  time.December,
}

// a month name that is not spelled exactly is only accepted when it is this similar to a
// long month name.
const fuzzyMonthThreshold = 0.9

// a day/month date without a year that lies further back than this refers to next year.
const yearRolloverDays = 60

var (
	dayMonthNameRegex = regexp.MustCompile(`(\d{1,2})\.\s*(\p{L}+)\.?(?:\s+(\d{4}))?`)
	numericDateRegex  = regexp.MustCompile(`(\d{1,2})\.(\d{1,2})\.(\d{4})`)
)

func lookupMonth(name string) (time.Month, bool) {
	name = strings.ToLower(strings.TrimSuffix(name, "."))
	if month, ok := longMonths[name]; ok {
		return month, true
	}
	if month, ok := shortMonths[name]; ok {
		return month, true
	}
	if len(name) < 3 {
		return 0, false
	}

	var best time.Month
	bestScore := 0.0
	for candidate, month := range longMonths {
		score := matchr.JaroWinkler(name, candidate, false)
		if score > bestScore {
			best, bestScore = month, score
		}
	}
	if bestScore < fuzzyMonthThreshold {
		return 0, false
	}
	return best, true
}

func civilDate(input string, year int, month time.Month, day int) (time.Time, error) {
	date := chrono.Date(year, month, day)
	if date.Day() != day || date.Month() != month {
		return time.Time{}, &ParseError{Input: input, Reason: "not a calendar date"}
	}
	return date, nil
}

// ParseGermanDate understands the two date shapes the reader pages print:
//
//   - "So., 13. Jul." or "Sonntag, 13. Juli" (no year, the current year is assumed unless the
//     date would then lie more than 60 days in the past, in which case it belongs to next year)
//   - "13.07.2025"
//
// today must be a civil date (see chrono.Today).
func ParseGermanDate(text string, today time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, &ParseError{Input: text, Reason: "empty date"}
	}

	if groups := dayMonthNameRegex.FindStringSubmatch(text); groups != nil {
		if month, ok := lookupMonth(groups[2]); ok {
			day, _ := strconv.Atoi(groups[1])
			if groups[3] != "" {
				year, _ := strconv.Atoi(groups[3])
				return civilDate(text, year, month, day)
			}

			date, err := civilDate(text, today.Year(), month, day)
			if err != nil {
				// 29 Feb of a common year can only mean next year, and only once that
				// February is behind us
				if month == time.February && day == 29 &&
					chrono.DaysBetween(chrono.Date(today.Year(), time.February, 28), today) > yearRolloverDays {
					return civilDate(text, today.Year()+1, month, day)
				}
				return time.Time{}, err
			}
			if chrono.DaysBetween(date, today) > yearRolloverDays {
				return civilDate(text, today.Year()+1, month, day)
			}
			return date, nil
		}
	}

	if groups := numericDateRegex.FindStringSubmatch(text); groups != nil {
		day, _ := strconv.Atoi(groups[1])
		month, _ := strconv.Atoi(groups[2])
		year, _ := strconv.Atoi(groups[3])
		if month < 1 || month > 12 {
			return time.Time{}, &ParseError{Input: text, Reason: "not a calendar date"}
		}
		return civilDate(text, year, time.Month(month), day)
	}

	return time.Time{}, &ParseError{Input: text, Reason: "unknown date format"}
}

// DueDateText reduces a status line like "Rückgabe bis: So., 13. Jul." to the date part.
func DueDateText(status string) string {
	if _, after, found := strings.Cut(status, "bis:"); found {
		return strings.TrimSpace(after)
	}
	return strings.TrimSpace(status)
}

// DaysRemaining is the number of days until due, never negative.
func DaysRemaining(due, today time.Time) int {
	return max(0, chrono.DaysBetween(today, due))
}
