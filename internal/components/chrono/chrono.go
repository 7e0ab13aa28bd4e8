package chrono

import (
	"sync"
	"time"
)

// Berlin is the time zone every BibKat library operates in, "today" is always evaluated here.
var Berlin = mustLoad("Europe/Berlin")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

const (
	IsoDate     = "2006-01-02"
	DisplayDate = "02.01.2006"
	Day         = 24 * time.Hour
)

// TimeAPI abstracts the wall clock.
//
// note: fault injection point
type TimeAPI interface {
	Now() time.Time
}

// StandardTime is the TimeAPI backed by the system clock.
type StandardTime struct{}

func (StandardTime) Now() time.Time {
	return time.Now().In(Berlin)
}

// FakeTime is a settable TimeAPI for tests.
type FakeTime struct {
	mutex sync.Mutex
	now   time.Time
}

func NewFakeTime(now time.Time) *FakeTime {
	return &FakeTime{now: now}
}

func (f *FakeTime) Now() time.Time {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.now
}

func (f *FakeTime) Set(now time.Time) {
	f.mutex.Lock()
	f.now = now
	f.mutex.Unlock()
}

func (f *FakeTime) Advance(d time.Duration) {
	f.mutex.Lock()
	f.now = f.now.Add(d)
	f.mutex.Unlock()
}

// Date returns the civil date y-m-d as midnight UTC, which is how every calendar date is
// represented throughout the module so that day arithmetic never crosses a DST boundary.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// Today returns the current civil date in Berlin.
func Today(t TimeAPI) time.Time {
	return DateOf(t.Now())
}

// DateOf returns the civil date of the instant in Berlin.
func DateOf(instant time.Time) time.Time {
	y, m, d := instant.In(Berlin).Date()
	return Date(y, m, d)
}

// DaysBetween returns to - from in whole days, both must be civil dates.
func DaysBetween(from, to time.Time) int {
	return int(to.Sub(from) / Day)
}

// FormatIso returns "" for the zero time.
func FormatIso(date time.Time) string {
	if date.IsZero() {
		return ""
	}
	return date.Format(IsoDate)
}

func FormatDisplay(date time.Time) string {
	if date.IsZero() {
		return ""
	}
	return date.Format(DisplayDate)
}

// ParseIso parses an ISO date, the empty string yields the zero time and false.
func ParseIso(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	date, err := time.Parse(IsoDate, value)
	if err != nil {
		return time.Time{}, false
	}
	return date, true
}
