// Package rules learns, per library, how many days before the due date a medium becomes
// renewable.
package rules

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"bibkat-backend/internal/components/assert"
	"bibkat-backend/internal/components/chrono"
	"bibkat-backend/internal/components/kvstore"
	"bibkat-backend/internal/components/telemetry"
)

const (
	report_learner_load = "learner.load"
	report_learner_save = "learner.save"
)

const (
	storeKey = "renewal_rules"
	// StaleAfter is the age at which a rule should be re-learned.
	StaleAfter = 7
)

// Rule is the learned renewal window of one library.
type Rule struct {
	LibraryUrl string `json:"-"`
	// OffsetDays is how many days before the due date renewal opens.
	OffsetDays  int    `json:"renewal_offset_days"`
	LastUpdated string `json:"last_updated"`
}

// Learner keeps one Rule per library url and persists them on every change. Urls differing only in
// a trailing slash name the same library, the file keeps the url as it was given.
type Learner struct {
	store *kvstore.Store
	time  chrono.TimeAPI
	tel   telemetry.API

	mutex sync.Mutex
	// keyed by normalize(LibraryUrl)
	rules map[string]Rule
}

// NewLearner loads previously learned rules. A missing or unreadable file starts empty.
func NewLearner(store *kvstore.Store, timeApi chrono.TimeAPI, tel telemetry.API) *Learner {
	assert.NotNil(store)
	assert.NotNil(timeApi)
	assert.NotNil(tel)

	l := &Learner{
		store: store,
		time:  timeApi,
		tel:   telemetry.NewScopedAPI("rules", tel),
		rules: map[string]Rule{},
	}

	var saved map[string]Rule
	err := store.Load(storeKey, &saved)
	switch {
	case errors.Is(err, kvstore.ErrNotFound):
	case err != nil:
		l.tel.ReportWarning(report_learner_load, err)
	default:
		for url, rule := range saved {
			rule.LibraryUrl = url
			l.rules[normalize(url)] = rule
		}
		l.tel.ReportDebug("loaded renewal rules", len(l.rules))
	}
	return l
}

func normalize(libraryUrl string) string {
	return strings.TrimRight(strings.TrimSpace(libraryUrl), "/")
}

// persist must be called with the mutex held.
func (l *Learner) persist() error {
	saved := make(map[string]Rule, len(l.rules))
	for _, rule := range l.rules {
		saved[rule.LibraryUrl] = rule
	}
	err := l.store.Save(storeKey, saved)
	if err != nil {
		l.tel.ReportBroken(report_learner_save, err)
	}
	return err
}

// Observe records that a medium due on `due` became renewable on `opens` and returns the learned
// offset. The latest observation always wins.
func (l *Learner) Observe(libraryUrl string, due, opens time.Time) (int, error) {
	offset := chrono.DaysBetween(opens, due)
	if offset < 0 {
		return 0, fmt.Errorf("renewal opens %s after due date %s", chrono.FormatIso(opens), chrono.FormatIso(due))
	}
	return offset, l.Update(libraryUrl, offset)
}

// Update overwrites the rule of a library.
func (l *Learner) Update(libraryUrl string, offsetDays int) error {
	if offsetDays < 0 {
		return fmt.Errorf("negative renewal offset %d", offsetDays)
	}
	url := strings.TrimSpace(libraryUrl)

	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.rules[normalize(url)] = Rule{
		LibraryUrl:  url,
		OffsetDays:  offsetDays,
		LastUpdated: chrono.FormatIso(chrono.Today(l.time)),
	}
	l.tel.ReportDebug("learned renewal rule", url, offsetDays)
	return l.persist()
}

func (l *Learner) Rule(libraryUrl string) (Rule, bool) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	rule, ok := l.rules[normalize(libraryUrl)]
	return rule, ok
}

// Predict returns the renewal date of a medium due on `due`, if a rule is known.
func (l *Learner) Predict(libraryUrl string, due time.Time) (time.Time, bool) {
	rule, ok := l.Rule(libraryUrl)
	if !ok {
		return time.Time{}, false
	}
	return due.AddDate(0, 0, -rule.OffsetDays), true
}

// IsStale reports whether the rule is missing or was last learned StaleAfter or more days ago.
// Stale rules are still used for predictions.
func (l *Learner) IsStale(libraryUrl string) bool {
	rule, ok := l.Rule(libraryUrl)
	if !ok {
		return true
	}
	updated, ok := chrono.ParseIso(rule.LastUpdated)
	if !ok {
		return true
	}
	return chrono.DaysBetween(updated, chrono.Today(l.time)) >= StaleAfter
}

// All returns every rule sorted by library url.
func (l *Learner) All() []Rule {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	out := make([]Rule, 0, len(l.rules))
	for _, rule := range l.rules {
		out = append(out, rule)
	}
	slices.SortFunc(out, func(a, b Rule) int {
		return strings.Compare(a.LibraryUrl, b.LibraryUrl)
	})
	return out
}

// Delete forgets the rule of a library, forgetting an unknown library is not an error.
func (l *Learner) Delete(libraryUrl string) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	url := normalize(libraryUrl)
	if _, ok := l.rules[url]; !ok {
		return nil
	}
	delete(l.rules, url)
	return l.persist()
}
