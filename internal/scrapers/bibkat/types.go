package bibkat

import (
	"fmt"
	"slices"
	"time"

	"bibkat-backend/internal/components/chrono"
)

// PageContext names the reader page a record was scraped from.
type PageContext string

const (
	PageMain         PageContext = "main"
	PageFamily       PageContext = "family"
	PageReservations PageContext = "reservations"
)

// RenewalDateSource names where a renewal date came from.
type RenewalDateSource string

const (
	SourceBrowser  RenewalDateSource = "browser"
	SourceDetail   RenewalDateSource = "detail"
	SourceRules    RenewalDateSource = "rules"
	SourceFallback RenewalDateSource = "fallback"
)

// MediaItem is a single borrowed medium.
//
// The account fields are filled by the orchestrator, the parser only knows the owner number
// printed in a family listing.
type MediaItem struct {
	MediaId           string            `json:"media_id"`
	Title             string            `json:"title"`
	Author            string            `json:"author"`
	DetailUrl         string            `json:"detail_url,omitempty"`
	DueDate           string            `json:"due_date"`
	DueDateIso        string            `json:"due_date_iso,omitempty"`
	DaysRemaining     int               `json:"days_remaining"`
	Renewable         bool              `json:"renewable"`
	IsRenewableNow    bool              `json:"is_renewable_now"`
	RenewalDate       string            `json:"renewal_date,omitempty"`
	RenewalDateIso    string            `json:"renewal_date_iso,omitempty"`
	RenewalDateSource RenewalDateSource `json:"renewal_date_source,omitempty"`
	RenewalDateNote   string            `json:"renewal_date_note,omitempty"`
	FoundOn           []PageContext     `json:"found_on"`
	OwnerNumber       string            `json:"owner_number,omitempty"`
	OwnerName         string            `json:"owner_name,omitempty"`
	AccountId         string            `json:"account_id"`
	AccountAlias      string            `json:"account_alias"`
	IsConfigured      bool              `json:"is_configured"`
}

// Due returns the parsed due date.
func (m MediaItem) Due() (time.Time, bool) {
	return chrono.ParseIso(m.DueDateIso)
}

// DaysUntilDue is due - today in days, negative once the item is overdue. Unlike DaysRemaining
// it is not clamped.
func (m MediaItem) DaysUntilDue(today time.Time) (int, bool) {
	due, ok := m.Due()
	if !ok {
		return 0, false
	}
	return chrono.DaysBetween(today, due), true
}

// RenewalOpens returns the date renewal becomes possible, if known.
func (m MediaItem) RenewalOpens() (time.Time, bool) {
	return chrono.ParseIso(m.RenewalDateIso)
}

// SetRenewalDate records when the item can be renewed and where that knowledge came from.
// An item without a renew action never becomes renewable now, whatever the date says.
func (m *MediaItem) SetRenewalDate(date time.Time, source RenewalDateSource, today time.Time) {
	m.RenewalDate = chrono.FormatDisplay(date)
	m.RenewalDateIso = chrono.FormatIso(date)
	m.RenewalDateSource = source
	m.IsRenewableNow = m.Renewable && !today.Before(date)
}

// ReservationItem is a medium the reader is queued for.
type ReservationItem struct {
	ReservationId    string        `json:"reservation_id"`
	Title            string        `json:"title"`
	Author           string        `json:"author"`
	DetailUrl        string        `json:"detail_url,omitempty"`
	Position         int           `json:"position,omitempty"`
	TotalHolds       int           `json:"total_holds,omitempty"`
	EstimatedDate    string        `json:"estimated_date,omitempty"`
	EstimatedDateIso string        `json:"estimated_date_iso,omitempty"`
	ReservedSince    string        `json:"reserved_since,omitempty"`
	ReservedSinceIso string        `json:"reserved_since_iso,omitempty"`
	Branch           string        `json:"branch,omitempty"`
	Cancelable       bool          `json:"cancelable"`
	FoundOn          []PageContext `json:"found_on"`
	OwnerNumber      string        `json:"owner_number,omitempty"`
	OwnerName        string        `json:"owner_name,omitempty"`
	AccountId        string        `json:"account_id"`
	AccountAlias     string        `json:"account_alias"`
	IsConfigured     bool          `json:"is_configured"`
}

// BalanceInfo is the account summary printed on the reader pages.
type BalanceInfo struct {
	Balance      float64 `json:"balance"`
	Currency     string  `json:"currency"`
	CardExpiry   string  `json:"card_expiry,omitempty"`
	Reservations int     `json:"reservations"`
}

// RenewalHint is what a media detail page reveals about renewal.
type RenewalHint struct {
	// Text is the raw date as printed, ex. "13. Jul."
	Text  string
	Opens time.Time
}

// OwnerName is the display name the site uses for a family member without an alias.
func OwnerName(accountNumber string) string {
	return fmt.Sprintf("Leser %s", accountNumber)
}

func addFoundOn(found []PageContext, page PageContext) []PageContext {
	if slices.Contains(found, page) {
		return found
	}
	return append(found, page)
}

// MergeMedia merges item sets by media id. The first occurrence keeps its attributes, later
// occurrences only contribute the pages they were found on.
func MergeMedia(sets ...[]MediaItem) []MediaItem {
	index := map[string]int{}
	merged := []MediaItem{}
	for _, set := range sets {
		for _, item := range set {
			i, seen := index[item.MediaId]
			if !seen {
				item.FoundOn = slices.Clone(item.FoundOn)
				index[item.MediaId] = len(merged)
				merged = append(merged, item)
				continue
			}
			for _, page := range item.FoundOn {
				merged[i].FoundOn = addFoundOn(merged[i].FoundOn, page)
			}
		}
	}
	return merged
}

// MergeReservations merges reservations by id, a version carrying owner information replaces
// one without.
func MergeReservations(sets ...[]ReservationItem) []ReservationItem {
	index := map[string]int{}
	merged := []ReservationItem{}
	for _, set := range sets {
		for _, item := range set {
			i, seen := index[item.ReservationId]
			if !seen {
				item.FoundOn = slices.Clone(item.FoundOn)
				index[item.ReservationId] = len(merged)
				merged = append(merged, item)
				continue
			}
			found := merged[i].FoundOn
			if merged[i].OwnerNumber == "" && item.OwnerNumber != "" {
				merged[i] = item
				merged[i].FoundOn = slices.Clone(found)
			}
			for _, page := range item.FoundOn {
				merged[i].FoundOn = addFoundOn(merged[i].FoundOn, page)
			}
		}
	}
	return merged
}
