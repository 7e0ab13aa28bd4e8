package orchestrator

import (
	"cmp"
	"slices"
	"time"

	"bibkat-backend/internal/components/chrono"
	"bibkat-backend/internal/scrapers/bibkat"
)

// AccountResult is everything known about one reader after a cycle. Family members that are not
// configured get a result too, with IsConfigured false.
type AccountResult struct {
	AccountId         string                   `json:"account_id"`
	AccountNumber     string                   `json:"account_number"`
	AccountAlias      string                   `json:"account_alias"`
	IsConfigured      bool                     `json:"is_configured"`
	BorrowedMedia     []bibkat.MediaItem       `json:"borrowed_media"`
	TotalBorrowed     int                      `json:"total_borrowed"`
	BalanceInfo       *bibkat.BalanceInfo      `json:"balance_info,omitempty"`
	Reservations      []bibkat.ReservationItem `json:"reservations"`
	TotalReservations int                      `json:"total_reservations"`
	// Error is set when the account could not be fetched this cycle.
	Error string `json:"error,omitempty"`
}

type Result struct {
	LibraryUrl    string                    `json:"library_url"`
	Accounts      map[string]*AccountResult `json:"accounts"`
	TotalBorrowed int                       `json:"total_borrowed"`
	AllMedia      []bibkat.MediaItem        `json:"all_media"`
	FetchedAt     time.Time                 `json:"fetched_at"`
}

func newResult(libraryUrl string, fetchedAt time.Time) Result {
	return Result{
		LibraryUrl: libraryUrl,
		Accounts:   map[string]*AccountResult{},
		AllMedia:   []bibkat.MediaItem{},
		FetchedAt:  fetchedAt,
	}
}

func (r Result) bucket(o owner) *AccountResult {
	existing, ok := r.Accounts[o.id]
	if ok {
		return existing
	}
	created := &AccountResult{
		AccountId:     o.id,
		AccountNumber: o.number,
		AccountAlias:  o.alias,
		IsConfigured:  o.configured,
		BorrowedMedia: []bibkat.MediaItem{},
		Reservations:  []bibkat.ReservationItem{},
	}
	r.Accounts[o.id] = created
	return created
}

// Find returns a medium and the id of the account it belongs to.
func (r Result) Find(mediaId string) (bibkat.MediaItem, string, bool) {
	for _, item := range r.AllMedia {
		if item.MediaId == mediaId {
			return item, item.AccountId, true
		}
	}
	return bibkat.MediaItem{}, "", false
}

func compareMedia(a, b bibkat.MediaItem) int {
	_, aDue := a.Due()
	_, bDue := b.Due()
	if aDue != bDue {
		if aDue {
			return -1
		}
		return 1
	}
	return cmp.Or(
		cmp.Compare(a.DaysRemaining, b.DaysRemaining),
		cmp.Compare(a.Title, b.Title),
	)
}

// finish computes the totals and the sorted list of all media.
func (r *Result) finish() {
	ids := make([]string, 0, len(r.Accounts))
	for id, account := range r.Accounts {
		slices.SortStableFunc(account.BorrowedMedia, compareMedia)
		account.TotalBorrowed = len(account.BorrowedMedia)
		account.TotalReservations = len(account.Reservations)
		ids = append(ids, id)
	}
	slices.Sort(ids)

	sets := make([][]bibkat.MediaItem, 0, len(ids))
	for _, id := range ids {
		sets = append(sets, r.Accounts[id].BorrowedMedia)
	}
	r.AllMedia = bibkat.MergeMedia(sets...)
	slices.SortStableFunc(r.AllMedia, compareMedia)
	r.TotalBorrowed = len(r.AllMedia)
}

func renewed(item bibkat.MediaItem, newDueDate string, today time.Time) bibkat.MediaItem {
	item.IsRenewableNow = false
	item.RenewalDate = ""
	item.RenewalDateIso = ""
	item.RenewalDateSource = ""
	if due, ok := chrono.ParseIso(newDueDate); ok {
		item.DueDate = chrono.FormatDisplay(due)
		item.DueDateIso = chrono.FormatIso(due)
		item.DaysRemaining = bibkat.DaysRemaining(due, today)
	}
	return item
}

// withRenewal returns a copy of the result in which a renewed medium is no longer renewable now
// and, when known, is due on newDueDate. The receiver is left untouched, it may be shared.
func (r Result) withRenewal(mediaId, newDueDate string, today time.Time) Result {
	patch := func(items []bibkat.MediaItem) []bibkat.MediaItem {
		out := slices.Clone(items)
		for i := range out {
			if out[i].MediaId == mediaId {
				out[i] = renewed(out[i], newDueDate, today)
			}
		}
		slices.SortStableFunc(out, compareMedia)
		return out
	}

	out := r
	out.AllMedia = patch(r.AllMedia)
	out.Accounts = make(map[string]*AccountResult, len(r.Accounts))
	for id, account := range r.Accounts {
		copied := *account
		copied.BorrowedMedia = patch(account.BorrowedMedia)
		out.Accounts[id] = &copied
	}
	return out
}
