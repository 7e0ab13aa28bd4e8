package orchestrator

import (
	"context"
	"slices"
	"testing"
	"time"

	"bibkat-backend/internal/accounts"
	"bibkat-backend/internal/components/chrono"
	"bibkat-backend/internal/components/kvstore"
	"bibkat-backend/internal/components/pacing"
	"bibkat-backend/internal/components/telemetry"
	"bibkat-backend/internal/renewal"
	"bibkat-backend/internal/rules"
	"bibkat-backend/internal/scrapers/bibkat"
	"bibkat-backend/internal/scrapers/bibkat/fakesite"
	"bibkat-backend/internal/sessions"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

var (
	hobbit   = fakesite.Item{Id: "1001", Title: "Der kleine Hobbit", Author: "Tolkien", Due: "13.07.2025", Renewable: true}
	momo     = fakesite.Item{Id: "1002", Title: "Momo", Author: "Ende", Due: "20.07.2025"}
	ronja    = fakesite.Item{Id: "2001", Title: "Ronja Räubertochter", Due: "25.07.2025", Renewable: true}
	krabat   = fakesite.Item{Id: "2002", Title: "Krabat", Due: "28.07.2025", Renewable: true}
	pippi    = fakesite.Item{Id: "3001", Title: "Pippi Langstrumpf", Due: "30.07.2025"}
	wanted   = fakesite.Item{Id: "r1", Title: "Die unendliche Geschichte", Queue: "Position 1 von 3"}
	queued   = fakesite.Item{Id: "r3", Title: "Emil und die Detektive", Queue: "2 von 2"}
	startDay = time.Date(2025, 7, 10, 9, 0, 0, 0, chrono.Berlin)
)

type fixture struct {
	site         *fakesite.Site
	clock        *chrono.FakeTime
	pacer        *pacing.Recorder
	tel          *telemetry.TestAPI
	learner      *rules.Learner
	orchestrator *Orchestrator
	accounts     []accounts.Account
}

func setup(t *testing.T) fixture {
	site := fakesite.New()
	site.Passwords["111"] = "eins"
	site.Passwords["222"] = "zwei"

	family := fakesite.FamilyPage(fakesite.Prefix,
		[]fakesite.Section{
			{Account: "111", Items: []fakesite.Item{hobbit, momo}},
			{Account: "222", Items: []fakesite.Item{ronja}},
			{Account: "333", Items: []fakesite.Item{pippi}},
		},
		[]fakesite.Section{
			{Account: "111", Items: []fakesite.Item{wanted}},
			{Account: "333", Items: []fakesite.Item{queued}},
		},
	)
	site.Main["111"] = fakesite.MainPage(fakesite.Prefix, "1,50", hobbit, momo)
	site.Main["222"] = fakesite.MainPage(fakesite.Prefix, "0,00", ronja, krabat)
	site.Family["111"] = family
	site.Family["222"] = family
	site.Details["1001"] = fakesite.DetailPage(hobbit.Title, "07.07.2025")
	site.Details["2002"] = fakesite.DetailPage(krabat.Title, "22.07.2025")
	site.Renewals["1001"] = "Verlängert bis: 10.08.2025"
	libraryUrl := site.Start(t)

	store, err := kvstore.Open(t.TempDir())
	require.NoError(t, err)
	clock := chrono.NewFakeTime(startDay)
	pacer := &pacing.Recorder{}
	tel := telemetry.NewTestAPI(t)

	manager := sessions.NewManager(sessions.Options{
		RequestsPerSecond: float64(rate.Inf),
		Store:             store,
		Time:              clock,
		Pacer:             pacer,
		Tel:               tel,
	})
	t.Cleanup(manager.Close)
	learner := rules.NewLearner(store, clock, tel)
	engine := renewal.NewEngine(renewal.Options{Learner: learner, Time: clock, Tel: tel})

	return fixture{
		site:    site,
		clock:   clock,
		pacer:   pacer,
		tel:     tel,
		learner: learner,
		orchestrator: New(Options{
			LibraryUrl: libraryUrl,
			Sessions:   manager,
			Engine:     engine,
			Learner:    learner,
			Time:       clock,
			Pacer:      pacer,
			Tel:        tel,
		}),
		accounts: []accounts.Account{
			{Username: "111", Password: "eins", Alias: "Anna", LibraryUrl: libraryUrl, Enabled: true},
			{Username: "222", Password: "zwei", LibraryUrl: libraryUrl, Enabled: true},
			{Username: "555", Password: "fünf", LibraryUrl: libraryUrl, Enabled: false},
		},
	}
}

func mediaIds(items []bibkat.MediaItem) []string {
	ids := []string{}
	for _, item := range items {
		ids = append(ids, item.MediaId)
	}
	return ids
}

func find(t *testing.T, items []bibkat.MediaItem, id string) bibkat.MediaItem {
	i := slices.IndexFunc(items, func(item bibkat.MediaItem) bool {
		return item.MediaId == id
	})
	require.GreaterOrEqual(t, i, 0, id)
	return items[i]
}

func countRange(ranges []pacing.Range, target pacing.Range) int {
	n := 0
	for _, r := range ranges {
		if r == target {
			n++
		}
	}
	return n
}

func TestFetchAll(t *testing.T) {
	f := setup(t)

	result, err := f.orchestrator.FetchAll(context.Background(), f.accounts)
	require.NoError(t, err)

	require.Len(t, result.Accounts, 3)
	require.Equal(t, 5, result.TotalBorrowed)
	require.Equal(t, []string{"1001", "1002", "2001", "2002", "3001"}, mediaIds(result.AllMedia))

	anna := result.Accounts["boehl_111"]
	require.Equal(t, "Anna", anna.AccountAlias)
	require.True(t, anna.IsConfigured)
	require.Equal(t, []string{"1001", "1002"}, mediaIds(anna.BorrowedMedia))
	require.Equal(t, 2, anna.TotalBorrowed)
	require.Equal(t, 1.5, anna.BalanceInfo.Balance)
	require.Len(t, anna.Reservations, 1)
	require.Equal(t, "media-r1", anna.Reservations[0].ReservationId)
	require.Equal(t, "boehl_111", anna.Reservations[0].AccountId)

	hobbitItem := find(t, anna.BorrowedMedia, "1001")
	expected := bibkat.MediaItem{
		MediaId:           "1001",
		Title:             "Der kleine Hobbit",
		Author:            "Tolkien",
		DetailUrl:         hobbitItem.DetailUrl,
		DueDate:           "13.07.2025",
		DueDateIso:        "2025-07-13",
		DaysRemaining:     3,
		Renewable:         true,
		IsRenewableNow:    true,
		RenewalDate:       "07.07.2025",
		RenewalDateIso:    "2025-07-07",
		RenewalDateSource: bibkat.SourceDetail,
		FoundOn:           []bibkat.PageContext{bibkat.PageMain, bibkat.PageFamily},
		AccountId:         "boehl_111",
		AccountAlias:      "Anna",
		IsConfigured:      true,
	}
	if diff := cmp.Diff(expected, hobbitItem); diff != "" {
		t.Fatal("unexpected item (-want +got):\n", diff)
	}

	// the offset learned from the detail page predicts the rest
	rule, ok := f.learner.Rule(result.LibraryUrl)
	require.True(t, ok)
	require.Equal(t, 6, rule.OffsetDays)
	momoItem := find(t, anna.BorrowedMedia, "1002")
	require.Equal(t, "2025-07-14", momoItem.RenewalDateIso)
	require.Equal(t, bibkat.SourceRules, momoItem.RenewalDateSource)
	require.False(t, momoItem.IsRenewableNow)

	second := result.Accounts["boehl_222"]
	require.Equal(t, "Leser 222", second.AccountAlias)
	require.Equal(t, []string{"2001", "2002"}, mediaIds(second.BorrowedMedia))
	require.Equal(t, []bibkat.PageContext{bibkat.PageFamily, bibkat.PageMain}, find(t, second.BorrowedMedia, "2001").FoundOn)
	krabatItem := find(t, second.BorrowedMedia, "2002")
	require.Equal(t, "2025-07-22", krabatItem.RenewalDateIso)
	require.False(t, krabatItem.IsRenewableNow)
	require.Empty(t, second.Reservations)
	require.NotNil(t, second.BalanceInfo)

	member := result.Accounts["333"]
	require.False(t, member.IsConfigured)
	require.Equal(t, "333", member.AccountNumber)
	require.Equal(t, "Leser 333", member.AccountAlias)
	require.Equal(t, []string{"3001"}, mediaIds(member.BorrowedMedia))
	require.False(t, member.BorrowedMedia[0].IsConfigured)
	require.Equal(t, "2025-07-24", member.BorrowedMedia[0].RenewalDateIso)
	require.Len(t, member.Reservations, 1)
	require.Equal(t, 2, member.Reservations[0].Position)
	require.Nil(t, member.BalanceInfo)

	_, disabled := result.Accounts["boehl_555"]
	require.False(t, disabled)

	// one detail request per medium, reservations once per cycle
	require.Equal(t, 1, f.site.Hits("/media/1001/"))
	require.Equal(t, 1, f.site.Hits("/media/2002/"))
	require.Equal(t, 1, f.site.Hits("/reader/reservations/"))
	require.Equal(t, 1, countRange(f.pacer.Ranges, accountPause))
	require.Equal(t, 2, countRange(f.pacer.Ranges, pagePause))

	last, ok := f.orchestrator.Last()
	require.True(t, ok)
	require.Equal(t, result.FetchedAt, last.FetchedAt)
}

func TestDetailWindow(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.orchestrator.FetchAll(ctx, f.accounts)
	require.NoError(t, err)
	require.Equal(t, 1, f.site.Hits("/media/1001/"))

	f.clock.Advance(6 * time.Hour)
	result, err := f.orchestrator.FetchAll(ctx, f.accounts)
	require.NoError(t, err)
	require.Equal(t, 1, f.site.Hits("/media/1001/"))

	// without the detail pass the learned rule still dates items that cannot be renewed yet
	momoItem := find(t, result.AllMedia, "1002")
	require.Equal(t, "2025-07-14", momoItem.RenewalDateIso)
	require.Equal(t, bibkat.SourceRules, momoItem.RenewalDateSource)
	require.Empty(t, find(t, result.AllMedia, "1001").RenewalDateIso)

	f.clock.Advance(18 * time.Hour)
	_, err = f.orchestrator.FetchAll(ctx, f.accounts)
	require.NoError(t, err)
	require.Equal(t, 2, f.site.Hits("/media/1001/"))
}

func TestFailingAccountDoesNotStopCycle(t *testing.T) {
	f := setup(t)
	f.accounts[0].Password = "falsch"

	result, err := f.orchestrator.FetchAll(context.Background(), f.accounts)
	require.NoError(t, err)

	failed := result.Accounts["boehl_111"]
	require.Equal(t, "login failed: still on login form, likely incorrect credentials", failed.Error)
	require.Len(t, f.tel.Reports("warning", report_orchestrator_account), 1)

	// 222 still lists its family, including the media of 111
	require.Equal(t, []string{"2001", "2002"}, mediaIds(result.Accounts["boehl_222"].BorrowedMedia))
	require.Equal(t, []string{"1001", "1002"}, mediaIds(failed.BorrowedMedia))
	require.Len(t, failed.Reservations, 1)
}

func TestExpiredSessionIsRenewed(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.orchestrator.FetchAll(ctx, f.accounts)
	require.NoError(t, err)
	require.Equal(t, 2, f.site.Logins())

	f.site.ExpireSessions()
	f.clock.Advance(10 * time.Minute)
	result, err := f.orchestrator.FetchAll(ctx, f.accounts)
	require.NoError(t, err)
	require.Equal(t, 4, f.site.Logins())
	require.Equal(t, 5, result.TotalBorrowed)
}

type cancellingPacer struct {
	pacing.Recorder
	cancel context.CancelFunc
}

func (p *cancellingPacer) Pause(ctx context.Context, r pacing.Range) error {
	if r == accountPause {
		p.cancel()
	}
	return p.Recorder.Pause(ctx, r)
}

func TestCancelBetweenAccounts(t *testing.T) {
	f := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.orchestrator.pacer = &cancellingPacer{cancel: cancel}

	result, err := f.orchestrator.FetchAll(ctx, f.accounts)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, []string{"1001", "1002"}, mediaIds(result.Accounts["boehl_111"].BorrowedMedia))
	require.NotNil(t, result.Accounts["boehl_111"].BalanceInfo)
	// seen on the family page of 111, but 222 itself was never fetched
	require.Nil(t, result.Accounts["boehl_222"].BalanceInfo)
	require.Equal(t, 1, f.site.Logins())

	_, ok := f.orchestrator.Last()
	require.False(t, ok)
}

func TestRenewMedia(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res := f.orchestrator.RenewMedia(ctx, "1001", "")
	require.Equal(t, "no media fetched yet", res.Message)

	_, err := f.orchestrator.FetchAll(ctx, f.accounts)
	require.NoError(t, err)

	cases := []struct {
		name      string
		mediaId   string
		accountId string
		expected  RenewResult
	}{
		{
			name:    "renewed",
			mediaId: "1001",
			expected: RenewResult{
				Success:    true,
				MediaId:    "1001",
				Title:      "Der kleine Hobbit",
				Message:    "renewed until 10.08.2025",
				NewDueDate: "2025-08-10",
			},
		},
		{
			name:    "not yet renewable",
			mediaId: "1002",
			expected: RenewResult{
				MediaId:        "1002",
				Title:          "Momo",
				Message:        "can be renewed from 14.07.2025",
				RenewalDate:    "14.07.2025",
				RenewalDateIso: "2025-07-14",
				Source:         bibkat.SourceRules,
			},
		},
		{
			name:      "wrong account",
			mediaId:   "1001",
			accountId: "boehl_222",
			expected: RenewResult{
				MediaId: "1001",
				Title:   "Der kleine Hobbit",
				Message: "medium belongs to account boehl_111, not boehl_222",
			},
		},
		{
			name:    "unconfigured member",
			mediaId: "3001",
			expected: RenewResult{
				MediaId:        "3001",
				Title:          "Pippi Langstrumpf",
				Message:        "can be renewed from 24.07.2025",
				RenewalDate:    "24.07.2025",
				RenewalDateIso: "2025-07-24",
				Source:         bibkat.SourceRules,
			},
		},
		{
			name:     "unknown",
			mediaId:  "9999",
			expected: RenewResult{MediaId: "9999", Message: "not found"},
		},
	}
	for _, test := range cases {
		t.Run(test.name, func(t *testing.T) {
			res := f.orchestrator.RenewMedia(ctx, test.mediaId, test.accountId)
			if diff := cmp.Diff(test.expected, res); diff != "" {
				t.Fatal("unexpected result (-want +got):\n", diff)
			}
		})
	}
	require.Len(t, f.site.Posts, 1)

	last, ok := f.orchestrator.Last()
	require.True(t, ok)
	renewed := find(t, last.AllMedia, "1001")
	require.Equal(t, "2025-08-10", renewed.DueDateIso)
	require.False(t, renewed.IsRenewableNow)
	require.Equal(t, "2025-08-10", find(t, last.Accounts["boehl_111"].BorrowedMedia, "1001").DueDateIso)

	res = f.orchestrator.RenewMedia(ctx, "1001", "")
	require.False(t, res.Success)
	require.Equal(t, "2025-08-04", res.RenewalDateIso)
	require.Len(t, f.site.Posts, 1)
}

func TestRenewFamilyMemberMedia(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	renewablePippi := pippi
	renewablePippi.Renewable = true
	family := fakesite.FamilyPage(fakesite.Prefix,
		[]fakesite.Section{
			{Account: "111", Items: []fakesite.Item{hobbit, momo}},
			{Account: "222", Items: []fakesite.Item{ronja}},
			{Account: "333", Items: []fakesite.Item{renewablePippi}},
		},
		nil,
	)
	f.site.Family["111"] = family
	f.site.Family["222"] = family
	f.site.Renewals["3001"] = "Verlängert bis: 27.08.2025"

	_, err := f.orchestrator.FetchAll(ctx, f.accounts)
	require.NoError(t, err)
	logins := f.site.Logins()

	res := f.orchestrator.RenewMedia(ctx, "3001", "")
	require.True(t, res.Success, res.Message)
	require.Equal(t, "2025-08-27", res.NewDueDate)
	require.Equal(t, []map[string]string{{"payload": "3001", "csrfmiddlewaretoken": "tok-123"}}, f.site.Posts)
	// the cached session of an enabled account was used
	require.Equal(t, logins, f.site.Logins())

	last, _ := f.orchestrator.Last()
	item := find(t, last.Accounts["333"].BorrowedMedia, "3001")
	require.Equal(t, "2025-08-27", item.DueDateIso)
	require.False(t, item.IsConfigured)

	f.pacer.Ranges = nil
	bulk := f.orchestrator.RenewAll(ctx, "333")
	require.Equal(t, "result: 1 not yet renewable", bulk.Message)
	require.Equal(t, []string{"Pippi Langstrumpf: renewable from 21.08.2025"}, bulk.Messages)
	require.Len(t, f.site.Posts, 1)
}

func TestRenewAll(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, err := f.orchestrator.FetchAll(ctx, f.accounts)
	require.NoError(t, err)
	f.pacer.Ranges = nil

	res := f.orchestrator.RenewAll(ctx, "")
	require.Equal(t, "result: 1 renewed, 1 not yet renewable, 1 failed", res.Message)
	require.False(t, res.Success)
	require.Equal(t, []string{
		"Der kleine Hobbit: renewed",
		"Krabat: renewable from 22.07.2025",
	}, res.Messages)
	require.Equal(t, []string{"Ronja Räubertochter: renewal refused: no renew action offered"}, res.Errors)
	require.Equal(t, 2, countRange(f.pacer.Ranges, renewPause))

	// renewed media are not renewed twice
	res = f.orchestrator.RenewAll(ctx, "boehl_111")
	require.Equal(t, "result: 1 not yet renewable", res.Message)
	require.Equal(t, []string{"Der kleine Hobbit: renewable from 04.08.2025"}, res.Messages)
	require.Len(t, f.site.Posts, 1)

	res = f.orchestrator.RenewAll(ctx, "333")
	require.True(t, res.Success)
	require.Equal(t, "no renewable media found", res.Message)
}

func TestSummary(t *testing.T) {
	require.Equal(t, "no media processed", summary(BulkRenewResult{}))
	require.Equal(t, "result: 2 renewed", summary(BulkRenewResult{Renewed: 2}))
	require.Equal(t, "result: 1 not yet renewable, 3 failed", summary(BulkRenewResult{Skipped: 1, Failed: 3}))
}
