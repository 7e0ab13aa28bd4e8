// Package orchestrator runs fetch cycles over every configured account of a library and the
// renewal commands that act on their results.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bibkat-backend/internal/accounts"
	"bibkat-backend/internal/components/assert"
	"bibkat-backend/internal/components/chrono"
	"bibkat-backend/internal/components/pacing"
	"bibkat-backend/internal/components/telemetry"
	"bibkat-backend/internal/renewal"
	"bibkat-backend/internal/rules"
	"bibkat-backend/internal/scrapers/bibkat"
	"bibkat-backend/internal/sessions"
)

const (
	report_orchestrator_account      = "orchestrator.account"
	report_orchestrator_balance      = "orchestrator.balance"
	report_orchestrator_reservations = "orchestrator.reservations"
	report_orchestrator_details      = "orchestrator.details"
	report_orchestrator_renewal_date = "orchestrator.renewal-date"
	report_orchestrator_borrowed     = "orchestrator.borrowed"
)

// detail pages are only fetched once per window, they are one request per medium
const detailWindow = 24 * time.Hour

var (
	accountPause     = pacing.Between(500*time.Millisecond, 2000*time.Millisecond)
	pagePause        = pacing.Between(300*time.Millisecond, 1500*time.Millisecond)
	firstDetailPause = pacing.Between(300*time.Millisecond, 800*time.Millisecond)
	detailPause      = pacing.Between(500*time.Millisecond, 1500*time.Millisecond)
)

// ReservationSource fetches the reservations visible to a logged-in reader, implemented by
// *bibkat.Client.
type ReservationSource interface {
	FetchReservations(ctx context.Context) ([]bibkat.ReservationItem, error)
}

// SessionProvider hands out logged-in clients, implemented by *sessions.Manager.
type SessionProvider interface {
	Get(ctx context.Context, account accounts.Account) (*sessions.Session, error)
	Invalidate(accountId string)
}

// FetchCycleContext is the state shared by the accounts of one cycle.
type FetchCycleContext struct {
	Today time.Time
	// DetailPass is set when detail pages are due this cycle.
	DetailPass          bool
	ReservationsFetched bool

	// hints of the detail pages fetched this cycle, keyed by detail url
	hints map[string]detailHint
}

type detailHint struct {
	hint bibkat.RenewalHint
	ok   bool
}

type Options struct {
	LibraryUrl string
	Sessions   SessionProvider
	Engine     *renewal.Engine
	Learner    *rules.Learner
	Time       chrono.TimeAPI
	Pacer      pacing.Pacer
	Tel        telemetry.API
}

type Orchestrator struct {
	libraryUrl string
	sessions   SessionProvider
	engine     *renewal.Engine
	learner    *rules.Learner
	time       chrono.TimeAPI
	pacer      pacing.Pacer
	tel        telemetry.API

	// work serializes cycles and renewals, they share sessions.
	work sync.Mutex

	mutex      sync.Mutex
	last       *Result
	lastDetail time.Time
	accounts   map[string]accounts.Account
}

func New(opts Options) *Orchestrator {
	assert.NotEmptyStr(opts.LibraryUrl)
	assert.NotNil(opts.Sessions)
	assert.NotNil(opts.Engine)
	assert.NotNil(opts.Learner)
	assert.NotNil(opts.Time)
	assert.NotNil(opts.Pacer)
	assert.NotNil(opts.Tel)

	return &Orchestrator{
		libraryUrl: opts.LibraryUrl,
		sessions:   opts.Sessions,
		engine:     opts.Engine,
		learner:    opts.Learner,
		time:       opts.Time,
		pacer:      opts.Pacer,
		tel:        telemetry.NewScopedAPI("orchestrator", opts.Tel),
		accounts:   map[string]accounts.Account{},
	}
}

// Last returns the result of the most recent complete cycle.
func (o *Orchestrator) Last() (Result, bool) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	if o.last == nil {
		return Result{}, false
	}
	return *o.last, true
}

func (o *Orchestrator) startCycle(all []accounts.Account) *FetchCycleContext {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	now := o.time.Now()
	cycle := &FetchCycleContext{
		Today: chrono.Today(o.time),
		hints: map[string]detailHint{},
	}
	if o.lastDetail.IsZero() || now.Sub(o.lastDetail) >= detailWindow {
		cycle.DetailPass = true
		o.lastDetail = now
	}

	o.accounts = map[string]accounts.Account{}
	for _, account := range all {
		o.accounts[account.Id()] = account
	}
	return cycle
}

// FetchAll runs one fetch cycle over the enabled accounts, one after another. A failing account
// is reported in its result and does not stop the cycle. When ctx is cancelled between accounts
// the accounts fetched so far are returned together with ctx.Err().
func (o *Orchestrator) FetchAll(ctx context.Context, all []accounts.Account) (Result, error) {
	o.work.Lock()
	defer o.work.Unlock()

	cycle := o.startCycle(all)
	result := newResult(o.libraryUrl, o.time.Now())

	byUsername := map[string]accounts.Account{}
	for _, account := range all {
		byUsername[account.Username] = account
	}

	processed := 0
	for _, account := range all {
		if !account.Enabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			result.finish()
			return result, err
		}
		if processed > 0 {
			err := o.pacer.Pause(ctx, accountPause)
			if err != nil {
				result.finish()
				return result, err
			}
		}
		processed++

		err := o.fetchAccount(ctx, cycle, account, byUsername, result)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			result.finish()
			return result, ctx.Err()
		}

		o.tel.ReportWarning(report_orchestrator_account, err, account.Id())
		if bibkat.IsAuthError(err) {
			o.sessions.Invalidate(account.Id())
		}
		bucket := result.bucket(configuredOwner(account))
		bucket.Error = accountError(err)
	}

	result.finish()
	o.tel.ReportCount(report_orchestrator_borrowed, int64(result.TotalBorrowed))

	o.mutex.Lock()
	o.last = &result
	o.mutex.Unlock()
	return result, nil
}

func accountError(err error) string {
	var authErr *bibkat.AuthError
	var networkErr *bibkat.NetworkError
	switch {
	case errors.As(err, &authErr):
		return "login failed: " + authErr.Message
	case errors.As(err, &networkErr):
		if networkErr.Status != 0 {
			return fmt.Sprintf("library returned status %d", networkErr.Status)
		}
		return "library could not be reached"
	}
	return err.Error()
}

func (o *Orchestrator) fetchAccount(
	ctx context.Context,
	cycle *FetchCycleContext,
	account accounts.Account,
	byUsername map[string]accounts.Account,
	result Result,
) error {
	session, err := o.sessions.Get(ctx, account)
	if err != nil {
		return err
	}
	client := session.Client

	mainItems, err := client.FetchMedia(ctx, bibkat.PageMain)
	if bibkat.IsAuthError(err) {
		// the site dropped the session before it timed out here
		o.sessions.Invalidate(account.Id())
		session, err = o.sessions.Get(ctx, account)
		if err != nil {
			return err
		}
		client = session.Client
		mainItems, err = client.FetchMedia(ctx, bibkat.PageMain)
	}
	if err != nil {
		return err
	}
	err = o.pacer.Pause(ctx, pagePause)
	if err != nil {
		return err
	}
	familyItems, err := client.FetchMedia(ctx, bibkat.PageFamily)
	if err != nil {
		return err
	}
	items := bibkat.MergeMedia(mainItems, familyItems)

	if cycle.DetailPass {
		err = o.detailPass(ctx, cycle, client, account, items)
		if err != nil {
			return err
		}
	}
	o.predict(cycle, items)

	// the account gets a bucket even when it has nothing borrowed
	result.bucket(configuredOwner(account))
	for _, item := range items {
		o.assign(result, o.ownerOf(account, item.OwnerNumber, item.OwnerName, byUsername), item)
	}

	info, err := client.FetchAccountInfo(ctx)
	switch {
	case err == nil:
		result.bucket(configuredOwner(account)).BalanceInfo = &info
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		o.tel.ReportWarning(report_orchestrator_balance, err, account.Id())
	}

	if !cycle.ReservationsFetched {
		cycle.ReservationsFetched = true
		var source ReservationSource = client
		reservations, err := source.FetchReservations(ctx)
		switch {
		case err == nil:
			for _, reservation := range reservations {
				o.assignReservation(result, o.ownerOf(account, reservation.OwnerNumber, reservation.OwnerName, byUsername), reservation)
			}
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			o.tel.ReportWarning(report_orchestrator_reservations, err, account.Id())
		}
	}
	return nil
}

// detailPass reads renewal hints of renewable items from their detail pages and determines the
// renewal date of the items that cannot be renewed yet.
func (o *Orchestrator) detailPass(
	ctx context.Context,
	cycle *FetchCycleContext,
	client *bibkat.Client,
	account accounts.Account,
	items []bibkat.MediaItem,
) error {
	fetched := 0
	for i := range items {
		item := &items[i]

		if item.Renewable {
			if item.DetailUrl == "" {
				continue
			}
			cached, seen := cycle.hints[item.DetailUrl]
			if !seen {
				pause := detailPause
				if fetched == 0 {
					pause = firstDetailPause
				}
				err := o.pacer.Pause(ctx, pause)
				if err != nil {
					return err
				}
				fetched++

				hint, ok, err := client.FetchDetails(ctx, item.DetailUrl)
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if err != nil {
					o.tel.ReportWarning(report_orchestrator_details, err, item.MediaId)
					continue
				}
				cached = detailHint{hint: hint, ok: ok}
				cycle.hints[item.DetailUrl] = cached
				if ok {
					if due, hasDue := item.Due(); hasDue {
						o.engine.Learn(o.libraryUrl, due, hint.Opens)
					}
				}
			}
			if cached.ok {
				item.SetRenewalDate(cached.hint.Opens, bibkat.SourceDetail, cycle.Today)
			}
			continue
		}

		if item.RenewalDateIso != "" {
			continue
		}
		determination, err := o.engine.DetermineRenewalDate(ctx, o.libraryUrl, *item, renewal.Credentials{
			Username: account.Username,
			Password: account.Password,
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			if !errors.Is(err, renewal.ErrNoDueDate) {
				o.tel.ReportWarning(report_orchestrator_renewal_date, err, item.MediaId)
			}
			continue
		}
		item.SetRenewalDate(determination.Date, determination.Source, cycle.Today)
		item.RenewalDateNote = determination.Note
	}
	return nil
}

// predict fills in the renewal date of items that cannot be renewed now from the learned rule.
func (o *Orchestrator) predict(cycle *FetchCycleContext, items []bibkat.MediaItem) {
	for i := range items {
		item := &items[i]
		if item.Renewable || item.RenewalDateIso != "" {
			continue
		}
		due, ok := item.Due()
		if !ok {
			continue
		}
		opens, ok := o.learner.Predict(o.libraryUrl, due)
		if !ok {
			continue
		}
		item.SetRenewalDate(opens, bibkat.SourceRules, cycle.Today)
	}
}

type owner struct {
	id         string
	number     string
	alias      string
	configured bool
}

func configuredOwner(account accounts.Account) owner {
	return owner{
		id:         account.Id(),
		number:     account.Username,
		alias:      account.DisplayName(),
		configured: true,
	}
}

// ownerOf attributes a record to the configured account with the printed owner number, to an
// unconfigured family member, or, without an owner number, to the account that fetched it.
func (o *Orchestrator) ownerOf(current accounts.Account, ownerNumber, ownerName string, byUsername map[string]accounts.Account) owner {
	if ownerNumber == "" || ownerNumber == current.Username {
		return configuredOwner(current)
	}
	if configured, ok := byUsername[ownerNumber]; ok {
		return configuredOwner(configured)
	}
	alias := ownerName
	if alias == "" {
		alias = bibkat.OwnerName(ownerNumber)
	}
	return owner{id: ownerNumber, number: ownerNumber, alias: alias}
}

func (o *Orchestrator) assign(result Result, to owner, item bibkat.MediaItem) {
	item.AccountId = to.id
	item.AccountAlias = to.alias
	item.IsConfigured = to.configured

	bucket := result.bucket(to)
	bucket.BorrowedMedia = bibkat.MergeMedia(bucket.BorrowedMedia, []bibkat.MediaItem{item})
}

func (o *Orchestrator) assignReservation(result Result, to owner, reservation bibkat.ReservationItem) {
	reservation.AccountId = to.id
	reservation.AccountAlias = to.alias
	reservation.IsConfigured = to.configured

	bucket := result.bucket(to)
	bucket.Reservations = bibkat.MergeReservations(bucket.Reservations, []bibkat.ReservationItem{reservation})
}
