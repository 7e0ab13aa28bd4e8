package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"bibkat-backend/internal/accounts"
	"bibkat-backend/internal/components/chrono"
	"bibkat-backend/internal/components/pacing"
	"bibkat-backend/internal/renewal"
	"bibkat-backend/internal/scrapers/bibkat"
	"bibkat-backend/internal/sessions"
)

// between two renewals of a bulk renewal
var renewPause = pacing.Between(500*time.Millisecond, 1500*time.Millisecond)

type RenewResult struct {
	Success        bool                     `json:"success"`
	MediaId        string                   `json:"media_id"`
	Title          string                   `json:"title"`
	Message        string                   `json:"message"`
	NewDueDate     string                   `json:"new_due_date,omitempty"`
	RenewalDate    string                   `json:"renewal_date,omitempty"`
	RenewalDateIso string                   `json:"renewal_date_iso,omitempty"`
	Source         bibkat.RenewalDateSource `json:"source,omitempty"`
}

type BulkRenewResult struct {
	Success  bool     `json:"success"`
	Renewed  int      `json:"renewed"`
	Failed   int      `json:"failed"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors"`
	Messages []string `json:"messages"`
	Message  string   `json:"message"`
}

// RenewMedia renews a medium of the last result. accountId is optional, when given the medium
// must belong to that account.
func (o *Orchestrator) RenewMedia(ctx context.Context, mediaId, accountId string) RenewResult {
	o.work.Lock()
	defer o.work.Unlock()
	return o.renewMedia(ctx, mediaId, accountId)
}

func (o *Orchestrator) renewMedia(ctx context.Context, mediaId, accountId string) RenewResult {
	out := RenewResult{MediaId: mediaId}

	last, ok := o.Last()
	if !ok {
		out.Message = "no media fetched yet"
		return out
	}
	item, owner, found := last.Find(mediaId)
	if !found {
		out.Message = "not found"
		return out
	}
	out.Title = item.Title
	if accountId != "" && owner != accountId {
		out.Message = fmt.Sprintf("medium belongs to account %s, not %s", owner, accountId)
		return out
	}

	candidates := o.renewingAccounts(owner)
	if len(candidates) == 0 {
		out.Message = fmt.Sprintf("no enabled account can renew media of %s", owner)
		return out
	}
	var (
		account  accounts.Account
		session  *sessions.Session
		loginErr error
	)
	for _, candidate := range candidates {
		session, loginErr = o.sessions.Get(ctx, candidate)
		if loginErr == nil {
			account = candidate
			break
		}
	}
	if loginErr != nil {
		out.Message = accountError(loginErr)
		return out
	}

	outcome := o.engine.Renew(ctx, renewal.RenewRequest{
		LibraryUrl: o.libraryUrl,
		Item:       &item,
		Client:     session.Client,
		Credentials: renewal.Credentials{
			Username: account.Username,
			Password: account.Password,
		},
	})

	out.Success = outcome.Kind == renewal.Renewed
	out.Message = outcome.Message
	out.NewDueDate = outcome.NewDueDate
	if out.Success {
		o.applyRenewal(mediaId, outcome.NewDueDate)
	}
	if outcome.Kind == renewal.NotYetRenewable {
		out.RenewalDate = chrono.FormatDisplay(outcome.RenewalDate)
		out.RenewalDateIso = chrono.FormatIso(outcome.RenewalDate)
		out.Source = outcome.Source
	}
	return out
}

// renewingAccounts lists the accounts whose session may renew a medium of owner. A configured
// owner renews with its own session. Media of unconfigured family members go through any enabled
// account, the family listing and the renewal API cover the whole family.
func (o *Orchestrator) renewingAccounts(owner string) []accounts.Account {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if account, ok := o.accounts[owner]; ok {
		return []accounts.Account{account}
	}
	var enabled []accounts.Account
	for _, account := range o.accounts {
		if account.Enabled {
			enabled = append(enabled, account)
		}
	}
	slices.SortFunc(enabled, func(a, b accounts.Account) int {
		return strings.Compare(a.Id(), b.Id())
	})
	return enabled
}

// applyRenewal swaps the last result for a copy in which the medium carries its new due date, so
// that a following bulk renewal does not renew it twice.
func (o *Orchestrator) applyRenewal(mediaId, newDueDate string) {
	today := chrono.Today(o.time)
	o.mutex.Lock()
	defer o.mutex.Unlock()
	if o.last == nil {
		return
	}
	patched := o.last.withRenewal(mediaId, newDueDate, today)
	o.last = &patched
}

// RenewAll renews every renewable medium of the last result, or of one account if accountId is
// given. Media that cannot be renewed yet are skipped with the date they will be.
func (o *Orchestrator) RenewAll(ctx context.Context, accountId string) BulkRenewResult {
	o.work.Lock()
	defer o.work.Unlock()

	out := BulkRenewResult{Errors: []string{}, Messages: []string{}}

	last, ok := o.Last()
	if !ok {
		out.Message = "no media fetched yet"
		return out
	}

	var candidates []bibkat.MediaItem
	for _, item := range last.AllMedia {
		if !item.Renewable {
			continue
		}
		if accountId != "" && item.AccountId != accountId {
			continue
		}
		candidates = append(candidates, item)
	}
	if len(candidates) == 0 {
		out.Success = true
		out.Message = "no renewable media found"
		return out
	}

	for i, item := range candidates {
		if i > 0 {
			err := o.pacer.Pause(ctx, renewPause)
			if err != nil {
				out.Errors = append(out.Errors, "cancelled")
				break
			}
		}

		res := o.renewMedia(ctx, item.MediaId, item.AccountId)
		switch {
		case res.Success:
			out.Renewed++
			out.Messages = append(out.Messages, fmt.Sprintf("%s: renewed", item.Title))
		case res.RenewalDate != "":
			out.Skipped++
			out.Messages = append(out.Messages, fmt.Sprintf("%s: renewable from %s", item.Title, res.RenewalDate))
		default:
			out.Failed++
			out.Errors = append(out.Errors, fmt.Sprintf("%s: %s", item.Title, res.Message))
		}
	}

	out.Success = out.Failed == 0 && ctx.Err() == nil
	out.Message = summary(out)
	return out
}

func summary(res BulkRenewResult) string {
	var parts []string
	if res.Renewed > 0 {
		parts = append(parts, fmt.Sprintf("%d renewed", res.Renewed))
	}
	if res.Skipped > 0 {
		parts = append(parts, fmt.Sprintf("%d not yet renewable", res.Skipped))
	}
	if res.Failed > 0 {
		parts = append(parts, fmt.Sprintf("%d failed", res.Failed))
	}
	if len(parts) == 0 {
		return "no media processed"
	}
	return "result: " + strings.Join(parts, ", ")
}
