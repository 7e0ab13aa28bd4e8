// Package notify builds a digest of the media that need attention after a fetch cycle and mails
// it to the configured recipients.
package notify

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"bibkat-backend/internal/orchestrator"
	"bibkat-backend/internal/scrapers/bibkat"
)

type Thresholds struct {
	// DueSoonDays is the largest number of remaining days that counts as due soon.
	DueSoonDays int
	// Balance is the account balance from which a reader is listed.
	Balance float64
}

type Entry struct {
	AccountAlias string
	Title        string
	DueDate      string
	// Days is due - today, negative when overdue.
	Days        int
	Renewable   bool
	RenewalDate string
}

type BalanceEntry struct {
	AccountAlias string
	Balance      float64
	Currency     string
}

type Digest struct {
	DueSoon  []Entry
	Overdue  []Entry
	Balances []BalanceEntry
}

func (d Digest) Empty() bool {
	return len(d.DueSoon) == 0 && len(d.Overdue) == 0 && len(d.Balances) == 0
}

func entry(item bibkat.MediaItem, days int) Entry {
	return Entry{
		AccountAlias: item.AccountAlias,
		Title:        item.Title,
		DueDate:      item.DueDate,
		Days:         days,
		Renewable:    item.IsRenewableNow,
		RenewalDate:  item.RenewalDate,
	}
}

// Build collects overdue media, media due within the threshold and balances at or above the
// balance threshold. Media due today count as due soon. Media of unconfigured family members are
// included.
func Build(result orchestrator.Result, thresholds Thresholds, today time.Time) Digest {
	digest := Digest{}
	for _, item := range result.AllMedia {
		days, ok := item.DaysUntilDue(today)
		if !ok {
			continue
		}
		switch {
		case days < 0:
			digest.Overdue = append(digest.Overdue, entry(item, days))
		case days <= thresholds.DueSoonDays:
			digest.DueSoon = append(digest.DueSoon, entry(item, days))
		}
	}

	for _, account := range result.Accounts {
		if account.BalanceInfo == nil || account.BalanceInfo.Balance < thresholds.Balance {
			continue
		}
		digest.Balances = append(digest.Balances, BalanceEntry{
			AccountAlias: account.AccountAlias,
			Balance:      account.BalanceInfo.Balance,
			Currency:     account.BalanceInfo.Currency,
		})
	}
	slices.SortFunc(digest.Balances, func(a, b BalanceEntry) int {
		return strings.Compare(a.AccountAlias, b.AccountAlias)
	})
	return digest
}

func (e Entry) line() string {
	var status string
	switch {
	case e.Days == -1:
		status = "1 day overdue"
	case e.Days < 0:
		status = fmt.Sprintf("%d days overdue", -e.Days)
	case e.Days == 0:
		status = "due today"
	case e.Days == 1:
		status = "due tomorrow"
	default:
		status = fmt.Sprintf("due in %d days", e.Days)
	}

	line := fmt.Sprintf("- %s (%s): %s, %s", e.Title, e.AccountAlias, e.DueDate, status)
	switch {
	case e.Renewable:
		line += ", can be renewed now"
	case e.RenewalDate != "":
		line += ", renewable from " + e.RenewalDate
	}
	return line
}

// Subject summarizes the digest in one line.
func (d Digest) Subject() string {
	var parts []string
	if len(d.Overdue) > 0 {
		parts = append(parts, fmt.Sprintf("%d overdue", len(d.Overdue)))
	}
	if len(d.DueSoon) > 0 {
		parts = append(parts, fmt.Sprintf("%d due soon", len(d.DueSoon)))
	}
	if len(d.Balances) > 0 {
		parts = append(parts, fmt.Sprintf("%d balance notices", len(d.Balances)))
	}
	return "Library: " + strings.Join(parts, ", ")
}

func (d Digest) Text() string {
	var b strings.Builder
	section := func(title string, entries []Entry) {
		if len(entries) == 0 {
			return
		}
		fmt.Fprintf(&b, "%s\n", title)
		for _, e := range entries {
			fmt.Fprintf(&b, "%s\n", e.line())
		}
		b.WriteString("\n")
	}
	section("Overdue:", d.Overdue)
	section("Due soon:", d.DueSoon)

	if len(d.Balances) > 0 {
		b.WriteString("Account balance:\n")
		for _, balance := range d.Balances {
			fmt.Fprintf(&b, "- %s: %.2f %s\n", balance.AccountAlias, balance.Balance, balance.Currency)
		}
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}
