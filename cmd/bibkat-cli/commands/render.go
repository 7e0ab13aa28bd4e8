package commands

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"bibkat-backend/internal/orchestrator"
	"bibkat-backend/internal/rules"
	"bibkat-backend/internal/scrapers/bibkat"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

func newTable(out io.Writer, title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	if title != "" {
		t.SetTitle(title)
	}
	return t
}

func renewalColumn(item bibkat.MediaItem) string {
	switch {
	case item.IsRenewableNow:
		return "now"
	case item.RenewalDate != "":
		return fmt.Sprintf("%s (%s)", item.RenewalDate, item.RenewalDateSource)
	case item.Renewable:
		return "yes"
	}
	return "-"
}

func dueColumn(item bibkat.MediaItem, today time.Time) string {
	days, ok := item.DaysUntilDue(today)
	if !ok {
		return item.DueDate
	}
	switch {
	case days < 0:
		return text.FgRed.Sprintf("%s (%d days overdue)", item.DueDate, -days)
	case days == 0:
		return text.FgRed.Sprintf("%s (today)", item.DueDate)
	}
	return fmt.Sprintf("%s (%d days)", item.DueDate, days)
}

func renderMedia(out io.Writer, result orchestrator.Result, today time.Time) {
	t := newTable(out, fmt.Sprintf("Borrowed media (%d)", result.TotalBorrowed))
	t.AppendHeader(table.Row{"Id", "Title", "Account", "Due", "Renewal"})
	for _, item := range result.AllMedia {
		t.AppendRow(table.Row{item.MediaId, item.Title, item.AccountAlias, dueColumn(item, today), renewalColumn(item)})
	}
	t.Render()
}

func sortedAccounts(result orchestrator.Result) []*orchestrator.AccountResult {
	out := make([]*orchestrator.AccountResult, 0, len(result.Accounts))
	for _, account := range result.Accounts {
		out = append(out, account)
	}
	slices.SortFunc(out, func(a, b *orchestrator.AccountResult) int {
		return strings.Compare(a.AccountId, b.AccountId)
	})
	return out
}

func renderAccounts(out io.Writer, result orchestrator.Result) {
	t := newTable(out, "Accounts")
	t.AppendHeader(table.Row{"Account", "Name", "Borrowed", "Reservations", "Balance", "Status"})
	for _, account := range sortedAccounts(result) {
		balance := "-"
		if account.BalanceInfo != nil {
			balance = fmt.Sprintf("%.2f %s", account.BalanceInfo.Balance, account.BalanceInfo.Currency)
		}
		status := "ok"
		switch {
		case account.Error != "":
			status = text.FgRed.Sprint(account.Error)
		case !account.IsConfigured:
			status = "not configured"
		}
		t.AppendRow(table.Row{
			account.AccountNumber,
			account.AccountAlias,
			account.TotalBorrowed,
			account.TotalReservations,
			balance,
			status,
		})
	}
	t.Render()
}

func renderReservations(out io.Writer, result orchestrator.Result) {
	var rows []table.Row
	for _, account := range sortedAccounts(result) {
		for _, reservation := range account.Reservations {
			position := "-"
			if reservation.Position > 0 {
				position = fmt.Sprintf("%d of %d", reservation.Position, reservation.TotalHolds)
			}
			rows = append(rows, table.Row{reservation.Title, account.AccountAlias, position, reservation.EstimatedDate})
		}
	}
	if len(rows) == 0 {
		return
	}
	t := newTable(out, "Reservations")
	t.AppendHeader(table.Row{"Title", "Account", "Position", "Expected"})
	t.AppendRows(rows)
	t.Render()
}

func renderRules(out io.Writer, learned []rules.Rule, stale func(libraryUrl string) bool) {
	t := newTable(out, "Renewal rules")
	t.AppendHeader(table.Row{"Library", "Days before due date", "Last updated", "Stale"})
	for _, rule := range learned {
		t.AppendRow(table.Row{
			rule.LibraryUrl,
			rule.OffsetDays,
			rule.LastUpdated,
			stale(rule.LibraryUrl),
		})
	}
	t.Render()
}
