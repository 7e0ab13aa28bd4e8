package bibkat

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"bibkat-backend/internal/components/chrono"
	"bibkat-backend/pkg/htmlutil"

	"github.com/PuerkitoBio/goquery"
)

var (
	balanceRegex       = regexp.MustCompile(`(-?\d{1,3}(?:\.\d{3})+,\d+|-?\d+,\d+)\s*€`)
	cardExpiryRegex    = regexp.MustCompile(`bis:\s*(\d{1,2}\.\d{1,2}\.\d{4})`)
	linkCountRegex     = regexp.MustCompile(`\((\d+)\)`)
	renewalOpensRegex  = regexp.MustCompile(`ab dem (\d{1,2}\.\d{1,2}\.\d{4}|\d+\.\s*\p{L}+\.?(?:\s*\d{4})?)`)
	renewalRejectRegex = regexp.MustCompile(`"([^"]+)"\s+kann erst ab dem\s+(\d{1,2}\.\d{1,2}\.\d{4})`)
)

// ParseBalance reads the account summary (balance, card expiry, reservation count) printed on
// the reader main page. Missing parts are left at their zero value.
func (p Parser) ParseBalance(html []byte) (BalanceInfo, error) {
	doc, err := parseDocument(html)
	if err != nil {
		return BalanceInfo{}, err
	}

	info := BalanceInfo{Currency: "EUR"}
	balanceFound := false
	htmlutil.TextNodes(doc.Selection, func(parent *goquery.Selection, text string) {
		switch {
		case !balanceFound && strings.Contains(text, "Kontostand"):
			groups := balanceRegex.FindStringSubmatch(text)
			if groups == nil {
				groups = balanceRegex.FindStringSubmatch(parent.Text())
			}
			if groups == nil {
				return
			}
			value, err := parseAmount(groups[1])
			if err != nil {
				p.tel.ReportWarning(report_parser_balance, fmt.Errorf("balance: %w", err), groups[1])
				return
			}
			info.Balance = value
			balanceFound = true
		case info.CardExpiry == "" && strings.Contains(text, "Karte gültig bis"):
			groups := cardExpiryRegex.FindStringSubmatch(text)
			if groups == nil {
				return
			}
			expiry, err := ParseGermanDate(groups[1], p.Today)
			if err != nil {
				p.tel.ReportWarning(report_parser_balance, err)
				return
			}
			info.CardExpiry = chrono.FormatIso(expiry)
		}
	})

	link := doc.Find("a[href*=reservations]").First()
	if groups := linkCountRegex.FindStringSubmatch(link.Text()); groups != nil {
		info.Reservations, _ = strconv.Atoi(groups[1])
	}
	return info, nil
}

// parseAmount reads a German amount such as "1.234,50".
func parseAmount(text string) (float64, error) {
	text = strings.ReplaceAll(text, ".", "")
	return strconv.ParseFloat(strings.ReplaceAll(text, ",", "."), 64)
}

// ParseRenewalHint looks for "Das Medium kann ab dem 6. Juli online verlängert werden." on a media
// detail page, ok is false when the page says nothing about renewal.
func (p Parser) ParseRenewalHint(html []byte) (hint RenewalHint, ok bool, err error) {
	doc, err := parseDocument(html)
	if err != nil {
		return RenewalHint{}, false, err
	}

	htmlutil.TextNodes(doc.Selection, func(_ *goquery.Selection, text string) {
		if ok || !strings.Contains(text, "kann ab dem") || !strings.Contains(text, "online verlängert werden") {
			return
		}
		groups := renewalOpensRegex.FindStringSubmatch(text)
		if groups == nil {
			return
		}
		opens, parseErr := ParseGermanDate(groups[1], p.Today)
		if parseErr != nil {
			p.tel.ReportWarning(report_parser_listing, parseErr)
			return
		}
		hint = RenewalHint{Text: htmlutil.Clean(groups[1]), Opens: opens}
		ok = true
	})
	return hint, ok, nil
}

// RenewalRejection is the dialog the site shows when renew is clicked too early.
type RenewalRejection struct {
	Title string
	Opens string
}

// ParseRenewalRejection reads `"<title>" kann erst ab dem 06.07.2025 verlängert werden`.
func ParseRenewalRejection(text string) (RenewalRejection, bool) {
	groups := renewalRejectRegex.FindStringSubmatch(text)
	if groups == nil {
		return RenewalRejection{}, false
	}
	return RenewalRejection{Title: groups[1], Opens: groups[2]}, true
}
