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

const (
	reservedSectionTitle = "Vorgemerkte Medien"
	// the site gives no estimate, a queue position is assumed to take three weeks.
	reservationQueueDays = 21
	maxSectionSiblings   = 10
)

var (
	queuePositionRegex = regexp.MustCompile(`(?:Position\s*)?(\d+)\.?\s*(?:von|of)\s*(\d+)`)
	reservedCountRegex = regexp.MustCompile(`\d+\s+Medien\s+vorgemerkt`)
	reservedTitleRegex = regexp.MustCompile(`\d+\s+Medien\s+vorgemerkt\s*\(([^)]+)\)`)
)

var reservationListingClasses = []string{
	"reader-listing",
	"reader-listing-reservations",
	"reader-listing-content",
	"listing",
	"listing-content",
}

func isHeading(sel *goquery.Selection) bool {
	switch goquery.NodeName(sel) {
	case "h2", "h3", "h4":
		return true
	}
	return false
}

func hasAnyClass(sel *goquery.Selection, classes []string) bool {
	for _, class := range classes {
		if sel.HasClass(class) {
			return true
		}
	}
	return false
}

// reservationStrategy locates reservations in one particular page shape.
type reservationStrategy func(doc *goquery.Document, page PageContext) []ReservationItem

// HasReservationSection reports whether a page carries the reservations inline.
func HasReservationSection(html []byte) bool {
	return strings.Contains(string(html), reservedSectionTitle)
}

// ParseReservations extracts reservations from either an inline "Vorgemerkte Medien" section
// or a dedicated reservations page. Strategies are tried in order and the first one that finds
// anything wins.
func (p Parser) ParseReservations(html []byte, page PageContext) ([]ReservationItem, error) {
	doc, err := parseDocument(html)
	if err != nil {
		return nil, err
	}

	strategies := []reservationStrategy{
		p.sectionReservations,
		p.freeTextReservations,
		p.pageReservations,
	}
	for _, strategy := range strategies {
		found := strategy(doc, page)
		if len(found) > 0 {
			return MergeReservations(found), nil
		}
	}
	return []ReservationItem{}, nil
}

func (p Parser) sectionReservations(doc *goquery.Document, page PageContext) []ReservationItem {
	reservations := []ReservationItem{}
	doc.Find("h2, h3, h4").Each(func(_ int, header *goquery.Selection) {
		if !strings.Contains(htmlutil.Text(header), reservedSectionTitle) {
			return
		}

		sibling := header.Next()
		for i := 0; i < maxSectionSiblings && sibling.Length() > 0; i++ {
			if isHeading(sibling) {
				return
			}
			if goquery.NodeName(sibling) == "div" && hasAnyClass(sibling, reservationListingClasses) {
				reservations = append(reservations, p.sectionItems(sibling, page)...)
				return
			}
			sibling = sibling.Next()
		}
	})
	return reservations
}

func (p Parser) sectionItems(listing *goquery.Selection, page PageContext) []ReservationItem {
	reservations := []ReservationItem{}
	account := ""
	listing.Find("h4.reader-content-title, div.item").Each(func(_ int, el *goquery.Selection) {
		if goquery.NodeName(el) == "h4" {
			if groups := accountHeaderRegex.FindStringSubmatch(el.Text()); groups != nil {
				account = groups[1]
			}
			return
		}
		if account == "" || !el.HasClass("item-variant-reservation") {
			return
		}
		reservation, ok := p.reservation(el, page)
		if !ok {
			return
		}
		reservation.OwnerNumber = account
		reservation.OwnerName = OwnerName(account)
		reservations = append(reservations, reservation)
	})
	return reservations
}

// freeTextReservations handles pages that only print a summary line such as
// "Konto Nr. 4711 | 1 Medien vorgemerkt (Der Hobbit)" followed by the item blocks.
func (p Parser) freeTextReservations(doc *goquery.Document, page PageContext) []ReservationItem {
	reservations := []ReservationItem{}
	htmlutil.TextNodes(doc.Selection, func(parent *goquery.Selection, text string) {
		if !reservedCountRegex.MatchString(text) {
			return
		}
		groups := accountHeaderRegex.FindStringSubmatch(text)
		if groups == nil {
			return
		}
		account := groups[1]

		if titleGroups := reservedTitleRegex.FindStringSubmatch(text); titleGroups != nil {
			reservations = append(reservations, ReservationItem{
				ReservationId: fmt.Sprintf("res_%s_%d", account, len(reservations)+1),
				Title:         htmlutil.Clean(titleGroups[1]),
				FoundOn:       []PageContext{page},
				OwnerNumber:   account,
				OwnerName:     OwnerName(account),
				IsConfigured:  true,
			})
		}

		for sibling := parent.Next(); sibling.Length() > 0; sibling = sibling.Next() {
			if isHeading(sibling) {
				break
			}
			if goquery.NodeName(sibling) != "div" || !sibling.HasClass("item") {
				continue
			}
			reservation, ok := p.reservation(sibling, page)
			if !ok {
				continue
			}
			reservation.OwnerNumber = account
			reservation.OwnerName = OwnerName(account)
			reservations = append(reservations, reservation)
		}
	})
	return reservations
}

// pageReservations handles the dedicated reservations page of a single reader.
func (p Parser) pageReservations(doc *goquery.Document, page PageContext) []ReservationItem {
	reservations := []ReservationItem{}
	doc.Find("div.item").Each(func(_ int, item *goquery.Selection) {
		if isMessage(item) {
			return
		}
		if !item.HasClass("item-variant-reservation") && !item.HasClass("item-status-yellow") {
			return
		}
		reservation, ok := p.reservation(item, page)
		if !ok {
			return
		}
		reservations = append(reservations, reservation)
	})
	return reservations
}

var reservationTitleChain = []extractor{
	text("div.item-title"),
	text("a"),
}

var reservationHrefChain = []extractor{
	within("div.item-title a[href]", attr("href")),
	within("a[href]", attr("href")),
}

func (p Parser) reservation(item *goquery.Selection, page PageContext) (ReservationItem, bool) {
	id, _ := attr("id")(item)
	if id == "" {
		p.tel.ReportWarning(report_parser_reservations, fmt.Errorf("reservation without id"))
		return ReservationItem{}, false
	}
	title, ok := firstOf(item, reservationTitleChain...)
	if !ok {
		p.tel.ReportWarning(report_parser_reservations, fmt.Errorf("reservation without title"), id)
		return ReservationItem{}, false
	}

	reservation := ReservationItem{
		ReservationId: id,
		Title:         title,
		FoundOn:       []PageContext{page},
		IsConfigured:  true,
		Cancelable:    item.Find("[data-action=cancel]").Length() > 0,
	}
	if href, ok := firstOf(item, reservationHrefChain...); ok {
		if detail, err := htmlutil.ResolveHref(p.PageUrl, href); err == nil {
			reservation.DetailUrl = detail.String()
		}
	}
	reservation.Author, _ = firstOf(item, authorChain...)
	reservation.Branch, _ = firstOf(item, text("div.item-branch"))

	if status, ok := firstOf(item, text("div.item-status")); ok {
		if groups := queuePositionRegex.FindStringSubmatch(status); groups != nil {
			reservation.Position, _ = strconv.Atoi(groups[1])
			reservation.TotalHolds, _ = strconv.Atoi(groups[2])
		}
	}
	if reservation.Position > 0 {
		estimate := p.Today.AddDate(0, 0, reservation.Position*reservationQueueDays)
		reservation.EstimatedDate = chrono.FormatDisplay(estimate)
		reservation.EstimatedDateIso = chrono.FormatIso(estimate)
	}

	if since, ok := firstOf(item, text("div.item-date")); ok {
		reservation.ReservedSince = since
		if date, err := ParseGermanDate(since, p.Today); err == nil {
			reservation.ReservedSinceIso = chrono.FormatIso(date)
		}
	}

	return reservation, true
}
