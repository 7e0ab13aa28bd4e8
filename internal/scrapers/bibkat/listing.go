package bibkat

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"time"

	"bibkat-backend/internal/components/assert"
	"bibkat-backend/internal/components/chrono"
	"bibkat-backend/internal/components/telemetry"

	"github.com/PuerkitoBio/goquery"
)

const (
	report_parser_listing      = "parser.listing"
	report_parser_reservations = "parser.reservations"
	report_parser_balance      = "parser.balance"
)

var accountHeaderRegex = regexp.MustCompile(`Konto\s+Nr\.\s*(\d+)`)

// Parser turns reader pages into records. It holds the page url (to resolve links) and the date
// the page was fetched on (to interpret dates without a year).
type Parser struct {
	PageUrl *url.URL
	Today   time.Time

	tel telemetry.API
}

func NewParser(pageUrl *url.URL, today time.Time, tel telemetry.API) Parser {
	assert.NotNil(pageUrl)
	assert.NotNil(tel)
	return Parser{PageUrl: pageUrl, Today: today, tel: tel}
}

func parseDocument(html []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(html))
	if err != nil {
		return nil, &ParseError{Input: "html document", Reason: err.Error()}
	}
	return doc, nil
}

// ParseListing extracts the borrowed media of a main or family page.
//
// On a family page each item is attributed to the "Konto Nr." header preceding it; items
// without a due date are reservations and are left out.
func (p Parser) ParseListing(html []byte, page PageContext) ([]MediaItem, error) {
	doc, err := parseDocument(html)
	if err != nil {
		return nil, err
	}
	if page == PageFamily {
		return p.familyListing(doc), nil
	}
	return p.flatListing(doc, page), nil
}

func isMessage(item *goquery.Selection) bool {
	return item.HasClass("item-variant-message")
}

func (p Parser) flatListing(doc *goquery.Document, page PageContext) []MediaItem {
	items := []MediaItem{}
	doc.Find("div.item").Each(func(_ int, item *goquery.Selection) {
		if isMessage(item) {
			return
		}
		media, ok := p.media(item, page)
		if !ok {
			return
		}
		items = append(items, media)
	})
	return items
}

func (p Parser) familyListing(doc *goquery.Document) []MediaItem {
	items := []MediaItem{}
	doc.Find("div.reader-listing-lendings").Each(func(_ int, listing *goquery.Selection) {
		account := ""
		listing.Find("h4.reader-content-title, div.item").Each(func(_ int, el *goquery.Selection) {
			if goquery.NodeName(el) == "h4" {
				if groups := accountHeaderRegex.FindStringSubmatch(el.Text()); groups != nil {
					account = groups[1]
				}
				return
			}
			if account == "" || isMessage(el) {
				return
			}

			media, ok := p.media(el, PageFamily)
			if !ok {
				return
			}
			media.OwnerNumber = account
			media.OwnerName = OwnerName(account)
			items = append(items, media)
		})
	})
	return items
}

func (p Parser) media(item *goquery.Selection, page PageContext) (MediaItem, bool) {
	raw, ok := extractMedia(p.PageUrl, item)
	if !ok {
		p.tel.ReportWarning(
			report_parser_listing,
			fmt.Errorf("item without title or detail link"),
			page,
		)
		return MediaItem{}, false
	}
	if raw.dueStatus == "" {
		return MediaItem{}, false
	}

	media := MediaItem{
		MediaId:        raw.id,
		Title:          raw.title,
		Author:         raw.author,
		DetailUrl:      raw.detailUrl,
		DueDate:        DueDateText(raw.dueStatus),
		Renewable:      raw.renewable,
		IsRenewableNow: raw.renewable,
		FoundOn:        []PageContext{page},
		IsConfigured:   true,
	}

	due, err := ParseGermanDate(media.DueDate, p.Today)
	if err != nil {
		p.tel.ReportWarning(report_parser_listing, err, media.MediaId)
		return media, true
	}
	media.DueDateIso = chrono.FormatIso(due)
	media.DaysRemaining = DaysRemaining(due, p.Today)
	return media, true
}
