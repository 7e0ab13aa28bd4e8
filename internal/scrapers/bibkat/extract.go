package bibkat

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"regexp"
	"strings"

	"bibkat-backend/pkg/htmlutil"

	"github.com/PuerkitoBio/goquery"
)

// extractor pulls one field out of an item block, ok reports whether it found anything.
type extractor func(item *goquery.Selection) (value string, ok bool)

// firstOf runs the extractors in order and returns the first value found.
func firstOf(item *goquery.Selection, chain ...extractor) (string, bool) {
	for _, extract := range chain {
		value, ok := extract(item)
		if ok && value != "" {
			return value, true
		}
	}
	return "", false
}

func attr(name string) extractor {
	return func(item *goquery.Selection) (string, bool) {
		value, ok := item.Attr(name)
		return strings.TrimSpace(value), ok
	}
}

func attrTrimPrefix(name, prefix string) extractor {
	return func(item *goquery.Selection) (string, bool) {
		value, ok := item.Attr(name)
		return strings.TrimPrefix(strings.TrimSpace(value), prefix), ok
	}
}

// attrContaining matches the first attribute whose name contains part, ex. "data-item-data-id".
func attrContaining(part string) extractor {
	return func(item *goquery.Selection) (string, bool) {
		if len(item.Nodes) == 0 {
			return "", false
		}
		for _, a := range item.Nodes[0].Attr {
			if strings.Contains(a.Key, part) && strings.TrimSpace(a.Val) != "" {
				return strings.TrimSpace(a.Val), true
			}
		}
		return "", false
	}
}

func text(selector string) extractor {
	return func(item *goquery.Selection) (string, bool) {
		found := item.Find(selector).First()
		if found.Length() == 0 {
			return "", false
		}
		return htmlutil.Text(found), true
	}
}

func within(selector string, inner extractor) extractor {
	return func(item *goquery.Selection) (string, bool) {
		found := item.Find(selector).First()
		if found.Length() == 0 {
			return "", false
		}
		return inner(found)
	}
}

var digitsRegex = regexp.MustCompile(`\d+`)

func onclickDigits(item *goquery.Selection) (string, bool) {
	onclick, ok := item.Attr("onclick")
	if !ok {
		return "", false
	}
	digits := digitsRegex.FindString(onclick)
	return digits, digits != ""
}

const renewActionSelector = "[data-action=renew]"

func renewAction(item *goquery.Selection) *goquery.Selection {
	action := item.Find("div.item-actions " + renewActionSelector).First()
	if action.Length() > 0 {
		return action
	}
	return item.Find(renewActionSelector).First()
}

var mediaIdChain = []extractor{
	attrTrimPrefix("id", "media-"),
	attr("data-id"),
	attr("data-media-id"),
	attrContaining("data-id"),
	func(item *goquery.Selection) (string, bool) {
		return attr("data-media-id")(renewAction(item))
	},
	func(item *goquery.Selection) (string, bool) {
		return onclickDigits(renewAction(item))
	},
}

var titleChain = []extractor{
	text("div.item-title"),
	text("a.item-link"),
}

var detailHrefChain = []extractor{
	within("div.item-title a[href]", attr("href")),
	within("a.item-link[href]", attr("href")),
}

var authorChain = []extractor{
	text("div.item-author"),
}

var dueStatusChain = []extractor{
	within("div.item-account-status", attr("title")),
	text("div.item-account-status"),
}

// synthesizeMediaId derives an id for items whose markup carries none. The id changes whenever
// the due date changes (ex. after a renewal), so such items cannot be tracked across renewals.
func synthesizeMediaId(title, author, due string) string {
	sum := md5.Sum([]byte(title + "_" + author + "_" + due))
	return "gen_" + hex.EncodeToString(sum[:])[:8]
}

// rawMedia is what the extractor chains find in an item block, before any date interpretation.
type rawMedia struct {
	id        string
	title     string
	author    string
	detailUrl string
	dueStatus string
	renewable bool
}

func extractMedia(base *url.URL, item *goquery.Selection) (rawMedia, bool) {
	title, ok := firstOf(item, titleChain...)
	if !ok {
		return rawMedia{}, false
	}
	href, ok := firstOf(item, detailHrefChain...)
	if !ok {
		return rawMedia{}, false
	}
	detail, err := htmlutil.ResolveHref(base, href)
	if err != nil {
		return rawMedia{}, false
	}

	raw := rawMedia{
		title:     title,
		detailUrl: detail.String(),
		renewable: renewAction(item).Length() > 0,
	}
	raw.author, _ = firstOf(item, authorChain...)
	raw.dueStatus, _ = firstOf(item, dueStatusChain...)

	raw.id, ok = firstOf(item, mediaIdChain...)
	if !ok {
		raw.id = synthesizeMediaId(raw.title, raw.author, raw.dueStatus)
	}
	return raw, true
}
