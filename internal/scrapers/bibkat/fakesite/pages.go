package fakesite

import (
	"fmt"
	"html"
	"strings"
)

// Item renders one medium block the way the reader pages do.
type Item struct {
	Id     string
	Title  string
	Author string
	// Due is the status line date, ex. "So., 13. Jul." or "13.07.2025". An item without Due is
	// rendered as a reservation.
	Due       string
	Renewable bool
	// Queue is the reservation status, ex. "Position 2 von 3".
	Queue string
}

func (i Item) render(prefix string) string {
	var b strings.Builder
	class := "item"
	if i.Due == "" {
		class += " item-variant-reservation"
	}
	fmt.Fprintf(&b, `<div class="%s" id="media-%s">`, class, html.EscapeString(i.Id))
	fmt.Fprintf(&b, `<div class="item-title"><a href="%s/media/%s/">%s</a></div>`, prefix, i.Id, html.EscapeString(i.Title))
	if i.Author != "" {
		fmt.Fprintf(&b, `<div class="item-author">%s</div>`, html.EscapeString(i.Author))
	}
	if i.Due != "" {
		fmt.Fprintf(&b, `<div class="item-account-status" title="Rückgabe bis: %s">Rückgabe bis: %s</div>`, i.Due, i.Due)
	}
	if i.Queue != "" {
		fmt.Fprintf(&b, `<div class="item-status">%s</div>`, html.EscapeString(i.Queue))
	}
	b.WriteString(`<div class="item-actions">`)
	if i.Renewable {
		fmt.Fprintf(&b, `<button data-action="renew" data-media-id="%s">Verlängern</button>`, i.Id)
	}
	if i.Due == "" {
		b.WriteString(`<button data-action="cancel">Vormerkung löschen</button>`)
	}
	b.WriteString(`</div></div>`)
	return b.String()
}

func layout(prefix, token, body string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta name="csrf-token" content="%s"></head>
<body>
<nav><a href="%s/reader/">Leserkonto</a> <a href="%s/reader/logout/">Abmelden</a></nav>
<div class="reader-content">
%s
</div>
</body></html>`, token, prefix, prefix, body)
}

// MainPage renders the reader main page of one account.
func MainPage(prefix string, balance string, items ...Item) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<div class="account-info"><span>%s € Kontostand</span> <span>Karte gültig bis: 31.12.2026</span> <a href="%s/reader/reservations/">Vormerkungen (0)</a></div>`, balance, prefix)
	b.WriteString(`<div class="reader-listing">`)
	for _, item := range items {
		b.WriteString(item.render(prefix))
	}
	b.WriteString(`</div>`)
	return b.String()
}

// Section is one family member on the family page.
type Section struct {
	Account string
	Items   []Item
}

// FamilyPage renders the family page with one lendings listing and, when any section carries
// reservations, the "Vorgemerkte Medien" section.
func FamilyPage(prefix string, lendings []Section, reservations []Section) string {
	var b strings.Builder
	b.WriteString(`<h2>Ausgeliehene Medien</h2><div class="reader-listing reader-listing-lendings">`)
	for _, section := range lendings {
		fmt.Fprintf(&b, `<h4 class="reader-content-title">Konto Nr. %s | %d Medien ausgeliehen</h4>`, section.Account, len(section.Items))
		for _, item := range section.Items {
			b.WriteString(item.render(prefix))
		}
	}
	b.WriteString(`</div>`)

	if len(reservations) > 0 {
		b.WriteString(`<h2>Vorgemerkte Medien</h2><p>Stand heute</p><div class="reader-listing reader-listing-reservations">`)
		for _, section := range reservations {
			fmt.Fprintf(&b, `<h4 class="reader-content-title">Konto Nr. %s | %d Medien vorgemerkt</h4>`, section.Account, len(section.Items))
			for _, item := range section.Items {
				b.WriteString(item.render(prefix))
			}
		}
		b.WriteString(`</div>`)
	}
	return b.String()
}

// DetailPage renders a media detail page, opens is the printed renewal date or "".
func DetailPage(title, opens string) string {
	body := fmt.Sprintf(`<h1>%s</h1>`, html.EscapeString(title))
	if opens != "" {
		body += fmt.Sprintf(`<p class="hint">Das Medium kann ab dem %s online verlängert werden.</p>`, opens)
	}
	return body
}

const loginForm = `<!DOCTYPE html>
<html><body>
%s
<form method="post" action="%s/reader/">
<input type="hidden" name="csrfmiddlewaretoken" value="%s">
<input name="username"><input type="password" name="password">
<input type="hidden" name="action" value="login">
</form>
</body></html>`
