package htmlutil

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

func GetText(node *html.Node) string {
	var buffer bytes.Buffer
	getTextRecursive(node, &buffer)
	return buffer.String()
}

func getTextRecursive(node *html.Node, buffer *bytes.Buffer) {
	if node == nil {
		return
	}
	if node.Type == html.TextNode {
		buffer.WriteString(node.Data)
		return
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		getTextRecursive(child, buffer)
	}
}

var innerWhitespace = regexp.MustCompile(`\s+`)

func removeNonPrintable(s string) string {
	newStr := strings.Builder{}
	for _, c := range s {
		if unicode.IsPrint(c) || unicode.IsSpace(c) {
			newStr.WriteRune(c)
		}
	}
	return newStr.String()
}

// Clean strips non-printable characters and collapses whitespace runs (including non-breaking
// spaces) to a single space.
func Clean(text string) string {
	text = strings.ReplaceAll(text, "\u00a0", " ")
	text = removeNonPrintable(text)
	text = innerWhitespace.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// Text returns the cleaned text of every node in the selection.
func Text(sel *goquery.Selection) string {
	return Clean(sel.Text())
}

type Anchor struct {
	Url  *url.URL
	Name string
}

// ResolveHref resolves an href relative to the page it was found on.
func ResolveHref(base *url.URL, href string) (*url.URL, error) {
	link, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return nil, err
	}
	if base == nil {
		return link, nil
	}
	return base.ResolveReference(link), nil
}

// GetAnchors returns every anchor in the selection with a parseable href.
func GetAnchors(base *url.URL, sel *goquery.Selection) []Anchor {
	anchors := []Anchor{}
	for _, n := range sel.Nodes {
		href := ""
		for _, a := range n.Attr {
			if a.Key == "href" {
				href = a.Val
				break
			}
		}
		if href == "" {
			continue
		}

		link, err := ResolveHref(base, href)
		if err != nil {
			continue
		}
		anchors = append(anchors, Anchor{
			Url:  link,
			Name: Clean(GetText(n)),
		})
	}
	return anchors
}

// TextNodes calls fn for every non-blank text node below the selection in document order,
// passing the element that directly contains it.
func TextNodes(sel *goquery.Selection, fn func(parent *goquery.Selection, text string)) {
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			switch child.Type {
			case html.TextNode:
				if strings.TrimSpace(child.Data) != "" {
					fn(goquery.NewDocumentFromNode(n).Selection, child.Data)
				}
			case html.ElementNode:
				if child.Data == "script" || child.Data == "style" {
					continue
				}
				walk(child)
			}
		}
	}
	for _, root := range sel.Nodes {
		walk(root)
	}
}
