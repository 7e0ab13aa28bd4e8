package bibkat

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"time"

	"bibkat-backend/internal/components/assert"
	"bibkat-backend/internal/components/chrono"
	"bibkat-backend/internal/components/pacing"
	"bibkat-backend/internal/components/telemetry"
	"bibkat-backend/lib/restyutil"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

const (
	report_client_login        = "client.login"
	report_client_validate     = "client.validate"
	report_client_fetch        = "client.fetch"
	report_client_reservations = "client.reservations"
	report_client_renew        = "client.renew"
)

const (
	endpointReader   = "/reader/"
	endpointFamily   = "/reader/family/"
	endpointAccount  = "/reader/account/"
	endpointRenewApi = "/api/renew/"
)

var (
	// between the main page and the family page when looking for reservations
	reservationPagePause = pacing.Between(500*time.Millisecond, 1500*time.Millisecond)
	// before following a link to a dedicated reservations page
	reservationLinkPause = pacing.Between(300*time.Millisecond, 800*time.Millisecond)
)

var catalogCodeRegex = regexp.MustCompile(`BGX\d{6}`)

type ClientOptions struct {
	// BaseUrl is the library root, ex. "https://www.bibkat.de/boehl/".
	BaseUrl string
	// Timeout bounds every request, defaults to 30 seconds.
	Timeout time.Duration
	// RequestsPerSecond defaults to 2, float64(rate.Inf) disables the limit.
	RequestsPerSecond float64

	// Dump, when set, records every http exchange of the client.
	Dump *restyutil.Dumper

	Time  chrono.TimeAPI
	Pacer pacing.Pacer
	Tel   telemetry.API
}

// Client is a logged-in (or about to be logged-in) reader session against one BibKat library.
// A Client holds a cookie jar and must not be shared between accounts.
type Client struct {
	BaseUrl *url.URL
	Http    *resty.Client
	// CsrfToken is refreshed from every page that carries one.
	CsrfToken string
	// CatalogCode is the "BGX..." identifier of the library catalog, when a page revealed it.
	CatalogCode string

	time  chrono.TimeAPI
	pacer pacing.Pacer
	tel   telemetry.API
}

func NewClient(opts ClientOptions) (*Client, error) {
	assert.NotEmptyStr(opts.BaseUrl)
	assert.NotNil(opts.Time)
	assert.NotNil(opts.Pacer)
	assert.NotNil(opts.Tel)

	tel := telemetry.NewScopedAPI("bibkat", opts.Tel)

	baseUrl := opts.BaseUrl
	if !strings.HasSuffix(baseUrl, "/") {
		baseUrl += "/"
	}
	parsedBaseUrl, err := url.Parse(baseUrl)
	if err != nil {
		return nil, err
	}
	if parsedBaseUrl.Scheme == "" || parsedBaseUrl.Host == "" {
		return nil, fmt.Errorf("bibkat: library url %q is not absolute", opts.BaseUrl)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 2
	}

	httpClient := resty.New()
	httpClient.SetBaseURL(baseUrl)
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	httpClient.SetCookieJar(jar)
	httpClient.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(httpClient.GetClient().Transport)

	httpClient.SetHeader("user-agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36")
	httpClient.SetHeader("accept-language", "de-DE,de;q=0.9")
	httpClient.SetRedirectPolicy(resty.DomainCheckRedirectPolicy(parsedBaseUrl.Hostname()))
	httpClient.SetTimeout(timeout)

	// max burst >= rps just means that no requests will be dropped
	limit, burst := rate.Limit(rps), 1
	if limit >= rate.Inf {
		limit = rate.Inf
	} else {
		burst = max(1, int(rps))
	}
	rateLimiter := rate.NewLimiter(limit, burst)
	httpClient.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		return rateLimiter.Wait(req.Context())
	})

	telemetry.InstrumentResty(httpClient, tel)
	opts.Dump.Instrument(httpClient)

	return &Client{
		BaseUrl: parsedBaseUrl,
		Http:    httpClient,
		time:    opts.Time,
		pacer:   opts.Pacer,
		tel:     tel,
	}, nil
}

// url returns the absolute url of an endpoint below the library root.
func (c *Client) url(endpoint string) *url.URL {
	return c.BaseUrl.ResolveReference(&url.URL{Path: strings.TrimPrefix(endpoint, "/")})
}

func (c *Client) origin() string {
	return fmt.Sprintf("%s://%s", c.BaseUrl.Scheme, c.BaseUrl.Host)
}

func (c *Client) parser(pageUrl *url.URL) Parser {
	return NewParser(pageUrl, chrono.Today(c.time), c.tel)
}

// Close releases the pooled connections of the session.
func (c *Client) Close() {
	c.Http.GetClient().CloseIdleConnections()
}

func loginToken(doc *goquery.Document) string {
	token := doc.Find("input[name=csrfmiddlewaretoken]").AttrOr("value", "")
	if token != "" {
		return token
	}
	return doc.Find("meta[name=csrf-token]").AttrOr("content", "")
}

// observe remembers the anti-forgery token and the catalog code of a fetched page.
func (c *Client) observe(body []byte, doc *goquery.Document) {
	if token := loginToken(doc); token != "" {
		c.CsrfToken = token
	}
	if code := catalogCodeRegex.Find(body); code != nil {
		c.CatalogCode = string(code)
	}
}

var loggedInMarkers = []string{"logout", "abmelden", "reader-view"}

func isLoggedIn(body []byte, doc *goquery.Document) bool {
	lower := strings.ToLower(string(body))
	for _, marker := range loggedInMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return doc.Find("div.reader-account, div.account-info, div.reader-content, div.reader-listing").Length() > 0
}

func loginFailure(doc *goquery.Document) string {
	for _, selector := range []string{
		"div.alert-danger, div.error-message, div.login-error",
		"div.alert",
	} {
		if message := strings.TrimSpace(doc.Find(selector).First().Text()); message != "" {
			return strings.Join(strings.Fields(message), " ")
		}
	}
	if doc.Find(`form[action$="/reader/"], input[name=username]`).Length() > 0 {
		return "still on login form, likely incorrect credentials"
	}
	return "login response unclear, no success indicators found"
}

// Login authenticates the session with a username and password. Failures are *AuthError.
func (c *Client) Login(ctx context.Context, username, password string) error {
	c.tel.ReportDebug("login", username)

	authError := func(message string, err error) error {
		authErr := &AuthError{Message: message, Err: err}
		c.tel.ReportWarning(report_client_login, authErr, username)
		return authErr
	}

	loginUrl := c.url(endpointReader).String()

	res, err := c.Http.R().
		SetContext(ctx).
		Get(endpointReader)
	if err != nil {
		return authError("login page unreachable", err)
	}
	if res.StatusCode() != http.StatusOK {
		return authError(fmt.Sprintf("login page returned status %d", res.StatusCode()), nil)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(res.Body()))
	if err != nil {
		return authError("parse login page", err)
	}

	token := loginToken(doc)
	if token == "" {
		return authError("token not found", nil)
	}
	c.CsrfToken = token

	res, err = c.Http.R().
		SetContext(ctx).
		SetHeader("Referer", loginUrl).
		SetHeader("Origin", c.origin()).
		SetFormData(map[string]string{
			"csrfmiddlewaretoken": token,
			"action":              "login",
			"username":            username,
			"password":            password,
			"rememberLogin":       "1",
		}).
		Post(endpointReader)
	if err != nil {
		return authError("login request", err)
	}
	if res.StatusCode() != http.StatusOK {
		return authError(fmt.Sprintf("login returned status %d", res.StatusCode()), nil)
	}
	doc, err = goquery.NewDocumentFromReader(bytes.NewBuffer(res.Body()))
	if err != nil {
		return authError("parse login response", err)
	}

	if !isLoggedIn(res.Body(), doc) {
		return authError(loginFailure(doc), nil)
	}

	c.observe(res.Body(), doc)
	return nil
}

// Validate probes whether the session is still logged in.
func (c *Client) Validate(ctx context.Context) bool {
	res, err := c.Http.R().
		SetContext(ctx).
		Get(endpointAccount)
	if err != nil {
		c.tel.ReportWarning(report_client_validate, err)
		return false
	}
	if res.StatusCode() != http.StatusOK {
		return false
	}
	lower := strings.ToLower(res.String())
	return strings.Contains(lower, "logout") || strings.Contains(lower, "abmelden")
}

// fetch GETs a page (absolute or relative to the library root), records its token and catalog
// code and returns its body and final url. Being sent back to the login form is an *AuthError.
func (c *Client) fetch(ctx context.Context, endpoint string) ([]byte, *url.URL, error) {
	res, err := c.Http.R().
		SetContext(ctx).
		Get(endpoint)
	if err != nil {
		netErr := &NetworkError{Op: "fetch " + endpoint, Err: err}
		c.tel.ReportWarning(report_client_fetch, netErr)
		return nil, nil, netErr
	}
	if res.StatusCode() != http.StatusOK {
		netErr := &NetworkError{Op: "fetch " + endpoint, Status: res.StatusCode()}
		c.tel.ReportWarning(report_client_fetch, netErr)
		return nil, nil, netErr
	}

	pageUrl := c.url(endpoint)
	if absolute, err := url.Parse(endpoint); err == nil && absolute.IsAbs() {
		pageUrl = absolute
	}
	if res.RawResponse != nil && res.RawResponse.Request != nil {
		pageUrl = res.RawResponse.Request.URL
	}

	body := res.Body()
	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(body))
	if err != nil {
		return nil, nil, &ParseError{Input: endpoint, Reason: err.Error()}
	}
	c.observe(body, doc)
	if !isLoggedIn(body, doc) {
		authErr := &AuthError{Message: "session expired"}
		c.tel.ReportWarning(report_client_fetch, authErr, endpoint)
		return nil, nil, authErr
	}
	return body, pageUrl, nil
}

func pageEndpoint(page PageContext) string {
	if page == PageFamily {
		return endpointFamily
	}
	return endpointReader
}

// FetchMedia returns the borrowed media listed on the main or family page.
func (c *Client) FetchMedia(ctx context.Context, page PageContext) ([]MediaItem, error) {
	c.tel.ReportDebug("fetch media", page)

	body, pageUrl, err := c.fetch(ctx, pageEndpoint(page))
	if err != nil {
		return nil, err
	}
	return c.parser(pageUrl).ParseListing(body, page)
}

// FetchAccountInfo returns balance, card expiry and reservation count.
func (c *Client) FetchAccountInfo(ctx context.Context) (BalanceInfo, error) {
	body, pageUrl, err := c.fetch(ctx, endpointReader)
	if err != nil {
		return BalanceInfo{}, err
	}
	return c.parser(pageUrl).ParseBalance(body)
}

// FetchDetails reads the renewal hint of a media detail page.
func (c *Client) FetchDetails(ctx context.Context, detailUrl string) (RenewalHint, bool, error) {
	body, pageUrl, err := c.fetch(ctx, detailUrl)
	if err != nil {
		return RenewalHint{}, false, err
	}
	return c.parser(pageUrl).ParseRenewalHint(body)
}

// FetchReservations collects reservations from the main and the family page. Each page either
// lists them inline or links to a dedicated reservations page.
func (c *Client) FetchReservations(ctx context.Context) ([]ReservationItem, error) {
	var sets [][]ReservationItem
	var firstErr error

	for i, page := range []PageContext{PageMain, PageFamily} {
		if i > 0 {
			err := c.pacer.Pause(ctx, reservationPagePause)
			if err != nil {
				return nil, err
			}
		}

		found, err := c.pageReservations(ctx, page)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			c.tel.ReportWarning(report_client_reservations, err, page)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		sets = append(sets, found)
	}

	if len(sets) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return MergeReservations(sets...), nil
}

func (c *Client) pageReservations(ctx context.Context, page PageContext) ([]ReservationItem, error) {
	body, pageUrl, err := c.fetch(ctx, pageEndpoint(page))
	if err != nil {
		return nil, err
	}
	if HasReservationSection(body) {
		return c.parser(pageUrl).ParseReservations(body, page)
	}

	doc, err := parseDocument(body)
	if err != nil {
		return nil, err
	}
	href, ok := doc.Find("a[href*=reservations]").First().Attr("href")
	if !ok {
		return []ReservationItem{}, nil
	}
	link, err := pageUrl.Parse(href)
	if err != nil {
		return nil, &ParseError{Input: href, Reason: err.Error()}
	}

	err = c.pacer.Pause(ctx, reservationLinkPause)
	if err != nil {
		return nil, err
	}
	body, linkUrl, err := c.fetch(ctx, link.String())
	if err != nil {
		return nil, err
	}
	return c.parser(linkUrl).ParseReservations(body, page)
}
