// Package rodprobe reads renewal dates with a headless browser: it logs in like a reader, clicks
// the renew button of a medium and reads the date out of the rejection dialog.
package rodprobe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bibkat-backend/internal/components/assert"
	"bibkat-backend/internal/components/chrono"
	"bibkat-backend/internal/components/telemetry"
	"bibkat-backend/internal/renewal"
	"bibkat-backend/internal/scrapers/bibkat"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

const (
	DefaultTimeout = 15 * time.Second
	modalTimeout   = 5 * time.Second
)

type Options struct {
	// Bin is the chromium binary, it is looked up on the system when empty.
	Bin     string
	Timeout time.Duration
	Time    chrono.TimeAPI
	Tel     telemetry.API
}

type Probe struct {
	bin     string
	timeout time.Duration
	time    chrono.TimeAPI
	tel     telemetry.API
}

var _ renewal.RenewalDateProbe = Probe{}

func New(opts Options) Probe {
	assert.NotNil(opts.Time)
	assert.NotNil(opts.Tel)

	bin := opts.Bin
	if bin == "" {
		bin, _ = launcher.LookPath()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return Probe{
		bin:     bin,
		timeout: timeout,
		time:    opts.Time,
		tel:     telemetry.NewScopedAPI("rodprobe", opts.Tel),
	}
}

// Available reports whether a browser binary was found.
func (p Probe) Available(context.Context) bool {
	return p.bin != ""
}

func libraryPage(libraryUrl, path string) string {
	return strings.TrimRight(libraryUrl, "/") + path
}

func (p Probe) RenewalDate(ctx context.Context, req renewal.ProbeRequest) (time.Time, time.Time, error) {
	if p.bin == "" {
		return time.Time{}, time.Time{}, renewal.ErrProbeUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	l := launcher.New().
		Context(ctx).
		Bin(p.bin).
		Headless(true)
	defer l.Cleanup()
	defer l.Kill()

	controlUrl, err := l.Launch()
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlUrl).Context(ctx)
	err = browser.Connect()
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("connect browser: %w", err)
	}
	defer browser.Close()

	page, err := browser.Page(proto.TargetCreateTarget{URL: libraryPage(req.LibraryUrl, "/reader/")})
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	err = p.login(page, req.Credentials)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	err = page.Navigate(libraryPage(req.LibraryUrl, "/reader/family/"))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	err = page.WaitLoad()
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	return p.readRejection(page, req.MediaId)
}

func (p Probe) login(page *rod.Page, creds renewal.Credentials) error {
	err := page.WaitLoad()
	if err != nil {
		return err
	}
	username, err := page.Element(`input[name="username"]`)
	if err != nil {
		return err
	}
	err = username.Input(creds.Username)
	if err != nil {
		return err
	}
	password, err := page.Element(`input[name="password"]`)
	if err != nil {
		return err
	}
	err = password.Input(creds.Password)
	if err != nil {
		return err
	}
	err = password.Type(input.Enter)
	if err != nil {
		return err
	}
	err = page.WaitLoad()
	if err != nil {
		return err
	}

	loggedIn, _, err := page.Has(`a[href*="logout"]`)
	if err != nil {
		return err
	}
	if !loggedIn {
		return &bibkat.AuthError{Message: "browser login failed"}
	}
	return nil
}

func (p Probe) readRejection(page *rod.Page, mediaId string) (time.Time, time.Time, error) {
	today := chrono.Today(p.time)

	found, item, err := page.Has(fmt.Sprintf(`[data-id="%s"], [id="media-%s"]`, mediaId, mediaId))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !found {
		return time.Time{}, time.Time{}, fmt.Errorf("medium %s not on family page", mediaId)
	}

	var due time.Time
	if hasStatus, status, err := item.Has(".item-account-status"); err == nil && hasStatus {
		text, err := status.Text()
		if err == nil {
			due, _ = bibkat.ParseGermanDate(bibkat.DueDateText(text), today)
		}
	}

	hasButton, button, err := item.Has(`[data-action="renew"]`)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !hasButton {
		return time.Time{}, time.Time{}, fmt.Errorf("medium %s offers no renew button", mediaId)
	}
	err = button.Click(proto.InputMouseButtonLeft, 1)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	modal, err := page.Timeout(modalTimeout).Element(".tingle-modal")
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("no renewal dialog: %w", err)
	}
	text, err := modal.Text()
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	p.tel.ReportDebug("renewal dialog", mediaId, text)

	rejection, ok := bibkat.ParseRenewalRejection(text)
	if !ok {
		return time.Time{}, time.Time{}, &bibkat.ParseError{Input: text, Reason: "dialog does not state a renewal date"}
	}
	opens, err := bibkat.ParseGermanDate(rejection.Opens, today)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return opens, due, nil
}
