// Package renewal decides whether and when a borrowed medium can be renewed and runs the renewal.
package renewal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bibkat-backend/internal/components/assert"
	"bibkat-backend/internal/components/chrono"
	"bibkat-backend/internal/components/telemetry"
	"bibkat-backend/internal/rules"
	"bibkat-backend/internal/scrapers/bibkat"
)

const (
	report_engine_renew = "engine.renew"
	report_engine_probe = "engine.probe"
	report_engine_learn = "engine.learn"
)

// fallbackOffsetDays is assumed when neither a probe nor a learned rule knows better.
const fallbackOffsetDays = 6

var ErrNoDueDate = errors.New("renewal date could not be determined, the medium has no due date")

type Kind string

const (
	Renewed         Kind = "renewed"
	NotYetRenewable Kind = "not_yet_renewable"
	Failed          Kind = "failed"
)

// Outcome is the result of a renewal attempt. It never carries a raw error, Message is always
// readable by a user.
type Outcome struct {
	Kind    Kind
	MediaId string
	Title   string
	Message string
	// NewDueDate is the ISO due date after a renewal, if the site told.
	NewDueDate string
	// RenewalDate is set for NotYetRenewable.
	RenewalDate time.Time
	Source      bibkat.RenewalDateSource
	Estimate    bool
}

// Determination is a renewal date and how it was found.
type Determination struct {
	Date     time.Time
	Source   bibkat.RenewalDateSource
	Estimate bool
	Note     string
}

// Renewer runs the renewal protocol, implemented by *bibkat.Client.
type Renewer interface {
	Renew(ctx context.Context, mediaId string) (bibkat.RenewResponse, error)
}

type RenewRequest struct {
	LibraryUrl  string
	Item        *bibkat.MediaItem
	Client      Renewer
	Credentials Credentials
}

type Options struct {
	Learner *rules.Learner
	// Probe defaults to UnavailableProbe.
	Probe    RenewalDateProbe
	UseProbe bool
	Time     chrono.TimeAPI
	Tel      telemetry.API
}

type Engine struct {
	learner  *rules.Learner
	probe    RenewalDateProbe
	useProbe bool
	time     chrono.TimeAPI
	tel      telemetry.API
}

func NewEngine(opts Options) *Engine {
	assert.NotNil(opts.Learner)
	assert.NotNil(opts.Time)
	assert.NotNil(opts.Tel)

	probe := opts.Probe
	if probe == nil {
		probe = UnavailableProbe{}
	}
	return &Engine{
		learner:  opts.Learner,
		probe:    probe,
		useProbe: opts.UseProbe,
		time:     opts.Time,
		tel:      telemetry.NewScopedAPI("renewal", opts.Tel),
	}
}

// Learn feeds an observed pair of due date and renewal date to the rule learner.
func (e *Engine) Learn(libraryUrl string, due, opens time.Time) {
	offset, err := e.learner.Observe(libraryUrl, due, opens)
	if err != nil {
		e.tel.ReportWarning(report_engine_learn, err, libraryUrl)
		return
	}
	e.tel.ReportDebug("renewal opens days before due date", libraryUrl, offset)
}

// DetermineRenewalDate finds when an item that is not renewable now becomes renewable. The probe
// is asked first (if enabled), then the learned rule of the library, and finally the date is
// estimated as fallbackOffsetDays before the due date.
func (e *Engine) DetermineRenewalDate(ctx context.Context, libraryUrl string, item bibkat.MediaItem, creds Credentials) (Determination, error) {
	due, hasDue := item.Due()

	if e.useProbe && e.probe.Available(ctx) {
		opens, printedDue, err := e.probe.RenewalDate(ctx, ProbeRequest{
			LibraryUrl:  libraryUrl,
			Credentials: creds,
			MediaId:     item.MediaId,
		})
		switch {
		case err != nil:
			e.tel.ReportWarning(report_engine_probe, err, item.MediaId)
		default:
			if printedDue.IsZero() {
				printedDue = due
			}
			if !printedDue.IsZero() {
				e.Learn(libraryUrl, printedDue, opens)
			}
			return Determination{Date: opens, Source: bibkat.SourceBrowser}, nil
		}
	}
	if ctx.Err() != nil {
		return Determination{}, ctx.Err()
	}

	if !hasDue {
		return Determination{}, ErrNoDueDate
	}
	if opens, ok := e.learner.Predict(libraryUrl, due); ok {
		return Determination{Date: opens, Source: bibkat.SourceRules}, nil
	}
	return Determination{
		Date:     due.AddDate(0, 0, -fallbackOffsetDays),
		Source:   bibkat.SourceFallback,
		Estimate: true,
		Note:     fmt.Sprintf("estimated, %d days before due date", fallbackOffsetDays),
	}, nil
}

func failureMessage(err error) string {
	var protocolErr *bibkat.RenewalProtocolError
	var networkErr *bibkat.NetworkError
	switch {
	case errors.As(err, &protocolErr):
		return "renewal refused: " + protocolErr.Reason
	case errors.As(err, &networkErr):
		if networkErr.Status != 0 {
			return fmt.Sprintf("renewal request failed with status %d", networkErr.Status)
		}
		return "renewal request failed, the library could not be reached"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "renewal cancelled"
	}
	return "renewal failed"
}

// Renew renews an item that is renewable now, or tells when it will be.
func (e *Engine) Renew(ctx context.Context, req RenewRequest) Outcome {
	if req.Item == nil {
		return Outcome{Kind: Failed, Message: "not found"}
	}
	item := req.Item
	out := Outcome{MediaId: item.MediaId, Title: item.Title}

	if item.IsRenewableNow {
		res, err := req.Client.Renew(ctx, item.MediaId)
		if err != nil {
			e.tel.ReportWarning(report_engine_renew, err, item.MediaId)
			out.Kind = Failed
			out.Message = failureMessage(err)
			return out
		}

		out.Kind = Renewed
		out.NewDueDate = res.NewDueDate
		out.Message = "renewed"
		if due, ok := chrono.ParseIso(res.NewDueDate); ok {
			out.Message = "renewed until " + chrono.FormatDisplay(due)
		}
		return out
	}

	determination, err := e.DetermineRenewalDate(ctx, req.LibraryUrl, *item, req.Credentials)
	if err != nil {
		out.Kind = Failed
		out.Message = err.Error()
		if !errors.Is(err, ErrNoDueDate) {
			out.Message = failureMessage(err)
		}
		return out
	}

	out.Kind = NotYetRenewable
	out.RenewalDate = determination.Date
	out.Source = determination.Source
	out.Estimate = determination.Estimate
	out.Message = "can be renewed from " + chrono.FormatDisplay(determination.Date)
	if determination.Estimate {
		out.Message += " (estimate)"
	}
	return out
}
