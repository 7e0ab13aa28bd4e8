package renewal

import (
	"context"
	"errors"
	"time"
)

// Credentials are needed by probes that log in on their own.
type Credentials struct {
	Username string
	Password string
}

type ProbeRequest struct {
	LibraryUrl  string
	Credentials Credentials
	MediaId     string
}

// ErrProbeUnavailable is returned by probes that cannot run in this environment.
var ErrProbeUnavailable = errors.New("renewal date probe unavailable")

// RenewalDateProbe reads the exact date a medium becomes renewable, usually by triggering the
// renewal dialog the way a reader would and reading the rejection.
//
// note: fault injection point
type RenewalDateProbe interface {
	Available(ctx context.Context) bool
	// RenewalDate returns the date renewal opens and the due date the site printed next to it,
	// which is zero when the probe could not read it.
	RenewalDate(ctx context.Context, req ProbeRequest) (opens time.Time, due time.Time, err error)
}

// UnavailableProbe is the probe used when browser automation is disabled.
type UnavailableProbe struct{}

func (UnavailableProbe) Available(context.Context) bool {
	return false
}

func (UnavailableProbe) RenewalDate(context.Context, ProbeRequest) (time.Time, time.Time, error) {
	return time.Time{}, time.Time{}, ErrProbeUnavailable
}
