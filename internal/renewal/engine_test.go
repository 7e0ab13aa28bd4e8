package renewal

import (
	"context"
	"errors"
	"testing"
	"time"

	"bibkat-backend/internal/components/chrono"
	"bibkat-backend/internal/components/kvstore"
	"bibkat-backend/internal/components/telemetry"
	"bibkat-backend/internal/rules"
	"bibkat-backend/internal/scrapers/bibkat"

	"github.com/stretchr/testify/require"
)

const library = "https://www.bibkat.de/boehl/"

type fakeRenewer struct {
	res   bibkat.RenewResponse
	err   error
	calls []string
}

func (r *fakeRenewer) Renew(_ context.Context, mediaId string) (bibkat.RenewResponse, error) {
	r.calls = append(r.calls, mediaId)
	return r.res, r.err
}

type fakeProbe struct {
	available bool
	opens     time.Time
	due       time.Time
	err       error
	calls     int
}

func (p *fakeProbe) Available(context.Context) bool {
	return p.available
}

func (p *fakeProbe) RenewalDate(context.Context, ProbeRequest) (time.Time, time.Time, error) {
	p.calls++
	return p.opens, p.due, p.err
}

type fixture struct {
	engine  *Engine
	learner *rules.Learner
	tel     *telemetry.TestAPI
}

func setup(t *testing.T, probe RenewalDateProbe, useProbe bool) fixture {
	store, err := kvstore.Open(t.TempDir())
	require.NoError(t, err)
	clock := chrono.NewFakeTime(time.Date(2025, 7, 10, 9, 0, 0, 0, chrono.Berlin))
	tel := telemetry.NewTestAPI(t)
	learner := rules.NewLearner(store, clock, tel)
	return fixture{
		engine: NewEngine(Options{
			Learner:  learner,
			Probe:    probe,
			UseProbe: useProbe,
			Time:     clock,
			Tel:      tel,
		}),
		learner: learner,
		tel:     tel,
	}
}

func item(renewableNow bool, dueIso string) *bibkat.MediaItem {
	return &bibkat.MediaItem{
		MediaId:        "1001",
		Title:          "Der kleine Hobbit",
		DueDateIso:     dueIso,
		Renewable:      renewableNow,
		IsRenewableNow: renewableNow,
	}
}

func TestRenewNow(t *testing.T) {
	cases := []struct {
		name    string
		renewer *fakeRenewer
		kind    Kind
		message string
		newDue  string
	}{
		{
			name:    "confirmed with date",
			renewer: &fakeRenewer{res: bibkat.RenewResponse{Message: "Verlängert bis: 10.08.2025", NewDueDate: "2025-08-10"}},
			kind:    Renewed,
			message: "renewed until 10.08.2025",
			newDue:  "2025-08-10",
		},
		{
			name:    "confirmed without date",
			renewer: &fakeRenewer{res: bibkat.RenewResponse{Message: "OK"}},
			kind:    Renewed,
			message: "renewed",
		},
		{
			name:    "refused",
			renewer: &fakeRenewer{err: &bibkat.RenewalProtocolError{Reason: "no renew action offered"}},
			kind:    Failed,
			message: "renewal refused: no renew action offered",
		},
		{
			name:    "status",
			renewer: &fakeRenewer{err: &bibkat.NetworkError{Op: "renewal dialog", Status: 502}},
			kind:    Failed,
			message: "renewal request failed with status 502",
		},
		{
			name:    "transport",
			renewer: &fakeRenewer{err: &bibkat.NetworkError{Op: "renewal dialog", Err: errors.New("connection reset")}},
			kind:    Failed,
			message: "renewal request failed, the library could not be reached",
		},
	}

	for _, test := range cases {
		t.Run(test.name, func(t *testing.T) {
			f := setup(t, nil, false)
			out := f.engine.Renew(context.Background(), RenewRequest{
				LibraryUrl: library,
				Item:       item(true, "2025-07-13"),
				Client:     test.renewer,
			})
			require.Equal(t, test.kind, out.Kind)
			require.Equal(t, test.message, out.Message)
			require.Equal(t, test.newDue, out.NewDueDate)
			require.Equal(t, "Der kleine Hobbit", out.Title)
			require.Equal(t, []string{"1001"}, test.renewer.calls)
		})
	}
}

func TestRenewMissingItem(t *testing.T) {
	f := setup(t, nil, false)
	out := f.engine.Renew(context.Background(), RenewRequest{LibraryUrl: library})
	require.Equal(t, Failed, out.Kind)
	require.Equal(t, "not found", out.Message)
}

func TestNotYetRenewableFallback(t *testing.T) {
	f := setup(t, nil, false)
	renewer := &fakeRenewer{}

	out := f.engine.Renew(context.Background(), RenewRequest{
		LibraryUrl: library,
		Item:       item(false, "2025-07-20"),
		Client:     renewer,
	})
	require.Equal(t, NotYetRenewable, out.Kind)
	require.Equal(t, bibkat.SourceFallback, out.Source)
	require.Equal(t, chrono.Date(2025, 7, 14), out.RenewalDate)
	require.True(t, out.Estimate)
	require.Equal(t, "can be renewed from 14.07.2025 (estimate)", out.Message)
	require.Empty(t, renewer.calls)
}

func TestNotYetRenewableFromRule(t *testing.T) {
	f := setup(t, nil, false)
	require.NoError(t, f.learner.Update(library, 10))

	out := f.engine.Renew(context.Background(), RenewRequest{
		LibraryUrl: library,
		Item:       item(false, "2025-07-20"),
		Client:     &fakeRenewer{},
	})
	require.Equal(t, NotYetRenewable, out.Kind)
	require.Equal(t, bibkat.SourceRules, out.Source)
	require.Equal(t, chrono.Date(2025, 7, 10), out.RenewalDate)
	require.False(t, out.Estimate)
}

func TestNoDueDate(t *testing.T) {
	f := setup(t, nil, false)
	out := f.engine.Renew(context.Background(), RenewRequest{
		LibraryUrl: library,
		Item:       item(false, ""),
		Client:     &fakeRenewer{},
	})
	require.Equal(t, Failed, out.Kind)
	require.Equal(t, ErrNoDueDate.Error(), out.Message)
}

func TestProbe(t *testing.T) {
	t.Run("observed date wins and is learned", func(t *testing.T) {
		probe := &fakeProbe{available: true, opens: chrono.Date(2025, 7, 16)}
		f := setup(t, probe, true)
		require.NoError(t, f.learner.Update(library, 10))

		determination, err := f.engine.DetermineRenewalDate(context.Background(), library, *item(false, "2025-07-20"), Credentials{})
		require.NoError(t, err)
		require.Equal(t, Determination{Date: chrono.Date(2025, 7, 16), Source: bibkat.SourceBrowser}, determination)

		rule, ok := f.learner.Rule(library)
		require.True(t, ok)
		require.Equal(t, 4, rule.OffsetDays)
	})

	t.Run("printed due date is preferred for learning", func(t *testing.T) {
		probe := &fakeProbe{available: true, opens: chrono.Date(2025, 7, 16), due: chrono.Date(2025, 7, 23)}
		f := setup(t, probe, true)

		_, err := f.engine.DetermineRenewalDate(context.Background(), library, *item(false, "2025-07-20"), Credentials{})
		require.NoError(t, err)
		rule, _ := f.learner.Rule(library)
		require.Equal(t, 7, rule.OffsetDays)
	})

	t.Run("failure falls through", func(t *testing.T) {
		probe := &fakeProbe{available: true, err: errors.New("modal not found")}
		f := setup(t, probe, true)

		determination, err := f.engine.DetermineRenewalDate(context.Background(), library, *item(false, "2025-07-20"), Credentials{})
		require.NoError(t, err)
		require.Equal(t, bibkat.SourceFallback, determination.Source)
		require.Len(t, f.tel.Reports("warning", report_engine_probe), 1)
		_, ok := f.learner.Rule(library)
		require.False(t, ok)
	})

	t.Run("disabled or unavailable probes are not asked", func(t *testing.T) {
		for _, test := range []struct {
			available bool
			enabled   bool
		}{
			{available: true, enabled: false},
			{available: false, enabled: true},
		} {
			probe := &fakeProbe{available: test.available, opens: chrono.Date(2025, 7, 16)}
			f := setup(t, probe, test.enabled)

			determination, err := f.engine.DetermineRenewalDate(context.Background(), library, *item(false, "2025-07-20"), Credentials{})
			require.NoError(t, err)
			require.Equal(t, bibkat.SourceFallback, determination.Source)
			require.Equal(t, 0, probe.calls)
		}
	})
}

func TestUnavailableProbe(t *testing.T) {
	var probe RenewalDateProbe = UnavailableProbe{}
	require.False(t, probe.Available(context.Background()))
	_, _, err := probe.RenewalDate(context.Background(), ProbeRequest{})
	require.ErrorIs(t, err, ErrProbeUnavailable)
}
