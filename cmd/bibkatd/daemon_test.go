package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bibkat-backend/internal/app"
	"bibkat-backend/internal/components/chrono"
	"bibkat-backend/internal/components/pacing"
	"bibkat-backend/internal/components/telemetry"
	"bibkat-backend/internal/config"
	"bibkat-backend/internal/notify"
	"bibkat-backend/internal/orchestrator"
	"bibkat-backend/internal/scrapers/bibkat/fakesite"

	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*httptest.Server, *fakesite.Site) {
	site := fakesite.New()
	site.Passwords["111"] = "eins"
	site.Main["111"] = fakesite.MainPage(fakesite.Prefix, "0,00",
		fakesite.Item{Id: "1001", Title: "Momo", Due: "13.07.2025", Renewable: true},
	)
	site.Renewals["1001"] = "Verlängert bis: 10.08.2025"
	libraryUrl := site.Start(t)

	probe := false
	cfg := config.Config{
		LibraryUrl:    libraryUrl,
		StateDir:      t.TempDir(),
		ProbeSessions: &probe,
		Accounts:      []config.Account{{Username: "111", Password: "eins"}},
	}
	tel := telemetry.NewTestAPI(t)
	clock := chrono.NewFakeTime(time.Date(2025, 7, 10, 9, 0, 0, 0, chrono.Berlin))
	a, err := app.New(app.Options{Config: cfg, Tel: tel, Time: clock, Pacer: &pacing.Recorder{}})
	require.NoError(t, err)
	t.Cleanup(a.Close)

	d := newDaemon(a, notify.NewNotifier(config.Smtp{}, notify.Thresholds{DueSoonDays: 4}, clock, tel), tel)
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("bibkat_count 1\n"))
	})
	srv := httptest.NewServer(d.router("secret", metrics))
	t.Cleanup(srv.Close)
	return srv, site
}

func call(t *testing.T, srv *httptest.Server, method, path string, out any) int {
	req, err := http.NewRequest(method, srv.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(res.Body).Decode(out))
	}
	return res.StatusCode
}

func TestRoutes(t *testing.T) {
	srv, site := newTestServer(t)

	var failure errorResponse
	require.Equal(t, http.StatusNotFound, call(t, srv, http.MethodGet, "/status", &failure))
	require.Equal(t, "no media fetched yet", failure.Error)

	var result orchestrator.Result
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/tick", &result))
	require.Equal(t, 1, result.TotalBorrowed)

	var status orchestrator.Result
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/status", &status))
	require.Equal(t, "1001", status.AllMedia[0].MediaId)
	require.True(t, status.AllMedia[0].IsRenewableNow)

	var renewed orchestrator.RenewResult
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/renew/1001?account=boehl_111", &renewed))
	require.True(t, renewed.Success)
	require.Equal(t, "2025-08-10", renewed.NewDueDate)
	require.Len(t, site.Posts, 1)

	var bulk orchestrator.BulkRenewResult
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/renew-all?account=boehl_222", &bulk))
	require.Equal(t, "no renewable media found", bulk.Message)
}

func TestRoutesRequireToken(t *testing.T) {
	srv, _ := newTestServer(t)

	res, err := http.Post(srv.URL+"/tick", "application/json", nil)
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)

	// metrics stay public for scraping
	res, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "bibkat_count")
}

func TestInterval(t *testing.T) {
	reference := time.Date(2025, 7, 10, 9, 0, 0, 0, time.UTC)
	every, err := interval("0 */6 * * *", reference)
	require.NoError(t, err)
	require.Equal(t, 6*time.Hour, every)

	_, err = interval("not a schedule", reference)
	require.Error(t, err)
}

func TestSchedulerJitter(t *testing.T) {
	pacer := &pacing.Recorder{}
	runs := 0
	jobs, err := newScheduler("0 */6 * * *", pacer, func() { runs++ })
	require.NoError(t, err)

	jobs.run(context.Background())
	require.Equal(t, 1, runs)
	require.Equal(t, []pacing.Range{pacing.Between(0, 54*time.Minute)}, pacer.Ranges)
}

type recordingCron struct {
	specs     []string
	callbacks []func()
}

func (c *recordingCron) Cron(spec string, callback func()) error {
	c.specs = append(c.specs, spec)
	c.callbacks = append(c.callbacks, callback)
	return nil
}

func TestSchedulerStartRunsImmediately(t *testing.T) {
	pacer := &pacing.Recorder{}
	runs := make(chan struct{}, 2)
	jobs, err := newScheduler("0 */6 * * *", pacer, func() { runs <- struct{}{} })
	require.NoError(t, err)

	cron := &recordingCron{}
	require.NoError(t, jobs.start(context.Background(), cron))

	select {
	case <-runs:
	case <-time.After(5 * time.Second):
		t.Fatal("no cycle at startup")
	}
	require.Empty(t, pacer.Ranges)
	require.Equal(t, []string{"0 */6 * * *"}, cron.specs)

	cron.callbacks[0]()
	<-runs
	require.Len(t, pacer.Ranges, 1)
}
