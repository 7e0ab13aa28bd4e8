package main

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"bibkat-backend/internal/app"
	"bibkat-backend/internal/components/telemetry"
	"bibkat-backend/internal/notify"
	"bibkat-backend/internal/orchestrator"
	"bibkat-backend/lib/util/serviceutil"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
)

const (
	report_daemon_cycle  = "daemon.cycle"
	report_daemon_notify = "daemon.notify"
	report_daemon_encode = "daemon.encode"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type daemon struct {
	app      *app.App
	notifier *notify.Notifier
	tel      telemetry.API

	// running is held while a cycle runs so that a tick does not queue up behind the cron job
	running sync.Mutex
}

func newDaemon(a *app.App, notifier *notify.Notifier, tel telemetry.API) *daemon {
	return &daemon{app: a, notifier: notifier, tel: tel}
}

var errCycleRunning = errors.New("a fetch cycle is already running")

// cycle fetches every account and mails the digest of the result.
func (d *daemon) cycle(ctx context.Context) (orchestrator.Result, error) {
	if !d.running.TryLock() {
		return orchestrator.Result{}, errCycleRunning
	}
	defer d.running.Unlock()

	result, err := d.app.FetchAll(ctx)
	if err != nil {
		d.tel.ReportWarning(report_daemon_cycle, err)
		return result, err
	}
	d.tel.ReportDebug("fetch cycle done", "borrowed", result.TotalBorrowed)

	_, err = d.notifier.Notify(ctx, result)
	if err != nil {
		d.tel.ReportWarning(report_daemon_notify, err)
	}
	return result, nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func (d *daemon) writeJson(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(value)
	if err != nil {
		d.tel.ReportWarning(report_daemon_encode, err)
	}
}

func (d *daemon) status(w http.ResponseWriter, _ *http.Request) {
	last, ok := d.app.Orchestrator.Last()
	if !ok {
		d.writeJson(w, http.StatusNotFound, errorResponse{Error: "no media fetched yet"})
		return
	}
	d.writeJson(w, http.StatusOK, last)
}

func (d *daemon) tick(w http.ResponseWriter, r *http.Request) {
	result, err := d.cycle(r.Context())
	switch {
	case errors.Is(err, errCycleRunning):
		d.writeJson(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case err != nil:
		d.writeJson(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
	default:
		d.writeJson(w, http.StatusOK, result)
	}
}

func (d *daemon) renew(w http.ResponseWriter, r *http.Request) {
	res := d.app.Orchestrator.RenewMedia(r.Context(), chi.URLParam(r, "mediaId"), r.URL.Query().Get("account"))
	d.writeJson(w, http.StatusOK, res)
}

func (d *daemon) renewAll(w http.ResponseWriter, r *http.Request) {
	res := d.app.Orchestrator.RenewAll(r.Context(), r.URL.Query().Get("account"))
	d.writeJson(w, http.StatusOK, res)
}

func (d *daemon) router(accessToken string, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", metrics)

	r.Group(func(r chi.Router) {
		r.Use(serviceutil.VerifyAccessToken(accessToken))
		r.Get("/status", d.status)
		r.Post("/tick", d.tick)
		r.Post("/renew/{mediaId}", d.renew)
		r.Post("/renew-all", d.renewAll)
	})
	return r
}
