// Package app wires the components shared by the daemon and the cli.
package app

import (
	"context"
	"errors"
	"fmt"

	"bibkat-backend/internal/accounts"
	"bibkat-backend/internal/components/chrono"
	"bibkat-backend/internal/components/kvstore"
	"bibkat-backend/internal/components/pacing"
	"bibkat-backend/internal/components/telemetry"
	"bibkat-backend/internal/config"
	"bibkat-backend/internal/orchestrator"
	"bibkat-backend/internal/renewal"
	"bibkat-backend/internal/renewal/rodprobe"
	"bibkat-backend/internal/rules"
	"bibkat-backend/internal/sessions"
	"bibkat-backend/lib/restyutil"
)

const report_app_library = "app.library"

var ErrNoLibrary = errors.New("no library url configured, set library_url or BIBKAT_LIBRARY_URL")

type Options struct {
	Config config.Config
	Tel    telemetry.API
	// Time and Pacer default to the real clock and random pauses.
	Time  chrono.TimeAPI
	Pacer pacing.Pacer
}

type App struct {
	Config       config.Config
	Store        *kvstore.Store
	Accounts     *accounts.Store
	Learner      *rules.Learner
	Sessions     *sessions.Manager
	Engine       *renewal.Engine
	Orchestrator *orchestrator.Orchestrator
	Time         chrono.TimeAPI
	Tel          telemetry.API

	library accounts.Library
}

func New(opts Options) (*App, error) {
	cfg := opts.Config
	timeApi := opts.Time
	if timeApi == nil {
		timeApi = chrono.StandardTime{}
	}
	pacer := opts.Pacer
	if pacer == nil {
		pacer = pacing.NewRandomPacer()
	}

	store, err := kvstore.Open(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	app := &App{
		Config:   cfg,
		Store:    store,
		Accounts: accounts.NewStore(store),
		Time:     timeApi,
		Tel:      opts.Tel,
	}

	library, err := app.Library()
	if err != nil {
		return nil, err
	}
	if library.Url == "" {
		return nil, ErrNoLibrary
	}
	app.library = library

	var dumper *restyutil.Dumper
	if cfg.DumpHttpDir != "" {
		output, err := restyutil.NewFilesystemOutput(cfg.DumpHttpDir)
		if err != nil {
			return nil, fmt.Errorf("preparing http dump dir: %w", err)
		}
		dumper = restyutil.NewDumper(output)
	}

	app.Learner = rules.NewLearner(store, timeApi, opts.Tel)
	app.Sessions = sessions.NewManager(sessions.Options{
		Timeout:           cfg.SessionTimeout.Std(),
		Probe:             cfg.ProbeSessions == nil || *cfg.ProbeSessions,
		RequestTimeout:    cfg.RequestTimeout.Std(),
		RequestsPerSecond: cfg.RequestsPerSecond,
		Dump:              dumper,
		Store:             store,
		Time:              timeApi,
		Pacer:             pacer,
		Tel:               opts.Tel,
	})

	var probe renewal.RenewalDateProbe = renewal.UnavailableProbe{}
	if cfg.UseBrowser {
		probe = rodprobe.New(rodprobe.Options{
			Bin:  cfg.BrowserBin,
			Time: timeApi,
			Tel:  opts.Tel,
		})
	}
	app.Engine = renewal.NewEngine(renewal.Options{
		Learner:  app.Learner,
		Probe:    probe,
		UseProbe: cfg.UseBrowser,
		Time:     timeApi,
		Tel:      opts.Tel,
	})

	app.Orchestrator = orchestrator.New(orchestrator.Options{
		LibraryUrl: library.Url,
		Sessions:   app.Sessions,
		Engine:     app.Engine,
		Learner:    app.Learner,
		Time:       timeApi,
		Pacer:      pacer,
		Tel:        opts.Tel,
	})
	return app, nil
}

// Library returns the configured accounts with the accounts managed through the cli on top.
func (a *App) Library() (accounts.Library, error) {
	stored, err := a.Accounts.Load(a.Config.LibraryUrl)
	if err != nil {
		return accounts.Library{}, fmt.Errorf("loading accounts: %w", err)
	}
	return accounts.Merge(a.Config.Library(), stored), nil
}

// FetchAll runs a fetch cycle over the current accounts of the library.
func (a *App) FetchAll(ctx context.Context) (orchestrator.Result, error) {
	library, err := a.Library()
	if err != nil {
		return orchestrator.Result{}, err
	}
	if library.Url != a.library.Url {
		a.Tel.ReportWarning(report_app_library, fmt.Errorf("library url changed to %s, restart to apply", library.Url))
	}
	if len(library.Enabled()) == 0 {
		return orchestrator.Result{}, fmt.Errorf("no enabled accounts for %s", a.library.Url)
	}
	for i := range library.Accounts {
		library.Accounts[i].LibraryUrl = a.library.Url
	}
	return a.Orchestrator.FetchAll(ctx, library.Accounts)
}

func (a *App) Close() {
	a.Sessions.Close()
}
