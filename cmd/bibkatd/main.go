package main

import (
	"flag"
	"log/slog"

	"bibkat-backend/internal/app"
	"bibkat-backend/internal/components/chrono"
	"bibkat-backend/internal/components/pacing"
	"bibkat-backend/internal/components/telemetry"
	"bibkat-backend/internal/config"
	"bibkat-backend/internal/notify"
	"bibkat-backend/lib/util/serviceutil"
)

func main() {
	configPath := flag.String("config", "config.json5", "The config file to read.")
	verbose := flag.Bool("v", false, "Enable verbose logging.")
	flag.Parse()

	ctx := serviceutil.SignalContext()

	cfg, err := config.Load(*configPath)
	if err != nil {
		serviceutil.Fatal("read config", err)
	}
	telemetry.InitSlog(*verbose || cfg.Verbose)

	metrics := telemetry.NewPrometheusAPI(telemetry.SlogAPI{})
	a, err := app.New(app.Options{Config: cfg, Tel: metrics})
	if err != nil {
		serviceutil.Fatal("init app", err)
	}
	defer a.Close()

	notifier := notify.NewNotifier(cfg.Smtp, notify.Thresholds{
		DueSoonDays: cfg.DueSoonDays,
		Balance:     cfg.BalanceThreshold,
	}, a.Time, metrics)

	d := newDaemon(a, notifier, metrics)

	cron := chrono.NewStandardCron(metrics)
	defer cron.Stop()
	jobs, err := newScheduler(cfg.Schedule, pacing.NewRandomPacer(), func() {
		d.cycle(ctx)
	})
	if err != nil {
		serviceutil.Fatal("parse schedule", err)
	}
	err = jobs.start(ctx, cron)
	if err != nil {
		serviceutil.Fatal("schedule fetch cycle", err)
	}
	slog.Info("fetch cycles scheduled", "schedule", cfg.Schedule, "library", cfg.LibraryUrl)

	err = serviceutil.ServeHttp(ctx, cfg.ListenAddr, d.router(cfg.AccessToken, metrics.Handler()))
	if err != nil {
		serviceutil.Fatal("serve http", err)
	}
}
