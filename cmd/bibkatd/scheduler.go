package main

import (
	"context"
	"time"

	"bibkat-backend/internal/components/chrono"
	"bibkat-backend/internal/components/pacing"

	"github.com/robfig/cron/v3"
)

// scheduled cycles start after a random delay of up to this percentage of the schedule interval
const jitterPercent = 15

type scheduler struct {
	spec   string
	jitter pacing.Range
	pacer  pacing.Pacer
	job    func()
}

// interval is the time between two runs of a cron schedule, measured after the reference time.
func interval(spec string, reference time.Time) (time.Duration, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return 0, err
	}
	first := schedule.Next(reference)
	return schedule.Next(first).Sub(first), nil
}

func newScheduler(spec string, pacer pacing.Pacer, job func()) (scheduler, error) {
	every, err := interval(spec, time.Now())
	if err != nil {
		return scheduler{}, err
	}
	maxDelay := every * jitterPercent / 100
	return scheduler{
		spec:   spec,
		jitter: pacing.Between(0, maxDelay),
		pacer:  pacer,
		job:    job,
	}, nil
}

func (s scheduler) run(ctx context.Context) {
	err := s.pacer.Pause(ctx, s.jitter)
	if err != nil {
		return
	}
	s.job()
}

// start registers the job with cron and runs it once right away without jitter, so that a freshly
// started daemon has a result before the first tick.
func (s scheduler) start(ctx context.Context, cronApi chrono.CronAPI) error {
	err := cronApi.Cron(s.spec, func() {
		s.run(ctx)
	})
	if err != nil {
		return err
	}
	go s.job()
	return nil
}
