// Package pacing inserts the randomized delays between requests that keep the scraper from
// hammering the library website.
package pacing

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// Range is an inclusive [Min, Max] delay.
type Range struct {
	Min time.Duration
	Max time.Duration
}

func Between(min, max time.Duration) Range {
	return Range{Min: min, Max: max}
}

// Pacer waits for a random duration inside a range.
//
// note: fault injection point
type Pacer interface {
	// Pause blocks until the delay elapsed or ctx is done, in which case ctx.Err() is returned.
	Pause(ctx context.Context, r Range) error
}

// RandomPacer sleeps for a uniformly distributed duration.
type RandomPacer struct {
	mutex sync.Mutex
	rng   *rand.Rand
}

func NewRandomPacer() *RandomPacer {
	return &RandomPacer{
		rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// Pick returns a random duration inside r without waiting.
func (p *RandomPacer) Pick(r Range) time.Duration {
	if r.Max <= r.Min {
		return r.Min
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return r.Min + time.Duration(p.rng.Int64N(int64(r.Max-r.Min)+1))
}

func (p *RandomPacer) Pause(ctx context.Context, r Range) error {
	delay := p.Pick(r)
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Recorder is a Pacer for tests, it never sleeps and remembers every requested range.
type Recorder struct {
	mutex  sync.Mutex
	Ranges []Range
	// OnPause, if set, runs on every pause before the context is checked.
	OnPause func(n int)
}

func (r *Recorder) Pause(ctx context.Context, rng Range) error {
	r.mutex.Lock()
	r.Ranges = append(r.Ranges, rng)
	n := len(r.Ranges)
	hook := r.OnPause
	r.mutex.Unlock()

	if hook != nil {
		hook(n)
	}
	return ctx.Err()
}

func (r *Recorder) Count() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.Ranges)
}
