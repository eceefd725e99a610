// Package scheduler runs the relay's background jobs on fixed daily hours
// (check-in) or plain intervals (primary probe). It is deliberately small;
// the two schedule shapes the relay needs do not warrant a cron engine.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wafrelay/wafrelay/internal/logging"
)

type job struct {
	name string
	next func(time.Time) time.Time
	run  func(context.Context)

	mu      sync.Mutex
	nextRun time.Time
}

// Scheduler owns a set of background jobs. Add jobs before Start.
type Scheduler struct {
	jobs []*job
	now  func() time.Time
}

func New() *Scheduler {
	return &Scheduler{now: time.Now}
}

// AddDaily schedules run at the given minute of each listed hour, every day.
// hours must be sorted ascending.
func (s *Scheduler) AddDaily(name string, hours []int, minute int, run func(context.Context)) {
	hrs := append([]int(nil), hours...)
	s.jobs = append(s.jobs, &job{
		name: name,
		next: func(now time.Time) time.Time { return nextDaily(now, hrs, minute) },
		run:  run,
	})
}

// AddInterval schedules run every interval, starting one interval from Start.
func (s *Scheduler) AddInterval(name string, interval time.Duration, run func(context.Context)) {
	s.jobs = append(s.jobs, &job{
		name: name,
		next: func(now time.Time) time.Time { return now.Add(interval) },
		run:  run,
	})
}

// Start launches one goroutine per job and returns. Jobs stop when ctx is
// cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	for _, j := range s.jobs {
		go s.runJob(ctx, j)
	}
	logging.Info("scheduler started", zap.Int("jobs", len(s.jobs)))
}

func (s *Scheduler) runJob(ctx context.Context, j *job) {
	for {
		next := j.next(s.now())
		j.mu.Lock()
		j.nextRun = next
		j.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(s.now())):
			logging.Info("running scheduled job", zap.String("job", j.name))
			j.run(ctx)
		}
	}
}

// NextRuns reports each job's next fire time, for the health endpoint.
// Before Start the times are zero.
func (s *Scheduler) NextRuns() map[string]time.Time {
	out := make(map[string]time.Time, len(s.jobs))
	for _, j := range s.jobs {
		j.mu.Lock()
		out[j.name] = j.nextRun
		j.mu.Unlock()
	}
	return out
}

// nextDaily returns the first hour:minute combination strictly after now,
// today or tomorrow.
func nextDaily(now time.Time, hours []int, minute int) time.Time {
	for day := 0; day <= 1; day++ {
		d := now.AddDate(0, 0, day)
		for _, h := range hours {
			candidate := time.Date(d.Year(), d.Month(), d.Day(), h, minute, 0, 0, now.Location())
			if candidate.After(now) {
				return candidate
			}
		}
	}
	// Unreachable with a non-empty hour list.
	return now.Add(24 * time.Hour)
}
