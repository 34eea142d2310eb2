package scheduler

import (
	"context"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"
)

func TestSchedulerSkipsJobsWithoutSchedule(t *testing.T) {
	f := newTestJobs(t)
	logger, _ := logtest.NewNullLogger()
	s := NewScheduler(f.jobs, nil, logger, Schedules{
		ExpiredHolds:      "@every 60s",
		ExpiredStrongAuth: "@every 30s",
		StuckSagas:        "@every 5m",
		Archive:           "0 3 * * *",
	})
	s.Start()
	<-s.Stop().Done()

	if got := len(s.cron.Entries()); got != 4 {
		t.Fatalf("expected 4 scheduled jobs, got %d", got)
	}
}

func TestGuardedRunsWithoutLocker(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	s := NewScheduler(newTestJobs(t).jobs, nil, logger, Schedules{})

	runs := 0
	s.guarded(JobArchive, func(ctx context.Context) {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("expected job context to carry a deadline")
		}
		runs++
	})()

	if runs != 1 {
		t.Fatalf("expected one run, got %d", runs)
	}
}
