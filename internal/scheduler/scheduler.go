/**
 * @description
 * Cron scheduler setup for the recovery sweeps. With Redis configured each run takes
 * a redislock lock first, so only one replica sweeps at a time.
 */
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const lockTTL = 2 * time.Minute

// Schedules holds the cron expression of every job.
type Schedules struct {
	ExpiredHolds      string
	ExpiredStrongAuth string
	StuckSagas        string
	Compensation      string
	Archive           string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron      *cron.Cron
	jobs      *Jobs
	locker    *redislock.Client
	logger    logrus.FieldLogger
	schedules Schedules
}

// NewScheduler creates a new scheduler instance. locker may be nil.
func NewScheduler(jobs *Jobs, locker *redislock.Client, logger logrus.FieldLogger, schedules Schedules) *Scheduler {
	cronLogger := cron.PrintfLogger(logger)
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:      c,
		jobs:      jobs,
		locker:    locker,
		logger:    logger.WithField("component", "scheduler"),
		schedules: schedules,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	s.add(JobExpiredHolds, s.schedules.ExpiredHolds, s.jobs.ExpireHolds)
	s.add(JobExpiredStrongAuth, s.schedules.ExpiredStrongAuth, s.jobs.ExpireStrongAuth)
	s.add(JobStuckSagas, s.schedules.StuckSagas, s.jobs.RecoverStuckSagas)
	s.add(JobCompensation, s.schedules.Compensation, s.jobs.CompensatePending)
	s.add(JobArchive, s.schedules.Archive, s.jobs.ArchiveClosedSagas)
	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) add(name, spec string, job func(context.Context)) {
	log := s.logger.WithFields(logrus.Fields{"job": name, "schedule": spec})
	if spec == "" {
		log.Warn("job has no schedule; not scheduled")
		return
	}
	if _, err := s.cron.AddFunc(spec, s.guarded(name, job)); err != nil {
		log.WithError(err).Error("failed to schedule job")
		return
	}
	log.Info("scheduled job")
}

// guarded runs job under the job's lock. A failure to reach Redis does not stop the
// sweep; every sweep action is conditional and safe to run concurrently.
func (s *Scheduler) guarded(name string, job func(context.Context)) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), lockTTL)
		defer cancel()
		log := s.logger.WithField("job", name)

		if s.locker != nil {
			lock, err := s.locker.Obtain(ctx, "scheduler:lock:"+name, lockTTL, nil)
			switch {
			case errors.Is(err, redislock.ErrNotObtained):
				log.Debug("another replica holds the job lock; skipping run")
				return
			case err != nil:
				log.WithError(err).Warn("error obtaining job lock; running without it")
			default:
				defer func() {
					if err := lock.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
						log.WithError(err).Warn("failed to release job lock")
					}
				}()
			}
		}

		job(ctx)
	}
}
