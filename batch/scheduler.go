package batch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mmdatafocus/settlement_backend/config"
	"github.com/mmdatafocus/settlement_backend/workflow"

	"github.com/sirupsen/logrus"
)

type Job struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) (Stats, error)
}

// Scheduler runs jobs on tickers. A cluster-wide lock per job lets one instance run each tick.
type Scheduler struct {
	jobs    []Job
	locker  workflow.KeyLocker
	timeout time.Duration
	logger  *logrus.Logger
}

func NewScheduler(locker workflow.KeyLocker, jobs ...Job) *Scheduler {
	if locker == nil {
		locker = workflow.NoopLocker{}
	}
	return &Scheduler{jobs: jobs, locker: locker, timeout: 2 * time.Hour, logger: config.GetLogger()}
}

func (j *Jobs) Standard(s config.Settings) []Job {
	return []Job{
		{Name: "signup_reward_backfill", Every: s.SignupBackfillEvery, Run: j.SignupRewardBackfill},
		{Name: "link_reward_backfill", Every: s.LinkBackfillEvery, Run: j.LinkRewardBackfill},
		{Name: "pending_hash_reconcile", Every: s.ReconcileEvery, Run: j.PendingHashReconcile},
	}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, job := range s.jobs {
		if job.Every <= 0 || job.Run == nil {
			continue
		}
		job := job
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(job.Every)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					_, _, _ = s.Tick(ctx, job)
				}
			}
		}()
	}
	wg.Wait()
}

// Tick runs job unless another instance holds its lock for this period.
// The lock is left to expire so later ticks inside the same period are skipped.
func (s *Scheduler) Tick(ctx context.Context, job Job) (Stats, bool, error) {
	log := s.logger.WithFields(logrus.Fields{"field": "Scheduler", "job": job.Name})
	ttl := job.Every * 9 / 10
	if ttl <= 0 {
		ttl = time.Minute
	}
	_, err := s.locker.Lock(ctx, "BatchJob:"+job.Name, ttl)
	if errors.Is(err, workflow.ErrKeyBusy) {
		log.Debug("job already running elsewhere")
		return Stats{}, false, nil
	}
	if err != nil {
		log.WithError(err).Warn("job lock unavailable; running anyway")
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	stats, err := job.Run(runCtx)
	if err != nil {
		config.LogError(s.logger, "scheduler.go", "Tick", "Running batch job "+job.Name, stats, err)
	}
	return stats, true, err
}
