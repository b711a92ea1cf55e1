package batch

import (
	"context"
	"time"

	"github.com/mmdatafocus/settlement_backend/config"
	"github.com/mmdatafocus/settlement_backend/models"
	"github.com/mmdatafocus/settlement_backend/utils"
	"github.com/mmdatafocus/settlement_backend/workflow"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var backfillNamespace = uuid.MustParse("b5f0e2a4-1c8d-4a7e-9f3b-2d6c8e1a4b70")

// BackfillEventId is the stable event id a batch job uses for a user it settles first.
func BackfillEventId(job string, userId string) string {
	return uuid.NewSHA1(backfillNamespace, []byte(job+":"+userId)).String()
}

type Config struct {
	WaveSize       int
	TokenRefresh   time.Duration
	Window         time.Duration
	ReconcileLimit int
}

func ConfigFromSettings(s config.Settings) Config {
	return Config{
		WaveSize:       s.BatchWaveSize,
		TokenRefresh:   s.BatchTokenRefresh,
		Window:         s.BatchWindow,
		ReconcileLimit: 500,
	}
}

// Jobs are the settlement backfills. They enter the pipeline at the machine, not the queue.
type Jobs struct {
	store     *models.Store
	machine   *workflow.Machine
	policies  workflow.Policies
	refresher Refresher
	cfg       Config
	logger    *logrus.Logger
	now       func() time.Time
}

func NewJobs(store *models.Store, machine *workflow.Machine, policies workflow.Policies, refresher Refresher, cfg Config) *Jobs {
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	return &Jobs{
		store:     store,
		machine:   machine,
		policies:  policies,
		refresher: refresher,
		cfg:       cfg,
		logger:    config.GetLogger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (j *Jobs) SetReconcileLimit(limit int) {
	j.cfg.ReconcileLimit = limit
}

func (j *Jobs) waves() WaveConfig {
	return WaveConfig{Size: j.cfg.WaveSize, RefreshEvery: j.cfg.TokenRefresh, Logger: j.logger}
}

func (j *Jobs) log(job string, stats Stats, err error) {
	entry := j.logger.WithFields(logrus.Fields{
		"field":   "Batch",
		"job":     job,
		"total":   stats.Total,
		"settled": stats.Settled,
		"pending": stats.Pending,
		"skipped": stats.Skipped,
		"failed":  stats.Failed,
		"waves":   stats.Waves,
	})
	if err != nil {
		entry.WithError(err).Error("batch job stopped")
		return
	}
	entry.Info("batch job finished")
}

// SignupRewardBackfill settles the signup reward of users created inside the window that have none.
// A user with an unfinished record is resumed under that record's event id.
func (j *Jobs) SignupRewardBackfill(ctx context.Context) (Stats, error) {
	ctx = utils.SetSourceInContext(ctx, utils.SourceBatch)
	users, err := j.store.UsersMissingSignupReward(ctx, j.now().Add(-j.cfg.Window))
	if err != nil {
		return Stats{}, err
	}
	stats, err := RunWaves(ctx, users, j.waves(), j.refresher, func(ctx context.Context, u models.User) (workflow.Outcome, error) {
		eventId := BackfillEventId("signup", u.Id)
		existing, err := j.store.FindByConflictKey(ctx, models.ActionKindSignupReward, "signup:"+u.Id)
		if err != nil {
			return workflow.Outcome{}, err
		}
		if existing != nil && existing.EventId != "" {
			eventId = existing.EventId
		}
		return j.machine.Run(ctx, j.policies.SignupReward, workflow.Intent{
			EventId:         eventId,
			RecipientUserId: u.Id,
		})
	})
	j.log("signup_reward_backfill", stats, err)
	return stats, err
}

// LinkRewardBackfill pays sponsors of users created inside the window.
func (j *Jobs) LinkRewardBackfill(ctx context.Context) (Stats, error) {
	ctx = utils.SetSourceInContext(ctx, utils.SourceBatch)
	users, err := j.store.SponsoredUsersMissingLinkReward(ctx, j.now().Add(-j.cfg.Window))
	if err != nil {
		return Stats{}, err
	}
	stats, err := RunWaves(ctx, users, j.waves(), j.refresher, func(ctx context.Context, u models.User) (workflow.Outcome, error) {
		if u.SponsorId == nil {
			return workflow.Outcome{Processed: true, Result: workflow.ResultSkipped}, nil
		}
		return j.machine.Run(ctx, j.policies.LinkReward, workflow.Intent{
			EventId:         BackfillEventId("link", u.Id),
			SponsorId:       *u.SponsorId,
			SponsoredUserId: u.Id,
			RecipientUserId: *u.SponsorId,
		})
	})
	j.log("link_reward_backfill", stats, err)
	return stats, err
}

// PendingHashReconcile polls every PENDING_HASH record, oldest first.
func (j *Jobs) PendingHashReconcile(ctx context.Context) (Stats, error) {
	ctx = utils.SetSourceInContext(ctx, utils.SourceBatch)
	recs, err := j.store.ListByStatus(ctx, models.ActionStatusPendingHash, time.Time{}, j.cfg.ReconcileLimit)
	if err != nil {
		return Stats{}, err
	}
	stats, err := RunWaves(ctx, recs, j.waves(), j.refresher, func(ctx context.Context, rec models.ActionRecord) (workflow.Outcome, error) {
		return j.machine.Poll(ctx, &rec)
	})
	j.log("pending_hash_reconcile", stats, err)
	return stats, err
}
