package batch

import (
	"context"
	"sync"
	"time"

	"github.com/mmdatafocus/settlement_backend/config"
	"github.com/mmdatafocus/settlement_backend/workflow"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Refresher renews the custodian access token.
type Refresher interface {
	Refresh(ctx context.Context) error
}

type Stats struct {
	Total   int `json:"total"`
	Settled int `json:"settled"`
	Pending int `json:"pending"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
	Waves   int `json:"waves"`
}

func (s *Stats) add(out workflow.Outcome, err error) {
	switch {
	case err != nil:
		s.Failed++
	case out.Result == workflow.ResultSettled:
		s.Settled++
	case out.Result == workflow.ResultPendingHash:
		s.Pending++
	case out.Result == workflow.ResultRejected || out.Result == workflow.ResultPermanent:
		s.Failed++
	default:
		s.Skipped++
	}
}

type WaveConfig struct {
	Size         int
	RefreshEvery time.Duration
	Logger       *logrus.Logger
	now          func() time.Time
}

// RunWaves runs fn over items in waves of cfg.Size. Each wave runs in parallel and is awaited
// before the next starts. The token is refreshed before a wave once RefreshEvery of job time has passed.
func RunWaves[T any](ctx context.Context, items []T, cfg WaveConfig, refresher Refresher, fn func(ctx context.Context, item T) (workflow.Outcome, error)) (Stats, error) {
	size := cfg.Size
	if size <= 0 {
		size = 10
	}
	refreshEvery := cfg.RefreshEvery
	if refreshEvery <= 0 {
		refreshEvery = 50 * time.Minute
	}
	now := cfg.now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = config.GetLogger()
	}

	stats := Stats{Total: len(items)}
	lastRefresh := now()
	var mu sync.Mutex

	for start := 0; start < len(items); start += size {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if refresher != nil && now().Sub(lastRefresh) >= refreshEvery {
			if err := refresher.Refresh(ctx); err != nil {
				logger.WithField("field", "Batch").WithError(err).Warn("token refresh failed; continuing with current token")
			} else {
				lastRefresh = now()
			}
		}

		end := start + size
		if end > len(items) {
			end = len(items)
		}
		var g errgroup.Group
		for _, item := range items[start:end] {
			item := item
			g.Go(func() error {
				out, err := fn(ctx, item)
				mu.Lock()
				stats.add(out, err)
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
		stats.Waves++
	}
	return stats, nil
}
