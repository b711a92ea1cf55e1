package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mmdatafocus/settlement_backend/workflow"
)

func TestRunWaves_BoundsParallelismPerWave(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6, 7}
	var inFlight, maxInFlight int32
	stats, err := RunWaves(context.Background(), items, WaveConfig{Size: 3}, nil, func(ctx context.Context, n int) (workflow.Outcome, error) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			prev := atomic.LoadInt32(&maxInFlight)
			if cur <= prev || atomic.CompareAndSwapInt32(&maxInFlight, prev, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return workflow.Outcome{Processed: true, Result: workflow.ResultSettled}, nil
	})
	if err != nil {
		t.Fatalf("RunWaves: %v", err)
	}
	if stats.Waves != 3 || stats.Total != 7 || stats.Settled != 7 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if got := atomic.LoadInt32(&maxInFlight); got > 3 {
		t.Fatalf("expected at most 3 in flight, got %d", got)
	}
}

func TestRunWaves_WaitsForWaveBeforeNext(t *testing.T) {
	items := []int{0, 1, 2, 3}
	var mu sync.Mutex
	var order []int
	_, err := RunWaves(context.Background(), items, WaveConfig{Size: 2}, nil, func(ctx context.Context, n int) (workflow.Outcome, error) {
		if n < 2 {
			time.Sleep(20 * time.Millisecond)
		}
		mu.Lock()
		order = append(order, n)
		mu.Unlock()
		return workflow.Outcome{Processed: true, Result: workflow.ResultSettled}, nil
	})
	if err != nil {
		t.Fatalf("RunWaves: %v", err)
	}
	for i, n := range order[:2] {
		if n >= 2 {
			t.Fatalf("second wave item finished before the first wave at %d: %v", i, order)
		}
	}
}

func TestRunWaves_CountsOutcomes(t *testing.T) {
	results := []workflow.Result{
		workflow.ResultSettled,
		workflow.ResultPendingHash,
		workflow.ResultConflict,
		workflow.ResultAlreadySettled,
		workflow.ResultPermanent,
		"",
	}
	stats, err := RunWaves(context.Background(), []int{0, 1, 2, 3, 4, 5}, WaveConfig{Size: 4}, nil, func(ctx context.Context, n int) (workflow.Outcome, error) {
		if n == 5 {
			return workflow.Outcome{}, errors.New("custodian down")
		}
		return workflow.Outcome{Processed: true, Result: results[n]}, nil
	})
	if err != nil {
		t.Fatalf("RunWaves: %v", err)
	}
	if stats.Settled != 1 || stats.Pending != 1 || stats.Skipped != 2 || stats.Failed != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestRunWaves_RefreshesTokenAfterInterval(t *testing.T) {
	var mu sync.Mutex
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}
	refresher := &countingRefresher{}
	cfg := WaveConfig{Size: 1, RefreshEvery: 50 * time.Minute, now: now}
	_, err := RunWaves(context.Background(), []int{1, 2, 3, 4}, cfg, refresher, func(ctx context.Context, n int) (workflow.Outcome, error) {
		mu.Lock()
		clock = clock.Add(20 * time.Minute)
		mu.Unlock()
		return workflow.Outcome{Processed: true, Result: workflow.ResultSettled}, nil
	})
	if err != nil {
		t.Fatalf("RunWaves: %v", err)
	}
	if refresher.calls != 1 {
		t.Fatalf("expected one refresh across 80 minutes, got %d", refresher.calls)
	}
}

func TestRunWaves_StopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int32
	stats, err := RunWaves(ctx, []int{1, 2, 3, 4}, WaveConfig{Size: 2}, nil, func(ctx context.Context, n int) (workflow.Outcome, error) {
		atomic.AddInt32(&calls, 1)
		cancel()
		return workflow.Outcome{Processed: true, Result: workflow.ResultSettled}, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if stats.Waves != 1 || atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected only the first wave to run, got %+v calls=%d", stats, calls)
	}
}
