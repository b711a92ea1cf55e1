package batch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/mmdatafocus/settlement_backend/models"
	"github.com/mmdatafocus/settlement_backend/wallet"
	"github.com/mmdatafocus/settlement_backend/workflow"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) *models.Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:batch_%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := models.MigrateTable(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return models.NewStore(db)
}

type fakeWallet struct {
	mu       sync.Mutex
	submits  []wallet.SubmitRequest
	polls    int
	submitFn func(req wallet.SubmitRequest) (wallet.SubmitResult, error)
	pollFn   func(hash string) (string, error)
}

func (w *fakeWallet) ResolveAddress(ctx context.Context, userId string) (string, error) {
	return "0x" + strings.Repeat("ab", 20), nil
}

func (w *fakeWallet) Submit(ctx context.Context, req wallet.SubmitRequest) (wallet.SubmitResult, error) {
	w.mu.Lock()
	w.submits = append(w.submits, req)
	fn := w.submitFn
	w.mu.Unlock()
	if fn == nil {
		return wallet.SubmitResult{TxHash: "0xabc"}, nil
	}
	return fn(req)
}

func (w *fakeWallet) PollStatus(ctx context.Context, hash string) (string, error) {
	w.mu.Lock()
	w.polls++
	fn := w.pollFn
	w.mu.Unlock()
	if fn == nil {
		return "", wallet.ErrPending
	}
	return fn(hash)
}

func (w *fakeWallet) IsPermanent(err error) bool {
	return wallet.StatusCode(err) == 422
}

func (w *fakeWallet) submitted() []wallet.SubmitRequest {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]wallet.SubmitRequest(nil), w.submits...)
}

type countingRefresher struct {
	mu    sync.Mutex
	calls int
}

func (r *countingRefresher) Refresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return nil
}

func testPolicies() workflow.Policies {
	return workflow.Policies{
		SignupReward: workflow.SignupRewardPolicy(decimal.NewFromInt(100), "USDT", 137, "rewards"),
		LinkReward:   workflow.LinkRewardPolicy(decimal.NewFromInt(25), "USDT", 137, "rewards"),
		Transfer:     workflow.TransferPolicy("USDT", 137),
	}
}

type jobHarness struct {
	store   *models.Store
	wallet  *fakeWallet
	machine *workflow.Machine
	jobs    *Jobs
}

func newJobHarness(t *testing.T) *jobHarness {
	t.Helper()
	h := &jobHarness{store: newTestStore(t), wallet: &fakeWallet{}}
	h.machine = workflow.NewMachine(workflow.MachineConfig{Store: h.store, Wallet: h.wallet})
	h.jobs = NewJobs(h.store, h.machine, testPolicies(), &countingRefresher{}, Config{WaveSize: 2})
	return h
}

func (h *jobHarness) addUser(t *testing.T, id string, sponsor string) {
	t.Helper()
	u := &models.User{Id: id, DisplayName: id}
	if sponsor != "" {
		u.SponsorId = models.StringPtr(sponsor)
	}
	if _, err := h.store.UpsertUser(context.Background(), u); err != nil {
		t.Fatalf("upsert user %s: %v", id, err)
	}
}

func (h *jobHarness) count(t *testing.T, kind models.ActionKind, status models.ActionStatus) int64 {
	t.Helper()
	var n int64
	q := h.store.DB().Model(&models.ActionRecord{}).Where("kind = ?", kind)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}
