package workflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/settlement_backend/config"
	"github.com/mmdatafocus/settlement_backend/models"
	"github.com/mmdatafocus/settlement_backend/wallet"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) *models.Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:wf_%s?mode=memory&cache=shared", name)
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

// fakeWallet records submissions and answers from scripted functions.
type fakeWallet struct {
	mu         sync.Mutex
	submits    []wallet.SubmitRequest
	polls      []string
	resolves   int
	resolved   []string
	resolveErr error
	submitFn   func(req wallet.SubmitRequest) (wallet.SubmitResult, error)
	pollFn     func(hash string) (string, error)
}

func (w *fakeWallet) ResolveAddress(ctx context.Context, userId string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.resolves++
	w.resolved = append(w.resolved, userId)
	if w.resolveErr != nil {
		return "", w.resolveErr
	}
	return addressFor(userId), nil
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
	w.polls = append(w.polls, hash)
	fn := w.pollFn
	w.mu.Unlock()
	if fn == nil {
		return "", wallet.ErrPending
	}
	return fn(hash)
}

func (w *fakeWallet) IsPermanent(err error) bool {
	return wallet.StatusCode(err) == http.StatusUnprocessableEntity
}

func (w *fakeWallet) submitCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.submits)
}

// addressFor derives a stable 20-byte hex address from a user id.
func addressFor(userId string) string {
	var b strings.Builder
	b.WriteString("0x")
	for i := 0; b.Len() < 42; i++ {
		b.WriteString(fmt.Sprintf("%02x", userId[i%len(userId)]))
	}
	return b.String()[:42]
}

type recordingNotifier struct {
	mu   sync.Mutex
	recs []models.ActionRecord
	err  error
}

func (n *recordingNotifier) Notify(ctx context.Context, rec models.ActionRecord) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.recs = append(n.recs, rec)
	return n.err
}

type busyLocker struct{}

func (busyLocker) Lock(context.Context, string, time.Duration) (func(), error) {
	return nil, ErrKeyBusy
}

type brokenLocker struct{}

func (brokenLocker) Lock(context.Context, string, time.Duration) (func(), error) {
	return nil, errors.New("redis: connection refused")
}

type fakePublisher struct {
	mu   sync.Mutex
	envs []config.Envelope
	err  error
}

func (p *fakePublisher) Publish(ctx context.Context, env config.Envelope) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.envs = append(p.envs, env)
	return fmt.Sprintf("msg-%d", len(p.envs)), nil
}

func testPolicies() Policies {
	return Policies{
		Transfer:       TransferPolicy("USDT", 137),
		SignupReward:   SignupRewardPolicy(decimal.NewFromInt(100), "USDT", 137, "rewards"),
		ReferralReward: ReferralRewardPolicy(decimal.NewFromInt(50), "USDT", 137, "rewards"),
		LinkReward:     LinkRewardPolicy(decimal.NewFromInt(25), "USDT", 137, "rewards"),
		IsolatedReward: IsolatedRewardPolicy("USDT", 137, "rewards"),
		Swap:           SwapPolicy(137),
		VestingLock:    VestingLockPolicy("USDT", 137),
	}
}

type harness struct {
	store      *models.Store
	wallet     *fakeWallet
	notifier   *recordingNotifier
	machine    *Machine
	publisher  *fakePublisher
	dispatcher *Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:     newTestStore(t),
		wallet:    &fakeWallet{},
		notifier:  &recordingNotifier{},
		publisher: &fakePublisher{},
	}
	h.machine = NewMachine(MachineConfig{Store: h.store, Wallet: h.wallet, Notifier: h.notifier})
	h.dispatcher = NewDispatcher(h.machine, testPolicies(), h.store, h.publisher)
	return h
}

func (h *harness) count(t *testing.T, kind models.ActionKind) int64 {
	t.Helper()
	var n int64
	if err := h.store.DB().Model(&models.ActionRecord{}).Where("kind = ?", kind).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}
