package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mmdatafocus/settlement_backend/models"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/shopspring/decimal"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type stubNotifier struct {
	calls int
	err   error
}

func (s *stubNotifier) Notify(ctx context.Context, rec models.ActionRecord) error {
	s.calls++
	return s.err
}

func settledRecord() models.ActionRecord {
	return models.ActionRecord{
		Kind:            models.ActionKindSignupReward,
		DedupKey:        "u1|evt-1|user_sign_up",
		EventId:         "evt-1",
		Status:          models.ActionStatusSuccess,
		Amount:          decimal.NewFromInt(100),
		Token:           "USDT",
		ChainId:         137,
		Reason:          models.ReasonUserSignUp,
		SenderId:        "rewards",
		RecipientUserId: "u1",
		TransactionHash: "0xabc",
		DateAdded:       time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC),
	}
}

func TestMulti_CallsEveryNotifierAndJoinsErrors(t *testing.T) {
	first := &stubNotifier{err: errors.New("chat down")}
	second := &stubNotifier{}
	third := &stubNotifier{err: errors.New("bucket missing")}

	err := Multi{first, nil, second, third}.Notify(context.Background(), settledRecord())
	if first.calls != 1 || second.calls != 1 || third.calls != 1 {
		t.Fatalf("expected every notifier to be called, got %d %d %d", first.calls, second.calls, third.calls)
	}
	if err == nil || !strings.Contains(err.Error(), "chat down") || !strings.Contains(err.Error(), "bucket missing") {
		t.Fatalf("expected joined errors, got %v", err)
	}
	if err := (Multi{second}).Notify(context.Background(), settledRecord()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestChatResponder_PostsToResponsePath(t *testing.T) {
	var got chatMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/reply/abc" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	rec := settledRecord()
	rec.ResponsePath = srv.URL + "/reply/abc"
	if err := NewChatResponder(srv.Client(), []string{"127.0.0.1"}).Notify(context.Background(), rec); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got.Status != models.ActionStatusSuccess || got.TransactionHash != "0xabc" {
		t.Fatalf("unexpected message: %+v", got)
	}
	if !strings.Contains(got.Text, "100 USDT") {
		t.Fatalf("expected amount in text, got %q", got.Text)
	}
}

func TestChatResponder_SkipsWithoutPathAndReportsErrors(t *testing.T) {
	c := NewChatResponder(nil, nil)
	if err := c.Notify(context.Background(), settledRecord()); err != nil {
		t.Fatalf("expected no-op without response path, got %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "conversation closed", http.StatusGone)
	}))
	defer srv.Close()
	rec := settledRecord()
	rec.ResponsePath = srv.URL
	err := NewChatResponder(srv.Client(), []string{"127.0.0.1"}).Notify(context.Background(), rec)
	if err == nil || !strings.Contains(err.Error(), "410") {
		t.Fatalf("expected 410 error, got %v", err)
	}
}

func TestChatResponder_RefusesHostsOutsideAllowlist(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewChatResponder(srv.Client(), []string{"chat.example.com", ".bots.example.com"})
	for _, path := range []string{srv.URL + "/reply", "http://169.254.169.254/latest/meta-data", "file:///etc/passwd", "https://user@chat.example.com/x"} {
		rec := settledRecord()
		rec.ResponsePath = path
		if err := c.Notify(context.Background(), rec); !errors.Is(err, ErrResponseHostNotAllowed) {
			t.Fatalf("%s: expected ErrResponseHostNotAllowed, got %v", path, err)
		}
	}
	if hits != 0 {
		t.Fatalf("expected no request to leave, got %d", hits)
	}

	for _, path := range []string{"https://chat.example.com/r/1", "https://eu.bots.example.com/r/2"} {
		if _, err := c.target(path); err != nil {
			t.Fatalf("%s: expected allowed, got %v", path, err)
		}
	}
	if _, err := c.target("https://evilbots.example.com/r"); err == nil {
		t.Fatalf("expected a suffix without the dot to be refused")
	}
}

func TestChatText(t *testing.T) {
	swap := settledRecord()
	swap.Kind = models.ActionKindSwap
	swap.TokenOut = "WETH"
	swap.AmountOut = decimal.NullDecimal{Decimal: decimal.RequireFromString("0.25"), Valid: true}
	failed := settledRecord()
	failed.Status = models.ActionStatusFailure503
	pending := settledRecord()
	pending.Status = models.ActionStatusPendingHash

	cases := []struct {
		name string
		rec  models.ActionRecord
		want string
	}{
		{"settled", settledRecord(), "Sent 100 USDT"},
		{"swap", swap, "0.25 WETH received"},
		{"failed", failed, "Could not send"},
		{"pending", pending, "being processed"},
	}
	for _, tc := range cases {
		if got := chatText(tc.rec); !strings.Contains(got, tc.want) {
			t.Fatalf("%s: expected %q in %q", tc.name, tc.want, got)
		}
	}
}

func TestReceiptObjectName(t *testing.T) {
	got := ReceiptObjectName("receipts", settledRecord())
	want := "receipts/signup_reward/2026/03/04/u1_evt-1_user_sign_up.json"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestReceiptArchiver_IgnoresUnsettled(t *testing.T) {
	rec := settledRecord()
	rec.Status = models.ActionStatusFailure
	var archiver *ReceiptArchiver
	if err := archiver.Notify(context.Background(), rec); err != nil {
		t.Fatalf("expected failed records to be skipped, got %v", err)
	}
}

func TestAnalytics_PublishesSettlement(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()
	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("grpc: %v", err)
	}
	defer conn.Close()
	client, err := pubsub.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	if err != nil {
		t.Fatalf("pubsub client: %v", err)
	}
	defer client.Close()
	topic, err := client.CreateTopic(ctx, "settlements")
	if err != nil {
		t.Fatalf("create topic: %v", err)
	}
	defer topic.Stop()

	if err := NewAnalytics(topic).Notify(ctx, settledRecord()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	msgs := srv.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Attributes["kind"] != string(models.ActionKindSignupReward) || msgs[0].Attributes["status"] != string(models.ActionStatusSuccess) {
		t.Fatalf("unexpected attributes: %v", msgs[0].Attributes)
	}
	var s Settlement
	if err := json.Unmarshal(msgs[0].Data, &s); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.Amount != "100" || s.DedupKey != "u1|evt-1|user_sign_up" || s.DateAdded != "2026-03-04T10:00:00Z" {
		t.Fatalf("unexpected settlement: %+v", s)
	}
}
