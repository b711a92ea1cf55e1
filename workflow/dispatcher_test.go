package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mmdatafocus/settlement_backend/config"
	"github.com/mmdatafocus/settlement_backend/models"

	"github.com/shopspring/decimal"
)

func envelope(t *testing.T, event, eventId string, params any) config.Envelope {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return config.Envelope{Event: event, EventId: eventId, Params: raw}
}

func TestBatch_FansOutWithDistinctIds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	items := []map[string]any{
		{"sender_id": "S", "to": "A", "amount": "1"},
		{"sender_id": "S", "to": "B", "amount": "2"},
		{"sender_id": "S", "to": "C", "amount": "3", "event_id": "own-id"},
	}
	env := envelope(t, EventNewTransactionBatch, "batch-1", items)

	ok, err := h.dispatcher.Dispatch(ctx, env)
	if err != nil || !ok {
		t.Fatalf("expected batch processed, got ok=%v err=%v", ok, err)
	}
	if len(h.publisher.envs) != 3 {
		t.Fatalf("expected 3 republished events, got %d", len(h.publisher.envs))
	}
	seen := map[string]bool{}
	for i, e := range h.publisher.envs {
		if e.Event != EventNewTransaction {
			t.Fatalf("element %d: expected new_transaction, got %s", i, e.Event)
		}
		if e.EventId == "" || e.EventId == "batch-1" || seen[e.EventId] {
			t.Fatalf("element %d: expected a distinct generated id, got %q", i, e.EventId)
		}
		seen[e.EventId] = true
		var p TransactionParams
		if err := decodeParams(e.Params, &p); err != nil {
			t.Fatalf("element %d params: %v", i, err)
		}
		if p.EventId != e.EventId {
			t.Fatalf("element %d: params event id %q != envelope id %q", i, p.EventId, e.EventId)
		}
	}
	if h.publisher.envs[2].EventId != ElementEventId("batch-1", 2) {
		t.Fatalf("expected the element id derived from the batch, got %s", h.publisher.envs[2].EventId)
	}
	if h.wallet.submitCount() != 0 {
		t.Fatalf("batch expansion must not settle directly")
	}

	// redelivery republishes the same ids
	first := []string{h.publisher.envs[0].EventId, h.publisher.envs[1].EventId}
	h.publisher.envs = nil
	if ok, _ := h.dispatcher.Dispatch(ctx, env); !ok {
		t.Fatalf("expected redelivered batch processed")
	}
	if h.publisher.envs[0].EventId != first[0] || h.publisher.envs[1].EventId != first[1] {
		t.Fatalf("expected stable element ids across redelivery")
	}
}

func TestBatch_DuplicateElementIdsStillSettleEachElement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	env := envelope(t, EventNewTransactionBatch, "batch-dup", []map[string]any{
		{"sender_id": "S", "to": "A", "amount": "1", "event_id": "dup"},
		{"sender_id": "S", "to": "B", "amount": "2", "event_id": "dup"},
	})
	if ok, err := h.dispatcher.Dispatch(ctx, env); err != nil || !ok {
		t.Fatalf("expected batch processed, got ok=%v err=%v", ok, err)
	}
	if len(h.publisher.envs) != 2 || h.publisher.envs[0].EventId == h.publisher.envs[1].EventId {
		t.Fatalf("expected two distinct element ids, got %+v", h.publisher.envs)
	}

	for _, e := range h.publisher.envs {
		if ok, err := h.dispatcher.Dispatch(ctx, e); err != nil || !ok {
			t.Fatalf("element %s: ok=%v err=%v", e.EventId, ok, err)
		}
	}
	if n := h.count(t, models.ActionKindTransfer); n != 2 {
		t.Fatalf("expected 2 transfer records, got %d", n)
	}
	if h.wallet.submitCount() != 2 {
		t.Fatalf("expected 2 submissions, got %d", h.wallet.submitCount())
	}
}

func TestBatch_ProcessedEvenWhenPublishFails(t *testing.T) {
	h := newHarness(t)
	h.publisher.err = errors.New("pubsub unavailable")

	env := envelope(t, EventNewTransactionBatch, "batch-2", []map[string]any{{"to": "A"}})
	ok, err := h.dispatcher.Dispatch(context.Background(), env)
	if err != nil || !ok {
		t.Fatalf("expected processed, got ok=%v err=%v", ok, err)
	}
}

func TestBatch_ElementsAreNotExpandedAgain(t *testing.T) {
	h := newHarness(t)
	env := envelope(t, EventNewTransactionBatch, "batch-3", []map[string]any{
		{"to": "A", "amount": "1", "sender_id": "S", "params": []any{map[string]any{"to": "nested"}}},
	})
	if ok, _ := h.dispatcher.Dispatch(context.Background(), env); !ok {
		t.Fatalf("expected processed")
	}
	if len(h.publisher.envs) != 1 || h.publisher.envs[0].Event != EventNewTransaction {
		t.Fatalf("expected a single new_transaction, got %+v", h.publisher.envs)
	}
}

func TestElementEventId_Deterministic(t *testing.T) {
	a := ElementEventId("batch", 0)
	if a != ElementEventId("batch", 0) {
		t.Fatalf("expected deterministic id")
	}
	if a == ElementEventId("batch", 1) || a == ElementEventId("other", 0) {
		t.Fatalf("expected ids to differ per batch and index")
	}
}

func TestNewTransaction_LooseParams(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	env := config.Envelope{
		Event:   EventNewTransaction,
		EventId: "evt-loose",
		Params:  json.RawMessage(`{"sender_id":"+1 (650) 253-0000","to":"0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed","amount":"1,000.5","chain_id":"56"}`),
	}
	ok, err := h.dispatcher.Dispatch(ctx, env)
	if err != nil || !ok {
		t.Fatalf("expected processed, got ok=%v err=%v", ok, err)
	}
	rec, _ := h.store.FindByKey(ctx, models.ActionKindTransfer, "evt-loose")
	if rec == nil {
		t.Fatalf("expected transfer record")
	}
	if !rec.Amount.Equal(decimal.RequireFromString("1000.5")) || rec.ChainId != 56 {
		t.Fatalf("expected amount 1000.5 chain 56, got %s %d", rec.Amount, rec.ChainId)
	}
	if rec.SenderId != "16502530000" {
		t.Fatalf("expected normalized sender id, got %s", rec.SenderId)
	}
	if rec.RecipientAddress != "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed" {
		t.Fatalf("expected checksummed address, got %s", rec.RecipientAddress)
	}
	if h.wallet.resolves != 0 {
		t.Fatalf("expected no resolution for an address target")
	}
}

func TestNewTransaction_NumericPlatformIdReachesWalletUnchanged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	env := envelope(t, EventNewTransaction, "evt-numeric", map[string]any{
		"sender_id": "7012345678",
		"to":        "6502530000",
		"amount":    "4",
	})
	if ok, err := h.dispatcher.Dispatch(ctx, env); err != nil || !ok {
		t.Fatalf("expected processed, got ok=%v err=%v", ok, err)
	}
	if len(h.wallet.resolved) != 1 || h.wallet.resolved[0] != "6502530000" {
		t.Fatalf("expected the wallet to resolve 6502530000, got %v", h.wallet.resolved)
	}
	rec, _ := h.store.FindByKey(ctx, models.ActionKindTransfer, "evt-numeric")
	if rec == nil || rec.RecipientUserId != "6502530000" || rec.SenderId != "7012345678" {
		t.Fatalf("expected ids stored as sent, got %+v", rec)
	}
}

func TestNewTransaction_MalformedParamsAreAcked(t *testing.T) {
	h := newHarness(t)
	env := config.Envelope{Event: EventNewTransaction, EventId: "bad", Params: json.RawMessage(`{"amount":{"nested":true}}`)}
	ok, err := h.dispatcher.Dispatch(context.Background(), env)
	if err != nil || !ok {
		t.Fatalf("expected malformed params to be acked, got ok=%v err=%v", ok, err)
	}
	if h.wallet.submitCount() != 0 {
		t.Fatalf("expected no submission")
	}
}

func TestUnknownEvent_IsProcessed(t *testing.T) {
	h := newHarness(t)
	ok, err := h.dispatcher.Dispatch(context.Background(), config.Envelope{Event: "mystery", EventId: "x"})
	if err != nil || !ok {
		t.Fatalf("expected unknown event acked, got ok=%v err=%v", ok, err)
	}
}

func seedTransfer(t *testing.T, h *harness, eventId, sender, recipient, hash string, added time.Time) {
	t.Helper()
	rec := &models.ActionRecord{
		Kind:            models.ActionKindTransfer,
		DedupKey:        eventId,
		EventId:         eventId,
		Status:          models.ActionStatusSuccess,
		SenderId:        sender,
		RecipientUserId: recipient,
		TransactionHash: hash,
		Amount:          decimal.NewFromInt(1),
		Reason:          models.ReasonTransfer,
		DateAdded:       added,
	}
	if _, _, err := h.store.InsertIfAbsent(context.Background(), rec); err != nil {
		t.Fatalf("seed transfer: %v", err)
	}
}

func TestNewReward_ReferralCreditsEarliestSender(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	seedTransfer(t, h, "tx-B", "S2", "U", "0xB", base.Add(2*time.Minute))
	seedTransfer(t, h, "tx-A", "S1", "U", "0xA", base.Add(1*time.Minute))

	env := envelope(t, EventNewReward, "reward-1", map[string]any{"user_id": "U", "display_name": "New"})
	ok, err := h.dispatcher.Dispatch(ctx, env)
	if err != nil || !ok {
		t.Fatalf("expected processed, got ok=%v err=%v", ok, err)
	}

	ref, _ := h.store.FindByKey(ctx, models.ActionKindReferralReward, "0xA")
	if ref == nil {
		t.Fatalf("expected referral keyed by the earliest transfer hash")
	}
	if ref.RecipientUserId != "S1" || ref.Status != models.ActionStatusSuccess {
		t.Fatalf("expected S1 credited, got %s %s", ref.RecipientUserId, ref.Status)
	}
	if other, _ := h.store.FindByKey(ctx, models.ActionKindReferralReward, "0xB"); other != nil {
		t.Fatalf("expected no referral for the later transfer")
	}
	signup, _ := h.store.FindByKey(ctx, models.ActionKindSignupReward, "U|reward-1|user_sign_up")
	if signup == nil || signup.Status != models.ActionStatusSuccess {
		t.Fatalf("expected signup reward settled, got %+v", signup)
	}
	user, _ := h.store.GetUser(ctx, "U")
	if user == nil || user.DisplayName != "New" {
		t.Fatalf("expected user created, got %+v", user)
	}
}

func TestNewReward_LinkRewardPaysSponsorOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, id := range []string{"r-1", "r-2"} {
		env := envelope(t, EventNewReward, id, map[string]any{"user_id": "U", "sponsor_id": "SP"})
		if ok, err := h.dispatcher.Dispatch(ctx, env); err != nil || !ok {
			t.Fatalf("%s: ok=%v err=%v", id, ok, err)
		}
	}
	link, _ := h.store.FindByKey(ctx, models.ActionKindLinkReward, "SP|U|user_linked")
	if link == nil || link.Status != models.ActionStatusSuccess || link.RecipientUserId != "SP" {
		t.Fatalf("expected sponsor paid, got %+v", link)
	}
	if n := h.count(t, models.ActionKindLinkReward); n != 1 {
		t.Fatalf("expected one link reward, got %d", n)
	}
	if n := h.count(t, models.ActionKindSignupReward); n != 1 {
		t.Fatalf("expected one signup reward across both events, got %d", n)
	}
	// signup + link; the second event pays nothing
	if h.wallet.submitCount() != 2 {
		t.Fatalf("expected 2 payments, got %d", h.wallet.submitCount())
	}
}

func TestNewReward_PartialFailureIsNotProcessed(t *testing.T) {
	h := newHarness(t)
	h.wallet.resolveErr = errors.New("resolver down")

	env := envelope(t, EventNewReward, "r-x", map[string]any{"user_id": "U"})
	ok, err := h.dispatcher.Dispatch(context.Background(), env)
	if ok || err == nil {
		t.Fatalf("expected not processed, got ok=%v err=%v", ok, err)
	}
}

func TestIsolatedReward_OncePerUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, id := range []string{"iso-1", "iso-2"} {
		env := envelope(t, EventIsolatedReward, id, map[string]any{
			"user_id": "U", "reason": "quiz_winner", "amount": 5, "once_per_user": "true",
		})
		if ok, err := h.dispatcher.Dispatch(ctx, env); err != nil || !ok {
			t.Fatalf("%s: ok=%v err=%v", id, ok, err)
		}
	}
	if h.wallet.submitCount() != 1 {
		t.Fatalf("expected a single payout, got %d", h.wallet.submitCount())
	}

	// without once_per_user every event pays
	env := envelope(t, EventIsolatedReward, "iso-3", map[string]any{"user_id": "U", "reason": "daily", "amount": "1"})
	if ok, err := h.dispatcher.Dispatch(ctx, env); err != nil || !ok {
		t.Fatalf("iso-3: ok=%v err=%v", ok, err)
	}
	env = envelope(t, EventIsolatedReward, "iso-4", map[string]any{"user_id": "U", "reason": "daily", "amount": "1"})
	if ok, err := h.dispatcher.Dispatch(ctx, env); err != nil || !ok {
		t.Fatalf("iso-4: ok=%v err=%v", ok, err)
	}
	if h.wallet.submitCount() != 3 {
		t.Fatalf("expected 3 payouts, got %d", h.wallet.submitCount())
	}
}

func TestVestingLockEvent(t *testing.T) {
	h := newHarness(t)
	env := envelope(t, EventVestingLock, "vest-evt", map[string]any{
		"sender_id": "treasury",
		"recipients": []map[string]any{
			{"to": "A", "amount": "10"},
			{"to": "B", "amount": 2.5},
		},
	})
	ok, err := h.dispatcher.Dispatch(context.Background(), env)
	if err != nil || !ok {
		t.Fatalf("expected processed, got ok=%v err=%v", ok, err)
	}
	rec, _ := h.store.FindByKey(context.Background(), models.ActionKindVestingLock, "vest-evt")
	if rec == nil || !rec.Amount.Equal(decimal.RequireFromString("12.5")) || len(rec.Recipients) != 2 {
		t.Fatalf("unexpected vesting record %+v", rec)
	}
}
