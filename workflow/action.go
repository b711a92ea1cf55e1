package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/settlement_backend/config"
	"github.com/mmdatafocus/settlement_backend/models"
	"github.com/mmdatafocus/settlement_backend/notify"
	"github.com/mmdatafocus/settlement_backend/utils"
	"github.com/mmdatafocus/settlement_backend/wallet"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/mmdatafocus/settlement_backend/workflow")

// Wallet is the part of the custodian client the machine depends on.
type Wallet interface {
	ResolveAddress(ctx context.Context, userId string) (string, error)
	Submit(ctx context.Context, req wallet.SubmitRequest) (wallet.SubmitResult, error)
	PollStatus(ctx context.Context, userOpHash string) (string, error)
	IsPermanent(err error) bool
}

// Records is the keyed record store.
type Records interface {
	InsertIfAbsent(ctx context.Context, rec *models.ActionRecord) (*models.ActionRecord, bool, error)
	Upsert(ctx context.Context, rec *models.ActionRecord) error
	FindByKey(ctx context.Context, kind models.ActionKind, dedupKey string) (*models.ActionRecord, error)
	SetUserAddress(ctx context.Context, userId string, address string) error
}

type Sender struct {
	Id           string
	Name         string
	Handle       string
	ResponsePath string
}

// Intent is one request to settle, before keys and defaults are applied.
type Intent struct {
	EventId               string
	DedupKey              string
	ConflictKey           string
	Amount                decimal.Decimal
	Reason                string
	Token                 string
	TokenOut              string
	ChainId               int64
	RecipientUserId       string
	RecipientAddress      string
	Recipients            models.Recipients
	Sender                Sender
	ParentTransactionHash string
	SponsorId             string
	SponsoredUserId       string
	OncePerUser           bool
}

type Result string

const (
	ResultSettled        Result = "settled"
	ResultPendingHash    Result = "pending_hash"
	ResultAlreadySettled Result = "already_settled"
	ResultAlreadyFailed  Result = "already_failed"
	ResultConflict       Result = "conflict"
	ResultRejected       Result = "rejected"
	ResultPermanent      Result = "permanent_failure"
	ResultTransient      Result = "transient_failure"
	ResultBusy           Result = "busy"
	ResultSkipped        Result = "skipped"
)

// Outcome is what one Run did. Processed tells the queue whether to ack.
type Outcome struct {
	Processed bool
	Result    Result
	Record    *models.ActionRecord
}

type MachineConfig struct {
	Store             Records
	Wallet            Wallet
	Locker            KeyLocker
	Notifier          notify.Notifier
	Logger            *logrus.Logger
	LockTTL           time.Duration
	PendingHashMaxAge time.Duration
}

// Machine drives one settlement family through
// UNDEFINED -> PENDING -> {SUCCESS | FAILURE | PENDING_HASH}; PENDING_HASH -> {SUCCESS | FAILURE | FAILURE_503}.
type Machine struct {
	store             Records
	wallet            Wallet
	locker            KeyLocker
	notifier          notify.Notifier
	logger            *logrus.Logger
	lockTTL           time.Duration
	pendingHashMaxAge time.Duration
	now               func() time.Time
}

func NewMachine(cfg MachineConfig) *Machine {
	m := &Machine{
		store:             cfg.Store,
		wallet:            cfg.Wallet,
		locker:            cfg.Locker,
		notifier:          cfg.Notifier,
		logger:            cfg.Logger,
		lockTTL:           cfg.LockTTL,
		pendingHashMaxAge: cfg.PendingHashMaxAge,
		now:               func() time.Time { return time.Now().UTC() },
	}
	if m.locker == nil {
		m.locker = NoopLocker{}
	}
	if m.notifier == nil {
		m.notifier = notify.Nop{}
	}
	if m.logger == nil {
		m.logger = config.GetLogger()
	}
	if m.lockTTL <= 0 {
		m.lockTTL = 150 * time.Second
	}
	if m.pendingHashMaxAge <= 0 {
		m.pendingHashMaxAge = 72 * time.Hour
	}
	return m
}

func lockKey(kind models.ActionKind, dedupKey string) string {
	return "Settlement:" + string(kind) + ":" + dedupKey
}

// Run applies policy p to intent in and drives the record as far as it can go.
// A non-nil error always comes with Processed == false.
func (m *Machine) Run(ctx context.Context, p Policy, in Intent) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "settlement."+string(p.Kind))
	defer span.End()

	in = p.prepare(in)
	eventType, _ := utils.GetEventTypeFromContext(ctx)
	messageEventId, _ := utils.GetEventIdFromContext(ctx)
	span.SetAttributes(
		attribute.String("settlement.kind", string(p.Kind)),
		attribute.String("settlement.dedup_key", in.DedupKey),
		attribute.String("settlement.source", utils.GetSourceFromContext(ctx)),
		attribute.String("event.type", eventType),
	)
	log := m.logger.WithFields(logrus.Fields{
		"field":            "Settlement",
		"kind":             p.Kind,
		"dedup_key":        in.DedupKey,
		"event_id":         in.EventId,
		"event":            eventType,
		"message_event_id": messageEventId,
		"source":           utils.GetSourceFromContext(ctx),
	})

	if in.DedupKey == "" {
		log.Warn("settlement intent has no dedup key; dropping")
		return Outcome{Processed: true, Result: ResultRejected}, nil
	}

	unlock, err := m.locker.Lock(ctx, lockKey(p.Kind, in.DedupKey), m.lockTTL)
	if errors.Is(err, ErrKeyBusy) {
		log.Info("settlement key busy; retry later")
		return Outcome{Processed: false, Result: ResultBusy}, nil
	}
	if err != nil {
		log.WithError(err).Warn("settlement lock unavailable; continuing without it")
		unlock = func() {}
	}
	defer unlock()

	rec, created, err := m.store.InsertIfAbsent(ctx, in.record(p.Kind))
	if errors.Is(err, models.ErrConflict) {
		fields := logrus.Fields{"conflict_key": in.ConflictKey}
		if rec != nil {
			fields["conflicting_event_id"] = rec.EventId
		}
		log.WithFields(fields).Info("conflicting settlement exists; skipping")
		return Outcome{Processed: true, Result: ResultConflict, Record: rec}, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load-or-create")
		return Outcome{Result: ResultTransient}, err
	}
	if created {
		log.Debug("settlement record created")
	}

	switch rec.Status {
	case models.ActionStatusSuccess:
		return Outcome{Processed: true, Result: ResultAlreadySettled, Record: rec}, nil
	case models.ActionStatusFailure, models.ActionStatusFailure503:
		return Outcome{Processed: true, Result: ResultAlreadyFailed, Record: rec}, nil
	case models.ActionStatusPendingHash:
		out, err := m.poll(ctx, rec, log)
		if err != nil {
			span.RecordError(err)
		}
		// finality of a submitted operation belongs to the reconciler
		out.Processed = true
		return out, nil
	}

	out, err := m.settle(ctx, p, rec, log)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(out.Result))
	}
	return out, err
}

func (m *Machine) settle(ctx context.Context, p Policy, rec *models.ActionRecord, log *logrus.Entry) (Outcome, error) {
	if p.Validate != nil {
		if verr := p.Validate(rec); verr != nil {
			log.WithError(verr).Warn("settlement rejected")
			rec.Status = models.ActionStatusFailure
			rec.SetLastError(verr)
			if err := m.store.Upsert(ctx, rec); err != nil {
				return m.saveFailed(rec, err, log)
			}
			m.notify(ctx, rec, log)
			return Outcome{Processed: true, Result: ResultRejected, Record: rec}, nil
		}
	}

	changed, err := m.resolve(ctx, rec)
	if err != nil {
		if m.wallet.IsPermanent(err) {
			return m.fail(ctx, rec, err, log)
		}
		return m.retryLater(ctx, rec, fmt.Errorf("resolve recipient: %w", err), log)
	}
	if changed {
		if err := m.store.Upsert(ctx, rec); err != nil {
			return m.saveFailed(rec, err, log)
		}
	}

	res, err := m.wallet.Submit(ctx, p.request(rec))
	if err != nil {
		if m.wallet.IsPermanent(err) {
			return m.fail(ctx, rec, err, log)
		}
		return m.retryLater(ctx, rec, fmt.Errorf("submit: %w", err), log)
	}

	rec.UserOperationHash = res.UserOpHash
	rec.SetLastError(nil)
	if p.OnSubmitted != nil {
		p.OnSubmitted(rec, res)
	}
	if res.TxHash == "" {
		rec.Status = models.ActionStatusPendingHash
		if err := m.store.Upsert(ctx, rec); err != nil {
			return m.saveFailed(rec, err, log)
		}
		log.WithField("user_op_hash", res.UserOpHash).Info("settlement submitted; awaiting hash")
		return Outcome{Processed: true, Result: ResultPendingHash, Record: rec}, nil
	}

	rec.Status = models.ActionStatusSuccess
	rec.TransactionHash = res.TxHash
	if err := m.store.Upsert(ctx, rec); err != nil {
		return m.saveFailed(rec, err, log)
	}
	log.WithField("tx_hash", res.TxHash).Info("settlement succeeded")
	m.notify(ctx, rec, log)
	return Outcome{Processed: true, Result: ResultSettled, Record: rec}, nil
}

// resolve fills recipient addresses and reports whether anything changed.
func (m *Machine) resolve(ctx context.Context, rec *models.ActionRecord) (bool, error) {
	changed := false
	if len(rec.Recipients) > 0 {
		for i := range rec.Recipients {
			if rec.Recipients[i].Address != "" {
				continue
			}
			addr, err := m.wallet.ResolveAddress(ctx, rec.Recipients[i].UserId)
			if err != nil {
				return changed, err
			}
			rec.Recipients[i].Address = addr
			m.rememberAddress(ctx, rec.Recipients[i].UserId, addr)
			changed = true
		}
		return changed, nil
	}
	if rec.RecipientAddress != "" {
		return false, nil
	}
	addr, err := m.wallet.ResolveAddress(ctx, rec.RecipientUserId)
	if err != nil {
		return false, err
	}
	rec.RecipientAddress = addr
	m.rememberAddress(ctx, rec.RecipientUserId, addr)
	return true, nil
}

// rememberAddress fills the user's address on first resolution. Failures only cost a later lookup.
func (m *Machine) rememberAddress(ctx context.Context, userId, address string) {
	if userId == "" {
		return
	}
	if err := m.store.SetUserAddress(ctx, userId, address); err != nil {
		m.logger.WithFields(logrus.Fields{"field": "Settlement", "user_id": userId}).
			WithError(err).Warn("failed to store resolved address")
	}
}

// saveFailed maps an Upsert error. A record another worker already finished is reported as such.
func (m *Machine) saveFailed(rec *models.ActionRecord, err error, log *logrus.Entry) (Outcome, error) {
	if !errors.Is(err, models.ErrRecordFinal) {
		return Outcome{Result: ResultTransient, Record: rec}, err
	}
	log.WithField("status", rec.Status).Info("settlement already final; write skipped")
	if rec.Status == models.ActionStatusSuccess {
		return Outcome{Processed: true, Result: ResultAlreadySettled, Record: rec}, nil
	}
	return Outcome{Processed: true, Result: ResultAlreadyFailed, Record: rec}, nil
}

func (m *Machine) fail(ctx context.Context, rec *models.ActionRecord, cause error, log *logrus.Entry) (Outcome, error) {
	rec.Status = models.ActionStatusFailure
	rec.Attempts++
	rec.SetLastError(cause)
	if err := m.store.Upsert(ctx, rec); err != nil {
		return m.saveFailed(rec, err, log)
	}
	log.WithError(cause).Warn("settlement permanently rejected")
	m.notify(ctx, rec, log)
	return Outcome{Processed: true, Result: ResultPermanent, Record: rec}, nil
}

func (m *Machine) retryLater(ctx context.Context, rec *models.ActionRecord, cause error, log *logrus.Entry) (Outcome, error) {
	rec.Status = models.ActionStatusPending
	rec.Attempts++
	rec.SetLastError(cause)
	if err := m.store.Upsert(ctx, rec); err != nil {
		if errors.Is(err, models.ErrRecordFinal) {
			return m.saveFailed(rec, err, log)
		}
		log.WithError(err).Error("failed to record settlement attempt")
	}
	return Outcome{Processed: false, Result: ResultTransient, Record: rec}, cause
}

// Poll resolves a PENDING_HASH record. It never re-submits.
// rec only identifies the record; the stored row is reloaded under the key lock.
func (m *Machine) Poll(ctx context.Context, rec *models.ActionRecord) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "settlement.poll")
	defer span.End()

	log := m.logger.WithFields(logrus.Fields{
		"field":     "Settlement",
		"kind":      rec.Kind,
		"dedup_key": rec.DedupKey,
		"event_id":  rec.EventId,
	})
	unlock, err := m.locker.Lock(ctx, lockKey(rec.Kind, rec.DedupKey), m.lockTTL)
	if errors.Is(err, ErrKeyBusy) {
		return Outcome{Result: ResultBusy, Record: rec}, nil
	}
	if err != nil {
		unlock = func() {}
	}
	defer unlock()

	current, err := m.store.FindByKey(ctx, rec.Kind, rec.DedupKey)
	if err != nil {
		return Outcome{Result: ResultTransient, Record: rec}, err
	}
	if current == nil || current.Status != models.ActionStatusPendingHash {
		if current != nil {
			rec = current
		}
		return Outcome{Processed: true, Result: ResultSkipped, Record: rec}, nil
	}
	return m.poll(ctx, current, log)
}

func (m *Machine) poll(ctx context.Context, rec *models.ActionRecord, log *logrus.Entry) (Outcome, error) {
	if rec.UserOperationHash == "" {
		log.Warn("pending-hash record without operation hash")
		return Outcome{Processed: true, Result: ResultPendingHash, Record: rec}, nil
	}

	hash, err := m.wallet.PollStatus(ctx, rec.UserOperationHash)
	switch {
	case err == nil:
		rec.Status = models.ActionStatusSuccess
		rec.TransactionHash = hash
		rec.SetLastError(nil)
		if uerr := m.store.Upsert(ctx, rec); uerr != nil {
			return m.saveFailed(rec, uerr, log)
		}
		log.WithField("tx_hash", hash).Info("pending settlement confirmed")
		m.notify(ctx, rec, log)
		return Outcome{Processed: true, Result: ResultSettled, Record: rec}, nil
	case errors.Is(err, wallet.ErrPending):
		return Outcome{Processed: true, Result: ResultPendingHash, Record: rec}, nil
	case m.wallet.IsPermanent(err):
		return m.fail(ctx, rec, err, log)
	case wallet.IsUnavailable(err) && m.now().Sub(rec.DateAdded) > m.pendingHashMaxAge:
		rec.Status = models.ActionStatusFailure503
		rec.Attempts++
		rec.SetLastError(err)
		if uerr := m.store.Upsert(ctx, rec); uerr != nil {
			return m.saveFailed(rec, uerr, log)
		}
		log.WithError(err).Warn("pending settlement abandoned after custodian outage")
		m.notify(ctx, rec, log)
		return Outcome{Processed: true, Result: ResultPermanent, Record: rec}, nil
	}
	log.WithError(err).Info("pending settlement status unavailable")
	return Outcome{Processed: false, Result: ResultPendingHash, Record: rec}, err
}

func (m *Machine) notify(ctx context.Context, rec *models.ActionRecord, log *logrus.Entry) {
	if err := m.notifier.Notify(ctx, *rec); err != nil {
		log.WithError(err).Warn("settlement notifier failed")
	}
}

func (in Intent) record(kind models.ActionKind) *models.ActionRecord {
	return &models.ActionRecord{
		Kind:                  kind,
		DedupKey:              in.DedupKey,
		ConflictKey:           models.StringPtr(in.ConflictKey),
		Status:                models.ActionStatusPending,
		EventId:               in.EventId,
		Amount:                in.Amount,
		Reason:                in.Reason,
		Token:                 in.Token,
		TokenOut:              in.TokenOut,
		ChainId:               in.ChainId,
		RecipientUserId:       in.RecipientUserId,
		RecipientAddress:      in.RecipientAddress,
		Recipients:            in.Recipients,
		SenderId:              in.Sender.Id,
		SenderName:            in.Sender.Name,
		SenderHandle:          in.Sender.Handle,
		ResponsePath:          in.Sender.ResponsePath,
		ParentTransactionHash: in.ParentTransactionHash,
		SponsorId:             in.SponsorId,
		SponsoredUserId:       in.SponsoredUserId,
	}
}
