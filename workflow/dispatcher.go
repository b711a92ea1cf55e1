package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/mmdatafocus/settlement_backend/config"
	"github.com/mmdatafocus/settlement_backend/models"
	"github.com/mmdatafocus/settlement_backend/utils"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

const (
	EventNewTransaction      = "new_transaction"
	EventNewTransactionBatch = "new_transaction_batch"
	EventNewReward           = "new_reward"
	EventIsolatedReward      = "isolated_reward"
	EventSwap                = "swap"
	EventVestingLock         = "vesting_lock"
)

var KnownEvents = []string{
	EventNewTransaction,
	EventNewTransactionBatch,
	EventNewReward,
	EventIsolatedReward,
	EventSwap,
	EventVestingLock,
}

// batchNamespace seeds the deterministic ids of batch elements.
var batchNamespace = uuid.MustParse("6f1c7a52-3d7e-4f58-9a51-8d0c2b4e7f10")

// ElementEventId is stable for a (batch, index) pair so a redelivered batch republishes the same ids.
func ElementEventId(batchEventId string, index int) string {
	if batchEventId == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(batchNamespace, []byte(batchEventId+":"+strconv.Itoa(index))).String()
}

type Publisher interface {
	Publish(ctx context.Context, env config.Envelope) (string, error)
}

// Directory is the user and transfer lookup the reward handlers need.
type Directory interface {
	UpsertUser(ctx context.Context, user *models.User) (*models.User, error)
	EarliestInboundTransfer(ctx context.Context, userId string) (*models.ActionRecord, error)
}

type Dispatcher struct {
	machine   *Machine
	policies  Policies
	directory Directory
	publisher Publisher
	logger    *logrus.Logger
}

func NewDispatcher(machine *Machine, policies Policies, directory Directory, publisher Publisher) *Dispatcher {
	return &Dispatcher{
		machine:   machine,
		policies:  policies,
		directory: directory,
		publisher: publisher,
		logger:    machine.logger,
	}
}

// Dispatch routes an envelope to its handler. processed == true means the message may be acked.
func (d *Dispatcher) Dispatch(ctx context.Context, env config.Envelope) (bool, error) {
	ctx, span := tracer.Start(ctx, "dispatch."+env.Event)
	defer span.End()
	span.SetAttributes(attribute.String("event.type", env.Event), attribute.String("event.id", env.EventId))

	ctx = utils.SetEventTypeInContext(ctx, env.Event)
	if env.EventId != "" {
		ctx = utils.SetEventIdInContext(ctx, env.EventId)
	}

	switch env.Event {
	case EventNewTransaction:
		return d.handleTransaction(ctx, env)
	case EventNewTransactionBatch:
		return d.handleTransactionBatch(ctx, env)
	case EventNewReward:
		return d.handleNewReward(ctx, env)
	case EventIsolatedReward:
		return d.handleIsolatedReward(ctx, env)
	case EventSwap:
		return d.handleSwap(ctx, env)
	case EventVestingLock:
		return d.handleVestingLock(ctx, env)
	}
	d.logger.WithFields(logrus.Fields{
		"field":    "Dispatcher",
		"event":    env.Event,
		"event_id": env.EventId,
	}).Warn("unknown event type; acknowledging")
	return true, nil
}

func (d *Dispatcher) run(ctx context.Context, p Policy, in Intent) (bool, error) {
	out, err := d.machine.Run(ctx, p, in)
	if err != nil {
		return false, err
	}
	return out.Processed, nil
}

// undecodable params can never succeed on redelivery, so they are acked.
func (d *Dispatcher) rejectParams(env config.Envelope, err error) (bool, error) {
	d.logger.WithFields(logrus.Fields{
		"field":    "Dispatcher",
		"event":    env.Event,
		"event_id": env.EventId,
	}).WithError(err).Warn("invalid event params; acknowledging")
	return true, nil
}

func eventIdOf(env config.Envelope, fromParams string) string {
	if v := strings.TrimSpace(fromParams); v != "" {
		return v
	}
	return env.EventId
}

func (d *Dispatcher) normalize(id string) string {
	if id == "" {
		return ""
	}
	if utils.IsHexAddress(id) {
		return id
	}
	n, err := utils.NormalizeUserId(id)
	if err != nil {
		return strings.TrimSpace(id)
	}
	return n
}

// recipient splits a target into a user id or a checksummed address.
func (d *Dispatcher) recipient(to string) (userId string, address string) {
	to = strings.TrimSpace(to)
	if utils.IsHexAddress(to) {
		if addr, err := utils.ToChecksumAddress(to); err == nil {
			return "", addr
		}
		return "", to
	}
	return d.normalize(to), ""
}

func (d *Dispatcher) handleTransaction(ctx context.Context, env config.Envelope) (bool, error) {
	var p TransactionParams
	if err := decodeParams(env.Params, &p); err != nil {
		return d.rejectParams(env, err)
	}
	userId, address := d.recipient(p.To)
	return d.run(ctx, d.policies.Transfer, Intent{
		EventId:          eventIdOf(env, p.EventId),
		Amount:           p.Amount,
		Token:            p.Token,
		ChainId:          p.ChainId,
		RecipientUserId:  userId,
		RecipientAddress: address,
		Sender: Sender{
			Id:           d.normalize(p.SenderId),
			Name:         p.SenderName,
			Handle:       p.SenderHandle,
			ResponsePath: p.ResponsePath,
		},
	})
}

// handleTransactionBatch republishes each element as its own new_transaction. One level only.
// Element ids are always derived from (batch id, index); ids carried inside elements are replaced.
func (d *Dispatcher) handleTransactionBatch(ctx context.Context, env config.Envelope) (bool, error) {
	log := d.logger.WithFields(logrus.Fields{
		"field":    "Dispatcher",
		"event":    env.Event,
		"event_id": env.EventId,
	})
	elements, err := splitBatch(env.Params)
	if err != nil {
		log.WithError(err).Warn("invalid batch params; acknowledging")
		return true, nil
	}
	if d.publisher == nil {
		log.Error("no publisher configured; batch dropped")
		return true, nil
	}

	published := 0
	for i, element := range elements {
		id := ElementEventId(env.EventId, i)
		element["event_id"] = id
		params, err := json.Marshal(element)
		if err != nil {
			log.WithError(err).WithField("index", i).Error("batch element encode failed")
			continue
		}
		msgId, err := d.publisher.Publish(ctx, config.Envelope{
			Event:         EventNewTransaction,
			EventId:       id,
			Params:        params,
			CorrelationId: env.CorrelationId,
		})
		if err != nil {
			log.WithError(err).WithFields(logrus.Fields{"index": i, "element_event_id": id}).Error("batch element publish failed")
			continue
		}
		published++
		log.WithFields(logrus.Fields{"index": i, "element_event_id": id, "message_id": msgId}).Debug("batch element published")
	}
	log.WithFields(logrus.Fields{"elements": len(elements), "published": published}).Info("batch expanded")
	return true, nil
}

func splitBatch(raw json.RawMessage) ([]map[string]interface{}, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, errors.New("batch params are empty")
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if trimmed[0] == '{' {
		var one map[string]interface{}
		if err := dec.Decode(&one); err != nil {
			return nil, err
		}
		return []map[string]interface{}{one}, nil
	}
	var many []map[string]interface{}
	if err := dec.Decode(&many); err != nil {
		return nil, err
	}
	out := many[:0]
	for _, m := range many {
		if m != nil {
			out = append(out, m)
		}
	}
	return out, nil
}

// handleNewReward is the umbrella event: user creation, then signup, referral and link rewards.
// It is processed only when every sub-settlement is.
func (d *Dispatcher) handleNewReward(ctx context.Context, env config.Envelope) (bool, error) {
	var p RewardParams
	if err := decodeParams(env.Params, &p); err != nil {
		return d.rejectParams(env, err)
	}
	userId := d.normalize(p.UserId)
	if userId == "" {
		return d.rejectParams(env, utils.ErrorInvalidIdentity)
	}
	eventId := eventIdOf(env, p.EventId)

	var sponsorId *string
	if s := d.normalize(p.SponsorId); s != "" && s != userId {
		sponsorId = &s
	}
	user, err := d.directory.UpsertUser(ctx, &models.User{
		Id:          userId,
		DisplayName: p.DisplayName,
		Handle:      p.Handle,
		SponsorId:   sponsorId,
	})
	if err != nil {
		return false, err
	}

	processed := true
	var errs []error
	collect := func(ok bool, err error) {
		if err != nil {
			errs = append(errs, err)
		}
		processed = processed && ok && err == nil
	}

	collect(d.SignupReward(ctx, eventId, userId, p.ResponsePath))
	collect(d.ReferralReward(ctx, eventId, userId))
	if user.SponsorId != nil && *user.SponsorId != "" {
		collect(d.LinkReward(ctx, eventId, *user.SponsorId, userId))
	}
	return processed, errors.Join(errs...)
}

func (d *Dispatcher) SignupReward(ctx context.Context, eventId, userId, responsePath string) (bool, error) {
	return d.run(ctx, d.policies.SignupReward, Intent{
		EventId:         eventId,
		RecipientUserId: userId,
		Sender:          Sender{ResponsePath: responsePath},
	})
}

// ReferralReward credits the sender of the earliest settled inbound transfer to userId.
// No qualifying transfer means nothing to pay.
func (d *Dispatcher) ReferralReward(ctx context.Context, eventId, userId string) (bool, error) {
	parent, err := d.directory.EarliestInboundTransfer(ctx, userId)
	if err != nil {
		return false, err
	}
	if parent == nil {
		return true, nil
	}
	return d.run(ctx, d.policies.ReferralReward, Intent{
		EventId:               eventId,
		ParentTransactionHash: parent.TransactionHash,
		SponsoredUserId:       userId,
		RecipientUserId:       parent.SenderId,
	})
}

func (d *Dispatcher) LinkReward(ctx context.Context, eventId, sponsorId, sponsoredUserId string) (bool, error) {
	return d.run(ctx, d.policies.LinkReward, Intent{
		EventId:         eventId,
		SponsorId:       sponsorId,
		SponsoredUserId: sponsoredUserId,
		RecipientUserId: sponsorId,
	})
}

func (d *Dispatcher) handleIsolatedReward(ctx context.Context, env config.Envelope) (bool, error) {
	var p IsolatedRewardParams
	if err := decodeParams(env.Params, &p); err != nil {
		return d.rejectParams(env, err)
	}
	return d.run(ctx, d.policies.IsolatedReward, Intent{
		EventId:         eventIdOf(env, p.EventId),
		RecipientUserId: d.normalize(p.UserId),
		Reason:          strings.TrimSpace(p.Reason),
		Amount:          p.Amount,
		Token:           p.Token,
		ChainId:         p.ChainId,
		OncePerUser:     p.OncePerUser,
		Sender:          Sender{ResponsePath: p.ResponsePath},
	})
}

func (d *Dispatcher) handleSwap(ctx context.Context, env config.Envelope) (bool, error) {
	var p SwapParams
	if err := decodeParams(env.Params, &p); err != nil {
		return d.rejectParams(env, err)
	}
	senderId := d.normalize(p.SenderId)
	return d.run(ctx, d.policies.Swap, Intent{
		EventId:         eventIdOf(env, p.EventId),
		Amount:          p.Amount,
		Token:           strings.ToUpper(strings.TrimSpace(p.TokenIn)),
		TokenOut:        strings.ToUpper(strings.TrimSpace(p.TokenOut)),
		ChainId:         p.ChainId,
		RecipientUserId: senderId,
		Sender: Sender{
			Id:           senderId,
			Name:         p.SenderName,
			Handle:       p.SenderHandle,
			ResponsePath: p.ResponsePath,
		},
	})
}

func (d *Dispatcher) handleVestingLock(ctx context.Context, env config.Envelope) (bool, error) {
	var p VestingLockParams
	if err := decodeParams(env.Params, &p); err != nil {
		return d.rejectParams(env, err)
	}
	recipients := make(models.Recipients, 0, len(p.Recipients))
	for _, r := range p.Recipients {
		userId, address := d.recipient(r.To)
		recipients = append(recipients, models.Recipient{UserId: userId, Address: address, Amount: r.Amount})
	}
	return d.run(ctx, d.policies.VestingLock, Intent{
		EventId:    eventIdOf(env, p.EventId),
		Amount:     recipients.Total(),
		Token:      p.Token,
		ChainId:    p.ChainId,
		Recipients: recipients,
		Sender: Sender{
			Id:           d.normalize(p.SenderId),
			Name:         p.SenderName,
			Handle:       p.SenderHandle,
			ResponsePath: p.ResponsePath,
		},
	})
}
