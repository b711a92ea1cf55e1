package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mmdatafocus/settlement_backend/config"
	"github.com/mmdatafocus/settlement_backend/utils"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type Handler interface {
	Dispatch(ctx context.Context, env config.Envelope) (bool, error)
}

// AttemptCounter supplies delivery attempts when the subscription has no dead-letter policy.
type AttemptCounter interface {
	Increment(ctx context.Context, messageId string) (int, error)
}

type RedisAttemptCounter struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedisAttemptCounter(rdb redis.Cmdable, ttl time.Duration) *RedisAttemptCounter {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &RedisAttemptCounter{rdb: rdb, ttl: ttl}
}

func (c *RedisAttemptCounter) Increment(ctx context.Context, messageId string) (int, error) {
	key := "DeliveryAttempt:" + messageId
	var incr *redis.IntCmd
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, c.ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(incr.Val()), nil
}

// Delivery is the transport view of one queue message.
type Delivery struct {
	ID              string
	Data            []byte
	PublishTime     time.Time
	DeliveryAttempt *int
}

type ConsumerConfig struct {
	MaxOutstanding    int
	MinAckExtension   time.Duration
	MaxAckExtension   time.Duration
	MaxExtension      time.Duration
	PoisonMaxAttempts int
	PoisonMaxAge      time.Duration
	AckQueueSize      int
}

func ConsumerConfigFromSettings(s config.Settings) ConsumerConfig {
	return ConsumerConfig{
		MaxOutstanding:    s.MaxOutstanding,
		MinAckExtension:   s.MinAckExtension,
		MaxAckExtension:   s.MaxAckExtension,
		MaxExtension:      s.MaxExtension,
		PoisonMaxAttempts: s.PoisonMaxAttempts,
		PoisonMaxAge:      s.PoisonMaxAge,
	}
}

type ackTask struct {
	msg *pubsub.Message
	ack bool
}

type Consumer struct {
	handler  Handler
	attempts AttemptCounter
	cfg      ConsumerConfig
	logger   *logrus.Logger
	now      func() time.Time
}

func NewConsumer(handler Handler, attempts AttemptCounter, cfg ConsumerConfig, logger *logrus.Logger) *Consumer {
	if cfg.MaxOutstanding <= 0 {
		cfg.MaxOutstanding = 10
	}
	if cfg.PoisonMaxAttempts <= 0 {
		cfg.PoisonMaxAttempts = 2
	}
	if cfg.PoisonMaxAge <= 0 {
		cfg.PoisonMaxAge = 24 * time.Hour
	}
	if cfg.AckQueueSize <= 0 {
		cfg.AckQueueSize = cfg.MaxOutstanding * 4
	}
	if logger == nil {
		logger = config.GetLogger()
	}
	return &Consumer{handler: handler, attempts: attempts, cfg: cfg, logger: logger, now: time.Now}
}

// Run receives from sub until ctx is done. Ack/Nack are issued by a separate goroutine.
func (c *Consumer) Run(ctx context.Context, sub *pubsub.Subscription) error {
	sub.ReceiveSettings.MaxOutstandingMessages = c.cfg.MaxOutstanding
	if c.cfg.MinAckExtension > 0 {
		sub.ReceiveSettings.MinExtensionPeriod = c.cfg.MinAckExtension
	}
	if c.cfg.MaxAckExtension > 0 {
		sub.ReceiveSettings.MaxExtensionPeriod = c.cfg.MaxAckExtension
	}
	if c.cfg.MaxExtension > 0 {
		sub.ReceiveSettings.MaxExtension = c.cfg.MaxExtension
	}

	acks := make(chan ackTask, c.cfg.AckQueueSize)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for t := range acks {
			if t.ack {
				t.msg.Ack()
			} else {
				t.msg.Nack()
			}
		}
	}()

	err := sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		processed := c.Process(ctx, Delivery{
			ID:              msg.ID,
			Data:            msg.Data,
			PublishTime:     msg.PublishTime,
			DeliveryAttempt: msg.DeliveryAttempt,
		})
		acks <- ackTask{msg: msg, ack: processed}
	})
	// Receive returns only after every callback has returned
	close(acks)
	wg.Wait()
	if err != nil {
		return fmt.Errorf("receive: %w", err)
	}
	return nil
}

// Process handles one delivery and reports whether it should be acked.
func (c *Consumer) Process(ctx context.Context, d Delivery) (processed bool) {
	ctx, span := tracer.Start(ctx, "consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("messaging.message.id", d.ID)),
	)
	defer span.End()

	fields := logrus.Fields{
		"field":      "Consumer",
		"message_id": d.ID,
	}
	if sc := span.SpanContext(); sc.HasTraceID() {
		fields["trace_id"] = sc.TraceID().String()
	}
	log := c.logger.WithFields(fields)
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", fmt.Sprint(r)).Error("handler panicked; nacking")
			processed = false
		}
	}()

	var env config.Envelope
	if err := json.Unmarshal(d.Data, &env); err != nil {
		config.LogError(c.logger, "consumer.go", "Process", "Unmarshaling pubsub message", string(d.Data), err)
		return true
	}
	log = log.WithFields(logrus.Fields{"event": env.Event, "event_id": env.EventId})

	attempt := c.deliveryAttempt(ctx, d, log)
	age := c.now().Sub(d.PublishTime)
	if attempt > c.cfg.PoisonMaxAttempts && age > c.cfg.PoisonMaxAge {
		log.WithFields(logrus.Fields{"delivery_attempt": attempt, "age": age.String()}).Warn("dropping poison message")
		return true
	}

	correlationId := env.CorrelationId
	if correlationId == "" {
		correlationId = uuid.NewString()
	}
	ctx = utils.SetCorrelationIdInContext(ctx, correlationId)
	ctx = utils.SetSourceInContext(ctx, utils.SourceQueue)

	ok, err := c.handler.Dispatch(ctx, env)
	if err != nil {
		log.WithFields(logrus.Fields{"delivery_attempt": attempt, "correlation_id": correlationId}).
			Error("pubsub processing failed: " + err.Error())
		return false
	}
	if !ok {
		log.WithField("delivery_attempt", attempt).Info("message not processed; will be redelivered")
	}
	return ok
}

func (c *Consumer) deliveryAttempt(ctx context.Context, d Delivery, log *logrus.Entry) int {
	if d.DeliveryAttempt != nil {
		return *d.DeliveryAttempt
	}
	if c.attempts == nil || d.ID == "" {
		return 0
	}
	n, err := c.attempts.Increment(ctx, d.ID)
	if err != nil {
		log.WithError(err).Warn("delivery attempt counter unavailable")
		return 0
	}
	return n
}
