package workflow

import (
	"context"

	"cloud.google.com/go/pubsub"
	"github.com/mmdatafocus/settlement_backend/config"
)

// PubSubPublisher republishes envelopes onto the settlement topic.
type PubSubPublisher struct {
	topic *pubsub.Topic
}

func NewPubSubPublisher(topic *pubsub.Topic) *PubSubPublisher {
	return &PubSubPublisher{topic: topic}
}

func (p *PubSubPublisher) Publish(ctx context.Context, env config.Envelope) (string, error) {
	return config.PublishEnvelope(ctx, p.topic, env)
}
