package notify

import (
	"context"
	"encoding/json"
	"errors"

	"cloud.google.com/go/pubsub"
	"github.com/mmdatafocus/settlement_backend/models"
)

// Analytics mirrors terminal records onto a Pub/Sub topic for the warehouse loader.
type Analytics struct {
	topic *pubsub.Topic
}

func NewAnalytics(topic *pubsub.Topic) *Analytics {
	return &Analytics{topic: topic}
}

func (a *Analytics) Notify(ctx context.Context, rec models.ActionRecord) error {
	if a == nil || a.topic == nil {
		return errors.New("analytics topic not configured")
	}
	data, err := json.Marshal(NewSettlement(rec))
	if err != nil {
		return err
	}
	res := a.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"kind":   string(rec.Kind),
			"status": string(rec.Status),
		},
	})
	_, err = res.Get(ctx)
	return err
}
