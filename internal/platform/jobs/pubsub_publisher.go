package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/etagpay/checkout/internal/services"
)

// PubSubCleanupPublisher publishes deferred order-discard tasks to a Pub/Sub topic.
// A worker subscribed to the topic retries the upstream delete out of band.
type PubSubCleanupPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.CleanupQueue = (*PubSubCleanupPublisher)(nil)

// NewPubSubCleanupPublisher constructs a Pub/Sub backed cleanup publisher.
func NewPubSubCleanupPublisher(topic *pubsub.Topic) (*PubSubCleanupPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub cleanup publisher: topic is required")
	}
	return &PubSubCleanupPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// EnqueueOrderDiscard publishes one discard task on the configured topic.
func (p *PubSubCleanupPublisher) EnqueueOrderDiscard(ctx context.Context, task services.OrderDiscardTask) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub cleanup publisher: not initialised")
	}

	data, err := p.marshal(task)
	if err != nil {
		return fmt.Errorf("marshal discard task: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "sessionId", task.SessionID)
	setAttr(attrs, "orderId", task.OrderID)
	setAttr(attrs, "reason", task.Reason)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish discard task: %w", err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
