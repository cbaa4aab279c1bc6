package workflow

import (
	"context"
	"strconv"

	"github.com/mmdatafocus/gstrecon_backend/config"
)

const EventReconciliationCompleted = "reconciliation.completed"

type EventPublisher interface {
	PublishRunCompleted(ctx context.Context, s RunSummary) error
}

// PubSubEventPublisher announces finished runs on a Pub/Sub topic.
type PubSubEventPublisher struct {
	Topic string
}

// NewPubSubEventPublisher returns nil when no topic is configured.
func NewPubSubEventPublisher(topic string) EventPublisher {
	if topic == "" {
		return nil
	}
	return &PubSubEventPublisher{Topic: topic}
}

func (p *PubSubEventPublisher) PublishRunCompleted(ctx context.Context, s RunSummary) error {
	_, err := config.PublishJSON(ctx, p.Topic, s, map[string]string{
		"event":    EventReconciliationCompleted,
		"run_id":   s.RunID,
		"trigger":  s.Trigger,
		"status":   s.Status,
		"findings": strconv.Itoa(s.Findings),
	})
	return err
}
