// Package events publishes dispatch outcome summaries to Google Cloud Pub/Sub.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"github.com/tinywideclouds/go-dispatch-service/pkg/dispatch"
)

// pubsubPublisher is the subset of *pubsub.Publisher we use.
type pubsubPublisher interface {
	Publish(ctx context.Context, msg *pubsub.Message) *pubsub.PublishResult
}

// Publisher implements dispatch.EventPublisher over a Pub/Sub topic.
type Publisher struct {
	topic  pubsubPublisher
	logger *slog.Logger
	now    func() time.Time
}

func NewPublisher(topic pubsubPublisher, logger *slog.Logger) *Publisher {
	return &Publisher{
		topic:  topic,
		logger: logger.With("component", "EventPublisher"),
		now:    time.Now,
	}
}

// Publish stamps the event with an id and time when unset, then waits for the
// server ack.
func (p *Publisher) Publish(ctx context.Context, event dispatch.Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = p.now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch event: %w", err)
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"operation": event.Operation,
			"protocol":  string(event.Protocol),
			"success":   strconv.FormatBool(event.Success),
		},
	})
	serverID, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to publish dispatch event %s: %w", event.ID, err)
	}

	p.logger.Debug("Dispatch event published", "event_id", event.ID, "server_id", serverID, "operation", event.Operation)
	return nil
}
