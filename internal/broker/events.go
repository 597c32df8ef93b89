package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"storefront/internal/models"
)

// NotificationPublisher puts outbox notifications on the notifications
// topic. Delivery is at-least-once end to end: the outbox row is the source
// of truth and consumers must tolerate duplicates.
type NotificationPublisher struct {
	producer *Producer
}

// NewNotificationPublisher creates a new notification publisher.
func NewNotificationPublisher(producer *Producer) *NotificationPublisher {
	return &NotificationPublisher{producer: producer}
}

// PublishNotification publishes one notification, keyed by order so events
// for the same order stay ordered.
func (np *NotificationPublisher) PublishNotification(ctx context.Context, event *models.NotificationEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	key := fmt.Sprintf("order-%d", event.OrderID)
	if err := np.producer.Publish(ctx, key, value); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// DecodeNotification parses a consumed notification message.
func DecodeNotification(value []byte) (*models.NotificationEvent, error) {
	var event models.NotificationEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal notification: %w", err)
	}
	return &event, nil
}
