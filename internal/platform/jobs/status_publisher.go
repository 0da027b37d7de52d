// Package jobs delivers reservation events to asynchronous channels.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/torquebay/api/internal/services"
)

// StatusChangedEvent is the type attribute of messages on the status topic.
const StatusChangedEvent = "reservation.status.changed"

type statusChangedMessage struct {
	ReservationID     string    `json:"reservationId"`
	CustomerID        string    `json:"customerId"`
	PreviousStatus    string    `json:"previousStatus"`
	Status            string    `json:"status"`
	StatusDisplayName string    `json:"statusDisplayName"`
	Vehicle           string    `json:"vehicle"`
	ActorID           string    `json:"actorId,omitempty"`
	OccurredAt        time.Time `json:"occurredAt"`
}

// PubSubStatusPublisher publishes committed status changes for downstream consumers
// (email, SMS, analytics). Messages are ordered per reservation.
type PubSubStatusPublisher struct {
	topic *pubsub.Topic
}

var _ services.Notifier = (*PubSubStatusPublisher)(nil)

// NewPubSubStatusPublisher enables message ordering on topic.
func NewPubSubStatusPublisher(topic *pubsub.Topic) (*PubSubStatusPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub status publisher: topic is required")
	}
	topic.EnableMessageOrdering = true
	return &PubSubStatusPublisher{topic: topic}, nil
}

// Notify blocks until the broker acknowledges the message or ctx ends.
func (p *PubSubStatusPublisher) Notify(ctx context.Context, event services.NotificationEvent) error {
	data, err := json.Marshal(statusChangedMessage{
		ReservationID:     event.ReservationID,
		CustomerID:        event.CustomerID,
		PreviousStatus:    string(event.PreviousStatus),
		Status:            string(event.Status),
		StatusDisplayName: event.NewStatusDisplayName,
		Vehicle:           event.VehicleDescriptor,
		ActorID:           event.ActorID,
		OccurredAt:        event.OccurredAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal status change: %w", err)
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		OrderingKey: event.ReservationID,
		Attributes: map[string]string{
			"type":          StatusChangedEvent,
			"reservationId": event.ReservationID,
			"status":        string(event.Status),
		},
	})
	if _, err := result.Get(ctx); err != nil {
		p.topic.ResumePublish(event.ReservationID)
		return fmt.Errorf("publish status change: %w", err)
	}
	return nil
}
