package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"firebase.google.com/go/v4/messaging"

	"github.com/torquebay/api/internal/services"
)

type messageSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// PushNotifier sends an FCM message to the customer's topic, which every device of that
// customer subscribes to at sign in.
type PushNotifier struct {
	sender messageSender
}

var _ services.Notifier = (*PushNotifier)(nil)

// NewPushNotifier wraps an FCM client.
func NewPushNotifier(sender messageSender) (*PushNotifier, error) {
	if sender == nil {
		return nil, errors.New("push notifier: messaging client is required")
	}
	return &PushNotifier{sender: sender}, nil
}

// CustomerTopic is the FCM topic of a customer's devices.
func CustomerTopic(customerID string) string {
	return "customer-" + strings.TrimSpace(customerID)
}

// Notify tells the customer their reservation moved, e.g. "2019 Toyota Corolla (ABC-123)
// is now Repairing".
func (n *PushNotifier) Notify(ctx context.Context, event services.NotificationEvent) error {
	if strings.TrimSpace(event.CustomerID) == "" {
		return errors.New("push notifier: event has no customer")
	}
	message := &messaging.Message{
		Topic: CustomerTopic(event.CustomerID),
		Notification: &messaging.Notification{
			Title: "Reservation update",
			Body:  fmt.Sprintf("%s is now %s", event.VehicleDescriptor, event.NewStatusDisplayName),
		},
		Data: map[string]string{
			"type":          StatusChangedEvent,
			"reservationId": event.ReservationID,
			"status":        string(event.Status),
		},
		Android: &messaging.AndroidConfig{CollapseKey: event.ReservationID},
	}
	if _, err := n.sender.Send(ctx, message); err != nil {
		return fmt.Errorf("send push notification: %w", err)
	}
	return nil
}
