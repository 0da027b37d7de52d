package services

import (
	"context"
	"errors"
	"time"

	"github.com/torquebay/api/internal/domain"
)

// NotificationEvent describes a committed reservation-level status change.
type NotificationEvent struct {
	ReservationID        string
	CustomerID           string
	PreviousStatus       domain.Status
	Status               domain.Status
	NewStatusDisplayName string
	VehicleDescriptor    string
	ActorID              string
	OccurredAt           time.Time
}

// Notifier delivers status change notifications. Delivery is fire-and-forget; a failure
// never undoes the committed transition.
type Notifier interface {
	Notify(ctx context.Context, event NotificationEvent) error
}

// MultiNotifier fans out to several channels and joins their errors.
type MultiNotifier []Notifier

// Notify delivers to every channel even when one fails.
func (m MultiNotifier) Notify(ctx context.Context, event NotificationEvent) error {
	var errs []error
	for _, notifier := range m {
		if notifier == nil {
			continue
		}
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newNotificationEvent(previous, saved domain.Reservation, actor string, at time.Time) NotificationEvent {
	return NotificationEvent{
		ReservationID:        saved.ID,
		CustomerID:           saved.CustomerID,
		PreviousStatus:       previous.Status,
		Status:               saved.Status,
		NewStatusDisplayName: saved.Status.DisplayName(),
		VehicleDescriptor:    saved.Vehicle.Descriptor(),
		ActorID:              actor,
		OccurredAt:           at,
	}
}
