package domain

import (
	"fmt"
	"strings"
	"time"
)

// UnassignedMechanic marks a service line nobody has picked up yet.
const UnassignedMechanic = "unassigned"

// RecordLocation identifies one of the two mirrored copies of a reservation.
type RecordLocation string

const (
	// LocationGlobal is the shop-wide index keyed by reservation id.
	LocationGlobal RecordLocation = "global"
	// LocationCustomer is the per-customer index keyed by customer and reservation id.
	LocationCustomer RecordLocation = "customer"
)

// Vehicle describes the car a reservation is for.
type Vehicle struct {
	Make  string
	Model string
	Year  int
	Plate string
}

// Descriptor renders a short human readable label, e.g. "2019 Toyota Corolla (ABC-123)".
func (v Vehicle) Descriptor() string {
	parts := make([]string, 0, 3)
	if v.Year > 0 {
		parts = append(parts, fmt.Sprintf("%d", v.Year))
	}
	if brand := strings.TrimSpace(v.Make); brand != "" {
		parts = append(parts, brand)
	}
	if model := strings.TrimSpace(v.Model); model != "" {
		parts = append(parts, model)
	}
	label := strings.Join(parts, " ")
	if plate := strings.TrimSpace(v.Plate); plate != "" {
		if label == "" {
			return plate
		}
		label += " (" + plate + ")"
	}
	if label == "" {
		return "vehicle"
	}
	return label
}

// ServiceLine is one requested job on a reservation.
type ServiceLine struct {
	Service  string
	Mechanic string
	Status   Status
	Created  time.Time
}

// Assigned reports whether a mechanic has been set on the line.
func (l ServiceLine) Assigned() bool {
	m := strings.TrimSpace(l.Mechanic)
	return m != "" && m != UnassignedMechanic
}

// Reservation is a customer's request for repair work on one vehicle.
type Reservation struct {
	ID            string
	CustomerID    string
	Vehicle       Vehicle
	RequestedDate time.Time
	Status        Status
	Services      []ServiceLine
	Issue         string
	Attachments   []string
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
	UpdatedBy     string
}

// Key returns the identifiers addressing both mirrored copies.
func (r Reservation) Key() ReservationKey {
	return ReservationKey{ID: r.ID, CustomerID: r.CustomerID}
}

// Clone returns a deep copy so callers can derive a next state without touching the original.
func (r Reservation) Clone() Reservation {
	out := r
	if r.Services != nil {
		out.Services = append([]ServiceLine(nil), r.Services...)
	}
	if r.Attachments != nil {
		out.Attachments = append([]string(nil), r.Attachments...)
	}
	return out
}

// ReservationKey addresses a reservation at either location.
type ReservationKey struct {
	ID         string
	CustomerID string
}

// PendingTransition is an irreversible transition parked until a human authorizes it.
type PendingTransition struct {
	ID             string
	ReservationIDs []string
	Bulk           bool
	TargetStatus   Status
	// ServiceIndex is set when the transition targets a single service line.
	ServiceIndex    *int
	ExpectedVersion *int64
	RequestedBy     string
	CreatedAt       time.Time
	ExpiresAt       time.Time
}

// Expired reports whether the pending transition can no longer be authorized at now.
func (p PendingTransition) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}

// ReconciliationTicket records a partially committed reservation whose copies diverged.
type ReconciliationTicket struct {
	ReservationID string
	CustomerID    string
	// StaleLocation is the copy whose write failed.
	StaleLocation RecordLocation
	Attempts      int
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	NextAttemptAt time.Time
}
