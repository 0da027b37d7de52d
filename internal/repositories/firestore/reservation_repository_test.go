package firestore

import (
	"reflect"
	"testing"
	"time"

	"github.com/torquebay/api/internal/domain"
)

func TestReservationDocumentRoundTrip(t *testing.T) {
	created := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	reservation := domain.Reservation{
		ID:            "res-1",
		CustomerID:    "cust-1",
		Vehicle:       domain.Vehicle{Make: "Honda", Model: "Civic", Year: 2018, Plate: "KL-22"},
		RequestedDate: created.Add(48 * time.Hour),
		Status:        domain.StatusRepairing,
		Services: []domain.ServiceLine{
			{Service: "Oil Change", Mechanic: "mika", Status: domain.StatusCompleted, Created: created},
			{Service: "Brake Pads", Mechanic: domain.UnassignedMechanic, Status: domain.StatusRepairing, Created: created},
			{Service: "Wipers", Mechanic: domain.UnassignedMechanic, Status: domain.StatusCancelled, Created: created},
		},
		Issue:       "squeal when braking",
		Attachments: []string{"uploads/res-1/photo.jpg"},
		Version:     7,
		CreatedAt:   created,
		UpdatedAt:   created.Add(time.Hour),
		UpdatedBy:   "staff-1",
	}

	doc := encodeReservation(reservation)
	if doc.ID != "res-1" || doc.CustomerID != "cust-1" {
		t.Fatalf("expected identity fields stored, got id=%q customer=%q", doc.ID, doc.CustomerID)
	}
	got := doc.toDomain(reservation.ID)
	if !reflect.DeepEqual(got, reservation) {
		t.Fatalf("round trip mismatch\n got: %#v\nwant: %#v", got, reservation)
	}
	if fromField := doc.toDomain(""); fromField.ID != "res-1" {
		t.Fatalf("expected stored id when the key is unknown, got %q", fromField.ID)
	}
}

func TestEncodeReservationDefaultsMechanic(t *testing.T) {
	doc := encodeReservation(domain.Reservation{
		ID:       "res-2",
		Status:   domain.StatusPending,
		Services: []domain.ServiceLine{{Service: "Tyres", Status: domain.StatusPending}},
	})
	if doc.Services[0].Mechanic != domain.UnassignedMechanic {
		t.Fatalf("expected unassigned sentinel, got %q", doc.Services[0].Mechanic)
	}
	if doc.Status != "PENDING" || doc.Services[0].Status != "PENDING" {
		t.Fatalf("unexpected status encoding %+v", doc)
	}
}

func TestReservationRepositoryLocationPaths(t *testing.T) {
	global := &ReservationRepository{location: domain.LocationGlobal}
	customer := &ReservationRepository{location: domain.LocationCustomer}
	if global.op("save") != "reservations.global.save" {
		t.Fatalf("unexpected op %s", global.op("save"))
	}
	if customer.Location() != domain.LocationCustomer {
		t.Fatalf("unexpected location %s", customer.Location())
	}
}
