package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/torquebay/api/internal/domain"
	pfirestore "github.com/torquebay/api/internal/platform/firestore"
	"github.com/torquebay/api/internal/repositories"
)

const (
	globalReservationCollection          = "reservations"
	customerReservationCollectionPattern = "users/%s/reservations"
)

// ReservationRepository persists one mirrored copy of reservations in Firestore. The
// global copy lives in reservations/{id}; the customer copy in users/{uid}/reservations/{id}.
// Both copies share one document shape.
type ReservationRepository struct {
	provider *pfirestore.Provider
	location domain.RecordLocation
}

var (
	_ repositories.ReservationStore         = (*ReservationRepository)(nil)
	_ repositories.CustomerReservationStore = (*ReservationRepository)(nil)
)

// NewGlobalReservationRepository constructs the shop-wide reservation index.
func NewGlobalReservationRepository(provider *pfirestore.Provider) (*ReservationRepository, error) {
	return newReservationRepository(provider, domain.LocationGlobal)
}

// NewCustomerReservationRepository constructs the customer-scoped reservation index.
func NewCustomerReservationRepository(provider *pfirestore.Provider) (*ReservationRepository, error) {
	return newReservationRepository(provider, domain.LocationCustomer)
}

func newReservationRepository(provider *pfirestore.Provider, location domain.RecordLocation) (*ReservationRepository, error) {
	if provider == nil {
		return nil, errors.New("reservation repository requires firestore provider")
	}
	return &ReservationRepository{provider: provider, location: location}, nil
}

// Location reports which mirrored copy the repository manages.
func (r *ReservationRepository) Location() domain.RecordLocation {
	return r.location
}

// Get loads a reservation copy.
func (r *ReservationRepository) Get(ctx context.Context, key domain.ReservationKey) (domain.Reservation, error) {
	ref, err := r.document(ctx, key)
	if err != nil {
		return domain.Reservation{}, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		return domain.Reservation{}, pfirestore.WrapError(r.op("get"), err)
	}
	return decodeReservationDocument(snap)
}

// Save writes the reservation when the stored version matches expectedVersion.
func (r *ReservationRepository) Save(ctx context.Context, reservation domain.Reservation, expectedVersion int64) (domain.Reservation, error) {
	ref, err := r.document(ctx, reservation.Key())
	if err != nil {
		return domain.Reservation{}, err
	}

	doc := encodeReservation(reservation)
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		switch status.Code(err) {
		case codes.NotFound:
			if expectedVersion != 0 {
				return pfirestore.NewNotFoundError(r.op("save"), "reservation %s missing, expected version %d", reservation.ID, expectedVersion)
			}
			return tx.Create(ref, doc)
		case codes.OK:
		default:
			return err
		}

		var stored reservationDocument
		if err := snap.DataTo(&stored); err != nil {
			return fmt.Errorf("decode reservation %s: %w", ref.ID, err)
		}
		if stored.Version != expectedVersion {
			return pfirestore.NewConflictError(r.op("save"), "reservation %s version %d, expected %d", reservation.ID, stored.Version, expectedVersion)
		}
		return tx.Set(ref, doc)
	})
	if err != nil {
		return domain.Reservation{}, pfirestore.WrapError(r.op("save"), err)
	}
	return doc.toDomain(reservation.ID), nil
}

// ListByCustomer returns a customer's reservations, newest requested date first.
func (r *ReservationRepository) ListByCustomer(ctx context.Context, customerID string) ([]domain.Reservation, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, errors.New("reservation repository: customer id is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	var query firestore.Query
	if r.location == domain.LocationCustomer {
		query = client.Collection(fmt.Sprintf(customerReservationCollectionPattern, customerID)).Query
	} else {
		query = client.Collection(globalReservationCollection).Where("customerId", "==", customerID)
	}

	iter := query.OrderBy("requestedDate", firestore.Desc).Documents(ctx)
	defer iter.Stop()

	var results []domain.Reservation
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError(r.op("list"), err)
		}
		reservation, err := decodeReservationDocument(snap)
		if err != nil {
			return nil, err
		}
		results = append(results, reservation)
	}
	return results, nil
}

func (r *ReservationRepository) document(ctx context.Context, key domain.ReservationKey) (*firestore.DocumentRef, error) {
	id := strings.TrimSpace(key.ID)
	if id == "" {
		return nil, errors.New("reservation repository: reservation id is required")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	if r.location == domain.LocationGlobal {
		return client.Collection(globalReservationCollection).Doc(id), nil
	}
	customerID := strings.TrimSpace(key.CustomerID)
	if customerID == "" {
		return nil, errors.New("reservation repository: customer id is required")
	}
	return client.Collection(fmt.Sprintf(customerReservationCollectionPattern, customerID)).Doc(id), nil
}

func (r *ReservationRepository) op(action string) string {
	return "reservations." + string(r.location) + "." + action
}

// reservationDocument is the shape of both copies. The id is stored alongside the document
// key so an exported copy identifies itself.
type reservationDocument struct {
	ID            string                `firestore:"id"`
	CustomerID    string                `firestore:"customerId"`
	Vehicle       vehicleDocument       `firestore:"vehicle"`
	RequestedDate time.Time             `firestore:"requestedDate"`
	Status        string                `firestore:"status"`
	Services      []serviceLineDocument `firestore:"services"`
	Issue         string                `firestore:"issue"`
	Attachments   []string              `firestore:"attachments,omitempty"`
	Version       int64                 `firestore:"version"`
	CreatedAt     time.Time             `firestore:"createdAt"`
	UpdatedAt     time.Time             `firestore:"updatedAt"`
	UpdatedBy     string                `firestore:"updatedBy,omitempty"`
}

type vehicleDocument struct {
	Make  string `firestore:"make"`
	Model string `firestore:"model"`
	Year  int    `firestore:"year"`
	Plate string `firestore:"plate"`
}

type serviceLineDocument struct {
	Service  string    `firestore:"service"`
	Mechanic string    `firestore:"mechanic"`
	Status   string    `firestore:"status"`
	Created  time.Time `firestore:"created"`
}

func encodeReservation(reservation domain.Reservation) reservationDocument {
	services := make([]serviceLineDocument, 0, len(reservation.Services))
	for _, line := range reservation.Services {
		mechanic := strings.TrimSpace(line.Mechanic)
		if mechanic == "" {
			mechanic = domain.UnassignedMechanic
		}
		services = append(services, serviceLineDocument{
			Service:  line.Service,
			Mechanic: mechanic,
			Status:   string(line.Status),
			Created:  line.Created.UTC(),
		})
	}
	return reservationDocument{
		ID:         reservation.ID,
		CustomerID: reservation.CustomerID,
		Vehicle: vehicleDocument{
			Make:  reservation.Vehicle.Make,
			Model: reservation.Vehicle.Model,
			Year:  reservation.Vehicle.Year,
			Plate: reservation.Vehicle.Plate,
		},
		RequestedDate: reservation.RequestedDate.UTC(),
		Status:        string(reservation.Status),
		Services:      services,
		Issue:         reservation.Issue,
		Attachments:   append([]string(nil), reservation.Attachments...),
		Version:       reservation.Version,
		CreatedAt:     reservation.CreatedAt.UTC(),
		UpdatedAt:     reservation.UpdatedAt.UTC(),
		UpdatedBy:     reservation.UpdatedBy,
	}
}

// toDomain keys the reservation by the document id, falling back to the stored field.
func (d reservationDocument) toDomain(id string) domain.Reservation {
	if id == "" {
		id = d.ID
	}
	services := make([]domain.ServiceLine, 0, len(d.Services))
	for _, line := range d.Services {
		services = append(services, domain.ServiceLine{
			Service:  line.Service,
			Mechanic: line.Mechanic,
			Status:   domain.Status(line.Status),
			Created:  line.Created.UTC(),
		})
	}
	return domain.Reservation{
		ID:         id,
		CustomerID: d.CustomerID,
		Vehicle: domain.Vehicle{
			Make:  d.Vehicle.Make,
			Model: d.Vehicle.Model,
			Year:  d.Vehicle.Year,
			Plate: d.Vehicle.Plate,
		},
		RequestedDate: d.RequestedDate.UTC(),
		Status:        domain.Status(d.Status),
		Services:      services,
		Issue:         d.Issue,
		Attachments:   append([]string(nil), d.Attachments...),
		Version:       d.Version,
		CreatedAt:     d.CreatedAt.UTC(),
		UpdatedAt:     d.UpdatedAt.UTC(),
		UpdatedBy:     d.UpdatedBy,
	}
}

func decodeReservationDocument(snap *firestore.DocumentSnapshot) (domain.Reservation, error) {
	var doc reservationDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Reservation{}, fmt.Errorf("decode reservation %s: %w", snap.Ref.ID, err)
	}
	return doc.toDomain(snap.Ref.ID), nil
}
