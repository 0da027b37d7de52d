package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/torquebay/api/internal/platform/firestore"
	"github.com/torquebay/api/internal/repositories"
)

// Registry wires the Firestore-backed repositories around one provider.
type Registry struct {
	provider        *pfirestore.Provider
	global          *ReservationRepository
	customer        *ReservationRepository
	reconciliations *ReconciliationRepository
	pending         *PendingTransitionRepository
	health          repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs every Firestore repository. Extra readiness checks are
// evaluated alongside the Firestore ping.
func NewRegistry(provider *pfirestore.Provider, checks ...repositories.DependencyCheck) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry requires provider")
	}
	global, err := NewGlobalReservationRepository(provider)
	if err != nil {
		return nil, err
	}
	customer, err := NewCustomerReservationRepository(provider)
	if err != nil {
		return nil, err
	}
	reconciliations, err := NewReconciliationRepository(provider)
	if err != nil {
		return nil, err
	}
	pending, err := NewPendingTransitionRepository(provider)
	if err != nil {
		return nil, err
	}

	ping := repositories.DependencyCheck{Name: "firestore", Check: provider.Ping}
	health, err := repositories.NewDependencyHealthRepository(append([]repositories.DependencyCheck{ping}, checks...), nil)
	if err != nil {
		return nil, err
	}

	return &Registry{
		provider:        provider,
		global:          global,
		customer:        customer,
		reconciliations: reconciliations,
		pending:         pending,
		health:          health,
	}, nil
}

func (r *Registry) Close(ctx context.Context) error { return r.provider.Close(ctx) }

func (r *Registry) GlobalReservations() repositories.ReservationStore { return r.global }

func (r *Registry) CustomerReservations() repositories.CustomerReservationStore { return r.customer }

func (r *Registry) Reconciliations() repositories.ReconciliationRepository { return r.reconciliations }

func (r *Registry) PendingTransitions() repositories.PendingTransitionRepository { return r.pending }

func (r *Registry) Health() repositories.HealthRepository { return r.health }
