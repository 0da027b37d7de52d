package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/torquebay/api/internal/domain"
	"github.com/torquebay/api/internal/services"
)

var errNotImplemented = errors.New("not implemented")

type stubReservationService struct {
	getFn           func(context.Context, string) (domain.Reservation, error)
	getCustomerFn   func(context.Context, string, string) (domain.Reservation, error)
	listCustomerFn  func(context.Context, string) ([]domain.Reservation, error)
	transitionFn    func(context.Context, services.ReservationTransitionCommand) (services.TransitionOutcome, error)
	serviceFn       func(context.Context, services.ServiceTransitionCommand) (services.TransitionOutcome, error)
	addServicesFn   func(context.Context, services.AddServicesCommand) (services.AddServicesOutcome, error)
	removeServiceFn func(context.Context, services.RemoveServiceCommand) (services.TransitionOutcome, error)
	assignFn        func(context.Context, services.AssignMechanicCommand) (services.TransitionOutcome, error)
	updateIssueFn   func(context.Context, services.UpdateIssueCommand) (services.TransitionOutcome, error)
	cancelFn        func(context.Context, services.CustomerCancelCommand) (services.TransitionOutcome, error)
	bulkFn          func(context.Context, services.BulkTransitionCommand) (services.BulkResult, error)
	authorizeFn     func(context.Context, services.AuthorizePendingCommand) (services.PendingResolution, error)
	discardFn       func(context.Context, string) error
	cleanupFn       func(context.Context, int) (int, error)
	checkFn         func(context.Context, string) (services.ConsistencyReport, error)
	reconcileFn     func(context.Context, string) (services.ConsistencyReport, error)
	runReconcileFn  func(context.Context) (services.ReconcileSummary, error)
}

var _ services.ReservationService = (*stubReservationService)(nil)

func (s *stubReservationService) GetReservation(ctx context.Context, id string) (domain.Reservation, error) {
	if s.getFn != nil {
		return s.getFn(ctx, id)
	}
	return domain.Reservation{}, errNotImplemented
}

func (s *stubReservationService) GetCustomerReservation(ctx context.Context, customerID, id string) (domain.Reservation, error) {
	if s.getCustomerFn != nil {
		return s.getCustomerFn(ctx, customerID, id)
	}
	return domain.Reservation{}, errNotImplemented
}

func (s *stubReservationService) ListCustomerReservations(ctx context.Context, customerID string) ([]domain.Reservation, error) {
	if s.listCustomerFn != nil {
		return s.listCustomerFn(ctx, customerID)
	}
	return nil, nil
}

func (s *stubReservationService) TransitionReservation(ctx context.Context, cmd services.ReservationTransitionCommand) (services.TransitionOutcome, error) {
	if s.transitionFn != nil {
		return s.transitionFn(ctx, cmd)
	}
	return services.TransitionOutcome{}, errNotImplemented
}

func (s *stubReservationService) TransitionService(ctx context.Context, cmd services.ServiceTransitionCommand) (services.TransitionOutcome, error) {
	if s.serviceFn != nil {
		return s.serviceFn(ctx, cmd)
	}
	return services.TransitionOutcome{}, errNotImplemented
}

func (s *stubReservationService) AddServices(ctx context.Context, cmd services.AddServicesCommand) (services.AddServicesOutcome, error) {
	if s.addServicesFn != nil {
		return s.addServicesFn(ctx, cmd)
	}
	return services.AddServicesOutcome{}, errNotImplemented
}

func (s *stubReservationService) RemoveService(ctx context.Context, cmd services.RemoveServiceCommand) (services.TransitionOutcome, error) {
	if s.removeServiceFn != nil {
		return s.removeServiceFn(ctx, cmd)
	}
	return services.TransitionOutcome{}, errNotImplemented
}

func (s *stubReservationService) AssignMechanic(ctx context.Context, cmd services.AssignMechanicCommand) (services.TransitionOutcome, error) {
	if s.assignFn != nil {
		return s.assignFn(ctx, cmd)
	}
	return services.TransitionOutcome{}, errNotImplemented
}

func (s *stubReservationService) UpdateIssue(ctx context.Context, cmd services.UpdateIssueCommand) (services.TransitionOutcome, error) {
	if s.updateIssueFn != nil {
		return s.updateIssueFn(ctx, cmd)
	}
	return services.TransitionOutcome{}, errNotImplemented
}

func (s *stubReservationService) CancelByCustomer(ctx context.Context, cmd services.CustomerCancelCommand) (services.TransitionOutcome, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, cmd)
	}
	return services.TransitionOutcome{}, errNotImplemented
}

func (s *stubReservationService) BulkTransition(ctx context.Context, cmd services.BulkTransitionCommand) (services.BulkResult, error) {
	if s.bulkFn != nil {
		return s.bulkFn(ctx, cmd)
	}
	return services.BulkResult{}, errNotImplemented
}

func (s *stubReservationService) AuthorizePending(ctx context.Context, cmd services.AuthorizePendingCommand) (services.PendingResolution, error) {
	if s.authorizeFn != nil {
		return s.authorizeFn(ctx, cmd)
	}
	return services.PendingResolution{}, errNotImplemented
}

func (s *stubReservationService) DiscardPending(ctx context.Context, pendingID string) error {
	if s.discardFn != nil {
		return s.discardFn(ctx, pendingID)
	}
	return errNotImplemented
}

func (s *stubReservationService) CleanupExpiredPending(ctx context.Context, limit int) (int, error) {
	if s.cleanupFn != nil {
		return s.cleanupFn(ctx, limit)
	}
	return 0, nil
}

func (s *stubReservationService) CheckConsistency(ctx context.Context, id string) (services.ConsistencyReport, error) {
	if s.checkFn != nil {
		return s.checkFn(ctx, id)
	}
	return services.ConsistencyReport{}, errNotImplemented
}

func (s *stubReservationService) Reconcile(ctx context.Context, id string) (services.ConsistencyReport, error) {
	if s.reconcileFn != nil {
		return s.reconcileFn(ctx, id)
	}
	return services.ConsistencyReport{}, errNotImplemented
}

func (s *stubReservationService) RunReconciliation(ctx context.Context) (services.ReconcileSummary, error) {
	if s.runReconcileFn != nil {
		return s.runReconcileFn(ctx)
	}
	return services.ReconcileSummary{}, nil
}

var testNow = time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)

func testReservation(id string, status domain.Status) domain.Reservation {
	return domain.Reservation{
		ID:         id,
		CustomerID: "cust-1",
		Vehicle:    domain.Vehicle{Make: "Toyota", Model: "Corolla", Year: 2019, Plate: "ABC-123"},
		Status:     status,
		Services: []domain.ServiceLine{
			{Service: "oil change", Mechanic: domain.UnassignedMechanic, Status: status, Created: testNow},
		},
		Version:   3,
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}
}
