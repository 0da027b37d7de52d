package handlers

import (
	"net/http"
	"time"

	"github.com/torquebay/api/internal/domain"
	"github.com/torquebay/api/internal/services"
)

type vehiclePayload struct {
	Make       string `json:"make,omitempty"`
	Model      string `json:"model,omitempty"`
	Year       int    `json:"year,omitempty"`
	Plate      string `json:"plate,omitempty"`
	Descriptor string `json:"descriptor"`
}

type serviceLinePayload struct {
	Index     int    `json:"index"`
	Service   string `json:"service"`
	Mechanic  string `json:"mechanic"`
	Assigned  bool   `json:"assigned"`
	Status    string `json:"status"`
	CreatedAt string `json:"createdAt,omitempty"`
}

type reservationPayload struct {
	ID            string               `json:"id"`
	CustomerID    string               `json:"customerId"`
	Vehicle       vehiclePayload       `json:"vehicle"`
	RequestedDate string               `json:"requestedDate,omitempty"`
	Status        string               `json:"status"`
	StatusLabel   string               `json:"statusLabel"`
	Services      []serviceLinePayload `json:"services"`
	Issue         string               `json:"issue,omitempty"`
	Attachments   []string             `json:"attachments,omitempty"`
	Version       int64                `json:"version"`
	CreatedAt     string               `json:"createdAt,omitempty"`
	UpdatedAt     string               `json:"updatedAt,omitempty"`
	UpdatedBy     string               `json:"updatedBy,omitempty"`
}

type commitPayload struct {
	Outcome       string `json:"outcome"`
	GlobalWrite   bool   `json:"globalWrite"`
	CustomerWrite bool   `json:"customerWrite"`
	GlobalError   string `json:"globalError,omitempty"`
	CustomerError string `json:"customerError,omitempty"`
}

type suggestionPayload struct {
	ReservationID string `json:"reservationId"`
	TargetStatus  string `json:"targetStatus"`
	Completed     int    `json:"completed"`
	Cancelled     int    `json:"cancelled"`
}

type pendingPayload struct {
	ID              string   `json:"id"`
	ReservationIDs  []string `json:"reservationIds"`
	Bulk            bool     `json:"bulk"`
	TargetStatus    string   `json:"targetStatus"`
	ServiceIndex    *int     `json:"serviceIndex,omitempty"`
	ExpectedVersion *int64   `json:"expectedVersion,omitempty"`
	RequestedBy     string   `json:"requestedBy,omitempty"`
	CreatedAt       string   `json:"createdAt"`
	ExpiresAt       string   `json:"expiresAt"`
}

type transitionResponse struct {
	Reservation *reservationPayload `json:"reservation,omitempty"`
	Commit      *commitPayload      `json:"commit,omitempty"`
	Pending     *pendingPayload     `json:"pending,omitempty"`
	Suggestion  *suggestionPayload  `json:"suggestion,omitempty"`
	Warnings    []string            `json:"warnings,omitempty"`
}

type bulkItemPayload struct {
	ReservationID string         `json:"reservationId"`
	Outcome       string         `json:"outcome"`
	Reason        string         `json:"reason,omitempty"`
	Error         string         `json:"error,omitempty"`
	Status        string         `json:"status,omitempty"`
	Version       int64          `json:"version,omitempty"`
	Commit        *commitPayload `json:"commit,omitempty"`
	Warnings      []string       `json:"warnings,omitempty"`
}

type bulkResponse struct {
	TargetStatus string            `json:"targetStatus"`
	Aggregate    string            `json:"aggregate"`
	Items        []bulkItemPayload `json:"items"`
	Pending      *pendingPayload   `json:"pending,omitempty"`
}

type consistencyResponse struct {
	ReservationID string              `json:"reservationId"`
	CustomerID    string              `json:"customerId,omitempty"`
	Diverged      bool                `json:"diverged"`
	Differences   []string            `json:"differences"`
	Source        string              `json:"source,omitempty"`
	NeedsReview   bool                `json:"needsReview"`
	Repaired      bool                `json:"repaired"`
	Global        *reservationPayload `json:"global,omitempty"`
	Customer      *reservationPayload `json:"customer,omitempty"`
}

func buildReservationPayload(reservation domain.Reservation) reservationPayload {
	payload := reservationPayload{
		ID:         reservation.ID,
		CustomerID: reservation.CustomerID,
		Vehicle: vehiclePayload{
			Make:       reservation.Vehicle.Make,
			Model:      reservation.Vehicle.Model,
			Year:       reservation.Vehicle.Year,
			Plate:      reservation.Vehicle.Plate,
			Descriptor: reservation.Vehicle.Descriptor(),
		},
		RequestedDate: formatTime(reservation.RequestedDate),
		Status:        string(reservation.Status),
		StatusLabel:   reservation.Status.DisplayName(),
		Services:      buildServiceLinePayloads(reservation.Services),
		Issue:         reservation.Issue,
		Version:       reservation.Version,
		CreatedAt:     formatTime(reservation.CreatedAt),
		UpdatedAt:     formatTime(reservation.UpdatedAt),
		UpdatedBy:     reservation.UpdatedBy,
	}
	if len(reservation.Attachments) > 0 {
		payload.Attachments = append([]string(nil), reservation.Attachments...)
	}
	return payload
}

func buildServiceLinePayloads(lines []domain.ServiceLine) []serviceLinePayload {
	out := make([]serviceLinePayload, 0, len(lines))
	for i, line := range lines {
		out = append(out, serviceLinePayload{
			Index:     i,
			Service:   line.Service,
			Mechanic:  line.Mechanic,
			Assigned:  line.Assigned(),
			Status:    string(line.Status),
			CreatedAt: formatTime(line.Created),
		})
	}
	return out
}

func buildCommitPayload(commit *services.CommitResult) *commitPayload {
	if commit == nil {
		return nil
	}
	payload := &commitPayload{
		Outcome:       string(commit.Outcome()),
		GlobalWrite:   commit.GlobalWriteOK,
		CustomerWrite: commit.CustomerWriteOK,
	}
	if commit.GlobalErr != nil {
		payload.GlobalError = commit.GlobalErr.Error()
	}
	if commit.CustomerErr != nil {
		payload.CustomerError = commit.CustomerErr.Error()
	}
	return payload
}

func buildPendingPayload(pending *domain.PendingTransition) *pendingPayload {
	if pending == nil {
		return nil
	}
	return &pendingPayload{
		ID:              pending.ID,
		ReservationIDs:  append([]string(nil), pending.ReservationIDs...),
		Bulk:            pending.Bulk,
		TargetStatus:    string(pending.TargetStatus),
		ServiceIndex:    pending.ServiceIndex,
		ExpectedVersion: pending.ExpectedVersion,
		RequestedBy:     pending.RequestedBy,
		CreatedAt:       formatTime(pending.CreatedAt),
		ExpiresAt:       formatTime(pending.ExpiresAt),
	}
}

func buildSuggestionPayload(suggestion *services.CompletionSuggestion) *suggestionPayload {
	if suggestion == nil {
		return nil
	}
	return &suggestionPayload{
		ReservationID: suggestion.ReservationID,
		TargetStatus:  string(suggestion.TargetStatus),
		Completed:     suggestion.Completed,
		Cancelled:     suggestion.Cancelled,
	}
}

func buildTransitionResponse(outcome services.TransitionOutcome) transitionResponse {
	resp := transitionResponse{
		Commit:     buildCommitPayload(outcome.Commit),
		Pending:    buildPendingPayload(outcome.Pending),
		Suggestion: buildSuggestionPayload(outcome.Suggestion),
		Warnings:   outcome.Warnings,
	}
	if outcome.Reservation.ID != "" {
		payload := buildReservationPayload(outcome.Reservation)
		resp.Reservation = &payload
	}
	return resp
}

func buildBulkResponse(result services.BulkResult) bulkResponse {
	items := make([]bulkItemPayload, 0, len(result.Order))
	for _, item := range result.Ordered() {
		payload := bulkItemPayload{
			ReservationID: item.ReservationID,
			Outcome:       string(item.Outcome),
			Reason:        string(item.Reason),
			Error:         item.Error,
			Commit:        buildCommitPayload(item.Commit),
			Warnings:      item.Warnings,
		}
		if item.Reservation != nil {
			payload.Status = string(item.Reservation.Status)
			payload.Version = item.Reservation.Version
		}
		items = append(items, payload)
	}
	return bulkResponse{
		TargetStatus: string(result.TargetStatus),
		Aggregate:    string(result.Aggregate),
		Items:        items,
		Pending:      buildPendingPayload(result.Pending),
	}
}

func buildConsistencyResponse(report services.ConsistencyReport) consistencyResponse {
	resp := consistencyResponse{
		ReservationID: report.ReservationID,
		CustomerID:    report.CustomerID,
		Diverged:      report.Diverged,
		Differences:   append([]string{}, report.Differences...),
		Source:        string(report.Source),
		NeedsReview:   report.Ambiguous,
		Repaired:      report.Repaired,
	}
	if report.Global != nil {
		payload := buildReservationPayload(*report.Global)
		resp.Global = &payload
	}
	if report.Customer != nil {
		payload := buildReservationPayload(*report.Customer)
		resp.Customer = &payload
	}
	return resp
}

// transitionStatusCode picks 202 for parked or partially committed changes.
func transitionStatusCode(outcome services.TransitionOutcome) int {
	if outcome.Pending != nil {
		return http.StatusAccepted
	}
	if outcome.Commit != nil && outcome.Commit.Partial() {
		return http.StatusAccepted
	}
	return http.StatusOK
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
