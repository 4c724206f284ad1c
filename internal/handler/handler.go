// Package handler contains chi HTTP handlers that translate HTTP
// requests/responses to and from the admission core.
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Shivanand-hulikatti/ticket-admission/internal/model"
	"github.com/Shivanand-hulikatti/ticket-admission/internal/service"
)

// ─── Helper utilities ─────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind model.ErrorKind, msg string) {
	writeJSON(w, status, model.ErrorResponse{Kind: kind, Error: msg})
}

// statusForKind maps stable error kinds to HTTP status codes.
var statusForKind = map[model.ErrorKind]int{
	model.KindCapacityExhausted:         http.StatusConflict,
	model.KindAlreadyEnrolled:           http.StatusConflict,
	model.KindRequestInProgress:         http.StatusConflict,
	model.KindReservationExpired:        http.StatusGone,
	model.KindInconsistentLedgerState:   http.StatusServiceUnavailable,
	model.KindPaymentTransitionConflict: http.StatusConflict,
	model.KindInvalidRequest:            http.StatusBadRequest,
	model.KindNotFound:                  http.StatusNotFound,
	model.KindIdempotencyKeyReused:      http.StatusUnprocessableEntity,
	model.KindForbidden:                 http.StatusForbidden,
}

// writeKindError renders err by kind. Internal errors are logged and never
// echoed to the client.
func writeKindError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	kind := model.KindOf(err)
	status, ok := statusForKind[kind]
	if !ok {
		logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, model.KindInternal, "internal error")
		return
	}
	writeError(w, status, kind, err.Error())
}

func decodeJSON(r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func badBody(w http.ResponseWriter, err error) {
	writeError(w, http.StatusBadRequest, model.KindInvalidRequest, "invalid request body: "+err.Error())
}

// ─── Events (operator) ────────────────────────────────────────────────────────

// EventHandler serves the event catalogue and ledger operator routes.
type EventHandler struct {
	svc    *service.EventService
	logger *slog.Logger
}

// NewEventHandler constructs an EventHandler.
func NewEventHandler(svc *service.EventService, logger *slog.Logger) *EventHandler {
	return &EventHandler{svc: svc, logger: logger}
}

// CreateEvent handles POST /events
// Creates a new event and opens its capacity ledger.
func (h *EventHandler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req model.CreateEventRequest
	if err := decodeJSON(r, &req); err != nil {
		badBody(w, err)
		return
	}
	event, err := h.svc.CreateEvent(r.Context(), req)
	if err != nil {
		writeKindError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

// ListEvents handles GET /events
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.svc.ListEvents(r.Context())
	if err != nil {
		writeKindError(w, r, h.logger, err)
		return
	}
	// Return an empty array rather than null for better client compatibility.
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// GetEvent handles GET /events/{id}
func (h *EventHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.svc.GetEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeKindError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// SetCapacity handles PUT /events/{id}/capacity
func (h *EventHandler) SetCapacity(w http.ResponseWriter, r *http.Request) {
	var req model.CapacityRequest
	if err := decodeJSON(r, &req); err != nil {
		badBody(w, err)
		return
	}
	snap, err := h.svc.SetCapacity(r.Context(), chi.URLParam(r, "id"), req.Capacity)
	if err != nil {
		writeKindError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Availability handles GET /events/{id}/availability
func (h *EventHandler) Availability(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.Availability(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeKindError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Reconcile handles POST /admin/events/{id}/reconcile
// A diverged ledger answers 503 with the audit so the operator can see why.
func (h *EventHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	audit, err := h.svc.Reconcile(r.Context(), chi.URLParam(r, "id"))
	if err != nil && audit != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"kind":  model.KindOf(err),
			"error": err.Error(),
			"audit": audit,
		})
		return
	}
	if err != nil {
		writeKindError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, audit)
}

// Repair handles POST /admin/events/{id}/repair
func (h *EventHandler) Repair(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.Repair(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeKindError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ─── Bookings ─────────────────────────────────────────────────────────────────

// BookingHandler serves the user-facing admission routes.
type BookingHandler struct {
	admission *service.AdmissionController
	logger    *slog.Logger
}

// NewBookingHandler constructs a BookingHandler.
func NewBookingHandler(admission *service.AdmissionController, logger *slog.Logger) *BookingHandler {
	return &BookingHandler{admission: admission, logger: logger}
}

// RequestBooking handles POST /events/{id}/bookings
// Answers 201 with a PENDING booking, 200 on an idempotent replay, or 202 when
// the user was put on the waitlist.
func (h *BookingHandler) RequestBooking(w http.ResponseWriter, r *http.Request) {
	var req model.BookRequest
	if err := decodeJSON(r, &req); err != nil {
		badBody(w, err)
		return
	}
	res, err := h.admission.RequestBooking(r.Context(), model.BookingRequest{
		UserID:         UserID(r.Context()),
		EventID:        chi.URLParam(r, "id"),
		Quantity:       req.Quantity,
		IdempotencyKey: strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader)),
	})
	if model.IsKind(err, model.KindAlreadyEnrolled) && res != nil {
		writeJSON(w, http.StatusConflict, map[string]any{
			"kind":     model.KindAlreadyEnrolled,
			"error":    err.Error(),
			"position": res.Position,
		})
		return
	}
	if err != nil {
		writeKindError(w, r, h.logger, err)
		return
	}
	switch {
	case res.Waitlisted:
		writeJSON(w, http.StatusAccepted, res)
	case res.Replayed:
		writeJSON(w, http.StatusOK, res)
	default:
		writeJSON(w, http.StatusCreated, res)
	}
}

// GetBooking handles GET /bookings/{id}
func (h *BookingHandler) GetBooking(w http.ResponseWriter, r *http.Request) {
	view, err := h.admission.GetBooking(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeKindError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// CancelBooking handles POST /bookings/{id}/cancel
// Cancelling an already cancelled booking returns it unchanged.
func (h *BookingHandler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	view, err := h.admission.Cancel(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeKindError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// WaitlistPosition handles GET /events/{id}/waitlist/me
func (h *BookingHandler) WaitlistPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := h.admission.WaitlistPosition(r.Context(), chi.URLParam(r, "id"), UserID(r.Context()))
	if err != nil {
		writeKindError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, model.AdmissionResult{Waitlisted: true, Position: pos})
}

// LeaveWaitlist handles DELETE /events/{id}/waitlist/me
func (h *BookingHandler) LeaveWaitlist(w http.ResponseWriter, r *http.Request) {
	if err := h.admission.LeaveWaitlist(r.Context(), chi.URLParam(r, "id"), UserID(r.Context())); err != nil {
		writeKindError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Payments ─────────────────────────────────────────────────────────────────

// PaymentHandler receives gateway callbacks over HTTP.
type PaymentHandler struct {
	payments *service.PaymentCoordinator
	logger   *slog.Logger
}

// NewPaymentHandler constructs a PaymentHandler.
func NewPaymentHandler(payments *service.PaymentCoordinator, logger *slog.Logger) *PaymentHandler {
	return &PaymentHandler{payments: payments, logger: logger}
}

// Callback handles POST /payments/callback
// Stale and duplicate notifications are acknowledged with 200 so the gateway
// stops retrying them.
func (h *PaymentHandler) Callback(w http.ResponseWriter, r *http.Request) {
	var outcome model.PaymentOutcome
	if err := decodeJSON(r, &outcome); err != nil {
		badBody(w, err)
		return
	}
	b, err := h.payments.HandleOutcome(r.Context(), outcome)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"status": "applied", "booking": model.ViewOf(b)})
	case model.IsKind(err, model.KindPaymentTransitionConflict):
		writeJSON(w, http.StatusOK, map[string]any{"status": "ignored", "booking": model.ViewOf(b)})
	case model.IsKind(err, model.KindReservationExpired):
		writeJSON(w, http.StatusOK, map[string]any{"status": "refunding", "booking": model.ViewOf(b)})
	default:
		writeKindError(w, r, h.logger, err)
	}
}

// ─── Health check ─────────────────────────────────────────────────────────────

// HealthCheck handles GET /health
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
