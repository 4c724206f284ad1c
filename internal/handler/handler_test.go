package handler_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shivanand-hulikatti/ticket-admission/internal/handler"
	"github.com/Shivanand-hulikatti/ticket-admission/internal/memstore"
	"github.com/Shivanand-hulikatti/ticket-admission/internal/model"
	"github.com/Shivanand-hulikatti/ticket-admission/internal/service"
)

type apiClient struct {
	t      *testing.T
	router http.Handler
}

func newAPI(t *testing.T) *apiClient {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	core := service.NewCore(memstore.New().Stores(), service.Options{Logger: logger})
	return &apiClient{t: t, router: handler.NewRouter(core, logger, nil)}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	c.router.ServeHTTP(rec, req)
	return rec
}

func (c *apiClient) createEvent(capacity int) model.Event {
	c.t.Helper()
	rec := c.do(http.MethodPost, "/events", model.CreateEventRequest{
		Name: "Keynote", Capacity: capacity, PriceCents: 1000,
	}, nil)
	require.Equal(c.t, http.StatusCreated, rec.Code, rec.Body.String())
	var e model.Event
	require.NoError(c.t, json.Unmarshal(rec.Body.Bytes(), &e))
	return e
}

func (c *apiClient) book(eventID, user string, qty int, key string) *httptest.ResponseRecorder {
	headers := map[string]string{handler.UserIDHeader: user}
	if key != "" {
		headers[handler.IdempotencyKeyHeader] = key
	}
	return c.do(http.MethodPost, "/events/"+eventID+"/bookings", model.BookRequest{Quantity: qty}, headers)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthCheck(t *testing.T) {
	api := newAPI(t)
	rec := api.do(http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestCreateEvent_RejectsBadInput(t *testing.T) {
	api := newAPI(t)

	rec := api.do(http.MethodPost, "/events", map[string]any{"name": "x", "capacity": 0}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, model.KindInvalidRequest, decode[model.ErrorResponse](t, rec).Kind)

	rec = api.do(http.MethodPost, "/events", map[string]any{"name": "x", "capacity": 1, "bogus": true}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListEvents_EmptyIsArray(t *testing.T) {
	api := newAPI(t)
	rec := api.do(http.MethodGet, "/events", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestGetEvent_NotFound(t *testing.T) {
	api := newAPI(t)
	rec := api.do(http.MethodGet, "/events/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, model.KindNotFound, decode[model.ErrorResponse](t, rec).Kind)
}

func TestRequestBooking_RequiresUser(t *testing.T) {
	api := newAPI(t)
	e := api.createEvent(5)

	rec := api.do(http.MethodPost, "/events/"+e.ID+"/bookings", model.BookRequest{Quantity: 1}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequestBooking_StatusCodes(t *testing.T) {
	api := newAPI(t)
	e := api.createEvent(2)

	rec := api.book(e.ID, "alice", 2, "k1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[model.AdmissionResult](t, rec)
	require.NotNil(t, created.Booking)
	assert.Equal(t, model.BookingPending, created.Booking.Status)
	assert.Equal(t, int64(2000), created.Booking.TotalPriceCents)

	rec = api.book(e.ID, "alice", 2, "k1")
	require.Equal(t, http.StatusOK, rec.Code)
	replay := decode[model.AdmissionResult](t, rec)
	assert.True(t, replay.Replayed)
	assert.Equal(t, created.Booking.BookingID, replay.Booking.BookingID)

	rec = api.book(e.ID, "alice", 1, "k1")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = api.book(e.ID, "bob", 1, "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	waiting := decode[model.AdmissionResult](t, rec)
	assert.True(t, waiting.Waitlisted)
	assert.Equal(t, 1, waiting.Position)

	rec = api.book(e.ID, "bob", 1, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, string(model.KindAlreadyEnrolled), body["kind"])
	assert.EqualValues(t, 1, body["position"])

	rec = api.book(e.ID, "carol", 11, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodGet, "/events/"+e.ID+"/availability", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[model.CapacitySnapshot](t, rec).Available)
}

func TestCancelBooking_PromotesWaitlist(t *testing.T) {
	api := newAPI(t)
	e := api.createEvent(1)
	alice := map[string]string{handler.UserIDHeader: "alice"}
	bob := map[string]string{handler.UserIDHeader: "bob"}

	id := decode[model.AdmissionResult](t, api.book(e.ID, "alice", 1, "")).Booking.BookingID
	require.Equal(t, http.StatusAccepted, api.book(e.ID, "bob", 1, "").Code)

	rec := api.do(http.MethodGet, "/events/"+e.ID+"/waitlist/me", nil, bob)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[model.AdmissionResult](t, rec).Position)

	rec = api.do(http.MethodPost, "/bookings/"+id+"/cancel", nil, bob)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(http.MethodPost, "/bookings/"+id+"/cancel", nil, alice)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[model.BookingView](t, rec)
	assert.Equal(t, model.BookingCancelled, view.Status)
	assert.Equal(t, model.ReasonUserCancelled, view.CancelReason)

	rec = api.do(http.MethodPost, "/bookings/"+id+"/cancel", nil, alice)
	assert.Equal(t, http.StatusOK, rec.Code, "cancel is idempotent")

	rec = api.do(http.MethodGet, "/events/"+e.ID+"/waitlist/me", nil, bob)
	assert.Equal(t, http.StatusNotFound, rec.Code, "bob was promoted off the waitlist")

	rec = api.do(http.MethodGet, "/events/"+e.ID+"/availability", nil, nil)
	assert.Equal(t, 0, decode[model.CapacitySnapshot](t, rec).Available)
}

func TestLeaveWaitlist(t *testing.T) {
	api := newAPI(t)
	e := api.createEvent(1)
	bob := map[string]string{handler.UserIDHeader: "bob"}

	api.book(e.ID, "alice", 1, "")
	api.book(e.ID, "bob", 1, "")

	rec := api.do(http.MethodDelete, "/events/"+e.ID+"/waitlist/me", nil, bob)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = api.do(http.MethodDelete, "/events/"+e.ID+"/waitlist/me", nil, bob)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPaymentCallback(t *testing.T) {
	api := newAPI(t)
	e := api.createEvent(3)
	alice := map[string]string{handler.UserIDHeader: "alice"}

	id := decode[model.AdmissionResult](t, api.book(e.ID, "alice", 1, "")).Booking.BookingID

	completed := model.PaymentOutcome{BookingID: id, Status: model.PaymentCompleted}
	rec := api.do(http.MethodPost, "/payments/callback", completed, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "applied", decode[map[string]any](t, rec)["status"])

	rec = api.do(http.MethodPost, "/payments/callback", completed, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ignored", decode[map[string]any](t, rec)["status"])

	rec = api.do(http.MethodGet, "/bookings/"+id, nil, alice)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.BookingConfirmed, decode[model.BookingView](t, rec).Status)

	rec = api.do(http.MethodPost, "/payments/callback", model.PaymentOutcome{Status: model.PaymentCompleted}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodPost, "/payments/callback", model.PaymentOutcome{BookingID: "nope", Status: model.PaymentFailed}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSetCapacityAndReconcile(t *testing.T) {
	api := newAPI(t)
	e := api.createEvent(2)

	api.book(e.ID, "alice", 2, "")

	rec := api.do(http.MethodPut, "/events/"+e.ID+"/capacity", model.CapacityRequest{Capacity: 1}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodPut, "/events/"+e.ID+"/capacity", model.CapacityRequest{Capacity: 5}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, decode[model.CapacitySnapshot](t, rec).Available)

	rec = api.do(http.MethodPost, "/admin/events/"+e.ID+"/reconcile", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	audit := decode[model.LedgerAudit](t, rec)
	assert.True(t, audit.Consistent())
	assert.Equal(t, 2, audit.ActiveBookingQty)

	rec = api.do(http.MethodPost, "/admin/events/"+e.ID+"/repair", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[model.CapacitySnapshot](t, rec).Halted)
}
