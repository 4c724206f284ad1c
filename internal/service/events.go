package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Shivanand-hulikatti/ticket-admission/internal/model"
	"github.com/Shivanand-hulikatti/ticket-admission/internal/store"
)

// maxCapacity caps what an operator may configure for one event.
const maxCapacity = 100_000

// EventService is the operator surface of the event catalogue. Capacity
// changes always go through the ledger.
type EventService struct {
	events   store.EventStore
	ledger   *CapacityLedger
	promoter *Promoter
	logger   *slog.Logger
	now      Clock
}

// NewEventService constructs an EventService. promoter may be nil.
func NewEventService(events store.EventStore, ledger *CapacityLedger, promoter *Promoter, logger *slog.Logger, now Clock) *EventService {
	return &EventService{
		events:   events,
		ledger:   ledger,
		promoter: promoter,
		logger:   orDefault(logger).With("component", "events"),
		now:      orClock(now),
	}
}

func validateCapacity(capacity int) error {
	if capacity <= 0 {
		return model.NewError(model.KindInvalidRequest, "capacity must be a positive integer")
	}
	if capacity > maxCapacity {
		return model.NewError(model.KindInvalidRequest, "capacity cannot exceed 100,000")
	}
	return nil
}

// CreateEvent validates the request, stores the event and opens its ledger.
func (s *EventService) CreateEvent(ctx context.Context, req model.CreateEventRequest) (*model.Event, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return nil, model.NewError(model.KindInvalidRequest, "event name is required")
	}
	if err := validateCapacity(req.Capacity); err != nil {
		return nil, err
	}
	if req.PriceCents < 0 {
		return nil, model.NewError(model.KindInvalidRequest, "price_cents cannot be negative")
	}

	e := &model.Event{
		Name:        req.Name,
		Description: req.Description,
		Capacity:    req.Capacity,
		PriceCents:  req.PriceCents,
		CreatedAt:   s.now(),
	}
	if err := s.events.CreateEvent(ctx, e); err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}
	if _, err := s.ledger.Initialize(ctx, e.ID, e.Capacity); err != nil {
		return nil, fmt.Errorf("initialize capacity: %w", err)
	}
	return e, nil
}

// ListEvents returns all events.
func (s *EventService) ListEvents(ctx context.Context) ([]model.Event, error) {
	return s.events.ListEvents(ctx)
}

// GetEvent returns a single event by ID.
func (s *EventService) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	if id == "" {
		return nil, model.NewError(model.KindInvalidRequest, "event id is required")
	}
	e, err := s.events.GetEvent(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.WrapError(model.KindNotFound, err, "event %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return e, nil
}

// SetCapacity resizes an event. Growing it may let waiting users in.
func (s *EventService) SetCapacity(ctx context.Context, id string, capacity int) (*model.CapacitySnapshot, error) {
	if err := validateCapacity(capacity); err != nil {
		return nil, err
	}
	if _, err := s.GetEvent(ctx, id); err != nil {
		return nil, err
	}
	snap, err := s.ledger.Initialize(ctx, id, capacity)
	if err != nil {
		return nil, err
	}
	s.promote(ctx, id)
	return snap, nil
}

// Availability returns the event's ledger counter.
func (s *EventService) Availability(ctx context.Context, id string) (*model.CapacitySnapshot, error) {
	return s.ledger.Peek(ctx, id)
}

// Reconcile audits one event's ledger on operator request.
func (s *EventService) Reconcile(ctx context.Context, id string) (*model.LedgerAudit, error) {
	return s.ledger.Reconcile(ctx, id)
}

// Repair recomputes the event's counter, lifts any halt and promotes.
func (s *EventService) Repair(ctx context.Context, id string) (*model.CapacitySnapshot, error) {
	snap, err := s.ledger.Repair(ctx, id)
	if err != nil {
		return nil, err
	}
	s.promote(ctx, id)
	return snap, nil
}

func (s *EventService) promote(ctx context.Context, id string) {
	if s.promoter == nil {
		return
	}
	if _, err := s.promoter.Promote(ctx, id); err != nil {
		s.logger.Warn("promotion failed", "event_id", id, "error", err)
	}
}
