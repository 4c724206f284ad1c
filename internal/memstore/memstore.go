// Package memstore implements every store contract in process. One mutex
// serializes all operations, which gives the same linear history per event
// that row locks give the PostgreSQL backend.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Shivanand-hulikatti/ticket-admission/internal/model"
	"github.com/Shivanand-hulikatti/ticket-admission/internal/store"
)

type idemKey struct{ user, key string }

type ledgerRow struct {
	capacity     int
	available    int
	halted       bool
	haltedReason string
	updatedAt    time.Time
}

// Store is an in-memory backend. The zero value is not usable; call New.
type Store struct {
	mu          sync.Mutex
	events      map[string]model.Event
	ledger      map[string]*ledgerRow
	holds       map[string]*model.ReservationToken
	bookings    map[string]*model.Booking
	audit       map[string][]model.BookingAudit
	idempotency map[idemKey]*model.IdempotencyRecord
	waitlist    map[string][]*model.WaitlistEntry
	intents     map[string]*model.PaymentIntent
	seq         int64
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		events:      make(map[string]model.Event),
		ledger:      make(map[string]*ledgerRow),
		holds:       make(map[string]*model.ReservationToken),
		bookings:    make(map[string]*model.Booking),
		audit:       make(map[string][]model.BookingAudit),
		idempotency: make(map[idemKey]*model.IdempotencyRecord),
		waitlist:    make(map[string][]*model.WaitlistEntry),
		intents:     make(map[string]*model.PaymentIntent),
	}
}

// Stores returns s wired into every store slot.
func (s *Store) Stores() store.Stores {
	return store.Stores{
		Events:      s,
		Ledger:      s,
		Bookings:    s,
		Idempotency: s,
		Waitlist:    s,
		Payments:    s,
	}
}

// ─── Events ──────────────────────────────────────────────────────────────────

func (s *Store) CreateEvent(_ context.Context, e *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	s.events[e.ID] = *e
	return nil
}

func (s *Store) GetEvent(_ context.Context, id string) (*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &e, nil
}

func (s *Store) ListEvents(_ context.Context) ([]model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Event, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ─── Ledger ──────────────────────────────────────────────────────────────────

func (s *Store) heldLocked(eventID string) int {
	n := 0
	for _, h := range s.holds {
		if h.EventID == eventID && h.Status != model.HoldReleased {
			n += h.Quantity
		}
	}
	return n
}

func (s *Store) snapshotLocked(eventID string) *model.CapacitySnapshot {
	row := s.ledger[eventID]
	return &model.CapacitySnapshot{
		EventID:      eventID,
		Capacity:     row.capacity,
		Available:    row.available,
		Halted:       row.halted,
		HaltedReason: row.haltedReason,
		UpdatedAt:    row.updatedAt,
	}
}

func (s *Store) InitCapacity(_ context.Context, eventID string, capacity int, now time.Time) (*model.CapacitySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[eventID]; !ok {
		return nil, store.ErrNotFound
	}
	held := s.heldLocked(eventID)
	if capacity < held {
		return nil, store.ErrCapacityBelowHeld
	}
	row, ok := s.ledger[eventID]
	if !ok {
		row = &ledgerRow{}
		s.ledger[eventID] = row
	}
	row.capacity = capacity
	row.available = capacity - held
	row.updatedAt = now
	ev := s.events[eventID]
	ev.Capacity = capacity
	s.events[eventID] = ev
	return s.snapshotLocked(eventID), nil
}

func (s *Store) Reserve(_ context.Context, eventID string, quantity int, holdUntil, now time.Time) (*model.ReservationToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.ledger[eventID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if row.halted {
		return nil, store.ErrLedgerHalted
	}
	if quantity > row.available {
		return nil, store.ErrCapacityExhausted
	}
	row.available -= quantity
	row.updatedAt = now
	tok := &model.ReservationToken{
		ID:        uuid.New().String(),
		EventID:   eventID,
		Quantity:  quantity,
		Status:    model.HoldHeld,
		ExpiresAt: holdUntil,
		CreatedAt: now,
	}
	s.holds[tok.ID] = tok
	cp := *tok
	return &cp, nil
}

func (s *Store) releaseLocked(eventID string, quantity int, now time.Time) (int, error) {
	row, ok := s.ledger[eventID]
	if !ok {
		return 0, store.ErrNotFound
	}
	next := row.available + quantity
	overflow := 0
	if next > row.capacity {
		overflow = next - row.capacity
		next = row.capacity
	}
	row.available = next
	row.updatedAt = now
	return overflow, nil
}

func (s *Store) Release(_ context.Context, eventID string, quantity int, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseLocked(eventID, quantity, now)
}

func (s *Store) releaseHoldLocked(id string, now time.Time) (int, int, error) {
	h, ok := s.holds[id]
	if !ok {
		return 0, 0, store.ErrNotFound
	}
	if h.Status == model.HoldReleased {
		return 0, 0, nil
	}
	h.Status = model.HoldReleased
	overflow, err := s.releaseLocked(h.EventID, h.Quantity, now)
	if err != nil {
		return 0, 0, err
	}
	return h.Quantity, overflow, nil
}

func (s *Store) ReleaseHold(_ context.Context, reservationID string, now time.Time) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseHoldLocked(reservationID, now)
}

func (s *Store) Peek(_ context.Context, eventID string) (*model.CapacitySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ledger[eventID]; !ok {
		return nil, store.ErrNotFound
	}
	return s.snapshotLocked(eventID), nil
}

func (s *Store) ExpiredHolds(_ context.Context, now time.Time, limit int) ([]model.ReservationToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ReservationToken
	for _, h := range s.holds {
		if h.Status == model.HoldHeld && !h.ExpiresAt.After(now) {
			out = append(out, *h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) auditLocked(eventID string) *model.LedgerAudit {
	row := s.ledger[eventID]
	a := &model.LedgerAudit{EventID: eventID, Capacity: row.capacity, Available: row.available}
	for _, b := range s.bookings {
		if b.EventID == eventID && b.Status.Active() {
			a.ActiveBookingQty += b.Quantity
		}
	}
	for _, h := range s.holds {
		if h.EventID == eventID && h.Status == model.HoldHeld {
			a.UnboundHoldQty += h.Quantity
		}
	}
	return a
}

func (s *Store) Audit(_ context.Context, eventID string) (*model.LedgerAudit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ledger[eventID]; !ok {
		return nil, store.ErrNotFound
	}
	return s.auditLocked(eventID), nil
}

func (s *Store) Halt(_ context.Context, eventID, reason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.ledger[eventID]
	if !ok {
		return store.ErrNotFound
	}
	row.halted = true
	row.haltedReason = reason
	row.updatedAt = now
	return nil
}

func (s *Store) Repair(_ context.Context, eventID string, now time.Time) (*model.CapacitySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.ledger[eventID]
	if !ok {
		return nil, store.ErrNotFound
	}
	a := s.auditLocked(eventID)
	expected := a.Expected()
	if expected < 0 {
		expected = 0
	}
	row.available = expected
	row.halted = false
	row.haltedReason = ""
	row.updatedAt = now
	return s.snapshotLocked(eventID), nil
}

func (s *Store) LedgerEventIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.ledger))
	for id := range s.ledger {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// SetAvailable overwrites the counter without touching holds. It exists so
// tests can simulate a diverged ledger.
func (s *Store) SetAvailable(eventID string, available int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.ledger[eventID]; ok {
		row.available = available
	}
}

// ─── Bookings ────────────────────────────────────────────────────────────────

func (s *Store) CreateBooking(_ context.Context, b *model.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.holds[b.ReservationID]
	if !ok || h.Status != model.HoldHeld {
		return store.ErrHoldNotLive
	}
	h.Status = model.HoldBound
	h.BookingID = b.ID
	cp := *b
	s.bookings[b.ID] = &cp
	return nil
}

func (s *Store) GetBooking(_ context.Context, id string) (*model.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *Store) FindBookingByKey(_ context.Context, userID, key string) (*model.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *model.Booking
	for _, b := range s.bookings {
		if b.UserID == userID && b.IdempotencyKey == key && key != "" {
			if found == nil || b.CreatedAt.After(found.CreatedAt) {
				found = b
			}
		}
	}
	if found == nil {
		return nil, store.ErrNotFound
	}
	cp := *found
	return &cp, nil
}

func (s *Store) Transition(_ context.Context, id string, from []model.BookingStatus, to model.BookingStatus, reason string, now time.Time) (*model.TransitionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	allowed := false
	for _, f := range from {
		if b.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		cp := *b
		return &model.TransitionResult{Booking: &cp}, nil
	}

	res := &model.TransitionResult{Changed: true}
	if to == model.BookingCancelled {
		released, overflow, err := s.releaseHoldLocked(b.ReservationID, now)
		if err != nil {
			return nil, err
		}
		res.Released, res.Overflow = released, overflow
		b.CancelReason = reason
	}
	s.audit[id] = append(s.audit[id], model.BookingAudit{
		BookingID: id, From: b.Status, To: to, Reason: reason, CreatedAt: now,
	})
	b.Status = to
	b.UpdatedAt = now
	cp := *b
	res.Booking = &cp
	return res, nil
}

func (s *Store) ExpiredPending(_ context.Context, now time.Time, limit int) ([]model.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Booking
	for _, b := range s.bookings {
		if b.Status == model.BookingPending && !b.ExpiresAt.After(now) {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) AuditTrail(_ context.Context, bookingID string) ([]model.BookingAudit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.BookingAudit(nil), s.audit[bookingID]...), nil
}

// ─── Idempotency ─────────────────────────────────────────────────────────────

func (s *Store) Claim(_ context.Context, userID, key string, now, expiresAt, staleBefore time.Time) (*model.IdempotencyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idemKey{userID, key}
	if rec, ok := s.idempotency[k]; ok {
		expired := !rec.ExpiresAt.After(now)
		stale := rec.Provisional() && rec.CreatedAt.Before(staleBefore)
		if !expired && !stale {
			cp := *rec
			return &cp, false, nil
		}
	}
	rec := &model.IdempotencyRecord{UserID: userID, Key: key, ExpiresAt: expiresAt, CreatedAt: now}
	s.idempotency[k] = rec
	cp := *rec
	return &cp, true, nil
}

func (s *Store) Bind(_ context.Context, userID, key, bookingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.idempotency[idemKey{userID, key}]
	if !ok {
		return store.ErrNotFound
	}
	if rec.BookingID == "" {
		rec.BookingID = bookingID
	}
	return nil
}

func (s *Store) Abandon(_ context.Context, userID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idemKey{userID, key}
	if rec, ok := s.idempotency[k]; ok && rec.Provisional() {
		delete(s.idempotency, k)
	}
	return nil
}

func (s *Store) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, rec := range s.idempotency {
		if !rec.ExpiresAt.After(now) {
			delete(s.idempotency, k)
			n++
		}
	}
	return n, nil
}

// ─── Waitlist ────────────────────────────────────────────────────────────────

func live(e *model.WaitlistEntry, now time.Time) bool {
	return e.ExpiresAt.IsZero() || e.ExpiresAt.After(now)
}

func (s *Store) Enroll(_ context.Context, e *model.WaitlistEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.waitlist[e.EventID]
	for i, cur := range entries {
		if cur.UserID != e.UserID {
			continue
		}
		if live(cur, e.EnrolledAt) {
			return store.ErrAlreadyEnrolled
		}
		s.waitlist[e.EventID] = append(entries[:i:i], entries[i+1:]...)
		break
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Seq == 0 {
		s.seq++
		e.Seq = s.seq
		cp := *e
		s.waitlist[e.EventID] = append(s.waitlist[e.EventID], &cp)
		return nil
	}
	// A preset Seq restores an entry to its old place in the queue.
	cp := *e
	entries = s.waitlist[e.EventID]
	i := sort.Search(len(entries), func(i int) bool { return entries[i].Seq > e.Seq })
	entries = append(entries, nil)
	copy(entries[i+1:], entries[i:])
	entries[i] = &cp
	s.waitlist[e.EventID] = entries
	return nil
}

func (s *Store) NextEligible(_ context.Context, eventID string, available int, now time.Time) (*model.WaitlistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.waitlist[eventID] {
		if live(e, now) && e.Quantity <= available {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) Remove(_ context.Context, eventID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.waitlist[eventID]
	for i, e := range entries {
		if e.UserID == userID {
			s.waitlist[eventID] = append(entries[:i:i], entries[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) Position(_ context.Context, eventID, userID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos := 0
	for _, e := range s.waitlist[eventID] {
		if !live(e, now) {
			continue
		}
		pos++
		if e.UserID == userID {
			return pos, nil
		}
	}
	return 0, store.ErrNotFound
}

func (s *Store) Entries(_ context.Context, eventID string, now time.Time) ([]model.WaitlistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.WaitlistEntry
	for _, e := range s.waitlist[eventID] {
		if live(e, now) {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *Store) RemoveExpired(_ context.Context, now time.Time) ([]model.WaitlistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []model.WaitlistEntry
	for eventID, entries := range s.waitlist {
		kept := entries[:0]
		for _, e := range entries {
			if live(e, now) {
				kept = append(kept, e)
			} else {
				removed = append(removed, *e)
			}
		}
		s.waitlist[eventID] = kept
	}
	return removed, nil
}

// ─── Payments ────────────────────────────────────────────────────────────────

func (s *Store) CreateIntent(_ context.Context, p *model.PaymentIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.intents[p.BookingID]; ok {
		return nil
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	cp := *p
	s.intents[p.BookingID] = &cp
	return nil
}

func (s *Store) IntentByBooking(_ context.Context, bookingID string) (*model.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.intents[bookingID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Store) UpdateIntentStatus(_ context.Context, bookingID string, status model.PaymentStatus, providerRef string, now time.Time) (*model.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.intents[bookingID]
	if !ok {
		return nil, store.ErrNotFound
	}
	p.Status = status
	if providerRef != "" {
		p.ProviderRef = providerRef
	}
	p.UpdatedAt = now
	cp := *p
	return &cp, nil
}

func (s *Store) MarkRefundRequested(_ context.Context, bookingID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.intents[bookingID]
	if !ok {
		return false, store.ErrNotFound
	}
	if p.RefundRequestedAt != nil {
		return false, nil
	}
	at := now
	p.RefundRequestedAt = &at
	p.UpdatedAt = now
	return true, nil
}
