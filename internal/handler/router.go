package handler

import (
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/Shivanand-hulikatti/ticket-admission/internal/service"
)

// NewRouter builds the HTTP surface over a wired core.
func NewRouter(core *service.Core, logger *slog.Logger, allowedOrigins []string) *chi.Mux {
	if logger == nil {
		logger = slog.Default()
	}
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	events := NewEventHandler(core.Events, logger)
	bookings := NewBookingHandler(core.Admission, logger)
	payments := NewPaymentHandler(core.Payments, logger)

	r := chi.NewRouter()

	// Global middleware stack
	r.Use(chimiddleware.Recoverer) // recover from panics, return 500
	r.Use(chimiddleware.RequestID) // attach request IDs
	r.Use(chimiddleware.RealIP)    // trust X-Forwarded-For
	r.Use(Logger(logger))          // structured access log
	r.Use(chimiddleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", UserIDHeader, IdempotencyKeyHeader},
		ExposedHeaders: []string{"Link"},
		MaxAge:         300,
	}))

	r.Get("/health", HealthCheck)

	r.Route("/events", func(r chi.Router) {
		r.Post("/", events.CreateEvent)
		r.Get("/", events.ListEvents)
		r.Get("/{id}", events.GetEvent)
		r.Put("/{id}/capacity", events.SetCapacity)
		r.Get("/{id}/availability", events.Availability)

		r.Group(func(r chi.Router) {
			r.Use(RequireUser)
			r.Post("/{id}/bookings", bookings.RequestBooking)
			r.Get("/{id}/waitlist/me", bookings.WaitlistPosition)
			r.Delete("/{id}/waitlist/me", bookings.LeaveWaitlist)
		})
	})

	r.Route("/bookings", func(r chi.Router) {
		r.Use(RequireUser)
		r.Get("/{id}", bookings.GetBooking)
		r.Post("/{id}/cancel", bookings.CancelBooking)
	})

	r.Post("/payments/callback", payments.Callback)

	r.Route("/admin/events/{id}", func(r chi.Router) {
		r.Post("/reconcile", events.Reconcile)
		r.Post("/repair", events.Repair)
	})

	return r
}
