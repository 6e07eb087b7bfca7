/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in access logs
  2. AccessLog:  Structured request log (slog)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for frontends

ROUTE GROUPS:
  /api/auth/*           Registration
  /api/providers/*      Provider listing, slots, booking
  /api/appointments/*   Appointment lifecycle
  /api/wallet/*         Balance, deposits, ledger
  /api/notifications    Notification feed
  /api/scenarios/*      Demo data (only when a Resetter is configured)
  /api/reconciliation   Latest wallet check (only when a scheduler is set)
  /healthz              Store ping

AUTH:
  Routes that act on behalf of a user sit behind TokenManager.RequireUser.

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Bearer tokens
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(AccessLog(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", h.Register)

		r.Route("/providers", func(r chi.Router) {
			r.Get("/", h.ListProviders)
			r.Get("/{id}/slots", h.GetAvailableSlots)
			r.With(h.Tokens.RequireUser).Post("/{id}/appointments", h.BookAppointment)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.Tokens.RequireUser)

			r.Route("/appointments", func(r chi.Router) {
				r.Get("/", h.ListAppointments)
				r.Post("/{id}/confirm", h.ConfirmAppointment)
				r.Post("/{id}/cancel", h.CancelAppointment)
			})

			r.Route("/wallet", func(r chi.Router) {
				r.Get("/balance", h.GetBalance)
				r.Post("/deposit", h.Deposit)
				r.Get("/transactions", h.GetTransactions)
			})

			r.Get("/notifications", h.ListNotifications)
		})

		if h.Resetter != nil {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
				r.Post("/reset", h.ResetDatabase)
			})
		}

		if h.Reconciler != nil {
			r.Get("/reconciliation", h.GetReconciliation)
		}
	})

	return r
}
