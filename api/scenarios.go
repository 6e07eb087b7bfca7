/*
scenarios.go - Demo scenario loaders for local runs and demonstrations

PURPOSE:
  Provides pre-built scenarios that populate the store with realistic data.
  Every scenario goes through booking.Service, so seeded data obeys the same
  rules (fee, slot grid, ledger) as real traffic.

AVAILABLE SCENARIOS:

	empty-clinic:   One provider, one funded customer, nothing booked
	first-payment:  Customer deposits 100, books, provider confirms (50/50)
	busy-day:       Two providers, three customers, a day of mixed bookings

HOW SCENARIOS WORK:
 1. Reset store (clear all data)
 2. Register users (providers get a profile)
 3. Deposit funds
 4. Book on the next business day
 5. Optionally confirm or cancel

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "first-payment"}

	The response carries a bearer token for every seeded user.

NOTE:

	Scenarios reset the store. The routes are only mounted when the server
	is started with a Resetter.

SEE ALSO:
  - handlers.go: Handler struct
  - server.go: Route mounting
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/appointment-engine/booking"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "empty-clinic",
		Name:        "Empty Clinic",
		Description: "One provider and one customer with 100.00, no appointments",
	},
	{
		ID:          "first-payment",
		Name:        "First Payment",
		Description: "Customer deposits 100, books and the provider confirms: balances 50/50",
	},
	{
		ID:          "busy-day",
		Name:        "Busy Day",
		Description: "Two providers, three customers, pending, confirmed and cancelled bookings",
	},
}

type scenarioLoader func(ctx context.Context, s *seeder) error

var scenarioLoaders = map[string]scenarioLoader{
	"empty-clinic":  loadEmptyClinic,
	"first-payment": loadFirstPayment,
	"busy-day":      loadBusyDay,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.Resetter.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	h.currentScenario = ""

	s := &seeder{h: h, day: nextBusinessDay(h.Service.Now(), h.Service.Location()), appointments: []AppointmentDTO{}}
	if err := load(ctx, s); err != nil {
		h.Logger.ErrorContext(ctx, "scenario load failed", "scenario", req.ScenarioID, "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}
	h.currentScenario = req.ScenarioID
	h.Logger.InfoContext(ctx, "scenario loaded", "scenario", req.ScenarioID,
		"users", len(s.users), "appointments", len(s.appointments))

	writeJSON(w, http.StatusOK, LoadScenarioResponse{
		ScenarioID:   req.ScenarioID,
		Users:        s.users,
		Appointments: s.appointments,
	})
}

// ResetDatabase wipes all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Resetter.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// SEEDER
// =============================================================================

// seeder drives the service and collects what it created.
type seeder struct {
	h            *Handler
	day          time.Time
	users        []AuthResponse
	appointments []AppointmentDTO
}

type seededUser struct {
	id         booking.UserID
	providerID booking.ProviderID
}

func (s *seeder) customer(ctx context.Context, name, email string, deposit int64) (seededUser, error) {
	resp, err := s.h.register(ctx, RegisterRequest{Name: name, Email: email, Role: string(booking.RoleCustomer)})
	if err != nil {
		return seededUser{}, fmt.Errorf("register %s: %w", email, err)
	}
	u := seededUser{id: booking.UserID(resp.User.ID)}
	if deposit > 0 {
		if _, err := s.h.Service.Deposit(ctx, u.id, decimal.NewFromInt(deposit)); err != nil {
			return seededUser{}, fmt.Errorf("deposit %s: %w", email, err)
		}
	}
	s.users = append(s.users, resp)
	return u, nil
}

func (s *seeder) provider(ctx context.Context, name, email, serviceType, bio string) (seededUser, error) {
	resp, err := s.h.register(ctx, RegisterRequest{
		Name:        name,
		Email:       email,
		Role:        string(booking.RoleProvider),
		ServiceType: serviceType,
		Bio:         bio,
	})
	if err != nil {
		return seededUser{}, fmt.Errorf("register %s: %w", email, err)
	}
	s.users = append(s.users, resp)
	return seededUser{id: booking.UserID(resp.User.ID), providerID: booking.ProviderID(resp.User.ProviderID)}, nil
}

// book reserves hour:minute on the seeder's day.
func (s *seeder) book(ctx context.Context, customer, provider seededUser, hour, minute int) (booking.Appointment, error) {
	at := time.Date(s.day.Year(), s.day.Month(), s.day.Day(), hour, minute, 0, 0, s.h.Service.Location())
	appt, err := s.h.Service.BookAppointment(ctx, customer.id, provider.providerID, at)
	if err != nil {
		return booking.Appointment{}, fmt.Errorf("book %02d:%02d: %w", hour, minute, err)
	}
	return appt, nil
}

func (s *seeder) record(appt booking.Appointment) {
	s.appointments = append(s.appointments, toAppointmentDTO(appt, s.h.Service.Location()))
}

// nextBusinessDay returns the first weekday strictly after now.
func nextBusinessDay(now time.Time, loc *time.Location) time.Time {
	d := now.In(loc)
	d = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
	for d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// =============================================================================
// LOADERS
// =============================================================================

func loadEmptyClinic(ctx context.Context, s *seeder) error {
	if _, err := s.provider(ctx, "Dr. Maya Chen", "maya.chen@clinic.test", "Physiotherapy", "Sports injuries and rehab"); err != nil {
		return err
	}
	_, err := s.customer(ctx, "Sam Rivera", "sam.rivera@mail.test", 100)
	return err
}

func loadFirstPayment(ctx context.Context, s *seeder) error {
	provider, err := s.provider(ctx, "Dr. Maya Chen", "maya.chen@clinic.test", "Physiotherapy", "Sports injuries and rehab")
	if err != nil {
		return err
	}
	customer, err := s.customer(ctx, "Sam Rivera", "sam.rivera@mail.test", 100)
	if err != nil {
		return err
	}

	appt, err := s.book(ctx, customer, provider, 10, 0)
	if err != nil {
		return err
	}
	confirmed, err := s.h.Service.ConfirmAppointment(ctx, appt.ID, provider.id)
	if err != nil {
		return fmt.Errorf("confirm: %w", err)
	}
	s.record(confirmed)
	return nil
}

func loadBusyDay(ctx context.Context, s *seeder) error {
	physio, err := s.provider(ctx, "Dr. Maya Chen", "maya.chen@clinic.test", "Physiotherapy", "Sports injuries and rehab")
	if err != nil {
		return err
	}
	dentist, err := s.provider(ctx, "Dr. Omar Haddad", "omar.haddad@clinic.test", "Dentistry", "")
	if err != nil {
		return err
	}
	sam, err := s.customer(ctx, "Sam Rivera", "sam.rivera@mail.test", 200)
	if err != nil {
		return err
	}
	lena, err := s.customer(ctx, "Lena Park", "lena.park@mail.test", 100)
	if err != nil {
		return err
	}
	// Broke on purpose: shows the insufficient balance path when booking.
	if _, err := s.customer(ctx, "Theo Brandt", "theo.brandt@mail.test", 20); err != nil {
		return err
	}

	// Pending
	a1, err := s.book(ctx, sam, physio, 9, 0)
	if err != nil {
		return err
	}
	s.record(a1)

	// Confirmed and paid
	a2, err := s.book(ctx, lena, physio, 11, 30)
	if err != nil {
		return err
	}
	a2, err = s.h.Service.ConfirmAppointment(ctx, a2.ID, physio.id)
	if err != nil {
		return fmt.Errorf("confirm: %w", err)
	}
	s.record(a2)

	// Confirmed, then cancelled by the provider: refunded
	a3, err := s.book(ctx, sam, dentist, 14, 0)
	if err != nil {
		return err
	}
	if _, err := s.h.Service.ConfirmAppointment(ctx, a3.ID, dentist.id); err != nil {
		return fmt.Errorf("confirm: %w", err)
	}
	if _, err := s.h.Service.CancelAppointment(ctx, a3.ID, dentist.id); err != nil {
		return fmt.Errorf("cancel: %w", err)
	}

	// Rebooking the cancelled slot takes over the cancelled row
	a4, err := s.book(ctx, lena, dentist, 14, 0)
	if err != nil {
		return err
	}
	s.record(a4)
	return nil
}
