/*
handlers.go - HTTP API handlers for the appointment engine

PURPOSE:
  Exposes the booking service via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to booking.Service.

ENDPOINTS:
  Auth:
    POST   /api/auth/register                  Register user, returns token

  Providers:
    GET    /api/providers                      List providers
    GET    /api/providers/{id}/slots?date=     Free slots on a date
    POST   /api/providers/{id}/appointments    Book (customer)

  Appointments:
    GET    /api/appointments                   Caller's appointments
    POST   /api/appointments/{id}/confirm      Confirm + settle (provider)
    POST   /api/appointments/{id}/cancel       Cancel + refund (either party)

  Wallet:
    GET    /api/wallet/balance                 Current balance
    POST   /api/wallet/deposit                 Add funds
    GET    /api/wallet/transactions            Ledger entries, oldest first

  Notifications:
    GET    /api/notifications                  Newest first

  Reconciliation:
    GET    /api/reconciliation                 Latest wallet/ledger check

ACTING USER:
  Every endpoint that acts on behalf of someone reads the user id from the
  bearer token (see auth.go). Ids in URLs name the target, never the actor.

ERROR HANDLING:
  booking.Error kinds map to HTTP status:
  - 400: INVALID_REQUEST, malformed input
  - 401: missing or invalid token
  - 402: INSUFFICIENT_FUNDS
  - 403: FORBIDDEN
  - 404: NOT_FOUND
  - 409: SLOT_TAKEN
  - 503: TRANSIENT_ERROR (safe to retry)
  - 500: INTERNAL

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/appointment-engine/booking"
)

const (
	dateLayout      = "2006-01-02"
	localTimeLayout = "2006-01-02T15:04:05"
)

// Resetter wipes all data. Only the demo endpoints use it.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Service *booking.Service
	Tokens  *TokenManager
	Logger  *slog.Logger

	// Optional. Nil disables the matching endpoint.
	Resetter   Resetter
	Pinger     Pinger
	Reconciler *ReconciliationScheduler

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler.
func NewHandler(svc *booking.Service, tokens *TokenManager, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: svc, Tokens: tokens, Logger: logger}
}

// =============================================================================
// AUTH
// =============================================================================

// Register creates a user and returns a bearer token for it.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	resp, err := h.register(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) register(ctx context.Context, req RegisterRequest) (AuthResponse, error) {
	reg, err := h.Service.Register(ctx, booking.Registration{
		Name:        req.Name,
		Email:       req.Email,
		Role:        req.Role,
		ServiceType: req.ServiceType,
		Bio:         req.Bio,
	})
	if err != nil {
		return AuthResponse{}, err
	}
	token, err := h.Tokens.Generate(reg.User)
	if err != nil {
		return AuthResponse{}, err
	}
	return AuthResponse{User: toUserDTO(reg.User, reg.Provider), Token: token}, nil
}

// =============================================================================
// PROVIDERS & SLOTS
// =============================================================================

func (h *Handler) ListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := h.Service.ListProviders(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProviderDTOs(providers))
}

// GetAvailableSlots returns free slots for ?date=YYYY-MM-DD. The date
// defaults to today in the service location.
func (h *Handler) GetAvailableSlots(w http.ResponseWriter, r *http.Request) {
	providerID := booking.ProviderID(chi.URLParam(r, "id"))
	loc := h.Service.Location()

	date := h.Service.Now().In(loc)
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := time.ParseInLocation(dateLayout, raw, loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date format, expected YYYY-MM-DD", err)
			return
		}
		date = parsed
	}

	slots, err := h.Service.GetAvailableSlots(r.Context(), providerID, date)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProviderSlotsDTO(slots, loc))
}

// =============================================================================
// APPOINTMENTS
// =============================================================================

// BookAppointment books the provider for the calling customer.
func (h *Handler) BookAppointment(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())
	providerID := booking.ProviderID(chi.URLParam(r, "id"))

	var req BookRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	at, err := parseAppointmentTime(req.AppointmentTime, h.Service.Location())
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid appointment_time, expected YYYY-MM-DDTHH:MM:SS", err)
		return
	}

	appt, err := h.Service.BookAppointment(r.Context(), claims.UserID, providerID, at)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAppointmentDTO(appt, h.Service.Location()))
}

func (h *Handler) ListAppointments(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())
	appts, err := h.Service.GetAppointmentsForUser(r.Context(), claims.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentDetailDTOs(appts, h.Service.Location()))
}

func (h *Handler) ConfirmAppointment(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())
	id := booking.AppointmentID(chi.URLParam(r, "id"))

	appt, err := h.Service.ConfirmAppointment(r.Context(), id, claims.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentDTO(appt, h.Service.Location()))
}

func (h *Handler) CancelAppointment(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())
	id := booking.AppointmentID(chi.URLParam(r, "id"))

	appt, err := h.Service.CancelAppointment(r.Context(), id, claims.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentDTO(appt, h.Service.Location()))
}

// =============================================================================
// WALLET
// =============================================================================

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())
	bal, err := h.Service.GetBalance(r.Context(), claims.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{
		UserID:  string(bal.UserID),
		Email:   bal.Email,
		Balance: money(bal.Balance),
	})
}

func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())

	var req DepositRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	balance, err := h.Service.Deposit(r.Context(), claims.UserID, req.Amount)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DepositResponse{Balance: money(balance)})
}

func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())
	entries, err := h.Service.GetTransactions(r.Context(), claims.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(entries, h.Service.Location()))
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())
	ns, err := h.Service.ListNotifications(r.Context(), claims.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toNotificationDTOs(ns, h.Service.Location()))
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Pinger.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// parseAppointmentTime accepts a local wall-clock time or RFC3339.
func parseAppointmentTime(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.ParseInLocation(localTimeLayout, raw, loc); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, raw)
}

// statusFor maps a booking error kind to an HTTP status.
func statusFor(kind booking.Kind) int {
	switch kind {
	case booking.KindNotFound:
		return http.StatusNotFound
	case booking.KindInvalidRequest:
		return http.StatusBadRequest
	case booking.KindInsufficientFunds:
		return http.StatusPaymentRequired
	case booking.KindSlotTaken:
		return http.StatusConflict
	case booking.KindForbidden:
		return http.StatusForbidden
	case booking.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError writes a classified error. Internal causes are logged,
// never sent to the client.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	kind := booking.KindOf(err)
	if kind == booking.KindInternal {
		h.Logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "err", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Internal server error", Code: string(kind)})
		return
	}
	if booking.IsRetryable(err) {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, statusFor(kind), ErrorResponse{Error: booking.MessageOf(err), Code: string(kind)})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
