/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the booking domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Amounts are serialized as strings with two decimals ("50.00") so clients
  never see binary floating point.

TIMES:
  Appointment times go out as RFC3339 in the service location. Requests
  accept "2006-01-02T15:04:05" (local to the service) or RFC3339.

SEE ALSO:
  - handlers.go: Uses these types
  - booking/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/appointment-engine/booking"
)

// =============================================================================
// AUTH
// =============================================================================

// RegisterRequest is the body of POST /api/auth/register.
type RegisterRequest struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	Role        string `json:"role,omitempty"`
	ServiceType string `json:"service_type,omitempty"`
	Bio         string `json:"bio,omitempty"`
}

// UserDTO represents a user in API responses.
type UserDTO struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	Role       string `json:"role"`
	Status     string `json:"status"`
	ProviderID string `json:"provider_id,omitempty"`
}

// AuthResponse carries the registered user and a bearer token.
type AuthResponse struct {
	User  UserDTO `json:"user"`
	Token string  `json:"token"`
}

// =============================================================================
// PROVIDERS & SLOTS
// =============================================================================

type ProviderDTO struct {
	ProviderID  string `json:"provider_id"`
	Name        string `json:"name"`
	ServiceType string `json:"service_type"`
	Bio         string `json:"bio,omitempty"`
}

type TimeSlotDTO struct {
	StartTime       time.Time `json:"start_time"`
	DurationMinutes int       `json:"duration_minutes"`
}

type ProviderSlotsDTO struct {
	ProviderID   string        `json:"provider_id"`
	ProviderName string        `json:"provider_name"`
	ServiceType  string        `json:"service_type"`
	Date         string        `json:"date"`
	Slots        []TimeSlotDTO `json:"slots"`
}

// =============================================================================
// APPOINTMENTS
// =============================================================================

// BookRequest is the body of POST /api/providers/{id}/appointments.
type BookRequest struct {
	AppointmentTime string `json:"appointment_time"`
}

type AppointmentDTO struct {
	ID              string    `json:"id"`
	CustomerID      string    `json:"customer_id"`
	CustomerName    string    `json:"customer_name,omitempty"`
	ProviderID      string    `json:"provider_id"`
	ProviderName    string    `json:"provider_name,omitempty"`
	AppointmentTime time.Time `json:"appointment_time"`
	Status          string    `json:"status"`
	PaymentStatus   string    `json:"payment_status"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// =============================================================================
// WALLET
// =============================================================================

type BalanceDTO struct {
	UserID  string `json:"user_id"`
	Email   string `json:"email"`
	Balance string `json:"balance"`
}

// DepositRequest is the body of POST /api/wallet/deposit.
type DepositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type DepositResponse struct {
	Balance string `json:"balance"`
}

type TransactionDTO struct {
	ID            string    `json:"id"`
	AppointmentID string    `json:"appointment_id,omitempty"`
	Amount        string    `json:"amount"`
	Type          string    `json:"type"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

type NotificationDTO struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// LoadScenarioResponse lists the seeded users with ready-to-use tokens.
type LoadScenarioResponse struct {
	ScenarioID   string           `json:"scenario_id"`
	Users        []AuthResponse   `json:"users"`
	Appointments []AppointmentDTO `json:"appointments"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// ReconciliationDTO is the latest wallet/ledger check.
type ReconciliationDTO struct {
	CheckedAt  time.Time        `json:"checked_at"`
	Wallets    int              `json:"wallets"`
	Consistent bool             `json:"consistent"`
	Drifts     []WalletDriftDTO `json:"drifts"`
	LastError  string           `json:"last_error,omitempty"`
}

type WalletDriftDTO struct {
	WalletID  string `json:"wallet_id"`
	UserID    string `json:"user_id"`
	Balance   string `json:"balance"`
	LedgerSum string `json:"ledger_sum"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func toUserDTO(u booking.User, p *booking.Provider) UserDTO {
	dto := UserDTO{
		ID:     string(u.ID),
		Name:   u.Name,
		Email:  u.Email,
		Role:   string(u.Role),
		Status: string(u.Status),
	}
	if p != nil {
		dto.ProviderID = string(p.ID)
	}
	return dto
}

func toProviderDTOs(ps []booking.ProviderSummary) []ProviderDTO {
	out := make([]ProviderDTO, 0, len(ps))
	for _, p := range ps {
		out = append(out, ProviderDTO{
			ProviderID:  string(p.ProviderID),
			Name:        p.Name,
			ServiceType: p.ServiceType,
			Bio:         p.Bio,
		})
	}
	return out
}

func toProviderSlotsDTO(ps booking.ProviderSlots, loc *time.Location) ProviderSlotsDTO {
	slots := make([]TimeSlotDTO, 0, len(ps.Slots))
	for _, s := range ps.Slots {
		slots = append(slots, TimeSlotDTO{StartTime: s.Start.In(loc), DurationMinutes: s.DurationMinutes})
	}
	return ProviderSlotsDTO{
		ProviderID:   string(ps.ProviderID),
		ProviderName: ps.ProviderName,
		ServiceType:  ps.ServiceType,
		Date:         ps.Date.Format(dateLayout),
		Slots:        slots,
	}
}

func toAppointmentDTO(a booking.Appointment, loc *time.Location) AppointmentDTO {
	return AppointmentDTO{
		ID:              string(a.ID),
		CustomerID:      string(a.CustomerID),
		ProviderID:      string(a.ProviderID),
		AppointmentTime: a.Time.In(loc),
		Status:          string(a.Status),
		PaymentStatus:   string(a.PaymentStatus),
		CreatedAt:       a.CreatedAt.In(loc),
		UpdatedAt:       a.UpdatedAt.In(loc),
	}
}

func toAppointmentDetailDTOs(ds []booking.AppointmentDetail, loc *time.Location) []AppointmentDTO {
	out := make([]AppointmentDTO, 0, len(ds))
	for _, d := range ds {
		dto := toAppointmentDTO(d.Appointment, loc)
		dto.CustomerName = d.CustomerName
		dto.ProviderName = d.ProviderName
		out = append(out, dto)
	}
	return out
}

func toTransactionDTOs(es []booking.LedgerEntry, loc *time.Location) []TransactionDTO {
	out := make([]TransactionDTO, 0, len(es))
	for _, e := range es {
		out = append(out, TransactionDTO{
			ID:            string(e.ID),
			AppointmentID: string(e.AppointmentID),
			Amount:        money(e.Amount),
			Type:          string(e.Type),
			Status:        string(e.Status),
			CreatedAt:     e.CreatedAt.In(loc),
		})
	}
	return out
}

func toNotificationDTOs(ns []booking.Notification, loc *time.Location) []NotificationDTO {
	out := make([]NotificationDTO, 0, len(ns))
	for _, n := range ns {
		out = append(out, NotificationDTO{
			ID:        string(n.ID),
			Message:   n.Message,
			Status:    string(n.Status),
			CreatedAt: n.CreatedAt.In(loc),
		})
	}
	return out
}

func toReconciliationDTO(r booking.ReconciliationReport, lastErr error) ReconciliationDTO {
	out := ReconciliationDTO{
		CheckedAt:  r.CheckedAt,
		Wallets:    r.Wallets,
		Consistent: r.Consistent(),
		Drifts:     make([]WalletDriftDTO, 0, len(r.Drifts)),
	}
	for _, d := range r.Drifts {
		out.Drifts = append(out.Drifts, WalletDriftDTO{
			WalletID:  string(d.WalletID),
			UserID:    string(d.UserID),
			Balance:   money(d.Balance),
			LedgerSum: money(d.LedgerSum),
		})
	}
	if lastErr != nil {
		out.LastError = lastErr.Error()
	}
	return out
}
