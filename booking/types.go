/*
Package booking provides the appointment lifecycle and wallet-settlement engine.

PURPOSE:
  Customers book 30-minute slots with providers and pay through an internal
  wallet. Confirming an appointment moves the fee from the customer's wallet
  to the provider's; cancelling a paid appointment moves it back. Every
  balance change is paired with an append-only ledger entry written in the
  same store transaction as the appointment transition that caused it.

KEY CONCEPTS IN THIS FILE (types.go):
  - Typed identifiers (UserID, ProviderID, ...) so ids cannot be mixed
  - User / Provider / Wallet: the parties and their money
  - Appointment: the state machine row (PENDING -> CONFIRMED -> CANCELLED)
  - LedgerEntry: immutable record of one balance delta
  - Notification: message row written for a user

DESIGN PRINCIPLES:
  1. References are ids resolved through the Store, never object graphs
  2. Money uses decimal.Decimal, never float64
  3. Role is a tag on User; a provider profile is a separate record

SEE ALSO:
  - service.go: State machine operations
  - ledger.go: Paired balance postings
  - store.go: Persistence contract
*/
package booking

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AppointmentFee is charged at confirmation and refunded on cancellation of
// a paid appointment. There is no per-provider pricing.
var AppointmentFee = decimal.NewFromInt(50)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type ProviderID string
type WalletID string
type AppointmentID string
type EntryID string
type NotificationID string

func NewUserID() UserID                 { return UserID(uuid.NewString()) }
func NewProviderID() ProviderID         { return ProviderID(uuid.NewString()) }
func NewWalletID() WalletID             { return WalletID(uuid.NewString()) }
func NewAppointmentID() AppointmentID   { return AppointmentID(uuid.NewString()) }
func NewEntryID() EntryID               { return EntryID(uuid.NewString()) }
func NewNotificationID() NotificationID { return NotificationID(uuid.NewString()) }

// =============================================================================
// USERS AND PROVIDERS
// =============================================================================

type Role string

const (
	RoleCustomer Role = "CUSTOMER"
	RoleProvider Role = "PROVIDER"
)

// ParseRole accepts a role name case-insensitively. Empty means CUSTOMER.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToUpper(strings.TrimSpace(s))) {
	case "", RoleCustomer:
		return RoleCustomer, nil
	case RoleProvider:
		return RoleProvider, nil
	default:
		return "", fmt.Errorf("invalid role %q", s)
	}
}

type UserStatus string

const (
	UserActive  UserStatus = "ACTIVE"
	UserBlocked UserStatus = "BLOCKED"
)

type User struct {
	ID        UserID
	Name      string
	Email     string
	Role      Role
	Status    UserStatus
	CreatedAt time.Time
}

// Provider is the service profile of a PROVIDER user.
type Provider struct {
	ID          ProviderID
	UserID      UserID
	ServiceType string
	Bio         string
}

// ProviderSummary is the listing view of a provider.
type ProviderSummary struct {
	ProviderID  ProviderID
	Name        string
	ServiceType string
	Bio         string
}

// =============================================================================
// WALLET
// =============================================================================

type Wallet struct {
	ID          WalletID
	UserID      UserID
	Balance     decimal.Decimal
	LastUpdated time.Time
}

// Balance is the read view returned by GetBalance.
type Balance struct {
	UserID  UserID
	Email   string
	Balance decimal.Decimal
}

// =============================================================================
// APPOINTMENT
// =============================================================================

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "PENDING"
	StatusConfirmed AppointmentStatus = "CONFIRMED"
	StatusCancelled AppointmentStatus = "CANCELLED"
)

// Active reports whether the appointment occupies its slot.
func (s AppointmentStatus) Active() bool {
	return s == StatusPending || s == StatusConfirmed
}

type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "UNPAID"
	PaymentPaid   PaymentStatus = "PAID"
)

type Appointment struct {
	ID            AppointmentID
	CustomerID    UserID
	ProviderID    ProviderID
	Time          time.Time
	Status        AppointmentStatus
	PaymentStatus PaymentStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AppointmentDetail is an appointment with display names resolved.
type AppointmentDetail struct {
	Appointment
	CustomerName string
	ProviderName string
}

// =============================================================================
// SLOTS
// =============================================================================

type TimeSlot struct {
	Start           time.Time
	DurationMinutes int
}

// ProviderSlots is the availability of one provider on one date.
type ProviderSlots struct {
	ProviderID   ProviderID
	ProviderName string
	ServiceType  string
	Date         time.Time
	Slots        []TimeSlot
}

// =============================================================================
// LEDGER ENTRY
// =============================================================================

type EntryType string

const (
	EntryDeposit   EntryType = "DEPOSIT"
	EntryPayment   EntryType = "PAYMENT"
	EntryIncome    EntryType = "INCOME"
	EntryRefund    EntryType = "REFUND"
	EntryDeduction EntryType = "DEDUCTION"
)

// Credit reports whether entries of this type increase the wallet balance.
func (t EntryType) Credit() bool {
	switch t {
	case EntryDeposit, EntryIncome, EntryRefund:
		return true
	default:
		return false
	}
}

type EntryStatus string

const (
	EntrySuccess EntryStatus = "SUCCESS"
	EntryPending EntryStatus = "PENDING"
	EntryFailed  EntryStatus = "FAILED"
)

// LedgerEntry records one balance delta. Amount is always positive; the
// direction comes from Type. AppointmentID is empty for deposits.
type LedgerEntry struct {
	ID            EntryID
	WalletID      WalletID
	AppointmentID AppointmentID
	Amount        decimal.Decimal
	Type          EntryType
	Status        EntryStatus
	CreatedAt     time.Time
}

// Delta returns the signed balance change of the entry.
func (e LedgerEntry) Delta() decimal.Decimal {
	if e.Type.Credit() {
		return e.Amount
	}
	return e.Amount.Neg()
}

// =============================================================================
// NOTIFICATION
// =============================================================================

type NotificationStatus string

const (
	NotificationUnread NotificationStatus = "UNREAD"
	NotificationRead   NotificationStatus = "READ"
)

type Notification struct {
	ID        NotificationID
	UserID    UserID
	Message   string
	Status    NotificationStatus
	CreatedAt time.Time
}
