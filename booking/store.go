/*
store.go - Persistence contract for the booking engine

PURPOSE:
  Defines the interface between the state machine and the database. The
  service resolves every reference (customer, provider, wallet) through
  these calls inside a transaction boundary; nothing is lazily loaded.

KEY INTERFACES:
  Reader: Lookups and listings, usable inside or outside a transaction
  Tx:     Reader plus the writes, only available inside WithTx
  Store:  Reader plus WithTx

ATOMICITY:
  WithTx runs fn in one database transaction. If fn returns an error the
  transaction is rolled back and nothing it wrote is visible. Book, Confirm,
  Cancel and Deposit each run in exactly one WithTx call.

UNIQUENESS:
  Implementations MUST enforce a unique constraint over
  (provider_id, appointment_time, status) and report violations from
  InsertAppointment/UpdateAppointment as ErrUniqueViolation. The constraint
  is the only cross-request guard against double booking.

LEDGER:
  AppendEntry is the only write to the ledger. There is no update or delete.

IMPLEMENTATIONS:
  - store/sqlite:   SQLite (default, tests)
  - store/postgres: PostgreSQL via pgx
  - store/memory:   In-memory, for tests and demos

SEE ALSO:
  - service.go: Uses Store
  - errors.go: ErrRecordNotFound, ErrUniqueViolation
*/
package booking

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// READER
// =============================================================================

// Reader holds the lookups. Lookups return ErrRecordNotFound when nothing
// matches.
type Reader interface {
	GetUser(ctx context.Context, id UserID) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetProvider(ctx context.Context, id ProviderID) (Provider, error)
	GetProviderByUser(ctx context.Context, userID UserID) (Provider, error)
	ListProviders(ctx context.Context) ([]ProviderSummary, error)
	GetWalletByUser(ctx context.Context, userID UserID) (Wallet, error)

	// ListWallets returns every wallet ordered by id.
	ListWallets(ctx context.Context) ([]Wallet, error)

	GetAppointment(ctx context.Context, id AppointmentID) (Appointment, error)

	// FindAppointmentAt returns the row at (provider, time), preferring an
	// active row over a cancelled one.
	FindAppointmentAt(ctx context.Context, providerID ProviderID, at time.Time) (Appointment, error)

	// ListBookedTimes returns start times of non-cancelled appointments in
	// [from, to).
	ListBookedTimes(ctx context.Context, providerID ProviderID, from, to time.Time) ([]time.Time, error)

	// ListAppointmentsByCustomer and ListAppointmentsByProvider order by
	// appointment time, newest first.
	ListAppointmentsByCustomer(ctx context.Context, customerID UserID) ([]Appointment, error)
	ListAppointmentsByProvider(ctx context.Context, providerID ProviderID) ([]Appointment, error)

	// ListEntries returns a wallet's ledger in insertion order.
	ListEntries(ctx context.Context, walletID WalletID) ([]LedgerEntry, error)

	// ListNotifications returns a user's notifications, newest first.
	ListNotifications(ctx context.Context, userID UserID) ([]Notification, error)
}

// =============================================================================
// TX - Writes, only inside WithTx
// =============================================================================

type Tx interface {
	Reader

	// GetAppointmentForUpdate and GetWalletForUpdate lock the row for the
	// rest of the transaction where the backend supports row locks.
	GetAppointmentForUpdate(ctx context.Context, id AppointmentID) (Appointment, error)
	GetWalletForUpdate(ctx context.Context, userID UserID) (Wallet, error)

	CreateUser(ctx context.Context, u User) error
	CreateProvider(ctx context.Context, p Provider) error
	CreateWallet(ctx context.Context, w Wallet) error

	InsertAppointment(ctx context.Context, a Appointment) error
	UpdateAppointment(ctx context.Context, a Appointment) error

	// ReuseAppointment overwrites a CANCELLED row with a. It returns
	// ErrRowChanged when the row is no longer cancelled, so a concurrent
	// rebooking of the same slot is never overwritten.
	ReuseAppointment(ctx context.Context, a Appointment) error

	UpdateWalletBalance(ctx context.Context, id WalletID, balance decimal.Decimal, at time.Time) error
	AppendEntry(ctx context.Context, e LedgerEntry) error

	InsertNotification(ctx context.Context, n Notification) error
}

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	Reader

	// WithTx executes fn within a database transaction.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
