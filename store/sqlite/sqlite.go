/*
Package sqlite provides a SQLite-backed implementation of booking.Store.

PURPOSE:
  Default persistence for the appointment engine and the store used by the
  tests. store/postgres implements the same contract for PostgreSQL with
  the same schema and constraint names.

KEY TABLES:
  users:          Identity, role, status
  providers:      Provider profile (one per PROVIDER user)
  wallets:        One per user, balance as decimal TEXT
  appointments:   State machine rows
  ledger_entries: Immutable ledger of all balance changes
  notifications:  Messages written by notify.StoreNotifier

DOUBLE-BOOKING BACKSTOP:
  appointments carries
    CONSTRAINT uk_provider_appointment_time_active
      UNIQUE (provider_id, appointment_time, status)
  Violations are reported as booking.ErrUniqueViolation. The service turns
  them into SlotTaken or TransientError after re-reading the slot.

APPEND-ONLY ENFORCEMENT:
  Triggers abort any UPDATE or DELETE on ledger_entries.

CONCURRENCY:
  File databases are opened in WAL mode with _txlock=immediate, so every
  WithTx takes the write lock at BEGIN and write transactions are
  serialized by SQLite itself; readers are never blocked. _busy_timeout
  makes a second writer wait instead of failing with SQLITE_BUSY.
  ":memory:" uses a single connection, since each connection would
  otherwise see its own empty database.

TIME ENCODING:
  Times are stored as fixed-width UTC strings (timeLayout) so that string
  comparison matches time order in range queries and ORDER BY.

USAGE:
  store, err := sqlite.New("./data/appointments.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := booking.NewService(store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - booking/store.go: Interface definitions
  - store/postgres: PostgreSQL implementation
  - store/memory: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/appointment-engine/booking"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

var _ booking.Store = (*Store)(nil)

// Store implements booking.Store using SQLite.
type Store struct {
	queries
	db *sql.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	memory := dbPath == ":memory:"
	if memory {
		dsn = "file::memory:?_foreign_keys=on&_txlock=immediate"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if memory {
		db.SetMaxOpenConns(1)
	}

	store := &Store{queries: queries{q: db}, db: db}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		role TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS providers (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL UNIQUE REFERENCES users(id),
		service_type TEXT NOT NULL DEFAULT '',
		bio TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL UNIQUE REFERENCES users(id),
		balance TEXT NOT NULL,
		last_updated TEXT NOT NULL
	);

	-- CRITICAL: at most one row per (provider, time, status). Together with
	-- reuse of cancelled rows this leaves at most one active appointment
	-- per provider slot.
	CREATE TABLE IF NOT EXISTS appointments (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL REFERENCES users(id),
		provider_id TEXT NOT NULL REFERENCES providers(id),
		appointment_time TEXT NOT NULL,
		status TEXT NOT NULL,
		payment_status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CONSTRAINT uk_provider_appointment_time_active
			UNIQUE (provider_id, appointment_time, status)
	);

	CREATE INDEX IF NOT EXISTS idx_appointments_customer
		ON appointments(customer_id, appointment_time DESC);

	-- Ledger (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		wallet_id TEXT NOT NULL REFERENCES wallets(id),
		appointment_id TEXT REFERENCES appointments(id),
		amount TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_entries_wallet
		ON ledger_entries(wallet_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_appointment
		ON ledger_entries(appointment_id) WHERE appointment_id IS NOT NULL;

	CREATE TRIGGER IF NOT EXISTS ledger_entries_no_update
		BEFORE UPDATE ON ledger_entries
		BEGIN SELECT RAISE(ABORT, 'ledger_entries is append-only'); END;
	CREATE TRIGGER IF NOT EXISTS ledger_entries_no_delete
		BEFORE DELETE ON ledger_entries
		BEGIN SELECT RAISE(ABORT, 'ledger_entries is append-only'); END;

	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		message TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_notifications_user
		ON notifications(user_id, created_at DESC);
`

// migrate creates the database schema.
func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Reset drops and recreates every table (for testing/demo). The ledger
// triggers forbid DELETE, so tables are dropped rather than emptied.
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{"notifications", "ledger_entries", "appointments", "wallets", "providers", "users"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return err
		}
	}
	return s.migrate(ctx)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes a function within a database transaction. Reads made
// through the Tx see the transaction's own writes.
func (s *Store) WithTx(ctx context.Context, fn func(tx booking.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{queries: queries{q: sqlTx}}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return classify(err, "commit")
	}
	return nil
}

type txStore struct {
	queries
}

// With _txlock=immediate the whole database is write-locked for the
// transaction, which subsumes row locks.

func (t *txStore) GetAppointmentForUpdate(ctx context.Context, id booking.AppointmentID) (booking.Appointment, error) {
	return t.GetAppointment(ctx, id)
}

func (t *txStore) GetWalletForUpdate(ctx context.Context, userID booking.UserID) (booking.Wallet, error) {
	return t.GetWalletByUser(ctx, userID)
}

func (t *txStore) CreateUser(ctx context.Context, u booking.User) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO users (id, name, email, role, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Name, u.Email, u.Role, u.Status, formatTime(u.CreatedAt),
	)
	return classify(err, "insert user")
}

func (t *txStore) CreateProvider(ctx context.Context, p booking.Provider) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO providers (id, user_id, service_type, bio) VALUES (?, ?, ?, ?)`,
		p.ID, p.UserID, p.ServiceType, p.Bio,
	)
	return classify(err, "insert provider")
}

func (t *txStore) CreateWallet(ctx context.Context, w booking.Wallet) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO wallets (id, user_id, balance, last_updated) VALUES (?, ?, ?, ?)`,
		w.ID, w.UserID, w.Balance.String(), formatTime(w.LastUpdated),
	)
	return classify(err, "insert wallet")
}

func (t *txStore) InsertAppointment(ctx context.Context, a booking.Appointment) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO appointments
		(id, customer_id, provider_id, appointment_time, status, payment_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.CustomerID, a.ProviderID, formatTime(a.Time),
		a.Status, a.PaymentStatus, formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	return classify(err, "insert appointment")
}

func (t *txStore) UpdateAppointment(ctx context.Context, a booking.Appointment) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE appointments
		SET customer_id = ?, status = ?, payment_status = ?, updated_at = ?
		WHERE id = ?`,
		a.CustomerID, a.Status, a.PaymentStatus, formatTime(a.UpdatedAt), a.ID,
	)
	if err != nil {
		return classify(err, "update appointment")
	}
	return requireRow(res)
}

func (t *txStore) ReuseAppointment(ctx context.Context, a booking.Appointment) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE appointments
		SET customer_id = ?, status = ?, payment_status = ?, updated_at = ?
		WHERE id = ? AND status = 'CANCELLED'`,
		a.CustomerID, a.Status, a.PaymentStatus, formatTime(a.UpdatedAt), a.ID,
	)
	if err != nil {
		return classify(err, "reuse appointment")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return booking.ErrRowChanged
	}
	return nil
}

func (t *txStore) UpdateWalletBalance(ctx context.Context, id booking.WalletID, balance decimal.Decimal, at time.Time) error {
	res, err := t.q.ExecContext(ctx,
		`UPDATE wallets SET balance = ?, last_updated = ? WHERE id = ?`,
		balance.String(), formatTime(at), id,
	)
	if err != nil {
		return classify(err, "update wallet")
	}
	return requireRow(res)
}

func (t *txStore) AppendEntry(ctx context.Context, e booking.LedgerEntry) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(id, wallet_id, appointment_id, amount, entry_type, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.WalletID, nullString(string(e.AppointmentID)),
		e.Amount.String(), e.Type, e.Status, formatTime(e.CreatedAt),
	)
	return classify(err, "append ledger entry")
}

func (t *txStore) InsertNotification(ctx context.Context, n booking.Notification) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO notifications (id, user_id, message, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		n.ID, n.UserID, n.Message, n.Status, formatTime(n.CreatedAt),
	)
	return classify(err, "insert notification")
}

// =============================================================================
// QUERIES (booking.Reader, shared by Store and txStore)
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	q querier
}

type rowScanner interface {
	Scan(dest ...any) error
}

const (
	userColumns        = `id, name, email, role, status, created_at`
	walletColumns      = `id, user_id, balance, last_updated`
	appointmentColumns = `id, customer_id, provider_id, appointment_time, status, payment_status, created_at, updated_at`
)

func (q queries) GetUser(ctx context.Context, id booking.UserID) (booking.User, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func (q queries) GetUserByEmail(ctx context.Context, email string) (booking.User, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ? COLLATE NOCASE`, email)
	return scanUser(row)
}

func (q queries) GetProvider(ctx context.Context, id booking.ProviderID) (booking.Provider, error) {
	row := q.q.QueryRowContext(ctx, `SELECT id, user_id, service_type, bio FROM providers WHERE id = ?`, id)
	return scanProvider(row)
}

func (q queries) GetProviderByUser(ctx context.Context, userID booking.UserID) (booking.Provider, error) {
	row := q.q.QueryRowContext(ctx, `SELECT id, user_id, service_type, bio FROM providers WHERE user_id = ?`, userID)
	return scanProvider(row)
}

func (q queries) ListProviders(ctx context.Context) ([]booking.ProviderSummary, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT p.id, u.name, p.service_type, p.bio
		FROM providers p JOIN users u ON u.id = p.user_id
		ORDER BY u.name, p.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []booking.ProviderSummary{}
	for rows.Next() {
		var p booking.ProviderSummary
		if err := rows.Scan(&p.ProviderID, &p.Name, &p.ServiceType, &p.Bio); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (q queries) GetWalletByUser(ctx context.Context, userID booking.UserID) (booking.Wallet, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = ?`, userID)
	return scanWallet(row)
}

func (q queries) ListWallets(ctx context.Context) ([]booking.Wallet, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT `+walletColumns+` FROM wallets ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []booking.Wallet{}
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (q queries) GetAppointment(ctx context.Context, id booking.AppointmentID) (booking.Appointment, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = ?`, id)
	return scanAppointment(row)
}

func (q queries) FindAppointmentAt(ctx context.Context, providerID booking.ProviderID, at time.Time) (booking.Appointment, error) {
	row := q.q.QueryRowContext(ctx, `
		SELECT `+appointmentColumns+` FROM appointments
		WHERE provider_id = ? AND appointment_time = ?
		ORDER BY CASE status WHEN 'CANCELLED' THEN 1 ELSE 0 END, updated_at DESC
		LIMIT 1`,
		providerID, formatTime(at),
	)
	return scanAppointment(row)
}

func (q queries) ListBookedTimes(ctx context.Context, providerID booking.ProviderID, from, to time.Time) ([]time.Time, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT appointment_time FROM appointments
		WHERE provider_id = ? AND appointment_time >= ? AND appointment_time < ?
		  AND status <> 'CANCELLED'
		ORDER BY appointment_time`,
		providerID, formatTime(from), formatTime(to),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		t, err := parseTime(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (q queries) ListAppointmentsByCustomer(ctx context.Context, customerID booking.UserID) ([]booking.Appointment, error) {
	return q.queryAppointments(ctx, `
		SELECT `+appointmentColumns+` FROM appointments
		WHERE customer_id = ? ORDER BY appointment_time DESC, id`, customerID)
}

func (q queries) ListAppointmentsByProvider(ctx context.Context, providerID booking.ProviderID) ([]booking.Appointment, error) {
	return q.queryAppointments(ctx, `
		SELECT `+appointmentColumns+` FROM appointments
		WHERE provider_id = ? ORDER BY appointment_time DESC, id`, providerID)
}

func (q queries) queryAppointments(ctx context.Context, query string, args ...any) ([]booking.Appointment, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []booking.Appointment{}
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (q queries) ListEntries(ctx context.Context, walletID booking.WalletID) ([]booking.LedgerEntry, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, wallet_id, appointment_id, amount, entry_type, status, created_at
		FROM ledger_entries WHERE wallet_id = ?
		ORDER BY created_at, rowid`, walletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []booking.LedgerEntry{}
	for rows.Next() {
		var (
			e                 booking.LedgerEntry
			apptID            sql.NullString
			amount, createdAt string
		)
		if err := rows.Scan(&e.ID, &e.WalletID, &apptID, &amount, &e.Type, &e.Status, &createdAt); err != nil {
			return nil, err
		}
		e.AppointmentID = booking.AppointmentID(apptID.String)
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("ledger entry %s: bad amount %q: %w", e.ID, amount, err)
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (q queries) ListNotifications(ctx context.Context, userID booking.UserID) ([]booking.Notification, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, user_id, message, status, created_at
		FROM notifications WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []booking.Notification{}
	for rows.Next() {
		var (
			n         booking.Notification
			createdAt string
		)
		if err := rows.Scan(&n.ID, &n.UserID, &n.Message, &n.Status, &createdAt); err != nil {
			return nil, err
		}
		if n.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// =============================================================================
// SCANNERS
// =============================================================================

func scanUser(row rowScanner) (booking.User, error) {
	var (
		u         booking.User
		createdAt string
	)
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.Status, &createdAt); err != nil {
		return booking.User{}, notFound(err)
	}
	var err error
	u.CreatedAt, err = parseTime(createdAt)
	return u, err
}

func scanProvider(row rowScanner) (booking.Provider, error) {
	var p booking.Provider
	if err := row.Scan(&p.ID, &p.UserID, &p.ServiceType, &p.Bio); err != nil {
		return booking.Provider{}, notFound(err)
	}
	return p, nil
}

func scanWallet(row rowScanner) (booking.Wallet, error) {
	var (
		w                    booking.Wallet
		balance, lastUpdated string
	)
	if err := row.Scan(&w.ID, &w.UserID, &balance, &lastUpdated); err != nil {
		return booking.Wallet{}, notFound(err)
	}
	var err error
	if w.Balance, err = decimal.NewFromString(balance); err != nil {
		return booking.Wallet{}, fmt.Errorf("wallet %s: bad balance %q: %w", w.ID, balance, err)
	}
	w.LastUpdated, err = parseTime(lastUpdated)
	return w, err
}

func scanAppointment(row rowScanner) (booking.Appointment, error) {
	var (
		a                        booking.Appointment
		at, createdAt, updatedAt string
	)
	if err := row.Scan(&a.ID, &a.CustomerID, &a.ProviderID, &at, &a.Status, &a.PaymentStatus, &createdAt, &updatedAt); err != nil {
		return booking.Appointment{}, notFound(err)
	}
	var err error
	if a.Time, err = parseTime(at); err != nil {
		return booking.Appointment{}, err
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return booking.Appointment{}, err
	}
	a.UpdatedAt, err = parseTime(updatedAt)
	return a, err
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return booking.ErrRecordNotFound
	}
	return err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return booking.ErrRecordNotFound
	}
	return nil
}

// classify maps driver errors onto the booking store sentinels.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%s: %w: %v", op, booking.ErrUniqueViolation, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint &&
			(se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
