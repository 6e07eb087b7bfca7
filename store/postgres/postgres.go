/*
Package postgres provides a PostgreSQL implementation of booking.Store
using pgx.

PURPOSE:
  Production backend selected when DATABASE_URL is set. Same tables and
  constraint names as store/sqlite; money is NUMERIC(24,2) and times are
  TIMESTAMPTZ.

ROW LOCKS:
  GetAppointmentForUpdate and GetWalletForUpdate use SELECT ... FOR UPDATE,
  so concurrent Confirm/Cancel calls on one appointment serialize and the
  second one sees the first one's status.

DOUBLE-BOOKING BACKSTOP:
  uk_provider_appointment_time_active is checked at statement time. Two
  concurrent inserts for the same slot block on the index; the loser gets
  SQLSTATE 23505, reported as booking.ErrUniqueViolation.

SEE ALSO:
  - booking/store.go: Interface definitions
  - store/sqlite: SQLite implementation
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/warp/appointment-engine/booking"
)

// Ensure Store satisfies booking.Store at compile time.
var _ booking.Store = (*Store)(nil)

const uniqueViolation = "23505"

// Store provides Postgres-backed persistence.
type Store struct {
	queries
	pool *pgxpool.Pool
}

// New connects, pings and migrates.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{queries: queries{q: pool}, pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases database resources.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Reset deletes all data. TRUNCATE bypasses the ledger's row triggers.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`TRUNCATE notifications, ledger_entries, appointments, wallets, providers, users RESTART IDENTITY`)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT NOT NULL,
			role TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS users_email_unique_idx ON users (LOWER(email));`,
		`CREATE TABLE IF NOT EXISTS providers (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL UNIQUE REFERENCES users(id),
			service_type TEXT NOT NULL DEFAULT '',
			bio TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS wallets (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL UNIQUE REFERENCES users(id),
			balance NUMERIC(24,2) NOT NULL DEFAULT 0 CHECK (balance >= 0),
			last_updated TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS appointments (
			id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL REFERENCES users(id),
			provider_id TEXT NOT NULL REFERENCES providers(id),
			appointment_time TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL,
			payment_status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			CONSTRAINT uk_provider_appointment_time_active
				UNIQUE (provider_id, appointment_time, status)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_appointments_customer ON appointments (customer_id, appointment_time DESC);`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			seq BIGSERIAL UNIQUE,
			id TEXT PRIMARY KEY,
			wallet_id TEXT NOT NULL REFERENCES wallets(id),
			appointment_id TEXT REFERENCES appointments(id),
			amount NUMERIC(24,2) NOT NULL CHECK (amount >= 0),
			entry_type TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_wallet ON ledger_entries (wallet_id, seq);`,
		`CREATE OR REPLACE FUNCTION ledger_entries_append_only() RETURNS trigger AS $$
		BEGIN
			RAISE EXCEPTION 'ledger_entries is append-only';
		END;
		$$ LANGUAGE plpgsql;`,
		`DROP TRIGGER IF EXISTS ledger_entries_no_mutation ON ledger_entries;`,
		`CREATE TRIGGER ledger_entries_no_mutation BEFORE UPDATE OR DELETE ON ledger_entries
			FOR EACH ROW EXECUTE FUNCTION ledger_entries_append_only();`,
		`CREATE TABLE IF NOT EXISTS notifications (
			seq BIGSERIAL UNIQUE,
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			message TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications (user_id, seq DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
	}
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a READ COMMITTED transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx booking.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&txStore{queries: queries{q: tx}}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(err, "commit")
	}
	return nil
}

type txStore struct {
	queries
}

func (t *txStore) GetAppointmentForUpdate(ctx context.Context, id booking.AppointmentID) (booking.Appointment, error) {
	row := t.q.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1 FOR UPDATE`, string(id))
	return scanAppointment(row)
}

func (t *txStore) GetWalletForUpdate(ctx context.Context, userID booking.UserID) (booking.Wallet, error) {
	row := t.q.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 FOR UPDATE`, string(userID))
	return scanWallet(row)
}

func (t *txStore) CreateUser(ctx context.Context, u booking.User) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO users (id, name, email, role, status, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		string(u.ID), u.Name, u.Email, string(u.Role), string(u.Status), u.CreatedAt,
	)
	return classify(err, "insert user")
}

func (t *txStore) CreateProvider(ctx context.Context, p booking.Provider) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO providers (id, user_id, service_type, bio) VALUES ($1, $2, $3, $4)`,
		string(p.ID), string(p.UserID), p.ServiceType, p.Bio,
	)
	return classify(err, "insert provider")
}

func (t *txStore) CreateWallet(ctx context.Context, w booking.Wallet) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO wallets (id, user_id, balance, last_updated) VALUES ($1, $2, $3::numeric, $4)`,
		string(w.ID), string(w.UserID), w.Balance.String(), w.LastUpdated,
	)
	return classify(err, "insert wallet")
}

func (t *txStore) InsertAppointment(ctx context.Context, a booking.Appointment) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO appointments
		(id, customer_id, provider_id, appointment_time, status, payment_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		string(a.ID), string(a.CustomerID), string(a.ProviderID), a.Time.UTC(),
		string(a.Status), string(a.PaymentStatus), a.CreatedAt, a.UpdatedAt,
	)
	return classify(err, "insert appointment")
}

func (t *txStore) UpdateAppointment(ctx context.Context, a booking.Appointment) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE appointments
		SET customer_id = $2, status = $3, payment_status = $4, updated_at = $5
		WHERE id = $1`,
		string(a.ID), string(a.CustomerID), string(a.Status), string(a.PaymentStatus), a.UpdatedAt,
	)
	if err != nil {
		return classify(err, "update appointment")
	}
	if tag.RowsAffected() == 0 {
		return booking.ErrRecordNotFound
	}
	return nil
}

// ReuseAppointment relies on READ COMMITTED re-evaluating the WHERE clause
// after waiting on a concurrent writer's row lock.
func (t *txStore) ReuseAppointment(ctx context.Context, a booking.Appointment) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE appointments
		SET customer_id = $2, status = $3, payment_status = $4, updated_at = $5
		WHERE id = $1 AND status = 'CANCELLED'`,
		string(a.ID), string(a.CustomerID), string(a.Status), string(a.PaymentStatus), a.UpdatedAt,
	)
	if err != nil {
		return classify(err, "reuse appointment")
	}
	if tag.RowsAffected() == 0 {
		return booking.ErrRowChanged
	}
	return nil
}

func (t *txStore) UpdateWalletBalance(ctx context.Context, id booking.WalletID, balance decimal.Decimal, at time.Time) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE wallets SET balance = $2::numeric, last_updated = $3 WHERE id = $1`,
		string(id), balance.String(), at,
	)
	if err != nil {
		return classify(err, "update wallet")
	}
	if tag.RowsAffected() == 0 {
		return booking.ErrRecordNotFound
	}
	return nil
}

func (t *txStore) AppendEntry(ctx context.Context, e booking.LedgerEntry) error {
	var apptID *string
	if e.AppointmentID != "" {
		id := string(e.AppointmentID)
		apptID = &id
	}
	_, err := t.q.Exec(ctx, `
		INSERT INTO ledger_entries (id, wallet_id, appointment_id, amount, entry_type, status, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7)`,
		string(e.ID), string(e.WalletID), apptID, e.Amount.String(), string(e.Type), string(e.Status), e.CreatedAt,
	)
	return classify(err, "append ledger entry")
}

func (t *txStore) InsertNotification(ctx context.Context, n booking.Notification) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO notifications (id, user_id, message, status, created_at) VALUES ($1, $2, $3, $4, $5)`,
		string(n.ID), string(n.UserID), n.Message, string(n.Status), n.CreatedAt,
	)
	return classify(err, "insert notification")
}

// =============================================================================
// QUERIES (booking.Reader, shared by Store and txStore)
// =============================================================================

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	q querier
}

const (
	userColumns        = `id, name, email, role, status, created_at`
	walletColumns      = `id, user_id, balance::text, last_updated`
	appointmentColumns = `id, customer_id, provider_id, appointment_time, status, payment_status, created_at, updated_at`
)

func (q queries) GetUser(ctx context.Context, id booking.UserID) (booking.User, error) {
	return scanUser(q.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, string(id)))
}

func (q queries) GetUserByEmail(ctx context.Context, email string) (booking.User, error) {
	return scanUser(q.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE LOWER(email) = LOWER($1)`, email))
}

func (q queries) GetProvider(ctx context.Context, id booking.ProviderID) (booking.Provider, error) {
	return scanProvider(q.q.QueryRow(ctx, `SELECT id, user_id, service_type, bio FROM providers WHERE id = $1`, string(id)))
}

func (q queries) GetProviderByUser(ctx context.Context, userID booking.UserID) (booking.Provider, error) {
	return scanProvider(q.q.QueryRow(ctx, `SELECT id, user_id, service_type, bio FROM providers WHERE user_id = $1`, string(userID)))
}

func (q queries) ListProviders(ctx context.Context) ([]booking.ProviderSummary, error) {
	rows, err := q.q.Query(ctx, `
		SELECT p.id, u.name, p.service_type, p.bio
		FROM providers p JOIN users u ON u.id = p.user_id
		ORDER BY u.name, p.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []booking.ProviderSummary{}
	for rows.Next() {
		var id, name, serviceType, bio string
		if err := rows.Scan(&id, &name, &serviceType, &bio); err != nil {
			return nil, err
		}
		out = append(out, booking.ProviderSummary{
			ProviderID:  booking.ProviderID(id),
			Name:        name,
			ServiceType: serviceType,
			Bio:         bio,
		})
	}
	return out, rows.Err()
}

func (q queries) GetWalletByUser(ctx context.Context, userID booking.UserID) (booking.Wallet, error) {
	return scanWallet(q.q.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, string(userID)))
}

func (q queries) ListWallets(ctx context.Context) ([]booking.Wallet, error) {
	rows, err := q.q.Query(ctx, `SELECT `+walletColumns+` FROM wallets ORDER BY id`)
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
	return scanAppointment(q.q.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, string(id)))
}

func (q queries) FindAppointmentAt(ctx context.Context, providerID booking.ProviderID, at time.Time) (booking.Appointment, error) {
	return scanAppointment(q.q.QueryRow(ctx, `
		SELECT `+appointmentColumns+` FROM appointments
		WHERE provider_id = $1 AND appointment_time = $2
		ORDER BY CASE status WHEN 'CANCELLED' THEN 1 ELSE 0 END, updated_at DESC
		LIMIT 1`, string(providerID), at.UTC()))
}

func (q queries) ListBookedTimes(ctx context.Context, providerID booking.ProviderID, from, to time.Time) ([]time.Time, error) {
	rows, err := q.q.Query(ctx, `
		SELECT appointment_time FROM appointments
		WHERE provider_id = $1 AND appointment_time >= $2 AND appointment_time < $3
		  AND status <> 'CANCELLED'
		ORDER BY appointment_time`, string(providerID), from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t.UTC())
	}
	return out, rows.Err()
}

func (q queries) ListAppointmentsByCustomer(ctx context.Context, customerID booking.UserID) ([]booking.Appointment, error) {
	return q.queryAppointments(ctx, `
		SELECT `+appointmentColumns+` FROM appointments
		WHERE customer_id = $1 ORDER BY appointment_time DESC, id`, string(customerID))
}

func (q queries) ListAppointmentsByProvider(ctx context.Context, providerID booking.ProviderID) ([]booking.Appointment, error) {
	return q.queryAppointments(ctx, `
		SELECT `+appointmentColumns+` FROM appointments
		WHERE provider_id = $1 ORDER BY appointment_time DESC, id`, string(providerID))
}

func (q queries) queryAppointments(ctx context.Context, sql string, args ...any) ([]booking.Appointment, error) {
	rows, err := q.q.Query(ctx, sql, args...)
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
	rows, err := q.q.Query(ctx, `
		SELECT id, wallet_id, appointment_id, amount::text, entry_type, status, created_at
		FROM ledger_entries WHERE wallet_id = $1 ORDER BY seq`, string(walletID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []booking.LedgerEntry{}
	for rows.Next() {
		var (
			id, walletID, amount, entryType, status string
			apptID                                  *string
			createdAt                               time.Time
		)
		if err := rows.Scan(&id, &walletID, &apptID, &amount, &entryType, &status, &createdAt); err != nil {
			return nil, err
		}
		e := booking.LedgerEntry{
			ID:        booking.EntryID(id),
			WalletID:  booking.WalletID(walletID),
			Type:      booking.EntryType(entryType),
			Status:    booking.EntryStatus(status),
			CreatedAt: createdAt.UTC(),
		}
		if apptID != nil {
			e.AppointmentID = booking.AppointmentID(*apptID)
		}
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("ledger entry %s: bad amount %q: %w", id, amount, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (q queries) ListNotifications(ctx context.Context, userID booking.UserID) ([]booking.Notification, error) {
	rows, err := q.q.Query(ctx, `
		SELECT id, user_id, message, status, created_at
		FROM notifications WHERE user_id = $1 ORDER BY seq DESC`, string(userID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []booking.Notification{}
	for rows.Next() {
		var (
			id, uid, message, status string
			createdAt                time.Time
		)
		if err := rows.Scan(&id, &uid, &message, &status, &createdAt); err != nil {
			return nil, err
		}
		out = append(out, booking.Notification{
			ID:        booking.NotificationID(id),
			UserID:    booking.UserID(uid),
			Message:   message,
			Status:    booking.NotificationStatus(status),
			CreatedAt: createdAt.UTC(),
		})
	}
	return out, rows.Err()
}

// =============================================================================
// SCANNERS
// =============================================================================

func scanUser(row pgx.Row) (booking.User, error) {
	var (
		id, name, email, role, status string
		createdAt                     time.Time
	)
	if err := row.Scan(&id, &name, &email, &role, &status, &createdAt); err != nil {
		return booking.User{}, notFound(err)
	}
	return booking.User{
		ID:        booking.UserID(id),
		Name:      name,
		Email:     email,
		Role:      booking.Role(role),
		Status:    booking.UserStatus(status),
		CreatedAt: createdAt.UTC(),
	}, nil
}

func scanProvider(row pgx.Row) (booking.Provider, error) {
	var id, userID, serviceType, bio string
	if err := row.Scan(&id, &userID, &serviceType, &bio); err != nil {
		return booking.Provider{}, notFound(err)
	}
	return booking.Provider{
		ID:          booking.ProviderID(id),
		UserID:      booking.UserID(userID),
		ServiceType: serviceType,
		Bio:         bio,
	}, nil
}

func scanWallet(row pgx.Row) (booking.Wallet, error) {
	var (
		id, userID, balance string
		lastUpdated         time.Time
	)
	if err := row.Scan(&id, &userID, &balance, &lastUpdated); err != nil {
		return booking.Wallet{}, notFound(err)
	}
	amount, err := decimal.NewFromString(balance)
	if err != nil {
		return booking.Wallet{}, fmt.Errorf("wallet %s: bad balance %q: %w", id, balance, err)
	}
	return booking.Wallet{
		ID:          booking.WalletID(id),
		UserID:      booking.UserID(userID),
		Balance:     amount,
		LastUpdated: lastUpdated.UTC(),
	}, nil
}

func scanAppointment(row pgx.Row) (booking.Appointment, error) {
	var (
		id, customerID, providerID, status, paymentStatus string
		at, createdAt, updatedAt                          time.Time
	)
	if err := row.Scan(&id, &customerID, &providerID, &at, &status, &paymentStatus, &createdAt, &updatedAt); err != nil {
		return booking.Appointment{}, notFound(err)
	}
	return booking.Appointment{
		ID:            booking.AppointmentID(id),
		CustomerID:    booking.UserID(customerID),
		ProviderID:    booking.ProviderID(providerID),
		Time:          at.UTC(),
		Status:        booking.AppointmentStatus(status),
		PaymentStatus: booking.PaymentStatus(paymentStatus),
		CreatedAt:     createdAt.UTC(),
		UpdatedAt:     updatedAt.UTC(),
	}, nil
}

// =============================================================================
// ERRORS
// =============================================================================

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return booking.ErrRecordNotFound
	}
	return err
}

// classify maps driver errors onto the booking store sentinels.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("%s: %w: %v", op, booking.ErrUniqueViolation, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
