// Package memory provides an in-memory booking.Store (for testing/dev).
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/appointment-engine/booking"
)

var _ booking.Store = (*Memory)(nil)

// =============================================================================
// MEMORY STORE
// =============================================================================

// Memory keeps all rows in maps. Transactions are serialized and run against
// a copy of the state that replaces the live state on commit.
type Memory struct {
	mu    sync.Mutex
	state *state
}

func NewMemory() *Memory {
	return &Memory{state: newState()}
}

// WithTx runs fn against a private copy of the state. The copy is published
// only if fn returns nil.
func (m *Memory) WithTx(ctx context.Context, fn func(tx booking.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := m.state.clone()
	if err := fn(&memTx{state: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

// Reset drops every row.
func (m *Memory) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = newState()
	return nil
}

func (m *Memory) read() *state {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Committed states are never mutated, so readers can use a snapshot without
// holding the lock.

func (m *Memory) GetUser(ctx context.Context, id booking.UserID) (booking.User, error) {
	return m.read().GetUser(ctx, id)
}

func (m *Memory) GetUserByEmail(ctx context.Context, email string) (booking.User, error) {
	return m.read().GetUserByEmail(ctx, email)
}

func (m *Memory) GetProvider(ctx context.Context, id booking.ProviderID) (booking.Provider, error) {
	return m.read().GetProvider(ctx, id)
}

func (m *Memory) GetProviderByUser(ctx context.Context, userID booking.UserID) (booking.Provider, error) {
	return m.read().GetProviderByUser(ctx, userID)
}

func (m *Memory) ListProviders(ctx context.Context) ([]booking.ProviderSummary, error) {
	return m.read().ListProviders(ctx)
}

func (m *Memory) GetWalletByUser(ctx context.Context, userID booking.UserID) (booking.Wallet, error) {
	return m.read().GetWalletByUser(ctx, userID)
}

func (m *Memory) ListWallets(ctx context.Context) ([]booking.Wallet, error) {
	return m.read().ListWallets(ctx)
}

func (m *Memory) GetAppointment(ctx context.Context, id booking.AppointmentID) (booking.Appointment, error) {
	return m.read().GetAppointment(ctx, id)
}

func (m *Memory) FindAppointmentAt(ctx context.Context, providerID booking.ProviderID, at time.Time) (booking.Appointment, error) {
	return m.read().FindAppointmentAt(ctx, providerID, at)
}

func (m *Memory) ListBookedTimes(ctx context.Context, providerID booking.ProviderID, from, to time.Time) ([]time.Time, error) {
	return m.read().ListBookedTimes(ctx, providerID, from, to)
}

func (m *Memory) ListAppointmentsByCustomer(ctx context.Context, customerID booking.UserID) ([]booking.Appointment, error) {
	return m.read().ListAppointmentsByCustomer(ctx, customerID)
}

func (m *Memory) ListAppointmentsByProvider(ctx context.Context, providerID booking.ProviderID) ([]booking.Appointment, error) {
	return m.read().ListAppointmentsByProvider(ctx, providerID)
}

func (m *Memory) ListEntries(ctx context.Context, walletID booking.WalletID) ([]booking.LedgerEntry, error) {
	return m.read().ListEntries(ctx, walletID)
}

func (m *Memory) ListNotifications(ctx context.Context, userID booking.UserID) ([]booking.Notification, error) {
	return m.read().ListNotifications(ctx, userID)
}

// =============================================================================
// STATE
// =============================================================================

type state struct {
	users         map[booking.UserID]booking.User
	providers     map[booking.ProviderID]booking.Provider
	wallets       map[booking.WalletID]booking.Wallet
	appointments  map[booking.AppointmentID]booking.Appointment
	entries       []booking.LedgerEntry
	notifications []booking.Notification
}

func newState() *state {
	return &state{
		users:        make(map[booking.UserID]booking.User),
		providers:    make(map[booking.ProviderID]booking.Provider),
		wallets:      make(map[booking.WalletID]booking.Wallet),
		appointments: make(map[booking.AppointmentID]booking.Appointment),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.providers {
		c.providers[k] = v
	}
	for k, v := range s.wallets {
		c.wallets[k] = v
	}
	for k, v := range s.appointments {
		c.appointments[k] = v
	}
	c.entries = append([]booking.LedgerEntry(nil), s.entries...)
	c.notifications = append([]booking.Notification(nil), s.notifications...)
	return c
}

func (s *state) GetUser(_ context.Context, id booking.UserID) (booking.User, error) {
	u, ok := s.users[id]
	if !ok {
		return booking.User{}, booking.ErrRecordNotFound
	}
	return u, nil
}

func (s *state) GetUserByEmail(_ context.Context, email string) (booking.User, error) {
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return booking.User{}, booking.ErrRecordNotFound
}

func (s *state) GetProvider(_ context.Context, id booking.ProviderID) (booking.Provider, error) {
	p, ok := s.providers[id]
	if !ok {
		return booking.Provider{}, booking.ErrRecordNotFound
	}
	return p, nil
}

func (s *state) GetProviderByUser(_ context.Context, userID booking.UserID) (booking.Provider, error) {
	for _, p := range s.providers {
		if p.UserID == userID {
			return p, nil
		}
	}
	return booking.Provider{}, booking.ErrRecordNotFound
}

func (s *state) ListProviders(_ context.Context) ([]booking.ProviderSummary, error) {
	out := make([]booking.ProviderSummary, 0, len(s.providers))
	for _, p := range s.providers {
		out = append(out, booking.ProviderSummary{
			ProviderID:  p.ID,
			Name:        s.users[p.UserID].Name,
			ServiceType: p.ServiceType,
			Bio:         p.Bio,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ProviderID < out[j].ProviderID
	})
	return out, nil
}

func (s *state) GetWalletByUser(_ context.Context, userID booking.UserID) (booking.Wallet, error) {
	for _, w := range s.wallets {
		if w.UserID == userID {
			return w, nil
		}
	}
	return booking.Wallet{}, booking.ErrRecordNotFound
}

func (s *state) ListWallets(_ context.Context) ([]booking.Wallet, error) {
	out := make([]booking.Wallet, 0, len(s.wallets))
	for _, w := range s.wallets {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) GetAppointment(_ context.Context, id booking.AppointmentID) (booking.Appointment, error) {
	a, ok := s.appointments[id]
	if !ok {
		return booking.Appointment{}, booking.ErrRecordNotFound
	}
	return a, nil
}

func (s *state) FindAppointmentAt(_ context.Context, providerID booking.ProviderID, at time.Time) (booking.Appointment, error) {
	var (
		found booking.Appointment
		ok    bool
	)
	for _, a := range s.appointments {
		if a.ProviderID != providerID || !a.Time.Equal(at) {
			continue
		}
		if a.Status.Active() {
			return a, nil
		}
		found, ok = a, true
	}
	if !ok {
		return booking.Appointment{}, booking.ErrRecordNotFound
	}
	return found, nil
}

func (s *state) ListBookedTimes(_ context.Context, providerID booking.ProviderID, from, to time.Time) ([]time.Time, error) {
	var out []time.Time
	for _, a := range s.appointments {
		if a.ProviderID != providerID || a.Status == booking.StatusCancelled {
			continue
		}
		if a.Time.Before(from) || !a.Time.Before(to) {
			continue
		}
		out = append(out, a.Time)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (s *state) ListAppointmentsByCustomer(_ context.Context, customerID booking.UserID) ([]booking.Appointment, error) {
	return s.filterAppointments(func(a booking.Appointment) bool { return a.CustomerID == customerID }), nil
}

func (s *state) ListAppointmentsByProvider(_ context.Context, providerID booking.ProviderID) ([]booking.Appointment, error) {
	return s.filterAppointments(func(a booking.Appointment) bool { return a.ProviderID == providerID }), nil
}

func (s *state) filterAppointments(keep func(booking.Appointment) bool) []booking.Appointment {
	out := []booking.Appointment{}
	for _, a := range s.appointments {
		if keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Time.Equal(out[j].Time) {
			return out[i].Time.After(out[j].Time)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *state) ListEntries(_ context.Context, walletID booking.WalletID) ([]booking.LedgerEntry, error) {
	out := []booking.LedgerEntry{}
	for _, e := range s.entries {
		if e.WalletID == walletID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *state) ListNotifications(_ context.Context, userID booking.UserID) ([]booking.Notification, error) {
	out := []booking.Notification{}
	for i := len(s.notifications) - 1; i >= 0; i-- {
		if n := s.notifications[i]; n.UserID == userID {
			out = append(out, n)
		}
	}
	return out, nil
}

// =============================================================================
// TX
// =============================================================================

type memTx struct {
	*state
}

func (t *memTx) GetAppointmentForUpdate(ctx context.Context, id booking.AppointmentID) (booking.Appointment, error) {
	return t.GetAppointment(ctx, id)
}

func (t *memTx) GetWalletForUpdate(ctx context.Context, userID booking.UserID) (booking.Wallet, error) {
	return t.GetWalletByUser(ctx, userID)
}

func (t *memTx) CreateUser(ctx context.Context, u booking.User) error {
	if _, err := t.GetUserByEmail(ctx, u.Email); err == nil {
		return booking.ErrUniqueViolation
	}
	if _, ok := t.users[u.ID]; ok {
		return booking.ErrUniqueViolation
	}
	t.users[u.ID] = u
	return nil
}

func (t *memTx) CreateProvider(ctx context.Context, p booking.Provider) error {
	if _, err := t.GetProviderByUser(ctx, p.UserID); err == nil {
		return booking.ErrUniqueViolation
	}
	t.providers[p.ID] = p
	return nil
}

func (t *memTx) CreateWallet(ctx context.Context, w booking.Wallet) error {
	if _, err := t.GetWalletByUser(ctx, w.UserID); err == nil {
		return booking.ErrUniqueViolation
	}
	t.wallets[w.ID] = w
	return nil
}

func (t *memTx) InsertAppointment(_ context.Context, a booking.Appointment) error {
	if _, ok := t.appointments[a.ID]; ok {
		return booking.ErrUniqueViolation
	}
	if t.conflicts(a) {
		return booking.ErrUniqueViolation
	}
	t.appointments[a.ID] = a
	return nil
}

func (t *memTx) UpdateAppointment(_ context.Context, a booking.Appointment) error {
	if _, ok := t.appointments[a.ID]; !ok {
		return booking.ErrRecordNotFound
	}
	if t.conflicts(a) {
		return booking.ErrUniqueViolation
	}
	t.appointments[a.ID] = a
	return nil
}

func (t *memTx) ReuseAppointment(ctx context.Context, a booking.Appointment) error {
	if current, ok := t.appointments[a.ID]; !ok || current.Status != booking.StatusCancelled {
		return booking.ErrRowChanged
	}
	return t.UpdateAppointment(ctx, a)
}

// conflicts mirrors UNIQUE(provider_id, appointment_time, status).
func (t *memTx) conflicts(a booking.Appointment) bool {
	for id, other := range t.appointments {
		if id != a.ID && other.ProviderID == a.ProviderID && other.Time.Equal(a.Time) && other.Status == a.Status {
			return true
		}
	}
	return false
}

func (t *memTx) UpdateWalletBalance(_ context.Context, id booking.WalletID, balance decimal.Decimal, at time.Time) error {
	w, ok := t.wallets[id]
	if !ok {
		return booking.ErrRecordNotFound
	}
	w.Balance = balance
	w.LastUpdated = at
	t.wallets[id] = w
	return nil
}

func (t *memTx) AppendEntry(_ context.Context, e booking.LedgerEntry) error {
	t.entries = append(t.entries, e)
	return nil
}

func (t *memTx) InsertNotification(_ context.Context, n booking.Notification) error {
	t.notifications = append(t.notifications, n)
	return nil
}
