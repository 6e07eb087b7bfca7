package booking_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/appointment-engine/booking"
	"github.com/warp/appointment-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// Monday 2026-03-02 08:00 UTC
var monday = time.Date(2026, time.March, 2, 8, 0, 0, 0, time.UTC)

// tuesdayAt returns Tuesday 2026-03-03 at hh:mm UTC.
func tuesdayAt(hour, minute int) time.Time {
	return time.Date(2026, time.March, 3, hour, minute, 0, 0, time.UTC)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type fixture struct {
	ctx      context.Context
	store    *sqlite.Store
	svc      *booking.Service
	clock    *clock
	customer booking.User
	provider booking.Registered
}

func newFixture(t *testing.T, dbPath string) *fixture {
	t.Helper()
	store, err := sqlite.New(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c := &clock{t: monday}
	f := &fixture{
		ctx:   context.Background(),
		store: store,
		clock: c,
		svc:   booking.NewService(store, booking.WithClock(c.Now)),
	}
	f.provider = f.register(t, "Dr. Maya Chen", "maya@clinic.test", "PROVIDER")
	f.customer = f.register(t, "Sam Rivera", "sam@mail.test", "CUSTOMER").User
	return f
}

func newTestService(t *testing.T) *fixture {
	return newFixture(t, ":memory:")
}

func (f *fixture) register(t *testing.T, name, email, role string) booking.Registered {
	t.Helper()
	reg, err := f.svc.Register(f.ctx, booking.Registration{Name: name, Email: email, Role: role, ServiceType: "Physiotherapy"})
	require.NoError(t, err)
	return reg
}

func (f *fixture) deposit(t *testing.T, userID booking.UserID, amount int64) {
	t.Helper()
	_, err := f.svc.Deposit(f.ctx, userID, decimal.NewFromInt(amount))
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, userID booking.UserID) string {
	t.Helper()
	b, err := f.svc.GetBalance(f.ctx, userID)
	require.NoError(t, err)
	return b.Balance.StringFixed(2)
}

func (f *fixture) entryTypes(t *testing.T, userID booking.UserID) []booking.EntryType {
	t.Helper()
	entries, err := f.svc.GetTransactions(f.ctx, userID)
	require.NoError(t, err)
	types := make([]booking.EntryType, 0, len(entries))
	for _, e := range entries {
		types = append(types, e.Type)
	}
	return types
}

// assertLedgerMatchesBalance checks that the wallet balance equals the sum
// of its ledger entry deltas.
func (f *fixture) assertLedgerMatchesBalance(t *testing.T, userID booking.UserID) {
	t.Helper()
	entries, err := f.svc.GetTransactions(f.ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, booking.LedgerSum(entries).StringFixed(2), f.balance(t, userID), "ledger sum must equal balance")
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestLifecycle_DepositBookConfirmCancel(t *testing.T) {
	// GIVEN: A customer with 100.00 and a provider with 0.00
	// WHEN: The customer books, the provider confirms, the customer cancels
	// THEN: Balances go 100/0 -> 50/50 -> 100/0 with paired ledger entries

	f := newTestService(t)
	providerUser := f.provider.User.ID
	f.deposit(t, f.customer.ID, 100)

	appt, err := f.svc.BookAppointment(f.ctx, f.customer.ID, f.provider.Provider.ID, tuesdayAt(10, 0))
	require.NoError(t, err)
	assert.Equal(t, booking.StatusPending, appt.Status)
	assert.Equal(t, booking.PaymentUnpaid, appt.PaymentStatus)
	assert.Equal(t, "100.00", f.balance(t, f.customer.ID), "booking does not move money")

	confirmed, err := f.svc.ConfirmAppointment(f.ctx, appt.ID, providerUser)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusConfirmed, confirmed.Status)
	assert.Equal(t, booking.PaymentPaid, confirmed.PaymentStatus)
	assert.Equal(t, "50.00", f.balance(t, f.customer.ID))
	assert.Equal(t, "50.00", f.balance(t, providerUser))

	cancelled, err := f.svc.CancelAppointment(f.ctx, appt.ID, f.customer.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusCancelled, cancelled.Status)
	assert.Equal(t, booking.PaymentPaid, cancelled.PaymentStatus, "payment status is not reset on refund")
	assert.Equal(t, "100.00", f.balance(t, f.customer.ID))
	assert.Equal(t, "0.00", f.balance(t, providerUser))

	assert.Equal(t, []booking.EntryType{booking.EntryDeposit, booking.EntryPayment, booking.EntryRefund}, f.entryTypes(t, f.customer.ID))
	assert.Equal(t, []booking.EntryType{booking.EntryIncome, booking.EntryDeduction}, f.entryTypes(t, providerUser))
	f.assertLedgerMatchesBalance(t, f.customer.ID)
	f.assertLedgerMatchesBalance(t, providerUser)
}

func TestLifecycle_SettlementEntriesReferenceAppointment(t *testing.T) {
	f := newTestService(t)
	f.deposit(t, f.customer.ID, 100)

	appt, err := f.svc.BookAppointment(f.ctx, f.customer.ID, f.provider.Provider.ID, tuesdayAt(10, 0))
	require.NoError(t, err)
	_, err = f.svc.ConfirmAppointment(f.ctx, appt.ID, f.provider.User.ID)
	require.NoError(t, err)

	entries, err := f.svc.GetTransactions(f.ctx, f.customer.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Empty(t, entries[0].AppointmentID, "deposits carry no appointment")
	assert.Equal(t, appt.ID, entries[1].AppointmentID)
	assert.Equal(t, "50.00", entries[1].Amount.StringFixed(2))
	assert.Equal(t, booking.EntrySuccess, entries[1].Status)
}

// =============================================================================
// BOOK
// =============================================================================

func TestBook_InsufficientFunds(t *testing.T) {
	f := newTestService(t)
	f.deposit(t, f.customer.ID, 20)

	_, err := f.svc.BookAppointment(f.ctx, f.customer.ID, f.provider.Provider.ID, tuesdayAt(10, 0))

	assert.ErrorIs(t, err, booking.ErrInsufficientFunds)
	assert.Equal(t, "Insufficient balance in wallet! Fee required: 50.00", booking.MessageOf(err))
}

func TestBook_SlotAlreadyTaken(t *testing.T) {
	// GIVEN: Sam holds Tuesday 10:00
	// WHEN: Lena asks for the same slot
	// THEN: SlotTaken, Sam keeps the slot

	f := newTestService(t)
	lena := f.register(t, "Lena Park", "lena@mail.test", "").User
	f.deposit(t, f.customer.ID, 100)
	f.deposit(t, lena.ID, 100)

	_, err := f.svc.BookAppointment(f.ctx, f.customer.ID, f.provider.Provider.ID, tuesdayAt(10, 0))
	require.NoError(t, err)

	_, err = f.svc.BookAppointment(f.ctx, lena.ID, f.provider.Provider.ID, tuesdayAt(10, 0))
	assert.ErrorIs(t, err, booking.ErrSlotTaken)
	assert.Equal(t, "This time slot is no longer available.", booking.MessageOf(err))
	assert.True(t, booking.IsClientError(err))
}

func TestBook_CancelledSlotIsReused(t *testing.T) {
	// GIVEN: A cancelled appointment at Tuesday 10:00
	// WHEN: Another customer books the same slot
	// THEN: The cancelled row is taken over: same id, new customer, PENDING/UNPAID

	f := newTestService(t)
	lena := f.register(t, "Lena Park", "lena@mail.test", "").User
	f.deposit(t, f.customer.ID, 100)
	f.deposit(t, lena.ID, 100)

	first, err := f.svc.BookAppointment(f.ctx, f.customer.ID, f.provider.Provider.ID, tuesdayAt(10, 0))
	require.NoError(t, err)
	_, err = f.svc.ConfirmAppointment(f.ctx, first.ID, f.provider.User.ID)
	require.NoError(t, err)
	_, err = f.svc.CancelAppointment(f.ctx, first.ID, f.customer.ID)
	require.NoError(t, err)

	second, err := f.svc.BookAppointment(f.ctx, lena.ID, f.provider.Provider.ID, tuesdayAt(10, 0))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, lena.ID, second.CustomerID)
	assert.Equal(t, booking.StatusPending, second.Status)
	assert.Equal(t, booking.PaymentUnpaid, second.PaymentStatus)

	stored, err := f.store.GetAppointment(f.ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, lena.ID, stored.CustomerID)
}

func TestBook_RejectsInvalidTimes(t *testing.T) {
	f := newTestService(t)
	f.deposit(t, f.customer.ID, 100)

	_, err := f.svc.BookAppointment(f.ctx, f.customer.ID, f.provider.Provider.ID, tuesdayAt(10, 15))

	assert.ErrorIs(t, err, booking.ErrInvalidRequest)
	assert.Equal(t, "Appointments can only be booked on the hour or half-hour", booking.MessageOf(err))
}

func TestBook_UnknownProvider(t *testing.T) {
	f := newTestService(t)
	f.deposit(t, f.customer.ID, 100)

	_, err := f.svc.BookAppointment(f.ctx, f.customer.ID, "no-such-provider", tuesdayAt(10, 0))

	assert.ErrorIs(t, err, booking.ErrNotFound)
	assert.True(t, booking.IsNotFound(err))
}

func TestBook_UnknownCustomer(t *testing.T) {
	f := newTestService(t)

	_, err := f.svc.BookAppointment(f.ctx, "ghost", f.provider.Provider.ID, tuesdayAt(10, 0))

	assert.ErrorIs(t, err, booking.ErrNotFound)
	assert.Equal(t, "User not found with id: ghost", booking.MessageOf(err))
}

func TestBook_BlockedCustomer(t *testing.T) {
	f := newTestService(t)
	blocked := booking.User{
		ID:        booking.NewUserID(),
		Name:      "Blocked",
		Email:     "blocked@mail.test",
		Role:      booking.RoleCustomer,
		Status:    booking.UserBlocked,
		CreatedAt: monday,
	}
	require.NoError(t, f.store.WithTx(f.ctx, func(tx booking.Tx) error {
		if err := tx.CreateUser(f.ctx, blocked); err != nil {
			return err
		}
		return tx.CreateWallet(f.ctx, booking.Wallet{
			ID:          booking.NewWalletID(),
			UserID:      blocked.ID,
			Balance:     decimal.NewFromInt(500),
			LastUpdated: monday,
		})
	}))

	_, err := f.svc.BookAppointment(f.ctx, blocked.ID, f.provider.Provider.ID, tuesdayAt(10, 0))

	assert.ErrorIs(t, err, booking.ErrForbidden)
	assert.Equal(t, "Account is blocked", booking.MessageOf(err))
}

func TestBook_CannotBookYourself(t *testing.T) {
	f := newTestService(t)
	f.deposit(t, f.provider.User.ID, 100)

	_, err := f.svc.BookAppointment(f.ctx, f.provider.User.ID, f.provider.Provider.ID, tuesdayAt(10, 0))

	assert.ErrorIs(t, err, booking.ErrInvalidRequest)
}

func TestBook_ConcurrentRequestsForOneSlot(t *testing.T) {
	// GIVEN: Eight funded customers
	// WHEN: All of them book Tuesday 10:00 at once
	// THEN: Exactly one succeeds, the rest are told the slot is gone

	f := newFixture(t, filepath.Join(t.TempDir(), "concurrent.db"))

	const n = 8
	customers := make([]booking.UserID, n)
	for i := range customers {
		u := f.register(t, "Customer", "c"+string(rune('a'+i))+"@mail.test", "").User
		f.deposit(t, u.ID, 100)
		customers[i] = u.ID
	}

	var (
		wg   sync.WaitGroup
		errs = make([]error, n)
	)
	for i := range customers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.BookAppointment(f.ctx, customers[i], f.provider.Provider.ID, tuesdayAt(10, 0))
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		assert.True(t, booking.KindOf(err) == booking.KindSlotTaken || booking.KindOf(err) == booking.KindTransient,
			"unexpected error: %v", err)
	}
	assert.Equal(t, 1, successes)

	booked, err := f.store.ListBookedTimes(f.ctx, f.provider.Provider.ID, tuesdayAt(9, 0), tuesdayAt(18, 30))
	require.NoError(t, err)
	assert.Len(t, booked, 1)
}

// staleStore hides existing appointments from reads inside a transaction,
// so the insert is the first thing to notice a conflict.
type staleStore struct {
	booking.Store
}

func (s staleStore) WithTx(ctx context.Context, fn func(tx booking.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx booking.Tx) error { return fn(staleTx{tx}) })
}

type staleTx struct {
	booking.Tx
}

func (staleTx) FindAppointmentAt(context.Context, booking.ProviderID, time.Time) (booking.Appointment, error) {
	return booking.Appointment{}, booking.ErrRecordNotFound
}

// conflictingTx reports a unique violation on every insert.
type conflictingStore struct {
	booking.Store
}

func (s conflictingStore) WithTx(ctx context.Context, fn func(tx booking.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx booking.Tx) error { return fn(conflictingTx{tx}) })
}

type conflictingTx struct {
	booking.Tx
}

func (conflictingTx) InsertAppointment(context.Context, booking.Appointment) error {
	return booking.ErrUniqueViolation
}

func TestBook_UniqueViolation_SlotHeldByWinner(t *testing.T) {
	// GIVEN: Sam holds Tuesday 10:00, and Lena's transaction cannot see it
	// WHEN: Lena books the slot and the database constraint fires
	// THEN: The re-check finds Sam's appointment and reports SlotTaken

	f := newTestService(t)
	lena := f.register(t, "Lena Park", "lena@mail.test", "").User
	f.deposit(t, f.customer.ID, 100)
	f.deposit(t, lena.ID, 100)

	_, err := f.svc.BookAppointment(f.ctx, f.customer.ID, f.provider.Provider.ID, tuesdayAt(10, 0))
	require.NoError(t, err)

	stale := booking.NewService(staleStore{f.store}, booking.WithClock(f.clock.Now))
	_, err = stale.BookAppointment(f.ctx, lena.ID, f.provider.Provider.ID, tuesdayAt(10, 0))

	assert.ErrorIs(t, err, booking.ErrSlotTaken)
	assert.Equal(t, "This time slot was just taken. Please choose another time.", booking.MessageOf(err))
}

func TestBook_UniqueViolation_NoWinnerIsTransient(t *testing.T) {
	// GIVEN: The insert reports a conflict but no active appointment exists
	// WHEN: Booking
	// THEN: A retryable transient error

	f := newTestService(t)
	f.deposit(t, f.customer.ID, 100)

	svc := booking.NewService(conflictingStore{f.store}, booking.WithClock(f.clock.Now))
	_, err := svc.BookAppointment(f.ctx, f.customer.ID, f.provider.Provider.ID, tuesdayAt(10, 0))

	assert.ErrorIs(t, err, booking.ErrTransient)
	assert.True(t, booking.IsRetryable(err))
	assert.Equal(t, "Unable to book appointment due to system error. Please try again.", booking.MessageOf(err))
}

// snapshotStore serves a fixed appointment for the slot lookup inside a
// transaction: what a concurrent rebooker read before another one committed.
type snapshotStore struct {
	booking.Store
	snapshot booking.Appointment
}

func (s snapshotStore) WithTx(ctx context.Context, fn func(tx booking.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx booking.Tx) error { return fn(snapshotTx{tx, s.snapshot}) })
}

type snapshotTx struct {
	booking.Tx
	snapshot booking.Appointment
}

func (s snapshotTx) FindAppointmentAt(context.Context, booking.ProviderID, time.Time) (booking.Appointment, error) {
	return s.snapshot, nil
}

func TestBook_ConcurrentReuseOfCancelledSlot(t *testing.T) {
	// GIVEN: Tuesday 10:00 was cancelled, then Lena rebooked it
	// WHEN: Theo rebooks from a read taken while the slot was still cancelled
	// THEN: Theo gets SlotTaken and Lena keeps the appointment

	f := newTestService(t)
	lena := f.register(t, "Lena Park", "lena@mail.test", "").User
	theo := f.register(t, "Theo Brandt", "theo@mail.test", "").User
	f.deposit(t, f.customer.ID, 100)
	f.deposit(t, lena.ID, 100)
	f.deposit(t, theo.ID, 100)

	appt, err := f.svc.BookAppointment(f.ctx, f.customer.ID, f.provider.Provider.ID, tuesdayAt(10, 0))
	require.NoError(t, err)
	cancelled, err := f.svc.CancelAppointment(f.ctx, appt.ID, f.customer.ID)
	require.NoError(t, err)

	rebooked, err := f.svc.BookAppointment(f.ctx, lena.ID, f.provider.Provider.ID, tuesdayAt(10, 0))
	require.NoError(t, err)
	require.Equal(t, appt.ID, rebooked.ID, "the cancelled row is reused")

	rec := &recordingNotifier{}
	racer := booking.NewService(snapshotStore{f.store, cancelled}, booking.WithClock(f.clock.Now), booking.WithNotifier(rec))
	_, err = racer.BookAppointment(f.ctx, theo.ID, f.provider.Provider.ID, tuesdayAt(10, 0))

	assert.ErrorIs(t, err, booking.ErrSlotTaken)
	assert.Empty(t, rec.events, "the losing booker is not notified")
	stored, err := f.store.GetAppointment(f.ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, lena.ID, stored.CustomerID)
	assert.Equal(t, booking.StatusPending, stored.Status)
}

// =============================================================================
// CONFIRM
// =============================================================================

func TestConfirm_Errors(t *testing.T) {
	f := newTestService(t)
	other := f.register(t, "Dr. Omar Haddad", "omar@clinic.test", "PROVIDER")
	f.deposit(t, f.customer.ID, 100)

	appt, err := f.svc.BookAppointment(f.ctx, f.customer.ID, f.provider.Provider.ID, tuesdayAt(10, 0))
	require.NoError(t, err)

	t.Run("unknown appointment", func(t *testing.T) {
		_, err := f.svc.ConfirmAppointment(f.ctx, "missing", f.provider.User.ID)
		assert.ErrorIs(t, err, booking.ErrNotFound)
		assert.Equal(t, "Appointment not found with id: missing", booking.MessageOf(err))
	})

	t.Run("another provider", func(t *testing.T) {
		_, err := f.svc.ConfirmAppointment(f.ctx, appt.ID, other.User.ID)
		assert.ErrorIs(t, err, booking.ErrForbidden)
	})

	t.Run("the customer", func(t *testing.T) {
		_, err := f.svc.ConfirmAppointment(f.ctx, appt.ID, f.customer.ID)
		assert.ErrorIs(t, err, booking.ErrForbidden)
	})

	t.Run("twice", func(t *testing.T) {
		_, err := f.svc.ConfirmAppointment(f.ctx, appt.ID, f.provider.User.ID)
		require.NoError(t, err)

		_, err = f.svc.ConfirmAppointment(f.ctx, appt.ID, f.provider.User.ID)
		assert.ErrorIs(t, err, booking.ErrInvalidRequest)
		assert.Equal(t, "Only pending appointments can be confirmed", booking.MessageOf(err))
		assert.Equal(t, "50.00", f.balance(t, f.customer.ID), "second confirm must not charge again")
	})
}

func TestConfirm_PastAppointment(t *testing.T) {
	f := newTestService(t)
	f.deposit(t, f.customer.ID, 100)
	appt, err := f.svc.BookAppointment(f.ctx, f.customer.ID, f.provider.Provider.ID, tuesdayAt(10, 0))
	require.NoError(t, err)

	f.clock.Set(tuesdayAt(11, 0))
	_, err = f.svc.ConfirmAppointment(f.ctx, appt.ID, f.provider.User.ID)

	assert.ErrorIs(t, err, booking.ErrInvalidRequest)
	assert.Equal(t, "Cannot confirm past appointments", booking.MessageOf(err))
}

func TestConfirm_BalanceSpentSinceBooking(t *testing.T) {
	// GIVEN: 50.00 covers either of two pending bookings, not both
	// WHEN: The provider confirms both
	// THEN: The second confirm fails and leaves everything as it was

	f := newTestService(t)
	f.deposit(t, f.customer.ID, 50)

	first, err := f.svc.BookAppointment(f.ctx, f.customer.ID, f.provider.Provider.ID, tuesdayAt(10, 0))
	require.NoError(t, err)
	second, err := f.svc.BookAppointment(f.ctx, f.customer.ID, f.provider.Provider.ID, tuesdayAt(11, 0))
	require.NoError(t, err)

	_, err = f.svc.ConfirmAppointment(f.ctx, first.ID, f.provider.User.ID)
	require.NoError(t, err)

	_, err = f.svc.ConfirmAppointment(f.ctx, second.ID, f.provider.User.ID)
	assert.ErrorIs(t, err, booking.ErrInsufficientFunds)

	stored, err := f.store.GetAppointment(f.ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusPending, stored.Status)
	assert.Equal(t, booking.PaymentUnpaid, stored.PaymentStatus)
	assert.Equal(t, "0.00", f.balance(t, f.customer.ID))
	assert.Equal(t, "50.00", f.balance(t, f.provider.User.ID))
	f.assertLedgerMatchesBalance(t, f.customer.ID)
	f.assertLedgerMatchesBalance(t, f.provider.User.ID)
}

func TestCancel_ProviderSpentTheFee(t *testing.T) {
	// GIVEN: Maya was paid 50.00 and has spent it booking Dr. Omar Haddad
	// WHEN: Sam cancels the confirmed appointment with Maya
	// THEN: The refund cannot be funded, so the cancel fails and nothing moves

	f := newTestService(t)
	omar := f.register(t, "Dr. Omar Haddad", "omar@clinic.test", "PROVIDER")
	maya := f.provider.User.ID
	f.deposit(t, f.customer.ID, 100)

	appt, err := f.svc.BookAppointment(f.ctx, f.customer.ID, f.provider.Provider.ID, tuesdayAt(10, 0))
	require.NoError(t, err)
	_, err = f.svc.ConfirmAppointment(f.ctx, appt.ID, maya)
	require.NoError(t, err)

	spent, err := f.svc.BookAppointment(f.ctx, maya, omar.Provider.ID, tuesdayAt(10, 0))
	require.NoError(t, err)
	_, err = f.svc.ConfirmAppointment(f.ctx, spent.ID, omar.User.ID)
	require.NoError(t, err)
	require.Equal(t, "0.00", f.balance(t, maya))

	_, err = f.svc.CancelAppointment(f.ctx, appt.ID, f.customer.ID)
	assert.ErrorIs(t, err, booking.ErrInsufficientFunds)

	stored, err := f.store.GetAppointment(f.ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusConfirmed, stored.Status)
	assert.Equal(t, booking.PaymentPaid, stored.PaymentStatus)
	assert.Equal(t, "50.00", f.balance(t, f.customer.ID))
	assert.Equal(t, "0.00", f.balance(t, maya))
	assert.Equal(t, "50.00", f.balance(t, omar.User.ID))
	f.assertLedgerMatchesBalance(t, f.customer.ID)
	f.assertLedgerMatchesBalance(t, maya)
	f.assertLedgerMatchesBalance(t, omar.User.ID)
}

// =============================================================================
// CANCEL
// =============================================================================

func TestCancel_PendingMovesNoMoney(t *testing.T) {
	f := newTestService(t)
	f.deposit(t, f.customer.ID, 100)
	appt, err := f.svc.BookAppointment(f.ctx, f.customer.ID, f.provider.Provider.ID, tuesdayAt(10, 0))
	require.NoError(t, err)

	cancelled, err := f.svc.CancelAppointment(f.ctx, appt.ID, f.provider.User.ID)
	require.NoError(t, err)

	assert.Equal(t, booking.StatusCancelled, cancelled.Status)
	assert.Equal(t, booking.PaymentUnpaid, cancelled.PaymentStatus)
	assert.Equal(t, []booking.EntryType{booking.EntryDeposit}, f.entryTypes(t, f.customer.ID))
	assert.Empty(t, f.entryTypes(t, f.provider.User.ID))
}

func TestCancel_ByProviderRefundsCustomer(t *testing.T) {
	f := newTestService(t)
	f.deposit(t, f.customer.ID, 100)
	appt, err := f.svc.BookAppointment(f.ctx, f.customer.ID, f.provider.Provider.ID, tuesdayAt(10, 0))
	require.NoError(t, err)
	_, err = f.svc.ConfirmAppointment(f.ctx, appt.ID, f.provider.User.ID)
	require.NoError(t, err)

	_, err = f.svc.CancelAppointment(f.ctx, appt.ID, f.provider.User.ID)
	require.NoError(t, err)

	assert.Equal(t, "100.00", f.balance(t, f.customer.ID))
	assert.Equal(t, "0.00", f.balance(t, f.provider.User.ID))
}

func TestCancel_Errors(t *testing.T) {
	f := newTestService(t)
	stranger := f.register(t, "Stranger", "stranger@mail.test", "").User
	f.deposit(t, f.customer.ID, 100)
	appt, err := f.svc.BookAppointment(f.ctx, f.customer.ID, f.provider.Provider.ID, tuesdayAt(10, 0))
	require.NoError(t, err)

	t.Run("unknown appointment", func(t *testing.T) {
		_, err := f.svc.CancelAppointment(f.ctx, "missing", f.customer.ID)
		assert.ErrorIs(t, err, booking.ErrNotFound)
	})

	t.Run("unknown actor", func(t *testing.T) {
		_, err := f.svc.CancelAppointment(f.ctx, appt.ID, "ghost")
		assert.ErrorIs(t, err, booking.ErrNotFound)
	})

	t.Run("stranger", func(t *testing.T) {
		_, err := f.svc.CancelAppointment(f.ctx, appt.ID, stranger.ID)
		assert.ErrorIs(t, err, booking.ErrForbidden)
		assert.Equal(t, "You can only cancel your own appointments", booking.MessageOf(err))
	})

	t.Run("twice", func(t *testing.T) {
		_, err := f.svc.CancelAppointment(f.ctx, appt.ID, f.customer.ID)
		require.NoError(t, err)

		_, err = f.svc.CancelAppointment(f.ctx, appt.ID, f.customer.ID)
		assert.ErrorIs(t, err, booking.ErrInvalidRequest)
		assert.Equal(t, "Appointment is already cancelled", booking.MessageOf(err))

		_, err = f.svc.CancelAppointment(f.ctx, appt.ID, f.customer.ID)
		assert.Equal(t, "Appointment is already cancelled", booking.MessageOf(err), "repeated cancel fails the same way")
	})
}

func TestCancel_PastAppointment(t *testing.T) {
	f := newTestService(t)
	f.deposit(t, f.customer.ID, 100)
	appt, err := f.svc.BookAppointment(f.ctx, f.customer.ID, f.provider.Provider.ID, tuesdayAt(10, 0))
	require.NoError(t, err)

	f.clock.Set(tuesdayAt(12, 0))
	_, err = f.svc.CancelAppointment(f.ctx, appt.ID, f.customer.ID)

	assert.ErrorIs(t, err, booking.ErrInvalidRequest)
	assert.Equal(t, "Cannot cancel past appointments", booking.MessageOf(err))
}

// =============================================================================
// DEPOSIT
// =============================================================================

func TestDeposit(t *testing.T) {
	f := newTestService(t)

	t.Run("negative", func(t *testing.T) {
		_, err := f.svc.Deposit(f.ctx, f.customer.ID, decimal.NewFromInt(-5))
		assert.ErrorIs(t, err, booking.ErrInvalidRequest)
		assert.Equal(t, "Deposit amount cannot be negative", booking.MessageOf(err))
	})

	t.Run("fractional amounts accumulate", func(t *testing.T) {
		bal, err := f.svc.Deposit(f.ctx, f.customer.ID, decimal.RequireFromString("10.25"))
		require.NoError(t, err)
		assert.Equal(t, "10.25", bal.StringFixed(2))

		bal, err = f.svc.Deposit(f.ctx, f.customer.ID, decimal.RequireFromString("0.75"))
		require.NoError(t, err)
		assert.Equal(t, "11.00", bal.StringFixed(2))
	})

	t.Run("zero is recorded", func(t *testing.T) {
		before := len(f.entryTypes(t, f.customer.ID))
		bal, err := f.svc.Deposit(f.ctx, f.customer.ID, decimal.Zero)
		require.NoError(t, err)
		assert.Equal(t, "11.00", bal.StringFixed(2))
		assert.Len(t, f.entryTypes(t, f.customer.ID), before+1)
	})

	t.Run("unknown user", func(t *testing.T) {
		_, err := f.svc.Deposit(f.ctx, "ghost", decimal.NewFromInt(5))
		assert.ErrorIs(t, err, booking.ErrNotFound)
	})

	f.assertLedgerMatchesBalance(t, f.customer.ID)
}

// =============================================================================
// REGISTER & READ PATHS
// =============================================================================

func TestRegister(t *testing.T) {
	f := newTestService(t)

	t.Run("duplicate email ignores case", func(t *testing.T) {
		_, err := f.svc.Register(f.ctx, booking.Registration{Name: "Sam Again", Email: "SAM@mail.test"})
		assert.ErrorIs(t, err, booking.ErrInvalidRequest)
		assert.Equal(t, "Email already registered", booking.MessageOf(err))
	})

	t.Run("unknown role", func(t *testing.T) {
		_, err := f.svc.Register(f.ctx, booking.Registration{Name: "X", Email: "x@mail.test", Role: "ADMIN"})
		assert.ErrorIs(t, err, booking.ErrInvalidRequest)
		assert.Equal(t, "Invalid role: ADMIN", booking.MessageOf(err))
	})

	t.Run("missing name", func(t *testing.T) {
		_, err := f.svc.Register(f.ctx, booking.Registration{Email: "y@mail.test"})
		assert.ErrorIs(t, err, booking.ErrInvalidRequest)
	})

	t.Run("customer by default with empty wallet", func(t *testing.T) {
		reg, err := f.svc.Register(f.ctx, booking.Registration{Name: "Lena", Email: " Lena@Mail.test "})
		require.NoError(t, err)
		assert.Equal(t, booking.RoleCustomer, reg.User.Role)
		assert.Equal(t, booking.UserActive, reg.User.Status)
		assert.Equal(t, "lena@mail.test", reg.User.Email)
		assert.Nil(t, reg.Provider)
		assert.Equal(t, "0.00", f.balance(t, reg.User.ID))
	})

	t.Run("provider gets a profile", func(t *testing.T) {
		require.NotNil(t, f.provider.Provider)
		assert.Equal(t, f.provider.User.ID, f.provider.Provider.UserID)

		providers, err := f.svc.ListProviders(f.ctx)
		require.NoError(t, err)
		require.Len(t, providers, 1)
		assert.Equal(t, "Dr. Maya Chen", providers[0].Name)
		assert.Equal(t, "Physiotherapy", providers[0].ServiceType)
	})
}

func TestGetAppointmentsForUser(t *testing.T) {
	f := newTestService(t)
	f.deposit(t, f.customer.ID, 200)

	_, err := f.svc.BookAppointment(f.ctx, f.customer.ID, f.provider.Provider.ID, tuesdayAt(10, 0))
	require.NoError(t, err)
	_, err = f.svc.BookAppointment(f.ctx, f.customer.ID, f.provider.Provider.ID, tuesdayAt(14, 30))
	require.NoError(t, err)

	forCustomer, err := f.svc.GetAppointmentsForUser(f.ctx, f.customer.ID)
	require.NoError(t, err)
	require.Len(t, forCustomer, 2)
	assert.True(t, forCustomer[0].Time.Equal(tuesdayAt(14, 30)), "newest first")
	assert.Equal(t, "Sam Rivera", forCustomer[0].CustomerName)
	assert.Equal(t, "Dr. Maya Chen", forCustomer[0].ProviderName)

	forProvider, err := f.svc.GetAppointmentsForUser(f.ctx, f.provider.User.ID)
	require.NoError(t, err)
	assert.Len(t, forProvider, 2)

	_, err = f.svc.GetAppointmentsForUser(f.ctx, "ghost")
	assert.ErrorIs(t, err, booking.ErrNotFound)
}

func TestGetAvailableSlots(t *testing.T) {
	f := newTestService(t)
	f.deposit(t, f.customer.ID, 100)

	tuesday := tuesdayAt(0, 0)
	slots, err := f.svc.GetAvailableSlots(f.ctx, f.provider.Provider.ID, tuesday)
	require.NoError(t, err)
	assert.Len(t, slots.Slots, 18)
	assert.Equal(t, "Dr. Maya Chen", slots.ProviderName)
	assert.Equal(t, 30, slots.Slots[0].DurationMinutes)

	appt, err := f.svc.BookAppointment(f.ctx, f.customer.ID, f.provider.Provider.ID, tuesdayAt(10, 0))
	require.NoError(t, err)

	slots, err = f.svc.GetAvailableSlots(f.ctx, f.provider.Provider.ID, tuesday)
	require.NoError(t, err)
	assert.Len(t, slots.Slots, 17)
	for _, s := range slots.Slots {
		assert.False(t, s.Start.Equal(tuesdayAt(10, 0)), "booked slot must not be offered")
	}

	_, err = f.svc.CancelAppointment(f.ctx, appt.ID, f.customer.ID)
	require.NoError(t, err)
	slots, err = f.svc.GetAvailableSlots(f.ctx, f.provider.Provider.ID, tuesday)
	require.NoError(t, err)
	assert.Len(t, slots.Slots, 18, "cancelled slot is free again")

	_, err = f.svc.GetAvailableSlots(f.ctx, "missing", tuesday)
	assert.ErrorIs(t, err, booking.ErrNotFound)
}

func TestNotifierCalledAfterCommit(t *testing.T) {
	f := newTestService(t)
	rec := &recordingNotifier{}
	svc := booking.NewService(f.store, booking.WithClock(f.clock.Now), booking.WithNotifier(rec))
	f.deposit(t, f.customer.ID, 100)

	appt, err := svc.BookAppointment(f.ctx, f.customer.ID, f.provider.Provider.ID, tuesdayAt(10, 0))
	require.NoError(t, err)
	_, err = svc.ConfirmAppointment(f.ctx, appt.ID, f.provider.User.ID)
	require.NoError(t, err)
	_, err = svc.CancelAppointment(f.ctx, appt.ID, f.provider.User.ID)
	require.NoError(t, err)

	// Rejected transitions do not notify.
	_, err = svc.CancelAppointment(f.ctx, appt.ID, f.provider.User.ID)
	require.Error(t, err)

	assert.Equal(t, []string{"booked", "confirmed", "cancelled"}, rec.events)
	assert.Equal(t, f.provider.User.ID, rec.cancelledBy)
}

func TestNotifierPanicDoesNotFailCommittedOperation(t *testing.T) {
	// GIVEN: A notifier that panics on every event
	// WHEN: An appointment is booked, confirmed and cancelled
	// THEN: Every operation succeeds and the stored state reflects it

	f := newTestService(t)
	svc := booking.NewService(f.store, booking.WithClock(f.clock.Now), booking.WithNotifier(panickingNotifier{}))
	f.deposit(t, f.customer.ID, 100)

	var (
		appt booking.Appointment
		err  error
	)
	require.NotPanics(t, func() {
		appt, err = svc.BookAppointment(f.ctx, f.customer.ID, f.provider.Provider.ID, tuesdayAt(10, 0))
	})
	require.NoError(t, err)
	require.NotPanics(t, func() {
		_, err = svc.ConfirmAppointment(f.ctx, appt.ID, f.provider.User.ID)
	})
	require.NoError(t, err)
	require.NotPanics(t, func() {
		_, err = svc.CancelAppointment(f.ctx, appt.ID, f.customer.ID)
	})
	require.NoError(t, err)

	stored, err := f.store.GetAppointment(f.ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusCancelled, stored.Status)
	assert.Equal(t, booking.PaymentPaid, stored.PaymentStatus)
	assert.Equal(t, "100.00", f.balance(t, f.customer.ID))
}

type panickingNotifier struct{}

func (panickingNotifier) NotifyBooking(context.Context, booking.Appointment) { panic("smtp down") }

func (panickingNotifier) NotifyConfirmation(context.Context, booking.Appointment) {
	panic("smtp down")
}

func (panickingNotifier) NotifyCancellation(context.Context, booking.Appointment, booking.UserID) {
	panic("smtp down")
}

type recordingNotifier struct {
	events      []string
	cancelledBy booking.UserID
}

func (r *recordingNotifier) NotifyBooking(context.Context, booking.Appointment) {
	r.events = append(r.events, "booked")
}

func (r *recordingNotifier) NotifyConfirmation(context.Context, booking.Appointment) {
	r.events = append(r.events, "confirmed")
}

func (r *recordingNotifier) NotifyCancellation(_ context.Context, _ booking.Appointment, by booking.UserID) {
	r.events = append(r.events, "cancelled")
	r.cancelledBy = by
}
