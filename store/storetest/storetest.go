// Package storetest holds the behaviour every booking.Store must share.
// Backends call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/appointment-engine/booking"
)

var base = time.Date(2026, time.March, 3, 10, 0, 0, 0, time.UTC)

// Run executes the shared suite. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) booking.Store) {
	t.Run("Users", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("MissingRows", func(t *testing.T) { testMissingRows(t, newStore(t)) })
	t.Run("RollbackDiscardsWrites", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("SlotUniqueness", func(t *testing.T) { testSlotUniqueness(t, newStore(t)) })
	t.Run("FindAppointmentAtPrefersActive", func(t *testing.T) { testFindPrefersActive(t, newStore(t)) })
	t.Run("ReuseOnlyCancelled", func(t *testing.T) { testReuseOnlyCancelled(t, newStore(t)) })
	t.Run("ConcurrentReuse", func(t *testing.T) { testConcurrentReuse(t, newStore(t)) })
	t.Run("BookedTimes", func(t *testing.T) { testBookedTimes(t, newStore(t)) })
	t.Run("WalletAndLedger", func(t *testing.T) { testWalletAndLedger(t, newStore(t)) })
	t.Run("Notifications", func(t *testing.T) { testNotifications(t, newStore(t)) })
	t.Run("Listings", func(t *testing.T) { testListings(t, newStore(t)) })
}

// =============================================================================
// FIXTURES
// =============================================================================

type seeded struct {
	customer booking.User
	wallet   booking.Wallet
	provider booking.Provider
}

func seed(t *testing.T, store booking.Store) seeded {
	t.Helper()
	ctx := context.Background()
	s := seeded{
		customer: booking.User{ID: booking.NewUserID(), Name: "Sam", Email: "sam@mail.test", Role: booking.RoleCustomer, Status: booking.UserActive, CreatedAt: base},
	}
	s.wallet = booking.Wallet{ID: booking.NewWalletID(), UserID: s.customer.ID, Balance: decimal.Zero, LastUpdated: base}
	providerUser := booking.User{ID: booking.NewUserID(), Name: "Dr. Chen", Email: "chen@clinic.test", Role: booking.RoleProvider, Status: booking.UserActive, CreatedAt: base}
	s.provider = booking.Provider{ID: booking.NewProviderID(), UserID: providerUser.ID, ServiceType: "Physio", Bio: "Rehab"}

	require.NoError(t, store.WithTx(ctx, func(tx booking.Tx) error {
		for _, u := range []booking.User{s.customer, providerUser} {
			if err := tx.CreateUser(ctx, u); err != nil {
				return err
			}
		}
		if err := tx.CreateWallet(ctx, s.wallet); err != nil {
			return err
		}
		return tx.CreateProvider(ctx, s.provider)
	}))
	return s
}

func appointmentAt(s seeded, at time.Time, status booking.AppointmentStatus) booking.Appointment {
	return booking.Appointment{
		ID:            booking.NewAppointmentID(),
		CustomerID:    s.customer.ID,
		ProviderID:    s.provider.ID,
		Time:          at,
		Status:        status,
		PaymentStatus: booking.PaymentUnpaid,
		CreatedAt:     base,
		UpdatedAt:     base,
	}
}

func insert(ctx context.Context, store booking.Store, appts ...booking.Appointment) error {
	return store.WithTx(ctx, func(tx booking.Tx) error {
		for _, a := range appts {
			if err := tx.InsertAppointment(ctx, a); err != nil {
				return err
			}
		}
		return nil
	})
}

// =============================================================================
// CASES
// =============================================================================

func testUsers(t *testing.T, store booking.Store) {
	ctx := context.Background()
	s := seed(t, store)

	got, err := store.GetUser(ctx, s.customer.ID)
	require.NoError(t, err)
	assert.Equal(t, s.customer.Name, got.Name)
	assert.Equal(t, booking.RoleCustomer, got.Role)
	assert.True(t, got.CreatedAt.Equal(base))

	byEmail, err := store.GetUserByEmail(ctx, "sam@mail.test")
	require.NoError(t, err)
	assert.Equal(t, s.customer.ID, byEmail.ID)

	p, err := store.GetProviderByUser(ctx, s.provider.UserID)
	require.NoError(t, err)
	assert.Equal(t, s.provider, p)

	dup := s.customer
	dup.ID = booking.NewUserID()
	err = store.WithTx(ctx, func(tx booking.Tx) error { return tx.CreateUser(ctx, dup) })
	assert.ErrorIs(t, err, booking.ErrUniqueViolation, "email is unique")
}

func testMissingRows(t *testing.T, store booking.Store) {
	ctx := context.Background()

	_, err := store.GetUser(ctx, "nope")
	assert.ErrorIs(t, err, booking.ErrRecordNotFound)
	_, err = store.GetUserByEmail(ctx, "nope@mail.test")
	assert.ErrorIs(t, err, booking.ErrRecordNotFound)
	_, err = store.GetProvider(ctx, "nope")
	assert.ErrorIs(t, err, booking.ErrRecordNotFound)
	_, err = store.GetWalletByUser(ctx, "nope")
	assert.ErrorIs(t, err, booking.ErrRecordNotFound)
	_, err = store.GetAppointment(ctx, "nope")
	assert.ErrorIs(t, err, booking.ErrRecordNotFound)
	_, err = store.FindAppointmentAt(ctx, "nope", base)
	assert.ErrorIs(t, err, booking.ErrRecordNotFound)

	err = store.WithTx(ctx, func(tx booking.Tx) error {
		_, err := tx.GetAppointmentForUpdate(ctx, "nope")
		return err
	})
	assert.ErrorIs(t, err, booking.ErrRecordNotFound)
}

func testRollback(t *testing.T, store booking.Store) {
	ctx := context.Background()
	s := seed(t, store)
	boom := errors.New("boom")

	appt := appointmentAt(s, base, booking.StatusPending)
	err := store.WithTx(ctx, func(tx booking.Tx) error {
		if err := tx.InsertAppointment(ctx, appt); err != nil {
			return err
		}
		if err := tx.UpdateWalletBalance(ctx, s.wallet.ID, decimal.NewFromInt(99), base); err != nil {
			return err
		}
		// Reads inside the transaction see its own writes.
		if _, err := tx.GetAppointment(ctx, appt.ID); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = store.GetAppointment(ctx, appt.ID)
	assert.ErrorIs(t, err, booking.ErrRecordNotFound)
	w, err := store.GetWalletByUser(ctx, s.customer.ID)
	require.NoError(t, err)
	assert.True(t, w.Balance.IsZero())
}

func testSlotUniqueness(t *testing.T, store booking.Store) {
	// GIVEN: A PENDING appointment at 10:00
	// WHEN: Inserting another PENDING one for the same provider and time
	// THEN: The store reports a unique violation
	ctx := context.Background()
	s := seed(t, store)

	require.NoError(t, insert(ctx, store, appointmentAt(s, base, booking.StatusPending)))

	err := insert(ctx, store, appointmentAt(s, base, booking.StatusPending))
	assert.ErrorIs(t, err, booking.ErrUniqueViolation)

	// A different status at the same time is a different key.
	assert.NoError(t, insert(ctx, store, appointmentAt(s, base, booking.StatusCancelled)))

	// Updating a row onto an occupied (provider, time, status) is rejected too.
	at11 := base.Add(time.Hour)
	require.NoError(t, insert(ctx, store, appointmentAt(s, at11, booking.StatusConfirmed)))
	pending := appointmentAt(s, at11, booking.StatusPending)
	require.NoError(t, insert(ctx, store, pending))

	pending.Status = booking.StatusConfirmed
	err = store.WithTx(ctx, func(tx booking.Tx) error { return tx.UpdateAppointment(ctx, pending) })
	assert.ErrorIs(t, err, booking.ErrUniqueViolation, "11:00 already has a CONFIRMED row")
}

func testFindPrefersActive(t *testing.T, store booking.Store) {
	ctx := context.Background()
	s := seed(t, store)

	cancelled := appointmentAt(s, base, booking.StatusCancelled)
	require.NoError(t, insert(ctx, store, cancelled))

	got, err := store.FindAppointmentAt(ctx, s.provider.ID, base)
	require.NoError(t, err)
	assert.Equal(t, cancelled.ID, got.ID)

	active := appointmentAt(s, base, booking.StatusPending)
	require.NoError(t, insert(ctx, store, active))

	got, err = store.FindAppointmentAt(ctx, s.provider.ID, base)
	require.NoError(t, err)
	assert.Equal(t, active.ID, got.ID)
	assert.True(t, got.Time.Equal(base))
}

func reuse(ctx context.Context, store booking.Store, a booking.Appointment) error {
	return store.WithTx(ctx, func(tx booking.Tx) error { return tx.ReuseAppointment(ctx, a) })
}

func testReuseOnlyCancelled(t *testing.T, store booking.Store) {
	ctx := context.Background()
	s := seed(t, store)
	lena := booking.User{ID: booking.NewUserID(), Name: "Lena", Email: "lena@mail.test", Role: booking.RoleCustomer, Status: booking.UserActive, CreatedAt: base}
	theo := booking.User{ID: booking.NewUserID(), Name: "Theo", Email: "theo@mail.test", Role: booking.RoleCustomer, Status: booking.UserActive, CreatedAt: base}
	require.NoError(t, store.WithTx(ctx, func(tx booking.Tx) error {
		if err := tx.CreateUser(ctx, lena); err != nil {
			return err
		}
		return tx.CreateUser(ctx, theo)
	}))

	cancelled := appointmentAt(s, base, booking.StatusCancelled)
	require.NoError(t, insert(ctx, store, cancelled))

	first := cancelled
	first.CustomerID = lena.ID
	first.Status = booking.StatusPending
	first.UpdatedAt = base.Add(time.Minute)
	require.NoError(t, reuse(ctx, store, first))

	second := first
	second.CustomerID = theo.ID
	err := reuse(ctx, store, second)
	assert.ErrorIs(t, err, booking.ErrRowChanged, "an active row is never overwritten")

	got, err := store.GetAppointment(ctx, cancelled.ID)
	require.NoError(t, err)
	assert.Equal(t, lena.ID, got.CustomerID)
	assert.Equal(t, booking.StatusPending, got.Status)

	missing := appointmentAt(s, base.Add(time.Hour), booking.StatusPending)
	assert.ErrorIs(t, reuse(ctx, store, missing), booking.ErrRowChanged)
}

func testConcurrentReuse(t *testing.T, store booking.Store) {
	ctx := context.Background()
	s := seed(t, store)
	cancelled := appointmentAt(s, base, booking.StatusCancelled)
	require.NoError(t, insert(ctx, store, cancelled))

	const racers = 4
	customers := make([]booking.UserID, racers)
	require.NoError(t, store.WithTx(ctx, func(tx booking.Tx) error {
		for i := range customers {
			u := booking.User{ID: booking.NewUserID(), Name: "Racer", Email: fmt.Sprintf("racer%d@mail.test", i), Role: booking.RoleCustomer, Status: booking.UserActive, CreatedAt: base}
			if err := tx.CreateUser(ctx, u); err != nil {
				return err
			}
			customers[i] = u.ID
		}
		return nil
	}))

	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := range customers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a := cancelled
			a.CustomerID = customers[i]
			a.Status = booking.StatusPending
			errs[i] = reuse(ctx, store, a)
		}(i)
	}
	wg.Wait()

	winner := -1
	for i, err := range errs {
		if err == nil {
			assert.Equal(t, -1, winner, "only one rebooking may win")
			winner = i
			continue
		}
		assert.ErrorIs(t, err, booking.ErrRowChanged)
	}
	require.NotEqual(t, -1, winner)

	got, err := store.GetAppointment(ctx, cancelled.ID)
	require.NoError(t, err)
	assert.Equal(t, customers[winner], got.CustomerID)
}

func testBookedTimes(t *testing.T, store booking.Store) {
	ctx := context.Background()
	s := seed(t, store)

	at9 := time.Date(2026, time.March, 3, 9, 0, 0, 0, time.UTC)
	at1730 := time.Date(2026, time.March, 3, 17, 30, 0, 0, time.UTC)
	nextDay := at9.AddDate(0, 0, 1)
	require.NoError(t, insert(ctx, store,
		appointmentAt(s, at9, booking.StatusPending),
		appointmentAt(s, base, booking.StatusCancelled),
		appointmentAt(s, at1730, booking.StatusConfirmed),
		appointmentAt(s, nextDay, booking.StatusPending),
	))

	booked, err := store.ListBookedTimes(ctx, s.provider.ID, at9, at9.Add(9*time.Hour+30*time.Minute))
	require.NoError(t, err)
	require.Len(t, booked, 2, "cancelled and out-of-range rows are excluded")
	assert.True(t, booked[0].Equal(at9))
	assert.True(t, booked[1].Equal(at1730))
}

func testWalletAndLedger(t *testing.T, store booking.Store) {
	ctx := context.Background()
	s := seed(t, store)

	entries := []booking.LedgerEntry{
		{ID: booking.NewEntryID(), WalletID: s.wallet.ID, Amount: decimal.RequireFromString("100.10"), Type: booking.EntryDeposit, Status: booking.EntrySuccess, CreatedAt: base},
		{ID: booking.NewEntryID(), WalletID: s.wallet.ID, Amount: decimal.NewFromInt(50), Type: booking.EntryPayment, Status: booking.EntrySuccess, CreatedAt: base},
		{ID: booking.NewEntryID(), WalletID: s.wallet.ID, Amount: decimal.NewFromInt(50), Type: booking.EntryRefund, Status: booking.EntrySuccess, CreatedAt: base},
	}
	require.NoError(t, store.WithTx(ctx, func(tx booking.Tx) error {
		for _, e := range entries {
			if err := tx.AppendEntry(ctx, e); err != nil {
				return err
			}
		}
		w, err := tx.GetWalletForUpdate(ctx, s.customer.ID)
		if err != nil {
			return err
		}
		return tx.UpdateWalletBalance(ctx, w.ID, decimal.RequireFromString("100.10"), base.Add(time.Minute))
	}))

	w, err := store.GetWalletByUser(ctx, s.customer.ID)
	require.NoError(t, err)
	assert.Equal(t, "100.10", w.Balance.StringFixed(2))
	assert.True(t, w.LastUpdated.Equal(base.Add(time.Minute)))

	got, err := store.ListEntries(ctx, s.wallet.ID)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := range entries {
		assert.Equal(t, entries[i].ID, got[i].ID, "entries keep insertion order")
		assert.Equal(t, entries[i].Type, got[i].Type)
		assert.True(t, entries[i].Amount.Equal(got[i].Amount))
	}
	assert.Empty(t, got[0].AppointmentID)

	wallets, err := store.ListWallets(ctx)
	require.NoError(t, err)
	require.Len(t, wallets, 1)
	assert.Equal(t, s.wallet.ID, wallets[0].ID)
	assert.Equal(t, "100.10", wallets[0].Balance.StringFixed(2))
}

func testNotifications(t *testing.T, store booking.Store) {
	ctx := context.Background()
	s := seed(t, store)

	require.NoError(t, store.WithTx(ctx, func(tx booking.Tx) error {
		for i, msg := range []string{"first", "second"} {
			if err := tx.InsertNotification(ctx, booking.Notification{
				ID:        booking.NewNotificationID(),
				UserID:    s.customer.ID,
				Message:   msg,
				Status:    booking.NotificationUnread,
				CreatedAt: base.Add(time.Duration(i) * time.Minute),
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	got, err := store.ListNotifications(ctx, s.customer.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "second", got[0].Message, "newest first")
	assert.Equal(t, booking.NotificationUnread, got[1].Status)

	none, err := store.ListNotifications(ctx, s.provider.UserID)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testListings(t *testing.T, store booking.Store) {
	ctx := context.Background()
	s := seed(t, store)

	providers, err := store.ListProviders(ctx)
	require.NoError(t, err)
	require.Len(t, providers, 1)
	assert.Equal(t, booking.ProviderSummary{ProviderID: s.provider.ID, Name: "Dr. Chen", ServiceType: "Physio", Bio: "Rehab"}, providers[0])

	early := appointmentAt(s, base, booking.StatusPending)
	late := appointmentAt(s, base.Add(2*time.Hour), booking.StatusPending)
	require.NoError(t, insert(ctx, store, early, late))

	byCustomer, err := store.ListAppointmentsByCustomer(ctx, s.customer.ID)
	require.NoError(t, err)
	require.Len(t, byCustomer, 2)
	assert.Equal(t, late.ID, byCustomer[0].ID, "newest appointment time first")

	byProvider, err := store.ListAppointmentsByProvider(ctx, s.provider.ID)
	require.NoError(t, err)
	require.Len(t, byProvider, 2)
	assert.Equal(t, late.ID, byProvider[0].ID)
}
