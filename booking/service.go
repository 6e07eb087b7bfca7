/*
service.go - Appointment state machine and wallet operations

PURPOSE:
  The entry point collaborators call. Each mutating operation runs in one
  Store transaction, classifies every failure into a Kind, and fires the
  notifier only after commit.

STATE MACHINE:
  PENDING   --Confirm (provider, settles fee)-->  CONFIRMED / PAID
  PENDING   --Cancel (customer or provider)-->    CANCELLED
  CONFIRMED --Cancel (refunds fee)-->             CANCELLED (stays PAID)
  CANCELLED --Book (future slot, new customer)--> PENDING / UNPAID (row reused)

DOUBLE-BOOKING GUARD:
  Book reads the slot, then inserts. Two concurrent bookers can both see an
  empty slot; the store's unique constraint lets only one insert commit.
  The loser gets ErrUniqueViolation from the store, re-reads the slot and
  reports SlotTaken if it is now active, TransientError otherwise.
  Reusing a cancelled row is a conditional write (ReuseAppointment); a
  rebooker that lost the row gets ErrRowChanged and takes the same path.

CLOCK AND LOCATION:
  Business hours are evaluated in the service location (default UTC). The
  clock is injectable for tests.

SEE ALSO:
  - ledger.go: Settlement postings
  - schedule.go, slots.go: Time rules
  - notify/: Notifier implementations
*/
package booking

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/warp/appointment-engine/booking"

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
	loc      *time.Location
}

type Option func(*Service)

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLocation sets the timezone business hours are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) { s.loc = loc }
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:    store,
		notifier: NopNotifier{},
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
		loc:      time.UTC,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Location returns the timezone business hours are evaluated in.
func (s *Service) Location() *time.Location { return s.loc }

// Now returns the service clock's current time.
func (s *Service) Now() time.Time { return s.now() }

// =============================================================================
// REGISTRATION
// =============================================================================

type Registration struct {
	Name        string
	Email       string
	Role        string
	ServiceType string
	Bio         string
}

type Registered struct {
	User     User
	Provider *Provider
}

// Register creates a user with an empty wallet and, for providers, the
// provider profile.
func (s *Service) Register(ctx context.Context, r Registration) (Registered, error) {
	ctx, span := s.tracer.Start(ctx, "booking.Register")
	defer span.End()

	name := strings.TrimSpace(r.Name)
	email := strings.ToLower(strings.TrimSpace(r.Email))
	if name == "" || email == "" {
		return Registered{}, s.fail(ctx, span, "register", invalid("Name and email are required"))
	}
	role, err := ParseRole(r.Role)
	if err != nil {
		return Registered{}, s.fail(ctx, span, "register", invalid("Invalid role: %s", r.Role))
	}

	now := s.now().UTC()
	out := Registered{User: User{
		ID:        NewUserID(),
		Name:      name,
		Email:     email,
		Role:      role,
		Status:    UserActive,
		CreatedAt: now,
	}}

	err = s.store.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.GetUserByEmail(ctx, email); err == nil {
			return invalid("Email already registered")
		} else if !errors.Is(err, ErrRecordNotFound) {
			return err
		}
		if err := tx.CreateUser(ctx, out.User); err != nil {
			return err
		}
		if err := tx.CreateWallet(ctx, Wallet{
			ID:          NewWalletID(),
			UserID:      out.User.ID,
			Balance:     decimal.Zero,
			LastUpdated: now,
		}); err != nil {
			return err
		}
		if role == RoleProvider {
			p := Provider{
				ID:          NewProviderID(),
				UserID:      out.User.ID,
				ServiceType: strings.TrimSpace(r.ServiceType),
				Bio:         strings.TrimSpace(r.Bio),
			}
			if err := tx.CreateProvider(ctx, p); err != nil {
				return err
			}
			out.Provider = &p
		}
		return nil
	})
	if errors.Is(err, ErrUniqueViolation) {
		err = invalid("Email already registered")
	}
	if err != nil {
		return Registered{}, s.fail(ctx, span, "register", err, "email", email)
	}

	s.logger.InfoContext(ctx, "user registered", "user_id", out.User.ID, "role", role)
	return out, nil
}

// =============================================================================
// READ PATHS
// =============================================================================

func (s *Service) ListProviders(ctx context.Context) ([]ProviderSummary, error) {
	ctx, span := s.tracer.Start(ctx, "booking.ListProviders")
	defer span.End()

	providers, err := s.store.ListProviders(ctx)
	if err != nil {
		return nil, s.fail(ctx, span, "list providers", err)
	}
	return providers, nil
}

// GetAppointmentsForUser lists the user's appointments, newest first. For a
// provider these are the appointments booked with them, for a customer the
// ones they booked.
func (s *Service) GetAppointmentsForUser(ctx context.Context, userID UserID) ([]AppointmentDetail, error) {
	ctx, span := s.tracer.Start(ctx, "booking.GetAppointmentsForUser",
		trace.WithAttributes(attribute.String("user.id", string(userID))))
	defer span.End()

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, s.fail(ctx, span, "list appointments", lookup(err, "User not found"))
	}

	var appts []Appointment
	switch user.Role {
	case RoleProvider:
		provider, err := s.store.GetProviderByUser(ctx, userID)
		if err != nil {
			return nil, s.fail(ctx, span, "list appointments", lookup(err, "Provider not found"))
		}
		appts, err = s.store.ListAppointmentsByProvider(ctx, provider.ID)
		if err != nil {
			return nil, s.fail(ctx, span, "list appointments", err)
		}
	case RoleCustomer:
		appts, err = s.store.ListAppointmentsByCustomer(ctx, userID)
		if err != nil {
			return nil, s.fail(ctx, span, "list appointments", err)
		}
	default:
		return nil, s.fail(ctx, span, "list appointments", invalid("Invalid user role"))
	}

	names := newNameResolver(s.store)
	out := make([]AppointmentDetail, 0, len(appts))
	for _, a := range appts {
		customer, err := names.user(ctx, a.CustomerID)
		if err != nil {
			return nil, s.fail(ctx, span, "list appointments", err)
		}
		provider, err := names.provider(ctx, a.ProviderID)
		if err != nil {
			return nil, s.fail(ctx, span, "list appointments", err)
		}
		out = append(out, AppointmentDetail{Appointment: a, CustomerName: customer, ProviderName: provider})
	}
	return out, nil
}

// GetAvailableSlots returns the provider's free slots on date.
func (s *Service) GetAvailableSlots(ctx context.Context, providerID ProviderID, date time.Time) (ProviderSlots, error) {
	ctx, span := s.tracer.Start(ctx, "booking.GetAvailableSlots",
		trace.WithAttributes(attribute.String("provider.id", string(providerID))))
	defer span.End()

	provider, err := s.store.GetProvider(ctx, providerID)
	if err != nil {
		return ProviderSlots{}, s.fail(ctx, span, "available slots", lookup(err, "Provider not found with id: %s", providerID))
	}
	owner, err := s.store.GetUser(ctx, provider.UserID)
	if err != nil {
		return ProviderSlots{}, s.fail(ctx, span, "available slots", lookup(err, "User not found with id: %s", provider.UserID))
	}

	from, to := BookingWindow(date, s.loc)
	booked, err := s.store.ListBookedTimes(ctx, providerID, from, to)
	if err != nil {
		return ProviderSlots{}, s.fail(ctx, span, "available slots", err)
	}

	free := AvailableSlots(date, s.loc, booked, s.now())
	slots := make([]TimeSlot, 0, len(free))
	for _, t := range free {
		slots = append(slots, TimeSlot{Start: t, DurationMinutes: int(SlotDuration / time.Minute)})
	}

	d := date.In(s.loc)
	return ProviderSlots{
		ProviderID:   provider.ID,
		ProviderName: owner.Name,
		ServiceType:  provider.ServiceType,
		Date:         time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, s.loc),
		Slots:        slots,
	}, nil
}

func (s *Service) GetBalance(ctx context.Context, userID UserID) (Balance, error) {
	ctx, span := s.tracer.Start(ctx, "booking.GetBalance")
	defer span.End()

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return Balance{}, s.fail(ctx, span, "get balance", lookup(err, "User not found with id: %s", userID))
	}
	wallet, err := s.store.GetWalletByUser(ctx, userID)
	if err != nil {
		return Balance{}, s.fail(ctx, span, "get balance", lookup(err, "Wallet not found for user id: %s", userID))
	}
	return Balance{UserID: user.ID, Email: user.Email, Balance: wallet.Balance}, nil
}

// GetTransactions returns the user's wallet ledger, oldest first.
func (s *Service) GetTransactions(ctx context.Context, userID UserID) ([]LedgerEntry, error) {
	ctx, span := s.tracer.Start(ctx, "booking.GetTransactions")
	defer span.End()

	wallet, err := s.store.GetWalletByUser(ctx, userID)
	if err != nil {
		return nil, s.fail(ctx, span, "get transactions", lookup(err, "Wallet not found for user id: %s", userID))
	}
	entries, err := s.store.ListEntries(ctx, wallet.ID)
	if err != nil {
		return nil, s.fail(ctx, span, "get transactions", err)
	}
	return entries, nil
}

// ListNotifications returns the user's notifications, newest first.
func (s *Service) ListNotifications(ctx context.Context, userID UserID) ([]Notification, error) {
	ctx, span := s.tracer.Start(ctx, "booking.ListNotifications")
	defer span.End()

	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, s.fail(ctx, span, "list notifications", lookup(err, "User not found with id: %s", userID))
	}
	ns, err := s.store.ListNotifications(ctx, userID)
	if err != nil {
		return nil, s.fail(ctx, span, "list notifications", err)
	}
	return ns, nil
}

// =============================================================================
// BOOK
// =============================================================================

// BookAppointment books a PENDING, UNPAID appointment for the customer. The
// fee is only checked here; it is charged on confirmation.
func (s *Service) BookAppointment(ctx context.Context, customerID UserID, providerID ProviderID, at time.Time) (Appointment, error) {
	ctx, span := s.tracer.Start(ctx, "booking.BookAppointment", trace.WithAttributes(
		attribute.String("customer.id", string(customerID)),
		attribute.String("provider.id", string(providerID)),
		attribute.String("appointment.time", at.UTC().Format(time.RFC3339)),
	))
	defer span.End()

	now := s.now()
	logArgs := []any{"customer_id", customerID, "provider_id", providerID, "appointment_time", at}

	if err := ValidateBookingTime(at, now, s.loc); err != nil {
		return Appointment{}, s.fail(ctx, span, "book", err, logArgs...)
	}

	var (
		appt   Appointment
		reused bool
	)
	err := s.store.WithTx(ctx, func(tx Tx) error {
		customer, err := tx.GetUser(ctx, customerID)
		if err != nil {
			return lookup(err, "User not found with id: %s", customerID)
		}
		if customer.Status != UserActive {
			return forbidden("Account is blocked")
		}
		provider, err := tx.GetProvider(ctx, providerID)
		if err != nil {
			return lookup(err, "Provider not found with id: %s", providerID)
		}
		if provider.UserID == customerID {
			return invalid("You cannot book an appointment with yourself")
		}
		wallet, err := tx.GetWalletByUser(ctx, customerID)
		if err != nil {
			return lookup(err, "Wallet not found for user id: %s", customerID)
		}
		if wallet.Balance.LessThan(AppointmentFee) {
			return insufficientFunds("Insufficient balance in wallet! Fee required: %s", AppointmentFee.StringFixed(2))
		}

		existing, err := tx.FindAppointmentAt(ctx, providerID, at)
		switch {
		case errors.Is(err, ErrRecordNotFound):
			appt = Appointment{
				ID:            NewAppointmentID(),
				CustomerID:    customerID,
				ProviderID:    providerID,
				Time:          at.UTC(),
				Status:        StatusPending,
				PaymentStatus: PaymentUnpaid,
				CreatedAt:     now.UTC(),
				UpdatedAt:     now.UTC(),
			}
			return tx.InsertAppointment(ctx, appt)

		case err != nil:
			return err

		case existing.Status == StatusCancelled:
			if existing.Time.Before(now) {
				return invalid("Cannot reuse past cancelled appointment.")
			}
			existing.CustomerID = customerID
			existing.Status = StatusPending
			existing.PaymentStatus = PaymentUnpaid
			existing.UpdatedAt = now.UTC()
			appt, reused = existing, true
			return tx.ReuseAppointment(ctx, appt)

		default:
			return slotTaken("This time slot is no longer available.")
		}
	})

	if errors.Is(err, ErrUniqueViolation) || errors.Is(err, ErrRowChanged) {
		s.logger.WarnContext(ctx, "concurrent booking of the same slot detected", logArgs...)
		err = s.recheckSlot(ctx, providerID, at)
	}
	if err != nil {
		return Appointment{}, s.fail(ctx, span, "book", err, logArgs...)
	}

	span.SetAttributes(attribute.String("appointment.id", string(appt.ID)), attribute.Bool("appointment.reused", reused))
	s.logger.InfoContext(ctx, "appointment booked", "appointment_id", appt.ID, "reused", reused)
	s.notify(ctx, "booking", appt.ID, func() { s.notifier.NotifyBooking(ctx, appt) })
	return appt, nil
}

// recheckSlot classifies a unique violation or a lost reuse seen while
// booking. It runs
// outside the failed transaction so it observes the winner's commit.
func (s *Service) recheckSlot(ctx context.Context, providerID ProviderID, at time.Time) error {
	existing, err := s.store.FindAppointmentAt(ctx, providerID, at)
	if err == nil && existing.Status.Active() {
		return slotTaken("This time slot was just taken. Please choose another time.")
	}
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		s.logger.ErrorContext(ctx, "slot re-check failed", "provider_id", providerID, "appointment_time", at, "err", err)
	}
	return transient("Unable to book appointment due to system error. Please try again.")
}

// =============================================================================
// CONFIRM
// =============================================================================

// ConfirmAppointment confirms a PENDING appointment and settles the fee.
// Only the provider the appointment is booked with may confirm.
func (s *Service) ConfirmAppointment(ctx context.Context, id AppointmentID, actor UserID) (Appointment, error) {
	ctx, span := s.tracer.Start(ctx, "booking.ConfirmAppointment", trace.WithAttributes(
		attribute.String("appointment.id", string(id)),
		attribute.String("actor.id", string(actor)),
	))
	defer span.End()

	now := s.now()
	var appt Appointment
	err := s.store.WithTx(ctx, func(tx Tx) error {
		var err error
		appt, err = tx.GetAppointmentForUpdate(ctx, id)
		if err != nil {
			return lookup(err, "Appointment not found with id: %s", id)
		}

		provider, err := tx.GetProviderByUser(ctx, actor)
		if errors.Is(err, ErrRecordNotFound) || (err == nil && provider.ID != appt.ProviderID) {
			return forbidden("You can only confirm your own appointments")
		}
		if err != nil {
			return err
		}

		if appt.Time.Before(now) {
			return invalid("Cannot confirm past appointments")
		}
		if appt.Status != StatusPending {
			return invalid("Only pending appointments can be confirmed")
		}

		if err := settle(ctx, tx, appt, provider.UserID, now.UTC()); err != nil {
			return err
		}

		appt.Status = StatusConfirmed
		appt.PaymentStatus = PaymentPaid
		appt.UpdatedAt = now.UTC()
		return tx.UpdateAppointment(ctx, appt)
	})
	if errors.Is(err, ErrUniqueViolation) {
		err = transient("Unable to confirm appointment due to a concurrent change. Please try again.")
	}
	if err != nil {
		return Appointment{}, s.fail(ctx, span, "confirm", err, "appointment_id", id, "actor_id", actor)
	}

	s.logger.InfoContext(ctx, "appointment confirmed", "appointment_id", appt.ID, "fee", AppointmentFee.StringFixed(2))
	s.notify(ctx, "confirmation", appt.ID, func() { s.notifier.NotifyConfirmation(ctx, appt) })
	return appt, nil
}

// =============================================================================
// CANCEL
// =============================================================================

// CancelAppointment cancels an appointment on behalf of its customer or
// provider. A confirmed, paid appointment is refunded; the payment status is
// left as PAID.
func (s *Service) CancelAppointment(ctx context.Context, id AppointmentID, actor UserID) (Appointment, error) {
	ctx, span := s.tracer.Start(ctx, "booking.CancelAppointment", trace.WithAttributes(
		attribute.String("appointment.id", string(id)),
		attribute.String("actor.id", string(actor)),
	))
	defer span.End()

	now := s.now()
	var (
		appt     Appointment
		refunded bool
	)
	err := s.store.WithTx(ctx, func(tx Tx) error {
		var err error
		appt, err = tx.GetAppointmentForUpdate(ctx, id)
		if err != nil {
			return lookup(err, "Appointment not found with id: %s", id)
		}
		if _, err := tx.GetUser(ctx, actor); err != nil {
			return lookup(err, "User not found with id: %s", actor)
		}
		provider, err := tx.GetProvider(ctx, appt.ProviderID)
		if err != nil {
			return lookup(err, "Provider not found with id: %s", appt.ProviderID)
		}

		if actor != appt.CustomerID && actor != provider.UserID {
			return forbidden("You can only cancel your own appointments")
		}
		if appt.Status == StatusCancelled {
			return invalid("Appointment is already cancelled")
		}
		if appt.Time.Before(now) {
			return invalid("Cannot cancel past appointments")
		}

		if appt.Status == StatusConfirmed && appt.PaymentStatus == PaymentPaid {
			if err := refund(ctx, tx, appt, provider.UserID, now.UTC()); err != nil {
				return err
			}
			refunded = true
		}

		appt.Status = StatusCancelled
		appt.UpdatedAt = now.UTC()
		return tx.UpdateAppointment(ctx, appt)
	})
	if errors.Is(err, ErrUniqueViolation) {
		err = transient("Unable to cancel appointment due to a concurrent change. Please try again.")
	}
	if err != nil {
		return Appointment{}, s.fail(ctx, span, "cancel", err, "appointment_id", id, "actor_id", actor)
	}

	s.logger.InfoContext(ctx, "appointment cancelled", "appointment_id", appt.ID, "cancelled_by", actor, "refunded", refunded)
	s.notify(ctx, "cancellation", appt.ID, func() { s.notifier.NotifyCancellation(ctx, appt, actor) })
	return appt, nil
}

// =============================================================================
// WALLET
// =============================================================================

// Deposit credits amount to the user's wallet and returns the new balance.
// Zero is accepted and still recorded.
func (s *Service) Deposit(ctx context.Context, userID UserID, amount decimal.Decimal) (decimal.Decimal, error) {
	ctx, span := s.tracer.Start(ctx, "booking.Deposit", trace.WithAttributes(
		attribute.String("user.id", string(userID)),
		attribute.String("amount", amount.String()),
	))
	defer span.End()

	if amount.IsNegative() {
		return decimal.Zero, s.fail(ctx, span, "deposit", invalid("Deposit amount cannot be negative"), "user_id", userID)
	}

	now := s.now().UTC()
	var balance decimal.Decimal
	err := s.store.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return lookup(err, "User not found with id: %s", userID)
		}
		balances, err := post(ctx, tx, "", now, posting{userID: userID, entryType: EntryDeposit, amount: amount})
		if err != nil {
			return err
		}
		balance = balances[userID]
		return nil
	})
	if err != nil {
		return decimal.Zero, s.fail(ctx, span, "deposit", err, "user_id", userID)
	}

	s.logger.InfoContext(ctx, "deposit recorded", "user_id", userID, "amount", amount.String(), "balance", balance.String())
	return balance, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// lookup turns a store not-found into a NotFound business error and passes
// every other error through.
func lookup(err error, format string, args ...any) error {
	if errors.Is(err, ErrRecordNotFound) {
		return notFound(format, args...)
	}
	return err
}

// fail classifies err, records it on the span and logs it. Unclassified
// errors become KindInternal.
func (s *Service) fail(ctx context.Context, span trace.Span, op string, err error, args ...any) error {
	var be *Error
	if !errors.As(err, &be) {
		be = internal(err, "Unexpected error during %s", op)
		err = be
	}

	span.SetAttributes(attribute.String("booking.error_kind", string(be.Kind)))
	if be.Kind == KindInternal {
		span.RecordError(err)
		span.SetStatus(codes.Error, be.Message)
		s.logger.ErrorContext(ctx, op+" failed", append(args, "err", err)...)
		return err
	}
	s.logger.InfoContext(ctx, op+" rejected", append(args, "kind", be.Kind, "reason", be.Message)...)
	return err
}

// notify runs a notifier call after commit. A panicking notifier is logged;
// the committed operation still succeeds.
func (s *Service) notify(ctx context.Context, event string, id AppointmentID, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "notifier panicked", "event", event, "appointment_id", id, "panic", r)
		}
	}()
	fn()
}

// nameResolver caches display names while building a listing.
type nameResolver struct {
	store     Reader
	users     map[UserID]string
	providers map[ProviderID]string
}

func newNameResolver(store Reader) *nameResolver {
	return &nameResolver{store: store, users: map[UserID]string{}, providers: map[ProviderID]string{}}
}

func (r *nameResolver) user(ctx context.Context, id UserID) (string, error) {
	if name, ok := r.users[id]; ok {
		return name, nil
	}
	u, err := r.store.GetUser(ctx, id)
	if err != nil {
		return "", err
	}
	r.users[id] = u.Name
	return u.Name, nil
}

func (r *nameResolver) provider(ctx context.Context, id ProviderID) (string, error) {
	if name, ok := r.providers[id]; ok {
		return name, nil
	}
	p, err := r.store.GetProvider(ctx, id)
	if err != nil {
		return "", err
	}
	name, err := r.user(ctx, p.UserID)
	if err != nil {
		return "", err
	}
	r.providers[id] = name
	return name, nil
}
