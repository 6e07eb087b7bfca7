/*
Package notify implements booking.Notifier.

PURPOSE:
  The booking service fires a trigger after each committed transition.
  Implementations here turn the trigger into something a user or another
  system can read:

  StoreNotifier: notification rows for both parties (read via
                 GET /api/notifications)
  KafkaNotifier: appointment.* events on Kafka
  Multi:         fan-out to several notifiers

FAILURE POLICY:
  A notifier never returns an error to the service. Failures are logged
  and the booking stands.

SEE ALSO:
  - booking/notifier.go: The interface
  - cmd/server/main.go: Wiring
*/
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/warp/appointment-engine/booking"
)

// DisplayLayout is the time format used in notification messages.
const DisplayLayout = "Jan 02, 2006 03:04 PM"

// Store is the subset of booking.Store the StoreNotifier needs.
type Store interface {
	GetUser(ctx context.Context, id booking.UserID) (booking.User, error)
	GetProvider(ctx context.Context, id booking.ProviderID) (booking.Provider, error)
	WithTx(ctx context.Context, fn func(tx booking.Tx) error) error
}

// StoreNotifier writes one notification row per party.
type StoreNotifier struct {
	store  Store
	logger *slog.Logger
	loc    *time.Location
	now    func() time.Time
}

func NewStoreNotifier(store Store, logger *slog.Logger, loc *time.Location) *StoreNotifier {
	if loc == nil {
		loc = time.UTC
	}
	return &StoreNotifier{store: store, logger: logger, loc: loc, now: time.Now}
}

// parties resolves the people on an appointment.
type parties struct {
	customer     booking.User
	providerUser booking.User
}

func (n *StoreNotifier) resolve(ctx context.Context, appt booking.Appointment) (parties, error) {
	customer, err := n.store.GetUser(ctx, appt.CustomerID)
	if err != nil {
		return parties{}, fmt.Errorf("customer %s: %w", appt.CustomerID, err)
	}
	provider, err := n.store.GetProvider(ctx, appt.ProviderID)
	if err != nil {
		return parties{}, fmt.Errorf("provider %s: %w", appt.ProviderID, err)
	}
	providerUser, err := n.store.GetUser(ctx, provider.UserID)
	if err != nil {
		return parties{}, fmt.Errorf("provider user %s: %w", provider.UserID, err)
	}
	return parties{customer: customer, providerUser: providerUser}, nil
}

func (n *StoreNotifier) NotifyBooking(ctx context.Context, appt booking.Appointment) {
	p, err := n.resolve(ctx, appt)
	if err != nil {
		n.fail(ctx, "booking", appt, err)
		return
	}
	when := n.format(appt.Time)
	n.write(ctx, "booking", appt,
		message{p.customer.ID, fmt.Sprintf("Appointment booked with %s on %s. Status: PENDING", p.providerUser.Name, when)},
		message{p.providerUser.ID, fmt.Sprintf("New appointment request from %s on %s", p.customer.Name, when)},
	)
}

func (n *StoreNotifier) NotifyConfirmation(ctx context.Context, appt booking.Appointment) {
	p, err := n.resolve(ctx, appt)
	if err != nil {
		n.fail(ctx, "confirmation", appt, err)
		return
	}
	when := n.format(appt.Time)
	n.write(ctx, "confirmation", appt,
		message{p.customer.ID, fmt.Sprintf("Your appointment with %s on %s has been CONFIRMED", p.providerUser.Name, when)},
		message{p.providerUser.ID, fmt.Sprintf("Appointment with %s on %s has been confirmed", p.customer.Name, when)},
	)
}

func (n *StoreNotifier) NotifyCancellation(ctx context.Context, appt booking.Appointment, cancelledBy booking.UserID) {
	p, err := n.resolve(ctx, appt)
	if err != nil {
		n.fail(ctx, "cancellation", appt, err)
		return
	}

	canceller, other := p.customer, p.providerUser
	if cancelledBy == p.providerUser.ID {
		canceller, other = p.providerUser, p.customer
	}

	when := n.format(appt.Time)
	n.write(ctx, "cancellation", appt,
		message{other.ID, fmt.Sprintf("Appointment on %s has been CANCELLED by %s", when, canceller.Name)},
		message{canceller.ID, fmt.Sprintf("You have CANCELLED your appointment on %s", when)},
	)
}

type message struct {
	userID booking.UserID
	text   string
}

func (n *StoreNotifier) write(ctx context.Context, kind string, appt booking.Appointment, msgs ...message) {
	now := n.now().UTC()
	err := n.store.WithTx(ctx, func(tx booking.Tx) error {
		for _, m := range msgs {
			if err := tx.InsertNotification(ctx, booking.Notification{
				ID:        booking.NewNotificationID(),
				UserID:    m.userID,
				Message:   m.text,
				Status:    booking.NotificationUnread,
				CreatedAt: now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		n.fail(ctx, kind, appt, err)
	}
}

func (n *StoreNotifier) format(t time.Time) string {
	return t.In(n.loc).Format(DisplayLayout)
}

func (n *StoreNotifier) fail(ctx context.Context, kind string, appt booking.Appointment, err error) {
	n.logger.ErrorContext(ctx, "notification not stored",
		"kind", kind, "appointment_id", appt.ID, "err", err)
}

// =============================================================================
// MULTI
// =============================================================================

// Multi fans a trigger out to every notifier in order.
type Multi []booking.Notifier

func (m Multi) NotifyBooking(ctx context.Context, appt booking.Appointment) {
	for _, n := range m {
		n.NotifyBooking(ctx, appt)
	}
}

func (m Multi) NotifyConfirmation(ctx context.Context, appt booking.Appointment) {
	for _, n := range m {
		n.NotifyConfirmation(ctx, appt)
	}
}

func (m Multi) NotifyCancellation(ctx context.Context, appt booking.Appointment, cancelledBy booking.UserID) {
	for _, n := range m {
		n.NotifyCancellation(ctx, appt, cancelledBy)
	}
}
