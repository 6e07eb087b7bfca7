package booking

import "context"

// Notifier receives the booking lifecycle trigger points. Calls happen after
// the transition has committed; implementations handle their own failures
// and never affect the outcome of the operation.
type Notifier interface {
	NotifyBooking(ctx context.Context, appt Appointment)
	NotifyConfirmation(ctx context.Context, appt Appointment)
	NotifyCancellation(ctx context.Context, appt Appointment, cancelledBy UserID)
}

// NopNotifier discards every trigger.
type NopNotifier struct{}

func (NopNotifier) NotifyBooking(context.Context, Appointment)              {}
func (NopNotifier) NotifyConfirmation(context.Context, Appointment)         {}
func (NopNotifier) NotifyCancellation(context.Context, Appointment, UserID) {}
