/*
slots.go - Business hours and slot availability

PURPOSE:
  Fixed schedule shared by every provider: weekdays, 09:00 to 18:00 local
  time, one slot every 30 minutes. The first slot starts at 09:00, the last
  at 17:30.

  AvailableSlots is pure: given the date, the location, the booked start
  times and the current instant it always returns the same slots. The
  service supplies booked times from the store.

SEE ALSO:
  - schedule.go: Validation of a requested booking time
  - service.go: GetAvailableSlots
*/
package booking

import "time"

const (
	OpeningHour    = 9
	ClosingHour    = 18
	SlotDuration   = 30 * time.Minute
	MinLeadTime    = time.Hour
	MaxAdvanceDays = 30
)

// BookingWindow returns the range used to query booked times for a date:
// [09:00, 18:00+30m) in loc.
func BookingWindow(date time.Time, loc *time.Location) (from, to time.Time) {
	d := date.In(loc)
	from = time.Date(d.Year(), d.Month(), d.Day(), OpeningHour, 0, 0, 0, loc)
	closing := time.Date(d.Year(), d.Month(), d.Day(), ClosingHour, 0, 0, 0, loc)
	return from, closing.Add(SlotDuration)
}

// CandidateSlots returns every slot start of the business day, in order.
func CandidateSlots(date time.Time, loc *time.Location) []time.Time {
	d := date.In(loc)
	open := time.Date(d.Year(), d.Month(), d.Day(), OpeningHour, 0, 0, 0, loc)
	closing := time.Date(d.Year(), d.Month(), d.Day(), ClosingHour, 0, 0, 0, loc)

	var slots []time.Time
	for t := open; t.Before(closing); t = t.Add(SlotDuration) {
		slots = append(slots, t)
	}
	return slots
}

// AvailableSlots filters CandidateSlots by dropping slots at or before now
// and slots present in booked.
func AvailableSlots(date time.Time, loc *time.Location, booked []time.Time, now time.Time) []time.Time {
	taken := make(map[int64]struct{}, len(booked))
	for _, b := range booked {
		taken[b.Unix()] = struct{}{}
	}

	free := []time.Time{}
	for _, t := range CandidateSlots(date, loc) {
		if !t.After(now) {
			continue
		}
		if _, ok := taken[t.Unix()]; ok {
			continue
		}
		free = append(free, t)
	}
	return free
}
