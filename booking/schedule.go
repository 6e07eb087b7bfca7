package booking

import "time"

// ValidateBookingTime checks a requested start time against the booking
// rules, in the order a customer would hit them. at is interpreted in loc.
func ValidateBookingTime(at, now time.Time, loc *time.Location) error {
	local := at.In(loc)

	if at.Before(now.Add(MinLeadTime)) {
		return invalid("Appointments must be booked at least 1 hour in advance")
	}

	if m := local.Minute(); (m != 0 && m != 30) || local.Second() != 0 || local.Nanosecond() != 0 {
		return invalid("Appointments can only be booked on the hour or half-hour")
	}

	if h := local.Hour(); h < OpeningHour || h >= ClosingHour {
		return invalid("Appointments can only be booked between 9:00 AM and 6:00 PM")
	}

	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return invalid("Appointments are not available on weekends")
	}

	if at.After(now.AddDate(0, 0, MaxAdvanceDays)) {
		return invalid("Appointments can only be booked up to 30 days in advance")
	}

	return nil
}
