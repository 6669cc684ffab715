package broker

import "time"

// Options orders are only accepted during regular trading hours. The
// window opens a few minutes after the bell so the opening auction
// noise settles, and closes a minute before the close so market orders
// are not left hanging into the closing cross.
const (
	optionsWindowOpenMinute  = 9*60 + 46 // 09:46 ET
	optionsWindowCloseMinute = 16 * 60   // 16:00 ET, exclusive at 15:59
)

// marketLocation resolves the exchange timezone, falling back to UTC if
// tzdata is unavailable on the host.
func marketLocation() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.UTC
	}
	return loc
}

// OptionsOrderWindowOpen reports whether options order submission is
// allowed at the given instant: weekdays, 09:46 through 15:59 Eastern.
// Equity orders are not gated; the broker queues them itself.
func OptionsOrderWindowOpen(t time.Time) bool {
	et := t.In(marketLocation())
	switch et.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	minute := et.Hour()*60 + et.Minute()
	return minute >= optionsWindowOpenMinute && minute < optionsWindowCloseMinute
}
