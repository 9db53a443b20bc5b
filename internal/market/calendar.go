package market

import (
	"time"
)

// NSE session boundaries, IST wall-clock.
const (
	SessionOpen   = "09:15"
	SessionClose  = "15:30"
	EntryCutoff   = "14:30" // no new entries after this
	SquareOffTime = "15:15" // force-close everything at this point
)

// nseHolidays lists exchange holidays for the running year. Update
// annually; dates are IST calendar days.
var nseHolidays = map[string]string{
	"2026-01-26": "Republic Day",
	"2026-03-07": "Mahashivratri",
	"2026-03-25": "Holi",
	"2026-03-29": "Good Friday",
	"2026-04-09": "Id-Ul-Fitr",
	"2026-04-14": "Dr. Ambedkar Jayanti",
	"2026-04-17": "Ram Navami",
	"2026-05-01": "Maharashtra Day",
	"2026-06-17": "Bakri Id",
	"2026-07-17": "Muharram",
	"2026-08-15": "Independence Day",
	"2026-10-02": "Gandhi Jayanti",
	"2026-10-20": "Dussehra",
	"2026-11-09": "Diwali Laxmi Pujan",
	"2026-11-10": "Diwali Balipratipada",
	"2026-11-25": "Gurunanak Jayanti",
	"2026-12-25": "Christmas",
}

// specialTradingDays are dates the market is open despite falling on a
// weekend or holiday (budget day, muhurat trading).
var specialTradingDays = map[string]bool{
	"2026-02-01": true,
	"2026-11-09": true,
}

var istLocation = time.FixedZone("IST", int((5*time.Hour + 30*time.Minute).Seconds()))

// IST returns the exchange timezone. A fixed UTC+5:30 zone is used so the
// engine behaves identically on hosts without tzdata.
func IST() *time.Location {
	return istLocation
}

// Now returns the current time in IST.
func Now() time.Time {
	return time.Now().In(istLocation)
}

// IsTradingDay reports whether the exchange is open on the given day and,
// when closed, why.
func IsTradingDay(t time.Time) (bool, string) {
	t = t.In(istLocation)
	day := t.Format("2006-01-02")

	if specialTradingDays[day] {
		return true, "special trading day"
	}
	if name, ok := nseHolidays[day]; ok {
		return false, "NSE holiday: " + name
	}
	switch t.Weekday() {
	case time.Saturday:
		return false, "weekend (Saturday)"
	case time.Sunday:
		return false, "weekend (Sunday)"
	}
	return true, "trading day"
}

// InSession reports whether t falls inside the regular session window on a
// trading day.
func InSession(t time.Time) bool {
	open, _ := IsTradingDay(t)
	if !open {
		return false
	}
	hm := t.In(istLocation).Format("15:04")
	return hm >= SessionOpen && hm < SessionClose
}

// PastEntryCutoff reports whether new entries are disallowed for the rest
// of the session.
func PastEntryCutoff(t time.Time) bool {
	return t.In(istLocation).Format("15:04") >= EntryCutoff
}

// PastSquareOff reports whether the intraday square-off point has been
// reached.
func PastSquareOff(t time.Time) bool {
	return t.In(istLocation).Format("15:04") >= SquareOffTime
}

// DayKey returns the IST calendar date, used to reset daily trade
// counters.
func DayKey(t time.Time) string {
	return t.In(istLocation).Format("2006-01-02")
}
