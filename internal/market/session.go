// Package market classifies timestamps against the exchange trading
// calendar: which session is active, whether today is a holiday, and
// when the market opens next.
package market

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Session names an interval of exchange trading activity.
type Session string

const (
	SessionDay    Session = "DAY"
	SessionNight  Session = "NIGHT"
	SessionClosed Session = "CLOSED"
)

// Session windows in seconds of the local exchange day.
// The night session spans midnight: [18:00, 24:00) ∪ [00:00, 05:00].
const (
	dayOpenSec    = 9 * 3600
	dayCloseSec   = 15*3600 + 30*60
	nightOpenSec  = 18 * 3600
	nightCloseSec = 5 * 3600
)

// nextOpenSearchDays bounds the forward scan for the next trading day.
const nextOpenSearchDays = 60

// Status is the result of classifying one instant.
type Status struct {
	Session   Session   `json:"session"`
	IsHoliday bool      `json:"is_holiday"`
	NextOpen  time.Time `json:"next_open"`
}

// TradingDayFunc reports whether the given calendar date is a trading
// day. Implementations may fail (calendar source unavailable); the
// clock then degrades to a weekday-only check.
type TradingDayFunc func(day time.Time) (bool, error)

// Clock classifies instants into trading sessions. It is a pure
// function of its inputs apart from one-shot degradation logging.
type Clock struct {
	loc        *time.Location
	tradingDay TradingDayFunc
	logger     zerolog.Logger

	degradeOnce sync.Once
}

// NewClock builds a session clock for the given exchange timezone. The
// trading-day predicate is injected so calendar data stays a
// replaceable collaborator; nil means weekdays only.
func NewClock(loc *time.Location, tradingDay TradingDayFunc, logger zerolog.Logger) *Clock {
	if loc == nil {
		loc = time.UTC
	}
	if tradingDay == nil {
		tradingDay = func(day time.Time) (bool, error) {
			wd := day.Weekday()
			return wd != time.Saturday && wd != time.Sunday, nil
		}
	}
	return &Clock{
		loc:        loc,
		tradingDay: tradingDay,
		logger:     logger.With().Str("component", "session_clock").Logger(),
	}
}

// Classify reports the session active at now, holiday status, and the
// next market open.
func (c *Clock) Classify(now time.Time) Status {
	local := now.In(c.loc)
	sec := secondOfDay(local)
	today := dateOf(local)

	tradingToday := c.isTradingDay(today)

	// The early-morning half of the night session belongs to the
	// previous exchange day, so 00:00-05:00 consults yesterday.
	referenceTrading := tradingToday
	if sec <= nightCloseSec {
		referenceTrading = c.isTradingDay(today.AddDate(0, 0, -1))
	}

	session := SessionClosed
	switch {
	case sec >= dayOpenSec && sec <= dayCloseSec:
		if tradingToday {
			session = SessionDay
		}
	case sec >= nightOpenSec || sec <= nightCloseSec:
		if referenceTrading {
			session = SessionNight
		}
	}

	return Status{
		Session:   session,
		IsHoliday: session == SessionClosed && !tradingToday,
		NextOpen:  c.nextOpen(local, sec, today, session, tradingToday),
	}
}

func (c *Clock) nextOpen(local time.Time, sec int, today time.Time, session Session, tradingToday bool) time.Time {
	switch session {
	case SessionDay:
		night := c.at(today, nightOpenSec)
		if night.After(local) {
			return night
		}
		return c.searchDayOpen(today.AddDate(0, 0, 1))
	case SessionNight:
		if sec >= nightOpenSec {
			return c.searchDayOpen(today.AddDate(0, 0, 1))
		}
		// Pre-dawn half: the coming day session opens this morning
		// if today trades.
		if tradingToday {
			return c.at(today, dayOpenSec)
		}
		return c.searchDayOpen(today.AddDate(0, 0, 1))
	default:
		if tradingToday {
			if sec < dayOpenSec {
				return c.at(today, dayOpenSec)
			}
			if sec < nightOpenSec {
				return c.at(today, nightOpenSec)
			}
		}
		return c.searchDayOpen(today.AddDate(0, 0, 1))
	}
}

func (c *Clock) searchDayOpen(from time.Time) time.Time {
	day := from
	for i := 0; i < nextOpenSearchDays; i++ {
		if c.isTradingDay(day) {
			return c.at(day, dayOpenSec)
		}
		day = day.AddDate(0, 0, 1)
	}
	// Calendar exhausted; fall back to the scan horizon.
	return c.at(day, dayOpenSec)
}

func (c *Clock) isTradingDay(day time.Time) bool {
	ok, err := c.tradingDay(day)
	if err != nil {
		c.degradeOnce.Do(func() {
			c.logger.Warn().Err(err).Msg("trading calendar unavailable; degrading to weekday-only sessions")
		})
		wd := day.Weekday()
		return wd != time.Saturday && wd != time.Sunday
	}
	return ok
}

func (c *Clock) at(day time.Time, sec int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, sec, 0, c.loc)
}

func secondOfDay(t time.Time) int {
	return t.Hour()*3600 + t.Minute()*60 + t.Second()
}

func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
