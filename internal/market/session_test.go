package market

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var kst = time.FixedZone("KST", 9*3600)

func clockWithDays(t *testing.T, days ...string) *Clock {
	t.Helper()
	active := make(map[string]struct{}, len(days))
	for _, d := range days {
		active[d] = struct{}{}
	}
	fn := func(day time.Time) (bool, error) {
		_, ok := active[day.In(kst).Format("2006-01-02")]
		return ok, nil
	}
	return NewClock(kst, fn, zerolog.Nop())
}

func at(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.ParseInLocation("2006-01-02 15:04", value, kst)
	if err != nil {
		t.Fatalf("parse %q: %v", value, err)
	}
	return ts
}

func TestClassifySessions(t *testing.T) {
	cases := []struct {
		name string
		days []string
		now  string
		want Session
	}{
		{"day session opening bell", []string{"2024-01-02"}, "2024-01-02 09:00", SessionDay},
		{"day session close", []string{"2024-01-02"}, "2024-01-02 15:30", SessionDay},
		{"just after day close", []string{"2024-01-02"}, "2024-01-02 15:31", SessionClosed},
		{"evening night session", []string{"2024-01-02"}, "2024-01-02 18:30", SessionNight},
		{"post-midnight night session", []string{"2024-01-02"}, "2024-01-03 02:00", SessionNight},
		{"night close boundary", []string{"2024-01-02"}, "2024-01-03 05:00", SessionNight},
		{"after night close", []string{"2024-01-02"}, "2024-01-03 05:01", SessionClosed},
		{"weekend closed", []string{"2024-01-05"}, "2024-01-06 10:00", SessionClosed},
		{"holiday closed despite day hours", []string{"2024-01-02"}, "2024-01-01 09:30", SessionClosed},
		{"lunch gap is still day session", []string{"2024-01-02"}, "2024-01-02 12:00", SessionDay},
		{"pre-market closed", []string{"2024-01-02"}, "2024-01-02 08:00", SessionClosed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := clockWithDays(t, tc.days...).Classify(at(t, tc.now))
			if got.Session != tc.want {
				t.Fatalf("session = %s, 期望 %s", got.Session, tc.want)
			}
		})
	}
}

// The early-morning window must consult yesterday's trading-day status,
// not today's.
func TestClassifyMidnightSpanUsesYesterday(t *testing.T) {
	// Friday trades, Saturday does not: Saturday 02:00 is still NIGHT.
	clock := clockWithDays(t, "2024-01-05")
	if got := clock.Classify(at(t, "2024-01-06 02:00")); got.Session != SessionNight {
		t.Fatalf("Saturday 02:00 after a trading Friday should be NIGHT, got %s", got.Session)
	}

	// Monday trades but Sunday did not: Monday 02:00 is CLOSED.
	clock = clockWithDays(t, "2024-01-08")
	if got := clock.Classify(at(t, "2024-01-08 02:00")); got.Session != SessionClosed {
		t.Fatalf("Monday 02:00 after a closed Sunday should be CLOSED, got %s", got.Session)
	}
}

func TestClassifyHolidayFlagExclusiveWithOpenSession(t *testing.T) {
	clock := clockWithDays(t, "2024-01-02")
	for _, now := range []string{"2024-01-02 10:00", "2024-01-02 19:00", "2024-01-01 10:00", "2024-01-02 16:00"} {
		status := clock.Classify(at(t, now))
		if status.Session != SessionClosed && status.IsHoliday {
			t.Fatalf("is_holiday must imply CLOSED, got %s at %s", status.Session, now)
		}
	}
	if status := clock.Classify(at(t, "2024-01-01 10:00")); !status.IsHoliday {
		t.Fatal("holiday midday should report is_holiday")
	}
}

func TestNextOpen(t *testing.T) {
	cases := []struct {
		name string
		days []string
		now  string
		want string
	}{
		{"pre-market moves to day open", []string{"2024-01-02", "2024-01-03"}, "2024-01-02 08:00", "2024-01-02 09:00"},
		{"during day session moves to night open", []string{"2024-01-02", "2024-01-03"}, "2024-01-02 13:00", "2024-01-02 18:00"},
		{"during night session advances to next day", []string{"2024-01-02", "2024-01-03"}, "2024-01-02 19:30", "2024-01-03 09:00"},
		{"weekend midday advances to Monday", []string{"2024-01-05", "2024-01-08"}, "2024-01-06 10:00", "2024-01-08 09:00"},
		{"holiday moves to following trading day", []string{"2024-01-02", "2024-01-03"}, "2024-01-01 11:00", "2024-01-02 09:00"},
		{"early morning after closed day targets same day", []string{"2024-01-08", "2024-01-09"}, "2024-01-08 04:00", "2024-01-08 09:00"},
		{"weekend night session advances to weekday", []string{"2024-01-05", "2024-01-08"}, "2024-01-06 02:00", "2024-01-08 09:00"},
		{"evening gap on trading day targets night open", []string{"2024-01-02", "2024-01-03"}, "2024-01-02 16:00", "2024-01-02 18:00"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := clockWithDays(t, tc.days...).Classify(at(t, tc.now)).NextOpen
			want := at(t, tc.want)
			if !got.Equal(want) {
				t.Fatalf("next open = %s, 期望 %s", got, want)
			}
		})
	}
}

func TestClockDegradesToWeekdaysOnCalendarError(t *testing.T) {
	broken := func(time.Time) (bool, error) { return false, errors.New("calendar source down") }
	clock := NewClock(kst, broken, zerolog.Nop())

	// Tuesday morning: weekday fallback keeps the market open.
	if got := clock.Classify(at(t, "2024-01-02 10:00")); got.Session != SessionDay {
		t.Fatalf("weekday fallback should classify DAY, got %s", got.Session)
	}
	// Saturday stays closed under the fallback.
	if got := clock.Classify(at(t, "2024-01-06 10:00")); got.Session != SessionClosed {
		t.Fatalf("weekend must stay CLOSED under fallback, got %s", got.Session)
	}
}

func TestCalendarIsTradingDay(t *testing.T) {
	cal, err := NewCalendar(kst, []string{"2024-01-01", "2024-02-09"})
	if err != nil {
		t.Fatalf("NewCalendar: %v", err)
	}

	cases := []struct {
		day  string
		want bool
	}{
		{"2024-01-01 00:00", false}, // holiday
		{"2024-01-02 00:00", true},
		{"2024-01-06 00:00", false}, // Saturday
		{"2024-02-09 00:00", false}, // holiday
	}
	for _, tc := range cases {
		got, err := cal.IsTradingDay(at(t, tc.day))
		if err != nil {
			t.Fatalf("IsTradingDay(%s): %v", tc.day, err)
		}
		if got != tc.want {
			t.Errorf("IsTradingDay(%s) = %v, 期望 %v", tc.day, got, tc.want)
		}
	}
}

func TestCalendarRejectsMalformedDate(t *testing.T) {
	if _, err := NewCalendar(kst, []string{"01/02/2024"}); err == nil {
		t.Fatal("malformed holiday date should be rejected")
	}
}
