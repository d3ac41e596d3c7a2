package market

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"
)

// Calendar is a weekday-and-holiday trading-day predicate backed by a
// configured set of holiday dates.
type Calendar struct {
	loc      *time.Location
	holidays map[string]struct{}
}

const calendarDateLayout = "2006-01-02"

// NewCalendar parses the configured holiday dates (YYYY-MM-DD) into a
// calendar for the given exchange timezone.
func NewCalendar(loc *time.Location, holidays []string) (*Calendar, error) {
	if loc == nil {
		loc = time.UTC
	}
	set := make(map[string]struct{}, len(holidays))
	for _, h := range holidays {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if _, err := time.ParseInLocation(calendarDateLayout, h, loc); err != nil {
			return nil, fmt.Errorf("invalid holiday date %q: %w", h, err)
		}
		set[h] = struct{}{}
	}
	return &Calendar{loc: loc, holidays: set}, nil
}

// LoadHolidayFile merges additional holiday dates from a plain text
// file, one YYYY-MM-DD per line; # starts a comment.
func (c *Calendar) LoadHolidayFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open holiday file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, err := time.ParseInLocation(calendarDateLayout, line, c.loc); err != nil {
			return fmt.Errorf("invalid holiday date %q: %w", line, err)
		}
		c.holidays[line] = struct{}{}
	}
	return scanner.Err()
}

// IsTradingDay reports whether day is a weekday that is not a
// configured holiday. It satisfies TradingDayFunc and never fails;
// the error return exists for sources that can.
func (c *Calendar) IsTradingDay(day time.Time) (bool, error) {
	local := day.In(c.loc)
	wd := local.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false, nil
	}
	_, holiday := c.holidays[local.Format(calendarDateLayout)]
	return !holiday, nil
}
