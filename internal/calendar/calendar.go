package calendar

import (
	"fmt"
	"time"
)

// HolidayLayout 为配置中休市日的格式。
const HolidayLayout = "2006-01-02"

// Calendar 判断交易日：周末与配置的休市日不交易。
type Calendar struct {
	loc      *time.Location
	holidays map[string]struct{}
}

// New 创建交易日历，日期按 loc 所在时区解释。
func New(loc *time.Location, holidays []string) (*Calendar, error) {
	if loc == nil {
		loc = time.UTC
	}
	c := &Calendar{loc: loc, holidays: make(map[string]struct{}, len(holidays))}
	for _, day := range holidays {
		d, err := time.ParseInLocation(HolidayLayout, day, loc)
		if err != nil {
			return nil, fmt.Errorf("calendar: 休市日格式错误 %q: %w", day, err)
		}
		c.holidays[d.Format(HolidayLayout)] = struct{}{}
	}
	return c, nil
}

// Location 返回交易所时区。
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// IsTradingDay 判断 t 所在的本地日期是否为交易日。
func (c *Calendar) IsTradingDay(t time.Time) bool {
	local := t.In(c.loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	_, closed := c.holidays[local.Format(HolidayLayout)]
	return !closed
}

// NextTradingDay 返回 t 之后的第一个交易日（本地零点）。
func (c *Calendar) NextTradingDay(t time.Time) time.Time {
	day := Midnight(t.In(c.loc))
	for {
		day = day.AddDate(0, 0, 1)
		if c.IsTradingDay(day) {
			return day
		}
	}
}

// Midnight 返回 t 所在日期的零点，保留时区。
func Midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
