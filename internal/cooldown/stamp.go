package cooldown

import (
	"strconv"
	"strings"
	"time"
)

// Stored layouts. Date-only values are interpreted as local midnight.
const (
	LayoutDate   = "20060102"
	LayoutMinute = "20060102:1504"
	LayoutHour   = "20060102:15"
)

var parseLayouts = []string{
	LayoutMinute,
	LayoutHour,
	LayoutDate,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseStamp parses any stored timestamp form in the local timezone.
func ParseStamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	for _, layout := range parseLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func Date(now time.Time) string   { return now.Format(LayoutDate) }
func Minute(now time.Time) string { return now.Format(LayoutMinute) }
func Hour(now time.Time) string   { return now.Format(LayoutHour) }

// Counter is a per-day integer such as the daily bless count ("yyyymmdd:n").
type Counter struct {
	Date  string
	Count int
}

// ParseCounter accepts "yyyymmdd:n" and a bare "n", which maps to date "00000000".
// Anything else yields a zero counter.
func ParseCounter(s string) Counter {
	s = strings.TrimSpace(s)
	if s == "" {
		return Counter{}
	}
	date, num, found := strings.Cut(s, ":")
	if !found {
		n, err := strconv.Atoi(date)
		if err != nil || n < 0 {
			return Counter{}
		}
		return Counter{Date: "00000000", Count: n}
	}
	n, err := strconv.Atoi(strings.TrimSpace(num))
	if err != nil || n < 0 {
		return Counter{}
	}
	return Counter{Date: strings.TrimSpace(date), Count: n}
}

func (c Counter) String() string {
	if c.Date == "" {
		return ""
	}
	return c.Date + ":" + strconv.Itoa(c.Count)
}

// Today returns the count if the counter belongs to now's date, else 0.
func (c Counter) Today(now time.Time) int {
	if c.Date != Date(now) {
		return 0
	}
	return c.Count
}

// Add returns the counter for now after n more events, resetting on a new day.
func (c Counter) Add(now time.Time, n int) Counter {
	return Counter{Date: Date(now), Count: c.Today(now) + n}
}

// RemainingBless is the daily bless quota left for a stored counter.
func RemainingBless(counter string, now time.Time) int {
	left := DailyBlessCap - ParseCounter(counter).Today(now)
	if left < 0 {
		return 0
	}
	return left
}
