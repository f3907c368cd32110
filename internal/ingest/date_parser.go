package ingest

import (
	"fmt"
	"strings"
	"time"
)

// Layouts seen across sources, most specific first. Date-only layouts are
// interpreted as end of day UTC so a deadline stays open through its day.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
}

var dateLayouts = []string{
	"2006-01-02Z07:00",
	"2006-01-02",
	"02-01-2006",
	"02/01/2006",
	"20060102",
}

// parseDateRobust parses the timestamp and date formats upstream APIs use.
func parseDateRobust(text string) (time.Time, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}

	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return t.UTC(), nil
		}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return toEndOfDay(t), nil
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse date: %s", text)
}

// parseStartOfDay parses a date but keeps date-only values at midnight,
// which is what publication dates mean.
func parseStartOfDay(text string) (time.Time, error) {
	t, err := parseDateRobust(text)
	if err != nil {
		return t, err
	}
	if t.Hour() == 23 && t.Minute() == 59 && t.Second() == 59 && t.Nanosecond() == endOfDayNanos {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	return t, nil
}

// endOfDayNanos stops at microseconds, the precision timestamptz stores, so
// a date-only deadline reads back equal to a fresh parse.
const endOfDayNanos = 999999000

// toEndOfDay sets the time to 23:59:59.999999 UTC
func toEndOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, endOfDayNanos, time.UTC)
}
