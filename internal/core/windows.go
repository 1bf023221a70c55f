package core

import "time"

// StartOfDay returns 00:00 UTC of the day containing t
func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// StartOfMonth returns 00:00 UTC on the first of the month containing t
func StartOfMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// WindowStart returns the beginning of the usage window containing t
func WindowStart(window UsageWindow, t time.Time) time.Time {
	if window == WindowMonthly {
		return StartOfMonth(t)
	}
	return StartOfDay(t)
}
