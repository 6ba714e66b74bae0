// Package schedule computes the next firing time for recurring tasks.
package schedule

import (
	"regexp"
	"strconv"
	"time"

	"github.com/hearthchat/hearth/internal/store"
)

var anchorRe = regexp.MustCompile(`^(\d{2}):(\d{2})$`)

// NextRun returns the next firing time for an interval schedule, computed
// from the reference instant. Minutes and hours are exact additions. Days
// without an anchor time are a naive value*24h addition. Days with an
// "HH:MM" anchor snap to that wall-clock time: today's anchor if it is
// still strictly ahead of from, otherwise intervalValue days out.
//
// A malformed anchor ("9:00", "noon", "") falls back to the naive day
// addition; the calculator never fails.
func NextRun(from time.Time, intervalValue int, unit store.IntervalUnit, scheduleTime string) time.Time {
	switch unit {
	case store.UnitMinutes:
		return from.Add(time.Duration(intervalValue) * time.Minute)
	case store.UnitHours:
		return from.Add(time.Duration(intervalValue) * time.Hour)
	case store.UnitDays:
		if hour, minute, ok := parseAnchor(scheduleTime); ok {
			anchor := time.Date(from.Year(), from.Month(), from.Day(), hour, minute, 0, 0, from.Location())
			if anchor.After(from) {
				return anchor
			}
			return anchor.AddDate(0, 0, intervalValue)
		}
		return from.Add(time.Duration(intervalValue) * 24 * time.Hour)
	}
	// Unknown unit; callers validate, but stay total anyway.
	return from.Add(time.Duration(intervalValue) * time.Minute)
}

func parseAnchor(s string) (hour, minute int, ok bool) {
	m := anchorRe.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, false
	}
	hour, _ = strconv.Atoi(m[1])
	minute, _ = strconv.Atoi(m[2])
	if hour > 23 || minute > 59 {
		return 0, 0, false
	}
	return hour, minute, true
}
