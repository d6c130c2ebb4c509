package calendar

import (
	"fmt"
	"log"
	"time"

	"github.com/teambition/rrule-go"
)

// maxRecurrenceIterations caps how many rule occurrences we will walk for a
// single event. Unbounded rules (no UNTIL/COUNT) would otherwise iterate
// forever.
const maxRecurrenceIterations = 10000

// Window is the half-open-ish expansion range for event materialization.
// Both bounds are inclusive: an occurrence starting exactly at Start or End
// is kept.
type Window struct {
	Start time.Time
	End   time.Time
}

// DefaultWindow returns the standard materialization range: twelve months
// back from now (start of that day) through five years forward (end of that
// day). Everything outside it is not worth storing.
func DefaultWindow(now time.Time) Window {
	now = now.UTC()
	start := now.AddDate(0, -12, 0)
	start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	end := now.AddDate(5, 0, 0)
	end = time.Date(end.Year(), end.Month(), end.Day(), 23, 59, 59, 999000000, time.UTC)
	return Window{Start: start, End: end}
}

// Contains reports whether t falls inside the window, bounds included.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// occurrenceUID synthesizes a stable per-instance identifier from the base
// UID and the occurrence start. Millisecond precision keeps the identifier
// stable across re-expansion so repeated syncs match the same stored row.
func occurrenceUID(baseUID string, start time.Time) string {
	return fmt.Sprintf("%s-%d", baseUID, start.UnixMilli())
}

// expandRecurring materializes a recurring base event into concrete
// occurrence records within the window. exDates are excluded instants from
// EXDATE; overrideInstants are instants claimed by RECURRENCE-ID override
// components, which are emitted separately by the parser and must not be
// duplicated here.
//
// Failure modes follow the same shape: if the rule cannot be parsed, or
// expansion yields nothing inside the window, the base event itself is
// returned as a degraded single instance when its own start is in range.
func expandRecurring(base EventRecord, rawRRule string, exDates, overrideInstants []time.Time, w Window) []EventRecord {
	rule, err := rrule.StrToRRule(rawRRule)
	if err != nil {
		log.Printf("Failed to parse recurrence rule for %q: %v (rule %q)", base.Title, err, rawRRule)
		return baseFallback(base, w)
	}
	rule.DTStart(base.StartTime)

	set := rrule.Set{}
	set.RRule(rule)
	for _, ex := range exDates {
		set.ExDate(ex.In(base.StartTime.Location()))
	}

	skip := make(map[int64]bool, len(overrideInstants))
	for _, t := range overrideInstants {
		skip[t.UnixMilli()] = true
	}

	dur := base.Duration()
	out := make([]EventRecord, 0)

	next := set.Iterator()
	for i := 0; i < maxRecurrenceIterations; i++ {
		start, ok := next()
		if !ok {
			break
		}
		if start.After(w.End) {
			break
		}
		if start.Before(w.Start) {
			continue
		}
		if skip[start.UnixMilli()] {
			continue
		}

		occ := base
		occ.UID = occurrenceUID(base.UID, start)
		occ.StartTime = start
		occ.EndTime = start.Add(dur)
		if base.AllDay {
			day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location())
			occ.StartTime = day
			occ.EndTime = day.Add(24 * time.Hour)
			occ.UID = occurrenceUID(base.UID, day)
		}
		out = append(out, occ)
	}

	if len(out) == 0 {
		log.Printf("Recurring event %q produced no occurrences in range, keeping base instance", base.Title)
		return baseFallback(base, w)
	}
	return out
}

// baseFallback returns the un-expanded base event when its start lies inside
// the window, otherwise nothing.
func baseFallback(base EventRecord, w Window) []EventRecord {
	if w.Contains(base.StartTime) {
		return []EventRecord{base}
	}
	return nil
}
