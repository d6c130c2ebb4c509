package calendar

import (
	"bytes"
	"log"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
)

const untitledEvent = "Untitled Event"

// parsedEvent is an intermediate VEVENT representation carrying the raw
// recurrence material the expander needs.
type parsedEvent struct {
	record EventRecord

	rawRRule     string
	exDates      []time.Time
	recurrenceID *time.Time
}

// ParseFeed parses an iCal document and materializes every event instance
// that falls inside the window: one record per one-off event, one per
// expanded recurring occurrence, and one per RECURRENCE-ID override
// component. Events without a UID are skipped with a log line; a document
// that fails to parse at all yields ErrMalformedFeed.
func ParseFeed(body []byte, w Window) ([]EventRecord, error) {
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, malformedFeed(err)
	}

	type group struct {
		bases     []parsedEvent
		overrides []parsedEvent
	}
	groups := make(map[string]*group)
	order := make([]string, 0)

	for _, ve := range cal.Events() {
		pe, ok := parseVEvent(ve)
		if !ok {
			continue
		}
		g := groups[pe.record.UID]
		if g == nil {
			g = &group{}
			groups[pe.record.UID] = g
			order = append(order, pe.record.UID)
		}
		if pe.recurrenceID != nil {
			g.overrides = append(g.overrides, pe)
		} else {
			g.bases = append(g.bases, pe)
		}
	}

	out := make([]EventRecord, 0)
	for _, uid := range order {
		g := groups[uid]

		// Override components stand on their own: the source has already
		// replaced the ruled instance at that instant with this one.
		instants := make([]time.Time, 0, len(g.overrides))
		for _, ov := range g.overrides {
			instants = append(instants, *ov.recurrenceID)
			if w.Contains(ov.record.StartTime) {
				rec := ov.record
				rec.UID = occurrenceUID(uid, ov.record.StartTime)
				out = append(out, rec)
			}
		}

		for _, base := range g.bases {
			if base.rawRRule == "" {
				if w.Contains(base.record.StartTime) {
					out = append(out, base.record)
				}
				continue
			}
			rec := base.record
			rec.RecurrenceRule = base.rawRRule
			out = append(out, expandRecurring(rec, base.rawRRule, base.exDates, instants, w)...)
		}
	}
	return out, nil
}

func parseVEvent(ve *ical.VEvent) (parsedEvent, bool) {
	var pe parsedEvent

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		log.Printf("Skipping calendar event without UID")
		return pe, false
	}
	pe.record.UID = uidProp.Value
	pe.record.Title = untitledEvent
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil && p.Value != "" {
		pe.record.Title = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		pe.record.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		pe.record.Location = p.Value
	}
	if p := ve.GetProperty("URL"); p != nil {
		pe.record.URL = p.Value
	}
	if p := ve.GetProperty("LAST-MODIFIED"); p != nil {
		if t, err := parseICalTime(p.Value, nil); err == nil {
			pe.record.LastModified = &t
		}
	}

	startProp := ve.GetProperty(ical.ComponentPropertyDtStart)
	if startProp == nil || startProp.Value == "" {
		log.Printf("Skipping calendar event %q without DTSTART", pe.record.UID)
		return pe, false
	}

	allDay := isDateOnly(startProp)
	pe.record.AllDay = allDay

	loc := propertyLocation(startProp, pe.record.Title, allDay)
	start, err := parseICalTime(startProp.Value, loc)
	if err != nil {
		log.Printf("Skipping calendar event %q with unparseable DTSTART %q: %v", pe.record.UID, startProp.Value, err)
		return pe, false
	}
	pe.record.StartTime = start

	if endProp := ve.GetProperty(ical.ComponentPropertyDtEnd); endProp != nil && endProp.Value != "" {
		endLoc := propertyLocation(endProp, pe.record.Title, allDay)
		if end, eerr := parseICalTime(endProp.Value, endLoc); eerr == nil {
			pe.record.EndTime = end
		}
	}
	if pe.record.EndTime.IsZero() {
		if allDay {
			pe.record.EndTime = start.Add(24 * time.Hour)
		} else {
			pe.record.EndTime = start.Add(time.Hour)
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		pe.rawRRule = p.Value
	}
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		exLoc := propertyLocation(p, pe.record.Title, allDay)
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, terr := parseICalTime(part, exLoc); terr == nil {
				pe.exDates = append(pe.exDates, t)
			}
		}
	}
	if p := ve.GetProperty("RECURRENCE-ID"); p != nil && p.Value != "" {
		ridLoc := propertyLocation(p, pe.record.Title, allDay)
		if t, terr := parseICalTime(p.Value, ridLoc); terr == nil {
			pe.recurrenceID = &t
		}
	}

	return pe, true
}

// isDateOnly reports whether the property carries a date-only value, either
// via an explicit VALUE=DATE parameter or by the absence of a time part.
func isDateOnly(p *ical.IANAProperty) bool {
	if p.ICalParameters != nil {
		if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
			return true
		}
	}
	return !strings.Contains(p.Value, "T")
}

// propertyLocation resolves the TZID parameter on a date-time property. A
// missing or unknown zone yields nil, meaning the value is floating and will
// be interpreted as UTC; that case is logged for timed events since it
// usually signals a broken feed.
func propertyLocation(p *ical.IANAProperty, title string, allDay bool) *time.Location {
	if p.ICalParameters == nil {
		if !allDay && !strings.HasSuffix(p.Value, "Z") {
			log.Printf("Event %q has floating time (no timezone), interpreting as UTC", title)
		}
		return nil
	}
	tzs, ok := p.ICalParameters["TZID"]
	if !ok || len(tzs) == 0 || tzs[0] == "" {
		if !allDay && !strings.HasSuffix(p.Value, "Z") {
			log.Printf("Event %q has floating time (no timezone), interpreting as UTC", title)
		}
		return nil
	}
	loc, err := time.LoadLocation(tzs[0])
	if err != nil {
		log.Printf("Event %q references unknown timezone %q, interpreting as UTC", title, tzs[0])
		return nil
	}
	return loc
}

// parseICalTime parses the basic iCal date and date-time value forms. loc
// applies to zone-less date-time values; nil means UTC.
func parseICalTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if loc == nil {
		loc = time.UTC
	}
	switch {
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, loc)
	default:
		return time.ParseInLocation("20060102", v, loc)
	}
}
