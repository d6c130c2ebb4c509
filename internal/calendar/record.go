package calendar

import "time"

// EventRecord is the normalized form of a single event instance coming out of
// an external source, either a parsed iCal VEVENT (after recurrence
// expansion) or a Google Calendar API item. The reconciler diffs a slice of
// these against the stored events for the source.
type EventRecord struct {
	// UID is the external identifier. For expanded recurring occurrences it
	// is synthesized as "<base uid>-<start unix millis>" so each instance
	// reconciles independently.
	UID string

	Title       string
	Description string
	Location    string
	URL         string

	StartTime time.Time
	EndTime   time.Time
	AllDay    bool

	// RecurrenceRule is the raw RRULE of the base event, carried through on
	// expanded occurrences for provenance. Empty for one-off events.
	RecurrenceRule string

	// LastModified is the source's LAST-MODIFIED / updated stamp when
	// present. The reconciler uses it to decide whether a stored row is
	// stale.
	LastModified *time.Time

	// Cancelled marks a tombstone record: the source reports the event as
	// deleted. Only UID is meaningful on a cancelled record.
	Cancelled bool
}

// Duration returns the record's span, defaulting to one hour when the source
// gave no usable end time.
func (r EventRecord) Duration() time.Duration {
	d := r.EndTime.Sub(r.StartTime)
	if d <= 0 {
		return time.Hour
	}
	return d
}
