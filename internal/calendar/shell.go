package calendar

import (
	"sort"
	"strings"
	"time"
)

type ParticipationStatus string

const (
	StatusNeedsAction ParticipationStatus = "NEEDS-ACTION"
	StatusAccepted    ParticipationStatus = "ACCEPTED"
	StatusDeclined    ParticipationStatus = "DECLINED"
	StatusTentative   ParticipationStatus = "TENTATIVE"
)

const EventStatusCancelled = "CANCELLED"

// maxOccurrences bounds recurrence expansion for unbounded rules queried
// without a window.
const maxOccurrences = 366

type Attendee struct {
	Email  string              `json:"email"`
	Name   string              `json:"name,omitempty"`
	Status ParticipationStatus `json:"status,omitempty"`
}

type RecurrenceFreq string

const (
	FreqDaily  RecurrenceFreq = "DAILY"
	FreqWeekly RecurrenceFreq = "WEEKLY"
)

type RecurrenceRule struct {
	Freq     RecurrenceFreq `json:"freq"`
	Interval int            `json:"interval,omitempty"`
	Count    int            `json:"count,omitempty"`
	Until    time.Time      `json:"until,omitempty"`
}

type TimeRange struct {
	Start time.Time
	End   time.Time
}

func (r TimeRange) IsZero() bool {
	return r.Start.IsZero() && r.End.IsZero()
}

func (r TimeRange) overlaps(start, end time.Time) bool {
	if r.IsZero() {
		return true
	}
	return start.Before(r.End) && end.After(r.Start)
}

// EventShell is the normalized local representation of one remote calendar
// object. Path, Etag and PendingTaskID are transport/coordination state and
// never travel inside the payload.
type EventShell struct {
	UID          string          `json:"uid"`
	Title        string          `json:"title,omitempty"`
	Location     string          `json:"location,omitempty"`
	Description  string          `json:"description,omitempty"`
	Start        time.Time       `json:"start"`
	End          time.Time       `json:"end"`
	AllDay       bool            `json:"allDay,omitempty"`
	Sequence     int             `json:"sequence,omitempty"`
	Status       string          `json:"eventStatus,omitempty"`
	Organizer    *Attendee       `json:"organizer,omitempty"`
	Attendees    []Attendee      `json:"attendees,omitempty"`
	Recurrence   *RecurrenceRule `json:"recurrence,omitempty"`
	RecurrenceID string          `json:"recurrenceId,omitempty"`

	Path          string `json:"-"`
	Etag          string `json:"-"`
	PendingTaskID string `json:"-"`
}

func (e *EventShell) Clone() *EventShell {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Organizer != nil {
		organizer := *e.Organizer
		clone.Organizer = &organizer
	}
	if e.Attendees != nil {
		clone.Attendees = make([]Attendee, len(e.Attendees))
		copy(clone.Attendees, e.Attendees)
	}
	if e.Recurrence != nil {
		rule := *e.Recurrence
		clone.Recurrence = &rule
	}
	return &clone
}

func (e *EventShell) IsRecurring() bool {
	return e != nil && e.Recurrence != nil && e.Recurrence.Freq != "" && e.RecurrenceID == ""
}

// Equal compares the structural payload of two shells, ignoring the
// transport-only fields (etag, path, pending task id).
func (e *EventShell) Equal(other *EventShell) bool {
	if e == nil || other == nil {
		return e == other
	}
	if e.UID != other.UID ||
		e.Title != other.Title ||
		e.Location != other.Location ||
		e.Description != other.Description ||
		!e.Start.Equal(other.Start) ||
		!e.End.Equal(other.End) ||
		e.AllDay != other.AllDay ||
		e.Sequence != other.Sequence ||
		e.Status != other.Status ||
		e.RecurrenceID != other.RecurrenceID {
		return false
	}
	if !attendeeEqual(e.Organizer, other.Organizer) {
		return false
	}
	if len(e.Attendees) != len(other.Attendees) {
		return false
	}
	for i := range e.Attendees {
		if e.Attendees[i] != other.Attendees[i] {
			return false
		}
	}
	return recurrenceEqual(e.Recurrence, other.Recurrence)
}

// EqualIncludingTransport additionally compares etag, path and pending task
// id.
func (e *EventShell) EqualIncludingTransport(other *EventShell) bool {
	if !e.Equal(other) {
		return false
	}
	return e.Path == other.Path && e.Etag == other.Etag && e.PendingTaskID == other.PendingTaskID
}

func attendeeEqual(a, b *Attendee) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func recurrenceEqual(a, b *RecurrenceRule) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Freq == b.Freq && a.Interval == b.Interval && a.Count == b.Count && a.Until.Equal(b.Until)
}

// HasSignificantChange reports whether the diff against old requires
// re-notifying attendees: time, location, cancellation status or the
// recurrence rule changed. Title and description edits are cosmetic.
func (e *EventShell) HasSignificantChange(old *EventShell) bool {
	if e == nil || old == nil {
		return e != old
	}
	if !e.Start.Equal(old.Start) || !e.End.Equal(old.End) || e.AllDay != old.AllDay {
		return true
	}
	if e.Location != old.Location {
		return true
	}
	if e.Status != old.Status {
		return true
	}
	return !recurrenceEqual(e.Recurrence, old.Recurrence)
}

// ChangeParticipation sets the participation status of every attendee whose
// address appears in emails. The organizer is matched too, to cover a reply
// addressed at the organizer's own address. An empty emails list matches all
// attendees. Reports whether any status actually changed.
func (e *EventShell) ChangeParticipation(status ParticipationStatus, emails []string) bool {
	if e == nil {
		return false
	}
	match := map[string]bool{}
	for _, email := range emails {
		match[strings.ToLower(strings.TrimSpace(email))] = true
	}
	matchAll := len(match) == 0
	changed := false
	for i := range e.Attendees {
		if !matchAll && !match[strings.ToLower(e.Attendees[i].Email)] {
			continue
		}
		if e.Attendees[i].Status != status {
			e.Attendees[i].Status = status
			changed = true
		}
	}
	if e.Organizer != nil && !matchAll && match[strings.ToLower(e.Organizer.Email)] {
		if e.Organizer.Status != status {
			e.Organizer.Status = status
			changed = true
		}
	}
	return changed
}

// NormalizeAllDay truncates start and end to date-only granularity when the
// shell is marked all-day.
func (e *EventShell) NormalizeAllDay() {
	if e == nil || !e.AllDay {
		return
	}
	e.Start = truncateToDate(e.Start)
	e.End = truncateToDate(e.End)
}

func truncateToDate(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}

// ExpandOccurrences materializes the instances of a recurring master that
// fall inside window. A non-recurring shell expands to itself when it
// overlaps the window. Instances carry a RecurrenceID derived from their
// occurrence start and inherit the master's path, etag and pending task id.
func (e *EventShell) ExpandOccurrences(window TimeRange) []*EventShell {
	if e == nil {
		return nil
	}
	if !e.IsRecurring() {
		if window.overlaps(e.Start, e.End) {
			return []*EventShell{e.Clone()}
		}
		return nil
	}
	rule := e.Recurrence
	interval := rule.Interval
	if interval <= 0 {
		interval = 1
	}
	var step time.Duration
	switch rule.Freq {
	case FreqDaily:
		step = time.Duration(interval) * 24 * time.Hour
	case FreqWeekly:
		step = time.Duration(interval) * 7 * 24 * time.Hour
	default:
		return nil
	}
	duration := e.End.Sub(e.Start)
	instances := make([]*EventShell, 0, 4)
	start := e.Start
	for count := 0; count < maxOccurrences; count++ {
		if rule.Count > 0 && count >= rule.Count {
			break
		}
		if !rule.Until.IsZero() && start.After(rule.Until) {
			break
		}
		if !window.IsZero() && !start.Before(window.End) {
			break
		}
		end := start.Add(duration)
		if window.overlaps(start, end) {
			instance := e.Clone()
			instance.Start = start
			instance.End = end
			instance.Recurrence = nil
			instance.RecurrenceID = start.UTC().Format(time.RFC3339)
			instances = append(instances, instance)
		}
		start = start.Add(step)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].Start.Before(instances[j].Start) })
	return instances
}
