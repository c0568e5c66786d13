package model

import (
	"strings"
	"time"
)

// Marker is the glyph placed in an event title once the event has been
// converted into a task.
const Marker = "🤖"

// OriginalEventLabel prefixes the source event title inside task context.
// Tasks already in the database carry this exact label, so it is part of the
// stored format.
const OriginalEventLabel = "元イベント:"

// DateLayout is the ISO date form used for due dates and title suffixes.
const DateLayout = "2006-01-02"

// Event is a single concrete calendar entry as seen by the pipeline. Recurring
// events are already expanded into instances by the event store.
type Event struct {
	ID           string
	CalendarID   string
	CalendarName string

	// Title is mutable and carries the marker once processed.
	Title string

	Start  time.Time
	End    time.Time
	AllDay bool

	Location    string
	Description string
	GuestCount  int
}

// Date returns the start date of the event in loc as YYYY-MM-DD.
func (e Event) Date(loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	if e.AllDay {
		// All-day starts are midnight in their own zone; converting would
		// shift them a day for zones west of it.
		return e.Start.Format(DateLayout)
	}
	return e.Start.In(loc).Format(DateLayout)
}

type TaskType string

const (
	TypeTask    TaskType = "task"
	TypeSummary TaskType = "summary"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank orders priorities; higher is more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

type Source string

const (
	SourceCalendar Source = "calendar"
	SourceGmail    Source = "gmail"
	SourceTest     Source = "test"
	SourceSystem   Source = "system"
)

type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
)

type CreatedBy string

const (
	CreatedByAuto   CreatedBy = "auto"
	CreatedByManual CreatedBy = "manual"
)

// Task is an entry in the task repository.
type Task struct {
	ID  string
	URL string

	// Title follows "<event title> (<YYYY-MM-DD>)" for calendar tasks.
	Title    string
	Type     TaskType
	Priority Priority

	// DueDate is a calendar date (YYYY-MM-DD) or empty.
	DueDate string

	Source    Source
	Status    Status
	CreatedBy CreatedBy

	// OriginalEvent is the unmodified event title, the join key back to the
	// calendar.
	OriginalEvent string

	// Context is free text stored as the page body.
	Context string

	CreatedTime time.Time
}

// NormalizeDate converts a date or timestamp string into YYYY-MM-DD. The
// written calendar date is kept; timestamps are not shifted into another
// zone. Unparseable input yields "".
func NormalizeDate(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t.Format(DateLayout)
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02T15:04", "2006/01/02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(DateLayout)
		}
	}
	return ""
}

// SameDate reports whether a and b denote the same calendar date. Either
// side missing or unparseable is never the same date.
func SameDate(a, b string) bool {
	na, nb := NormalizeDate(a), NormalizeDate(b)
	if na == "" || nb == "" {
		return false
	}
	return na == nb
}
