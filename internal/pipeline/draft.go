package pipeline

import (
	"fmt"
	"strings"
	"time"

	"caltasks/internal/model"
)

const descriptionLimit = 100

// DraftOptions carries the heuristics used to build a task from an event.
type DraftOptions struct {
	Location          *time.Location
	UrgentKeywords    []string
	ImportantKeywords []string
}

// BuildDraft turns an event into the calendar task that represents it.
func BuildDraft(ev model.Event, opts DraftOptions) model.Task {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	title := strings.TrimSpace(ev.Title)
	date := ev.Date(loc)

	return model.Task{
		Title:         fmt.Sprintf("%s (%s)", title, date),
		Type:          model.TypeTask,
		Priority:      priorityFor(ev, opts),
		DueDate:       date,
		Source:        model.SourceCalendar,
		Status:        model.StatusNotStarted,
		CreatedBy:     model.CreatedByAuto,
		OriginalEvent: title,
		Context:       eventContext(ev, title, loc),
	}
}

func priorityFor(ev model.Event, opts DraftOptions) model.Priority {
	text := strings.ToLower(ev.Title + " " + ev.Description)
	for _, kws := range [][]string{opts.UrgentKeywords, opts.ImportantKeywords} {
		for _, kw := range kws {
			if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
				return model.PriorityHigh
			}
		}
	}
	return model.PriorityMedium
}

// eventContext joins the provenance fields with " | ". The original title
// always comes first under its label; the duplicate engine reads it back.
func eventContext(ev model.Event, title string, loc *time.Location) string {
	parts := []string{model.OriginalEventLabel + " " + title}
	if l := strings.TrimSpace(ev.Location); l != "" {
		parts = append(parts, l)
	}
	if ev.AllDay {
		parts = append(parts, "all-day")
	} else if !ev.Start.IsZero() {
		parts = append(parts, ev.Start.In(loc).Format("15:04")+"-"+ev.End.In(loc).Format("15:04"))
	}
	if ev.GuestCount > 0 {
		parts = append(parts, fmt.Sprintf("guests: %d", ev.GuestCount))
	}
	if d := strings.TrimSpace(ev.Description); d != "" {
		parts = append(parts, truncate(strings.Join(strings.Fields(d), " "), descriptionLimit))
	}
	return strings.Join(parts, " | ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
