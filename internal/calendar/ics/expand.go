package ics

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	appLog "caltasks/internal/log"
	"caltasks/internal/model"
)

// maxInstancesPerEvent caps expansion of unbounded rules.
const maxInstancesPerEvent = 5000

// expand turns parsed VEVENTs into concrete instances overlapping
// [start, end). Overrides (RECURRENCE-ID) replace the instance they point at
// and cancelled instances are dropped.
func expand(cal string, name string, events []vevent, start, end time.Time, loc *time.Location) ([]model.Event, error) {
	if end.Before(start) {
		return nil, errors.New("expand: end is before start")
	}

	base := make(map[string][]vevent)
	overrides := make(map[string][]vevent)
	for _, ev := range events {
		if ev.Recurrence != nil {
			overrides[ev.UID] = append(overrides[ev.UID], ev)
		} else {
			base[ev.UID] = append(base[ev.UID], ev)
		}
	}

	out := make([]model.Event, 0)
	for uid, evs := range base {
		for _, ev := range evs {
			if ev.RRule == "" {
				if overlaps(ev.Start, ev.End, start, end) && !ev.Cancelled {
					out = append(out, instance(cal, name, ev, ev.Start, ev.End, loc))
				}
				continue
			}
			instances, truncated := expandRecurring(cal, name, ev, overrides[uid], start, end, loc)
			if truncated {
				appLog.Warn("ics expansion truncated", "calendar", cal, "uid", uid, "cap", maxInstancesPerEvent)
			}
			out = append(out, instances...)
		}
	}
	return out, nil
}

func expandRecurring(cal, name string, ev vevent, overrides []vevent, start, end time.Time, loc *time.Location) ([]model.Event, bool) {
	r, err := rrule.StrToRRule(ev.RRule)
	if err != nil {
		appLog.Error("ics rrule parse failed", err, "calendar", cal, "uid", ev.UID, "rrule", ev.RRule)
		return nil, false
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	dur := ev.End.Sub(ev.Start)
	// Widen by the duration so instances that started before the window
	// but are still running are included.
	starts := set.Between(start.Add(-dur).In(ev.Start.Location()), end.In(ev.Start.Location()), true)
	truncated := false
	if len(starts) > maxInstancesPerEvent {
		starts = starts[:maxInstancesPerEvent]
		truncated = true
	}

	out := make([]model.Event, 0, len(starts))
	for _, s := range starts {
		inst := ev
		instStart, instEnd := s, s.Add(dur)
		if o, ok := findOverride(overrides, s); ok {
			inst = o
			instStart, instEnd = o.Start, o.End
		}
		if inst.Cancelled || !overlaps(instStart, instEnd, start, end) {
			continue
		}
		out = append(out, instance(cal, name, inst, instStart, instEnd, loc))
	}
	return out, truncated
}

func findOverride(overrides []vevent, at time.Time) (vevent, bool) {
	for _, o := range overrides {
		if o.Recurrence != nil && o.Recurrence.Equal(at) {
			return o, true
		}
	}
	return vevent{}, false
}

func instance(cal, name string, ev vevent, start, end time.Time, loc *time.Location) model.Event {
	if !ev.AllDay {
		start, end = start.In(loc), end.In(loc)
	}
	return model.Event{
		ID:           instanceID(ev.UID, start),
		CalendarID:   cal,
		CalendarName: name,
		Title:        ev.Summary,
		Start:        start,
		End:          end,
		AllDay:       ev.AllDay,
		Location:     ev.Location,
		Description:  ev.Description,
		GuestCount:   ev.Attendees,
	}
}

// instanceID is stable per occurrence: the UID plus the UTC start.
func instanceID(uid string, start time.Time) string {
	return uid + "@" + start.UTC().Format("20060102T150405Z")
}

// overlaps reports whether [aStart, aEnd) meets the window [bStart, bEnd).
// A zero-length event counts when its instant falls inside the window.
func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	if !aEnd.After(aStart) {
		return !aStart.Before(bStart) && aStart.Before(bEnd)
	}
	return aStart.Before(bEnd) && aEnd.After(bStart)
}
