// Package calendar defines the event store the pipeline reads from and
// writes markers to, with an in-memory implementation and a router that
// combines several stores.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"caltasks/internal/model"
)

var (
	// ErrReadOnly is returned when a calendar does not accept title edits.
	ErrReadOnly = errors.New("calendar is read-only")
	// ErrNotFound is returned for unknown calendars or events.
	ErrNotFound = errors.New("not found")
)

// Calendar describes one calendar exposed by a store.
type Calendar struct {
	ID       string
	Name     string
	ReadOnly bool
}

// Store is the external event store. Recurring events are returned as
// individual instances.
type Store interface {
	ListCalendars(ctx context.Context) ([]Calendar, error)
	ListEvents(ctx context.Context, calendarID string, start, end time.Time) ([]model.Event, error)
	GetEvent(ctx context.Context, calendarID, eventID string) (model.Event, error)
	RenameEvent(ctx context.Context, calendarID, eventID, title string) error
}

// Overlaps reports whether ev meets the half-open window [start, end). An
// event without duration counts when its start lies inside the window.
func Overlaps(ev model.Event, start, end time.Time) bool {
	if !ev.End.After(ev.Start) {
		return !ev.Start.Before(start) && ev.Start.Before(end)
	}
	return ev.Start.Before(end) && ev.End.After(start)
}

// Memory is an in-process Store used by tests and dry runs.
type Memory struct {
	mu        sync.Mutex
	calendars []Calendar
	events    map[string]map[string]model.Event

	// Hooks for fault injection.
	ListErr   map[string]error
	RenameErr func(calendarID, eventID string, attempt int) error
	GetErr    func(calendarID, eventID string) error
	// DropRenames makes renames succeed without sticking.
	DropRenames int

	renameCalls map[string]int
}

func NewMemory() *Memory {
	return &Memory{
		events:      make(map[string]map[string]model.Event),
		ListErr:     make(map[string]error),
		renameCalls: make(map[string]int),
	}
}

// AddCalendar registers a calendar; re-adding replaces it.
func (m *Memory) AddCalendar(c Calendar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.calendars {
		if m.calendars[i].ID == c.ID {
			m.calendars[i] = c
			return
		}
	}
	m.calendars = append(m.calendars, c)
	if m.events[c.ID] == nil {
		m.events[c.ID] = make(map[string]model.Event)
	}
}

// AddEvent stores ev under its CalendarID, creating the calendar if needed.
func (m *Memory) AddEvent(ev model.Event) {
	m.mu.Lock()
	known := false
	for _, c := range m.calendars {
		if c.ID == ev.CalendarID {
			known = true
			break
		}
	}
	m.mu.Unlock()
	if !known {
		m.AddCalendar(Calendar{ID: ev.CalendarID, Name: ev.CalendarID})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.CalendarName == "" {
		for _, c := range m.calendars {
			if c.ID == ev.CalendarID {
				ev.CalendarName = c.Name
			}
		}
	}
	m.events[ev.CalendarID][ev.ID] = ev
}

// RenameCalls reports how many renames were attempted for an event.
func (m *Memory) RenameCalls(calendarID, eventID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.renameCalls[calendarID+"/"+eventID]
}

// Title returns the current stored title.
func (m *Memory) Title(calendarID, eventID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events[calendarID][eventID].Title
}

func (m *Memory) ListCalendars(_ context.Context) ([]Calendar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Calendar, len(m.calendars))
	copy(out, m.calendars)
	return out, nil
}

func (m *Memory) ListEvents(_ context.Context, calendarID string, start, end time.Time) ([]model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ListErr[calendarID]; err != nil {
		return nil, err
	}
	evs, ok := m.events[calendarID]
	if !ok {
		return nil, fmt.Errorf("calendar %s: %w", calendarID, ErrNotFound)
	}
	out := make([]model.Event, 0)
	for _, ev := range evs {
		if Overlaps(ev, start, end) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].ID < out[j].ID
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out, nil
}

func (m *Memory) GetEvent(_ context.Context, calendarID, eventID string) (model.Event, error) {
	if m.GetErr != nil {
		if err := m.GetErr(calendarID, eventID); err != nil {
			return model.Event{}, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[calendarID][eventID]
	if !ok {
		return model.Event{}, fmt.Errorf("event %s/%s: %w", calendarID, eventID, ErrNotFound)
	}
	return ev, nil
}

func (m *Memory) RenameEvent(_ context.Context, calendarID, eventID, title string) error {
	m.mu.Lock()
	key := calendarID + "/" + eventID
	m.renameCalls[key]++
	attempt := m.renameCalls[key]
	readOnly := false
	for _, c := range m.calendars {
		if c.ID == calendarID && c.ReadOnly {
			readOnly = true
		}
	}
	m.mu.Unlock()

	if readOnly {
		return fmt.Errorf("calendar %s: %w", calendarID, ErrReadOnly)
	}
	if m.RenameErr != nil {
		if err := m.RenameErr(calendarID, eventID, attempt); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[calendarID][eventID]
	if !ok {
		return fmt.Errorf("event %s/%s: %w", calendarID, eventID, ErrNotFound)
	}
	if m.DropRenames > 0 {
		m.DropRenames--
		return nil
	}
	ev.Title = title
	m.events[calendarID][eventID] = ev
	return nil
}
