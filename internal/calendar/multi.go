package calendar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"caltasks/internal/model"
)

// Multi combines several stores, routing per-calendar calls to the store
// that listed the calendar. The first store wins on duplicate IDs.
type Multi struct {
	stores []Store

	mu    sync.Mutex
	route map[string]Store
}

func NewMulti(stores ...Store) *Multi {
	return &Multi{stores: stores, route: make(map[string]Store)}
}

// ListCalendars lists every store. A failing store is skipped as long as at
// least one other store answers.
func (m *Multi) ListCalendars(ctx context.Context) ([]Calendar, error) {
	var (
		out  []Calendar
		errs []error
	)
	route := make(map[string]Store)
	for _, s := range m.stores {
		cals, err := s.ListCalendars(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, c := range cals {
			if _, dup := route[c.ID]; dup {
				continue
			}
			route[c.ID] = s
			out = append(out, c)
		}
	}
	if len(out) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	m.mu.Lock()
	m.route = route
	m.mu.Unlock()
	return out, nil
}

func (m *Multi) storeFor(ctx context.Context, calendarID string) (Store, error) {
	m.mu.Lock()
	s, ok := m.route[calendarID]
	m.mu.Unlock()
	if ok {
		return s, nil
	}
	if _, err := m.ListCalendars(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.route[calendarID]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("calendar %s: %w", calendarID, ErrNotFound)
}

func (m *Multi) ListEvents(ctx context.Context, calendarID string, start, end time.Time) ([]model.Event, error) {
	s, err := m.storeFor(ctx, calendarID)
	if err != nil {
		return nil, err
	}
	return s.ListEvents(ctx, calendarID, start, end)
}

func (m *Multi) GetEvent(ctx context.Context, calendarID, eventID string) (model.Event, error) {
	s, err := m.storeFor(ctx, calendarID)
	if err != nil {
		return model.Event{}, err
	}
	return s.GetEvent(ctx, calendarID, eventID)
}

func (m *Multi) RenameEvent(ctx context.Context, calendarID, eventID, title string) error {
	s, err := m.storeFor(ctx, calendarID)
	if err != nil {
		return err
	}
	return s.RenameEvent(ctx, calendarID, eventID, title)
}
