// Package google implements calendar.Store on the Google Calendar API.
package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"caltasks/internal/calendar"
	"caltasks/internal/model"
)

// Store reads and renames events through the Calendar API. Recurring events
// are requested as single instances, so each instance has its own ID and
// title.
type Store struct {
	svc *gcal.Service
	loc *time.Location
	// only restricts ListCalendars when non-empty.
	only map[string]bool
}

// New creates a Store. calendarIDs limits which calendars are scanned; an
// empty list means every calendar on the user's list.
func New(ctx context.Context, loc *time.Location, calendarIDs []string, opts ...option.ClientOption) (*Store, error) {
	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	if loc == nil {
		loc = time.Local
	}
	only := make(map[string]bool, len(calendarIDs))
	for _, id := range calendarIDs {
		only[id] = true
	}
	return &Store{svc: svc, loc: loc, only: only}, nil
}

func (s *Store) ListCalendars(ctx context.Context) ([]calendar.Calendar, error) {
	out := make([]calendar.Calendar, 0)
	pageToken := ""
	for {
		call := s.svc.CalendarList.List().Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		list, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("list calendars: %w", err)
		}
		for _, item := range list.Items {
			if len(s.only) > 0 && !s.only[item.Id] {
				continue
			}
			out = append(out, calendar.Calendar{
				ID:       item.Id,
				Name:     item.Summary,
				ReadOnly: item.AccessRole == "reader" || item.AccessRole == "freeBusyReader",
			})
		}
		if list.NextPageToken == "" {
			break
		}
		pageToken = list.NextPageToken
	}
	return out, nil
}

func (s *Store) ListEvents(ctx context.Context, calendarID string, start, end time.Time) ([]model.Event, error) {
	out := make([]model.Event, 0)
	pageToken := ""
	for {
		call := s.svc.Events.List(calendarID).
			Context(ctx).
			TimeMin(start.Format(time.RFC3339)).
			TimeMax(end.Format(time.RFC3339)).
			SingleEvents(true).
			OrderBy("startTime").
			MaxResults(250)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		events, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("list events %s: %w", calendarID, wrapAPIError(err))
		}
		for _, item := range events.Items {
			if item.Status == "cancelled" {
				continue
			}
			ev, err := s.toEvent(calendarID, item)
			if err != nil {
				continue
			}
			out = append(out, ev)
		}
		if events.NextPageToken == "" {
			break
		}
		pageToken = events.NextPageToken
	}
	return out, nil
}

func (s *Store) GetEvent(ctx context.Context, calendarID, eventID string) (model.Event, error) {
	item, err := s.svc.Events.Get(calendarID, eventID).Context(ctx).Do()
	if err != nil {
		return model.Event{}, fmt.Errorf("get event %s: %w", eventID, wrapAPIError(err))
	}
	return s.toEvent(calendarID, item)
}

// RenameEvent patches only the summary so concurrent edits to other fields
// by the owner are kept.
func (s *Store) RenameEvent(ctx context.Context, calendarID, eventID, title string) error {
	_, err := s.svc.Events.Patch(calendarID, eventID, &gcal.Event{Summary: title}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("rename event %s: %w", eventID, wrapAPIError(err))
	}
	return nil
}

func (s *Store) toEvent(calendarID string, item *gcal.Event) (model.Event, error) {
	start, allDay, err := parseEventTime(item.Start, s.loc)
	if err != nil {
		return model.Event{}, err
	}
	end, _, err := parseEventTime(item.End, s.loc)
	if err != nil {
		end = start
	}
	return model.Event{
		ID:          item.Id,
		CalendarID:  calendarID,
		Title:       item.Summary,
		Start:       start,
		End:         end,
		AllDay:      allDay,
		Location:    item.Location,
		Description: item.Description,
		GuestCount:  len(item.Attendees),
	}, nil
}

func parseEventTime(t *gcal.EventDateTime, loc *time.Location) (time.Time, bool, error) {
	if t == nil {
		return time.Time{}, false, errors.New("missing event time")
	}
	if t.DateTime != "" {
		v, err := time.Parse(time.RFC3339, t.DateTime)
		return v, false, err
	}
	if t.Date != "" {
		v, err := time.ParseInLocation(model.DateLayout, t.Date, loc)
		return v, true, err
	}
	return time.Time{}, false, errors.New("empty event time")
}

// wrapAPIError maps API status codes onto calendar sentinels.
func wrapAPIError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusNotFound, http.StatusGone:
			return fmt.Errorf("%w: %v", calendar.ErrNotFound, err)
		case http.StatusForbidden:
			for _, item := range gerr.Errors {
				if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
					return err
				}
			}
			return fmt.Errorf("%w: %v", calendar.ErrReadOnly, err)
		}
	}
	return err
}
