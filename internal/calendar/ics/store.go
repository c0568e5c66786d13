// Package ics exposes ICS subscriptions as read-only calendars. Markers
// cannot be written back, so events from these calendars are remembered by
// the fallback tracker instead.
package ics

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"caltasks/internal/calendar"
	"caltasks/internal/model"
)

// Store implements calendar.Store over a fixed list of feeds.
type Store struct {
	feeds   []Feed
	fetcher *Fetcher
	loc     *time.Location
	ttl     time.Duration
	now     func() time.Time

	mu     sync.Mutex
	parsed map[string]parsedFeed
}

type parsedFeed struct {
	events    []vevent
	fetchedAt time.Time
}

// Options configures a Store. Zero values are replaced with defaults.
type Options struct {
	CacheDir   string
	HTTPClient *http.Client
	Location   *time.Location
	// TTL bounds how long a parsed feed is reused within one process.
	TTL time.Duration
}

func NewStore(feeds []Feed, opts Options) *Store {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Minute
	}
	clean := make([]Feed, 0, len(feeds))
	for _, f := range feeds {
		if f.URL == "" {
			continue
		}
		if f.ID == "" {
			f.ID = f.Name
		}
		if f.ID == "" {
			f.ID = f.URL
		}
		if f.Name == "" {
			f.Name = f.ID
		}
		clean = append(clean, f)
	}
	return &Store{
		feeds:   clean,
		fetcher: NewFetcher(opts.CacheDir, opts.HTTPClient),
		loc:     opts.Location,
		ttl:     opts.TTL,
		now:     time.Now,
		parsed:  make(map[string]parsedFeed),
	}
}

func (s *Store) ListCalendars(_ context.Context) ([]calendar.Calendar, error) {
	out := make([]calendar.Calendar, 0, len(s.feeds))
	for _, f := range s.feeds {
		out = append(out, calendar.Calendar{ID: f.ID, Name: f.Name, ReadOnly: true})
	}
	return out, nil
}

func (s *Store) ListEvents(ctx context.Context, calendarID string, start, end time.Time) ([]model.Event, error) {
	feed, ok := s.feed(calendarID)
	if !ok {
		return nil, fmt.Errorf("calendar %s: %w", calendarID, calendar.ErrNotFound)
	}
	events, err := s.load(ctx, feed)
	if err != nil {
		return nil, err
	}
	return expand(feed.ID, feed.Name, events, start, end, s.loc)
}

// GetEvent re-reads a single instance. The instance start is encoded in its
// ID, so only a one-day window around it is expanded.
func (s *Store) GetEvent(ctx context.Context, calendarID, eventID string) (model.Event, error) {
	at := strings.LastIndex(eventID, "@")
	if at < 0 {
		return model.Event{}, fmt.Errorf("event %s: %w", eventID, calendar.ErrNotFound)
	}
	startUTC, err := time.Parse("20060102T150405Z", eventID[at+1:])
	if err != nil {
		return model.Event{}, fmt.Errorf("event %s: %w", eventID, calendar.ErrNotFound)
	}
	events, err := s.ListEvents(ctx, calendarID, startUTC.Add(-24*time.Hour), startUTC.Add(24*time.Hour))
	if err != nil {
		return model.Event{}, err
	}
	for _, ev := range events {
		if ev.ID == eventID {
			return ev, nil
		}
	}
	return model.Event{}, fmt.Errorf("event %s: %w", eventID, calendar.ErrNotFound)
}

func (s *Store) RenameEvent(_ context.Context, calendarID, _, _ string) error {
	return fmt.Errorf("ics calendar %s: %w", calendarID, calendar.ErrReadOnly)
}

func (s *Store) feed(id string) (Feed, bool) {
	for _, f := range s.feeds {
		if f.ID == id {
			return f, true
		}
	}
	return Feed{}, false
}

func (s *Store) load(ctx context.Context, feed Feed) ([]vevent, error) {
	s.mu.Lock()
	cached, ok := s.parsed[feed.ID]
	s.mu.Unlock()
	if ok && s.now().Sub(cached.fetchedAt) < s.ttl {
		return cached.events, nil
	}

	body, _, err := s.fetcher.Fetch(ctx, feed)
	if err != nil {
		return nil, err
	}
	events, err := parseFeed(feed.ID, body, s.loc)
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", feed.ID, err)
	}

	s.mu.Lock()
	s.parsed[feed.ID] = parsedFeed{events: events, fetchedAt: s.now()}
	s.mu.Unlock()
	return events, nil
}
