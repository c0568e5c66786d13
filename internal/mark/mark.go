// Package mark writes and verifies the processed marker in event titles.
//
// The marker is the only processed flag that survives in the calendar, so a
// write is only trusted after a re-read shows it.
package mark

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"caltasks/internal/calendar"
	appLog "caltasks/internal/log"
	"caltasks/internal/model"
	"caltasks/internal/retry"
)

// ErrNotConfirmed is returned when every attempt wrote the title but no
// re-read showed the marker.
var ErrNotConfirmed = errors.New("marker not confirmed")

// IsMarked reports whether title carries the marker anywhere.
func IsMarked(ev model.Event) bool {
	return strings.Contains(ev.Title, model.Marker)
}

// StripMarker removes every marker occurrence and the space that followed a
// prefix marker.
func StripMarker(title string) string {
	out := strings.ReplaceAll(title, model.Marker+" ", "")
	out = strings.ReplaceAll(out, model.Marker, "")
	return strings.TrimSpace(out)
}

// Options tunes the write-verify loop. Zero values get defaults.
type Options struct {
	Attempts    int
	SettleDelay time.Duration
	// Backoff is the base of the linear backoff between attempts.
	Backoff time.Duration
	Sleep   retry.SleepFunc
}

// Controller marks events through a calendar.Store.
type Controller struct {
	store calendar.Store
	opts  Options
}

func NewController(store calendar.Store, opts Options) *Controller {
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = 500 * time.Millisecond
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.Sleep == nil {
		opts.Sleep = retry.Sleep
	}
	return &Controller{store: store, opts: opts}
}

// CheckMarked re-reads the live title. Any read failure yields false so the
// caller falls through to its other processed checks.
func (c *Controller) CheckMarked(ctx context.Context, ev model.Event) bool {
	live, err := c.store.GetEvent(ctx, ev.CalendarID, ev.ID)
	if err != nil {
		appLog.Debug("mark check failed; treating as unmarked", "event", ev.ID, "err", err)
		return false
	}
	return IsMarked(live)
}

// Mark prefixes the marker and confirms it by re-reading. An event that is
// already marked is returned unchanged. The returned event carries the live
// title on success.
func (c *Controller) Mark(ctx context.Context, ev model.Event) (model.Event, error) {
	policy := retry.Policy{
		Attempts: c.opts.Attempts,
		Backoff:  retry.LinearBackoff(c.opts.Backoff),
		Sleep:    c.opts.Sleep,
	}

	out := ev
	err := retry.Do(ctx, policy, func(attempt int) error {
		live, err := c.store.GetEvent(ctx, ev.CalendarID, ev.ID)
		if err != nil {
			if errors.Is(err, calendar.ErrNotFound) {
				return retry.Permanent(err)
			}
			return err
		}
		if IsMarked(live) {
			out = live
			return nil
		}

		if err := c.store.RenameEvent(ctx, ev.CalendarID, ev.ID, model.Marker+" "+live.Title); err != nil {
			appLog.Warn("mark write failed", "event", ev.ID, "attempt", attempt, "err", err)
			if errors.Is(err, calendar.ErrReadOnly) || errors.Is(err, calendar.ErrNotFound) {
				return retry.Permanent(err)
			}
			return err
		}
		if err := c.opts.Sleep(ctx, c.opts.SettleDelay); err != nil {
			return retry.Permanent(err)
		}

		check, err := c.store.GetEvent(ctx, ev.CalendarID, ev.ID)
		if err != nil {
			return err
		}
		if !IsMarked(check) {
			appLog.Warn("mark not visible after write", "event", ev.ID, "attempt", attempt)
			return ErrNotConfirmed
		}
		out = check
		return nil
	})
	if err != nil {
		return ev, fmt.Errorf("mark %s/%s after %d attempts: %w", ev.CalendarID, ev.ID, c.opts.Attempts, err)
	}
	return out, nil
}

// Unmark strips the marker, for tests and manual reprocessing.
func (c *Controller) Unmark(ctx context.Context, ev model.Event) (model.Event, error) {
	live, err := c.store.GetEvent(ctx, ev.CalendarID, ev.ID)
	if err != nil {
		return ev, fmt.Errorf("unmark %s: %w", ev.ID, err)
	}
	if !IsMarked(live) {
		return live, nil
	}
	title := StripMarker(live.Title)
	if err := c.store.RenameEvent(ctx, ev.CalendarID, ev.ID, title); err != nil {
		return live, fmt.Errorf("unmark %s: %w", ev.ID, err)
	}
	live.Title = title
	return live, nil
}

// Stats summarises a MarkMany batch.
type Stats struct {
	Total     int
	Processed int
	Skipped   int
	Errors    int
}

// MarkMany marks each event independently; one failure does not stop the
// batch.
func (c *Controller) MarkMany(ctx context.Context, events []model.Event) Stats {
	st := Stats{Total: len(events)}
	for _, ev := range events {
		if IsMarked(ev) {
			st.Skipped++
			continue
		}
		if _, err := c.Mark(ctx, ev); err != nil {
			appLog.Error("batch mark failed", err, "event", ev.ID)
			st.Errors++
			continue
		}
		st.Processed++
	}
	return st
}
