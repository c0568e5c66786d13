// Package tracker records processed events and messages in the execution
// record store. It stands in for the title marker on calendars that cannot
// be written, and for messages, which carry no marker at all.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"caltasks/internal/kvstore"
	appLog "caltasks/internal/log"
	"caltasks/internal/model"
)

const (
	prefix      = "tracker:"
	eventPrefix = prefix + "event:"
	mailPrefix  = prefix + "mail:"
)

// Entry reasons with special meaning. Other reasons are free text.
const (
	// ReasonReadOnly marks an event whose calendar refuses title edits; the
	// entry is its permanent processed record.
	ReasonReadOnly = "read_only"
	// ReasonUnmarked marks an event whose task exists but whose mark has not
	// been written yet.
	ReasonUnmarked = "unmarked"
)

// Entry is the stored value of a tracker key.
type Entry struct {
	Recorded time.Time `json:"recorded"`
	Title    string    `json:"title,omitempty"`
	TaskID   string    `json:"task_id,omitempty"`
	// Reason says why the entry exists, e.g. "unmarked" or "processed".
	Reason string `json:"reason,omitempty"`
}

// PendingMark reports whether the event behind e still needs its calendar
// mark. Only read-only entries stand in for the mark for good.
func (e Entry) PendingMark() bool {
	return e.Reason != ReasonReadOnly
}

type Tracker struct {
	kv  kvstore.Store
	loc *time.Location
	now func() time.Time
}

func New(kv kvstore.Store, loc *time.Location) *Tracker {
	if loc == nil {
		loc = time.Local
	}
	return &Tracker{kv: kv, loc: loc, now: time.Now}
}

// SetClock replaces the time source.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// EventKey includes the instance date so recurring instances are tracked
// separately.
func (t *Tracker) EventKey(ev model.Event) string {
	return fmt.Sprintf("%s%s:%s:%s", eventPrefix, ev.CalendarID, ev.ID, ev.Date(t.loc))
}

func MessageKey(id string) string {
	return mailPrefix + id
}

func (t *Tracker) RecordEvent(ctx context.Context, ev model.Event, taskID, reason string) error {
	return t.put(ctx, t.EventKey(ev), Entry{Title: ev.Title, TaskID: taskID, Reason: reason})
}

// IsEventTracked fails open: a store error reports false so the event is
// looked at again.
func (t *Tracker) IsEventTracked(ctx context.Context, ev model.Event) bool {
	return t.has(ctx, t.EventKey(ev))
}

// EventEntry returns the entry for ev. Like IsEventTracked it fails open.
func (t *Tracker) EventEntry(ctx context.Context, ev model.Event) (Entry, bool) {
	key := t.EventKey(ev)
	raw, ok, err := t.kv.Get(ctx, key)
	if err != nil {
		appLog.Warn("tracker lookup failed", "key", key, "err", err)
		return Entry{}, false
	}
	if !ok {
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		// Keep blocking re-creation; the mark is retried.
		appLog.Warn("tracker entry unreadable", "key", key, "err", err)
		return Entry{Reason: ReasonUnmarked}, true
	}
	return e, true
}

// IsEventSettled reports whether ev needs no further work: it is tracked
// and its entry does not wait for a mark.
func (t *Tracker) IsEventSettled(ctx context.Context, ev model.Event) bool {
	e, ok := t.EventEntry(ctx, ev)
	return ok && !e.PendingMark()
}

// ForgetEvent drops the entry so the next run looks at the event again.
func (t *Tracker) ForgetEvent(ctx context.Context, ev model.Event) error {
	return t.kv.Delete(ctx, t.EventKey(ev))
}

func (t *Tracker) RecordMessage(ctx context.Context, id, subject string) error {
	return t.put(ctx, MessageKey(id), Entry{Title: subject, Reason: "processed"})
}

func (t *Tracker) IsMessageTracked(ctx context.Context, id string) bool {
	return t.has(ctx, MessageKey(id))
}

func (t *Tracker) put(ctx context.Context, key string, e Entry) error {
	e.Recorded = t.now().UTC()
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := t.kv.Set(ctx, key, string(raw)); err != nil {
		return fmt.Errorf("record %s: %w", key, err)
	}
	return nil
}

func (t *Tracker) has(ctx context.Context, key string) bool {
	_, ok, err := t.kv.Get(ctx, key)
	if err != nil {
		appLog.Warn("tracker lookup failed", "key", key, "err", err)
		return false
	}
	return ok
}

// Cleanup deletes entries recorded before now-olderThan and returns how many
// were removed. Unreadable entries are removed too.
func (t *Tracker) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	keys, err := t.kv.List(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("list tracker keys: %w", err)
	}
	cutoff := t.now().Add(-olderThan)
	removed := 0
	for _, key := range keys {
		raw, ok, err := t.kv.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err == nil && !e.Recorded.Before(cutoff) {
			continue
		}
		if err := t.kv.Delete(ctx, key); err != nil {
			return removed, fmt.Errorf("delete %s: %w", key, err)
		}
		removed++
	}
	if removed > 0 {
		appLog.Info("tracker cleanup", "removed", removed, "kept", len(keys)-removed)
	}
	return removed, nil
}

// Count returns the number of tracked events and messages.
func (t *Tracker) Count(ctx context.Context) (events, messages int, err error) {
	keys, err := t.kv.List(ctx, prefix)
	if err != nil {
		return 0, 0, err
	}
	for _, k := range keys {
		if strings.HasPrefix(k, eventPrefix) {
			events++
		} else if strings.HasPrefix(k, mailPrefix) {
			messages++
		}
	}
	return events, messages, nil
}
