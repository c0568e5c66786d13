package ics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caltasks/internal/calendar"
)

var feedBody = strings.Join([]string{
	"BEGIN:VCALENDAR",
	"VERSION:2.0",
	"PRODID:-//caltasks//test//EN",
	"BEGIN:VEVENT",
	"UID:sync-1",
	"DTSTAMP:20250301T000000Z",
	"DTSTART:20250310T010000Z",
	"DTEND:20250310T020000Z",
	"SUMMARY:Team Sync",
	"RRULE:FREQ=WEEKLY;COUNT=3",
	"END:VEVENT",
	"BEGIN:VEVENT",
	"UID:offsite-1",
	"DTSTAMP:20250301T000000Z",
	"DTSTART;VALUE=DATE:20250311",
	"DTEND;VALUE=DATE:20250312",
	"SUMMARY:Offsite",
	"LOCATION:HQ",
	"ATTENDEE:mailto:a@example.com",
	"ATTENDEE:mailto:b@example.com",
	"END:VEVENT",
	"END:VCALENDAR",
	"",
}, "\r\n")

func newFeedServer(t *testing.T) (*httptest.Server, *int32) {
	t.Helper()
	var full int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		atomic.AddInt32(&full, 1)
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(feedBody))
	}))
	t.Cleanup(srv.Close)
	return srv, &full
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	srv, full := newFeedServer(t)
	store := NewStore([]Feed{{ID: "team", Name: "Team", URL: srv.URL + "/private/team.ics"}}, Options{
		CacheDir: t.TempDir(),
		Location: tokyo,
		TTL:      time.Nanosecond,
	})

	t.Run("CalendarsAreReadOnly", func(t *testing.T) {
		cals, err := store.ListCalendars(ctx)
		require.NoError(t, err)
		require.Len(t, cals, 1)
		assert.True(t, cals[0].ReadOnly)
		assert.Equal(t, "Team", cals[0].Name)
	})

	t.Run("ExpandsRecurrence", func(t *testing.T) {
		start := time.Date(2025, 3, 9, 0, 0, 0, 0, tokyo)
		end := time.Date(2025, 3, 25, 23, 59, 59, 0, tokyo)
		events, err := store.ListEvents(ctx, "team", start, end)
		require.NoError(t, err)

		dates := map[string][]string{}
		for _, ev := range events {
			dates[ev.Title] = append(dates[ev.Title], ev.Date(tokyo))
		}
		assert.ElementsMatch(t, []string{"2025-03-10", "2025-03-17", "2025-03-24"}, dates["Team Sync"])
		assert.Equal(t, []string{"2025-03-11"}, dates["Offsite"])

		for _, ev := range events {
			if ev.Title == "Offsite" {
				assert.True(t, ev.AllDay)
				assert.Equal(t, 2, ev.GuestCount)
				assert.Equal(t, "HQ", ev.Location)
			}
		}
	})

	t.Run("WindowIsHalfOpen", func(t *testing.T) {
		titles := func(from, to int) []string {
			events, err := store.ListEvents(ctx, "team",
				time.Date(2025, 3, from, 0, 0, 0, 0, tokyo), time.Date(2025, 3, to, 0, 0, 0, 0, tokyo))
			require.NoError(t, err)
			var out []string
			for _, ev := range events {
				out = append(out, ev.Title+" "+ev.Date(tokyo))
			}
			return out
		}
		assert.Equal(t, []string{"Team Sync 2025-03-10"}, titles(9, 11), "an event starting at the window end is outside")
		assert.Empty(t, titles(12, 14), "an all-day event ending at the window start is outside")
		assert.Equal(t, []string{"Offsite 2025-03-11"}, titles(11, 12))
	})

	t.Run("GetEventByInstanceID", func(t *testing.T) {
		ev, err := store.GetEvent(ctx, "team", "sync-1@20250317T010000Z")
		require.NoError(t, err)
		assert.Equal(t, "Team Sync", ev.Title)
		assert.Equal(t, "2025-03-17", ev.Date(tokyo))

		_, err = store.GetEvent(ctx, "team", "sync-1@20250318T010000Z")
		assert.ErrorIs(t, err, calendar.ErrNotFound)
	})

	t.Run("RenameIsRejected", func(t *testing.T) {
		err := store.RenameEvent(ctx, "team", "sync-1@20250317T010000Z", "🤖 Team Sync")
		assert.ErrorIs(t, err, calendar.ErrReadOnly)
	})

	t.Run("ConditionalRefetch", func(t *testing.T) {
		assert.Equal(t, int32(1), atomic.LoadInt32(full), "later loads revalidate with ETag")
	})
}

func TestOverlaps(t *testing.T) {
	at := func(h int) time.Time { return time.Date(2025, 3, 12, h, 0, 0, 0, time.UTC) }
	tests := []struct {
		name       string
		start, end time.Time
		want       bool
	}{
		{"Inside", at(10), at(11), true},
		{"StraddlesStart", at(7), at(9), true},
		{"StraddlesEnd", at(17), at(19), true},
		{"EndsAtWindowStart", at(6), at(8), false},
		{"StartsAtWindowEnd", at(18), at(19), false},
		{"InstantAtWindowStart", at(8), at(8), true},
		{"InstantAtWindowEnd", at(18), at(18), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, overlaps(tt.start, tt.end, at(8), at(18)))
		})
	}
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://calendar.example.com/...(redacted)", redactURL("https://calendar.example.com/private/abc/basic.ics?token=x"))
	assert.Equal(t, "ics://...(redacted)", redactURL("not a url"))
}
