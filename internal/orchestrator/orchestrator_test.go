package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caltasks/internal/calendar"
	"caltasks/internal/dedup"
	"caltasks/internal/kvstore"
	"caltasks/internal/mail"
	"caltasks/internal/mark"
	"caltasks/internal/model"
	"caltasks/internal/pipeline"
	"caltasks/internal/retry"
	"caltasks/internal/semantic"
	"caltasks/internal/taskrepo"
	"caltasks/internal/tracker"
)

var tokyo = time.FixedZone("JST", 9*3600)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	cal     *calendar.Memory
	repo    *taskrepo.Memory
	kv      *kvstore.Memory
	tracker *tracker.Tracker
	clock   *clock
	deps    Deps
	opts    Options
	ids     int
}

// newFixture starts the clock at 2025-03-12 09:00 JST, so the default
// seven-day window is 2025-03-06 .. 2025-03-12.
func newFixture() *fixture {
	f := &fixture{
		cal:   calendar.NewMemory(),
		repo:  taskrepo.NewMemory(),
		kv:    kvstore.NewMemory(),
		clock: &clock{t: time.Date(2025, 3, 12, 9, 0, 0, 0, tokyo)},
	}
	f.repo.SetClock(f.clock.Now)
	f.tracker = tracker.New(f.kv, tokyo)
	f.tracker.SetClock(f.clock.Now)

	repo := taskrepo.NewAdapter(f.repo)
	marker := mark.NewController(f.cal, mark.Options{Sleep: retry.NoSleep})
	f.deps = Deps{
		KV:       f.kv,
		Calendar: f.cal,
		Repo:     repo,
		Marker:   marker,
		Tracker:  f.tracker,
		Pipeline: pipeline.New(pipeline.Deps{
			Calendar: f.cal,
			Repo:     repo,
			Marker:   marker,
			Dedup:    dedup.New(dedup.Options{}),
			Tracker:  f.tracker,
		}, pipeline.Options{Location: tokyo, Sleep: retry.NoSleep, Now: f.clock.Now}),
	}
	f.opts = Options{
		Location: tokyo,
		BackDays: 7,
		Now:      f.clock.Now,
		Sleep:    retry.NoSleep,
		NewID: func() string {
			f.ids++
			return fmt.Sprintf("run-%d", f.ids)
		},
	}
	return f
}

func (f *fixture) orchestrator() *Orchestrator {
	return New(f.deps, f.opts)
}

func (f *fixture) holdLock(t *testing.T, kind Kind, id string, started time.Time) {
	t.Helper()
	raw, err := json.Marshal(lockValue{ID: id, Started: started.UTC()})
	require.NoError(t, err)
	require.NoError(t, f.kv.Set(context.Background(), lockKey(kind), string(raw)))
}

func event(cal, id, title string, day int) model.Event {
	start := time.Date(2025, 3, day, 10, 0, 0, 0, tokyo)
	return model.Event{ID: id, CalendarID: cal, Title: title, Start: start, End: start.Add(time.Hour)}
}

func calendarTask(title, due string) model.Task {
	return model.Task{
		Title:   title + " (" + due + ")",
		Type:    model.TypeTask,
		Source:  model.SourceCalendar,
		DueDate: due,
	}
}

func countType(tasks []model.Task, typ model.TaskType) int {
	n := 0
	for _, task := range tasks {
		if task.Type == typ {
			n++
		}
	}
	return n
}

func TestRunPrimary(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.opts.WriteSummary = true
	f.cal.AddEvent(event("work", "sync", "Team Sync", 11))
	f.cal.AddEvent(event("work", "review", "Design review", 12))
	o := f.orchestrator()

	rep := o.RunPrimary(ctx)
	assert.True(t, rep.Success, rep.Errors)
	assert.Equal(t, "2025-03-06", rep.WindowStart)
	assert.Equal(t, "2025-03-12", rep.WindowEnd)
	assert.Equal(t, 4, rep.Segments)
	assert.Equal(t, 4, rep.SegmentsDone)
	assert.Zero(t, rep.SegmentsAbandoned)
	assert.Equal(t, 2, rep.Stats.Created)
	assert.Equal(t, 2, rep.Stats.Marked)
	require.NotNil(t, rep.Integrity)
	assert.True(t, rep.Integrity.Passed)
	assert.Equal(t, 2, rep.Integrity.Handled)

	tasks := f.repo.Tasks()
	assert.Equal(t, 2, countType(tasks, model.TypeTask))
	assert.Equal(t, 1, countType(tasks, model.TypeSummary))

	last, err := o.LastReport(ctx, KindPrimary)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, rep.RunID, last.RunID)
	assert.True(t, last.Success)

	counters, err := o.Counters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counters.Runs)
	assert.Equal(t, 1, counters.Successes)
	assert.Equal(t, 2, counters.TasksCreated)

	info, err := o.Lock(ctx, KindPrimary)
	require.NoError(t, err)
	assert.Nil(t, info, "lock must be released")

	t.Run("RerunCreatesNothing", func(t *testing.T) {
		f.clock.Advance(time.Hour)
		again := o.RunPrimary(ctx)
		assert.True(t, again.Success)
		assert.Zero(t, again.Stats.Created)
		assert.Equal(t, 2, again.Stats.SkippedMarked)
		assert.Equal(t, 2, countType(f.repo.Tasks(), model.TypeTask))
	})
}

func TestPrimaryLock(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.cal.AddEvent(event("work", "sync", "Team Sync", 11))
	o := f.orchestrator()
	f.holdLock(t, KindPrimary, "other", f.clock.Now().Add(-time.Minute))

	assert.True(t, o.Busy(ctx, KindPrimary))
	rep := o.RunPrimary(ctx)
	assert.True(t, rep.Locked)
	assert.False(t, rep.Success)
	assert.Contains(t, strings.Join(rep.Errors, "\n"), "already in progress")
	assert.Empty(t, f.repo.Tasks())

	last, err := o.LastReport(ctx, KindPrimary)
	require.NoError(t, err)
	assert.Nil(t, last, "skipped runs are not recorded")

	t.Run("StaleLockIsReplaced", func(t *testing.T) {
		f.clock.Advance(30 * time.Minute)
		assert.False(t, o.Busy(ctx, KindPrimary))

		rep := o.RunPrimary(ctx)
		assert.False(t, rep.Locked)
		assert.True(t, rep.Success, rep.Errors)
		assert.Equal(t, 1, rep.Stats.Created)

		info, err := o.Lock(ctx, KindPrimary)
		require.NoError(t, err)
		assert.Nil(t, info)
	})

	t.Run("UnreadableLockIsReplaced", func(t *testing.T) {
		require.NoError(t, f.kv.Set(ctx, lockKey(KindPrimary), "garbage"))
		rep := o.RunPrimary(ctx)
		assert.False(t, rep.Locked)
		assert.True(t, rep.Success)
	})
}

func TestKindsLockIndependently(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	o := f.orchestrator()
	f.holdLock(t, KindPrimary, "other", f.clock.Now())

	out := o.Repair(ctx, 3)
	assert.Equal(t, 3, out.Days)

	last, err := o.LastReport(ctx, KindRepair)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, last.Success)
}

func TestTimeBudgetAbandonsSegments(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.cal.AddEvent(event("work", "early", "Kickoff meeting", 6))
	f.cal.AddEvent(event("work", "late", "Retrospective", 12))
	// Each pause between segments costs three minutes of the five-minute
	// budget.
	f.opts.Sleep = func(context.Context, time.Duration) error {
		f.clock.Advance(3 * time.Minute)
		return nil
	}
	o := f.orchestrator()

	rep := o.RunPrimary(ctx)
	assert.Equal(t, 4, rep.Segments)
	assert.Equal(t, 2, rep.SegmentsDone)
	assert.Equal(t, 2, rep.SegmentsAbandoned)
	assert.Contains(t, strings.Join(rep.Warnings, "\n"), "time budget exhausted")
	assert.Equal(t, 1, rep.Stats.Created)

	require.NotNil(t, rep.Integrity)
	assert.Equal(t, 1, rep.Integrity.Unhandled)
	assert.False(t, rep.Integrity.Passed)
	assert.False(t, rep.Success)
}

func TestCancelledRunStopsBetweenSegments(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newFixture()
	f.opts.Sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}
	o := f.orchestrator()

	rep := o.RunPrimary(ctx)
	assert.Equal(t, 1, rep.SegmentsDone)
	assert.Equal(t, 3, rep.SegmentsAbandoned)

	// The record is written even though the run context is gone.
	last, err := o.LastReport(context.Background(), KindPrimary)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, rep.RunID, last.RunID)
}

func TestPrecheckFailureAborts(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.cal.AddEvent(event("work", "sync", "Team Sync", 11))
	f.repo.PingErr = errors.New("repository unreachable")
	o := f.orchestrator()

	rep := o.RunPrimary(ctx)
	assert.False(t, rep.Success)
	assert.Zero(t, rep.Segments)
	assert.Contains(t, strings.Join(rep.Errors, "\n"), "precheck failed")
	assert.Empty(t, f.repo.Tasks())
	assert.Equal(t, "Team Sync", f.cal.Title("work", "sync"))

	counters, err := o.Counters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counters.Failures)
}

func TestCreatedButUnmarkedIsReconciled(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	teamSync := event("work", "sync", "Team Sync", 11)
	f.cal.AddEvent(teamSync)
	f.cal.RenameErr = func(string, string, int) error { return errors.New("backend error") }
	o := f.orchestrator()

	rep := o.RunPrimary(ctx)
	assert.Equal(t, 1, rep.Stats.Created)
	assert.Equal(t, 1, rep.Stats.CreatedUnmarked)
	require.NotNil(t, rep.Integrity)
	assert.Equal(t, 1, rep.Integrity.Unhandled, "a pending mark is still unhandled")
	assert.False(t, rep.Integrity.Passed)
	assert.False(t, rep.Success)

	t.Run("NextRunDoesNotDuplicate", func(t *testing.T) {
		again := o.RunPrimary(ctx)
		assert.Zero(t, again.Stats.Created)
		assert.Equal(t, 1, again.Stats.SkippedTracked)
		assert.False(t, again.Success, "the mark is still missing")
		assert.Len(t, f.repo.Tasks(), 1)
	})

	t.Run("RepairWritesMark", func(t *testing.T) {
		f.cal.RenameErr = nil
		rr := o.Repair(ctx, 3)
		assert.Equal(t, 1, rr.Unmarked)
		assert.Equal(t, 1, rr.Repaired)
		assert.Zero(t, rr.Failed)
		assert.Equal(t, "🤖 Team Sync", f.cal.Title("work", "sync"))
		assert.False(t, f.tracker.IsEventTracked(ctx, teamSync))

		again := o.RunPrimary(ctx)
		assert.True(t, again.Success, again.Errors)
		assert.Equal(t, 1, again.Stats.SkippedMarked)
		assert.Len(t, f.repo.Tasks(), 1)
	})
}

func TestPendingMarkHealedByNextRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.cal.AddEvent(event("work", "sync", "Team Sync", 11))
	f.cal.RenameErr = func(string, string, int) error { return errors.New("backend error") }
	o := f.orchestrator()
	require.False(t, o.RunPrimary(ctx).Success)

	f.cal.RenameErr = nil
	rep := o.RunPrimary(ctx)
	assert.True(t, rep.Success, rep.Errors)
	assert.Equal(t, 1, rep.Stats.Healed)
	assert.Zero(t, rep.Stats.Created)
	assert.Equal(t, "🤖 Team Sync", f.cal.Title("work", "sync"))
	assert.Len(t, f.repo.Tasks(), 1)
}

func TestDryRunPrimary(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.opts.DryRun = true
	f.opts.WriteSummary = true
	f.deps.Pipeline = pipeline.New(pipeline.Deps{
		Calendar: f.cal,
		Repo:     f.deps.Repo,
		Marker:   f.deps.Marker,
		Dedup:    dedup.New(dedup.Options{}),
		Tracker:  f.tracker,
	}, pipeline.Options{Location: tokyo, Sleep: retry.NoSleep, DryRun: true})
	f.cal.AddEvent(event("work", "sync", "Team Sync", 11))

	rep := f.orchestrator().RunPrimary(ctx)
	assert.True(t, rep.Success)
	assert.Equal(t, 1, rep.Stats.Planned)
	assert.Empty(t, f.repo.Tasks())
	assert.Equal(t, "Team Sync", f.cal.Title("work", "sync"))
}

func TestPanicIsRecorded(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.deps.Pipeline = nil
	o := f.orchestrator()

	var rep Report
	require.NotPanics(t, func() { rep = o.RunPrimary(ctx) })
	assert.False(t, rep.Success)
	assert.Contains(t, strings.Join(rep.Errors, "\n"), "panic")

	info, err := o.Lock(ctx, KindPrimary)
	require.NoError(t, err)
	assert.Nil(t, info, "lock must be released after a panic")

	last, err := o.LastReport(ctx, KindPrimary)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.False(t, last.Success)
}

func TestHistoryIsBounded(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.opts.HistorySize = 2
	o := f.orchestrator()

	for i := 0; i < 3; i++ {
		o.RunPrimary(ctx)
		f.clock.Advance(time.Minute)
	}
	hist, err := o.History(ctx, KindPrimary)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "run-3", hist[0].RunID)
	assert.Equal(t, "run-2", hist[1].RunID)
}

func TestBackupCheck(t *testing.T) {
	ctx := context.Background()

	t.Run("NoPrimaryRunsPrimary", func(t *testing.T) {
		f := newFixture()
		f.cal.AddEvent(event("work", "sync", "Team Sync", 11))
		o := f.orchestrator()

		rep := o.BackupCheck(ctx)
		assert.Equal(t, ActionPrimary, rep.Action)
		assert.True(t, rep.Success, rep.Errors)
		assert.Equal(t, 1, rep.Stats.Created)

		primary, err := o.LastReport(ctx, KindPrimary)
		require.NoError(t, err)
		require.NotNil(t, primary)
		backup, err := o.LastReport(ctx, KindBackup)
		require.NoError(t, err)
		require.NotNil(t, backup)
		assert.Equal(t, ActionPrimary, backup.Action)
	})

	t.Run("StalePrimaryRunsPrimary", func(t *testing.T) {
		f := newFixture()
		o := f.orchestrator()
		require.True(t, o.RunPrimary(ctx).Success)
		f.clock.Advance(16 * time.Hour)

		rep := o.BackupCheck(ctx)
		assert.Equal(t, ActionPrimary, rep.Action)
	})

	t.Run("UnmarkedEventWithTaskIsRepaired", func(t *testing.T) {
		f := newFixture()
		o := f.orchestrator()
		require.True(t, o.RunPrimary(ctx).Success)

		// The task was filed but the mark never landed.
		f.cal.AddEvent(event("work", "standup", "Standup", 12))
		f.repo.Seed(calendarTask("Standup", "2025-03-12"))
		f.clock.Advance(4 * time.Hour)

		rep := o.BackupCheck(ctx)
		assert.Equal(t, ActionReprocess, rep.Action)
		assert.True(t, rep.Success, rep.Errors)
		require.NotNil(t, rep.Repair)
		assert.Equal(t, 1, rep.Repair.Repaired)
		assert.Equal(t, "🤖 Standup", f.cal.Title("work", "standup"))
		assert.Zero(t, rep.Stats.Created)
		assert.Len(t, f.repo.Tasks(), 1)
	})

	t.Run("PendingMarkIsRepaired", func(t *testing.T) {
		f := newFixture()
		f.cal.AddEvent(event("work", "sync", "Team Sync", 11))
		f.cal.RenameErr = func(string, string, int) error { return errors.New("backend error") }
		o := f.orchestrator()
		require.False(t, o.RunPrimary(ctx).Success)

		f.cal.RenameErr = nil
		rep := o.BackupCheck(ctx)
		assert.Equal(t, ActionReprocess, rep.Action)
		require.NotNil(t, rep.Repair)
		assert.Equal(t, 1, rep.Repair.Repaired)
		assert.True(t, rep.Success, rep.Errors)
		assert.Equal(t, "🤖 Team Sync", f.cal.Title("work", "sync"))
		assert.Len(t, f.repo.Tasks(), 1)
	})

	t.Run("NoiseIsIgnored", func(t *testing.T) {
		f := newFixture()
		f.opts.NoisePatterns = []string{"ランチ", "lunch"}
		o := f.orchestrator()
		require.True(t, o.RunPrimary(ctx).Success)

		f.cal.AddEvent(event("work", "lunch", "Lunch with team", 12))
		f.cal.AddEvent(event("work", "lunch-jp", "チームランチ会", 12))
		f.cal.AddEvent(event("work", "short", "MTG", 12))

		rep := o.BackupCheck(ctx)
		assert.Equal(t, ActionNone, rep.Action)
		assert.True(t, rep.Success)
		assert.Nil(t, rep.Repair)
		assert.Empty(t, f.repo.Tasks())
	})

	t.Run("FailedPrimaryIsReprocessed", func(t *testing.T) {
		f := newFixture()
		f.repo.PingErr = errors.New("repository unreachable")
		o := f.orchestrator()
		require.False(t, o.RunPrimary(ctx).Success)

		f.repo.PingErr = nil
		f.cal.AddEvent(event("work", "prep", "Release prep", 11))
		// Outside the three-day reprocess window.
		f.cal.AddEvent(event("work", "old", "Old review", 7))

		rep := o.BackupCheck(ctx)
		assert.Equal(t, ActionReprocess, rep.Action)
		assert.Equal(t, "2025-03-10", rep.WindowStart)
		assert.Equal(t, 1, rep.Stats.Created)
		assert.True(t, rep.Success, rep.Errors)
		assert.Equal(t, "Old review", f.cal.Title("work", "old"))
	})

	t.Run("BusyPrimarySkipsReprocess", func(t *testing.T) {
		f := newFixture()
		o := f.orchestrator()
		require.True(t, o.RunPrimary(ctx).Success)
		f.cal.AddEvent(event("work", "prep", "Release prep", 11))
		f.holdLock(t, KindPrimary, "other", f.clock.Now())

		rep := o.BackupCheck(ctx)
		assert.Equal(t, ActionReprocess, rep.Action)
		assert.False(t, rep.Success)
		assert.Contains(t, strings.Join(rep.Errors, "\n"), "reprocess skipped")
		assert.Empty(t, f.repo.Tasks())
	})
}

func TestRepair(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.cal.AddCalendar(calendar.Calendar{ID: "shared", Name: "Shared", ReadOnly: true})
	f.cal.AddEvent(event("work", "standup", "Standup", 12))
	f.cal.AddEvent(event("work", "vendor", "Vendor call", 11))
	f.cal.AddEvent(event("shared", "board", "Board meeting", 10))
	f.cal.AddEvent(event("work", "done", "🤖 Planning", 11))
	f.repo.Seed(calendarTask("Standup", "2025-03-12"), calendarTask("Board meeting", "2025-03-10"))
	o := f.orchestrator()

	rr := o.Repair(ctx, 3)
	assert.Equal(t, 3, rr.Days)
	assert.Equal(t, 4, rr.Scanned)
	assert.Equal(t, 3, rr.Unmarked)
	assert.Equal(t, 1, rr.Repaired)
	assert.Equal(t, 1, rr.Tracked)
	assert.Zero(t, rr.Failed)

	assert.Equal(t, "🤖 Standup", f.cal.Title("work", "standup"))
	assert.Equal(t, "Vendor call", f.cal.Title("work", "vendor"), "repair never creates tasks")
	assert.Len(t, f.repo.Tasks(), 2)

	board, err := f.cal.GetEvent(ctx, "shared", "board")
	require.NoError(t, err)
	assert.True(t, f.tracker.IsEventTracked(ctx, board))

	last, err := o.LastReport(ctx, KindRepair)
	require.NoError(t, err)
	require.NotNil(t, last)
	require.NotNil(t, last.Repair)
	assert.Equal(t, 1, last.Repair.Repaired)

	t.Run("SecondPassFindsNothing", func(t *testing.T) {
		again := o.Repair(ctx, 3)
		assert.Equal(t, 1, again.Unmarked)
		assert.Zero(t, again.Repaired)
		assert.Zero(t, again.Tracked)
	})
}

func TestHealthCheck(t *testing.T) {
	ctx := context.Background()

	t.Run("Healthy", func(t *testing.T) {
		f := newFixture()
		o := f.orchestrator()
		require.True(t, o.RunPrimary(ctx).Success)

		h := o.HealthCheck(ctx)
		assert.True(t, h.Healthy, h.Warnings)
		assert.Equal(t, 1.0, h.SuccessRate)

		saved, err := o.LastHealth(ctx)
		require.NoError(t, err)
		require.NotNil(t, saved)
		assert.Equal(t, h.RunID, saved.RunID)
	})

	t.Run("Unhealthy", func(t *testing.T) {
		f := newFixture()
		o := f.orchestrator()
		f.repo.PingErr = errors.New("repository unreachable")
		o.RunPrimary(ctx)
		f.holdLock(t, KindBackup, "stuck", f.clock.Now().Add(-time.Hour))

		ev := event("work", "x", "Old event", 1)
		require.NoError(t, f.tracker.RecordEvent(ctx, ev, "", "unmarked"))
		f.clock.Advance(31 * 24 * time.Hour)

		h := o.HealthCheck(ctx)
		assert.False(t, h.Healthy)
		assert.Equal(t, 1, h.TrackerRemoved)
		all := strings.Join(h.Warnings, "\n")
		assert.Contains(t, all, "success rate")
		assert.Contains(t, all, "backup lock held by stuck")
		assert.Contains(t, all, "last primary run finished")
		assert.Contains(t, all, "task repository unreachable")
	})

	t.Run("NoPrimaryRecorded", func(t *testing.T) {
		f := newFixture()
		h := f.orchestrator().HealthCheck(ctx)
		assert.False(t, h.Healthy)
		assert.Contains(t, h.Warnings, "no primary run recorded")
	})
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.cal.AddEvent(event("work", "sync", "Team Sync", 11))
	f.cal.RenameErr = func(string, string, int) error { return errors.New("backend error") }
	o := f.orchestrator()
	o.RunPrimary(ctx)
	f.holdLock(t, KindMail, "mail-run", f.clock.Now())

	st := o.Status(ctx)
	require.Contains(t, st.Last, KindPrimary)
	assert.Equal(t, "run-1", st.Last[KindPrimary].RunID)
	require.Contains(t, st.Locks, KindMail)
	assert.False(t, st.Locks[KindMail].Stale)
	assert.Equal(t, 1, st.Counters.Runs)
	assert.Equal(t, 1, st.Tracked["events"])
	assert.Equal(t, map[string]string{"calendar": "ok", "repository": "ok", "state": "ok"}, st.Connectivity)

	f.repo.PingErr = errors.New("repository unreachable")
	st = o.Status(ctx)
	assert.Equal(t, "repository unreachable", st.Connectivity["repository"])
}

func TestRunMail(t *testing.T) {
	ctx := context.Background()

	t.Run("Disabled", func(t *testing.T) {
		f := newFixture()
		rep := f.orchestrator().RunMail(ctx)
		assert.False(t, rep.Success)
		assert.Contains(t, rep.Errors, "mail pipeline is disabled")
	})

	t.Run("CreatesTasks", func(t *testing.T) {
		f := newFixture()
		box := mail.NewMemory(mail.Message{
			ID:      "m1",
			From:    "news@example.com",
			Subject: "Weekly digest",
			Body:    "nothing to do",
			Unread:  true,
			Date:    f.clock.Now().Add(-time.Hour),
		})
		f.deps.Mail = pipeline.NewMail(pipeline.MailDeps{
			Mail:      box,
			Repo:      f.deps.Repo,
			Dedup:     dedup.New(dedup.Options{}),
			Tracker:   f.tracker,
			Extractor: semantic.NewRules(tokyo),
		}, pipeline.MailOptions{MarkRead: true, Sleep: retry.NoSleep, Now: f.clock.Now})
		o := f.orchestrator()

		rep := o.RunMail(ctx)
		assert.True(t, rep.Success, rep.Errors)
		require.NotNil(t, rep.Mail)
		assert.Equal(t, 1, rep.Mail.Created)

		counters, err := o.Counters(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, counters.TasksCreated)
	})
}
