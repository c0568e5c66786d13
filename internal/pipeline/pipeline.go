// Package pipeline converts calendar events and mail messages into tasks.
//
// Every event walks the same state machine: skip if marked or tracked, skip
// (and heal the mark) if the repository already has its task, build a draft,
// drop duplicates, create, then mark. The repository write always happens
// before the calendar write; an event whose mark cannot be written is put in
// the tracker so later runs never create its task again, and they retry the
// mark unless the calendar is read-only.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"caltasks/internal/calendar"
	"caltasks/internal/dedup"
	appLog "caltasks/internal/log"
	"caltasks/internal/mark"
	"caltasks/internal/model"
	"caltasks/internal/retry"
	"caltasks/internal/semantic"
	"caltasks/internal/taskrepo"
	"caltasks/internal/tracker"
)

// Deps are the collaborators of a Pipeline. Extractor is optional and adds
// preparation tasks next to the event task.
type Deps struct {
	Calendar  calendar.Store
	Repo      *taskrepo.Adapter
	Marker    *mark.Controller
	Dedup     *dedup.Engine
	Tracker   *tracker.Tracker
	Extractor semantic.Extractor
}

type Options struct {
	Location          *time.Location
	RateLimitDelay    time.Duration
	DryRun            bool
	UrgentKeywords    []string
	ImportantKeywords []string
	// SnapshotDays bounds the existing-task snapshot by creation time.
	SnapshotDays int
	Sleep        retry.SleepFunc
	Now          func() time.Time
}

type Pipeline struct {
	deps Deps
	opts Options
}

func New(deps Deps, opts Options) *Pipeline {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.RateLimitDelay < 0 {
		opts.RateLimitDelay = 0
	}
	if opts.SnapshotDays <= 0 {
		opts.SnapshotDays = 30
	}
	if opts.Sleep == nil {
		opts.Sleep = retry.Sleep
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{deps: deps, opts: opts}
}

// Stats counts outcomes of a run. A created and marked event counts in
// Extracted, Created and Marked.
type Stats struct {
	Total           int `json:"total"`
	SkippedMarked   int `json:"skipped_marked"`
	SkippedTracked  int `json:"skipped_tracked"`
	SkippedRemote   int `json:"skipped_remote"`
	Healed          int `json:"healed"`
	Extracted       int `json:"extracted"`
	Duplicates      int `json:"duplicates"`
	Created         int `json:"created"`
	Marked          int `json:"marked"`
	CreatedUnmarked int `json:"created_unmarked"`
	Recorded        int `json:"recorded"`
	Planned         int `json:"planned"`
	Failed          int `json:"failed"`
	CalendarErrors  int `json:"calendar_errors"`
	// Extra counts additional tasks proposed by the extractor.
	Extra int `json:"extra"`
}

func (s Stats) Skipped() int {
	return s.SkippedMarked + s.SkippedTracked + s.SkippedRemote + s.Duplicates
}

func (s Stats) Errors() int {
	return s.CreatedUnmarked + s.Failed + s.CalendarErrors
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Total += o.Total
	s.SkippedMarked += o.SkippedMarked
	s.SkippedTracked += o.SkippedTracked
	s.SkippedRemote += o.SkippedRemote
	s.Healed += o.Healed
	s.Extracted += o.Extracted
	s.Duplicates += o.Duplicates
	s.Created += o.Created
	s.Marked += o.Marked
	s.CreatedUnmarked += o.CreatedUnmarked
	s.Recorded += o.Recorded
	s.Planned += o.Planned
	s.Failed += o.Failed
	s.CalendarErrors += o.CalendarErrors
	s.Extra += o.Extra
}

func (s *Stats) count(r EventResult) {
	s.Total++
	for _, st := range r.Path {
		switch st {
		case StateSkippedMarked:
			s.SkippedMarked++
		case StateSkippedTracked:
			s.SkippedTracked++
		case StateSkippedProcessedRemotely:
			s.SkippedRemote++
		case StateExtracted:
			s.Extracted++
		case StateDuplicateSkipped:
			s.Duplicates++
		case StateCreated:
			s.Created++
		case StateMarked:
			s.Marked++
		case StateCreatedButUnmarked:
			s.CreatedUnmarked++
		case StateRecorded:
			s.Recorded++
		case StatePlanned:
			s.Planned++
		case StateFailed:
			s.Failed++
		}
	}
	if r.Healed {
		s.Healed++
	}
	s.Extra += r.Extra
}

// EventResult is the outcome for one event.
type EventResult struct {
	CalendarID string  `json:"calendar_id"`
	EventID    string  `json:"event_id"`
	Title      string  `json:"title"`
	Date       string  `json:"date"`
	Path       []State `json:"path"`
	TaskID     string  `json:"task_id,omitempty"`
	// Healed is set when a missing mark was written for an event the
	// repository already knew.
	Healed bool   `json:"healed,omitempty"`
	Extra  int    `json:"extra,omitempty"`
	Error  string `json:"error,omitempty"`
}

// State returns the last state reached.
func (r EventResult) State() State {
	if len(r.Path) == 0 {
		return ""
	}
	return r.Path[len(r.Path)-1]
}

// advance panics on a transition the state machine does not allow; the
// per-event recover turns that into a failed result.
func (r *EventResult) advance(to State) {
	if err := transition(r.State(), to); err != nil {
		panic(err)
	}
	r.Path = append(r.Path, to)
}

type Result struct {
	Stats  Stats         `json:"stats"`
	Events []EventResult `json:"events,omitempty"`
	Errors []string      `json:"errors,omitempty"`
}

// Merge appends o to r.
func (r *Result) Merge(o Result) {
	r.Stats.Add(o.Stats)
	r.Events = append(r.Events, o.Events...)
	r.Errors = append(r.Errors, o.Errors...)
}

// Run processes every event that overlaps [start, end). The returned error
// is set only when the run could not start or was cancelled; per-calendar
// and per-event failures are in the Result.
func (p *Pipeline) Run(ctx context.Context, start, end time.Time) (Result, error) {
	return p.run(ctx, start, end, false)
}

// RunContinuation is Run for a segment that follows [.., start): events
// that began before start were seen by the preceding segment and are left
// out.
func (p *Pipeline) RunContinuation(ctx context.Context, start, end time.Time) (Result, error) {
	return p.run(ctx, start, end, true)
}

func (p *Pipeline) run(ctx context.Context, start, end time.Time, continuation bool) (Result, error) {
	var res Result

	cals, err := p.deps.Calendar.ListCalendars(ctx)
	if err != nil {
		return res, fmt.Errorf("list calendars: %w", err)
	}

	var events []model.Event
	for _, c := range cals {
		evs, err := p.deps.Calendar.ListEvents(ctx, c.ID, start, end)
		if err != nil {
			appLog.Error("list events failed", err, "calendar", c.ID)
			res.Stats.CalendarErrors++
			res.Errors = append(res.Errors, fmt.Sprintf("calendar %s: %v", c.ID, err))
			continue
		}
		for _, ev := range evs {
			if continuation && ev.Start.Before(start) {
				continue
			}
			if ev.CalendarName == "" {
				ev.CalendarName = c.Name
			}
			events = append(events, ev)
		}
	}
	appLog.Info("events fetched", "calendars", len(cals), "events", len(events),
		"start", start.Format(time.RFC3339), "end", end.Format(time.RFC3339))

	snap := p.newSnapshot(ctx)

	for i, ev := range events {
		if i > 0 {
			if err := p.opts.Sleep(ctx, p.opts.RateLimitDelay); err != nil {
				return res, err
			}
		}
		r := p.processEvent(ctx, ev, snap)
		res.Stats.count(r)
		res.Events = append(res.Events, r)
		if r.Error != "" {
			res.Errors = append(res.Errors, fmt.Sprintf("%s/%s: %s", ev.CalendarID, ev.ID, r.Error))
		}
	}

	appLog.Info("pipeline finished",
		"total", res.Stats.Total, "created", res.Stats.Created, "marked", res.Stats.Marked,
		"skipped", res.Stats.Skipped(), "errors", res.Stats.Errors(), "dry_run", p.opts.DryRun)
	return res, nil
}

// snapshot fetches existing tasks once, on first use, and grows as the run
// creates tasks.
type snapshot struct {
	load   func() ([]model.Task, error)
	tasks  []model.Task
	loaded bool
}

func (s *snapshot) get() []model.Task {
	if !s.loaded {
		s.loaded = true
		tasks, err := s.load()
		if err != nil {
			appLog.Warn("existing task snapshot unavailable; relying on processed check", "err", err)
		}
		s.tasks = tasks
	}
	return s.tasks
}

func (s *snapshot) add(t model.Task) {
	s.get()
	s.tasks = append(s.tasks, t)
}

// ProcessEvent runs a single event through the state machine with a fresh
// existing-task snapshot.
func (p *Pipeline) ProcessEvent(ctx context.Context, ev model.Event) EventResult {
	return p.processEvent(ctx, ev, p.newSnapshot(ctx))
}

func (p *Pipeline) newSnapshot(ctx context.Context) *snapshot {
	return &snapshot{load: func() ([]model.Task, error) {
		since := p.opts.Now().AddDate(0, 0, -p.opts.SnapshotDays)
		return p.deps.Repo.ExistingTasks(ctx, model.SourceCalendar, since)
	}}
}

func (p *Pipeline) processEvent(ctx context.Context, ev model.Event, snap *snapshot) (r EventResult) {
	r = EventResult{
		CalendarID: ev.CalendarID,
		EventID:    ev.ID,
		Title:      ev.Title,
		Date:       ev.Date(p.opts.Location),
		Path:       []State{StateFetched},
	}
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("process event panicked: %v", rec)
			appLog.Error("event processing aborted", err, "event", ev.ID)
			r.Error = err.Error()
			if !r.State().Terminal() && transition(r.State(), StateFailed) == nil {
				r.Path = append(r.Path, StateFailed)
			}
		}
	}()

	if mark.IsMarked(ev) {
		r.advance(StateSkippedMarked)
		return r
	}
	if p.deps.Tracker != nil {
		if entry, ok := p.deps.Tracker.EventEntry(ctx, ev); ok {
			r.advance(StateSkippedTracked)
			r.TaskID = entry.TaskID
			if entry.PendingMark() && !p.opts.DryRun {
				healed, err := p.healTracked(ctx, ev)
				r.Healed = healed
				if err != nil {
					r.Error = err.Error()
				}
			}
			return r
		}
	}

	draft := BuildDraft(ev, DraftOptions{
		Location:          p.opts.Location,
		UrgentKeywords:    p.opts.UrgentKeywords,
		ImportantKeywords: p.opts.ImportantKeywords,
	})

	if p.deps.Repo.IsAlreadyProcessed(ctx, draft.OriginalEvent, draft.DueDate) {
		r.advance(StateSkippedProcessedRemotely)
		appLog.Info("task already filed; healing mark", "event", ev.ID, "title", ev.Title)
		if !p.opts.DryRun {
			r.Healed = p.markOrTrack(ctx, ev, "", "processed_remotely") == nil
		}
		return r
	}

	r.advance(StateExtracted)

	if d := p.deps.Dedup.Check(ctx, draft, snap.get()); d.Duplicate {
		r.advance(StateDuplicateSkipped)
		r.TaskID = d.Existing.ID
		appLog.Info("duplicate skipped", "event", ev.ID, "rule", d.Rule, "match", d.Existing.Title)
		if !p.opts.DryRun {
			if err := p.markOrTrack(ctx, ev, d.Existing.ID, "duplicate"); err != nil {
				r.Error = err.Error()
			}
		}
		return r
	}

	if p.opts.DryRun {
		r.advance(StatePlanned)
		appLog.Info("dry run: would create", "title", draft.Title)
		return r
	}

	res := p.deps.Repo.CreateTask(ctx, draft)
	if !res.Success {
		r.advance(StateFailed)
		r.Error = fmt.Sprintf("create task: %v", res.Error)
		return r
	}
	r.advance(StateCreated)
	r.TaskID = res.ID
	draft.ID, draft.URL = res.ID, res.URL
	snap.add(draft)

	if _, err := p.deps.Marker.Mark(ctx, ev); err != nil {
		if errors.Is(err, calendar.ErrReadOnly) && p.track(ctx, ev, res.ID, tracker.ReasonReadOnly) == nil {
			r.advance(StateRecorded)
		} else {
			r.advance(StateCreatedButUnmarked)
			r.Error = err.Error()
			appLog.Error("task created but event left unmarked", err, "event", ev.ID, "task", res.ID)
			if terr := p.track(ctx, ev, res.ID, tracker.ReasonUnmarked); terr != nil {
				r.Error = fmt.Sprintf("%s; tracker: %v", r.Error, terr)
			}
		}
	} else {
		r.advance(StateMarked)
	}

	r.Extra = p.extras(ctx, ev, snap)
	return r
}

// markOrTrack writes the mark, falling back to the tracker.
func (p *Pipeline) markOrTrack(ctx context.Context, ev model.Event, taskID, reason string) error {
	_, err := p.deps.Marker.Mark(ctx, ev)
	if err == nil {
		return nil
	}
	appLog.Warn("mark failed; recording in tracker", "event", ev.ID, "reason", reason, "err", err)
	if errors.Is(err, calendar.ErrReadOnly) {
		reason = tracker.ReasonReadOnly
	}
	if terr := p.track(ctx, ev, taskID, reason); terr != nil {
		return fmt.Errorf("%w; tracker: %v", err, terr)
	}
	return nil
}

// healTracked writes the missing mark for a tracked event whose task already
// exists. The entry is dropped once the mark lands; a read-only calendar
// turns it into a permanent record.
func (p *Pipeline) healTracked(ctx context.Context, ev model.Event) (bool, error) {
	_, err := p.deps.Marker.Mark(ctx, ev)
	switch {
	case err == nil:
		appLog.Info("pending mark written", "event", ev.ID, "title", ev.Title)
		if ferr := p.deps.Tracker.ForgetEvent(ctx, ev); ferr != nil {
			appLog.Warn("tracker entry not dropped", "event", ev.ID, "err", ferr)
		}
		return true, nil
	case errors.Is(err, calendar.ErrReadOnly):
		entry, _ := p.deps.Tracker.EventEntry(ctx, ev)
		return false, p.track(ctx, ev, entry.TaskID, tracker.ReasonReadOnly)
	default:
		return false, fmt.Errorf("pending mark: %w", err)
	}
}

func (p *Pipeline) track(ctx context.Context, ev model.Event, taskID, reason string) error {
	if p.deps.Tracker == nil {
		return errors.New("no tracker configured")
	}
	if err := p.deps.Tracker.RecordEvent(ctx, ev, taskID, reason); err != nil {
		appLog.Error("tracker write failed", err, "event", ev.ID)
		return err
	}
	return nil
}

// extras files the extractor's additional tasks for a freshly created event.
func (p *Pipeline) extras(ctx context.Context, ev model.Event, snap *snapshot) int {
	if p.deps.Extractor == nil {
		return 0
	}
	n := 0
	for _, t := range p.deps.Extractor.EventTasks(ctx, ev) {
		if p.deps.Dedup.Check(ctx, t, snap.get()).Duplicate {
			continue
		}
		res := p.deps.Repo.CreateTask(ctx, t)
		if !res.Success {
			appLog.Warn("extra task not created", "event", ev.ID, "title", t.Title, "err", res.Error)
			continue
		}
		t.ID, t.URL = res.ID, res.URL
		snap.add(t)
		n++
	}
	return n
}
