// Package orchestrator runs the pipeline on a schedule-friendly footing:
// one run of a kind at a time through a lock in the execution record store,
// segmented and time-boxed primary runs, post-hoc integrity checks, and
// repair passes that mark events whose tasks already exist.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"github.com/google/uuid"

	"caltasks/internal/calendar"
	"caltasks/internal/kvstore"
	appLog "caltasks/internal/log"
	"caltasks/internal/mark"
	"caltasks/internal/pipeline"
	"caltasks/internal/retry"
	"caltasks/internal/taskrepo"
	"caltasks/internal/tracker"
)

// ErrAlreadyRunning is returned when a live lock is held for the run kind.
var ErrAlreadyRunning = errors.New("run already in progress")

type Kind string

const (
	KindPrimary Kind = "primary"
	KindBackup  Kind = "backup"
	KindRepair  Kind = "repair"
	KindMail    Kind = "mail"
	KindHealth  Kind = "health"
)

// Kinds lists the run kinds that take a lock and keep a last result.
var Kinds = []Kind{KindPrimary, KindBackup, KindRepair, KindMail}

// RunContext identifies one invocation.
type RunContext struct {
	ID       string
	Kind     Kind
	Started  time.Time
	Deadline time.Time
}

type Deps struct {
	KV       kvstore.Store
	Calendar calendar.Store
	Repo     *taskrepo.Adapter
	Marker   *mark.Controller
	Tracker  *tracker.Tracker
	Pipeline *pipeline.Pipeline
	// Mail is nil when the mail pipeline is disabled.
	Mail *pipeline.MailPipeline
}

type Options struct {
	Location  *time.Location
	BackDays  int
	AheadDays int

	SegmentDays  int
	TimeBudget   time.Duration
	SegmentPause time.Duration

	PrimaryLockTimeout time.Duration
	BackupLockTimeout  time.Duration

	StaleAfter      time.Duration
	BackupDays      int
	BackupThreshold int
	NoisePatterns   []string
	MinTitleLength  int

	HistorySize      int
	TrackerRetention time.Duration
	WriteSummary     bool
	DryRun           bool

	Now   func() time.Time
	Sleep retry.SleepFunc
	NewID func() string
}

type Orchestrator struct {
	deps Deps
	opts Options
}

func New(deps Deps, opts Options) *Orchestrator {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.BackDays <= 0 {
		opts.BackDays = 7
	}
	if opts.SegmentDays <= 0 {
		opts.SegmentDays = 2
	}
	if opts.TimeBudget <= 0 {
		opts.TimeBudget = 5 * time.Minute
	}
	if opts.PrimaryLockTimeout <= 0 {
		opts.PrimaryLockTimeout = 30 * time.Minute
	}
	if opts.BackupLockTimeout <= 0 {
		opts.BackupLockTimeout = 10 * time.Minute
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 15 * time.Hour
	}
	if opts.BackupDays <= 0 || opts.BackupDays > 3 {
		opts.BackupDays = 3
	}
	if opts.MinTitleLength <= 0 {
		opts.MinTitleLength = 4
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 10
	}
	if opts.TrackerRetention <= 0 {
		opts.TrackerRetention = 30 * 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = retry.Sleep
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Orchestrator{deps: deps, opts: opts}
}

// Report is the persisted outcome of a run.
type Report struct {
	RunID    string        `json:"run_id"`
	Kind     Kind          `json:"kind"`
	Started  time.Time     `json:"started"`
	Finished time.Time     `json:"finished"`
	Duration time.Duration `json:"duration"`
	Success  bool          `json:"success"`

	// Window is the scanned date range, inclusive.
	WindowStart string `json:"window_start,omitempty"`
	WindowEnd   string `json:"window_end,omitempty"`

	Segments          int `json:"segments,omitempty"`
	SegmentsDone      int `json:"segments_done,omitempty"`
	SegmentsAbandoned int `json:"segments_abandoned,omitempty"`

	Stats     pipeline.Stats      `json:"stats"`
	Integrity *IntegrityReport    `json:"integrity,omitempty"`
	Repair    *RepairReport       `json:"repair,omitempty"`
	Mail      *pipeline.MailStats `json:"mail,omitempty"`

	// Action is what a backup check decided to do.
	Action string `json:"action,omitempty"`

	Warnings []string `json:"warnings,omitempty"`
	Errors   []string `json:"errors,omitempty"`

	// Locked is set when the run did not start because another run held
	// the lock. Such reports are not persisted.
	Locked bool `json:"-"`
}

func (r *Report) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.Warnings = append(r.Warnings, msg)
	appLog.Warn(msg, "run", r.RunID, "kind", r.Kind)
}

func (r *Report) fail(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.Errors = append(r.Errors, msg)
	appLog.Warn(msg, "run", r.RunID, "kind", r.Kind)
}

func (o *Orchestrator) newRun(kind Kind) RunContext {
	now := o.opts.Now()
	return RunContext{ID: o.opts.NewID(), Kind: kind, Started: now, Deadline: now.Add(o.opts.TimeBudget)}
}

func newReport(rc RunContext) Report {
	return Report{RunID: rc.ID, Kind: rc.Kind, Started: rc.Started}
}

// finish is deferred by every entry point. It converts a panic into a failed
// report and persists whatever the run produced.
func (o *Orchestrator) finish(ctx context.Context, rep *Report) {
	if r := recover(); r != nil {
		err := fmt.Errorf("panic: %v", r)
		appLog.Error("run aborted", err, "run", rep.RunID, "kind", rep.Kind, "stack", string(debug.Stack()))
		rep.Success = false
		rep.Errors = append(rep.Errors, err.Error())
	}
	rep.Finished = o.opts.Now()
	rep.Duration = rep.Finished.Sub(rep.Started)
	if rep.Locked {
		return
	}
	// Records are written even when the run context is already cancelled.
	ctx = context.WithoutCancel(ctx)
	if err := o.record(ctx, *rep); err != nil {
		appLog.Error("run record not saved", err, "run", rep.RunID, "kind", rep.Kind)
	}
	if err := o.bumpCounters(ctx, *rep); err != nil {
		appLog.Error("counters not updated", err, "run", rep.RunID)
	}
	appLog.Info("run finished", "run", rep.RunID, "kind", rep.Kind, "success", rep.Success,
		"duration", rep.Duration.Round(time.Millisecond).String(),
		"warnings", len(rep.Warnings), "errors", len(rep.Errors))
}

func lastKey(kind Kind) string { return "run:" + string(kind) + ":last_result" }
func historyPrefix(kind Kind) string { return "run:" + string(kind) + ":history:" }

const (
	countersKey = "stats:counters"
	healthKey   = "run:health:last_report"
)

// record stores rep as the last result of its kind and appends it to the
// bounded history.
func (o *Orchestrator) record(ctx context.Context, rep Report) error {
	raw, err := json.Marshal(rep)
	if err != nil {
		return err
	}
	if err := o.deps.KV.Set(ctx, lastKey(rep.Kind), string(raw)); err != nil {
		return fmt.Errorf("save last result: %w", err)
	}

	prefix := historyPrefix(rep.Kind)
	key := prefix + rep.Started.UTC().Format("20060102T150405.000Z") + "-" + rep.RunID
	if err := o.deps.KV.Set(ctx, key, string(raw)); err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	keys, err := o.deps.KV.List(ctx, prefix)
	if err != nil {
		return fmt.Errorf("list history: %w", err)
	}
	sort.Strings(keys)
	for len(keys) > o.opts.HistorySize {
		if err := o.deps.KV.Delete(ctx, keys[0]); err != nil {
			return fmt.Errorf("trim history: %w", err)
		}
		keys = keys[1:]
	}
	return nil
}

// LastReport returns the stored last result of kind.
func (o *Orchestrator) LastReport(ctx context.Context, kind Kind) (*Report, error) {
	raw, ok, err := o.deps.KV.Get(ctx, lastKey(kind))
	if err != nil || !ok {
		return nil, err
	}
	var rep Report
	if err := json.Unmarshal([]byte(raw), &rep); err != nil {
		return nil, fmt.Errorf("decode %s: %w", lastKey(kind), err)
	}
	return &rep, nil
}

// History returns up to the configured number of past reports, newest first.
func (o *Orchestrator) History(ctx context.Context, kind Kind) ([]Report, error) {
	keys, err := o.deps.KV.List(ctx, historyPrefix(kind))
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	out := make([]Report, 0, len(keys))
	for _, k := range keys {
		raw, ok, err := o.deps.KV.Get(ctx, k)
		if err != nil || !ok {
			continue
		}
		var rep Report
		if json.Unmarshal([]byte(raw), &rep) == nil {
			out = append(out, rep)
		}
	}
	return out, nil
}

// Counters aggregate every persisted run.
type Counters struct {
	Runs         int       `json:"runs"`
	Successes    int       `json:"successes"`
	Failures     int       `json:"failures"`
	TasksCreated int       `json:"tasks_created"`
	Updated      time.Time `json:"updated"`
}

// SuccessRate is 1 when nothing has run yet.
func (c Counters) SuccessRate() float64 {
	if c.Runs == 0 {
		return 1
	}
	return float64(c.Successes) / float64(c.Runs)
}

func (o *Orchestrator) Counters(ctx context.Context) (Counters, error) {
	var c Counters
	raw, ok, err := o.deps.KV.Get(ctx, countersKey)
	if err != nil || !ok {
		return c, err
	}
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return Counters{}, fmt.Errorf("decode counters: %w", err)
	}
	return c, nil
}

// bumpCounters applies the run to the counters with a compare-and-swap loop
// so overlapping runs of different kinds do not lose updates.
func (o *Orchestrator) bumpCounters(ctx context.Context, rep Report) error {
	for attempt := 0; attempt < 5; attempt++ {
		old, _, err := o.deps.KV.Get(ctx, countersKey)
		if err != nil {
			return err
		}
		var c Counters
		if old != "" {
			if err := json.Unmarshal([]byte(old), &c); err != nil {
				appLog.Warn("counters unreadable; resetting", "err", err)
				c = Counters{}
			}
		}
		c.Runs++
		if rep.Success {
			c.Successes++
		} else {
			c.Failures++
		}
		c.TasksCreated += rep.Stats.Created
		if rep.Mail != nil {
			c.TasksCreated += rep.Mail.Created
		}
		c.Updated = o.opts.Now().UTC()

		raw, err := json.Marshal(c)
		if err != nil {
			return err
		}
		swapped, err := o.deps.KV.CompareAndSwap(ctx, countersKey, old, string(raw))
		if err != nil {
			return err
		}
		if swapped {
			return nil
		}
	}
	return errors.New("counters: too much contention")
}
