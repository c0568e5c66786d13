package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"caltasks/internal/calendar"
	appLog "caltasks/internal/log"
	"caltasks/internal/mark"
	"caltasks/internal/model"
	"caltasks/internal/tracker"
)

// Backup check actions.
const (
	ActionNone      = "none"
	ActionPrimary   = "primary"
	ActionReprocess = "repair_and_reprocess"
)

// RepairReport counts a repair pass. Repair never creates tasks.
type RepairReport struct {
	Days     int      `json:"days"`
	Scanned  int      `json:"scanned"`
	Unmarked int      `json:"unmarked"`
	Repaired int      `json:"repaired"`
	Tracked  int      `json:"tracked"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

// BackupCheck looks at the last primary run and the calendar and decides
// whether anything needs to be redone:
//   - no primary result, or one older than StaleAfter: run the primary;
//   - a failed primary: repair, then reprocess the last BackupDays days;
//   - significant unhandled events above the threshold: the same.
func (o *Orchestrator) BackupCheck(ctx context.Context) (rep Report) {
	rc := o.newRun(KindBackup)
	rep = newReport(rc)
	defer o.finish(ctx, &rep)

	release := o.start(ctx, rc, &rep)
	if release == nil {
		return rep
	}
	defer release()

	last, err := o.LastReport(ctx, KindPrimary)
	if err != nil {
		rep.warn("last primary result unreadable: %v", err)
	}

	switch {
	case last == nil || o.opts.Now().Sub(last.Finished) > o.opts.StaleAfter:
		rep.Action = ActionPrimary
		if last == nil {
			appLog.Info("no primary run recorded; running it now", "run", rc.ID)
		} else {
			appLog.Info("primary run is stale; running it now", "run", rc.ID, "finished", last.Finished)
		}
		primary := o.RunPrimary(ctx)
		rep.Stats = primary.Stats
		rep.Integrity = primary.Integrity
		rep.Errors = append(rep.Errors, primary.Errors...)
		rep.Success = primary.Success
		return rep

	case !last.Success:
		rep.Action = ActionReprocess
		appLog.Info("last primary run failed; repairing", "run", rc.ID, "failed_run", last.RunID)

	default:
		start, end := o.window(o.opts.BackDays, o.opts.AheadDays)
		_, missing, err := o.unhandled(ctx, start, end)
		if err != nil {
			rep.fail("scan failed: %v", err)
			return rep
		}
		significant := o.significant(missing)
		appLog.Info("backup scan", "run", rc.ID, "unhandled", len(missing), "significant", len(significant))
		if len(significant) <= o.opts.BackupThreshold {
			rep.Action = ActionNone
			rep.Success = true
			return rep
		}
		rep.Action = ActionReprocess
		for _, ev := range significant {
			appLog.Info("significant unhandled event", "calendar", ev.CalendarID, "event", ev.ID, "title", ev.Title)
		}
	}

	repair := o.repair(ctx, o.opts.BackupDays)
	rep.Repair = &repair
	o.reprocess(ctx, rc, &rep)
	return rep
}

// reprocess runs the pipeline over the short backup window under the
// primary lock.
func (o *Orchestrator) reprocess(ctx context.Context, rc RunContext, rep *Report) {
	prc := RunContext{ID: rc.ID, Kind: KindPrimary, Started: o.opts.Now(), Deadline: o.opts.Now().Add(o.opts.TimeBudget)}
	release, err := o.acquire(ctx, prc)
	if err != nil {
		rep.fail("reprocess skipped: %v", err)
		return
	}
	defer release()

	start, end := o.window(o.opts.BackupDays, 0)
	o.process(ctx, rc, rep, start, end)
}

// significant drops short titles and known noise such as lunch breaks.
func (o *Orchestrator) significant(events []model.Event) []model.Event {
	var out []model.Event
	for _, ev := range events {
		title := strings.TrimSpace(ev.Title)
		if len([]rune(title)) < o.opts.MinTitleLength {
			continue
		}
		lower := strings.ToLower(title)
		noise := false
		for _, p := range o.opts.NoisePatterns {
			if p != "" && strings.Contains(lower, strings.ToLower(p)) {
				noise = true
				break
			}
		}
		if !noise {
			out = append(out, ev)
		}
	}
	return out
}

// Repair marks unmarked events in the last days whose task already exists,
// including events the tracker holds while their mark is pending.
func (o *Orchestrator) Repair(ctx context.Context, days int) (out RepairReport) {
	rc := o.newRun(KindRepair)
	rep := newReport(rc)
	// Registered first so it runs after finish has recovered.
	defer func() { out = derefRepair(rep.Repair, days) }()
	defer o.finish(ctx, &rep)

	release := o.start(ctx, rc, &rep)
	if release == nil {
		return out
	}
	defer release()

	r := o.repair(ctx, days)
	rep.Repair = &r
	rep.Errors = append(rep.Errors, r.Errors...)
	rep.Success = r.Failed == 0 && len(r.Errors) == 0
	return out
}

func derefRepair(r *RepairReport, days int) RepairReport {
	if r == nil {
		return RepairReport{Days: days}
	}
	return *r
}

func (o *Orchestrator) repair(ctx context.Context, days int) RepairReport {
	if days <= 0 {
		days = o.opts.BackupDays
	}
	rr := RepairReport{Days: days}
	start, end := o.window(days, 0)

	cals, err := o.deps.Calendar.ListCalendars(ctx)
	if err != nil {
		rr.Errors = append(rr.Errors, fmt.Sprintf("list calendars: %v", err))
		return rr
	}
	for _, c := range cals {
		evs, err := o.deps.Calendar.ListEvents(ctx, c.ID, start, end)
		if err != nil {
			rr.Errors = append(rr.Errors, fmt.Sprintf("calendar %s: %v", c.ID, err))
			continue
		}
		for _, ev := range evs {
			rr.Scanned++
			if mark.IsMarked(ev) {
				continue
			}
			entry, tracked := o.deps.Tracker.EventEntry(ctx, ev)
			if tracked && !entry.PendingMark() {
				continue
			}
			rr.Unmarked++
			title := strings.TrimSpace(ev.Title)
			// A pending tracker entry already proves the task exists.
			if !tracked && !o.deps.Repo.IsAlreadyProcessed(ctx, title, ev.Date(o.opts.Location)) {
				continue
			}
			if o.opts.DryRun {
				appLog.Info("dry run: would repair mark", "event", ev.ID, "title", title)
				continue
			}
			_, err := o.deps.Marker.Mark(ctx, ev)
			switch {
			case err == nil:
				rr.Repaired++
				appLog.Info("mark repaired", "calendar", ev.CalendarID, "event", ev.ID, "title", title)
				if tracked {
					if ferr := o.deps.Tracker.ForgetEvent(ctx, ev); ferr != nil {
						appLog.Warn("tracker entry not dropped", "event", ev.ID, "err", ferr)
					}
				}
			case errors.Is(err, calendar.ErrReadOnly):
				if terr := o.deps.Tracker.RecordEvent(ctx, ev, entry.TaskID, tracker.ReasonReadOnly); terr != nil {
					rr.Failed++
					rr.Errors = append(rr.Errors, fmt.Sprintf("%s/%s: %v; tracker: %v", ev.CalendarID, ev.ID, err, terr))
					continue
				}
				rr.Tracked++
				appLog.Info("calendar is read-only; tracked instead", "event", ev.ID)
			default:
				rr.Failed++
				msg := fmt.Sprintf("%s/%s: %v", ev.CalendarID, ev.ID, err)
				// Keeps the task from being created again while the mark is retried.
				if terr := o.deps.Tracker.RecordEvent(ctx, ev, entry.TaskID, tracker.ReasonUnmarked); terr != nil {
					msg += fmt.Sprintf("; tracker: %v", terr)
				}
				rr.Errors = append(rr.Errors, msg)
				appLog.Warn("mark repair failed", "event", ev.ID, "err", err)
			}
		}
	}
	appLog.Info("repair finished", "days", days, "scanned", rr.Scanned, "unmarked", rr.Unmarked,
		"repaired", rr.Repaired, "tracked", rr.Tracked, "failed", rr.Failed)
	return rr
}
