package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	appLog "caltasks/internal/log"
	"caltasks/internal/mark"
	"caltasks/internal/model"
	"caltasks/internal/taskrepo"
)

// maxUnhandledRatio is the share of unhandled events an integrity check
// tolerates.
const maxUnhandledRatio = 0.10

// IntegrityReport is the post-run scan of the whole window.
type IntegrityReport struct {
	Total     int      `json:"total"`
	Handled   int      `json:"handled"`
	Unhandled int      `json:"unhandled"`
	Ratio     float64  `json:"ratio"`
	Issues    []string `json:"issues,omitempty"`
	Passed    bool     `json:"passed"`
}

// today returns local midnight.
func (o *Orchestrator) today() time.Time {
	now := o.opts.Now().In(o.opts.Location)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, o.opts.Location)
}

// window returns [today-back+1, today+ahead+1).
func (o *Orchestrator) window(back, ahead int) (time.Time, time.Time) {
	t := o.today()
	return t.AddDate(0, 0, -(back - 1)), t.AddDate(0, 0, ahead+1)
}

// RunPrimary processes the configured window in segments.
func (o *Orchestrator) RunPrimary(ctx context.Context) (rep Report) {
	rc := o.newRun(KindPrimary)
	rep = newReport(rc)
	defer o.finish(ctx, &rep)

	release := o.start(ctx, rc, &rep)
	if release == nil {
		return rep
	}
	defer release()

	start, end := o.window(o.opts.BackDays, o.opts.AheadDays)
	o.process(ctx, rc, &rep, start, end)
	if o.opts.WriteSummary && !o.opts.DryRun {
		o.writeSummary(ctx, rep)
	}
	return rep
}

// process runs the precheck, the segments and the integrity check over
// [start, end) and sets rep.Success.
func (o *Orchestrator) process(ctx context.Context, rc RunContext, rep *Report, start, end time.Time) {
	rep.WindowStart = start.Format(model.DateLayout)
	rep.WindowEnd = end.AddDate(0, 0, -1).Format(model.DateLayout)

	if err := o.precheck(ctx); err != nil {
		rep.fail("precheck failed: %v", err)
		return
	}

	var segs [][2]time.Time
	for s := start; s.Before(end); s = s.AddDate(0, 0, o.opts.SegmentDays) {
		e := s.AddDate(0, 0, o.opts.SegmentDays)
		if e.After(end) {
			e = end
		}
		segs = append(segs, [2]time.Time{s, e})
	}
	rep.Segments = len(segs)

	for i, seg := range segs {
		if i > 0 {
			if err := o.opts.Sleep(ctx, o.opts.SegmentPause); err != nil {
				rep.SegmentsAbandoned = len(segs) - i
				rep.warn("run cancelled; %d segments left for the next run", rep.SegmentsAbandoned)
				break
			}
		}
		if !o.opts.Now().Before(rc.Deadline) {
			rep.SegmentsAbandoned = len(segs) - i
			rep.warn("time budget exhausted; %d segments left for the next run", rep.SegmentsAbandoned)
			break
		}

		appLog.Info("segment started", "run", rc.ID, "segment", i+1, "of", len(segs),
			"from", seg[0].Format(model.DateLayout), "to", seg[1].AddDate(0, 0, -1).Format(model.DateLayout))
		run := o.deps.Pipeline.Run
		if i > 0 {
			run = o.deps.Pipeline.RunContinuation
		}
		res, err := run(ctx, seg[0], seg[1])
		rep.Stats.Add(res.Stats)
		rep.Errors = append(rep.Errors, res.Errors...)
		if err != nil {
			rep.fail("segment %d: %v", i+1, err)
			continue
		}
		rep.SegmentsDone++
	}

	integrity := o.checkIntegrity(ctx, start, end, rep)
	rep.Integrity = &integrity
	rep.Success = rep.SegmentsDone > 0 && integrity.Passed
}

func (o *Orchestrator) precheck(ctx context.Context) error {
	if _, err := o.deps.Calendar.ListCalendars(ctx); err != nil {
		return fmt.Errorf("calendar: %w", err)
	}
	if err := o.deps.Repo.Ping(ctx); err != nil {
		return fmt.Errorf("task repository: %w", err)
	}
	return nil
}

// unhandled lists events in [start, end) that carry no mark and are not
// settled by the tracker. A tracked event still waiting for its mark counts
// as unhandled.
func (o *Orchestrator) unhandled(ctx context.Context, start, end time.Time) (total int, out []model.Event, err error) {
	cals, err := o.deps.Calendar.ListCalendars(ctx)
	if err != nil {
		return 0, nil, err
	}
	for _, c := range cals {
		evs, err := o.deps.Calendar.ListEvents(ctx, c.ID, start, end)
		if err != nil {
			appLog.Warn("scan skipped calendar", "calendar", c.ID, "err", err)
			continue
		}
		for _, ev := range evs {
			total++
			if mark.IsMarked(ev) || o.deps.Tracker.IsEventSettled(ctx, ev) {
				continue
			}
			out = append(out, ev)
		}
	}
	return total, out, nil
}

func (o *Orchestrator) checkIntegrity(ctx context.Context, start, end time.Time, rep *Report) IntegrityReport {
	var ir IntegrityReport
	total, missing, err := o.unhandled(ctx, start, end)
	if err != nil {
		ir.Issues = append(ir.Issues, fmt.Sprintf("scan failed: %v", err))
		return ir
	}
	ir.Total = total
	ir.Unhandled = len(missing)
	ir.Handled = total - len(missing)
	if total > 0 {
		ir.Ratio = float64(len(missing)) / float64(total)
	}

	if o.opts.DryRun {
		ir.Passed = true
		return ir
	}

	if ir.Ratio > maxUnhandledRatio {
		ir.Issues = append(ir.Issues, fmt.Sprintf("%d of %d events unhandled (%.0f%%)", ir.Unhandled, total, ir.Ratio*100))
	}
	processed := rep.Stats.Created + rep.Stats.Duplicates + rep.Stats.SkippedRemote
	if processed == 0 && ir.Unhandled > 0 {
		ir.Issues = append(ir.Issues, fmt.Sprintf("nothing processed while %d events remain unhandled", ir.Unhandled))
	}
	if rep.Stats.CreatedUnmarked > 0 {
		ir.Issues = append(ir.Issues, fmt.Sprintf("%d events created but left unmarked", rep.Stats.CreatedUnmarked))
	}
	for _, ev := range missing {
		appLog.Debug("unhandled event", "calendar", ev.CalendarID, "event", ev.ID, "title", ev.Title)
	}
	ir.Passed = len(ir.Issues) == 0
	if !ir.Passed {
		rep.warn("integrity check failed: %s", strings.Join(ir.Issues, "; "))
	}
	return ir
}

func (o *Orchestrator) writeSummary(ctx context.Context, rep Report) {
	notes := []string{fmt.Sprintf("window: %s .. %s", rep.WindowStart, rep.WindowEnd)}
	if rep.SegmentsAbandoned > 0 {
		notes = append(notes, fmt.Sprintf("segments abandoned: %d", rep.SegmentsAbandoned))
	}
	notes = append(notes, rep.Warnings...)
	o.deps.Repo.CreateExecutionSummary(ctx, taskrepo.Summary{
		RunID:    rep.RunID,
		Kind:     string(rep.Kind),
		Date:     o.today().Format(model.DateLayout),
		Success:  rep.Success,
		Total:    rep.Stats.Total,
		Skipped:  rep.Stats.Skipped(),
		Created:  rep.Stats.Created,
		Marked:   rep.Stats.Marked,
		Failed:   rep.Stats.Failed,
		Errors:   rep.Stats.Errors(),
		Duration: o.opts.Now().Sub(rep.Started),
		Notes:    notes,
	})
}
