package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	appLog "caltasks/internal/log"
)

const (
	minSuccessRate = 0.9
	primaryMaxGap  = 48 * time.Hour
	connectivityOK = "ok"
)

// HealthReport is the weekly self-check.
type HealthReport struct {
	RunID          string    `json:"run_id"`
	Checked        time.Time `json:"checked"`
	Healthy        bool      `json:"healthy"`
	Counters       Counters  `json:"counters"`
	SuccessRate    float64   `json:"success_rate"`
	LastPrimary    time.Time `json:"last_primary,omitempty"`
	TrackerRemoved int       `json:"tracker_removed"`
	Warnings       []string  `json:"warnings,omitempty"`
}

func (h *HealthReport) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	h.Warnings = append(h.Warnings, msg)
	appLog.Warn(msg, "run", h.RunID)
}

// HealthCheck looks at counters, locks and run recency, prunes old tracker
// entries and stores the result.
func (o *Orchestrator) HealthCheck(ctx context.Context) (h HealthReport) {
	rc := o.newRun(KindHealth)
	h = HealthReport{RunID: rc.ID, Checked: rc.Started}
	defer func() {
		if r := recover(); r != nil {
			h.warn("health check aborted: %v", r)
		}
		h.Healthy = len(h.Warnings) == 0
		o.saveHealth(context.WithoutCancel(ctx), h)
	}()

	counters, err := o.Counters(ctx)
	if err != nil {
		h.warn("counters unreadable: %v", err)
	}
	h.Counters = counters
	h.SuccessRate = counters.SuccessRate()
	if counters.Runs > 0 && h.SuccessRate < minSuccessRate {
		h.warn("success rate %.0f%% is below %.0f%%", h.SuccessRate*100, minSuccessRate*100)
	}

	for _, kind := range Kinds {
		info, err := o.Lock(ctx, kind)
		if err != nil {
			h.warn("%s lock unreadable: %v", kind, err)
			continue
		}
		if info != nil && info.Stale {
			h.warn("%s lock held by %s for %s", kind, info.ID, info.Age.Round(time.Minute))
		}
	}

	if last, err := o.LastReport(ctx, KindPrimary); err != nil || last == nil {
		h.warn("no primary run recorded")
	} else {
		h.LastPrimary = last.Finished
		if gap := o.opts.Now().Sub(last.Finished); gap > primaryMaxGap {
			h.warn("last primary run finished %s ago", gap.Round(time.Hour))
		}
	}

	removed, err := o.deps.Tracker.Cleanup(ctx, o.opts.TrackerRetention)
	if err != nil {
		h.warn("tracker cleanup failed: %v", err)
	}
	h.TrackerRemoved = removed

	if err := o.deps.Repo.Ping(ctx); err != nil {
		h.warn("task repository unreachable: %v", err)
	}
	appLog.Info("health check finished", "run", rc.ID, "warnings", len(h.Warnings))
	return h
}

func (o *Orchestrator) saveHealth(ctx context.Context, h HealthReport) {
	raw, err := json.Marshal(h)
	if err == nil {
		err = o.deps.KV.Set(ctx, healthKey, string(raw))
	}
	if err != nil {
		appLog.Error("health report not saved", err, "run", h.RunID)
	}
}

// LastHealth returns the stored health report.
func (o *Orchestrator) LastHealth(ctx context.Context) (*HealthReport, error) {
	raw, ok, err := o.deps.KV.Get(ctx, healthKey)
	if err != nil || !ok {
		return nil, err
	}
	var h HealthReport
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// StatusReport is a read-only view of the execution records.
type StatusReport struct {
	Now          time.Time          `json:"now"`
	Locks        map[Kind]*LockInfo `json:"locks"`
	Last         map[Kind]*Report   `json:"last"`
	Counters     Counters           `json:"counters"`
	Health       *HealthReport      `json:"health,omitempty"`
	Connectivity map[string]string  `json:"connectivity"`
	Tracked      map[string]int     `json:"tracked"`
}

// Status collects locks, last results, counters and connectivity. It never
// fails; unreadable parts are left empty and noted in Connectivity.
func (o *Orchestrator) Status(ctx context.Context) StatusReport {
	st := StatusReport{
		Now:          o.opts.Now(),
		Locks:        map[Kind]*LockInfo{},
		Last:         map[Kind]*Report{},
		Connectivity: map[string]string{},
		Tracked:      map[string]int{},
	}
	for _, kind := range Kinds {
		if info, err := o.Lock(ctx, kind); err == nil && info != nil {
			st.Locks[kind] = info
		}
		if rep, err := o.LastReport(ctx, kind); err == nil && rep != nil {
			st.Last[kind] = rep
		}
	}
	if c, err := o.Counters(ctx); err == nil {
		st.Counters = c
	}
	if h, err := o.LastHealth(ctx); err == nil {
		st.Health = h
	}
	if events, messages, err := o.deps.Tracker.Count(ctx); err == nil {
		st.Tracked["events"] = events
		st.Tracked["messages"] = messages
	}

	st.Connectivity["calendar"] = connectivityOK
	if _, err := o.deps.Calendar.ListCalendars(ctx); err != nil {
		st.Connectivity["calendar"] = err.Error()
	}
	st.Connectivity["repository"] = connectivityOK
	if err := o.deps.Repo.Ping(ctx); err != nil {
		st.Connectivity["repository"] = err.Error()
	}
	st.Connectivity["state"] = connectivityOK
	if _, _, err := o.deps.KV.Get(ctx, countersKey); err != nil {
		st.Connectivity["state"] = err.Error()
	}
	return st
}

// RunMail runs the mail pipeline under its own lock.
func (o *Orchestrator) RunMail(ctx context.Context) (rep Report) {
	rc := o.newRun(KindMail)
	rep = newReport(rc)
	defer o.finish(ctx, &rep)

	if o.deps.Mail == nil {
		rep.fail("mail pipeline is disabled")
		return rep
	}
	release := o.start(ctx, rc, &rep)
	if release == nil {
		return rep
	}
	defer release()

	res, err := o.deps.Mail.Run(ctx)
	rep.Mail = &res.Stats
	rep.Errors = append(rep.Errors, res.Errors...)
	if err != nil {
		rep.fail("mail run: %v", err)
		return rep
	}
	rep.Success = res.Stats.Failed == 0
	return rep
}
