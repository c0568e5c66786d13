// Package taskrepo wraps the task database behind a small Store interface
// and adds the repository-side "already processed" check.
package taskrepo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	appLog "caltasks/internal/log"
	"caltasks/internal/model"
)

// Filter is an AND of the non-zero fields.
type Filter struct {
	Type          model.TaskType
	Source        model.Source
	Status        model.Status
	TitleEquals   string
	TitleContains string
	// DueOnOrAfter and DueOnOrBefore are YYYY-MM-DD; tasks without a due
	// date never match a due bound.
	DueOnOrAfter     string
	DueOnOrBefore    string
	CreatedOnOrAfter time.Time
	// Limit caps the number of results; 0 means all.
	Limit int
}

// Matches reports whether t satisfies f. Stores that cannot push a filter
// down use it directly.
func (f Filter) Matches(t model.Task) bool {
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.Source != "" && t.Source != f.Source {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.TitleEquals != "" && t.Title != f.TitleEquals {
		return false
	}
	if f.TitleContains != "" && !strings.Contains(strings.ToLower(t.Title), strings.ToLower(f.TitleContains)) {
		return false
	}
	due := model.NormalizeDate(t.DueDate)
	if f.DueOnOrAfter != "" && (due == "" || due < model.NormalizeDate(f.DueOnOrAfter)) {
		return false
	}
	if f.DueOnOrBefore != "" && (due == "" || due > model.NormalizeDate(f.DueOnOrBefore)) {
		return false
	}
	if !f.CreatedOnOrAfter.IsZero() && t.CreatedTime.Before(f.CreatedOnOrAfter) {
		return false
	}
	return true
}

// Created identifies a newly created task.
type Created struct {
	ID  string
	URL string
}

// Store is the task database. Query returns newest first.
type Store interface {
	Create(ctx context.Context, task model.Task) (Created, error)
	Query(ctx context.Context, f Filter) ([]model.Task, error)
}

// Pinger is implemented by stores that can check connectivity cheaply.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Result is the outcome of a create. Error is set when Success is false.
type Result struct {
	Success bool
	ID      string
	URL     string
	Error   error
}

// Adapter adds defaults, panic isolation and the processed check on top of
// a Store.
type Adapter struct {
	store Store
}

func NewAdapter(store Store) *Adapter {
	return &Adapter{store: store}
}

// CreateTask fills defaults and creates the task. It never panics and never
// returns an error directly.
func (a *Adapter) CreateTask(ctx context.Context, task model.Task) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Error: fmt.Errorf("create task panicked: %v", r)}
			appLog.Error("create task panicked", res.Error, "title", task.Title)
		}
	}()

	if strings.TrimSpace(task.Title) == "" {
		return Result{Error: errors.New("task title is empty")}
	}
	if task.Type == "" {
		task.Type = model.TypeTask
	}
	if task.Status == "" {
		task.Status = model.StatusNotStarted
	}
	if task.CreatedBy == "" {
		task.CreatedBy = model.CreatedByAuto
	}
	if task.Priority == "" {
		task.Priority = model.PriorityMedium
	}
	task.DueDate = model.NormalizeDate(task.DueDate)

	created, err := a.store.Create(ctx, task)
	if err != nil {
		appLog.Error("create task failed", err, "title", task.Title)
		return Result{Error: err}
	}
	appLog.Info("task created", "title", task.Title, "id", created.ID)
	return Result{Success: true, ID: created.ID, URL: created.URL}
}

func (a *Adapter) QueryTasks(ctx context.Context, f Filter) ([]model.Task, error) {
	tasks, err := a.store.Query(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	return tasks, nil
}

// ExistingTasks returns the dedup snapshot for one source: tasks of type
// task created since the given time.
func (a *Adapter) ExistingTasks(ctx context.Context, source model.Source, since time.Time) ([]model.Task, error) {
	return a.QueryTasks(ctx, Filter{Type: model.TypeTask, Source: source, CreatedOnOrAfter: since})
}

// IsAlreadyProcessed asks the repository whether a calendar task for this
// event title and date exists. Query failures count as not processed.
func (a *Adapter) IsAlreadyProcessed(ctx context.Context, originalTitle, dueDate string) bool {
	due := model.NormalizeDate(dueDate)
	if due != "" {
		exact, err := a.store.Query(ctx, Filter{
			Type:        model.TypeTask,
			Source:      model.SourceCalendar,
			TitleEquals: originalTitle + " (" + due + ")",
			Limit:       1,
		})
		if err != nil {
			appLog.Warn("processed check failed", "title", originalTitle, "err", err)
			return false
		}
		if len(exact) > 0 {
			return true
		}
	}

	similar, err := a.store.Query(ctx, Filter{
		Source:        model.SourceCalendar,
		TitleContains: originalTitle,
	})
	if err != nil {
		appLog.Warn("processed check failed", "title", originalTitle, "err", err)
		return false
	}
	if due == "" {
		return len(similar) > 0
	}
	for _, t := range similar {
		if model.SameDate(t.DueDate, due) {
			return true
		}
	}
	return false
}

// Summary is the per-run diagnostic record.
type Summary struct {
	RunID    string
	Kind     string
	Date     string
	Success  bool
	Total    int
	Skipped  int
	Created  int
	Marked   int
	Failed   int
	Errors   int
	Duration time.Duration
	Notes    []string
}

// CreateExecutionSummary writes one summary record. Failures are logged and
// returned but never affect the run.
func (a *Adapter) CreateExecutionSummary(ctx context.Context, s Summary) Result {
	status := "ok"
	if !s.Success {
		status = "failed"
	}
	lines := []string{
		fmt.Sprintf("run: %s (%s)", s.RunID, s.Kind),
		fmt.Sprintf("status: %s", status),
		fmt.Sprintf("total: %d, skipped: %d, created: %d, marked: %d, failed: %d, errors: %d",
			s.Total, s.Skipped, s.Created, s.Marked, s.Failed, s.Errors),
		fmt.Sprintf("duration: %s", s.Duration.Round(time.Millisecond)),
	}
	lines = append(lines, s.Notes...)

	res := a.CreateTask(ctx, model.Task{
		Title:    fmt.Sprintf("Execution summary %s %s", s.Kind, s.Date),
		Type:     model.TypeSummary,
		Priority: model.PriorityLow,
		DueDate:  s.Date,
		Source:   model.SourceSystem,
		Status:   model.StatusDone,
		Context:  strings.Join(lines, "\n"),
	})
	if !res.Success {
		appLog.Warn("execution summary not written", "run", s.RunID, "err", res.Error)
	}
	return res
}

// Ping checks connectivity when the store supports it.
func (a *Adapter) Ping(ctx context.Context) error {
	if p, ok := a.store.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
