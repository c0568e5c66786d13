package taskrepo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"caltasks/internal/model"
)

// Memory is an in-process Store for tests and dry runs.
type Memory struct {
	mu    sync.Mutex
	tasks []model.Task
	seq   int
	now   func() time.Time

	// Hooks for fault injection.
	CreateErr func(task model.Task) error
	QueryErr  error
	PingErr   error

	queries int
}

func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

// SetClock overrides the creation timestamp source.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Seed inserts tasks as if they already existed.
func (m *Memory) Seed(tasks ...model.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tasks {
		m.seq++
		if t.ID == "" {
			t.ID = fmt.Sprintf("mem-%d", m.seq)
		}
		if t.CreatedTime.IsZero() {
			t.CreatedTime = m.now()
		}
		m.tasks = append(m.tasks, t)
	}
}

// Tasks returns a copy of everything stored, oldest first.
func (m *Memory) Tasks() []model.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Task, len(m.tasks))
	copy(out, m.tasks)
	return out
}

// Queries reports how many queries were served.
func (m *Memory) Queries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queries
}

func (m *Memory) Create(_ context.Context, task model.Task) (Created, error) {
	if m.CreateErr != nil {
		if err := m.CreateErr(task); err != nil {
			return Created{}, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	task.ID = fmt.Sprintf("mem-%d", m.seq)
	task.URL = "memory://tasks/" + task.ID
	task.CreatedTime = m.now()
	m.tasks = append(m.tasks, task)
	return Created{ID: task.ID, URL: task.URL}, nil
}

func (m *Memory) Query(_ context.Context, f Filter) ([]model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries++
	if m.QueryErr != nil {
		return nil, m.QueryErr
	}
	out := make([]model.Task, 0)
	for _, t := range m.tasks {
		if f.Matches(t) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedTime.After(out[j].CreatedTime)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) Ping(_ context.Context) error {
	return m.PingErr
}
