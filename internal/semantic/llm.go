package semantic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"caltasks/internal/dedup"
	appLog "caltasks/internal/log"
	"caltasks/internal/mail"
	"caltasks/internal/model"
)

// maxDigest caps how many existing tasks are listed in a duplicate prompt.
const maxDigest = 20

// OpenAIOptions configures an OpenAI-compatible endpoint.
type OpenAIOptions struct {
	APIKey   string
	BaseURL  string
	Model    string
	Language string
	Location *time.Location
}

// LLM is an Extractor and a dedup.Judge backed by a chat model.
type LLM struct {
	model    llms.Model
	language string
	loc      *time.Location
	fallback *Rules
}

func NewOpenAI(opts OpenAIOptions) (*LLM, error) {
	clientOpts := []openai.Option{
		openai.WithToken(opts.APIKey),
		openai.WithModel(opts.Model),
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, openai.WithBaseURL(opts.BaseURL))
	}
	m, err := openai.New(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create llm client: %w", err)
	}
	return New(m, opts.Language, opts.Location), nil
}

// New wraps any llms.Model.
func New(m llms.Model, language string, loc *time.Location) *LLM {
	if language == "" {
		language = "Japanese"
	}
	if loc == nil {
		loc = time.Local
	}
	return &LLM{model: m, language: language, loc: loc, fallback: NewRules(loc)}
}

func (l *LLM) complete(ctx context.Context, prompt string) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, l.model, prompt, llms.WithTemperature(0.2))
}

func (l *LLM) EventTasks(ctx context.Context, ev model.Event) []model.Task {
	start := ev.Start.In(l.loc).Format("2006-01-02 15:04")
	end := ev.End.In(l.loc).Format("2006-01-02 15:04")
	prompt := fmt.Sprintf(`You are a task management assistant. Find preparation and follow-up tasks for this calendar event.

Event:
- title: %s
- start: %s
- end: %s
- location: %s
- description: %s
- guests: %d

Rules:
1. Only tasks the attendee must do before or after the event.
2. due_date is YYYY-MM-DD and no later than the event day for preparation tasks.
3. Write titles in %s.

Reply with a JSON array only, no prose:
[{"title": "...", "priority": "high|medium|low", "due_date": "YYYY-MM-DD", "context": "..."}]
Reply [] when there is nothing to do.`,
		ev.Title, start, end, orNone(ev.Location), orNone(truncate(ev.Description, 500)), ev.GuestCount, l.language)

	drafts, err := l.tasks(ctx, prompt)
	if err != nil {
		appLog.Warn("llm event extraction failed; using rules", "event", ev.ID, "err", err)
		return l.fallback.EventTasks(ctx, ev)
	}
	out := make([]model.Task, 0, len(drafts))
	for _, d := range drafts {
		t := d.task(model.SourceCalendar)
		t.Context = strings.TrimSpace("prep for " + ev.Title + " on " + ev.Date(l.loc) + " | " + t.Context)
		out = append(out, t)
	}
	return out
}

func (l *LLM) MessageTasks(ctx context.Context, msg mail.Message) []model.Task {
	prompt := fmt.Sprintf(`You are a task management assistant. Extract the tasks the recipient must act on from this email.

From: %s
Subject: %s
Received: %s
Body:
%s

Rules:
1. Ignore newsletters, notifications and anything that needs no action.
2. due_date is YYYY-MM-DD when the email implies a deadline, otherwise empty.
3. Write titles in %s.

Reply with a JSON array only, no prose:
[{"title": "...", "priority": "high|medium|low", "due_date": "YYYY-MM-DD", "context": "..."}]
Reply [] when there is nothing to do.`,
		msg.From, msg.Subject, msg.Date.In(l.loc).Format(time.RFC3339), truncate(msg.Body, 3000), l.language)

	drafts, err := l.tasks(ctx, prompt)
	if err != nil {
		appLog.Warn("llm mail extraction failed; using rules", "message", msg.ID, "err", err)
		return l.fallback.MessageTasks(ctx, msg)
	}
	out := make([]model.Task, 0, len(drafts))
	for _, d := range drafts {
		t := d.task(model.SourceGmail)
		t.OriginalEvent = msg.Subject
		if t.Context == "" {
			t.Context = "From: " + msg.From
		}
		out = append(out, t)
	}
	return out
}

// CheckDuplicate implements dedup.Judge. Errors are returned so the engine
// can apply its own fallback.
func (l *LLM) CheckDuplicate(ctx context.Context, candidate model.Task, existing []model.Task) (dedup.Verdict, error) {
	var digest strings.Builder
	for i, t := range existing {
		if i == maxDigest {
			break
		}
		fmt.Fprintf(&digest, "%d. %s (priority: %s, due: %s)\n", i+1, t.Title, t.Priority, orNone(t.DueDate))
	}
	prompt := fmt.Sprintf(`Decide whether the new task duplicates one of the existing tasks.

New task:
- title: %s
- priority: %s
- due: %s
- context: %s

Existing tasks:
%s
Criteria: substantially the same work, due dates within three days, similar priority.

Reply with a JSON object only, no prose:
{"is_duplicate": false, "similarity_score": 0.0, "reason": "...", "action": "skip|update|create"}`,
		candidate.Title, candidate.Priority, orNone(candidate.DueDate), orNone(truncate(candidate.Context, 300)), digest.String())

	resp, err := l.complete(ctx, prompt)
	if err != nil {
		return dedup.Verdict{}, fmt.Errorf("duplicate prompt: %w", err)
	}
	return parseVerdict(resp)
}

type draft struct {
	Title    string `json:"title"`
	Priority string `json:"priority"`
	DueDate  string `json:"due_date"`
	Context  string `json:"context"`
}

func (d draft) task(source model.Source) model.Task {
	return model.Task{
		Title:     strings.TrimSpace(d.Title),
		Type:      model.TypeTask,
		Priority:  parsePriority(d.Priority),
		DueDate:   model.NormalizeDate(d.DueDate),
		Source:    source,
		CreatedBy: model.CreatedByAuto,
		Context:   strings.TrimSpace(d.Context),
	}
}

func (l *LLM) tasks(ctx context.Context, prompt string) ([]draft, error) {
	resp, err := l.complete(ctx, prompt)
	if err != nil {
		return nil, err
	}
	return parseTasks(resp)
}

var errNoJSON = errors.New("no JSON found in reply")

// jsonSpan strips code fences and returns the text between the first open
// and the last close delimiter.
func jsonSpan(s string, first, last byte) (string, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	i := strings.IndexByte(s, first)
	j := strings.LastIndexByte(s, last)
	if i < 0 || j < i {
		return "", errNoJSON
	}
	return s[i : j+1], nil
}

// parseTasks reads a JSON array of drafts and drops entries without a title
// or with an unknown priority.
func parseTasks(reply string) ([]draft, error) {
	span, err := jsonSpan(reply, '[', ']')
	if err != nil {
		return nil, err
	}
	var raw []draft
	if err := json.Unmarshal([]byte(span), &raw); err != nil {
		return nil, fmt.Errorf("decode tasks: %w", err)
	}
	out := make([]draft, 0, len(raw))
	for _, d := range raw {
		if strings.TrimSpace(d.Title) == "" || parsePriority(d.Priority) == "" {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func parseVerdict(reply string) (dedup.Verdict, error) {
	span, err := jsonSpan(reply, '{', '}')
	if err != nil {
		return dedup.Verdict{}, err
	}
	var v dedup.Verdict
	if err := json.Unmarshal([]byte(span), &v); err != nil {
		return dedup.Verdict{}, fmt.Errorf("decode verdict: %w", err)
	}
	v.Action = dedup.Action(strings.ToLower(strings.TrimSpace(string(v.Action))))
	switch v.Action {
	case dedup.ActionSkip, dedup.ActionUpdate, dedup.ActionCreate:
	default:
		return dedup.Verdict{}, fmt.Errorf("unknown action %q", v.Action)
	}
	return v, nil
}

func parsePriority(s string) model.Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "高":
		return model.PriorityHigh
	case "medium", "中":
		return model.PriorityMedium
	case "low", "低":
		return model.PriorityLow
	}
	return ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "none"
	}
	return s
}
