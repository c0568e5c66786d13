// Package dedup decides whether a task draft duplicates one already in the
// repository. Deterministic rules run first; an optional Judge is consulted
// only when they find nothing.
package dedup

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"caltasks/internal/fuzzy"
	appLog "caltasks/internal/log"
	"caltasks/internal/model"
)

type Strictness string

const (
	// StrictnessBasic runs the exact and source-aware rules only.
	StrictnessBasic    Strictness = "basic"
	StrictnessStandard Strictness = "standard"
	// StrictnessSemantic adds the Judge after the standard rules.
	StrictnessSemantic Strictness = "semantic"
)

// ParseStrictness maps a config value to a Strictness, defaulting to
// standard.
func ParseStrictness(s string) Strictness {
	switch Strictness(strings.ToLower(strings.TrimSpace(s))) {
	case StrictnessBasic:
		return StrictnessBasic
	case StrictnessSemantic:
		return StrictnessSemantic
	default:
		return StrictnessStandard
	}
}

// Rule names the check that fired.
type Rule string

const (
	RuleNone        Rule = ""
	RuleExact       Rule = "exact"
	RuleSourceAware Rule = "source_aware"
	RuleSimilarity  Rule = "similarity"
	RuleSameDay     Rule = "same_day"
	RuleSemantic    Rule = "semantic"
)

// Action is the Judge's recommendation.
type Action string

const (
	ActionSkip   Action = "skip"
	ActionUpdate Action = "update"
	ActionCreate Action = "create"
)

// Verdict is the Judge's answer for a candidate against a set of tasks.
type Verdict struct {
	IsDuplicate     bool    `json:"is_duplicate"`
	SimilarityScore float64 `json:"similarity_score"`
	Action          Action  `json:"action"`
	Reason          string  `json:"reason,omitempty"`
}

// Judge is an external duplicate check, usually backed by a language model.
type Judge interface {
	CheckDuplicate(ctx context.Context, candidate model.Task, existing []model.Task) (Verdict, error)
}

// Decision is the outcome for one candidate.
type Decision struct {
	Duplicate bool
	Rule      Rule
	// Existing is the matched task; zero for semantic verdicts.
	Existing model.Task
	Score    float64
}

type Options struct {
	Strictness Strictness
	// Threshold is the similarity cut-off of the generic title rule.
	Threshold float64
	Judge     Judge
}

type Engine struct {
	strictness Strictness
	threshold  float64
	judge      Judge
}

func New(opts Options) *Engine {
	if opts.Strictness == "" {
		opts.Strictness = StrictnessStandard
	}
	if opts.Threshold <= 0 || opts.Threshold > 1 {
		opts.Threshold = 0.8
	}
	return &Engine{strictness: opts.Strictness, threshold: opts.Threshold, judge: opts.Judge}
}

// IsDuplicate runs the deterministic rules.
func (e *Engine) IsDuplicate(candidate model.Task, existing []model.Task) bool {
	return e.Match(candidate, existing).Duplicate
}

// Match runs the deterministic rules against each existing task and stops
// at the first hit. A panic during evaluation counts as no match.
func (e *Engine) Match(candidate model.Task, existing []model.Task) (d Decision) {
	d, _ = e.match(candidate, existing)
	return d
}

// match also returns the tasks that were not ruled out as definitely
// distinct, for the Judge to look at.
func (e *Engine) match(candidate model.Task, existing []model.Task) (d Decision, open []model.Task) {
	defer func() {
		if r := recover(); r != nil {
			appLog.Error("duplicate check panicked; treating as new", fmt.Errorf("%v", r), "title", candidate.Title)
			d, open = Decision{}, nil
		}
	}()

	c := newView(candidate)
	open = make([]model.Task, 0, len(existing))
	for _, t := range existing {
		rule, score, verdict := e.pair(c, newView(t))
		switch verdict {
		case pairDuplicate:
			return Decision{Duplicate: true, Rule: rule, Existing: t, Score: score}, nil
		case pairUndecided:
			open = append(open, t)
		}
	}
	return Decision{}, open
}

// Check is Match plus the Judge under semantic strictness. A Judge error
// falls back to plain title similarity.
func (e *Engine) Check(ctx context.Context, candidate model.Task, existing []model.Task) Decision {
	d, open := e.match(candidate, existing)
	if d.Duplicate || e.strictness != StrictnessSemantic || len(open) == 0 {
		return d
	}

	if e.judge != nil {
		v, err := e.judge.CheckDuplicate(ctx, candidate, open)
		if err == nil {
			if v.IsDuplicate && v.Action == ActionSkip {
				return Decision{Duplicate: true, Rule: RuleSemantic, Score: v.SimilarityScore}
			}
			return d
		}
		appLog.Warn("semantic duplicate check failed; using local similarity", "title", candidate.Title, "err", err)
	}

	base := fuzzy.Normalize(fuzzy.StripDateSuffix(candidate.Title))
	for _, t := range open {
		score := fuzzy.Similarity(base, fuzzy.Normalize(fuzzy.StripDateSuffix(t.Title)))
		if score > 0.8 {
			return Decision{Duplicate: true, Rule: RuleSemantic, Existing: t, Score: score}
		}
	}
	return d
}

type pairVerdict int

const (
	pairUndecided pairVerdict = iota
	pairDuplicate
	// pairDistinct stops evaluation for this pair.
	pairDistinct
)

// view caches the derived fields of a task.
type view struct {
	t        model.Task
	title    string
	base     string
	due      string
	suffix   string
	hasSufx  bool
	original string
}

func newView(t model.Task) view {
	suffix, ok := fuzzy.ExtractDateSuffix(t.Title)
	return view{
		t:        t,
		title:    fuzzy.Normalize(t.Title),
		base:     fuzzy.Normalize(fuzzy.StripDateSuffix(t.Title)),
		due:      model.NormalizeDate(t.DueDate),
		suffix:   suffix,
		hasSufx:  ok,
		original: OriginalEvent(t),
	}
}

func (e *Engine) pair(c, x view) (Rule, float64, pairVerdict) {
	sameSource := c.t.Source == x.t.Source

	if c.title == x.title && sameSource && model.SameDate(c.due, x.due) {
		return RuleExact, 1, pairDuplicate
	}

	// Both undated counts as the same day; one-sided dates do not.
	sameDue := c.due == x.due
	if c.t.Source == model.SourceCalendar && x.t.Source == model.SourceCalendar {
		if c.due != "" && x.due != "" && c.due != x.due {
			return RuleNone, 0, pairDistinct
		}
		if sameDue {
			if c.original != "" && c.original == x.original {
				return RuleSourceAware, 1, pairDuplicate
			}
			if c.base != "" && c.base == x.base {
				return RuleSourceAware, 1, pairDuplicate
			}
			if s := fuzzy.Similarity(c.base, x.base); s > 0.95 {
				return RuleSourceAware, s, pairDuplicate
			}
		}
	} else if sameSource && c.original != "" && c.original == x.original {
		return RuleSourceAware, 1, pairDuplicate
	}

	if e.strictness == StrictnessBasic {
		return RuleNone, 0, pairUndecided
	}

	sim := fuzzy.Similarity(c.base, x.base)
	if sim >= e.threshold {
		switch {
		case c.hasSufx && !x.hasSufx:
			// A dated candidate is more specific than an undated task.
		case c.hasSufx && x.hasSufx:
			if c.suffix == x.suffix {
				return RuleSimilarity, sim, pairDuplicate
			}
		default:
			return RuleSimilarity, sim, pairDuplicate
		}
	}

	if c.due != "" && sameDue {
		if c.base != "" && c.base == x.base {
			return RuleSameDay, 1, pairDuplicate
		}
		if sim > 0.9 {
			return RuleSameDay, sim, pairDuplicate
		}
	}
	return RuleNone, sim, pairUndecided
}

var originalEventPattern = regexp.MustCompile(regexp.QuoteMeta(model.OriginalEventLabel) + `\s*([^|]+)`)

// OriginalEvent returns the task's source event title, recovering it from
// the context text for tasks stored without the property.
func OriginalEvent(t model.Task) string {
	if s := strings.TrimSpace(t.OriginalEvent); s != "" {
		return s
	}
	if m := originalEventPattern.FindStringSubmatch(t.Context); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

// MergeProposal describes how two duplicate tasks could be combined. Nothing
// applies it automatically.
type MergeProposal struct {
	// Primary is the task that should survive.
	Primary model.Task
	Merged  model.Task
	Reason  string
}

// SuggestMerge proposes combining candidate into duplicate.
func SuggestMerge(candidate, duplicate model.Task) MergeProposal {
	primary := duplicate
	if len(candidate.Context) > len(duplicate.Context) {
		primary = candidate
	}

	merged := primary
	merged.Title = duplicate.Title
	if len([]rune(candidate.Title)) > len([]rune(duplicate.Title)) {
		merged.Title = candidate.Title
	}
	merged.Priority = candidate.Priority
	if duplicate.Priority.Rank() > candidate.Priority.Rank() {
		merged.Priority = duplicate.Priority
	}
	merged.DueDate = earliest(candidate.DueDate, duplicate.DueDate)

	parts := make([]string, 0, 2)
	for _, c := range []string{candidate.Context, duplicate.Context} {
		if strings.TrimSpace(c) != "" {
			parts = append(parts, c)
		}
	}
	merged.Context = strings.Join(parts, " | ")

	return MergeProposal{
		Primary: primary,
		Merged:  merged,
		Reason:  "similar task already exists: " + duplicate.Title,
	}
}

func earliest(a, b string) string {
	na, nb := model.NormalizeDate(a), model.NormalizeDate(b)
	switch {
	case na == "":
		return nb
	case nb == "":
		return na
	case na < nb:
		return na
	default:
		return nb
	}
}
