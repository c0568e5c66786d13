// Package semantic extracts follow-up tasks from events and messages. The
// LLM extractor degrades to keyword rules whenever the model call or its
// output cannot be used.
package semantic

import (
	"context"
	"regexp"
	"strings"
	"time"

	"caltasks/internal/mail"
	"caltasks/internal/model"
)

// Extractor turns an event or a message into zero or more task drafts.
// Implementations never fail; a broken backend yields fallback drafts.
type Extractor interface {
	EventTasks(ctx context.Context, ev model.Event) []model.Task
	MessageTasks(ctx context.Context, msg mail.Message) []model.Task
}

var (
	meetingKeywords = []string{"会議", "ミーティング", "打ち合わせ", "meeting", "mtg"}
	actionPhrases   = []string{
		"確認してください", "確認をお願い", "対応してください", "対応をお願い",
		"準備してください", "準備をお願い", "送付してください", "送付をお願い",
		"作成してください", "作成をお願い", "提出してください", "提出をお願い",
		"返信してください", "返信をお願い", "回答してください", "回答をお願い",
		"please review", "please confirm", "please reply", "action required",
	}
	urgentWords    = []string{"緊急", "至急", "urgent", "asap"}
	dateMentionRes = []*regexp.Regexp{
		regexp.MustCompile(`\d{1,2}月\d{1,2}日`),
		regexp.MustCompile(`\d{4}/\d{1,2}/\d{1,2}`),
		regexp.MustCompile(`明日|明後日|tomorrow`),
	}
)

// Rules is the keyword-based Extractor.
type Rules struct {
	loc *time.Location
	now func() time.Time
}

func NewRules(loc *time.Location) *Rules {
	if loc == nil {
		loc = time.Local
	}
	return &Rules{loc: loc, now: time.Now}
}

func containsAny(s string, words []string) bool {
	s = strings.ToLower(s)
	for _, w := range words {
		if strings.Contains(s, strings.ToLower(w)) {
			return true
		}
	}
	return false
}

// EventTasks proposes a preparation task due the day before a meeting.
func (r *Rules) EventTasks(_ context.Context, ev model.Event) []model.Task {
	if !containsAny(ev.Title, meetingKeywords) {
		return nil
	}
	date := ev.Date(r.loc)
	day, err := time.ParseInLocation(model.DateLayout, date, r.loc)
	if err != nil {
		return nil
	}
	return []model.Task{{
		Title:     ev.Title + " prep",
		Type:      model.TypeTask,
		Priority:  model.PriorityMedium,
		DueDate:   day.AddDate(0, 0, -1).Format(model.DateLayout),
		Source:    model.SourceCalendar,
		CreatedBy: model.CreatedByAuto,
		Context:   "prep for " + ev.Title + " on " + date,
	}}
}

// MessageTasks files one follow-up for messages that ask for action or are
// still unread.
func (r *Rules) MessageTasks(_ context.Context, msg mail.Message) []model.Task {
	if !msg.Unread && !containsAny(msg.Subject+"\n"+msg.Body, actionPhrases) {
		return nil
	}

	title := msg.Subject + " - follow up"
	if strings.Contains(msg.Subject, "Re:") {
		title = strings.TrimSpace(strings.Replace(msg.Subject, "Re:", "", 1)) + " - reply"
	}

	priority := model.PriorityMedium
	if containsAny(msg.Subject+"\n"+msg.Body, urgentWords) {
		priority = model.PriorityHigh
	}

	due := ""
	for _, re := range dateMentionRes {
		if re.MatchString(msg.Body) {
			due = r.now().In(r.loc).AddDate(0, 0, 7).Format(model.DateLayout)
			break
		}
	}

	return []model.Task{{
		Title:         title,
		Type:          model.TypeTask,
		Priority:      priority,
		DueDate:       due,
		Source:        model.SourceGmail,
		CreatedBy:     model.CreatedByAuto,
		OriginalEvent: msg.Subject,
		Context:       "From: " + msg.From,
	}}
}
