package notion

import (
	"errors"
	"strings"
	"time"

	"github.com/jomei/notionapi"

	"caltasks/internal/config"
	"caltasks/internal/model"
)

// ErrNoTitle is returned for pages without a readable title property.
var ErrNoTitle = errors.New("page has no title")

func joinText(items []notionapi.RichText) string {
	var b strings.Builder
	for _, it := range items {
		switch {
		case it.PlainText != "":
			b.WriteString(it.PlainText)
		case it.Text != nil:
			b.WriteString(it.Text.Content)
		}
	}
	return b.String()
}

func titleOf(p notionapi.Property) string {
	switch v := p.(type) {
	case *notionapi.TitleProperty:
		return strings.TrimSpace(joinText(v.Title))
	case notionapi.TitleProperty:
		return strings.TrimSpace(joinText(v.Title))
	}
	return ""
}

// dateOf returns the start of a date property as YYYY-MM-DD in its own
// offset, so a local midnight written by Create reads back unchanged.
func dateOf(p notionapi.Property) (string, bool) {
	var d *notionapi.DateObject
	switch v := p.(type) {
	case *notionapi.DateProperty:
		d = v.Date
	case notionapi.DateProperty:
		d = v.Date
	}
	if d == nil || d.Start == nil {
		return "", false
	}
	return time.Time(*d.Start).Format(model.DateLayout), true
}

// textOf reads select, status and rich text properties as plain strings.
func textOf(p notionapi.Property) string {
	switch v := p.(type) {
	case *notionapi.SelectProperty:
		return v.Select.Name
	case notionapi.SelectProperty:
		return v.Select.Name
	case *notionapi.StatusProperty:
		return v.Status.Name
	case notionapi.StatusProperty:
		return v.Status.Name
	case *notionapi.RichTextProperty:
		return joinText(v.RichText)
	case notionapi.RichTextProperty:
		return joinText(v.RichText)
	}
	return ""
}

// parsePage converts a database page into a Task. Databases created by hand
// use differing property names, so title and due date are looked up under
// several aliases.
func parsePage(page notionapi.Page, props config.NotionProperties, priorityOf, statusOf map[string]string) (model.Task, error) {
	title := ""
	for _, name := range []string{props.Title, "title", "Name", "名前", "タイトル"} {
		if p, ok := page.Properties[name]; ok {
			if t := titleOf(p); t != "" {
				title = t
				break
			}
		}
	}
	if title == "" {
		for _, p := range page.Properties {
			if t := titleOf(p); t != "" {
				title = t
				break
			}
		}
	}
	if title == "" {
		return model.Task{}, ErrNoTitle
	}

	due := ""
	for _, name := range []string{props.DueDate, "due_date", "日付", "期日"} {
		if p, ok := page.Properties[name]; ok {
			if d, ok := dateOf(p); ok {
				due = d
				break
			}
		}
	}

	get := func(name string) string {
		if p, ok := page.Properties[name]; ok {
			return textOf(p)
		}
		return ""
	}

	task := model.Task{
		ID:            string(page.ID),
		URL:           page.URL,
		Title:         title,
		Type:          model.TaskType(get(props.Type)),
		Priority:      model.Priority(unlabel(priorityOf, get(props.Priority))),
		DueDate:       due,
		Source:        model.Source(get(props.Source)),
		Status:        model.Status(unlabel(statusOf, get(props.Status))),
		CreatedBy:     model.CreatedBy(get(props.CreatedBy)),
		OriginalEvent: strings.TrimSpace(get(props.OriginalEvent)),
		CreatedTime:   page.CreatedTime,
	}
	if task.Type == "" {
		task.Type = model.TypeTask
	}
	return task, nil
}

func unlabel(m map[string]string, v string) string {
	if e, ok := m[v]; ok {
		return e
	}
	return v
}
