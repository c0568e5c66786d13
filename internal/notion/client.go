// Package notion implements taskrepo.Store on a Notion database.
package notion

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jomei/notionapi"

	"caltasks/internal/config"
	appLog "caltasks/internal/log"
	"caltasks/internal/model"
	"caltasks/internal/retry"
	"caltasks/internal/taskrepo"
)

// maxTextRunes is the Notion limit for one rich text object.
const maxTextRunes = 1900

type Options struct {
	Token      string
	DatabaseID string
	// BaseURL points the client at another endpoint, e.g. a proxy. Empty
	// means api.notion.com.
	BaseURL    string
	Version    string
	Properties config.NotionProperties
	Labels     config.NotionLabels
	// Location anchors due dates, which are written as local midnight.
	Location   *time.Location
	HTTPClient *http.Client
	// Attempts bounds retries. Rate limits are retried for every request;
	// server errors only for reads.
	Attempts int
	Backoff  time.Duration
	Sleep    retry.SleepFunc
	Now      func() time.Time
}

// Client talks to one database.
type Client struct {
	opts Options
	api  *notionapi.Client
	db   notionapi.DatabaseID
	// reverse label maps, label -> enum value
	priorityOf map[string]string
	statusOf   map[string]string
}

func New(opts Options) *Client {
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if base := rebaseTarget(opts.BaseURL); base != nil {
		next := httpClient.Transport
		if next == nil {
			next = http.DefaultTransport
		}
		cp := *httpClient
		cp.Transport = &rebase{base: base, next: next}
		httpClient = &cp
	}

	apiOpts := []notionapi.ClientOption{
		notionapi.WithHTTPClient(httpClient),
		notionapi.WithRetry(opts.Attempts),
	}
	if opts.Version != "" {
		apiOpts = append(apiOpts, notionapi.WithVersion(opts.Version))
	}
	return &Client{
		opts:       opts,
		api:        notionapi.NewClient(notionapi.Token(opts.Token), apiOpts...),
		db:         notionapi.DatabaseID(opts.DatabaseID),
		priorityOf: reverse(opts.Labels.Priority),
		statusOf:   reverse(opts.Labels.Status),
	}
}

func reverse(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

// rebaseTarget returns nil for the public endpoint.
func rebaseTarget(raw string) *url.URL {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil || u.Host == "" || u.Host == "api.notion.com" {
		return nil
	}
	u.Path = strings.TrimSuffix(u.Path, "/v1")
	return u
}

// rebase sends requests built for api.notion.com to another host.
type rebase struct {
	base *url.URL
	next http.RoundTripper
}

func (r *rebase) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.URL.Scheme = r.base.Scheme
	out.URL.Host = r.base.Host
	out.URL.Path = r.base.Path + req.URL.Path
	out.Host = r.base.Host
	return r.next.RoundTrip(out)
}

// Create files one page. Only rate limits are retried: a server error may
// hide a committed write, so the database is checked for the page before
// the error is returned.
func (c *Client) Create(ctx context.Context, task model.Task) (taskrepo.Created, error) {
	started := c.opts.Now()
	req := &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: c.db,
		},
		Properties: c.properties(task),
	}
	if blocks := paragraphs(task.Context); len(blocks) > 0 {
		req.Children = blocks
	}

	page, err := c.api.Page.Create(ctx, req)
	if err == nil {
		return taskrepo.Created{ID: string(page.ID), URL: page.URL}, nil
	}
	if ctx.Err() == nil && !clientError(err) {
		if found, ok := c.committed(ctx, task.Title, started); ok {
			appLog.Warn("create reported failure but page exists", "title", task.Title, "id", found.ID, "err", err)
			return taskrepo.Created{ID: found.ID, URL: found.URL}, nil
		}
	}
	return taskrepo.Created{}, fmt.Errorf("create page: %w", err)
}

// committed looks for a page with exactly title created since started.
func (c *Client) committed(ctx context.Context, title string, started time.Time) (model.Task, bool) {
	tasks, err := c.Query(ctx, taskrepo.Filter{
		TitleEquals: title,
		// created_time has minute precision.
		CreatedOnOrAfter: started.Add(-2 * time.Minute),
		Limit:            1,
	})
	if err != nil || len(tasks) == 0 {
		if err != nil {
			appLog.Warn("lookup after failed create failed", "title", title, "err", err)
		}
		return model.Task{}, false
	}
	return tasks[0], true
}

func (c *Client) properties(task model.Task) notionapi.Properties {
	p := c.opts.Properties
	props := notionapi.Properties{
		p.Title:     notionapi.TitleProperty{Title: richText(task.Title)},
		p.Type:      selectValue(string(task.Type)),
		p.Priority:  selectValue(label(c.opts.Labels.Priority, string(task.Priority))),
		p.Source:    selectValue(string(task.Source)),
		p.Status:    selectValue(label(c.opts.Labels.Status, string(task.Status))),
		p.CreatedBy: selectValue(string(task.CreatedBy)),
	}
	if d, ok := c.date(task.DueDate); ok {
		props[p.DueDate] = notionapi.DateProperty{Date: &notionapi.DateObject{Start: d}}
	}
	if task.OriginalEvent != "" {
		props[p.OriginalEvent] = notionapi.RichTextProperty{RichText: richText(task.OriginalEvent)}
	}
	return props
}

// date parses a YYYY-MM-DD value as local midnight.
func (c *Client) date(s string) (*notionapi.Date, bool) {
	if s == "" {
		return nil, false
	}
	t, err := time.ParseInLocation(model.DateLayout, s, c.opts.Location)
	if err != nil {
		return nil, false
	}
	d := notionapi.Date(t)
	return &d, true
}

func label(m map[string]string, v string) string {
	if l, ok := m[v]; ok && l != "" {
		return l
	}
	return v
}

func selectValue(name string) notionapi.SelectProperty {
	return notionapi.SelectProperty{Select: notionapi.Option{Name: name}}
}

func richText(s string) []notionapi.RichText {
	out := make([]notionapi.RichText, 0, 1)
	for _, chunk := range ChunkText(s, maxTextRunes) {
		out = append(out, notionapi.RichText{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: chunk}})
	}
	return out
}

func paragraphs(s string) []notionapi.Block {
	out := make([]notionapi.Block, 0)
	for _, chunk := range ChunkText(s, maxTextRunes) {
		out = append(out, &notionapi.ParagraphBlock{
			BasicBlock: notionapi.BasicBlock{
				Object: notionapi.ObjectTypeBlock,
				Type:   notionapi.BlockTypeParagraph,
			},
			Paragraph: notionapi.Paragraph{RichText: richText(chunk)},
		})
	}
	return out
}

// ChunkText splits s into pieces of at most n runes. Empty input yields no
// chunks.
func ChunkText(s string, n int) []string {
	if s == "" {
		return nil
	}
	if n <= 0 {
		return []string{s}
	}
	runes := []rune(s)
	out := make([]string, 0, len(runes)/n+1)
	for len(runes) > 0 {
		end := n
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[:end]))
		runes = runes[end:]
	}
	return out
}

// Query pages through the database, newest first. Pages that cannot be
// parsed are logged and skipped.
func (c *Client) Query(ctx context.Context, f taskrepo.Filter) ([]model.Task, error) {
	req := &notionapi.DatabaseQueryRequest{
		Sorts: []notionapi.SortObject{{
			Timestamp: notionapi.TimestampCreated,
			Direction: notionapi.SortOrderDESC,
		}},
	}
	if clauses := c.filterClauses(f); len(clauses) > 0 {
		req.Filter = notionapi.AndCompoundFilter(clauses)
	}

	out := make([]model.Task, 0)
	for {
		req.PageSize = 100
		if f.Limit > 0 && f.Limit-len(out) < req.PageSize {
			req.PageSize = f.Limit - len(out)
		}

		var resp *notionapi.DatabaseQueryResponse
		err := c.read(ctx, "query", func() error {
			var err error
			resp, err = c.api.Database.Query(ctx, c.db, req)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("query database: %w", err)
		}
		for _, page := range resp.Results {
			task, err := parsePage(page, c.opts.Properties, c.priorityOf, c.statusOf)
			if err != nil {
				appLog.Warn("skipping unreadable page", "id", string(page.ID), "err", err)
				continue
			}
			out = append(out, task)
		}
		if !resp.HasMore || resp.NextCursor == "" || (f.Limit > 0 && len(out) >= f.Limit) {
			break
		}
		req.StartCursor = resp.NextCursor
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (c *Client) filterClauses(f taskrepo.Filter) []notionapi.Filter {
	p := c.opts.Properties
	clauses := make([]notionapi.Filter, 0)
	sel := func(prop, value string) {
		clauses = append(clauses, notionapi.PropertyFilter{
			Property: prop,
			Select:   &notionapi.SelectFilterCondition{Equals: value},
		})
	}
	text := func(cond notionapi.TextFilterCondition) {
		clauses = append(clauses, notionapi.PropertyFilter{Property: p.Title, RichText: &cond})
	}
	if f.Type != "" {
		sel(p.Type, string(f.Type))
	}
	if f.Source != "" {
		sel(p.Source, string(f.Source))
	}
	if f.Status != "" {
		sel(p.Status, label(c.opts.Labels.Status, string(f.Status)))
	}
	if f.TitleEquals != "" {
		text(notionapi.TextFilterCondition{Equals: f.TitleEquals})
	}
	if f.TitleContains != "" {
		text(notionapi.TextFilterCondition{Contains: f.TitleContains})
	}
	if d, ok := c.date(f.DueOnOrAfter); ok {
		clauses = append(clauses, notionapi.PropertyFilter{
			Property: p.DueDate,
			Date:     &notionapi.DateFilterCondition{OnOrAfter: d},
		})
	}
	if d, ok := c.date(f.DueOnOrBefore); ok {
		clauses = append(clauses, notionapi.PropertyFilter{
			Property: p.DueDate,
			Date:     &notionapi.DateFilterCondition{OnOrBefore: d},
		})
	}
	if !f.CreatedOnOrAfter.IsZero() {
		d := notionapi.Date(f.CreatedOnOrAfter.UTC())
		clauses = append(clauses, notionapi.TimestampFilter{
			Timestamp:   notionapi.TimestampCreated,
			CreatedTime: &notionapi.DateFilterCondition{OnOrAfter: &d},
		})
	}
	return clauses
}

// Ping reads the database metadata, which needs a valid token and a shared
// database.
func (c *Client) Ping(ctx context.Context) error {
	err := c.read(ctx, "ping", func() error {
		_, err := c.api.Database.Get(ctx, c.db)
		return err
	})
	if err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// read retries an idempotent call on server and transport errors.
func (c *Client) read(ctx context.Context, op string, call func() error) error {
	policy := retry.Policy{
		Attempts: c.opts.Attempts,
		Backoff:  retry.ExponentialBackoff(c.opts.Backoff),
		Sleep:    c.opts.Sleep,
	}
	return retry.Do(ctx, policy, func(attempt int) error {
		err := call()
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil, clientError(err):
			return retry.Permanent(err)
		}
		appLog.Warn("notion request failed", "op", op, "attempt", attempt, "err", err)
		return err
	})
}

// clientError reports failures that repeating the request cannot fix: 4xx
// responses, including rate limits the client already retried.
func clientError(err error) bool {
	var rateErr *notionapi.RateLimitedError
	if errors.As(err, &rateErr) {
		return true
	}
	var apiErr *notionapi.Error
	return errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500
}
