package pipeline

import (
	"context"
	"fmt"
	"time"

	"caltasks/internal/dedup"
	appLog "caltasks/internal/log"
	"caltasks/internal/mail"
	"caltasks/internal/model"
	"caltasks/internal/retry"
	"caltasks/internal/semantic"
	"caltasks/internal/taskrepo"
	"caltasks/internal/tracker"
)

type MailDeps struct {
	Mail      mail.Store
	Repo      *taskrepo.Adapter
	Dedup     *dedup.Engine
	Tracker   *tracker.Tracker
	Extractor semantic.Extractor
}

type MailOptions struct {
	Query          string
	MaxResults     int
	MarkRead       bool
	DryRun         bool
	RateLimitDelay time.Duration
	SnapshotDays   int
	Sleep          retry.SleepFunc
	Now            func() time.Time
}

// MailPipeline files tasks for messages that ask for action. Messages have
// no marker, so the tracker is their processed record.
type MailPipeline struct {
	deps MailDeps
	opts MailOptions
}

func NewMail(deps MailDeps, opts MailOptions) *MailPipeline {
	if opts.Query == "" {
		opts.Query = "is:unread"
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = 10
	}
	if opts.SnapshotDays <= 0 {
		opts.SnapshotDays = 30
	}
	if opts.Sleep == nil {
		opts.Sleep = retry.Sleep
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &MailPipeline{deps: deps, opts: opts}
}

type MailStats struct {
	Messages   int `json:"messages"`
	Skipped    int `json:"skipped"`
	Drafts     int `json:"drafts"`
	Duplicates int `json:"duplicates"`
	Created    int `json:"created"`
	Planned    int `json:"planned"`
	Failed     int `json:"failed"`
	MarkedRead int `json:"marked_read"`
}

type MailResult struct {
	Stats  MailStats `json:"stats"`
	Errors []string  `json:"errors,omitempty"`
}

// Run searches the mailbox and processes each hit. A message is recorded in
// the tracker only when all of its drafts were either created or found to be
// duplicates, so failed creates are retried by the next run.
func (p *MailPipeline) Run(ctx context.Context) (MailResult, error) {
	var res MailResult

	msgs, err := p.deps.Mail.Search(ctx, p.opts.Query, 0, p.opts.MaxResults)
	if err != nil {
		return res, fmt.Errorf("search mail: %w", err)
	}
	res.Stats.Messages = len(msgs)

	var existing []model.Task
	loaded := false

	for i, msg := range msgs {
		if i > 0 {
			if err := p.opts.Sleep(ctx, p.opts.RateLimitDelay); err != nil {
				return res, err
			}
		}
		if p.deps.Tracker.IsMessageTracked(ctx, msg.ID) {
			res.Stats.Skipped++
			continue
		}

		drafts := p.deps.Extractor.MessageTasks(ctx, msg)
		res.Stats.Drafts += len(drafts)
		if len(drafts) > 0 && !loaded {
			loaded = true
			since := p.opts.Now().AddDate(0, 0, -p.opts.SnapshotDays)
			existing, err = p.deps.Repo.ExistingTasks(ctx, model.SourceGmail, since)
			if err != nil {
				appLog.Warn("gmail task snapshot unavailable", "err", err)
			}
		}

		failed := false
		for _, d := range drafts {
			if dec := p.deps.Dedup.Check(ctx, d, existing); dec.Duplicate {
				res.Stats.Duplicates++
				appLog.Info("mail task duplicate", "message", msg.ID, "title", d.Title, "rule", dec.Rule)
				continue
			}
			if p.opts.DryRun {
				res.Stats.Planned++
				appLog.Info("dry run: would create", "title", d.Title)
				continue
			}
			created := p.deps.Repo.CreateTask(ctx, d)
			if !created.Success {
				failed = true
				res.Stats.Failed++
				res.Errors = append(res.Errors, fmt.Sprintf("message %s: %v", msg.ID, created.Error))
				continue
			}
			res.Stats.Created++
			d.ID, d.URL = created.ID, created.URL
			existing = append(existing, d)
		}

		if failed || p.opts.DryRun {
			continue
		}
		if err := p.deps.Tracker.RecordMessage(ctx, msg.ID, msg.Subject); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("message %s: %v", msg.ID, err))
		}
		if p.opts.MarkRead && msg.Unread {
			if err := p.deps.Mail.MarkRead(ctx, msg.ID); err != nil {
				appLog.Warn("mark read failed", "message", msg.ID, "err", err)
			} else {
				res.Stats.MarkedRead++
			}
		}
	}

	appLog.Info("mail pipeline finished", "messages", res.Stats.Messages,
		"created", res.Stats.Created, "skipped", res.Stats.Skipped, "failed", res.Stats.Failed)
	return res, nil
}
