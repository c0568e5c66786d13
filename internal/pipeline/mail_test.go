package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caltasks/internal/dedup"
	"caltasks/internal/kvstore"
	"caltasks/internal/mail"
	"caltasks/internal/model"
	"caltasks/internal/retry"
	"caltasks/internal/semantic"
	"caltasks/internal/taskrepo"
	"caltasks/internal/tracker"
)

func newMailFixture(msgs ...mail.Message) (*MailPipeline, *mail.Memory, *taskrepo.Memory, *tracker.Tracker) {
	box := mail.NewMemory(msgs...)
	repo := taskrepo.NewMemory()
	tr := tracker.New(kvstore.NewMemory(), tokyo)
	p := NewMail(MailDeps{
		Mail:      box,
		Repo:      taskrepo.NewAdapter(repo),
		Dedup:     dedup.New(dedup.Options{}),
		Tracker:   tr,
		Extractor: semantic.NewRules(tokyo),
	}, MailOptions{MarkRead: true, Sleep: retry.NoSleep})
	return p, box, repo, tr
}

func TestMailPipeline(t *testing.T) {
	ctx := context.Background()
	received := time.Date(2025, 3, 10, 9, 0, 0, 0, tokyo)
	p, box, repo, tr := newMailFixture(
		mail.Message{ID: "m1", From: "sato@example.com", Subject: "Re: 見積書", Body: "至急ご確認ください。確認してください", Unread: true, Date: received},
		mail.Message{ID: "m2", From: "news@example.com", Subject: "Weekly digest", Body: "nothing to do", Unread: true, Date: received.Add(time.Hour)},
	)

	res, err := p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stats.Messages)
	assert.Equal(t, 2, res.Stats.Created)
	assert.Equal(t, 2, res.Stats.MarkedRead)

	titles := []string{}
	for _, task := range repo.Tasks() {
		titles = append(titles, task.Title)
		assert.Equal(t, model.SourceGmail, task.Source)
	}
	assert.ElementsMatch(t, []string{"見積書 - reply", "Weekly digest - follow up"}, titles)
	assert.True(t, tr.IsMessageTracked(ctx, "m1"))

	msg, _ := box.Get("m1")
	assert.False(t, msg.Unread)

	t.Run("TrackedMessagesAreSkipped", func(t *testing.T) {
		require.NoError(t, box.MarkUnread("m1"))
		again, err := p.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, again.Stats.Skipped)
		assert.Zero(t, again.Stats.Created)
		assert.Len(t, repo.Tasks(), 2)
	})
}

func TestMailCreateFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	p, _, repo, tr := newMailFixture(
		mail.Message{ID: "m1", From: "a@example.com", Subject: "Contract", Body: "please review", Unread: true},
	)
	repo.CreateErr = func(model.Task) error { return errors.New("notion 502") }

	res, err := p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stats.Failed)
	assert.False(t, tr.IsMessageTracked(ctx, "m1"))

	repo.CreateErr = nil
	res, err = p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stats.Created)
	assert.True(t, tr.IsMessageTracked(ctx, "m1"))
}

func TestMailSearchError(t *testing.T) {
	p, box, _, _ := newMailFixture()
	box.SearchErr = errors.New("401")
	_, err := p.Run(context.Background())
	assert.Error(t, err)
}
