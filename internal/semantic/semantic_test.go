package semantic

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"caltasks/internal/dedup"
	"caltasks/internal/mail"
	"caltasks/internal/model"
)

type fakeModel struct {
	reply   string
	err     error
	prompts []string
}

func (f *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	for _, m := range messages {
		for _, p := range m.Parts {
			if tp, ok := p.(llms.TextContent); ok {
				f.prompts = append(f.prompts, tp.Text)
			}
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.reply}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

var tokyo = time.FixedZone("JST", 9*3600)

func meeting() model.Event {
	start := time.Date(2025, 3, 10, 14, 0, 0, 0, tokyo)
	return model.Event{ID: "e1", CalendarID: "work", Title: "Budget meeting", Start: start, End: start.Add(time.Hour)}
}

func TestParseTasks(t *testing.T) {
	reply := "Sure!\n```json\n[{\"title\":\"資料作成\",\"priority\":\"高\",\"due_date\":\"2025-03-09\"},{\"title\":\"\",\"priority\":\"low\"},{\"title\":\"x\",\"priority\":\"someday\"}]\n```"
	drafts, err := parseTasks(reply)
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	task := drafts[0].task(model.SourceCalendar)
	assert.Equal(t, "資料作成", task.Title)
	assert.Equal(t, model.PriorityHigh, task.Priority)
	assert.Equal(t, "2025-03-09", task.DueDate)

	_, err = parseTasks("I cannot help with that.")
	assert.Error(t, err)
	_, err = parseTasks("[{broken")
	assert.Error(t, err)

	empty, err := parseTasks("[]")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestParseVerdict(t *testing.T) {
	v, err := parseVerdict("```json\n{\"is_duplicate\": true, \"similarity_score\": 0.92, \"action\": \"SKIP\"}\n```")
	require.NoError(t, err)
	assert.True(t, v.IsDuplicate)
	assert.InDelta(t, 0.92, v.SimilarityScore, 1e-9)
	assert.Equal(t, dedup.ActionSkip, v.Action)

	_, err = parseVerdict(`{"is_duplicate": true, "action": "merge"}`)
	assert.Error(t, err)
	_, err = parseVerdict("no")
	assert.Error(t, err)
}

func TestEventTasks(t *testing.T) {
	ctx := context.Background()

	t.Run("ModelReply", func(t *testing.T) {
		fm := &fakeModel{reply: `[{"title":"Draft budget slides","priority":"medium","due_date":"2025-03-09","context":"numbers from finance"}]`}
		tasks := New(fm, "English", tokyo).EventTasks(ctx, meeting())
		require.Len(t, tasks, 1)
		assert.Equal(t, "Draft budget slides", tasks[0].Title)
		assert.Equal(t, model.SourceCalendar, tasks[0].Source)
		assert.Contains(t, tasks[0].Context, "prep for Budget meeting")
		require.Len(t, fm.prompts, 1)
		assert.Contains(t, fm.prompts[0], "Budget meeting")
	})

	t.Run("FallbackOnError", func(t *testing.T) {
		fm := &fakeModel{err: errors.New("503")}
		tasks := New(fm, "", tokyo).EventTasks(ctx, meeting())
		require.Len(t, tasks, 1)
		assert.Equal(t, "Budget meeting prep", tasks[0].Title)
		assert.Equal(t, "2025-03-09", tasks[0].DueDate)
	})

	t.Run("FallbackOnGarbage", func(t *testing.T) {
		fm := &fakeModel{reply: "here are some ideas"}
		tasks := New(fm, "", tokyo).EventTasks(ctx, meeting())
		require.Len(t, tasks, 1)
		assert.Equal(t, "Budget meeting prep", tasks[0].Title)
	})
}

func TestRulesEventTasks(t *testing.T) {
	r := NewRules(tokyo)
	assert.Len(t, r.EventTasks(context.Background(), meeting()), 1)

	ev := meeting()
	ev.Title = "Dentist"
	assert.Empty(t, r.EventTasks(context.Background(), ev))
}

func TestRulesMessageTasks(t *testing.T) {
	ctx := context.Background()
	r := NewRules(tokyo)
	r.now = func() time.Time { return time.Date(2025, 3, 10, 9, 0, 0, 0, tokyo) }

	t.Run("Reply", func(t *testing.T) {
		tasks := r.MessageTasks(ctx, mail.Message{
			ID: "m1", From: "sato@example.com", Subject: "Re: 見積書",
			Body: "至急、3月14日までに確認してください", Unread: false,
		})
		require.Len(t, tasks, 1)
		assert.Equal(t, "見積書 - reply", tasks[0].Title)
		assert.Equal(t, model.PriorityHigh, tasks[0].Priority)
		assert.Equal(t, "2025-03-17", tasks[0].DueDate)
		assert.Equal(t, "Re: 見積書", tasks[0].OriginalEvent)
		assert.Equal(t, "From: sato@example.com", tasks[0].Context)
		assert.Equal(t, model.SourceGmail, tasks[0].Source)
	})

	t.Run("UnreadWithoutAction", func(t *testing.T) {
		tasks := r.MessageTasks(ctx, mail.Message{Subject: "Quarterly report", Body: "attached", Unread: true})
		require.Len(t, tasks, 1)
		assert.Equal(t, "Quarterly report - follow up", tasks[0].Title)
		assert.Equal(t, model.PriorityMedium, tasks[0].Priority)
		assert.Empty(t, tasks[0].DueDate)
	})

	t.Run("ReadWithoutAction", func(t *testing.T) {
		assert.Empty(t, r.MessageTasks(ctx, mail.Message{Subject: "FYI", Body: "no action", Unread: false}))
	})
}

func TestCheckDuplicate(t *testing.T) {
	ctx := context.Background()
	existing := []model.Task{{Title: "Send contract", Priority: model.PriorityHigh}}

	fm := &fakeModel{reply: `{"is_duplicate": true, "similarity_score": 0.85, "reason": "same work", "action": "skip"}`}
	v, err := New(fm, "", tokyo).CheckDuplicate(ctx, model.Task{Title: "Forward the contract"}, existing)
	require.NoError(t, err)
	assert.True(t, v.IsDuplicate)
	assert.Contains(t, fm.prompts[0], "1. Send contract")

	_, err = New(&fakeModel{err: errors.New("timeout")}, "", tokyo).CheckDuplicate(ctx, model.Task{Title: "x"}, existing)
	assert.Error(t, err)
}
