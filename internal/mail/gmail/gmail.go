// Package gmail implements mail.Store on the Gmail API.
package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	gm "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"caltasks/internal/mail"
)

const user = "me"

type Store struct {
	svc *gm.Service
}

func New(ctx context.Context, opts ...option.ClientOption) (*Store, error) {
	svc, err := gm.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return &Store{svc: svc}, nil
}

// Search lists message IDs page by page until offset+limit are covered, then
// fetches each message in full.
func (s *Store) Search(ctx context.Context, query string, offset, limit int) ([]mail.Message, error) {
	if limit <= 0 {
		limit = 10
	}
	want := offset + limit

	ids := make([]string, 0, want)
	pageToken := ""
	for len(ids) < want {
		call := s.svc.Users.Messages.List(user).Q(query).MaxResults(int64(want - len(ids))).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	if offset >= len(ids) {
		return []mail.Message{}, nil
	}
	ids = ids[offset:]
	if len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]mail.Message, 0, len(ids))
	for _, id := range ids {
		m, err := s.svc.Users.Messages.Get(user, id).Format("full").Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("get message %s: %w", id, err)
		}
		out = append(out, toMessage(m))
	}
	return out, nil
}

func (s *Store) MarkRead(ctx context.Context, id string) error {
	_, err := s.svc.Users.Messages.Modify(user, id, &gm.ModifyMessageRequest{
		RemoveLabelIds: []string{"UNREAD"},
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("mark read %s: %w", id, err)
	}
	return nil
}

func toMessage(m *gm.Message) mail.Message {
	msg := mail.Message{
		ID:       m.Id,
		ThreadID: m.ThreadId,
		Date:     time.UnixMilli(m.InternalDate),
	}
	for _, l := range m.LabelIds {
		if l == "UNREAD" {
			msg.Unread = true
		}
	}
	if m.Payload != nil {
		for _, h := range m.Payload.Headers {
			switch strings.ToLower(h.Name) {
			case "from":
				msg.From = h.Value
			case "subject":
				msg.Subject = h.Value
			}
		}
		msg.Body = plainBody(m.Payload)
	}
	if msg.Body == "" {
		msg.Body = m.Snippet
	}
	return msg
}

// plainBody returns the first text/plain part, depth first.
func plainBody(p *gm.MessagePart) string {
	if p == nil {
		return ""
	}
	if strings.HasPrefix(p.MimeType, "text/plain") && p.Body != nil && p.Body.Data != "" {
		return decode(p.Body.Data)
	}
	for _, part := range p.Parts {
		if b := plainBody(part); b != "" {
			return b
		}
	}
	return ""
}

func decode(data string) string {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return ""
	}
	return string(b)
}
