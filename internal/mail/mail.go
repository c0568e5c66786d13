// Package mail defines the message store read by the mail pipeline.
package mail

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Message is one email as seen by the extractor.
type Message struct {
	ID       string
	ThreadID string
	From     string
	Subject  string
	Body     string
	Date     time.Time
	Unread   bool
}

// Store searches messages and flips their read state.
type Store interface {
	Search(ctx context.Context, query string, offset, limit int) ([]Message, error)
	MarkRead(ctx context.Context, id string) error
}

// Memory is an in-process Store. Its query language only understands
// "is:unread"; any other terms are matched as substrings of the subject.
type Memory struct {
	mu       sync.Mutex
	messages map[string]Message

	SearchErr error
}

func NewMemory(messages ...Message) *Memory {
	m := &Memory{messages: make(map[string]Message)}
	for _, msg := range messages {
		m.messages[msg.ID] = msg
	}
	return m
}

// Get returns a stored message.
func (m *Memory) Get(id string) (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	return msg, ok
}

func (m *Memory) Search(_ context.Context, query string, offset, limit int) ([]Message, error) {
	if m.SearchErr != nil {
		return nil, m.SearchErr
	}
	unreadOnly := false
	terms := make([]string, 0)
	for _, f := range strings.Fields(query) {
		if f == "is:unread" {
			unreadOnly = true
			continue
		}
		terms = append(terms, strings.ToLower(f))
	}

	m.mu.Lock()
	out := make([]Message, 0, len(m.messages))
	for _, msg := range m.messages {
		if unreadOnly && !msg.Unread {
			continue
		}
		subject := strings.ToLower(msg.Subject)
		match := true
		for _, t := range terms {
			if !strings.Contains(subject, t) {
				match = false
				break
			}
		}
		if match {
			out = append(out, msg)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Date.Equal(out[j].Date) {
			return out[i].ID < out[j].ID
		}
		return out[i].Date.After(out[j].Date)
	})
	if offset >= len(out) {
		return []Message{}, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) MarkRead(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return fmt.Errorf("message %s not found", id)
	}
	msg.Unread = false
	m.messages[id] = msg
	return nil
}

// MarkUnread flips a message back to unread.
func (m *Memory) MarkUnread(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return fmt.Errorf("message %s not found", id)
	}
	msg.Unread = true
	m.messages[id] = msg
	return nil
}
