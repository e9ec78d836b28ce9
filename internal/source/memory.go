package source

import (
	"context"
	"fmt"
	"os"
	"sync"

	"mentionbot/internal/domain"

	"gopkg.in/yaml.v3"
)

// Memory serves a fixed timeline and records replies. Every fetch returns
// the whole timeline, the way a real medium redelivers recent posts.
type Memory struct {
	name string

	mu       sync.Mutex
	mentions []domain.Mention
	replies  []domain.Reply
	fetchErr error
	replyErr error
}

// MemoryFile is the on-disk layout read by LoadMemoryFile.
type MemoryFile struct {
	Source   string           `yaml:"source,omitempty"`
	Mentions []domain.Mention `yaml:"mentions"`
}

func NewMemory(name string, mentions ...domain.Mention) *Memory {
	if name == "" {
		name = "memory"
	}
	m := &Memory{name: name}
	m.Add(mentions...)
	return m
}

// LoadMemoryFile reads a YAML timeline.
func LoadMemoryFile(path string) (*Memory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mentions file: %w", err)
	}
	var f MemoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse mentions file: %w", err)
	}
	for i, m := range f.Mentions {
		if m.ID == "" {
			return nil, fmt.Errorf("mention %d has no id", i)
		}
	}
	return NewMemory(f.Source, f.Mentions...), nil
}

func (m *Memory) Name() string { return m.name }

// Add appends mentions to the timeline.
func (m *Memory) Add(ms ...domain.Mention) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mention := range ms {
		if mention.Source == "" {
			mention.Source = m.name
		}
		m.mentions = append(m.mentions, mention)
	}
}

// FailFetch makes fetches return err until called again with nil.
func (m *Memory) FailFetch(err error) {
	m.mu.Lock()
	m.fetchErr = err
	m.mu.Unlock()
}

// FailReply makes replies return err until called again with nil.
func (m *Memory) FailReply(err error) {
	m.mu.Lock()
	m.replyErr = err
	m.mu.Unlock()
}

func (m *Memory) FetchRecentMentions(ctx context.Context, _ string) ([]domain.Mention, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	return append([]domain.Mention(nil), m.mentions...), nil
}

func (m *Memory) ReplyTo(ctx context.Context, mentionID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.replyErr != nil {
		return m.replyErr
	}
	m.replies = append(m.replies, domain.Reply{MentionID: mentionID, Text: text})
	return nil
}

// Replies returns every reply sent so far, in order.
func (m *Memory) Replies() []domain.Reply {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Reply(nil), m.replies...)
}

// RepliesTo returns the replies sent for one mention.
func (m *Memory) RepliesTo(mentionID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, r := range m.replies {
		if r.MentionID == mentionID {
			out = append(out, r.Text)
		}
	}
	return out
}
