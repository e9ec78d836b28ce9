package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"mentionbot/internal/domain"
)

// Multi fans in several sources. A failing source is logged and skipped;
// the fetch fails only when every source fails.
type Multi struct {
	sources []domain.MentionSource
	byName  map[string]domain.MentionSource
	logger  *slog.Logger

	mu sync.Mutex
	// owner maps ids from the last fetch to their source.
	owner map[string]string
}

func NewMulti(logger *slog.Logger, sources ...domain.MentionSource) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Multi{
		byName: make(map[string]domain.MentionSource, len(sources)),
		logger: logger,
		owner:  make(map[string]string),
	}
	for _, s := range sources {
		if s == nil {
			continue
		}
		m.sources = append(m.sources, s)
		m.byName[s.Name()] = s
	}
	return m
}

func (m *Multi) Name() string { return "multi" }

// Sources returns the configured source names in order.
func (m *Multi) Sources() []string {
	names := make([]string, 0, len(m.sources))
	for _, s := range m.sources {
		names = append(names, s.Name())
	}
	return names
}

func (m *Multi) FetchRecentMentions(ctx context.Context, sinceID string) ([]domain.Mention, error) {
	if len(m.sources) == 0 {
		return nil, errors.New("no mention sources configured")
	}

	type result struct {
		name     string
		mentions []domain.Mention
		err      error
	}
	results := make([]result, len(m.sources))
	var wg sync.WaitGroup
	for i, s := range m.sources {
		wg.Add(1)
		go func(i int, s domain.MentionSource) {
			defer wg.Done()
			since := ""
			if prefixOf(sinceID) == s.Name() {
				since = sinceID
			}
			ms, err := s.FetchRecentMentions(ctx, since)
			results[i] = result{name: s.Name(), mentions: ms, err: err}
		}(i, s)
	}
	wg.Wait()

	var (
		out  []domain.Mention
		errs []error
	)
	owner := make(map[string]string)
	for _, r := range results {
		if r.err != nil {
			m.logger.Warn("mention source fetch failed", "source", r.name, "err", r.err)
			errs = append(errs, fmt.Errorf("%s: %w", r.name, r.err))
			continue
		}
		for _, mention := range r.mentions {
			if mention.Source == "" {
				mention.Source = r.name
			}
			owner[mention.ID] = r.name
			out = append(out, mention)
		}
	}
	if len(errs) == len(m.sources) {
		return nil, errors.Join(errs...)
	}

	m.mu.Lock()
	m.owner = owner
	m.mu.Unlock()
	return out, nil
}

// ReplyTo routes by the source that delivered the mention, then by id prefix.
func (m *Multi) ReplyTo(ctx context.Context, mentionID, text string) error {
	m.mu.Lock()
	name, ok := m.owner[mentionID]
	m.mu.Unlock()
	if !ok {
		name = prefixOf(mentionID)
	}
	s, ok := m.byName[name]
	if !ok {
		return fmt.Errorf("no source for mention %q", mentionID)
	}
	return s.ReplyTo(ctx, mentionID, text)
}
