package source

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"mentionbot/internal/domain"

	"github.com/slack-go/slack"
)

const slackName = "slack"

var slackUserRef = regexp.MustCompile(`<@([A-Z0-9]+)(?:\|([^>]+))?>`)

// Slack reads channel history and keeps messages that mention the bot.
// User references are rewritten to @name so the parser sees handles.
type Slack struct {
	botToken string
	channels []string
	logger   *slog.Logger

	mu      sync.Mutex
	client  *slack.Client
	botUID  string
	botName string
	oldest  map[string]string // channel -> newest ts seen
	names   map[string]string // user id -> name
}

type SlackConfig struct {
	BotToken string
	Channels []string
	Logger   *slog.Logger
}

func NewSlack(cfg SlackConfig) *Slack {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Slack{
		botToken: cfg.BotToken,
		channels: cfg.Channels,
		logger:   cfg.Logger,
		oldest:   make(map[string]string),
		names:    make(map[string]string),
	}
}

func (s *Slack) Name() string { return slackName }

func (s *Slack) connect(ctx context.Context) (*slack.Client, error) {
	if s.client != nil {
		return s.client, nil
	}
	api := slack.New(s.botToken)
	auth, err := api.AuthTestContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("slack auth: %w", err)
	}
	s.client = api
	s.botUID = auth.UserID
	s.botName = auth.User
	s.names[auth.UserID] = auth.User
	s.logger.Info("slack bot connected", "user", auth.User, "user_id", auth.UserID)
	return api, nil
}

// FetchRecentMentions reads each channel's history newer than the last
// message seen there. A sinceID from this source seeds its channel cursor.
func (s *Slack) FetchRecentMentions(ctx context.Context, sinceID string) ([]domain.Mention, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	api, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	if ch, ts, err := splitID(slackName, sinceID); err == nil && s.oldest[ch] == "" {
		s.oldest[ch] = ts
	}

	var out []domain.Mention
	for _, ch := range s.channels {
		resp, err := api.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
			ChannelID: ch,
			Oldest:    s.oldest[ch],
			Limit:     fetchLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("slack history %s: %w", ch, err)
		}
		for _, msg := range resp.Messages {
			if tsAfter(msg.Timestamp, s.oldest[ch]) {
				s.oldest[ch] = msg.Timestamp
			}
			if msg.SubType != "" || msg.BotID != "" || msg.User == "" || msg.User == s.botUID {
				continue
			}
			if !strings.Contains(msg.Text, "<@"+s.botUID) {
				continue
			}
			out = append(out, s.mention(ctx, ch, msg))
		}
	}
	return out, nil
}

func (s *Slack) mention(ctx context.Context, channel string, msg slack.Message) domain.Mention {
	m := domain.Mention{
		ID:           joinID(slackName, channel, msg.Timestamp),
		Source:       slackName,
		ChatID:       channel,
		AuthorID:     msg.User,
		AuthorHandle: s.userName(ctx, msg.User),
		Text:         rewriteSlackMentions(msg.Text, func(id string) string { return s.userName(ctx, id) }),
		CreatedAt:    slackTime(msg.Timestamp),
	}
	if msg.ThreadTimestamp != "" && msg.ThreadTimestamp != msg.Timestamp {
		m.ConversationID = msg.ThreadTimestamp
		m.InReplyToID = joinID(slackName, channel, msg.ThreadTimestamp)
	}
	return m
}

// userName resolves a user id, caching results. Lookup failures fall back
// to the raw id.
func (s *Slack) userName(ctx context.Context, id string) string {
	if name, ok := s.names[id]; ok {
		return name
	}
	name := id
	if u, err := s.client.GetUserInfoContext(ctx, id); err != nil {
		s.logger.Debug("slack user lookup failed", "user", id, "err", err)
	} else if u.Name != "" {
		name = u.Name
	}
	s.names[id] = name
	return name
}

// ReplyTo answers in the mention's thread.
func (s *Slack) ReplyTo(ctx context.Context, mentionID, text string) error {
	channel, ts, err := splitID(slackName, mentionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	api, err := s.connect(ctx)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return sendWithRetry(ctx, s.logger, slackName, func() error {
		_, _, err := api.PostMessageContext(ctx, channel,
			slack.MsgOptionText(text, false),
			slack.MsgOptionTS(ts),
		)
		return err
	})
}

func rewriteSlackMentions(text string, lookup func(id string) string) string {
	return slackUserRef.ReplaceAllStringFunc(text, func(ref string) string {
		sub := slackUserRef.FindStringSubmatch(ref)
		if sub[2] != "" {
			return "@" + sub[2]
		}
		return "@" + lookup(sub[1])
	})
}

func slackTime(ts string) time.Time {
	secs, frac, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var nsec int64
	if frac != "" {
		if len(frac) > 9 {
			frac = frac[:9]
		}
		n, _ := strconv.ParseInt(frac+strings.Repeat("0", 9-len(frac)), 10, 64)
		nsec = n
	}
	return time.Unix(sec, nsec).UTC()
}

func tsAfter(a, b string) bool {
	if b == "" {
		return true
	}
	return slackTime(a).After(slackTime(b))
}
