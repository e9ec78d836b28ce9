package source

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"mentionbot/internal/domain"

	"github.com/bwmarrin/discordgo"
)

const (
	discordName          = "discord"
	defaultDiscordBuffer = 500
)

// Discord listens on the gateway and queues messages that mention the bot
// or reply to it. The queue is bounded; when full the oldest entry is
// dropped.
type Discord struct {
	token   string
	guildID string
	buffer  int
	logger  *slog.Logger

	mu      sync.Mutex
	session *discordgo.Session
	queue   []domain.Mention
	dropped int
}

type DiscordConfig struct {
	Token   string
	GuildID string
	Buffer  int
	Logger  *slog.Logger
}

func NewDiscord(cfg DiscordConfig) *Discord {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultDiscordBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Discord{token: cfg.Token, guildID: cfg.GuildID, buffer: cfg.Buffer, logger: cfg.Logger}
}

func (d *Discord) Name() string { return discordName }

func (d *Discord) connect() (*discordgo.Session, error) {
	if d.session != nil {
		return d.session, nil
	}
	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if s.State == nil || s.State.User == nil {
			return
		}
		if d.guildID != "" && m.GuildID != d.guildID {
			return
		}
		if !discordAddressed(m.Message, s.State.User.ID) {
			return
		}
		d.enqueue(discordMention(m.Message))
	})
	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord connect: %w", err)
	}
	d.session = session
	d.logger.Info("discord bot connected", "user", session.State.User.Username)
	return session, nil
}

func (d *Discord) enqueue(m domain.Mention) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) >= d.buffer {
		d.queue = d.queue[1:]
		d.dropped++
		d.logger.Warn("discord mention queue full, dropping oldest", "dropped", d.dropped)
	}
	d.queue = append(d.queue, m)
}

// FetchRecentMentions connects on first use and drains the queue.
func (d *Discord) FetchRecentMentions(ctx context.Context, _ string) ([]domain.Mention, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.connect(); err != nil {
		return nil, err
	}
	out := d.queue
	d.queue = nil
	return out, nil
}

func (d *Discord) ReplyTo(ctx context.Context, mentionID, text string) error {
	channel, msg, err := splitID(discordName, mentionID)
	if err != nil {
		return err
	}
	d.mu.Lock()
	session, err := d.connect()
	d.mu.Unlock()
	if err != nil {
		return err
	}
	ref := &discordgo.MessageReference{MessageID: msg, ChannelID: channel, GuildID: d.guildID}
	return sendWithRetry(ctx, d.logger, discordName, func() error {
		_, err := session.ChannelMessageSendReply(channel, text, ref)
		return err
	})
}

// Close disconnects from the gateway.
func (d *Discord) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return nil
	}
	err := d.session.Close()
	d.session = nil
	return err
}

func discordAddressed(m *discordgo.Message, botID string) bool {
	if m.Author == nil || m.Author.ID == botID || m.Author.Bot {
		return false
	}
	if m.GuildID == "" {
		return true
	}
	for _, u := range m.Mentions {
		if u != nil && u.ID == botID {
			return true
		}
	}
	r := m.ReferencedMessage
	return r != nil && r.Author != nil && r.Author.ID == botID
}

func discordMention(m *discordgo.Message) domain.Mention {
	out := domain.Mention{
		ID:        joinID(discordName, m.ChannelID, m.ID),
		Source:    discordName,
		ChatID:    m.ChannelID,
		Text:      rewriteDiscordMentions(m.Content, m.Mentions),
		CreatedAt: m.Timestamp,
	}
	if m.Author != nil {
		out.AuthorID = m.Author.ID
		out.AuthorHandle = m.Author.Username
	}
	if r := m.ReferencedMessage; r != nil {
		if r.ChannelID == "" {
			r.ChannelID = m.ChannelID
		}
		parent := discordMention(r)
		out.InReplyToID = parent.ID
		out.InReplyTo = &parent
	} else if ref := m.MessageReference; ref != nil && ref.MessageID != "" {
		out.InReplyToID = joinID(discordName, m.ChannelID, ref.MessageID)
	}
	return out
}

// rewriteDiscordMentions turns <@id> and <@!id> into @username.
func rewriteDiscordMentions(content string, users []*discordgo.User) string {
	for _, u := range users {
		if u == nil {
			continue
		}
		content = strings.NewReplacer(
			"<@"+u.ID+">", "@"+u.Username,
			"<@!"+u.ID+">", "@"+u.Username,
		).Replace(content)
	}
	return content
}
