package source

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"mentionbot/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const telegramName = "telegram"

// Telegram polls getUpdates and keeps messages that address the bot: an
// @mention, a reply to one of its messages, or any private-chat message.
type Telegram struct {
	token     string
	allowFrom []int64 // allowed chat IDs (empty = allow all)
	logger    *slog.Logger

	mu     sync.Mutex
	bot    *tgbotapi.BotAPI
	offset int
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string // chat IDs as strings
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{token: cfg.Token, allowFrom: allowed, logger: cfg.Logger}
}

func (t *Telegram) Name() string { return telegramName }

func (t *Telegram) connect() (*tgbotapi.BotAPI, error) {
	if t.bot != nil {
		return t.bot, nil
	}
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)
	return bot, nil
}

// FetchRecentMentions drains pending updates. Confirmed updates are not
// redelivered by Telegram, so sinceID is not needed.
func (t *Telegram) FetchRecentMentions(ctx context.Context, _ string) ([]domain.Mention, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	bot, err := t.connect()
	if err != nil {
		return nil, err
	}
	u := tgbotapi.NewUpdate(t.offset)
	u.Limit = fetchLimit
	updates, err := bot.GetUpdates(u)
	if err != nil {
		return nil, fmt.Errorf("telegram get updates: %w", err)
	}

	var out []domain.Mention
	for _, update := range updates {
		if update.UpdateID >= t.offset {
			t.offset = update.UpdateID + 1
		}
		msg := update.Message
		if msg == nil || msg.From == nil || msg.Chat == nil {
			continue
		}
		if !t.isAllowed(msg.Chat.ID) {
			t.logger.Warn("telegram chat not allowed", "chat_id", msg.Chat.ID)
			continue
		}
		if !addressedToBot(msg, bot.Self.UserName, bot.Self.ID) {
			continue
		}
		out = append(out, telegramMention(msg))
	}
	if len(out) > 0 {
		t.logger.Debug("telegram mentions fetched", "count", len(out), "offset", t.offset)
	}
	return out, nil
}

func (t *Telegram) ReplyTo(ctx context.Context, mentionID, text string) error {
	chat, msg, err := splitID(telegramName, mentionID)
	if err != nil {
		return err
	}
	chatID, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}
	msgID, err := strconv.Atoi(msg)
	if err != nil {
		return fmt.Errorf("invalid message ID: %w", err)
	}

	t.mu.Lock()
	bot, err := t.connect()
	t.mu.Unlock()
	if err != nil {
		return err
	}
	return sendWithRetry(ctx, t.logger, telegramName, func() error {
		reply := tgbotapi.NewMessage(chatID, text)
		reply.ReplyToMessageID = msgID
		_, err := bot.Send(reply)
		return err
	})
}

func (t *Telegram) isAllowed(chatID int64) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	for _, id := range t.allowFrom {
		if id == chatID {
			return true
		}
	}
	return false
}

func addressedToBot(msg *tgbotapi.Message, botUser string, botID int64) bool {
	if msg.From != nil && msg.From.ID == botID {
		return false
	}
	if msg.Chat != nil && msg.Chat.IsPrivate() {
		return true
	}
	if botUser != "" && strings.Contains(strings.ToLower(messageText(msg)), "@"+strings.ToLower(botUser)) {
		return true
	}
	r := msg.ReplyToMessage
	return r != nil && r.From != nil && r.From.ID == botID
}

func telegramMention(msg *tgbotapi.Message) domain.Mention {
	chat := strconv.FormatInt(msg.Chat.ID, 10)
	m := domain.Mention{
		ID:        joinID(telegramName, chat, strconv.Itoa(msg.MessageID)),
		Source:    telegramName,
		ChatID:    chat,
		Text:      messageText(msg),
		CreatedAt: msg.Time(),
	}
	if msg.From != nil {
		m.AuthorID = strconv.FormatInt(msg.From.ID, 10)
		m.AuthorHandle = msg.From.UserName
		if m.AuthorHandle == "" {
			m.AuthorHandle = "tg" + m.AuthorID
		}
	}
	if r := msg.ReplyToMessage; r != nil && r.Chat != nil {
		parent := telegramMention(r)
		m.InReplyToID = parent.ID
		m.InReplyTo = &parent
	}
	return m
}

func messageText(msg *tgbotapi.Message) string {
	if msg.Text != "" {
		return msg.Text
	}
	return msg.Caption
}
