package source

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mentionbot/internal/domain"

	"github.com/bwmarrin/discordgo"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// --- IDs ---

func TestSplitID(t *testing.T) {
	chat, msg, err := splitID("telegram", "telegram:-100123:42")
	if err != nil || chat != "-100123" || msg != "42" {
		t.Fatalf("got %q %q %v", chat, msg, err)
	}
	if _, _, err := splitID("telegram", "slack:C1:1.2"); err == nil {
		t.Error("expected error for foreign id")
	}
	if _, _, err := splitID("telegram", "telegram:42"); err == nil {
		t.Error("expected error for malformed id")
	}
	if got := prefixOf("discord:1:2"); got != "discord" {
		t.Errorf("prefixOf = %q", got)
	}
	if got := prefixOf("plain"); got != "" {
		t.Errorf("prefixOf(plain) = %q", got)
	}
}

// --- Telegram ---

func TestTelegramAddressed(t *testing.T) {
	const botID = 99
	group := &tgbotapi.Chat{ID: -5, Type: "group"}
	user := &tgbotapi.User{ID: 1, UserName: "alice"}
	bot := &tgbotapi.User{ID: botID, UserName: "tipbot"}

	tests := []struct {
		name string
		msg  *tgbotapi.Message
		want bool
	}{
		{"mention", &tgbotapi.Message{From: user, Chat: group, Text: "hey @TipBot send 5"}, true},
		{"no mention", &tgbotapi.Message{From: user, Chat: group, Text: "hello all"}, false},
		{"reply to bot", &tgbotapi.Message{From: user, Chat: group, Text: "yes", ReplyToMessage: &tgbotapi.Message{From: bot, Chat: group}}, true},
		{"private", &tgbotapi.Message{From: user, Chat: &tgbotapi.Chat{ID: 1, Type: "private"}, Text: "balance"}, true},
		{"own message", &tgbotapi.Message{From: bot, Chat: group, Text: "@tipbot"}, false},
		{"caption", &tgbotapi.Message{From: user, Chat: group, Caption: "@tipbot balance"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := addressedToBot(tt.msg, "tipbot", botID); got != tt.want {
				t.Errorf("addressedToBot = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTelegramMention(t *testing.T) {
	group := &tgbotapi.Chat{ID: -5, Type: "group"}
	parent := &tgbotapi.Message{MessageID: 7, From: &tgbotapi.User{ID: 2, UserName: "bob"}, Chat: group, Text: "gm"}
	msg := &tgbotapi.Message{
		MessageID:      8,
		From:           &tgbotapi.User{ID: 1, FirstName: "Anon"},
		Chat:           group,
		Date:           1700000000,
		Text:           "@tipbot send 1 HBAR to @bob",
		ReplyToMessage: parent,
	}
	m := telegramMention(msg)
	if m.ID != "telegram:-5:8" || m.ChatID != "-5" || m.Source != "telegram" {
		t.Errorf("ids: %+v", m)
	}
	if m.AuthorHandle != "tg1" {
		t.Errorf("handle fallback = %q", m.AuthorHandle)
	}
	if !m.CreatedAt.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("created at = %v", m.CreatedAt)
	}
	if m.InReplyTo == nil || m.InReplyTo.AuthorHandle != "bob" || m.InReplyToID != "telegram:-5:7" {
		t.Errorf("reply chain = %+v", m.InReplyTo)
	}
}

func TestTelegramAllowList(t *testing.T) {
	tg := NewTelegram(TelegramConfig{AllowFrom: []string{"-5", " 10 ", "junk"}, Logger: testLogger()})
	if !tg.isAllowed(-5) || !tg.isAllowed(10) || tg.isAllowed(11) {
		t.Error("allow list mismatch")
	}
	if !NewTelegram(TelegramConfig{}).isAllowed(123) {
		t.Error("empty allow list should allow all")
	}
}

// --- Slack ---

func TestRewriteSlackMentions(t *testing.T) {
	names := map[string]string{"UBOT": "tipbot", "U2": "bob"}
	lookup := func(id string) string { return names[id] }
	got := rewriteSlackMentions("<@UBOT> send 5 HBAR to <@U2> and <@U3|carol>", lookup)
	want := "@tipbot send 5 HBAR to @bob and @carol"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSlackTime(t *testing.T) {
	got := slackTime("1700000000.000100")
	if got.Unix() != 1700000000 || got.Nanosecond() != 100000 {
		t.Errorf("slackTime = %v", got)
	}
	if !slackTime("bogus").IsZero() {
		t.Error("bad ts should be zero time")
	}
	if !tsAfter("1700000001.000000", "1700000000.999999") || tsAfter("1.0", "2.0") || !tsAfter("1.0", "") {
		t.Error("tsAfter ordering")
	}
}

// --- Discord ---

func TestDiscordAddressed(t *testing.T) {
	bot := &discordgo.User{ID: "B", Username: "tipbot"}
	alice := &discordgo.User{ID: "A", Username: "alice"}
	tests := []struct {
		name string
		msg  *discordgo.Message
		want bool
	}{
		{"mention", &discordgo.Message{GuildID: "g", Author: alice, Mentions: []*discordgo.User{bot}}, true},
		{"plain", &discordgo.Message{GuildID: "g", Author: alice}, false},
		{"dm", &discordgo.Message{Author: alice}, true},
		{"reply", &discordgo.Message{GuildID: "g", Author: alice, ReferencedMessage: &discordgo.Message{Author: bot}}, true},
		{"self", &discordgo.Message{Author: bot}, false},
		{"other bot", &discordgo.Message{Author: &discordgo.User{ID: "X", Bot: true}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := discordAddressed(tt.msg, "B"); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDiscordMention(t *testing.T) {
	bot := &discordgo.User{ID: "B", Username: "tipbot"}
	bob := &discordgo.User{ID: "C", Username: "bob"}
	msg := &discordgo.Message{
		ID:        "m2",
		ChannelID: "ch",
		Author:    &discordgo.User{ID: "A", Username: "alice"},
		Content:   "<@B> send 2 HBAR to <@!C>",
		Mentions:  []*discordgo.User{bot, bob},
		ReferencedMessage: &discordgo.Message{
			ID: "m1", Author: bob, Content: "tip me",
		},
	}
	m := discordMention(msg)
	if m.ID != "discord:ch:m2" || m.AuthorHandle != "alice" {
		t.Errorf("mention = %+v", m)
	}
	if m.Text != "@tipbot send 2 HBAR to @bob" {
		t.Errorf("text = %q", m.Text)
	}
	if m.InReplyToID != "discord:ch:m1" || m.InReplyTo == nil || m.InReplyTo.Text != "tip me" {
		t.Errorf("reply = %+v", m.InReplyTo)
	}
}

func TestDiscordQueueBounded(t *testing.T) {
	d := NewDiscord(DiscordConfig{Buffer: 2, Logger: testLogger()})
	for _, id := range []string{"1", "2", "3"} {
		d.enqueue(domain.Mention{ID: id})
	}
	if len(d.queue) != 2 || d.queue[0].ID != "2" || d.dropped != 1 {
		t.Errorf("queue = %+v dropped=%d", d.queue, d.dropped)
	}
}

// --- Memory ---

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("", domain.Mention{ID: "1", Text: "hi"})
	if m.Name() != "memory" {
		t.Errorf("name = %q", m.Name())
	}
	for range 2 {
		got, err := m.FetchRecentMentions(ctx, "")
		if err != nil || len(got) != 1 || got[0].Source != "memory" {
			t.Fatalf("fetch = %+v, %v", got, err)
		}
	}
	if err := m.ReplyTo(ctx, "1", "hello"); err != nil {
		t.Fatal(err)
	}
	if r := m.RepliesTo("1"); len(r) != 1 || r[0] != "hello" {
		t.Errorf("replies = %v", r)
	}

	boom := errors.New("boom")
	m.FailFetch(boom)
	if _, err := m.FetchRecentMentions(ctx, ""); !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
	m.FailReply(boom)
	if err := m.ReplyTo(ctx, "1", "x"); !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
}

func TestLoadMemoryFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mentions.yaml")
	data := `source: demo
mentions:
  - id: "1"
    author_handle: alice
    text: "@tipbot send 5 HBAR to @bob"
    created_at: 2024-01-02T03:04:05Z
  - id: "2"
    author_handle: bob
    text: "@tipbot balance"
    in_reply_to:
      id: "1"
      author_handle: alice
      text: "@tipbot send 5 HBAR to @bob"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := LoadMemoryFile(path)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := m.FetchRecentMentions(context.Background(), "")
	if m.Name() != "demo" || len(got) != 2 {
		t.Fatalf("name=%q mentions=%d", m.Name(), len(got))
	}
	if got[0].CreatedAt.Year() != 2024 || got[1].InReplyTo == nil || got[1].InReplyTo.ID != "1" {
		t.Errorf("decoded = %+v", got)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(bad, []byte("mentions:\n  - text: no id\n"), 0o644)
	if _, err := LoadMemoryFile(bad); err == nil {
		t.Error("expected error for mention without id")
	}
}

// --- Multi ---

func TestMultiFanInAndRouting(t *testing.T) {
	ctx := context.Background()
	a := NewMemory("a", domain.Mention{ID: "a:c:1"})
	b := NewMemory("b", domain.Mention{ID: "b:c:1"}, domain.Mention{ID: "x"})
	multi := NewMulti(testLogger(), a, b)

	got, err := multi.FetchRecentMentions(ctx, "")
	if err != nil || len(got) != 3 {
		t.Fatalf("fetch = %+v, %v", got, err)
	}
	if err := multi.ReplyTo(ctx, "x", "to b"); err != nil {
		t.Fatal(err)
	}
	if err := multi.ReplyTo(ctx, "a:c:1", "to a"); err != nil {
		t.Fatal(err)
	}
	if len(b.RepliesTo("x")) != 1 || len(a.RepliesTo("a:c:1")) != 1 {
		t.Error("replies misrouted")
	}
	if err := multi.ReplyTo(ctx, "zzz", "nowhere"); err == nil {
		t.Error("expected routing error")
	}
}

func TestMultiPartialFailure(t *testing.T) {
	ctx := context.Background()
	a := NewMemory("a", domain.Mention{ID: "1"})
	b := NewMemory("b", domain.Mention{ID: "2"})
	b.FailFetch(errors.New("down"))
	multi := NewMulti(testLogger(), a, b)

	got, err := multi.FetchRecentMentions(ctx, "")
	if err != nil || len(got) != 1 || got[0].ID != "1" {
		t.Fatalf("partial fetch = %+v, %v", got, err)
	}

	a.FailFetch(errors.New("down too"))
	if _, err := multi.FetchRecentMentions(ctx, ""); err == nil {
		t.Error("expected error when all sources fail")
	}
	if _, err := NewMulti(testLogger()).FetchRecentMentions(ctx, ""); err == nil {
		t.Error("expected error with no sources")
	}
}
