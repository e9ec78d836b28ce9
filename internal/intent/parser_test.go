package intent

import (
	"reflect"
	"testing"

	"mentionbot/internal/domain"
)

func newTestParser() *Parser {
	return New(Config{BotHandle: "Bot"})
}

// corpus exercises every rule plus some noise.
var corpus = []string{
	"",
	"@Bot",
	"@Bot xyzzy qux",
	"@Bot send 5 HBAR to @alice",
	"@Bot send @alice 5 HBAR",
	"@bot Transfer 2.5 usdc @bob",
	"@Bot tip @carol 10 hbars",
	"@Bot airdrop 100 FOO to @a @b, @a",
	"@Bot airdrop 5 of token 0.0.777 to @x",
	"@Bot register my account 0.0.12345",
	"@Bot register me",
	"@Bot please register a new account",
	"@Bot hello there!",
	`@Bot create a token named Rocket with symbol RKT, 2 decimals and initial supply 1000 with supply key and memo "launch day"`,
	"@Bot what's my hbar balance?",
	"@Bot balance for token 0.0.555",
	"@Bot show me my balances",
	"@Bot who holds 0.0.999",
	"@Bot mint 500 tokens of 0.0.42",
	`@Bot mint an NFT for 0.0.42 with metadata "ipfs://abc"`,
	"@Bot reject token 0.0.5 serial 3",
	"@Bot associate token 0.0.7",
	"@Bot dissociate 0.0.7",
	"@Bot send 12 HBAR to 0.0.1001",
	"@Bot send 0.0.1001 12 hbar",
	"@Bot transfer 10 of token 0.0.888 to @dave",
	"@Bot send @dave 10 tokens of 0.0.888",
	"@Bot claim my airdrops",
	"@Bot show pending airdrops",
	"@Bot info for topic 0.0.300",
	`@Bot submit "hello world" to topic 0.0.300`,
	"@Bot post to topic 0.0.300: gm everyone",
	`@Bot create a topic with memo "daily notes" and submit key`,
	"@Bot get last 5 messages from topic 0.0.300",
	"@Bot delete topic 0.0.300",
	"@Bot can you please transfer to @erin the amount of 42 USDC",
	"send send send @ @@ 0.0. 1.2.3.4 \u00e9\u00e8 \t\n",
	"💸💸 @Bot 💸",
}

// --- Spec scenarios ---

func TestParse_UnknownFallback(t *testing.T) {
	got := newTestParser().Parse("@Bot xyzzy qux")
	want := domain.Unknown{Origin: domain.Origin{Text: "@Bot xyzzy qux"}, RawText: "xyzzy qux"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

func TestParse_UnknownWithoutConfiguredHandle(t *testing.T) {
	got := New(Config{}).Parse("@Bot xyzzy qux")
	u, ok := got.(domain.Unknown)
	if !ok || u.RawText != "xyzzy qux" {
		t.Fatalf("got %#v", got)
	}
}

func TestParse_TransferBothOrders(t *testing.T) {
	p := newTestParser()
	for _, text := range []string{"@Bot send 5 HBAR to @alice", "@Bot send @alice 5 HBAR"} {
		got, ok := p.Parse(text).(domain.Transfer)
		if !ok {
			t.Fatalf("%q: expected Transfer, got %#v", text, p.Parse(text))
		}
		if got.Amount != "5" || got.Unit != "HBAR" || got.ReceiverHandle != "alice" || !got.Native {
			t.Errorf("%q: got %+v", text, got)
		}
		if got.OriginalText() != text {
			t.Errorf("%q: original text lost: %q", text, got.OriginalText())
		}
	}
}

func TestParse_BotMentionedMidTextIsNotReceiver(t *testing.T) {
	p := newTestParser()
	for _, text := range []string{
		"can you @Bot transfer to @alice 5 HBAR",
		"can you @bot please pay @alice 5 HBAR",
	} {
		got, ok := p.Parse(text).(domain.Transfer)
		if !ok {
			t.Fatalf("%q: expected Transfer, got %#v", text, p.Parse(text))
		}
		if got.ReceiverHandle != "alice" || got.Amount != "5" || got.Unit != "HBAR" {
			t.Errorf("%q: got %+v", text, got)
		}
	}
}

func TestParse_AirdropSkipsBot(t *testing.T) {
	got, ok := newTestParser().Parse("@Bot airdrop 10 PEPE to @Bot @amy @ben").(domain.TokenOp)
	if !ok {
		t.Fatal("expected TokenOp")
	}
	if !reflect.DeepEqual(got.Recipients, []string{"amy", "ben"}) {
		t.Errorf("recipients = %v", got.Recipients)
	}
}

func TestParse_SeveralTransfersAreAmbiguous(t *testing.T) {
	p := newTestParser()
	for _, text := range []string{
		"@Bot send 5 HBAR to @alice and 3 HBAR to @bob",
		"@Bot send @alice 5 HBAR and @bob 3 HBAR",
	} {
		got, rule := p.Explain(text)
		tr, ok := got.(domain.Transfer)
		if !ok || rule != RuleTransfer {
			t.Fatalf("%q: got %#v via %s", text, got, rule)
		}
		if !tr.Ambiguous || tr.ReceiverHandle != "" || tr.Amount != "" {
			t.Errorf("%q: got %+v", text, tr)
		}
	}
	if tr := p.Parse("@Bot send 5 HBAR to @alice").(domain.Transfer); tr.Ambiguous {
		t.Errorf("single transfer marked ambiguous: %+v", tr)
	}
}

// --- Properties ---

func TestParse_Deterministic(t *testing.T) {
	p := newTestParser()
	for _, text := range corpus {
		a, ruleA := p.Explain(text)
		b, ruleB := p.Explain(text)
		if !reflect.DeepEqual(a, b) || ruleA != ruleB {
			t.Errorf("%q: non-deterministic parse: %#v vs %#v", text, a, b)
		}
		// A fresh parser with the same config must agree too.
		if c := newTestParser().Parse(text); !reflect.DeepEqual(a, c) {
			t.Errorf("%q: parsers disagree: %#v vs %#v", text, a, c)
		}
	}
}

func TestParse_TotalAndCarriesOriginal(t *testing.T) {
	p := newTestParser()
	for _, text := range corpus {
		cmd := p.Parse(text)
		if cmd == nil {
			t.Fatalf("%q: nil command", text)
		}
		if cmd.OriginalText() != text {
			t.Errorf("%q: OriginalText = %q", text, cmd.OriginalText())
		}
	}
}

func TestParse_BalanceRuleAgreesWithClassify(t *testing.T) {
	p := newTestParser()
	for _, text := range corpus {
		cmd, rule := p.Explain(text)
		if rule != RuleBalance {
			continue
		}
		q := cmd.(domain.BalanceQuery)
		c := p.Classify(text)
		if !c.IsBalanceQuery || c.Scope != q.Scope || c.TokenID != q.TokenID {
			t.Errorf("%q: parser %+v vs classifier %+v", text, q, c)
		}
	}
}

func TestParse_HandlesNeverCarryAt(t *testing.T) {
	p := newTestParser()
	for _, text := range corpus {
		switch c := p.Parse(text).(type) {
		case domain.Transfer:
			if len(c.ReceiverHandle) > 0 && c.ReceiverHandle[0] == '@' {
				t.Errorf("%q: receiver handle kept '@'", text)
			}
		case domain.TokenOp:
			for _, r := range c.Recipients {
				if len(r) > 0 && r[0] == '@' {
					t.Errorf("%q: recipient kept '@'", text)
				}
			}
		}
	}
}

// --- Rules ---

func TestParse_Rules(t *testing.T) {
	p := newTestParser()
	cases := []struct {
		text string
		rule string
		want domain.Command
	}{
		{"@bot Transfer 2.5 usdc @bob", RuleTransfer,
			domain.Transfer{Amount: "2.5", Unit: "USDC", ReceiverHandle: "bob"}},
		{"@Bot tip @carol 10 hbars", RuleTransfer,
			domain.Transfer{Amount: "10", Unit: "HBAR", ReceiverHandle: "carol", Native: true}},
		{"@Bot airdrop 100 FOO to @a @b, @a", RuleAirdrop,
			domain.TokenOp{Op: domain.TokenAirdrop, Amount: "100", Unit: "FOO", Recipients: []string{"a", "b"}}},
		{"@Bot airdrop 5 of token 0.0.777 to @x", RuleAirdrop,
			domain.TokenOp{Op: domain.TokenAirdrop, Amount: "5", TokenID: "0.0.777", Recipients: []string{"x"}}},
		{"@Bot register my account 0.0.12345", RuleRegister,
			domain.Register{AccountID: "0.0.12345"}},
		{"@Bot register me", RuleRegisterIntent, domain.RegisterIntent{}},
		{"@Bot please register a new account", RuleRegisterIntent, domain.RegisterIntent{}},
		{"@Bot hello there!", RuleGreeting, domain.Greeting{}},
		{"@BOT gm", RuleGreeting, domain.Greeting{}},
		{`@Bot create a token named Rocket with symbol RKT, 2 decimals and initial supply 1000 with supply key and memo "launch day"`, RuleTokenCreate,
			domain.TokenOp{Op: domain.TokenCreate, Spec: &domain.TokenSpec{
				Name: "Rocket", Symbol: "RKT", Decimals: "2", InitialSupply: "1000", SupplyKey: true, Memo: "launch day",
			}}},
		{"@Bot what's my hbar balance?", RuleBalance,
			domain.BalanceQuery{Scope: domain.ScopeNative}},
		{"@Bot balance for token 0.0.555", RuleBalance,
			domain.BalanceQuery{Scope: domain.ScopeToken, TokenID: "0.0.555"}},
		{"@Bot show me my balances", RuleBalance,
			domain.BalanceQuery{Scope: domain.ScopeAll}},
		{"@Bot who holds 0.0.999", RuleTokenHolders,
			domain.TokenOp{Op: domain.TokenHolders, TokenID: "0.0.999"}},
		{"@Bot mint 500 tokens of 0.0.42", RuleMint,
			domain.TokenOp{Op: domain.TokenMint, Amount: "500", TokenID: "0.0.42"}},
		{`@Bot mint an NFT for 0.0.42 with metadata "ipfs://abc"`, RuleMintNFT,
			domain.TokenOp{Op: domain.TokenMintNFT, TokenID: "0.0.42", Metadata: "ipfs://abc"}},
		{"@Bot reject token 0.0.5 serial 3", RuleReject,
			domain.TokenOp{Op: domain.TokenReject, TokenID: "0.0.5", Serial: "3"}},
		{"@Bot associate token 0.0.7", RuleAssociate,
			domain.TokenOp{Op: domain.TokenAssociate, TokenID: "0.0.7"}},
		{"@Bot dissociate 0.0.7", RuleDissociate,
			domain.TokenOp{Op: domain.TokenDissociate, TokenID: "0.0.7"}},
		{"@Bot send 12 HBAR to 0.0.1001", RuleNativeAccount,
			domain.Transfer{Amount: "12", Unit: "HBAR", ReceiverAccount: "0.0.1001", Native: true}},
		{"@Bot send 0.0.1001 12 hbar", RuleNativeAccount,
			domain.Transfer{Amount: "12", Unit: "HBAR", ReceiverAccount: "0.0.1001", Native: true}},
		{"@Bot transfer 10 of token 0.0.888 to @dave", RuleTokenTransfer,
			domain.Transfer{Amount: "10", Unit: "0.0.888", ReceiverHandle: "dave"}},
		{"@Bot send @dave 10 tokens of 0.0.888", RuleTokenTransfer,
			domain.Transfer{Amount: "10", Unit: "0.0.888", ReceiverHandle: "dave"}},
		{"@Bot claim my airdrops", RuleClaimAirdrop,
			domain.TokenOp{Op: domain.TokenClaim}},
		{"@Bot show pending airdrops", RulePendingAirdrop,
			domain.TokenOp{Op: domain.TokenPending}},
		{"@Bot info for topic 0.0.300", RuleTopicInfo,
			domain.TopicOp{Op: domain.TopicInfo, TopicID: "0.0.300"}},
		{`@Bot submit "hello world" to topic 0.0.300`, RuleTopicSubmit,
			domain.TopicOp{Op: domain.TopicSubmit, TopicID: "0.0.300", Message: "hello world"}},
		{"@Bot post to topic 0.0.300: gm everyone", RuleTopicSubmit,
			domain.TopicOp{Op: domain.TopicSubmit, TopicID: "0.0.300", Message: "gm everyone"}},
		{`@Bot create a topic with memo "daily notes" and submit key`, RuleTopicCreate,
			domain.TopicOp{Op: domain.TopicCreate, Memo: "daily notes", SubmitKey: true}},
		{"@Bot get last 5 messages from topic 0.0.300", RuleTopicMessages,
			domain.TopicOp{Op: domain.TopicMessages, TopicID: "0.0.300", Limit: "5"}},
		{"@Bot delete topic 0.0.300", RuleTopicDelete,
			domain.TopicOp{Op: domain.TopicDelete, TopicID: "0.0.300"}},
		{"@Bot can you please transfer to @erin the amount of 42 USDC", RuleLooseTransfer,
			domain.Transfer{Amount: "42", Unit: "USDC", ReceiverHandle: "erin"}},
	}
	for _, tc := range cases {
		t.Run(tc.rule, func(t *testing.T) {
			got, rule := p.Explain(tc.text)
			if rule != tc.rule {
				t.Fatalf("%q: rule = %s, want %s (got %#v)", tc.text, rule, tc.rule, got)
			}
			want := withOrigin(tc.want, tc.text)
			if !reflect.DeepEqual(got, want) {
				t.Errorf("%q:\n got  %#v\n want %#v", tc.text, got, want)
			}
		})
	}
}

func TestParse_HandleRulesBeatAccountRules(t *testing.T) {
	// Both a handle and an account id are present; the handle form wins.
	got, rule := newTestParser().Explain("@Bot send 3 HBAR to @zoe 0.0.55")
	if rule != RuleTransfer {
		t.Fatalf("rule = %s", rule)
	}
	if tr := got.(domain.Transfer); tr.ReceiverHandle != "zoe" || tr.ReceiverAccount != "" {
		t.Errorf("got %+v", tr)
	}
}

func TestParse_CustomNativeSymbol(t *testing.T) {
	p := New(Config{BotHandle: "@pay_bot", NativeSymbol: "sol"})
	got, ok := p.Parse("@pay_bot send 1 SOL to @amy").(domain.Transfer)
	if !ok || !got.Native || got.Unit != "SOL" {
		t.Fatalf("got %#v", p.Parse("@pay_bot send 1 SOL to @amy"))
	}
	if c := p.Classify("how much sol do I have"); c.Scope != domain.ScopeNative {
		t.Errorf("classify = %+v", c)
	}
}

func TestRuleNames(t *testing.T) {
	names := RuleNames()
	if names[0] != RuleTransfer || names[len(names)-1] != RuleUnknown {
		t.Fatalf("unexpected order: %v", names)
	}
	seen := map[string]bool{}
	for _, n := range names {
		if seen[n] {
			t.Errorf("duplicate rule name %s", n)
		}
		seen[n] = true
	}
}

func withOrigin(c domain.Command, text string) domain.Command {
	o := domain.Origin{Text: text}
	switch v := c.(type) {
	case domain.Transfer:
		v.Origin = o
		return v
	case domain.BalanceQuery:
		v.Origin = o
		return v
	case domain.TokenOp:
		v.Origin = o
		return v
	case domain.TopicOp:
		v.Origin = o
		return v
	case domain.Register:
		v.Origin = o
		return v
	case domain.RegisterIntent:
		v.Origin = o
		return v
	case domain.Greeting:
		v.Origin = o
		return v
	case domain.Unknown:
		v.Origin = o
		return v
	}
	return c
}
