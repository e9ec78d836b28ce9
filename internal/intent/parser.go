// Package intent turns mention text into a domain.Command.
//
// Parsing is a single ordered table of rules evaluated against a
// preprocessed form of the text; the first rule that matches wins and an
// Unknown command is returned when none do. A Parser holds no mutable state,
// so Parse is deterministic and safe for concurrent use.
package intent

import (
	"regexp"
	"strings"

	"mentionbot/internal/domain"
)

// DefaultNativeSymbol is the ledger's base currency unit.
const DefaultNativeSymbol = "HBAR"

// Config configures a Parser.
type Config struct {
	// BotHandle is the agent's own handle, with or without the leading "@".
	// A leading mention of it is stripped before parsing.
	BotHandle string
	// NativeSymbol is the native currency unit. Defaults to HBAR.
	NativeSymbol string
}

// Parser maps mention text to commands.
type Parser struct {
	botHandle *regexp.Regexp
	botName   string
	native    string

	nativeWord      *regexp.Regexp
	nativeBalance   []*regexp.Regexp
	nativeToAccount *regexp.Regexp
	accountToNative *regexp.Regexp
}

// input is the preprocessed text handed to each rule.
type input struct {
	// original is the untouched mention text.
	original string
	// withHandles has the leading bot handle removed but keeps every other @handle.
	withHandles string
	// clean has all @handles removed and whitespace collapsed.
	clean string
}

func New(cfg Config) *Parser {
	native := strings.ToUpper(strings.TrimSpace(cfg.NativeSymbol))
	if native == "" {
		native = DefaultNativeSymbol
	}
	p := &Parser{native: native}

	if h := strings.TrimPrefix(strings.TrimSpace(cfg.BotHandle), "@"); h != "" {
		p.botHandle = regexp.MustCompile(`(?i)^@` + regexp.QuoteMeta(h) + `\b[\s,:]*`)
		p.botName = h
	}

	word := regexp.QuoteMeta(strings.ToLower(native)) + `s?`
	p.nativeWord = regexp.MustCompile(`(?i)\b` + word + `\b`)
	p.nativeBalance = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b` + word + `\s+balances?\b`),
		regexp.MustCompile(`(?i)\bbalances?\s+(?:of|in|for)\s+(?:my\s+)?` + word + `\b`),
		regexp.MustCompile(`(?i)\bhow\s+(?:much|many)\s+` + word + `\b`),
		regexp.MustCompile(`(?i)\bwhat(?:'s|s|\s+is)\s+my\s+` + word + `\b`),
	}
	p.nativeToAccount = regexp.MustCompile(`(?i)\b` + transferVerbs + `\s+` + amountPat + `\s*` + word + `\s+(?:to\s+)?(?:account\s+)?` + idPat + `\b`)
	p.accountToNative = regexp.MustCompile(`(?i)\b` + transferVerbs + `\s+(?:account\s+)?` + idPat + `\s+` + amountPat + `\s*` + word + `\b`)
	return p
}

// NativeSymbol returns the configured native unit, uppercased.
func (p *Parser) NativeSymbol() string { return p.native }

// Parse returns exactly one command for text. It never fails.
func (p *Parser) Parse(text string) domain.Command {
	cmd, _ := p.Explain(text)
	return cmd
}

// Explain is Parse that also reports the name of the rule that matched.
func (p *Parser) Explain(text string) (domain.Command, string) {
	in := p.prepare(text)
	for _, r := range rules {
		if cmd, ok := r.match(p, in); ok {
			return cmd, r.name
		}
	}
	return domain.Unknown{Origin: origin(in), RawText: in.clean}, RuleUnknown
}

func (p *Parser) prepare(text string) input {
	body := strings.TrimSpace(text)
	if p.botHandle != nil {
		body = p.botHandle.ReplaceAllString(body, "")
	}
	return input{
		original:    text,
		withHandles: collapseSpace(body),
		clean:       collapseSpace(handleRe.ReplaceAllString(body, " ")),
	}
}

func (p *Parser) isNative(unit string) bool {
	u := strings.ToUpper(unit)
	return u == p.native || u == p.native+"S"
}

// unit normalizes a currency word: the native unit in any case or plural
// collapses to the native symbol, anything else is uppercased.
func (p *Parser) unit(word string) (string, bool) {
	if p.isNative(word) {
		return p.native, true
	}
	return strings.ToUpper(word), false
}

func origin(in input) domain.Origin { return domain.Origin{Text: in.original} }

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// firstGroup returns the first non-empty capture group of m.
func firstGroup(m []string) string {
	for _, g := range m[1:] {
		if g != "" {
			return g
		}
	}
	return ""
}
