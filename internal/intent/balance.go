package intent

import (
	"regexp"

	"mentionbot/internal/domain"
)

// Classification is the result of Classify.
type Classification struct {
	IsBalanceQuery bool
	Scope          domain.BalanceScope
	TokenID        string
}

var (
	tokenBalancePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bbalances?\b.*?\btoken\s+` + idPat),
		regexp.MustCompile(`(?i)\btoken\s+` + idPat + `\s+balances?\b`),
		regexp.MustCompile(`(?i)\bbalances?\s+(?:of|for|in)\s+` + idPat),
		regexp.MustCompile(`(?i)\bhow\s+(?:much|many)\b.*?\btoken\s+` + idPat),
	}
	generalBalancePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bbalances?\b`),
		regexp.MustCompile(`(?i)\bhow\s+much\s+(?:do\s+i\s+have|money|funds?)\b`),
		regexp.MustCompile(`(?i)\bwhat(?:'s|s|\s+is)\s+in\s+my\s+wallet\b`),
		regexp.MustCompile(`(?i)\bmy\s+(?:holdings|portfolio)\b`),
	}
)

// Classify reports whether text asks for a balance and, if so, which one.
// It applies the same preprocessing as Parse, and the balance rule of Parse
// delegates here, so both always agree.
func (p *Parser) Classify(text string) Classification {
	return p.classifyClean(p.prepare(text).clean)
}

// classifyClean checks native phrasing first, then a specific token id, then
// generic phrasing. Quoted passages are ignored.
func (p *Parser) classifyClean(clean string) Classification {
	text := quotedRe.ReplaceAllString(clean, " ")
	for _, re := range p.nativeBalance {
		if re.MatchString(text) {
			return Classification{IsBalanceQuery: true, Scope: domain.ScopeNative}
		}
	}
	for _, re := range tokenBalancePatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			return Classification{IsBalanceQuery: true, Scope: domain.ScopeToken, TokenID: m[1]}
		}
	}
	for _, re := range generalBalancePatterns {
		if re.MatchString(text) {
			return Classification{IsBalanceQuery: true, Scope: domain.ScopeAll}
		}
	}
	return Classification{Scope: domain.ScopeNone}
}
