package intent

import (
	"regexp"
	"strings"

	"mentionbot/internal/domain"
)

// Rule names, in evaluation order.
const (
	RuleTransfer       = "transfer"
	RuleAirdrop        = "airdrop"
	RuleRegister       = "register"
	RuleRegisterIntent = "register-intent"
	RuleGreeting       = "greeting"
	RuleTokenCreate    = "token-create"
	RuleBalance        = "balance"
	RuleTokenHolders   = "token-holders"
	RuleMint           = "mint"
	RuleMintNFT        = "mint-nft"
	RuleReject         = "reject"
	RuleAssociate      = "associate"
	RuleDissociate     = "dissociate"
	RuleNativeAccount  = "transfer-native-account"
	RuleTokenTransfer  = "transfer-token"
	RuleClaimAirdrop   = "claim-airdrop"
	RulePendingAirdrop = "pending-airdrops"
	RuleTopicInfo      = "topic-info"
	RuleTopicSubmit    = "topic-submit"
	RuleTopicCreate    = "topic-create"
	RuleTopicMessages  = "topic-messages"
	RuleTopicDelete    = "topic-delete"
	RuleLooseTransfer  = "loose-transfer"
	RuleUnknown        = "unknown"
)

type rule struct {
	name  string
	match func(p *Parser, in input) (domain.Command, bool)
}

// rules is evaluated top to bottom. Handle-addressed transfers come before
// account-id transfers, and balance phrasing before the narrower token rules.
var rules = []rule{
	{RuleTransfer, (*Parser).matchTransfer},
	{RuleAirdrop, (*Parser).matchAirdrop},
	{RuleRegister, (*Parser).matchRegister},
	{RuleRegisterIntent, (*Parser).matchRegisterIntent},
	{RuleGreeting, (*Parser).matchGreeting},
	{RuleTokenCreate, (*Parser).matchTokenCreate},
	{RuleBalance, (*Parser).matchBalance},
	{RuleTokenHolders, (*Parser).matchHolders},
	{RuleMint, (*Parser).matchMint},
	{RuleMintNFT, (*Parser).matchMintNFT},
	{RuleReject, (*Parser).matchReject},
	{RuleAssociate, (*Parser).matchAssociate},
	{RuleDissociate, (*Parser).matchDissociate},
	{RuleNativeAccount, (*Parser).matchNativeToAccount},
	{RuleTokenTransfer, (*Parser).matchTokenTransfer},
	{RuleClaimAirdrop, (*Parser).matchClaim},
	{RulePendingAirdrop, (*Parser).matchPending},
	{RuleTopicInfo, (*Parser).matchTopicInfo},
	{RuleTopicSubmit, (*Parser).matchTopicSubmit},
	{RuleTopicCreate, (*Parser).matchTopicCreate},
	{RuleTopicMessages, (*Parser).matchTopicMessages},
	{RuleTopicDelete, (*Parser).matchTopicDelete},
	{RuleLooseTransfer, (*Parser).matchLooseTransfer},
}

// RuleNames lists the rule names in evaluation order, ending with RuleUnknown.
func RuleNames() []string {
	names := make([]string, 0, len(rules)+1)
	for _, r := range rules {
		names = append(names, r.name)
	}
	return append(names, RuleUnknown)
}

const (
	transferVerbs = `(?:send|transfer|pay|give|tip)`
	amountPat     = `(\d+(?:\.\d+)?)`
	unitPat       = `([A-Za-z][A-Za-z0-9]*)`
	handlePat     = `@([A-Za-z0-9_]+(?:[.\-][A-Za-z0-9_]+)*)`
	idPat         = `(\d+\.\d+\.\d+)`
	quotedPat     = `["“]([^"”]*)["”]`
)

var (
	handleRe = regexp.MustCompile(handlePat)
	idRe     = regexp.MustCompile(`\b` + idPat + `\b`)
	quotedRe = regexp.MustCompile(quotedPat)

	transferAmountFirstRe = regexp.MustCompile(`(?i)\b` + transferVerbs + `\s+` + amountPat + `\s*` + unitPat + `\s+(?:to\s+)?` + handlePat)
	transferHandleFirstRe = regexp.MustCompile(`(?i)\b` + transferVerbs + `\s+` + handlePat + `\s+` + amountPat + `\s*` + unitPat + `\b`)
	legAmountFirstRe      = regexp.MustCompile(`(?i)\b` + amountPat + `\s*` + unitPat + `\s+(?:to\s+)?` + handlePat)
	legHandleFirstRe      = regexp.MustCompile(`(?i)` + handlePat + `\s+` + amountPat + `\s*` + unitPat + `\b`)

	airdropRe = regexp.MustCompile(`(?i)\bairdrop\s+` + amountPat + `\s+(?:tokens?\s+)?(?:of\s+)?(?:token\s+)?(?:` + idPat + `|` + unitPat + `)\b(.*)$`)

	registerAccountRe = regexp.MustCompile(`(?i)\b(?:register|link|connect)\b[^.!?]*?\b` + idPat + `\b`)
	registerIntentRe  = regexp.MustCompile(`(?i)^(?:please\s+|pls\s+|can\s+you\s+|could\s+you\s+|i\s+want\s+to\s+|i'?d\s+like\s+to\s+|let\s+me\s+)?` +
		`(?:register|sign\s*up|sign\s+me\s+up|create\s+(?:an?\s+|my\s+)?(?:new\s+)?account|open\s+(?:an?\s+)?(?:new\s+)?account)\b`)
	greetingRe = regexp.MustCompile(`(?i)^(?:hi|hello|hey|hiya|howdy|yo|gm|good\s+(?:morning|afternoon|evening|day)|greetings|what'?s\s+up|sup)\b`)

	tokenCreateRe    = regexp.MustCompile(`(?i)\b(?:create|make|launch|issue|deploy)\s+(?:me\s+)?(?:an?\s+|my\s+|new\s+)*(?:(?:fungible|non-fungible|nft)\s+)?token\b`)
	tokenNameRe      = regexp.MustCompile(`(?i)\b(?:named|called|name)\s*[:=]?\s*(?:["“']([^"”']+)["”']|([A-Za-z0-9][\w\-]*))`)
	tokenSymbolRe    = regexp.MustCompile(`(?i)\b(?:symbol|ticker)\s*[:=]?\s*["“']?\$?([A-Za-z0-9]+)`)
	tokenSymbolParen = regexp.MustCompile(`\(\$?([A-Za-z0-9]{1,10})\)`)
	decimalsRe       = regexp.MustCompile(`(?i)\b(\d+)\s+decimals?\b|\bdecimals?\s*(?:of\s*)?[:=]?\s*(\d+)\b`)
	supplyRe         = regexp.MustCompile(`(?i)\b(?:initial\s+)?supply\s*(?:of\s*)?[:=]?\s*(\d+(?:\.\d+)?)|\b(\d+(?:\.\d+)?)\s+(?:initial\s+)?supply\b`)
	supplyKeyRe      = regexp.MustCompile(`(?i)\bsupply\s+key\b`)
	adminKeyRe       = regexp.MustCompile(`(?i)\badmin\s+key\b`)
	metadataKeyRe    = regexp.MustCompile(`(?i)\bmetadata\s+key\b`)
	memoRe           = regexp.MustCompile(`(?i)\bmemo\s*[:=]?\s*` + quotedPat)
	metadataRe       = regexp.MustCompile(`(?i)\bmetadata\s*[:=]?\s*` + quotedPat)

	holdersRe    = regexp.MustCompile(`(?i)\b(?:holders?|who\s+holds)\b.*?\b` + idPat + `\b|\b` + idPat + `\s+holders\b`)
	mintRe       = regexp.MustCompile(`(?i)\bmint\s+` + amountPat + `\s+(?:\w+\s+){0,3}?` + idPat + `\b`)
	mintNFTRe    = regexp.MustCompile(`(?i)\bmint\s+(?:an?\s+|one\s+)?nfts?\b.*?\b` + idPat + `\b`)
	rejectRe     = regexp.MustCompile(`(?i)\breject\s+(?:the\s+)?(?:token\s+|nft\s+)?` + idPat + `\b(?:\s*(?:serial\s*#?|#|/)\s*(\d+))?`)
	associateRe  = regexp.MustCompile(`(?i)\bassociate\s+(?:(?:with|me\s+with)\s+)?(?:token\s+)?` + idPat + `\b`)
	dissociateRe = regexp.MustCompile(`(?i)\b(?:dissociate|disassociate)\s+(?:(?:from|me\s+from)\s+)?(?:token\s+)?` + idPat + `\b`)

	tokenTransferRe         = regexp.MustCompile(`(?i)\b` + transferVerbs + `\s+` + amountPat + `\s+(?:(?:units?|tokens?)\s+)?(?:of\s+)?(?:token\s+)?` + idPat + `\s+(?:to\s+)?(?:account\s+)?(?:` + handlePat + `|` + idPat + `)`)
	tokenTransferReversedRe = regexp.MustCompile(`(?i)\b` + transferVerbs + `\s+(?:` + handlePat + `|(?:account\s+)?` + idPat + `)\s+` + amountPat + `\s+(?:(?:units?|tokens?)\s+)?(?:of\s+)?(?:token\s+)?` + idPat + `\b`)

	claimRe   = regexp.MustCompile(`(?i)\bclaim\b.*?\bairdrops?\b|\bclaim\s+(?:token\s+)?` + idPat)
	pendingRe = regexp.MustCompile(`(?i)\b(?:pending\s+airdrops?|airdrops?\s+(?:that\s+are\s+)?pending|(?:show|list|check|view)\s+(?:my\s+)?airdrops?)\b`)

	topicInfoRe = regexp.MustCompile(`(?i)\b(?:info|information|details)\s+(?:for|on|about|of)\s+topic\s+` + idPat +
		`|\btopic\s+(?:info|information|details)\s+(?:for\s+|of\s+)?` + idPat +
		`|\btopic\s+` + idPat + `\s+(?:info|information|details)\b` +
		`|\bdescribe\s+topic\s+` + idPat)
	topicSubmitRe         = regexp.MustCompile(`(?i)\b(?:submit|post|send|publish|write)\s+(?:(?:a|the)\s+)?(?:message\s+)?` + quotedPat + `\s+(?:to|on|in)\s+topic\s+` + idPat)
	topicSubmitReversedRe = regexp.MustCompile(`(?i)\b(?:submit|post|send|publish|write)\s+(?:(?:a|the)\s+)?(?:message\s+)?(?:to|on|in)\s+topic\s+` + idPat + `\s*[:,\-]?\s*(.+)$`)
	topicCreateRe         = regexp.MustCompile(`(?i)\b(?:create|make|open|start)\s+(?:me\s+)?(?:an?\s+|my\s+|new\s+)*topic\b`)
	submitKeyRe           = regexp.MustCompile(`(?i)\bsubmit\s+key\b`)
	topicMessagesRe       = regexp.MustCompile(`(?i)\b(?:get|show|list|read|fetch|view)\s+(?:the\s+)?(?:(?:last|latest|recent)\s+)?(?:(\d+)\s+)?(?:recent\s+)?messages\s+(?:from|in|on|for|of)\s+topic\s+` + idPat +
		`|\btopic\s+` + idPat + `\s+messages\b`)
	topicDeleteRe = regexp.MustCompile(`(?i)\b(?:delete|remove|close)\s+(?:the\s+)?topic\s+` + idPat)

	looseVerbRe   = regexp.MustCompile(`(?i)\b` + transferVerbs + `\b`)
	looseAmountRe = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
	looseSymbolRe = regexp.MustCompile(`\b[A-Z]{3,}\b`)
)

// nonUnitWords can follow an amount without naming a currency.
var nonUnitWords = map[string]bool{
	"to": true, "of": true, "token": true, "tokens": true, "unit": true, "units": true,
}

// looseStopwords are uppercase words that are never a token symbol.
var looseStopwords = map[string]bool{
	"SEND": true, "TRANSFER": true, "PAY": true, "GIVE": true, "TIP": true,
	"THE": true, "AND": true, "FOR": true, "PLEASE": true,
}

func (p *Parser) matchTransfer(in input) (domain.Command, bool) {
	var amount, unit, handle string
	if m := transferAmountFirstRe.FindStringSubmatch(in.withHandles); m != nil && !nonUnitWords[strings.ToLower(m[2])] {
		amount, unit, handle = m[1], m[2], m[3]
	} else if m := transferHandleFirstRe.FindStringSubmatch(in.withHandles); m != nil && !nonUnitWords[strings.ToLower(m[3])] {
		handle, amount, unit = m[1], m[2], m[3]
	} else {
		return nil, false
	}
	if p.isBot(handle) {
		return nil, false
	}
	if p.transferLegs(in.withHandles) > 1 {
		return domain.Transfer{Origin: origin(in), Ambiguous: true}, true
	}
	u, native := p.unit(unit)
	return domain.Transfer{
		Origin:         origin(in),
		Amount:         amount,
		Unit:           u,
		ReceiverHandle: handle,
		Native:         native,
	}, true
}

// transferLegs counts the amount and receiver pairs in text.
func (p *Parser) transferLegs(text string) int {
	legs := 0
	for _, m := range legAmountFirstRe.FindAllStringSubmatch(text, -1) {
		if !nonUnitWords[strings.ToLower(m[2])] && !p.isBot(m[3]) {
			legs++
		}
	}
	reversed := 0
	for _, m := range legHandleFirstRe.FindAllStringSubmatch(text, -1) {
		if !nonUnitWords[strings.ToLower(m[3])] && !p.isBot(m[1]) {
			reversed++
		}
	}
	return max(legs, reversed)
}

func (p *Parser) isBot(handle string) bool {
	return p.botName != "" && strings.EqualFold(handle, p.botName)
}

func (p *Parser) matchAirdrop(in input) (domain.Command, bool) {
	m := airdropRe.FindStringSubmatch(in.withHandles)
	if m == nil || nonUnitWords[strings.ToLower(m[3])] {
		return nil, false
	}
	recipients := p.uniqueHandles(m[4])
	if len(recipients) == 0 {
		return nil, false
	}
	op := domain.TokenOp{
		Origin:     origin(in),
		Op:         domain.TokenAirdrop,
		Amount:     m[1],
		Recipients: recipients,
	}
	if m[2] != "" {
		op.TokenID = m[2]
	} else {
		op.Unit, _ = p.unit(m[3])
	}
	return op, true
}

func (p *Parser) matchRegister(in input) (domain.Command, bool) {
	m := registerAccountRe.FindStringSubmatch(in.clean)
	if m == nil {
		return nil, false
	}
	return domain.Register{Origin: origin(in), AccountID: m[1]}, true
}

func (p *Parser) matchRegisterIntent(in input) (domain.Command, bool) {
	if !registerIntentRe.MatchString(in.clean) {
		return nil, false
	}
	return domain.RegisterIntent{Origin: origin(in)}, true
}

func (p *Parser) matchGreeting(in input) (domain.Command, bool) {
	if !greetingRe.MatchString(in.clean) {
		return nil, false
	}
	return domain.Greeting{Origin: origin(in)}, true
}

func (p *Parser) matchTokenCreate(in input) (domain.Command, bool) {
	text := in.clean
	if !tokenCreateRe.MatchString(text) {
		return nil, false
	}
	spec := &domain.TokenSpec{
		SupplyKey:   supplyKeyRe.MatchString(text),
		AdminKey:    adminKeyRe.MatchString(text),
		MetadataKey: metadataKeyRe.MatchString(text),
	}
	if m := tokenNameRe.FindStringSubmatch(text); m != nil {
		spec.Name = strings.TrimSpace(firstGroup(m))
	}
	if m := tokenSymbolRe.FindStringSubmatch(text); m != nil {
		spec.Symbol = strings.ToUpper(m[1])
	} else if m := tokenSymbolParen.FindStringSubmatch(text); m != nil {
		spec.Symbol = strings.ToUpper(m[1])
	}
	if m := decimalsRe.FindStringSubmatch(text); m != nil {
		spec.Decimals = firstGroup(m)
	}
	if m := supplyRe.FindStringSubmatch(text); m != nil {
		spec.InitialSupply = firstGroup(m)
	}
	if m := memoRe.FindStringSubmatch(text); m != nil {
		spec.Memo = m[1]
	}
	if m := metadataRe.FindStringSubmatch(text); m != nil {
		spec.Metadata = m[1]
	}
	return domain.TokenOp{Origin: origin(in), Op: domain.TokenCreate, Spec: spec}, true
}

func (p *Parser) matchBalance(in input) (domain.Command, bool) {
	c := p.classifyClean(in.clean)
	if !c.IsBalanceQuery {
		return nil, false
	}
	return domain.BalanceQuery{Origin: origin(in), Scope: c.Scope, TokenID: c.TokenID}, true
}

func (p *Parser) matchHolders(in input) (domain.Command, bool) {
	return tokenIDOp(in, holdersRe, domain.TokenHolders)
}

func (p *Parser) matchMint(in input) (domain.Command, bool) {
	m := mintRe.FindStringSubmatch(in.withHandles)
	if m == nil {
		return nil, false
	}
	return domain.TokenOp{Origin: origin(in), Op: domain.TokenMint, Amount: m[1], TokenID: m[2]}, true
}

func (p *Parser) matchMintNFT(in input) (domain.Command, bool) {
	m := mintNFTRe.FindStringSubmatch(in.withHandles)
	if m == nil {
		return nil, false
	}
	op := domain.TokenOp{Origin: origin(in), Op: domain.TokenMintNFT, TokenID: m[1]}
	if md := metadataRe.FindStringSubmatch(in.withHandles); md != nil {
		op.Metadata = md[1]
	}
	return op, true
}

func (p *Parser) matchReject(in input) (domain.Command, bool) {
	m := rejectRe.FindStringSubmatch(in.withHandles)
	if m == nil {
		return nil, false
	}
	return domain.TokenOp{Origin: origin(in), Op: domain.TokenReject, TokenID: m[1], Serial: m[2]}, true
}

func (p *Parser) matchAssociate(in input) (domain.Command, bool) {
	return tokenIDOp(in, associateRe, domain.TokenAssociate)
}

func (p *Parser) matchDissociate(in input) (domain.Command, bool) {
	return tokenIDOp(in, dissociateRe, domain.TokenDissociate)
}

func (p *Parser) matchNativeToAccount(in input) (domain.Command, bool) {
	var amount, account string
	if m := p.nativeToAccount.FindStringSubmatch(in.withHandles); m != nil {
		amount, account = m[1], m[2]
	} else if m := p.accountToNative.FindStringSubmatch(in.withHandles); m != nil {
		account, amount = m[1], m[2]
	} else {
		return nil, false
	}
	return domain.Transfer{
		Origin:          origin(in),
		Amount:          amount,
		Unit:            p.native,
		ReceiverAccount: account,
		Native:          true,
	}, true
}

// matchTokenTransfer handles transfers of a token addressed by its id. Unit
// carries the token id.
func (p *Parser) matchTokenTransfer(in input) (domain.Command, bool) {
	t := domain.Transfer{Origin: origin(in)}
	if m := tokenTransferRe.FindStringSubmatch(in.withHandles); m != nil {
		t.Amount, t.Unit, t.ReceiverHandle, t.ReceiverAccount = m[1], m[2], m[3], m[4]
	} else if m := tokenTransferReversedRe.FindStringSubmatch(in.withHandles); m != nil {
		t.ReceiverHandle, t.ReceiverAccount, t.Amount, t.Unit = m[1], m[2], m[3], m[4]
	} else {
		return nil, false
	}
	return t, true
}

func (p *Parser) matchClaim(in input) (domain.Command, bool) {
	if !claimRe.MatchString(in.withHandles) {
		return nil, false
	}
	op := domain.TokenOp{Origin: origin(in), Op: domain.TokenClaim}
	if m := idRe.FindStringSubmatch(in.withHandles); m != nil {
		op.TokenID = m[1]
	}
	return op, true
}

func (p *Parser) matchPending(in input) (domain.Command, bool) {
	if !pendingRe.MatchString(in.withHandles) {
		return nil, false
	}
	return domain.TokenOp{Origin: origin(in), Op: domain.TokenPending}, true
}

func (p *Parser) matchTopicInfo(in input) (domain.Command, bool) {
	m := topicInfoRe.FindStringSubmatch(in.withHandles)
	if m == nil {
		return nil, false
	}
	return domain.TopicOp{Origin: origin(in), Op: domain.TopicInfo, TopicID: firstGroup(m)}, true
}

func (p *Parser) matchTopicSubmit(in input) (domain.Command, bool) {
	op := domain.TopicOp{Origin: origin(in), Op: domain.TopicSubmit}
	if m := topicSubmitRe.FindStringSubmatch(in.withHandles); m != nil {
		op.Message, op.TopicID = m[1], m[2]
	} else if m := topicSubmitReversedRe.FindStringSubmatch(in.withHandles); m != nil {
		op.TopicID, op.Message = m[1], trimQuotes(m[2])
	} else {
		return nil, false
	}
	return op, true
}

func (p *Parser) matchTopicCreate(in input) (domain.Command, bool) {
	if !topicCreateRe.MatchString(in.withHandles) {
		return nil, false
	}
	op := domain.TopicOp{
		Origin:    origin(in),
		Op:        domain.TopicCreate,
		SubmitKey: submitKeyRe.MatchString(in.withHandles),
	}
	if m := memoRe.FindStringSubmatch(in.withHandles); m != nil {
		op.Memo = m[1]
	}
	return op, true
}

func (p *Parser) matchTopicMessages(in input) (domain.Command, bool) {
	m := topicMessagesRe.FindStringSubmatch(in.withHandles)
	if m == nil {
		return nil, false
	}
	id := m[2]
	if id == "" {
		id = m[3]
	}
	return domain.TopicOp{Origin: origin(in), Op: domain.TopicMessages, TopicID: id, Limit: m[1]}, true
}

func (p *Parser) matchTopicDelete(in input) (domain.Command, bool) {
	m := topicDeleteRe.FindStringSubmatch(in.withHandles)
	if m == nil {
		return nil, false
	}
	return domain.TopicOp{Origin: origin(in), Op: domain.TopicDelete, TopicID: m[1]}, true
}

// matchLooseTransfer is the last resort: a transfer verb, a receiver handle,
// an amount and a symbol anywhere in the text, in any order.
func (p *Parser) matchLooseTransfer(in input) (domain.Command, bool) {
	if !looseVerbRe.MatchString(in.withHandles) {
		return nil, false
	}
	var receiver string
	for _, h := range handleRe.FindAllStringSubmatch(in.withHandles, -1) {
		if !p.isBot(h[1]) {
			receiver = h[1]
			break
		}
	}
	if receiver == "" {
		return nil, false
	}
	rest := idRe.ReplaceAllString(in.clean, " ")
	amount := looseAmountRe.FindString(rest)
	if amount == "" {
		return nil, false
	}

	unit, native := "", false
	for _, sym := range looseSymbolRe.FindAllString(rest, -1) {
		if !looseStopwords[sym] {
			unit, native = p.unit(sym)
			break
		}
	}
	if unit == "" {
		if !p.nativeWord.MatchString(rest) {
			return nil, false
		}
		unit, native = p.native, true
	}
	return domain.Transfer{
		Origin:         origin(in),
		Amount:         amount,
		Unit:           unit,
		ReceiverHandle: receiver,
		Native:         native,
	}, true
}

func tokenIDOp(in input, re *regexp.Regexp, kind domain.TokenOpKind) (domain.Command, bool) {
	m := re.FindStringSubmatch(in.withHandles)
	if m == nil {
		return nil, false
	}
	return domain.TokenOp{Origin: origin(in), Op: kind, TokenID: firstGroup(m)}, true
}

// uniqueHandles lists the handles in s once each, without the bot's own.
func (p *Parser) uniqueHandles(s string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range handleRe.FindAllStringSubmatch(s, -1) {
		key := strings.ToLower(m[1])
		if seen[key] || p.isBot(m[1]) {
			continue
		}
		seen[key] = true
		out = append(out, m[1])
	}
	return out
}

func trimQuotes(s string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(s), `"“”'`))
}
