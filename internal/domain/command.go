package domain

// CommandKind names a Command variant.
type CommandKind string

const (
	KindTransfer       CommandKind = "transfer"
	KindBalance        CommandKind = "balance"
	KindToken          CommandKind = "token"
	KindTopic          CommandKind = "topic"
	KindRegister       CommandKind = "register"
	KindRegisterIntent CommandKind = "register_intent"
	KindGreeting       CommandKind = "greeting"
	KindUnknown        CommandKind = "unknown"
)

// Command is the structured intent extracted from a mention.
// The set of variants is closed: Transfer, BalanceQuery, TokenOp, TopicOp,
// Register, RegisterIntent, Greeting and Unknown.
type Command interface {
	Kind() CommandKind
	OriginalText() string
	command()
}

// Origin carries the untouched mention text for audit and fallback.
type Origin struct {
	Text string
}

func (o Origin) OriginalText() string { return o.Text }
func (Origin) command()               {}

// Transfer moves Amount of Unit to a receiver, addressed either by handle
// (without the leading "@") or by ledger account id.
type Transfer struct {
	Origin
	Amount          string
	Unit            string
	ReceiverHandle  string
	ReceiverAccount string
	Native          bool
	// Ambiguous is set when the text names more than one amount and receiver.
	Ambiguous bool
}

func (Transfer) Kind() CommandKind { return KindTransfer }

// BalanceScope selects which balances a BalanceQuery asks for.
type BalanceScope string

const (
	ScopeNone   BalanceScope = ""
	ScopeAll    BalanceScope = "all"
	ScopeNative BalanceScope = "native"
	ScopeToken  BalanceScope = "token"
)

type BalanceQuery struct {
	Origin
	Scope   BalanceScope
	TokenID string
}

func (BalanceQuery) Kind() CommandKind { return KindBalance }

// TokenOpKind enumerates token operations.
type TokenOpKind string

const (
	TokenCreate     TokenOpKind = "create"
	TokenMint       TokenOpKind = "mint"
	TokenMintNFT    TokenOpKind = "mint_nft"
	TokenAssociate  TokenOpKind = "associate"
	TokenDissociate TokenOpKind = "dissociate"
	TokenReject     TokenOpKind = "reject"
	TokenHolders    TokenOpKind = "holders"
	TokenAirdrop    TokenOpKind = "airdrop"
	TokenClaim      TokenOpKind = "claim"
	TokenPending    TokenOpKind = "pending"
)

// TokenSpec holds the fields of a token-creation request.
type TokenSpec struct {
	Name          string
	Symbol        string
	Decimals      string
	InitialSupply string
	SupplyKey     bool
	AdminKey      bool
	MetadataKey   bool
	Memo          string
	Metadata      string
}

// TokenOp is a token operation. Which fields are set depends on Op:
// Amount for mint and airdrop, Recipients for airdrop, Serial for reject,
// Metadata for mint_nft and Spec for create.
type TokenOp struct {
	Origin
	Op         TokenOpKind
	TokenID    string
	Amount     string
	Unit       string
	Recipients []string
	Serial     string
	Metadata   string
	Spec       *TokenSpec
}

func (TokenOp) Kind() CommandKind { return KindToken }

type TopicOpKind string

const (
	TopicCreate   TopicOpKind = "create"
	TopicInfo     TopicOpKind = "info"
	TopicSubmit   TopicOpKind = "submit"
	TopicMessages TopicOpKind = "messages"
	TopicDelete   TopicOpKind = "delete"
)

type TopicOp struct {
	Origin
	Op        TopicOpKind
	TopicID   string
	Message   string
	Memo      string
	SubmitKey bool
	Limit     string
}

func (TopicOp) Kind() CommandKind { return KindTopic }

// Register links an existing ledger account to the author.
type Register struct {
	Origin
	AccountID string
}

func (Register) Kind() CommandKind { return KindRegister }

// RegisterIntent asks for a new account to be created for the author.
type RegisterIntent struct {
	Origin
}

func (RegisterIntent) Kind() CommandKind { return KindRegisterIntent }

type Greeting struct {
	Origin
}

func (Greeting) Kind() CommandKind { return KindGreeting }

// Unknown is returned when no rule matched. RawText is the cleaned text.
type Unknown struct {
	Origin
	RawText string
}

func (Unknown) Kind() CommandKind { return KindUnknown }

// RequiresRegistration reports whether the author must be registered before
// the command can be dispatched.
func RequiresRegistration(c Command) bool {
	switch c.Kind() {
	case KindRegister, KindRegisterIntent, KindGreeting:
		return false
	}
	return true
}
