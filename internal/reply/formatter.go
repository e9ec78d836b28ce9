// Package reply renders dispatch outcomes as user-safe reply text.
package reply

import (
	"strings"
	"unicode/utf8"

	"mentionbot/internal/domain"
)

// DefaultMaxLength is the outbound length limit in runes.
const DefaultMaxLength = 280

const ellipsis = "..."

const (
	genericFailure = "Something went wrong while processing your request. Please try again later."
	emptyText      = "Done."
	notUnderstood  = "Sorry, I didn't understand that. Try: " +
		`"send 5 HBAR to @user", "balance", "register", ` +
		`"create token named X symbol Y", "associate token 0.0.123".`
)

// failureMessages holds one fixed sentence per failure kind.
var failureMessages = map[domain.FailureKind]string{
	domain.FailUnregistered:           `You need an account first. Mention me with "register" to create one.`,
	domain.FailMissingField:           "Some details are missing from your request. Please include everything and try again.",
	domain.FailServiceUnavailable:     "The service is temporarily unavailable. Please try again in a few minutes.",
	domain.FailInsufficientBalance:    "You don't have enough balance for that transaction.",
	domain.FailInsufficientFee:        "Your account can't cover the network fee for that transaction.",
	domain.FailUnauthorized:           "You're not authorized to perform that operation.",
	domain.FailAccountNotFound:        "That account could not be found.",
	domain.FailTokenNotFound:          "That token could not be found.",
	domain.FailTopicNotFound:          "That topic could not be found.",
	domain.FailInvalidAccountID:       "That account ID doesn't look right. Use the format 0.0.12345.",
	domain.FailInvalidTokenID:         "That token ID doesn't look right. Use the format 0.0.12345.",
	domain.FailTokenNotAssociated:     "The account isn't associated with that token yet. Associate it first.",
	domain.FailTokenAlreadyAssociated: "The account is already associated with that token.",
	domain.FailMissingSupplyKey:       "That token has no supply key, so new units can't be minted.",
	domain.FailMissingSubmitKey:       "That topic requires a submit key you don't hold.",
	domain.FailMissingTokenName:       "Please give the token a name, e.g. \"create token named Rocket symbol RKT\".",
	domain.FailMissingTokenSymbol:     "Please give the token a symbol, e.g. \"create token named Rocket symbol RKT\".",
}

// Config configures a Formatter.
type Config struct {
	// MaxLength bounds every reply, in runes. Zero uses DefaultMaxLength.
	MaxLength int
}

// Formatter turns outcomes into reply text.
type Formatter struct {
	maxLength int
}

func New(cfg Config) *Formatter {
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = DefaultMaxLength
	}
	return &Formatter{maxLength: cfg.MaxLength}
}

// MaxLength returns the configured limit in runes.
func (f *Formatter) MaxLength() int { return f.maxLength }

// Format returns a non-empty string no longer than MaxLength runes. Failure
// detail text is used only to pick a message and is never echoed.
func (f *Formatter) Format(o domain.Outcome) string {
	var text string
	switch o.Kind {
	case domain.OutcomeText:
		text = strings.TrimSpace(o.Text)
		if text == "" {
			text = emptyText
		}
	case domain.OutcomeFailure:
		text = FailureMessage(o.Failure)
	default:
		text = notUnderstood
	}
	return f.Truncate(text)
}

// FailureMessage returns the fixed sentence for fail. A failure of unknown
// kind is classified again from its detail before falling back to the
// generic sentence.
func FailureMessage(fail *domain.Failure) string {
	if fail == nil {
		return genericFailure
	}
	kind := fail.Kind
	if kind == domain.FailUnknown || kind == "" {
		kind = domain.ClassifyDetail(fail.Detail)
	}
	if msg, ok := failureMessages[kind]; ok {
		return msg
	}
	return genericFailure
}

// Truncate cuts s to MaxLength runes, replacing the tail with "..." when it
// had to cut.
func (f *Formatter) Truncate(s string) string {
	if utf8.RuneCountInString(s) <= f.maxLength {
		return s
	}
	if f.maxLength <= len(ellipsis) {
		return string([]rune(s)[:f.maxLength])
	}
	cut := string([]rune(s)[:f.maxLength-len(ellipsis)])
	return strings.TrimRight(cut, " \t\n") + ellipsis
}
