package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"mentionbot/internal/domain"
)

const (
	askOneTransfer    = `I can only make one transfer per message. Try "send 5 HBAR to @user", then mention me again for the next one.`
	askReceiver       = `Who should receive it? Try "send 5 HBAR to @user".`
	askTokenID        = `Which token? Include its id, e.g. "associate token 0.0.12345".`
	askTopicMessage   = `What should I post? Try "submit \"hello\" to topic 0.0.12345".`
	defaultMsgLimit   = "10"
	greetRegistered   = `Hi %s! Try "balance", "send 5 HBAR to @user" or "create token named Rocket symbol RKT".`
	greetUnregistered = `Hi %s! Mention me with "register" to create an account and get started.`
)

func (r *Router) handleRegister(ctx context.Context, c domain.Register, author Author, registered bool) domain.Outcome {
	if registered {
		return r.alreadyRegistered(ctx, author)
	}
	if r.provisioner == nil {
		return domain.FailureOutcome(domain.FailServiceUnavailable, "no provisioner configured")
	}
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	res, err := r.provisioner.LinkAccount(callCtx, author.Handle, c.AccountID)
	if err != nil {
		return failure(err)
	}
	return provisionOutcome(res)
}

func (r *Router) handleRegisterIntent(ctx context.Context, author Author, registered bool) domain.Outcome {
	if registered {
		return r.alreadyRegistered(ctx, author)
	}
	if r.provisioner == nil {
		return domain.FailureOutcome(domain.FailServiceUnavailable, "no provisioner configured")
	}
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	res, err := r.provisioner.CreateAccountFor(callCtx, author.Handle, author.ID, r.initialFunding)
	if err != nil {
		return failure(err)
	}
	return provisionOutcome(res)
}

func (r *Router) alreadyRegistered(ctx context.Context, author Author) domain.Outcome {
	acct, err := r.accountOf(ctx, author.Handle)
	if err != nil || acct == "" {
		return domain.TextOutcome("You're already registered.")
	}
	return domain.TextOutcome(fmt.Sprintf("You're already registered with account %s.", acct))
}

// provisionOutcome returns the provisioning message verbatim.
func provisionOutcome(res domain.ProvisionResult) domain.Outcome {
	if msg := strings.TrimSpace(res.Message); msg != "" {
		return domain.TextOutcome(msg)
	}
	if res.Success && res.AccountID != "" {
		return domain.TextOutcome(fmt.Sprintf("Your account %s is ready.", res.AccountID))
	}
	return domain.FailureOutcome(domain.FailUnknown, "provisioning returned no message")
}

func (r *Router) handleGreeting(author Author, registered bool) domain.Outcome {
	if registered {
		return domain.TextOutcome(fmt.Sprintf(greetRegistered, mention(author.Handle)))
	}
	return domain.TextOutcome(fmt.Sprintf(greetUnregistered, mention(author.Handle)))
}

func (r *Router) handleTransfer(ctx context.Context, t domain.Transfer, author Author) domain.Outcome {
	if t.Ambiguous {
		return domain.TextOutcome(askOneTransfer)
	}
	if t.ReceiverHandle == "" && t.ReceiverAccount == "" {
		return domain.TextOutcome(askReceiver)
	}
	if msg, ok := validAmount(t.Amount); !ok {
		return domain.TextOutcome(msg)
	}
	if t.ReceiverHandle != "" && strings.EqualFold(t.ReceiverHandle, author.Handle) {
		return domain.TextOutcome("You can't send to yourself.")
	}

	sender, err := r.accountOf(ctx, author.Handle)
	if err != nil {
		return failure(err)
	}

	receiver, notice := t.ReceiverAccount, ""
	if t.ReceiverHandle != "" {
		acct, n, out, ok := r.resolveReceiver(ctx, t.ReceiverHandle)
		if !ok {
			return out
		}
		receiver, notice = acct, n
	}

	instruction := fmt.Sprintf("Transfer %s from account %s to account %s",
		r.quantity(t.Amount, t.Unit), orDefault(sender, author.Handle), receiver)
	res, err := r.execute(ctx, instruction, author)
	if err != nil {
		return failure(err)
	}
	r.record(ctx, domain.TransactionRecord{
		Sender:   orDefault(sender, author.Handle),
		Receiver: receiver,
		TxID:     res.txID,
		Kind:     string(domain.KindTransfer),
		Amount:   t.Amount,
		Unit:     t.Unit,
	})

	text := orDefault(res.text, fmt.Sprintf("Sent %s to %s.", r.quantity(t.Amount, t.Unit), receiverLabel(t)))
	if notice != "" {
		text += " " + notice
	}
	return domain.TextOutcome(text)
}

// resolveReceiver returns the account for handle, provisioning one when the
// handle is unregistered and auto-provisioning is on. ok is false when out
// should be returned to the author instead.
func (r *Router) resolveReceiver(ctx context.Context, handle string) (account, notice string, out domain.Outcome, ok bool) {
	acct, err := r.accountOf(ctx, handle)
	if err != nil {
		return "", "", failure(err), false
	}
	if acct != "" {
		return acct, "", domain.Outcome{}, true
	}
	if !r.autoProvision || r.provisioner == nil {
		msg := fmt.Sprintf(`%s hasn't registered yet. Ask them to mention me with "register" first.`, mention(handle))
		return "", "", domain.TextOutcome(msg), false
	}

	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	res, err := r.provisioner.CreateAccountFor(callCtx, handle, "", r.initialFunding)
	if err != nil {
		return "", "", failure(err), false
	}
	if !res.Success || res.AccountID == "" {
		return "", "", domain.FailureOutcome(domain.ClassifyDetail(res.Message), res.Message), false
	}
	r.logger.Info("provisioned receiver account", "handle", handle, "account", res.AccountID)
	notice = fmt.Sprintf("%s didn't have an account yet, so I created one (%s).", mention(handle), res.AccountID)
	return res.AccountID, notice, domain.Outcome{}, true
}

func (r *Router) handleBalance(ctx context.Context, q domain.BalanceQuery, author Author) domain.Outcome {
	acct, err := r.accountOf(ctx, author.Handle)
	if err != nil {
		return failure(err)
	}
	acct = orDefault(acct, author.Handle)

	var instruction string
	switch q.Scope {
	case domain.ScopeNative:
		instruction = fmt.Sprintf("Get the %s balance of account %s", r.native, acct)
	case domain.ScopeToken:
		instruction = fmt.Sprintf("Get the balance of token %s for account %s", q.TokenID, acct)
	default:
		instruction = fmt.Sprintf("Get all token balances of account %s", acct)
	}
	res, err := r.execute(ctx, instruction, author)
	if err != nil {
		return failure(err)
	}
	return domain.TextOutcome(orDefault(res.text, "I couldn't find any balances for your account."))
}

func (r *Router) handleToken(ctx context.Context, op domain.TokenOp, author Author) domain.Outcome {
	acct, err := r.accountOf(ctx, author.Handle)
	if err != nil {
		return failure(err)
	}
	acct = orDefault(acct, author.Handle)

	if op.Op != domain.TokenCreate && op.Op != domain.TokenPending && op.Op != domain.TokenClaim &&
		op.Op != domain.TokenAirdrop && op.TokenID == "" {
		return domain.TextOutcome(askTokenID)
	}

	rec := domain.TransactionRecord{Sender: acct, Kind: "token_" + string(op.Op), Amount: op.Amount, Unit: op.Unit}
	var notices []string
	var instruction string
	switch op.Op {
	case domain.TokenCreate:
		if op.Spec == nil || strings.TrimSpace(op.Spec.Name) == "" {
			return domain.FailureOutcome(domain.FailMissingTokenName, "")
		}
		if strings.TrimSpace(op.Spec.Symbol) == "" {
			return domain.FailureOutcome(domain.FailMissingTokenSymbol, "")
		}
		instruction = createTokenInstruction(op.Spec, acct)
		rec.Unit, rec.Memo = op.Spec.Symbol, op.Spec.Memo
	case domain.TokenMint:
		if msg, ok := validAmount(op.Amount); !ok {
			return domain.TextOutcome(msg)
		}
		instruction = fmt.Sprintf("Mint %s units of token %s", op.Amount, op.TokenID)
		rec.Unit = op.TokenID
	case domain.TokenMintNFT:
		instruction = fmt.Sprintf("Mint an NFT for token %s", op.TokenID)
		if op.Metadata != "" {
			instruction += fmt.Sprintf(" with metadata %q", op.Metadata)
		}
		rec.Unit, rec.Memo = op.TokenID, op.Metadata
	case domain.TokenAssociate:
		instruction = fmt.Sprintf("Associate token %s with account %s", op.TokenID, acct)
	case domain.TokenDissociate:
		instruction = fmt.Sprintf("Dissociate token %s from account %s", op.TokenID, acct)
	case domain.TokenReject:
		instruction = fmt.Sprintf("Reject token %s for account %s", op.TokenID, acct)
		if op.Serial != "" {
			instruction = fmt.Sprintf("Reject NFT %s serial %s for account %s", op.TokenID, op.Serial, acct)
		}
	case domain.TokenHolders:
		instruction = fmt.Sprintf("List the holders of token %s", op.TokenID)
		rec = domain.TransactionRecord{}
	case domain.TokenAirdrop:
		if len(op.Recipients) == 0 {
			return domain.TextOutcome(askReceiver)
		}
		if msg, ok := validAmount(op.Amount); !ok {
			return domain.TextOutcome(msg)
		}
		accounts := make([]string, 0, len(op.Recipients))
		for _, h := range op.Recipients {
			a, n, out, ok := r.resolveReceiver(ctx, h)
			if !ok {
				return out
			}
			accounts = append(accounts, a)
			if n != "" {
				notices = append(notices, n)
			}
		}
		unit := op.Unit
		if op.TokenID != "" {
			unit = op.TokenID
		}
		instruction = fmt.Sprintf("Airdrop %s each to accounts %s from account %s",
			r.quantity(op.Amount, unit), strings.Join(accounts, ", "), acct)
		rec.Receiver, rec.Unit = strings.Join(accounts, ","), unit
	case domain.TokenClaim:
		instruction = fmt.Sprintf("Claim pending airdrops for account %s", acct)
		if op.TokenID != "" {
			instruction += fmt.Sprintf(" of token %s", op.TokenID)
		}
	case domain.TokenPending:
		instruction = fmt.Sprintf("List pending airdrops for account %s", acct)
		rec = domain.TransactionRecord{}
	default:
		return domain.DeferredOutcome()
	}

	res, err := r.execute(ctx, instruction, author)
	if err != nil {
		return failure(err)
	}
	if rec.Kind != "" {
		rec.TxID = res.txID
		r.record(ctx, rec)
	}
	text := orDefault(res.text, "Done.")
	if len(notices) > 0 {
		text += " " + strings.Join(notices, " ")
	}
	return domain.TextOutcome(text)
}

func (r *Router) handleTopic(ctx context.Context, op domain.TopicOp, author Author) domain.Outcome {
	if op.Op != domain.TopicCreate && op.TopicID == "" {
		return domain.FailureOutcome(domain.FailMissingField, "topic id")
	}
	acct, err := r.accountOf(ctx, author.Handle)
	if err != nil {
		return failure(err)
	}
	acct = orDefault(acct, author.Handle)

	rec := domain.TransactionRecord{Sender: acct, Kind: "topic_" + string(op.Op), Unit: op.TopicID}
	var instruction string
	switch op.Op {
	case domain.TopicCreate:
		instruction = "Create a new topic"
		if op.Memo != "" {
			instruction += fmt.Sprintf(" with memo %q", op.Memo)
			rec.Memo = op.Memo
		}
		if op.SubmitKey {
			instruction += " and a submit key"
		}
	case domain.TopicInfo:
		instruction = fmt.Sprintf("Get info for topic %s", op.TopicID)
		rec = domain.TransactionRecord{}
	case domain.TopicSubmit:
		if strings.TrimSpace(op.Message) == "" {
			return domain.TextOutcome(askTopicMessage)
		}
		instruction = fmt.Sprintf("Submit message %q to topic %s", op.Message, op.TopicID)
		rec.Memo = op.Message
	case domain.TopicMessages:
		instruction = fmt.Sprintf("Get the last %s messages from topic %s", orDefault(op.Limit, defaultMsgLimit), op.TopicID)
		rec = domain.TransactionRecord{}
	case domain.TopicDelete:
		instruction = fmt.Sprintf("Delete topic %s", op.TopicID)
	default:
		return domain.DeferredOutcome()
	}

	res, err := r.execute(ctx, instruction, author)
	if err != nil {
		return failure(err)
	}
	if rec.Kind != "" {
		rec.TxID = res.txID
		r.record(ctx, rec)
	}
	return domain.TextOutcome(orDefault(res.text, "Done."))
}

// handleUnknown forwards free text to the executor when enabled. Anything
// short of a usable answer is Deferred.
func (r *Router) handleUnknown(ctx context.Context, u domain.Unknown, author Author) domain.Outcome {
	if !r.forwardUnknown || strings.TrimSpace(u.RawText) == "" {
		return domain.DeferredOutcome()
	}
	res, err := r.execute(ctx, u.RawText, author)
	if err != nil {
		r.logger.Info("unknown command not handled by executor", "handle", author.Handle, "error", err)
		return domain.DeferredOutcome()
	}
	if strings.TrimSpace(res.text) == "" {
		return domain.DeferredOutcome()
	}
	return domain.TextOutcome(res.text)
}

func createTokenInstruction(spec *domain.TokenSpec, treasury string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Create a fungible token named %q with symbol %s", spec.Name, strings.ToUpper(spec.Symbol))
	if spec.Decimals != "" {
		fmt.Fprintf(&b, ", %s decimals", spec.Decimals)
	}
	if spec.InitialSupply != "" {
		fmt.Fprintf(&b, ", initial supply %s", spec.InitialSupply)
	}
	var keys []string
	if spec.SupplyKey {
		keys = append(keys, "supply key")
	}
	if spec.AdminKey {
		keys = append(keys, "admin key")
	}
	if spec.MetadataKey {
		keys = append(keys, "metadata key")
	}
	if len(keys) > 0 {
		fmt.Fprintf(&b, ", with %s", strings.Join(keys, " and "))
	}
	if spec.Memo != "" {
		fmt.Fprintf(&b, ", memo %q", spec.Memo)
	}
	if spec.Metadata != "" {
		fmt.Fprintf(&b, ", metadata %q", spec.Metadata)
	}
	fmt.Fprintf(&b, ", treasury account %s", treasury)
	return b.String()
}

// quantity renders an amount with its unit; dotted units are token ids.
func (r *Router) quantity(amount, unit string) string {
	if strings.Count(unit, ".") == 2 {
		return fmt.Sprintf("%s units of token %s", amount, unit)
	}
	if unit == "" {
		unit = r.native
	}
	return amount + " " + unit
}

func receiverLabel(t domain.Transfer) string {
	if t.ReceiverHandle != "" {
		return mention(t.ReceiverHandle)
	}
	return t.ReceiverAccount
}

// validAmount checks that amount is a positive decimal.
func validAmount(amount string) (string, bool) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return fmt.Sprintf("I couldn't read the amount %q.", amount), false
	}
	if !d.IsPositive() {
		return "The amount must be greater than zero.", false
	}
	return "", true
}
