// Package dispatch routes parsed commands to their handlers and turns every
// handler result, including collaborator errors, into a domain.Outcome.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"mentionbot/internal/domain"
)

// RegisterPrompt is sent to unregistered authors of gated commands.
const RegisterPrompt = `You need to register before using that command. Mention me with "register" to create an account, or "register 0.0.12345" to link one.`

const defaultCallTimeout = 30 * time.Second

// Author identifies who wrote a mention.
type Author struct {
	Handle string
	// ID is the medium's stable user id, used as the external id when
	// provisioning accounts.
	ID string
}

// Config wires a Router to its collaborators.
type Config struct {
	Executor    domain.Executor
	Registry    domain.Registry
	Provisioner domain.Provisioner
	// Recorder is optional.
	Recorder    domain.TransactionRecorder

	NativeSymbol           string
	// AutoProvisionReceivers creates accounts for unregistered transfer
	// receivers instead of refusing the transfer.
	AutoProvisionReceivers bool
	InitialFunding         string
	// ForwardUnknown sends unrecognized text to the executor as-is.
	ForwardUnknown         bool
	// CallTimeout bounds each collaborator call.
	CallTimeout            time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// Router dispatches commands. It is safe for concurrent use when its
// collaborators are.
type Router struct {
	executor    domain.Executor
	registry    domain.Registry
	provisioner domain.Provisioner
	recorder    domain.TransactionRecorder

	native         string
	autoProvision  bool
	initialFunding string
	forwardUnknown bool
	callTimeout    time.Duration

	logger *slog.Logger
	now    func() time.Time
}

func New(cfg Config) *Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.NativeSymbol == "" {
		cfg.NativeSymbol = "HBAR"
	}
	return &Router{
		executor:       cfg.Executor,
		registry:       cfg.Registry,
		provisioner:    cfg.Provisioner,
		recorder:       cfg.Recorder,
		native:         strings.ToUpper(cfg.NativeSymbol),
		autoProvision:  cfg.AutoProvisionReceivers,
		initialFunding: cfg.InitialFunding,
		forwardUnknown: cfg.ForwardUnknown,
		callTimeout:    cfg.CallTimeout,
		logger:         cfg.Logger,
		now:            cfg.Now,
	}
}

// Dispatch runs the handler for cmd. Commands other than Register,
// RegisterIntent and Greeting require a registered author; for anyone else
// the register prompt is returned and no collaborator is called.
func (r *Router) Dispatch(ctx context.Context, cmd domain.Command, author Author, registered bool) domain.Outcome {
	if cmd == nil {
		return domain.DeferredOutcome()
	}
	if domain.RequiresRegistration(cmd) && !registered {
		r.logger.Info("gated command from unregistered author", "kind", cmd.Kind(), "handle", author.Handle)
		return domain.TextOutcome(RegisterPrompt)
	}

	switch c := cmd.(type) {
	case domain.Register:
		return r.handleRegister(ctx, c, author, registered)
	case domain.RegisterIntent:
		return r.handleRegisterIntent(ctx, author, registered)
	case domain.Greeting:
		return r.handleGreeting(author, registered)
	case domain.Transfer:
		return r.handleTransfer(ctx, c, author)
	case domain.BalanceQuery:
		return r.handleBalance(ctx, c, author)
	case domain.TokenOp:
		return r.handleToken(ctx, c, author)
	case domain.TopicOp:
		return r.handleTopic(ctx, c, author)
	case domain.Unknown:
		return r.handleUnknown(ctx, c, author)
	}
	r.logger.Warn("no handler for command", "kind", cmd.Kind())
	return domain.DeferredOutcome()
}

// execution is the result of one executor call.
type execution struct {
	text string
	txID string
}

// execute sends instruction to the executor on behalf of the author. A
// transport error, a timeout or an error-shaped reply becomes a *domain.Failure.
func (r *Router) execute(ctx context.Context, instruction string, author Author) (execution, error) {
	if r.executor == nil {
		return execution{}, &domain.Failure{Kind: domain.FailServiceUnavailable, Detail: "no executor configured"}
	}
	userID, err := r.accountOf(ctx, author.Handle)
	if err != nil {
		return execution{}, err
	}
	if userID == "" {
		userID = author.ID
	}

	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	start := time.Now()
	results, err := r.executor.Execute(callCtx, instruction, userID, author.Handle)
	if err != nil {
		r.logger.Warn("executor call failed", "handle", author.Handle, "error", err, "duration", time.Since(start))
		if callCtx.Err() == context.DeadlineExceeded {
			return execution{}, &domain.Failure{Kind: domain.FailServiceUnavailable, Detail: err.Error()}
		}
		return execution{}, &domain.Failure{Kind: domain.ClassifyError(err), Detail: err.Error()}
	}

	text := joinResults(results)
	if detail, failed := errorSignal(results, text); failed {
		return execution{}, &domain.Failure{Kind: domain.ClassifyDetail(detail), Detail: detail}
	}
	r.logger.Debug("executor call done", "handle", author.Handle, "results", len(results), "duration", time.Since(start))
	return execution{text: text, txID: ExtractTxID(results)}, nil
}

// accountOf resolves a handle to its ledger account, "" when unregistered.
func (r *Router) accountOf(ctx context.Context, handle string) (string, error) {
	if r.registry == nil || handle == "" {
		return "", nil
	}
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	id, err := r.registry.RegisteredAccountID(callCtx, handle)
	if err != nil {
		return "", &domain.Failure{Kind: domain.ClassifyError(err), Detail: err.Error()}
	}
	return id, nil
}

func (r *Router) record(ctx context.Context, rec domain.TransactionRecord) {
	if r.recorder == nil {
		return
	}
	rec.ID = ulid.Make().String()
	rec.CreatedAt = r.now().UTC()
	if rec.Status == "" {
		rec.Status = "success"
	}
	if err := r.recorder.RecordTransaction(ctx, rec); err != nil {
		r.logger.Warn("record transaction failed", "kind", rec.Kind, "error", err)
	}
}

// failure converts an error into a Failure outcome.
func failure(err error) domain.Outcome {
	kind := domain.ClassifyError(err)
	return domain.FailureOutcome(kind, err.Error())
}

func joinResults(results []domain.AgentResult) string {
	parts := make([]string, 0, len(results))
	for _, res := range results {
		if t := strings.TrimSpace(res.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

var (
	// statusCodeRe finds ledger status codes such as INSUFFICIENT_PAYER_BALANCE.
	statusCodeRe  = regexp.MustCompile(`\b[A-Z][A-Z0-9]*(?:_[A-Z0-9]+)+\b`)
	failedCodeRe  = regexp.MustCompile(`^(?:INVALID|INSUFFICIENT)_|_NOT_|_(?:DELETED|EXPIRED|FAILED)$`)
	failureWordRe = regexp.MustCompile(`(?i)\b(?:error|failed|failure|unable to|could not|couldn't)\b`)
)

// errorSignal reports whether the executor answered with an error: an
// "error" action, a failing ledger status code anywhere in the text, or
// failure wording anywhere in the text.
func errorSignal(results []domain.AgentResult, text string) (string, bool) {
	for _, res := range results {
		if strings.EqualFold(res.Action, "error") {
			if res.Text != "" {
				return res.Text, true
			}
			if msg, ok := res.Data["error"].(string); ok {
				return msg, true
			}
			return "error", true
		}
	}
	for _, code := range statusCodeRe.FindAllString(text, -1) {
		if domain.ClassifyDetail(code) != domain.FailUnknown || failedCodeRe.MatchString(code) {
			return text, true
		}
	}
	if failureWordRe.MatchString(text) {
		return text, true
	}
	return "", false
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func mention(handle string) string {
	return fmt.Sprintf("@%s", strings.TrimPrefix(handle, "@"))
}
