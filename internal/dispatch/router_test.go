package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"mentionbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// --- Fakes ---

type fakeLedger struct {
	mu       sync.Mutex
	accounts map[string]string
	next     int
	created  []string
	linked   []string
}

func newFakeLedger(accounts map[string]string) *fakeLedger {
	if accounts == nil {
		accounts = map[string]string{}
	}
	return &fakeLedger{accounts: accounts, next: 200}
}

func (l *fakeLedger) IsRegistered(ctx context.Context, handle string) (bool, error) {
	id, err := l.RegisteredAccountID(ctx, handle)
	return id != "", err
}

func (l *fakeLedger) RegisteredAccountID(_ context.Context, handle string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.accounts[strings.ToLower(handle)], nil
}

func (l *fakeLedger) CreateAccountFor(_ context.Context, handle, _, _ string) (domain.ProvisionResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := fmt.Sprintf("0.0.%d", l.next)
	l.next++
	l.accounts[strings.ToLower(handle)] = id
	l.created = append(l.created, handle)
	return domain.ProvisionResult{Success: true, AccountID: id, Message: "Account " + id + " created for @" + handle}, nil
}

func (l *fakeLedger) LinkAccount(_ context.Context, handle, accountID string) (domain.ProvisionResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[strings.ToLower(handle)] = accountID
	l.linked = append(l.linked, handle)
	return domain.ProvisionResult{Success: true, AccountID: accountID, Message: "Linked " + accountID}, nil
}

type execCall struct {
	instruction, userID, handle string
}

type fakeExecutor struct {
	mu      sync.Mutex
	calls   []execCall
	results []domain.AgentResult
	err     error
	block   bool
}

func (e *fakeExecutor) Execute(ctx context.Context, instruction, userID, userHandle string) ([]domain.AgentResult, error) {
	e.mu.Lock()
	e.calls = append(e.calls, execCall{instruction, userID, userHandle})
	e.mu.Unlock()
	if e.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return e.results, e.err
}

func (e *fakeExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type fakeRecorder struct {
	mu   sync.Mutex
	recs []domain.TransactionRecord
}

func (r *fakeRecorder) RecordTransaction(_ context.Context, rec domain.TransactionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func newRouter(exec *fakeExecutor, ledger *fakeLedger, mutate func(*Config)) *Router {
	cfg := Config{
		Executor:               exec,
		Registry:               ledger,
		Provisioner:            ledger,
		AutoProvisionReceivers: true,
		Logger:                 testLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg)
}

var alice = Author{Handle: "alice", ID: "u-1"}

// --- Gate ---

func TestDispatch_GateBlocksUnregistered(t *testing.T) {
	exec := &fakeExecutor{}
	ledger := newFakeLedger(nil)
	r := newRouter(exec, ledger, nil)

	gated := []domain.Command{
		domain.Transfer{Amount: "5", Unit: "HBAR", ReceiverHandle: "carol", Native: true},
		domain.BalanceQuery{Scope: domain.ScopeAll},
		domain.TokenOp{Op: domain.TokenAssociate, TokenID: "0.0.7"},
		domain.TopicOp{Op: domain.TopicDelete, TopicID: "0.0.9"},
		domain.Unknown{RawText: "hello?"},
	}
	for _, cmd := range gated {
		out := r.Dispatch(context.Background(), cmd, Author{Handle: "bob"}, false)
		if out.Kind != domain.OutcomeText || !strings.Contains(out.Text, "register") {
			t.Errorf("%s: expected register prompt, got %+v", cmd.Kind(), out)
		}
	}
	if exec.callCount() != 0 {
		t.Fatalf("executor called %d times for unregistered author", exec.callCount())
	}
	if len(ledger.created) != 0 {
		t.Fatalf("provisioner called for gated commands: %v", ledger.created)
	}
}

func TestDispatch_AllowListPassesGate(t *testing.T) {
	exec := &fakeExecutor{}
	ledger := newFakeLedger(nil)
	r := newRouter(exec, ledger, nil)
	bob := Author{Handle: "bob", ID: "u-2"}

	out := r.Dispatch(context.Background(), domain.Greeting{}, bob, false)
	if out.Kind != domain.OutcomeText || !strings.Contains(out.Text, "@bob") {
		t.Errorf("greeting: %+v", out)
	}

	out = r.Dispatch(context.Background(), domain.RegisterIntent{}, bob, false)
	if out.Kind != domain.OutcomeText || out.Text != "Account 0.0.200 created for @bob" {
		t.Errorf("register intent should return provisioning message verbatim: %+v", out)
	}

	out = r.Dispatch(context.Background(), domain.Register{AccountID: "0.0.999"}, Author{Handle: "dan"}, false)
	if out.Text != "Linked 0.0.999" {
		t.Errorf("register: %+v", out)
	}
	if exec.callCount() != 0 {
		t.Error("registration must not call the executor")
	}
}

func TestDispatch_RegisterWhenRegistered(t *testing.T) {
	ledger := newFakeLedger(map[string]string{"alice": "0.0.100"})
	r := newRouter(&fakeExecutor{}, ledger, nil)
	out := r.Dispatch(context.Background(), domain.RegisterIntent{}, alice, true)
	if !strings.Contains(out.Text, "0.0.100") {
		t.Fatalf("got %+v", out)
	}
	if len(ledger.created) != 0 {
		t.Error("should not provision an already registered author")
	}
}

// --- Transfer ---

func TestDispatch_TransferAutoProvisionsReceiver(t *testing.T) {
	exec := &fakeExecutor{results: []domain.AgentResult{
		{Text: "Transferred 3 HBAR to 0.0.200. Transaction ID: 0.0.100@1700000000.123456789"},
	}}
	ledger := newFakeLedger(map[string]string{"alice": "0.0.100"})
	rec := &fakeRecorder{}
	r := newRouter(exec, ledger, func(c *Config) { c.Recorder = rec })

	cmd := domain.Transfer{Amount: "3", Unit: "HBAR", ReceiverHandle: "carol", Native: true}
	out := r.Dispatch(context.Background(), cmd, alice, true)

	if out.Kind != domain.OutcomeText {
		t.Fatalf("expected text, got %+v", out)
	}
	if !strings.Contains(out.Text, "Transferred 3 HBAR") || !strings.Contains(out.Text, "@carol didn't have an account") {
		t.Errorf("reply should mention transfer and new account: %q", out.Text)
	}
	if len(ledger.created) != 1 || ledger.created[0] != "carol" {
		t.Errorf("expected carol to be provisioned once, got %v", ledger.created)
	}
	if exec.callCount() != 1 {
		t.Fatalf("executor calls = %d", exec.callCount())
	}
	call := exec.calls[0]
	if !strings.Contains(call.instruction, "from account 0.0.100 to account 0.0.200") || call.userID != "0.0.100" {
		t.Errorf("unexpected executor call: %+v", call)
	}
	if len(rec.recs) != 1 || rec.recs[0].TxID != "0.0.100@1700000000.123456789" || rec.recs[0].ID == "" {
		t.Errorf("unexpected records: %+v", rec.recs)
	}
}

func TestDispatch_TransferReceiverMustRegister(t *testing.T) {
	exec := &fakeExecutor{}
	ledger := newFakeLedger(map[string]string{"alice": "0.0.100"})
	r := newRouter(exec, ledger, func(c *Config) { c.AutoProvisionReceivers = false })

	out := r.Dispatch(context.Background(), domain.Transfer{Amount: "1", Unit: "HBAR", ReceiverHandle: "carol"}, alice, true)
	if out.Kind != domain.OutcomeText || !strings.Contains(out.Text, "@carol hasn't registered") {
		t.Fatalf("got %+v", out)
	}
	if exec.callCount() != 0 {
		t.Error("executor should not be called")
	}
}

func TestDispatch_TransferValidation(t *testing.T) {
	exec := &fakeExecutor{}
	r := newRouter(exec, newFakeLedger(map[string]string{"alice": "0.0.100"}), nil)

	cases := map[string]domain.Transfer{
		"missing receiver": {Amount: "5", Unit: "HBAR"},
		"zero amount":      {Amount: "0", Unit: "HBAR", ReceiverHandle: "bob"},
		"bad amount":       {Amount: "five", Unit: "HBAR", ReceiverHandle: "bob"},
		"self":             {Amount: "1", Unit: "HBAR", ReceiverHandle: "Alice"},
	}
	for name, cmd := range cases {
		out := r.Dispatch(context.Background(), cmd, alice, true)
		if out.Kind != domain.OutcomeText {
			t.Errorf("%s: expected a text prompt, got %+v", name, out)
		}
	}
	if exec.callCount() != 0 {
		t.Errorf("executor called %d times", exec.callCount())
	}
}

// --- Failures ---

func TestDispatch_ErrorSignalBecomesFailure(t *testing.T) {
	cases := []struct {
		results []domain.AgentResult
		want    domain.FailureKind
	}{
		{[]domain.AgentResult{{Text: "Error: INSUFFICIENT_ACCOUNT_BALANCE"}}, domain.FailInsufficientBalance},
		{[]domain.AgentResult{{Text: "Failed to associate: TOKEN_ALREADY_ASSOCIATED_TO_ACCOUNT"}}, domain.FailTokenAlreadyAssociated},
		{[]domain.AgentResult{{Action: "error", Data: map[string]any{"error": "INVALID_TOKEN_ID"}}}, domain.FailTokenNotFound},
		{[]domain.AgentResult{{Action: "error", Text: "kaboom"}}, domain.FailUnknown},
	}
	for _, tc := range cases {
		exec := &fakeExecutor{results: tc.results}
		r := newRouter(exec, newFakeLedger(map[string]string{"alice": "0.0.100"}), nil)
		out := r.Dispatch(context.Background(), domain.TokenOp{Op: domain.TokenAssociate, TokenID: "0.0.7"}, alice, true)
		if out.Kind != domain.OutcomeFailure || out.Failure.Kind != tc.want {
			t.Errorf("%+v: got %+v", tc.results, out)
		}
	}
}

func TestDispatch_LedgerErrorInProseIsFailure(t *testing.T) {
	cases := []struct {
		text string
		want domain.FailureKind
	}{
		{"Transaction failed: INSUFFICIENT_PAYER_BALANCE at 0.0.100@1700000000.1", domain.FailInsufficientFee},
		{"Sorry, an error occurred: TOKEN_NOT_ASSOCIATED_TO_ACCOUNT", domain.FailTokenNotAssociated},
		{"The network answered ACCOUNT_DELETED for that receiver", domain.FailAccountNotFound},
		{"Status INVALID_NODE_ACCOUNT returned", domain.FailUnknown},
		{"I could not complete that transfer right now", domain.FailUnknown},
	}
	for _, tc := range cases {
		exec := &fakeExecutor{results: []domain.AgentResult{{Text: tc.text}}}
		rec := &fakeRecorder{}
		ledger := newFakeLedger(map[string]string{"alice": "0.0.100", "bob": "0.0.101"})
		r := newRouter(exec, ledger, func(c *Config) { c.Recorder = rec })

		out := r.Dispatch(context.Background(), domain.Transfer{Amount: "5", Unit: "HBAR", ReceiverHandle: "bob", Native: true}, alice, true)
		if out.Kind != domain.OutcomeFailure || out.Failure.Kind != tc.want {
			t.Errorf("%q: got %+v", tc.text, out)
		}
		if out.Text != "" {
			t.Errorf("%q: raw agent text leaked into outcome: %q", tc.text, out.Text)
		}
		if len(rec.recs) != 0 {
			t.Errorf("%q: failed transfer recorded: %+v", tc.text, rec.recs)
		}
	}
}

func TestDispatch_SuccessTextIsNotFailure(t *testing.T) {
	for _, text := range []string{
		"Transferred 5 HBAR to 0.0.101. Transaction ID: 0.0.100@1700000000.123456789",
		"Your balances: 12 HBAR, 40 RKT (0.0.555)",
		"Status SUCCESS",
	} {
		exec := &fakeExecutor{results: []domain.AgentResult{{Text: text}}}
		r := newRouter(exec, newFakeLedger(map[string]string{"alice": "0.0.100", "bob": "0.0.101"}), nil)
		out := r.Dispatch(context.Background(), domain.Transfer{Amount: "5", Unit: "HBAR", ReceiverHandle: "bob", Native: true}, alice, true)
		if out.Kind != domain.OutcomeText || out.Text != text {
			t.Errorf("%q: got %+v", text, out)
		}
	}
}

func TestDispatch_ExecutorErrorIsFailure(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("dial tcp: connection refused")}
	r := newRouter(exec, newFakeLedger(map[string]string{"alice": "0.0.100"}), nil)
	out := r.Dispatch(context.Background(), domain.BalanceQuery{Scope: domain.ScopeAll}, alice, true)
	if out.Kind != domain.OutcomeFailure || out.Failure.Kind != domain.FailServiceUnavailable {
		t.Fatalf("got %+v", out)
	}
}

func TestDispatch_TimeoutIsServiceUnavailable(t *testing.T) {
	exec := &fakeExecutor{block: true}
	r := newRouter(exec, newFakeLedger(map[string]string{"alice": "0.0.100"}), func(c *Config) {
		c.CallTimeout = 20 * time.Millisecond
	})
	out := r.Dispatch(context.Background(), domain.BalanceQuery{Scope: domain.ScopeNative}, alice, true)
	if out.Kind != domain.OutcomeFailure || out.Failure.Kind != domain.FailServiceUnavailable {
		t.Fatalf("got %+v", out)
	}
}

// --- Tokens and topics ---

func TestDispatch_TokenCreateRequiresNameAndSymbol(t *testing.T) {
	exec := &fakeExecutor{}
	r := newRouter(exec, newFakeLedger(map[string]string{"alice": "0.0.100"}), nil)

	out := r.Dispatch(context.Background(), domain.TokenOp{Op: domain.TokenCreate, Spec: &domain.TokenSpec{Symbol: "RKT"}}, alice, true)
	if out.Kind != domain.OutcomeFailure || out.Failure.Kind != domain.FailMissingTokenName {
		t.Errorf("missing name: %+v", out)
	}
	out = r.Dispatch(context.Background(), domain.TokenOp{Op: domain.TokenCreate, Spec: &domain.TokenSpec{Name: "Rocket"}}, alice, true)
	if out.Kind != domain.OutcomeFailure || out.Failure.Kind != domain.FailMissingTokenSymbol {
		t.Errorf("missing symbol: %+v", out)
	}
	if exec.callCount() != 0 {
		t.Error("executor should not be called for invalid token specs")
	}
}

func TestDispatch_TokenCreateInstruction(t *testing.T) {
	exec := &fakeExecutor{results: []domain.AgentResult{{Text: "Token 0.0.5005 created"}}}
	r := newRouter(exec, newFakeLedger(map[string]string{"alice": "0.0.100"}), nil)
	spec := &domain.TokenSpec{Name: "Rocket", Symbol: "rkt", Decimals: "2", InitialSupply: "1000", SupplyKey: true, Memo: "launch"}
	out := r.Dispatch(context.Background(), domain.TokenOp{Op: domain.TokenCreate, Spec: spec}, alice, true)
	if out.Text != "Token 0.0.5005 created" {
		t.Fatalf("got %+v", out)
	}
	want := `Create a fungible token named "Rocket" with symbol RKT, 2 decimals, initial supply 1000, with supply key, memo "launch", treasury account 0.0.100`
	if exec.calls[0].instruction != want {
		t.Errorf("instruction:\n got  %s\n want %s", exec.calls[0].instruction, want)
	}
}

func TestDispatch_AirdropResolvesRecipients(t *testing.T) {
	exec := &fakeExecutor{results: []domain.AgentResult{{Text: "Airdrop sent"}}}
	ledger := newFakeLedger(map[string]string{"alice": "0.0.100", "bob": "0.0.101"})
	r := newRouter(exec, ledger, nil)
	out := r.Dispatch(context.Background(), domain.TokenOp{
		Op: domain.TokenAirdrop, Amount: "5", Unit: "FOO", Recipients: []string{"bob", "erin"},
	}, alice, true)
	if out.Kind != domain.OutcomeText || !strings.Contains(out.Text, "@erin didn't have an account") {
		t.Fatalf("got %+v", out)
	}
	if !strings.Contains(exec.calls[0].instruction, "accounts 0.0.101, 0.0.200") {
		t.Errorf("instruction: %s", exec.calls[0].instruction)
	}
}

func TestDispatch_AmbiguousTransferAsksForOne(t *testing.T) {
	exec := &fakeExecutor{}
	rec := &fakeRecorder{}
	r := newRouter(exec, newFakeLedger(map[string]string{"alice": "0.0.100"}), func(c *Config) { c.Recorder = rec })
	out := r.Dispatch(context.Background(), domain.Transfer{Ambiguous: true}, alice, true)
	if out.Kind != domain.OutcomeText || !strings.Contains(out.Text, "one transfer per message") {
		t.Fatalf("got %+v", out)
	}
	if exec.callCount() != 0 || len(rec.recs) != 0 {
		t.Errorf("calls=%d records=%d", exec.callCount(), len(rec.recs))
	}
}

func TestDispatch_TokenMissingIDAsks(t *testing.T) {
	exec := &fakeExecutor{}
	r := newRouter(exec, newFakeLedger(map[string]string{"alice": "0.0.100"}), nil)
	for _, op := range []domain.TokenOpKind{domain.TokenAssociate, domain.TokenMint, domain.TokenHolders} {
		out := r.Dispatch(context.Background(), domain.TokenOp{Op: op, Amount: "5"}, alice, true)
		if out.Kind != domain.OutcomeText || !strings.Contains(out.Text, "Which token?") {
			t.Errorf("%s: got %+v", op, out)
		}
	}
	if exec.callCount() != 0 {
		t.Errorf("executor called %d times", exec.callCount())
	}
}

func TestDispatch_TopicMissingID(t *testing.T) {
	r := newRouter(&fakeExecutor{}, newFakeLedger(map[string]string{"alice": "0.0.100"}), nil)
	out := r.Dispatch(context.Background(), domain.TopicOp{Op: domain.TopicInfo}, alice, true)
	if out.Kind != domain.OutcomeFailure || out.Failure.Kind != domain.FailMissingField {
		t.Fatalf("got %+v", out)
	}
}

// --- Unknown ---

func TestDispatch_UnknownDeferredByDefault(t *testing.T) {
	exec := &fakeExecutor{results: []domain.AgentResult{{Text: "sure"}}}
	r := newRouter(exec, newFakeLedger(map[string]string{"alice": "0.0.100"}), nil)
	out := r.Dispatch(context.Background(), domain.Unknown{RawText: "xyzzy"}, alice, true)
	if out.Kind != domain.OutcomeDeferred {
		t.Fatalf("got %+v", out)
	}
	if exec.callCount() != 0 {
		t.Error("executor should not be called when forwarding is off")
	}
}

func TestDispatch_UnknownForwarded(t *testing.T) {
	exec := &fakeExecutor{results: []domain.AgentResult{{Text: "Here is what I found"}}}
	r := newRouter(exec, newFakeLedger(map[string]string{"alice": "0.0.100"}), func(c *Config) { c.ForwardUnknown = true })
	out := r.Dispatch(context.Background(), domain.Unknown{RawText: "what can you do"}, alice, true)
	if out.Kind != domain.OutcomeText || out.Text != "Here is what I found" {
		t.Fatalf("got %+v", out)
	}

	exec.results = nil
	out = r.Dispatch(context.Background(), domain.Unknown{RawText: "what can you do"}, alice, true)
	if out.Kind != domain.OutcomeDeferred {
		t.Fatalf("empty agent answer should defer, got %+v", out)
	}
}
