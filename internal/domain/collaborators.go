package domain

import (
	"context"
	"time"
)

// MentionSource fetches mentions from a social medium and posts replies.
type MentionSource interface {
	Name() string
	// FetchRecentMentions returns mentions newer than sinceID where the medium
	// supports it. Results are unsorted and may repeat across calls.
	FetchRecentMentions(ctx context.Context, sinceID string) ([]Mention, error)
	ReplyTo(ctx context.Context, mentionID, text string) error
}

// Registry answers whether a handle has a ledger account.
type Registry interface {
	IsRegistered(ctx context.Context, handle string) (bool, error)
	// RegisteredAccountID returns "" when the handle is not registered.
	RegisteredAccountID(ctx context.Context, handle string) (string, error)
}

// ProvisionResult is the account service's answer to a provisioning request.
type ProvisionResult struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	AccountID string `json:"accountId,omitempty"`
}

// Provisioner creates or links ledger accounts for handles.
type Provisioner interface {
	CreateAccountFor(ctx context.Context, handle, externalID, initialFunding string) (ProvisionResult, error)
	LinkAccount(ctx context.Context, handle, accountID string) (ProvisionResult, error)
}

// AgentResult is one fragment returned by the execution agent.
type AgentResult struct {
	Text   string         `json:"text,omitempty"`
	Action string         `json:"action,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// Executor runs a natural-language instruction on behalf of a user.
type Executor interface {
	Execute(ctx context.Context, instruction, userID, userHandle string) ([]AgentResult, error)
}

// TransactionRecord is the bookkeeping row for an executed operation.
type TransactionRecord struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver,omitempty"`
	TxID      string    `json:"tx_id,omitempty"`
	Kind      string    `json:"kind"`
	Amount    string    `json:"amount,omitempty"`
	Unit      string    `json:"unit,omitempty"`
	Memo      string    `json:"memo,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// TransactionRecorder persists transaction records. Write-only from the core.
type TransactionRecorder interface {
	RecordTransaction(ctx context.Context, rec TransactionRecord) error
}
