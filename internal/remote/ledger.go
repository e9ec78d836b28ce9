package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"mentionbot/internal/domain"
)

// LedgerConfig configures a Ledger client.
type LedgerConfig struct {
	APIBase    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// Ledger is a client for the account service that creates ledger accounts.
type Ledger struct {
	apiBase string
	apiKey  string
	client  *http.Client
	retry   retryPolicy
	logger  *slog.Logger
}

func NewLedger(cfg LedgerConfig) *Ledger {
	return NewLedgerWithClient(cfg, SharedHTTPClient(cfg.Timeout))
}

func NewLedgerWithClient(cfg LedgerConfig, client *http.Client) *Ledger {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Ledger{
		apiBase: strings.TrimRight(cfg.APIBase, "/"),
		apiKey:  cfg.APIKey,
		client:  client,
		retry:   newRetryPolicy(cfg.MaxRetries, cfg.RetryDelay),
		logger:  cfg.Logger,
	}
}

type createAccountRequest struct {
	Handle         string `json:"handle"`
	ExternalID     string `json:"externalId,omitempty"`
	InitialFunding string `json:"initialFunding,omitempty"`
}

// CreateAccount asks the account service for a new account funded with
// initialFunding of the native unit.
func (l *Ledger) CreateAccount(ctx context.Context, handle, externalID, initialFunding string) (domain.ProvisionResult, error) {
	body, err := json.Marshal(createAccountRequest{Handle: handle, ExternalID: externalID, InitialFunding: initialFunding})
	if err != nil {
		return domain.ProvisionResult{}, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := doWithRetry(ctx, l.client, l.retry, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.apiBase+"/accounts", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if l.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+l.apiKey)
		}
		return req, nil
	}, l.logger)
	if err != nil {
		return domain.ProvisionResult{}, fmt.Errorf("create account: %w", err)
	}
	defer resp.Body.Close()

	if err := statusError("ledger", resp); err != nil {
		return domain.ProvisionResult{}, err
	}

	var res domain.ProvisionResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return domain.ProvisionResult{}, fmt.Errorf("decode create account response: %w", err)
	}
	l.logger.Debug("account service replied", "handle", handle, "success", res.Success, "account", res.AccountID)
	return res, nil
}

// Healthy probes GET {apiBase}/health.
func (l *Ledger) Healthy(ctx context.Context) error {
	return probe(ctx, l.client, l.apiBase+"/health", l.apiKey)
}
