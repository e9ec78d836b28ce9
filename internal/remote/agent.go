// Package remote holds the HTTP clients for the execution agent and the
// ledger account service.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"mentionbot/internal/domain"
)

const maxErrorBody = 512

// AgentConfig configures an Agent client.
type AgentConfig struct {
	APIBase    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	// RetryDelay is the base backoff between retries.
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// Agent implements domain.Executor against the agent service's HTTP API:
// POST {apiBase}/execute with {instruction, userId, userHandle}.
type Agent struct {
	apiBase string
	apiKey  string
	client  *http.Client
	retry   retryPolicy
	logger  *slog.Logger
}

func NewAgent(cfg AgentConfig) *Agent {
	return NewAgentWithClient(cfg, SharedHTTPClient(cfg.Timeout))
}

func NewAgentWithClient(cfg AgentConfig, client *http.Client) *Agent {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Agent{
		apiBase: strings.TrimRight(cfg.APIBase, "/"),
		apiKey:  cfg.APIKey,
		client:  client,
		retry:   newRetryPolicy(cfg.MaxRetries, cfg.RetryDelay),
		logger:  cfg.Logger,
	}
}

type executeRequest struct {
	Instruction string `json:"instruction"`
	UserID      string `json:"userId"`
	UserHandle  string `json:"userHandle"`
}

func (a *Agent) Execute(ctx context.Context, instruction, userID, userHandle string) ([]domain.AgentResult, error) {
	body, err := json.Marshal(executeRequest{Instruction: instruction, UserID: userID, UserHandle: userHandle})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := doWithRetry(ctx, a.client, a.retry, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiBase+"/execute", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if a.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+a.apiKey)
		}
		return req, nil
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("agent execute: %w", err)
	}
	defer resp.Body.Close()

	if err := statusError("agent", resp); err != nil {
		return nil, err
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read agent response: %w", err)
	}
	return decodeResults(raw)
}

// decodeResults accepts a bare array, an object with a "results" array, or
// a single result object.
func decodeResults(raw []byte) ([]domain.AgentResult, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	if raw[0] == '[' {
		var out []domain.AgentResult
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode agent results: %w", err)
		}
		return out, nil
	}

	var wrapped struct {
		Results []domain.AgentResult `json:"results"`
		domain.AgentResult
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("decode agent results: %w", err)
	}
	if wrapped.Results != nil {
		return wrapped.Results, nil
	}
	return []domain.AgentResult{wrapped.AgentResult}, nil
}

// Healthy probes GET {apiBase}/health.
func (a *Agent) Healthy(ctx context.Context) error {
	return probe(ctx, a.client, a.apiBase+"/health", a.apiKey)
}

// statusError maps non-2xx responses to errors. Auth rejections become
// unauthorized failures.
func statusError(service string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	detail := fmt.Sprintf("%s returned status %d: %s", service, resp.StatusCode, strings.TrimSpace(string(body)))
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &domain.Failure{Kind: domain.FailUnauthorized, Detail: detail}
	}
	return errors.New(detail)
}

func probe(ctx context.Context, client *http.Client, url, apiKey string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s not reachable: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}
	return nil
}
