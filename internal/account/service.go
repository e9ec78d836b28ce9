// Package account answers registration lookups and provisions ledger
// accounts for handles.
package account

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"mentionbot/internal/domain"
	"mentionbot/internal/store"
)

var accountIDRe = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// Accounts is the handle-to-account mapping.
type Accounts interface {
	AccountID(ctx context.Context, handle string) (string, error)
	SaveAccount(ctx context.Context, a store.Account) error
}

// Creator creates ledger accounts.
type Creator interface {
	CreateAccount(ctx context.Context, handle, externalID, initialFunding string) (domain.ProvisionResult, error)
}

type Config struct {
	Accounts Accounts
	Creator  Creator
	// Source tags saved mappings with the medium they came from.
	Source string
	Logger *slog.Logger
}

// Service implements domain.Registry and domain.Provisioner.
type Service struct {
	accounts Accounts
	creator  Creator
	source   string
	logger   *slog.Logger

	// mu serializes provisioning so one handle never gets two accounts.
	mu sync.Mutex
}

func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		accounts: cfg.Accounts,
		creator:  cfg.Creator,
		source:   cfg.Source,
		logger:   cfg.Logger,
	}
}

func (s *Service) IsRegistered(ctx context.Context, handle string) (bool, error) {
	id, err := s.RegisteredAccountID(ctx, handle)
	return id != "", err
}

func (s *Service) RegisteredAccountID(ctx context.Context, handle string) (string, error) {
	if strings.TrimSpace(handle) == "" {
		return "", nil
	}
	return s.accounts.AccountID(ctx, handle)
}

// CreateAccountFor provisions a new account for handle. A handle that
// already has an account gets it back without a new one being created.
func (s *Service) CreateAccountFor(ctx context.Context, handle, externalID, initialFunding string) (domain.ProvisionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, err := s.accounts.AccountID(ctx, handle); err != nil {
		return domain.ProvisionResult{}, err
	} else if existing != "" {
		return domain.ProvisionResult{
			Success:   true,
			AccountID: existing,
			Message:   fmt.Sprintf("@%s already has account %s.", handle, existing),
		}, nil
	}
	if s.creator == nil {
		return domain.ProvisionResult{}, &domain.Failure{Kind: domain.FailServiceUnavailable, Detail: "account creation is not configured"}
	}

	res, err := s.creator.CreateAccount(ctx, handle, externalID, initialFunding)
	if err != nil {
		return domain.ProvisionResult{}, err
	}
	if !res.Success || res.AccountID == "" {
		s.logger.Warn("account service declined", "handle", handle, "message", res.Message)
		return res, nil
	}
	if err := s.accounts.SaveAccount(ctx, store.Account{
		Handle: handle, AccountID: res.AccountID, ExternalID: externalID, Source: s.source,
	}); err != nil {
		return domain.ProvisionResult{}, fmt.Errorf("save account for %s: %w", handle, err)
	}
	s.logger.Info("account provisioned", "handle", handle, "account", res.AccountID)
	if res.Message == "" {
		res.Message = fmt.Sprintf("Welcome! Your new account is %s.", res.AccountID)
	}
	return res, nil
}

// LinkAccount records an existing account for handle.
func (s *Service) LinkAccount(ctx context.Context, handle, accountID string) (domain.ProvisionResult, error) {
	accountID = strings.TrimSpace(accountID)
	if !accountIDRe.MatchString(accountID) {
		return domain.ProvisionResult{}, &domain.Failure{Kind: domain.FailInvalidAccountID, Detail: accountID}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.accounts.SaveAccount(ctx, store.Account{Handle: handle, AccountID: accountID, Source: s.source}); err != nil {
		return domain.ProvisionResult{}, fmt.Errorf("link account for %s: %w", handle, err)
	}
	s.logger.Info("account linked", "handle", handle, "account", accountID)
	return domain.ProvisionResult{
		Success:   true,
		AccountID: accountID,
		Message:   fmt.Sprintf("Linked account %s to @%s. You're all set!", accountID, handle),
	}, nil
}
