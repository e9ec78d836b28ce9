package domain

import (
	"context"
	"errors"
	"strings"
)

// FailureKind is the closed set of normalized failure kinds.
type FailureKind string

const (
	FailUnregistered           FailureKind = "unregistered"
	FailMissingField           FailureKind = "missing_field"
	FailServiceUnavailable     FailureKind = "service_unavailable"
	FailInsufficientBalance    FailureKind = "insufficient_balance"
	FailInsufficientFee        FailureKind = "insufficient_fee"
	FailUnauthorized           FailureKind = "unauthorized"
	FailAccountNotFound        FailureKind = "account_not_found"
	FailTokenNotFound          FailureKind = "token_not_found"
	FailTopicNotFound          FailureKind = "topic_not_found"
	FailInvalidAccountID       FailureKind = "invalid_account_id"
	FailInvalidTokenID         FailureKind = "invalid_token_id"
	FailTokenNotAssociated     FailureKind = "token_not_associated"
	FailTokenAlreadyAssociated FailureKind = "token_already_associated"
	FailMissingSupplyKey       FailureKind = "missing_supply_key"
	FailMissingSubmitKey       FailureKind = "missing_submit_key"
	FailMissingTokenName       FailureKind = "missing_token_name"
	FailMissingTokenSymbol     FailureKind = "missing_token_symbol"
	FailUnknown                FailureKind = "unknown"
)

// Failure is a structured handler failure. Detail is raw collaborator text
// and must never reach the user.
type Failure struct {
	Kind   FailureKind
	Detail string
}

func (f *Failure) Error() string {
	if f.Detail == "" {
		return string(f.Kind)
	}
	return string(f.Kind) + ": " + f.Detail
}

type failurePattern struct {
	substr string
	kind   FailureKind
}

// failurePatterns is matched in order against lowercased detail text; the
// first hit wins. Ledger status codes come before free-text phrasings.
var failurePatterns = []failurePattern{
	{"token_already_associated_to_account", FailTokenAlreadyAssociated},
	{"already associated", FailTokenAlreadyAssociated},
	{"token_not_associated_to_account", FailTokenNotAssociated},
	{"not associated", FailTokenNotAssociated},
	{"insufficient_payer_balance", FailInsufficientFee},
	{"insufficient_tx_fee", FailInsufficientFee},
	{"insufficient fee", FailInsufficientFee},
	{"insufficient_account_balance", FailInsufficientBalance},
	{"insufficient_token_balance", FailInsufficientBalance},
	{"insufficient balance", FailInsufficientBalance},
	{"insufficient funds", FailInsufficientBalance},
	{"token_has_no_supply_key", FailMissingSupplyKey},
	{"no supply key", FailMissingSupplyKey},
	{"supply key is required", FailMissingSupplyKey},
	{"no submit key", FailMissingSubmitKey},
	{"submit key is required", FailMissingSubmitKey},
	{"missing_token_name", FailMissingTokenName},
	{"token name is required", FailMissingTokenName},
	{"missing_token_symbol", FailMissingTokenSymbol},
	{"token symbol is required", FailMissingTokenSymbol},
	{"invalid account id format", FailInvalidAccountID},
	{"malformed account id", FailInvalidAccountID},
	{"invalid token id format", FailInvalidTokenID},
	{"malformed token id", FailInvalidTokenID},
	{"invalid_account_id", FailAccountNotFound},
	{"account_deleted", FailAccountNotFound},
	{"account not found", FailAccountNotFound},
	{"invalid_token_id", FailTokenNotFound},
	{"token_was_deleted", FailTokenNotFound},
	{"token not found", FailTokenNotFound},
	{"invalid_topic_id", FailTopicNotFound},
	{"topic_was_deleted", FailTopicNotFound},
	{"topic not found", FailTopicNotFound},
	{"invalid_signature", FailUnauthorized},
	{"unauthorized", FailUnauthorized},
	{"not authorized", FailUnauthorized},
	{"permission denied", FailUnauthorized},
	{"not registered", FailUnregistered},
	{"missing field", FailMissingField},
	{"context deadline exceeded", FailServiceUnavailable},
	{"timeout", FailServiceUnavailable},
	{"timed out", FailServiceUnavailable},
	{"connection refused", FailServiceUnavailable},
	{"no such host", FailServiceUnavailable},
	{"service unavailable", FailServiceUnavailable},
	{"bad gateway", FailServiceUnavailable},
}

// ClassifyDetail maps raw failure text onto a FailureKind.
func ClassifyDetail(detail string) FailureKind {
	lower := strings.ToLower(detail)
	for _, p := range failurePatterns {
		if strings.Contains(lower, p.substr) {
			return p.kind
		}
	}
	return FailUnknown
}

// ClassifyError maps a collaborator error onto a FailureKind.
func ClassifyError(err error) FailureKind {
	if err == nil {
		return FailUnknown
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailServiceUnavailable
	}
	return ClassifyDetail(err.Error())
}
