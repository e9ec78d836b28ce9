package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyDetail(t *testing.T) {
	cases := []struct {
		detail string
		want   FailureKind
	}{
		{"INSUFFICIENT_ACCOUNT_BALANCE", FailInsufficientBalance},
		{"transaction failed: INSUFFICIENT_PAYER_BALANCE", FailInsufficientFee},
		{"receipt status TOKEN_NOT_ASSOCIATED_TO_ACCOUNT", FailTokenNotAssociated},
		{"TOKEN_ALREADY_ASSOCIATED_TO_ACCOUNT", FailTokenAlreadyAssociated},
		{"INVALID_ACCOUNT_ID", FailAccountNotFound},
		{"Invalid account ID format: abc", FailInvalidAccountID},
		{"INVALID_TOKEN_ID", FailTokenNotFound},
		{"invalid token id format", FailInvalidTokenID},
		{"INVALID_TOPIC_ID", FailTopicNotFound},
		{"TOKEN_HAS_NO_SUPPLY_KEY", FailMissingSupplyKey},
		{"topic has no submit key", FailMissingSubmitKey},
		{"INVALID_SIGNATURE", FailUnauthorized},
		{"Post \"http://agent/execute\": context deadline exceeded", FailServiceUnavailable},
		{"dial tcp 127.0.0.1:1: connect: connection refused", FailServiceUnavailable},
		{"something odd happened", FailUnknown},
		{"", FailUnknown},
	}
	for _, tc := range cases {
		if got := ClassifyDetail(tc.detail); got != tc.want {
			t.Errorf("ClassifyDetail(%q) = %q, want %q", tc.detail, got, tc.want)
		}
	}
}

func TestClassifyDetail_OrderMatters(t *testing.T) {
	// "already associated" must win over the broader "not associated"-style matches.
	got := ClassifyDetail("token already associated; account not found")
	if got != FailTokenAlreadyAssociated {
		t.Errorf("got %q, want %q", got, FailTokenAlreadyAssociated)
	}
}

func TestClassifyError(t *testing.T) {
	if got := ClassifyError(nil); got != FailUnknown {
		t.Errorf("nil error: got %q", got)
	}

	wrapped := fmt.Errorf("execute: %w", &Failure{Kind: FailUnauthorized, Detail: "x"})
	if got := ClassifyError(wrapped); got != FailUnauthorized {
		t.Errorf("wrapped failure: got %q", got)
	}

	deadline := fmt.Errorf("call agent: %w", context.DeadlineExceeded)
	if got := ClassifyError(deadline); got != FailServiceUnavailable {
		t.Errorf("deadline: got %q", got)
	}

	if got := ClassifyError(errors.New("HTTP 502: bad gateway")); got != FailServiceUnavailable {
		t.Errorf("bad gateway: got %q", got)
	}
}

func TestRequiresRegistration(t *testing.T) {
	open := []Command{Register{}, RegisterIntent{}, Greeting{}}
	for _, c := range open {
		if RequiresRegistration(c) {
			t.Errorf("%s should not require registration", c.Kind())
		}
	}
	gated := []Command{Transfer{}, BalanceQuery{}, TokenOp{}, TopicOp{}, Unknown{}}
	for _, c := range gated {
		if !RequiresRegistration(c) {
			t.Errorf("%s should require registration", c.Kind())
		}
	}
}
