package dispatch

import (
	"testing"

	"mentionbot/internal/domain"
)

func TestExtractTxID(t *testing.T) {
	cases := []struct {
		name    string
		results []domain.AgentResult
		want    string
	}{
		{"data field", []domain.AgentResult{{Text: "ok 0.0.1@1.2", Data: map[string]any{"transactionId": "0.0.9@5.6"}}}, "0.0.9@5.6"},
		{"labelled", []domain.AgentResult{{Text: "Done. Transaction ID: 0.0.100@1700000000.123"}}, "0.0.100@1700000000.123"},
		{"bare sdk form", []domain.AgentResult{{Text: "sent in 0.0.100@1700000000.5"}}, "0.0.100@1700000000.5"},
		{"mirror form", []domain.AgentResult{{Text: "see 0.0.100-1700000000-5"}}, "0.0.100-1700000000-5"},
		{"explorer link", []domain.AgentResult{{Text: "https://hashscan.io/testnet/transaction/abc123"}}, "abc123"},
		{"hash", []domain.AgentResult{{Text: "tx hash: 0x00112233445566778899aabbccddeeff"}}, "0x00112233445566778899aabbccddeeff"},
		{"second fragment", []domain.AgentResult{{Text: "working"}, {Text: "Transaction ID: 0.0.2@3.4"}}, "0.0.2@3.4"},
		{"none", []domain.AgentResult{{Text: "Your balance is 10 HBAR"}}, ""},
		{"empty", nil, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExtractTxID(tc.results); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}
