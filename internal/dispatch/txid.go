package dispatch

import (
	"regexp"

	"mentionbot/internal/domain"
)

// txIDPatterns are tried in order against executor text; the first capture
// wins.
var txIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)transaction\s+id\s*[:=]?\s*(\d+\.\d+\.\d+[@-]\d+[.-]\d+)`),
	regexp.MustCompile(`(\d+\.\d+\.\d+@\d+\.\d+)`),
	regexp.MustCompile(`(\d+\.\d+\.\d+-\d+-\d+)`),
	regexp.MustCompile(`(?i)/transaction/([0-9A-Za-z.@\-]+)`),
	regexp.MustCompile(`(?i)\btx(?:\s*hash|\s*id)?\s*[:=#]\s*(0x[0-9a-f]{16,}|[0-9a-f]{32,})`),
}

// txIDDataKeys are checked in result data before any text pattern.
var txIDDataKeys = []string{"transactionId", "transaction_id", "txId", "tx_id"}

// ExtractTxID returns the best-effort transaction id in results, or "".
func ExtractTxID(results []domain.AgentResult) string {
	for _, res := range results {
		for _, k := range txIDDataKeys {
			if v, ok := res.Data[k].(string); ok && v != "" {
				return v
			}
		}
	}
	for _, re := range txIDPatterns {
		for _, res := range results {
			if m := re.FindStringSubmatch(res.Text); m != nil {
				return m[1]
			}
		}
	}
	return ""
}
