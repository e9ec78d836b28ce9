// Package source adapts social media to domain.MentionSource.
//
// Mention ids produced here are "<source>:<chat>:<message>" so that a reply
// can be routed back without any extra lookup.
package source

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	maxSendRetries = 3
	fetchLimit     = 100
)

func joinID(source, chat, msg string) string {
	return source + ":" + chat + ":" + msg
}

// splitID parses an id built by joinID for the given source.
func splitID(source, id string) (chat, msg string, err error) {
	rest, ok := strings.CutPrefix(id, source+":")
	if !ok {
		return "", "", fmt.Errorf("mention id %q does not belong to %s", id, source)
	}
	chat, msg, ok = strings.Cut(rest, ":")
	if !ok || chat == "" || msg == "" {
		return "", "", fmt.Errorf("malformed %s mention id %q", source, id)
	}
	return chat, msg, nil
}

// prefixOf returns the source name an id was built for, or "".
func prefixOf(id string) string {
	name, _, ok := strings.Cut(id, ":")
	if !ok {
		return ""
	}
	return name
}

// sendWithRetry calls send until it succeeds, backing off longer when the
// medium reports rate limiting.
func sendWithRetry(ctx context.Context, logger *slog.Logger, medium string, send func() error) error {
	var err error
	for attempt := 0; attempt <= maxSendRetries; attempt++ {
		if err = send(); err == nil {
			return nil
		}
		if attempt == maxSendRetries {
			break
		}
		backoff := time.Duration(attempt+1) * time.Second
		if isRateLimited(err) {
			backoff *= 3
		}
		logger.Warn(medium+" send error, retrying", "err", err, "backoff", backoff, "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("%s send failed after %d attempts: %w", medium, maxSendRetries+1, err)
}

func isRateLimited(err error) bool {
	s := err.Error()
	return strings.Contains(s, "Too Many Requests") || strings.Contains(s, "429") ||
		strings.Contains(s, "rate_limited")
}
