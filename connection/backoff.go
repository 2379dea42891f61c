package connection

import (
	"fmt"
	"net/url"
	"time"
)

// maxBackoffMultiplier caps the exponential growth at 2^10.
const maxBackoffMultiplier = 1 << 10

// Backoff returns the delay before reconnect attempt number attempt+1:
// base * min(2^attempt, 1024).
func Backoff(base time.Duration, attempt int) time.Duration {
	multiplier := 1
	for i := 0; i < attempt && multiplier < maxBackoffMultiplier; i++ {
		multiplier *= 2
	}
	return base * time.Duration(multiplier)
}

// BuildURL appends the session id to base as the session_id query parameter.
// http and https bases are mapped to their websocket schemes.
func BuildURL(base, sessionID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid websocket URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid websocket URL %q: unsupported scheme %q", base, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid websocket URL %q: missing host", base)
	}

	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
