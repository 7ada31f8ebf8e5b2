package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"pubsched/internal/failure"
)

// API error codes the remote uses for throttling.
var rateLimitCodes = map[int]bool{4: true, 17: true, 32: true, 613: true}

const codeTokenExpired = 190

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
		Subcode int    `json:"error_subcode"`
	} `json:"error"`
}

const maxBodyMsg = 200 // bytes

// clip shortens s to at most n bytes without splitting a UTF-8 sequence.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// classifyResponse maps a non-2xx response to a failure class.
func classifyResponse(op string, resp *http.Response, body []byte, now time.Time) error {
	var ae apiError
	_ = json.Unmarshal(body, &ae)
	msg := strings.TrimSpace(ae.Error.Message)
	if msg == "" {
		msg = clip(strings.TrimSpace(string(body)), maxBodyMsg)
	}
	if msg == "" {
		msg = resp.Status
	}
	code := ae.Error.Code
	lower := strings.ToLower(msg)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || rateLimitCodes[code] ||
		strings.Contains(lower, "rate limit") || strings.Contains(lower, "request limit"):
		after := retryAfter(resp.Header.Get("Retry-After"), now)
		return &failure.Error{Class: failure.RateLimited, Op: op, Msg: msg, RetryAfter: after, RemoteCode: code}
	case resp.StatusCode == http.StatusUnauthorized || code == codeTokenExpired:
		return &failure.Error{Class: failure.AuthExpired, Op: op, Msg: msg, RemoteCode: code}
	case resp.StatusCode >= 500:
		return &failure.Error{Class: failure.Transient, Op: op, Msg: fmt.Sprintf("%d: %s", resp.StatusCode, msg), RemoteCode: code}
	case resp.StatusCode == http.StatusRequestTimeout:
		return &failure.Error{Class: failure.Transient, Op: op, Msg: msg, RemoteCode: code}
	default:
		return failure.Rejected(op, msg, code)
	}
}

// classifyTransport maps a transport failure (timeout, reset, refused). All of them are transient.
func classifyTransport(op string, err error) error {
	if err == nil {
		return nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return failure.Wrap(failure.Transient, op, fmt.Errorf("timeout: %w", err))
	}
	return failure.Wrap(failure.Transient, op, err)
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
