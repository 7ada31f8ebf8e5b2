// Package remote is the HTTP client for the publishing API's resumable upload contract.
//
// An upload runs in three phases:
//
//	POST {base}/{account}/uploads            start: opens or resumes a session
//	POST {base}/uploads/{session}?start_offset=N  transfer: one chunk, raw bytes
//	POST {base}/uploads/{session}/finish     finish: publishes the item
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pubsched/internal/failure"
	"pubsched/internal/transfer"
	logx "pubsched/pkg/logx"
)

const (
	DefaultTimeout   = 5 * time.Minute
	DefaultUserAgent = "pubsched"
	maxErrorBody     = 64 << 10
)

type Config struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Client implements transfer.Endpoint.
type Client struct {
	base *url.URL
	http *http.Client
	ua   string
	log  logx.Logger
	now  func() time.Time

	// OnRequest, when set, observes every call (op, HTTP status or 0, duration).
	OnRequest func(op string, status int, took time.Duration)
}

var _ transfer.Endpoint = (*Client)(nil)

func New(cfg Config, log logx.Logger) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("remote.base_url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("remote.base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote.base_url: unsupported scheme %q", u.Scheme)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		base: u,
		http: &http.Client{Timeout: cfg.Timeout},
		ua:   cfg.UserAgent,
		log:  log.With(logx.String("comp", "remote")),
		now:  time.Now,
	}, nil
}

// flexInt accepts offsets sent either as JSON numbers or numeric strings.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("offset %q: %w", s, err)
	}
	*f = flexInt(n)
	return nil
}

type startRequest struct {
	Phase       string `json:"upload_phase"`
	FileName    string `json:"file_name"`
	FileSize    int64  `json:"file_size"`
	Fingerprint string `json:"fingerprint"`
	Kind        string `json:"kind,omitempty"`
	SessionID   string `json:"upload_session_id,omitempty"`
}

type startResponse struct {
	SessionID   string  `json:"upload_session_id"`
	StartOffset flexInt `json:"start_offset"`
	EndOffset   flexInt `json:"end_offset"`
}

type transferResponse struct {
	StartOffset flexInt `json:"start_offset"`
	EndOffset   flexInt `json:"end_offset"`
}

type finishRequest struct {
	Phase       string `json:"upload_phase"`
	SessionID   string `json:"upload_session_id"`
	Kind        string `json:"kind,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Watermark   bool   `json:"watermark,omitempty"`
}

type finishResponse struct {
	ID      string `json:"id"`
	VideoID string `json:"video_id"`
	PostID  string `json:"post_id"`
	Success *bool  `json:"success"`
}

func (c *Client) OpenUploadSession(ctx context.Context, accessToken string, meta transfer.FileMeta) (transfer.OpenResult, error) {
	const op = "remote.open"
	req := startRequest{
		Phase:       "start",
		FileName:    meta.Name,
		FileSize:    meta.Size,
		Fingerprint: meta.Fingerprint,
		Kind:        meta.Kind,
		SessionID:   meta.ResumeToken,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return transfer.OpenResult{}, failure.Wrap(failure.Validation, op, err)
	}
	var out startResponse
	account := meta.AccountID
	if account == "" {
		account = "me"
	}
	if err := c.do(ctx, op, accessToken, c.endpoint(nil, account, "uploads"), "application/json", body, &out); err != nil {
		return transfer.OpenResult{}, err
	}
	if out.SessionID == "" {
		return transfer.OpenResult{}, failure.Rejected(op, "response carried no upload_session_id", 0)
	}
	return transfer.OpenResult{Token: out.SessionID, Offset: int64(out.StartOffset)}, nil
}

func (c *Client) SendChunk(ctx context.Context, accessToken, sessionToken string, offset int64, chunk []byte) (int64, error) {
	const op = "remote.chunk"
	q := url.Values{}
	q.Set("upload_phase", "transfer")
	q.Set("start_offset", strconv.FormatInt(offset, 10))
	var out transferResponse
	if err := c.do(ctx, op, accessToken, c.endpoint(q, "uploads", sessionToken), "application/octet-stream", chunk, &out); err != nil {
		return 0, err
	}
	return int64(out.StartOffset), nil
}

func (c *Client) Finalize(ctx context.Context, accessToken, sessionToken string, meta transfer.FinalizeMeta) (string, error) {
	const op = "remote.finalize"
	body, err := json.Marshal(finishRequest{
		Phase:       "finish",
		SessionID:   sessionToken,
		Kind:        meta.Kind,
		Title:       meta.Title,
		Description: meta.Description,
		Watermark:   meta.Watermark,
	})
	if err != nil {
		return "", failure.Wrap(failure.Validation, op, err)
	}
	var out finishResponse
	if err := c.do(ctx, op, accessToken, c.endpoint(nil, "uploads", sessionToken, "finish"), "application/json", body, &out); err != nil {
		return "", err
	}
	if out.Success != nil && !*out.Success {
		return "", failure.Rejected(op, "publish reported success=false", 0)
	}
	for _, id := range []string{out.ID, out.VideoID, out.PostID} {
		if id != "" {
			return id, nil
		}
	}
	return "", failure.Rejected(op, "response carried no item id", 0)
}

func (c *Client) endpoint(q url.Values, elem ...string) string {
	u := c.base.JoinPath(elem...)
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *Client) do(ctx context.Context, op, accessToken, target, contentType string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return failure.Wrap(failure.Validation, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.ua)

	start := c.now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.observe(op, 0, start)
		if errors.Is(ctx.Err(), context.Canceled) {
			return failure.Wrap(failure.Canceled, op, ctx.Err())
		}
		return classifyTransport(op, err)
	}
	defer resp.Body.Close()
	c.observe(op, resp.StatusCode, start)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		err := classifyResponse(op, resp, b, c.now())
		c.log.Debug("remote call failed", logx.String("op", op), logx.Int("status", resp.StatusCode), logx.Err(err))
		return err
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return classifyTransport(op, err)
	}
	// Some deployments answer 200 with an error envelope.
	var ae apiError
	if json.Unmarshal(b, &ae) == nil && (ae.Error.Code != 0 || ae.Error.Message != "") {
		return classifyResponse(op, &http.Response{StatusCode: http.StatusBadRequest, Header: resp.Header, Status: resp.Status}, b, c.now())
	}
	if err := json.Unmarshal(b, out); err != nil {
		return failure.Wrap(failure.Transient, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) observe(op string, status int, start time.Time) {
	if c.OnRequest != nil {
		c.OnRequest(op, status, c.now().Sub(start))
	}
}
