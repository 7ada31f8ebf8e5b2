package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pubsched/internal/jobs"
	"pubsched/internal/schedule"
)

// Client talks to a running daemon. The CLI uses it for every command except run.
type Client struct {
	base  string
	token string
	http  *http.Client
}

func NewClient(addr, token string, timeout time.Duration) *Client {
	base := strings.TrimRight(strings.TrimSpace(addr), "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{base: base, token: strings.TrimSpace(token), http: &http.Client{Timeout: timeout}}
}

// Error is a non-2xx API response.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api %d %s: %s", e.Status, e.Code, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var eb struct {
			Error errorBody `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&eb)
		if eb.Error.Code == "" {
			eb.Error.Code = http.StatusText(resp.StatusCode)
		}
		return &Error{Status: resp.StatusCode, Code: eb.Error.Code, Message: eb.Error.Message}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type ListOptions struct {
	Statuses  []jobs.Status
	AccountID string
	Limit     int
}

func (c *Client) ListJobs(ctx context.Context, opt ListOptions) ([]jobs.Job, error) {
	q := url.Values{}
	if len(opt.Statuses) > 0 {
		parts := make([]string, len(opt.Statuses))
		for i, s := range opt.Statuses {
			parts[i] = string(s)
		}
		q.Set("status", strings.Join(parts, ","))
	}
	if opt.AccountID != "" {
		q.Set("account", opt.AccountID)
	}
	if opt.Limit > 0 {
		q.Set("limit", strconv.Itoa(opt.Limit))
	}
	path := "/api/v1/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Jobs []jobs.Job `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

func (c *Client) AddJob(ctx context.Context, req JobRequest) (jobs.Job, error) {
	var j jobs.Job
	err := c.do(ctx, http.MethodPost, "/api/v1/jobs", req, &j)
	return j, err
}

func (c *Client) GetJob(ctx context.Context, id string) (jobs.Job, error) {
	var j jobs.Job
	err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id), nil, &j)
	return j, err
}

func (c *Client) CancelJob(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/jobs/"+url.PathEscape(id)+"/cancel", nil, nil)
}

func (c *Client) RetryJob(ctx context.Context, id string) (jobs.Job, error) {
	var j jobs.Job
	err := c.do(ctx, http.MethodPost, "/api/v1/jobs/"+url.PathEscape(id)+"/retry", nil, &j)
	return j, err
}

func (c *Client) RemoveJob(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/jobs/"+url.PathEscape(id), nil, nil)
}

func (c *Client) ListTemplates(ctx context.Context) ([]schedule.Template, error) {
	var out struct {
		Templates []schedule.Template `json:"templates"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/templates", nil, &out); err != nil {
		return nil, err
	}
	return out.Templates, nil
}

func (c *Client) SaveTemplate(ctx context.Context, t schedule.Template) (schedule.Template, error) {
	var out schedule.Template
	if t.ID == "" {
		err := c.do(ctx, http.MethodPost, "/api/v1/templates", t, &out)
		return out, err
	}
	err := c.do(ctx, http.MethodPut, "/api/v1/templates/"+url.PathEscape(t.ID), t, &out)
	return out, err
}

func (c *Client) DeleteTemplate(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/templates/"+url.PathEscape(id), nil, nil)
}

func (c *Client) Snapshot(ctx context.Context) (SnapshotView, error) {
	var out SnapshotView
	err := c.do(ctx, http.MethodGet, "/api/v1/scheduler", nil, &out)
	return out, err
}

func (c *Client) Pause(ctx context.Context) (SnapshotView, error) {
	var out SnapshotView
	err := c.do(ctx, http.MethodPost, "/api/v1/scheduler/pause", nil, &out)
	return out, err
}

func (c *Client) Resume(ctx context.Context) (SnapshotView, error) {
	var out SnapshotView
	err := c.do(ctx, http.MethodPost, "/api/v1/scheduler/resume", nil, &out)
	return out, err
}
