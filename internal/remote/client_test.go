package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pubsched/internal/failure"
	"pubsched/internal/transfer"
	logx "pubsched/pkg/logx"
)

// fakeAPI is a minimal in-memory implementation of the upload contract.
type fakeAPI struct {
	mu       sync.Mutex
	received []byte
	auth     []string
	// respond overrides the handler for the next request when set.
	respond func(w http.ResponseWriter, r *http.Request) bool
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	if f.respond != nil && f.respond(w, r) {
		return
	}
	switch {
	case r.URL.Path == "/v1/acct-1/uploads":
		var req startRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		offset := 0
		if req.SessionID != "" {
			offset = len(f.received)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"upload_session_id": "sess-1",
			"start_offset":      strconv.Itoa(offset),
			"end_offset":        strconv.FormatInt(req.FileSize, 10),
		})
	case r.URL.Path == "/v1/uploads/sess-1":
		off, _ := strconv.Atoi(r.URL.Query().Get("start_offset"))
		b, _ := io.ReadAll(r.Body)
		if off == len(f.received) {
			f.received = append(f.received, b...)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"start_offset": len(f.received)})
	case r.URL.Path == "/v1/uploads/sess-1/finish":
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "video_id": "vid-9"})
	default:
		http.NotFound(w, r)
	}
}

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/v1", Timeout: 5 * time.Second}, logx.Nop())
	require.NoError(t, err)
	return c
}

func TestUploadPhases(t *testing.T) {
	api := &fakeAPI{}
	c := newTestClient(t, api)
	ctx := context.Background()

	open, err := c.OpenUploadSession(ctx, "tok", transfer.FileMeta{AccountID: "acct-1", Name: "a.mp4", Size: 6})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", open.Token)
	assert.EqualValues(t, 0, open.Offset)

	next, err := c.SendChunk(ctx, "tok", open.Token, 0, []byte("abc"))
	require.NoError(t, err)
	assert.EqualValues(t, 3, next)
	next, err = c.SendChunk(ctx, "tok", open.Token, 3, []byte("def"))
	require.NoError(t, err)
	assert.EqualValues(t, 6, next)

	resumed, err := c.OpenUploadSession(ctx, "tok", transfer.FileMeta{AccountID: "acct-1", Size: 6, ResumeToken: "sess-1"})
	require.NoError(t, err)
	assert.EqualValues(t, 6, resumed.Offset)

	id, err := c.Finalize(ctx, "tok", open.Token, transfer.FinalizeMeta{Title: "t"})
	require.NoError(t, err)
	assert.Equal(t, "vid-9", id)
	assert.Equal(t, "abcdef", string(api.received))
	for _, h := range api.auth {
		assert.Equal(t, "Bearer tok", h)
	}
}

func errorResponder(status int, body string, header map[string]string) func(http.ResponseWriter, *http.Request) bool {
	return func(w http.ResponseWriter, _ *http.Request) bool {
		for k, v := range header {
			w.Header().Set(k, v)
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
		return true
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		header map[string]string
		class  failure.Class
		after  time.Duration
	}{
		{"server error", 503, `{"error":{"message":"unavailable"}}`, nil, failure.Transient, 0},
		{"unauthorized", 401, `{"error":{"message":"bad token"}}`, nil, failure.AuthExpired, 0},
		{"expired code", 400, `{"error":{"message":"Session has expired","code":190}}`, nil, failure.AuthExpired, 0},
		{"429 with retry-after", 429, `{}`, map[string]string{"Retry-After": "30"}, failure.RateLimited, 30 * time.Second},
		{"throttle code", 400, `{"error":{"message":"Application request limit reached","code":4}}`, nil, failure.RateLimited, 0},
		{"code 613", 400, `{"error":{"message":"Calls to this api have exceeded","code":613}}`, nil, failure.RateLimited, 0},
		{"rate limit text", 403, `{"error":{"message":"User rate limit hit"}}`, nil, failure.RateLimited, 0},
		{"rejected", 400, `{"error":{"message":"Invalid video format","code":352}}`, nil, failure.RemoteRejected, 0},
		{"200 with error envelope", 200, `{"error":{"message":"bad param","code":100}}`, nil, failure.RemoteRejected, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			api := &fakeAPI{respond: errorResponder(tc.status, tc.body, tc.header)}
			c := newTestClient(t, api)
			_, err := c.SendChunk(context.Background(), "tok", "sess-1", 0, []byte("x"))
			require.Error(t, err)
			assert.Equal(t, tc.class, failure.ClassOf(err), err.Error())
			if tc.after > 0 {
				d, ok := failure.RetryAfterOf(err)
				require.True(t, ok)
				assert.Equal(t, tc.after, d)
			}
		})
	}
}

func TestTimeoutIsTransient(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	// Unblock the handler before Close waits for it.
	defer srv.Close()
	defer close(block)
	c, err := New(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, logx.Nop())
	require.NoError(t, err)

	_, err = c.Finalize(context.Background(), "tok", "sess-1", transfer.FinalizeMeta{})
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.Transient))
}

func TestLongBodyMessageKeepsRunes(t *testing.T) {
	body := strings.Repeat("é", 150) // 300 bytes
	resp := &http.Response{StatusCode: http.StatusBadRequest, Status: "400 Bad Request", Header: http.Header{}}
	err := classifyResponse("finalize", resp, []byte(body), time.Now())

	var fe *failure.Error
	require.ErrorAs(t, err, &fe)
	assert.True(t, utf8.ValidString(fe.Msg))
	assert.Equal(t, strings.Repeat("é", 100), fe.Msg)

	assert.Equal(t, "ab", clip("abc", 2))
	assert.Equal(t, "a", clip("aé", 2))
}

func TestRetryAfterHTTPDate(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	v := now.Add(90 * time.Second).Format(http.TimeFormat)
	assert.Equal(t, 90*time.Second, retryAfter(v, now))
	assert.Zero(t, retryAfter("garbage", now))
	assert.Zero(t, retryAfter("-5", now))
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	_, err := New(Config{BaseURL: "ftp://x"}, logx.Nop())
	assert.Error(t, err)
	_, err = New(Config{}, logx.Nop())
	assert.Error(t, err)
}
