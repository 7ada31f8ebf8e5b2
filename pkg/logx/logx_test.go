package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, b *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(b.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestWithFieldsAndCaller(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "scheduler"))

	log.Debug("hidden")
	log.Info("dispatched", String("job", "j-1"), Duration("wait", 90*time.Second), Err(nil))
	log.Warn("failed", Err(errors.New("boom")), String("comp", "override"))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "scheduler", lines[0]["comp"])
	assert.Equal(t, "1m30s", lines[0]["wait"])
	assert.NotContains(t, lines[0], "err")
	assert.True(t, strings.HasPrefix(lines[0]["caller"].(string), "logx_test.go:"))
	assert.Equal(t, "boom", lines[1]["err"])
	assert.Equal(t, "override", lines[1]["comp"])
}

func TestZeroAndNop(t *testing.T) {
	var zero Logger
	assert.True(t, zero.IsZero())
	zero.Info("dropped")
	assert.False(t, Nop().IsZero())
	assert.False(t, zero.With(String("a", "b")).IsZero())
}

func TestServiceApplySwitchesSinks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "pubsched.log")
	svc, log := New(Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}})
	t.Cleanup(func() { _ = svc.Close() })
	comp := log.With(String("comp", "engine"))

	comp.Info("not yet")
	comp.Warn("first")
	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	comp.Debug("second")

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(b)
	assert.NotContains(t, out, "not yet")
	assert.Contains(t, out, `"message":"first"`)
	assert.Contains(t, out, `"message":"second"`)
	assert.Contains(t, out, `"comp":"engine"`)
}

func TestValidLevel(t *testing.T) {
	for _, s := range []string{"", "DEBUG", " info ", "Warning"} {
		assert.True(t, ValidLevel(s), s)
	}
	assert.False(t, ValidLevel("verbose"))
}
