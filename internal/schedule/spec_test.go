package schedule

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSpecVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		kind Kind
	}{
		{name: "cron", raw: "*/5 * * * *", kind: KindCron},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: KindCron},
		{name: "descriptor", raw: "@hourly", kind: KindCron},
		{name: "duration", raw: "10m", kind: KindInterval},
		{name: "prefixed interval", raw: "interval:45s", kind: KindInterval},
		{name: "hhmm", raw: "every:01:30", kind: KindInterval},
		{name: "template", raw: "template:abc", kind: KindTemplate},
		{name: "default template", raw: "template", kind: KindTemplate},
		{name: "instant", raw: "2026-05-01 10:30", kind: KindOnce},
		{name: "prefixed instant", raw: "at:2026-05-01T10:30:00Z", kind: KindOnce},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSpec(tt.raw, time.UTC)
			if err != nil {
				t.Fatalf("ParseSpec(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
		})
	}
}

func TestParseSpecIntervalJitter(t *testing.T) {
	sp, err := ParseSpec("interval:1h ~10%", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 3600, sp.IntervalSeconds)
	assert.Equal(t, 10, sp.JitterPercent)
}

func TestParseSpecInvalid(t *testing.T) {
	for _, raw := range []string{"", "not-a-schedule", "interval:5s", "cron:61 * * * *"} {
		_, err := ParseSpec(raw, time.UTC)
		assert.Error(t, err, raw)
	}
}

func TestNextRuleInterval(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	after := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sp := Spec{Kind: KindInterval, IntervalSeconds: 600, JitterPercent: 10}
	for i := 0; i < 50; i++ {
		next, ok := NextRule(sp, after, rng)
		require.True(t, ok)
		d := next.Sub(after)
		assert.GreaterOrEqual(t, d, 540*time.Second)
		assert.LessOrEqual(t, d, 660*time.Second)
	}
}

func TestJitterIntervalFloor(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	assert.Equal(t, MinInterval, JitterInterval(time.Second, 0, rng))
	for i := 0; i < 20; i++ {
		assert.GreaterOrEqual(t, JitterInterval(11*time.Second, 50, rng), MinInterval)
	}
}

func TestNextRuleCronWithTimezone(t *testing.T) {
	sp := Spec{Kind: KindCron, Cron: "0 9 * * *", Timezone: "Asia/Jakarta"}
	require.NoError(t, sp.Validate())
	after := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, ok := NextRule(sp, after, nil)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 1, 1, 2, 0, 0, 0, time.UTC), next.UTC())
}

func TestExpanderTemplateSpread(t *testing.T) {
	e := NewExpander(99)
	tmpl := &Template{Name: "t", Times: []string{"09:00"}, Weekdays: []string{"mon"}, Timezone: "UTC", RandomOffset: 15, Enabled: true}
	after := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 20; i++ {
		due, ok := e.Next(Spec{Kind: KindTemplate}, tmpl, after)
		require.True(t, ok)
		assert.False(t, due.Before(base))
		assert.LessOrEqual(t, due.Sub(base), 15*time.Minute)
	}

	tmpl.Enabled = false
	_, ok := e.Next(Spec{Kind: KindTemplate}, tmpl, after)
	assert.False(t, ok)

	_, ok = e.Next(Spec{Kind: KindOnce, At: after}, nil, after)
	assert.False(t, ok)
}
