package notifier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	kit "pubsched/internal/transport"
)

func TestSuppressorWindowAndCapacity(t *testing.T) {
	d := newSuppressor(2)
	ctx := context.Background()
	now := time.Now()

	_, ok := d.admit(ctx, "a", now, time.Minute, nil)
	assert.True(t, ok)
	until, ok := d.admit(ctx, "a", now.Add(time.Second), time.Minute, nil)
	assert.False(t, ok)
	assert.Equal(t, now.Add(time.Minute), until)

	// "a" is evicted once two newer keys are admitted.
	_, _ = d.admit(ctx, "b", now, time.Minute, nil)
	_, _ = d.admit(ctx, "c", now, time.Minute, nil)
	_, ok = d.admit(ctx, "a", now.Add(2*time.Second), time.Minute, nil)
	assert.True(t, ok)
}

func TestDedupKey(t *testing.T) {
	base := kit.Notification{Channel: "telegram", Target: kit.ChatTarget{ChatID: 1}, Text: "x"}
	assert.Empty(t, dedupKey(kit.Notification{Text: "x"}))
	assert.Equal(t, dedupKey(base), dedupKey(base))

	other := base
	other.Target.ThreadID = 4
	assert.NotEqual(t, dedupKey(base), dedupKey(other))

	keyed1, keyed2 := base, base
	keyed1.Key, keyed2.Key = "k", "k"
	keyed2.Text = "different"
	assert.Equal(t, dedupKey(keyed1), dedupKey(keyed2))
}
