package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"pubsched/internal/storage"
	kit "pubsched/internal/transport"
	logx "pubsched/pkg/logx"
)

const storeTimeout = 250 * time.Millisecond

type dedupWrite struct {
	key   string
	until time.Time
}

// suppressor remembers recently admitted keys until their window ends. When full, the
// least recently seen key is forgotten first.
type suppressor struct {
	capacity int
	cache    *ttlcache.Cache[string, time.Time]
}

func newSuppressor(capacity int) *suppressor {
	return &suppressor{
		capacity: capacity,
		cache: ttlcache.New(
			ttlcache.WithCapacity[string, time.Time](uint64(capacity)),
			ttlcache.WithDisableTouchOnHit[string, time.Time](),
		),
	}
}

// admit reports whether key may be sent now and, if so, records its window. store, when
// non-nil, is consulted for windows recorded by an earlier process.
func (d *suppressor) admit(ctx context.Context, key string, now time.Time, window time.Duration, store storage.DedupStore) (time.Time, bool) {
	if it := d.cache.Get(key); it != nil && now.Before(it.Value()) {
		return it.Value(), false
	}
	if store != nil {
		cctx, cancel := context.WithTimeout(ctx, storeTimeout)
		until, ok, err := store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			d.cache.Set(key, until, until.Sub(now))
			return until, false
		}
	}
	d.cache.DeleteExpired()
	until := now.Add(window)
	d.cache.Set(key, until, window)
	return until, true
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, storeTimeout)
			if err := s.store.PutDedup(cctx, w.key, w.until); err != nil {
				s.log.Debug("persist dedup failed", logx.Err(err))
			}
			cancel()
		}
	}
}

// dedupKey identifies a notification by channel, target and either its explicit Key or
// its priority and text. Notifications without a channel are never deduplicated.
func dedupKey(n kit.Notification) string {
	if n.Channel == "" {
		return ""
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d:%d|", n.Channel, n.Target.ChatID, n.Target.ThreadID)
	if n.Key != "" {
		h.Write([]byte(n.Key))
	} else {
		fmt.Fprintf(h, "%d|%s", n.Priority, n.Text)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
