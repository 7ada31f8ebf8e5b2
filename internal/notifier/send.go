package notifier

import (
	"context"
	"math/rand"
	"time"

	"pubsched/internal/retry"
	logx "pubsched/pkg/logx"
)

const sendTimeout = 10 * time.Second

// deliver drains q until it is closed. Leaving for any other reason than a cancelled
// ctx or a closed queue is reported so the supervisor restarts the worker.
func (s *Service) deliver(ctx context.Context, q <-chan outgoing, seed int64) error {
	rng := retry.NewRand(seed)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case o, ok := <-q:
			if !ok {
				return nil
			}
			s.sendOne(ctx, o, rng)
		}
	}
}

func (s *Service) sendOne(ctx context.Context, o outgoing, rng *rand.Rand) {
	if s.sender == nil {
		return
	}
	text := priorityPrefix(o.n.Priority) + o.n.Text
	if text == "" {
		return
	}
	cfg, lim := s.snapshotConfig()
	policy := retry.Policy{Attempts: cfg.RetryMax, Base: cfg.RetryBase, Max: cfg.RetryMaxDelay, Jitter: 0.3}

	var lastErr error
	for attempt := 1; attempt <= cfg.RetryMax+1; attempt++ {
		if attempt > 1 {
			if retry.Sleep(ctx, policy.Delay(attempt-1, rng)) != nil {
				return
			}
		}
		if lim.Wait(ctx) != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		_, err := s.sender.SendText(callCtx, o.n.Target, text, o.n.Options)
		cancel()
		if err == nil {
			s.remember(text)
			s.publish(TypeSent, o.n, o.key, "")
			return
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", cfg.RetryMax+1))
	}
	s.log.Warn("notification dropped after retries", logx.Int64("chat", o.n.Target.ChatID), logx.Err(lastErr))
	s.publish(TypeFailed, o.n, o.key, lastErr.Error())
}

func priorityPrefix(p int) string {
	switch {
	case p >= 9:
		return "🚨 "
	case p >= 7:
		return "⚠️ "
	case p >= 5:
		return "ℹ️ "
	}
	return ""
}
