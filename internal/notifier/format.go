package notifier

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"pubsched/internal/eventbus"
	kit "pubsched/internal/transport"
	logx "pubsched/pkg/logx"
)

func (s *Service) consumeOutcomes(ctx context.Context, stop <-chan struct{}, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			out, ok := ev.Data.(eventbus.JobOutcome)
			if !ok {
				continue
			}
			s.announce(ctx, out)
		}
	}
}

// announce sends one outcome to every target, subject to the OnSuccess/OnFailure/OnRetry filter.
func (s *Service) announce(ctx context.Context, out eventbus.JobOutcome) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	if !wanted(cfg, out) {
		return
	}

	text, prio := formatOutcome(out)
	key := out.AccountID + ":::" + out.Kind + "|" + out.JobID + "|" + out.Status + "|" + out.ErrorClass
	for _, t := range cfg.Targets {
		n := kit.Notification{
			Channel:  "telegram",
			Priority: prio,
			Target:   t,
			Text:     text,
			Key:      key,
			Options:  &kit.SendOptions{ParseMode: "HTML", DisablePreview: true, Silent: out.Status == "completed"},
		}
		if err := s.Notify(ctx, n); err != nil {
			s.log.Debug("outcome notification not queued", logx.String("job", out.JobID), logx.Err(err))
		}
	}
}

func wanted(cfg Config, out eventbus.JobOutcome) bool {
	switch {
	case out.WillRetry:
		return cfg.OnRetry
	case out.Status == "completed":
		return cfg.OnSuccess
	default:
		return cfg.OnFailure
	}
}

// formatOutcome renders an outcome as Telegram HTML and picks its priority.
func formatOutcome(out eventbus.JobOutcome) (string, int) {
	var b strings.Builder
	prio := 3
	switch {
	case out.Status == "completed":
		fmt.Fprintf(&b, "✅ <b>%s published</b> on %s", html.EscapeString(out.Kind), html.EscapeString(out.AccountID))
	case out.Status == "cancelled":
		fmt.Fprintf(&b, "⏹ <b>%s cancelled</b> on %s", html.EscapeString(out.Kind), html.EscapeString(out.AccountID))
		prio = 5
	case out.WillRetry:
		fmt.Fprintf(&b, "<b>%s attempt %d failed</b> on %s, retrying", html.EscapeString(out.Kind), out.Attempt, html.EscapeString(out.AccountID))
		prio = 7
	default:
		fmt.Fprintf(&b, "<b>%s failed</b> on %s", html.EscapeString(out.Kind), html.EscapeString(out.AccountID))
		prio = 9
	}
	fmt.Fprintf(&b, "\njob <code>%s</code>", html.EscapeString(out.JobID))
	if out.Duration > 0 {
		fmt.Fprintf(&b, " in %s", out.Duration.Round(time.Second))
	}
	if out.Summary != "" {
		fmt.Fprintf(&b, "\n%s", html.EscapeString(out.Summary))
	}
	if len(out.RemoteItemIDs) > 0 {
		fmt.Fprintf(&b, "\nids: %s", html.EscapeString(strings.Join(out.RemoteItemIDs, ", ")))
	}
	if out.Error != "" {
		fmt.Fprintf(&b, "\n<i>%s</i>: %s", html.EscapeString(out.ErrorClass), html.EscapeString(out.Error))
	}
	return b.String(), prio
}
