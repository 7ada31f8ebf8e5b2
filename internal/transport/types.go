// Package transport holds the messaging contracts the notifier delivers through.
package transport

import "context"

type ChatTarget struct {
	ChatID   int64
	ThreadID int // telegram forum topic thread id (0 if none)
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Silent         bool
}

type Notification struct {
	Channel  string // "telegram"
	Priority int    // 0 low.. 10 high
	Target   ChatTarget
	Text     string
	// Key groups notifications for dedup; empty derives one from target and text.
	Key     string
	Options *SendOptions
}

// Sender delivers text to a chat. Implementations split long messages themselves.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)

func (f SenderFunc) SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error) {
	return f(ctx, to, text, opt)
}
