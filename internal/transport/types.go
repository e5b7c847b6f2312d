// Package transport defines how operator notifications leave the process.
package transport

import (
	"context"

	logx "feedrelay/pkg/logx"
)

type ChatTarget struct {
	ChatID   int64
	ThreadID int // telegram forum topic thread id (0 if none)
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Sender delivers one text message to all of its configured recipients.
// Implementations must be safe for concurrent use.
type Sender interface {
	Name() string
	Send(ctx context.Context, text string) error
}

// LogSender writes notifications to the log. It is used when no chat
// transport is configured, so alerts are never silently discarded.
type LogSender struct {
	Log logx.Logger
}

func (LogSender) Name() string { return "log" }

func (s LogSender) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.Log.Warn("notification", logx.String("text", text))
	return nil
}
