package mqtt

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// Commands accepted on the command topic.
const (
	CommandReconcile = "reconcile"
	CommandInterrupt = "interrupt"
)

// CommandHandler executes a command received from Home Assistant.
type CommandHandler func(ctx context.Context, command string) error

// commandLimiter caps inbound commands per interval so a stuck
// automation cannot hammer the reconciler.
type commandLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newCommandLimiter(limit int64, interval time.Duration, logger *slog.Logger) *commandLimiter {
	return &commandLimiter{limit: limit, interval: interval, logger: logger}
}

// run resets the window every interval until ctx is cancelled.
func (l *commandLimiter) run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.count.Store(0)
			if dropped := l.dropped.Swap(0); dropped > 0 {
				l.logger.Warn("mqtt commands dropped by rate limit",
					"dropped", dropped,
					"limit", l.limit,
					"interval", l.interval.String(),
				)
			}
		}
	}
}

func (l *commandLimiter) allow() bool {
	if l.count.Add(1) > l.limit {
		l.dropped.Add(1)
		return false
	}
	return true
}

// parseCommand normalizes a button payload. Unknown payloads return "".
func parseCommand(payload []byte) string {
	switch cmd := strings.ToLower(strings.TrimSpace(string(payload))); cmd {
	case CommandReconcile, CommandInterrupt:
		return cmd
	default:
		return ""
	}
}
