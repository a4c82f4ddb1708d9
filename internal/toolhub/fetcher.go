// Package toolhub keeps the live set of tool-server connections in line
// with the desired set held by serverstore. A Manager diffs the two,
// closes what should no longer run, opens what is missing, and caches
// each server's tool catalog and connection status for readers.
package toolhub

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/hark/internal/mcp"
)

// DefaultFetchTimeout bounds one catalog fetch.
const DefaultFetchTimeout = 10 * time.Second

// Catalog is the tool list a server advertised at its last fetch.
type Catalog []mcp.ToolDefinition

// Names returns the tool names in catalog order.
func (c Catalog) Names() []string {
	names := make([]string, len(c))
	for i, t := range c {
		names[i] = t.Name
	}
	return names
}

func (c Catalog) clone() Catalog {
	out := make(Catalog, len(c))
	copy(out, c)
	return out
}

// Fetcher reads a connection's catalog under a deadline.
type Fetcher struct {
	timeout time.Duration
	logger  *slog.Logger
}

// NewFetcher returns a fetcher. A non-positive timeout means
// DefaultFetchTimeout.
func NewFetcher(timeout time.Duration, logger *slog.Logger) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{timeout: timeout, logger: logger}
}

// Fetch returns the catalog of conn. On any failure it returns an empty,
// non-nil catalog together with the error so callers can record an empty
// catalog without a nil check. Network servers answer a fresh tools/list;
// process servers answer from the catalog captured during Initialize.
func (f *Fetcher) Fetch(ctx context.Context, conn mcp.Connection) (Catalog, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	start := time.Now()
	tools, err := conn.ListTools(ctx)
	if err != nil {
		f.logger.Warn("tool catalog fetch failed",
			"kind", conn.Kind(),
			"elapsed", time.Since(start).Round(time.Millisecond),
			"error", err,
		)
		return Catalog{}, fmt.Errorf("fetch tool catalog: %w", err)
	}
	if tools == nil {
		return Catalog{}, nil
	}
	return Catalog(tools), nil
}
