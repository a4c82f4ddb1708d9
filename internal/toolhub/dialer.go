package toolhub

import (
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"time"

	"github.com/nugget/hark/internal/mcp"
	"github.com/nugget/hark/internal/serverstore"
)

// Dialer builds an unconnected handle for a server config. It must not
// perform I/O; the manager calls Initialize and Fetch afterwards.
type Dialer func(sc serverstore.ServerConfig) (mcp.Connection, error)

// DialOptions configures the default Dialer.
type DialOptions struct {
	// HTTPClient is shared by network connections. Nil gives each
	// connection its own httpkit client.
	HTTPClient *http.Client

	// StopTimeout bounds a process server's shutdown before it is
	// killed.
	StopTimeout time.Duration

	Logger *slog.Logger
}

// NewDialer returns a Dialer that builds mcp network and process
// connections.
func NewDialer(opts DialOptions) Dialer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return func(sc serverstore.ServerConfig) (mcp.Connection, error) {
		switch sc.Type {
		case mcp.KindNetwork:
			return mcp.NewNetworkConnection(sc.Name, mcp.NetworkConfig{
				URL:        sc.URL,
				Headers:    maps.Clone(sc.Headers),
				HTTPClient: opts.HTTPClient,
				Logger:     logger,
			}), nil
		case mcp.KindProcess:
			return mcp.NewProcessConnection(sc.Name, mcp.ProcessConfig{
				Command:     sc.Command,
				Args:        slices.Clone(sc.Args),
				Env:         maps.Clone(sc.Env),
				Dir:         sc.Cwd,
				StopTimeout: opts.StopTimeout,
				Logger:      logger,
			}), nil
		default:
			return nil, fmt.Errorf("unsupported server type %q", sc.Type)
		}
	}
}
