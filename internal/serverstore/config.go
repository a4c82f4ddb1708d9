// Package serverstore persists the desired set of tool servers: which
// servers should exist, how to reach them, whether they are enabled and
// which of their tools may be used. It is the only writer of the file;
// the tool hub reads snapshots from it and never writes back.
package serverstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"

	"github.com/nugget/hark/internal/mcp"
)

// Errors returned by validation and store mutations. Callers match them
// with errors.Is; the wrapping error carries the user-facing message.
var (
	ErrInvalid       = errors.New("invalid server config")
	ErrNotFound      = errors.New("server not found")
	ErrDuplicateName = errors.New("duplicate server name")
	ErrDuplicateURL  = errors.New("duplicate server url")
)

// ServerConfig is one desired tool server.
//
// AllowedTools distinguishes nil (every tool allowed, JSON null or
// absent) from empty (no tool allowed, JSON []).
type ServerConfig struct {
	Name string   `json:"name"`
	Type mcp.Kind `json:"type"`

	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`

	Enabled      bool     `json:"enabled"`
	AllowedTools []string `json:"allowed_tools"`
}

// UnmarshalJSON defaults enabled to true and maps the legacy type names
// http and stdio onto network and process.
func (c *ServerConfig) UnmarshalJSON(data []byte) error {
	type plain ServerConfig
	p := plain{Enabled: true}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = ServerConfig(p)
	c.Type = normalizeKind(c.Type)
	return nil
}

func normalizeKind(k mcp.Kind) mcp.Kind {
	switch strings.ToLower(string(k)) {
	case "", "network", "http":
		return mcp.KindNetwork
	case "process", "stdio":
		return mcp.KindProcess
	}
	return k
}

// Validate checks that the fields for Type, and only those, are set.
func (c ServerConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: server name is required", ErrInvalid)
	}

	switch normalizeKind(c.Type) {
	case mcp.KindNetwork:
		if c.URL == "" {
			return fmt.Errorf("%w: network server %q requires url", ErrInvalid, c.Name)
		}
		u, err := url.Parse(c.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: network server %q has invalid url %q", ErrInvalid, c.Name, c.URL)
		}
		if c.Command != "" || len(c.Args) > 0 || len(c.Env) > 0 || c.Cwd != "" {
			return fmt.Errorf("%w: network server %q must not set command, args, env or cwd", ErrInvalid, c.Name)
		}
	case mcp.KindProcess:
		if strings.TrimSpace(c.Command) == "" {
			return fmt.Errorf("%w: process server %q requires command", ErrInvalid, c.Name)
		}
		if c.URL != "" || len(c.Headers) > 0 {
			return fmt.Errorf("%w: process server %q must not set url or headers", ErrInvalid, c.Name)
		}
	default:
		return fmt.Errorf("%w: server %q has unknown type %q", ErrInvalid, c.Name, c.Type)
	}
	return nil
}

// ToolAllowed reports whether the allow-list admits tool.
func (c ServerConfig) ToolAllowed(tool string) bool {
	return c.AllowedTools == nil || slices.Contains(c.AllowedTools, tool)
}

// SameEndpoint compares only the fields that decide how a connection
// is built: url and headers for network servers; command, args, env
// and cwd for process servers. Enabled state and the allow-list are
// ignored.
func (c ServerConfig) SameEndpoint(o ServerConfig) bool {
	if normalizeKind(c.Type) != normalizeKind(o.Type) {
		return false
	}
	switch normalizeKind(c.Type) {
	case mcp.KindNetwork:
		return c.URL == o.URL && maps.Equal(c.Headers, o.Headers)
	case mcp.KindProcess:
		return c.Command == o.Command &&
			slices.Equal(c.Args, o.Args) &&
			maps.Equal(c.Env, o.Env) &&
			c.Cwd == o.Cwd
	}
	return false
}

// Clone returns a deep copy. The nil-ness of AllowedTools is kept.
func (c ServerConfig) Clone() ServerConfig {
	c.Headers = maps.Clone(c.Headers)
	c.Args = slices.Clone(c.Args)
	c.Env = maps.Clone(c.Env)
	c.AllowedTools = slices.Clone(c.AllowedTools)
	return c
}

// Config is the whole desired-state document.
type Config struct {
	Servers []ServerConfig `json:"servers"`
}

// Find returns the server called name.
func (c Config) Find(name string) (ServerConfig, bool) {
	for _, s := range c.Servers {
		if s.Name == name {
			return s, true
		}
	}
	return ServerConfig{}, false
}

// Enabled returns the enabled servers keyed by name.
func (c Config) Enabled() map[string]ServerConfig {
	out := make(map[string]ServerConfig)
	for _, s := range c.Servers {
		if s.Enabled {
			out[s.Name] = s
		}
	}
	return out
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	out := Config{Servers: make([]ServerConfig, len(c.Servers))}
	for i, s := range c.Servers {
		out.Servers[i] = s.Clone()
	}
	return out
}

// Validate checks every entry plus name and url uniqueness.
func (c Config) Validate() error {
	var errs []error
	names := make(map[string]bool)
	urls := make(map[string]string)
	for _, s := range c.Servers {
		if err := s.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if names[s.Name] {
			errs = append(errs, fmt.Errorf("%w: server with name %q already exists", ErrDuplicateName, s.Name))
		}
		names[s.Name] = true
		if s.Type == mcp.KindNetwork {
			if other, ok := urls[s.URL]; ok {
				errs = append(errs, fmt.Errorf("%w: servers %q and %q share url %q", ErrDuplicateURL, other, s.Name, s.URL))
			}
			urls[s.URL] = s.Name
		}
	}
	return errors.Join(errs...)
}
