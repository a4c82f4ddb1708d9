// Package defaults embeds the example files written by hark init.
package defaults

import _ "embed"

// ConfigYAML is the example configuration.
//
//go:embed config.example.yaml
var ConfigYAML []byte

// ServersJSON is the initial desired-state file: no tool servers.
//
//go:embed mcp_servers.example.json
var ServersJSON []byte
