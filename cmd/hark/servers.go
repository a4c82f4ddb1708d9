package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nugget/hark/internal/config"
	"github.com/nugget/hark/internal/mcp"
	"github.com/nugget/hark/internal/serverstore"
)

const serversUsage = `usage: hark servers <action> [args]

  list                              List configured tool servers
  add <name> <url>                  Add a network server
  add <name> <command> [args...]    Add a process server
  remove <name>                     Remove a server
  enable <name>                     Enable a server
  disable <name>                    Disable a server
  toggle <name>                     Flip a server's enabled flag`

// runServers edits the desired-state file directly. A running serve
// picks the change up on its next reconcile.
func runServers(w io.Writer, configPath, outputFmt string, args []string) error {
	if len(args) == 0 {
		return errors.New(serversUsage)
	}

	cfg, err := loadConfigOrDefault(configPath)
	if err != nil {
		return err
	}
	store := serverstore.New(cfg.MCP.ConfigPath, slog.New(slog.DiscardHandler))

	action, rest := args[0], args[1:]
	needName := func() (string, error) {
		if len(rest) == 0 || strings.TrimSpace(rest[0]) == "" {
			return "", fmt.Errorf("usage: hark servers %s <name>", action)
		}
		return rest[0], nil
	}

	switch action {
	case "list":
		return listServers(w, store, outputFmt)

	case "add":
		if len(rest) < 2 {
			return errors.New(serversUsage)
		}
		sc := newServerConfig(rest[0], rest[1], rest[2:])
		if err := store.Add(sc); err != nil {
			return err
		}
		fmt.Fprintf(w, "Server '%s' added (%s)\n", sc.Name, sc.Type)

	case "remove":
		name, err := needName()
		if err != nil {
			return err
		}
		if err := store.Remove(name); err != nil {
			return err
		}
		fmt.Fprintf(w, "Server '%s' removed\n", name)

	case "enable", "disable", "toggle":
		name, err := needName()
		if err != nil {
			return err
		}
		var want *bool
		if action != "toggle" {
			v := action == "enable"
			want = &v
		}
		enabled, err := store.SetEnabled(name, want)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Server '%s' %s\n", name, enabledWord(enabled))

	default:
		return fmt.Errorf("unknown servers action %q\n%s", action, serversUsage)
	}

	fmt.Fprintf(w, "Saved %s. A running hark applies it on the next reconcile.\n", store.Path())
	return nil
}

// newServerConfig treats an http or https target as a network server
// and anything else as a process command line.
func newServerConfig(name, target string, args []string) serverstore.ServerConfig {
	sc := serverstore.ServerConfig{Name: name, Enabled: true}
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		sc.Type = mcp.KindNetwork
		sc.URL = target
		return sc
	}
	sc.Type = mcp.KindProcess
	sc.Command = target
	sc.Args = args
	return sc
}

func listServers(w io.Writer, store *serverstore.Store, outputFmt string) error {
	cfg, err := store.Load()
	if err != nil {
		return err
	}
	if outputFmt == "json" {
		return writeJSONOut(w, cfg)
	}
	if len(cfg.Servers) == 0 {
		fmt.Fprintf(w, "No tool servers in %s\n", store.Path())
		return nil
	}
	for _, sc := range cfg.Servers {
		target := sc.URL
		if sc.Type == mcp.KindProcess {
			target = strings.Join(append([]string{sc.Command}, sc.Args...), " ")
		}
		tools := "all tools"
		if sc.AllowedTools != nil {
			tools = fmt.Sprintf("%d tools allowed", len(sc.AllowedTools))
		}
		fmt.Fprintf(w, "%-20s %-8s %-9s %-16s %s\n", sc.Name, sc.Type, enabledWord(sc.Enabled), tools, target)
	}
	return nil
}

func enabledWord(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}

// loadConfigOrDefault loads the configuration when one exists. Offline
// commands work without one, using the defaults and MCP_CONFIG_PATH.
func loadConfigOrDefault(explicit string) (*config.Config, error) {
	if explicit != "" {
		cfg, _, err := loadConfig(explicit)
		return cfg, err
	}
	cfg, _, err := loadConfig("")
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, config.ErrNoConfig) {
		return nil, err
	}

	cfg = config.Default()
	if p := os.Getenv("MCP_CONFIG_PATH"); p != "" {
		cfg.MCP.ConfigPath = p
	}
	return cfg, nil
}
