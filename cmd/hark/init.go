package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/hark/internal/defaults"
)

// runInit writes the example config and an empty tool server list into
// dir, creating it and its data directory. Existing files are never
// overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Hark in %s\n", dir)

	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dataDir, err)
	}

	files := []struct {
		name    string
		content []byte
		perm    os.FileMode
	}{
		// The config may hold broker credentials.
		{"config.yaml", defaults.ConfigYAML, 0o600},
		{"mcp_servers.json", defaults.ServersJSON, 0o644},
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		written, err := writeIfMissing(path, f.content, f.perm)
		if err != nil {
			return err
		}
		if written {
			fmt.Fprintf(w, "  ✓ %s\n", path)
		} else {
			fmt.Fprintf(w, "  - %s (exists, left alone)\n", path)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml, then add tool servers with: hark servers add <name> <url|command> [args...]")
	return nil
}

// writeIfMissing creates path with content unless it already exists.
func writeIfMissing(path string, content []byte, perm os.FileMode) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if os.IsExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, f.Close()
}
