package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var out bytes.Buffer
		if err := run(context.Background(), &out, &out, args); err != nil {
			t.Fatalf("run(%v): %v", args, err)
		}
		if !strings.Contains(out.String(), "Usage: hark") {
			t.Errorf("run(%v) output = %q", args, out.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"launch"}, "unknown command: launch"},
		{[]string{"-verbose", "version"}, "unknown flag: -verbose"},
		{[]string{"-o", "yaml", "version"}, "unknown output format"},
		{[]string{"-config", "/nonexistent/hark.yaml", "serve"}, "config file not found"},
		{[]string{"servers"}, "usage: hark servers"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			var out bytes.Buffer
			err := run(context.Background(), &out, &out, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"version"}); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "Hark ") || !strings.Contains(out.String(), "go_version:") {
		t.Errorf("text = %q", out.String())
	}

	out.Reset()
	if err := run(context.Background(), &out, &out, []string{"version", "-o", "json"}); err != nil {
		t.Fatal(err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("json: %v\n%s", err, out.String())
	}
	if info["version"] == "" || info["platform"] == "" {
		t.Errorf("info = %v", info)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	os.WriteFile(path, []byte("HARK_TEST_NEW=from-file\nHARK_TEST_SET=from-file\n"), 0o600)

	t.Setenv("HARK_TEST_SET", "from-env")
	t.Setenv("HARK_TEST_NEW", "")
	os.Unsetenv("HARK_TEST_NEW")

	if err := loadDotEnv(path); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("HARK_TEST_NEW"); got != "from-file" {
		t.Errorf("HARK_TEST_NEW = %q", got)
	}
	if got := os.Getenv("HARK_TEST_SET"); got != "from-env" {
		t.Errorf("existing variable overridden: %q", got)
	}

	if err := loadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Errorf("missing file: %v", err)
	}
}
