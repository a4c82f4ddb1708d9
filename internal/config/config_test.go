package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "listen:\n  port: 9999\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q", path, got)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	if _, err := FindConfig("/nonexistent/config.yaml"); err == nil {
		t.Fatal("expected error for missing explicit path")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("listen:\n  port: 8080\n"), 0600)
	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig = %q, want config.yaml", got)
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("MCP_CONFIG_PATH", "")
	cfg, err := Load(writeConfig(t, "log_level: debug\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Listen.Port)
	}
	if cfg.MCP.FetchTimeout() != 10*time.Second {
		t.Errorf("fetch timeout = %v, want 10s", cfg.MCP.FetchTimeout())
	}
	if cfg.MCP.StopTimeout() != 5*time.Second {
		t.Errorf("stop timeout = %v, want 5s", cfg.MCP.StopTimeout())
	}
	if cfg.WakeWord.Threshold == nil || *cfg.WakeWord.Threshold != 0.5 {
		t.Errorf("threshold = %v, want 0.5", cfg.WakeWord.Threshold)
	}
	if cfg.WakeWord.Cooldown() != 2*time.Second {
		t.Errorf("cooldown = %v, want 2s", cfg.WakeWord.Cooldown())
	}
	if len(cfg.WakeWord.Models) != 1 || cfg.WakeWord.Models[0] != "hey_jarvis_v0.1" {
		t.Errorf("models = %v", cfg.WakeWord.Models)
	}
	if cfg.Voice.VAD.MinSilenceDuration != 0.5 {
		t.Errorf("vad min silence = %v", cfg.Voice.VAD.MinSilenceDuration)
	}
	if cfg.MQTT.Configured() {
		t.Error("mqtt should not be configured without a broker")
	}
}

func TestLoad_ZeroThresholdKept(t *testing.T) {
	cfg, err := Load(writeConfig(t, "wake_word:\n  threshold: 0\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WakeWord.Threshold == nil || *cfg.WakeWord.Threshold != 0 {
		t.Errorf("threshold = %v, want 0", cfg.WakeWord.Threshold)
	}
}

func TestLoad_FractionalSeconds(t *testing.T) {
	cfg, err := Load(writeConfig(t, "wake_word:\n  timeout_sec: 1.5\n  cooldown_sec: 0.25\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WakeWord.Timeout() != 1500*time.Millisecond {
		t.Errorf("timeout = %v", cfg.WakeWord.Timeout())
	}
	if cfg.WakeWord.Cooldown() != 250*time.Millisecond {
		t.Errorf("cooldown = %v", cfg.WakeWord.Cooldown())
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("HARK_TEST_MQTT_PASSWORD", "secret123")
	cfg, err := Load(writeConfig(t, "mqtt:\n  password: ${HARK_TEST_MQTT_PASSWORD}\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MQTT.Password != "secret123" {
		t.Errorf("password = %q", cfg.MQTT.Password)
	}
}

func TestLoad_MCPConfigPathOverride(t *testing.T) {
	t.Setenv("MCP_CONFIG_PATH", "/tmp/servers.json")
	cfg, err := Load(writeConfig(t, "mcp:\n  config_path: other.json\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MCP.ConfigPath != "/tmp/servers.json" {
		t.Errorf("config_path = %q", cfg.MCP.ConfigPath)
	}
}

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	tests := []struct {
		in, want string
	}{
		{"~", home},
		{"~/hark/data", filepath.Join(home, "hark", "data")},
		{"~bob/data", "~bob/data"},
		{"./data", "./data"},
		{"/var/lib/hark", "/var/lib/hark"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ExpandHome(tt.in); got != tt.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	t.Setenv("MCP_CONFIG_PATH", "")
	cfg, err := Load(writeConfig(t, "data_dir: ~/state\nmcp:\n  config_path: ~/servers.json\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != filepath.Join(home, "state") || cfg.MCP.ConfigPath != filepath.Join(home, "servers.json") {
		t.Errorf("paths = %q %q", cfg.DataDir, cfg.MCP.ConfigPath)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad level", "log_level: loud\n"},
		{"bad format", "log_format: xml\n"},
		{"bad threshold", "wake_word:\n  threshold: 1.5\n"},
		{"bad port", "listen:\n  port: 70000\n"},
		{"bad yaml", "listen: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"TRACE", LevelTrace},
		{" debug ", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLogLevel(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	a := ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, LevelTrace))
	if a.Value.String() != "TRACE" {
		t.Errorf("got %q, want TRACE", a.Value.String())
	}
	a = ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, slog.LevelInfo))
	if a.Value.Any().(slog.Level) != slog.LevelInfo {
		t.Errorf("info level rewritten: %v", a.Value)
	}
}
