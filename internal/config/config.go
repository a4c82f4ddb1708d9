// Package config loads the Hark YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order used when no
// explicit path is given: ./config.yaml, ~/.config/hark/config.yaml,
// /etc/hark/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "hark", "config.yaml"))
	}
	return append(paths, "/etc/hark/config.yaml")
}

// ErrNoConfig is returned by FindConfig when no search path exists.
var ErrNoConfig = errors.New("no config file found")

// FindConfig returns explicit if it exists, otherwise the first existing
// entry of DefaultSearchPaths.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfig, DefaultSearchPaths())
}

// Config holds all Hark configuration.
type Config struct {
	Listen    ListenConfig   `yaml:"listen"`
	DataDir   string         `yaml:"data_dir"`
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"` // text or json
	MCP       MCPConfig      `yaml:"mcp"`
	WakeWord  WakeWordConfig `yaml:"wake_word"`
	Voice     VoiceConfig    `yaml:"voice"`
	MQTT      MQTTConfig     `yaml:"mqtt"`
}

// ListenConfig is the control surface bind address.
type ListenConfig struct {
	Address string `yaml:"address"` // "" = all interfaces
	Port    int    `yaml:"port"`
}

// MCPConfig controls tool-server management.
type MCPConfig struct {
	// ConfigPath is the desired-state JSON file. The MCP_CONFIG_PATH
	// environment variable overrides it.
	ConfigPath      string  `yaml:"config_path"`
	FetchTimeoutSec float64 `yaml:"fetch_timeout_sec"`
	InitTimeoutSec  float64 `yaml:"init_timeout_sec"`
	StopTimeoutSec  float64 `yaml:"stop_timeout_sec"`
}

// FetchTimeout bounds a single tool catalog fetch.
func (c MCPConfig) FetchTimeout() time.Duration { return seconds(c.FetchTimeoutSec) }

// InitTimeout bounds process spawn plus protocol handshake.
func (c MCPConfig) InitTimeout() time.Duration { return seconds(c.InitTimeoutSec) }

// StopTimeout is how long a process server gets to exit before it is
// killed.
func (c MCPConfig) StopTimeout() time.Duration { return seconds(c.StopTimeoutSec) }

// WakeWordConfig controls the wake-word gate.
type WakeWordConfig struct {
	Enabled        bool     `yaml:"enabled"`
	EngineURL      string   `yaml:"engine_url"`
	Models         []string `yaml:"models"`
	Threshold      *float64 `yaml:"threshold"` // nil means 0.5; 0 accepts every score
	CooldownSec    float64  `yaml:"cooldown_sec"`
	TimeoutSec     float64  `yaml:"timeout_sec"`
	PollIntervalMs int      `yaml:"poll_interval_ms"`
}

// Cooldown is the minimum gap between two accepted detections.
func (c WakeWordConfig) Cooldown() time.Duration { return seconds(c.CooldownSec) }

// Timeout is the inactivity period after which an active session
// returns to listening.
func (c WakeWordConfig) Timeout() time.Duration { return seconds(c.TimeoutSec) }

// PollInterval is the timeout monitor tick.
func (c WakeWordConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// VoiceConfig names the external speech and language engines. Hark
// reports and health-checks them but does not run them.
type VoiceConfig struct {
	LLMProvider  string    `yaml:"llm_provider"`
	OllamaURL    string    `yaml:"ollama_url"`
	OllamaModel  string    `yaml:"ollama_model"`
	STTURL       string    `yaml:"stt_url"`
	WhisperModel string    `yaml:"whisper_model"`
	TTSProvider  string    `yaml:"tts_provider"`
	TTSURL       string    `yaml:"tts_url"`
	TTSVoice     string    `yaml:"tts_voice"`
	TTSSpeed     float64   `yaml:"tts_speed"`
	VAD          VADConfig `yaml:"vad"`
}

// VADConfig holds the voice activity detector defaults. Runtime changes
// made through the control surface are persisted in the settings store
// and take precedence.
type VADConfig struct {
	ActivationThreshold float64 `yaml:"activation_threshold" json:"activation_threshold"`
	MinSpeechDuration   float64 `yaml:"min_speech_duration" json:"min_speech_duration"`
	MinSilenceDuration  float64 `yaml:"min_silence_duration" json:"min_silence_duration"`
}

// MQTTConfig enables Home Assistant telemetry when Broker is set.
type MQTTConfig struct {
	Broker             string `yaml:"broker"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Configured reports whether a broker is set.
func (c MQTTConfig) Configured() bool { return c.Broker != "" }

// Load reads path, expands ${VAR} references, applies defaults and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if p := os.Getenv("MCP_CONFIG_PATH"); p != "" {
		cfg.MCP.ConfigPath = p
	}
	cfg.DataDir = ExpandHome(cfg.DataDir)
	cfg.MCP.ConfigPath = ExpandHome(cfg.MCP.ConfigPath)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.MCP.ConfigPath == "" {
		c.MCP.ConfigPath = "mcp_servers.json"
	}
	if c.MCP.FetchTimeoutSec == 0 {
		c.MCP.FetchTimeoutSec = 10
	}
	if c.MCP.InitTimeoutSec == 0 {
		c.MCP.InitTimeoutSec = 30
	}
	if c.MCP.StopTimeoutSec == 0 {
		c.MCP.StopTimeoutSec = 5
	}

	w := &c.WakeWord
	if len(w.Models) == 0 {
		w.Models = []string{"hey_jarvis_v0.1"}
	}
	if w.EngineURL == "" {
		w.EngineURL = "http://localhost:8765"
	}
	if w.Threshold == nil {
		threshold := 0.5
		w.Threshold = &threshold
	}
	if w.CooldownSec == 0 {
		w.CooldownSec = 2
	}
	if w.TimeoutSec == 0 {
		w.TimeoutSec = 10
	}
	if w.PollIntervalMs == 0 {
		w.PollIntervalMs = 100
	}

	v := &c.Voice
	if v.LLMProvider == "" {
		v.LLMProvider = "ollama"
	}
	if v.OllamaURL == "" {
		v.OllamaURL = "http://localhost:11434"
	}
	if v.OllamaModel == "" {
		v.OllamaModel = "llama3.2"
	}
	if v.WhisperModel == "" {
		v.WhisperModel = "base.en"
	}
	if v.TTSProvider == "" {
		v.TTSProvider = "kokoro"
	}
	if v.TTSURL == "" {
		v.TTSURL = "http://localhost:8880"
	}
	if v.TTSVoice == "" {
		v.TTSVoice = "af_bella"
	}
	if v.TTSSpeed == 0 {
		v.TTSSpeed = 1.0
	}
	if v.VAD.ActivationThreshold == 0 {
		v.VAD.ActivationThreshold = 0.5
	}
	if v.VAD.MinSpeechDuration == 0 {
		v.VAD.MinSpeechDuration = 0.1
	}
	if v.VAD.MinSilenceDuration == 0 {
		v.VAD.MinSilenceDuration = 0.5
	}

	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "hark"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishIntervalSec == 0 {
		c.MQTT.PublishIntervalSec = 60
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}
	if c.MCP.FetchTimeoutSec < 0 || c.MCP.InitTimeoutSec < 0 || c.MCP.StopTimeoutSec < 0 {
		errs = append(errs, errors.New("mcp timeouts must not be negative"))
	}
	if t := c.WakeWord.Threshold; t != nil && (*t < 0 || *t > 1) {
		errs = append(errs, fmt.Errorf("wake_word.threshold %v must be between 0 and 1", *t))
	}
	if c.WakeWord.CooldownSec < 0 || c.WakeWord.TimeoutSec < 0 || c.WakeWord.PollIntervalMs < 0 {
		errs = append(errs, errors.New("wake_word durations must not be negative"))
	}
	if c.MQTT.PublishIntervalSec < 0 {
		errs = append(errs, errors.New("mqtt.publish_interval_sec must not be negative"))
	}
	return errors.Join(errs...)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// ExpandHome replaces a leading ~ or ~/ with the user's home directory.
// Other paths, including ~user forms, are returned unchanged.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
