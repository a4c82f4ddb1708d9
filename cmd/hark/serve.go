package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql

	"github.com/nugget/hark/internal/buildinfo"
	"github.com/nugget/hark/internal/config"
	"github.com/nugget/hark/internal/connwatch"
	"github.com/nugget/hark/internal/events"
	"github.com/nugget/hark/internal/llm"
	"github.com/nugget/hark/internal/mqtt"
	"github.com/nugget/hark/internal/rpc"
	"github.com/nugget/hark/internal/serverstore"
	"github.com/nugget/hark/internal/settings"
	"github.com/nugget/hark/internal/toolhub"
	"github.com/nugget/hark/internal/wakeword"
)

// runServe runs the agent host until SIGINT or SIGTERM.
//
// Shutdown order: the control server stops accepting, MQTT publishes
// offline, then deferred closes stop the gate, the health watchers, the
// tool server connections and the settings database.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Hark", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Validate already checked the level.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = newLogger(stdout, level, cfg.LogFormat)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"mcp_config", cfg.MCP.ConfigPath,
		"wake_word", cfg.WakeWord.Enabled,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	bus := events.New()

	// --- Settings ---
	dbPath := filepath.Join(cfg.DataDir, "hark.db")
	settingsStore, err := settings.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open settings database %s: %w", dbPath, err)
	}
	defer settingsStore.Close()
	agentSettings := settings.NewAgent(settingsStore, cfg.Voice)
	logger.Info("settings database opened", "path", dbPath)

	// --- Tool servers ---
	store := serverstore.New(cfg.MCP.ConfigPath, logger)
	hub := toolhub.NewManager(toolhub.Config{
		Store: store,
		Dialer: toolhub.NewDialer(toolhub.DialOptions{
			StopTimeout: cfg.MCP.StopTimeout(),
			Logger:      logger,
		}),
		FetchTimeout: cfg.MCP.FetchTimeout(),
		InitTimeout:  cfg.MCP.InitTimeout(),
		Events:       bus,
		Logger:       logger,
	})
	defer hub.Close()

	reconcile := func(ctx context.Context, reason string) error {
		res, err := hub.Reconcile(ctx)
		if err != nil {
			logger.Error("reconcile failed", "reason", reason, "error", err)
			return err
		}
		logger.Info("tool servers reconciled",
			"reason", reason,
			"connected", res.Connected,
			"disconnected", res.Disconnected,
			"reconnected", res.Reconnected,
			"failed", len(res.Failed),
			"live", len(hub.LiveNames()),
		)
		return nil
	}
	reconcile(ctx, "startup")

	// --- External engines ---
	health := connwatch.NewManager(logger, bus)
	defer health.Stop()

	ollama := llm.NewOllamaClient(cfg.Voice.OllamaURL, nil)
	health.Watch(ctx, connwatch.WatcherConfig{
		Name:  "llm",
		URL:   ollama.BaseURL(),
		Probe: ollama.Ping,
		OnReady: func() {
			model, err := agentSettings.LLMModel()
			if err != nil {
				return
			}
			checkCtx, checkCancel := context.WithTimeout(ctx, 10*time.Second)
			defer checkCancel()
			if ok, available, err := ollama.HasModel(checkCtx, model); err == nil && !ok {
				logger.Warn("configured model not pulled", "model", model, "available", available)
			}
		},
	})
	for name, url := range map[string]string{"stt": cfg.Voice.STTURL, "tts": cfg.Voice.TTSURL} {
		if url == "" {
			continue
		}
		health.Watch(ctx, connwatch.WatcherConfig{
			Name:  name,
			URL:   url,
			Probe: connwatch.HTTPProbe(nil, url),
		})
	}

	// --- Wake word gate ---
	var (
		gate     rpc.WakeGate
		sink     rpc.AudioSink
		activity rpc.ActivityRefresher
		session  *wakeword.GatedSession
	)
	if cfg.WakeWord.Enabled {
		engineURL := strings.TrimRight(cfg.WakeWord.EngineURL, "/")
		health.Watch(ctx, connwatch.WatcherConfig{
			Name:  "wake_word",
			URL:   engineURL,
			Probe: connwatch.HTTPProbe(nil, engineURL+"/models"),
		})

		detector := wakeword.NewDetector(wakeword.DetectorConfig{
			Models:    cfg.WakeWord.Models,
			Threshold: cfg.WakeWord.Threshold,
			Cooldown:  cfg.WakeWord.Cooldown(),
			Loader:    wakeword.HTTPModelLoader{URL: engineURL, Logger: logger},
			Logger:    logger,
		})
		session = wakeword.NewGatedSession(wakeword.GateConfig{
			Source:       detector,
			Timeout:      cfg.WakeWord.Timeout(),
			PollInterval: cfg.WakeWord.PollInterval(),
			Events:       bus,
			Logger:       logger,
		})
		session.OnActivate(func(det wakeword.Detection) {
			logger.Info("listening for a request", "wake_word", det.Label)
		})
		session.OnDeactivate(func() {
			logger.Info("request window closed")
		})

		if err := session.Start(ctx); err != nil {
			// The rest of the host is still useful without the gate.
			logger.Error("wake word gate unavailable", "engine_url", engineURL, "error", err)
			session = nil
		} else {
			defer session.Stop()
			gate, sink, activity = session, detector, session
		}
	} else {
		logger.Info("wake word gate disabled")
	}

	// --- Control surface ---
	handlers := rpc.NewHandlers(rpc.HandlersConfig{
		Store:     store,
		Hub:       hub,
		Settings:  agentSettings,
		Gate:      gate,
		Models:    ollama,
		Health:    health,
		WakeModel: strings.Join(cfg.WakeWord.Models, ","),
		Voice:     cfg.Voice,
		Events:    bus,
		Logger:    logger,
		Hooks: rpc.Hooks{
			// The manager serializes passes, so overlapping edits queue.
			ConfigChanged: func(method, server string) {
				go reconcile(ctx, method)
			},
			ModelSwitched: func(oldModel, newModel string) {
				logger.Info("model switch takes effect on the next conversation", "model", newModel)
			},
		},
	})

	// --- MQTT ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		stats := &statsAdapter{gate: session, hub: hub, settings: agentSettings}
		mqttPub = mqtt.New(cfg.MQTT, instanceID, stats, bus, logger)
		mqttPub.SetCommandHandler(func(ctx context.Context, cmd string) error {
			switch cmd {
			case mqtt.CommandReconcile:
				return reconcile(ctx, "mqtt")
			case mqtt.CommandInterrupt:
				_, err := handlers.Dispatch(ctx, "interrupt", nil)
				return err
			}
			return nil
		})
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"interval", cfg.MQTT.PublishIntervalSec,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	server := rpc.NewServer(rpc.ServerConfig{
		Address:  cfg.Listen.Address,
		Port:     cfg.Listen.Port,
		Handlers: handlers,
		Events:   bus,
		Audio:    sink,
		Activity: activity,
		Logger:   logger,
	})

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if mqttPub != nil {
			if err := mqttPub.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("Hark stopped")
	return nil
}

// statsAdapter feeds the MQTT publisher from the live components.
type statsAdapter struct {
	gate     *wakeword.GatedSession
	hub      *toolhub.Manager
	settings *settings.Agent
}

func (a *statsAdapter) Uptime() time.Duration { return buildinfo.Uptime() }
func (a *statsAdapter) Version() string       { return buildinfo.Version }
func (a *statsAdapter) LiveServers() int      { return len(a.hub.LiveNames()) }
func (a *statsAdapter) ToolCount() int        { return a.hub.ToolCount() }

func (a *statsAdapter) GateState() string {
	if a.gate == nil {
		return "disabled"
	}
	return string(a.gate.State())
}

func (a *statsAdapter) LLMModel() string {
	model, err := a.settings.LLMModel()
	if err != nil {
		return "unknown"
	}
	return model
}
