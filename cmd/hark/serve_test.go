package main

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/nugget/hark/internal/config"
	"github.com/nugget/hark/internal/serverstore"
	"github.com/nugget/hark/internal/settings"
	"github.com/nugget/hark/internal/toolhub"
)

func TestStatsAdapter(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	defer db.Close()
	st, err := settings.New(db)
	if err != nil {
		t.Fatal(err)
	}

	hub := toolhub.NewManager(toolhub.Config{
		Store: serverstore.New(filepath.Join(t.TempDir(), "mcp_servers.json"), nil),
	})
	defer hub.Close()

	a := &statsAdapter{
		hub:      hub,
		settings: settings.NewAgent(st, config.VoiceConfig{OllamaModel: "llama3.2"}),
	}
	if got := a.GateState(); got != "disabled" {
		t.Errorf("GateState = %q, want disabled", got)
	}
	if a.LiveServers() != 0 || a.ToolCount() != 0 {
		t.Errorf("counts = %d %d", a.LiveServers(), a.ToolCount())
	}
	if got := a.LLMModel(); got != "llama3.2" {
		t.Errorf("LLMModel = %q", got)
	}
	if a.Version() == "" {
		t.Error("empty version")
	}
}
