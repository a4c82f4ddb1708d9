package rpc

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/nugget/hark/internal/config"
	"github.com/nugget/hark/internal/connwatch"
	"github.com/nugget/hark/internal/events"
	"github.com/nugget/hark/internal/llm"
	"github.com/nugget/hark/internal/mcp"
	"github.com/nugget/hark/internal/serverstore"
	"github.com/nugget/hark/internal/settings"
	"github.com/nugget/hark/internal/toolhub"
	"github.com/nugget/hark/internal/wakeword"
)

type fakeHub struct {
	mu         sync.Mutex
	statuses   map[string]toolhub.ServerStatus
	catalogs   map[string]toolhub.Catalog
	reconciles int
	ctxErr     error
	result     toolhub.Result
	err        error
}

func (h *fakeHub) Reconcile(ctx context.Context) (toolhub.Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reconciles++
	h.ctxErr = ctx.Err()
	return h.result, h.err
}

func (h *fakeHub) Statuses() map[string]toolhub.ServerStatus { return h.statuses }

func (h *fakeHub) Catalog(name string) (toolhub.Catalog, bool) {
	c, ok := h.catalogs[name]
	return c, ok
}

func (h *fakeHub) Catalogs() map[string]toolhub.Catalog { return h.catalogs }

func (h *fakeHub) LiveNames() []string {
	names := make([]string, 0, len(h.catalogs))
	for name := range h.catalogs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

type fakeGate struct{ state wakeword.State }

func (g fakeGate) State() wakeword.State { return g.state }

type fakeModels struct {
	models []llm.Model
	err    error
}

func (m fakeModels) ListModels(context.Context) ([]llm.Model, error) { return m.models, m.err }

type fakeHealth map[string]connwatch.ServiceStatus

func (h fakeHealth) Status() map[string]connwatch.ServiceStatus { return h }

type harness struct {
	h       *Handlers
	store   *serverstore.Store
	hub     *fakeHub
	changes []string
	bus     *events.Bus
}

func voiceDefaults() config.VoiceConfig {
	return config.VoiceConfig{
		LLMProvider:  "ollama",
		OllamaModel:  "llama3.2:3b",
		WhisperModel: "small",
		TTSProvider:  "kokoro",
		TTSVoice:     "af_heart",
		VAD: config.VADConfig{
			ActivationThreshold: 0.5,
			MinSpeechDuration:   0.1,
			MinSilenceDuration:  0.5,
		},
	}
}

func newHarness(t *testing.T, mutate func(*HandlersConfig)) *harness {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	ss, err := settings.New(db)
	if err != nil {
		t.Fatal(err)
	}

	hs := &harness{
		store: serverstore.New(filepath.Join(t.TempDir(), "mcp_servers.json"), nil),
		hub: &fakeHub{
			statuses: map[string]toolhub.ServerStatus{},
			catalogs: map[string]toolhub.Catalog{},
		},
		bus: events.New(),
	}
	cfg := HandlersConfig{
		Store:     hs.store,
		Hub:       hs.hub,
		Settings:  settings.NewAgent(ss, voiceDefaults()),
		Gate:      fakeGate{state: wakeword.StateListening},
		Models:    fakeModels{models: []llm.Model{{Name: "llama3.2:3b"}, {Name: "qwen2.5:7b"}}},
		WakeModel: "hey_jarvis_v0.1",
		Voice:     voiceDefaults(),
		Events:    hs.bus,
		Hooks: Hooks{
			ConfigChanged: func(method, server string) {
				hs.changes = append(hs.changes, method+":"+server)
			},
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	hs.h = NewHandlers(cfg)
	return hs
}

func (hs *harness) call(t *testing.T, method string, payload any) Result {
	t.Helper()
	res, err := hs.dispatch(method, payload)
	if err != nil {
		t.Fatalf("%s: %v", method, err)
	}
	return res
}

func (hs *harness) dispatch(method string, payload any) (Result, error) {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	return hs.h.Dispatch(context.Background(), method, raw)
}

func wantCode(t *testing.T, err error, code int) {
	t.Helper()
	var rerr *Error
	if !errors.As(err, &rerr) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if rerr.Code != code {
		t.Errorf("code = %d (%s), want %d", rerr.Code, rerr.Message, code)
	}
}

func TestDispatch_UnknownMethod(t *testing.T) {
	hs := newHarness(t, nil)
	_, err := hs.dispatch("format_disk", nil)
	wantCode(t, err, http.StatusNotFound)
}

func TestDispatch_Aliases(t *testing.T) {
	hs := newHarness(t, nil)
	res := hs.call(t, "list_mcp_servers", nil)
	if res["success"] != true {
		t.Errorf("success = %v", res["success"])
	}
	if servers := res["servers"].([]map[string]any); len(servers) != 0 {
		t.Errorf("servers = %v", servers)
	}
}

func TestDispatch_InvalidPayload(t *testing.T) {
	hs := newHarness(t, nil)
	_, err := hs.h.Dispatch(context.Background(), "remove_server", json.RawMessage(`{"name":`))
	wantCode(t, err, http.StatusBadRequest)
}

func TestMethods(t *testing.T) {
	hs := newHarness(t, nil)
	methods := hs.h.Methods()
	if !slices.IsSorted(methods) {
		t.Errorf("methods not sorted: %v", methods)
	}
	for _, want := range []string{"add_server", "reconcile", "switch_model", "get_agent_state"} {
		if !slices.Contains(methods, want) {
			t.Errorf("missing %s", want)
		}
	}
	for alias := range aliases {
		if slices.Contains(methods, alias) {
			t.Errorf("alias %s listed as a method", alias)
		}
	}
}

func TestAddServer(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
		code    int
	}{
		{"missing name", map[string]any{"type": "process", "command": "x"}, http.StatusBadRequest},
		{"blank name", map[string]any{"name": "  ", "type": "process", "command": "x"}, http.StatusBadRequest},
		{"process without command", map[string]any{"name": "fs", "type": "process"}, http.StatusBadRequest},
		{"network without url", map[string]any{"name": "web", "type": "network"}, http.StatusBadRequest},
		{"unknown type", map[string]any{"name": "odd", "type": "carrier_pigeon"}, http.StatusBadRequest},
		{"legacy stdio", map[string]any{"name": "fs", "type": "stdio", "command": "mcp-fs"}, 0},
		{"legacy http", map[string]any{"name": "web", "type": "http", "url": "http://localhost:9000/mcp"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs := newHarness(t, nil)
			res, err := hs.dispatch("add_server", tt.payload)
			if tt.code != 0 {
				wantCode(t, err, tt.code)
				if len(hs.changes) != 0 {
					t.Errorf("rejected add reported a change: %v", hs.changes)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if res["message"] == "" {
				t.Error("no message")
			}
			if len(hs.changes) != 1 || hs.changes[0] != "add_server:"+tt.payload["name"].(string) {
				t.Errorf("changes = %v", hs.changes)
			}
		})
	}
}

func TestAddServer_NormalizesAndDefaults(t *testing.T) {
	hs := newHarness(t, nil)
	hs.call(t, "add_server", map[string]any{"name": "fs", "type": "stdio", "command": "mcp-fs"})

	sc, err := hs.store.Get("fs")
	if err != nil {
		t.Fatal(err)
	}
	if sc.Type != mcp.KindProcess || !sc.Enabled || sc.AllowedTools != nil {
		t.Errorf("stored = %+v", sc)
	}
}

func TestAddServer_Duplicate(t *testing.T) {
	hs := newHarness(t, nil)
	hs.call(t, "add_server", map[string]any{"name": "web", "type": "network", "url": "http://a/mcp"})

	_, err := hs.dispatch("add_server", map[string]any{"name": "web", "type": "network", "url": "http://b/mcp"})
	wantCode(t, err, http.StatusConflict)
	_, err = hs.dispatch("add_server", map[string]any{"name": "web2", "type": "network", "url": "http://a/mcp"})
	wantCode(t, err, http.StatusConflict)
}

func TestRemoveServer(t *testing.T) {
	hs := newHarness(t, nil)
	_, err := hs.dispatch("remove_server", map[string]any{"name": "ghost"})
	wantCode(t, err, http.StatusNotFound)

	hs.call(t, "add_server", map[string]any{"name": "fs", "type": "process", "command": "mcp-fs"})
	hs.call(t, "remove_server", map[string]any{"name": "fs"})
	if _, err := hs.store.Get("fs"); !errors.Is(err, serverstore.ErrNotFound) {
		t.Errorf("Get after remove = %v", err)
	}
	if !slices.Equal(hs.changes, []string{"add_server:fs", "remove_server:fs"}) {
		t.Errorf("changes = %v", hs.changes)
	}
}

func TestToggleServer(t *testing.T) {
	hs := newHarness(t, nil)
	hs.call(t, "add_server", map[string]any{"name": "fs", "type": "process", "command": "mcp-fs"})

	res := hs.call(t, "toggle_server", map[string]any{"name": "fs"})
	if res["enabled"] != false {
		t.Errorf("flip = %v", res["enabled"])
	}
	res = hs.call(t, "toggle_server", map[string]any{"name": "fs", "enabled": false})
	if res["enabled"] != false {
		t.Errorf("explicit false = %v", res["enabled"])
	}
	res = hs.call(t, "toggle_mcp_server", map[string]any{"name": "fs"})
	if res["enabled"] != true {
		t.Errorf("flip back = %v", res["enabled"])
	}

	_, err := hs.dispatch("toggle_server", map[string]any{"name": "ghost"})
	wantCode(t, err, http.StatusNotFound)
}

func TestListServers(t *testing.T) {
	hs := newHarness(t, nil)
	hs.call(t, "add_server", map[string]any{"name": "fs", "type": "process", "command": "mcp-fs", "args": []string{"/srv"}})
	hs.call(t, "add_server", map[string]any{"name": "web", "type": "network", "url": "http://a/mcp", "enabled": false})
	hs.call(t, "add_server", map[string]any{"name": "new", "type": "network", "url": "http://b/mcp"})
	hs.hub.statuses["fs"] = toolhub.ServerStatus{State: toolhub.StateConnected, ToolCount: 3}
	hs.hub.statuses["web"] = toolhub.ServerStatus{State: toolhub.StateError, Error: "refused"}

	servers := hs.call(t, "list_servers", nil)["servers"].([]map[string]any)
	if len(servers) != 3 {
		t.Fatalf("servers = %d", len(servers))
	}
	byName := map[string]map[string]any{}
	for _, s := range servers {
		byName[s["name"].(string)] = s
	}

	fs := byName["fs"]
	if fs["status"] != toolhub.StateConnected || fs["tool_count"] != 3 || fs["error"] != nil {
		t.Errorf("fs = %v", fs)
	}
	if fs["command"] != "mcp-fs" || fs["url"] != nil {
		t.Errorf("fs fields = %v", fs)
	}
	if web := byName["web"]; web["status"] != toolhub.StateDisabled || web["url"] != "http://a/mcp" {
		t.Errorf("web = %v", web)
	}
	if n := byName["new"]; n["status"] != toolhub.StateUnknown {
		t.Errorf("new = %v", n)
	}
}

func TestToggleTool(t *testing.T) {
	hs := newHarness(t, nil)
	hs.call(t, "add_server", map[string]any{"name": "fs", "type": "process", "command": "mcp-fs"})
	hs.hub.catalogs["fs"] = toolhub.Catalog{{Name: "read"}, {Name: "write"}, {Name: "delete"}}

	res := hs.call(t, "toggle_tool", map[string]any{"server": "fs", "tool": "read", "enabled": true})
	if res["allowed_tools"] != nil {
		t.Errorf("enabling under allow-all changed the list: %v", res["allowed_tools"])
	}

	hs.call(t, "toggle_tool", map[string]any{"server": "fs", "tool": "delete", "enabled": false})
	sc, _ := hs.store.Get("fs")
	if !slices.Equal(sc.AllowedTools, []string{"read", "write"}) {
		t.Fatalf("after disable = %v", sc.AllowedTools)
	}

	hs.call(t, "toggle_mcp_tool", map[string]any{"server": "fs", "tool": "delete", "enabled": true})
	sc, _ = hs.store.Get("fs")
	if !slices.Equal(sc.AllowedTools, []string{"read", "write", "delete"}) {
		t.Errorf("after enable = %v", sc.AllowedTools)
	}

	hs.call(t, "update_allowed_tools", map[string]any{"name": "fs", "allowed_tools": []string{"read"}})
	hs.call(t, "toggle_tool", map[string]any{"server": "fs", "tool": "read", "enabled": false})
	sc, _ = hs.store.Get("fs")
	if sc.AllowedTools == nil || len(sc.AllowedTools) != 0 {
		t.Errorf("disabling the last tool = %#v, want empty non-nil", sc.AllowedTools)
	}
}

func TestToggleTool_Validation(t *testing.T) {
	hs := newHarness(t, nil)
	tests := []struct {
		payload map[string]any
		code    int
	}{
		{map[string]any{"tool": "read", "enabled": true}, http.StatusBadRequest},
		{map[string]any{"server": "fs", "enabled": true}, http.StatusBadRequest},
		{map[string]any{"server": "fs", "tool": "read"}, http.StatusBadRequest},
		{map[string]any{"server": "ghost", "tool": "read", "enabled": true}, http.StatusNotFound},
	}
	for _, tt := range tests {
		_, err := hs.dispatch("toggle_tool", tt.payload)
		wantCode(t, err, tt.code)
	}
}

func TestUpdateAllowedTools_NullAllowsAll(t *testing.T) {
	hs := newHarness(t, nil)
	hs.call(t, "add_server", map[string]any{"name": "fs", "type": "process", "command": "mcp-fs", "allowed_tools": []string{"read"}})
	hs.call(t, "update_allowed_tools", map[string]any{"name": "fs", "allowed_tools": nil})
	sc, _ := hs.store.Get("fs")
	if sc.AllowedTools != nil {
		t.Errorf("allowed_tools = %#v, want nil", sc.AllowedTools)
	}
}

func TestListTools(t *testing.T) {
	hs := newHarness(t, nil)
	hs.call(t, "add_server", map[string]any{"name": "fs", "type": "process", "command": "mcp-fs", "allowed_tools": []string{"read"}})
	hs.hub.catalogs["fs"] = toolhub.Catalog{{Name: "read", Description: "Read a file"}, {Name: "write"}}
	hs.hub.catalogs["web"] = toolhub.Catalog{{Name: "fetch"}}

	res := hs.call(t, "list_tools", map[string]any{"name": "fs"})
	tools := res["tools"].([]map[string]any)
	if res["count"] != 2 || res["server"] != "fs" {
		t.Fatalf("res = %v", res)
	}
	if tools[0]["enabled"] != true || tools[1]["enabled"] != false {
		t.Errorf("tools = %v", tools)
	}

	res = hs.call(t, "list_tools", nil)
	tools = res["tools"].([]map[string]any)
	if res["count"] != 3 || tools[0]["server"] != "fs" || tools[2]["server"] != "web" {
		t.Errorf("all tools = %v", tools)
	}

	_, err := hs.dispatch("list_tools", map[string]any{"name": "ghost"})
	wantCode(t, err, http.StatusNotFound)
}

func TestReconcile(t *testing.T) {
	hs := newHarness(t, nil)
	hs.hub.result = toolhub.Result{Connected: []string{"fs"}}
	hs.hub.catalogs["fs"] = toolhub.Catalog{}

	res := hs.call(t, "reconcile", nil)
	if hs.hub.reconciles != 1 {
		t.Errorf("reconciles = %d", hs.hub.reconciles)
	}
	if !slices.Equal(res["connected"].([]string), []string{"fs"}) {
		t.Errorf("connected = %v", res["connected"])
	}
	if res["disconnected"] == nil || res["failed"] == nil {
		t.Errorf("nil collections in %v", res)
	}

	hs.hub.err = errors.New("load failed")
	_, err := hs.dispatch("reconcile", nil)
	wantCode(t, err, http.StatusInternalServerError)
}

func TestReconcile_IgnoresCallerCancellation(t *testing.T) {
	hs := newHarness(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := hs.h.Dispatch(ctx, "reconcile", nil); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if hs.hub.reconciles != 1 {
		t.Fatalf("reconciles = %d", hs.hub.reconciles)
	}
	if hs.hub.ctxErr != nil {
		t.Errorf("pass saw caller cancellation: %v", hs.hub.ctxErr)
	}
}

func TestWakeWordState(t *testing.T) {
	hs := newHarness(t, nil)
	res := hs.call(t, "get_wake_word_state", nil)
	if res["enabled"] != true || res["state"] != "listening" || res["model"] != "hey_jarvis_v0.1" {
		t.Errorf("res = %v", res)
	}

	hs = newHarness(t, func(c *HandlersConfig) { c.Gate = nil })
	res = hs.call(t, "get_wake_word_state", nil)
	if res["enabled"] != false || res["state"] != "disabled" {
		t.Errorf("disabled res = %v", res)
	}
}

func TestAgentState(t *testing.T) {
	hs := newHarness(t, func(c *HandlersConfig) {
		c.Health = fakeHealth{"llm": {Name: "llm", Ready: true}}
	})
	hs.hub.catalogs["fs"] = toolhub.Catalog{}

	res := hs.call(t, "get_agent_state", nil)
	checks := map[string]any{
		"llm_provider":      "ollama",
		"llm_model":         "llama3.2:3b",
		"stt_model":         "small",
		"tts_provider":      "kokoro",
		"tts_voice":         "af_heart",
		"mcp_servers_count": 1,
		"wake_word_enabled": true,
		"wake_word_state":   "listening",
	}
	for k, want := range checks {
		if res[k] != want {
			t.Errorf("%s = %v, want %v", k, res[k], want)
		}
	}
	if vad := res["vad_settings"].(config.VADConfig); vad.ActivationThreshold != 0.5 {
		t.Errorf("vad = %+v", vad)
	}
	if _, ok := res["services"].(map[string]connwatch.ServiceStatus)["llm"]; !ok {
		t.Errorf("services = %v", res["services"])
	}
}

func TestSystemPrompt(t *testing.T) {
	var hooked string
	hs := newHarness(t, func(c *HandlersConfig) {
		c.Hooks.SystemPrompt = func(p string) { hooked = p }
	})
	ch := hs.bus.Subscribe(4)
	defer hs.bus.Unsubscribe(ch)

	if got := hs.call(t, "get_system_prompt", nil)["system_prompt"]; got != settings.DefaultSystemPrompt {
		t.Errorf("default prompt = %q", got)
	}

	_, err := hs.dispatch("set_system_prompt", map[string]any{"system_prompt": "   "})
	wantCode(t, err, http.StatusBadRequest)

	res := hs.call(t, "set_system_prompt", map[string]any{"system_prompt": "  Be brief.  "})
	if res["system_prompt"] != "Be brief." || hooked != "Be brief." {
		t.Errorf("set = %v, hook = %q", res["system_prompt"], hooked)
	}
	if got := hs.call(t, "get_system_prompt", nil)["system_prompt"]; got != "Be brief." {
		t.Errorf("persisted = %q", got)
	}
	if e := <-ch; e.Kind != events.KindSettingsChanged || e.Data["key"] != "system_prompt" {
		t.Errorf("event = %+v", e)
	}
}

func TestSetVADSettings(t *testing.T) {
	hs := newHarness(t, nil)
	tests := []struct {
		name    string
		payload map[string]any
		wantErr string
	}{
		{"empty", map[string]any{}, "no valid settings provided"},
		{"threshold too high", map[string]any{"activation_threshold": 1.5}, "activation_threshold must be between 0.0 and 1.0"},
		{"negative speech", map[string]any{"min_speech_duration": -1}, "min_speech_duration must be >= 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := hs.dispatch("set_vad_settings", tt.payload)
			wantCode(t, err, http.StatusBadRequest)
			if err.Error() != tt.wantErr {
				t.Errorf("message = %q, want %q", err.Error(), tt.wantErr)
			}
		})
	}

	res := hs.call(t, "set_vad_settings", map[string]any{"activation_threshold": 0.7})
	vad := res["settings"].(config.VADConfig)
	if vad.ActivationThreshold != 0.7 || vad.MinSilenceDuration != 0.5 {
		t.Errorf("merged = %+v", vad)
	}
}

func TestListModels(t *testing.T) {
	hs := newHarness(t, nil)
	res := hs.call(t, "list_models", nil)
	if len(res["models"].([]llm.Model)) != 2 || res["current_model"] != "llama3.2:3b" {
		t.Errorf("res = %v", res)
	}

	hs = newHarness(t, func(c *HandlersConfig) { c.Models = nil })
	_, err := hs.dispatch("list_models", nil)
	wantCode(t, err, http.StatusServiceUnavailable)

	hs = newHarness(t, func(c *HandlersConfig) { c.Models = fakeModels{err: errors.New("refused")} })
	_, err = hs.dispatch("list_models", nil)
	wantCode(t, err, http.StatusBadGateway)
}

func TestSwitchModel(t *testing.T) {
	var switched [2]string
	hs := newHarness(t, func(c *HandlersConfig) {
		c.Hooks.ModelSwitched = func(o, n string) { switched = [2]string{o, n} }
	})
	ch := hs.bus.Subscribe(4)
	defer hs.bus.Unsubscribe(ch)

	_, err := hs.dispatch("switch_model", map[string]any{"model": ""})
	wantCode(t, err, http.StatusBadRequest)
	_, err = hs.dispatch("switch_model", map[string]any{"model": "gpt-5"})
	wantCode(t, err, http.StatusBadRequest)

	res := hs.call(t, "switch_model", map[string]any{"model": "qwen2.5:7b"})
	if res["old_model"] != "llama3.2:3b" || res["new_model"] != "qwen2.5:7b" {
		t.Errorf("res = %v", res)
	}
	if switched != [2]string{"llama3.2:3b", "qwen2.5:7b"} {
		t.Errorf("hook = %v", switched)
	}
	if e := <-ch; e.Kind != events.KindModelChanged || e.Data["new_model"] != "qwen2.5:7b" {
		t.Errorf("event = %+v", e)
	}
	if got := hs.call(t, "get_agent_state", nil)["llm_model"]; got != "qwen2.5:7b" {
		t.Errorf("llm_model after switch = %v", got)
	}
}

func TestInterrupt(t *testing.T) {
	called := false
	hs := newHarness(t, func(c *HandlersConfig) { c.Hooks.Interrupt = func() { called = true } })
	ch := hs.bus.Subscribe(1)
	defer hs.bus.Unsubscribe(ch)

	res := hs.call(t, "interrupt", nil)
	if !called || res["message"] != "Interrupted" {
		t.Errorf("called = %v, res = %v", called, res)
	}
	if e := <-ch; e.Source != events.SourceAgent || e.Kind != events.KindInterrupt {
		t.Errorf("event = %+v", e)
	}
}
