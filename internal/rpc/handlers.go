// Package rpc is Hark's control surface: named operations used by the
// companion UI and CLI to inspect and change the agent at runtime. The
// operations are transport-neutral ([Handlers.Dispatch]); [Server]
// exposes them over HTTP and WebSocket and also ingests microphone audio
// for the wake-word gate.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strings"

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

// ServerStore is the desired-state file. *serverstore.Store implements it.
type ServerStore interface {
	Load() (serverstore.Config, error)
	Get(name string) (serverstore.ServerConfig, error)
	Add(sc serverstore.ServerConfig) error
	Remove(name string) error
	SetEnabled(name string, enabled *bool) (bool, error)
	SetAllowedTools(name string, tools []string) error
}

// ToolHub is the connection manager. *toolhub.Manager implements it.
type ToolHub interface {
	Reconcile(ctx context.Context) (toolhub.Result, error)
	Statuses() map[string]toolhub.ServerStatus
	Catalog(name string) (toolhub.Catalog, bool)
	Catalogs() map[string]toolhub.Catalog
	LiveNames() []string
}

// WakeGate reports the gate state. *wakeword.GatedSession implements it.
type WakeGate interface {
	State() wakeword.State
}

// AgentSettings is the persistent agent configuration.
// *settings.Agent implements it.
type AgentSettings interface {
	SystemPrompt() (string, error)
	SetSystemPrompt(prompt string) (string, error)
	VAD() (config.VADConfig, error)
	UpdateVAD(u settings.VADUpdate) (config.VADConfig, error)
	LLMModel() (string, error)
	SetLLMModel(model string) (string, error)
}

// ModelLister lists the language models on offer. *llm.OllamaClient
// implements it.
type ModelLister interface {
	ListModels(ctx context.Context) ([]llm.Model, error)
}

// HealthReporter reports external engine health. *connwatch.Manager
// implements it.
type HealthReporter interface {
	Status() map[string]connwatch.ServiceStatus
}

// Hooks are notified after a successful change. Every hook is optional
// and runs synchronously on the calling request.
type Hooks struct {
	// ConfigChanged follows every desired-state mutation. serve wires
	// it to a reconcile pass.
	ConfigChanged func(method, server string)
	SystemPrompt  func(prompt string)
	VAD           func(vad config.VADConfig)
	ModelSwitched func(oldModel, newModel string)
	Interrupt     func()
}

// HandlersConfig wires the collaborators. Store, Hub and Settings are
// required; Gate nil means the wake-word gate is disabled.
type HandlersConfig struct {
	Store    ServerStore
	Hub      ToolHub
	Settings AgentSettings
	Gate     WakeGate
	Models   ModelLister
	Health   HealthReporter

	// WakeModel is reported by get_wake_word_state.
	WakeModel string
	Voice     config.VoiceConfig

	Hooks  Hooks
	Events *events.Bus
	Logger *slog.Logger
}

// Error is an operation failure reported to the caller. Code is the
// HTTP status the transport uses.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string { return e.Message }

func badRequest(format string, args ...any) *Error {
	return &Error{Code: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...any) *Error {
	return &Error{Code: http.StatusNotFound, Message: fmt.Sprintf(format, args...)}
}

// Result is an operation's response body. Dispatch adds "success".
type Result map[string]any

type handlerFunc func(ctx context.Context, payload json.RawMessage) (Result, error)

// Handlers implements every control-surface operation.
type Handlers struct {
	cfg     HandlersConfig
	logger  *slog.Logger
	methods map[string]handlerFunc
}

// aliases maps the method names used by older companion apps.
var aliases = map[string]string{
	"list_mcp_servers":  "list_servers",
	"add_mcp_server":    "add_server",
	"remove_mcp_server": "remove_server",
	"toggle_mcp_server": "toggle_server",
	"list_mcp_tools":    "list_tools",
	"toggle_mcp_tool":   "toggle_tool",
}

// NewHandlers builds the method table.
func NewHandlers(cfg HandlersConfig) *Handlers {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{cfg: cfg, logger: logger}
	h.methods = map[string]handlerFunc{
		"list_servers":         h.listServers,
		"add_server":           h.addServer,
		"remove_server":        h.removeServer,
		"toggle_server":        h.toggleServer,
		"update_allowed_tools": h.updateAllowedTools,
		"toggle_tool":          h.toggleTool,
		"reconcile":            h.reconcile,
		"list_tools":           h.listTools,
		"get_wake_word_state":  h.getWakeWordState,
		"get_agent_state":      h.getAgentState,
		"get_system_prompt":    h.getSystemPrompt,
		"set_system_prompt":    h.setSystemPrompt,
		"set_vad_settings":     h.setVADSettings,
		"list_models":          h.listModels,
		"switch_model":         h.switchModel,
		"interrupt":            h.interrupt,
	}
	return h
}

// Methods returns the canonical method names, sorted.
func (h *Handlers) Methods() []string {
	return slices.Sorted(maps.Keys(h.methods))
}

// Dispatch runs method with a JSON payload. An empty payload is treated
// as {}. Failures are returned as *Error.
func (h *Handlers) Dispatch(ctx context.Context, method string, payload json.RawMessage) (Result, error) {
	if canonical, ok := aliases[method]; ok {
		method = canonical
	}
	fn, ok := h.methods[method]
	if !ok {
		return nil, notFound("Unknown method %q", method)
	}

	res, err := fn(ctx, payload)
	if err != nil {
		var rerr *Error
		if !errors.As(err, &rerr) {
			h.logger.Error("rpc method failed", "method", method, "error", err)
			rerr = &Error{Code: http.StatusInternalServerError, Message: err.Error()}
		} else {
			h.logger.Debug("rpc method rejected", "method", method, "error", rerr.Message)
		}
		return nil, rerr
	}
	if res == nil {
		res = Result{}
	}
	res["success"] = true
	return res, nil
}

func decode(payload json.RawMessage, v any) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return badRequest("Invalid payload: %v", err)
	}
	return nil
}

// storeError converts desired-state errors to caller errors.
func storeError(err error, name string) error {
	switch {
	case errors.Is(err, serverstore.ErrNotFound):
		return notFound("Server '%s' not found", name)
	case errors.Is(err, serverstore.ErrDuplicateName), errors.Is(err, serverstore.ErrDuplicateURL):
		return &Error{Code: http.StatusConflict, Message: err.Error()}
	case errors.Is(err, serverstore.ErrInvalid):
		return badRequest("%s", err.Error())
	default:
		return err
	}
}

func (h *Handlers) changed(method, server string) {
	h.cfg.Events.Emit(events.SourceRPC, events.KindConfigChanged, map[string]any{
		"method": method,
		"server": server,
	})
	if fn := h.cfg.Hooks.ConfigChanged; fn != nil {
		fn(method, server)
	}
}

func (h *Handlers) listServers(ctx context.Context, _ json.RawMessage) (Result, error) {
	cfg, err := h.cfg.Store.Load()
	if err != nil {
		return nil, err
	}
	statuses := h.cfg.Hub.Statuses()

	servers := make([]map[string]any, 0, len(cfg.Servers))
	for _, sc := range cfg.Servers {
		st, ok := statuses[sc.Name]
		if !ok {
			st = toolhub.ServerStatus{State: toolhub.StateUnknown}
		}
		if !sc.Enabled {
			st.State = toolhub.StateDisabled
		}

		info := map[string]any{
			"name":          sc.Name,
			"type":          sc.Type,
			"enabled":       sc.Enabled,
			"allowed_tools": sc.AllowedTools,
			"status":        st.State,
			"error":         nilIfEmpty(st.Error),
			"tool_count":    st.ToolCount,
		}
		if sc.Type == mcp.KindNetwork {
			info["url"] = sc.URL
			if len(sc.Headers) > 0 {
				info["headers"] = sc.Headers
			}
		} else {
			info["command"] = sc.Command
			if len(sc.Args) > 0 {
				info["args"] = sc.Args
			}
			if len(sc.Env) > 0 {
				info["env"] = sc.Env
			}
			if sc.Cwd != "" {
				info["cwd"] = sc.Cwd
			}
		}
		servers = append(servers, info)
	}
	return Result{"servers": servers}, nil
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (h *Handlers) addServer(ctx context.Context, payload json.RawMessage) (Result, error) {
	var sc serverstore.ServerConfig
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = json.RawMessage("{}")
	}
	if err := decode(payload, &sc); err != nil {
		return nil, err
	}
	sc.Name = strings.TrimSpace(sc.Name)
	if sc.Name == "" {
		return nil, badRequest("Server name is required")
	}
	switch sc.Type {
	case mcp.KindProcess:
		if sc.Command == "" {
			return nil, badRequest("Command is required for process servers")
		}
	case mcp.KindNetwork:
		if sc.URL == "" {
			return nil, badRequest("URL is required for network servers")
		}
	}

	if err := h.cfg.Store.Add(sc); err != nil {
		return nil, storeError(err, sc.Name)
	}
	h.logger.Info("tool server added", "mcp_server", sc.Name, "type", sc.Type)
	h.changed("add_server", sc.Name)
	return Result{"message": fmt.Sprintf("Server '%s' added", sc.Name)}, nil
}

type namePayload struct {
	Name string `json:"name"`
}

func (h *Handlers) removeServer(ctx context.Context, payload json.RawMessage) (Result, error) {
	var p namePayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, badRequest("Server name is required")
	}
	if err := h.cfg.Store.Remove(p.Name); err != nil {
		return nil, storeError(err, p.Name)
	}
	h.logger.Info("tool server removed", "mcp_server", p.Name)
	h.changed("remove_server", p.Name)
	return Result{"message": fmt.Sprintf("Server '%s' removed", p.Name)}, nil
}

func (h *Handlers) toggleServer(ctx context.Context, payload json.RawMessage) (Result, error) {
	var p struct {
		Name    string `json:"name"`
		Enabled *bool  `json:"enabled"`
	}
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, badRequest("Server name is required")
	}
	enabled, err := h.cfg.Store.SetEnabled(p.Name, p.Enabled)
	if err != nil {
		return nil, storeError(err, p.Name)
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	h.logger.Info("tool server toggled", "mcp_server", p.Name, "enabled", enabled)
	h.changed("toggle_server", p.Name)
	return Result{
		"enabled": enabled,
		"message": fmt.Sprintf("Server '%s' %s", p.Name, state),
	}, nil
}

func (h *Handlers) updateAllowedTools(ctx context.Context, payload json.RawMessage) (Result, error) {
	var p struct {
		Name         string   `json:"name"`
		AllowedTools []string `json:"allowed_tools"`
	}
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, badRequest("Server name is required")
	}
	if err := h.cfg.Store.SetAllowedTools(p.Name, p.AllowedTools); err != nil {
		return nil, storeError(err, p.Name)
	}
	h.changed("update_allowed_tools", p.Name)
	return Result{
		"allowed_tools": p.AllowedTools,
		"message":       fmt.Sprintf("Allowed tools updated for '%s'", p.Name),
	}, nil
}

func (h *Handlers) toggleTool(ctx context.Context, payload json.RawMessage) (Result, error) {
	var p struct {
		Server  string `json:"server"`
		Tool    string `json:"tool"`
		Enabled *bool  `json:"enabled"`
	}
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	switch {
	case p.Server == "":
		return nil, badRequest("Server name is required")
	case p.Tool == "":
		return nil, badRequest("Tool name is required")
	case p.Enabled == nil:
		return nil, badRequest("Enabled state is required")
	}

	sc, err := h.cfg.Store.Get(p.Server)
	if err != nil {
		return nil, storeError(err, p.Server)
	}

	allowed := sc.AllowedTools
	if *p.Enabled {
		if allowed == nil {
			return Result{"message": fmt.Sprintf("Tool '%s' is already enabled", p.Tool)}, nil
		}
		if !slices.Contains(allowed, p.Tool) {
			allowed = append(allowed, p.Tool)
		}
	} else {
		if allowed == nil {
			catalog, _ := h.cfg.Hub.Catalog(p.Server)
			allowed = catalog.Names()
		}
		allowed = slices.DeleteFunc(slices.Clone(allowed), func(name string) bool { return name == p.Tool })
		if allowed == nil {
			allowed = []string{}
		}
	}

	if err := h.cfg.Store.SetAllowedTools(p.Server, allowed); err != nil {
		return nil, storeError(err, p.Server)
	}
	state := "disabled"
	if *p.Enabled {
		state = "enabled"
	}
	h.changed("toggle_tool", p.Server)
	return Result{
		"allowed_tools": allowed,
		"message":       fmt.Sprintf("Tool '%s' %s on '%s'", p.Tool, state, p.Server),
	}, nil
}

// reconcile runs a pass detached from the caller's cancellation. A client
// that disconnects mid-pass must not leave the remaining servers failed.
func (h *Handlers) reconcile(ctx context.Context, _ json.RawMessage) (Result, error) {
	res, err := h.cfg.Hub.Reconcile(context.WithoutCancel(ctx))
	if err != nil {
		return nil, err
	}
	failed := res.Failed
	if failed == nil {
		failed = map[string]string{}
	}
	return Result{
		"connected":    orEmpty(res.Connected),
		"disconnected": orEmpty(res.Disconnected),
		"reconnected":  orEmpty(res.Reconnected),
		"failed":       failed,
		"live":         h.cfg.Hub.LiveNames(),
	}, nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (h *Handlers) listTools(ctx context.Context, payload json.RawMessage) (Result, error) {
	var p namePayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}

	if p.Name == "" {
		catalogs := h.cfg.Hub.Catalogs()
		tools := make([]map[string]any, 0)
		for _, server := range slices.Sorted(maps.Keys(catalogs)) {
			for _, t := range catalogs[server] {
				tools = append(tools, map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"server":      server,
				})
			}
		}
		return Result{"tools": tools, "count": len(tools)}, nil
	}

	sc, err := h.cfg.Store.Get(p.Name)
	if err != nil {
		return nil, storeError(err, p.Name)
	}
	catalog, _ := h.cfg.Hub.Catalog(p.Name)
	tools := make([]map[string]any, 0, len(catalog))
	for _, t := range catalog {
		tools = append(tools, map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"enabled":     sc.ToolAllowed(t.Name),
		})
	}
	return Result{"server": p.Name, "tools": tools, "count": len(tools)}, nil
}

// wakeState is "disabled" when no gate is running.
func (h *Handlers) wakeState() (enabled bool, state string) {
	if h.cfg.Gate == nil {
		return false, "disabled"
	}
	return true, string(h.cfg.Gate.State())
}

func (h *Handlers) getWakeWordState(ctx context.Context, _ json.RawMessage) (Result, error) {
	enabled, state := h.wakeState()
	return Result{
		"enabled": enabled,
		"state":   state,
		"model":   h.cfg.WakeModel,
	}, nil
}

func (h *Handlers) getAgentState(ctx context.Context, _ json.RawMessage) (Result, error) {
	model, err := h.cfg.Settings.LLMModel()
	if err != nil {
		return nil, err
	}
	vad, err := h.cfg.Settings.VAD()
	if err != nil {
		return nil, err
	}
	enabled, state := h.wakeState()

	res := Result{
		"llm_provider":      h.cfg.Voice.LLMProvider,
		"llm_model":         model,
		"stt_model":         h.cfg.Voice.WhisperModel,
		"tts_provider":      h.cfg.Voice.TTSProvider,
		"tts_voice":         h.cfg.Voice.TTSVoice,
		"vad_settings":      vad,
		"mcp_servers_count": len(h.cfg.Hub.LiveNames()),
		"wake_word_enabled": enabled,
		"wake_word_state":   state,
		"wake_word_model":   h.cfg.WakeModel,
	}
	if h.cfg.Health != nil {
		res["services"] = h.cfg.Health.Status()
	}
	return res, nil
}

func (h *Handlers) getSystemPrompt(ctx context.Context, _ json.RawMessage) (Result, error) {
	prompt, err := h.cfg.Settings.SystemPrompt()
	if err != nil {
		return nil, err
	}
	return Result{"system_prompt": prompt}, nil
}

func settingsError(err error) error {
	if errors.Is(err, settings.ErrInvalid) {
		return badRequest("%s", strings.TrimPrefix(err.Error(), settings.ErrInvalid.Error()+": "))
	}
	return err
}

func (h *Handlers) setSystemPrompt(ctx context.Context, payload json.RawMessage) (Result, error) {
	var p struct {
		SystemPrompt string `json:"system_prompt"`
	}
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	prompt, err := h.cfg.Settings.SetSystemPrompt(p.SystemPrompt)
	if err != nil {
		return nil, settingsError(err)
	}
	h.logger.Info("system prompt updated", "length", len(prompt))
	h.cfg.Events.Emit(events.SourceRPC, events.KindSettingsChanged, map[string]any{"key": "system_prompt"})
	if fn := h.cfg.Hooks.SystemPrompt; fn != nil {
		fn(prompt)
	}
	return Result{"system_prompt": prompt}, nil
}

func (h *Handlers) setVADSettings(ctx context.Context, payload json.RawMessage) (Result, error) {
	var u settings.VADUpdate
	if err := decode(payload, &u); err != nil {
		return nil, err
	}
	vad, err := h.cfg.Settings.UpdateVAD(u)
	if err != nil {
		return nil, settingsError(err)
	}
	h.logger.Info("vad settings updated",
		"activation_threshold", vad.ActivationThreshold,
		"min_speech_duration", vad.MinSpeechDuration,
		"min_silence_duration", vad.MinSilenceDuration,
	)
	h.cfg.Events.Emit(events.SourceRPC, events.KindSettingsChanged, map[string]any{"key": "vad_settings"})
	if fn := h.cfg.Hooks.VAD; fn != nil {
		fn(vad)
	}
	return Result{"settings": vad}, nil
}

func (h *Handlers) listModels(ctx context.Context, _ json.RawMessage) (Result, error) {
	if h.cfg.Models == nil {
		return nil, &Error{Code: http.StatusServiceUnavailable, Message: "No model server configured"}
	}
	models, err := h.cfg.Models.ListModels(ctx)
	if err != nil {
		return nil, &Error{Code: http.StatusBadGateway, Message: fmt.Sprintf("List models: %v", err)}
	}
	current, err := h.cfg.Settings.LLMModel()
	if err != nil {
		return nil, err
	}
	return Result{"models": models, "current_model": current}, nil
}

func (h *Handlers) switchModel(ctx context.Context, payload json.RawMessage) (Result, error) {
	var p struct {
		Model string `json:"model"`
	}
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	p.Model = strings.TrimSpace(p.Model)
	if p.Model == "" {
		return nil, badRequest("No model specified")
	}

	if h.cfg.Models != nil {
		models, err := h.cfg.Models.ListModels(ctx)
		if err != nil {
			return nil, &Error{Code: http.StatusBadGateway, Message: fmt.Sprintf("List models: %v", err)}
		}
		names := make([]string, len(models))
		for i, m := range models {
			names[i] = m.Name
		}
		if !slices.Contains(names, p.Model) {
			return nil, badRequest("Model '%s' not available. Available: %v", p.Model, names)
		}
	}

	old, err := h.cfg.Settings.SetLLMModel(p.Model)
	if err != nil {
		return nil, settingsError(err)
	}
	h.logger.Info("language model switched", "old_model", old, "new_model", p.Model)
	h.cfg.Events.Emit(events.SourceAgent, events.KindModelChanged, map[string]any{
		"old_model": old,
		"new_model": p.Model,
	})
	if fn := h.cfg.Hooks.ModelSwitched; fn != nil {
		fn(old, p.Model)
	}
	return Result{"old_model": old, "new_model": p.Model}, nil
}

func (h *Handlers) interrupt(ctx context.Context, _ json.RawMessage) (Result, error) {
	h.cfg.Events.Emit(events.SourceAgent, events.KindInterrupt, nil)
	if fn := h.cfg.Hooks.Interrupt; fn != nil {
		fn()
	}
	return Result{"message": "Interrupted"}, nil
}
