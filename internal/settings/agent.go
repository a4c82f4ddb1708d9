package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nugget/hark/internal/config"
)

const agentNamespace = "agent"

const (
	keySystemPrompt = "system_prompt"
	keyVAD          = "vad_settings"
	keyLLMModel     = "llm_model"
)

// DefaultSystemPrompt is used until a prompt is set.
const DefaultSystemPrompt = `You are Jarvis, a helpful voice assistant.

Key behaviors:
- Keep responses concise and conversational - this is voice, not text
- Be friendly and natural in tone
- When you don't know something, say so directly
- For complex questions, break down the answer into digestible parts
- Use simple language, avoid jargon unless asked

You can help with:
- Answering questions on any topic
- Having casual conversations
- Providing information and explanations
- Helping with tasks and planning

Remember: You're speaking, not writing. Keep it brief and natural.`

// ErrInvalid is returned for a rejected setting value.
var ErrInvalid = errors.New("invalid setting")

// VADUpdate is a partial VAD change. Nil fields are left alone.
type VADUpdate struct {
	ActivationThreshold *float64 `json:"activation_threshold,omitempty"`
	MinSpeechDuration   *float64 `json:"min_speech_duration,omitempty"`
	MinSilenceDuration  *float64 `json:"min_silence_duration,omitempty"`
}

// Validate checks each provided field.
func (u VADUpdate) Validate() error {
	if u.ActivationThreshold == nil && u.MinSpeechDuration == nil && u.MinSilenceDuration == nil {
		return fmt.Errorf("%w: no valid settings provided", ErrInvalid)
	}
	if v := u.ActivationThreshold; v != nil && (*v < 0 || *v > 1) {
		return fmt.Errorf("%w: activation_threshold must be between 0.0 and 1.0", ErrInvalid)
	}
	if v := u.MinSpeechDuration; v != nil && *v < 0 {
		return fmt.Errorf("%w: min_speech_duration must be >= 0", ErrInvalid)
	}
	if v := u.MinSilenceDuration; v != nil && *v < 0 {
		return fmt.Errorf("%w: min_silence_duration must be >= 0", ErrInvalid)
	}
	return nil
}

// Agent is the typed view of the agent namespace. Reads fall back to
// the defaults it was built with.
type Agent struct {
	store    *Store
	defaults config.VoiceConfig

	// mu orders read-modify-write updates of the VAD record.
	mu sync.Mutex
}

// NewAgent returns typed agent settings over store.
func NewAgent(store *Store, defaults config.VoiceConfig) *Agent {
	return &Agent{store: store, defaults: defaults}
}

// SystemPrompt returns the stored prompt or DefaultSystemPrompt.
func (a *Agent) SystemPrompt() (string, error) {
	v, ok, err := a.store.Get(agentNamespace, keySystemPrompt)
	if err != nil {
		return "", err
	}
	if !ok {
		return DefaultSystemPrompt, nil
	}
	return v, nil
}

// SetSystemPrompt stores prompt after trimming. It must not be empty.
func (a *Agent) SetSystemPrompt(prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", fmt.Errorf("%w: system prompt cannot be empty", ErrInvalid)
	}
	if err := a.store.Set(agentNamespace, keySystemPrompt, prompt); err != nil {
		return "", err
	}
	return prompt, nil
}

// VAD returns the stored VAD settings merged over the configured
// defaults.
func (a *Agent) VAD() (config.VADConfig, error) {
	vad := a.defaults.VAD
	raw, ok, err := a.store.Get(agentNamespace, keyVAD)
	if err != nil {
		return vad, err
	}
	if !ok {
		return vad, nil
	}
	if err := json.Unmarshal([]byte(raw), &vad); err != nil {
		return a.defaults.VAD, fmt.Errorf("decode stored vad settings: %w", err)
	}
	return vad, nil
}

// UpdateVAD validates u, applies it and stores the result.
func (a *Agent) UpdateVAD(u VADUpdate) (config.VADConfig, error) {
	if err := u.Validate(); err != nil {
		return config.VADConfig{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	vad, err := a.VAD()
	if err != nil {
		return config.VADConfig{}, err
	}
	if u.ActivationThreshold != nil {
		vad.ActivationThreshold = *u.ActivationThreshold
	}
	if u.MinSpeechDuration != nil {
		vad.MinSpeechDuration = *u.MinSpeechDuration
	}
	if u.MinSilenceDuration != nil {
		vad.MinSilenceDuration = *u.MinSilenceDuration
	}

	data, err := json.Marshal(vad)
	if err != nil {
		return config.VADConfig{}, fmt.Errorf("encode vad settings: %w", err)
	}
	if err := a.store.Set(agentNamespace, keyVAD, string(data)); err != nil {
		return config.VADConfig{}, err
	}
	return vad, nil
}

// LLMModel returns the selected model or the configured one.
func (a *Agent) LLMModel() (string, error) {
	v, ok, err := a.store.Get(agentNamespace, keyLLMModel)
	if err != nil {
		return "", err
	}
	if !ok {
		return a.defaults.OllamaModel, nil
	}
	return v, nil
}

// SetLLMModel records the selected model and returns the previous one.
func (a *Agent) SetLLMModel(model string) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return "", fmt.Errorf("%w: no model specified", ErrInvalid)
	}
	old, err := a.LLMModel()
	if err != nil {
		return "", err
	}
	if err := a.store.Set(agentNamespace, keyLLMModel, model); err != nil {
		return "", err
	}
	return old, nil
}
