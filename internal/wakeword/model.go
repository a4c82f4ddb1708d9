package wakeword

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/nugget/hark/internal/audio"
	"github.com/nugget/hark/internal/httpkit"
)

// Model scores one frame against every loaded wake word.
type Model interface {
	// Predict returns a confidence in [0, 1] per label for one frame of
	// FrameSize samples.
	Predict(ctx context.Context, frame []int16) (map[string]float64, error)

	// Reset clears any state the model carries between frames.
	Reset(ctx context.Context) error

	Close() error
}

// ModelLoader loads the named wake-word models.
type ModelLoader interface {
	Load(ctx context.Context, names []string) (Model, error)
}

// LoaderFunc adapts a function to ModelLoader.
type LoaderFunc func(ctx context.Context, names []string) (Model, error)

func (f LoaderFunc) Load(ctx context.Context, names []string) (Model, error) { return f(ctx, names) }

// HTTPModelLoader loads models hosted by a spotting engine reached over
// HTTP. The engine lists its models at GET /models and scores frames at
// POST /predict.
type HTTPModelLoader struct {
	URL    string
	Client *http.Client
	Logger *slog.Logger
}

type modelsResponse struct {
	Models []string `json:"models"`
}

// Load checks that every name is served by the engine and returns a
// model bound to those names.
func (l HTTPModelLoader) Load(ctx context.Context, names []string) (Model, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("no wake word models requested")
	}
	base := strings.TrimRight(l.URL, "/")
	if base == "" {
		return nil, fmt.Errorf("wake word engine url not configured")
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := l.Client
	if client == nil {
		client = httpkit.NewClient(httpkit.WithLogger(logger))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list wake word models: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("wake word engine returned %d: %s",
			resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var available modelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&available); err != nil {
		return nil, fmt.Errorf("decode model list: %w", err)
	}
	for _, name := range names {
		if !slices.Contains(available.Models, name) {
			return nil, fmt.Errorf("wake word model %q not available (engine has %v)", name, available.Models)
		}
	}

	logger.Info("wake word models loaded", "engine", base, "models", names)
	return &HTTPModel{
		base:   base,
		models: strings.Join(names, ","),
		client: client,
	}, nil
}

// HTTPModel is a Model served by a remote spotting engine. Frames are
// posted as PCM16 little-endian; the engine answers with a JSON object
// mapping label to confidence.
type HTTPModel struct {
	base   string
	models string
	client *http.Client
}

func (m *HTTPModel) Predict(ctx context.Context, frame []int16) (map[string]float64, error) {
	u := m.base + "/predict?models=" + url.QueryEscape(m.models)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(audio.EncodePCM16(frame)))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("predict returned %d: %s",
			resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var scores map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&scores); err != nil {
		return nil, fmt.Errorf("decode scores: %w", err)
	}
	return scores, nil
}

func (m *HTTPModel) Reset(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.base+"/reset", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("reset returned %d", resp.StatusCode)
	}
	return nil
}

func (m *HTTPModel) Close() error { return nil }
