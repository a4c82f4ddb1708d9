package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"

	"github.com/nugget/hark/internal/config"
	"github.com/nugget/hark/internal/httpkit"
)

// sessionHeader carries the server-assigned session id on every request
// after the first response that set it.
const sessionHeader = "Mcp-Session-Id"

const maxResponseBytes = 10 << 20

// NetworkConfig describes a tool server reached over streamable HTTP.
type NetworkConfig struct {
	URL     string
	Headers map[string]string

	// HTTPClient overrides the default httpkit client.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NetworkTransport posts JSON-RPC messages to a streamable HTTP
// endpoint. Replies may arrive as a JSON body or as a server-sent event
// stream; both are accepted.
type NetworkTransport struct {
	url     string
	headers map[string]string
	client  *http.Client
	logger  *slog.Logger

	mu        sync.RWMutex
	sessionID string
}

// NewNetworkTransport returns a transport for cfg. No request is made.
func NewNetworkTransport(cfg NetworkConfig) *NetworkTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = httpkit.NewClient(httpkit.WithLogger(logger))
	}
	return &NetworkTransport{
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  client,
		logger:  logger,
	}
}

// Send posts req and decodes the matching reply.
func (t *NetworkTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	resp, err := t.post(ctx, req, "application/json, text/event-stream")
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("tool server returned %d: %s",
			resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	ct, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if ct == "text/event-stream" {
		return readEventStream(resp.Body, req.ID)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

// Notify posts n. Servers answer 200 or 202.
func (t *NetworkTransport) Notify(ctx context.Context, n *Notification) error {
	resp, err := t.post(ctx, n, "application/json, text/event-stream")
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("tool server returned %d for %s: %s",
			resp.StatusCode, n.Method, httpkit.ReadErrorBody(resp.Body, 4096))
	}
	return nil
}

// Close forgets the session. Pooled connections belong to the shared
// HTTP client.
func (t *NetworkTransport) Close() error {
	t.mu.Lock()
	t.sessionID = ""
	t.mu.Unlock()
	return nil
}

func (t *NetworkTransport) post(ctx context.Context, msg any, accept string) (*http.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	t.mu.RLock()
	if t.sessionID != "" {
		req.Header.Set(sessionHeader, t.sessionID)
	}
	t.mu.RUnlock()

	t.logger.Log(ctx, config.LevelTrace, "mcp request", "url", t.url, "body", string(body))

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", t.url, err)
	}

	if sid := resp.Header.Get(sessionHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}
	return resp, nil
}

// readEventStream scans an SSE body for the data event carrying the
// reply to id. Other messages in the stream are skipped.
func readEventStream(r io.Reader, id int64) (*Response, error) {
	sc := bufio.NewScanner(io.LimitReader(r, maxResponseBytes))
	sc.Buffer(make([]byte, 0, 64*1024), maxResponseBytes)

	var data strings.Builder
	flush := func() (*Response, bool) {
		defer data.Reset()
		if data.Len() == 0 {
			return nil, false
		}
		return parseReply([]byte(data.String()), id)
	}

	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if resp, ok := flush(); ok {
				return resp, nil
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	if resp, ok := flush(); ok {
		return resp, nil
	}
	return nil, errors.New("event stream ended without a reply")
}
