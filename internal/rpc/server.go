package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/hark/internal/audio"
	"github.com/nugget/hark/internal/buildinfo"
	"github.com/nugget/hark/internal/events"
	"github.com/nugget/hark/internal/wakeword"
)

const (
	maxPayloadBytes = 1 << 20
	maxAudioFrame   = 1 << 18
	wsWriteTimeout  = 10 * time.Second
)

// AudioSink consumes 16 kHz mono samples. *wakeword.Detector
// implements it.
type AudioSink interface {
	ProcessFrame(samples []int16) (wakeword.Detection, bool)
}

// ActivityRefresher is told when the user is still talking.
// *wakeword.GatedSession implements it.
type ActivityRefresher interface {
	RefreshActivity()
}

// ServerConfig configures a Server. Audio and Activity may be nil, in
// which case the audio endpoint is not registered.
type ServerConfig struct {
	Address  string
	Port     int
	Handlers *Handlers
	Events   *events.Bus
	Audio    AudioSink
	Activity ActivityRefresher
	Logger   *slog.Logger
}

// Server exposes Handlers over HTTP and WebSocket.
type Server struct {
	address  string
	port     int
	handlers *Handlers
	bus      *events.Bus
	audio    AudioSink
	activity ActivityRefresher
	logger   *slog.Logger
	upgrader websocket.Upgrader
	server   *http.Server
}

// NewServer creates a server. Call Start to listen.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:  cfg.Address,
		port:     cfg.Port,
		handlers: cfg.Handlers,
		bus:      cfg.Events,
		audio:    cfg.Audio,
		activity: cfg.Activity,
		logger:   logger,
		upgrader: websocket.Upgrader{
			// The companion app runs on other origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Handler returns the routed handler without listening.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	mux.HandleFunc("GET /v1/rpc", s.handleMethods)
	mux.HandleFunc("POST /v1/rpc/{method}", s.handleCall)
	mux.HandleFunc("GET /v1/ws", s.handleWS)

	if s.audio != nil {
		mux.HandleFunc("GET /v1/audio", s.handleAudio)
	}

	return s.withLogging(mux)
}

// Start listens until Shutdown. It returns http.ErrServerClosed after a
// clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	// No WriteTimeout: WebSocket connections set a deadline per message.
	s.server = &http.Server{
		Addr:        net.JoinHostPort(s.address, strconv.Itoa(s.port)),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting control server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": buildinfo.Version,
		"uptime":  buildinfo.Uptime().String(),
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, buildinfo.Info(), s.logger)
}

func (s *Server) handleMethods(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"methods": s.handlers.Methods()}, s.logger)
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	method := r.PathValue("method")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, failure("Failed to read request body"), s.logger)
		return
	}
	if len(body) > maxPayloadBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, failure("Request body too large"), s.logger)
		return
	}

	res, err := s.handlers.Dispatch(r.Context(), method, body)
	if err != nil {
		writeJSON(w, errorCode(err), failure(err.Error()), s.logger)
		return
	}
	writeJSON(w, http.StatusOK, res, s.logger)
}

func failure(msg string) Result {
	return Result{"success": false, "error": msg}
}

func errorCode(err error) int {
	var rerr *Error
	if errors.As(err, &rerr) && rerr.Code != 0 {
		return rerr.Code
	}
	return http.StatusInternalServerError
}

// wsRequest is one call on the control WebSocket.
type wsRequest struct {
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// wsMessage is every frame the server sends: a reply carries ID and
// Result, a pushed event carries Type "event".
type wsMessage struct {
	Type   string        `json:"type"`
	ID     string        `json:"id,omitempty"`
	Code   int           `json:"code,omitempty"`
	Result Result        `json:"result,omitempty"`
	Event  *events.Event `json:"event,omitempty"`
}

// wsConn serializes writes; gorilla connections allow one writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	c.conn.Close()
}

// handleWS serves request/reply calls and pushes every bus event to the
// client until either side closes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	raw.SetReadLimit(maxPayloadBytes)
	conn := &wsConn{conn: raw}
	defer raw.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	log := s.logger.With("remote", r.RemoteAddr)
	log.Info("control client connected")
	defer log.Info("control client disconnected")

	if s.bus != nil {
		ch := s.bus.Subscribe(64)
		defer s.bus.Unsubscribe(ch)
		go s.pushEvents(ctx, conn, ch, log)
	}

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("control read ended", "error", err)
			}
			return
		}

		var req wsRequest
		if err := json.Unmarshal(data, &req); err != nil {
			conn.send(wsMessage{Type: "reply", Code: http.StatusBadRequest, Result: failure("Invalid request: " + err.Error())})
			continue
		}
		if req.Method == "" {
			conn.send(wsMessage{Type: "reply", ID: req.ID, Code: http.StatusBadRequest, Result: failure("Method is required")})
			continue
		}

		res, err := s.handlers.Dispatch(ctx, req.Method, req.Payload)
		reply := wsMessage{Type: "reply", ID: req.ID, Code: http.StatusOK, Result: res}
		if err != nil {
			reply.Code = errorCode(err)
			reply.Result = failure(err.Error())
		}
		if err := conn.send(reply); err != nil {
			log.Debug("control write failed", "error", err)
			return
		}
	}
}

func (s *Server) pushEvents(ctx context.Context, conn *wsConn, ch <-chan events.Event, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.send(wsMessage{Type: "event", Event: &e}); err != nil {
				log.Debug("event push failed", "error", err)
				return
			}
		}
	}
}

// audioControl is a text frame on the audio socket.
type audioControl struct {
	Type string `json:"type"`
}

// handleAudio streams microphone audio into the wake-word detector.
// Binary frames are little-endian PCM16 mono at the rate given by the
// "rate" query parameter (default 16000). A text frame
// {"type":"activity"} marks the user as still speaking.
func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	rate := audio.SampleRate
	if v := r.URL.Query().Get("rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 8000 || n > 192000 {
			writeJSON(w, http.StatusBadRequest, failure(fmt.Sprintf("Invalid sample rate %q", v)), s.logger)
			return
		}
		rate = n
	}

	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	raw.SetReadLimit(maxAudioFrame)
	conn := &wsConn{conn: raw}
	defer raw.Close()

	resampler := audio.NewResampler(rate, audio.SampleRate)

	log := s.logger.With("remote", r.RemoteAddr, "rate", rate)
	log.Info("audio client connected")
	defer log.Info("audio client disconnected")

	for {
		kind, data, err := raw.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("audio read ended", "error", err)
			}
			return
		}

		switch kind {
		case websocket.BinaryMessage:
			if len(data)%2 != 0 {
				conn.close(websocket.CloseUnsupportedData, "odd PCM16 frame length")
				return
			}
			samples := resampler.Process(audio.DecodePCM16(data))
			if det, ok := s.audio.ProcessFrame(samples); ok {
				conn.send(map[string]any{"type": "wake_word", "detection": det})
			}

		case websocket.TextMessage:
			var ctl audioControl
			if err := json.Unmarshal(data, &ctl); err != nil {
				log.Debug("ignoring malformed audio control", "error", err)
				continue
			}
			if ctl.Type == "activity" && s.activity != nil {
				s.activity.RefreshActivity()
			}
		}
	}
}
