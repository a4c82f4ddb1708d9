package toolhub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/nugget/hark/internal/events"
	"github.com/nugget/hark/internal/mcp"
	"github.com/nugget/hark/internal/serverstore"
)

// DefaultInitTimeout bounds a connection's Initialize step.
const DefaultInitTimeout = 30 * time.Second

var (
	// ErrNotConnected is returned by CallTool for a server with no live
	// connection.
	ErrNotConnected = errors.New("server not connected")

	// ErrToolNotAllowed is returned by CallTool for a tool outside the
	// server's allow-list.
	ErrToolNotAllowed = errors.New("tool not allowed")
)

// State is a server's connection state as seen by readers.
type State string

const (
	StateConnected State = "connected"
	StateError     State = "error"
	StateDisabled  State = "disabled"
	StateUnknown   State = "unknown"
)

// ServerStatus is the last known outcome for one server.
type ServerStatus struct {
	State     State     `json:"status"`
	Error     string    `json:"error,omitempty"`
	ToolCount int       `json:"tool_count"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Loader supplies the desired state. *serverstore.Store implements it.
type Loader interface {
	Load() (serverstore.Config, error)
}

// Result summarizes one reconcile pass. Reconnected servers are listed
// only there, not also under Connected or Disconnected.
type Result struct {
	Connected    []string          `json:"connected"`
	Disconnected []string          `json:"disconnected"`
	Reconnected  []string          `json:"reconnected"`
	Failed       map[string]string `json:"failed"`
}

// Changed reports whether the pass touched any connection.
func (r Result) Changed() bool {
	return len(r.Connected)+len(r.Disconnected)+len(r.Reconnected)+len(r.Failed) > 0
}

// Config configures a Manager.
type Config struct {
	Store  Loader
	Dialer Dialer

	FetchTimeout time.Duration
	InitTimeout  time.Duration

	Events *events.Bus
	Logger *slog.Logger
}

type liveConn struct {
	cfg     serverstore.ServerConfig
	conn    mcp.Connection
	catalog Catalog
}

// view is the published, read-only copy of the manager's state.
type view struct {
	status map[string]ServerStatus
	live   map[string]liveConn
}

// Manager owns every live connection. All mutating entry points take
// one operation lock for their full duration, so a reconcile pass never
// interleaves with another pass or with Connect or Disconnect. Readers
// never take that lock; they copy from the last published view.
type Manager struct {
	store       Loader
	dial        Dialer
	fetcher     *Fetcher
	initTimeout time.Duration
	bus         *events.Bus
	logger      *slog.Logger

	op     sync.Mutex
	live   map[string]*liveConn
	status map[string]ServerStatus

	viewMu sync.RWMutex
	view   view
}

// NewManager returns a manager with nothing connected.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "toolhub")

	dial := cfg.Dialer
	if dial == nil {
		dial = NewDialer(DialOptions{Logger: logger})
	}
	initTimeout := cfg.InitTimeout
	if initTimeout <= 0 {
		initTimeout = DefaultInitTimeout
	}

	return &Manager{
		store:       cfg.Store,
		dial:        dial,
		fetcher:     NewFetcher(cfg.FetchTimeout, logger),
		initTimeout: initTimeout,
		bus:         cfg.Events,
		logger:      logger,
		live:        make(map[string]*liveConn),
		status:      make(map[string]ServerStatus),
		view: view{
			status: map[string]ServerStatus{},
			live:   map[string]liveConn{},
		},
	}
}

// Reconcile loads the desired state and brings the live set in line
// with it. Disconnects run before connects. A failed connect is recorded
// in the server's status and does not stop the pass. A load failure
// aborts the pass before anything changes. The pass ignores ctx
// cancellation; the per-server init and fetch timeouts bound it.
func (m *Manager) Reconcile(ctx context.Context) (Result, error) {
	ctx = context.WithoutCancel(ctx)

	m.op.Lock()
	defer m.op.Unlock()

	res := Result{
		Connected:    []string{},
		Disconnected: []string{},
		Reconnected:  []string{},
		Failed:       map[string]string{},
	}

	cfg, err := m.store.Load()
	if err != nil {
		m.logger.Error("reconcile aborted, desired state unreadable", "error", err)
		return res, fmt.Errorf("load desired state: %w", err)
	}

	desired := cfg.Enabled()
	inFile := make(map[string]bool, len(cfg.Servers))
	for _, sc := range cfg.Servers {
		inFile[sc.Name] = true
	}

	reconnect := make(map[string]bool)
	for _, name := range slices.Sorted(maps.Keys(m.live)) {
		lc := m.live[name]
		want, ok := desired[name]
		switch {
		case !ok && inFile[name]:
			m.disconnect(name, "disabled")
			m.setStatus(name, ServerStatus{State: StateDisabled})
			res.Disconnected = append(res.Disconnected, name)
		case !ok:
			m.disconnect(name, "removed")
			delete(m.status, name)
			res.Disconnected = append(res.Disconnected, name)
		case !lc.cfg.SameEndpoint(want):
			m.disconnect(name, "connection parameters changed")
			reconnect[name] = true
		case !alive(lc.conn):
			m.disconnect(name, "connection lost")
			reconnect[name] = true
		default:
			lc.cfg = want.Clone()
		}
	}

	// Drop stale records for servers that were never live: removed
	// entries vanish, disabled ones read as disabled.
	for name := range m.status {
		if _, isLive := m.live[name]; isLive {
			continue
		}
		if !inFile[name] {
			delete(m.status, name)
		}
	}
	for _, sc := range cfg.Servers {
		if !sc.Enabled {
			if _, isLive := m.live[sc.Name]; !isLive {
				if m.status[sc.Name].State != StateDisabled {
					m.setStatus(sc.Name, ServerStatus{State: StateDisabled})
				}
			}
		}
	}

	for _, name := range slices.Sorted(maps.Keys(desired)) {
		if _, isLive := m.live[name]; isLive {
			continue
		}
		if err := m.connect(ctx, desired[name]); err != nil {
			res.Failed[name] = err.Error()
			continue
		}
		if reconnect[name] {
			res.Reconnected = append(res.Reconnected, name)
		} else {
			res.Connected = append(res.Connected, name)
		}
	}
	// A reconnect whose second half failed is a disconnect.
	for name := range reconnect {
		if _, failed := res.Failed[name]; failed {
			res.Disconnected = append(res.Disconnected, name)
		}
	}
	slices.Sort(res.Disconnected)

	m.publish()

	m.logger.Info("reconcile complete",
		"connected", len(res.Connected),
		"disconnected", len(res.Disconnected),
		"reconnected", len(res.Reconnected),
		"failed", len(res.Failed),
		"live", len(m.live),
	)
	m.bus.Emit(events.SourceToolhub, events.KindReconcileComplete, map[string]any{
		"connected":    res.Connected,
		"disconnected": res.Disconnected,
		"reconnected":  res.Reconnected,
		"failed":       res.Failed,
		"live":         len(m.live),
	})
	return res, nil
}

// alive reports false for handles that can tell they are dead, such as
// a process connection whose child exited.
func alive(conn mcp.Connection) bool {
	if a, ok := conn.(interface{ Alive() bool }); ok {
		return a.Alive()
	}
	return true
}

// Connect opens sc, replacing any live connection of the same name.
func (m *Manager) Connect(ctx context.Context, sc serverstore.ServerConfig) error {
	m.op.Lock()
	defer m.op.Unlock()

	if _, ok := m.live[sc.Name]; ok {
		m.disconnect(sc.Name, "replaced")
	}
	err := m.connect(ctx, sc)
	m.publish()
	return err
}

// Disconnect closes the named connection. Unknown names are a no-op.
func (m *Manager) Disconnect(name string) {
	m.op.Lock()
	defer m.op.Unlock()

	if _, ok := m.live[name]; !ok {
		return
	}
	m.disconnect(name, "requested")
	delete(m.status, name)
	m.publish()
}

// Close disconnects everything.
func (m *Manager) Close() {
	m.op.Lock()
	defer m.op.Unlock()

	for _, name := range slices.Sorted(maps.Keys(m.live)) {
		m.disconnect(name, "shutdown")
	}
	clear(m.status)
	m.publish()
}

// connect requires m.op. On failure the handle is closed and the server
// is left out of the live set with an error status.
func (m *Manager) connect(ctx context.Context, sc serverstore.ServerConfig) error {
	log := m.logger.With("server", sc.Name, "kind", sc.Type)

	conn, err := m.dial(sc)
	if err != nil {
		return m.fail(sc.Name, fmt.Errorf("build connection: %w", err))
	}

	initCtx, cancel := context.WithTimeout(ctx, m.initTimeout)
	err = conn.Initialize(initCtx)
	cancel()
	if err != nil {
		m.closeConn(sc.Name, conn)
		return m.fail(sc.Name, fmt.Errorf("initialize: %w", err))
	}

	catalog, err := m.fetcher.Fetch(ctx, conn)
	if err != nil {
		m.closeConn(sc.Name, conn)
		return m.fail(sc.Name, err)
	}

	m.live[sc.Name] = &liveConn{cfg: sc.Clone(), conn: conn, catalog: catalog}
	m.setStatus(sc.Name, ServerStatus{State: StateConnected, ToolCount: len(catalog)})

	log.Info("tool server connected", "tools", len(catalog))
	m.bus.Emit(events.SourceToolhub, events.KindServerConnected, map[string]any{
		"server":     sc.Name,
		"kind":       string(sc.Type),
		"tool_count": len(catalog),
	})
	return nil
}

func (m *Manager) fail(name string, err error) error {
	m.setStatus(name, ServerStatus{State: StateError, Error: err.Error()})
	m.logger.Warn("tool server connect failed", "server", name, "error", err)
	m.bus.Emit(events.SourceToolhub, events.KindServerError, map[string]any{
		"server": name,
		"error":  err.Error(),
	})
	return err
}

// disconnect requires m.op. The entry is removed even when Close fails.
func (m *Manager) disconnect(name, reason string) {
	lc, ok := m.live[name]
	if !ok {
		return
	}
	delete(m.live, name)
	m.closeConn(name, lc.conn)

	m.logger.Info("tool server disconnected", "server", name, "reason", reason)
	m.bus.Emit(events.SourceToolhub, events.KindServerDisconnected, map[string]any{
		"server": name,
		"reason": reason,
	})
}

func (m *Manager) closeConn(name string, conn mcp.Connection) {
	if err := conn.Close(); err != nil {
		m.logger.Warn("error closing tool server connection", "server", name, "error", err)
	}
}

func (m *Manager) setStatus(name string, st ServerStatus) {
	st.UpdatedAt = time.Now()
	m.status[name] = st
}

// publish requires m.op. It copies the working state into a fresh view.
func (m *Manager) publish() {
	v := view{
		status: maps.Clone(m.status),
		live:   make(map[string]liveConn, len(m.live)),
	}
	if v.status == nil {
		v.status = map[string]ServerStatus{}
	}
	for name, lc := range m.live {
		v.live[name] = liveConn{cfg: lc.cfg.Clone(), conn: lc.conn, catalog: lc.catalog.clone()}
	}

	m.viewMu.Lock()
	m.view = v
	m.viewMu.Unlock()
}

// Statuses returns every recorded status keyed by server name.
func (m *Manager) Statuses() map[string]ServerStatus {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	return maps.Clone(m.view.status)
}

// Status returns one server's status.
func (m *Manager) Status(name string) (ServerStatus, bool) {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	st, ok := m.view.status[name]
	return st, ok
}

// Catalog returns a copy of a live server's catalog.
func (m *Manager) Catalog(name string) (Catalog, bool) {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	lc, ok := m.view.live[name]
	if !ok {
		return nil, false
	}
	return lc.catalog.clone(), true
}

// Catalogs returns copies of every live catalog.
func (m *Manager) Catalogs() map[string]Catalog {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	out := make(map[string]Catalog, len(m.view.live))
	for name, lc := range m.view.live {
		out[name] = lc.catalog.clone()
	}
	return out
}

// LiveNames returns the names of live servers, sorted.
func (m *Manager) LiveNames() []string {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	return slices.Sorted(maps.Keys(m.view.live))
}

// ToolCount is the number of tools across all live catalogs.
func (m *Manager) ToolCount() int {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	n := 0
	for _, lc := range m.view.live {
		n += len(lc.catalog)
	}
	return n
}

// CallTool invokes tool on a live server. The allow-list in effect at
// the last reconcile is enforced. It does not take the operation lock,
// so a call racing a disconnect fails with the transport's error.
func (m *Manager) CallTool(ctx context.Context, server, tool string, args map[string]any) (string, error) {
	m.viewMu.RLock()
	lc, ok := m.view.live[server]
	m.viewMu.RUnlock()

	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotConnected, server)
	}
	if !lc.cfg.ToolAllowed(tool) {
		return "", fmt.Errorf("%w: %s on %s", ErrToolNotAllowed, tool, server)
	}
	return lc.conn.CallTool(ctx, tool, args)
}
