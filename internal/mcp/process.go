package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/hark/internal/config"
)

// DefaultStopTimeout is how long a child gets to exit after its stdin
// is closed before it is killed.
const DefaultStopTimeout = 5 * time.Second

// ErrTransportClosed is returned by a process transport after Close.
var ErrTransportClosed = errors.New("process transport closed")

// ErrProcessExited is returned once the child has exited or been
// killed. The session it held is gone, so the transport never respawns.
var ErrProcessExited = errors.New("tool server process exited")

// ProcessConfig describes a tool server run as a child process.
type ProcessConfig struct {
	Command string
	Args    []string

	// Env is added to the parent environment. Keys set here win.
	Env map[string]string

	// Dir is the working directory. Empty means the parent's.
	Dir string

	StopTimeout time.Duration
	Logger      *slog.Logger
}

// ProcessTransport speaks newline-delimited JSON-RPC over a child's
// stdin and stdout. The child starts on the first message and stays up
// until Close, independent of any request context. If it dies first,
// every later call fails with [ErrProcessExited]. Messages are strictly
// sequential; waiting for the turn honours the caller's context.
type ProcessTransport struct {
	cfg    ProcessConfig
	logger *slog.Logger

	// sem is a one-slot lock that, unlike a mutex, can be abandoned
	// when the caller's context ends.
	sem chan struct{}

	// pmu guards proc so Close can kill a child whose reader holds the
	// slot.
	pmu  sync.Mutex
	proc *os.Process

	// dead is set when a spawned child has exited.
	dead atomic.Bool

	closed  bool
	spawned bool
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	reader  *bufio.Reader
	exited  chan struct{}
}

// NewProcessTransport returns a transport for cfg. Nothing is spawned
// until the first Send or Notify.
func NewProcessTransport(cfg ProcessConfig) *ProcessTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	return &ProcessTransport{
		cfg:    cfg,
		logger: logger,
		sem:    make(chan struct{}, 1),
	}
}

func (t *ProcessTransport) acquire(ctx context.Context) error {
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		t.release()
		return err
	}
	return nil
}

func (t *ProcessTransport) release() { <-t.sem }

// PID returns the child's process id, or 0 when it is not running.
func (t *ProcessTransport) PID() int {
	if err := t.acquire(context.Background()); err != nil {
		return 0
	}
	defer t.release()
	if t.cmd == nil || t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

// environ merges Env over the parent environment in a stable order.
func (t *ProcessTransport) environ() []string {
	env := os.Environ()
	keys := make([]string, 0, len(t.cfg.Env))
	for k := range t.cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+t.cfg.Env[k])
	}
	return env
}

// start spawns the child if it is not running. Caller holds the slot.
func (t *ProcessTransport) start() error {
	if t.closed {
		return ErrTransportClosed
	}
	if t.cmd != nil {
		select {
		case <-t.exited:
			t.cleanup()
			return ErrProcessExited
		default:
			return nil
		}
	}
	if t.spawned {
		return ErrProcessExited
	}

	cmd := exec.Command(t.cfg.Command, t.cfg.Args...)
	cmd.Env = t.environ()
	cmd.Dir = t.cfg.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return fmt.Errorf("spawn %s: %w", t.cfg.Command, err)
	}

	exited := make(chan struct{})
	t.pmu.Lock()
	t.proc = cmd.Process
	t.pmu.Unlock()
	t.spawned = true
	t.cmd = cmd
	t.stdin = stdin
	t.reader = bufio.NewReaderSize(stdout, 1<<20)
	t.exited = exited

	go t.logStderr(stderr)
	go func() {
		err := cmd.Wait()
		t.logger.Debug("tool server process exited", "pid", cmd.Process.Pid, "error", err)
		t.dead.Store(true)
		close(exited)
	}()

	t.logger.Info("tool server process started",
		"command", t.cfg.Command,
		"args", t.cfg.Args,
		"pid", cmd.Process.Pid,
	)
	return nil
}

// Exited reports whether a spawned child has exited or been killed.
func (t *ProcessTransport) Exited() bool { return t.dead.Load() }

func (t *ProcessTransport) logStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for sc.Scan() {
		t.logger.Debug("tool server stderr", "line", sc.Text())
	}
}

type lineResult struct {
	line []byte
	err  error
}

// Send writes req and reads lines until the reply with the same id
// arrives. Server-initiated messages in between are skipped. If ctx
// ends first the child is killed, since a half-read stream cannot be
// resynchronised.
func (t *ProcessTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if err := t.acquire(ctx); err != nil {
		return nil, err
	}
	defer t.release()

	if err := t.start(); err != nil {
		return nil, err
	}
	if err := t.write(req); err != nil {
		return nil, err
	}

	for {
		ch := make(chan lineResult, 1)
		reader := t.reader
		go func() {
			line, err := reader.ReadBytes('\n')
			ch <- lineResult{line: line, err: err}
		}()

		select {
		case <-ctx.Done():
			t.kill()
			return nil, ctx.Err()
		case res := <-ch:
			if res.err != nil {
				t.kill()
				return nil, fmt.Errorf("read from tool server: %w", res.err)
			}
			t.logger.Log(ctx, config.LevelTrace, "mcp line", "line", string(res.line))

			if resp, ok := parseReply(res.line, req.ID); ok {
				return resp, nil
			}
			t.logger.Debug("skipping line that is not our reply", "line", string(res.line))
		}
	}
}

// Notify writes n without waiting for anything.
func (t *ProcessTransport) Notify(ctx context.Context, n *Notification) error {
	if err := t.acquire(ctx); err != nil {
		return err
	}
	defer t.release()

	if err := t.start(); err != nil {
		return err
	}
	return t.write(n)
}

func (t *ProcessTransport) write(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		t.kill()
		return fmt.Errorf("write to tool server: %w", err)
	}
	return nil
}

// Close stops the child: stdin is closed, the child gets StopTimeout to
// exit, then it is killed. A request still waiting on the child after
// StopTimeout is failed by killing the child. Later calls return nil.
func (t *ProcessTransport) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.StopTimeout)
	defer cancel()
	if err := t.acquire(ctx); err != nil {
		t.pmu.Lock()
		if t.proc != nil {
			_ = t.proc.Kill()
		}
		t.pmu.Unlock()
		t.sem <- struct{}{}
	}
	defer t.release()

	t.closed = true
	if t.cmd == nil {
		return nil
	}

	pid := t.cmd.Process.Pid
	t.stdin.Close()

	timer := time.NewTimer(t.cfg.StopTimeout)
	defer timer.Stop()

	select {
	case <-t.exited:
		t.logger.Info("tool server process stopped", "pid", pid)
	case <-timer.C:
		t.logger.Warn("tool server did not exit in time, killing",
			"pid", pid, "timeout", t.cfg.StopTimeout)
		_ = t.cmd.Process.Kill()
		<-t.exited
	}
	t.cleanup()
	return nil
}

// kill ends a child whose stream is no longer usable. Caller holds the
// slot.
func (t *ProcessTransport) kill() {
	if t.cmd == nil {
		return
	}
	t.stdin.Close()
	_ = t.cmd.Process.Kill()
	<-t.exited
	t.cleanup()
}

func (t *ProcessTransport) cleanup() {
	t.pmu.Lock()
	t.proc = nil
	t.pmu.Unlock()
	t.cmd = nil
	t.stdin = nil
	t.reader = nil
	t.exited = nil
}
