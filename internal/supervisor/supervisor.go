package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"streamgate/internal/observability/metrics"
)

// ErrAlreadyRunning is returned by Start when a process is already registered
// under the requested key.
var ErrAlreadyRunning = errors.New("process already running for key")

// Process is a launched external process under supervision.
type Process interface {
	Signal(sig os.Signal) error
	Kill() error
	Wait() error
	Stderr() io.Reader
}

// Launcher starts external processes. The production launcher wraps os/exec;
// tests substitute a fake so no real binaries are spawned.
type Launcher interface {
	Launch(spec CommandSpec) (Process, error)
}

type execProcess struct {
	cmd    *exec.Cmd
	stderr io.Reader
}

func (p *execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }
func (p *execProcess) Kill() error                { return p.cmd.Process.Kill() }
func (p *execProcess) Wait() error                { return p.cmd.Wait() }
func (p *execProcess) Stderr() io.Reader          { return p.stderr }

type execLauncher struct{}

func (execLauncher) Launch(spec CommandSpec) (Process, error) {
	cmd := exec.Command(spec.Binary, spec.Args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("open stderr pipe: %w", err)
	}
	cmd.Stdout = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Binary, err)
	}
	return &execProcess{cmd: cmd, stderr: stderr}, nil
}

type handle struct {
	key     string
	kind    string
	spec    CommandSpec
	proc    Process
	done    chan struct{}
	mu      sync.Mutex
	lastErr string
	exitErr error
}

func (h *handle) setLastError(message string) {
	h.mu.Lock()
	h.lastErr = message
	h.mu.Unlock()
}

func (h *handle) lastError() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

// Supervisor owns every external media process keyed by a stable identifier.
// Operations on the same key are serialized so a stop followed by a start
// cannot interleave and leave two processes behind.
type Supervisor struct {
	mu       sync.Mutex
	handles  map[string]*handle
	keyLocks map[string]*keyLock

	launcher  Launcher
	logger    *slog.Logger
	metrics   *metrics.Recorder
	stopGrace time.Duration
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Options configures a Supervisor. Zero values select production defaults.
type Options struct {
	Launcher  Launcher
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	StopGrace time.Duration
}

// New constructs a Supervisor.
func New(opts Options) *Supervisor {
	launcher := opts.Launcher
	if launcher == nil {
		launcher = execLauncher{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := opts.StopGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Supervisor{
		handles:   make(map[string]*handle),
		keyLocks:  make(map[string]*keyLock),
		launcher:  launcher,
		logger:    logger,
		metrics:   opts.Metrics,
		stopGrace: grace,
	}
}

func (s *Supervisor) lockKey(key string) func() {
	s.mu.Lock()
	lock, ok := s.keyLocks[key]
	if !ok {
		lock = &keyLock{}
		s.keyLocks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.keyLocks, key)
		}
		s.mu.Unlock()
	}
}

// Start launches a process under the provided key. The kind labels metrics
// (ingest, recording, snapshot). onError, when non-nil, receives classified
// stderr lines and may be invoked from a background goroutine.
func (s *Supervisor) Start(key, kind string, spec CommandSpec, onError func(string)) error {
	unlock := s.lockKey(key)
	defer unlock()

	s.mu.Lock()
	if _, exists := s.handles[key]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, key)
	}
	s.mu.Unlock()

	proc, err := s.launcher.Launch(spec)
	if err != nil {
		if s.metrics != nil {
			s.metrics.ProcessFailed(kind)
		}
		return fmt.Errorf("launch %s process: %w", kind, err)
	}

	h := &handle{key: key, kind: kind, spec: spec, proc: proc, done: make(chan struct{})}

	s.mu.Lock()
	s.handles[key] = h
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ProcessStarted(kind)
	}
	s.logger.Info("process started", "key", key, "kind", kind)

	go s.scanStderr(h, onError)
	go s.reap(h)
	return nil
}

// scanStderr classifies process stderr output. Lines mentioning errors are
// recorded on the handle and forwarded to the caller's callback; everything
// else is debug noise.
func (s *Supervisor) scanStderr(h *handle, onError func(string)) {
	if h.proc.Stderr() == nil {
		return
	}
	scanner := bufio.NewScanner(h.proc.Stderr())
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		if strings.Contains(lower, "error") || strings.Contains(lower, "failed") {
			h.setLastError(line)
			s.logger.Error("process reported error", "key", h.key, "kind", h.kind, "line", line)
			if onError != nil {
				onError(line)
			}
		} else {
			s.logger.Debug("process output", "key", h.key, "kind", h.kind, "line", line)
		}
	}
}

// reap waits for the process to exit and removes its registration. A handle
// that disappears between polls is how callers detect an unexpected death.
func (s *Supervisor) reap(h *handle) {
	err := h.proc.Wait()
	h.mu.Lock()
	h.exitErr = err
	h.mu.Unlock()
	close(h.done)

	s.mu.Lock()
	if current, ok := s.handles[h.key]; ok && current == h {
		delete(s.handles, h.key)
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ProcessStopped(h.kind)
	}
	if err != nil {
		s.logger.Warn("process exited", "key", h.key, "kind", h.kind, "error", err)
	} else {
		s.logger.Info("process exited", "key", h.key, "kind", h.kind)
	}
}

// Stop terminates the process registered under key. It sends SIGTERM, waits
// for the grace period, then kills. Returns false when no process was
// registered.
func (s *Supervisor) Stop(key string) bool {
	unlock := s.lockKey(key)
	defer unlock()
	return s.stopLocked(key)
}

func (s *Supervisor) stopLocked(key string) bool {
	s.mu.Lock()
	h, ok := s.handles[key]
	s.mu.Unlock()
	if !ok {
		return false
	}

	_ = h.proc.Signal(syscall.SIGTERM)

	select {
	case <-h.done:
		s.logger.Info("process stopped", "key", key, "kind", h.kind)
	case <-time.After(s.stopGrace):
		_ = h.proc.Kill()
		<-h.done
		s.logger.Warn("process killed after grace period", "key", key, "kind", h.kind)
	}
	return true
}

// IsRunning reports whether a process is registered under key.
func (s *Supervisor) IsRunning(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handles[key]
	return ok
}

// LastError returns the most recent classified stderr line for the key's
// process, or empty when none was recorded or the key is unknown.
func (s *Supervisor) LastError(key string) string {
	s.mu.Lock()
	h, ok := s.handles[key]
	s.mu.Unlock()
	if !ok {
		return ""
	}
	return h.lastError()
}

// Keys returns the keys of all registered processes.
func (s *Supervisor) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.handles))
	for key := range s.handles {
		keys = append(keys, key)
	}
	return keys
}

// ShutdownAll stops every registered process concurrently. The context bounds
// the overall wait; processes still running when it expires are killed.
func (s *Supervisor) ShutdownAll(ctx context.Context) error {
	keys := s.Keys()
	if len(keys) == 0 {
		return nil
	}
	s.logger.Info("stopping all processes", "count", len(keys))

	group, _ := errgroup.WithContext(ctx)
	for _, key := range keys {
		key := key
		group.Go(func() error {
			s.Stop(key)
			return nil
		})
	}
	return group.Wait()
}
