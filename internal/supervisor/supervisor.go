package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/thenullengine/ailab/internal/logbus"
	"github.com/thenullengine/ailab/internal/logger"
)

var (
	// ErrAlreadyRunning is returned by Start when a live handle exists.
	ErrAlreadyRunning = errors.New("already running")
	// ErrStartFailure wraps spawn errors.
	ErrStartFailure = errors.New("process start failure")
)

// DefaultStopGrace bounds graceful termination before SIGKILL.
const DefaultStopGrace = 5 * time.Second

// Spec describes one launchable tool process.
type Spec struct {
	Name string
	Argv []string
	Dir  string
	Env  []string // extra KEY=VALUE entries appended to the OS env

	// Readiness: a log line containing ReadyPattern, or ReadyDelay
	// elapsed, whichever comes first. OnReady runs once, off the
	// caller's goroutine.
	ReadyPattern string
	ReadyDelay   time.Duration
	OnReady      func()

	// OnExit runs once after the child is reaped. requested is true
	// when the exit followed a Stop call.
	OnExit func(st Status, requested bool)

	StopGrace time.Duration
	Log       logger.Config
}

// Status is an externally consumable snapshot of one tool process.
type Status struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	ExitCode  int       `json:"exit_code"`
	ExitErr   string    `json:"exit_err,omitempty"`
}

// handle owns one spawned child. All fields are guarded by mu; the
// monitor goroutine is the only writer after start.
type handle struct {
	mu        sync.Mutex
	spec      Spec
	cmd       *exec.Cmd
	startedAt time.Time
	stoppedAt time.Time
	exitCode  int
	exitErr   error
	exited    bool
	stopping  bool
	waitDone  chan struct{} // closed by the monitor when Wait returns
	readyOnce sync.Once
}

func (h *handle) alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.exited
}

func (h *handle) setStopping() {
	h.mu.Lock()
	h.stopping = true
	h.mu.Unlock()
}

func (h *handle) snapshot() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := Status{
		Name:      h.spec.Name,
		Running:   !h.exited,
		StartedAt: h.startedAt,
		StoppedAt: h.stoppedAt,
		ExitCode:  h.exitCode,
	}
	if h.cmd != nil && h.cmd.Process != nil {
		st.PID = h.cmd.Process.Pid
	}
	if h.exitErr != nil {
		st.ExitErr = h.exitErr.Error()
	}
	return st
}

// Supervisor starts, stops, and watches at most one live child per
// tool name. Output draining runs on a monitor goroutine per child and
// never blocks lifecycle calls.
type Supervisor struct {
	mu    sync.Mutex
	bus   *logbus.Bus
	procs map[string]*handle
}

func New(bus *logbus.Bus) *Supervisor {
	return &Supervisor{bus: bus, procs: make(map[string]*handle)}
}

// Start spawns the process described by spec. It returns once the
// child is spawned; draining and exit detection continue in the
// background.
func (s *Supervisor) Start(spec Spec) (Status, error) {
	if len(spec.Argv) == 0 {
		return Status{}, fmt.Errorf("%w: empty command", ErrStartFailure)
	}
	s.mu.Lock()
	if h := s.procs[spec.Name]; h != nil && h.alive() {
		s.mu.Unlock()
		return Status{}, fmt.Errorf("%s: %w", spec.Name, ErrAlreadyRunning)
	}
	// #nosec G204 -- launch commands come from the fixed tool catalog
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	setProcAttrs(cmd)
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	h := &handle{spec: spec, cmd: cmd, waitDone: make(chan struct{})}
	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		_ = pw.Close()
		return Status{}, fmt.Errorf("%s: %w: %v", spec.Name, ErrStartFailure, err)
	}
	h.startedAt = time.Now()
	s.procs[spec.Name] = h
	s.mu.Unlock()

	s.bus.Infof(spec.Name, "started pid %d: %s", cmd.Process.Pid, strings.Join(spec.Argv, " "))
	go s.monitor(h, pr, pw)
	return h.snapshot(), nil
}

// monitor drains merged output into the log bus (and the optional log
// file), watches for readiness, reaps the child, and records the
// terminal event.
func (s *Supervisor) monitor(h *handle, pr *io.PipeReader, pw *io.PipeWriter) {
	spec := h.spec
	var fileW io.WriteCloser
	if w := spec.Log.Writer(spec.Name); w != nil {
		fileW = w
	}

	var readyTimer *time.Timer
	if spec.ReadyDelay > 0 {
		readyTimer = time.AfterFunc(spec.ReadyDelay, func() { s.fireReady(h) })
	}

	drained := make(chan struct{})
	go func() {
		sc := bufio.NewScanner(pr)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			line := sc.Text()
			s.bus.Infof(spec.Name, "%s", line)
			if fileW != nil {
				_, _ = fileW.Write(append([]byte(line), '\n'))
			}
			if spec.ReadyPattern != "" && strings.Contains(line, spec.ReadyPattern) {
				s.fireReady(h)
			}
		}
		close(drained)
	}()

	err := h.cmd.Wait()
	_ = pw.Close()
	<-drained
	if readyTimer != nil {
		readyTimer.Stop()
	}
	if fileW != nil {
		_ = fileW.Close()
	}

	code := h.cmd.ProcessState.ExitCode()
	h.mu.Lock()
	h.exited = true
	h.stoppedAt = time.Now()
	h.exitCode = code
	h.exitErr = err
	requested := h.stopping
	h.mu.Unlock()
	close(h.waitDone)

	if requested || err == nil {
		s.bus.Infof(spec.Name, "process exited with code %d", code)
	} else {
		s.bus.Errorf(spec.Name, "process exited unexpectedly with code %d: %v", code, err)
	}
	if spec.OnExit != nil {
		spec.OnExit(h.snapshot(), requested)
	}
}

func (s *Supervisor) fireReady(h *handle) {
	h.readyOnce.Do(func() {
		if !h.alive() {
			return
		}
		s.bus.Infof(h.spec.Name, "process is ready")
		if h.spec.OnReady != nil {
			go h.spec.OnReady()
		}
	})
}

// Stop requests graceful termination and escalates to SIGKILL after
// the grace period. It returns once the child is fully reaped, so a
// subsequent Start is never racing the old process.
func (s *Supervisor) Stop(name string, grace time.Duration) error {
	s.mu.Lock()
	h := s.procs[name]
	s.mu.Unlock()
	if h == nil || !h.alive() {
		return nil
	}
	if grace <= 0 {
		grace = h.spec.StopGrace
	}
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	h.setStopping()
	pid := 0
	h.mu.Lock()
	if h.cmd != nil && h.cmd.Process != nil {
		pid = h.cmd.Process.Pid
	}
	h.mu.Unlock()
	if pid == 0 {
		return nil
	}
	s.bus.Infof(name, "stopping (grace %s)", grace)
	terminateGroup(pid)
	select {
	case <-h.waitDone:
		return nil
	case <-time.After(grace):
	}
	s.bus.Warnf(name, "grace period elapsed, killing")
	killGroup(pid)
	select {
	case <-h.waitDone:
	case <-time.After(2 * time.Second):
		return fmt.Errorf("%s: process did not exit after kill", name)
	}
	return nil
}

// IsRunning reports whether the named tool has a live handle.
func (s *Supervisor) IsRunning(name string) bool {
	s.mu.Lock()
	h := s.procs[name]
	s.mu.Unlock()
	return h != nil && h.alive()
}

// Status returns the last known snapshot for name. Tools never started
// report a zero-valued status with Running=false.
func (s *Supervisor) Status(name string) Status {
	s.mu.Lock()
	h := s.procs[name]
	s.mu.Unlock()
	if h == nil {
		return Status{Name: name, ExitCode: -1}
	}
	return h.snapshot()
}

// StopAll stops every live process. Used on shutdown.
func (s *Supervisor) StopAll(grace time.Duration) {
	s.mu.Lock()
	names := make([]string, 0, len(s.procs))
	for name := range s.procs {
		names = append(names, name)
	}
	s.mu.Unlock()
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(n string) {
			defer wg.Done()
			_ = s.Stop(n, grace)
		}(name)
	}
	wg.Wait()
}
