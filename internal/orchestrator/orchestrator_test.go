package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/thenullengine/ailab/internal/config"
	"github.com/thenullengine/ailab/internal/history"
	"github.com/thenullengine/ailab/internal/logbus"
	"github.com/thenullengine/ailab/internal/probe"
	"github.com/thenullengine/ailab/internal/tool"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	delay time.Duration
	fail  string
	err   error
}

func (f *fakeRunner) run(_ context.Context, dir string, _ func(string), name string, args ...string) error {
	cmd := strings.Join(append([]string{name}, args...), " ")
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	_ = dir
	if f.fail != "" && strings.Contains(cmd, f.fail) {
		if f.err != nil {
			return f.err
		}
		return fmt.Errorf("command failed: %s", cmd)
	}
	return nil
}

func probeOK(_ context.Context, ps []probe.Prerequisite) []probe.Check {
	out := make([]probe.Check, 0, len(ps))
	for _, p := range ps {
		out = append(out, probe.Check{Name: p.Name, Found: true, Version: "99.0.0", RequiredMinimum: p.RequiredMinimum})
	}
	return out
}

func probeMissing(_ context.Context, ps []probe.Prerequisite) []probe.Check {
	out := make([]probe.Check, 0, len(ps))
	for _, p := range ps {
		out = append(out, probe.Check{Name: p.Name, Found: false, RequiredMinimum: p.RequiredMinimum})
	}
	return out
}

func newTestConfig(t *testing.T, parent string) *config.Store {
	t.Helper()
	cfg, err := config.Load(filepath.Join(parent, config.DefaultFileName), tool.DefaultSettings())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	for _, id := range tool.IDs() {
		cfg.Set(string(id), "install_parent_dir", parent)
	}
	return cfg
}

func newTestHistory(t *testing.T) history.Store {
	t.Helper()
	st, err := history.Open("sqlite", filepath.Join(t.TempDir(), "hist.db"))
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return st
}

// fakeInstall lays down the on-disk shape of an installed tool whose
// launch command is a long-sleeping shell script.
func fakeInstall(t *testing.T, parent string, id tool.ID) {
	t.Helper()
	p, ok := tool.ByID(id)
	if !ok {
		t.Fatalf("unknown tool %s", id)
	}
	root := filepath.Join(parent, p.DirName)
	for _, m := range p.Markers {
		full := filepath.Join(root, m)
		if m == ".git" {
			if err := os.MkdirAll(full, 0o755); err != nil {
				t.Fatalf("mkdir marker: %v", err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(full, nil, 0o644); err != nil {
			t.Fatalf("write marker: %v", err)
		}
	}
	py := p.VenvPython(root)
	if err := os.MkdirAll(filepath.Dir(py), 0o755); err != nil {
		t.Fatalf("mkdir venv: %v", err)
	}
	script := "#!/bin/sh\nsleep 60\n"
	if err := os.WriteFile(py, []byte(script), 0o755); err != nil {
		t.Fatalf("write venv stub: %v", err)
	}
}

func newTestOrchestrator(t *testing.T, parent string, run *fakeRunner, pf ProbeFunc) *Orchestrator {
	t.Helper()
	o := New(Options{
		Bus:       logbus.New(0),
		Config:    newTestConfig(t, parent),
		History:   newTestHistory(t),
		Runner:    run.run,
		Probe:     pf,
		StopGrace: 2 * time.Second,
	})
	t.Cleanup(o.Shutdown)
	return o
}

func TestInstallLifecycle(t *testing.T) {
	parent := t.TempDir()
	run := &fakeRunner{}
	o := newTestOrchestrator(t, parent, run, probeOK)
	ctx := context.Background()

	if err := o.Install(ctx, tool.ComfyUI); err != nil {
		t.Fatalf("install: %v", err)
	}
	st, err := o.Status(tool.ComfyUI)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != "installed" {
		t.Fatalf("state = %q, want installed", st.State)
	}
	if st.Operation != "" {
		t.Fatalf("operation should be cleared, got %q", st.Operation)
	}
	// Install must persist the settings document.
	if _, err := os.Stat(filepath.Join(parent, config.DefaultFileName)); err != nil {
		t.Fatalf("config not saved: %v", err)
	}
	recs, err := o.History(ctx, "comfyui", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(recs) != 1 || recs[0].Outcome != history.OutcomeOK {
		t.Fatalf("unexpected history: %+v", recs)
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	if len(run.calls) == 0 || !strings.Contains(run.calls[0], "git clone") {
		t.Fatalf("expected git clone first, got %v", run.calls)
	}
}

func TestInstallFailureSetsFailedState(t *testing.T) {
	parent := t.TempDir()
	run := &fakeRunner{fail: "git clone"}
	o := newTestOrchestrator(t, parent, run, probeOK)
	ctx := context.Background()

	err := o.Install(ctx, tool.ComfyUI)
	if err == nil {
		t.Fatalf("expected install failure")
	}
	st, _ := o.Status(tool.ComfyUI)
	if st.State != "failed" {
		t.Fatalf("state = %q, want failed", st.State)
	}
	if st.LastError == "" {
		t.Fatalf("expected LastError to be recorded")
	}
	recs, _ := o.History(ctx, "comfyui", 10)
	if len(recs) != 1 || recs[0].Outcome != history.OutcomeFailed {
		t.Fatalf("unexpected history: %+v", recs)
	}

	// A retry after failure is allowed and can succeed.
	run.mu.Lock()
	run.fail = ""
	run.mu.Unlock()
	if err := o.Install(ctx, tool.ComfyUI); err != nil {
		t.Fatalf("retry install: %v", err)
	}
	st, _ = o.Status(tool.ComfyUI)
	if st.State != "installed" {
		t.Fatalf("state after retry = %q, want installed", st.State)
	}
}

func TestMissingPrerequisiteWarnsButDoesNotBlock(t *testing.T) {
	parent := t.TempDir()
	o := newTestOrchestrator(t, parent, &fakeRunner{}, probeMissing)
	ctx := context.Background()

	if err := o.VerifyPrerequisites(ctx, tool.ComfyUI); !errors.Is(err, ErrPrerequisiteMissing) {
		t.Fatalf("expected ErrPrerequisiteMissing, got %v", err)
	}
	// Install still proceeds and succeeds; the gap is only surfaced.
	if err := o.Install(ctx, tool.ComfyUI); err != nil {
		t.Fatalf("install: %v", err)
	}
	var warned bool
	for _, ev := range o.Bus().Events("comfyui") {
		if ev.Severity == logbus.Warn && strings.Contains(ev.Message, "prerequisite") {
			warned = true
		}
	}
	if !warned {
		t.Fatalf("expected a prerequisite warning on the bus")
	}
}

func TestConcurrentDuplicateInstall(t *testing.T) {
	parent := t.TempDir()
	run := &fakeRunner{delay: 150 * time.Millisecond}
	o := newTestOrchestrator(t, parent, run, probeOK)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- o.Install(context.Background(), tool.ComfyUI) }()
	}
	var okCount, dupCount int
	for i := 0; i < 2; i++ {
		err := <-errs
		switch {
		case err == nil:
			okCount++
		case errors.Is(err, ErrAlreadyInstalling):
			dupCount++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if okCount != 1 || dupCount != 1 {
		t.Fatalf("got ok=%d dup=%d, want exactly one of each", okCount, dupCount)
	}
	st, _ := o.Status(tool.ComfyUI)
	if st.State != "installed" {
		t.Fatalf("state = %q, want installed", st.State)
	}
}

func TestParallelInstallsOfDistinctTools(t *testing.T) {
	parent := t.TempDir()
	run := &fakeRunner{delay: 50 * time.Millisecond}
	o := newTestOrchestrator(t, parent, run, probeOK)

	var wg sync.WaitGroup
	errs := make([]error, len(tool.IDs()))
	for i, id := range tool.IDs() {
		wg.Add(1)
		go func(i int, id tool.ID) {
			defer wg.Done()
			errs[i] = o.Install(context.Background(), id)
		}(i, id)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("install %s: %v", tool.IDs()[i], err)
		}
	}
	// Both tools' settings must survive the concurrent saves.
	cfg := o.Config().Snapshot()
	for _, id := range tool.IDs() {
		if _, ok := cfg[string(id)]; !ok {
			t.Fatalf("config lost entry for %s", id)
		}
	}
}

func TestStartNotInstalled(t *testing.T) {
	parent := t.TempDir()
	o := newTestOrchestrator(t, parent, &fakeRunner{}, probeOK)
	if _, err := o.Start(context.Background(), tool.ComfyUI); !errors.Is(err, ErrNotInstalled) {
		t.Fatalf("expected ErrNotInstalled, got %v", err)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell stub launch is unix-only")
	}
	parent := t.TempDir()
	fakeInstall(t, parent, tool.ComfyUI)
	o := newTestOrchestrator(t, parent, &fakeRunner{}, probeOK)
	ctx := context.Background()

	ps, err := o.Start(ctx, tool.ComfyUI)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if ps.PID <= 0 {
		t.Fatalf("expected live pid")
	}

	if _, err := o.Start(ctx, tool.ComfyUI); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if err := o.Update(ctx, tool.ComfyUI); !errors.Is(err, ErrToolBusy) {
		t.Fatalf("expected ErrToolBusy for update while running, got %v", err)
	}
	if err := o.Install(ctx, tool.ComfyUI); !errors.Is(err, ErrToolBusy) {
		t.Fatalf("expected ErrToolBusy for install while running, got %v", err)
	}

	if err := o.Stop(ctx, tool.ComfyUI); err != nil {
		t.Fatalf("stop: %v", err)
	}
	st, _ := o.Status(tool.ComfyUI)
	if st.Process.Running {
		t.Fatalf("process still reported running")
	}
	// Stop on a stopped tool is a no-op.
	if err := o.Stop(ctx, tool.ComfyUI); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestStartExcludesConcurrentInstall(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell stub launch is unix-only")
	}
	parent := t.TempDir()
	fakeInstall(t, parent, tool.ComfyUI)
	run := &fakeRunner{delay: 20 * time.Millisecond}
	o := newTestOrchestrator(t, parent, run, probeOK)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		var wg sync.WaitGroup
		var startErr, installErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, startErr = o.Start(ctx, tool.ComfyUI)
		}()
		go func() {
			defer wg.Done()
			installErr = o.Install(ctx, tool.ComfyUI)
		}()
		wg.Wait()
		if startErr == nil && installErr == nil {
			st, _ := o.Status(tool.ComfyUI)
			t.Fatalf("iteration %d: start and install both succeeded (%+v)", i, st)
		}
		if startErr == nil {
			if err := o.Stop(ctx, tool.ComfyUI); err != nil {
				t.Fatalf("stop: %v", err)
			}
		}
	}
}

func TestRestartSpawnsNewProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell stub launch is unix-only")
	}
	parent := t.TempDir()
	fakeInstall(t, parent, tool.ComfyUI)
	o := newTestOrchestrator(t, parent, &fakeRunner{}, probeOK)
	ctx := context.Background()

	first, err := o.Start(ctx, tool.ComfyUI)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	second, err := o.Restart(ctx, tool.ComfyUI)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if second.PID == first.PID {
		t.Fatalf("restart reused pid %d", first.PID)
	}
}

func TestUpdateRequiresInstall(t *testing.T) {
	parent := t.TempDir()
	o := newTestOrchestrator(t, parent, &fakeRunner{}, probeOK)
	if err := o.Update(context.Background(), tool.ComfyUI); !errors.Is(err, ErrNotInstalled) {
		t.Fatalf("expected ErrNotInstalled, got %v", err)
	}
}

func TestUpdateAfterInstall(t *testing.T) {
	parent := t.TempDir()
	fakeInstall(t, parent, tool.ComfyUI)
	run := &fakeRunner{}
	o := newTestOrchestrator(t, parent, run, probeOK)
	ctx := context.Background()

	if err := o.Update(ctx, tool.ComfyUI); err != nil {
		t.Fatalf("update: %v", err)
	}
	run.mu.Lock()
	joined := strings.Join(run.calls, "\n")
	run.mu.Unlock()
	for _, want := range []string{"git fetch", "git pull"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("update calls missing %q:\n%s", want, joined)
		}
	}

	// A failed update keeps the tool installed.
	run.mu.Lock()
	run.fail = "pip install"
	run.mu.Unlock()
	if err := o.Update(ctx, tool.ComfyUI); err == nil {
		t.Fatalf("expected update failure")
	}
	st, _ := o.Status(tool.ComfyUI)
	if st.State != "installed" {
		t.Fatalf("state after failed update = %q, want installed", st.State)
	}
	if st.LastError == "" {
		t.Fatalf("expected LastError after failed update")
	}
}

func TestDoctorDeduplicatesPrereqs(t *testing.T) {
	parent := t.TempDir()
	o := newTestOrchestrator(t, parent, &fakeRunner{}, probeOK)
	checks := o.Doctor(context.Background())
	seen := make(map[string]bool)
	for _, c := range checks {
		if seen[c.Name] {
			t.Fatalf("duplicate check for %s", c.Name)
		}
		seen[c.Name] = true
	}
	if !seen["git"] || !seen["node"] || !seen["docker"] {
		t.Fatalf("expected git, node, and docker checks, got %v", checks)
	}
}

func TestOpenUsesConfiguredOpener(t *testing.T) {
	parent := t.TempDir()
	var opened string
	o := New(Options{
		Bus:     logbus.New(0),
		Config:  newTestConfig(t, parent),
		Runner:  (&fakeRunner{}).run,
		Probe:   probeOK,
		OpenURL: func(u string) { opened = u },
	})
	t.Cleanup(o.Shutdown)
	if err := o.Open(tool.ComfyUI); err != nil {
		t.Fatalf("open: %v", err)
	}
	if !strings.Contains(opened, "8188") {
		t.Fatalf("opened %q, want the ComfyUI URL", opened)
	}
}
