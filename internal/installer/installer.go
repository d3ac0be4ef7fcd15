package installer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/thenullengine/ailab/internal/config"
	"github.com/thenullengine/ailab/internal/logbus"
	"github.com/thenullengine/ailab/internal/tool"
)

// ErrNetworkFailure marks a failed network-bound step (clone, pull,
// package download). It is surfaced, never retried; the caller may
// re-invoke Install manually.
var ErrNetworkFailure = errors.New("network failure")

// Runner executes one external command with dir as working directory,
// streaming each combined output line to onLine. Tests substitute a
// fake; the default shells out.
type Runner func(ctx context.Context, dir string, onLine func(string), name string, args ...string) error

// ExecRunner is the production Runner.
func ExecRunner(ctx context.Context, dir string, onLine func(string), name string, args ...string) error {
	// #nosec G204 -- commands come from the fixed tool catalog
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	done := make(chan struct{})
	go func() {
		sc := bufio.NewScanner(pr)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			if onLine != nil {
				onLine(sc.Text())
			}
		}
		close(done)
	}()
	err := cmd.Run()
	_ = pw.Close()
	<-done
	return err
}

// step is one idempotent unit of an install plan. network-bound steps
// get their failures wrapped in ErrNetworkFailure.
type step struct {
	name    string
	network bool
	fn      func(ctx context.Context) error
}

// Installer drives one-time setup and updates for the managed tools.
// It owns no state; progress is reported through the log bus.
type Installer struct {
	bus *logbus.Bus
	run Runner
}

func New(bus *logbus.Bus, run Runner) *Installer {
	if run == nil {
		run = ExecRunner
	}
	return &Installer{bus: bus, run: run}
}

// Options tunes one install invocation.
type Options struct {
	// WriteDefaultConfig persists the tool's default settings entry if
	// absent. Supplied by the orchestrator; may be nil.
	WriteDefaultConfig func() error
}

// Install runs the full idempotent step sequence for p. Already
// completed steps are skipped; the first failure aborts the remainder
// and is returned. Partial on-disk state is left for the next attempt
// to repair.
func (in *Installer) Install(ctx context.Context, p tool.Profile, st config.Settings, opts Options) error {
	root := p.InstallRoot(st)
	steps := []step{
		{name: "acquire source", network: true, fn: func(ctx context.Context) error {
			return in.acquireSource(ctx, p, root)
		}},
		{name: "create environment", fn: func(ctx context.Context) error {
			return in.createEnv(ctx, p, root)
		}},
		{name: "install dependencies", network: true, fn: func(ctx context.Context) error {
			return in.installDeps(ctx, p, st, root)
		}},
		{name: "write default config", fn: func(ctx context.Context) error {
			if opts.WriteDefaultConfig == nil {
				return nil
			}
			return opts.WriteDefaultConfig()
		}},
	}
	return in.runSteps(ctx, p, steps)
}

// Update re-runs source acquisition and dependency installation
// against an already installed root.
func (in *Installer) Update(ctx context.Context, p tool.Profile, st config.Settings) error {
	root := p.InstallRoot(st)
	steps := []step{
		{name: "refresh source", network: true, fn: func(ctx context.Context) error {
			return in.refreshSource(ctx, p, root)
		}},
		{name: "install dependencies", network: true, fn: func(ctx context.Context) error {
			return in.installDeps(ctx, p, st, root)
		}},
	}
	return in.runSteps(ctx, p, steps)
}

func (in *Installer) runSteps(ctx context.Context, p tool.Profile, steps []step) error {
	name := string(p.ID)
	for _, s := range steps {
		in.bus.Infof(name, "step %q starting", s.name)
		if err := s.fn(ctx); err != nil {
			if s.network {
				err = fmt.Errorf("%w: %v", ErrNetworkFailure, err)
			}
			in.bus.Errorf(name, "step %q failed: %v", s.name, err)
			return fmt.Errorf("%s: step %q: %w", p.DisplayName, s.name, err)
		}
		in.bus.Infof(name, "step %q done", s.name)
	}
	return nil
}

func (in *Installer) acquireSource(ctx context.Context, p tool.Profile, root string) error {
	name := string(p.ID)
	if p.Detect(root) {
		in.bus.Infof(name, "source already present at %s, skipping clone", root)
		return nil
	}
	parent := filepath.Dir(root)
	if err := os.MkdirAll(parent, 0o750); err != nil {
		return err
	}
	in.bus.Infof(name, "cloning %s", p.RepoURL)
	return in.run(ctx, parent, in.lineSink(name), "git", "clone", "--depth", "1", p.RepoURL, filepath.Base(root))
}

func (in *Installer) refreshSource(ctx context.Context, p tool.Profile, root string) error {
	name := string(p.ID)
	if !p.Detect(root) {
		return fmt.Errorf("no source checkout at %s", root)
	}
	sink := in.lineSink(name)
	if err := in.run(ctx, root, sink, "git", "fetch"); err != nil {
		return err
	}
	if err := in.run(ctx, root, sink, "git", "reset", "--hard"); err != nil {
		return err
	}
	return in.run(ctx, root, sink, "git", "pull")
}

func (in *Installer) createEnv(ctx context.Context, p tool.Profile, root string) error {
	name := string(p.ID)
	if p.HasVenv(root) {
		in.bus.Infof(name, "isolated environment already present, skipping")
		return nil
	}
	in.bus.Infof(name, "creating isolated environment in %s", p.VenvDir)
	return in.run(ctx, root, in.lineSink(name), "python3", "-m", "venv", p.VenvDir)
}

func (in *Installer) installDeps(ctx context.Context, p tool.Profile, st config.Settings, root string) error {
	name := string(p.ID)
	sink := in.lineSink(name)
	py := p.VenvPython(root)
	if err := in.run(ctx, root, sink, py, "-m", "pip", "install", "--upgrade", "pip"); err != nil {
		return err
	}
	if p.Requirements != "" {
		if err := in.run(ctx, root, sink, py, "-m", "pip", "install", "-r", p.Requirements); err != nil {
			return err
		}
	}
	for _, pkg := range p.ExtraPackages {
		if err := in.run(ctx, root, sink, py, "-m", "pip", "install", pkg); err != nil {
			return err
		}
	}
	if err := in.installCustomNodes(ctx, p, st, root); err != nil {
		return err
	}
	if p.UIDir != "" {
		in.bus.Infof(name, "installing UI dependencies in %s", p.UIDir)
		if err := in.run(ctx, filepath.Join(root, p.UIDir), sink, "npm", "install"); err != nil {
			return err
		}
	}
	return nil
}

// installCustomNodes clones the profile's node repositories and
// installs their requirements. Per-node failures are reported as
// warnings and do not fail the install, matching the tolerance the
// tools themselves show for broken nodes.
func (in *Installer) installCustomNodes(ctx context.Context, p tool.Profile, st config.Settings, root string) error {
	if len(p.CustomNodes) == 0 && len(p.ExtraNodes) == 0 {
		return nil
	}
	name := string(p.ID)
	sink := in.lineSink(name)
	nodeDir := filepath.Join(root, "custom_nodes")
	if err := os.MkdirAll(nodeDir, 0o750); err != nil {
		return err
	}
	repos := append([]string(nil), p.CustomNodes...)
	if !st.Bool("quick_install", false) {
		repos = append(repos, p.ExtraNodes...)
	} else {
		in.bus.Infof(name, "quick install: skipping %d optional nodes", len(p.ExtraNodes))
	}
	py := p.VenvPython(root)
	for _, repo := range repos {
		nodeName := strings.TrimSuffix(filepath.Base(repo), ".git")
		target := filepath.Join(nodeDir, nodeName)
		if _, err := os.Stat(target); err == nil {
			in.bus.Infof(name, "node %s already present, skipping", nodeName)
			continue
		}
		in.bus.Infof(name, "cloning node %s", nodeName)
		if err := in.run(ctx, nodeDir, sink, "git", "clone", "--depth", "1", repo, nodeName); err != nil {
			in.bus.Warnf(name, "failed to clone node %s: %v", nodeName, err)
			continue
		}
		req := filepath.Join(target, "requirements.txt")
		if _, err := os.Stat(req); err == nil {
			if err := in.run(ctx, target, sink, py, "-m", "pip", "install", "-r", req); err != nil {
				in.bus.Warnf(name, "node %s requirements failed: %v", nodeName, err)
			}
		}
	}
	return nil
}

func (in *Installer) lineSink(name string) func(string) {
	return func(line string) {
		if strings.TrimSpace(line) == "" {
			return
		}
		in.bus.Infof(name, "  %s", line)
	}
}
