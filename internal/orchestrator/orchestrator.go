// Package orchestrator coordinates the managed tools across install,
// update, and run lifecycles. It owns the per-tool state machine and
// is the single entry point the CLI and HTTP server call into.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/thenullengine/ailab/internal/config"
	"github.com/thenullengine/ailab/internal/history"
	"github.com/thenullengine/ailab/internal/installer"
	"github.com/thenullengine/ailab/internal/logbus"
	"github.com/thenullengine/ailab/internal/logger"
	"github.com/thenullengine/ailab/internal/metrics"
	"github.com/thenullengine/ailab/internal/probe"
	"github.com/thenullengine/ailab/internal/supervisor"
	"github.com/thenullengine/ailab/internal/tool"
)

var (
	// ErrAlreadyInstalling is returned when an install is requested for
	// a tool whose install is still in flight.
	ErrAlreadyInstalling = errors.New("install already in progress")
	// ErrNotInstalled is returned by Start and Update when the tool has
	// no usable installation.
	ErrNotInstalled = errors.New("tool is not installed")
	// ErrToolBusy is returned when an operation conflicts with another
	// in-flight operation or a running process.
	ErrToolBusy = errors.New("tool is busy")
	// ErrPrerequisiteMissing is returned when a required host command
	// is absent or too old.
	ErrPrerequisiteMissing = errors.New("prerequisite missing")

	// ErrAlreadyRunning mirrors the supervisor sentinel so callers only
	// need this package's errors.
	ErrAlreadyRunning = supervisor.ErrAlreadyRunning
)

// ToolStatus is the externally visible state of one managed tool.
type ToolStatus struct {
	ID          tool.ID           `json:"id"`
	DisplayName string            `json:"display_name"`
	State       string            `json:"state"`
	Operation   string            `json:"operation,omitempty"`
	InstallRoot string            `json:"install_root"`
	URL         string            `json:"url"`
	LastError   string            `json:"last_error,omitempty"`
	Process     supervisor.Status `json:"process"`
}

// ProbeFunc checks host prerequisites. The default is probe.RunAll.
type ProbeFunc func(ctx context.Context, ps []probe.Prerequisite) []probe.Check

// Options configures a new Orchestrator. Bus and Config are required.
type Options struct {
	Bus     *logbus.Bus
	Config  *config.Store
	History history.Store    // optional operation trail
	Runner  installer.Runner // optional, overrides command execution
	Probe   ProbeFunc        // optional, overrides prerequisite checks
	Log     logger.Config    // per-tool process log files

	StopGrace   time.Duration
	OpenOnReady bool
	OpenURL     func(string) // browser opener, optional
}

type toolState struct {
	state   tool.State
	op      string // "install" or "update" while in flight
	lastErr error
}

// Orchestrator serializes operations per tool while allowing different
// tools to proceed in parallel.
type Orchestrator struct {
	mu     sync.Mutex
	states map[tool.ID]*toolState

	bus   *logbus.Bus
	cfg   *config.Store
	hist  history.Store
	inst  *installer.Installer
	sup   *supervisor.Supervisor
	probe ProbeFunc

	log         logger.Config
	stopGrace   time.Duration
	openOnReady bool
	openURL     func(string)
}

// New builds an orchestrator and derives each tool's initial state
// from what is present on disk.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		states:      make(map[tool.ID]*toolState),
		bus:         opts.Bus,
		cfg:         opts.Config,
		hist:        opts.History,
		inst:        installer.New(opts.Bus, opts.Runner),
		sup:         supervisor.New(opts.Bus),
		probe:       opts.Probe,
		log:         opts.Log,
		stopGrace:   opts.StopGrace,
		openOnReady: opts.OpenOnReady,
		openURL:     opts.OpenURL,
	}
	if o.stopGrace <= 0 {
		o.stopGrace = supervisor.DefaultStopGrace
	}
	if o.probe == nil {
		o.probe = probe.RunAll
	}
	for _, p := range tool.Profiles() {
		st := tool.StateNotInstalled
		if p.Detect(p.InstallRoot(o.cfg.Tool(string(p.ID)))) {
			st = tool.StateInstalled
		}
		o.states[p.ID] = &toolState{state: st}
	}
	return o
}

// Bus exposes the event stream for presentation layers.
func (o *Orchestrator) Bus() *logbus.Bus { return o.bus }

// Config exposes the settings store.
func (o *Orchestrator) Config() *config.Store { return o.cfg }

func (o *Orchestrator) profile(id tool.ID) (tool.Profile, error) {
	p, ok := tool.ByID(id)
	if !ok {
		return tool.Profile{}, fmt.Errorf("unknown tool %q", id)
	}
	return p, nil
}

// beginOp claims the tool for op. Exactly one concurrent caller wins;
// the rest get a sentinel describing the conflict.
func (o *Orchestrator) beginOp(id tool.ID, op string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	ts := o.states[id]
	if ts.op != "" {
		if ts.op == "install" && op == "install" {
			return fmt.Errorf("%s: %w", id, ErrAlreadyInstalling)
		}
		return fmt.Errorf("%s: %s blocked by in-flight %s: %w", id, op, ts.op, ErrToolBusy)
	}
	if o.sup.IsRunning(string(id)) {
		if op == "start" {
			return fmt.Errorf("%s: %w", id, ErrAlreadyRunning)
		}
		return fmt.Errorf("%s: %s requires the process to be stopped: %w", id, op, ErrToolBusy)
	}
	switch op {
	case "install":
		ts.state = tool.StateInstalling
	case "update", "start":
		if ts.state != tool.StateInstalled {
			return fmt.Errorf("%s: %w", id, ErrNotInstalled)
		}
	}
	ts.op = op
	ts.lastErr = nil
	return nil
}

func (o *Orchestrator) endOp(id tool.ID, state tool.State, opErr error) {
	o.mu.Lock()
	ts := o.states[id]
	ts.op = ""
	ts.state = state
	ts.lastErr = opErr
	o.mu.Unlock()
}

func (o *Orchestrator) record(ctx context.Context, id tool.ID, op string, started time.Time, opErr error) {
	if o.hist == nil {
		return
	}
	rec := history.Record{
		Tool:       string(id),
		Operation:  op,
		Outcome:    history.OutcomeOK,
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
	if opErr != nil {
		rec.Outcome = history.OutcomeFailed
		rec.Detail = opErr.Error()
	}
	if err := o.hist.Append(ctx, rec); err != nil {
		o.bus.Warnf(string(id), "history append failed: %v", err)
	}
}

// warnPrereqs surfaces unsatisfied host prerequisites on the event
// bus. Install proceeds regardless and fails at the step that needed
// the missing command.
func (o *Orchestrator) warnPrereqs(ctx context.Context, p tool.Profile) {
	for _, c := range o.probe(ctx, p.Prereqs) {
		if !c.Satisfied() {
			o.bus.Warnf(string(p.ID), "prerequisite %s not satisfied (found %q, need >= %s)", c.Name, c.Version, c.RequiredMinimum)
		}
	}
}

// VerifyPrerequisites probes the tool's host prerequisites and returns
// ErrPrerequisiteMissing naming every unsatisfied one.
func (o *Orchestrator) VerifyPrerequisites(ctx context.Context, id tool.ID) error {
	p, err := o.profile(id)
	if err != nil {
		return err
	}
	var missing []string
	for _, c := range o.probe(ctx, p.Prereqs) {
		if !c.Satisfied() {
			missing = append(missing, c.Name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s: %w: %s", id, ErrPrerequisiteMissing, strings.Join(missing, ", "))
	}
	return nil
}

// Install runs the full installation sequence for id. It is
// synchronous; callers that need fire-and-forget run it in a
// goroutine. A concurrent duplicate call returns ErrAlreadyInstalling.
func (o *Orchestrator) Install(ctx context.Context, id tool.ID) error {
	p, err := o.profile(id)
	if err != nil {
		return err
	}
	if err := o.beginOp(id, "install"); err != nil {
		return err
	}
	started := time.Now()
	o.warnPrereqs(ctx, p)
	st := o.cfg.Tool(string(id))
	err = o.inst.Install(ctx, p, st, installer.Options{
		WriteDefaultConfig: func() error {
			o.cfg.SetTool(string(id), st)
			return o.cfg.Save()
		},
	})
	outcome := history.OutcomeOK
	if err != nil {
		outcome = history.OutcomeFailed
		o.endOp(id, tool.StateFailed, err)
	} else {
		o.endOp(id, tool.StateInstalled, nil)
	}
	o.record(ctx, id, "install", started, err)
	metrics.IncInstall(string(id), outcome)
	metrics.ObserveInstallDuration(string(id), "install", time.Since(started).Seconds())
	return err
}

// Update refreshes the tool's checkout and reinstalls dependencies.
// The tool must be installed and stopped.
func (o *Orchestrator) Update(ctx context.Context, id tool.ID) error {
	p, err := o.profile(id)
	if err != nil {
		return err
	}
	if !p.SupportsUpdate {
		return fmt.Errorf("%s: update is not supported", id)
	}
	if err := o.beginOp(id, "update"); err != nil {
		return err
	}
	started := time.Now()
	err = o.inst.Update(ctx, p, o.cfg.Tool(string(id)))
	outcome := history.OutcomeOK
	if err != nil {
		outcome = history.OutcomeFailed
	}
	// A failed update leaves the checkout in place; the tool stays
	// installed and the error is surfaced via LastError.
	o.endOp(id, tool.StateInstalled, err)
	o.record(ctx, id, "update", started, err)
	metrics.IncUpdate(string(id), outcome)
	metrics.ObserveInstallDuration(string(id), "update", time.Since(started).Seconds())
	return err
}

// Start launches the tool's process. The returned status reflects the
// freshly spawned child; readiness is reported asynchronously on the
// event bus. Start holds the per-tool operation claim until the child
// is spawned, so a concurrent install cannot slip in between the state
// check and the spawn.
func (o *Orchestrator) Start(ctx context.Context, id tool.ID) (supervisor.Status, error) {
	p, err := o.profile(id)
	if err != nil {
		return supervisor.Status{}, err
	}
	if err := o.beginOp(id, "start"); err != nil {
		return supervisor.Status{}, err
	}

	st := o.cfg.Tool(string(id))
	root := p.InstallRoot(st)
	if !p.Detect(root) {
		err := fmt.Errorf("%s: missing installation at %s: %w", id, root, ErrNotInstalled)
		o.endOp(id, tool.StateNotInstalled, err)
		return supervisor.Status{}, err
	}
	argv, dir := p.LaunchArgv(root, st)
	spec := supervisor.Spec{
		Name:         string(id),
		Argv:         argv,
		Dir:          dir,
		Env:          []string{"PATH=" + p.VenvBin(root) + string(os.PathListSeparator) + os.Getenv("PATH")},
		ReadyPattern: p.ReadyPattern,
		ReadyDelay:   p.ReadyDelay,
		StopGrace:    o.stopGrace,
		Log:          o.log,
		OnExit: func(ps supervisor.Status, requested bool) {
			metrics.SetRunning(string(id), false)
			if !requested && ps.ExitCode != 0 {
				metrics.IncUnexpectedExit(string(id))
			}
		},
	}
	if o.openOnReady && o.openURL != nil && p.URL != "" {
		url := p.URL
		spec.OnReady = func() {
			o.bus.Infof(string(id), "opening %s", url)
			o.openURL(url)
		}
	}
	started := time.Now()
	ps, err := o.sup.Start(spec)
	o.record(ctx, id, "start", started, err)
	o.endOp(id, tool.StateInstalled, err)
	if err != nil {
		return supervisor.Status{}, err
	}
	metrics.IncStart(string(id))
	metrics.SetRunning(string(id), true)
	return ps, nil
}

// Stop terminates the tool's process if it is running. Stopping a
// stopped tool is a no-op.
func (o *Orchestrator) Stop(ctx context.Context, id tool.ID) error {
	if _, err := o.profile(id); err != nil {
		return err
	}
	if !o.sup.IsRunning(string(id)) {
		return nil
	}
	started := time.Now()
	err := o.sup.Stop(string(id), o.stopGrace)
	o.record(ctx, id, "stop", started, err)
	if err == nil {
		metrics.IncStop(string(id))
	}
	return err
}

// Restart stops the tool if running, then starts it. The stop phase
// completes fully before the new process is spawned.
func (o *Orchestrator) Restart(ctx context.Context, id tool.ID) (supervisor.Status, error) {
	if err := o.Stop(ctx, id); err != nil {
		return supervisor.Status{}, err
	}
	return o.Start(ctx, id)
}

// Open launches the tool's web UI in the configured browser opener.
func (o *Orchestrator) Open(id tool.ID) error {
	p, err := o.profile(id)
	if err != nil {
		return err
	}
	if o.openURL == nil {
		return fmt.Errorf("%s: no browser opener configured", id)
	}
	o.openURL(p.URL)
	return nil
}

// Status reports the current state of one tool.
func (o *Orchestrator) Status(id tool.ID) (ToolStatus, error) {
	p, err := o.profile(id)
	if err != nil {
		return ToolStatus{}, err
	}
	o.mu.Lock()
	ts := *o.states[id]
	o.mu.Unlock()
	out := ToolStatus{
		ID:          id,
		DisplayName: p.DisplayName,
		State:       ts.state.String(),
		Operation:   ts.op,
		InstallRoot: p.InstallRoot(o.cfg.Tool(string(id))),
		URL:         p.URL,
		Process:     o.sup.Status(string(id)),
	}
	if ts.lastErr != nil {
		out.LastError = ts.lastErr.Error()
	}
	return out, nil
}

// StatusAll reports every managed tool in catalog order.
func (o *Orchestrator) StatusAll() []ToolStatus {
	out := make([]ToolStatus, 0, len(tool.IDs()))
	for _, id := range tool.IDs() {
		st, err := o.Status(id)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	return out
}

// Doctor probes the union of every tool's prerequisites plus the
// host-level ones, each at most once.
func (o *Orchestrator) Doctor(ctx context.Context) []probe.Check {
	seen := make(map[string]bool)
	var ps []probe.Prerequisite
	for _, pre := range tool.HostPrereqs() {
		seen[pre.Name] = true
		ps = append(ps, pre)
	}
	for _, p := range tool.Profiles() {
		for _, pre := range p.Prereqs {
			if !seen[pre.Name] {
				seen[pre.Name] = true
				ps = append(ps, pre)
			}
		}
	}
	return o.probe(ctx, ps)
}

// History returns recent operation records, newest first. It returns
// nil when no history store is configured.
func (o *Orchestrator) History(ctx context.Context, toolName string, limit int) ([]history.Record, error) {
	if o.hist == nil {
		return nil, nil
	}
	return o.hist.Recent(ctx, toolName, limit)
}

// Shutdown stops all running tools and closes the history store.
func (o *Orchestrator) Shutdown() {
	o.sup.StopAll(o.stopGrace)
	for _, id := range tool.IDs() {
		metrics.SetRunning(string(id), false)
	}
	if o.hist != nil {
		_ = o.hist.Close()
	}
}
