// Package ailab manages a small local lab of AI tools: it installs,
// updates, launches, and watches ComfyUI and AI Toolkit, persists
// their settings, and renders the companion docker-compose stack.
package ailab

import (
	"context"
	"net/http"
	"time"

	cfg "github.com/thenullengine/ailab/internal/config"
	"github.com/thenullengine/ailab/internal/history"
	"github.com/thenullengine/ailab/internal/homelab"
	"github.com/thenullengine/ailab/internal/installer"
	"github.com/thenullengine/ailab/internal/logbus"
	"github.com/thenullengine/ailab/internal/logger"
	"github.com/thenullengine/ailab/internal/metrics"
	"github.com/thenullengine/ailab/internal/orchestrator"
	"github.com/thenullengine/ailab/internal/probe"
	iapi "github.com/thenullengine/ailab/internal/server"
	"github.com/thenullengine/ailab/internal/supervisor"
	"github.com/thenullengine/ailab/internal/tool"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type ToolID = tool.ID

const (
	ComfyUI   = tool.ComfyUI
	AIToolkit = tool.AIToolkit
)

type ToolStatus = orchestrator.ToolStatus

type ProcessStatus = supervisor.Status

type Event = logbus.Event

type Check = probe.Check

type HistoryRecord = history.Record

type Settings = cfg.Settings

type LogConfig = logger.Config

type ManagerConfig = cfg.ManagerConfig

// Sentinel errors surfaced by Manager operations.
var (
	ErrAlreadyInstalling   = orchestrator.ErrAlreadyInstalling
	ErrAlreadyRunning      = orchestrator.ErrAlreadyRunning
	ErrNotInstalled        = orchestrator.ErrNotInstalled
	ErrToolBusy            = orchestrator.ErrToolBusy
	ErrPrerequisiteMissing = orchestrator.ErrPrerequisiteMissing
	ErrNetworkFailure      = installer.ErrNetworkFailure
	ErrStartFailure        = supervisor.ErrStartFailure
)

// ParseTool resolves a tool identifier from user input.
func ParseTool(s string) (ToolID, error) { return tool.Parse(s) }

// Tools lists the managed tool identifiers in stable order.
func Tools() []ToolID { return tool.IDs() }

// Options configures a Manager.
type Options struct {
	ConfigPath    string        // settings document, default "ailab.json"
	HistoryDriver string        // "", "sqlite", "postgres"
	HistoryDSN    string        //
	Log           LogConfig     // rotating per-tool process logs
	StopGrace     time.Duration //
	OpenOnReady   bool          // open the tool URL once ready
	OpenURL       func(string)  // browser opener; nil disables open
}

// Manager is a thin facade over the internal orchestrator. It provides
// a stable public API for embedding.
type Manager struct {
	inner *orchestrator.Orchestrator
	bus   *logbus.Bus
}

// New builds a Manager. The settings document is loaded (or seeded
// with defaults) from opts.ConfigPath; a parse failure falls back to
// defaults and is reported on the event bus.
func New(opts Options) (*Manager, error) {
	bus := logbus.New(0)
	path := opts.ConfigPath
	if path == "" {
		path = cfg.DefaultFileName
	}
	store, err := cfg.Load(path, tool.DefaultSettings())
	if err != nil {
		bus.Warnf("config", "settings unreadable, using defaults: %v", err)
	}
	var hist history.Store
	if opts.HistoryDriver != "" {
		hist, err = history.Open(opts.HistoryDriver, opts.HistoryDSN)
		if err != nil {
			return nil, err
		}
		if err := hist.EnsureSchema(context.Background()); err != nil {
			_ = hist.Close()
			return nil, err
		}
	}
	orc := orchestrator.New(orchestrator.Options{
		Bus:         bus,
		Config:      store,
		History:     hist,
		Log:         opts.Log,
		StopGrace:   opts.StopGrace,
		OpenOnReady: opts.OpenOnReady,
		OpenURL:     opts.OpenURL,
	})
	return &Manager{inner: orc, bus: bus}, nil
}

func (m *Manager) Install(ctx context.Context, id ToolID) error { return m.inner.Install(ctx, id) }
func (m *Manager) Update(ctx context.Context, id ToolID) error  { return m.inner.Update(ctx, id) }
func (m *Manager) Start(ctx context.Context, id ToolID) (ProcessStatus, error) {
	return m.inner.Start(ctx, id)
}
func (m *Manager) Stop(ctx context.Context, id ToolID) error { return m.inner.Stop(ctx, id) }
func (m *Manager) Restart(ctx context.Context, id ToolID) (ProcessStatus, error) {
	return m.inner.Restart(ctx, id)
}
func (m *Manager) Open(id ToolID) error                    { return m.inner.Open(id) }
func (m *Manager) Status(id ToolID) (ToolStatus, error)    { return m.inner.Status(id) }
func (m *Manager) StatusAll() []ToolStatus                 { return m.inner.StatusAll() }
func (m *Manager) Doctor(ctx context.Context) []Check      { return m.inner.Doctor(ctx) }
func (m *Manager) Events(id ToolID, n int) []Event         { return m.bus.Tail(string(id), n) }
func (m *Manager) Subscribe(buf int) (<-chan Event, func()) { return m.bus.Subscribe(buf) }
func (m *Manager) VerifyPrerequisites(ctx context.Context, id ToolID) error {
	return m.inner.VerifyPrerequisites(ctx, id)
}
func (m *Manager) History(ctx context.Context, toolName string, limit int) ([]HistoryRecord, error) {
	return m.inner.History(ctx, toolName, limit)
}
func (m *Manager) ToolSettings(id ToolID) Settings { return m.inner.Config().Tool(string(id)) }
func (m *Manager) SetToolSettings(id ToolID, st Settings) error {
	m.inner.Config().SetTool(string(id), st)
	return m.inner.Config().Save()
}
func (m *Manager) Shutdown() { m.inner.Shutdown() }

// Homelab facade

type HomelabService = homelab.Service

type Homelab struct{ inner *homelab.Stack }

// NewHomelab builds the compose stack rooted at dir, sharing the
// manager's event bus.
func (m *Manager) NewHomelab(dir string, services []HomelabService) *Homelab {
	return &Homelab{inner: homelab.New(dir, services, m.bus, nil)}
}

func (h *Homelab) Up(ctx context.Context) error               { return h.inner.Up(ctx) }
func (h *Homelab) Down(ctx context.Context) error             { return h.inner.Down(ctx) }
func (h *Homelab) Status(ctx context.Context) ([]string, error) { return h.inner.Status(ctx) }
func (h *Homelab) Write() error                               { return h.inner.Write() }
func (h *Homelab) Path() string                               { return h.inner.Path() }

// HTTP surface

// NewServerHandler returns an embeddable http.Handler for the manager.
func (m *Manager) NewServerHandler(basePath string) http.Handler {
	return iapi.NewRouter(m.inner, basePath).Handler()
}

// NewServer starts a standalone HTTP server on addr. Listen failures
// are delivered on the returned channel.
func (m *Manager) NewServer(addr, basePath string) (*http.Server, <-chan error) {
	return iapi.NewServer(addr, basePath, m.inner)
}

// LoadManagerConfig reads the TOML runtime configuration for the CLI
// daemon (listen address, log locations, history backend).
func LoadManagerConfig(path string) (ManagerConfig, error) { return cfg.LoadManager(path) }

// RegisterMetrics registers the Prometheus collectors. Pass
// prometheus.DefaultRegisterer for the common case.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
