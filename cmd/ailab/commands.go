package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/thenullengine/ailab"
	"github.com/thenullengine/ailab/internal/logger"
	"github.com/thenullengine/ailab/pkg/client"
)

func newAPIClient(url string, timeout time.Duration) *client.Client {
	return client.New(client.Config{BaseURL: url, Timeout: timeout})
}

type command struct {
	flags *GlobalFlags
}

func (c *command) managerConfig() (ailab.ManagerConfig, error) {
	return ailab.LoadManagerConfig(c.flags.ConfigPath)
}

func (c *command) newManager(openOnReady bool) (*ailab.Manager, ailab.ManagerConfig, error) {
	mc, err := c.managerConfig()
	if err != nil {
		return nil, mc, err
	}
	m, err := ailab.New(ailab.Options{
		ConfigPath:    mc.ConfigPath,
		HistoryDriver: mc.History.Driver,
		HistoryDSN:    mc.History.DSN,
		Log:           ailab.LogConfig{Dir: mc.LogDir},
		StopGrace:     mc.StopGrace,
		OpenOnReady:   openOnReady && mc.OpenOnUp,
		OpenURL:       openBrowser,
	})
	return m, mc, err
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// Doctor prints every prerequisite check and fails when any managed
// tool has an unsatisfied one.
func (c *command) Doctor() error {
	m, _, err := c.newManager(false)
	if err != nil {
		return err
	}
	defer m.Shutdown()
	ctx, cancel := signalContext()
	defer cancel()
	for _, chk := range m.Doctor(ctx) {
		state := "ok"
		if !chk.Satisfied() {
			state = "MISSING"
		}
		ver := chk.Version
		if ver == "" {
			ver = "-"
		}
		fmt.Printf("%-10s %-8s version=%s", chk.Name, state, ver)
		if chk.RequiredMinimum != "" {
			fmt.Printf(" (need >= %s)", chk.RequiredMinimum)
		}
		fmt.Println()
	}
	var missing []string
	for _, id := range ailab.Tools() {
		if err := m.VerifyPrerequisites(ctx, id); err != nil {
			missing = append(missing, string(id))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("unsatisfied prerequisites for: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Install installs the named tool, streaming progress to stdout. With
// --api-url the request is delegated to a running daemon.
func (c *command) Install(f ToolFlags, name string) error {
	id, err := ailab.ParseTool(name)
	if err != nil {
		return err
	}
	if f.APIUrl != "" {
		ctx, cancel := signalContext()
		defer cancel()
		return newAPIClient(f.APIUrl, f.APITimeout).Install(ctx, string(id))
	}
	m, _, err := c.newManager(false)
	if err != nil {
		return err
	}
	defer m.Shutdown()
	stop := streamEvents(m)
	defer stop()
	ctx, cancel := signalContext()
	defer cancel()
	return m.Install(ctx, id)
}

// Update refreshes the named tool's checkout and dependencies.
func (c *command) Update(f ToolFlags, name string) error {
	id, err := ailab.ParseTool(name)
	if err != nil {
		return err
	}
	if f.APIUrl != "" {
		ctx, cancel := signalContext()
		defer cancel()
		return newAPIClient(f.APIUrl, f.APITimeout).Update(ctx, string(id))
	}
	m, _, err := c.newManager(false)
	if err != nil {
		return err
	}
	defer m.Shutdown()
	stop := streamEvents(m)
	defer stop()
	ctx, cancel := signalContext()
	defer cancel()
	return m.Update(ctx, id)
}

// Start runs the tool in the foreground, streaming its output until
// the process exits or the user interrupts. With --api-url the daemon
// takes ownership and the command returns immediately.
func (c *command) Start(f ToolFlags, name string) error {
	id, err := ailab.ParseTool(name)
	if err != nil {
		return err
	}
	if f.APIUrl != "" {
		ctx, cancel := signalContext()
		defer cancel()
		out, err := newAPIClient(f.APIUrl, f.APITimeout).Start(ctx, string(id))
		if err != nil {
			return err
		}
		printJSON(out)
		return nil
	}
	m, _, err := c.newManager(!f.NoOpen)
	if err != nil {
		return err
	}
	defer m.Shutdown()
	stop := streamEvents(m)
	defer stop()
	ctx, cancel := signalContext()
	defer cancel()
	if _, err := m.Start(ctx, id); err != nil {
		return err
	}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return m.Stop(context.Background(), id)
		case <-ticker.C:
			st, err := m.Status(id)
			if err != nil {
				return err
			}
			if !st.Process.Running {
				if st.Process.ExitCode != 0 {
					return fmt.Errorf("%s exited with code %d", id, st.Process.ExitCode)
				}
				return nil
			}
		}
	}
}

// Stop terminates the daemon-owned process for the named tool.
func (c *command) Stop(f ToolFlags, name string) error {
	id, err := ailab.ParseTool(name)
	if err != nil {
		return err
	}
	if f.APIUrl != "" {
		ctx, cancel := signalContext()
		defer cancel()
		return newAPIClient(f.APIUrl, f.APITimeout).Stop(ctx, string(id))
	}
	// Without a daemon there is no process to own; foreground runs are
	// stopped with an interrupt.
	return fmt.Errorf("stop requires a running daemon; pass --api-url or interrupt the foreground process")
}

// Restart restarts the tool. Locally this is a plain foreground start.
func (c *command) Restart(f ToolFlags, name string) error {
	if f.APIUrl != "" {
		id, err := ailab.ParseTool(name)
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()
		out, err := newAPIClient(f.APIUrl, f.APITimeout).Restart(ctx, string(id))
		if err != nil {
			return err
		}
		printJSON(out)
		return nil
	}
	return c.Start(f, name)
}

// Status prints tool status, for one tool or all of them.
func (c *command) Status(f ToolFlags, name string) error {
	if f.APIUrl != "" {
		ctx, cancel := signalContext()
		defer cancel()
		cl := newAPIClient(f.APIUrl, f.APITimeout)
		if name == "" {
			out, err := cl.StatusAll(ctx)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		}
		out, err := cl.Status(ctx, name)
		if err != nil {
			return err
		}
		printJSON(out)
		return nil
	}
	m, _, err := c.newManager(false)
	if err != nil {
		return err
	}
	defer m.Shutdown()
	if name == "" {
		printJSON(m.StatusAll())
		return nil
	}
	id, err := ailab.ParseTool(name)
	if err != nil {
		return err
	}
	st, err := m.Status(id)
	if err != nil {
		return err
	}
	printJSON(st)
	return nil
}

// Logs prints recent log lines, from the daemon when --api-url is set,
// otherwise from the rotating log file on disk.
func (c *command) Logs(f LogsFlags, name string) error {
	id, err := ailab.ParseTool(name)
	if err != nil {
		return err
	}
	if f.APIUrl != "" {
		ctx, cancel := signalContext()
		defer cancel()
		evs, err := newAPIClient(f.APIUrl, f.APITimeout).Logs(ctx, string(id), f.Lines)
		if err != nil {
			return err
		}
		for _, ev := range evs {
			fmt.Printf("%s [%s] %s %s\n", ev.Time.Format("15:04:05"), ev.Tool, ev.Severity, ev.Message)
		}
		return nil
	}
	mc, err := c.managerConfig()
	if err != nil {
		return err
	}
	return tailFile(filepath.Join(mc.LogDir, string(id)+".log"), f.Lines)
}

func tailFile(path string, n int) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("no log file at %s yet", path)
		}
		return err
	}
	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	for _, l := range lines {
		fmt.Println(l)
	}
	return nil
}

// Open opens the tool's web UI in the default browser.
func (c *command) Open(name string) error {
	id, err := ailab.ParseTool(name)
	if err != nil {
		return err
	}
	m, _, err := c.newManager(false)
	if err != nil {
		return err
	}
	defer m.Shutdown()
	return m.Open(id)
}

// Serve runs the HTTP daemon until interrupted.
func (c *command) Serve(f ServeFlags) error {
	mc, err := c.managerConfig()
	if err != nil {
		return err
	}
	m, _, err := c.newManager(mc.OpenOnUp)
	if err != nil {
		return err
	}
	defer m.Shutdown()
	if err := ailab.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		return err
	}
	lg := logger.NewSlogger(os.Stderr, logger.ParseLevel(mc.LogLevel), os.Getenv("NO_COLOR") == "")
	listen := mc.Listen
	if f.Listen != "" {
		listen = f.Listen
	}
	srv, srvErr := m.NewServer(listen, "")
	lg.Info("daemon listening", "addr", listen)
	ctx, cancel := signalContext()
	defer cancel()
	select {
	case err := <-srvErr:
		return fmt.Errorf("listen on %s: %w", listen, err)
	case <-ctx.Done():
	}
	lg.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// HomelabUp renders and starts the compose stack.
func (c *command) HomelabUp(f HomelabFlags) error {
	m, _, err := c.newManager(false)
	if err != nil {
		return err
	}
	defer m.Shutdown()
	stop := streamEvents(m)
	defer stop()
	ctx, cancel := signalContext()
	defer cancel()
	return m.NewHomelab(f.Dir, nil).Up(ctx)
}

// HomelabDown stops the compose stack.
func (c *command) HomelabDown(f HomelabFlags) error {
	m, _, err := c.newManager(false)
	if err != nil {
		return err
	}
	defer m.Shutdown()
	stop := streamEvents(m)
	defer stop()
	ctx, cancel := signalContext()
	defer cancel()
	return m.NewHomelab(f.Dir, nil).Down(ctx)
}

// HomelabStatus prints compose ps output.
func (c *command) HomelabStatus(f HomelabFlags) error {
	m, _, err := c.newManager(false)
	if err != nil {
		return err
	}
	defer m.Shutdown()
	ctx, cancel := signalContext()
	defer cancel()
	lines, err := m.NewHomelab(f.Dir, nil).Status(ctx)
	if err != nil {
		return err
	}
	for _, l := range lines {
		fmt.Println(l)
	}
	return nil
}
