package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot assembles the root command and all subcommands.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	c := command{flags: globalFlags}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createDoctorCommand(c),
		createInstallCommand(c),
		createUpdateCommand(c),
		createStartCommand(c),
		createStopCommand(c),
		createRestartCommand(c),
		createStatusCommand(c),
		createLogsCommand(c),
		createOpenCommand(c),
		createServeCommand(c),
		createHomelabCommand(c),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "ailab",
		Short: "Install, run, and watch a local lab of AI tools",
		Long: `ailab manages ComfyUI and AI Toolkit on this machine: it installs
them from source, keeps them updated, launches and supervises their
processes, and renders the companion docker-compose homelab stack.

Examples:
  ailab doctor                       # check host prerequisites
  ailab install comfyui              # clone, venv, pip install
  ailab start comfyui                # run in the foreground
  ailab serve                        # HTTP daemon on 127.0.0.1:8475
  ailab status --api-url=http://127.0.0.1:8475`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML manager config (optional)")
	return root
}

func addAPIFlags(cmd *cobra.Command, f *ToolFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "delegate to a running daemon (e.g. http://127.0.0.1:8475)")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "daemon request timeout")
}

func createDoctorCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check host prerequisites (git, python, node, docker)",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return c.Doctor()
		},
	}
}

func createInstallCommand(c command) *cobra.Command {
	f := &ToolFlags{}
	cmd := &cobra.Command{
		Use:   "install <tool>",
		Short: "Install a tool from source",
		Long: `Install clones the tool's repository, creates its isolated
environment, and installs its dependencies. Steps already completed
are skipped, so install is safe to re-run after a failure.

Examples:
  ailab install comfyui
  ailab install aitoolkit`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return c.Install(*f, args[0])
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}

func createUpdateCommand(c command) *cobra.Command {
	f := &ToolFlags{}
	cmd := &cobra.Command{
		Use:   "update <tool>",
		Short: "Update a tool's checkout and dependencies",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return c.Update(*f, args[0])
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}

func createStartCommand(c command) *cobra.Command {
	f := &ToolFlags{}
	cmd := &cobra.Command{
		Use:   "start <tool>",
		Short: "Run a tool, streaming its output until interrupted",
		Long: `Start launches the tool's process and streams its output. The
command stays attached; an interrupt stops the process gracefully.
With --api-url the daemon takes ownership and start returns at once.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return c.Start(*f, args[0])
		},
	}
	addAPIFlags(cmd, f)
	cmd.Flags().BoolVar(&f.NoOpen, "no-open", false, "do not open the browser on readiness")
	return cmd
}

func createStopCommand(c command) *cobra.Command {
	f := &ToolFlags{}
	cmd := &cobra.Command{
		Use:   "stop <tool>",
		Short: "Stop a daemon-owned tool process",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return c.Stop(*f, args[0])
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}

func createRestartCommand(c command) *cobra.Command {
	f := &ToolFlags{}
	cmd := &cobra.Command{
		Use:   "restart <tool>",
		Short: "Restart a tool process",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return c.Restart(*f, args[0])
		},
	}
	addAPIFlags(cmd, f)
	cmd.Flags().BoolVar(&f.NoOpen, "no-open", false, "do not open the browser on readiness")
	return cmd
}

func createStatusCommand(c command) *cobra.Command {
	f := &ToolFlags{}
	cmd := &cobra.Command{
		Use:   "status [tool]",
		Short: "Show tool status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return c.Status(*f, name)
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}

func createLogsCommand(c command) *cobra.Command {
	f := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs <tool>",
		Short: "Show recent tool output",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return c.Logs(*f, args[0])
		},
	}
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "read logs from a running daemon")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "daemon request timeout")
	cmd.Flags().IntVar(&f.Lines, "lines", 200, "number of lines to show")
	return cmd
}

func createOpenCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "open <tool>",
		Short: "Open a tool's web UI in the browser",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return c.Open(args[0])
		},
	}
}

func createServeCommand(c command) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP daemon",
		Long: `Serve exposes the manager over HTTP: tool lifecycle endpoints, a
server-sent event stream of log events, operation history, and
Prometheus metrics. Tools started through the daemon stay supervised
until the daemon exits.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return c.Serve(*f)
		},
	}
	cmd.Flags().StringVar(&f.Listen, "listen", "", "listen address (overrides config)")
	return cmd
}

func createHomelabCommand(c command) *cobra.Command {
	f := &HomelabFlags{}
	cmd := &cobra.Command{
		Use:   "homelab",
		Short: "Manage the docker-compose homelab stack",
	}
	cmd.PersistentFlags().StringVar(&f.Dir, "dir", "homelab", "directory holding the rendered compose file")
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Render the compose file and start the stack",
			Args:  cobra.NoArgs,
			RunE: func(_ *cobra.Command, _ []string) error {
				return c.HomelabUp(*f)
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Stop the stack",
			Args:  cobra.NoArgs,
			RunE: func(_ *cobra.Command, _ []string) error {
				return c.HomelabDown(*f)
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show stack container status",
			Args:  cobra.NoArgs,
			RunE: func(_ *cobra.Command, _ []string) error {
				return c.HomelabStatus(*f)
			},
		},
	)
	return cmd
}
