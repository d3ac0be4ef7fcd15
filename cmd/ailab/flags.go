package main

import "time"

// GlobalFlags holds persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath string // manager TOML config (optional)
}

// ToolFlags holds flags for tool lifecycle commands.
type ToolFlags struct {
	APIUrl     string
	APITimeout time.Duration
	NoOpen     bool // start: do not open the browser on readiness
}

// LogsFlags holds flags for the logs command.
type LogsFlags struct {
	APIUrl     string
	APITimeout time.Duration
	Lines      int
}

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	Listen string // overrides the configured listen address
}

// HomelabFlags holds flags for the homelab command group.
type HomelabFlags struct {
	Dir string
}
