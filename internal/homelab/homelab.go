// Package homelab renders and drives the docker-compose stack of
// self-hosted lab services. The compose file is a generated artifact;
// docker itself is an external collaborator reached through its CLI.
package homelab

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/thenullengine/ailab/internal/installer"
	"github.com/thenullengine/ailab/internal/logbus"
)

const (
	// FileName is the rendered compose file inside the stack dir.
	FileName = "docker-compose.yml"
	// NetworkName is the shared network every service joins so the
	// containers resolve each other by service name.
	NetworkName = "ailab"

	busTopic = "homelab"
)

// Service is one entry of the rendered stack.
type Service struct {
	Name    string
	Image   string
	Ports   []string
	Volumes []string
	Env     map[string]string
}

// DefaultServices is the stock stack: workflow automation, a chat
// front end, and a metasearch engine.
func DefaultServices() []Service {
	return []Service{
		{
			Name:    "n8n",
			Image:   "docker.n8n.io/n8nio/n8n",
			Ports:   []string{"5678:5678"},
			Volumes: []string{"n8n_data:/home/node/.n8n"},
		},
		{
			Name:    "open-webui",
			Image:   "ghcr.io/open-webui/open-webui:main",
			Ports:   []string{"3000:8080"},
			Volumes: []string{"open_webui_data:/app/backend/data"},
		},
		{
			Name:    "searxng",
			Image:   "searxng/searxng:latest",
			Ports:   []string{"8081:8080"},
			Volumes: []string{"searxng_data:/etc/searxng"},
			Env:     map[string]string{"BASE_URL": "http://localhost:8081/"},
		},
	}
}

type composeService struct {
	Image       string            `yaml:"image"`
	Restart     string            `yaml:"restart"`
	Ports       []string          `yaml:"ports,omitempty"`
	Volumes     []string          `yaml:"volumes,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
	Networks    []string          `yaml:"networks"`
}

type composeDoc struct {
	Services map[string]composeService `yaml:"services"`
	Networks map[string]any            `yaml:"networks"`
	Volumes  map[string]any            `yaml:"volumes,omitempty"`
}

// Stack owns one compose file and the docker CLI calls against it.
type Stack struct {
	dir      string
	services []Service
	bus      *logbus.Bus
	run      installer.Runner
}

// New builds a stack rooted at dir. A nil runner shells out for real;
// nil services selects the default set.
func New(dir string, services []Service, bus *logbus.Bus, run installer.Runner) *Stack {
	if services == nil {
		services = DefaultServices()
	}
	if run == nil {
		run = installer.ExecRunner
	}
	return &Stack{dir: dir, services: services, bus: bus, run: run}
}

// Path returns the compose file location.
func (s *Stack) Path() string { return filepath.Join(s.dir, FileName) }

// Render produces the compose document.
func (s *Stack) Render() ([]byte, error) {
	doc := composeDoc{
		Services: make(map[string]composeService, len(s.services)),
		Networks: map[string]any{NetworkName: nil},
		Volumes:  map[string]any{},
	}
	for _, svc := range s.services {
		doc.Services[svc.Name] = composeService{
			Image:       svc.Image,
			Restart:     "unless-stopped",
			Ports:       svc.Ports,
			Volumes:     svc.Volumes,
			Environment: svc.Env,
			Networks:    []string{NetworkName},
		}
		for _, v := range svc.Volumes {
			name, _, ok := strings.Cut(v, ":")
			if ok && !strings.Contains(name, "/") {
				doc.Volumes[name] = nil
			}
		}
	}
	b, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("render compose file: %w", err)
	}
	return b, nil
}

// Write renders the compose file to disk, creating the directory as
// needed. The file is regenerated on every call.
func (s *Stack) Write() error {
	b, err := s.Render()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return fmt.Errorf("create stack dir: %w", err)
	}
	if err := os.WriteFile(s.Path(), b, 0o644); err != nil {
		return fmt.Errorf("write compose file: %w", err)
	}
	return nil
}

func (s *Stack) sink() func(string) {
	return func(line string) {
		if s.bus != nil {
			s.bus.Infof(busTopic, "  %s", line)
		}
	}
}

// Up renders the stack and starts it detached.
func (s *Stack) Up(ctx context.Context) error {
	if err := s.Write(); err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Infof(busTopic, "starting stack from %s", s.Path())
	}
	if err := s.run(ctx, s.dir, s.sink(), "docker", "compose", "-f", s.Path(), "up", "-d"); err != nil {
		return fmt.Errorf("compose up: %w", err)
	}
	return nil
}

// Down stops the stack. Volumes are kept.
func (s *Stack) Down(ctx context.Context) error {
	if _, err := os.Stat(s.Path()); err != nil {
		return fmt.Errorf("no rendered stack at %s: %w", s.Path(), err)
	}
	if s.bus != nil {
		s.bus.Infof(busTopic, "stopping stack")
	}
	if err := s.run(ctx, s.dir, s.sink(), "docker", "compose", "-f", s.Path(), "down"); err != nil {
		return fmt.Errorf("compose down: %w", err)
	}
	return nil
}

// Status returns the docker compose ps output lines.
func (s *Stack) Status(ctx context.Context) ([]string, error) {
	var lines []string
	err := s.run(ctx, s.dir, func(line string) { lines = append(lines, line) },
		"docker", "compose", "-f", s.Path(), "ps")
	if err != nil {
		return nil, fmt.Errorf("compose ps: %w", err)
	}
	return lines, nil
}
