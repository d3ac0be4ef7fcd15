package tool

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/thenullengine/ailab/internal/config"
	"github.com/thenullengine/ailab/internal/probe"
)

// ID identifies one of the managed tools. The set is fixed.
type ID string

const (
	ComfyUI   ID = "comfyui"
	AIToolkit ID = "aitoolkit"
)

// IDs returns the known tool identifiers in display order.
func IDs() []ID { return []ID{ComfyUI, AIToolkit} }

// Parse validates a user-supplied tool name.
func Parse(s string) (ID, error) {
	switch ID(s) {
	case ComfyUI, AIToolkit:
		return ID(s), nil
	}
	return "", fmt.Errorf("unknown tool %q (known: comfyui, aitoolkit)", s)
}

// State is the install lifecycle position of a tool.
type State int

const (
	StateNotInstalled State = iota
	StateInstalling
	StateInstalled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateFailed:
		return "failed"
	default:
		return "not-installed"
	}
}

// Profile is the static description of one managed tool: where its
// source comes from, what proves it is installed, how it is launched,
// and what must exist on the host before installing.
type Profile struct {
	ID          ID
	DisplayName string
	DirName     string // directory created under the install parent
	RepoURL     string

	// Markers are install-root-relative paths whose presence means
	// source acquisition already completed (acquire step is skipped).
	Markers []string

	VenvDir       string
	Requirements  string
	ExtraPackages []string // installed after requirements
	CustomNodes   []string // always cloned under custom_nodes/
	ExtraNodes    []string // skipped when quick_install is set
	UIDir         string   // JS UI needing npm install, if any

	URL            string
	ReadyPattern   string
	ReadyDelay     time.Duration
	SupportsUpdate bool

	Prereqs []probe.Prerequisite
}

var catalog = map[ID]Profile{
	ComfyUI: {
		ID:           ComfyUI,
		DisplayName:  "ComfyUI",
		DirName:      "ComfyUI",
		RepoURL:      "https://github.com/Comfy-Org/ComfyUI.git",
		Markers:      []string{"main.py", ".git"},
		VenvDir:      "venv",
		Requirements: "requirements.txt",
		ExtraPackages: []string{
			"soundfile",
		},
		CustomNodes: []string{
			"https://github.com/ltdrdata/ComfyUI-Manager.git",
			"https://github.com/rgthree/rgthree-comfy.git",
			"https://github.com/ltdrdata/ComfyUI-Impact-Pack.git",
			"https://github.com/kijai/ComfyUI-KJNodes.git",
			"https://github.com/cubiq/ComfyUI_essentials.git",
			"https://github.com/Fannovel16/comfyui_controlnet_aux.git",
			"https://github.com/pythongosssss/ComfyUI-Custom-Scripts.git",
			"https://github.com/ssitu/ComfyUI_UltimateSDUpscale.git",
		},
		ExtraNodes: []string{
			"https://github.com/city96/ComfyUI-GGUF.git",
			"https://github.com/yolain/ComfyUI-Easy-Use.git",
			"https://github.com/crystian/ComfyUI-Crystools.git",
			"https://github.com/ltdrdata/ComfyUI-Inspire-Pack.git",
			"https://github.com/ltdrdata/was-node-suite-comfyui.git",
			"https://github.com/cubiq/ComfyUI_IPAdapter_plus.git",
			"https://github.com/Kosinkadink/ComfyUI-VideoHelperSuite.git",
			"https://github.com/pythongosssss/ComfyUI-WD14-Tagger.git",
		},
		URL:            "http://127.0.0.1:8188",
		ReadyPattern:   "To see the GUI go to",
		ReadyDelay:     15 * time.Second,
		SupportsUpdate: true,
		Prereqs: []probe.Prerequisite{
			{Name: "git", Command: "git", Args: []string{"--version"}, RequiredMinimum: "2.20"},
			{Name: "python", Command: "python3", Args: []string{"--version"}, RequiredMinimum: "3.10"},
		},
	},
	AIToolkit: {
		ID:           AIToolkit,
		DisplayName:  "AI Toolkit",
		DirName:      "ai-toolkit",
		RepoURL:      "https://github.com/ostris/ai-toolkit.git",
		Markers:      []string{"requirements.txt", ".git"},
		VenvDir:      "venv",
		Requirements: "requirements.txt",
		ExtraPackages: []string{
			"poetry-core",
			"wheel",
			"hf_xet",
		},
		UIDir:          "ui",
		URL:            "http://localhost:8675",
		ReadyPattern:   "ready in",
		ReadyDelay:     20 * time.Second,
		SupportsUpdate: true,
		Prereqs: []probe.Prerequisite{
			{Name: "git", Command: "git", Args: []string{"--version"}, RequiredMinimum: "2.20"},
			{Name: "python", Command: "python3", Args: []string{"--version"}, RequiredMinimum: "3.10"},
			{Name: "node", Command: "node", Args: []string{"--version"}, RequiredMinimum: "18"},
		},
	},
}

// HostPrereqs lists prerequisites no single tool declares but the
// manager as a whole needs. Docker backs the homelab stack.
func HostPrereqs() []probe.Prerequisite {
	return []probe.Prerequisite{
		{Name: "docker", Command: "docker", Args: []string{"--version"}},
	}
}

// ByID returns the profile for id.
func ByID(id ID) (Profile, bool) {
	p, ok := catalog[id]
	return p, ok
}

// Profiles returns all profiles in IDs() order.
func Profiles() []Profile {
	out := make([]Profile, 0, len(catalog))
	for _, id := range IDs() {
		out = append(out, catalog[id])
	}
	return out
}

// DefaultSettings is the per-tool settings document written when no
// config exists yet.
func DefaultSettings() map[string]config.Settings {
	return map[string]config.Settings{
		string(ComfyUI): {
			"install_parent_dir": ".",
			"user_directory":     "",
			"output_directory":   "",
			"input_directory":    "",
			"extra_model_paths":  "",
			"quick_install":      false,
			"vram_mode":          "--normalvram",
		},
		string(AIToolkit): {
			"install_parent_dir": ".",
		},
	}
}

// InstallRoot resolves the tool's install directory from its settings.
func (p Profile) InstallRoot(st config.Settings) string {
	parent := st.String("install_parent_dir", ".")
	return filepath.Join(parent, p.DirName)
}

// VenvPython returns the interpreter inside the tool's isolated env.
func (p Profile) VenvPython(root string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(root, p.VenvDir, "Scripts", "python.exe")
	}
	return filepath.Join(root, p.VenvDir, "bin", "python")
}

// VenvBin returns the venv's executable directory for PATH injection.
func (p Profile) VenvBin(root string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(root, p.VenvDir, "Scripts")
	}
	return filepath.Join(root, p.VenvDir, "bin")
}

// Detect reports whether all install markers are present under root.
func (p Profile) Detect(root string) bool {
	for _, m := range p.Markers {
		if _, err := os.Stat(filepath.Join(root, m)); err != nil {
			return false
		}
	}
	return true
}

// HasVenv reports whether the isolated env already exists.
func (p Profile) HasVenv(root string) bool {
	_, err := os.Stat(p.VenvPython(root))
	return err == nil
}

// LaunchArgv builds the launch command and working directory for the
// tool from its persisted settings.
func (p Profile) LaunchArgv(root string, st config.Settings) ([]string, string) {
	switch p.ID {
	case ComfyUI:
		argv := []string{p.VenvPython(root), "main.py"}
		if v := st.String("user_directory", ""); v != "" {
			argv = append(argv, "--user-directory", v)
		}
		if v := st.String("output_directory", ""); v != "" {
			argv = append(argv, "--output-directory", v)
		}
		if v := st.String("input_directory", ""); v != "" {
			argv = append(argv, "--input-directory", v)
		}
		if v := st.String("extra_model_paths", ""); v != "" {
			argv = append(argv, "--extra-model-paths-config", v)
		}
		if v := st.String("vram_mode", ""); v != "" {
			argv = append(argv, v)
		}
		return argv, root
	case AIToolkit:
		return []string{"npm", "run", "build_and_start"}, filepath.Join(root, p.UIDir)
	}
	return nil, root
}
