package config

import (
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"
)

func defaults() map[string]Settings {
	return map[string]Settings{
		"comfyui":   {"install_parent_dir": "/opt/ai", "vram_mode": "--normalvram", "quick_install": false},
		"aitoolkit": {"install_parent_dir": "/opt/ai"},
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	s, err := Load(path, defaults())
	if err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
	if got := s.Tool("comfyui").String("vram_mode", ""); got != "--normalvram" {
		t.Fatalf("default not applied, got %q", got)
	}
}

func TestLoadParseFailureFallsBackToDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	s, err := Load(path, defaults())
	if err == nil {
		t.Fatal("want parse error reported")
	}
	// store remains usable with defaults
	if got := s.Tool("aitoolkit").String("install_parent_dir", ""); got != "/opt/ai" {
		t.Fatalf("defaults not usable after parse failure, got %q", got)
	}
}

func TestSaveLoadRoundTripIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	s, _ := Load(path, defaults())
	s.Set("comfyui", "vram_mode", "--highvram")
	s.Set("comfyui", "quick_install", true)
	if err := s.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}
	first, err := Load(path, defaults())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if err := first.Save(); err != nil {
		t.Fatalf("re-save: %v", err)
	}
	second, err := Load(path, defaults())
	if err != nil {
		t.Fatalf("second reload: %v", err)
	}
	if !reflect.DeepEqual(first.Snapshot(), second.Snapshot()) {
		t.Fatalf("save(load()) not idempotent:\n%v\n%v", first.Snapshot(), second.Snapshot())
	}
	if got := second.Tool("comfyui").String("vram_mode", ""); got != "--highvram" {
		t.Fatalf("saved value lost, got %q", got)
	}
}

func TestUnknownFieldsAndToolsPreserved(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	doc := `{
  "theme": "darkly",
  "comfyui": {"install_parent_dir": "/x", "mystery_flag": true},
  "onetrainer": {"install_parent_dir": "/y"}
}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	s, err := Load(path, defaults())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := s.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}
	out, err := Load(path, defaults())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	snap := out.Snapshot()
	if snap["theme"] != "darkly" {
		t.Fatalf("top-level unknown key dropped: %v", snap)
	}
	if _, ok := snap["onetrainer"]; !ok {
		t.Fatal("unknown tool identifier dropped on round-trip")
	}
	if !out.Tool("comfyui").Bool("mystery_flag", false) {
		t.Fatal("unknown tool field dropped on round-trip")
	}
	// defaults merged underneath loaded values
	if got := out.Tool("comfyui").String("vram_mode", ""); got != "--normalvram" {
		t.Fatalf("default not merged under loaded record, got %q", got)
	}
}

func TestToolIsolation(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	s, _ := Load(path, defaults())
	before := s.Tool("aitoolkit")
	s.SetTool("comfyui", Settings{"install_parent_dir": "/new"})
	if !reflect.DeepEqual(before, s.Tool("aitoolkit")) {
		t.Fatal("mutating one tool's record touched the other")
	}
}

func TestConcurrentSetAndSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	s, _ := Load(path, defaults())
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			id := "comfyui"
			if g%2 == 1 {
				id = "aitoolkit"
			}
			for i := 0; i < 20; i++ {
				s.Set(id, "counter", i)
				if err := s.Save(); err != nil {
					t.Errorf("save: %v", err)
					return
				}
			}
		}(g)
	}
	wg.Wait()
	if _, err := Load(path, defaults()); err != nil {
		t.Fatalf("document corrupt after concurrent saves: %v", err)
	}
}

func TestLoadManagerDefaults(t *testing.T) {
	mc, err := LoadManager("")
	if err != nil {
		t.Fatalf("LoadManager: %v", err)
	}
	if mc.Listen == "" || mc.ConfigPath != DefaultFileName {
		t.Fatalf("defaults missing: %+v", mc)
	}
	if mc.StopGrace != 5*time.Second {
		t.Fatalf("stop_grace default: %v", mc.StopGrace)
	}
}

func TestLoadManagerFromTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ailab.toml")
	body := "listen = \"127.0.0.1:9999\"\nlog_level = \"debug\"\n\n[history]\ndriver = \"sqlite\"\ndsn = \"file:test.db\"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	mc, err := LoadManager(path)
	if err != nil {
		t.Fatalf("LoadManager: %v", err)
	}
	if mc.Listen != "127.0.0.1:9999" || mc.LogLevel != "debug" {
		t.Fatalf("values not read: %+v", mc)
	}
	if mc.History.Driver != "sqlite" || mc.History.DSN != "file:test.db" {
		t.Fatalf("history not read: %+v", mc.History)
	}
}
