package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// DefaultFileName is the settings document kept next to the manager.
const DefaultFileName = "ailab.json"

// Settings is one tool's free-form settings record.
type Settings map[string]any

func (s Settings) String(key, def string) string {
	if v, ok := s[key]; ok {
		if str, ok := v.(string); ok {
			return str
		}
	}
	return def
}

func (s Settings) Bool(key string, def bool) bool {
	if v, ok := s[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// Clone returns a shallow copy safe for caller mutation.
func (s Settings) Clone() Settings {
	out := make(Settings, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Store owns the persisted settings document. The document is a single
// JSON object with one nested object per tool identifier; unknown
// top-level keys and unknown tool identifiers round-trip untouched.
// All access goes through one lock.
type Store struct {
	mu   sync.Mutex
	path string
	doc  map[string]any
}

// Load reads the document at path. A missing file yields defaults; a
// file that fails to parse also yields defaults and the parse error is
// returned so the caller can log it (it is not fatal).
func Load(path string, defaults map[string]Settings) (*Store, error) {
	s := &Store{path: path, doc: defaultDoc(defaults)}
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, fmt.Errorf("read config: %w", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return s, fmt.Errorf("parse config %s: %w", path, err)
	}
	// merge defaults underneath loaded values per tool
	for k, v := range raw {
		if loaded, ok := v.(map[string]any); ok {
			if base, ok := s.doc[k].(map[string]any); ok {
				for bk, bv := range base {
					if _, present := loaded[bk]; !present {
						loaded[bk] = bv
					}
				}
			}
		}
		s.doc[k] = v
	}
	return s, nil
}

func defaultDoc(defaults map[string]Settings) map[string]any {
	doc := make(map[string]any, len(defaults))
	for id, st := range defaults {
		m := make(map[string]any, len(st))
		for k, v := range st {
			m[k] = v
		}
		doc[id] = m
	}
	return doc
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Tool returns a copy of the named tool's settings record. Tools
// absent from the document get an empty record.
func (s *Store) Tool(id string) Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Settings{}
	if m, ok := s.doc[id].(map[string]any); ok {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// SetTool replaces the named tool's record. Other tools' records are
// never touched.
func (s *Store) SetTool(id string, st Settings) {
	s.mu.Lock()
	m := make(map[string]any, len(st))
	for k, v := range st {
		m[k] = v
	}
	s.doc[id] = m
	s.mu.Unlock()
}

// Set updates one key in the named tool's record.
func (s *Store) Set(id, key string, value any) {
	s.mu.Lock()
	m, ok := s.doc[id].(map[string]any)
	if !ok {
		m = make(map[string]any)
		s.doc[id] = m
	}
	m[key] = value
	s.mu.Unlock()
}

// Save writes the document atomically: marshal to a temp file in the
// same directory, then rename over the target so an interrupted write
// never leaves a corrupt document behind.
func (s *Store) Save() error {
	s.mu.Lock()
	b, err := json.MarshalIndent(s.doc, "", "    ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".ailab-*.json")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(b, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// Snapshot returns a deep-ish copy of the whole document for
// inspection (tests, HTTP surface).
func (s *Store) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.doc))
	for k, v := range s.doc {
		if m, ok := v.(map[string]any); ok {
			c := make(map[string]any, len(m))
			for mk, mv := range m {
				c[mk] = mv
			}
			out[k] = c
			continue
		}
		out[k] = v
	}
	return out
}
