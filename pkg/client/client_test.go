package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newFakeDaemon(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})
	mux.HandleFunc("/install/comfyui", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})
	mux.HandleFunc("/start/comfyui", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusPreconditionFailed)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "comfyui: tool is not installed"})
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode([]ToolStatus{{ID: "comfyui"}, {ID: "aitoolkit"}})
	})
	mux.HandleFunc("/logs/comfyui", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode([]Event{{Tool: "comfyui", Message: "cloning"}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(srvURL string) *Client {
	return New(Config{BaseURL: srvURL, Timeout: time.Second})
}

func TestIsReachable(t *testing.T) {
	srv := newFakeDaemon(t)
	ctx := context.Background()
	if !newTestClient(srv.URL).IsReachable(ctx) {
		t.Fatalf("daemon should be reachable")
	}
	down := New(Config{BaseURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond})
	if down.IsReachable(ctx) {
		t.Fatalf("closed port should not be reachable")
	}
}

func TestInstallAcceptsAccepted(t *testing.T) {
	srv := newFakeDaemon(t)
	if err := newTestClient(srv.URL).Install(context.Background(), "comfyui"); err != nil {
		t.Fatalf("install: %v", err)
	}
}

func TestDaemonErrorSurfaced(t *testing.T) {
	srv := newFakeDaemon(t)
	_, err := newTestClient(srv.URL).Start(context.Background(), "comfyui")
	if err == nil || !strings.Contains(err.Error(), "not installed") {
		t.Fatalf("expected daemon error, got %v", err)
	}
}

func TestStatusAllDecodes(t *testing.T) {
	srv := newFakeDaemon(t)
	sts, err := newTestClient(srv.URL).StatusAll(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(sts) != 2 || sts[0].ID != "comfyui" {
		t.Fatalf("unexpected statuses: %+v", sts)
	}
}

func TestLogsDecode(t *testing.T) {
	srv := newFakeDaemon(t)
	evs, err := newTestClient(srv.URL).Logs(context.Background(), "comfyui", 10)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(evs) != 1 || evs[0].Message != "cloning" {
		t.Fatalf("unexpected events: %+v", evs)
	}
}

func TestDefaultsApplied(t *testing.T) {
	c := New(Config{})
	if c.baseURL != "http://127.0.0.1:8475" {
		t.Fatalf("unexpected default base URL %q", c.baseURL)
	}
}
