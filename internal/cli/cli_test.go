package cli

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLogsEndpoint(t *testing.T) {
	cases := []struct {
		apiBase   string
		projectID string
		want      string
	}{
		{"http://localhost:8000", "p1", "ws://localhost:8000/ws/logs?project_id=p1"},
		{"https://api.oreus.dev/", "p 2", "wss://api.oreus.dev/ws/logs?project_id=p+2"},
	}
	for _, tc := range cases {
		got, err := logsEndpoint(tc.apiBase, tc.projectID)
		if err != nil {
			t.Fatalf("logsEndpoint(%q): %v", tc.apiBase, err)
		}
		if got != tc.want {
			t.Fatalf("logsEndpoint(%q) = %q, want %q", tc.apiBase, got, tc.want)
		}
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	if cfg.APIBaseURL != defaultAPIBaseURL {
		t.Fatalf("expected default base URL, got %q", cfg.APIBaseURL)
	}
}

func TestLoadConfigReadsTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("api_base_url = \"http://10.0.0.5:9000\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := LoadConfig(path)
	if cfg.APIBaseURL != "http://10.0.0.5:9000" {
		t.Fatalf("unexpected base URL: %q", cfg.APIBaseURL)
	}
}
