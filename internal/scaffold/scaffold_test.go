package scaffold

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInstantiateCopiesTemplateTree(t *testing.T) {
	templateDir := t.TempDir()
	src := filepath.Join(templateDir, "react", "src")
	if err := os.MkdirAll(src, 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		filepath.Join(templateDir, "react", "package.json"): `{"name":"app"}`,
		filepath.Join(src, "App.jsx"):                       "export default function App() {}\n",
	}
	for path, content := range files {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	target := t.TempDir()
	if err := New(templateDir).Instantiate("react", target); err != nil {
		t.Fatalf("Instantiate: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(target, "src", "App.jsx"))
	if err != nil {
		t.Fatalf("expected nested file copied: %v", err)
	}
	if !strings.Contains(string(data), "App") {
		t.Fatalf("unexpected content: %s", data)
	}
}

func TestInstantiateMissingTemplateDirIsEmptyWorkspace(t *testing.T) {
	target := t.TempDir()
	if err := New(t.TempDir()).Instantiate("node", target); err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	entries, err := os.ReadDir(target)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty workspace, got %d entries", len(entries))
	}
}

func TestInstantiateRejectsUnknownTemplate(t *testing.T) {
	if err := New(t.TempDir()).Instantiate("rails", t.TempDir()); err == nil {
		t.Fatal("expected error for unknown template")
	}
}

func TestRunCommandBindsPort(t *testing.T) {
	if cmd := RunCommand("fastapi"); !strings.Contains(cmd, "$PORT") {
		t.Fatalf("fastapi command must reference $PORT, got %q", cmd)
	}
	if cmd := RunCommand("node"); cmd != "npm run dev" {
		t.Fatalf("unexpected node command: %q", cmd)
	}
}
