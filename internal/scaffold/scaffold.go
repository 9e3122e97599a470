package scaffold

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// Known template kinds. A template is a directory of the same name under the
// configured template root, copied verbatim into a new project workspace.
var knownTemplates = map[string]struct{}{
	"fastapi": {},
	"react":   {},
	"vue":     {},
	"node":    {},
	"python":  {},
}

// Scaffolder instantiates project templates into workspace directories.
type Scaffolder struct {
	templateDir string
}

// New returns a Scaffolder rooted at templateDir.
func New(templateDir string) *Scaffolder {
	return &Scaffolder{templateDir: templateDir}
}

// Known reports whether the template kind is supported.
func Known(template string) bool {
	_, ok := knownTemplates[template]
	return ok
}

// Templates lists supported template kinds.
func Templates() []string {
	names := make([]string, 0, len(knownTemplates))
	for name := range knownTemplates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Instantiate copies a template tree into target. A missing template directory
// yields an empty workspace rather than an error so bare installs still work.
func (s *Scaffolder) Instantiate(template, target string) error {
	if !Known(template) {
		return fmt.Errorf("unknown template %q", template)
	}
	src := filepath.Join(s.templateDir, template)
	info, err := os.Stat(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat template: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("template %q is not a directory", template)
	}
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(src, p)
		if err != nil || rel == "." {
			return err
		}
		dest := filepath.Join(target, rel)
		if d.IsDir() {
			return os.MkdirAll(dest, 0o755)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read template file: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		return os.WriteFile(dest, data, 0o644)
	})
}

// RunCommand returns the preview command for a template kind, bound to $PORT
// by the supervisor's environment.
func RunCommand(template string) string {
	switch template {
	case "fastapi":
		return "uvicorn main:app --host 0.0.0.0 --port $PORT"
	case "react", "vue", "node":
		return "npm run dev"
	case "python":
		return "python main.py"
	default:
		return "npm run dev"
	}
}
