package filestore

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// Entry describes one node in a project file tree.
type Entry struct {
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// Store exposes read/write/list access to project workspaces rooted under a
// common directory. Every path is resolved with securejoin so a project can
// never escape its own workspace.
type Store struct {
	root string
}

// New ensures the workspace root exists.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Store{root: root}, nil
}

// ProjectDir returns (and creates) the workspace directory for a project.
func (s *Store) ProjectDir(projectID string) (string, error) {
	if projectID == "" {
		return "", fmt.Errorf("project id required")
	}
	dir := filepath.Join(s.root, projectID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create project workspace: %w", err)
	}
	return dir, nil
}

func (s *Store) resolve(projectID, path string) (string, error) {
	dir, err := s.ProjectDir(projectID)
	if err != nil {
		return "", err
	}
	resolved, err := securejoin.SecureJoin(dir, path)
	if err != nil {
		return "", fmt.Errorf("resolve path %q: %w", path, err)
	}
	return resolved, nil
}

// ReadFile returns the contents of a file inside the project workspace.
func (s *Store) ReadFile(projectID, path string) ([]byte, error) {
	resolved, err := s.resolve(projectID, path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	return data, nil
}

// WriteFile writes contents, creating parent directories as needed.
func (s *Store) WriteFile(projectID, path string, data []byte) error {
	resolved, err := s.resolve(projectID, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("create parent dirs: %w", err)
	}
	if err := os.WriteFile(resolved, data, 0o644); err != nil {
		return fmt.Errorf("write %q: %w", path, err)
	}
	return nil
}

// ListTree walks the project workspace and returns entries sorted by path.
func (s *Store) ListTree(projectID string) ([]Entry, error) {
	dir, err := s.ProjectDir(projectID)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil || rel == "." {
			return err
		}
		entry := Entry{Path: filepath.ToSlash(rel), IsDir: d.IsDir()}
		if !d.IsDir() {
			if info, err := d.Info(); err == nil {
				entry.Size = info.Size()
			}
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk workspace: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// RemoveProject deletes the project workspace directory.
func (s *Store) RemoveProject(projectID string) error {
	if projectID == "" {
		return fmt.Errorf("project id required")
	}
	dir := filepath.Join(s.root, projectID)
	rel, err := filepath.Rel(s.root, dir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to remove path outside workspace root")
	}
	return os.RemoveAll(dir)
}
