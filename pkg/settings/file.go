package settings

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FileBackend keeps sections in a YAML file.
type FileBackend struct {
	Path string
}

// NewFileBackend creates a backend for path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{Path: path}
}

// Load reads the file. A missing file yields no sections.
func (b *FileBackend) Load(ctx context.Context) (Sections, error) {
	data, err := os.ReadFile(b.Path)
	if os.IsNotExist(err) {
		return Sections{}, nil
	}
	if err != nil {
		return nil, err
	}
	var s Sections
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", b.Path, err)
	}
	if s == nil {
		s = Sections{}
	}
	return s, nil
}

// Save replaces the file through a temporary sibling and a rename.
func (b *FileBackend) Save(ctx context.Context, s Sections) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".settings-*.yaml")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), b.Path)
}

// Close is a no-op.
func (b *FileBackend) Close() error { return nil }
