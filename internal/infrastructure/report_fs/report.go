package report_fs

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

// Writer persists JSON reports, replacing the file atomically.
type Writer struct {
	path string
}

func New(path string) *Writer { return &Writer{path: path} }

func (w *Writer) Path() string { return w.path }

func (w *Writer) Write(_ context.Context, v any) error {
	return WriteFile(w.path, v)
}

// WriteFile encodes v as indented JSON to path via a temporary file and
// rename, so readers never observe a partial report.
func WriteFile(path string, v any) error {
	if path == "" {
		return errors.New("report path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}
