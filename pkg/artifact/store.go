// Package artifact persists per-task artifacts under a stable
// directory layout:
//
//	<root>/<task_id>/preflight.json
//	<root>/<task_id>/pins/pins.json
//	<root>/<task_id>/submit.json
//	<root>/<task_id>/verdict.json
//	<root>/<task_id>/events.jsonl
//	<root>/<task_id>/report.md
//	<root>/<task_id>/selftest.log
//	<root>/<task_id>/patch.diff
//	<root>/<task_id>/evidence/
//
// JSON artifacts are written atomically (temp file + rename) and the
// named ones are write-once: a second write for the same task id is
// rejected so audits can trust what they read.
package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Well-known artifact names.
const (
	NamePreflight = "preflight.json"
	NamePins      = "pins/pins.json"
	NameSubmit    = "submit.json"
	NameVerdict   = "verdict.json"
	NameEvents    = "events.jsonl"
	NameReport    = "report.md"
	NameSelftest  = "selftest.log"
	NamePatch     = "patch.diff"
	DirEvidence   = "evidence"
)

// Sentinel errors.
var (
	ErrAlreadyWritten = errors.New("artifact already written")
	ErrMissing        = errors.New("artifact missing")
)

// immutable lists the write-once artifacts.
var immutable = map[string]bool{
	NamePreflight: true,
	NamePins:      true,
	NameSubmit:    true,
	NameVerdict:   true,
}

// Store writes and reads per-task artifacts under a root directory.
type Store struct {
	root string
}

// NewStore builds a store rooted at dir.
func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

// RootDir returns the store root.
func (s *Store) RootDir() string {
	return s.root
}

// TaskDir returns the directory for one task's artifacts.
func (s *Store) TaskDir(taskID string) string {
	return filepath.Join(s.root, taskID)
}

// Path returns the absolute path of a named artifact.
func (s *Store) Path(taskID, name string) string {
	return filepath.Join(s.TaskDir(taskID), filepath.FromSlash(name))
}

func (s *Store) ensureDir(dir string) error {
	if strings.TrimSpace(s.root) == "" {
		return fmt.Errorf("artifact root dir is empty")
	}
	return os.MkdirAll(dir, 0755)
}

// WriteJSON writes a JSON artifact atomically. Write-once names are
// rejected on the second write for the same task.
func (s *Store) WriteJSON(taskID, name string, v any) error {
	if strings.TrimSpace(taskID) == "" {
		return fmt.Errorf("task id is required")
	}
	path := s.Path(taskID, name)
	if immutable[name] {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s for task %s", ErrAlreadyWritten, name, taskID)
		}
	}

	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	b = append(b, '\n')
	return s.writeAtomic(path, b)
}

// WriteRaw writes a non-JSON artifact (report, patch, log) atomically.
func (s *Store) WriteRaw(taskID, name string, data []byte) error {
	if strings.TrimSpace(taskID) == "" {
		return fmt.Errorf("task id is required")
	}
	return s.writeAtomic(s.Path(taskID, name), data)
}

func (s *Store) writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := s.ensureDir(dir); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// ReadJSON loads a JSON artifact into v.
func (s *Store) ReadJSON(taskID, name string, v any) error {
	data, err := os.ReadFile(s.Path(taskID, name))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s for task %s", ErrMissing, name, taskID)
		}
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}

// Exists reports whether a named artifact is present.
func (s *Store) Exists(taskID, name string) bool {
	_, err := os.Stat(s.Path(taskID, name))
	return err == nil
}
