// Package workspace manages the per-request temporary files handed to the
// external converter.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// IOError reports a failed read or write of a workspace file.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Job is the pair of temp files owned by one conversion.
type Job struct {
	ID         string
	InputPath  string
	OutputPath string
}

// Manager hands out jobs inside a shared root directory. The directory is
// shared by all in-flight requests and carries no locking; file names are
// unique per job ID.
type Manager struct {
	root   string
	logger *zap.Logger
}

// New creates a Manager rooted at dir. The directory is created lazily.
func New(dir string, logger *zap.Logger) (*Manager, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("workspace directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{root: filepath.Clean(dir), logger: logger}, nil
}

// Root returns the shared workspace directory.
func (m *Manager) Root() string {
	return m.root
}

// Acquire ensures the root exists and derives the job's file paths.
func (m *Manager) Acquire(id, fromExt, toExt string) (Job, error) {
	for _, part := range []string{id, fromExt, toExt} {
		if part == "" || strings.ContainsAny(part, `/\`) || part == "." || part == ".." {
			return Job{}, fmt.Errorf("invalid workspace name component %q", part)
		}
	}
	if err := os.MkdirAll(m.root, 0o750); err != nil {
		return Job{}, &IOError{Op: "create workspace", Path: m.root, Err: err}
	}
	outName := id + "." + toExt
	if fromExt == toExt {
		outName = id + ".out." + toExt
	}
	return Job{
		ID:         id,
		InputPath:  filepath.Join(m.root, id+"."+fromExt),
		OutputPath: filepath.Join(m.root, outName),
	}, nil
}

// writeAttempts bounds retries when a concurrent Release removes the empty
// root between Acquire and WriteInput.
const writeAttempts = 3

// WriteInput stores the request content in the job's input file.
func (m *Manager) WriteInput(job Job, content string) error {
	var err error
	for range writeAttempts {
		err = os.WriteFile(job.InputPath, []byte(content), 0o600)
		if err == nil {
			return nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			break
		}
		if mkErr := os.MkdirAll(filepath.Dir(job.InputPath), 0o750); mkErr != nil {
			err = mkErr
			break
		}
	}
	return &IOError{Op: "write input", Path: job.InputPath, Err: err}
}

// ReadOutput returns the converter's output as text.
func (m *Manager) ReadOutput(job Job) (string, error) {
	// #nosec G304 -- path is derived from the workspace root and a generated ID.
	data, err := os.ReadFile(job.OutputPath)
	if err != nil {
		return "", &IOError{Op: "read output", Path: job.OutputPath, Err: err}
	}
	return string(data), nil
}

// Release removes both job files and then tries to remove the root. It never
// fails: cleanup must not mask the conversion outcome.
func (m *Manager) Release(job Job) {
	for _, path := range []string{job.InputPath, job.OutputPath} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			m.logger.Warn("workspace cleanup failed",
				zap.String("job_id", job.ID),
				zap.String("path", path),
				zap.Error(err),
			)
		}
	}
	// Other requests may still own files here; a non-empty root is expected.
	_ = os.Remove(m.root)
}
