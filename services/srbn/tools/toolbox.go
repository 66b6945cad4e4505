// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools is the deterministic tooling layer the actuator works
// through: file reads and writes, unified-diff application, search,
// and gated command execution.
//
// Every operation is confined to the workspace root; paths that
// resolve outside it fail before touching the filesystem. All failures
// are *ToolFailure values so the orchestrator can classify them
// uniformly.
package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// ErrDenied is wrapped into the ToolFailure when the authorizer
// rejects a command.
var ErrDenied = errors.New("command denied")

// ErrOutsideWorkspace is wrapped when a path escapes the workspace root.
var ErrOutsideWorkspace = errors.New("path outside workspace")

// ToolFailure is the uniform error for every tooling operation.
type ToolFailure struct {
	Op   string
	Path string
	Err  error
}

func (f *ToolFailure) Error() string {
	if f.Path != "" {
		return fmt.Sprintf("tool %s failed on %s: %v", f.Op, f.Path, f.Err)
	}
	return fmt.Sprintf("tool %s failed: %v", f.Op, f.Err)
}

func (f *ToolFailure) Unwrap() error {
	return f.Err
}

func failure(op, path string, err error) error {
	return &ToolFailure{Op: op, Path: path, Err: err}
}

// CommandAuthorizer gates RunCommand. A denial is a tool failure, not
// a hazard: the actuator can try a different command.
type CommandAuthorizer interface {
	// Authorize returns nil to allow the command.
	Authorize(argv []string) error
}

// AllowListAuthorizer permits only the listed executables.
type AllowListAuthorizer struct {
	Allowed []string
}

// Authorize implements CommandAuthorizer.
func (a *AllowListAuthorizer) Authorize(argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("%w: empty command", ErrDenied)
	}
	base := filepath.Base(argv[0])
	for _, ok := range a.Allowed {
		if base == ok {
			return nil
		}
	}
	return fmt.Errorf("%w: %s not in allow list", ErrDenied, base)
}

// Config configures a Toolbox.
type Config struct {
	// WorkDir is the workspace root all paths are confined to.
	WorkDir string

	// Authorizer gates RunCommand. Nil denies every command.
	Authorizer CommandAuthorizer

	// CommandTimeout bounds each RunCommand invocation.
	CommandTimeout time.Duration

	// Logger receives tool events. Defaults to slog.Default().
	Logger *slog.Logger
}

// Toolbox executes tooling operations for one workspace.
//
// Thread Safety: Safe for concurrent use; operations do not share
// mutable state beyond the filesystem itself.
type Toolbox struct {
	cfg    Config
	logger *slog.Logger
}

// NewToolbox creates a toolbox rooted at cfg.WorkDir.
func NewToolbox(cfg Config) (*Toolbox, error) {
	if cfg.WorkDir == "" {
		return nil, errors.New("WorkDir is required")
	}
	abs, err := filepath.Abs(cfg.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("resolve workdir: %w", err)
	}
	cfg.WorkDir = abs
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 60 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Toolbox{
		cfg:    cfg,
		logger: logger.With(slog.String("subsystem", "tools")),
	}, nil
}

// WorkDir returns the resolved workspace root.
func (t *Toolbox) WorkDir() string {
	return t.cfg.WorkDir
}

// resolve confines a workspace-relative path to the root.
func (t *Toolbox) resolve(path string) (string, error) {
	full := filepath.Join(t.cfg.WorkDir, filepath.FromSlash(path))
	full = filepath.Clean(full)
	if full != t.cfg.WorkDir && !strings.HasPrefix(full, t.cfg.WorkDir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, path)
	}
	return full, nil
}

// ReadFile returns a workspace file's content.
func (t *Toolbox) ReadFile(path string) ([]byte, error) {
	full, err := t.resolve(path)
	if err != nil {
		return nil, failure("read_file", path, err)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, failure("read_file", path, err)
	}
	return data, nil
}

// WriteFile writes a workspace file, creating parent directories.
func (t *Toolbox) WriteFile(path string, content []byte) error {
	full, err := t.resolve(path)
	if err != nil {
		return failure("write_file", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0750); err != nil {
		return failure("write_file", path, err)
	}
	if err := os.WriteFile(full, content, 0644); err != nil {
		return failure("write_file", path, err)
	}
	t.logger.Debug("wrote file", slog.String("path", path), slog.Int("bytes", len(content)))
	return nil
}

// ListFiles returns workspace-relative paths under dir, sorted by the
// walk order, skipping dotfile directories.
func (t *Toolbox) ListFiles(dir string) ([]string, error) {
	full, err := t.resolve(dir)
	if err != nil {
		return nil, failure("list_files", dir, err)
	}

	var out []string
	err = filepath.WalkDir(full, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != full {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(t.cfg.WorkDir, path)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, failure("list_files", dir, err)
	}
	return out, nil
}

// SearchCode returns "path:line: text" matches for a regex across the
// workspace.
func (t *Toolbox) SearchCode(pattern string) ([]string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, failure("search_code", "", err)
	}

	files, err := t.ListFiles(".")
	if err != nil {
		return nil, err
	}

	var matches []string
	for _, path := range files {
		data, err := t.ReadFile(path)
		if err != nil {
			continue // unreadable files are not search failures
		}
		if bytes.IndexByte(data, 0) >= 0 {
			continue // binary
		}
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				matches = append(matches, fmt.Sprintf("%s:%d: %s", path, i+1, strings.TrimSpace(line)))
			}
		}
	}
	return matches, nil
}

// RunCommand executes an authorized command in the workspace.
//
// Outputs:
//   - []byte: Combined stdout and stderr.
//   - error: A *ToolFailure wrapping ErrDenied on authorizer rejection
//     or the exec error on non-zero exit.
func (t *Toolbox) RunCommand(ctx context.Context, argv []string) ([]byte, error) {
	if t.cfg.Authorizer == nil {
		return nil, failure("run_command", "", fmt.Errorf("%w: no authorizer configured", ErrDenied))
	}
	if err := t.cfg.Authorizer.Authorize(argv); err != nil {
		return nil, failure("run_command", "", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, t.cfg.CommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = t.cfg.WorkDir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, failure("run_command", argv[0], err)
	}
	return output, nil
}
