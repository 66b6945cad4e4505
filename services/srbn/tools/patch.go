// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// PatchResult summarizes an applied patch.
type PatchResult struct {
	// Files maps workspace-relative paths to their post-apply content.
	// Deleted files map to nil.
	Files map[string][]byte

	// Added and Deleted are line counts across all hunks.
	Added   int
	Deleted int
}

// ChangedPaths returns the touched paths in map order.
func (r PatchResult) ChangedPaths() []string {
	out := make([]string, 0, len(r.Files))
	for p := range r.Files {
		out = append(out, p)
	}
	return out
}

// ApplyPatch parses a unified diff and applies it to the workspace.
//
// Description:
//
//	Handles multi-file diffs with a/ b/ name prefixes, file creation
//	(/dev/null origin), and file deletion (/dev/null target). The
//	whole patch is applied file by file; a failure on any file aborts
//	with a *ToolFailure and files applied before it remain on disk,
//	which the caller handles by rolling back to the last commit.
//
// Inputs:
//   - patch: The unified diff text.
//
// Outputs:
//   - PatchResult: Post-apply content of every touched file.
//   - error: A *ToolFailure describing the first file that failed.
func (t *Toolbox) ApplyPatch(patch string) (PatchResult, error) {
	fileDiffs, err := diff.NewMultiFileDiffReader(strings.NewReader(patch)).ReadAllFiles()
	if err != nil {
		return PatchResult{}, failure("apply_patch", "", fmt.Errorf("parse diff: %w", err))
	}
	if len(fileDiffs) == 0 {
		return PatchResult{}, failure("apply_patch", "", fmt.Errorf("diff contains no files"))
	}

	result := PatchResult{Files: make(map[string][]byte, len(fileDiffs))}
	for _, fd := range fileDiffs {
		path := diffPath(fd)
		if path == "" {
			return PatchResult{}, failure("apply_patch", "", fmt.Errorf("diff entry has no usable file name"))
		}

		added, deleted := hunkStats(fd)
		result.Added += added
		result.Deleted += deleted

		if fd.NewName == "/dev/null" {
			full, err := t.resolve(path)
			if err != nil {
				return PatchResult{}, failure("apply_patch", path, err)
			}
			if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
				return PatchResult{}, failure("apply_patch", path, err)
			}
			result.Files[path] = nil
			continue
		}

		var original []byte
		if fd.OrigName != "/dev/null" {
			original, err = t.ReadFile(path)
			if err != nil && !os.IsNotExist(unwrapToolErr(err)) {
				return PatchResult{}, err
			}
		}

		updated, err := applyFileDiff(original, fd)
		if err != nil {
			return PatchResult{}, failure("apply_patch", path, err)
		}
		if err := t.WriteFile(path, updated); err != nil {
			return PatchResult{}, err
		}
		result.Files[path] = updated
	}
	return result, nil
}

func unwrapToolErr(err error) error {
	var tf *ToolFailure
	if errors.As(err, &tf) {
		return tf.Err
	}
	return err
}

// diffPath picks the workspace-relative path from a file diff,
// stripping git's a/ b/ prefixes.
func diffPath(fd *diff.FileDiff) string {
	name := fd.NewName
	if name == "" || name == "/dev/null" {
		name = fd.OrigName
	}
	name = strings.TrimPrefix(name, "a/")
	name = strings.TrimPrefix(name, "b/")
	if name == "/dev/null" {
		return ""
	}
	return name
}

func hunkStats(fd *diff.FileDiff) (added, deleted int) {
	for _, hunk := range fd.Hunks {
		for _, line := range strings.Split(string(hunk.Body), "\n") {
			switch {
			case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
				added++
			case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
				deleted++
			}
		}
	}
	return added, deleted
}

// applyFileDiff applies one file's hunks to its original content.
func applyFileDiff(original []byte, fd *diff.FileDiff) ([]byte, error) {
	if fd.OrigName == "/dev/null" || len(original) == 0 {
		// New file: the content is the added lines.
		var lines []string
		for _, hunk := range fd.Hunks {
			for _, line := range strings.Split(string(hunk.Body), "\n") {
				if strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++") {
					lines = append(lines, strings.TrimPrefix(line, "+"))
				}
			}
		}
		return []byte(strings.Join(lines, "\n")), nil
	}

	origLines := strings.Split(string(original), "\n")
	newLines := make([]string, 0, len(origLines))

	origIdx := 0
	for _, hunk := range fd.Hunks {
		hunkStart := int(hunk.OrigStartLine) - 1
		if hunkStart < origIdx {
			return nil, fmt.Errorf("overlapping hunks at line %d", hunk.OrigStartLine)
		}
		for origIdx < hunkStart && origIdx < len(origLines) {
			newLines = append(newLines, origLines[origIdx])
			origIdx++
		}

		for _, line := range strings.Split(string(hunk.Body), "\n") {
			switch {
			case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
				newLines = append(newLines, strings.TrimPrefix(line, "+"))
			case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
				if origIdx < len(origLines) {
					want := strings.TrimPrefix(line, "-")
					if origLines[origIdx] != want {
						return nil, fmt.Errorf("context mismatch at line %d: expected %q", origIdx+1, want)
					}
				}
				origIdx++
			case strings.HasPrefix(line, " ") || line == "":
				if origIdx < len(origLines) {
					newLines = append(newLines, origLines[origIdx])
					origIdx++
				}
			}
		}
	}

	for origIdx < len(origLines) {
		newLines = append(newLines, origLines[origIdx])
		origIdx++
	}
	return []byte(strings.Join(newLines, "\n")), nil
}
