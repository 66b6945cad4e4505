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
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestToolbox(t *testing.T) *Toolbox {
	t.Helper()
	tb, err := NewToolbox(Config{
		WorkDir:    t.TempDir(),
		Authorizer: &AllowListAuthorizer{Allowed: []string{"echo", "true", "false"}},
	})
	require.NoError(t, err)
	return tb
}

func TestReadWriteFile(t *testing.T) {
	tb := newTestToolbox(t)

	require.NoError(t, tb.WriteFile("pkg/util/helper.go", []byte("package util")))

	data, err := tb.ReadFile("pkg/util/helper.go")
	require.NoError(t, err)
	assert.Equal(t, "package util", string(data))
}

func TestReadFile_Missing(t *testing.T) {
	tb := newTestToolbox(t)
	_, err := tb.ReadFile("nope.go")

	var tf *ToolFailure
	require.ErrorAs(t, err, &tf)
	assert.Equal(t, "read_file", tf.Op)
	assert.Equal(t, "nope.go", tf.Path)
}

func TestPathTraversalRejected(t *testing.T) {
	tb := newTestToolbox(t)

	for _, path := range []string{"../escape.go", "a/../../escape.go", "../../etc/passwd"} {
		_, err := tb.ReadFile(path)
		assert.ErrorIs(t, err, ErrOutsideWorkspace, "path %q", path)

		err = tb.WriteFile(path, []byte("x"))
		assert.ErrorIs(t, err, ErrOutsideWorkspace, "path %q", path)
	}
}

func TestListFilesSkipsDotDirs(t *testing.T) {
	tb := newTestToolbox(t)
	require.NoError(t, tb.WriteFile("a.go", []byte("package a")))
	require.NoError(t, tb.WriteFile("sub/b.go", []byte("package sub")))
	require.NoError(t, os.MkdirAll(filepath.Join(tb.WorkDir(), ".git"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(tb.WorkDir(), ".git", "HEAD"), []byte("ref"), 0o644))

	files, err := tb.ListFiles(".")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.go", "sub/b.go"}, files)
}

func TestSearchCode(t *testing.T) {
	tb := newTestToolbox(t)
	require.NoError(t, tb.WriteFile("x.go", []byte("package x\n\nfunc Handler() {}\n")))
	require.NoError(t, tb.WriteFile("y.go", []byte("package y\n")))

	matches, err := tb.SearchCode(`func \w+\(`)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Contains(t, matches[0], "x.go:3:")
}

func TestRunCommand_Authorization(t *testing.T) {
	tb := newTestToolbox(t)

	out, err := tb.RunCommand(context.Background(), []string{"echo", "hello"})
	require.NoError(t, err)
	assert.Contains(t, string(out), "hello")

	_, err = tb.RunCommand(context.Background(), []string{"rm", "-rf", "/"})
	assert.ErrorIs(t, err, ErrDenied)
}

func TestRunCommand_NoAuthorizerDeniesAll(t *testing.T) {
	tb, err := NewToolbox(Config{WorkDir: t.TempDir()})
	require.NoError(t, err)

	_, err = tb.RunCommand(context.Background(), []string{"true"})
	assert.ErrorIs(t, err, ErrDenied)
}

func TestRunCommand_NonZeroExitIsToolFailure(t *testing.T) {
	tb := newTestToolbox(t)
	_, err := tb.RunCommand(context.Background(), []string{"false"})

	var tf *ToolFailure
	assert.ErrorAs(t, err, &tf)
}

const modifyPatch = `--- a/greet.go
+++ b/greet.go
@@ -1,5 +1,5 @@
 package main
 
 func Greet() string {
-	return "hello"
+	return "hello, world"
 }
`

func TestApplyPatch_Modify(t *testing.T) {
	tb := newTestToolbox(t)
	original := "package main\n\nfunc Greet() string {\n\treturn \"hello\"\n}\n"
	require.NoError(t, tb.WriteFile("greet.go", []byte(original)))

	result, err := tb.ApplyPatch(modifyPatch)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Added)
	assert.Equal(t, 1, result.Deleted)

	data, err := tb.ReadFile("greet.go")
	require.NoError(t, err)
	assert.Contains(t, string(data), `return "hello, world"`)
	assert.Equal(t, data, result.Files["greet.go"])
}

const createPatch = `--- /dev/null
+++ b/fresh.go
@@ -0,0 +1,3 @@
+package main
+
+func Fresh() {}
`

func TestApplyPatch_CreateFile(t *testing.T) {
	tb := newTestToolbox(t)

	result, err := tb.ApplyPatch(createPatch)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Added)

	data, err := tb.ReadFile("fresh.go")
	require.NoError(t, err)
	assert.Contains(t, string(data), "func Fresh()")
}

const deletePatch = `--- a/gone.go
+++ /dev/null
@@ -1,1 +0,0 @@
-package main
`

func TestApplyPatch_DeleteFile(t *testing.T) {
	tb := newTestToolbox(t)
	require.NoError(t, tb.WriteFile("gone.go", []byte("package main\n")))

	result, err := tb.ApplyPatch(deletePatch)
	require.NoError(t, err)
	assert.Nil(t, result.Files["gone.go"])

	_, err = tb.ReadFile("gone.go")
	assert.Error(t, err)
}

func TestApplyPatch_ContextMismatch(t *testing.T) {
	tb := newTestToolbox(t)
	require.NoError(t, tb.WriteFile("greet.go", []byte("package main\n\nfunc Greet() string {\n\treturn \"different\"\n}\n")))

	_, err := tb.ApplyPatch(modifyPatch)
	var tf *ToolFailure
	require.ErrorAs(t, err, &tf)
	assert.Contains(t, tf.Error(), "context mismatch")
}

func TestApplyPatch_Garbage(t *testing.T) {
	tb := newTestToolbox(t)
	_, err := tb.ApplyPatch("this is not a diff")
	var tf *ToolFailure
	assert.ErrorAs(t, err, &tf)
}
