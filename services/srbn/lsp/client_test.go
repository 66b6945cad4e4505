// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newWiredClient returns a client whose protocol writes into buf
// without any real subprocess behind it.
func newWiredClient(t *testing.T, buf *bytes.Buffer) *Client {
	t.Helper()
	c := NewClient(DefaultConfig("/work", "go", "fake-server"))
	c.proto = newProtocol(nil, buf, c.handleNotification)
	c.started = true
	return c
}

func publishPayload(t *testing.T, uri string, diags []Diagnostic) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(publishDiagnosticsParams{URI: uri, Diagnostics: diags})
	require.NoError(t, err)
	return data
}

func TestClient_DiagnosticsFromCache(t *testing.T) {
	var buf bytes.Buffer
	c := newWiredClient(t, &buf)

	require.NoError(t, c.Open("main.go", "package main"))

	uri := pathToURI("/work/main.go")
	c.handleNotification("textDocument/publishDiagnostics", publishPayload(t, uri, []Diagnostic{
		{Severity: SeverityError, Message: "undefined: foo"},
	}))

	set, err := c.DiagnosticsFor(context.Background(), "main.go")
	require.NoError(t, err)
	require.Len(t, set.Diagnostics, 1)
	assert.Equal(t, "undefined: foo", set.Diagnostics[0].Message)

	// didOpen went over the wire.
	assert.Contains(t, buf.String(), "textDocument/didOpen")
}

func TestClient_DiagnosticsWaitsForPublish(t *testing.T) {
	var buf bytes.Buffer
	c := newWiredClient(t, &buf)
	require.NoError(t, c.Open("main.go", "package main"))

	uri := pathToURI("/work/main.go")
	go func() {
		time.Sleep(50 * time.Millisecond)
		c.handleNotification("textDocument/publishDiagnostics", publishPayload(t, uri, nil))
	}()

	set, err := c.DiagnosticsFor(context.Background(), "main.go")
	require.NoError(t, err)
	assert.Empty(t, set.Diagnostics)
	assert.False(t, set.HasErrors())
}

func TestClient_ChangeInvalidatesCache(t *testing.T) {
	var buf bytes.Buffer
	c := newWiredClient(t, &buf)
	require.NoError(t, c.Open("main.go", "package main"))

	uri := pathToURI("/work/main.go")
	c.handleNotification("textDocument/publishDiagnostics", publishPayload(t, uri, []Diagnostic{
		{Severity: SeverityError, Message: "stale"},
	}))

	require.NoError(t, c.Change("main.go", "package main // fixed"))

	// Cache was cleared by the push; a fresh publish is required.
	c.cfg.DiagnosticsTimeout = 50 * time.Millisecond
	set, err := c.DiagnosticsFor(context.Background(), "main.go")
	require.NoError(t, err)
	assert.Empty(t, set.Diagnostics)
}

func TestClient_ChangeBeforeOpenSendsOpen(t *testing.T) {
	var buf bytes.Buffer
	c := newWiredClient(t, &buf)

	require.NoError(t, c.Change("fresh.go", "package fresh"))
	assert.Contains(t, buf.String(), "textDocument/didOpen")
	assert.NotContains(t, buf.String(), "textDocument/didChange")
}

func TestClient_DeadBackend(t *testing.T) {
	var buf bytes.Buffer
	c := newWiredClient(t, &buf)
	c.dead.Store(true)

	assert.ErrorIs(t, c.Open("x.go", ""), ErrBackendUnavailable)
	assert.ErrorIs(t, c.Change("x.go", ""), ErrBackendUnavailable)
	assert.ErrorIs(t, c.Close("x.go"), ErrBackendUnavailable)
	_, err := c.DiagnosticsFor(context.Background(), "x.go")
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.False(t, c.Alive())
}

func TestClient_UnstartedReturnsError(t *testing.T) {
	// Document pushes on a client that was never started must fail
	// cleanly instead of dereferencing the missing wire protocol.
	c := NewClient(DefaultConfig("/work", "go", "fake-server"))

	assert.ErrorIs(t, c.Open("x.go", "package x"), ErrBackendUnavailable)
	assert.ErrorIs(t, c.Change("x.go", "package x"), ErrBackendUnavailable)
	assert.ErrorIs(t, c.Close("x.go"), ErrBackendUnavailable)
	_, err := c.DiagnosticsFor(context.Background(), "x.go")
	assert.ErrorIs(t, err, ErrBackendUnavailable)

	assert.False(t, c.Alive())
	assert.NoError(t, c.Shutdown())
}

func TestClient_WaiterFailsWhenBackendDies(t *testing.T) {
	var buf bytes.Buffer
	c := newWiredClient(t, &buf)
	require.NoError(t, c.Open("main.go", "package main"))

	errCh := make(chan error, 1)
	go func() {
		_, err := c.DiagnosticsFor(context.Background(), "main.go")
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	c.dead.Store(true)
	c.failWaiters()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrBackendUnavailable)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never failed")
	}
}
