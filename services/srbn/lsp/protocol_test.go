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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer reads framed requests from r and writes framed replies to w.
type fakeServer struct {
	in  *bufio.Reader
	out io.Writer
}

func newFakeServer(r io.Reader, w io.Writer) *fakeServer {
	return &fakeServer{in: bufio.NewReader(r), out: w}
}

func (s *fakeServer) readRequest(t *testing.T) request {
	t.Helper()
	var contentLength int
	for {
		line, err := s.in.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "Content-Length:") {
			n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "Content-Length:")))
			require.NoError(t, err)
			contentLength = n
		}
	}
	body := make([]byte, contentLength)
	_, err := io.ReadFull(s.in, body)
	require.NoError(t, err)

	var req request
	require.NoError(t, json.Unmarshal(body, &req))
	return req
}

func (s *fakeServer) readRaw(t *testing.T) map[string]json.RawMessage {
	t.Helper()
	var contentLength int
	for {
		line, err := s.in.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "Content-Length:") {
			n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "Content-Length:")))
			require.NoError(t, err)
			contentLength = n
		}
	}
	body := make([]byte, contentLength)
	_, err := io.ReadFull(s.in, body)
	require.NoError(t, err)

	var msg map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &msg))
	return msg
}

func (s *fakeServer) write(t *testing.T, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	_, err = fmt.Fprintf(s.out, "Content-Length: %d\r\n\r\n%s", len(data), data)
	require.NoError(t, err)
}

func TestProtocol_CallRoundTrip(t *testing.T) {
	clientIn, serverOut := io.Pipe()
	serverIn, clientOut := io.Pipe()

	p := newProtocol(clientIn, clientOut, nil)
	srv := newFakeServer(serverIn, serverOut)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.readLoop(ctx)

	go func() {
		req := srv.readRequest(t)
		srv.write(t, response{
			JSONRPC: jsonRPCVersion,
			ID:      req.ID,
			Result:  json.RawMessage(`{"ok":true}`),
		})
	}()

	result, err := p.call(ctx, "initialize", map[string]string{"hello": "world"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
}

func TestProtocol_ServerErrorSurface(t *testing.T) {
	clientIn, serverOut := io.Pipe()
	serverIn, clientOut := io.Pipe()

	p := newProtocol(clientIn, clientOut, nil)
	srv := newFakeServer(serverIn, serverOut)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.readLoop(ctx)

	go func() {
		req := srv.readRequest(t)
		srv.write(t, response{
			JSONRPC: jsonRPCVersion,
			ID:      req.ID,
			Error:   &responseError{Code: -32601, Message: "method not found"},
		})
	}()

	_, err := p.call(ctx, "bogus/method", nil)
	var srvErr *ServerError
	require.ErrorAs(t, err, &srvErr)
	assert.Equal(t, -32601, srvErr.Code)
}

func TestProtocol_NotificationDispatch(t *testing.T) {
	clientIn, serverOut := io.Pipe()
	_, clientOut := io.Pipe()

	got := make(chan string, 1)
	p := newProtocol(clientIn, clientOut, func(method string, params json.RawMessage) {
		got <- method
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.readLoop(ctx)

	payload := `{"jsonrpc":"2.0","method":"textDocument/publishDiagnostics","params":{"uri":"file:///x.go","diagnostics":[]}}`
	go fmt.Fprintf(serverOut, "Content-Length: %d\r\n\r\n%s", len(payload), payload)

	select {
	case method := <-got:
		assert.Equal(t, "textDocument/publishDiagnostics", method)
	case <-time.After(2 * time.Second):
		t.Fatal("notification never dispatched")
	}
}

func TestProtocol_AnswersServerRequests(t *testing.T) {
	clientIn, serverOut := io.Pipe()
	serverIn, clientOut := io.Pipe()

	notified := make(chan string, 1)
	p := newProtocol(clientIn, clientOut, func(method string, params json.RawMessage) {
		notified <- method
	})
	srv := newFakeServer(serverIn, serverOut)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.readLoop(ctx)

	// A server-to-client request carries both an id and a method. It
	// must be answered with a null result, not routed as a notification.
	payload := `{"jsonrpc":"2.0","id":7,"method":"workspace/configuration","params":{"items":[{"section":"gopls"}]}}`
	go fmt.Fprintf(serverOut, "Content-Length: %d\r\n\r\n%s", len(payload), payload)

	reply := srv.readRaw(t)
	assert.JSONEq(t, "7", string(reply["id"]))
	assert.JSONEq(t, "null", string(reply["result"]))
	assert.NotContains(t, reply, "method")

	select {
	case method := <-notified:
		t.Fatalf("server request dispatched as notification: %s", method)
	default:
	}
}

func TestProtocol_CloseFailsPending(t *testing.T) {
	clientIn, _ := io.Pipe()
	_, clientOut := io.Pipe()

	p := newProtocol(clientIn, clientOut, nil)

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := p.call(ctx, "hang/forever", nil)
		errCh <- err
	}()

	// Give the call a moment to register as pending, then close.
	time.Sleep(50 * time.Millisecond)
	p.close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrBackendUnavailable)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call never failed")
	}

	// Further calls fail immediately.
	_, err := p.call(context.Background(), "anything", nil)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestDiagnosticSet_Counts(t *testing.T) {
	set := DiagnosticSet{Diagnostics: []Diagnostic{
		{Severity: SeverityError, Message: "boom"},
		{Severity: SeverityError, Message: "boom2"},
		{Severity: SeverityWarning, Message: "meh"},
		{Severity: SeverityHint, Message: "style"},
		{Severity: SeverityInfo, Message: "fyi"},
		{Message: "no severity counts as error"},
	}}

	errs, warns, hints := set.Counts()
	assert.Equal(t, 3, errs)
	assert.Equal(t, 1, warns)
	assert.Equal(t, 2, hints)
	assert.True(t, set.HasErrors())
}
