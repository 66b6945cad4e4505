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
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Config configures a diagnostic client.
type Config struct {
	// Command is the language server argv, e.g. ["gopls", "serve"].
	Command []string

	// WorkDir is the workspace root sent as rootUri.
	WorkDir string

	// LanguageID is the LSP language id for opened documents ("go",
	// "python", ...).
	LanguageID string

	// DiagnosticsTimeout bounds how long DiagnosticsFor waits for the
	// server to publish after a content push.
	DiagnosticsTimeout time.Duration

	// ShutdownTimeout bounds the shutdown handshake before the process
	// is killed outright.
	ShutdownTimeout time.Duration

	// Logger receives client events. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a config for the given server command.
func DefaultConfig(workDir, languageID string, command ...string) Config {
	return Config{
		Command:            command,
		WorkDir:            workDir,
		LanguageID:         languageID,
		DiagnosticsTimeout: 15 * time.Second,
		ShutdownTimeout:    3 * time.Second,
	}
}

// Client is a diagnostic client bound to one language server process.
//
// Description:
//
//	Owns the server subprocess for its whole lifetime: Start spawns it
//	and runs the initialize handshake, Shutdown tears it down on every
//	exit path. File content is pushed with Open/Change; diagnostics
//	arrive asynchronously and are read with DiagnosticsFor.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	proto    *protocol
	versions map[string]int
	cache    map[string]DiagnosticSet
	waiters  map[string][]chan DiagnosticSet
	started  bool
	dead     atomic.Bool

	readCancel context.CancelFunc
	waitDone   chan struct{}
}

// NewClient creates an unstarted client.
func NewClient(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DiagnosticsTimeout <= 0 {
		cfg.DiagnosticsTimeout = 15 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 3 * time.Second
	}
	return &Client{
		cfg:      cfg,
		logger:   logger.With(slog.String("subsystem", "lsp_client")),
		versions: make(map[string]int),
		cache:    make(map[string]DiagnosticSet),
		waiters:  make(map[string][]chan DiagnosticSet),
	}
}

// Start spawns the language server and performs the initialize handshake.
//
// Inputs:
//   - ctx: Bounds the handshake, not the server lifetime.
//
// Outputs:
//   - error: ErrAlreadyStarted, spawn failures, or a wrapped handshake
//     error. On any failure the process is not left running.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	if len(c.cfg.Command) == 0 {
		c.mu.Unlock()
		return fmt.Errorf("%w: no server command configured", ErrBackendUnavailable)
	}

	cmd := exec.Command(c.cfg.Command[0], c.cfg.Command[1:]...)
	cmd.Dir = c.cfg.WorkDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = nil // server stderr is noise; diagnostics come over the wire

	if err := cmd.Start(); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: start %s: %v", ErrBackendUnavailable, c.cfg.Command[0], err)
	}

	c.cmd = cmd
	c.proto = newProtocol(stdout, stdin, c.handleNotification)
	c.started = true
	c.waitDone = make(chan struct{})

	readCtx, cancel := context.WithCancel(context.Background())
	c.readCancel = cancel
	c.mu.Unlock()

	go func() {
		if err := c.proto.readLoop(readCtx); err != nil && readCtx.Err() == nil {
			c.logger.Warn("lsp read loop ended", slog.String("error", err.Error()))
		}
	}()
	go c.watchProcess()

	if err := c.initialize(ctx); err != nil {
		c.kill()
		return fmt.Errorf("initialize handshake: %w", err)
	}

	c.logger.Info("language server started",
		slog.String("command", c.cfg.Command[0]),
		slog.Int("pid", cmd.Process.Pid),
	)
	return nil
}

// watchProcess marks the client dead the moment the server exits.
func (c *Client) watchProcess() {
	err := c.cmd.Wait()
	wasDead := c.dead.Swap(true)
	c.proto.close()
	c.failWaiters()
	close(c.waitDone)
	if !wasDead {
		c.logger.Warn("language server exited",
			slog.String("command", c.cfg.Command[0]),
			slog.Any("error", err),
		)
	}
}

func (c *Client) initialize(ctx context.Context) error {
	rootURI := pathToURI(c.cfg.WorkDir)
	params := initializeParams{
		ProcessID: os.Getpid(),
		RootURI:   rootURI,
		Capabilities: clientCapabilities{
			TextDocument: textDocumentCapabilities{
				PublishDiagnostics: publishDiagnosticsCapabilities{RelatedInformation: true},
			},
		},
	}
	if _, err := c.proto.call(ctx, "initialize", params); err != nil {
		return err
	}
	return c.proto.notify("initialized", struct{}{})
}

// handleNotification caches publishDiagnostics and wakes waiters.
func (c *Client) handleNotification(method string, params json.RawMessage) {
	if method != "textDocument/publishDiagnostics" {
		return
	}
	var p publishDiagnosticsParams
	if err := json.Unmarshal(params, &p); err != nil {
		c.logger.Warn("bad publishDiagnostics payload", slog.String("error", err.Error()))
		return
	}

	set := DiagnosticSet{URI: p.URI, Version: p.Version, Diagnostics: p.Diagnostics}

	c.mu.Lock()
	c.cache[p.URI] = set
	waiters := c.waiters[p.URI]
	delete(c.waiters, p.URI)
	c.mu.Unlock()

	for _, ch := range waiters {
		ch <- set
	}
}

func (c *Client) failWaiters() {
	c.mu.Lock()
	all := c.waiters
	c.waiters = make(map[string][]chan DiagnosticSet)
	c.mu.Unlock()
	for _, chans := range all {
		for _, ch := range chans {
			close(ch)
		}
	}
}

// ready returns the wire protocol when the server is usable, or
// ErrBackendUnavailable when the client was never started or the
// process is gone.
func (c *Client) ready() (*protocol, error) {
	c.mu.Lock()
	proto := c.proto
	started := c.started
	c.mu.Unlock()
	if !started || proto == nil || c.dead.Load() {
		return nil, ErrBackendUnavailable
	}
	return proto, nil
}

// Open pushes a new document to the server.
func (c *Client) Open(path, content string) error {
	proto, err := c.ready()
	if err != nil {
		return err
	}
	uri := pathToURI(c.absPath(path))

	c.mu.Lock()
	c.versions[uri] = 1
	delete(c.cache, uri) // stale until the server re-publishes
	c.mu.Unlock()

	return proto.notify("textDocument/didOpen", didOpenParams{
		TextDocument: textDocumentItem{
			URI:        uri,
			LanguageID: c.cfg.LanguageID,
			Version:    1,
			Text:       content,
		},
	})
}

// Change pushes replacement content for an open document.
func (c *Client) Change(path, content string) error {
	proto, err := c.ready()
	if err != nil {
		return err
	}
	uri := pathToURI(c.absPath(path))

	c.mu.Lock()
	_, opened := c.versions[uri]
	if !opened {
		c.mu.Unlock()
		// didChange on an unopened document is a protocol violation.
		return c.Open(path, content)
	}
	c.versions[uri]++
	version := c.versions[uri]
	delete(c.cache, uri)
	c.mu.Unlock()

	return proto.notify("textDocument/didChange", didChangeParams{
		TextDocument:   versionedTextDocumentIdentifier{URI: uri, Version: version},
		ContentChanges: []contentChangeEvent{{Text: content}},
	})
}

// DiagnosticsFor returns the server's diagnostics for a file.
//
// Description:
//
//	If a publish has arrived since the last content push it is
//	returned immediately; otherwise the call blocks until the server
//	publishes, the configured timeout passes, or ctx is cancelled. A
//	timeout returns the empty set, not an error: a quiet server after
//	a clean push means no findings.
//
// Outputs:
//   - DiagnosticSet: The latest published diagnostics for the file.
//   - error: ErrBackendUnavailable if the server process is gone.
func (c *Client) DiagnosticsFor(ctx context.Context, path string) (DiagnosticSet, error) {
	if _, err := c.ready(); err != nil {
		return DiagnosticSet{}, err
	}
	uri := pathToURI(c.absPath(path))

	c.mu.Lock()
	if set, ok := c.cache[uri]; ok {
		c.mu.Unlock()
		return set, nil
	}
	ch := make(chan DiagnosticSet, 1)
	c.waiters[uri] = append(c.waiters[uri], ch)
	c.mu.Unlock()

	timer := time.NewTimer(c.cfg.DiagnosticsTimeout)
	defer timer.Stop()

	select {
	case set, ok := <-ch:
		if !ok {
			return DiagnosticSet{}, ErrBackendUnavailable
		}
		return set, nil
	case <-timer.C:
		c.removeWaiter(uri, ch)
		return DiagnosticSet{URI: uri}, nil
	case <-ctx.Done():
		c.removeWaiter(uri, ch)
		if c.dead.Load() {
			return DiagnosticSet{}, ErrBackendUnavailable
		}
		return DiagnosticSet{}, ctx.Err()
	}
}

func (c *Client) removeWaiter(uri string, ch chan DiagnosticSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	chans := c.waiters[uri]
	for i, w := range chans {
		if w == ch {
			c.waiters[uri] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
}

// Close tells the server a document is no longer of interest.
func (c *Client) Close(path string) error {
	proto, err := c.ready()
	if err != nil {
		return err
	}
	uri := pathToURI(c.absPath(path))

	c.mu.Lock()
	delete(c.versions, uri)
	delete(c.cache, uri)
	c.mu.Unlock()

	return proto.notify("textDocument/didClose", didCloseParams{
		TextDocument: textDocumentIdentifier{URI: uri},
	})
}

// Alive reports whether the server process is still running.
func (c *Client) Alive() bool {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	return started && !c.dead.Load()
}

// Shutdown performs the LSP shutdown handshake and reaps the process.
//
// Description:
//
//	Sends shutdown/exit with a bounded deadline, then kills the
//	process if it lingers. Safe to call on a dead or never-started
//	client; always leaves no process behind.
func (c *Client) Shutdown() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if !c.dead.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout)
		defer cancel()
		if _, err := c.proto.call(ctx, "shutdown", nil); err == nil {
			_ = c.proto.notify("exit", nil)
		}

		select {
		case <-c.waitDone:
		case <-ctx.Done():
			c.kill()
		}
	}

	c.kill()
	c.logger.Info("language server shut down", slog.String("command", c.cfg.Command[0]))
	return nil
}

// kill hard-terminates the server process and the read loop.
func (c *Client) kill() {
	c.dead.Store(true)
	if c.readCancel != nil {
		c.readCancel()
	}
	if c.proto != nil {
		c.proto.close()
	}
	c.failWaiters()
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
}

func (c *Client) absPath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.cfg.WorkDir, path)
}

func pathToURI(path string) string {
	return "file://" + filepath.ToSlash(path)
}
