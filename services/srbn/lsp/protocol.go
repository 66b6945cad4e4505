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
	"sync"
	"sync/atomic"
)

// jsonRPCVersion is the JSON-RPC version used by LSP.
const jsonRPCVersion = "2.0"

// request is a JSON-RPC request. ID is omitted for notifications.
type request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// response is a JSON-RPC response.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *responseError  `json:"error,omitempty"`
}

type responseError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// serverMessage is the shape used to sniff incoming traffic: responses
// carry an id, notifications carry a method.
type serverMessage struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// protocol handles JSON-RPC framing over the server's stdio pipes.
//
// Description:
//
//	Implements the LSP base protocol using Content-Length headers.
//	Requests are correlated to responses by an atomically allocated id;
//	server notifications are handed to the onNotify callback.
//
// Thread Safety:
//
//	Safe for concurrent use, except readLoop which runs on a single
//	goroutine.
type protocol struct {
	reader   *bufio.Reader
	writer   io.Writer
	onNotify func(method string, params json.RawMessage)

	writeMu   sync.Mutex
	nextID    int64
	pending   map[int64]chan response
	pendingMu sync.Mutex
	closed    atomic.Bool
}

func newProtocol(r io.Reader, w io.Writer, onNotify func(method string, params json.RawMessage)) *protocol {
	var reader *bufio.Reader
	if r != nil {
		reader = bufio.NewReader(r)
	}
	return &protocol{
		reader:   reader,
		writer:   w,
		onNotify: onNotify,
		pending:  make(map[int64]chan response),
	}
}

// call sends a request and waits for the matching response.
func (p *protocol) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if p.closed.Load() {
		return nil, ErrBackendUnavailable
	}

	id := atomic.AddInt64(&p.nextID, 1)
	respCh := make(chan response, 1)

	p.pendingMu.Lock()
	p.pending[id] = respCh
	p.pendingMu.Unlock()
	defer func() {
		p.pendingMu.Lock()
		delete(p.pending, id)
		p.pendingMu.Unlock()
	}()

	if err := p.writeMessage(request{JSONRPC: jsonRPCVersion, ID: id, Method: method, Params: params}); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %v", ErrRequestTimeout, method, ctx.Err())
	case resp := <-respCh:
		if resp.Error != nil {
			if resp.Error.Code == codeConnectionClosed {
				return nil, ErrBackendUnavailable
			}
			return nil, &ServerError{Code: resp.Error.Code, Message: resp.Error.Message, Data: resp.Error.Data}
		}
		return resp.Result, nil
	}
}

// notify sends a notification; no response is expected.
func (p *protocol) notify(method string, params interface{}) error {
	if p.closed.Load() {
		return ErrBackendUnavailable
	}
	return p.writeMessage(request{JSONRPC: jsonRPCVersion, Method: method, Params: params})
}

func (p *protocol) writeMessage(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(data))
	if _, err := p.writer.Write([]byte(header)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := p.writer.Write(data); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

// readLoop reads server messages until EOF or cancellation. Responses
// are routed to waiting callers; notifications go to onNotify.
//
// Must run on a single goroutine.
func (p *protocol) readLoop(ctx context.Context) error {
	if p.reader == nil {
		return fmt.Errorf("no reader configured")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := p.readMessage()
		if err != nil {
			if p.closed.Load() {
				return nil
			}
			if err == io.EOF {
				return ErrBackendUnavailable
			}
			return fmt.Errorf("read: %w", err)
		}
		p.dispatch(msg)
	}
}

// readMessage reads one Content-Length framed message.
func (p *protocol) readMessage() (json.RawMessage, error) {
	var contentLength int

	for {
		line, err := p.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break // end of headers
		}
		if strings.HasPrefix(line, "Content-Length:") {
			lenStr := strings.TrimSpace(strings.TrimPrefix(line, "Content-Length:"))
			contentLength, err = strconv.Atoi(lenStr)
			if err != nil {
				return nil, fmt.Errorf("invalid Content-Length %q: %w", lenStr, err)
			}
			if contentLength < 0 {
				return nil, fmt.Errorf("negative Content-Length: %d", contentLength)
			}
		}
		// Other headers (Content-Type) are ignored.
	}

	if contentLength == 0 {
		return nil, fmt.Errorf("missing or zero Content-Length header")
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(p.reader, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

func (p *protocol) dispatch(msg json.RawMessage) {
	var m serverMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		return
	}

	switch {
	case m.ID != 0 && m.Method != "":
		// Server-to-client request (workspace/configuration and
		// friends). None of them need a real answer here, but JSON-RPC
		// requires one; a null result tells the server to use its
		// defaults instead of waiting forever.
		_ = p.writeMessage(response{JSONRPC: jsonRPCVersion, ID: m.ID, Result: json.RawMessage("null")})

	case m.ID != 0:
		var resp response
		if err := json.Unmarshal(msg, &resp); err != nil {
			return
		}
		p.pendingMu.Lock()
		ch, ok := p.pending[resp.ID]
		p.pendingMu.Unlock()
		if ok {
			select {
			case ch <- resp:
			default:
			}
		}

	case m.Method != "" && p.onNotify != nil:
		p.onNotify(m.Method, m.Params)
	}
}

// codeConnectionClosed is the synthetic error code injected into
// pending calls when the connection dies.
const codeConnectionClosed = -32099

// close marks the protocol closed and fails every pending call.
func (p *protocol) close() {
	if p.closed.Swap(true) {
		return
	}

	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	for id, ch := range p.pending {
		select {
		case ch <- response{
			JSONRPC: jsonRPCVersion,
			ID:      id,
			Error:   &responseError{Code: codeConnectionClosed, Message: "server connection closed"},
		}:
		default:
		}
		delete(p.pending, id)
	}
}
