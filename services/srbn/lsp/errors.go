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
	"errors"
	"fmt"
)

var (
	// ErrBackendUnavailable means the language server process is not
	// running (never started, crashed, or shut down). Callers pause
	// rather than burn retry attempts on it.
	ErrBackendUnavailable = errors.New("diagnostic backend unavailable")

	// ErrRequestTimeout means the server did not answer before the
	// context deadline.
	ErrRequestTimeout = errors.New("lsp request timed out")

	// ErrAlreadyStarted is returned by Start on a running client.
	ErrAlreadyStarted = errors.New("language server already started")
)

// ServerError is a JSON-RPC error returned by the language server.
type ServerError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("lsp server error %d: %s", e.Code, e.Message)
}
