// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lsp implements the diagnostic client: a long-lived language
// server subprocess spoken to over JSON-RPC with Content-Length framing.
//
// The client pushes generated file content at the server with didOpen /
// didChange and collects textDocument/publishDiagnostics notifications
// into a per-file cache. Verification reads that cache through
// DiagnosticsFor. If the server process dies, every pending and future
// call fails with ErrBackendUnavailable; the caller treats that as a
// hazard, not a node failure.
package lsp

import "fmt"

// DiagnosticSeverity mirrors the LSP severity scale.
type DiagnosticSeverity int

const (
	SeverityError   DiagnosticSeverity = 1
	SeverityWarning DiagnosticSeverity = 2
	SeverityInfo    DiagnosticSeverity = 3
	SeverityHint    DiagnosticSeverity = 4
)

// String returns the lowercase severity name.
func (s DiagnosticSeverity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	case SeverityInfo:
		return "info"
	case SeverityHint:
		return "hint"
	default:
		return "unknown"
	}
}

// Position is a zero-based line/character location.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range is a half-open [start, end) span in a document.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Diagnostic is one compiler or analyzer finding for a file.
type Diagnostic struct {
	Range    Range              `json:"range"`
	Severity DiagnosticSeverity `json:"severity,omitempty"`
	Code     interface{}        `json:"code,omitempty"`
	Source   string             `json:"source,omitempty"`
	Message  string             `json:"message"`
}

// Describe renders the diagnostic for prompts and logs.
func (d Diagnostic) Describe() string {
	return fmt.Sprintf("%s at line %d: %s", d.Severity, d.Range.Start.Line+1, d.Message)
}

// DiagnosticSet is the published diagnostics for one file version.
type DiagnosticSet struct {
	URI         string       `json:"uri"`
	Version     int          `json:"version,omitempty"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

// Counts tallies the set by severity.
func (s DiagnosticSet) Counts() (errors, warnings, hints int) {
	for _, d := range s.Diagnostics {
		switch d.Severity {
		case SeverityWarning:
			warnings++
		case SeverityHint, SeverityInfo:
			hints++
		default:
			// Missing severity is treated as an error, matching how
			// most servers report parse failures.
			errors++
		}
	}
	return errors, warnings, hints
}

// HasErrors reports whether any error-severity diagnostic is present.
func (s DiagnosticSet) HasErrors() bool {
	e, _, _ := s.Counts()
	return e > 0
}

// =============================================================================
// LSP request/notification params (the subset this client speaks)
// =============================================================================

type initializeParams struct {
	ProcessID    int                `json:"processId"`
	RootURI      string             `json:"rootUri"`
	Capabilities clientCapabilities `json:"capabilities"`
}

type clientCapabilities struct {
	TextDocument textDocumentCapabilities `json:"textDocument"`
}

type textDocumentCapabilities struct {
	PublishDiagnostics publishDiagnosticsCapabilities `json:"publishDiagnostics"`
}

type publishDiagnosticsCapabilities struct {
	RelatedInformation bool `json:"relatedInformation"`
}

type textDocumentItem struct {
	URI        string `json:"uri"`
	LanguageID string `json:"languageId"`
	Version    int    `json:"version"`
	Text       string `json:"text"`
}

type didOpenParams struct {
	TextDocument textDocumentItem `json:"textDocument"`
}

type versionedTextDocumentIdentifier struct {
	URI     string `json:"uri"`
	Version int    `json:"version"`
}

type textDocumentIdentifier struct {
	URI string `json:"uri"`
}

type contentChangeEvent struct {
	Text string `json:"text"`
}

type didChangeParams struct {
	TextDocument   versionedTextDocumentIdentifier `json:"textDocument"`
	ContentChanges []contentChangeEvent            `json:"contentChanges"`
}

type didCloseParams struct {
	TextDocument textDocumentIdentifier `json:"textDocument"`
}

type publishDiagnosticsParams struct {
	URI         string       `json:"uri"`
	Version     int          `json:"version,omitempty"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}
