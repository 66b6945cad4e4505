// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package testrun

import (
	"regexp"
	"strings"
	"sync"
)

// =============================================================================
// TEST OUTPUT PARSERS
// =============================================================================

// OutputParser extracts per-test results from raw runner output.
type OutputParser func(output []byte) (passed []string, failed []Failure)

// parserRegistry maps languages to their output parsers.
// Protected by parserMu for concurrent access.
var (
	parserRegistry = map[string]OutputParser{
		"go":     parseGoTestOutput,
		"python": parsePytestOutput,
	}
	parserMu sync.RWMutex
)

// ParserFor returns the parser for a language, or nil if none is registered.
//
// Thread Safety: Safe for concurrent use.
func ParserFor(language string) OutputParser {
	parserMu.RLock()
	defer parserMu.RUnlock()
	return parserRegistry[language]
}

// RegisterParser registers a custom parser for a language.
//
// Thread Safety: Safe for concurrent use.
func RegisterParser(language string, parser OutputParser) {
	parserMu.Lock()
	defer parserMu.Unlock()
	parserRegistry[language] = parser
}

// =============================================================================
// GO TEST OUTPUT
// =============================================================================

var (
	goPassPattern  = regexp.MustCompile(`^--- PASS: (\S+)`)
	goFailPattern  = regexp.MustCompile(`^--- FAIL: (\S+)`)
	goPanicPattern = regexp.MustCompile(`^panic:`)
	goBuildFailed  = regexp.MustCompile(`^FAIL\s+\S+\s+\[build failed\]`)
)

// parseGoTestOutput parses `go test -v` output.
//
// Description:
//
//	Collects "--- PASS:" and "--- FAIL:" lines. A panic or a
//	"[build failed]" package line is reported as a synthetic failure
//	so the energy function always sees something when the run blew up
//	without per-test results.
func parseGoTestOutput(output []byte) (passed []string, failed []Failure) {
	var current *Failure
	for _, raw := range strings.Split(string(output), "\n") {
		line := strings.TrimSpace(raw)

		if m := goPassPattern.FindStringSubmatch(line); len(m) > 1 {
			passed = append(passed, m[1])
			current = nil
			continue
		}
		if m := goFailPattern.FindStringSubmatch(line); len(m) > 1 {
			failed = append(failed, Failure{Name: m[1]})
			current = &failed[len(failed)-1]
			continue
		}
		if goPanicPattern.MatchString(line) {
			failed = append(failed, Failure{Name: "panic", Detail: line})
			current = nil
			continue
		}
		if goBuildFailed.MatchString(line) {
			failed = append(failed, Failure{Name: "build", Detail: line})
			current = nil
			continue
		}
		// Indented output following a FAIL line is its detail.
		if current != nil && line != "" && !strings.HasPrefix(line, "===") {
			if current.Detail != "" {
				current.Detail += "\n"
			}
			current.Detail += line
			if len(current.Detail) > 2000 {
				current.Detail = current.Detail[:2000]
				current = nil
			}
		}
	}
	return passed, failed
}

// =============================================================================
// PYTEST OUTPUT
// =============================================================================

var (
	pytestFailNamePattern = regexp.MustCompile(`^FAILED\s+(\S+)(?:\s+-\s+(.*))?`)
	pytestErrorPattern    = regexp.MustCompile(`^ERROR\s+(\S+)`)
	pytestPassedPattern   = regexp.MustCompile(`^PASSED\s+(\S+)`)
	pytestDotName         = regexp.MustCompile(`^(\S+::\S+)\s+PASSED`)
)

// parsePytestOutput parses pytest output in verbose or short-summary form.
func parsePytestOutput(output []byte) (passed []string, failed []Failure) {
	for _, raw := range strings.Split(string(output), "\n") {
		line := strings.TrimSpace(raw)

		if m := pytestFailNamePattern.FindStringSubmatch(line); len(m) > 1 {
			f := Failure{Name: m[1]}
			if len(m) > 2 {
				f.Detail = m[2]
			}
			failed = append(failed, f)
			continue
		}
		if m := pytestErrorPattern.FindStringSubmatch(line); len(m) > 1 {
			failed = append(failed, Failure{Name: m[1], Detail: "collection or fixture error"})
			continue
		}
		if m := pytestPassedPattern.FindStringSubmatch(line); len(m) > 1 {
			passed = append(passed, m[1])
			continue
		}
		if m := pytestDotName.FindStringSubmatch(line); len(m) > 1 {
			passed = append(passed, m[1])
		}
	}
	return passed, failed
}
