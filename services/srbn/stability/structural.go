// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stability

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/python"
)

// PatternHit is one forbidden-pattern occurrence in generated code.
type PatternHit struct {
	File    string `json:"file"`
	Pattern string `json:"pattern"`
	Line    int    `json:"line"`
}

// StructuralReport is the structural-energy input for one evaluation.
type StructuralReport struct {
	// SyntaxErrors counts ERROR and MISSING nodes across all scanned files.
	SyntaxErrors int `json:"syntax_errors"`

	// PatternHits are forbidden-pattern matches.
	PatternHits []PatternHit `json:"pattern_hits,omitempty"`
}

// Value is the raw structural energy before weighting.
func (r StructuralReport) Value() float64 {
	return float64(r.SyntaxErrors + len(r.PatternHits))
}

// Scanner computes the structural signal by parsing generated sources
// with tree-sitter and matching contract forbidden patterns.
//
// Thread Safety:
//
//	Safe for concurrent use; a parser is created per Scan call because
//	tree-sitter parsers are not goroutine safe.
type Scanner struct {
	language string
}

// NewScanner creates a scanner for a language. Unsupported languages
// yield a scanner that only matches forbidden patterns.
func NewScanner(language string) *Scanner {
	return &Scanner{language: language}
}

func (s *Scanner) sitterLanguage() *sitter.Language {
	switch s.language {
	case "go":
		return golang.GetLanguage()
	case "python":
		return python.GetLanguage()
	default:
		return nil
	}
}

// Scan parses each file and tallies syntax errors and pattern hits.
//
// Inputs:
//   - ctx: Cancels long parses.
//   - files: Path -> content of the sources the node just wrote.
//   - forbidden: The node contract's forbidden patterns (plain substrings).
//
// Outputs:
//   - StructuralReport: Aggregated counts. Never nil-valued on success.
//   - error: Only parser-level failures; malformed code is a count,
//     not an error.
func (s *Scanner) Scan(ctx context.Context, files map[string]string, forbidden []string) (StructuralReport, error) {
	var report StructuralReport

	lang := s.sitterLanguage()
	for path, content := range files {
		if lang != nil {
			parser := sitter.NewParser()
			parser.SetLanguage(lang)
			tree, err := parser.ParseCtx(ctx, nil, []byte(content))
			if err != nil {
				return StructuralReport{}, fmt.Errorf("parse %s: %w", path, err)
			}
			report.SyntaxErrors += countErrorNodes(tree.RootNode(), 0)
			tree.Close()
		}

		for _, pattern := range forbidden {
			if pattern == "" {
				continue
			}
			for i, line := range strings.Split(content, "\n") {
				if strings.Contains(line, pattern) {
					report.PatternHits = append(report.PatternHits, PatternHit{
						File:    path,
						Pattern: pattern,
						Line:    i + 1,
					})
				}
			}
		}
	}
	return report, nil
}

// maxErrorNodes bounds the walk on heavily malformed input.
const maxErrorNodes = 50

func countErrorNodes(node *sitter.Node, depth int) int {
	if depth > 1000 {
		return 0
	}
	count := 0
	if node.IsError() || node.IsMissing() {
		count++
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		count += countErrorNodes(node.Child(i), depth+1)
		if count >= maxErrorNodes {
			return maxErrorNodes
		}
	}
	return count
}
