// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianSRBN/services/srbn/llm"
)

// Config is the srbn.yaml file layout. Every field has a working
// default; the file only needs the keys being overridden.
type Config struct {
	// WorkDir is the workspace the agent edits. Defaults to the
	// current directory.
	WorkDir string `yaml:"workdir"`

	// Language selects the structural scanner, the test runner and the
	// default language server ("go" or "python").
	Language string `yaml:"language"`

	// LedgerDir holds the BadgerDB change ledger. Defaults to
	// .srbn/ledger under the workspace.
	LedgerDir string `yaml:"ledger_dir"`

	// LogDir receives rotated JSON log files. Empty disables file
	// logging.
	LogDir string `yaml:"log_dir"`

	Models ModelsConfig `yaml:"models"`

	// BaseURL points the provider at an OpenAI-compatible endpoint
	// (vLLM, Ollama's /v1, LiteLLM). Empty uses the official API.
	BaseURL string `yaml:"base_url"`

	// MaxTokens and MaxCostUSD cap per-session spend. Zero means
	// unlimited on that axis.
	MaxTokens  int     `yaml:"max_tokens"`
	MaxCostUSD float64 `yaml:"max_cost_usd"`

	// Epsilon is the energy convergence threshold.
	Epsilon float64 `yaml:"epsilon"`

	// ComplexityThreshold routes commits through review once the task
	// graph's depth or width exceeds it. Zero disables the gate.
	ComplexityThreshold int `yaml:"complexity_threshold"`

	// AutoApprove commits without consulting a reviewer.
	AutoApprove bool `yaml:"auto_approve"`

	// Parallelism caps concurrently executing nodes.
	Parallelism int `yaml:"parallelism"`

	// TestCommand overrides the language's default test command.
	TestCommand []string `yaml:"test_command"`

	// TestTimeout is the hard deadline for one suite run.
	TestTimeout time.Duration `yaml:"test_timeout"`

	// LSPCommand overrides the language's default language server
	// argv. An explicit empty list disables diagnostics entirely;
	// so does DisableLSP.
	LSPCommand []string `yaml:"lsp_command"`
	DisableLSP bool     `yaml:"disable_lsp"`
}

// ModelsConfig maps the four tiers to model names.
type ModelsConfig struct {
	Architect  string `yaml:"architect"`
	Actuator   string `yaml:"actuator"`
	Verifier   string `yaml:"verifier"`
	Speculator string `yaml:"speculator"`
}

// DefaultCLIConfig returns the configuration used when no srbn.yaml
// exists.
func DefaultCLIConfig() Config {
	models := llm.DefaultOpenAIConfig().Models
	return Config{
		WorkDir:  ".",
		Language: "go",
		Models: ModelsConfig{
			Architect:  models[llm.TierArchitect],
			Actuator:   models[llm.TierActuator],
			Verifier:   models[llm.TierVerifier],
			Speculator: models[llm.TierSpeculator],
		},
		Epsilon:     0.1,
		Parallelism: 2,
		TestTimeout: 2 * time.Minute,
	}
}

// LoadConfig reads path over the defaults. A missing file is not an
// error when the path is the conventional one; an explicitly requested
// file must exist.
func LoadConfig(path string, explicit bool) (Config, error) {
	cfg := DefaultCLIConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// TierModels converts the flat YAML layout into the provider's map.
func (c Config) TierModels() map[llm.Tier]string {
	return map[llm.Tier]string{
		llm.TierArchitect:  c.Models.Architect,
		llm.TierActuator:   c.Models.Actuator,
		llm.TierVerifier:   c.Models.Verifier,
		llm.TierSpeculator: c.Models.Speculator,
	}
}

// LedgerPath resolves the ledger directory against the workspace.
func (c Config) LedgerPath() string {
	if c.LedgerDir != "" {
		return c.LedgerDir
	}
	return filepath.Join(c.WorkDir, ".srbn", "ledger")
}

// ServerCommand returns the language server argv, or nil when
// diagnostics are disabled or no server is known for the language.
func (c Config) ServerCommand() []string {
	if c.DisableLSP {
		return nil
	}
	if len(c.LSPCommand) > 0 {
		return c.LSPCommand
	}
	switch c.Language {
	case "go":
		return []string{"gopls", "serve"}
	case "python":
		return []string{"pyright-langserver", "--stdio"}
	default:
		return nil
	}
}
