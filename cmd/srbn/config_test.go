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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianSRBN/services/srbn/llm"
)

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "srbn.yaml"), false)
	require.NoError(t, err)

	assert.Equal(t, "go", cfg.Language)
	assert.Equal(t, 0.1, cfg.Epsilon)
	assert.Equal(t, 2, cfg.Parallelism)
	assert.NotEmpty(t, cfg.Models.Architect)
}

func TestLoadConfig_ExplicitMissingFileFails(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"), true)
	assert.Error(t, err)
}

func TestLoadConfig_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "srbn.yaml")
	content := "language: python\n" +
		"max_tokens: 50000\n" +
		"models:\n" +
		"  actuator: qwen2.5-coder\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path, true)
	require.NoError(t, err)

	assert.Equal(t, "python", cfg.Language)
	assert.Equal(t, 50000, cfg.MaxTokens)
	assert.Equal(t, "qwen2.5-coder", cfg.Models.Actuator)
	// Untouched keys keep their defaults.
	assert.Equal(t, 0.1, cfg.Epsilon)

	models := cfg.TierModels()
	assert.Equal(t, "qwen2.5-coder", models[llm.TierActuator])
	assert.NotEmpty(t, models[llm.TierArchitect])
}

func TestConfig_ServerCommand(t *testing.T) {
	cfg := DefaultCLIConfig()
	assert.Equal(t, []string{"gopls", "serve"}, cfg.ServerCommand())

	cfg.Language = "python"
	assert.Equal(t, "pyright-langserver", cfg.ServerCommand()[0])

	cfg.LSPCommand = []string{"my-lsp", "--stdio"}
	assert.Equal(t, []string{"my-lsp", "--stdio"}, cfg.ServerCommand())

	cfg.DisableLSP = true
	assert.Nil(t, cfg.ServerCommand())

	cfg.DisableLSP = false
	cfg.LSPCommand = nil
	cfg.Language = "rust"
	assert.Nil(t, cfg.ServerCommand())
}

func TestConfig_LedgerPath(t *testing.T) {
	cfg := DefaultCLIConfig()
	cfg.WorkDir = "/tmp/proj"
	assert.Equal(t, filepath.Join("/tmp/proj", ".srbn", "ledger"), cfg.LedgerPath())

	cfg.LedgerDir = "/var/lib/srbn"
	assert.Equal(t, "/var/lib/srbn", cfg.LedgerPath())
}
