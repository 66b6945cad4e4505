// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command srbn runs the stabilized recursive barrier network agent
// against a workspace.
//
// Usage:
//
//	# Run a goal against the current directory
//	srbn run "add pagination to the list endpoint"
//
//	# Resume a paused or escalated session
//	srbn resume 3f8a1c2e-...
//
//	# Inspect the change ledger
//	srbn ledger stats
//	srbn ledger log
//	srbn ledger verify
//	srbn ledger rollback <commit-hash>
//
// Configuration is read from srbn.yaml in the workspace (see
// LoadConfig); flags override the file.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianSRBN/pkg/logging"
)

var (
	cfg Config
	log *logging.Logger

	flagConfig   string
	flagWorkDir  string
	flagLogLevel string
	flagQuiet    bool
)

var rootCmd = &cobra.Command{
	Use:   "srbn",
	Short: "An autonomous coding agent with a convergence-gated commit loop",
	Long: `srbn decomposes a goal into a task graph, lets model tiers generate
and correct code, and only commits a change once its energy score has
converged under the verification suite. Every commit lands on a
hash-chained ledger that supports verification and rollback.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		explicit := cmd.Flags().Changed("config")
		path := flagConfig
		if !explicit {
			path = filepath.Join(flagWorkDir, "srbn.yaml")
		}

		var err error
		cfg, err = LoadConfig(path, explicit)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("workdir") || cfg.WorkDir == "" {
			cfg.WorkDir = flagWorkDir
		}

		log = logging.New(logging.Config{
			Level:   parseLevel(flagLogLevel),
			LogDir:  cfg.LogDir,
			Service: "srbn",
			Quiet:   flagQuiet,
		})
		return nil
	},
}

func parseLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "srbn.yaml", "Path to the configuration file")
	rootCmd.PersistentFlags().StringVarP(&flagWorkDir, "workdir", "w", ".", "Workspace the agent operates on")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "Suppress console logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(ledgerCmd)
}

func main() {
	err := rootCmd.Execute()
	if log != nil {
		_ = log.Close()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
