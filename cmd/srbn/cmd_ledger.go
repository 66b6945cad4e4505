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

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianSRBN/services/srbn/ledger"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and manage the change ledger",
}

var ledgerStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print ledger totals",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(func(led *ledger.Ledger) error {
			stats, err := led.Stats()
			if err != nil {
				return err
			}
			fmt.Printf("commits:        %d\n", stats.Commits)
			fmt.Printf("sessions:       %d\n", stats.Sessions)
			fmt.Printf("head:           %s\n", stats.HeadHash)
			fmt.Printf("snapshot bytes: %d\n", stats.SnapshotBytes)
			return nil
		})
	},
}

var ledgerLogCmd = &cobra.Command{
	Use:   "log",
	Short: "List commits, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(func(led *ledger.Ledger) error {
			commits, err := led.Commits()
			if err != nil {
				return err
			}
			for _, c := range commits {
				fmt.Printf("%4d  %s  node=%s  session=%s  files=%d\n",
					c.Seq, shortHash(c.ContentHash), c.NodeID, c.SessionID, len(c.Files))
			}
			return nil
		})
	},
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Recompute and check every hash on the chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(func(led *ledger.Ledger) error {
			if err := led.VerifyChain(); err != nil {
				return err
			}
			fmt.Println("chain verified")
			return nil
		})
	},
}

var ledgerRollbackCmd = &cobra.Command{
	Use:   "rollback [commit-hash]",
	Short: "Restore the workspace to the state at a commit",
	Long: `Restores every ledgered file to its content at the given commit and
moves the chain head there. No history is deleted: commits past the
target stay retrievable by hash, and rolling back to the current head
is a no-op, so the command is safe to re-run.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(func(led *ledger.Ledger) error {
			if err := led.RollbackTo(args[0]); err != nil {
				return err
			}
			fmt.Printf("workspace restored to %s\n", shortHash(args[0]))
			return nil
		})
	},
}

var ledgerSessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions and their status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(func(led *ledger.Ledger) error {
			sessions, err := led.ListSessions()
			if err != nil {
				return err
			}
			for _, s := range sessions {
				fmt.Printf("%s  %-10s  %d/%d nodes  %q\n",
					s.ID, s.Status, s.NodesCommitted, s.NodesTotal, s.Goal)
			}
			return nil
		})
	},
}

func init() {
	ledgerCmd.AddCommand(ledgerStatsCmd)
	ledgerCmd.AddCommand(ledgerLogCmd)
	ledgerCmd.AddCommand(ledgerVerifyCmd)
	ledgerCmd.AddCommand(ledgerRollbackCmd)
	ledgerCmd.AddCommand(ledgerSessionsCmd)
}

// withLedger opens the configured ledger, runs fn and closes it.
func withLedger(fn func(*ledger.Ledger) error) error {
	led, err := ledger.Open(ledger.Config{
		Store:   ledger.DefaultStoreConfig(cfg.LedgerPath()),
		WorkDir: cfg.WorkDir,
		Logger:  log.Slog(),
	})
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer led.Close()

	return fn(led)
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
