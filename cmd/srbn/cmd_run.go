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
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianSRBN/services/srbn/ledger"
	"github.com/AleutianAI/AleutianSRBN/services/srbn/llm"
	"github.com/AleutianAI/AleutianSRBN/services/srbn/lsp"
	"github.com/AleutianAI/AleutianSRBN/services/srbn/orchestrator"
	"github.com/AleutianAI/AleutianSRBN/services/srbn/telemetry"
	"github.com/AleutianAI/AleutianSRBN/services/srbn/testrun"
	"github.com/AleutianAI/AleutianSRBN/services/srbn/tools"
)

var (
	flagAutoApprove bool
	flagMaxK        int
	flagMaxTokens   int
	flagMaxCost     float64
	flagParallel    int
	flagNoTests     bool
	flagNoLSP       bool
	flagArchitect   string
	flagActuator    string
	flagVerifier    string
)

var runCmd = &cobra.Command{
	Use:   "run [goal]",
	Short: "Execute a goal against the workspace",
	Long: `Plans the goal into a task graph and drives every node to a
stabilized, ledgered commit. The command blocks until the session
completes, pauses, or escalates; Ctrl+C aborts cleanly and requeues
in-flight nodes so the session can be resumed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		applyRunFlags(cmd)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		stack, err := buildStack(ctx)
		if err != nil {
			return err
		}
		defer stack.Close(ctx)

		res, err := stack.Orchestrator.Run(ctx, strings.Join(args, " "))
		if err != nil {
			return err
		}
		printResult(res)
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume [session-id]",
	Short: "Resume a paused or escalated session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		applyRunFlags(cmd)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		stack, err := buildStack(ctx)
		if err != nil {
			return err
		}
		defer stack.Close(ctx)

		res, err := stack.Orchestrator.Resume(ctx, args[0])
		if err != nil {
			return err
		}
		printResult(res)
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{runCmd, resumeCmd} {
		cmd.Flags().BoolVar(&flagAutoApprove, "auto-approve", false, "Commit without consulting a reviewer")
		cmd.Flags().IntVar(&flagMaxK, "max-k", 0, "Complexity threshold K; graphs deeper or wider than K route commits through review")
		cmd.Flags().IntVar(&flagMaxTokens, "max-tokens", 0, "Session token ceiling (0 = unlimited)")
		cmd.Flags().Float64Var(&flagMaxCost, "max-cost", 0, "Session cost ceiling in USD (0 = unlimited)")
		cmd.Flags().IntVar(&flagParallel, "parallelism", 0, "Concurrently executing nodes")
		cmd.Flags().BoolVar(&flagNoTests, "no-tests", false, "Skip the test suite during verification")
		cmd.Flags().BoolVar(&flagNoLSP, "no-lsp", false, "Skip language-server diagnostics during verification")
		cmd.Flags().StringVar(&flagArchitect, "model-architect", "", "Model for the architect tier")
		cmd.Flags().StringVar(&flagActuator, "model-actuator", "", "Model for the actuator tier")
		cmd.Flags().StringVar(&flagVerifier, "model-verifier", "", "Model for the verifier tier")
	}
}

// applyRunFlags folds explicitly set flags over the file config.
func applyRunFlags(cmd *cobra.Command) {
	if cmd.Flags().Changed("auto-approve") {
		cfg.AutoApprove = flagAutoApprove
	}
	if cmd.Flags().Changed("max-k") {
		cfg.ComplexityThreshold = flagMaxK
	}
	if cmd.Flags().Changed("max-tokens") {
		cfg.MaxTokens = flagMaxTokens
	}
	if cmd.Flags().Changed("max-cost") {
		cfg.MaxCostUSD = flagMaxCost
	}
	if cmd.Flags().Changed("parallelism") {
		cfg.Parallelism = flagParallel
	}
	if cmd.Flags().Changed("no-lsp") {
		cfg.DisableLSP = flagNoLSP
	}
	if flagArchitect != "" {
		cfg.Models.Architect = flagArchitect
	}
	if flagActuator != "" {
		cfg.Models.Actuator = flagActuator
	}
	if flagVerifier != "" {
		cfg.Models.Verifier = flagVerifier
	}
}

// Stack is the assembled runtime behind one run or resume invocation.
type Stack struct {
	Orchestrator *orchestrator.Orchestrator
	Ledger       *ledger.Ledger

	lspClient   *lsp.Client
	telemetryFn func(context.Context) error
}

// Close releases the stack in reverse construction order.
func (s *Stack) Close(ctx context.Context) {
	if s.lspClient != nil {
		_ = s.lspClient.Shutdown()
	}
	if s.Ledger != nil {
		_ = s.Ledger.Close()
	}
	if s.telemetryFn != nil {
		_ = s.telemetryFn(ctx)
	}
}

// buildStack wires the provider, ledger, toolbox, language server and
// test runner into an orchestrator according to cfg.
func buildStack(ctx context.Context) (*Stack, error) {
	slogger := log.Slog()

	shutdown, err := telemetry.Init(ctx, telemetry.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	stack := &Stack{telemetryFn: shutdown}

	metrics, err := telemetry.NewMetrics(otel.Meter("github.com/AleutianAI/AleutianSRBN/services/srbn"))
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	providerCfg := llm.DefaultOpenAIConfig()
	providerCfg.BaseURL = cfg.BaseURL
	providerCfg.Models = cfg.TierModels()
	providerCfg.Logger = slogger
	provider, err := llm.NewOpenAIProvider(providerCfg)
	if err != nil {
		return nil, err
	}

	led, err := ledger.Open(ledger.Config{
		Store:   ledger.DefaultStoreConfig(cfg.LedgerPath()),
		WorkDir: cfg.WorkDir,
		Logger:  slogger,
	})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	stack.Ledger = led

	toolbox, err := tools.NewToolbox(tools.Config{
		WorkDir: cfg.WorkDir,
		Logger:  slogger,
	})
	if err != nil {
		stack.Close(ctx)
		return nil, err
	}

	var diagnostics orchestrator.DiagnosticClient
	if command := cfg.ServerCommand(); len(command) > 0 {
		client := lsp.NewClient(lsp.DefaultConfig(cfg.WorkDir, cfg.Language, command...))
		if err := client.Start(ctx); err != nil {
			// Diagnostics degrade to the test suite alone.
			log.Warn("language server unavailable, running without diagnostics",
				slog.String("command", strings.Join(command, " ")),
				slog.String("error", err.Error()),
			)
		} else {
			stack.lspClient = client
			diagnostics = client
		}
	}

	var tests orchestrator.TestRunner
	if !flagNoTests {
		runnerCfg := testrun.DefaultConfig(cfg.Language)
		runnerCfg.Command = cfg.TestCommand
		if cfg.TestTimeout > 0 {
			runnerCfg.Timeout = cfg.TestTimeout
		}
		runnerCfg.Logger = slogger
		runner, err := testrun.NewRunner(runnerCfg)
		if err != nil {
			stack.Close(ctx)
			return nil, err
		}
		tests = runner
	}

	var reviewer orchestrator.Reviewer
	budget := llm.NewTokenBudget(cfg.MaxTokens, cfg.MaxCostUSD)
	if !cfg.AutoApprove {
		reviewer = &orchestrator.ModelReviewer{Provider: provider, Budget: budget}
	}

	orc, err := orchestrator.New(orchestrator.Config{
		WorkDir:             cfg.WorkDir,
		Language:            cfg.Language,
		Provider:            provider,
		Ledger:              led,
		Toolbox:             toolbox,
		Diagnostics:         diagnostics,
		Tests:               tests,
		Reviewer:            reviewer,
		Epsilon:             cfg.Epsilon,
		ComplexityThreshold: cfg.ComplexityThreshold,
		AutoApprove:         cfg.AutoApprove,
		Parallelism:         cfg.Parallelism,
		Budget:              budget,
		Metrics:             metrics,
		Logger:              slogger,
	})
	if err != nil {
		stack.Close(ctx)
		return nil, err
	}
	stack.Orchestrator = orc
	return stack, nil
}

func printResult(res *orchestrator.Result) {
	fmt.Printf("session %s finished: %s\n", res.SessionID, res.State)
	fmt.Printf("  committed nodes: %d\n", res.Committed)
	fmt.Printf("  tokens used:     %d ($%.4f)\n", res.TokensUsed, res.CostUSD)
	fmt.Printf("  duration:        %s\n", res.Duration.Round(time.Millisecond))

	for _, e := range res.Escalations {
		fmt.Printf("\nescalation: %s\n", e.Summary())
		for _, d := range e.LastDiagnostics {
			fmt.Printf("  diagnostic: %s\n", d)
		}
		for _, name := range e.FailingTests {
			fmt.Printf("  failing test: %s\n", name)
		}
	}

	switch res.State {
	case orchestrator.StatePaused:
		fmt.Printf("\nresume with: srbn resume %s\n", res.SessionID)
	case orchestrator.StateEscalated:
		fmt.Printf("\ninspect the diffs above, then resume with: srbn resume %s\n", res.SessionID)
	}
}
