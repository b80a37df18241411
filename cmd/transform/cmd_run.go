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
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/AleutianTransform/services/transform/config"
	"github.com/AleutianAI/AleutianTransform/services/transform/llm"
	"github.com/AleutianAI/AleutianTransform/services/transform/processor"
	"github.com/AleutianAI/AleutianTransform/services/transform/report"
	"github.com/spf13/cobra"
)

// runTransformation is the CLI handler for the "transform run" command.
//
// It loads the run configuration, builds the OpenAI transformer, and
// executes a full extract/rewrite/apply/verify pass over the configured
// source files. The run summary is printed to stdout when the run ends,
// whether it succeeded or not.
//
// # Exit Codes
//
//   - 0: Every file either applied cleanly or was rolled back
//   - 1: Configuration or setup problem
//   - 2: At least one file hit a fatal halt
func runTransformation(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(exitError)
	}
	if dryRunFlag {
		cfg.DryRun = true
	}
	if modelOverride != "" {
		cfg.Model = modelOverride
	}
	if cmd.Flags().Changed("skip-staged") {
		cfg.SkipStaged = skipStaged
	}

	processor.SetMetricsEnabled(metricsFlag)

	instructions, err := cfg.LoadInstructions()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load instructions: %v\n", err)
		os.Exit(exitError)
	}

	transformer, err := llm.NewOpenAITransformer(llm.OpenAIConfig{
		Instructions:      instructions,
		Model:             cfg.Model,
		RequestsPerMinute: cfg.RequestsPerMinute,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create LLM client: %v\n", err)
		os.Exit(exitError)
	}

	proc, err := processor.New(cfg, transformer)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create processor: %v\n", err)
		os.Exit(exitError)
	}

	summary, err := proc.Run(ctx)
	if summary != nil {
		report.New(os.Stdout).Summary(summary)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Run aborted: %v\n", err)
		os.Exit(exitError)
	}
	if !summary.Success() {
		os.Exit(exitFatal)
	}
}
