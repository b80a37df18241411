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
	"github.com/AleutianAI/AleutianTransform/services/transform/processor"
	"github.com/AleutianAI/AleutianTransform/services/transform/report"
	"github.com/spf13/cobra"
)

// runApplyFile is the CLI handler for the "transform apply" command.
//
// It replays a persisted transformation file against the working tree:
// pending records are spliced in, the verify command runs, and failing
// edits are rolled back, exactly as during a live run. No LLM calls are
// made. This is the recovery path for runs that were interrupted after
// journaling but before applying.
//
// # Exit Codes
//
//   - 0: The file applied cleanly or was rolled back
//   - 1: Configuration or setup problem
//   - 2: The file hit a fatal halt
func runApplyFile(cmd *cobra.Command, args []string) {
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

	// No transformer: replay works entirely from the journaled records.
	proc, err := processor.New(cfg, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create processor: %v\n", err)
		os.Exit(exitError)
	}

	bundle, err := proc.ApplyTransformFile(ctx, args[0], skipSymbols)
	if bundle != nil {
		report.New(os.Stdout).Bundle(bundle)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Apply failed: %v\n", err)
		os.Exit(exitFatal)
	}
}
