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
	"github.com/AleutianAI/AleutianTransform/pkg/logging"
	"github.com/spf13/cobra"
)

// Exit codes used by every subcommand.
const (
	exitSuccess = 0
	exitError   = 1
	exitFatal   = 2
)

// --- Global Command Variables ---
var (
	configPath    string
	verboseFlag   bool
	logDirFlag    string
	jsonLogsFlag  bool
	dryRunFlag    bool
	metricsFlag   bool
	skipDiffFlag  bool
	skipStaged    bool
	modelOverride string
	skipSymbols   []string

	rootCmd = &cobra.Command{
		Use:   "transform",
		Short: "Symbol-level AI code rewriting for local repositories",
		Long: `Transform extracts functions and methods from your source files,
				asks an LLM to rewrite them under your instructions, applies the
				rewrites bottom-up, and verifies the result with your own test
				command. Edits that break the tests are rolled back byte-for-byte.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := logging.LevelInfo
			if verboseFlag {
				level = logging.LevelDebug
			}
			logging.Setup(logging.Config{
				Level:   level,
				LogDir:  logDirFlag,
				Service: "transform",
				JSON:    jsonLogsFlag,
			})
		},
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Extract symbols, request rewrites, apply and verify them",
		Run:   runTransformation, // Defined in cmd_run.go
	}

	applyCmd = &cobra.Command{
		Use:   "apply [transform-file]",
		Short: "Replay a persisted transformation file against the working tree",
		Args:  cobra.ExactArgs(1),
		Run:   runApplyFile, // Defined in cmd_apply.go
	}

	inspectCmd = &cobra.Command{
		Use:   "inspect [transform-file]",
		Short: "Show the records and diffs inside a transformation file",
		Args:  cobra.ExactArgs(1),
		Run:   runInspect, // Defined in cmd_inspect.go
	}
)

// init runs when the Go program starts
func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "transform.yaml",
		"Path to the run configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false,
		"Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logDirFlag, "log-dir", "",
		"Also write JSON logs to files in this directory")
	rootCmd.PersistentFlags().BoolVar(&jsonLogsFlag, "json-logs", false,
		"Emit stderr logs as JSON instead of text")

	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&dryRunFlag, "dry-run", false,
		"Record proposed transformations without touching source files")
	runCmd.Flags().BoolVar(&metricsFlag, "metrics", false,
		"Emit OpenTelemetry metrics for files, records, and rollbacks")
	runCmd.Flags().BoolVar(&skipStaged, "skip-staged", true,
		"Leave files with staged git changes alone")
	runCmd.Flags().StringVar(&modelOverride, "model", "",
		"Override the model named in the configuration file")

	rootCmd.AddCommand(applyCmd)
	applyCmd.Flags().BoolVar(&dryRunFlag, "dry-run", false,
		"Validate the transformation file without touching source files")
	applyCmd.Flags().StringSliceVar(&skipSymbols, "skip-symbols", nil,
		"Symbols to leave untouched during replay; a bare name skips it everywhere, a rule with / is a path glob")

	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().BoolVar(&skipDiffFlag, "no-diff", false,
		"Skip the unified diff rendering for changed symbols")
}
