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

	"github.com/AleutianAI/AleutianTransform/services/transform/report"
	"github.com/AleutianAI/AleutianTransform/services/transform/store"
	"github.com/spf13/cobra"
)

// runInspect is the CLI handler for the "transform inspect" command.
//
// It prints the records inside a transformation file, one line per
// symbol with status, span, and checksum, followed by a unified diff of
// every changed symbol. Nothing is written; the working tree is not
// touched.
func runInspect(cmd *cobra.Command, args []string) {
	transformPath := args[0]

	// Anchor the store at the file's own directory so inspect never
	// creates a trace_debug tree of its own.
	st, err := store.New(store.Config{Dir: filepath.Dir(transformPath)})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open store: %v\n", err)
		os.Exit(exitError)
	}

	bundle, err := st.Load(transformPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load transformation file: %v\n", err)
		os.Exit(exitError)
	}

	rep := report.New(os.Stdout)
	rep.Bundle(bundle)
	if !skipDiffFlag {
		if err := rep.Diff(bundle); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render diff: %v\n", err)
			os.Exit(exitError)
		}
	}
}
