// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command transform rewrites source code at symbol granularity.
//
// The tool extracts functions and methods from the configured source
// files, sends them to an LLM with the run's instructions, applies the
// returned rewrites bottom-up, and verifies the result with the
// project's own test command. Every proposed edit is journaled to a
// transformation file before it touches disk, so a run can always be
// inspected or replayed after the fact.
//
// Usage:
//
//	transform run --config transform.yaml
//	transform run --dry-run
//	transform apply trace_debug/file_transformations/<file>_transformations.json
//	transform inspect trace_debug/file_transformations/<file>_transformations.json
//
// The OpenAI API key is read from OPENAI_API_KEY or, in container
// deployments, from /run/secrets/openai_api_key.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}
}
