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

import "testing"

// TestCommandWiring verifies the subcommand tree and flag registration
// without executing any command.
func TestCommandWiring(t *testing.T) {
	want := map[string]bool{"run": false, "apply": false, "inspect": false}
	for _, cmd := range rootCmd.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("subcommand %q not registered", name)
		}
	}

	if rootCmd.PersistentFlags().Lookup("config") == nil {
		t.Error("persistent flag --config not registered")
	}
	if runCmd.Flags().Lookup("dry-run") == nil {
		t.Error("run flag --dry-run not registered")
	}
	if inspectCmd.Flags().Lookup("no-diff") == nil {
		t.Error("inspect flag --no-diff not registered")
	}
}

func TestArgValidation(t *testing.T) {
	if err := applyCmd.Args(applyCmd, nil); err == nil {
		t.Error("apply should require a transform-file argument")
	}
	if err := applyCmd.Args(applyCmd, []string{"a.json"}); err != nil {
		t.Errorf("apply with one argument: %v", err)
	}
	if err := inspectCmd.Args(inspectCmd, []string{"a.json", "b.json"}); err == nil {
		t.Error("inspect should reject extra arguments")
	}
}
