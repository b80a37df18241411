// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("full config", func(t *testing.T) {
		path := writeConfig(t, `
source_files:
  - "src/*.py"
exclude_patterns:
  - "src/legacy_*.py"
skip_symbols:
  - init_logging
instructions: add tracing
model: gpt-4o
requests_per_minute: 30
verify_cmd: make test
verify_timeout_seconds: 120
workers: 8
skip_staged: false
`)
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 8, cfg.Workers)
		assert.Equal(t, "make test", cfg.VerifyCmd)
		assert.Equal(t, 2*time.Minute, cfg.VerifyTimeout())
		assert.False(t, cfg.SkipStaged, "skip_staged: false not honored")
	})

	t.Run("defaults fill unset fields", func(t *testing.T) {
		path := writeConfig(t, `
source_files: ["a.py"]
`)
		cfg, err := Load(path)
		require.NoError(t, err)
		def := Default()
		assert.Equal(t, def.Workers, cfg.Workers)
		assert.Equal(t, def.VerifyTimeoutSeconds, cfg.VerifyTimeoutSeconds)
		assert.True(t, cfg.SkipStaged, "skip_staged should default to true")
	})

	t.Run("empty source files rejected", func(t *testing.T) {
		path := writeConfig(t, `workers: 2`)
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("malformed yaml rejected", func(t *testing.T) {
		path := writeConfig(t, "source_files: [unclosed")
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("conflicting instructions rejected", func(t *testing.T) {
		path := writeConfig(t, `
source_files: ["a.py"]
instructions: inline
instructions_file: prompt.txt
`)
		_, err := Load(path)
		assert.Error(t, err)
	})
}

func TestResolveFiles(t *testing.T) {
	root := t.TempDir()
	mk := func(rel string) string {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte("pass\n"), 0644))
		return path
	}
	a := mk("src/a.py")
	b := mk("src/b.py")
	legacy := mk("src/legacy_old.py")
	mk("vendored/dep.py")

	t.Run("glob expansion with excludes", func(t *testing.T) {
		cfg := Default()
		cfg.SourceFiles = []string{"src/*.py"}
		cfg.ExcludePatterns = []string{"src/legacy_*.py"}

		files, err := cfg.ResolveFiles(root)
		require.NoError(t, err)
		assert.Equal(t, []string{a, b}, files)
	})

	t.Run("literal path and dedup", func(t *testing.T) {
		cfg := Default()
		cfg.SourceFiles = []string{"src/a.py", "src/*.py"}

		files, err := cfg.ResolveFiles(root)
		require.NoError(t, err)

		count := 0
		for _, f := range files {
			if f == a {
				count++
			}
		}
		assert.Equal(t, 1, count, "a.py should appear exactly once")
		assert.Contains(t, files, legacy, "legacy file missing without exclude pattern")
	})

	t.Run("unmatched glob is not an error", func(t *testing.T) {
		cfg := Default()
		cfg.SourceFiles = []string{"nothing/*.rs"}

		files, err := cfg.ResolveFiles(root)
		require.NoError(t, err)
		assert.Empty(t, files)
	})

	t.Run("directory prefix exclude", func(t *testing.T) {
		cfg := Default()
		cfg.SourceFiles = []string{"src/*.py", "vendored/*.py"}
		cfg.ExcludePatterns = []string{"vendored/"}

		files, err := cfg.ResolveFiles(root)
		require.NoError(t, err)
		for _, f := range files {
			assert.NotEqual(t, "vendored", filepath.Base(filepath.Dir(f)), "vendored file not excluded: %s", f)
		}
	})
}
