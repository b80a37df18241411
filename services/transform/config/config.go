// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates run configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RunConfig describes one transformation run.
type RunConfig struct {
	// SourceFiles are the files or globs to transform, relative to the
	// repository root unless absolute.
	SourceFiles []string `json:"source_files" yaml:"source_files"`

	// ExcludePatterns removes matches from the resolved file set. Globs,
	// matched against both the relative and absolute path.
	ExcludePatterns []string `json:"exclude_patterns" yaml:"exclude_patterns"`

	// SkipSymbols are symbols exempt from editing. A bare name skips the
	// symbol everywhere; a rule containing "/" anchors to a path glob.
	SkipSymbols []string `json:"skip_symbols" yaml:"skip_symbols"`

	// Instructions is the transformation goal given to the model.
	// InstructionsFile, when set, is read instead.
	Instructions     string `json:"instructions" yaml:"instructions"`
	InstructionsFile string `json:"instructions_file" yaml:"instructions_file"`

	// Model names the chat model. Empty defers to OPENAI_MODEL.
	Model string `json:"model" yaml:"model"`

	// RequestsPerMinute throttles model calls across workers. Zero
	// disables the throttle.
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`

	// VerifyCmd is a shell command run after each file's edits. Empty
	// disables verification.
	VerifyCmd string `json:"verify_cmd" yaml:"verify_cmd"`

	// VerifyTimeoutSeconds bounds one verification attempt.
	VerifyTimeoutSeconds int `json:"verify_timeout_seconds" yaml:"verify_timeout_seconds"`

	// Workers bounds concurrent file pipelines.
	Workers int `json:"workers" yaml:"workers"`

	// TransformDir is where transformation bundles are persisted.
	TransformDir string `json:"transform_dir" yaml:"transform_dir"`

	// SkipStaged leaves files with staged git changes untouched, so a
	// run never tangles with edits the user is about to commit.
	SkipStaged bool `json:"skip_staged" yaml:"skip_staged"`

	// DryRun reports what would change without writing files.
	DryRun bool `json:"dry_run" yaml:"dry_run"`
}

// Default returns the default run configuration.
func Default() RunConfig {
	return RunConfig{
		RequestsPerMinute:    60,
		VerifyTimeoutSeconds: 600,
		Workers:              4,
		TransformDir:         filepath.Join("trace_debug", "file_transformations"),
		SkipStaged:           true,
	}
}

// Load reads a YAML run configuration.
//
// # Description
//
// Unset fields fall back to Default values. The returned config is
// validated; a config that names no source files is rejected here rather
// than producing an empty run later.
func Load(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks invariants that Load's defaults cannot repair.
func (c *RunConfig) Validate() error {
	if len(c.SourceFiles) == 0 {
		return fmt.Errorf("source_files must name at least one file or glob")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.VerifyTimeoutSeconds < 0 {
		return fmt.Errorf("verify_timeout_seconds must not be negative, got %d", c.VerifyTimeoutSeconds)
	}
	if c.RequestsPerMinute < 0 {
		return fmt.Errorf("requests_per_minute must not be negative, got %d", c.RequestsPerMinute)
	}
	if c.Instructions != "" && c.InstructionsFile != "" {
		return fmt.Errorf("instructions and instructions_file are mutually exclusive")
	}
	return nil
}

// VerifyTimeout returns the verification attempt timeout.
func (c *RunConfig) VerifyTimeout() time.Duration {
	return time.Duration(c.VerifyTimeoutSeconds) * time.Second
}

// LoadInstructions returns the transformation goal, reading
// InstructionsFile if configured.
func (c *RunConfig) LoadInstructions() (string, error) {
	if c.InstructionsFile != "" {
		data, err := os.ReadFile(c.InstructionsFile)
		if err != nil {
			return "", fmt.Errorf("reading instructions file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return c.Instructions, nil
}

// ResolveFiles expands SourceFiles relative to root, applies
// ExcludePatterns, and returns a sorted, deduplicated list of absolute
// paths.
//
// # Description
//
// Globs that match nothing are not an error; a run over "src/**.py" in a
// repo without Python just does nothing for that entry. Exclude patterns
// match against the root-relative path and the absolute path, so both
// "vendored/*" and "/opt/checkout/vendored/*" work.
func (c *RunConfig) ResolveFiles(root string) ([]string, error) {
	seen := make(map[string]struct{})
	var files []string

	for _, entry := range c.SourceFiles {
		pattern := entry
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(root, pattern)
		}

		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("bad source glob %q: %w", entry, err)
		}
		if matches == nil && fileExists(pattern) {
			matches = []string{pattern}
		}

		for _, match := range matches {
			abs, err := filepath.Abs(match)
			if err != nil {
				continue
			}
			if info, err := os.Stat(abs); err != nil || info.IsDir() {
				continue
			}
			if c.excluded(root, abs) {
				continue
			}
			if _, dup := seen[abs]; dup {
				continue
			}
			seen[abs] = struct{}{}
			files = append(files, abs)
		}
	}

	sort.Strings(files)
	return files, nil
}

// excluded reports whether a path matches any exclude pattern.
func (c *RunConfig) excluded(root, abs string) bool {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		rel = abs
	}
	for _, pattern := range c.ExcludePatterns {
		if ok, _ := filepath.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, abs); ok {
			return true
		}
		// Directory prefix form: "vendored/" excludes everything below.
		if strings.HasSuffix(pattern, "/") && strings.HasPrefix(rel, pattern) {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
