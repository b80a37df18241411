// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gitutil answers the repository questions a transformation run
// needs: where the root is and which files the user already has in flight.
package gitutil

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// DefaultTimeout bounds each git invocation.
const DefaultTimeout = 30 * time.Second

// Client executes git commands in one repository.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Client struct {
	repoPath string
	timeout  time.Duration
}

// NewClient creates a git client rooted at repoPath.
//
// # Inputs
//
//   - repoPath: Absolute path inside the repository.
//   - timeout: Maximum duration per git operation. Zero or negative uses
//     DefaultTimeout.
//
// # Outputs
//
//   - *Client: Ready-to-use client.
//   - error: Non-nil if repoPath is not absolute.
func NewClient(repoPath string, timeout time.Duration) (*Client, error) {
	if !filepath.IsAbs(repoPath) {
		return nil, fmt.Errorf("repoPath must be absolute: %s", repoPath)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{repoPath: repoPath, timeout: timeout}, nil
}

// run executes a git command and returns stdout.
func (g *Client) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.repoPath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("git %s: timeout after %v", args[0], g.timeout)
		}
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, stderr.String())
	}
	return strings.TrimSpace(stdout.String()), nil
}

// IsRepository reports whether repoPath is inside a git repository.
func (g *Client) IsRepository(ctx context.Context) bool {
	_, err := g.run(ctx, "rev-parse", "--git-dir")
	return err == nil
}

// Root returns the repository's top-level directory.
func (g *Client) Root(ctx context.Context) (string, error) {
	root, err := g.run(ctx, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("finding repository root: %w", err)
	}
	return root, nil
}

// CurrentBranch returns the checked-out branch name, or "HEAD" when
// detached.
func (g *Client) CurrentBranch(ctx context.Context) (string, error) {
	branch, err := g.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("getting current branch: %w", err)
	}
	return branch, nil
}

// StagedFiles returns the absolute paths of files with staged changes.
//
// # Description
//
// The run skips these files so an automated edit never lands in the
// middle of a commit the user is assembling.
func (g *Client) StagedFiles(ctx context.Context) (map[string]bool, error) {
	root, err := g.Root(ctx)
	if err != nil {
		return nil, err
	}

	output, err := g.run(ctx, "diff", "--cached", "--name-only")
	if err != nil {
		return nil, fmt.Errorf("listing staged files: %w", err)
	}

	staged := make(map[string]bool)
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		staged[filepath.Join(root, line)] = true
	}
	return staged, nil
}

// ModifiedFiles returns the absolute paths of files with unstaged
// modifications.
func (g *Client) ModifiedFiles(ctx context.Context) (map[string]bool, error) {
	root, err := g.Root(ctx)
	if err != nil {
		return nil, err
	}

	output, err := g.run(ctx, "diff", "--name-only")
	if err != nil {
		return nil, fmt.Errorf("listing modified files: %w", err)
	}

	modified := make(map[string]bool)
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		modified[filepath.Join(root, line)] = true
	}
	return modified, nil
}

// FindRoot walks up from dir looking for the enclosing git repository.
//
// Falls back to dir itself when git is unavailable or dir is not inside a
// repository; transformation runs work in plain directories too.
func FindRoot(ctx context.Context, dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return dir
	}
	client, err := NewClient(abs, DefaultTimeout)
	if err != nil {
		return abs
	}
	root, err := client.Root(ctx)
	if err != nil {
		return abs
	}
	return root
}
