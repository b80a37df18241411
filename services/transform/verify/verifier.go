// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package verify runs the configured verification command after edits and
// decides whether to keep them, roll them back, or halt the file.
package verify

import (
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianTransform/services/transform"
	"github.com/AleutianAI/AleutianTransform/services/transform/apply"
)

// Default verifier settings.
const (
	DefaultTimeout = 10 * time.Minute
	DefaultRetries = 1
	DefaultBackoff = 2 * time.Second

	// maxOutputBytes bounds how much command output is kept on results.
	maxOutputBytes = 4096
)

// CommandRunner executes a shell command and returns its combined output.
//
// The production runner shells out; tests inject a fake to script pass,
// flake, and hard-failure sequences without spawning processes.
type CommandRunner interface {
	Run(ctx context.Context, command string) (output string, err error)
}

// execRunner runs commands through the system shell.
type execRunner struct {
	dir string
}

func (r *execRunner) Run(ctx context.Context, command string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = r.dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// Verdict is the per-file decision after verification.
type Verdict string

const (
	// VerdictClean means the edits verified and stay in place.
	VerdictClean Verdict = "clean"
	// VerdictRolledBack means the edits broke verification, the file was
	// restored, and the restored file verifies. The run continues.
	VerdictRolledBack Verdict = "rolled_back"
	// VerdictFatal means verification still fails with the file restored:
	// the breakage predates our edits or the rollback could not complete.
	// The file is isolated and counted as a fatal halt.
	VerdictFatal Verdict = "fatal"
)

// Result reports one verification episode.
type Result struct {
	Verdict  Verdict
	Attempts int
	// Output is the tail of the failing command's combined output. Empty
	// when verification passed first try.
	Output string
}

// Verifier runs the verification command with retry, and orchestrates
// rollback when applied edits do not verify.
//
// # Thread Safety
//
// Safe for concurrent use. Note the verification command itself typically
// exercises the whole working tree, so callers serialize episodes that
// could interfere.
type Verifier struct {
	command string
	runner  CommandRunner
	timeout time.Duration
	retries int
	backoff time.Duration
	logger  *slog.Logger
}

// Option is a functional option for configuring Verifier.
type Option func(*Verifier)

// WithRunner injects a command runner. Used by tests.
func WithRunner(r CommandRunner) Option {
	return func(v *Verifier) { v.runner = r }
}

// WithDir sets the working directory for the verification command.
func WithDir(dir string) Option {
	return func(v *Verifier) {
		if r, ok := v.runner.(*execRunner); ok {
			r.dir = dir
		}
	}
}

// WithTimeout sets the per-attempt timeout. Default is 10 minutes.
func WithTimeout(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// WithRetries sets how many times a failing command is retried before the
// failure is believed. Default is 1: transiently flaky verification (port
// collisions, timing-sensitive tests) gets a second chance, a real
// breakage does not get a third.
func WithRetries(n int) Option {
	return func(v *Verifier) {
		if n >= 0 {
			v.retries = n
		}
	}
}

// WithBackoff sets the pause between attempts. Default is 2 seconds.
func WithBackoff(d time.Duration) Option {
	return func(v *Verifier) {
		if d >= 0 {
			v.backoff = d
		}
	}
}

// New creates a Verifier for the given shell command.
//
// An empty command produces a verifier whose Run always reports clean;
// callers need no special casing for unverified runs.
func New(command string, opts ...Option) *Verifier {
	v := &Verifier{
		command: command,
		runner:  &execRunner{},
		timeout: DefaultTimeout,
		retries: DefaultRetries,
		backoff: DefaultBackoff,
		logger:  slog.Default().With("component", "verify.Verifier"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Enabled reports whether a verification command is configured.
func (v *Verifier) Enabled() bool { return v.command != "" }

// Run executes the verification command, retrying on failure.
//
// # Outputs
//
//   - *Result: Verdict is VerdictClean on success, VerdictFatal after all
//     attempts fail. Never nil.
//   - error: Non-nil only when ctx ends before a verdict is reached.
func (v *Verifier) Run(ctx context.Context) (*Result, error) {
	if !v.Enabled() {
		return &Result{Verdict: VerdictClean}, nil
	}

	var output string
	attempts := 0
	for attempt := 0; attempt <= v.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, transform.ErrRunCanceled
		}
		if attempt > 0 {
			v.logger.Info("retrying verification",
				"attempt", attempt+1, "backoff", v.backoff)
			select {
			case <-time.After(v.backoff):
			case <-ctx.Done():
				return nil, transform.ErrRunCanceled
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, v.timeout)
		out, err := v.runner.Run(attemptCtx, v.command)
		cancel()
		attempts++

		if err == nil {
			return &Result{Verdict: VerdictClean, Attempts: attempts}, nil
		}
		output = tail(out)
		v.logger.Warn("verification command failed",
			"attempt", attempts, "error", err)
	}

	return &Result{Verdict: VerdictFatal, Attempts: attempts, Output: output}, nil
}

// VerifyApplied verifies a file's freshly applied edits and recovers when
// they break the build.
//
// # Description
//
// The escalation ladder is:
//
//  1. Run the command (with retry). Pass: the edits stay, verdict clean.
//  2. Fail: roll back the file's applied edits and run the command again.
//     Pass: the edits were at fault; they stay reverted, verdict
//     rolled_back, and the run continues.
//  3. Still failing with the file restored: the breakage is not ours.
//     Verdict fatal; the caller isolates the file and halts its pipeline.
//
// # Inputs
//
//   - ctx: Cancellation.
//   - applier: Used for the rollback leg.
//   - applied: The apply result for the file under verification.
//
// # Outputs
//
//   - *Result: Final verdict for the file. Never nil when error is nil.
//   - error: Non-nil on cancellation or when the rollback itself fails;
//     the latter is wrapped as a fatal VerificationError.
func (v *Verifier) VerifyApplied(ctx context.Context, applier *apply.Applier, applied *apply.Result) (*Result, error) {
	first, err := v.Run(ctx)
	if err != nil {
		return nil, err
	}
	if first.Verdict == VerdictClean {
		return first, nil
	}

	v.logger.Warn("verification failed after apply; rolling back",
		"file", applied.FilePath, "attempts", first.Attempts)

	if err := applier.Rollback(ctx, applied); err != nil {
		return nil, &transform.VerificationError{
			FilePath: applied.FilePath,
			Output:   first.Output,
			Fatal:    true,
			Err:      err,
		}
	}

	second, err := v.Run(ctx)
	if err != nil {
		return nil, err
	}
	if second.Verdict == VerdictClean {
		return &Result{
			Verdict:  VerdictRolledBack,
			Attempts: first.Attempts + second.Attempts,
			Output:   first.Output,
		}, nil
	}

	// Restored file still fails: pre-existing breakage.
	return &Result{
		Verdict:  VerdictFatal,
		Attempts: first.Attempts + second.Attempts,
		Output:   second.Output,
	}, nil
}

// tail returns the last maxOutputBytes of command output, trimmed.
func tail(out string) string {
	out = strings.TrimSpace(out)
	if len(out) > maxOutputBytes {
		out = out[len(out)-maxOutputBytes:]
	}
	return out
}
