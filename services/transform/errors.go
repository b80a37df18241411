// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transform

import (
	"errors"
	"fmt"
)

// Sentinel errors for the transformation pipeline.
var (
	// ErrInvalidTransition indicates a status change that violates the
	// monotonic state machine.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrMissingIdentity indicates a record without file path or symbol name.
	ErrMissingIdentity = errors.New("record missing identity fields")

	// ErrEmptyTransform indicates a record with empty transformed code.
	ErrEmptyTransform = errors.New("record has empty transformed code")

	// ErrBundleNotFound indicates no bundle exists for the requested file.
	ErrBundleNotFound = errors.New("no transformation bundle for file")

	// ErrSpanOutOfRange indicates a recorded span that does not fit inside
	// the live file content.
	ErrSpanOutOfRange = errors.New("recorded span out of range")

	// ErrRunCanceled indicates the run-level cancellation signal fired
	// before the task was scheduled.
	ErrRunCanceled = errors.New("run canceled")
)

// ValidationError reports a malformed record rejected at ingestion or apply.
//
// Recovered locally: the record is marked skipped or failed with the reason;
// the error never propagates past the owning file's pipeline.
type ValidationError struct {
	Key    SymbolKey
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid transformation %s: %s", e.Key, e.Reason)
}

// StaleBaseError reports a checksum mismatch at apply time: the file content
// at the recorded span no longer matches what was extracted.
//
// Recovered by failing just the affected record; the rest of the bundle
// proceeds.
type StaleBaseError struct {
	Key  SymbolKey
	Want uint32
	Got  uint32
}

func (e *StaleBaseError) Error() string {
	return fmt.Sprintf("stale base for %s: checksum %08x, live span %08x",
		e.Key, e.Want, e.Got)
}

// ApplyError reports a filesystem failure while writing a patched file.
//
// Affects only the file named; sibling files' pipelines continue.
type ApplyError struct {
	FilePath string
	Op       string
	Err      error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply %s on %s: %v", e.Op, e.FilePath, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// VerificationError reports a failed external verification.
//
// Fatal is true only when the recovery verification after rollback also
// failed; in that case the file's pipeline is halted and reported, and
// sibling files are unaffected.
type VerificationError struct {
	FilePath string
	Output   string
	Fatal    bool
	Err      error
}

func (e *VerificationError) Error() string {
	kind := "verification failed"
	if e.Fatal {
		kind = "verification unrecoverable"
	}
	return fmt.Sprintf("%s for %s: %v", kind, e.FilePath, e.Err)
}

func (e *VerificationError) Unwrap() error { return e.Err }
