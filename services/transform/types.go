// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transform defines the shared data model for the symbol
// transformation pipeline: transformation records with integrity checksums,
// the status state machine, per-file bundles, and the error taxonomy used by
// the store, applier, verifier, and processor.
package transform

import (
	"encoding/json"
	"fmt"
	"hash/crc32"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Status represents the lifecycle state of a transformation record.
//
// Transitions are monotonic:
//
//	pending  -> applied | skipped | failed
//	applied  -> rolled_back
//
// No other transition is valid. Terminal states are skipped, failed, and
// rolled_back; applied is terminal unless a verification failure forces a
// rollback.
type Status string

const (
	// StatusPending indicates a record has been ingested but not yet applied.
	StatusPending Status = "pending"

	// StatusApplied indicates the record's transformed code is on disk.
	StatusApplied Status = "applied"

	// StatusSkipped indicates the record was excluded (skip rule, unchanged
	// code, or empty transformation) and the file was not touched for it.
	StatusSkipped Status = "skipped"

	// StatusFailed indicates the record could not be applied (stale base,
	// validation failure, or write error).
	StatusFailed Status = "failed"

	// StatusRolledBack indicates an applied record was reverted after a
	// verification failure.
	StatusRolledBack Status = "rolled_back"
)

// validTransitions encodes the monotonic status state machine.
var validTransitions = map[Status][]Status{
	StatusPending: {StatusApplied, StatusSkipped, StatusFailed},
	StatusApplied: {StatusRolledBack},
}

// CanTransition reports whether moving from s to next is a legal transition.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return len(validTransitions[s]) == 0
}

// String returns the status as its wire representation.
func (s Status) String() string { return string(s) }

// SymbolKey identifies a symbol by file path and symbol name.
//
// At most one active transformation exists per key per run.
type SymbolKey struct {
	FilePath   string
	SymbolName string
}

// String returns the canonical key form "<abs-file-path>/<symbol-name>".
//
// The file path is resolved to an absolute path so keys are stable across
// callers that mix relative and absolute paths. Skip rules are matched
// against this form.
func (k SymbolKey) String() string {
	abs, err := filepath.Abs(k.FilePath)
	if err != nil {
		abs = k.FilePath
	}
	return abs + "/" + k.SymbolName
}

// Checksum computes the CRC32 (IEEE) of the given source text.
//
// Used to detect that a symbol's source changed between extraction time and
// apply time. 32 bits is sufficient for staleness detection; this is not a
// cryptographic integrity mechanism.
func Checksum(code string) uint32 {
	return crc32.ChecksumIEEE([]byte(code))
}

// TransformationRecord is one proposed symbol replacement.
//
// # Description
//
// Records are created by the processor during the extraction/transform pass,
// validated and normalized exactly once at ingestion, mutated by the applier
// (apply) and the verifier (rollback), and retained on disk after the run for
// audit and replay. They are never auto-deleted.
//
// # Invariants
//
//   - IsChanged is always a bool after ingestion; truthy string or numeric
//     representations in upstream JSON are coerced with a logged warning.
//   - A record is accepted for apply only if TransformedCode is non-empty and
//     Checksum matches the live file content at [StartByte, EndByte).
//   - Status transitions follow the Status state machine.
type TransformationRecord struct {
	FilePath        string `json:"file_path"`
	SymbolName      string `json:"symbol_name"`
	OriginalCode    string `json:"original_code"`
	TransformedCode string `json:"transformed_code"`

	// StartByte and EndByte delimit the symbol's span in the file content as
	// it existed at extraction time. Half-open: [StartByte, EndByte).
	StartByte int `json:"start_byte"`
	EndByte   int `json:"end_byte"`

	// IsChanged reports whether the transformation differs from the original.
	// Unchanged records are skipped at apply time.
	IsChanged bool `json:"is_changed"`

	// Checksum is the CRC32 of OriginalCode captured at extraction time.
	Checksum uint32 `json:"checksum"`

	Status Status `json:"status"`

	// Reason explains any non-applied terminal state ("stale base", "empty",
	// "skip rule", ...). Empty for applied records.
	Reason string `json:"reason,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Key returns the record's symbol key.
func (r *TransformationRecord) Key() SymbolKey {
	return SymbolKey{FilePath: r.FilePath, SymbolName: r.SymbolName}
}

// SetStatus moves the record to next, enforcing the state machine.
//
// Outputs:
//
//	error - ErrInvalidTransition (wrapped with both states) if the move is
//	        not legal. The record is unchanged on error.
func (r *TransformationRecord) SetStatus(next Status, reason string) error {
	if !r.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s for %s",
			ErrInvalidTransition, r.Status, next, r.Key())
	}
	r.Status = next
	r.Reason = reason
	return nil
}

// recordEnvelope mirrors TransformationRecord but defers is_changed decoding
// so truthy non-bool representations from upstream tooling can be coerced.
type recordEnvelope struct {
	FilePath        string          `json:"file_path"`
	SymbolName      string          `json:"symbol_name"`
	OriginalCode    string          `json:"original_code"`
	TransformedCode string          `json:"transformed_code"`
	StartByte       int             `json:"start_byte"`
	EndByte         int             `json:"end_byte"`
	IsChanged       json.RawMessage `json:"is_changed"`
	Checksum        uint32          `json:"checksum"`
	Status          Status          `json:"status"`
	Reason          string          `json:"reason,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

// UnmarshalJSON decodes a record, coercing is_changed to a bool.
//
// Coercion happens exactly here, so every consumer downstream sees a real
// bool. Unrecognized representations coerce to false with a warning rather
// than failing the whole bundle.
func (r *TransformationRecord) UnmarshalJSON(data []byte) error {
	var env recordEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	changed, exact := CoerceBool(env.IsChanged)
	if !exact {
		slog.Warn("coerced non-boolean is_changed on transformation record",
			"file", env.FilePath,
			"symbol", env.SymbolName,
			"raw", strings.TrimSpace(string(env.IsChanged)),
			"coerced", changed)
	}

	status := env.Status
	if status == "" {
		status = StatusPending
	}

	*r = TransformationRecord{
		FilePath:        env.FilePath,
		SymbolName:      env.SymbolName,
		OriginalCode:    env.OriginalCode,
		TransformedCode: env.TransformedCode,
		StartByte:       env.StartByte,
		EndByte:         env.EndByte,
		IsChanged:       changed,
		Checksum:        env.Checksum,
		Status:          status,
		Reason:          env.Reason,
		Timestamp:       env.Timestamp,
	}
	return nil
}

// CoerceBool normalizes a raw JSON value to a bool.
//
// Accepted representations:
//
//   - JSON booleans: used as-is (exact).
//   - Strings: "true"/"false" case-insensitive (exact); anything else false.
//   - Numbers: non-zero is true (inexact).
//   - Missing/null/other: false (inexact).
//
// Outputs:
//
//	bool - The normalized value.
//	bool - True when the input was an exact boolean representation.
func CoerceBool(raw json.RawMessage) (value bool, exact bool) {
	if len(raw) == 0 {
		return false, false
	}

	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, true
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true":
			return true, true
		case "false":
			return false, true
		default:
			return false, false
		}
	}

	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n != 0, false
	}

	return false, false
}

// FileTransformationBundle is the ordered set of records for one file.
type FileTransformationBundle struct {
	FilePath string                  `json:"file_path"`
	Records  []*TransformationRecord `json:"records"`
}

// SortDescending orders records by descending start offset.
//
// Apply order within a file: editing from the end of the file toward the
// start keeps the recorded offsets of still-pending records valid.
func (b *FileTransformationBundle) SortDescending() {
	sort.SliceStable(b.Records, func(i, j int) bool {
		return b.Records[i].StartByte > b.Records[j].StartByte
	})
}

// Find returns the record for the given symbol name, or nil.
func (b *FileTransformationBundle) Find(symbolName string) *TransformationRecord {
	for _, rec := range b.Records {
		if rec.SymbolName == symbolName {
			return rec
		}
	}
	return nil
}

// Counts tallies records per status.
func (b *FileTransformationBundle) Counts() map[Status]int {
	counts := make(map[Status]int, 5)
	for _, rec := range b.Records {
		counts[rec.Status]++
	}
	return counts
}

// FatalHalt records a file whose pipeline was halted unrecoverably.
type FatalHalt struct {
	FilePath string `json:"file_path"`
	Reason   string `json:"reason"`
}

// SymbolOutcome is the per-symbol result reported in the run summary.
type SymbolOutcome struct {
	SymbolName string `json:"symbol_name"`
	Status     Status `json:"status"`
	Reason     string `json:"reason,omitempty"`
}

// FileOutcome is the per-file result reported in the run summary.
type FileOutcome struct {
	FilePath string          `json:"file_path"`
	Fatal    bool            `json:"fatal"`
	Symbols  []SymbolOutcome `json:"symbols"`
}

// RunSummary aggregates outcomes across a whole run.
//
// Thread Safety: RunSummary itself is not synchronized; the processor owns
// aggregation and guards it with its own mutex.
type RunSummary struct {
	RunID      string         `json:"run_id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Counts     map[Status]int `json:"counts"`
	Files      []FileOutcome  `json:"files"`
	FatalFiles []FatalHalt    `json:"fatal_files"`
}

// NewRunSummary creates an empty summary for the given run ID.
func NewRunSummary(runID string) *RunSummary {
	return &RunSummary{
		RunID:     runID,
		StartedAt: time.Now(),
		Counts:    make(map[Status]int, 5),
	}
}

// AddBundle folds one file's bundle into the summary.
func (s *RunSummary) AddBundle(bundle *FileTransformationBundle, fatal bool, fatalReason string) {
	outcome := FileOutcome{
		FilePath: bundle.FilePath,
		Fatal:    fatal,
	}
	for _, rec := range bundle.Records {
		s.Counts[rec.Status]++
		outcome.Symbols = append(outcome.Symbols, SymbolOutcome{
			SymbolName: rec.SymbolName,
			Status:     rec.Status,
			Reason:     rec.Reason,
		})
	}
	s.Files = append(s.Files, outcome)
	if fatal {
		s.FatalFiles = append(s.FatalFiles, FatalHalt{
			FilePath: bundle.FilePath,
			Reason:   fatalReason,
		})
	}
}

// Success reports whether the run finished without an unrecovered fatal halt.
func (s *RunSummary) Success() bool {
	return len(s.FatalFiles) == 0
}

// String renders a short one-line digest, useful in logs.
func (s *RunSummary) String() string {
	var sb strings.Builder
	sb.WriteString("run " + s.RunID + ":")
	for _, st := range []Status{StatusApplied, StatusSkipped, StatusFailed, StatusRolledBack} {
		sb.WriteString(" " + string(st) + "=" + strconv.Itoa(s.Counts[st]))
	}
	sb.WriteString(" fatal=" + strconv.Itoa(len(s.FatalFiles)))
	return sb.String()
}
