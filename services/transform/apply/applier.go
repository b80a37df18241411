// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package apply splices transformed symbol bodies into source files and
// reverses them when verification fails.
package apply

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianTransform/services/transform"
	"github.com/AleutianAI/AleutianTransform/services/transform/store"
)

// AppliedSpan tracks where a record's transformed code landed in the file
// after all splices in its bundle completed.
type AppliedSpan struct {
	Record   *transform.TransformationRecord
	NewStart int
	NewEnd   int
}

// Result reports the outcome of applying one file's bundle.
type Result struct {
	FilePath string
	// Applied lists records spliced into the file, with post-apply spans,
	// in ascending offset order. Rollback consumes these.
	Applied []AppliedSpan
	Skipped int
	Failed  int
	// Snapshot is the file content before any splice. Used to restore the
	// file verbatim if the rewrite itself fails partway.
	Snapshot []byte
}

// Changed reports whether the file on disk was modified.
func (r *Result) Changed() bool {
	return len(r.Applied) > 0
}

// Applier splices transformed code into source files.
//
// # Description
//
// Records are applied in descending start-offset order so earlier spans
// keep their original offsets while later spans shift. Each record's base
// is checked against its recorded checksum before splicing; a mismatch
// means the file moved under us and the record fails rather than
// corrupting the file. The rewrite goes through a temp file and rename in
// the target's directory, so the file is never observed half-written.
//
// # Thread Safety
//
// Safe for concurrent use across distinct files. Access to a given file is
// serialized through the shared lock table.
type Applier struct {
	locks   *store.LockTable
	skipSet *SkipSet
	dryRun  bool
	logger  *slog.Logger
}

// Option configures an Applier.
type Option func(*Applier)

// WithSkipSet installs skip rules consulted before each splice.
func WithSkipSet(set *SkipSet) Option {
	return func(a *Applier) { a.skipSet = set }
}

// WithDryRun makes Apply validate and report without touching the file or
// record statuses.
func WithDryRun(dryRun bool) Option {
	return func(a *Applier) { a.dryRun = dryRun }
}

// New creates an Applier sharing the given lock table.
func New(locks *store.LockTable, opts ...Option) *Applier {
	a := &Applier{
		locks:  locks,
		logger: slog.Default().With("component", "apply.Applier"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Apply splices a bundle's pending records into its file.
//
// # Description
//
// Per-record failures (stale base, bad span) mark that record failed and
// continue with the rest; only I/O errors on the file itself abort the
// whole call. In dry-run mode statuses are left untouched and nothing is
// written; the Result still reports what would happen.
//
// # Inputs
//
//   - ctx: Cancellation. Checked between records.
//   - bundle: The file's records. Mutated: statuses advance to applied,
//     skipped, or failed.
//
// # Outputs
//
//   - *Result: Post-apply spans and counts. Nil on error.
//   - error: Non-nil if the file cannot be read or rewritten, or ctx ends.
func (a *Applier) Apply(ctx context.Context, bundle *transform.FileTransformationBundle) (*Result, error) {
	lock := a.locks.Get(bundle.FilePath)
	lock.Lock()
	defer lock.Unlock()

	content, err := os.ReadFile(bundle.FilePath)
	if err != nil {
		return nil, &transform.ApplyError{FilePath: bundle.FilePath, Op: "read", Err: err}
	}

	result := &Result{
		FilePath: bundle.FilePath,
		Snapshot: append([]byte(nil), content...),
	}

	bundle.SortDescending()
	for _, rec := range bundle.Records {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", transform.ErrRunCanceled, err)
		}
		if rec.Status != transform.StatusPending {
			continue
		}

		if strings.TrimSpace(rec.TransformedCode) == "" {
			// An empty body would delete the symbol; never splice it.
			a.setStatus(rec, transform.StatusSkipped, "empty")
			result.Skipped++
			continue
		}
		if !rec.IsChanged {
			a.setStatus(rec, transform.StatusSkipped, "no change proposed")
			result.Skipped++
			continue
		}
		if rule, ok := a.skipSet.Match(rec.Key()); ok {
			a.setStatus(rec, transform.StatusSkipped, "skip rule: "+rule)
			result.Skipped++
			continue
		}

		next, err := a.splice(content, rec)
		if err != nil {
			a.logger.Warn("record failed to apply",
				"file", rec.FilePath, "symbol", rec.SymbolName, "error", err)
			a.setStatus(rec, transform.StatusFailed, err.Error())
			result.Failed++
			continue
		}
		content = next

		result.Applied = append(result.Applied, AppliedSpan{Record: rec})
	}

	computeSpans(result)

	if a.dryRun || !result.Changed() {
		return result, nil
	}

	if err := writeAtomic(bundle.FilePath, content); err != nil {
		// Put the file back exactly as we found it before reporting.
		if restoreErr := writeAtomic(bundle.FilePath, result.Snapshot); restoreErr != nil {
			a.logger.Error("snapshot restore failed after write error",
				"file", bundle.FilePath, "error", restoreErr)
		}
		for _, span := range result.Applied {
			a.setStatus(span.Record, transform.StatusFailed, "write failed: "+err.Error())
		}
		return nil, &transform.ApplyError{FilePath: bundle.FilePath, Op: "write", Err: err}
	}

	// Statuses advance only once the rewrite is on disk. An abort above
	// (cancellation, write failure) leaves spliced records pending, so a
	// later replay picks them up instead of believing a write that never
	// happened.
	for _, span := range result.Applied {
		a.setStatus(span.Record, transform.StatusApplied, "")
	}

	a.logger.Info("applied transformations",
		"file", bundle.FilePath,
		"applied", len(result.Applied),
		"skipped", result.Skipped,
		"failed", result.Failed)
	return result, nil
}

// Rollback reverses every applied splice in a result, restoring the file's
// affected spans bit-for-bit.
//
// # Description
//
// Splices run in descending post-apply offset order, mirroring Apply. Each
// span's current content is checked against the record's transformed code
// before restoring; a mismatch means something else edited the file after
// us, and the whole rollback aborts rather than guessing.
func (a *Applier) Rollback(ctx context.Context, result *Result) error {
	if !result.Changed() {
		return nil
	}

	lock := a.locks.Get(result.FilePath)
	lock.Lock()
	defer lock.Unlock()

	content, err := os.ReadFile(result.FilePath)
	if err != nil {
		return &transform.ApplyError{FilePath: result.FilePath, Op: "read", Err: err}
	}

	// Descending post-apply offsets, so earlier spans stay valid.
	spans := make([]AppliedSpan, len(result.Applied))
	copy(spans, result.Applied)
	sort.Slice(spans, func(i, j int) bool { return spans[i].NewStart > spans[j].NewStart })

	for _, span := range spans {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", transform.ErrRunCanceled, err)
		}
		rec := span.Record

		if span.NewStart < 0 || span.NewEnd > len(content) || span.NewStart > span.NewEnd {
			return &transform.ApplyError{
				FilePath: result.FilePath,
				Op:       "rollback",
				Err:      fmt.Errorf("%w: %s [%d:%d) in %d bytes", transform.ErrSpanOutOfRange, rec.SymbolName, span.NewStart, span.NewEnd, len(content)),
			}
		}
		current := string(content[span.NewStart:span.NewEnd])
		if current != rec.TransformedCode {
			return &transform.ApplyError{
				FilePath: result.FilePath,
				Op:       "rollback",
				Err: &transform.StaleBaseError{
					Key:  rec.Key(),
					Want: transform.Checksum(rec.TransformedCode),
					Got:  transform.Checksum(current),
				},
			}
		}

		var next []byte
		next = append(next, content[:span.NewStart]...)
		next = append(next, rec.OriginalCode...)
		next = append(next, content[span.NewEnd:]...)
		content = next
	}

	if err := writeAtomic(result.FilePath, content); err != nil {
		return &transform.ApplyError{FilePath: result.FilePath, Op: "rollback", Err: err}
	}

	for _, span := range spans {
		span.Record.SetStatus(transform.StatusRolledBack, "verification failed")
	}
	result.Applied = nil

	a.logger.Info("rolled back transformations",
		"file", result.FilePath, "records", len(spans))
	return nil
}

// splice validates a record against the current content and returns the
// content with the record's span replaced.
func (a *Applier) splice(content []byte, rec *transform.TransformationRecord) ([]byte, error) {
	if rec.StartByte < 0 || rec.EndByte > len(content) || rec.StartByte > rec.EndByte {
		return nil, fmt.Errorf("%w: [%d:%d) in %d bytes", transform.ErrSpanOutOfRange, rec.StartByte, rec.EndByte, len(content))
	}

	current := string(content[rec.StartByte:rec.EndByte])
	if rec.Checksum != 0 {
		if got := transform.Checksum(current); got != rec.Checksum {
			return nil, &transform.StaleBaseError{Key: rec.Key(), Want: rec.Checksum, Got: got}
		}
	} else if current != rec.OriginalCode {
		return nil, &transform.StaleBaseError{
			Key:  rec.Key(),
			Want: transform.Checksum(rec.OriginalCode),
			Got:  transform.Checksum(current),
		}
	}

	var next []byte
	next = append(next, content[:rec.StartByte]...)
	next = append(next, rec.TransformedCode...)
	next = append(next, content[rec.EndByte:]...)
	return next, nil
}

// setStatus advances a record's status unless the applier is in dry-run
// mode, where records stay pending.
func (a *Applier) setStatus(rec *transform.TransformationRecord, next transform.Status, reason string) {
	if a.dryRun {
		return
	}
	if err := rec.SetStatus(next, reason); err != nil {
		a.logger.Error("status transition rejected",
			"symbol", rec.SymbolName, "from", rec.Status, "to", next, "error", err)
	}
}

// computeSpans fills post-apply offsets for applied records.
//
// Apply splices in descending order, so a record's final start is its
// original start plus the length deltas of every applied record before it.
func computeSpans(result *Result) {
	sort.Slice(result.Applied, func(i, j int) bool {
		return result.Applied[i].Record.StartByte < result.Applied[j].Record.StartByte
	})

	shift := 0
	for i := range result.Applied {
		rec := result.Applied[i].Record
		result.Applied[i].NewStart = rec.StartByte + shift
		result.Applied[i].NewEnd = result.Applied[i].NewStart + len(rec.TransformedCode)
		shift += len(rec.TransformedCode) - len(rec.OriginalCode)
	}
}

// writeAtomic replaces path's content via a temp file and rename,
// preserving the original file mode.
func writeAtomic(path string, content []byte) error {
	mode := os.FileMode(0644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("setting file mode: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}
