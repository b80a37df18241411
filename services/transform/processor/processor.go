// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package processor orchestrates a transformation run: extraction, model
// calls, apply, verification, and the run summary.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/AleutianTransform/services/transform"
	"github.com/AleutianAI/AleutianTransform/services/transform/apply"
	"github.com/AleutianAI/AleutianTransform/services/transform/config"
	"github.com/AleutianAI/AleutianTransform/services/transform/extract"
	"github.com/AleutianAI/AleutianTransform/services/transform/gitutil"
	"github.com/AleutianAI/AleutianTransform/services/transform/llm"
	"github.com/AleutianAI/AleutianTransform/services/transform/store"
	"github.com/AleutianAI/AleutianTransform/services/transform/verify"
)

// Processor runs the per-file transformation pipeline with bounded
// concurrency.
//
// # Description
//
// Extraction and model calls run in parallel across files, bounded by the
// configured worker count. Apply and verification are serialized across
// the whole run: the verification command exercises the working tree, so
// two files' edits must never be under test at once. A fatal verdict
// isolates its file and the run continues; the summary reports every
// fatal halt and the process exit code reflects them.
//
// # Thread Safety
//
// Run may only be called once per Processor. Internal aggregation is
// guarded by a mutex.
type Processor struct {
	cfg         *config.RunConfig
	store       *store.TransformationStore
	applier     *apply.Applier
	verifier    *verify.Verifier
	registry    *extract.Registry
	transformer llm.Transformer
	watcher     *Watcher
	root        string
	logger      *slog.Logger

	mu      sync.Mutex
	summary *transform.RunSummary
	// verifyMu serializes the apply+verify critical section across files.
	verifyMu sync.Mutex
}

// Option configures a Processor.
type Option func(*Processor)

// WithVerifier overrides the verifier built from configuration.
func WithVerifier(v *verify.Verifier) Option {
	return func(p *Processor) { p.verifier = v }
}

// WithRegistry overrides the extractor registry.
func WithRegistry(r *extract.Registry) Option {
	return func(p *Processor) { p.registry = r }
}

// WithRoot pins the working-tree root instead of discovering it via git.
func WithRoot(root string) Option {
	return func(p *Processor) { p.root = root }
}

// WithWatcher enables flagging of files edited outside the run while it
// is in flight.
func WithWatcher(w *Watcher) Option {
	return func(p *Processor) { p.watcher = w }
}

// New creates a Processor.
//
// # Inputs
//
//   - cfg: Validated run configuration.
//   - transformer: Model client used for rewrites.
//   - opts: Optional overrides, mostly for tests.
//
// # Outputs
//
//   - *Processor: Ready to Run.
//   - error: Non-nil if the store cannot be created.
func New(cfg *config.RunConfig, transformer llm.Transformer, opts ...Option) (*Processor, error) {
	st, err := store.New(store.Config{Dir: cfg.TransformDir})
	if err != nil {
		return nil, fmt.Errorf("creating transformation store: %w", err)
	}

	p := &Processor{
		cfg:         cfg,
		store:       st,
		transformer: transformer,
		registry:    extract.NewRegistry(),
		logger:      slog.Default().With("component", "processor.Processor"),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving working directory: %w", err)
		}
		p.root = gitutil.FindRoot(context.Background(), cwd)
	}

	p.applier = apply.New(st.Locks(),
		apply.WithSkipSet(apply.NewSkipSet(cfg.SkipSymbols)),
		apply.WithDryRun(cfg.DryRun))

	if p.verifier == nil {
		p.verifier = verify.New(cfg.VerifyCmd,
			verify.WithDir(p.root),
			verify.WithTimeout(cfg.VerifyTimeout()))
	}
	return p, nil
}

// Store exposes the run's transformation store.
func (p *Processor) Store() *store.TransformationStore { return p.store }

// Run executes the whole transformation run.
//
// # Description
//
// Resolves the file set, fans file pipelines out across workers, and
// aggregates outcomes. Cancellation drains: in-flight files finish their
// current step and the rest are never started.
//
// # Outputs
//
//   - *RunSummary: Aggregated outcomes, including fatal halts. Non-nil
//     even when error is non-nil, covering work completed before the
//     failure.
//   - error: Non-nil on cancellation or when the file set cannot be
//     resolved.
func (p *Processor) Run(ctx context.Context) (*transform.RunSummary, error) {
	summary := transform.NewRunSummary(uuid.NewString())
	p.mu.Lock()
	p.summary = summary
	p.mu.Unlock()

	files, err := p.resolveFiles(ctx)
	if err != nil {
		summary.FinishedAt = time.Now()
		return summary, err
	}
	p.logger.Info("starting transformation run",
		"run_id", summary.RunID, "files", len(files), "workers", p.cfg.Workers, "dry_run", p.cfg.DryRun)

	sem := semaphore.NewWeighted(int64(p.cfg.Workers))
	var wg sync.WaitGroup

	for _, file := range files {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(file string) {
			defer wg.Done()
			defer sem.Release(1)
			p.processFile(ctx, file)
		}(file)
	}
	wg.Wait()

	summary.FinishedAt = time.Now()
	p.logger.Info("transformation run finished", "summary", summary.String())

	if err := ctx.Err(); err != nil {
		return summary, fmt.Errorf("%w: %v", transform.ErrRunCanceled, err)
	}
	return summary, nil
}

// resolveFiles expands the configured file set and drops staged files.
func (p *Processor) resolveFiles(ctx context.Context) ([]string, error) {
	files, err := p.cfg.ResolveFiles(p.root)
	if err != nil {
		return nil, err
	}

	if !p.cfg.SkipStaged {
		return files, nil
	}
	client, err := gitutil.NewClient(p.root, 0)
	if err != nil || !client.IsRepository(ctx) {
		return files, nil
	}
	staged, err := client.StagedFiles(ctx)
	if err != nil {
		p.logger.Warn("could not list staged files; proceeding without the filter", "error", err)
		return files, nil
	}

	kept := files[:0]
	for _, file := range files {
		if staged[file] {
			p.logger.Info("skipping file with staged changes", "file", file)
			continue
		}
		kept = append(kept, file)
	}
	return kept, nil
}

// processFile runs one file through extract, transform, apply, verify.
func (p *Processor) processFile(ctx context.Context, file string) {
	start := time.Now()
	batches := 0
	verdict := "clean"
	defer func() {
		recordFile(ctx, verdict, time.Since(start), batches)
	}()

	if p.watcher != nil {
		if err := p.watcher.Add(file); err != nil {
			p.logger.Warn("could not watch file", "file", file, "error", err)
		}
	}

	bundle, n, err := p.collectTransforms(ctx, file, &batches)
	if err != nil {
		verdict = "error"
		p.logger.Error("file pipeline failed before apply", "file", file, "error", err)
		p.recordFatalFile(file, err.Error())
		return
	}
	if n == 0 {
		verdict = "no_transforms"
		p.logger.Info("no transformations proposed", "file", file)
		return
	}

	if err := p.store.Flush(file); err != nil {
		p.logger.Error("could not persist bundle", "file", file, "error", err)
	}

	fatal, fatalReason := p.applyAndVerify(ctx, p.applier, file, bundle, &verdict)

	if err := p.store.Flush(file); err != nil {
		p.logger.Error("could not persist bundle", "file", file, "error", err)
	}

	p.mu.Lock()
	p.summary.AddBundle(bundle, fatal, fatalReason)
	p.mu.Unlock()

	for status, count := range bundle.Counts() {
		recordRecords(ctx, status.String(), count)
	}
}

// collectTransforms extracts symbols, queries the model, and ingests the
// resulting records. Returns the file's bundle and how many records were
// accepted.
func (p *Processor) collectTransforms(ctx context.Context, file string, batches *int) (*transform.FileTransformationBundle, int, error) {
	extractor, err := p.registry.ForFile(file)
	if err != nil {
		return nil, 0, err
	}
	content, err := os.ReadFile(file)
	if err != nil {
		return nil, 0, fmt.Errorf("reading %s: %w", file, err)
	}
	spans, err := extractor.Extract(ctx, content)
	if err != nil {
		return nil, 0, fmt.Errorf("extracting symbols from %s: %w", file, err)
	}
	if len(spans) == 0 {
		return nil, 0, nil
	}

	spanByName := make(map[string]extract.SymbolSpan, len(spans))
	for _, span := range spans {
		spanByName[span.Name] = span
	}

	accepted := 0
	for _, batch := range llm.BuildBatches(file, spans) {
		if err := ctx.Err(); err != nil {
			return nil, accepted, transform.ErrRunCanceled
		}
		*batches++

		results, err := p.transformer.TransformBatch(ctx, batch)
		if err != nil {
			return nil, accepted, fmt.Errorf("transforming batch: %w", err)
		}

		for _, result := range results {
			span, ok := spanByName[result.Name]
			if !ok {
				continue
			}
			rec := &transform.TransformationRecord{
				FilePath:        file,
				SymbolName:      result.Name,
				OriginalCode:    span.Code,
				TransformedCode: result.Transformed,
				StartByte:       span.StartByte,
				EndByte:         span.EndByte,
				IsChanged:       result.IsChanged,
				Checksum:        transform.Checksum(span.Code),
			}
			if p.store.Put(rec) {
				accepted++
			}
		}
	}

	if accepted == 0 {
		return nil, 0, nil
	}
	bundle, err := p.store.Bundle(file)
	if err != nil {
		return nil, 0, err
	}
	return bundle, accepted, nil
}

// applyAndVerify runs the serialized apply+verify critical section for
// one file. Returns whether the file ended in a fatal halt. The applier
// is a parameter because headless replay may carry extra skip rules.
func (p *Processor) applyAndVerify(ctx context.Context, applier *apply.Applier, file string, bundle *transform.FileTransformationBundle, verdict *string) (bool, string) {
	p.verifyMu.Lock()
	defer p.verifyMu.Unlock()

	if p.watcher != nil && p.watcher.Changed(file) {
		*verdict = "external_change"
		p.failPending(bundle, "file changed outside the run")
		return false, ""
	}
	if p.watcher != nil && !p.cfg.DryRun {
		p.watcher.ExpectChange(file)
	}

	applied, err := applier.Apply(ctx, bundle)
	if err != nil {
		*verdict = "error"
		p.failPending(bundle, err.Error())
		return true, fmt.Sprintf("apply failed: %v", err)
	}
	if p.cfg.DryRun || !applied.Changed() {
		return false, ""
	}

	result, err := p.verifier.VerifyApplied(ctx, applier, applied)
	if err != nil {
		*verdict = "error"
		recordFatal(ctx)
		return true, fmt.Sprintf("verification could not complete: %v", err)
	}

	switch result.Verdict {
	case verify.VerdictRolledBack:
		*verdict = "rolled_back"
		recordRollback(ctx)
		p.logger.Warn("edits rolled back after failed verification",
			"file", file, "attempts", result.Attempts)
		return false, ""
	case verify.VerdictFatal:
		*verdict = "fatal"
		recordFatal(ctx)
		p.logger.Error("verification fails with the file restored; isolating file",
			"file", file, "output", result.Output)
		return true, "verification fails on restored file: " + result.Output
	default:
		return false, ""
	}
}

// failPending marks a bundle's remaining pending records failed.
func (p *Processor) failPending(bundle *transform.FileTransformationBundle, reason string) {
	for _, rec := range bundle.Records {
		if rec.Status == transform.StatusPending {
			if err := rec.SetStatus(transform.StatusFailed, reason); err != nil {
				p.logger.Error("status transition rejected", "symbol", rec.SymbolName, "error", err)
			}
		}
	}
}

// recordFatalFile registers a fatal halt for a file that produced no
// bundle (extraction or model failure).
func (p *Processor) recordFatalFile(file, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.summary.FatalFiles = append(p.summary.FatalFiles, transform.FatalHalt{
		FilePath: file,
		Reason:   reason,
	})
	p.summary.Files = append(p.summary.Files, transform.FileOutcome{
		FilePath: file,
		Fatal:    true,
	})
}

// ApplyTransformFile replays a persisted transformation file headlessly.
//
// # Description
//
// Loads a *_transformations.json produced by an earlier run (or external
// tooling), adopts it into the store, and runs the same apply+verify
// pipeline the live run uses. Records already in a terminal state are
// left alone, so replaying a bundle is idempotent.
//
// # Inputs
//
//   - transformPath: The journal to replay.
//   - skips: Extra skip rules for this replay, same forms as the
//     configuration's skip_symbols (bare name or path glob). Merged with
//     the configured rules.
func (p *Processor) ApplyTransformFile(ctx context.Context, transformPath string, skips []string) (*transform.FileTransformationBundle, error) {
	bundle, err := p.store.Load(transformPath)
	if err != nil {
		return nil, err
	}
	if len(bundle.Records) == 0 {
		return bundle, nil
	}
	p.store.Adopt(bundle)

	applier := p.applier
	if len(skips) > 0 {
		rules := append(append([]string(nil), p.cfg.SkipSymbols...), skips...)
		applier = apply.New(p.store.Locks(),
			apply.WithSkipSet(apply.NewSkipSet(rules)),
			apply.WithDryRun(p.cfg.DryRun))
	}

	p.mu.Lock()
	if p.summary == nil {
		p.summary = transform.NewRunSummary(uuid.NewString())
	}
	p.mu.Unlock()

	verdict := "clean"
	fatal, fatalReason := p.applyAndVerify(ctx, applier, bundle.FilePath, bundle, &verdict)

	if err := p.store.Flush(bundle.FilePath); err != nil {
		p.logger.Error("could not persist bundle", "file", bundle.FilePath, "error", err)
	}

	p.mu.Lock()
	p.summary.AddBundle(bundle, fatal, fatalReason)
	p.mu.Unlock()

	if fatal {
		return bundle, fmt.Errorf("%s: %s", bundle.FilePath, fatalReason)
	}
	return bundle, nil
}

// Summary returns the aggregated outcomes so far.
func (p *Processor) Summary() *transform.RunSummary {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.summary
}
