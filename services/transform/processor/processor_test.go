// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package processor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianTransform/services/transform"
	"github.com/AleutianAI/AleutianTransform/services/transform/config"
	"github.com/AleutianAI/AleutianTransform/services/transform/llm"
	"github.com/AleutianAI/AleutianTransform/services/transform/verify"
)

const pySource = `def alpha():
    pass

def beta():
    pass
`

// rewriteTransformer returns a canned rewrite per symbol name. Symbols
// without an entry come back verbatim. err fails every batch; failFile
// fails only batches for that file.
type rewriteTransformer struct {
	rewrites map[string]string
	err      error
	failFile string
}

func (f *rewriteTransformer) TransformBatch(ctx context.Context, batch llm.Batch) ([]llm.SymbolTransform, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.failFile != "" && batch.FilePath == f.failFile {
		return nil, errors.New("model unavailable")
	}
	var out []llm.SymbolTransform
	for _, sym := range batch.Symbols {
		code, ok := f.rewrites[sym.Name]
		if !ok {
			out = append(out, llm.SymbolTransform{Name: sym.Name, Transformed: sym.Code, IsChanged: false})
			continue
		}
		out = append(out, llm.SymbolTransform{Name: sym.Name, Transformed: code, IsChanged: true})
	}
	return out, nil
}

// passRunner always verifies clean; failRunner never does.
type passRunner struct{}

func (passRunner) Run(ctx context.Context, cmd string) (string, error) { return "ok", nil }

type failRunner struct{}

func (failRunner) Run(ctx context.Context, cmd string) (string, error) {
	return "1 test failed", errors.New("exit status 1")
}

func testSetup(t *testing.T, runner verify.CommandRunner) (*Processor, string, *config.RunConfig) {
	t.Helper()
	root := t.TempDir()
	file := filepath.Join(root, "mod.py")
	if err := os.WriteFile(file, []byte(pySource), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.SourceFiles = []string{"*.py"}
	cfg.Workers = 2
	cfg.TransformDir = filepath.Join(root, "trace_debug", "file_transformations")
	cfg.SkipStaged = false
	cfg.VerifyCmd = "make test"

	transformer := &rewriteTransformer{rewrites: map[string]string{
		"alpha": "def alpha():\n    return 1",
	}}
	verifier := verify.New(cfg.VerifyCmd, verify.WithRunner(runner), verify.WithBackoff(0))

	p, err := New(&cfg, transformer, WithRoot(root), WithVerifier(verifier))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p, file, &cfg
}

func TestRun(t *testing.T) {
	ctx := context.Background()

	t.Run("clean run applies and persists", func(t *testing.T) {
		p, file, _ := testSetup(t, passRunner{})

		summary, err := p.Run(ctx)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if !summary.Success() {
			t.Errorf("summary reports failure: %s", summary.String())
		}
		if summary.Counts[transform.StatusApplied] != 1 {
			t.Errorf("applied = %d, want 1", summary.Counts[transform.StatusApplied])
		}
		if summary.Counts[transform.StatusSkipped] != 1 {
			t.Errorf("skipped = %d, want 1 (verbatim beta)", summary.Counts[transform.StatusSkipped])
		}

		got, _ := os.ReadFile(file)
		if !strings.Contains(string(got), "return 1") {
			t.Error("alpha rewrite not on disk")
		}
		if !strings.Contains(string(got), "def beta():\n    pass") {
			t.Error("beta should be untouched")
		}

		// Bundle persisted for audit.
		bundlePath := p.Store().TransformFilePath(file)
		if _, err := os.Stat(bundlePath); err != nil {
			t.Errorf("bundle not persisted at %s: %v", bundlePath, err)
		}
	})

	t.Run("failing verification rolls back and continues", func(t *testing.T) {
		// Fails with edits applied, fails retry, passes on restored file.
		runner := &scriptRunner{script: []bool{false, false, true}}
		p, file, _ := testSetup(t, runner)

		summary, err := p.Run(ctx)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if !summary.Success() {
			t.Error("rolled-back run should not be fatal")
		}
		if summary.Counts[transform.StatusRolledBack] != 1 {
			t.Errorf("rolled_back = %d, want 1", summary.Counts[transform.StatusRolledBack])
		}

		got, _ := os.ReadFile(file)
		if string(got) != pySource {
			t.Errorf("file not restored:\n%s", got)
		}
	})

	t.Run("baseline failure isolates file as fatal", func(t *testing.T) {
		p, _, _ := testSetup(t, failRunner{})

		summary, err := p.Run(ctx)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if summary.Success() {
			t.Error("expected fatal halt in summary")
		}
		if len(summary.FatalFiles) != 1 {
			t.Errorf("fatal files = %d, want 1", len(summary.FatalFiles))
		}
	})

	t.Run("dry run touches nothing", func(t *testing.T) {
		root := t.TempDir()
		file := filepath.Join(root, "mod.py")
		if err := os.WriteFile(file, []byte(pySource), 0644); err != nil {
			t.Fatal(err)
		}

		cfg := config.Default()
		cfg.SourceFiles = []string{"*.py"}
		cfg.TransformDir = filepath.Join(root, "trace_debug", "file_transformations")
		cfg.SkipStaged = false
		cfg.DryRun = true

		transformer := &rewriteTransformer{rewrites: map[string]string{
			"alpha": "def alpha():\n    return 1",
		}}
		p, err := New(&cfg, transformer, WithRoot(root))
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}

		if _, err := p.Run(ctx); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		got, _ := os.ReadFile(file)
		if string(got) != pySource {
			t.Error("dry run modified the file")
		}
	})

	t.Run("transformer error is a fatal file outcome", func(t *testing.T) {
		p, _, _ := testSetup(t, passRunner{})
		p.transformer = &rewriteTransformer{err: errors.New("model unavailable")}

		summary, err := p.Run(ctx)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if summary.Success() {
			t.Error("expected fatal outcome for transformer failure")
		}
	})

	t.Run("fatal file does not stop sibling files", func(t *testing.T) {
		root := t.TempDir()
		good := filepath.Join(root, "good.py")
		bad := filepath.Join(root, "bad.py")
		for _, f := range []string{good, bad} {
			if err := os.WriteFile(f, []byte(pySource), 0644); err != nil {
				t.Fatal(err)
			}
		}

		cfg := config.Default()
		cfg.SourceFiles = []string{"*.py"}
		cfg.Workers = 2
		cfg.TransformDir = filepath.Join(root, "trace_debug", "file_transformations")
		cfg.SkipStaged = false
		cfg.VerifyCmd = "make test"

		transformer := &rewriteTransformer{
			rewrites: map[string]string{"alpha": "def alpha():\n    return 1"},
			failFile: bad,
		}
		verifier := verify.New(cfg.VerifyCmd, verify.WithRunner(passRunner{}), verify.WithBackoff(0))
		p, err := New(&cfg, transformer, WithRoot(root), WithVerifier(verifier))
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}

		summary, err := p.Run(ctx)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if summary.Success() {
			t.Error("expected fatal halt for the failing file")
		}
		if len(summary.FatalFiles) != 1 || summary.FatalFiles[0].FilePath != bad {
			t.Errorf("fatal files = %+v, want exactly bad.py", summary.FatalFiles)
		}

		// The sibling completed: its rewrite is on disk.
		got, _ := os.ReadFile(good)
		if !strings.Contains(string(got), "return 1") {
			t.Error("sibling file's rewrite missing after fatal halt elsewhere")
		}
		badGot, _ := os.ReadFile(bad)
		if string(badGot) != pySource {
			t.Errorf("fatal file modified:\n%s", badGot)
		}
	})

	t.Run("unsupported files are fatal-free no-ops when absent", func(t *testing.T) {
		p, _, cfg := testSetup(t, passRunner{})
		cfg.SourceFiles = []string{"*.md"}

		summary, err := p.Run(ctx)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if len(summary.Files) != 0 {
			t.Errorf("unexpected file outcomes: %+v", summary.Files)
		}
	})
}

// scriptRunner replays pass/fail outcomes in order.
type scriptRunner struct {
	script []bool
	calls  int
}

func (s *scriptRunner) Run(ctx context.Context, cmd string) (string, error) {
	idx := s.calls
	s.calls++
	if idx < len(s.script) && s.script[idx] {
		return "ok", nil
	}
	return "FAILED", errors.New("exit status 1")
}

func TestApplyTransformFile(t *testing.T) {
	ctx := context.Background()

	t.Run("replays a persisted bundle", func(t *testing.T) {
		p, file, _ := testSetup(t, passRunner{})

		original := "def alpha():\n    pass"
		rec := &transform.TransformationRecord{
			FilePath:        file,
			SymbolName:      "alpha",
			OriginalCode:    original,
			TransformedCode: "def alpha():\n    return 9",
			StartByte:       0,
			EndByte:         len(original),
			IsChanged:       true,
		}
		if !p.Store().Put(rec) {
			t.Fatal("Put rejected seed record")
		}
		if err := p.Store().Flush(file); err != nil {
			t.Fatal(err)
		}

		bundle, err := p.ApplyTransformFile(ctx, p.Store().TransformFilePath(file), nil)
		if err != nil {
			t.Fatalf("ApplyTransformFile failed: %v", err)
		}
		if bundle.Records[0].Status != transform.StatusApplied {
			t.Errorf("status = %q, want applied", bundle.Records[0].Status)
		}
		got, _ := os.ReadFile(file)
		if !strings.Contains(string(got), "return 9") {
			t.Error("replayed edit not on disk")
		}
	})

	t.Run("replay is idempotent", func(t *testing.T) {
		p, file, _ := testSetup(t, passRunner{})

		original := "def alpha():\n    pass"
		rec := &transform.TransformationRecord{
			FilePath:        file,
			SymbolName:      "alpha",
			OriginalCode:    original,
			TransformedCode: "def alpha():\n    return 9",
			StartByte:       0,
			EndByte:         len(original),
			IsChanged:       true,
		}
		p.Store().Put(rec)
		if err := p.Store().Flush(file); err != nil {
			t.Fatal(err)
		}
		path := p.Store().TransformFilePath(file)

		if _, err := p.ApplyTransformFile(ctx, path, nil); err != nil {
			t.Fatalf("first replay failed: %v", err)
		}
		after, _ := os.ReadFile(file)

		// Second replay: records are applied, nothing pending, file stays.
		if _, err := p.ApplyTransformFile(ctx, path, nil); err != nil {
			t.Fatalf("second replay failed: %v", err)
		}
		again, _ := os.ReadFile(file)
		if string(after) != string(again) {
			t.Error("second replay changed the file")
		}
	})

	t.Run("replay honors extra skip rules", func(t *testing.T) {
		p, file, _ := testSetup(t, passRunner{})

		original := "def alpha():\n    pass"
		rec := &transform.TransformationRecord{
			FilePath:        file,
			SymbolName:      "alpha",
			OriginalCode:    original,
			TransformedCode: "def alpha():\n    return 9",
			StartByte:       0,
			EndByte:         len(original),
			IsChanged:       true,
		}
		p.Store().Put(rec)
		if err := p.Store().Flush(file); err != nil {
			t.Fatal(err)
		}

		bundle, err := p.ApplyTransformFile(ctx, p.Store().TransformFilePath(file), []string{"alpha"})
		if err != nil {
			t.Fatalf("ApplyTransformFile failed: %v", err)
		}
		if bundle.Records[0].Status != transform.StatusSkipped {
			t.Errorf("status = %q, want skipped", bundle.Records[0].Status)
		}
		got, _ := os.ReadFile(file)
		if string(got) != pySource {
			t.Errorf("skipped replay modified the file:\n%s", got)
		}
	})

	t.Run("missing transform file", func(t *testing.T) {
		p, _, _ := testSetup(t, passRunner{})
		if _, err := p.ApplyTransformFile(ctx, "/no/such/file.json", nil); err == nil {
			t.Error("expected error for missing transform file")
		}
	})
}
