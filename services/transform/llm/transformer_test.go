// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/AleutianTransform/services/transform/extract"
)

func span(name, code string) extract.SymbolSpan {
	return extract.SymbolSpan{Name: name, Code: code, EndByte: len(code)}
}

func TestBuildBatches(t *testing.T) {
	t.Run("splits at symbol limit", func(t *testing.T) {
		var symbols []extract.SymbolSpan
		for i := 0; i < 10; i++ {
			symbols = append(symbols, span(fmt.Sprintf("f%d", i), "def f(): pass"))
		}
		batches := BuildBatches("/src/a.py", symbols)
		if len(batches) != 3 {
			t.Fatalf("got %d batches, want 3", len(batches))
		}
		if len(batches[0].Symbols) != MaxBatchSymbols || len(batches[2].Symbols) != 2 {
			t.Errorf("batch sizes: %d/%d/%d", len(batches[0].Symbols), len(batches[1].Symbols), len(batches[2].Symbols))
		}
	})

	t.Run("splits at char limit", func(t *testing.T) {
		big := strings.Repeat("x", MaxBatchChars-10)
		batches := BuildBatches("/src/a.py", []extract.SymbolSpan{
			span("a", big),
			span("b", "small"),
		})
		if len(batches) != 2 {
			t.Fatalf("got %d batches, want 2", len(batches))
		}
	})

	t.Run("oversized symbol gets own batch", func(t *testing.T) {
		huge := strings.Repeat("x", MaxBatchChars+100)
		batches := BuildBatches("/src/a.py", []extract.SymbolSpan{span("huge", huge)})
		if len(batches) != 1 || len(batches[0].Symbols) != 1 {
			t.Errorf("got %d batches", len(batches))
		}
	})

	t.Run("no symbols no batches", func(t *testing.T) {
		if got := BuildBatches("/src/a.py", nil); len(got) != 0 {
			t.Errorf("got %d batches, want 0", len(got))
		}
	})
}

func TestPrompt(t *testing.T) {
	batch := Batch{
		FilePath: "/src/a.py",
		Symbols:  []extract.SymbolSpan{span("foo", "def foo(): pass")},
	}
	prompt := batch.Prompt("Add debug logging to every function.")

	for _, want := range []string{
		"Add debug logging",
		"symbol path: /src/a.py/foo",
		"[SYMBOL START]",
		"def foo(): pass",
		"[overwrite whole symbol]",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestParseResponse(t *testing.T) {
	t.Run("single block", func(t *testing.T) {
		patches := ParseResponse(`Here you go.

[overwrite whole symbol]: /src/a.py/foo
[start]
def foo():
    return 1
[end]

Done.`)
		if len(patches) != 1 {
			t.Fatalf("got %d patches, want 1", len(patches))
		}
		if patches[0].Path != "/src/a.py/foo" {
			t.Errorf("path = %q", patches[0].Path)
		}
		if patches[0].Content != "def foo():\n    return 1" {
			t.Errorf("content = %q", patches[0].Content)
		}
	})

	t.Run("numbered and nested tags", func(t *testing.T) {
		patches := ParseResponse(`[overwrite whole symbol]: /src/a.py/outer
[start.7]
def outer():
    s = """
[start]
inner text
[end]
"""
[end.7]`)
		if len(patches) != 1 {
			t.Fatalf("got %d patches, want 1", len(patches))
		}
		if !strings.Contains(patches[0].Content, "inner text") {
			t.Errorf("nested tags not kept in content: %q", patches[0].Content)
		}
	})

	t.Run("header without block is dropped", func(t *testing.T) {
		patches := ParseResponse(`[overwrite whole symbol]: /src/a.py/foo
no block here`)
		if len(patches) != 0 {
			t.Errorf("got %d patches, want 0", len(patches))
		}
	})

	t.Run("multiple blocks", func(t *testing.T) {
		patches := ParseResponse(`[overwrite whole symbol]: a
[start]
one
[end]
[overwrite whole symbol]: b
[start]
two
[end]`)
		if len(patches) != 2 || patches[0].Path != "a" || patches[1].Path != "b" {
			t.Errorf("got %+v", patches)
		}
	})
}

func TestMatchPatches(t *testing.T) {
	batch := Batch{
		FilePath: "/src/a.py",
		Symbols: []extract.SymbolSpan{
			span("foo", "def foo():\n    pass"),
			span("bar", "def bar():\n    pass"),
		},
	}

	t.Run("matches by full path and bare name", func(t *testing.T) {
		results, skipped := MatchPatches(batch, []Patch{
			{Path: "/src/a.py/foo", Content: "def foo():\n    return 1"},
			{Path: "bar", Content: "def bar():\n    return 2"},
		})
		if len(results) != 2 || len(skipped) != 0 {
			t.Fatalf("results=%d skipped=%d", len(results), len(skipped))
		}
		for _, r := range results {
			if !r.IsChanged {
				t.Errorf("%s not marked changed", r.Name)
			}
		}
	})

	t.Run("unknown symbol is rejected", func(t *testing.T) {
		results, skipped := MatchPatches(batch, []Patch{
			{Path: "/src/a.py/evil_injected", Content: "import os; os.remove('/')"},
		})
		if len(results) != 0 {
			t.Error("patch for unknown symbol was ingested")
		}
		if len(skipped) != 1 || skipped[0] != "/src/a.py/evil_injected" {
			t.Errorf("skipped = %v", skipped)
		}
	})

	t.Run("verbatim response is unchanged", func(t *testing.T) {
		results, _ := MatchPatches(batch, []Patch{
			{Path: "foo", Content: "def foo():\n    pass"},
		})
		if len(results) != 1 || results[0].IsChanged {
			t.Errorf("verbatim symbol marked changed: %+v", results)
		}
	})

	t.Run("trailing whitespace does not flip is_changed", func(t *testing.T) {
		results, _ := MatchPatches(batch, []Patch{
			{Path: "foo", Content: "def foo():  \n    pass\n"},
		})
		if len(results) != 1 || results[0].IsChanged {
			t.Error("whitespace-only difference marked changed")
		}
	})

	t.Run("duplicate patch for same symbol is skipped", func(t *testing.T) {
		results, skipped := MatchPatches(batch, []Patch{
			{Path: "foo", Content: "def foo():\n    return 1"},
			{Path: "foo", Content: "def foo():\n    return 2"},
		})
		if len(results) != 1 || len(skipped) != 1 {
			t.Errorf("results=%d skipped=%d, want 1/1", len(results), len(skipped))
		}
	})
}

// fakeCompletion returns a canned response body.
type fakeCompletion struct {
	response string
	err      error
	requests []openai.ChatCompletionRequest
}

func (f *fakeCompletion) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: f.response}},
		},
	}, nil
}

func TestTransformBatch(t *testing.T) {
	batch := Batch{
		FilePath: "/src/a.py",
		Symbols:  []extract.SymbolSpan{span("foo", "def foo():\n    pass")},
	}

	t.Run("round trip", func(t *testing.T) {
		fake := &fakeCompletion{response: `[overwrite whole symbol]: /src/a.py/foo
[start]
def foo():
    return 1
[end]`}
		tr := newTransformer(fake, "test-model", OpenAIConfig{Instructions: "rewrite"})

		results, err := tr.TransformBatch(context.Background(), batch)
		if err != nil {
			t.Fatalf("TransformBatch failed: %v", err)
		}
		if len(results) != 1 || results[0].Name != "foo" || !results[0].IsChanged {
			t.Errorf("results = %+v", results)
		}
		if len(fake.requests) != 1 || fake.requests[0].Model != "test-model" {
			t.Errorf("request not sent as expected")
		}
	})

	t.Run("empty choices is an error", func(t *testing.T) {
		tr := newTransformer(&emptyChoices{}, "m", OpenAIConfig{})
		if _, err := tr.TransformBatch(context.Background(), batch); err == nil {
			t.Error("expected error for empty choices")
		}
	})
}

type emptyChoices struct{}

func (emptyChoices) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	return openai.ChatCompletionResponse{}, nil
}
