// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm turns symbol spans into transformed code via a language
// model, batching requests and parsing tagged responses.
package llm

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/AleutianAI/AleutianTransform/services/transform/extract"
)

// Batch sizing limits. A batch closes when either is reached.
const (
	MaxBatchSymbols = 4
	MaxBatchChars   = 60000
)

// SymbolTransform is one symbol's proposed rewrite.
type SymbolTransform struct {
	// Name is the symbol name as extracted (e.g. "Widget.render").
	Name string
	// Transformed is the full replacement text for the symbol's span.
	Transformed string
	// IsChanged is false when the model returned the symbol verbatim.
	IsChanged bool
}

// Transformer proposes rewrites for a batch of symbols.
//
// Implementations must be safe for concurrent use; the file processor
// fans batches out across worker goroutines.
type Transformer interface {
	// TransformBatch requests rewrites for one batch. Symbols the model
	// declined to return are simply absent from the result; that is not
	// an error.
	TransformBatch(ctx context.Context, batch Batch) ([]SymbolTransform, error)
}

// Batch is a group of symbols from one file sent in a single request.
type Batch struct {
	FilePath string
	Symbols  []extract.SymbolSpan
}

// BuildBatches groups a file's symbols into request batches.
//
// # Description
//
// Symbols are taken in file order. A batch closes at MaxBatchSymbols
// symbols or once adding another symbol would push the combined code past
// MaxBatchChars. A single oversized symbol still gets its own batch; it is
// the model's context window that decides its fate, not ours.
func BuildBatches(filePath string, symbols []extract.SymbolSpan) []Batch {
	var batches []Batch
	var current Batch
	chars := 0

	flush := func() {
		if len(current.Symbols) > 0 {
			batches = append(batches, current)
		}
		current = Batch{FilePath: filePath}
		chars = 0
	}

	current.FilePath = filePath
	for _, sym := range symbols {
		if len(current.Symbols) > 0 &&
			(len(current.Symbols) >= MaxBatchSymbols || chars+len(sym.Code) > MaxBatchChars) {
			flush()
		}
		current.Symbols = append(current.Symbols, sym)
		chars += len(sym.Code)
	}
	flush()
	return batches
}

// Prompt renders the batch into the request payload.
//
// # Description
//
// instructions is the transformation goal. Each symbol is wrapped in a
// tagged snippet carrying its full path, so the response can be matched
// back to it:
//
//	[SYMBOL START]
//	symbol path: <file>/<name>
//	[start]
//	<code>
//	[end]
//	[SYMBOL END]
func (b Batch) Prompt(instructions string) string {
	var sb strings.Builder
	sb.WriteString(instructions)
	sb.WriteString("\n\n")
	sb.WriteString(responseTemplate)
	sb.WriteString("\n\n")

	for _, sym := range b.Symbols {
		fmt.Fprintf(&sb, "[SYMBOL START]\nsymbol path: %s/%s\n[start]\n%s\n[end]\n[SYMBOL END]\n\n",
			b.FilePath, sym.Name, sym.Code)
	}
	return sb.String()
}

// responseTemplate tells the model how to format rewrites so ParseResponse
// can recover them.
const responseTemplate = `Respond with one block per symbol, in this exact format:

[overwrite whole symbol]: <symbol path>
[start]
<the complete rewritten symbol>
[end]

Return every symbol you were given, rewritten or verbatim. Do not add
commentary between blocks.`

// Patch is one parsed response block.
type Patch struct {
	// Path is the symbol path from the block header.
	Path string
	// Content is the block body, without the tag lines.
	Content string
}

var (
	headerRe   = regexp.MustCompile(`\[overwrite whole (?:symbol|block|file)\]:\s*([^\n]+)`)
	startTagRe = regexp.MustCompile(`^\[start(?:\.\d+)?\]$`)
	endTagRe   = regexp.MustCompile(`^\[end(?:\.\d+)?\]$`)
)

// ParseResponse extracts patch blocks from a model response.
//
// # Description
//
// A line-based state machine, tolerant of prose around blocks. Start and
// end tags may carry numeric suffixes ("[start.3]") and nest; only the
// outermost pair delimits the block. Headers without a complete block are
// dropped.
func ParseResponse(text string) []Patch {
	var patches []Patch
	lines := strings.Split(text, "\n")

	i := 0
	for i < len(lines) {
		header := headerRe.FindStringSubmatch(lines[i])
		if header == nil {
			i++
			continue
		}
		path := strings.TrimSpace(header[1])

		blockStart, blockEnd := -1, -1
		nesting := 0
		j := i + 1
		for j < len(lines) {
			trimmed := strings.TrimSpace(lines[j])
			if startTagRe.MatchString(trimmed) {
				if nesting == 0 {
					blockStart = j + 1
				}
				nesting++
			} else if endTagRe.MatchString(trimmed) && nesting > 0 {
				nesting--
				if nesting == 0 {
					blockEnd = j
					break
				}
			}
			j++
		}

		if blockStart >= 0 && blockEnd > blockStart {
			patches = append(patches, Patch{
				Path:    path,
				Content: strings.Join(lines[blockStart:blockEnd], "\n"),
			})
			i = blockEnd + 1
		} else {
			i++
		}
	}
	return patches
}

// MatchPatches maps parsed patches back to the batch's symbols.
//
// # Description
//
// Patches are matched by full symbol path with a fallback to bare symbol
// name. Patches naming symbols outside the batch are rejected rather than
// ingested on faith; the skipped list names them so the caller can log.
// Symbols with no patch are absent from the result.
func MatchPatches(batch Batch, patches []Patch) (results []SymbolTransform, skipped []string) {
	byPath := make(map[string]extract.SymbolSpan, len(batch.Symbols))
	byName := make(map[string]extract.SymbolSpan, len(batch.Symbols))
	for _, sym := range batch.Symbols {
		byPath[batch.FilePath+"/"+sym.Name] = sym
		byName[sym.Name] = sym
	}

	seen := make(map[string]bool)
	for _, patch := range patches {
		sym, ok := byPath[patch.Path]
		if !ok {
			sym, ok = byName[patch.Path]
		}
		if !ok || seen[sym.Name] {
			skipped = append(skipped, patch.Path)
			continue
		}
		seen[sym.Name] = true

		results = append(results, SymbolTransform{
			Name:        sym.Name,
			Transformed: patch.Content,
			IsChanged:   normalizeCode(patch.Content) != normalizeCode(sym.Code),
		})
	}
	return results, skipped
}

// normalizeCode strips trailing whitespace per line so an is_changed
// verdict never hinges on invisible characters.
func normalizeCode(code string) string {
	lines := strings.Split(code, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\r")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}
