// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extract locates transformable symbols in source files with
// byte-exact spans.
package extract

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

// Extraction errors.
var (
	ErrUnsupportedLanguage = errors.New("no extractor registered for language")
	ErrInvalidContent      = errors.New("invalid file content")
)

// SymbolSpan is one extractable symbol with its exact location.
//
// Spans are byte offsets into the file content as read, end-exclusive.
// Code is the exact slice content[StartByte:EndByte]; the applier later
// checksums this same slice, so the two always agree on boundaries.
type SymbolSpan struct {
	// Name is the symbol's qualified name: bare for top-level functions,
	// "Type.method" for methods.
	Name      string
	StartByte int
	EndByte   int
	// StartLine is the 1-based line the span begins on. Display only.
	StartLine int
	Code      string
}

// Extractor parses one language and returns its transformable symbols.
//
// Implementations create a fresh tree-sitter parser per call; parser
// instances are not safe to share across goroutines.
type Extractor interface {
	// Language returns the canonical language name ("go", "python").
	Language() string
	// Extensions returns the file extensions this extractor handles,
	// with leading dots.
	Extensions() []string
	// Extract returns the file's symbol spans in ascending offset order.
	Extract(ctx context.Context, content []byte) ([]SymbolSpan, error)
}

// Registry maps file extensions to extractors.
//
// # Thread Safety
//
// Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	byExt map[string]Extractor
}

// NewRegistry creates a registry pre-loaded with the built-in extractors.
func NewRegistry() *Registry {
	r := &Registry{byExt: make(map[string]Extractor)}
	r.Register(NewGoExtractor())
	r.Register(NewPythonExtractor())
	return r
}

// Register adds an extractor, replacing any previous one for the same
// extensions.
func (r *Registry) Register(e Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ext := range e.Extensions() {
		r.byExt[strings.ToLower(ext)] = e
	}
}

// ForFile returns the extractor for a file path, by extension.
func (r *Registry) ForFile(path string) (Extractor, error) {
	ext := strings.ToLower(filepath.Ext(path))

	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byExt[ext]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, ext)
	}
	return e, nil
}

// Supported reports whether any extractor handles the file.
func (r *Registry) Supported(path string) bool {
	_, err := r.ForFile(path)
	return err == nil
}
