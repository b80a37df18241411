// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extract

import (
	"context"
	"fmt"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// PythonExtractor extracts functions and class methods from Python source.
//
// # Thread Safety
//
// Safe for concurrent use; a fresh tree-sitter parser is created per call.
type PythonExtractor struct{}

// NewPythonExtractor creates a Python extractor.
func NewPythonExtractor() *PythonExtractor {
	return &PythonExtractor{}
}

// Language returns "python".
func (e *PythonExtractor) Language() string { return "python" }

// Extensions returns the extensions this extractor handles.
func (e *PythonExtractor) Extensions() []string { return []string{".py"} }

// Extract returns module-level functions and class methods in ascending
// offset order.
//
// # Description
//
// Methods are named "<Class>.<name>". Decorated definitions use the
// decorated_definition node's span, so decorators travel with the symbol
// they annotate instead of being orphaned by an edit.
func (e *PythonExtractor) Extract(ctx context.Context, content []byte) ([]SymbolSpan, error) {
	if !utf8.Valid(content) {
		return nil, fmt.Errorf("%w: not valid UTF-8", ErrInvalidContent)
	}

	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse failed: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil {
		return nil, fmt.Errorf("%w: nil root node", ErrInvalidContent)
	}

	var spans []SymbolSpan
	for i := 0; i < int(root.ChildCount()); i++ {
		node := root.Child(i)
		if node == nil {
			continue
		}
		spans = e.collect(node, content, "", spans)
	}
	return spans, nil
}

// collect appends spans for a top-level statement node. prefix carries the
// enclosing class name for methods.
func (e *PythonExtractor) collect(node *sitter.Node, content []byte, prefix string, spans []SymbolSpan) []SymbolSpan {
	span := node
	inner := node
	if node.Type() == "decorated_definition" {
		def := node.ChildByFieldName("definition")
		if def == nil {
			return spans
		}
		inner = def
	}

	switch inner.Type() {
	case "function_definition":
		name := nodeText(inner.ChildByFieldName("name"), content)
		if name == "" {
			return spans
		}
		if prefix != "" {
			name = prefix + "." + name
		}
		start, end := int(span.StartByte()), int(span.EndByte())
		return append(spans, SymbolSpan{
			Name:      name,
			StartByte: start,
			EndByte:   end,
			StartLine: int(span.StartPoint().Row) + 1,
			Code:      string(content[start:end]),
		})

	case "class_definition":
		className := nodeText(inner.ChildByFieldName("name"), content)
		body := inner.ChildByFieldName("body")
		if className == "" || body == nil {
			return spans
		}
		// Methods are extracted individually; the class itself is not a
		// transformation target.
		for i := 0; i < int(body.ChildCount()); i++ {
			child := body.Child(i)
			if child == nil {
				continue
			}
			spans = e.collect(child, content, className, spans)
		}
	}
	return spans
}
