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
	"strings"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
)

// GoExtractor extracts function and method declarations from Go source.
//
// # Thread Safety
//
// Safe for concurrent use; a fresh tree-sitter parser is created per call.
type GoExtractor struct{}

// NewGoExtractor creates a Go extractor.
func NewGoExtractor() *GoExtractor {
	return &GoExtractor{}
}

// Language returns "go".
func (e *GoExtractor) Language() string { return "go" }

// Extensions returns the extensions this extractor handles.
func (e *GoExtractor) Extensions() []string { return []string{".go"} }

// Extract returns all top-level functions and methods in ascending offset
// order.
//
// # Description
//
// Methods are named "<Receiver>.<name>" with pointer stars and type
// parameters stripped from the receiver, so the same method keeps the same
// symbol name whether its receiver is T, *T, or T[K].
func (e *GoExtractor) Extract(ctx context.Context, content []byte) ([]SymbolSpan, error) {
	if !utf8.Valid(content) {
		return nil, fmt.Errorf("%w: not valid UTF-8", ErrInvalidContent)
	}

	parser := sitter.NewParser()
	parser.SetLanguage(golang.GetLanguage())

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

		var name string
		switch node.Type() {
		case "function_declaration":
			name = nodeText(node.ChildByFieldName("name"), content)
		case "method_declaration":
			base := nodeText(node.ChildByFieldName("name"), content)
			recv := receiverType(node.ChildByFieldName("receiver"), content)
			if recv != "" {
				name = recv + "." + base
			} else {
				name = base
			}
		default:
			continue
		}
		if name == "" {
			continue
		}

		start, end := int(node.StartByte()), int(node.EndByte())
		spans = append(spans, SymbolSpan{
			Name:      name,
			StartByte: start,
			EndByte:   end,
			StartLine: int(node.StartPoint().Row) + 1,
			Code:      string(content[start:end]),
		})
	}
	return spans, nil
}

// receiverType extracts the bare receiver type name from a method's
// receiver parameter list.
func receiverType(recv *sitter.Node, content []byte) string {
	if recv == nil {
		return ""
	}
	for i := 0; i < int(recv.ChildCount()); i++ {
		child := recv.Child(i)
		if child == nil || child.Type() != "parameter_declaration" {
			continue
		}
		typeNode := child.ChildByFieldName("type")
		if typeNode == nil {
			continue
		}
		name := nodeText(typeNode, content)
		name = strings.TrimLeft(name, "*")
		if idx := strings.IndexAny(name, "["); idx > 0 {
			name = name[:idx]
		}
		return name
	}
	return ""
}

// nodeText returns the source text covered by a node.
func nodeText(node *sitter.Node, content []byte) string {
	if node == nil {
		return ""
	}
	return string(content[node.StartByte():node.EndByte()])
}
