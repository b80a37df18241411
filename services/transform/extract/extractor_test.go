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
	"errors"
	"strings"
	"testing"
)

const goSource = `package demo

import "fmt"

func Hello() {
	fmt.Println("hello")
}

type Greeter struct{}

func (g *Greeter) Greet(name string) string {
	return "hi " + name
}

func (g Greeter) Wave() {}
`

const pySource = `import os

def top_level():
    return 1

class Widget:
    def render(self):
        return "<div>"

    @property
    def size(self):
        return 42

@cache
def decorated():
    return os.getpid()
`

func names(spans []SymbolSpan) []string {
	out := make([]string, len(spans))
	for i, s := range spans {
		out[i] = s.Name
	}
	return out
}

func assertSpansExact(t *testing.T, source string, spans []SymbolSpan) {
	t.Helper()
	for _, s := range spans {
		if s.StartByte < 0 || s.EndByte > len(source) || s.StartByte >= s.EndByte {
			t.Errorf("%s: bad span [%d:%d)", s.Name, s.StartByte, s.EndByte)
			continue
		}
		if source[s.StartByte:s.EndByte] != s.Code {
			t.Errorf("%s: Code does not match source slice", s.Name)
		}
	}
}

func TestGoExtractor(t *testing.T) {
	spans, err := NewGoExtractor().Extract(context.Background(), []byte(goSource))
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}

	got := names(spans)
	want := []string{"Hello", "Greeter.Greet", "Greeter.Wave"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("span %d name = %q, want %q", i, got[i], want[i])
		}
	}

	assertSpansExact(t, goSource, spans)

	if !strings.HasPrefix(spans[0].Code, "func Hello()") {
		t.Errorf("Hello code = %q", spans[0].Code)
	}
	if spans[1].StartLine <= spans[0].StartLine {
		t.Error("spans not in source order")
	}
}

func TestPythonExtractor(t *testing.T) {
	spans, err := NewPythonExtractor().Extract(context.Background(), []byte(pySource))
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}

	got := names(spans)
	want := []string{"top_level", "Widget.render", "Widget.size", "decorated"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("span %d name = %q, want %q", i, got[i], want[i])
		}
	}

	assertSpansExact(t, pySource, spans)

	// Decorators belong to the span of the symbol they annotate.
	for _, s := range spans {
		switch s.Name {
		case "Widget.size":
			if !strings.HasPrefix(s.Code, "@property") {
				t.Errorf("Widget.size span missing decorator: %q", s.Code)
			}
		case "decorated":
			if !strings.HasPrefix(s.Code, "@cache") {
				t.Errorf("decorated span missing decorator: %q", s.Code)
			}
		}
	}
}

func TestExtractInvalidUTF8(t *testing.T) {
	bad := []byte{0xff, 0xfe, 'f', 'u', 'n', 'c'}
	if _, err := NewGoExtractor().Extract(context.Background(), bad); !errors.Is(err, ErrInvalidContent) {
		t.Errorf("err = %v, want ErrInvalidContent", err)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	t.Run("dispatches by extension", func(t *testing.T) {
		e, err := r.ForFile("/src/pkg/thing.go")
		if err != nil {
			t.Fatalf("ForFile failed: %v", err)
		}
		if e.Language() != "go" {
			t.Errorf("language = %q, want go", e.Language())
		}

		e, err = r.ForFile("/src/app/main.PY")
		if err != nil {
			t.Fatalf("ForFile failed: %v", err)
		}
		if e.Language() != "python" {
			t.Errorf("language = %q, want python", e.Language())
		}
	})

	t.Run("unknown extension", func(t *testing.T) {
		if _, err := r.ForFile("/src/README.md"); !errors.Is(err, ErrUnsupportedLanguage) {
			t.Errorf("err = %v, want ErrUnsupportedLanguage", err)
		}
		if r.Supported("/src/README.md") {
			t.Error("markdown reported as supported")
		}
	})
}
