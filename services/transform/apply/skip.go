// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package apply

import (
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/AleutianAI/AleutianTransform/services/transform"
)

// SkipSet holds glob rules that exempt symbols from code edits.
//
// # Description
//
// Rules come in two forms:
//
//   - A rule containing "/" is resolved to an absolute path and matched
//     against the full symbol path ("<abs-file>/<symbol>"). Globs are
//     allowed, e.g. "src/legacy/*.py/init_*".
//   - A bare name is shorthand for "*/<name>": it skips that symbol in
//     every file.
//
// Globs follow shell-style matching where "*" crosses path separators.
// A rule that cannot be compiled matches nothing; it is logged once at
// construction rather than silently dropped.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type SkipSet struct {
	rules  []skipRule
	logger *slog.Logger
}

type skipRule struct {
	raw string
	re  *regexp.Regexp
}

// NewSkipSet compiles the given rules into a SkipSet.
//
// # Inputs
//
//   - rules: Raw skip rules from configuration. Blank entries are ignored.
//
// # Outputs
//
//   - *SkipSet: Compiled set. Never nil; an empty set matches nothing.
func NewSkipSet(rules []string) *SkipSet {
	logger := slog.Default().With("component", "apply.SkipSet")
	set := &SkipSet{logger: logger}

	for _, raw := range rules {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}

		pattern := raw
		if strings.Contains(raw, "/") {
			abs, err := filepath.Abs(raw)
			if err == nil {
				pattern = abs
			}
		} else {
			pattern = "*/" + raw
		}

		re, err := compileGlob(pattern)
		if err != nil {
			logger.Warn("skip rule does not compile; it will match nothing",
				"rule", raw, "error", err)
			set.rules = append(set.rules, skipRule{raw: raw})
			continue
		}
		set.rules = append(set.rules, skipRule{raw: raw, re: re})
	}
	return set
}

// Match reports whether the symbol key is covered by any rule, along with
// the raw rule that matched.
func (s *SkipSet) Match(key transform.SymbolKey) (string, bool) {
	if s == nil {
		return "", false
	}
	path := key.String()
	for _, rule := range s.rules {
		if rule.re != nil && rule.re.MatchString(path) {
			return rule.raw, true
		}
	}
	return "", false
}

// Len returns the number of rules, including ones that failed to compile.
func (s *SkipSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// compileGlob translates a shell-style glob into an anchored regexp.
//
// "*" matches any run of characters including "/", "?" matches a single
// character, and "[...]" passes through as a character class with a
// leading "!" meaning negation. Everything else is literal.
func compileGlob(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")

	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		switch c := runes[i]; c {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		case '[':
			end := -1
			for j := i + 1; j < len(runes); j++ {
				if runes[j] == ']' && j > i+1 {
					end = j
					break
				}
			}
			if end < 0 {
				b.WriteString(regexp.QuoteMeta(string(c)))
				continue
			}
			class := string(runes[i+1 : end])
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			}
			b.WriteString("[" + class + "]")
			i = end
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}

	b.WriteString("$")
	return regexp.Compile(b.String())
}
