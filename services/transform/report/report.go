// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package report renders run summaries, bundle inspections, and unified
// diffs for the CLI.
package report

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/sourcegraph/go-diff/diff"

	"github.com/AleutianAI/AleutianTransform/services/transform"
)

// Reporter writes human-readable run output.
//
// Styling is enabled only when the writer is a terminal; piped output
// stays plain so it can be grepped and diffed.
type Reporter struct {
	out    io.Writer
	styled bool

	header  lipgloss.Style
	applied lipgloss.Style
	skipped lipgloss.Style
	failed  lipgloss.Style
	rolled  lipgloss.Style
	fatal   lipgloss.Style
	addLine lipgloss.Style
	delLine lipgloss.Style
}

// New creates a Reporter for the given writer.
func New(out io.Writer) *Reporter {
	styled := false
	if f, ok := out.(*os.File); ok {
		styled = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &Reporter{
		out:     out,
		styled:  styled,
		header:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14")),
		applied: lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		skipped: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		failed:  lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		rolled:  lipgloss.NewStyle().Foreground(lipgloss.Color("13")),
		fatal:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
		addLine: lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		delLine: lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
	}
}

// render applies a style only when writing to a terminal.
func (r *Reporter) render(style lipgloss.Style, text string) string {
	if !r.styled {
		return text
	}
	return style.Render(text)
}

func (r *Reporter) statusStyle(status transform.Status) lipgloss.Style {
	switch status {
	case transform.StatusApplied:
		return r.applied
	case transform.StatusSkipped:
		return r.skipped
	case transform.StatusFailed:
		return r.failed
	case transform.StatusRolledBack:
		return r.rolled
	default:
		return lipgloss.NewStyle()
	}
}

// Summary prints the run's aggregate outcome.
func (r *Reporter) Summary(s *transform.RunSummary) {
	fmt.Fprintln(r.out, r.render(r.header, "Transformation run "+s.RunID))
	if !s.FinishedAt.IsZero() {
		fmt.Fprintf(r.out, "Duration: %s\n", s.FinishedAt.Sub(s.StartedAt).Round(1e6))
	}
	fmt.Fprintln(r.out)

	for _, file := range s.Files {
		marker := ""
		if file.Fatal {
			marker = " " + r.render(r.fatal, "[FATAL]")
		}
		fmt.Fprintf(r.out, "%s%s\n", r.render(r.header, file.FilePath), marker)
		for _, sym := range file.Symbols {
			line := fmt.Sprintf("  %-12s %s", sym.Status, sym.SymbolName)
			if sym.Reason != "" {
				line += "  (" + sym.Reason + ")"
			}
			fmt.Fprintln(r.out, r.render(r.statusStyle(sym.Status), line))
		}
	}

	fmt.Fprintln(r.out)
	fmt.Fprintf(r.out, "Totals: applied=%d skipped=%d failed=%d rolled_back=%d\n",
		s.Counts[transform.StatusApplied],
		s.Counts[transform.StatusSkipped],
		s.Counts[transform.StatusFailed],
		s.Counts[transform.StatusRolledBack])

	if len(s.FatalFiles) > 0 {
		fmt.Fprintln(r.out)
		fmt.Fprintln(r.out, r.render(r.fatal, "Fatal halts:"))
		for _, halt := range s.FatalFiles {
			fmt.Fprintf(r.out, "  %s: %s\n", halt.FilePath, halt.Reason)
		}
	}
}

// Bundle prints a persisted bundle record by record.
//
// Used by the inspect command; shows everything needed to decide whether
// a bundle is safe to replay.
func (r *Reporter) Bundle(bundle *transform.FileTransformationBundle) {
	fmt.Fprintln(r.out, r.render(r.header, "File: "+bundle.FilePath))
	counts := bundle.Counts()
	changed := 0
	for _, rec := range bundle.Records {
		if rec.IsChanged {
			changed++
		}
	}
	fmt.Fprintf(r.out, "Records: %d  changed: %d  pending: %d\n\n",
		len(bundle.Records), changed, counts[transform.StatusPending])

	for _, rec := range bundle.Records {
		fmt.Fprintf(r.out, "%s\n", r.render(r.header, "Symbol: "+rec.SymbolName))
		status := "UNCHANGED"
		if rec.IsChanged {
			status = "MODIFIED"
		}
		fmt.Fprintf(r.out, "  Status: %s (%s)\n", rec.Status,
			r.render(r.statusStyle(rec.Status), status))
		fmt.Fprintf(r.out, "  Span: [%d:%d)  Checksum: %08x\n", rec.StartByte, rec.EndByte, rec.Checksum)
		if rec.Reason != "" {
			fmt.Fprintf(r.out, "  Reason: %s\n", rec.Reason)
		}
		fmt.Fprintln(r.out)
	}
}

// Diff prints unified diffs for a bundle's changed records.
func (r *Reporter) Diff(bundle *transform.FileTransformationBundle) error {
	for _, rec := range bundle.Records {
		if !rec.IsChanged || rec.TransformedCode == rec.OriginalCode {
			continue
		}

		fileDiff, err := recordDiff(rec)
		if err != nil {
			return fmt.Errorf("building diff for %s: %w", rec.SymbolName, err)
		}
		out, err := diff.PrintFileDiff(fileDiff)
		if err != nil {
			return fmt.Errorf("rendering diff for %s: %w", rec.SymbolName, err)
		}

		fmt.Fprintln(r.out, r.render(r.header, "--- "+rec.SymbolName+" ---"))
		r.printColorized(string(out))
		fmt.Fprintln(r.out)
	}
	return nil
}

// printColorized writes diff text, coloring +/- lines on terminals.
func (r *Reporter) printColorized(text string) {
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		switch {
		case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
			fmt.Fprintln(r.out, r.render(r.addLine, line))
		case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
			fmt.Fprintln(r.out, r.render(r.delLine, line))
		default:
			fmt.Fprintln(r.out, line)
		}
	}
}

// recordDiff builds a single-hunk file diff replacing the record's
// original span with its transformed code.
func recordDiff(rec *transform.TransformationRecord) (*diff.FileDiff, error) {
	origLines := splitLines(rec.OriginalCode)
	newLines := splitLines(rec.TransformedCode)

	var body strings.Builder
	for _, line := range origLines {
		body.WriteString("-" + line + "\n")
	}
	for _, line := range newLines {
		body.WriteString("+" + line + "\n")
	}

	startLine := int32(lineOfByteOffset(rec))
	rel := strings.TrimPrefix(rec.FilePath, "/")
	return &diff.FileDiff{
		OrigName: "a/" + rel,
		NewName:  "b/" + rel,
		Hunks: []*diff.Hunk{
			{
				OrigStartLine: startLine,
				OrigLines:     int32(len(origLines)),
				NewStartLine:  startLine,
				NewLines:      int32(len(newLines)),
				Section:       rec.SymbolName,
				Body:          []byte(body.String()),
			},
		},
	}, nil
}

// lineOfByteOffset returns the 1-based line of the record's start offset,
// reading the file when available. A record replayed against a missing
// file still diffs, just without a meaningful line anchor.
func lineOfByteOffset(rec *transform.TransformationRecord) int {
	content, err := os.ReadFile(rec.FilePath)
	if err != nil || rec.StartByte > len(content) {
		return 1
	}
	line := 1
	for _, b := range content[:rec.StartByte] {
		if b == '\n' {
			line++
		}
	}
	return line
}

func splitLines(text string) []string {
	return strings.Split(strings.TrimRight(text, "\n"), "\n")
}
