// Package diffview renders line diffs for the editor's diff panel.
package diffview

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Document is a rendered diff ready for display.
type Document struct {
	Title   string `json:"title"`
	Unified string `json:"unified"`
	Added   int    `json:"added"`
	Removed int    `json:"removed"`
}

// Render diffs before and after line by line and returns the result in
// unified form. Identical inputs produce a document with no +/- lines.
func Render(title, before, after string) Document {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	doc := Document{Title: title}
	var sb strings.Builder
	sb.WriteString("--- a/" + title + "\n")
	sb.WriteString("+++ b/" + title + "\n")
	for _, d := range diffs {
		prefix := " "
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		}
		for _, line := range splitLines(d.Text) {
			sb.WriteString(prefix)
			sb.WriteString(line)
			sb.WriteByte('\n')
			switch d.Type {
			case diffmatchpatch.DiffInsert:
				doc.Added++
			case diffmatchpatch.DiffDelete:
				doc.Removed++
			}
		}
	}
	doc.Unified = sb.String()
	return doc
}

// splitLines splits on newlines without producing a trailing empty element
// for newline-terminated text.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(text, "\n"), "\n")
}
