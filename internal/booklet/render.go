// Package booklet renders research booklets to Markdown and persists them
// atomically under the output root. Rendering is deterministic for
// identical inputs.
package booklet

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"aires/internal/types"
)

// findingMaxChars bounds each finding's content in the research summary.
const findingMaxChars = 500

// Render produces the UTF-8 Markdown document for a booklet.
func Render(b *types.Booklet) string {
	var w strings.Builder

	fmt.Fprintf(&w, "# %s\n\n", b.Title)
	fmt.Fprintf(&w, "**Generated:** %s\n", b.GeneratedAt.Format("2006-01-02 15:04:05 UTC"))
	fmt.Fprintf(&w, "**Batch ID:** %s\n", b.BatchID)
	fmt.Fprintf(&w, "**Total Errors:** %d\n\n", len(b.Batch.Errors))

	w.WriteString("## Metadata\n\n")
	for _, k := range sortedKeys(b.Metadata) {
		fmt.Fprintf(&w, "- %s: %s\n", k, b.Metadata[k])
	}
	w.WriteString("\n")

	w.WriteString("## Original Errors\n\n")
	writeErrorGroups(&w, b.Batch.Errors)

	sections := append([]types.BookletSection(nil), b.Sections...)
	sort.SliceStable(sections, func(i, j int) bool { return sections[i].Order < sections[j].Order })
	for _, s := range sections {
		fmt.Fprintf(&w, "## %s\n\n%s\n\n", s.Title, strings.TrimSpace(s.Content))
	}

	w.WriteString("## AI Research Summary\n\n")
	for _, f := range b.Findings {
		title := f.Title
		if title == "" {
			title = f.ModelName
		}
		fmt.Fprintf(&w, "### %s\n\n", title)
		if f.Confidence != nil {
			fmt.Fprintf(&w, "*Model: %s, confidence %.2f*\n\n", f.ModelName, *f.Confidence)
		} else {
			fmt.Fprintf(&w, "*Model: %s*\n\n", f.ModelName)
		}
		fmt.Fprintf(&w, "%s\n\n", truncate(strings.TrimSpace(f.Content), findingMaxChars))
	}

	w.WriteString("---\n\n*Generated by AIRES*\n")
	return w.String()
}

// writeErrorGroups groups diagnostics by code, codes sorted, original
// order preserved inside each group.
func writeErrorGroups(w *strings.Builder, errs []types.CompilerError) {
	groups := make(map[string][]types.CompilerError)
	for _, e := range errs {
		groups[e.Code] = append(groups[e.Code], e)
	}
	codes := make([]string, 0, len(groups))
	for code := range groups {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	for _, code := range codes {
		fmt.Fprintf(w, "### %s\n\n", code)
		for _, e := range groups[code] {
			if e.Location != nil {
				fmt.Fprintf(w, "- `%s(%d,%d)`: %s\n", e.Location.Path, e.Location.Line, e.Location.Column, e.Message)
			} else {
				fmt.Fprintf(w, "- %s\n", e.Message)
			}
		}
		w.WriteString("\n")
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	// Do not split a multi-byte rune.
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut + "..."
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
