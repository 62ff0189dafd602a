package stages

import (
	"fmt"
	"regexp"
	"strings"

	"aires/internal/types"
)

// maxPromptErrors caps how many diagnostics are embedded verbatim in a
// prompt so a pathological batch cannot blow the model context window.
const maxPromptErrors = 25

func docPrompt(batch types.ErrorBatch, codeContext string) string {
	var b strings.Builder
	b.WriteString("You are a compiler diagnostics researcher. For each build error below, ")
	b.WriteString("explain the root cause per official language documentation and cite the ")
	b.WriteString("relevant documentation topic.\n\n")
	writeErrors(&b, batch)
	if codeContext != "" {
		b.WriteString("\nSurrounding code:\n```\n")
		b.WriteString(codeContext)
		b.WriteString("\n```\n")
	}
	b.WriteString("\nAnswer in Markdown. Start with a one-paragraph summary, then one ")
	b.WriteString("'## <error code>' section per distinct error code. List documentation ")
	b.WriteString("references as 'Reference: <topic> = <url or identifier>'.")
	return b.String()
}

func contextPrompt(batch types.ErrorBatch, doc types.DocAnalysis, codeContext, projectStructure string) string {
	var b strings.Builder
	b.WriteString("You are analyzing how build errors relate to this specific project.\n\n")
	writeErrors(&b, batch)
	if doc.Summary != "" {
		b.WriteString("\nDocumentation analysis so far:\n")
		b.WriteString(doc.Summary)
		b.WriteString("\n")
	}
	if codeContext != "" {
		b.WriteString("\nSurrounding code:\n```\n")
		b.WriteString(codeContext)
		b.WriteString("\n```\n")
	}
	if projectStructure != "" {
		b.WriteString("\nProject structure:\n")
		b.WriteString(projectStructure)
		b.WriteString("\n")
	}
	b.WriteString("\nAnswer in Markdown with a one-paragraph summary, '## ' sections per ")
	b.WriteString("theme, and a final section listing each pain point as a bullet ")
	b.WriteString("starting with 'Pain point:'.")
	return b.String()
}

func patternPrompt(batch types.ErrorBatch, cx types.ContextAnalysis, projectCodebase, projectStandards string) string {
	var b strings.Builder
	b.WriteString("You are validating diagnosed build problems against the project's ")
	b.WriteString("coding patterns and standards.\n\n")
	writeErrors(&b, batch)
	if cx.Summary != "" {
		b.WriteString("\nContext analysis so far:\n")
		b.WriteString(cx.Summary)
		b.WriteString("\n")
	}
	if projectCodebase != "" {
		b.WriteString("\nRelevant codebase excerpts:\n```\n")
		b.WriteString(projectCodebase)
		b.WriteString("\n```\n")
	}
	if projectStandards != "" {
		b.WriteString("\nProject standards:\n")
		b.WriteString(projectStandards)
		b.WriteString("\n")
	}
	b.WriteString("\nAnswer in Markdown. Flag each standards breach as a bullet starting ")
	b.WriteString("with 'Violation:'. If everything complies, state that explicitly.")
	return b.String()
}

func synthesisPrompt(batch types.ErrorBatch, doc types.DocAnalysis, cx types.ContextAnalysis, pv types.PatternValidation) string {
	var b strings.Builder
	b.WriteString("Synthesize the analyses below into concrete, ordered remediation ")
	b.WriteString("steps for a developer fixing these build errors.\n\n")
	writeErrors(&b, batch)
	if doc.Summary != "" {
		b.WriteString("\nDocumentation analysis:\n")
		b.WriteString(doc.Summary)
		b.WriteString("\n")
	}
	if cx.Summary != "" {
		b.WriteString("\nContext analysis:\n")
		b.WriteString(cx.Summary)
		b.WriteString("\n")
	}
	if len(pv.CriticalViolations) > 0 {
		b.WriteString("\nCritical pattern violations:\n")
		for _, v := range pv.CriticalViolations {
			fmt.Fprintf(&b, "- %s\n", v)
		}
	}
	b.WriteString("\nAnswer in Markdown as a numbered action plan, most impactful fix first.")
	return b.String()
}

func writeErrors(b *strings.Builder, batch types.ErrorBatch) {
	b.WriteString("Build errors:\n")
	for i, ce := range batch.Errors {
		if i == maxPromptErrors {
			fmt.Fprintf(b, "... and %d more\n", len(batch.Errors)-maxPromptErrors)
			break
		}
		if ce.Location != nil {
			fmt.Fprintf(b, "- %s at %s(%d,%d): %s\n", ce.Code, ce.Location.Path, ce.Location.Line, ce.Location.Column, ce.Message)
		} else {
			fmt.Fprintf(b, "- %s: %s\n", ce.Code, ce.Message)
		}
	}
}

var headingRe = regexp.MustCompile(`(?m)^#{2,3}\s+(.+?)\s*$`)

// parseFindings splits a Markdown response into one finding per '##'
// heading. A response without headings becomes a single finding titled
// by its first line.
func parseFindings(model, text string) []types.ModelFinding {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	locs := headingRe.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return []types.ModelFinding{{
			ModelName: model,
			Title:     firstLine(text),
			Content:   text,
		}}
	}

	var out []types.ModelFinding
	for i, loc := range locs {
		title := text[loc[2]:loc[3]]
		bodyStart := loc[1]
		bodyEnd := len(text)
		if i+1 < len(locs) {
			bodyEnd = locs[i+1][0]
		}
		content := strings.TrimSpace(text[bodyStart:bodyEnd])
		if content == "" {
			continue
		}
		out = append(out, types.ModelFinding{
			ModelName: model,
			Title:     title,
			Content:   content,
		})
	}
	return out
}

// summaryOf returns the prose before the first heading, or the first
// paragraph when the response has no headings.
func summaryOf(text string) string {
	text = strings.TrimSpace(text)
	if loc := headingRe.FindStringIndex(text); loc != nil {
		text = strings.TrimSpace(text[:loc[0]])
	}
	if i := strings.Index(text, "\n\n"); i > 0 {
		text = text[:i]
	}
	return strings.TrimSpace(text)
}

// extractBullets collects bullet lines whose text starts with the given
// case-insensitive marker, e.g. "Violation:" or "Pain point:".
func extractBullets(text, marker string) []string {
	var out []string
	lower := strings.ToLower(marker)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*0123456789. ")
		if len(line) <= len(marker) {
			continue
		}
		if strings.HasPrefix(strings.ToLower(line), lower) {
			item := strings.TrimSpace(strings.TrimPrefix(line[len(marker):], ":"))
			if item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}

var referenceRe = regexp.MustCompile(`(?mi)^\s*(?:[-*]\s*)?Reference:\s*(.+?)\s*=\s*(.+?)\s*$`)

func extractReferences(text string) map[string]string {
	refs := make(map[string]string)
	for _, m := range referenceRe.FindAllStringSubmatch(text, -1) {
		refs[m[1]] = m[2]
	}
	return refs
}

func firstLine(text string) string {
	line := text
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimLeft(line, "# ")
	if len(line) > 80 {
		line = line[:80]
	}
	return strings.TrimSpace(line)
}
