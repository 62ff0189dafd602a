// Package types holds the shared value objects of the AIRES pipeline:
// compiler errors, error batches, per-stage analyses, and the booklet.
// Everything here is immutable once constructed; the orchestrator owns
// findings for the lifetime of a job, then embeds them into the booklet.
package types

import (
	"time"

	"github.com/google/uuid"
)

// Severity classifies a compiler diagnostic.
type Severity string

const (
	SeverityError   Severity = "Error"
	SeverityWarning Severity = "Warning"
	SeverityInfo    Severity = "Info"
)

// Location is an optional source position attached to a compiler error.
type Location struct {
	Path   string
	Line   int
	Column int
}

// CompilerError is one diagnostic parsed from raw build output.
// Created by a parser, never mutated.
type CompilerError struct {
	Code     string // e.g. "CS1503"
	Message  string
	Location *Location // nil when the dialect carries no position
	Severity Severity
}

// ErrorBatch is the ordered set of diagnostics parsed from one input file.
// Duplicates are allowed; original ordering is preserved.
type ErrorBatch struct {
	BatchID    uuid.UUID
	SourceFile string
	CreatedAt  time.Time
	Errors     []CompilerError
}

// NewErrorBatch stamps a fresh batch over the given errors.
func NewErrorBatch(sourceFile string, errs []CompilerError) ErrorBatch {
	return ErrorBatch{
		BatchID:    uuid.New(),
		SourceFile: sourceFile,
		CreatedAt:  time.Now().UTC(),
		Errors:     errs,
	}
}

// ModelFinding is one unit of analysis produced by a stage model.
type ModelFinding struct {
	ModelName    string
	Title        string
	Content      string
	Confidence   *float64 // nil when the model reported none
	EvidenceRefs []string
}

// DocAnalysis is the output of the documentation stage.
type DocAnalysis struct {
	Findings   []ModelFinding
	Summary    string
	References map[string]string
}

// ContextAnalysis is the output of the context stage.
type ContextAnalysis struct {
	Findings   []ModelFinding
	Summary    string
	PainPoints []string
	Metadata   map[string]string
}

// PatternValidation is the output of the pattern-validation stage.
// Invariant: OverallCompliance implies CriticalViolations is empty.
type PatternValidation struct {
	Findings           []ModelFinding
	OverallCompliance  bool
	CriticalViolations []string
}

// BookletSection is one ordered section of the rendered booklet.
type BookletSection struct {
	Order   int
	Title   string
	Content string
}

// Booklet is the final artifact of a pipeline run. It references exactly
// one ErrorBatch and carries all findings plus run metadata (per-stage
// timings, total wallclock, concurrency flag).
type Booklet struct {
	BookletID   uuid.UUID
	BatchID     uuid.UUID
	GeneratedAt time.Time
	Title       string
	Sections    []BookletSection
	Batch       ErrorBatch
	Findings    []ModelFinding
	Metadata    map[string]string
}
