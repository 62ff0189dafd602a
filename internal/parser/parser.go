// Package parser turns raw build output into typed compiler diagnostics.
// Two dialects are supported: C# (MSBuild) lines and general gcc-style
// lines. Detect picks the dialect from the text when none is configured.
package parser

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"

	"aires/internal/types"
)

// Result is the outcome of parsing one build-output file. Errors and
// Warnings preserve input order; duplicates are kept.
type Result struct {
	Errors        []types.CompilerError
	Warnings      []types.CompilerError
	TotalErrors   int
	TotalWarnings int
}

// Parser extracts diagnostics from raw compiler output.
type Parser interface {
	Name() string
	Parse(raw string) Result
}

// ForName returns the parser registered under the config value, or nil
// for "auto"/"" meaning detection should be used.
func ForName(name string) Parser {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "csharp", "cs", "msbuild":
		return CSharp{}
	case "general", "gcc":
		return General{}
	default:
		return nil
	}
}

// Detect inspects the raw text and picks a dialect. Any MSBuild-style
// CS code selects the C# parser; everything else falls back to general.
func Detect(raw string) Parser {
	if csDiagnostic.MatchString(raw) {
		return CSharp{}
	}
	return General{}
}

// csDiagnostic matches MSBuild lines like
//
//	Program.cs(12,9): error CS1503: Argument 1: cannot convert ...
//
// The location prefix is optional; some tools emit bare "error CS0246: ...".
var csDiagnostic = regexp.MustCompile(
	`(?m)^\s*(?:(.+?)\((\d+),(\d+)\)\s*:\s*)?(error|warning)\s+(CS\d{4})\s*:\s*(.+?)\s*$`)

// CSharp parses MSBuild / Roslyn diagnostics.
type CSharp struct{}

func (CSharp) Name() string { return "csharp" }

func (CSharp) Parse(raw string) Result {
	var res Result
	scan := bufio.NewScanner(strings.NewReader(raw))
	scan.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scan.Scan() {
		m := csDiagnostic.FindStringSubmatch(scan.Text())
		if m == nil {
			continue
		}
		ce := types.CompilerError{
			Code:    m[5],
			Message: m[6],
		}
		if m[1] != "" {
			line, _ := strconv.Atoi(m[2])
			col, _ := strconv.Atoi(m[3])
			ce.Location = &types.Location{Path: strings.TrimSpace(m[1]), Line: line, Column: col}
		}
		res.append(m[4], ce)
	}
	return res
}

// generalDiagnostic matches gcc/clang-style lines like
//
//	src/main.c:42:7: error: expected ';' before 'return'
//	main.c:10: warning: unused variable 'x'
//	error: linker command failed
var generalDiagnostic = regexp.MustCompile(
	`(?m)^\s*(?:(\S[^:]*?):(\d+)(?::(\d+))?:\s*)?(error|warning)\s*:\s*(.+?)\s*$`)

// General parses gcc-style diagnostics from arbitrary toolchains.
type General struct{}

func (General) Name() string { return "general" }

func (General) Parse(raw string) Result {
	var res Result
	scan := bufio.NewScanner(strings.NewReader(raw))
	scan.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scan.Scan() {
		m := generalDiagnostic.FindStringSubmatch(scan.Text())
		if m == nil {
			continue
		}
		ce := types.CompilerError{
			Code:    strings.ToUpper(m[4]),
			Message: m[5],
		}
		if m[1] != "" {
			line, _ := strconv.Atoi(m[2])
			col, _ := strconv.Atoi(m[3])
			ce.Location = &types.Location{Path: m[1], Line: line, Column: col}
		}
		res.append(m[4], ce)
	}
	return res
}

func (r *Result) append(severity string, ce types.CompilerError) {
	if strings.EqualFold(severity, "warning") {
		ce.Severity = types.SeverityWarning
		r.Warnings = append(r.Warnings, ce)
		r.TotalWarnings++
		return
	}
	ce.Severity = types.SeverityError
	r.Errors = append(r.Errors, ce)
	r.TotalErrors++
}
