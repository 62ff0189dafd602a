// Package stages holds the four pipeline stage executors. Each executor
// is a thin adapter over exactly one gateway Generate call: it builds the
// model-specific prompt, parses the response into findings, and maps
// failures to the stage's stable error code.
package stages

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"aires/internal/gateway"
	"aires/internal/types"
)

// Generator is the slice of the gateway the stages need.
type Generator interface {
	Generate(ctx context.Context, model, prompt string, p gateway.Params) (*gateway.Result, error)
}

// Models names the model serving each stage.
type Models struct {
	Mistral   string
	DeepSeek  string
	CodeGemma string
	Gemma2    string
}

// Executors bundles the four stages over a shared generator.
type Executors struct {
	gen    Generator
	models Models
	params gateway.Params
	logger *zap.Logger
}

// New wires the executors. params apply identically to every stage.
func New(gen Generator, models Models, params gateway.Params, logger *zap.Logger) *Executors {
	return &Executors{
		gen:    gen,
		models: models,
		params: params,
		logger: logger.Named("stages"),
	}
}

// AnalyzeDocs runs Stage 1: documentation analysis of the error batch.
func (e *Executors) AnalyzeDocs(ctx context.Context, batch types.ErrorBatch, codeContext string) (*types.DocAnalysis, error) {
	prompt := docPrompt(batch, codeContext)
	res, err := e.generate(ctx, "documentation", e.models.Mistral, prompt)
	if err != nil {
		return nil, types.NewError(types.CodeMistralAnalysisError, "documentation analysis failed", err)
	}
	findings := parseFindings(e.models.Mistral, res.Text)
	return &types.DocAnalysis{
		Findings:   findings,
		Summary:    summaryOf(res.Text),
		References: extractReferences(res.Text),
	}, nil
}

// AnalyzeContext runs Stage 2: project-context analysis. docAnalysis may
// be empty in concurrent mode.
func (e *Executors) AnalyzeContext(ctx context.Context, batch types.ErrorBatch, doc types.DocAnalysis, codeContext, projectStructure string) (*types.ContextAnalysis, error) {
	prompt := contextPrompt(batch, doc, codeContext, projectStructure)
	res, err := e.generate(ctx, "context", e.models.DeepSeek, prompt)
	if err != nil {
		return nil, types.NewError(types.CodeDeepSeekContextError, "context analysis failed", err)
	}
	return &types.ContextAnalysis{
		Findings:   parseFindings(e.models.DeepSeek, res.Text),
		Summary:    summaryOf(res.Text),
		PainPoints: extractBullets(res.Text, "pain point"),
		Metadata:   map[string]string{"model": e.models.DeepSeek},
	}, nil
}

// ValidatePatterns runs Stage 3: checks the diagnosed problems against
// project patterns and standards. contextAnalysis may be empty in
// concurrent mode.
func (e *Executors) ValidatePatterns(ctx context.Context, batch types.ErrorBatch, cx types.ContextAnalysis, projectCodebase, projectStandards string) (*types.PatternValidation, error) {
	prompt := patternPrompt(batch, cx, projectCodebase, projectStandards)
	res, err := e.generate(ctx, "patterns", e.models.CodeGemma, prompt)
	if err != nil {
		return nil, types.NewError(types.CodeCodeGemmaValidation, "pattern validation failed", err)
	}
	violations := extractBullets(res.Text, "violation")
	return &types.PatternValidation{
		Findings:           parseFindings(e.models.CodeGemma, res.Text),
		OverallCompliance:  len(violations) == 0,
		CriticalViolations: violations,
	}, nil
}

// Synthesize runs Stage 4: combines all upstream analyses into the booklet.
func (e *Executors) Synthesize(ctx context.Context, batch types.ErrorBatch, doc types.DocAnalysis, cx types.ContextAnalysis, pv types.PatternValidation) (*types.Booklet, error) {
	prompt := synthesisPrompt(batch, doc, cx, pv)
	res, err := e.generate(ctx, "synthesis", e.models.Gemma2, prompt)
	if err != nil {
		return nil, types.NewError(types.CodeGemma2GenerationError, "booklet synthesis failed", err)
	}

	findings := append([]types.ModelFinding(nil), doc.Findings...)
	findings = append(findings, cx.Findings...)
	findings = append(findings, pv.Findings...)
	findings = append(findings, parseFindings(e.models.Gemma2, res.Text)...)

	sections := []types.BookletSection{
		{Order: 1, Title: "Documentation Analysis", Content: sectionBody(doc.Summary, doc.Findings)},
		{Order: 2, Title: "Context Analysis", Content: sectionBody(cx.Summary, cx.Findings)},
		{Order: 3, Title: "Pattern Validation", Content: patternBody(pv)},
		{Order: 4, Title: "Recommended Actions", Content: strings.TrimSpace(res.Text)},
	}

	return &types.Booklet{
		BookletID:   uuid.New(),
		BatchID:     batch.BatchID,
		GeneratedAt: time.Now().UTC(),
		Title:       bookletTitle(batch),
		Sections:    sections,
		Batch:       batch,
		Findings:    findings,
		Metadata:    map[string]string{},
	}, nil
}

func (e *Executors) generate(ctx context.Context, stage, model, prompt string) (*gateway.Result, error) {
	start := time.Now()
	res, err := e.gen.Generate(ctx, model, prompt, e.params)
	e.logger.Debug("stage model call finished",
		zap.String("stage", stage),
		zap.String("model", model),
		zap.Int64("latencyMs", time.Since(start).Milliseconds()),
		zap.Error(err))
	return res, err
}

func bookletTitle(batch types.ErrorBatch) string {
	name := batch.SourceFile
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	return fmt.Sprintf("Error Research Booklet: %s", name)
}

func sectionBody(summary string, findings []types.ModelFinding) string {
	var b strings.Builder
	if summary != "" {
		b.WriteString(summary)
	}
	for _, f := range findings {
		if f.Title == "" {
			continue
		}
		fmt.Fprintf(&b, "\n\n**%s**\n\n%s", f.Title, f.Content)
	}
	if b.Len() == 0 {
		return "No analysis available."
	}
	return strings.TrimSpace(b.String())
}

func patternBody(pv types.PatternValidation) string {
	var b strings.Builder
	if pv.OverallCompliance {
		b.WriteString("No critical pattern violations were identified.")
	} else {
		b.WriteString("Critical violations:\n")
		for _, v := range pv.CriticalViolations {
			fmt.Fprintf(&b, "- %s\n", v)
		}
	}
	if body := sectionBody("", pv.Findings); body != "No analysis available." {
		b.WriteString("\n\n")
		b.WriteString(body)
	}
	return strings.TrimSpace(b.String())
}
