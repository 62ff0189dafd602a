// Package pipeline contains the orchestrator that drives the four-stage
// analysis over one error batch. It supports a strict sequential mode and
// a concurrent mode that trades upstream context for latency.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"aires/internal/metrics"
	"aires/internal/parser"
	"aires/internal/stages"
	"aires/internal/types"
)

// Stable stepTimings keys. They appear in booklet metadata and logs.
const (
	StepParse     = "ParseErrors"
	StepMistral   = "MistralAnalysis"
	StepDeepSeek  = "DeepSeekAnalysis"
	StepCodeGemma = "CodeGemmaValidation"
	StepGemma2    = "Gemma2Generation"
)

// Request carries everything one pipeline run needs.
type Request struct {
	SourceFile        string
	RawCompilerOutput string
	CodeContext       string
	ProjectStructure  string
	ProjectCodebase   string
	ProjectStandards  string
}

// ProgressFunc receives (stageLabel, percent) events at stable anchors.
// May be nil. Implementations must not block.
type ProgressFunc func(stage string, percent int)

// Options selects the execution mode and the parser dialect.
type Options struct {
	// Concurrent dispatches stages 1-3 together. Stages 2 and 3 then run
	// on empty placeholder upstreams and produce context-free analyses.
	Concurrent bool
	// Parser overrides dialect auto-detection when non-nil.
	Parser parser.Parser
	// MaxErrors caps how many parsed errors enter the batch. Zero means
	// no cap.
	MaxErrors int
}

// Orchestrator runs the pipeline. Safe for concurrent use by multiple
// workers; each Run is independent.
type Orchestrator struct {
	exec    *stages.Executors
	opts    Options
	metrics *metrics.Registry
	logger  *zap.Logger
}

// New wires an orchestrator. metrics may be nil in tests.
func New(exec *stages.Executors, opts Options, logger *zap.Logger, m *metrics.Registry) *Orchestrator {
	return &Orchestrator{
		exec:    exec,
		opts:    opts,
		metrics: m,
		logger:  logger.Named("pipeline"),
	}
}

// Run executes the pipeline over one input and returns the booklet.
// A context cancellation surfaces as context.Canceled, not a typed error;
// the caller treats it as a Cancelled job, not a failure.
func (o *Orchestrator) Run(ctx context.Context, req Request, progress ProgressFunc) (*types.Booklet, error) {
	booklet, err := o.run(ctx, req, progress)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, context.Canceled
		}
		var te *types.Error
		if !errors.As(err, &te) {
			err = types.NewError(types.CodeOrchestratorUnexpected, "pipeline failed", err)
		}
		code := types.CodeOf(err)
		if o.metrics != nil {
			o.metrics.OrchestratorFailures.WithLabelValues(code).Inc()
		}
		o.logger.Error("pipeline run failed",
			zap.String("sourceFile", req.SourceFile),
			zap.String("errorCode", code),
			zap.Error(err))
		return nil, err
	}
	return booklet, nil
}

func (o *Orchestrator) run(ctx context.Context, req Request, progress ProgressFunc) (*types.Booklet, error) {
	emit := func(stage string, pct int) {
		if progress != nil {
			progress(stage, pct)
		}
	}
	total := time.Now()
	timings := make(map[string]time.Duration, 5)

	emit("Starting", 0)
	emit("Parsing errors", 5)

	parseStart := time.Now()
	p := o.opts.Parser
	if p == nil {
		p = parser.Detect(req.RawCompilerOutput)
	}
	parsed := p.Parse(req.RawCompilerOutput)
	timings[StepParse] = time.Since(parseStart)
	emit("Errors parsed", 10)

	if parsed.TotalErrors == 0 {
		return nil, types.NewError(types.CodeNoErrorsFound,
			fmt.Sprintf("no compiler errors found in %s (%d warnings)", req.SourceFile, parsed.TotalWarnings), nil)
	}
	batchErrors := parsed.Errors
	if o.opts.MaxErrors > 0 && len(batchErrors) > o.opts.MaxErrors {
		o.logger.Warn("error batch capped",
			zap.String("sourceFile", req.SourceFile),
			zap.Int("parsed", len(batchErrors)),
			zap.Int("cap", o.opts.MaxErrors))
		batchErrors = batchErrors[:o.opts.MaxErrors]
	}
	batch := types.NewErrorBatch(req.SourceFile, batchErrors)
	o.logger.Info("error batch parsed",
		zap.String("batchId", batch.BatchID.String()),
		zap.String("sourceFile", req.SourceFile),
		zap.String("dialect", p.Name()),
		zap.Int("errors", parsed.TotalErrors),
		zap.Int("warnings", parsed.TotalWarnings))

	var (
		doc     *types.DocAnalysis
		cx      *types.ContextAnalysis
		pv      *types.PatternValidation
		err     error
		meta    = map[string]string{}
		timing  = func(step string, d time.Duration) { timings[step] = d }
	)

	if o.opts.Concurrent {
		err = o.runConcurrent(ctx, req, batch, emit, timing, meta, &doc, &cx, &pv)
	} else {
		err = o.runSequential(ctx, req, batch, emit, timing, &doc, &cx, &pv)
	}
	if err != nil {
		return nil, err
	}

	emit("Synthesizing booklet", 75)
	emit("Synthesis running", 80)
	synthStart := time.Now()
	booklet, err := o.exec.Synthesize(ctx, batch, *doc, *cx, *pv)
	if err != nil {
		return nil, err
	}
	timing(StepGemma2, time.Since(synthStart))
	o.observeStage(StepGemma2, timings[StepGemma2])
	emit("Synthesis done", 90)

	totalElapsed := time.Since(total)
	for step, d := range timings {
		booklet.Metadata["stepTimings."+step] = formatMs(d)
	}
	for k, v := range meta {
		booklet.Metadata[k] = v
	}
	booklet.Metadata["totalTimeMs"] = formatMs(totalElapsed)
	booklet.Metadata["concurrent"] = strconv.FormatBool(o.opts.Concurrent)
	if o.metrics != nil {
		for k, v := range o.metrics.Snapshot() {
			booklet.Metadata[k] = v
		}
	}

	emit("Persisting", 95)
	emit("Complete", 100)

	o.logger.Info("pipeline run complete",
		zap.String("batchId", batch.BatchID.String()),
		zap.String("bookletId", booklet.BookletID.String()),
		zap.Bool("concurrent", o.opts.Concurrent),
		zap.Duration("total", totalElapsed))
	return booklet, nil
}

func (o *Orchestrator) runSequential(ctx context.Context, req Request, batch types.ErrorBatch,
	emit func(string, int), timing func(string, time.Duration),
	doc **types.DocAnalysis, cx **types.ContextAnalysis, pv **types.PatternValidation) error {

	emit("Documentation analysis", 15)
	emit("Documentation analysis running", 20)
	start := time.Now()
	d, err := o.exec.AnalyzeDocs(ctx, batch, req.CodeContext)
	if err != nil {
		return err
	}
	timing(StepMistral, time.Since(start))
	o.observeStage(StepMistral, time.Since(start))
	emit("Documentation analysis done", 30)

	emit("Context analysis", 35)
	emit("Context analysis running", 40)
	start = time.Now()
	c, err := o.exec.AnalyzeContext(ctx, batch, *d, req.CodeContext, req.ProjectStructure)
	if err != nil {
		return err
	}
	timing(StepDeepSeek, time.Since(start))
	o.observeStage(StepDeepSeek, time.Since(start))
	emit("Context analysis done", 50)

	emit("Pattern validation", 55)
	emit("Pattern validation running", 60)
	start = time.Now()
	v, err := o.exec.ValidatePatterns(ctx, batch, *c, req.ProjectCodebase, req.ProjectStandards)
	if err != nil {
		return err
	}
	timing(StepCodeGemma, time.Since(start))
	o.observeStage(StepCodeGemma, time.Since(start))
	emit("Pattern validation done", 70)

	*doc, *cx, *pv = d, c, v
	return nil
}

// runConcurrent dispatches stages 1-3 together. Stages 2 and 3 receive
// empty upstream inputs and produce best-effort, context-free analyses;
// the booklet records concurrent=true so readers know.
func (o *Orchestrator) runConcurrent(ctx context.Context, req Request, batch types.ErrorBatch,
	emit func(string, int), timing func(string, time.Duration), meta map[string]string,
	doc **types.DocAnalysis, cx **types.ContextAnalysis, pv **types.PatternValidation) error {

	emit("Documentation analysis", 15)
	emit("Context analysis", 35)
	emit("Pattern validation", 55)

	var d1, d2, d3 time.Duration
	parallelStart := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		start := time.Now()
		d, err := o.exec.AnalyzeDocs(gctx, batch, req.CodeContext)
		if err != nil {
			return err
		}
		d1 = time.Since(start)
		*doc = d
		return nil
	})
	g.Go(func() error {
		start := time.Now()
		c, err := o.exec.AnalyzeContext(gctx, batch, types.DocAnalysis{}, req.CodeContext, req.ProjectStructure)
		if err != nil {
			return err
		}
		d2 = time.Since(start)
		*cx = c
		return nil
	})
	g.Go(func() error {
		start := time.Now()
		v, err := o.exec.ValidatePatterns(gctx, batch, types.ContextAnalysis{}, req.ProjectCodebase, req.ProjectStandards)
		if err != nil {
			return err
		}
		d3 = time.Since(start)
		*pv = v
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	parallelWall := time.Since(parallelStart)

	timing(StepMistral, d1)
	timing(StepDeepSeek, d2)
	timing(StepCodeGemma, d3)
	o.observeStage(StepMistral, d1)
	o.observeStage(StepDeepSeek, d2)
	o.observeStage(StepCodeGemma, d3)

	emit("Documentation analysis done", 30)
	emit("Context analysis done", 50)
	emit("Pattern validation done", 70)

	longest := d1
	if d2 > longest {
		longest = d2
	}
	if d3 > longest {
		longest = d3
	}
	saved := d1 + d2 + d3 - parallelWall
	if saved < 0 {
		saved = 0
	}
	meta["ParallelExecutionTime"] = formatMs(longest)
	meta["TimeSaved"] = formatMs(saved)
	return nil
}

func (o *Orchestrator) observeStage(step string, d time.Duration) {
	if o.metrics != nil {
		o.metrics.StageDuration.WithLabelValues(step).Observe(d.Seconds())
	}
}

func formatMs(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}
