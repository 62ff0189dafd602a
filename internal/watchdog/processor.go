package watchdog

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"aires/internal/booklet"
	"aires/internal/pipeline"
)

// FileProcessor reads an inbox file, runs the pipeline over it and saves
// the booklet. One instance is shared by all workers.
type FileProcessor struct {
	orch   *pipeline.Orchestrator
	store  *booklet.Store
	logger *zap.Logger

	// stageTimeout bounds each of the four stages; the per-job deadline is
	// the sum of stage timeouts plus 30s slack.
	stageTimeout time.Duration
}

// NewFileProcessor wires a processor. stageTimeout defaults to 120s.
func NewFileProcessor(orch *pipeline.Orchestrator, store *booklet.Store, stageTimeout time.Duration, logger *zap.Logger) *FileProcessor {
	if stageTimeout <= 0 {
		stageTimeout = 120 * time.Second
	}
	return &FileProcessor{
		orch:         orch,
		store:        store,
		logger:       logger.Named("processor"),
		stageTimeout: stageTimeout,
	}
}

// Process runs the whole file lifecycle short of the tray move, which the
// watchdog owns.
func (p *FileProcessor) Process(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	ctx, cancel := context.WithTimeout(ctx, 4*p.stageTimeout+30*time.Second)
	defer cancel()

	progress := func(stage string, pct int) {
		p.logger.Debug("pipeline progress",
			zap.String("path", path),
			zap.String("stage", stage),
			zap.Int("percent", pct))
	}

	bk, err := p.orch.Run(ctx, pipeline.Request{
		SourceFile:        path,
		RawCompilerOutput: string(raw),
	}, progress)
	if err != nil {
		return err
	}

	saved, err := p.store.Save(bk, booklet.SuggestedName(path))
	if err != nil {
		return err
	}
	p.logger.Info("booklet written",
		zap.String("path", path),
		zap.String("booklet", saved),
		zap.String("bookletId", bk.BookletID.String()))
	return nil
}
