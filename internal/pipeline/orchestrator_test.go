package pipeline

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"aires/internal/gateway"
	"aires/internal/metrics"
	"aires/internal/parser"
	"aires/internal/stages"
	"aires/internal/types"
)

const buildOutput = `Program.cs(12,9): error CS1503: Argument 1: cannot convert from 'string' to 'int'
Program.cs(30,5): warning CS0219: The variable 'x' is assigned but its value is never used
`

// fakeGen answers every model with a canned response, optionally delayed,
// and records concurrency.
type fakeGen struct {
	delay      time.Duration
	err        error
	inflight   atomic.Int32
	maxSeen    atomic.Int32
	generation atomic.Int32
}

func (f *fakeGen) Generate(ctx context.Context, model, prompt string, _ gateway.Params) (*gateway.Result, error) {
	cur := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		max := f.maxSeen.Load()
		if cur <= max || f.maxSeen.CompareAndSwap(max, cur) {
			break
		}
	}
	f.generation.Add(1)

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &gateway.Result{Text: "## Finding\n\nAnalysis from " + model}, nil
}

func newOrchestrator(gen stages.Generator, concurrent bool) *Orchestrator {
	exec := stages.New(gen, stages.Models{
		Mistral: "mistral", DeepSeek: "deepseek", CodeGemma: "codegemma", Gemma2: "gemma2",
	}, gateway.Params{}, zap.NewNop())
	return New(exec, Options{Concurrent: concurrent}, zap.NewNop(), nil)
}

func TestRunSequential(t *testing.T) {
	gen := &fakeGen{}
	o := newOrchestrator(gen, false)

	var mu sync.Mutex
	var percents []int
	progress := func(stage string, pct int) {
		mu.Lock()
		percents = append(percents, pct)
		mu.Unlock()
	}

	bk, err := o.Run(context.Background(), Request{
		SourceFile:        "build-001.txt",
		RawCompilerOutput: buildOutput,
	}, progress)
	require.NoError(t, err)

	t.Run("booklet shape", func(t *testing.T) {
		require.NotEmpty(t, bk.Sections)
		assert.Equal(t, "build-001.txt", bk.Batch.SourceFile)
		assert.Len(t, bk.Batch.Errors, 1)
	})

	t.Run("metadata", func(t *testing.T) {
		assert.Equal(t, "false", bk.Metadata["concurrent"])
		for _, step := range []string{StepParse, StepMistral, StepDeepSeek, StepCodeGemma, StepGemma2} {
			_, ok := bk.Metadata["stepTimings."+step]
			assert.True(t, ok, "missing timing for %s", step)
		}
		_, hasParallel := bk.Metadata["ParallelExecutionTime"]
		assert.False(t, hasParallel)
	})

	t.Run("stages never overlap", func(t *testing.T) {
		assert.Equal(t, int32(1), gen.maxSeen.Load())
		assert.Equal(t, int32(4), gen.generation.Load())
	})

	t.Run("progress anchors in order", func(t *testing.T) {
		mu.Lock()
		defer mu.Unlock()
		require.NotEmpty(t, percents)
		assert.Equal(t, 0, percents[0])
		assert.Equal(t, 100, percents[len(percents)-1])
		for i := 1; i < len(percents); i++ {
			assert.GreaterOrEqual(t, percents[i], percents[i-1])
		}
	})
}

func TestRunConcurrent(t *testing.T) {
	gen := &fakeGen{delay: 30 * time.Millisecond}
	o := newOrchestrator(gen, true)

	bk, err := o.Run(context.Background(), Request{
		SourceFile:        "build-002.txt",
		RawCompilerOutput: buildOutput,
	}, nil)
	require.NoError(t, err)

	t.Run("three overlapping stage calls", func(t *testing.T) {
		assert.Equal(t, int32(3), gen.maxSeen.Load())
	})

	t.Run("metadata", func(t *testing.T) {
		assert.Equal(t, "true", bk.Metadata["concurrent"])
		par, err := strconv.Atoi(bk.Metadata["ParallelExecutionTime"])
		require.NoError(t, err)
		assert.GreaterOrEqual(t, par, 30)
		_, hasSaved := bk.Metadata["TimeSaved"]
		assert.True(t, hasSaved)
	})
}

func TestRunNoErrors(t *testing.T) {
	o := newOrchestrator(&fakeGen{}, false)

	_, err := o.Run(context.Background(), Request{
		SourceFile:        "warnings-only.txt",
		RawCompilerOutput: "Program.cs(1,1): warning CS0219: unused\n",
	}, nil)
	require.Error(t, err)
	assert.Equal(t, types.CodeNoErrorsFound, types.CodeOf(err))
	assert.False(t, types.IsTransient(err))
}

func TestRunStageFailure(t *testing.T) {
	gen := &fakeGen{err: types.NewError(types.CodeServerError, "boom", nil)}
	o := newOrchestrator(gen, false)

	_, err := o.Run(context.Background(), Request{
		SourceFile:        "build-003.txt",
		RawCompilerOutput: buildOutput,
	}, nil)
	require.Error(t, err)
	assert.Equal(t, types.CodeMistralAnalysisError, types.CodeOf(err))
}

func TestRunCancellation(t *testing.T) {
	gen := &fakeGen{delay: time.Second}
	o := newOrchestrator(gen, false)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := o.Run(ctx, Request{
		SourceFile:        "build-004.txt",
		RawCompilerOutput: buildOutput,
	}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExplicitParserOverride(t *testing.T) {
	gen := &fakeGen{}
	exec := stages.New(gen, stages.Models{Mistral: "m", DeepSeek: "d", CodeGemma: "c", Gemma2: "g"}, gateway.Params{}, zap.NewNop())
	o := New(exec, Options{Parser: parser.General{}}, zap.NewNop(), nil)

	// The MSBuild dialect is invisible to the general parser, so forcing
	// it yields zero errors instead of auto-detecting C#.
	_, err := o.Run(context.Background(), Request{
		SourceFile:        "x.txt",
		RawCompilerOutput: buildOutput,
	}, nil)
	require.Error(t, err)
	assert.Equal(t, types.CodeNoErrorsFound, types.CodeOf(err))
}

func TestMetricsSnapshotEmbeddedInMetadata(t *testing.T) {
	gen := &fakeGen{}
	exec := stages.New(gen, stages.Models{Mistral: "m", DeepSeek: "d", CodeGemma: "c", Gemma2: "g"}, gateway.Params{}, zap.NewNop())
	o := New(exec, Options{}, zap.NewNop(), metrics.New())

	bk, err := o.Run(context.Background(), Request{
		SourceFile:        "build-005.txt",
		RawCompilerOutput: buildOutput,
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, "1", bk.Metadata["aires_stage_duration_seconds{stage=MistralAnalysis}_count"])
	assert.Equal(t, "1", bk.Metadata["aires_stage_duration_seconds{stage=Gemma2Generation}_count"])
	assert.Equal(t, "0", bk.Metadata["aires_booklets_saved_total"])
}

func TestErrorBatchCap(t *testing.T) {
	out := "Program.cs(1,1): error CS0246: a\n" +
		"Program.cs(2,1): error CS0246: b\n" +
		"Program.cs(3,1): error CS1503: c\n"
	gen := &fakeGen{}
	exec := stages.New(gen, stages.Models{Mistral: "m", DeepSeek: "d", CodeGemma: "c", Gemma2: "g"}, gateway.Params{}, zap.NewNop())
	o := New(exec, Options{MaxErrors: 2}, zap.NewNop(), nil)

	bk, err := o.Run(context.Background(), Request{
		SourceFile:        "big.txt",
		RawCompilerOutput: out,
	}, nil)
	require.NoError(t, err)

	require.Len(t, bk.Batch.Errors, 2)
	assert.Equal(t, "a", bk.Batch.Errors[0].Message)
	assert.Equal(t, "b", bk.Batch.Errors[1].Message)
}
