package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"aires/internal/booklet"
	"aires/internal/pipeline"
	"aires/internal/types"
)

var onceCmd = &cobra.Command{
	Use:   "once <file>",
	Short: "Process a single build-output file and exit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce(cmd.Context(), args[0])
	},
}

func runOnce(parent context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return exitWith(exitBadInput, fmt.Errorf("reading input: %w", err))
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, 4*a.cfg.AIServices.OllamaTimeout+30*time.Second)
	defer cancel()

	progress := func(stage string, pct int) {
		if verbose {
			fmt.Fprintf(os.Stderr, "[%3d%%] %s\n", pct, stage)
		}
	}

	bk, err := a.orch.Run(ctx, pipeline.Request{
		SourceFile:        path,
		RawCompilerOutput: string(raw),
	}, progress)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return exitWith(exitFailure, errors.New("cancelled"))
		}
		if types.CodeOf(err) == types.CodeNoErrorsFound {
			return exitWith(exitBadInput, err)
		}
		return err
	}

	saved, err := a.books.Save(bk, booklet.SuggestedName(path))
	if err != nil {
		return err
	}
	fmt.Println(saved)
	return nil
}
