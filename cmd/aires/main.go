// Command aires is the unattended build-error research service. It watches
// an inbox for compiler output, runs the four-stage analysis pipeline
// against a local inference server, and writes Markdown research booklets.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Process exit codes, stable for scripting.
const (
	exitOK        = 0
	exitFailure   = 1
	exitConfig    = 2
	exitUnhealthy = 3
	exitBadInput  = 4
)

// exitError carries a specific process exit code up through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) error {
	return &exitError{code: code, err: err}
}

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "aires",
	Short: "AIRES - AI research booklets for compiler errors",
	Long: `AIRES watches a filesystem inbox for compiler and build output,
runs a four-stage analysis pipeline (documentation, context, patterns,
synthesis) against a local inference server, and writes a Markdown
research booklet per input file.

Run without arguments to start the watchdog service.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runService(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/aires.ini", "path to the INI configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(onceCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitFailure)
	}
}
