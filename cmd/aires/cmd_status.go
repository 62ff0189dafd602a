package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"aires/internal/health"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check component health and print the diagnostic report",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		report := a.registry.CheckAll(cmd.Context())
		fmt.Print(report.String())

		if report.Aggregate == health.StateUnhealthy {
			return exitWith(exitUnhealthy, errors.New("system is unhealthy"))
		}
		return nil
	},
}
