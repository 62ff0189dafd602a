package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Read or write configuration keys",
}

var configGetCmd = &cobra.Command{
	Use:   "get <section.key>",
	Short: "Print one configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		section, key, err := splitKey(args[0])
		if err != nil {
			return exitWith(exitBadInput, err)
		}
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		value, err := a.store.GetRaw(section, key)
		if err != nil {
			return exitWith(exitConfig, err)
		}
		fmt.Println(value)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <section.key> <value>",
	Short: "Write one configuration value, preserving file comments",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		section, key, err := splitKey(args[0])
		if err != nil {
			return exitWith(exitBadInput, err)
		}
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.store.Set(section, key, args[1]); err != nil {
			return exitWith(exitConfig, err)
		}
		fmt.Printf("%s.%s = %s\n", section, key, args[1])
		return nil
	},
}

func splitKey(arg string) (section, key string, err error) {
	i := strings.Index(arg, ".")
	if i <= 0 || i == len(arg)-1 {
		return "", "", fmt.Errorf("expected section.key, got %q", arg)
	}
	return arg[:i], arg[i+1:], nil
}

func init() {
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
}
