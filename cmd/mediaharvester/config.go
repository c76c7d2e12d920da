// cmd/mediaharvester/config.go
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/valpere/MediaHarvester/internal/config"
)

func newConfigCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate or generate configuration",
	}

	validate := &cobra.Command{
		Use:   "validate <config.yaml>",
		Short: "Check a configuration file and report errors and warnings",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := flags.configFile
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("config file required")
			}
			return validateConfig(cmd, path)
		},
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init <output.yaml>",
		Short: "Write the default configuration to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				if _, err := os.Stat(args[0]); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", args[0])
				}
			}
			if err := config.SaveToFile(config.Default(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	cmd.AddCommand(validate, initCmd)
	return cmd
}

// validateConfig prints every validation error, or the warnings of a
// valid file.
func validateConfig(cmd *cobra.Command, path string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		fmt.Fprintf(out, "configuration is invalid: %v\n", err)
		return fmt.Errorf("validation failed")
	}
	result := cfg.Check()
	for _, w := range result.Warnings {
		fmt.Fprintf(out, "warning: %s\n", w)
	}
	if !result.Valid {
		for _, e := range result.Errors {
			fmt.Fprintf(out, "error: %s\n", e.Error())
		}
		return fmt.Errorf("validation failed")
	}
	fmt.Fprintf(out, "%s is valid\n", path)
	return nil
}
