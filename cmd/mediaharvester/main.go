// cmd/mediaharvester/main.go
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/valpere/MediaHarvester/internal/config"
	"github.com/valpere/MediaHarvester/internal/utils"
)

// Version information (set by build flags)
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configFile string
	logLevel   string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "mediaharvester",
		Short:         "Resilient video metadata extraction service",
		Long:          "MediaHarvester extracts video metadata through a rotating pool of identities, proxies and extraction strategies.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "Path to the YAML configuration file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Override log.level (debug, info, warn, error)")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Shorthand for --log-level=debug")

	root.AddCommand(
		newServeCmd(flags),
		newExtractCmd(flags),
		newProxiesCmd(flags),
		newConfigCmd(flags),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads the config file, or the defaults when none is given,
// and initializes logging from it.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if flags.configFile == "" {
		cfg = config.Default()
	} else if cfg, err = config.LoadFromFile(flags.configFile); err != nil {
		return nil, err
	}

	switch {
	case flags.verbose:
		cfg.Log.Level = "debug"
	case flags.logLevel != "":
		cfg.Log.Level = flags.logLevel
	}
	if err := utils.InitLogger(cfg.Log); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "MediaHarvester %s\n", version)
			fmt.Fprintf(out, "Build time: %s\n", buildTime)
			fmt.Fprintf(out, "Git commit: %s\n", gitCommit)
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
