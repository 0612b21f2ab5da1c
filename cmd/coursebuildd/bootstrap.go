package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"coursebuild/internal/config"
	"coursebuild/internal/daemonrun"
)

type daemonFlags struct {
	configPath  string
	logLevel    string
	development bool
}

func newRootCommand() *cobra.Command {
	flags := &daemonFlags{}

	cmd := &cobra.Command{
		Use:           "coursebuildd",
		Short:         "Course build workflow daemon",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags.configPath)
			if err != nil {
				return err
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{
				LogLevel:    flags.logLevel,
				Development: flags.development,
			})
		},
	}

	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "Configuration file path")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&flags.development, "dev", false, "Human-oriented console logging with source locations")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	cfg, _, _, err := config.Load(strings.TrimSpace(path))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
