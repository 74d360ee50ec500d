package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kalambet/boxset/internal/config"
)

var version = "dev"

var (
	noColor   bool
	assumeYes bool
)

var rootCmd = &cobra.Command{
	Use:           "boxset",
	Short:         "Manage container profiles, shortcuts and settings",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor || os.Getenv("NO_COLOR") != "" {
			noColor = true
			color.NoColor = true
		}
		// serve logs to stderr itself.
		if cmd != serveCmd {
			cfg, err := loadConfig()
			if err != nil {
				cfg = config.Config{}
			}
			setupCLILogging(cfg)
		}
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("boxset version %s\n", version))
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false, "grant permission requests without prompting")

	rootCmd.AddCommand(serveCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(toggleCmd, shortcutCmd, backupCmd, profileCmd, onboardingCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var reported reportedError
		if !errors.As(err, &reported) {
			printError("%v", err)
		}
		closeCLILog()
		os.Exit(1)
	}
	closeCLILog()
}
