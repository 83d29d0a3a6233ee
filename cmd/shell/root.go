// Package main is the entry point for the shell binary: a small, native
// launcher that validates or refreshes a locally cached application
// bundle before handing off to it.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/runwork/shell/internal/bundlectx"
	"github.com/runwork/shell/internal/config"
	"github.com/runwork/shell/version"
)

var (
	configPath  string
	showVersion bool
)

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the shell configuration file")
	RootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "show the version and exit")

	RootCmd.AddCommand(RunCmd)
	RootCmd.AddCommand(ValidateCmd)
	RootCmd.AddCommand(GCCmd)
}

// RootCmd is the main command for the `shell` binary.
var RootCmd = &cobra.Command{
	Use:   "shell",
	Short: "`shell` validates and launches a locally cached application bundle",
	Long:  "`shell` validates and launches a locally cached application bundle",
	Run: func(cmd *cobra.Command, args []string) {
		if showVersion {
			version.PrintVersion()
			return
		}
		// nolint:errcheck
		cmd.Usage()
	},
}

func main() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveConfig() (*config.Config, error) {
	if configPath == "" {
		if v := os.Getenv("BUNDLE_CONFIG_PATH"); v != "" {
			configPath = v
		}
	}
	if configPath == "" {
		return nil, fmt.Errorf("configuration path unspecified (use --config or BUNDLE_CONFIG_PATH)")
	}

	fp, err := os.Open(configPath)
	if err != nil {
		return nil, err
	}
	defer fp.Close()

	cfg, err := config.Parse(fp)
	if err != nil {
		return nil, fmt.Errorf("error parsing %s: %w", configPath, err)
	}
	return cfg, nil
}

// configureLogging sets logrus's global level/formatter from cfg.Log,
// matching the registry's configureLogging idiom, and installs the
// resulting entry as this process's default logger.
func configureLogging(cfg *config.Config) {
	level := logrus.InfoLevel
	if cfg.Log.Level != "" {
		if l, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
			level = l
		} else {
			logrus.Warnf("error parsing log level %q: %v, using %q", cfg.Log.Level, err, level)
		}
	}
	logrus.SetLevel(level)

	switch cfg.Log.Formatter {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logrus.SetFormatter(&logrus.TextFormatter{})
	default:
		logrus.Warnf("unsupported log formatter %q, using text", cfg.Log.Formatter)
	}

	bundlectx.SetDefaultLogger(logrus.StandardLogger().WithField("component", "bundle-shell"))
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
