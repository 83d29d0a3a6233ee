package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	events "github.com/docker/go-events"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/runwork/shell/engine"
	"github.com/runwork/shell/loader"
)

var backgroundOnly bool

func init() {
	RunCmd.Flags().BoolVarP(&backgroundOnly, "background", "b", false, "only run the periodic update check; do not validate or launch the bundle")
}

// RunCmd is the cobra command that validates (or fetches) the bundle and
// launches it, then keeps checking for updates in the background.
var RunCmd = &cobra.Command{
	Use:   "run",
	Short: "`run` validates or fetches the bundle, launches it, and checks for updates in the background",
	Long:  "`run` validates or fetches the bundle, launches it, and checks for updates in the background",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := resolveConfig()
		if err != nil {
			fatalf("configuration error: %v", err)
		}
		configureLogging(cfg)

		eng, err := engine.New(cfg, loader.New())
		if err != nil {
			logrus.Fatalln(err)
		}
		defer eng.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		go logEvents(eng.Events())

		if backgroundOnly {
			if err := eng.RunInBackground(ctx); err != nil && ctx.Err() == nil {
				logrus.Fatalln(err)
			}
			return
		}

		exitCode, err := eng.ValidateAndLaunch(ctx)
		if err != nil {
			logrus.WithError(err).Error("launch failed")
			os.Exit(1)
		}

		go func() {
			if err := eng.RunInBackground(ctx); err != nil && ctx.Err() == nil {
				logrus.WithError(err).Warn("background update loop exited")
			}
		}()

		os.Exit(exitCode)
	},
}

// logEvents drains an Engine's event channel to the structured logger,
// the minimal Sink a CLI needs; a GUI shell would drive a progress bar
// from the same channel instead.
func logEvents(ch <-chan events.Event) {
	for raw := range ch {
		ev, ok := raw.(engine.Event)
		if !ok {
			continue
		}
		entry := logrus.WithField("event", ev.Kind.String())
		switch ev.Kind {
		case engine.EventFailed:
			entry.WithField("retryable", ev.Retryable).Warn(ev.Reason)
		case engine.EventBackingOff:
			entry.WithFields(logrus.Fields{
				"retry": ev.RetryNumber,
				"delay": ev.DelaySeconds,
			}).Info("retrying after backoff")
		case engine.EventDownloading:
			entry.WithFields(logrus.Fields{
				"bytes":      ev.Progress.BytesDownloaded,
				"totalBytes": ev.Progress.TotalBytes,
			}).Debug("downloading")
		case engine.EventCleanupComplete:
			entry.WithFields(logrus.Fields{
				"versionsRemoved": ev.Stats.VersionsRemoved,
				"casFilesRemoved": ev.Stats.CASFilesRemoved,
				"bytesFreed":      ev.Stats.BytesFreed,
			}).Info("cleanup complete")
		default:
			entry.Debug("engine event")
		}
	}
}
