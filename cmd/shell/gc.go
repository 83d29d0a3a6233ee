package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/runwork/shell/cleanup"
	"github.com/runwork/shell/internal/bundlectx"
	"github.com/runwork/shell/platform"
	"github.com/runwork/shell/storagemgr"
)

// GCCmd is the cobra command that corresponds to the cleanup subcommand:
// it removes superseded versions and unreferenced CAS blobs, the same
// mark-and-sweep the engine runs automatically after a successful
// background check, exposed here for manual/cron use.
var GCCmd = &cobra.Command{
	Use:   "gc",
	Short: "`gc` deletes superseded bundle versions and unreferenced content-store blobs",
	Long:  "`gc` deletes superseded bundle versions and unreferenced content-store blobs",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := resolveConfig()
		if err != nil {
			fatalf("configuration error: %v", err)
		}
		configureLogging(cfg)

		mgr, err := storagemgr.New(cfg.BundleDir())
		if err != nil {
			logrus.Fatalln(err)
		}

		current, err := mgr.CurrentManifest()
		if err != nil {
			if err == storagemgr.ErrNoManifest {
				fmt.Println("nothing to clean up: no manifest present")
				return
			}
			logrus.Fatalln(err)
		}

		var p platform.ID
		if cfg.Platform != "" {
			p, err = platform.Parse(cfg.Platform)
		} else {
			p, err = platform.Detect()
		}
		if err != nil {
			logrus.Fatalln(err)
		}

		ctx := bundlectx.WithOp(context.Background(), "gc")
		stats, err := cleanup.New(mgr).Run(ctx, &current.Manifest, p)
		if err != nil {
			logrus.Fatalln(err)
		}

		fmt.Printf("removed %d version(s), %d content-store blob(s), freed %d bytes\n",
			stats.VersionsRemoved, stats.CASFilesRemoved, stats.BytesFreed)
	},
}
